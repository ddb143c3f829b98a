package vm

import "sync/atomic"

// ---------------------------------------------------------------------------
// Quota: CPU clicks
// ---------------------------------------------------------------------------

var nextQuotaID atomic.Uint64

// Quota is a pool of clicks charged by the scheduler. One quota may be
// shared by many processes; quotas can be split and merged.
type Quota struct {
	id        uint64
	remaining int64
	charged   int64
}

// NewQuota returns a quota holding clicks.
func NewQuota(clicks int64) *Quota {
	return &Quota{id: nextQuotaID.Add(1), remaining: clicks}
}

// ID returns a process-independent identifier for diagnostics.
func (q *Quota) ID() uint64 { return q.id }

// Remaining returns the clicks left.
func (q *Quota) Remaining() int64 { return q.remaining }

// Charged returns the total clicks debited so far.
func (q *Quota) Charged() int64 { return q.charged }

// Exhausted reports whether no clicks are left.
func (q *Quota) Exhausted() bool { return q.remaining <= 0 }

// Debit removes ticks from the quota. The balance may go negative by at
// most one time slice.
func (q *Quota) Debit(ticks int64) {
	q.remaining -= ticks
	q.charged += ticks
}

// Split moves n clicks (or all that remain, if fewer) into a new quota.
func (q *Quota) Split(n int64) *Quota {
	n = max(min(n, q.remaining), 0)
	q.remaining -= n
	return NewQuota(n)
}

// Merge moves every remaining click of other into q.
func (q *Quota) Merge(other *Quota) {
	if other == nil || other == q {
		return
	}
	if other.remaining > 0 {
		q.remaining += other.remaining
		other.remaining = 0
	}
}
