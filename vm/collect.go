package vm

import "time"

// ---------------------------------------------------------------------------
// Collector: policy and minor (copying) collection
// ---------------------------------------------------------------------------

// oldBase is the first word of the old generation that can hold a cell.
const oldBase = 2

// GCStats accumulates collector counters.
type GCStats struct {
	Minor          uint64
	Major          uint64
	Grows          uint64
	PromotedWords  uint64
	ReclaimedWords uint64
	AllocatedWords uint64
	BarrierMarks   uint64
	ForeignFreed   uint64
	Pause          time.Duration
}

// Stats returns a copy of the collector counters.
func (h *Heap) Stats() GCStats { return h.stats }

// Collect forces a minor collection, followed by a major one if major is
// set.
func (h *Heap) Collect(major bool) {
	if h.collecting {
		faultf("collection re-entered")
	}
	h.collect(0, major)
}

// collect implements the collection policy:
//
//  1. If the old generation cannot absorb everything in the creation space,
//     it is grown first so the minor collection cannot overflow.
//  2. A minor collection promotes every reachable young cell.
//  3. A major collection runs when old occupancy crosses MajorThreshold.
//  4. The heap grows when the creation space cannot satisfy the request
//     plus SafetyMargin, or the old generation has less room than a full
//     creation space.
func (h *Heap) collect(request int, forceMajor bool) {
	h.collecting = true
	start := time.Now()
	defer func() {
		h.collecting = false
		h.stats.Pause += time.Since(start)
	}()

	if h.old.free() < h.young.top {
		h.growOld(h.young.top)
	}
	h.minor()

	threshold := int(h.cfg.MajorThreshold * float64(len(h.old.words)))
	if forceMajor || h.old.top > threshold {
		h.major()
	}

	margin := int(h.cfg.SafetyMargin * float64(len(h.young.words)))
	if h.young.free() < request+margin {
		h.growYoung(request + margin)
	}
	if h.old.free() < len(h.young.words) {
		h.growOld(len(h.young.words))
	}
}

// minor evacuates every reachable young cell into the old generation. The
// source cell is overwritten with a forwarding cell so that all references
// to it converge on the single copy. Promoted cells are scanned with a
// cursor rather than recursively.
func (h *Heap) minor() {
	h.stats.Minor++
	youngUsed := h.young.top
	scan := h.old.top
	limit := h.old.top

	h.scanDirtyCards(limit)
	h.visitRoots(func(slot *Ref) {
		*slot = h.promote(*slot)
	})

	for scan < h.old.top {
		hdr := h.old.words[scan]
		size := cellWords(headerLength(hdr))
		h.scanCell(h.old.words, scan, func(w *uint64) {
			*w = uint64(h.promote(Ref(*w)))
		})
		scan += size
	}

	promoted := h.old.top - limit
	h.stats.PromotedWords += uint64(promoted)
	h.stats.ReclaimedWords += uint64(youngUsed - promoted)
	h.young.top = 0
	h.cards.clearDirty()
	heapLog.Debugf("minor collection: promoted %d of %d words", promoted, youngUsed)
}

// promote returns the old-generation location of r, copying it there if
// it is a young cell that has not been evacuated yet.
func (h *Heap) promote(r Ref) Ref {
	if !r.IsYoung() {
		return r
	}
	idx := r.index()
	if idx >= h.young.top {
		faultf("young reference %v beyond creation space top %d", r, h.young.top)
	}
	hdr := h.young.words[idx]
	if headerTag(hdr) == TagForward {
		return Ref(h.young.words[idx+1])
	}
	size := cellWords(headerLength(hdr))
	dst := h.old.top
	if dst+size > len(h.old.words) {
		faultf("old generation overflow during promotion")
	}
	copy(h.old.words[dst:dst+size], h.young.words[idx:idx+size])
	h.old.top += size
	h.cards.noteCell(dst, size)

	to := oldRef(dst)
	h.young.words[idx] = makeHeader(TagForward, 1)
	h.young.words[idx+1] = uint64(to)
	return to
}

// scanCell calls fn for every reference slot of the cell whose header is at
// words[idx].
func (h *Heap) scanCell(words []uint64, idx int, fn func(*uint64)) {
	hdr := words[idx]
	n := max(headerLength(hdr), 1)
	payload := words[idx+1 : idx+1+n]
	a0, a1, b0, b1 := refSpans(headerTag(hdr), payload)
	for i := a0; i < a1; i++ {
		if payload[i] != 0 {
			fn(&payload[i])
		}
	}
	for i := b0; i < b1; i++ {
		if payload[i] != 0 {
			fn(&payload[i])
		}
	}
}

// scanDirtyCards promotes young cells referenced from old cells on dirty
// cards. Only cells below limit (the old top when the collection started)
// are considered; cells promoted during this collection are handled by the
// scan cursor.
func (h *Heap) scanDirtyCards(limit int) {
	cardSize := 1 << h.cards.shift
	h.cards.forEachDirty(func(card int) {
		begin := int(h.cards.crossing[card])
		if begin < 0 {
			if card != 0 {
				return
			}
			begin = oldBase
		}
		end := min((card+1)*cardSize, limit)
		for pos := begin; pos < end; {
			hdr := h.old.words[pos]
			h.scanCell(h.old.words, pos, func(w *uint64) {
				if Ref(*w).IsYoung() {
					*w = uint64(h.promote(Ref(*w)))
				}
			})
			pos += cellWords(headerLength(hdr))
		}
	})
}
