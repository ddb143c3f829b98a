package vm

import "time"

// ---------------------------------------------------------------------------
// Messages and mailboxes
// ---------------------------------------------------------------------------

// Message is one queued delivery. Messages are owned by the VM's pool and
// recycled once received or discarded.
type Message struct {
	Dest    Ref
	Sender  Ref
	Options Ref
	Payload Ref
	ReplyTo Ref
	Lease   time.Time // zero when the message never expires
	Seq     uint64

	prev, next *Message
}

// expired reports whether the lease of m has passed at now.
func (m *Message) expired(now time.Time) bool {
	return !m.Lease.IsZero() && !now.Before(m.Lease)
}

type messagePool struct {
	free []*Message
}

func (mp *messagePool) get() *Message {
	if n := len(mp.free); n > 0 {
		m := mp.free[n-1]
		mp.free = mp.free[:n-1]
		return m
	}
	return &Message{}
}

func (mp *messagePool) put(m *Message) {
	*m = Message{}
	mp.free = append(mp.free, m)
}

// Mailbox is a double-ended queue of messages with a per-recipient
// sequence counter.
type Mailbox struct {
	head, tail *Message
	n          int
	nextSeq    uint64
}

// Len returns the number of queued messages.
func (mb *Mailbox) Len() int { return mb.n }

func (mb *Mailbox) pushBack(m *Message) {
	m.prev = mb.tail
	m.next = nil
	if mb.tail != nil {
		mb.tail.next = m
	} else {
		mb.head = m
	}
	mb.tail = m
	mb.n++
}

func (mb *Mailbox) pushFront(m *Message) {
	m.next = mb.head
	m.prev = nil
	if mb.head != nil {
		mb.head.prev = m
	} else {
		mb.tail = m
	}
	mb.head = m
	mb.n++
}

func (mb *Mailbox) remove(m *Message) {
	if m.prev != nil {
		m.prev.next = m.next
	} else {
		mb.head = m.next
	}
	if m.next != nil {
		m.next.prev = m.prev
	} else {
		mb.tail = m.prev
	}
	m.prev, m.next = nil, nil
	mb.n--
}

// Seqs returns the sequence numbers of queued messages, front first.
func (mb *Mailbox) Seqs() []uint64 {
	var seqs []uint64
	for m := mb.head; m != nil; m = m.next {
		seqs = append(seqs, m.Seq)
	}
	return seqs
}

func (mb *Mailbox) scanRoots(visit func(*Ref)) {
	for m := mb.head; m != nil; m = m.next {
		for _, r := range []*Ref{&m.Dest, &m.Sender, &m.Options, &m.Payload, &m.ReplyTo} {
			if *r != NoRef {
				visit(r)
			}
		}
	}
}

// SendOptions carries the decoded option list of a send.
type SendOptions struct {
	Lease    time.Duration
	HasLease bool
	ReplyTo  Ref
	Options  Ref // the original option list, kept with the message
}

// parseOptions decodes a heap option list of lease(ms) and reply(handle)
// constructors.
func (vm *VM) parseOptions(list Ref) (SendOptions, bool) {
	opts := SendOptions{Options: list}
	h := vm.Heap
	for list = h.Deref(list); list != NoRef && h.Tag(list) == TagPair; list = h.Deref(h.PairTail(list)) {
		opt := h.Deref(h.PairHead(list))
		if h.Tag(opt) != TagCons || h.Arity(opt) != 1 {
			return opts, false
		}
		val := h.Deref(h.Field(opt, 0))
		switch h.Functor(opt) {
		case vm.atom(atomLease):
			if h.Tag(val) != TagInt {
				return opts, false
			}
			opts.Lease = time.Duration(h.IntValue(val)) * time.Millisecond
			opts.HasLease = true
		case vm.atom(atomReply):
			if h.Tag(val) != TagProcess {
				return opts, false
			}
			opts.ReplyTo = val
		default:
			return opts, false
		}
	}
	return opts, true
}

// Deliver enqueues payload for the process behind dest. A message whose
// lease has already passed is not enqueued: an expired(dest) notice goes
// to the reply-to address instead. It returns the sequence number
// assigned, or 0 if nothing was enqueued.
func (vm *VM) Deliver(dest, sender, payload Ref, opts SendOptions) uint64 {
	target := vm.processOf(dest)
	if target == nil {
		vmLog.Debugf("message to dead handle %v dropped", dest)
		return 0
	}
	m := vm.messages.get()
	m.Dest, m.Sender, m.Payload = dest, sender, payload
	m.Options, m.ReplyTo = opts.Options, opts.ReplyTo
	if opts.HasLease {
		m.Lease = vm.clock.Now().Add(opts.Lease)
	}
	if m.expired(vm.clock.Now()) {
		vm.notifyExpired(m)
		vm.messages.put(m)
		return 0
	}
	target.mailbox.nextSeq++
	m.Seq = target.mailbox.nextSeq
	target.mailbox.pushBack(m)
	if target.state == ProcessWaitMsg {
		vm.timers.Cancel(target)
		vm.AddToRunQ(target, true)
	}
	vm.stats.Delivered++
	return m.Seq
}

// notifyExpired sends expired(dest) to the reply-to address of m, if any.
// m must not be in any mailbox.
func (vm *VM) notifyExpired(m *Message) {
	vm.stats.Expired++
	if m.ReplyTo == NoRef || vm.processOf(m.ReplyTo) == nil {
		return
	}
	replyTo, dest := m.ReplyTo, m.Dest
	h := vm.Heap
	h.PushRoot(&replyTo)
	h.PushRoot(&dest)
	notice := h.NewCons(vm.atom(atomExpired), dest)
	h.PopRoot(&dest)
	h.PopRoot(&replyTo)
	vm.Deliver(replyTo, NoRef, notice, SendOptions{})
}

// nextMessage removes and returns the first unexpired message of p,
// discarding expired ones with notification. It returns nil when the
// mailbox holds nothing valid.
func (vm *VM) nextMessage(p *Process) *Message {
	now := vm.clock.Now()
	for m := p.mailbox.head; m != nil; m = p.mailbox.head {
		p.mailbox.remove(m)
		if m.expired(now) {
			vm.notifyExpired(m)
			vm.messages.put(m)
			continue
		}
		if m.Seq <= p.lastSeq {
			faultf("process %d: message %d observed after %d", p.PID, m.Seq, p.lastSeq)
		}
		p.lastSeq = m.Seq
		return m
	}
	return nil
}

// requeue puts a message back at the front of the mailbox, ahead of
// everything else. The sequence guard is rewound so it can be received
// again.
func (vm *VM) requeue(p *Process, m *Message) {
	p.mailbox.pushFront(m)
	if m.Seq <= p.lastSeq {
		p.lastSeq = m.Seq - 1
	}
}
