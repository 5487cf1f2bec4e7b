package sched

import "kcore/defs"

// Waitq_t is a FIFO of blocked threads. It is protected by the scheduler
// lock.
type Waitq_t struct {
	s    *Sched_t
	tids []*Tcb_t
}

func (s *Sched_t) Mkwaitq() *Waitq_t {
	return &Waitq_t{s: s}
}

// Wait blocks tid on wq until woken or until the absolute deadline, if
// non-zero, passes.
func (wq *Waitq_t) Wait(tid defs.Tid_t, why Wait_t, deadline uint64) defs.Err_t {
	return wq.s.Block(tid, why, wq, deadline)
}

// Wake_one readies the longest waiting thread and returns its tid.
func (wq *Waitq_t) Wake_one() (defs.Tid_t, bool) {
	s := wq.s
	s.Lock()
	defer s.Unlock()
	if len(wq.tids) == 0 {
		return 0, false
	}
	t := wq.tids[0]
	t.timedout = false
	// XXXPANIC
	if !s._wake(t) {
		panic("waiter not blocked")
	}
	return t.Tid, true
}

// Wake_all readies every waiter and returns how many there were.
func (wq *Waitq_t) Wake_all() int {
	s := wq.s
	s.Lock()
	defer s.Unlock()
	n := 0
	for len(wq.tids) > 0 {
		t := wq.tids[0]
		t.timedout = false
		if !s._wake(t) {
			panic("waiter not blocked")
		}
		n++
	}
	return n
}

func (wq *Waitq_t) Len() int {
	wq.s.Lock()
	defer wq.s.Unlock()
	return len(wq.tids)
}
