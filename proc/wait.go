package proc

import "sync"

import "kcore/defs"
import "kcore/sched"

const WAIT_ANY defs.Pid_t = -1

// requirements for wait* syscalls:
// - wait for a pid that is not my child must fail
// - only one wait for a specific pid may succeed; others must fail
// - wait when there are no children must fail
type Waitst_t struct {
	Pid    defs.Pid_t
	Status int
	// cpu time of the child and its reaped descendants, ns
	Userns int64
	Sysns  int64
	// true iff the exit status is valid
	Valid bool
}

// Wait_t collects the exit statuses of a process' children: one entry per
// child not yet waited for, Valid once the child has exited. The lock is
// ordered before the scheduler lock: waiters park while holding it so a
// concurrent putpid cannot be missed.
type Wait_t struct {
	sync.Mutex
	kids []Waitst_t
	wq   *sched.Waitq_t
	Pid  defs.Pid_t
}

func (w *Wait_t) Wait_init(mypid defs.Pid_t, s *sched.Sched_t) {
	w.wq = s.Mkwaitq()
	w.Pid = mypid
}

func (w *Wait_t) _find(id defs.Pid_t) int {
	for i := range w.kids {
		if w.kids[i].Pid == id {
			return i
		}
	}
	return -1
}

func (w *Wait_t) _firstvalid() int {
	for i := range w.kids {
		if w.kids[i].Valid {
			return i
		}
	}
	return -1
}

func (w *Wait_t) _take(i int) Waitst_t {
	ret := w.kids[i]
	w.kids = append(w.kids[:i], w.kids[i+1:]...)
	return ret
}

// returns the number of children not yet waited for
func (w *Wait_t) Len() int {
	w.Lock()
	defer w.Unlock()
	return len(w.kids)
}

func (w *Wait_t) _start(id defs.Pid_t) {
	w.Lock()
	w.kids = append(w.kids, Waitst_t{Pid: id})
	w.Unlock()
}

// _adopt moves an entry, valid or not, from another process' wait list.
func (w *Wait_t) _adopt(wst Waitst_t) {
	w.Lock()
	defer w.Unlock()
	w.kids = append(w.kids, wst)
	if wst.Valid {
		w.wq.Wake_all()
	}
}

// _forget removes id from the list and returns its entry.
func (w *Wait_t) _forget(id defs.Pid_t) (Waitst_t, bool) {
	w.Lock()
	defer w.Unlock()
	i := w._find(id)
	if i < 0 {
		return Waitst_t{}, false
	}
	return w._take(i), true
}

func (w *Wait_t) putpid(pid defs.Pid_t, status int, userns, sysns int64) {
	w.Lock()
	defer w.Unlock()
	i := w._find(pid)
	// XXXPANIC
	if i < 0 {
		panic("id must exist")
	}
	ws := &w.kids[i]
	ws.Valid = true
	ws.Status = status
	ws.Userns += userns
	ws.Sysns += sysns
	w.wq.Wake_all()
}

// Reappid returns the status of an exited child, pid or any child if pid
// is WAIT_ANY. When no child has exited yet tid is parked and
// -defs.ERESTART returned, unless noblk is set, in which case a status
// with a zero Pid is returned.
func (w *Wait_t) Reappid(tid defs.Tid_t, pid defs.Pid_t, noblk bool) (Waitst_t, defs.Err_t) {
	w.Lock()
	defer w.Unlock()
	var i int
	if pid == WAIT_ANY {
		if len(w.kids) == 0 {
			return Waitst_t{}, -defs.ECHILD
		}
		i = w._firstvalid()
	} else {
		i = w._find(pid)
		if i < 0 {
			return Waitst_t{}, -defs.ECHILD
		}
		if !w.kids[i].Valid {
			i = -1
		}
	}
	if i >= 0 {
		return w._take(i), 0
	}
	if noblk {
		return Waitst_t{}, 0
	}
	// wait for someone to exit
	if err := w.wq.Wait(tid, sched.W_JOIN, 0); err != 0 {
		return Waitst_t{}, err
	}
	return Waitst_t{}, -defs.ERESTART
}
