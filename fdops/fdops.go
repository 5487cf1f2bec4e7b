package fdops

import "kcore/defs"
import "kcore/sched"

type Ready_t uint8

const (
	R_READ  Ready_t = 1 << iota
	R_WRITE Ready_t = 1 << iota
	R_ERROR Ready_t = 1 << iota
	R_HUP   Ready_t = 1 << iota
)

// interface for reading/writing from user space memory either via a pointer
// and length or a kernel buffer
type Userio_i interface {
	// copy src to user memory
	Uiowrite(src []uint8) (int, defs.Err_t)
	// copy user memory to dst
	Uioread(dst []uint8) (int, defs.Err_t)
	// returns the number of unwritten/unread bytes remaining
	Remain() int
	// the total buffer size
	Totalsz() int
}

// Fdops_i is implemented by every object a file descriptor can refer to.
// Read and Write return -defs.ERESTART after parking tid when they must
// wait; the caller re-issues the operation once tid runs again.
type Fdops_i interface {
	Close() defs.Err_t
	// reopen() is called with Proc_t.Fdl held
	Reopen() defs.Err_t
	Read(tid defs.Tid_t, dst Userio_i) (int, defs.Err_t)
	Write(tid defs.Tid_t, src Userio_i) (int, defs.Err_t)
	// returns the subset of events that are currently true
	Pollone(events Ready_t) Ready_t
}

// keeps track of threads waiting for an object to become readable or
// writable. the object's lock protects nothing here; wait queues are
// protected by the scheduler.
type Pollers_t struct {
	rwait *sched.Waitq_t
	wwait *sched.Waitq_t
}

func Mkpollers(s *sched.Sched_t) *Pollers_t {
	return &Pollers_t{rwait: s.Mkwaitq(), wwait: s.Mkwaitq()}
}

// Addpoller parks tid until the object reports one of r, or until the
// absolute deadline in ms if it is not zero. It always returns
// -defs.ERESTART on success.
func (p *Pollers_t) Addpoller(tid defs.Tid_t, r Ready_t, deadline uint64) defs.Err_t {
	wq := p.rwait
	if r&R_WRITE != 0 {
		wq = p.wwait
	}
	if err := wq.Wait(tid, sched.W_IO, deadline); err != 0 {
		return err
	}
	return -defs.ERESTART
}

// Wakeready wakes every thread waiting for one of r.
func (p *Pollers_t) Wakeready(r Ready_t) {
	if r&(R_READ|R_HUP|R_ERROR) != 0 {
		p.rwait.Wake_all()
	}
	if r&(R_WRITE|R_HUP|R_ERROR) != 0 {
		p.wwait.Wake_all()
	}
}

func (p *Pollers_t) Waiting() int {
	return p.rwait.Len() + p.wwait.Len()
}
