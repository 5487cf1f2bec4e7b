package proc

import "kcore/defs"
import "kcore/sched"

// context and mask saved when a handler is entered; Sigreturn restores
// them
type sigframe_t struct {
	ctx  sched.Context_t
	mask uint64
}

// Sigstate_t is protected by the process table lock.
type Sigstate_t struct {
	// SIG_DFL, SIG_IGN or a handler address
	Disp    [defs.NSIG]uintptr
	Pending []int
	Mask    uint64
	Stopped bool
	frames  []sigframe_t
}

const unblockable uint64 = 1<<defs.SIGKILL | 1<<defs.SIGSTOP

func sigbit(sig int) uint64 {
	return 1 << uint(sig)
}

func validsig(sig int) bool {
	return sig > 0 && sig < defs.NSIG
}

func defignore(sig int) bool {
	switch sig {
	case defs.SIGPIPE, defs.SIGCHLD, defs.SIGCONT:
		return true
	}
	return false
}

// dispositions and the mask are inherited; pending signals are not
func (ss *Sigstate_t) fork(parent *Sigstate_t) {
	ss.Disp = parent.Disp
	ss.Mask = parent.Mask
}

// exec resets handlers to the default; ignored signals stay ignored
func (ss *Sigstate_t) exec() {
	for i, d := range ss.Disp {
		if d != defs.SIG_IGN {
			ss.Disp[i] = defs.SIG_DFL
		}
	}
	ss.frames = nil
}

func (ss *Sigstate_t) ignored(sig int) bool {
	d := ss.Disp[sig]
	return d == defs.SIG_IGN || (d == defs.SIG_DFL && defignore(sig))
}

func (ss *Sigstate_t) pending(sig int) bool {
	for _, s := range ss.Pending {
		if s == sig {
			return true
		}
	}
	return false
}

func (ss *Sigstate_t) drop(sig int) {
	n := ss.Pending[:0]
	for _, s := range ss.Pending {
		if s != sig {
			n = append(n, s)
		}
	}
	ss.Pending = n
}

// next pops the oldest pending signal that is not blocked.
func (ss *Sigstate_t) next() int {
	for i, s := range ss.Pending {
		if ss.Mask&sigbit(s) == 0 {
			ss.Pending = append(ss.Pending[:i:i], ss.Pending[i+1:]...)
			return s
		}
	}
	return 0
}

// Send_signal queues sig for target. SIGKILL terminates and SIGSTOP stops
// the target immediately, whatever its mask and dispositions. Blocked
// signals are discarded; the disposition of the rest is applied when they
// are delivered.
func (pm *Pm_t) Send_signal(target defs.Pid_t, sig int, sender defs.Pid_t) defs.Err_t {
	if !validsig(sig) {
		return -defs.ESIGINVAL
	}
	pm.Lock()
	p, ok := pm.ptable.Get(target)
	if !ok || p.state == PS_DEAD {
		pm.Unlock()
		return -defs.ESRCH
	}
	if p.state == PS_ZOMBIE {
		pm.Unlock()
		return 0
	}
	pm.Stats.Signals.Inc()
	switch sig {
	case defs.SIGKILL:
		pm.Unlock()
		return pm.Terminate(target, defs.Mkexitsig(sig))
	case defs.SIGSTOP:
		if !p.Sig.Stopped {
			p.Sig.Stopped = true
			for _, tid := range p.threads {
				pm.s.Stop(tid)
			}
		}
		pm.Unlock()
		return 0
	case defs.SIGCONT:
		if p.Sig.Stopped {
			p.Sig.Stopped = false
			for _, tid := range p.threads {
				pm.s.Wake(tid)
			}
		}
	}
	if p.Sig.Mask&sigbit(sig) != 0 {
		pm.Stats.Sigdrops.Inc()
		pm.Unlock()
		return 0
	}
	if !p.Sig.pending(sig) {
		p.Sig.Pending = append(p.Sig.Pending, sig)
	}
	// interrupt waiting threads so they reach a signal check point
	if !p.Sig.Stopped && !p.Sig.ignored(sig) {
		for _, tid := range p.threads {
			pm.s.Wake(tid)
		}
	}
	pm.Unlock()
	return 0
}

// Deliver is called at a signal check point of thread tid. Ignored
// signals at the front of the queue are discarded. It acts on the oldest
// deliverable pending signal and returns it, or 0 if there was none. A handler is entered by saving tid's context and redirecting it
// to the handler with the signal number in rdi.
func (pm *Pm_t) Deliver(pid defs.Pid_t, tid defs.Tid_t) int {
	pm.Lock()
	p, ok := pm.ptable.Get(pid)
	if !ok || p.state >= PS_ZOMBIE {
		pm.Unlock()
		return 0
	}
	sig := p.Sig.next()
	for sig != 0 && p.Sig.ignored(sig) {
		sig = p.Sig.next()
	}
	if sig == 0 {
		pm.Unlock()
		return 0
	}
	d := p.Sig.Disp[sig]
	if d == defs.SIG_DFL {
		pm.Unlock()
		pm.Terminate(pid, defs.Mkexitsig(sig))
		return sig
	}
	pm.s.Modify(tid, func(c *sched.Context_t) {
		p.Sig.frames = append(p.Sig.frames, sigframe_t{ctx: *c,
			mask: p.Sig.Mask})
		// skip the red zone
		c.Rsp = (c.Rsp-128)&^15 - 8
		c.Rip = d
		c.Regs[defs.TF_RDI] = uintptr(sig)
	})
	p.Sig.Mask |= sigbit(sig) &^ unblockable
	pm.Unlock()
	return sig
}

// Sigreturn restores the context and mask saved when the current handler
// of tid was entered.
func (pm *Pm_t) Sigreturn(pid defs.Pid_t, tid defs.Tid_t) defs.Err_t {
	pm.Lock()
	defer pm.Unlock()
	p, ok := pm.ptable.Get(pid)
	if !ok {
		return -defs.ESRCH
	}
	n := len(p.Sig.frames)
	if n == 0 {
		return -defs.EINVAL
	}
	f := p.Sig.frames[n-1]
	p.Sig.frames = p.Sig.frames[:n-1]
	p.Sig.Mask = f.mask
	return pm.s.Modify(tid, func(c *sched.Context_t) {
		*c = f.ctx
	})
}

// Sigaction sets the disposition of sig and returns the previous one.
func (pm *Pm_t) Sigaction(pid defs.Pid_t, sig int, disp uintptr) (uintptr, defs.Err_t) {
	if !validsig(sig) {
		return 0, -defs.ESIGINVAL
	}
	if sigbit(sig)&unblockable != 0 {
		return 0, -defs.EINVAL
	}
	pm.Lock()
	defer pm.Unlock()
	p, ok := pm.ptable.Get(pid)
	if !ok {
		return 0, -defs.ESRCH
	}
	old := p.Sig.Disp[sig]
	p.Sig.Disp[sig] = disp
	if p.Sig.ignored(sig) {
		p.Sig.drop(sig)
	}
	return old, 0
}

// Sigmask changes the blocked set according to how and returns the old
// set. SIGKILL and SIGSTOP cannot be blocked.
func (pm *Pm_t) Sigmask(pid defs.Pid_t, how int, set uint64) (uint64, defs.Err_t) {
	set &^= unblockable
	pm.Lock()
	defer pm.Unlock()
	p, ok := pm.ptable.Get(pid)
	if !ok {
		return 0, -defs.ESRCH
	}
	old := p.Sig.Mask
	switch how {
	case defs.SIG_BLOCK:
		p.Sig.Mask |= set
	case defs.SIG_UNBLOCK:
		p.Sig.Mask &^= set
	case defs.SIG_SETMASK:
		p.Sig.Mask = set
	default:
		return old, -defs.EINVAL
	}
	return old, 0
}

// Pending returns the signals queued for pid.
func (pm *Pm_t) Pending(pid defs.Pid_t) []int {
	pm.Lock()
	defer pm.Unlock()
	p, ok := pm.ptable.Get(pid)
	if !ok {
		return nil
	}
	return append([]int(nil), p.Sig.Pending...)
}

// Fault delivers the signal for an unresolvable page fault of tid:
// SIGBUS when the page could not be mapped, SIGSEGV otherwise. Without a
// handler the process is terminated. Returns the signal.
func (pm *Pm_t) Fault(pid defs.Pid_t, tid defs.Tid_t, err defs.Err_t) int {
	sig := defs.SIGSEGV
	if err == -defs.EMAPFAIL {
		sig = defs.SIGBUS
	}
	pm.Stats.Faults.Inc()
	pm.Lock()
	p, ok := pm.ptable.Get(pid)
	if !ok {
		pm.Unlock()
		return sig
	}
	d := p.Sig.Disp[sig]
	handled := d != defs.SIG_DFL && d != defs.SIG_IGN &&
		p.Sig.Mask&sigbit(sig) == 0
	if handled {
		p.Sig.drop(sig)
		p.Sig.Pending = append([]int{sig}, p.Sig.Pending...)
	}
	pm.Unlock()
	if !handled {
		pm.Terminate(pid, defs.Mkexitsig(sig))
		return sig
	}
	pm.Deliver(pid, tid)
	return sig
}
