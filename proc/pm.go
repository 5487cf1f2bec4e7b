package proc

import "fmt"
import "sync"

import "kcore/accnt"
import "kcore/defs"
import "kcore/fd"
import "kcore/hashtable"
import "kcore/hw"
import "kcore/limits"
import "kcore/sched"
import "kcore/stats"
import "kcore/util"
import "kcore/vm"

const defnofile = 256

// largest total size of exec arguments
const ARGMAX = 64 << 10

type Pmstats_t struct {
	Creates  stats.Counter_t
	Forks    stats.Counter_t
	Execs    stats.Counter_t
	Exits    stats.Counter_t
	Reaps    stats.Counter_t
	Signals  stats.Counter_t
	Sigdrops stats.Counter_t
	Faults   stats.Counter_t
}

// Pm_t is the process manager. Its lock protects the process table and the
// state, parent, children, threads and signal state of every process; it
// is ordered before wait locks and the scheduler lock.
type Pm_t struct {
	sync.Mutex
	vmm     *vm.Vmm_t
	s       *sched.Sched_t
	hw      hw.Hw_i
	ptable  ptable_t
	nextpid defs.Pid_t
	nproc   int
	// orphans are adopted by Init
	Init defs.Pid_t
	// nil when the kernel runs without ipc
	Ipc   Ipc_i
	Stats Pmstats_t
}

// Ipc_i is what the process layer tells the ipc layer about process
// lifetimes.
type Ipc_i interface {
	// pid terminated
	Release(pid defs.Pid_t)
	// child got a copy of parent's address space
	Fork(parent, child defs.Pid_t, cas *vm.Vm_t)
	// pid is about to drop old
	Exec(pid defs.Pid_t, old *vm.Vm_t)
}

func Mkpm(vmm *vm.Vmm_t, s *sched.Sched_t, h hw.Hw_i) *Pm_t {
	pm := &Pm_t{vmm: vmm, s: s, hw: h, nextpid: 1}
	pm.ptable.ht = hashtable.MkHash[defs.Pid_t, *Proc_t](1024,
		hashtable.Hashint[defs.Pid_t])
	return pm
}

func (pm *Pm_t) Sched() *sched.Sched_t {
	return pm.s
}

// Lookup returns the process pid, including zombies not yet reaped.
func (pm *Pm_t) Lookup(pid defs.Pid_t) (*Proc_t, bool) {
	return pm.ptable.Get(pid)
}

func (pm *Pm_t) Nproc() int {
	pm.Lock()
	defer pm.Unlock()
	return pm.nproc
}

// Proc_of returns the process that thread tid belongs to.
func (pm *Pm_t) Proc_of(tid defs.Tid_t) (*Proc_t, bool) {
	t, ok := pm.s.Lookup(tid)
	if !ok {
		return nil, false
	}
	return pm.ptable.Get(t.Pid)
}

func (pm *Pm_t) _mkproc(name string, ppid defs.Pid_t, prio sched.Prio_t) *Proc_t {
	p := &Proc_t{Pid: pm.nextpid, Ppid: ppid, Name: name, Prio: prio,
		state: PS_NEW}
	pm.nextpid++
	p.Ulim.Nofile = defnofile
	p.Ctime = pm.hw.Now_ms()
	p.Mywait.Wait_init(p.Pid, pm.s)
	pm.ptable.Set(p.Pid, p)
	pm.nproc++
	return p
}

// _abort undoes a half built process.
func (pm *Pm_t) _abort(p *Proc_t) {
	for _, tid := range p.threads {
		pm.s.Exit_thread(tid)
		pm.s.Reap_thread(tid)
		limits.Syslimit.Threads.Give()
	}
	if p.Vm != nil {
		if pm.Ipc != nil {
			pm.Ipc.Release(p.Pid)
		}
		p.Vm.Teardown()
	}
	pm.Lock()
	pm.ptable.Del(p.Pid)
	pm.nproc--
	pm.Unlock()
}

// _spawn creates a user thread of p.
func (pm *Pm_t) _spawn(p *Proc_t, rip, rsp uintptr) (defs.Tid_t, defs.Err_t) {
	if !limits.Syslimit.Threads.Take() {
		return 0, -defs.EAGAIN
	}
	t, err := pm.s.Spawn(p.Pid, sched.K_USER, p.Prio, p.Vm.P_pmap, rip, rsp)
	if err != 0 {
		limits.Syslimit.Threads.Give()
		return 0, err
	}
	pm.Lock()
	p.threads = append(p.threads, t.Tid)
	if p.tid0 == 0 {
		p.tid0 = t.Tid
	}
	pm.Unlock()
	return t.Tid, 0
}

// _attach makes p a child of ppid, or of init if ppid is gone. The process
// table lock must be held.
func (pm *Pm_t) _attach(p *Proc_t, ppid defs.Pid_t) {
	parent, ok := pm.ptable.Get(ppid)
	if !ok || parent.state >= PS_ZOMBIE {
		parent, ok = pm.ptable.Get(pm.Init)
	}
	if !ok || parent == p {
		p.Ppid = 0
		return
	}
	p.Ppid = parent.Pid
	parent.children = append(parent.children, p.Pid)
	parent.Mywait._start(p.Pid)
}

// Create makes a ready process with an empty address space except for a
// lazily backed 8MB stack, and one thread that starts at address 0 until
// exec. A zero ppid creates a process without a parent.
func (pm *Pm_t) Create(name string, ppid defs.Pid_t, prio sched.Prio_t) (defs.Pid_t, defs.Err_t) {
	if prio <= sched.P_IDLE || prio >= sched.NPRIO {
		return 0, -defs.EINVAL
	}
	pm.Lock()
	if pm.nproc >= limits.Syslimit.Sysprocs {
		pm.Unlock()
		return 0, -defs.EAGAIN
	}
	if ppid != 0 {
		if _, ok := pm.ptable.Get(ppid); !ok {
			pm.Unlock()
			return 0, -defs.ESRCH
		}
	}
	p := pm._mkproc(name, ppid, prio)
	pm.Unlock()

	as, err := pm.vmm.Mkas()
	if err != 0 {
		pm._abort(p)
		return 0, err
	}
	p.Vm = as
	stk, err := as.Allocate_region_with_guards(vm.STACKSZ, vm.R_STACK,
		vm.PROT_R|vm.PROT_W|vm.PROT_USER)
	if err != 0 {
		pm._abort(p)
		return 0, err
	}
	if _, err := pm._spawn(p, 0, stk.End()); err != 0 {
		pm._abort(p)
		return 0, err
	}
	pm.Lock()
	p.state = PS_READY
	if ppid != 0 {
		pm._attach(p, ppid)
	}
	pm.Unlock()
	pm.Stats.Creates.Inc()
	return p.Pid, 0
}

// Fork duplicates the process ppid. The child's address space is a COW
// clone, it shares the parent's open objects and signal dispositions but
// has no pending signals. Its only thread resumes from the context of the
// parent thread tid with rax zero.
func (pm *Pm_t) Fork(ppid defs.Pid_t, tid defs.Tid_t) (defs.Pid_t, defs.Err_t) {
	pm.Lock()
	parent, ok := pm.ptable.Get(ppid)
	if !ok || parent.state >= PS_ZOMBIE {
		pm.Unlock()
		return 0, -defs.ESRCH
	}
	if pm.nproc >= limits.Syslimit.Sysprocs {
		pm.Unlock()
		return 0, -defs.EAGAIN
	}
	child := pm._mkproc(parent.Name, ppid, parent.Prio)
	child.Cred = parent.Cred
	child.Ulim = parent.Ulim
	child.Sig.fork(&parent.Sig)
	pm.Unlock()

	var ctx sched.Context_t
	if err := pm.s.Modify(tid, func(c *sched.Context_t) { ctx = *c }); err != 0 {
		pm._abort(child)
		return 0, err
	}
	cas, err := pm.vmm.Mkas()
	if err != 0 {
		pm._abort(child)
		return 0, err
	}
	child.Vm = cas
	if err := parent.Vm.Fork(cas); err != 0 {
		pm._abort(child)
		return 0, err
	}
	if pm.Ipc != nil {
		pm.Ipc.Fork(ppid, child.Pid, cas)
	}
	if err := parent.fd_fork(child); err != 0 {
		pm._abort(child)
		return 0, err
	}
	ctid, err := pm._spawn(child, ctx.Rip, ctx.Rsp)
	if err != 0 {
		for _, f := range child.fd_reap(func(*fd.Fd_t) bool { return true }) {
			f.Fops.Close()
		}
		pm._abort(child)
		return 0, err
	}
	pm.s.Modify(ctid, func(c *sched.Context_t) {
		*c = ctx
		c.Regs[defs.TF_RAX] = 0
	})
	pm.Lock()
	child.state = PS_READY
	pm._attach(child, ppid)
	pm.Unlock()
	pm.Stats.Forks.Inc()
	return child.Pid, 0
}

// Exec replaces the address space of pid with a fresh one holding img and
// an 8MB stack carrying args, and restarts thread tid at the image entry
// with rdi = argc and rsi = argv. The other threads of the process exit.
// On failure the old address space is untouched.
func (pm *Pm_t) Exec(pid defs.Pid_t, tid defs.Tid_t, img *Image_t, args []string) defs.Err_t {
	p, ok := pm.ptable.Get(pid)
	if !ok || p.state >= PS_ZOMBIE {
		return -defs.ESRCH
	}
	if t, ok := pm.s.Lookup(tid); !ok || t.Pid != pid {
		return -defs.ENOTHREAD
	}
	if img == nil || len(img.Segs) == 0 {
		return -defs.EINVAL
	}
	tot := 0
	for _, a := range args {
		tot += len(a) + 1 + 8
	}
	if tot > ARGMAX {
		return -defs.EINVAL
	}
	nas, err := pm.vmm.Mkas()
	if err != 0 {
		return err
	}
	argc, argv, sp, err := pm._load(nas, img, args)
	if err != 0 {
		nas.Teardown()
		return err
	}

	pm.Lock()
	var others []defs.Tid_t
	for _, t := range p.threads {
		if t != tid {
			others = append(others, t)
		}
	}
	p.threads = []defs.Tid_t{tid}
	p.tid0 = tid
	old := p.Vm
	p.Vm = nas
	if img.Name != "" {
		p.Name = img.Name
	}
	p.Sig.exec()
	pm.Unlock()

	for _, t := range others {
		pm.s.Exit_thread(t)
		if tcb, err := pm.s.Reap_thread(t); err == 0 {
			p.Atime.Add(&tcb.Accnt)
			limits.Syslimit.Threads.Give()
		}
	}
	pm.s.Set_root(tid, nas.P_pmap)
	pm.s.Modify(tid, func(c *sched.Context_t) {
		c.Regs = [defs.TFREGS]uintptr{}
		c.Regs[defs.TF_RDI] = uintptr(argc)
		c.Regs[defs.TF_RSI] = argv
		c.Rip = img.Entry
		c.Rsp = sp
		c.Rflags = defs.TF_FL_IF
	})
	if pm.Ipc != nil {
		pm.Ipc.Exec(pid, old)
	}
	old.Teardown()

	for _, f := range p.fd_reap(func(f *fd.Fd_t) bool { return f.Perms&fd.FD_CLOEXEC != 0 }) {
		f.Fops.Close()
	}
	pm.Stats.Execs.Inc()
	return 0
}

// _load maps the image segments and the stack into as and copies the
// arguments to the top of the stack. It returns argc, the address of the
// argv array and the initial stack pointer.
func (pm *Pm_t) _load(as *vm.Vm_t, img *Image_t, args []string) (int, uintptr, uintptr, defs.Err_t) {
	for _, seg := range img.Segs {
		start := util.Rounddown(seg.Vaddr, vm.PGSIZEW)
		end := util.Roundup(seg.Vaddr+uintptr(seg.Memsz), vm.PGSIZEW)
		// a segment may begin on the last page of the previous one
		if r, ok := as.Lookup(start); ok {
			start = r.End()
		}
		if start < end {
			t := vm.R_DATA
			if seg.Prot&vm.PROT_X != 0 {
				t = vm.R_CODE
			}
			if _, err := as.Map_fixed(start, int(end-start), t, seg.Prot); err != 0 {
				return 0, 0, 0, err
			}
		}
		if len(seg.Data) != 0 {
			if err := as.Kwrite(seg.Vaddr, seg.Data); err != 0 {
				return 0, 0, 0, err
			}
		}
	}
	if r, ok := as.Lookup(img.Entry); !ok || r.Prot&vm.PROT_X == 0 {
		fmt.Printf("exec: entry %#x not in a code segment\n", img.Entry)
		return 0, 0, 0, -defs.EINVAL
	}
	stk, err := as.Allocate_region_with_guards(vm.STACKSZ, vm.R_STACK,
		vm.PROT_R|vm.PROT_W|vm.PROT_USER)
	if err != 0 {
		return 0, 0, 0, err
	}
	sp := stk.End()
	ptrs := make([]uintptr, len(args)+1)
	for i := len(args) - 1; i >= 0; i-- {
		b := append([]uint8(args[i]), 0)
		sp -= uintptr(len(b))
		if err := as.Kwrite(sp, b); err != 0 {
			return 0, 0, 0, err
		}
		ptrs[i] = sp
	}
	// argv is 16 byte aligned and null terminated
	sp = (sp - uintptr(8*len(ptrs))) &^ 15
	argv := sp
	buf := make([]uint8, 8*len(ptrs))
	for i, pv := range ptrs {
		util.Writen(buf, 8, 8*i, int(pv))
	}
	if err := as.Kwrite(argv, buf); err != 0 {
		return 0, 0, 0, err
	}
	// room for the return address slot
	sp -= 8
	return len(args), argv, sp, 0
}

// Terminate makes pid a zombie with exit status code. Its threads exit,
// its files and ipc objects are released, its children are adopted by init
// and the parent is sent SIGCHLD. Memory is released by Reap.
func (pm *Pm_t) Terminate(pid defs.Pid_t, code int) defs.Err_t {
	pm.Lock()
	p, ok := pm.ptable.Get(pid)
	if !ok {
		pm.Unlock()
		return -defs.ESRCH
	}
	if p.state >= PS_ZOMBIE {
		pm.Unlock()
		return 0
	}
	if pid == pm.Init {
		pm.Unlock()
		return -defs.EPERM
	}
	p.state = PS_ZOMBIE
	p.exitstatus = code
	p.Sig.Pending = nil
	tids := p.Threads()
	pm.Unlock()

	for _, tid := range tids {
		pm.s.Exit_thread(tid)
	}
	for _, f := range p.fd_reap(func(*fd.Fd_t) bool { return true }) {
		f.Fops.Close()
	}
	if pm.Ipc != nil {
		pm.Ipc.Release(pid)
	}

	pm.Lock()
	for _, c := range p.children {
		cp, ok := pm.ptable.Get(c)
		if !ok {
			continue
		}
		wst, _ := p.Mywait._forget(c)
		ip, ok := pm.ptable.Get(pm.Init)
		if !ok || ip.state >= PS_ZOMBIE {
			cp.Ppid = 0
			continue
		}
		cp.Ppid = ip.Pid
		ip.children = append(ip.children, c)
		ip.Mywait._adopt(wst)
	}
	p.children = nil
	parent, ok := pm.ptable.Get(p.Ppid)
	pm.Unlock()

	pm.Stats.Exits.Inc()
	if !ok {
		// nobody will wait for it
		pm._reap(p)
		return 0
	}
	u, s := pm.rusage(p)
	parent.Mywait.putpid(pid, code, u, s)
	pm.Send_signal(parent.Pid, defs.SIGCHLD, pid)
	return 0
}

// returns the user and system time of p and its threads, in ns.
func (pm *Pm_t) rusage(p *Proc_t) (int64, int64) {
	var a accnt.Accnt_t
	a.Add(&p.Atime)
	pm.Lock()
	tids := p.Threads()
	pm.Unlock()
	for _, tid := range tids {
		if t, ok := pm.s.Lookup(tid); ok {
			a.Add(&t.Accnt)
		}
	}
	return a.Userns, a.Sysns
}

// Rusage returns the cpu times of pid and of its waited for children.
func (pm *Pm_t) Rusage(pid defs.Pid_t, children bool) ([]uint8, defs.Err_t) {
	p, ok := pm.ptable.Get(pid)
	if !ok {
		return nil, -defs.ESRCH
	}
	if children {
		return p.Catime.Fetch(), 0
	}
	var a accnt.Accnt_t
	u, s := pm.rusage(p)
	a.Utadd(int(u))
	a.Systadd(int(s))
	return a.Fetch(), 0
}

// _reap releases the memory and threads of a zombie.
func (pm *Pm_t) _reap(p *Proc_t) {
	pm.Lock()
	if p.state != PS_ZOMBIE {
		pm.Unlock()
		return
	}
	p.state = PS_DEAD
	tids := p.threads
	p.threads = nil
	pm.ptable.Del(p.Pid)
	pm.nproc--
	pm.Unlock()
	for _, tid := range tids {
		if t, err := pm.s.Reap_thread(tid); err == 0 {
			p.Atime.Add(&t.Accnt)
			limits.Syslimit.Threads.Give()
		}
	}
	p.Vm.Teardown()
	pm.Stats.Reaps.Inc()
}

// Reap frees the zombie child pid of ppid.
func (pm *Pm_t) Reap(ppid, pid defs.Pid_t) defs.Err_t {
	parent, ok := pm.ptable.Get(ppid)
	if !ok {
		return -defs.ESRCH
	}
	p, ok := pm.ptable.Get(pid)
	if !ok || p.Ppid != ppid {
		return -defs.ECHILD
	}
	pm.Lock()
	zombie := p.state == PS_ZOMBIE
	pm.Unlock()
	if !zombie {
		return -defs.EBUSY
	}
	wst, ok := parent.Mywait._forget(pid)
	if ok {
		parent.Catime.Utadd(int(wst.Userns))
		parent.Catime.Systadd(int(wst.Sysns))
	}
	pm._unchild(parent, pid)
	pm._reap(p)
	return 0
}

func (pm *Pm_t) _unchild(parent *Proc_t, pid defs.Pid_t) {
	pm.Lock()
	defer pm.Unlock()
	for i, c := range parent.children {
		if c == pid {
			parent.children = append(parent.children[:i:i],
				parent.children[i+1:]...)
			return
		}
	}
}

// Wait returns the status of an exited child of ppid (pid, or any child
// if pid is WAIT_ANY) and reaps it. If none has exited the thread tid is
// parked and -defs.ERESTART returned, or a zero status if noblk.
func (pm *Pm_t) Wait(ppid defs.Pid_t, tid defs.Tid_t, pid defs.Pid_t, noblk bool) (Waitst_t, defs.Err_t) {
	parent, ok := pm.ptable.Get(ppid)
	if !ok {
		return Waitst_t{}, -defs.ESRCH
	}
	wst, err := parent.Mywait.Reappid(tid, pid, noblk)
	if err != 0 || wst.Pid == 0 {
		return wst, err
	}
	parent.Catime.Utadd(int(wst.Userns))
	parent.Catime.Systadd(int(wst.Sysns))
	pm._unchild(parent, wst.Pid)
	if p, ok := pm.ptable.Get(wst.Pid); ok {
		pm._reap(p)
	}
	return wst, 0
}

// Exitstatus returns the status a zombie exited with.
func (pm *Pm_t) Exitstatus(pid defs.Pid_t) (int, bool) {
	pm.Lock()
	defer pm.Unlock()
	p, ok := pm.ptable.Get(pid)
	if !ok || p.state < PS_ZOMBIE {
		return 0, false
	}
	return p.exitstatus, true
}

// State returns the state of pid, derived from its first thread while
// the process is alive.
func (pm *Pm_t) State(pid defs.Pid_t) (Pstate_t, bool) {
	pm.Lock()
	defer pm.Unlock()
	p, ok := pm.ptable.Get(pid)
	if !ok {
		return PS_DEAD, false
	}
	if p.state != PS_READY {
		return p.state, true
	}
	if p.Sig.Stopped {
		return PS_BLOCKED, true
	}
	t, ok := pm.s.Lookup(p.tid0)
	if !ok {
		return p.state, true
	}
	switch t.State {
	case sched.T_RUNNING:
		return PS_RUNNING, true
	case sched.T_BLOCKED, sched.T_SLEEPING:
		return PS_BLOCKED, true
	}
	return PS_READY, true
}

func (pm *Pm_t) Children(pid defs.Pid_t) []defs.Pid_t {
	pm.Lock()
	defer pm.Unlock()
	p, ok := pm.ptable.Get(pid)
	if !ok {
		return nil
	}
	return append([]defs.Pid_t(nil), p.children...)
}

func (pm *Pm_t) Getppid(pid defs.Pid_t) (defs.Pid_t, defs.Err_t) {
	pm.Lock()
	defer pm.Unlock()
	p, ok := pm.ptable.Get(pid)
	if !ok {
		return 0, -defs.ESRCH
	}
	return p.Ppid, 0
}

// Set_priority moves every thread of pid to class prio.
func (pm *Pm_t) Set_priority(pid defs.Pid_t, prio sched.Prio_t) defs.Err_t {
	if prio <= sched.P_IDLE || prio >= sched.NPRIO {
		return -defs.EINVAL
	}
	pm.Lock()
	defer pm.Unlock()
	p, ok := pm.ptable.Get(pid)
	if !ok || p.state >= PS_ZOMBIE {
		return -defs.ESRCH
	}
	p.Prio = prio
	for _, tid := range p.threads {
		if err := pm.s.Set_priority(tid, prio); err != 0 {
			return err
		}
	}
	return 0
}

// Iter calls f on every process until f returns true.
func (pm *Pm_t) Iter(f func(*Proc_t) bool) {
	pm.ptable.Iter(func(_ defs.Pid_t, p *Proc_t) bool {
		return f(p)
	})
}
