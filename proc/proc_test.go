package proc

import "testing"

import "kcore/defs"
import "kcore/fd"
import "kcore/fdops"
import "kcore/hw"
import "kcore/mem"
import "kcore/sched"
import "kcore/util"
import "kcore/vm"

const urw = vm.PROT_R | vm.PROT_W | vm.PROT_USER

func mkpm(t *testing.T) (*Pm_t, *hw.Sim_t, *mem.Physmem_t) {
	mm := []mem.Memmap_t{{Start: 0x100000, End: 0x4000000, Kind: mem.MEM_USABLE}}
	phys, err := mem.Phys_init(mm)
	if err != 0 {
		t.Fatalf("phys_init: %v", err)
	}
	t.Cleanup(phys.Close)
	sim := hw.Mksim(1)
	vmm, err := vm.Mkvmm(phys, sim, vm.Vmcfg_t{})
	if err != 0 {
		t.Fatalf("mkvmm: %v", err)
	}
	s := sched.Mksched(sim, vmm.Kas, 10)
	pm := Mkpm(vmm, s, sim)
	ipid, err := pm.Create("init", 0, sched.P_NORMAL)
	if err != 0 || ipid != 1 {
		t.Fatalf("init: %v %v", ipid, err)
	}
	pm.Init = ipid
	return pm, sim, phys
}

func mkproc(t *testing.T, pm *Pm_t, ppid defs.Pid_t) *Proc_t {
	pid, err := pm.Create("p", ppid, sched.P_NORMAL)
	if err != 0 {
		t.Fatalf("create: %v", err)
	}
	p, ok := pm.Lookup(pid)
	if !ok {
		t.Fatalf("no proc %v", pid)
	}
	return p
}

func freeframes(phys *mem.Physmem_t) int {
	n := 0
	for _, z := range phys.Zone_stats() {
		n += z.Free
	}
	return n
}

func fill(n int, b uint8) []uint8 {
	ret := make([]uint8, n)
	for i := range ret {
		ret[i] = b
	}
	return ret
}

func allis(buf []uint8, b uint8) bool {
	for _, c := range buf {
		if c != b {
			return false
		}
	}
	return true
}

type file_t struct {
	refs int
}

func (f *file_t) Close() defs.Err_t {
	f.refs--
	return 0
}

func (f *file_t) Reopen() defs.Err_t {
	f.refs++
	return 0
}

func (f *file_t) Read(defs.Tid_t, fdops.Userio_i) (int, defs.Err_t) {
	return 0, 0
}

func (f *file_t) Write(_ defs.Tid_t, src fdops.Userio_i) (int, defs.Err_t) {
	return src.Remain(), 0
}

func (f *file_t) Pollone(r fdops.Ready_t) fdops.Ready_t {
	return r
}

func TestForkExitWait(t *testing.T) {
	pm, _, phys := mkpm(t)
	p := mkproc(t, pm, pm.Init)
	r, err := p.Vm.Allocate_region(3*mem.PGSIZE, vm.R_DATA, urw)
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}
	if err := p.Vm.Copyout(r.Start, fill(3*mem.PGSIZE, 0xaa)); err != 0 {
		t.Fatalf("copyout: %v", err)
	}
	f := &file_t{refs: 1}
	if _, ok := p.Fd_insert(&fd.Fd_t{Fops: f}, fd.FD_READ); !ok {
		t.Fatalf("fd insert")
	}
	base := freeframes(phys)

	pm.s.Modify(p.Tid0(), func(c *sched.Context_t) {
		c.Rip = 0x10000040
		c.Regs[defs.TF_RAX] = 57
	})
	cpid, err := pm.Fork(p.Pid, p.Tid0())
	if err != 0 {
		t.Fatalf("fork: %v", err)
	}
	c, _ := pm.Lookup(cpid)
	if c.Ppid != p.Pid || f.refs != 2 || c.Nfds() != 1 {
		t.Fatalf("child %v refs %v", c, f.refs)
	}
	ct, _ := pm.s.Lookup(c.Tid0())
	if ct.Ctx.Rip != 0x10000040 || ct.Ctx.Regs[defs.TF_RAX] != 0 {
		t.Fatalf("child context %+v", ct.Ctx)
	}
	pg1 := r.Start + vm.PGSIZEW
	if err := c.Vm.Copyout(pg1, fill(mem.PGSIZE, 0xbb)); err != 0 {
		t.Fatalf("child write: %v", err)
	}
	buf := make([]uint8, mem.PGSIZE)
	p.Vm.Copyin(buf, pg1)
	if !allis(buf, 0xaa) {
		t.Fatalf("parent saw the child's write")
	}
	c.Vm.Copyin(buf, pg1)
	if !allis(buf, 0xbb) {
		t.Fatalf("child lost its write")
	}

	if err := pm.Terminate(cpid, 3); err != 0 {
		t.Fatalf("terminate: %v", err)
	}
	if st, _ := pm.State(cpid); st != PS_ZOMBIE {
		t.Fatalf("child state %v", st)
	}
	if f.refs != 1 {
		t.Fatalf("child's fds not closed: %v", f.refs)
	}
	if ct.State != sched.T_ZOMBIE {
		t.Fatalf("child thread %v", ct)
	}
	if pend := pm.Pending(p.Pid); len(pend) != 1 || pend[0] != defs.SIGCHLD {
		t.Fatalf("parent pending %v", pend)
	}
	// ignored by default, so delivery just discards it
	if sig := pm.Deliver(p.Pid, p.Tid0()); sig != 0 || len(pm.Pending(p.Pid)) != 0 {
		t.Fatalf("sigchld delivered as %v", sig)
	}
	if st, _ := pm.State(p.Pid); st == PS_ZOMBIE {
		t.Fatalf("parent killed by sigchld")
	}
	wst, err := pm.Wait(p.Pid, p.Tid0(), WAIT_ANY, false)
	if err != 0 || wst.Pid != cpid || wst.Status != 3 {
		t.Fatalf("wait: %+v %v", wst, err)
	}
	if _, ok := pm.Lookup(cpid); ok {
		t.Fatalf("child not reaped")
	}
	if got := freeframes(phys); got != base {
		t.Fatalf("leaked %v frames", base-got)
	}
	if _, err := pm.Wait(p.Pid, p.Tid0(), WAIT_ANY, false); err != -defs.ECHILD {
		t.Fatalf("second wait: %v", err)
	}
}

func TestWaitBlocks(t *testing.T) {
	pm, _, _ := mkpm(t)
	p := mkproc(t, pm, pm.Init)
	c := mkproc(t, pm, p.Pid)
	if wst, err := pm.Wait(p.Pid, p.Tid0(), c.Pid, true); err != 0 || wst.Pid != 0 {
		t.Fatalf("nonblocking wait: %+v %v", wst, err)
	}
	if _, err := pm.Wait(p.Pid, p.Tid0(), c.Pid, false); err != -defs.ERESTART {
		t.Fatalf("wait did not block: %v", err)
	}
	pt, _ := pm.s.Lookup(p.Tid0())
	if pt.State != sched.T_BLOCKED || pt.Wait != sched.W_JOIN {
		t.Fatalf("parent %v", pt)
	}
	if st, _ := pm.State(p.Pid); st != PS_BLOCKED {
		t.Fatalf("parent state %v", st)
	}
	pm.Terminate(c.Pid, 0)
	if pt.State != sched.T_READY {
		t.Fatalf("parent not woken: %v", pt)
	}
	wst, err := pm.Wait(p.Pid, p.Tid0(), c.Pid, false)
	if err != 0 || wst.Pid != c.Pid {
		t.Fatalf("wait: %+v %v", wst, err)
	}
	if _, err := pm.Wait(p.Pid, p.Tid0(), 77, false); err != -defs.ECHILD {
		t.Fatalf("wait for a stranger: %v", err)
	}
}

func TestReparent(t *testing.T) {
	pm, _, _ := mkpm(t)
	p := mkproc(t, pm, pm.Init)
	c := mkproc(t, pm, p.Pid)
	pm.Terminate(c.Pid, 5)
	g := mkproc(t, pm, p.Pid)
	pm.Terminate(p.Pid, 1)
	if c.Ppid != pm.Init || g.Ppid != pm.Init {
		t.Fatalf("orphans not adopted: %v %v", c.Ppid, g.Ppid)
	}
	kids := pm.Children(pm.Init)
	if len(kids) != 3 {
		t.Fatalf("init children %v", kids)
	}
	ip, _ := pm.Lookup(pm.Init)
	seen := map[defs.Pid_t]int{}
	for i := 0; i < 2; i++ {
		wst, err := pm.Wait(pm.Init, ip.Tid0(), WAIT_ANY, true)
		if err != 0 {
			t.Fatalf("wait: %v", err)
		}
		seen[wst.Pid] = wst.Status
	}
	if seen[c.Pid] != 5 || seen[p.Pid] != 1 {
		t.Fatalf("statuses %v", seen)
	}
	if err := pm.Terminate(pm.Init, 0); err != -defs.EPERM {
		t.Fatalf("init terminated: %v", err)
	}
	if err := pm.Reap(pm.Init, g.Pid); err != -defs.EBUSY {
		t.Fatalf("reaped a live process: %v", err)
	}
}

func TestSignals(t *testing.T) {
	pm, _, _ := mkpm(t)
	p := mkproc(t, pm, pm.Init)
	tid := p.Tid0()
	if _, err := pm.Sigaction(p.Pid, defs.SIGKILL, 0x1000); err != -defs.EINVAL {
		t.Fatalf("sigkill caught: %v", err)
	}
	if _, err := pm.Sigaction(p.Pid, 40, 0x1000); err != -defs.ESIGINVAL {
		t.Fatalf("bad signal: %v", err)
	}
	if err := pm.Send_signal(999, defs.SIGUSR1, 0); err != -defs.ESRCH {
		t.Fatalf("signal to nobody: %v", err)
	}
	if _, err := pm.Sigaction(p.Pid, defs.SIGUSR1, 0x10000100); err != 0 {
		t.Fatalf("sigaction: %v", err)
	}
	pm.s.Modify(tid, func(c *sched.Context_t) {
		c.Rip = 0x10000000
		c.Rsp = 0x7fff0000
	})
	if old, _ := pm.Sigmask(p.Pid, defs.SIG_BLOCK, 1<<defs.SIGUSR2|1<<defs.SIGKILL); old != 0 {
		t.Fatalf("old mask %#x", old)
	}
	pm.Send_signal(p.Pid, defs.SIGUSR2, 0)
	pm.Send_signal(p.Pid, defs.SIGUSR1, 0)
	if pend := pm.Pending(p.Pid); len(pend) != 1 || pend[0] != defs.SIGUSR1 {
		t.Fatalf("pending %v", pend)
	}
	if sig := pm.Deliver(p.Pid, tid); sig != defs.SIGUSR1 {
		t.Fatalf("delivered %v", sig)
	}
	th, _ := pm.s.Lookup(tid)
	if th.Ctx.Rip != 0x10000100 || th.Ctx.Regs[defs.TF_RDI] != defs.SIGUSR1 {
		t.Fatalf("handler not entered: %+v", th.Ctx)
	}
	if th.Ctx.Rsp >= 0x7fff0000-128 || (th.Ctx.Rsp+8)%16 != 0 {
		t.Fatalf("handler stack %#x", th.Ctx.Rsp)
	}
	if err := pm.Sigreturn(p.Pid, tid); err != 0 {
		t.Fatalf("sigreturn: %v", err)
	}
	if th.Ctx.Rip != 0x10000000 || th.Ctx.Rsp != 0x7fff0000 {
		t.Fatalf("context not restored: %+v", th.Ctx)
	}
	if m, _ := pm.Sigmask(p.Pid, defs.SIG_SETMASK, 0); m != 1<<defs.SIGUSR2 {
		t.Fatalf("mask after handler %#x", m)
	}

	pm.Send_signal(p.Pid, defs.SIGSTOP, 0)
	if th.State != sched.T_BLOCKED {
		t.Fatalf("not stopped: %v", th)
	}
	pm.Send_signal(p.Pid, defs.SIGTERM, 0)
	if th.State != sched.T_BLOCKED {
		t.Fatalf("stopped thread woken")
	}
	pm.Send_signal(p.Pid, defs.SIGCONT, 0)
	if th.State != sched.T_READY {
		t.Fatalf("not continued: %v", th)
	}
	if sig := pm.Deliver(p.Pid, tid); sig != defs.SIGTERM {
		t.Fatalf("delivered %v", sig)
	}
	if st, ok := pm.Exitstatus(p.Pid); !ok || st != 128+defs.SIGTERM {
		t.Fatalf("exit status %v", st)
	}

	q := mkproc(t, pm, pm.Init)
	pm.Send_signal(q.Pid, defs.SIGKILL, 0)
	if st, _ := pm.Exitstatus(q.Pid); st != 137 {
		t.Fatalf("sigkill status %v", st)
	}
}

func TestFault(t *testing.T) {
	pm, _, _ := mkpm(t)
	p := mkproc(t, pm, pm.Init)
	if sig := pm.Fault(p.Pid, p.Tid0(), -defs.EGUARDVIOL); sig != defs.SIGSEGV {
		t.Fatalf("guard fault gave %v", sig)
	}
	if st, _ := pm.Exitstatus(p.Pid); st != 139 {
		t.Fatalf("status %v", st)
	}
	q := mkproc(t, pm, pm.Init)
	pm.Sigaction(q.Pid, defs.SIGBUS, 0x10000200)
	if sig := pm.Fault(q.Pid, q.Tid0(), -defs.EMAPFAIL); sig != defs.SIGBUS {
		t.Fatalf("mapping fault gave %v", sig)
	}
	th, _ := pm.s.Lookup(q.Tid0())
	if th.Ctx.Rip != 0x10000200 {
		t.Fatalf("bus handler not entered")
	}
	if _, ok := pm.Exitstatus(q.Pid); ok {
		t.Fatalf("handled fault terminated")
	}
}

// mkelf builds a minimal ELF64 executable holding segs.
func mkelf(entry uintptr, segs []Seg_t) []uint8 {
	ehsz, phsz := 0x40, 0x38
	buf := make([]uint8, ehsz+phsz*len(segs))
	copy(buf, []uint8{0x7f, 'E', 'L', 'F', 2, 1, 1})
	util.Writen(buf, 8, 0x18, int(entry))
	util.Writen(buf, 8, 0x20, ehsz)
	util.Writen(buf, 2, 0x34, ehsz)
	util.Writen(buf, 2, 0x36, phsz)
	util.Writen(buf, 2, 0x38, len(segs))
	for i, s := range segs {
		h := ehsz + i*phsz
		flags := 0
		if s.Prot&vm.PROT_R != 0 {
			flags |= PF_R
		}
		if s.Prot&vm.PROT_W != 0 {
			flags |= PF_W
		}
		if s.Prot&vm.PROT_X != 0 {
			flags |= PF_X
		}
		util.Writen(buf, 4, h, PT_LOAD)
		util.Writen(buf, 4, h+4, flags)
		util.Writen(buf, 8, h+8, len(buf))
		util.Writen(buf, 8, h+0x10, int(s.Vaddr))
		util.Writen(buf, 8, h+0x20, len(s.Data))
		util.Writen(buf, 8, h+0x28, s.Memsz)
		buf = append(buf, s.Data...)
	}
	return buf
}

func TestMkimage(t *testing.T) {
	bad := [][]uint8{
		nil,
		fill(0x40, 0),
		mkelf(0x10000000, nil),
		mkelf(0x1000, []Seg_t{{Vaddr: 0x1000, Memsz: 8, Data: []uint8{1},
			Prot: vm.PROT_R | vm.PROT_X}}),
	}
	for i, b := range bad {
		if _, err := Mkimage("bad", b); err != -defs.EINVAL {
			t.Fatalf("bad image %v accepted: %v", i, err)
		}
	}
}

func TestExec(t *testing.T) {
	pm, _, _ := mkpm(t)
	p := mkproc(t, pm, pm.Init)
	keep := &file_t{refs: 1}
	cloexec := &file_t{refs: 1}
	p.Fd_insert(&fd.Fd_t{Fops: keep}, fd.FD_READ)
	p.Fd_insert(&fd.Fd_t{Fops: cloexec}, fd.FD_READ|fd.FD_CLOEXEC)
	if _, err := p.Vm.Brk(vm.USERHEAP + 0x3000); err != 0 {
		t.Fatalf("brk: %v", err)
	}
	pm.Sigaction(p.Pid, defs.SIGUSR1, 0x10000100)
	pm.Sigaction(p.Pid, defs.SIGUSR2, defs.SIG_IGN)

	code := []uint8{0x90, 0x90, 0xc3}
	elf := mkelf(0x10000000, []Seg_t{
		{Vaddr: 0x10000000, Memsz: 0x10, Data: code,
			Prot: vm.PROT_R | vm.PROT_X},
		{Vaddr: 0x20000010, Memsz: 0x2000, Data: []uint8("hello"),
			Prot: vm.PROT_R | vm.PROT_W},
	})
	img, err := Mkimage("prog", elf)
	if err != 0 {
		t.Fatalf("mkimage: %v", err)
	}
	if len(img.Segs) != 2 || img.Segs[1].Prot != urw {
		t.Fatalf("segments %+v", img.Segs)
	}
	old := p.Vm
	if err := pm.Exec(p.Pid, p.Tid0(), img, []string{"prog", "-v"}); err != 0 {
		t.Fatalf("exec: %v", err)
	}
	if p.Vm == old || old.P_pmap != 0 {
		t.Fatalf("old address space not torn down")
	}
	th, _ := pm.s.Lookup(p.Tid0())
	if th.Ctx.Rip != 0x10000000 || th.Ctx.Regs[defs.TF_RDI] != 2 {
		t.Fatalf("context %+v", th.Ctx)
	}
	if th.Root != p.Vm.P_pmap {
		t.Fatalf("thread root not switched")
	}
	argv := th.Ctx.Regs[defs.TF_RSI]
	if argv%16 != 0 || th.Ctx.Rsp != argv-8 {
		t.Fatalf("argv %#x rsp %#x", argv, th.Ctx.Rsp)
	}
	for i, want := range []string{"prog", "-v"} {
		ptr, err := p.Vm.Userreadn(argv+uintptr(8*i), 8)
		if err != 0 {
			t.Fatalf("argv[%v]: %v", i, err)
		}
		s, err := p.Vm.Userstr(uintptr(ptr), 64)
		if err != 0 || s != want {
			t.Fatalf("argv[%v] = %q %v", i, s, err)
		}
	}
	if n, _ := p.Vm.Userreadn(argv+16, 8); n != 0 {
		t.Fatalf("argv not terminated")
	}
	buf := make([]uint8, 3)
	if err := p.Vm.Copyin(buf, 0x10000000); err != 0 || buf[2] != 0xc3 {
		t.Fatalf("code %v %v", buf, err)
	}
	buf = make([]uint8, 5)
	p.Vm.Copyin(buf, 0x20000010)
	if string(buf) != "hello" {
		t.Fatalf("data %q", buf)
	}
	if n, err := p.Vm.Userreadn(0x20001000, 8); err != 0 || n != 0 {
		t.Fatalf("bss %v %v", n, err)
	}
	if err := p.Vm.Userok(0x10000000, 1, true); err != -defs.EFAULT {
		t.Fatalf("code writable: %v", err)
	}
	if brk, _ := p.Vm.Brk(0); brk != vm.USERHEAP {
		t.Fatalf("break survived exec: %#x", brk)
	}
	if p.Nfds() != 1 || cloexec.refs != 0 || keep.refs != 1 {
		t.Fatalf("close on exec: %v %v %v", p.Nfds(), cloexec.refs, keep.refs)
	}
	if p.Sig.Disp[defs.SIGUSR1] != defs.SIG_DFL ||
		p.Sig.Disp[defs.SIGUSR2] != defs.SIG_IGN {
		t.Fatalf("dispositions after exec %v", p.Sig.Disp)
	}
	if p.Name != "prog" {
		t.Fatalf("name %v", p.Name)
	}
}

func TestOomKill(t *testing.T) {
	pm, _, _ := mkpm(t)
	small := mkproc(t, pm, pm.Init)
	big := mkproc(t, pm, pm.Init)
	if _, err := big.Vm.Allocate_region(64*mem.PGSIZE, vm.R_DATA, urw); err != 0 {
		t.Fatalf("allocate: %v", err)
	}
	pid, ok := pm.Oom_kill()
	if !ok || pid != big.Pid {
		t.Fatalf("killed %v", pid)
	}
	if st, _ := pm.State(big.Pid); st != PS_ZOMBIE {
		t.Fatalf("victim in %v", st)
	}
	if st, _ := pm.State(small.Pid); st >= PS_ZOMBIE {
		t.Fatalf("bystander in %v", st)
	}
	// only init is left
	pm.Terminate(small.Pid, 0)
	if pid, ok := pm.Oom_kill(); ok {
		t.Fatalf("killed %v", pid)
	}
}

func TestFdDup(t *testing.T) {
	pm, _, _ := mkpm(t)
	p := mkproc(t, pm, pm.Init)
	f := &file_t{refs: 1}
	ofd, _ := p.Fd_insert(&fd.Fd_t{Fops: f}, fd.FD_READ|fd.FD_CLOEXEC)
	// well past the end of the table
	nfdn := 3 * len(p.Fds)
	old, needclose, err := p.Fd_dup(ofd, nfdn)
	if err != 0 || old != nil || needclose {
		t.Fatalf("dup2 to %v: %v", nfdn, err)
	}
	nfd, ok := p.Fd_get(nfdn)
	if !ok || f.refs != 2 || p.Nfds() != 2 {
		t.Fatalf("dup not installed: refs %v nfds %v", f.refs, p.Nfds())
	}
	if nfd.Perms&fd.FD_CLOEXEC != 0 {
		t.Fatalf("cloexec survived dup")
	}
	if _, _, err := p.Fd_dup(ofd, int(p.Ulim.Nofile)); err != -defs.EBADF {
		t.Fatalf("dup2 past the limit: %v", err)
	}
	if _, _, err := p.Fd_dup(77, 0); err != -defs.EBADF {
		t.Fatalf("dup2 of a closed fd: %v", err)
	}
	p.Ulim.Nofile = 2
	if _, _, err := p.Fd_dup(ofd, 1); err != -defs.EMFILE {
		t.Fatalf("dup2 over the open file limit: %v", err)
	}
	// replacing an open fd does not need a new slot
	old, needclose, err = p.Fd_dup(nfdn, ofd)
	if err != 0 || !needclose || old == nil || p.Nfds() != 2 {
		t.Fatalf("dup2 over an open fd: %v %v", needclose, err)
	}
	old.Fops.Close()
	if f.refs != 2 {
		t.Fatalf("refs %v", f.refs)
	}
}
