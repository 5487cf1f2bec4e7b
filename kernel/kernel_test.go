package kernel

import "encoding/binary"
import "testing"

import "kcore/defs"
import "kcore/hw"
import "kcore/inet"
import "kcore/mem"
import "kcore/proc"
import "kcore/sched"
import "kcore/vm"

const urw = vm.PROT_R | vm.PROT_W | vm.PROT_USER

// user addresses of the test program
const (
	ucode = uintptr(vm.USERMIN)
	udata = ucode + 0x100000
	ubuf  = udata
	ubuf2 = udata + 0x2000
	uaddr = udata + 0x4000
	uaux  = udata + 0x5000
	ustrs = udata + 0x6000
)

func mkkernel(t *testing.T, cfg Config_t) (*Kernel_t, *hw.Sim_t) {
	sim := hw.Mksim(1)
	k, err := Boot(cfg, sim)
	if err != 0 {
		t.Fatalf("boot: %v", err)
	}
	t.Cleanup(k.Shutdown)
	return k, sim
}

func testcfg() Config_t {
	cfg := Defconfig()
	cfg.Memmap = []mem.Memmap_t{{Start: 0x100000, End: 16 << 20,
		Kind: mem.MEM_USABLE}}
	cfg.Aslr = false
	cfg.Swapslots = 64
	return cfg
}

func progimage() *proc.Image_t {
	return &proc.Image_t{Name: "prog", Entry: ucode, Segs: []proc.Seg_t{
		{Vaddr: ucode, Memsz: mem.PGSIZE, Data: []uint8{0x0f, 0x05},
			Prot: vm.PROT_R | vm.PROT_X | vm.PROT_USER},
		{Vaddr: udata, Memsz: 16 * mem.PGSIZE, Prot: urw},
	}}
}

func spawn(t *testing.T, k *Kernel_t) (*proc.Proc_t, defs.Tid_t) {
	k.Register_image("/bin/prog", progimage())
	pid, tid, err := k.Spawn("/bin/prog", nil)
	if err != 0 {
		t.Fatalf("spawn: %v", err)
	}
	p, ok := k.Pm.Lookup(pid)
	if !ok {
		t.Fatalf("no proc %v", pid)
	}
	return p, tid
}

func sys(k *Kernel_t, tid defs.Tid_t, sysno int, args ...uintptr) int {
	var a [6]uintptr
	copy(a[:], args)
	return k.Syscall(tid, sysno, a)
}

func uput(t *testing.T, p *proc.Proc_t, va uintptr, b []uint8) {
	if err := p.Vm.Copyout(va, b); err != 0 {
		t.Fatalf("copyout %#x: %v", va, err)
	}
}

func uget(t *testing.T, p *proc.Proc_t, va uintptr, n int) []uint8 {
	b := make([]uint8, n)
	if err := p.Vm.Copyin(b, va); err != 0 {
		t.Fatalf("copyin %#x: %v", va, err)
	}
	return b
}

func ustr(t *testing.T, p *proc.Proc_t, va uintptr, s string) uintptr {
	uput(t, p, va, append([]uint8(s), 0))
	return va
}

func uint32at(t *testing.T, p *proc.Proc_t, va uintptr) int {
	return int(binary.LittleEndian.Uint32(uget(t, p, va, 4)))
}

func sa4(ip inet.Ip4_t, port uint16) []uint8 {
	b := make([]uint8, sockaddr4sz)
	binary.LittleEndian.PutUint16(b, defs.AF_INET)
	binary.BigEndian.PutUint16(b[2:], port)
	inet.Ip2sl(b[4:], ip)
	return b
}

func tstate(k *Kernel_t, tid defs.Tid_t) sched.Tstate_t {
	th, ok := k.S.Lookup(tid)
	if !ok {
		return sched.T_DEAD
	}
	return th.State
}

func TestBoot(t *testing.T) {
	k, _ := mkkernel(t, testcfg())
	if k.Pm.Init != 1 {
		t.Fatalf("init pid %v", k.Pm.Init)
	}
	ip, _ := k.Pm.Lookup(k.Pm.Init)
	if ip.Nfds() != 3 {
		t.Fatalf("init fds %v", ip.Nfds())
	}
	if _, err := Pm(); err != -defs.ENODEV {
		t.Fatalf("pm before install: %v", err)
	}
	Install(k)
	if vmm, err := Mm(); err != 0 || vmm != k.Vmm {
		t.Fatalf("mm: %v", err)
	}
	if n, err := Net(); err != 0 || n != k.Net {
		t.Fatalf("net: %v", err)
	}
	Uninstall(k)
	if _, err := Net(); err != -defs.ENODEV {
		t.Fatalf("net after uninstall: %v", err)
	}

	bad := testcfg()
	bad.Swappolicy = "random"
	if _, err := Boot(bad, hw.Mksim(1)); err != -defs.EINVAL {
		t.Fatalf("bad swap policy: %v", err)
	}
}

func TestDevices(t *testing.T) {
	k, _ := mkkernel(t, testcfg())
	p, tid := spawn(t, k)

	cons := sys(k, tid, defs.SYS_OPEN, ustr(t, p, ustrs, "/dev/console"),
		uintptr(defs.O_WRONLY))
	if cons < 0 {
		t.Fatalf("open console: %v", cons)
	}
	uput(t, p, ubuf, []uint8("hello"))
	if n := sys(k, tid, defs.SYS_WRITE, uintptr(cons), ubuf, 5); n != 5 {
		t.Fatalf("console write %v", n)
	}
	if out := k.Cons.Output(); out != "hello" {
		t.Fatalf("console output %q", out)
	}
	if n := sys(k, tid, defs.SYS_READ, uintptr(cons), ubuf, 5); n != int(-defs.EPERM) {
		t.Fatalf("read of write-only fd: %v", n)
	}

	zero := sys(k, tid, defs.SYS_OPEN, ustr(t, p, ustrs, "/dev/zero"),
		uintptr(defs.O_RDONLY))
	ff := make([]uint8, 64)
	for i := range ff {
		ff[i] = 0xff
	}
	uput(t, p, ubuf, ff)
	if n := sys(k, tid, defs.SYS_READ, uintptr(zero), ubuf, 64); n != 64 {
		t.Fatalf("zero read %v", n)
	}
	for _, c := range uget(t, p, ubuf, 64) {
		if c != 0 {
			t.Fatalf("nonzero byte from /dev/zero")
		}
	}

	null := sys(k, tid, defs.SYS_OPEN, ustr(t, p, ustrs, "/dev/null"),
		uintptr(defs.O_RDWR))
	if n := sys(k, tid, defs.SYS_WRITE, uintptr(null), ubuf, 64); n != 64 {
		t.Fatalf("null write %v", n)
	}
	if n := sys(k, tid, defs.SYS_READ, uintptr(null), ubuf, 64); n != 0 {
		t.Fatalf("null read %v", n)
	}
	if n := sys(k, tid, defs.SYS_WRITE, uintptr(null), 0, 64); n != int(-defs.EFAULT) {
		t.Fatalf("write from null pointer: %v", n)
	}
	if n := sys(k, tid, defs.SYS_OPEN, ustr(t, p, ustrs, "/dev/tty9"), 0); n != int(-defs.ENOENT) {
		t.Fatalf("open missing device: %v", n)
	}
	if n := sys(k, tid, defs.SYS_CLOSE, uintptr(null)); n != 0 {
		t.Fatalf("close: %v", n)
	}
	if n := sys(k, tid, defs.SYS_CLOSE, uintptr(null)); n != int(-defs.EBADF) {
		t.Fatalf("double close: %v", n)
	}
	if n := sys(k, tid, defs.SYS_DUP2, uintptr(zero), 9); n != 9 {
		t.Fatalf("dup2: %v", n)
	}
	if n := sys(k, tid, defs.SYS_READ, 9, ubuf, 8); n != 8 {
		t.Fatalf("read of dup: %v", n)
	}
	if n := sys(k, tid, 999); n != int(-defs.ENOSYS) || k.Stats.Badsys.Get() != 1 {
		t.Fatalf("unknown syscall: %v", n)
	}
}

func TestPipeRestart(t *testing.T) {
	k, _ := mkkernel(t, testcfg())
	p, tid := spawn(t, k)
	if n := sys(k, tid, defs.SYS_PIPE, uaux, 0); n != 0 {
		t.Fatalf("pipe: %v", n)
	}
	rfd, wfd := uint32at(t, p, uaux), uint32at(t, p, uaux+4)
	uput(t, p, ubuf2, []uint8("abc"))

	cpid := sys(k, tid, defs.SYS_FORK)
	if cpid <= 0 {
		t.Fatalf("fork: %v", cpid)
	}
	child, _ := k.Pm.Lookup(defs.Pid_t(cpid))
	ctid := child.Tid0()
	if th, _ := k.S.Lookup(ctid); th.Ctx.Regs[defs.TF_RAX] != 0 {
		t.Fatalf("child rax %v", th.Ctx.Regs[defs.TF_RAX])
	}

	// parent reads the empty pipe through the trap path
	k.S.Modify(tid, func(c *sched.Context_t) {
		c.Rip = ucode + syscallsz
		c.Regs[defs.TF_RAX] = defs.SYS_READ
		c.Regs[defs.TF_RDI] = uintptr(rfd)
		c.Regs[defs.TF_RSI] = ubuf
		c.Regs[defs.TF_RDX] = 16
	})
	k.Trap(tid, defs.SYSCALL, 0, 0)
	th, _ := k.S.Lookup(tid)
	if th.Ctx.Rip != ucode || tstate(k, tid) != sched.T_BLOCKED {
		t.Fatalf("read not parked: rip %#x %v", th.Ctx.Rip, th.State)
	}
	if k.Stats.Restarts.Get() != 1 {
		t.Fatalf("restarts %v", k.Stats.Restarts.Get())
	}

	if n := sys(k, ctid, defs.SYS_WRITE, uintptr(wfd), ubuf2, 3); n != 3 {
		t.Fatalf("child write %v", n)
	}
	if tstate(k, tid) != sched.T_READY {
		t.Fatalf("reader not woken: %v", tstate(k, tid))
	}
	k.S.Modify(tid, func(c *sched.Context_t) {
		c.Rip += syscallsz
	})
	k.Trap(tid, defs.SYSCALL, 0, 0)
	if th.Ctx.Regs[defs.TF_RAX] != 3 || string(uget(t, p, ubuf, 3)) != "abc" {
		t.Fatalf("restarted read got %v", th.Ctx.Regs[defs.TF_RAX])
	}

	// no readers left
	sys(k, tid, defs.SYS_CLOSE, uintptr(rfd))
	sys(k, ctid, defs.SYS_CLOSE, uintptr(rfd))
	const handler = ucode + 0x100
	if n := sys(k, tid, defs.SYS_SIGACT, defs.SIGPIPE, handler); n != defs.SIG_DFL {
		t.Fatalf("sigaction: %v", n)
	}
	k.S.Modify(tid, func(c *sched.Context_t) {
		c.Regs[defs.TF_RAX] = defs.SYS_WRITE
		c.Regs[defs.TF_RDI] = uintptr(wfd)
		c.Regs[defs.TF_RSI] = ubuf2
		c.Regs[defs.TF_RDX] = 3
	})
	k.Trap(tid, defs.SYSCALL, 0, 0)
	if th.Ctx.Rip != handler || th.Ctx.Regs[defs.TF_RDI] != defs.SIGPIPE {
		t.Fatalf("sigpipe handler not entered: %+v", th.Ctx)
	}
	if k.Stats.Sigpipes.Get() != 1 {
		t.Fatalf("sigpipes %v", k.Stats.Sigpipes.Get())
	}
	k.S.Modify(tid, func(c *sched.Context_t) {
		c.Regs[defs.TF_RAX] = defs.SYS_SIGRETURN
	})
	k.Trap(tid, defs.SYSCALL, 0, 0)
	if int(th.Ctx.Regs[defs.TF_RAX]) != int(-defs.EPIPE) {
		t.Fatalf("write result after handler %v", int(th.Ctx.Regs[defs.TF_RAX]))
	}
}

func TestForkWait(t *testing.T) {
	k, _ := mkkernel(t, testcfg())
	p, tid := spawn(t, k)
	if n := sys(k, tid, defs.SYS_WAIT4, ^uintptr(0), 0, defs.WNOHANG); n != int(-defs.ECHILD) {
		t.Fatalf("wait without children: %v", n)
	}
	cpid := sys(k, tid, defs.SYS_FORK)
	child, _ := k.Pm.Lookup(defs.Pid_t(cpid))
	ctid := child.Tid0()
	if n := sys(k, ctid, defs.SYS_GETPPID); n != int(p.Pid) {
		t.Fatalf("getppid %v", n)
	}
	if n := sys(k, ctid, defs.SYS_GETPID); n != cpid {
		t.Fatalf("getpid %v", n)
	}
	if n := sys(k, tid, defs.SYS_WAIT4, ^uintptr(0), uaux, defs.WNOHANG); n != 0 {
		t.Fatalf("wait before exit: %v", n)
	}
	sys(k, ctid, defs.SYS_EXIT, 7)
	if n := sys(k, tid, defs.SYS_WAIT4, ^uintptr(0), uaux, 0); n != cpid {
		t.Fatalf("wait: %v", n)
	}
	if st := uint32at(t, p, uaux); st != 7 {
		t.Fatalf("status %v", st)
	}
	if _, ok := k.Pm.Lookup(defs.Pid_t(cpid)); ok {
		t.Fatalf("child not reaped")
	}
	if n := sys(k, tid, defs.SYS_KILL, 999, defs.SIGTERM); n != int(-defs.ESRCH) {
		t.Fatalf("kill nobody: %v", n)
	}
	if n := sys(k, tid, defs.SYS_SETPRIO, 0, uintptr(sched.P_HIGH)); n != 0 {
		t.Fatalf("setprio: %v", n)
	}
}

func TestExecv(t *testing.T) {
	k, _ := mkkernel(t, testcfg())
	p, tid := spawn(t, k)
	path := ustr(t, p, ustrs, "/bin/prog")
	a0 := ustr(t, p, ustrs+0x100, "prog")
	a1 := ustr(t, p, ustrs+0x200, "-v")
	argv := make([]uint8, 24)
	binary.LittleEndian.PutUint64(argv[0:], uint64(a0))
	binary.LittleEndian.PutUint64(argv[8:], uint64(a1))
	uput(t, p, uaux, argv)
	if n := sys(k, tid, defs.SYS_EXECV, path, uaux); n != 0 {
		t.Fatalf("execv: %v", n)
	}
	th, _ := k.S.Lookup(tid)
	if th.Ctx.Rip != ucode || th.Ctx.Regs[defs.TF_RDI] != 2 {
		t.Fatalf("exec context %+v", th.Ctx)
	}
	// the old data is gone
	if b := uget(t, p, ustrs, 4); string(b) == "/bin" {
		t.Fatalf("old image survived exec")
	}
	path = ustr(t, p, ustrs, "/bin/none")
	if n := sys(k, tid, defs.SYS_EXECV, path, 0); n != int(-defs.ENOENT) {
		t.Fatalf("exec of missing program: %v", n)
	}
	if k.Stats.Execnoent.Get() != 1 {
		t.Fatalf("execnoent %v", k.Stats.Execnoent.Get())
	}
}

func TestMemorySyscalls(t *testing.T) {
	k, _ := mkkernel(t, testcfg())
	p, tid := spawn(t, k)
	sz := uintptr(3 * mem.PGSIZE)
	va := sys(k, tid, defs.SYS_MMAP, 0, sz, defs.PROT_READ|defs.PROT_WRITE,
		defs.MAP_ANON|defs.MAP_PRIVATE)
	if va <= 0 {
		t.Fatalf("mmap: %v", va)
	}
	if err := k.Pagefault(tid, uintptr(va)+8, defs.PGFAULT_W|defs.PGFAULT_U); err != 0 {
		t.Fatalf("fault in mapping: %v", err)
	}
	uput(t, p, uintptr(va)+sz-4, []uint8{1, 2, 3, 4})
	if n := sys(k, tid, defs.SYS_MUNMAP, uintptr(va), sz); n != 0 {
		t.Fatalf("munmap: %v", n)
	}
	if _, ok := p.Vm.Lookup(uintptr(va)); ok {
		t.Fatalf("region survived munmap")
	}
	if n := sys(k, tid, defs.SYS_MMAP, 0, sz, defs.PROT_READ,
		defs.MAP_ANON|defs.MAP_SHARED); n != int(-defs.EINVAL) {
		t.Fatalf("shared mmap: %v", n)
	}
	if n := sys(k, tid, defs.SYS_MMAP, 0, sz, defs.PROT_READ, defs.MAP_PRIVATE, 3); n != int(-defs.ENODEV) {
		t.Fatalf("file mmap: %v", n)
	}

	cur := sys(k, tid, defs.SYS_BRK, 0)
	if cur <= 0 {
		t.Fatalf("brk: %v", cur)
	}
	if n := sys(k, tid, defs.SYS_BRK, uintptr(cur+mem.PGSIZE)); n != cur+mem.PGSIZE {
		t.Fatalf("grow brk: %v", n)
	}
	uput(t, p, uintptr(cur), []uint8{9})

	// a read-only page cannot be written
	ro := sys(k, tid, defs.SYS_MMAP, 0, uintptr(mem.PGSIZE), defs.PROT_READ,
		defs.MAP_ANON|defs.MAP_PRIVATE)
	k.Trap(tid, defs.PGFAULT, uintptr(ro), defs.PGFAULT_W|defs.PGFAULT_U)
	if st, ok := k.Pm.Exitstatus(p.Pid); !ok || st != 128+defs.SIGSEGV {
		t.Fatalf("write to read-only page: %v %v", st, ok)
	}
}

func TestOomKill(t *testing.T) {
	cfg := testcfg()
	cfg.Memmap = []mem.Memmap_t{{Start: 0x100000, End: 0x300000,
		Kind: mem.MEM_USABLE}}
	cfg.Swapslots = 0
	k, _ := mkkernel(t, cfg)
	_, tid := spawn(t, k)
	p, _ := k.Pm.Proc_of(tid)
	sz := 4 << 20
	va := uintptr(sys(k, tid, defs.SYS_MMAP, 0, uintptr(sz),
		defs.PROT_READ|defs.PROT_WRITE, defs.MAP_ANON|defs.MAP_PRIVATE))
	fault := func(off int) defs.Err_t {
		return k.Pagefault(tid, va+uintptr(off), defs.PGFAULT_W|defs.PGFAULT_U)
	}
	// page tables for the whole mapping first, so that only data pages
	// run out
	for off := 0; off < sz; off += 512 * mem.PGSIZE {
		if err := fault(off); err != 0 {
			t.Fatalf("fault at %#x: %v", off, err)
		}
	}
	if err := fault(sz - mem.PGSIZE); err != 0 {
		t.Fatalf("fault at end: %v", err)
	}
	var err defs.Err_t
	for off := 0; off < sz && err == 0; off += mem.PGSIZE {
		err = fault(off)
	}
	if err != -defs.ENOMEM {
		t.Fatalf("memory never ran out: %v", err)
	}
	if k.Stats.Oomkills.Get() != 1 {
		t.Fatalf("oomkills %v", k.Stats.Oomkills.Get())
	}
	if st, ok := k.Pm.Exitstatus(p.Pid); !ok || st != 128+defs.SIGKILL {
		t.Fatalf("victim status %v %v", st, ok)
	}
	if st, ok := k.Pm.State(k.Pm.Init); !ok || st >= proc.PS_ZOMBIE {
		t.Fatalf("init killed")
	}
}

func TestIpcSyscalls(t *testing.T) {
	k, _ := mkkernel(t, testcfg())
	p, tid := spawn(t, k)
	id := sys(k, tid, defs.SYS_SHMGET, uintptr(mem.PGSIZE), defs.PROT_READ|defs.PROT_WRITE)
	if id < 0 {
		t.Fatalf("shmget: %v", id)
	}
	va := sys(k, tid, defs.SYS_SHMAT, uintptr(id))
	if va <= 0 {
		t.Fatalf("shmat: %v", va)
	}
	cpid := sys(k, tid, defs.SYS_FORK)
	child, _ := k.Pm.Lookup(defs.Pid_t(cpid))
	uput(t, p, uintptr(va), []uint8("shared"))
	if b := uget(t, child, uintptr(va), 6); string(b) != "shared" {
		t.Fatalf("child sees %q", b)
	}
	if n := sys(k, tid, defs.SYS_SHMDT, uintptr(va)); n != 0 {
		t.Fatalf("shmdt: %v", n)
	}
	if n := sys(k, tid, defs.SYS_SHMCTL, uintptr(id), 7); n != int(-defs.EINVAL) {
		t.Fatalf("shmctl bad cmd: %v", n)
	}
	if n := sys(k, tid, defs.SYS_SHMCTL, uintptr(id), defs.IPC_RMID); n != 0 {
		t.Fatalf("shm remove: %v", n)
	}

	q := sys(k, tid, defs.SYS_MSGGET, 4, 64)
	if q < 0 {
		t.Fatalf("msgget: %v", q)
	}
	uput(t, p, ubuf2, []uint8("hello"))
	if n := sys(k, tid, defs.SYS_MSGSND, uintptr(q), ubuf2, 5, 3, 0); n != 0 {
		t.Fatalf("msgsnd: %v", n)
	}
	if n := sys(k, tid, defs.SYS_MSGRCV, uintptr(q), ubuf, 3, 0, defs.IPC_NOWAIT); n != 3 {
		t.Fatalf("msgrcv: %v", n)
	}
	if b := uget(t, p, ubuf, 3); string(b) != "hel" {
		t.Fatalf("message %q", b)
	}
	if n := sys(k, tid, defs.SYS_MSGRCV, uintptr(q), ubuf, 8, 0, defs.IPC_NOWAIT); n != int(-defs.EAGAIN) {
		t.Fatalf("empty queue: %v", n)
	}
	if n := sys(k, tid, defs.SYS_MSGCTL, uintptr(q), defs.IPC_RMID); n != 0 {
		t.Fatalf("msgctl: %v", n)
	}
}

func settle(k *Kernel_t) {
	for i := 0; i < 10; i++ {
		k.Tick()
	}
}

func TestUdpSyscalls(t *testing.T) {
	k, _ := mkkernel(t, testcfg())
	p, tid := spawn(t, k)
	lo := inet.Mkip4(127, 0, 0, 1)
	typ := uintptr(defs.SOCK_DGRAM | defs.SOCK_NONBLOCK)
	srv := sys(k, tid, defs.SYS_SOCKET, defs.AF_INET, typ, 0)
	cli := sys(k, tid, defs.SYS_SOCKET, defs.AF_INET, typ, 0)
	if srv < 0 || cli < 0 {
		t.Fatalf("socket: %v %v", srv, cli)
	}
	uput(t, p, uaddr, sa4(lo, 7000))
	if n := sys(k, tid, defs.SYS_BIND, uintptr(srv), uaddr, sockaddr4sz); n != 0 {
		t.Fatalf("bind: %v", n)
	}
	if n := sys(k, tid, defs.SYS_RECVFROM, uintptr(srv), ubuf, 64, 0, 0, 0); n != int(-defs.EAGAIN) {
		t.Fatalf("recv on empty socket: %v", n)
	}
	uput(t, p, ubuf2, []uint8("ping!"))
	if n := sys(k, tid, defs.SYS_SENDTO, uintptr(cli), ubuf2, 5, 0, uaddr, sockaddr4sz); n != 5 {
		t.Fatalf("sendto: %v", n)
	}
	settle(k)

	uput(t, p, uaux, []uint8{sockaddr6sz, 0, 0, 0})
	n := sys(k, tid, defs.SYS_RECVFROM, uintptr(srv), ubuf, 64, 0, uaddr+0x100, uaux)
	if n != 5 || string(uget(t, p, ubuf, 5)) != "ping!" {
		t.Fatalf("recvfrom: %v", n)
	}
	if l := uint32at(t, p, uaux); l != sockaddr4sz {
		t.Fatalf("address length %v", l)
	}
	from := uget(t, p, uaddr+0x100, sockaddr4sz)
	if binary.LittleEndian.Uint16(from) != defs.AF_INET ||
		inet.Sl2ip(from[4:]) != lo || binary.BigEndian.Uint16(from[2:]) == 0 {
		t.Fatalf("source address %v", from)
	}

	uput(t, p, uaux, []uint8{0, 0x10, 0, 0})
	if n := sys(k, tid, defs.SYS_SETSOCKOPT, uintptr(srv), defs.SOL_SOCKET,
		defs.SO_RCVBUF, uaux, 4); n != 0 {
		t.Fatalf("setsockopt: %v", n)
	}
	uput(t, p, uaux+8, []uint8{4, 0, 0, 0})
	if n := sys(k, tid, defs.SYS_GETSOCKOPT, uintptr(srv), defs.SOL_SOCKET,
		defs.SO_RCVBUF, uaux+4, uaux+8); n != 0 || uint32at(t, p, uaux+4) != 4096 {
		t.Fatalf("getsockopt: %v %v", n, uint32at(t, p, uaux+4))
	}

	null := sys(k, tid, defs.SYS_OPEN, ustr(t, p, ustrs, "/dev/null"), uintptr(defs.O_RDWR))
	if n := sys(k, tid, defs.SYS_LISTEN, uintptr(null), 1); n != int(-defs.ENOTSOCK) {
		t.Fatalf("listen on a device: %v", n)
	}
	if n := sys(k, tid, defs.SYS_BIND, uintptr(srv), uaddr, 8); n != int(-defs.EINVAL) {
		t.Fatalf("short address: %v", n)
	}
	if n := sys(k, tid, defs.SYS_SOCKET, 99, typ, 0); n != int(-defs.EAFNOSUPPORT) {
		t.Fatalf("bad family: %v", n)
	}
}

func TestTcpSyscalls(t *testing.T) {
	k, _ := mkkernel(t, testcfg())
	p, tid := spawn(t, k)
	lo := inet.Mkip4(127, 0, 0, 1)
	typ := uintptr(defs.SOCK_STREAM | defs.SOCK_NONBLOCK)
	lsn := sys(k, tid, defs.SYS_SOCKET, defs.AF_INET, typ, 0)
	uput(t, p, uaddr, sa4(lo, 8080))
	if n := sys(k, tid, defs.SYS_BIND, uintptr(lsn), uaddr, sockaddr4sz); n != 0 {
		t.Fatalf("bind: %v", n)
	}
	if n := sys(k, tid, defs.SYS_LISTEN, uintptr(lsn), 4); n != 0 {
		t.Fatalf("listen: %v", n)
	}
	if n := sys(k, tid, defs.SYS_ACCEPT, uintptr(lsn), 0, 0); n != int(-defs.EAGAIN) {
		t.Fatalf("accept with no connection: %v", n)
	}
	cli := sys(k, tid, defs.SYS_SOCKET, defs.AF_INET, typ, 0)
	if n := sys(k, tid, defs.SYS_CONNECT, uintptr(cli), uaddr, sockaddr4sz); n != int(-defs.EINPROGRESS) {
		t.Fatalf("connect: %v", n)
	}
	settle(k)

	uput(t, p, uaux, []uint8{sockaddr4sz, 0, 0, 0})
	srv := sys(k, tid, defs.SYS_ACCEPT, uintptr(lsn), uaddr+0x100, uaux)
	if srv < 0 {
		t.Fatalf("accept: %v", srv)
	}
	peer := uget(t, p, uaddr+0x100, sockaddr4sz)
	if inet.Sl2ip(peer[4:]) != lo || binary.BigEndian.Uint16(peer[2:]) == 8080 {
		t.Fatalf("peer address %v", peer)
	}

	uput(t, p, ubuf2, []uint8("ping"))
	if n := sys(k, tid, defs.SYS_WRITE, uintptr(cli), ubuf2, 4); n != 4 {
		t.Fatalf("write: %v", n)
	}
	settle(k)
	if n := sys(k, tid, defs.SYS_READ, uintptr(srv), ubuf, 64); n != 4 ||
		string(uget(t, p, ubuf, 4)) != "ping" {
		t.Fatalf("read: %v", n)
	}
	if n := sys(k, tid, defs.SYS_SHUTDOWN, uintptr(cli), defs.SHUT_WR); n != 0 {
		t.Fatalf("shutdown: %v", n)
	}
	settle(k)
	if n := sys(k, tid, defs.SYS_READ, uintptr(srv), ubuf, 64); n != 0 {
		t.Fatalf("read after peer shutdown: %v", n)
	}
	for _, fdn := range []int{cli, srv, lsn} {
		if n := sys(k, tid, defs.SYS_CLOSE, uintptr(fdn)); n != 0 {
			t.Fatalf("close %v: %v", fdn, n)
		}
	}
}

func TestConsoleRing(t *testing.T) {
	c, err := mkconsole(8, nil)
	if err != 0 {
		t.Fatalf("mkconsole: %v", err)
	}
	c.Write(0, vm.Mkfakeubuf([]uint8("abcdef")))
	c.Write(0, vm.Mkfakeubuf([]uint8("ghij")))
	if out := c.Output(); out != "cdefghij" {
		t.Fatalf("ring %q", out)
	}
	c.Write(0, vm.Mkfakeubuf([]uint8("0123456789")))
	if out := c.Output(); out != "23456789" {
		t.Fatalf("ring after long write %q", out)
	}
}
