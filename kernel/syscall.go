package kernel

import "encoding/binary"

import "kcore/bnet"
import "kcore/defs"
import "kcore/fd"
import "kcore/inet"
import "kcore/mem"
import "kcore/proc"
import "kcore/sched"
import "kcore/util"
import "kcore/vm"

// length of the syscall instruction; a restarted call re-executes it
const syscallsz = 2

const (
	sockaddr4sz = 16
	sockaddr6sz = 28
	// longest accepted path or argument string
	pathmax = 256
	argmax  = 4096
	argvmax = 64
)

const RUSAGE_CHILDREN = -1

// Trap is the entry for a trap taken by thread tid. cr2 and ecode are the
// faulting address and error code of a page fault. For a system call the
// number and arguments are taken from the thread's registers and the
// result stored in rax; a call that parked the thread is rewound so that
// it runs again when the thread is woken. Pending signals are delivered
// before the thread returns to user mode.
func (k *Kernel_t) Trap(tid defs.Tid_t, trapno int, cr2, ecode uintptr) {
	switch trapno {
	case defs.SYSCALL:
		k._syscall_trap(tid)
	case defs.PGFAULT:
		k.Pagefault(tid, cr2, ecode)
	default:
		p, ok := k.Pm.Proc_of(tid)
		if !ok {
			return
		}
		k.Pm.Fault(p.Pid, tid, -defs.EPRIVVIOL)
	}
	if p, ok := k.Pm.Proc_of(tid); ok {
		k.Pm.Deliver(p.Pid, tid)
	}
}

func (k *Kernel_t) _syscall_trap(tid defs.Tid_t) {
	var sysno int
	var args [6]uintptr
	if k.S.Modify(tid, func(c *sched.Context_t) {
		sysno = int(c.Regs[defs.TF_RAX])
		args = [6]uintptr{c.Regs[defs.TF_RDI], c.Regs[defs.TF_RSI],
			c.Regs[defs.TF_RDX], c.Regs[defs.TF_R10], c.Regs[defs.TF_R8],
			c.Regs[defs.TF_R9]}
	}) != 0 {
		return
	}
	ret := k.Syscall(tid, sysno, args)
	if sysno == defs.SYS_SIGRETURN && ret == 0 {
		// the restored context carries its own rax
		return
	}
	k.S.Modify(tid, func(c *sched.Context_t) {
		if ret == int(-defs.ERESTART) {
			c.Rip -= syscallsz
			return
		}
		c.Regs[defs.TF_RAX] = uintptr(ret)
	})
}

// Syscall executes system call sysno for thread tid and returns its result,
// a negative errno on failure. -defs.ERESTART means the thread was parked
// and the call must be issued again once it runs.
func (k *Kernel_t) Syscall(tid defs.Tid_t, sysno int, args [6]uintptr) int {
	p, ok := k.Pm.Proc_of(tid)
	if !ok {
		return int(-defs.ESRCH)
	}
	k.Stats.Syscalls.Inc()

	a1 := int(args[0])
	a2 := int(args[1])
	a3 := int(args[2])
	a4 := int(args[3])
	a5 := int(args[4])
	a6 := int(args[5])

	var ret int
	switch sysno {
	case defs.SYS_READ:
		ret = k.sys_read(p, tid, a1, args[1], a3)
	case defs.SYS_WRITE:
		ret = k.sys_write(p, tid, a1, args[1], a3)
	case defs.SYS_OPEN:
		ret = k.sys_open(p, args[0], a2)
	case defs.SYS_CLOSE:
		ret = sys_close(p, a1)
	case defs.SYS_DUP2:
		ret = sys_dup2(p, a1, a2)
	case defs.SYS_PIPE:
		ret = k.sys_pipe(p, args[0], a2)
	case defs.SYS_MMAP:
		ret = sys_mmap(p, args[0], a2, a3, a4, a5)
	case defs.SYS_MUNMAP:
		ret = int(p.Vm.Unmap(args[0], a2))
	case defs.SYS_BRK:
		ret = sys_brk(p, args[0])
	case defs.SYS_GETPID:
		ret = int(p.Pid)
	case defs.SYS_GETPPID:
		ret = k.sys_getppid(p)
	case defs.SYS_FORK:
		ret = k.sys_fork(p, tid)
	case defs.SYS_EXECV:
		ret = k.sys_execv(p, tid, args[0], args[1])
	case defs.SYS_EXIT:
		k.Pm.Terminate(p.Pid, a1&0xff)
	case defs.SYS_WAIT4:
		ret = k.sys_wait4(p, tid, a1, args[1], a3)
	case defs.SYS_KILL:
		ret = int(k.Pm.Send_signal(defs.Pid_t(a1), a2, p.Pid))
	case defs.SYS_GETTIME:
		ret = k.sys_gettime(p, args[0])
	case defs.SYS_NANOSLEEP:
		ret = k.sys_nanosleep(p, tid, args[0])
	case defs.SYS_YIELD:
		k.S.Yield()
	case defs.SYS_SETPRIO:
		ret = k.sys_setprio(p, a1, a2)
	case defs.SYS_SIGACT:
		ret = k.sys_sigaction(p, a1, args[1])
	case defs.SYS_SIGMASK:
		ret = k.sys_sigmask(p, a1, args[1])
	case defs.SYS_SIGRETURN:
		ret = int(k.Pm.Sigreturn(p.Pid, tid))
	case defs.SYS_GETRUSAGE:
		ret = k.sys_getrusage(p, a1, args[1], a3)
	case defs.SYS_SHMGET:
		ret = k.sys_shmget(p, a1, a2)
	case defs.SYS_SHMAT:
		ret = k.sys_shmat(p, a1)
	case defs.SYS_SHMDT:
		ret = int(k.Ipc.Shm_detach(p.Pid, p.Vm, args[0]))
	case defs.SYS_SHMCTL:
		ret = k.sys_shmctl(p, a1, a2)
	case defs.SYS_MSGGET:
		ret = k.sys_msgget(p, a1, a2)
	case defs.SYS_MSGSND:
		ret = k.sys_msgsnd(p, tid, a1, args[1], a3, a4, a5)
	case defs.SYS_MSGRCV:
		ret = k.sys_msgrcv(p, tid, a1, args[1], a3, a4, a5)
	case defs.SYS_MSGCTL:
		ret = k.sys_msgctl(p, a1, a2)
	case defs.SYS_SOCKET:
		ret = k.sys_socket(p, a1, a2, a3)
	case defs.SYS_BIND:
		ret = sys_bind(p, a1, args[1], a3)
	case defs.SYS_LISTEN:
		ret = sys_listen(p, a1, a2)
	case defs.SYS_CONNECT:
		ret = sys_connect(p, tid, a1, args[1], a3)
	case defs.SYS_ACCEPT:
		ret = sys_accept(p, tid, a1, args[1], args[2])
	case defs.SYS_SENDTO:
		ret = k.sys_sendto(p, tid, a1, args[1], a3, a4, args[4], a6)
	case defs.SYS_RECVFROM:
		ret = sys_recvfrom(p, tid, a1, args[1], a3, a4, args[4], args[5])
	case defs.SYS_SHUTDOWN:
		ret = sys_shutdown(p, a1, a2)
	case defs.SYS_SETSOCKOPT:
		ret = sys_setsockopt(p, a1, a2, a3, args[3], a5)
	case defs.SYS_GETSOCKOPT:
		ret = sys_getsockopt(p, a1, a2, a3, args[3], args[4])
	default:
		k.Stats.Badsys.Inc()
		ret = int(-defs.ENOSYS)
	}
	if ret == int(-defs.ERESTART) {
		k.Stats.Restarts.Inc()
	}
	return ret
}

func _fd_read(p *proc.Proc_t, fdn int) (*fd.Fd_t, defs.Err_t) {
	f, ok := p.Fd_get(fdn)
	if !ok {
		return nil, -defs.EBADF
	}
	if f.Perms&fd.FD_READ == 0 {
		return nil, -defs.EPERM
	}
	return f, 0
}

func _fd_write(p *proc.Proc_t, fdn int) (*fd.Fd_t, defs.Err_t) {
	f, ok := p.Fd_get(fdn)
	if !ok {
		return nil, -defs.EBADF
	}
	if f.Perms&fd.FD_WRITE == 0 {
		return nil, -defs.EPERM
	}
	return f, 0
}

// _sigpipe raises SIGPIPE in p when a write found no reader.
func (k *Kernel_t) _sigpipe(p *proc.Proc_t, err defs.Err_t) {
	if err == -defs.EPIPE {
		k.Stats.Sigpipes.Inc()
		k.Pm.Send_signal(p.Pid, defs.SIGPIPE, p.Pid)
	}
}

func (k *Kernel_t) sys_read(p *proc.Proc_t, tid defs.Tid_t, fdn int, bufp uintptr, sz int) int {
	if sz == 0 {
		return 0
	}
	if sz < 0 {
		return int(-defs.EINVAL)
	}
	f, err := _fd_read(p, fdn)
	if err != 0 {
		return int(err)
	}
	if err := p.Vm.Userok(bufp, sz, true); err != 0 {
		return int(err)
	}
	userbuf := p.Vm.Mkuserbuf(bufp, sz)
	ret, err := f.Fops.Read(tid, userbuf)
	vm.Ubpool.Put(userbuf)
	if err != 0 {
		return int(err)
	}
	return ret
}

func (k *Kernel_t) sys_write(p *proc.Proc_t, tid defs.Tid_t, fdn int, bufp uintptr, sz int) int {
	if sz == 0 {
		return 0
	}
	if sz < 0 {
		return int(-defs.EINVAL)
	}
	f, err := _fd_write(p, fdn)
	if err != 0 {
		return int(err)
	}
	if err := p.Vm.Userok(bufp, sz, false); err != 0 {
		return int(err)
	}
	userbuf := p.Vm.Mkuserbuf(bufp, sz)
	ret, err := f.Fops.Write(tid, userbuf)
	vm.Ubpool.Put(userbuf)
	if err != 0 {
		k._sigpipe(p, err)
		return int(err)
	}
	return ret
}

// only the device namespace can be opened
func (k *Kernel_t) sys_open(p *proc.Proc_t, pathp uintptr, _flags int) int {
	path, err := p.Vm.Userstr(pathp, pathmax)
	if err != 0 {
		return int(err)
	}
	d, ok := defs.Devpaths[path]
	if !ok {
		return int(-defs.ENOENT)
	}
	flags := defs.Fdopt_t(_flags)
	var perms int
	switch flags & 0x3 {
	case defs.O_RDONLY:
		perms = fd.FD_READ
	case defs.O_WRONLY:
		perms = fd.FD_WRITE
	case defs.O_RDWR:
		perms = fd.FD_READ | fd.FD_WRITE
	default:
		return int(-defs.EINVAL)
	}
	if flags&defs.O_CLOEXEC != 0 {
		perms |= fd.FD_CLOEXEC
	}
	fops, err := k.mkdev(d)
	if err != 0 {
		return int(err)
	}
	nf := &fd.Fd_t{Fops: fops}
	fdn, ok := p.Fd_insert(nf, perms)
	if !ok {
		fd.Close_panic(nf)
		return int(-defs.EMFILE)
	}
	return fdn
}

func sys_close(p *proc.Proc_t, fdn int) int {
	f, ok := p.Fd_del(fdn)
	if !ok {
		return int(-defs.EBADF)
	}
	return int(f.Fops.Close())
}

func sys_dup2(p *proc.Proc_t, oldn, newn int) int {
	if oldn == newn {
		if _, ok := p.Fd_get(oldn); !ok {
			return int(-defs.EBADF)
		}
		return newn
	}
	ofd, needclose, err := p.Fd_dup(oldn, newn)
	if err != 0 {
		return int(err)
	}
	if needclose {
		fd.Close_panic(ofd)
	}
	return newn
}

func (k *Kernel_t) sys_pipe(p *proc.Proc_t, pipen uintptr, _flags int) int {
	rfp := fd.FD_READ
	wfp := fd.FD_WRITE

	flags := defs.Fdopt_t(_flags)
	var opts defs.Fdopt_t
	if flags&defs.O_NONBLOCK != 0 {
		opts |= defs.O_NONBLOCK
	}
	if flags&defs.O_CLOEXEC != 0 {
		rfp |= fd.FD_CLOEXEC
		wfp |= fd.FD_CLOEXEC
	}
	if err := p.Vm.Userok(pipen, 8, true); err != 0 {
		return int(err)
	}

	rops, wops, err := k.Ipc.Mkpipe(p.Pid)
	if err != 0 {
		return int(err)
	}
	rops.Options = opts
	wops.Options = opts
	rpipe := &fd.Fd_t{Fops: rops}
	wpipe := &fd.Fd_t{Fops: wops}
	rfd, wfd, ok := p.Fd_insert2(rpipe, rfp, wpipe, wfp)
	if !ok {
		fd.Close_panic(rpipe)
		fd.Close_panic(wpipe)
		return int(-defs.EMFILE)
	}

	err = p.Vm.Userwriten(pipen, 4, rfd)
	if err != 0 {
		goto bail
	}
	err = p.Vm.Userwriten(pipen+4, 4, wfd)
	if err != 0 {
		goto bail
	}
	return 0

bail:
	if f, ok := p.Fd_del(rfd); ok {
		fd.Close_panic(f)
	}
	if f, ok := p.Fd_del(wfd); ok {
		fd.Close_panic(f)
	}
	return int(err)
}

func _prot(prot int) vm.Prot_t {
	ret := vm.PROT_USER
	if prot&defs.PROT_READ != 0 {
		ret |= vm.PROT_R
	}
	if prot&defs.PROT_WRITE != 0 {
		ret |= vm.PROT_W
	}
	if prot&defs.PROT_EXEC != 0 {
		ret |= vm.PROT_X
	}
	return ret
}

// anonymous private mappings only; shared memory goes through shmget
func sys_mmap(p *proc.Proc_t, addr uintptr, lenn, prot, flags, fdn int) int {
	if lenn <= 0 {
		return int(-defs.EINVAL)
	}
	if flags&defs.MAP_ANON == 0 {
		return int(-defs.ENODEV)
	}
	if flags&defs.MAP_SHARED != 0 || flags&defs.MAP_PRIVATE == 0 {
		return int(-defs.EINVAL)
	}
	sz := util.Roundup(lenn, mem.PGSIZE)
	var r vm.Region_t
	var err defs.Err_t
	if flags&defs.MAP_FIXED != 0 {
		r, err = p.Vm.Map_fixed(addr, sz, vm.R_DATA, _prot(prot))
	} else {
		r, err = p.Vm.Reserve_region(sz, vm.R_DATA, _prot(prot))
	}
	if err != 0 {
		return int(err)
	}
	return int(r.Start)
}

func sys_brk(p *proc.Proc_t, newbrk uintptr) int {
	brk, err := p.Vm.Brk(newbrk)
	if err != 0 {
		return int(err)
	}
	return int(brk)
}

func (k *Kernel_t) sys_getppid(p *proc.Proc_t) int {
	ppid, err := k.Pm.Getppid(p.Pid)
	if err != 0 {
		return int(err)
	}
	return int(ppid)
}

func (k *Kernel_t) sys_fork(p *proc.Proc_t, tid defs.Tid_t) int {
	child, err := k.Pm.Fork(p.Pid, tid)
	if err != 0 {
		return int(err)
	}
	return int(child)
}

func (k *Kernel_t) sys_execv(p *proc.Proc_t, tid defs.Tid_t, pathp, argvp uintptr) int {
	path, err := p.Vm.Userstr(pathp, pathmax)
	if err != 0 {
		return int(err)
	}
	var args []string
	for argvp != 0 {
		if len(args) >= argvmax {
			return int(-defs.E2BIG)
		}
		uva, err := p.Vm.Userreadn(argvp+uintptr(8*len(args)), 8)
		if err != 0 {
			return int(err)
		}
		if uva == 0 {
			break
		}
		arg, err := p.Vm.Userstr(uintptr(uva), argmax)
		if err != 0 {
			return int(err)
		}
		args = append(args, arg)
	}
	img, ok := k.image(path)
	if !ok {
		k.Stats.Execnoent.Inc()
		return int(-defs.ENOENT)
	}
	return int(k.Pm.Exec(p.Pid, tid, img, args))
}

func (k *Kernel_t) sys_wait4(p *proc.Proc_t, tid defs.Tid_t, pid int, statusp uintptr, options int) int {
	if statusp != 0 {
		if err := p.Vm.Userok(statusp, 4, true); err != 0 {
			return int(err)
		}
	}
	noblk := options&defs.WNOHANG != 0
	wst, err := k.Pm.Wait(p.Pid, tid, defs.Pid_t(pid), noblk)
	if err != 0 {
		return int(err)
	}
	if wst.Pid == 0 {
		return 0
	}
	if statusp != 0 {
		if err := p.Vm.Userwriten(statusp, 4, wst.Status); err != 0 {
			return int(err)
		}
	}
	return int(wst.Pid)
}

func (k *Kernel_t) sys_gettime(p *proc.Proc_t, tsp uintptr) int {
	ms := k.Hw.Now_ms()
	var ts [16]uint8
	binary.LittleEndian.PutUint64(ts[0:], ms/1000)
	binary.LittleEndian.PutUint64(ts[8:], (ms%1000)*1e6)
	return int(p.Vm.Copyout(tsp, ts[:]))
}

// the thread sleeps from the moment the call returns; it is not restarted
func (k *Kernel_t) sys_nanosleep(p *proc.Proc_t, tid defs.Tid_t, tsp uintptr) int {
	var ts [16]uint8
	if err := p.Vm.Copyin(ts[:], tsp); err != 0 {
		return int(err)
	}
	sec := int64(binary.LittleEndian.Uint64(ts[0:]))
	nsec := int64(binary.LittleEndian.Uint64(ts[8:]))
	if sec < 0 || nsec < 0 || nsec >= 1e9 {
		return int(-defs.EINVAL)
	}
	ms := sec*1000 + nsec/1e6
	if ms == 0 {
		return 0
	}
	return int(k.S.Sleep_ms(tid, int(ms)))
}

func (k *Kernel_t) sys_setprio(p *proc.Proc_t, pid, prio int) int {
	target := defs.Pid_t(pid)
	if target == 0 {
		target = p.Pid
	}
	return int(k.Pm.Set_priority(target, sched.Prio_t(prio)))
}

func (k *Kernel_t) sys_sigaction(p *proc.Proc_t, sig int, disp uintptr) int {
	old, err := k.Pm.Sigaction(p.Pid, sig, disp)
	if err != 0 {
		return int(err)
	}
	return int(old)
}

func (k *Kernel_t) sys_sigmask(p *proc.Proc_t, how int, set uintptr) int {
	old, err := k.Pm.Sigmask(p.Pid, how, uint64(set))
	if err != 0 {
		return int(err)
	}
	return int(old)
}

func (k *Kernel_t) sys_getrusage(p *proc.Proc_t, who int, bufp uintptr, sz int) int {
	b, err := k.Pm.Rusage(p.Pid, who == RUSAGE_CHILDREN)
	if err != 0 {
		return int(err)
	}
	n := min(len(b), sz)
	if err := p.Vm.Copyout(bufp, b[:n]); err != 0 {
		return int(err)
	}
	return n
}

func (k *Kernel_t) sys_shmget(p *proc.Proc_t, size, perm int) int {
	// attachments are always user mappings
	id, err := k.Ipc.Shm_create(p.Pid, size, _prot(perm)&^vm.PROT_USER)
	if err != 0 {
		return int(err)
	}
	return id
}

func (k *Kernel_t) sys_shmat(p *proc.Proc_t, id int) int {
	va, err := k.Ipc.Shm_attach(id, p.Pid, p.Vm)
	if err != 0 {
		return int(err)
	}
	return int(va)
}

func (k *Kernel_t) sys_shmctl(p *proc.Proc_t, id, cmd int) int {
	if cmd != defs.IPC_RMID {
		return int(-defs.EINVAL)
	}
	return int(k.Ipc.Shm_remove(id, p.Pid))
}

func (k *Kernel_t) sys_msgget(p *proc.Proc_t, maxmsgs, maxsize int) int {
	id, err := k.Ipc.Mq_create(p.Pid, maxmsgs, maxsize)
	if err != 0 {
		return int(err)
	}
	return id
}

func (k *Kernel_t) sys_msgsnd(p *proc.Proc_t, tid defs.Tid_t, id int, bufp uintptr,
	sz, typ, flags int) int {
	if sz < 0 {
		return int(-defs.EINVAL)
	}
	data := make([]uint8, sz)
	if err := p.Vm.Copyin(data, bufp); err != 0 {
		return int(err)
	}
	noblk := flags&defs.IPC_NOWAIT != 0
	return int(k.Ipc.Mq_send(tid, id, typ, data, p.Pid, noblk))
}

// a message longer than the buffer is truncated
func (k *Kernel_t) sys_msgrcv(p *proc.Proc_t, tid defs.Tid_t, id int, bufp uintptr,
	sz, typ, flags int) int {
	if sz < 0 {
		return int(-defs.EINVAL)
	}
	if err := p.Vm.Userok(bufp, sz, true); err != 0 {
		return int(err)
	}
	noblk := flags&defs.IPC_NOWAIT != 0
	m, err := k.Ipc.Mq_receive(tid, id, typ, noblk)
	if err != 0 {
		return int(err)
	}
	n := min(len(m.Data), sz)
	if err := p.Vm.Copyout(bufp, m.Data[:n]); err != 0 {
		return int(err)
	}
	return n
}

func (k *Kernel_t) sys_msgctl(p *proc.Proc_t, id, cmd int) int {
	if cmd != defs.IPC_RMID {
		return int(-defs.EINVAL)
	}
	return int(k.Ipc.Mq_remove(id, p.Pid))
}

func _sock(p *proc.Proc_t, fdn int) (*bnet.Socket_t, defs.Err_t) {
	f, ok := p.Fd_get(fdn)
	if !ok {
		return nil, -defs.EBADF
	}
	s, ok := f.Fops.(*bnet.Socket_t)
	if !ok {
		return nil, -defs.ENOTSOCK
	}
	return s, 0
}

// _sockaddr reads a sockaddr_in or sockaddr_in6 from user memory.
func _sockaddr(p *proc.Proc_t, va uintptr, l int) (bnet.Endpoint_t, defs.Err_t) {
	var ep bnet.Endpoint_t
	if l < sockaddr4sz {
		return ep, -defs.EINVAL
	}
	var sa [sockaddr6sz]uint8
	buf := sa[:min(l, sockaddr6sz)]
	if err := p.Vm.Copyin(buf, va); err != 0 {
		return ep, err
	}
	ep.Port = binary.BigEndian.Uint16(sa[2:])
	switch binary.LittleEndian.Uint16(sa[0:]) {
	case defs.AF_INET:
		ep.Ip = inet.Mkipaddr4(inet.Sl2ip(sa[4:]))
	case defs.AF_INET6:
		if l < sockaddr6sz {
			return ep, -defs.EINVAL
		}
		copy(ep.Ip[:], sa[8:24])
	default:
		return ep, -defs.EAFNOSUPPORT
	}
	return ep, 0
}

// _putsockaddr writes ep to the sockaddr at va whose size is at lenp and
// stores the full size of the address at lenp.
func _putsockaddr(p *proc.Proc_t, va, lenp uintptr, ep bnet.Endpoint_t) defs.Err_t {
	if va == 0 {
		return 0
	}
	l, err := p.Vm.Userreadn(lenp, 4)
	if err != 0 {
		return err
	}
	if l < 0 {
		return -defs.EINVAL
	}
	var sa [sockaddr6sz]uint8
	sz := sockaddr6sz
	binary.BigEndian.PutUint16(sa[2:], ep.Port)
	if ep.Ip.Is4() {
		sz = sockaddr4sz
		binary.LittleEndian.PutUint16(sa[0:], defs.AF_INET)
		inet.Ip2sl(sa[4:], ep.Ip.Ip4())
	} else {
		binary.LittleEndian.PutUint16(sa[0:], defs.AF_INET6)
		copy(sa[8:24], ep.Ip[:])
	}
	if err := p.Vm.Copyout(va, sa[:min(l, sz)]); err != 0 {
		return err
	}
	return p.Vm.Userwriten(lenp, 4, sz)
}

func (k *Kernel_t) sys_socket(p *proc.Proc_t, af, typ, proto int) int {
	kind := bnet.Sockkind_t(typ &^ defs.SOCK_NONBLOCK)
	s, err := k.Net.Socket(af, kind, proto, p.Pid)
	if err != 0 {
		return int(err)
	}
	if typ&defs.SOCK_NONBLOCK != 0 {
		s.Set_nonblock(true)
	}
	f := &fd.Fd_t{Fops: s}
	fdn, ok := p.Fd_insert(f, fd.FD_READ|fd.FD_WRITE)
	if !ok {
		fd.Close_panic(f)
		return int(-defs.EMFILE)
	}
	return fdn
}

func sys_bind(p *proc.Proc_t, fdn int, sap uintptr, salen int) int {
	s, err := _sock(p, fdn)
	if err != 0 {
		return int(err)
	}
	ep, err := _sockaddr(p, sap, salen)
	if err != 0 {
		return int(err)
	}
	return int(s.Bind(ep))
}

func sys_listen(p *proc.Proc_t, fdn, backlog int) int {
	s, err := _sock(p, fdn)
	if err != 0 {
		return int(err)
	}
	return int(s.Listen(backlog))
}

func sys_connect(p *proc.Proc_t, tid defs.Tid_t, fdn int, sap uintptr, salen int) int {
	s, err := _sock(p, fdn)
	if err != 0 {
		return int(err)
	}
	ep, err := _sockaddr(p, sap, salen)
	if err != 0 {
		return int(err)
	}
	return int(s.Connect(tid, ep))
}

func sys_accept(p *proc.Proc_t, tid defs.Tid_t, fdn int, sap, salenp uintptr) int {
	s, err := _sock(p, fdn)
	if err != 0 {
		return int(err)
	}
	if sap != 0 {
		if err := p.Vm.Userok(salenp, 4, true); err != 0 {
			return int(err)
		}
	}
	ns, ep, err := s.Accept(tid)
	if err != 0 {
		return int(err)
	}
	f := &fd.Fd_t{Fops: ns}
	nfd, ok := p.Fd_insert(f, fd.FD_READ|fd.FD_WRITE)
	if !ok {
		fd.Close_panic(f)
		return int(-defs.EMFILE)
	}
	if err := _putsockaddr(p, sap, salenp, ep); err != 0 {
		if f, ok := p.Fd_del(nfd); ok {
			fd.Close_panic(f)
		}
		return int(err)
	}
	return nfd
}

func (k *Kernel_t) sys_sendto(p *proc.Proc_t, tid defs.Tid_t, fdn int, bufp uintptr,
	sz, flags int, sap uintptr, salen int) int {
	s, err := _sock(p, fdn)
	if err != 0 {
		return int(err)
	}
	if sz < 0 {
		return int(-defs.EINVAL)
	}
	if err := p.Vm.Userok(bufp, sz, false); err != 0 {
		return int(err)
	}
	var ep bnet.Endpoint_t
	if sap != 0 {
		ep, err = _sockaddr(p, sap, salen)
		if err != 0 {
			return int(err)
		}
	}
	ub := p.Vm.Mkuserbuf(bufp, sz)
	var ret int
	if sap == 0 {
		ret, err = s.Send(tid, ub)
	} else {
		ret, err = s.Sendto(tid, ub, ep)
	}
	vm.Ubpool.Put(ub)
	if err != 0 {
		k._sigpipe(p, err)
		return int(err)
	}
	return ret
}

func sys_recvfrom(p *proc.Proc_t, tid defs.Tid_t, fdn int, bufp uintptr,
	sz, flags int, sap, salenp uintptr) int {
	s, err := _sock(p, fdn)
	if err != 0 {
		return int(err)
	}
	if sz < 0 {
		return int(-defs.EINVAL)
	}
	if err := p.Vm.Userok(bufp, sz, true); err != 0 {
		return int(err)
	}
	if sap != 0 {
		if err := p.Vm.Userok(salenp, 4, true); err != 0 {
			return int(err)
		}
	}
	ub := p.Vm.Mkuserbuf(bufp, sz)
	ret, from, err := s.Recvfrom(tid, ub)
	vm.Ubpool.Put(ub)
	if err != 0 {
		return int(err)
	}
	if err := _putsockaddr(p, sap, salenp, from); err != 0 {
		return int(err)
	}
	return ret
}

func sys_shutdown(p *proc.Proc_t, fdn, how int) int {
	s, err := _sock(p, fdn)
	if err != 0 {
		return int(err)
	}
	switch how {
	case defs.SHUT_RD:
		return int(s.Shutdown(true, false))
	case defs.SHUT_WR:
		return int(s.Shutdown(false, true))
	case defs.SHUT_RDWR:
		return int(s.Shutdown(true, true))
	}
	return int(-defs.EINVAL)
}

func sys_setsockopt(p *proc.Proc_t, fdn, level, opt int, valp uintptr, vlen int) int {
	s, err := _sock(p, fdn)
	if err != 0 {
		return int(err)
	}
	if level == defs.IPPROTO_IP && (opt == defs.IP_ADD_MEMB || opt == defs.IP_DROP_MEMB) {
		var grp inet.Ipaddr_t
		switch vlen {
		case 4:
			var b [4]uint8
			if err := p.Vm.Copyin(b[:], valp); err != 0 {
				return int(err)
			}
			grp = inet.Mkipaddr4(inet.Sl2ip(b[:]))
		case 16:
			if err := p.Vm.Copyin(grp[:], valp); err != 0 {
				return int(err)
			}
		default:
			return int(-defs.EINVAL)
		}
		if opt == defs.IP_ADD_MEMB {
			return int(s.Join_group(grp))
		}
		return int(s.Leave_group(grp))
	}
	if vlen < 4 {
		return int(-defs.EINVAL)
	}
	val, err := p.Vm.Userreadn(valp, 4)
	if err != 0 {
		return int(err)
	}
	return int(s.Setsockopt(level, opt, int(int32(val))))
}

func sys_getsockopt(p *proc.Proc_t, fdn, level, opt int, valp, lenp uintptr) int {
	s, err := _sock(p, fdn)
	if err != 0 {
		return int(err)
	}
	l, err := p.Vm.Userreadn(lenp, 4)
	if err != 0 {
		return int(err)
	}
	if l < 4 {
		return int(-defs.EINVAL)
	}
	val, err := s.Getsockopt(level, opt)
	if err != 0 {
		return int(err)
	}
	if err := p.Vm.Userwriten(valp, 4, val); err != 0 {
		return int(err)
	}
	return int(p.Vm.Userwriten(lenp, 4, 4))
}
