// Package kernel ties the subsystems together: it boots them from a
// Config_t, owns the system call dispatcher and is the entry point for page
// faults and timer ticks.
package kernel

import "fmt"
import "sync"

import "kcore/bnet"
import "kcore/defs"
import "kcore/fd"
import "kcore/hw"
import "kcore/ipc"
import "kcore/mem"
import "kcore/proc"
import "kcore/sched"
import "kcore/stats"
import "kcore/vm"

type Kstats_t struct {
	Syscalls  stats.Counter_t
	Restarts  stats.Counter_t
	Badsys    stats.Counter_t
	Pgfaults  stats.Counter_t
	Oomkills  stats.Counter_t
	Sigpipes  stats.Counter_t
	Execnoent stats.Counter_t
}

// Kernel_t is one booted machine.
type Kernel_t struct {
	Cfg   Config_t
	Hw    hw.Hw_i
	Phys  *mem.Physmem_t
	Vmm   *vm.Vmm_t
	Swap  *vm.Swap_t
	S     *sched.Sched_t
	Pm    *proc.Pm_t
	Ipc   *ipc.Ipc_t
	Net   *bnet.Net_t
	Cons  *Console_t
	Stats Kstats_t

	swapfile *vm.Swapfile_t
	imgl     sync.Mutex
	images   map[string]*proc.Image_t
}

// Boot brings up the frame allocator from the memory map, the kernel
// address space and swap, the scheduler with its idle thread, the process
// manager with init (pid 1) and the network stack with loopback. Init's
// file descriptors 0, 1 and 2 refer to the console.
func Boot(cfg Config_t, h hw.Hw_i) (*Kernel_t, defs.Err_t) {
	k := &Kernel_t{Cfg: cfg, Hw: h, images: make(map[string]*proc.Image_t)}
	phys, err := mem.Phys_init(cfg.Memmap)
	if err != 0 {
		return nil, err
	}
	k.Phys = phys

	pol, ok := vm.Mkpolicy(cfg.Swappolicy)
	if !ok {
		phys.Close()
		return nil, -defs.EINVAL
	}
	if cfg.Swapslots > 0 {
		var dev vm.Swapdev_i
		if cfg.Swappath != "" {
			sf, err := vm.Mkswapfile(cfg.Swappath, cfg.Swapslots)
			if err != 0 {
				phys.Close()
				return nil, err
			}
			k.swapfile = sf
			dev = sf
		} else {
			dev = vm.Mkmemswap(cfg.Swapslots)
		}
		k.Swap = vm.Mkswap(dev, cfg.Swapslots, pol)
	}

	vmm, err := vm.Mkvmm(phys, h, vm.Vmcfg_t{Aslr: cfg.Aslr,
		Aslrbits: cfg.Aslrbits, Swap: k.Swap})
	if err != 0 {
		k._close()
		return nil, err
	}
	k.Vmm = vmm
	k.S = sched.Mksched(h, vmm.Kas, cfg.Period)
	k.Pm = proc.Mkpm(vmm, k.S, h)
	k.Ipc = ipc.Mkipc(vmm, phys, k.S, h)
	k.Pm.Ipc = k.Ipc
	k.Net = bnet.Mknet(h, k.S, cfg.Net)

	k.Cons, err = mkconsole(cfg.Consolesz, phys)
	if err != 0 {
		k._close()
		return nil, err
	}
	ipid, err := k.Pm.Create("init", 0, sched.P_NORMAL)
	if err != 0 {
		k._close()
		return nil, err
	}
	k.Pm.Init = ipid
	ip, _ := k.Pm.Lookup(ipid)
	for i, perms := range []int{fd.FD_READ, fd.FD_WRITE, fd.FD_WRITE} {
		k.Cons.Reopen()
		n, ok := ip.Fd_insert(&fd.Fd_t{Fops: k.Cons}, perms)
		// XXXPANIC
		if !ok || n != i {
			panic("init fds")
		}
	}
	fmt.Printf("kcore: %v pages, init pid %v\n", phys.Total(), ipid)
	return k, 0
}

func (k *Kernel_t) _close() {
	if k.Cons != nil {
		k.Cons.release()
	}
	if k.swapfile != nil {
		k.swapfile.Close()
	}
	k.Phys.Close()
}

// Shutdown releases the host resources behind the machine. Nothing may use
// k afterwards.
func (k *Kernel_t) Shutdown() {
	Uninstall(k)
	k._close()
}

// Register_image makes img available to execv under path.
func (k *Kernel_t) Register_image(path string, img *proc.Image_t) {
	k.imgl.Lock()
	k.images[path] = img
	k.imgl.Unlock()
}

// Register_elf parses an ELF executable and registers it under path.
func (k *Kernel_t) Register_elf(path string, elf []uint8) defs.Err_t {
	img, err := proc.Mkimage(path, elf)
	if err != 0 {
		return err
	}
	k.Register_image(path, img)
	return 0
}

func (k *Kernel_t) image(path string) (*proc.Image_t, bool) {
	k.imgl.Lock()
	defer k.imgl.Unlock()
	img, ok := k.images[path]
	return img, ok
}

// Spawn creates a child of init running the registered program path and
// returns its pid and first thread.
func (k *Kernel_t) Spawn(path string, args []string) (defs.Pid_t, defs.Tid_t, defs.Err_t) {
	img, ok := k.image(path)
	if !ok {
		k.Stats.Execnoent.Inc()
		return 0, 0, -defs.ENOENT
	}
	pid, err := k.Pm.Create(img.Name, k.Pm.Init, sched.P_NORMAL)
	if err != 0 {
		return 0, 0, err
	}
	p, _ := k.Pm.Lookup(pid)
	tid := p.Tid0()
	if err := k.Pm.Exec(pid, tid, img, args); err != 0 {
		k.Pm.Terminate(pid, 127)
		return 0, 0, err
	}
	return pid, tid, 0
}

// Tick is the timer interrupt: it charges and preempts the running thread,
// then runs the network timers and drains received frames.
func (k *Kernel_t) Tick() {
	k.S.Tick()
	k.Net.Timers()
	k.Net.Poll()
}

// Pagefault resolves a fault of thread tid at va. A fault the address space
// cannot resolve is delivered to the process as SIGSEGV or SIGBUS. When no
// frame can be found even after swapping, the largest process is killed.
func (k *Kernel_t) Pagefault(tid defs.Tid_t, va uintptr, ecode uintptr) defs.Err_t {
	k.Stats.Pgfaults.Inc()
	p, ok := k.Pm.Proc_of(tid)
	if !ok || p.Vm == nil {
		return -defs.ESRCH
	}
	err := p.Vm.Handle_page_fault(va, ecode)
	switch err {
	case 0:
		return 0
	case -defs.ENOMEM:
		vic, ok := k.Pm.Oom_kill()
		if !ok {
			// nothing else to give back
			k.Pm.Fault(p.Pid, tid, -defs.EMAPFAIL)
			return err
		}
		k.Stats.Oomkills.Inc()
		if vic != p.Pid {
			// the victim's memory comes back when it is reaped;
			// until then the faulting access is retried
			return -defs.ERESTART
		}
		return err
	}
	k.Pm.Fault(p.Pid, tid, err)
	return err
}

func (k *Kernel_t) String() string {
	s := "kernel:" + stats.Stats2String(&k.Stats)
	s += "\nvm:" + stats.Stats2String(&k.Vmm.Stats)
	s += "\nsched:" + stats.Stats2String(&k.S.Stats)
	s += "\nproc:" + stats.Stats2String(&k.Pm.Stats)
	s += "\nipc:" + stats.Stats2String(&k.Ipc.Stats)
	s += "\n" + k.Net.String()
	return s
}

// the installed machine; subsystems reach each other through these once
// Install has run
var (
	instl sync.Mutex
	Kmem  *Kernel_t
	Kproc *Kernel_t
	Knet  *Kernel_t
)

// Install publishes k's subsystems to the accessors below.
func Install(k *Kernel_t) {
	instl.Lock()
	Kmem, Kproc, Knet = k, k, k
	instl.Unlock()
}

// Uninstall withdraws k if it is the installed machine.
func Uninstall(k *Kernel_t) {
	instl.Lock()
	if Kmem == k {
		Kmem, Kproc, Knet = nil, nil, nil
	}
	instl.Unlock()
}

func Mm() (*vm.Vmm_t, defs.Err_t) {
	instl.Lock()
	defer instl.Unlock()
	if Kmem == nil {
		return nil, -defs.ENODEV
	}
	return Kmem.Vmm, 0
}

func Pm() (*proc.Pm_t, defs.Err_t) {
	instl.Lock()
	defer instl.Unlock()
	if Kproc == nil {
		return nil, -defs.ENODEV
	}
	return Kproc.Pm, 0
}

func Net() (*bnet.Net_t, defs.Err_t) {
	instl.Lock()
	defer instl.Unlock()
	if Knet == nil {
		return nil, -defs.ENODEV
	}
	return Knet.Net, 0
}
