// Command kcore boots a machine on host memory and runs a short workload
// through the system call and page fault entry points: console output, a
// fork whose child breaks a copy-on-write page, and a UDP echo over
// loopback.
package main

import "encoding/binary"
import "flag"
import "fmt"
import "os"

import "kcore/defs"
import "kcore/hw"
import "kcore/inet"
import "kcore/kernel"
import "kcore/mem"
import "kcore/proc"
import "kcore/vm"

const (
	ucode = uintptr(vm.USERMIN)
	udata = ucode + 0x100000
	ubuf  = udata
	uaddr = udata + 0x2000
	uaux  = udata + 0x3000
	ustrs = udata + 0x4000
)

var (
	memmb    = flag.Int("mem", 64, "machine memory in MB")
	policy   = flag.String("swap", "clock", "swap policy: fifo, lru or clock")
	swappath = flag.String("swapfile", "", "back swap with this file instead of memory")
	slots    = flag.Int("swapslots", 1024, "swap slots, 0 disables swap")
	aslr     = flag.Bool("aslr", true, "randomize region placement")
	sim      = flag.Uint64("sim", 0, "use simulated hardware with this seed")
	dostats  = flag.Bool("stats", false, "print counters before exiting")
)

type user_t struct {
	k   *kernel.Kernel_t
	p   *proc.Proc_t
	tid defs.Tid_t
}

func (u *user_t) sys(sysno int, args ...uintptr) int {
	var a [6]uintptr
	copy(a[:], args)
	return u.k.Syscall(u.tid, sysno, a)
}

func (u *user_t) put(va uintptr, b []uint8) {
	if err := u.p.Vm.Copyout(va, b); err != 0 {
		die("copyout %#x: %v", va, err)
	}
}

func (u *user_t) get(va uintptr, n int) []uint8 {
	b := make([]uint8, n)
	if err := u.p.Vm.Copyin(b, va); err != 0 {
		die("copyin %#x: %v", va, err)
	}
	return b
}

func (u *user_t) str(va uintptr, s string) uintptr {
	u.put(va, append([]uint8(s), 0))
	return va
}

func (u *user_t) print(fdn int, s string) {
	u.put(ubuf, []uint8(s))
	if n := u.sys(defs.SYS_WRITE, uintptr(fdn), ubuf, uintptr(len(s))); n != len(s) {
		die("console write: %v", defs.Err_t(n))
	}
}

func die(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "kcore: "+f+"\n", args...)
	os.Exit(1)
}

func image() *proc.Image_t {
	return &proc.Image_t{Name: "demo", Entry: ucode, Segs: []proc.Seg_t{
		// syscall
		{Vaddr: ucode, Memsz: mem.PGSIZE, Data: []uint8{0x0f, 0x05},
			Prot: vm.PROT_R | vm.PROT_X | vm.PROT_USER},
		{Vaddr: udata, Memsz: 16 * mem.PGSIZE,
			Prot: vm.PROT_R | vm.PROT_W | vm.PROT_USER},
	}}
}

func sockaddr(ip inet.Ip4_t, port uint16) []uint8 {
	b := make([]uint8, 16)
	binary.LittleEndian.PutUint16(b, defs.AF_INET)
	binary.BigEndian.PutUint16(b[2:], port)
	inet.Ip2sl(b[4:], ip)
	return b
}

func cowdemo(u *user_t, cons int) {
	u.put(uaux, []uint8("parent"))
	cpid := u.sys(defs.SYS_FORK)
	if cpid < 0 {
		die("fork: %v", defs.Err_t(cpid))
	}
	child, _ := u.k.Pm.Lookup(defs.Pid_t(cpid))
	c := &user_t{k: u.k, p: child, tid: child.Tid0()}
	if err := u.k.Pagefault(c.tid, uaux, defs.PGFAULT_W|defs.PGFAULT_U); err != 0 {
		die("cow fault: %v", err)
	}
	c.put(uaux, []uint8("child!"))
	c.print(cons, fmt.Sprintf("pid %v sees %q\n", cpid, c.get(uaux, 6)))
	u.print(cons, fmt.Sprintf("pid %v sees %q\n", u.p.Pid, u.get(uaux, 6)))
	c.sys(defs.SYS_EXIT, 3)
	if n := u.sys(defs.SYS_WAIT4, uintptr(cpid), uaux+8, 0); n != cpid {
		die("wait4: %v", defs.Err_t(n))
	}
	st := binary.LittleEndian.Uint32(u.get(uaux+8, 4))
	u.print(cons, fmt.Sprintf("child %v exited with %v\n", cpid, st))
}

func udpdemo(u *user_t, cons int) {
	lo := inet.Mkip4(127, 0, 0, 1)
	typ := uintptr(defs.SOCK_DGRAM | defs.SOCK_NONBLOCK)
	srv := u.sys(defs.SYS_SOCKET, defs.AF_INET, typ, 0)
	cli := u.sys(defs.SYS_SOCKET, defs.AF_INET, typ, 0)
	if srv < 0 || cli < 0 {
		die("socket: %v %v", defs.Err_t(srv), defs.Err_t(cli))
	}
	u.put(uaddr, sockaddr(lo, 7))
	if n := u.sys(defs.SYS_BIND, uintptr(srv), uaddr, 16); n != 0 {
		die("bind: %v", defs.Err_t(n))
	}
	msg := "echo me"
	u.put(ubuf, []uint8(msg))
	if n := u.sys(defs.SYS_SENDTO, uintptr(cli), ubuf, uintptr(len(msg)), 0,
		uaddr, 16); n != len(msg) {
		die("sendto: %v", defs.Err_t(n))
	}
	recv := func(fdn int) int {
		for i := 0; i < 100; i++ {
			u.put(uaux, []uint8{16, 0, 0, 0})
			n := u.sys(defs.SYS_RECVFROM, uintptr(fdn), ubuf, 512, 0,
				uaddr+0x100, uaux)
			if n != int(-defs.EAGAIN) {
				return n
			}
			u.k.Tick()
		}
		return int(-defs.ETIMEDOUT)
	}
	n := recv(srv)
	if n < 0 {
		die("server recvfrom: %v", defs.Err_t(n))
	}
	// back to whoever sent it
	if r := u.sys(defs.SYS_SENDTO, uintptr(srv), ubuf, uintptr(n), 0,
		uaddr+0x100, 16); r != n {
		die("echo: %v", defs.Err_t(r))
	}
	n = recv(cli)
	if n < 0 {
		die("client recvfrom: %v", defs.Err_t(n))
	}
	u.print(cons, fmt.Sprintf("udp echo: %q\n", u.get(ubuf, n)))
	u.sys(defs.SYS_CLOSE, uintptr(srv))
	u.sys(defs.SYS_CLOSE, uintptr(cli))
}

func main() {
	flag.Parse()
	cfg := kernel.Defconfig()
	cfg.Memmap = []mem.Memmap_t{
		{Start: 0, End: 0x9f000, Kind: mem.MEM_USABLE},
		{Start: 0x9f000, End: 0x100000, Kind: mem.MEM_RESERVED},
		{Start: 0x100000, End: mem.Pa_t(*memmb) << 20, Kind: mem.MEM_USABLE},
	}
	cfg.Swappolicy = *policy
	cfg.Swappath = *swappath
	cfg.Swapslots = *slots
	cfg.Aslr = *aslr

	var h hw.Hw_i = hw.Mkhost()
	if *sim != 0 {
		h = hw.Mksim(*sim)
	}
	k, err := kernel.Boot(cfg, h)
	if err != 0 {
		die("boot: %v", err)
	}
	k.Cons.Out = os.Stdout
	kernel.Install(k)
	defer k.Shutdown()

	k.Register_image("/bin/demo", image())
	pid, tid, err := k.Spawn("/bin/demo", []string{"demo"})
	if err != 0 {
		die("spawn: %v", err)
	}
	p, _ := k.Pm.Lookup(pid)
	u := &user_t{k: k, p: p, tid: tid}
	cons := u.sys(defs.SYS_OPEN, u.str(ustrs, "/dev/console"), uintptr(defs.O_WRONLY))
	if cons < 0 {
		die("open console: %v", defs.Err_t(cons))
	}
	u.print(cons, fmt.Sprintf("hello from pid %v\n", pid))
	cowdemo(u, cons)
	udpdemo(u, cons)
	u.sys(defs.SYS_EXIT, 0)
	k.Tick()

	if *dostats {
		fmt.Println(k.String())
	}
}
