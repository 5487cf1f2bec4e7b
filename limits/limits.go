package limits

import "unsafe"
import "sync/atomic"

type Sysatomic_t int64

type Syslimit_t struct {
	// protected by the process table lock
	Sysprocs int
	// threads across all processes
	Threads Sysatomic_t
	// pipes, shared memory segments and message queues together
	Ipcobjs Sysatomic_t
	// proctected by arp cache lock
	Arpents int
	// proctected by routetbl lock
	Routes int
	// socks includes all TCP connections in TIMEWAIT.
	Socks Sysatomic_t
	// per message queue bounds
	Mqmsgs    int
	Mqmsgsize int
	// largest shared memory segment
	Shmsize int
}

var Syslimit *Syslimit_t = MkSysLimit()

func MkSysLimit() *Syslimit_t {
	return &Syslimit_t{
		Sysprocs:  1e4,
		Threads:   1e5,
		Ipcobjs:   1024,
		Arpents:   1024,
		Routes:    32,
		Socks:     1e5,
		Mqmsgs:    256,
		Mqmsgsize: 8192,
		Shmsize:   16 << 20,
	}
}

func (s *Sysatomic_t) _aptr() *int64 {
	return (*int64)(unsafe.Pointer(s))
}

func (s *Sysatomic_t) Given(_n uint) {
	n := int64(_n)
	if n < 0 {
		panic("too mighty")
	}
	atomic.AddInt64(s._aptr(), n)
}

func (s *Sysatomic_t) Taken(_n uint) bool {
	n := int64(_n)
	if n < 0 {
		panic("too mighty")
	}
	g := atomic.AddInt64(s._aptr(), -n)
	if g >= 0 {
		return true
	}
	atomic.AddInt64(s._aptr(), n)
	return false
}

// returns false if the limit has been reached.
func (s *Sysatomic_t) Take() bool {
	return s.Taken(1)
}

func (s *Sysatomic_t) Give() {
	s.Given(1)
}

func (s *Sysatomic_t) Left() int64 {
	return atomic.LoadInt64(s._aptr())
}
