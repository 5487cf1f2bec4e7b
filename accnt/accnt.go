package accnt

import "sync"
import "sync/atomic"

import "kcore/util"

// Accnt_t accrues the cpu time of a thread or process.
type Accnt_t struct {
	// nanoseconds
	Userns int64
	Sysns  int64
	// for getting consistent snapshot of both times; not always needed
	sync.Mutex
}

func (a *Accnt_t) Utadd(delta int) {
	atomic.AddInt64(&a.Userns, int64(delta))
}

func (a *Accnt_t) Systadd(delta int) {
	atomic.AddInt64(&a.Sysns, int64(delta))
}

// Charge adds ms milliseconds of user or system time.
func (a *Accnt_t) Charge(user bool, ms int) {
	if user {
		a.Utadd(ms * 1e6)
	} else {
		a.Systadd(ms * 1e6)
	}
}

func (a *Accnt_t) Add(n *Accnt_t) {
	a.Lock()
	a.Userns += atomic.LoadInt64(&n.Userns)
	a.Sysns += atomic.LoadInt64(&n.Sysns)
	a.Unlock()
}

// Total returns user plus system time in milliseconds.
func (a *Accnt_t) Total() int {
	a.Lock()
	defer a.Unlock()
	return int((atomic.LoadInt64(&a.Userns) + atomic.LoadInt64(&a.Sysns)) / 1e6)
}

func (a *Accnt_t) Fetch() []uint8 {
	a.Lock()
	ru := a.To_rusage()
	a.Unlock()
	return ru
}

// To_rusage encodes the user and system times as two timevals.
func (a *Accnt_t) To_rusage() []uint8 {
	words := 4
	ret := make([]uint8, words*8)
	totv := func(nano int64) (int, int) {
		secs := int(nano / 1e9)
		usecs := int((nano % 1e9) / 1000)
		return secs, usecs
	}
	off := 0
	// user timeval
	s, us := totv(atomic.LoadInt64(&a.Userns))
	util.Writen(ret, 8, off, s)
	off += 8
	util.Writen(ret, 8, off, us)
	off += 8
	// sys timeval
	s, us = totv(atomic.LoadInt64(&a.Sysns))
	util.Writen(ret, 8, off, s)
	off += 8
	util.Writen(ret, 8, off, us)
	off += 8
	return ret
}
