package proc

import "fmt"
import "sync"

import "kcore/accnt"
import "kcore/defs"
import "kcore/fd"
import "kcore/hashtable"
import "kcore/sched"
import "kcore/vm"

type Pstate_t int

const (
	PS_NEW Pstate_t = iota
	PS_READY
	PS_RUNNING
	PS_BLOCKED
	PS_ZOMBIE
	PS_DEAD
)

var psnames = [...]string{"new", "ready", "running", "blocked", "zombie",
	"dead"}

func (s Pstate_t) String() string {
	return psnames[s]
}

// per-process limits
type Ulimit_t struct {
	Nofile uint
}

type Cred_t struct {
	Uid int
	Gid int
}

type Proc_t struct {
	Pid  defs.Pid_t
	Ppid defs.Pid_t
	Name string
	Prio sched.Prio_t
	// state, ppid and children are protected by the process table lock
	state    Pstate_t
	children []defs.Pid_t

	// first thread id
	tid0 defs.Tid_t
	// thread tids of this process
	threads []defs.Tid_t

	// waitinfo for my child processes
	Mywait Wait_t

	// Address space
	Vm *vm.Vm_t

	Fds []*fd.Fd_t
	// where to start scanning for free fds
	fdstart int
	// fds, fdstart, nfds protected by fdl
	Fdl sync.Mutex
	// number of valid file descriptors
	nfds int

	Ulim Ulimit_t
	Cred Cred_t

	// this proc's rusage, accumulated from reaped threads
	Atime accnt.Accnt_t
	// total child rusage
	Catime accnt.Accnt_t
	// creation time in ms
	Ctime      uint64
	exitstatus int

	Sig Sigstate_t
}

type ptable_t struct {
	ht *hashtable.Hashtable_t[defs.Pid_t, *Proc_t]
}

func (pt *ptable_t) Get(pid defs.Pid_t) (*Proc_t, bool) {
	return pt.ht.Get(pid)
}

func (pt *ptable_t) Set(pid defs.Pid_t, p *Proc_t) {
	pt.ht.Set(pid, p)
}

func (pt *ptable_t) Del(pid defs.Pid_t) {
	pt.ht.Del(pid)
}

// Iter may execute concurrently with other lookups, inserts, and deletes
func (pt *ptable_t) Iter(f func(defs.Pid_t, *Proc_t) bool) {
	pt.ht.Iter(f)
}

func (p *Proc_t) Tid0() defs.Tid_t {
	return p.tid0
}

func (p *Proc_t) String() string {
	return fmt.Sprintf("pid %v (%v) ppid %v %v", p.Pid, p.Name, p.Ppid,
		p.state)
}

// an fd table invariant: every fd must have its file field set. thus the
// caller cannot set an fd's file field without holding fdl. otherwise you will
// race with a forking thread when it copies the fd table.
func (p *Proc_t) Fd_insert(f *fd.Fd_t, perms int) (int, bool) {
	p.Fdl.Lock()
	a, b := p.fd_insert_inner(f, perms)
	p.Fdl.Unlock()
	return a, b
}

// _fdgrow doubles the fd table until it has at least need slots, but never
// beyond the Nofile limit.
func (p *Proc_t) _fdgrow(need int) {
	if need <= len(p.Fds) {
		return
	}
	nl := max(2*len(p.Fds), 8)
	for nl < need {
		nl *= 2
	}
	nl = min(nl, int(p.Ulim.Nofile))
	nfdt := make([]*fd.Fd_t, nl)
	copy(nfdt, p.Fds)
	p.Fds = nfdt
}

func (p *Proc_t) fd_insert_inner(f *fd.Fd_t, perms int) (int, bool) {
	if uint(p.nfds) >= p.Ulim.Nofile {
		return -1, false
	}
	// find free fd
	newfd := p.fdstart
	found := false
	for newfd < len(p.Fds) {
		if p.Fds[newfd] == nil {
			p.fdstart = newfd + 1
			found = true
			break
		}
		newfd++
	}
	if !found {
		p._fdgrow(newfd + 1)
		p.fdstart = newfd + 1
	}
	f.Perms = perms
	// XXXPANIC
	if p.Fds[newfd] != nil {
		panic(fmt.Sprintf("new fd exists %d", newfd))
	}
	if f.Fops == nil {
		panic("nil fops")
	}
	p.Fds[newfd] = f
	p.nfds++
	return newfd, true
}

// returns the fd numbers and success
func (p *Proc_t) Fd_insert2(f1 *fd.Fd_t, perms1 int,
	f2 *fd.Fd_t, perms2 int) (int, int, bool) {
	p.Fdl.Lock()
	defer p.Fdl.Unlock()
	fd1, ok := p.fd_insert_inner(f1, perms1)
	if !ok {
		return 0, 0, false
	}
	fd2, ok := p.fd_insert_inner(f2, perms2)
	if !ok {
		p.fd_del_inner(fd1)
		return 0, 0, false
	}
	return fd1, fd2, true
}

// fdn is not guaranteed to be a sane fd
func (p *Proc_t) Fd_get_inner(fdn int) (*fd.Fd_t, bool) {
	if fdn < 0 || fdn >= len(p.Fds) {
		return nil, false
	}
	ret := p.Fds[fdn]
	return ret, ret != nil
}

func (p *Proc_t) Fd_get(fdn int) (*fd.Fd_t, bool) {
	p.Fdl.Lock()
	ret, ok := p.Fd_get_inner(fdn)
	p.Fdl.Unlock()
	return ret, ok
}

// fdn is not guaranteed to be a sane fd
func (p *Proc_t) Fd_del(fdn int) (*fd.Fd_t, bool) {
	p.Fdl.Lock()
	a, b := p.fd_del_inner(fdn)
	p.Fdl.Unlock()
	return a, b
}

func (p *Proc_t) fd_del_inner(fdn int) (*fd.Fd_t, bool) {
	if fdn < 0 || fdn >= len(p.Fds) {
		return nil, false
	}
	ret := p.Fds[fdn]
	p.Fds[fdn] = nil
	ok := ret != nil
	if ok {
		p.nfds--
		if p.nfds < 0 {
			panic("neg nfds")
		}
		if fdn < p.fdstart {
			p.fdstart = fdn
		}
	}
	return ret, ok
}

// fdn is not guaranteed to be a sane fd. returns the the fd replaced by ofdn
// and whether it exists and needs to be closed, and success.
func (p *Proc_t) Fd_dup(ofdn, nfdn int) (*fd.Fd_t, bool, defs.Err_t) {
	if ofdn == nfdn {
		return nil, false, 0
	}
	p.Fdl.Lock()
	defer p.Fdl.Unlock()
	ofd, ok := p.Fd_get_inner(ofdn)
	if !ok || nfdn < 0 || uint(nfdn) >= p.Ulim.Nofile {
		return nil, false, -defs.EBADF
	}
	rfd, needclose := p.Fd_get_inner(nfdn)
	if !needclose && uint(p.nfds) >= p.Ulim.Nofile {
		return nil, false, -defs.EMFILE
	}
	cpy, err := fd.Copyfd(ofd)
	if err != 0 {
		return nil, false, err
	}
	cpy.Perms &^= fd.FD_CLOEXEC
	if !needclose {
		p._fdgrow(nfdn + 1)
		p.nfds++
	}
	p.Fds[nfdn] = cpy
	return rfd, needclose, 0
}

// copies the fd table for a forked child; every object gains a reference.
func (p *Proc_t) fd_fork(child *Proc_t) defs.Err_t {
	p.Fdl.Lock()
	defer p.Fdl.Unlock()
	child.Fds = make([]*fd.Fd_t, len(p.Fds))
	for i, ofd := range p.Fds {
		if ofd == nil {
			continue
		}
		nfd, err := fd.Copyfd(ofd)
		if err != 0 {
			for _, c := range child.Fds[:i] {
				if c != nil {
					fd.Close_panic(c)
				}
			}
			child.Fds = nil
			return err
		}
		child.Fds[i] = nfd
	}
	child.nfds = p.nfds
	child.fdstart = p.fdstart
	return 0
}

// removes the descriptors selected by f and returns them for closing
// outside fdl.
func (p *Proc_t) fd_reap(f func(*fd.Fd_t) bool) []*fd.Fd_t {
	p.Fdl.Lock()
	defer p.Fdl.Unlock()
	var ret []*fd.Fd_t
	for i, ofd := range p.Fds {
		if ofd != nil && f(ofd) {
			p.fd_del_inner(i)
			ret = append(ret, ofd)
		}
	}
	return ret
}

func (p *Proc_t) Nfds() int {
	p.Fdl.Lock()
	defer p.Fdl.Unlock()
	return p.nfds
}

// Threads returns the tids of the process' threads.
func (p *Proc_t) Threads() []defs.Tid_t {
	return append([]defs.Tid_t(nil), p.threads...)
}
