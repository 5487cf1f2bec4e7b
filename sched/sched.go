// Package sched keeps the thread control blocks and runs the five-class
// round-robin scheduler. There is one cpu; the live register state is
// Sched_t.Cpu and a context switch swaps it with the saved context of the
// next thread.
package sched

import "fmt"
import "sync"

import "kcore/accnt"
import "kcore/defs"
import "kcore/hashtable"
import "kcore/hw"
import "kcore/mem"
import "kcore/stats"
import "kcore/vm"

type Tstate_t int

const (
	T_READY Tstate_t = iota
	T_RUNNING
	T_BLOCKED
	T_SLEEPING
	T_ZOMBIE
	T_DEAD
)

var tsnames = [...]string{"ready", "running", "blocked", "sleeping",
	"zombie", "dead"}

func (s Tstate_t) String() string {
	return tsnames[s]
}

type Tkind_t int

const (
	K_USER Tkind_t = iota
	K_KERNEL
	K_INTERRUPT
	K_WORKQ
)

type Prio_t int

const (
	P_IDLE Prio_t = iota
	P_LOW
	P_NORMAL
	P_HIGH
	P_RT
	NPRIO
)

var prionames = [...]string{"idle", "low", "normal", "high", "realtime"}

func (p Prio_t) String() string {
	if p < 0 || p >= NPRIO {
		return "?"
	}
	return prionames[p]
}

// time slice in ms of each class
var Slices = [NPRIO]int{
	P_IDLE:   5,
	P_LOW:    10,
	P_NORMAL: 20,
	P_HIGH:   50,
	P_RT:     100,
}

type Wait_t int

const (
	W_NONE Wait_t = iota
	W_MUTEX
	W_SEM
	W_CV
	W_IO
	W_TIMER
	W_JOIN
)

var waitnames = [...]string{"none", "mutex", "sem", "cv", "io", "timer",
	"join"}

func (w Wait_t) String() string {
	return waitnames[w]
}

// saved cpu state of a thread that is not running
type Context_t struct {
	Regs   [defs.TFREGS]uintptr
	Cs     uint16
	Ds     uint16
	Es     uint16
	Fs     uint16
	Gs     uint16
	Ss     uint16
	Rsp    uintptr
	Rip    uintptr
	Rflags uintptr
}

const (
	KCODE = 0x08
	KDATA = 0x10
	UCODE = 0x1b
	UDATA = 0x23
)

type Schedinfo_t struct {
	Vruntime uint64
	Nice     int
	Weight   int
	// ms left of the current slice
	Slice int
}

const KSTACKSZ = 4 * mem.PGSIZE

type Tcb_t struct {
	Tid      defs.Tid_t
	Pid      defs.Pid_t
	State    Tstate_t
	Kind     Tkind_t
	Prio     Prio_t
	Ctx      Context_t
	Kstack   vm.Region_t
	Ustack   uintptr
	Wait     Wait_t
	// absolute ms; zero when the thread has no deadline
	Waketime uint64
	Affinity uint64
	Sched    Schedinfo_t
	// page-table root installed when the thread runs
	Root  mem.Pa_t
	Accnt accnt.Accnt_t

	waitq    *Waitq_t
	timedout bool
}

func (t *Tcb_t) String() string {
	return fmt.Sprintf("tid %v pid %v %v %v", t.Tid, t.Pid, t.State, t.Prio)
}

type Schedstats_t struct {
	Ticks    stats.Counter_t
	Switches stats.Counter_t
	Preempts stats.Counter_t
	Lcr3s    stats.Counter_t
	Timeouts stats.Counter_t
}

type Sched_t struct {
	sync.Mutex
	hw  hw.Hw_i
	kas *vm.Vm_t
	// the live registers of the cpu
	Cpu     Context_t
	cr3     mem.Pa_t
	threads *hashtable.Hashtable_t[defs.Tid_t, *Tcb_t]
	ready   [NPRIO][]*Tcb_t
	timed   map[defs.Tid_t]*Tcb_t
	cur     *Tcb_t
	idle    *Tcb_t
	nexttid defs.Tid_t
	ticks   int
	// the running thread is charged every Period ticks
	Period int
	Stats  Schedstats_t
}

// Mksched creates the scheduler and its idle thread, which starts running.
// Kernel stacks are allocated from kas when it is not nil.
func Mksched(h hw.Hw_i, kas *vm.Vm_t, period int) *Sched_t {
	if period <= 0 {
		period = 10
	}
	s := &Sched_t{hw: h, kas: kas, Period: period}
	s.threads = hashtable.MkHash[defs.Tid_t, *Tcb_t](256, hashtable.Hashint[defs.Tid_t])
	s.timed = make(map[defs.Tid_t]*Tcb_t)
	s.nexttid = 1
	idle := s.mktcb(0, K_KERNEL, P_IDLE, 0)
	idle.Tid = 0
	idle.State = T_RUNNING
	s.threads.Set(0, idle)
	s.idle = idle
	s.cur = idle
	if kas != nil {
		s.cr3 = kas.P_pmap
	}
	return s
}

func (s *Sched_t) mktcb(pid defs.Pid_t, kind Tkind_t, prio Prio_t, root mem.Pa_t) *Tcb_t {
	t := &Tcb_t{Pid: pid, Kind: kind, Prio: prio, Root: root}
	t.Affinity = ^uint64(0)
	t.Sched.Weight = Slices[prio]
	t.Sched.Slice = Slices[prio]
	t.Ctx.Rflags = defs.TF_FL_IF
	if kind == K_USER {
		t.Ctx.Cs, t.Ctx.Ss = UCODE, UDATA
	} else {
		t.Ctx.Cs, t.Ctx.Ss = KCODE, KDATA
	}
	t.Ctx.Ds, t.Ctx.Es = t.Ctx.Ss, t.Ctx.Ss
	return t
}

// Spawn creates a ready thread of process pid that starts at rip with stack
// pointer rsp in the address space whose page-table root is root.
func (s *Sched_t) Spawn(pid defs.Pid_t, kind Tkind_t, prio Prio_t, root mem.Pa_t,
	rip, rsp uintptr) (*Tcb_t, defs.Err_t) {
	if prio <= P_IDLE || prio >= NPRIO {
		return nil, -defs.EINVAL
	}
	t := s.mktcb(pid, kind, prio, root)
	if s.kas != nil {
		ks, err := s.kas.Allocate_region_with_guards(KSTACKSZ, vm.R_KSTACK,
			vm.PROT_R|vm.PROT_W)
		if err != 0 {
			return nil, err
		}
		t.Kstack = ks
	}
	t.Ctx.Rip = rip
	t.Ctx.Rsp = rsp
	if kind == K_USER {
		t.Ustack = rsp
	} else if t.Kstack.Size != 0 && rsp == 0 {
		t.Ctx.Rsp = t.Kstack.End()
	}
	s.Lock()
	t.Tid = s.nexttid
	s.nexttid++
	s.threads.Set(t.Tid, t)
	s._ready(t)
	s.Unlock()
	return t, 0
}

func (s *Sched_t) _ready(t *Tcb_t) {
	t.State = T_READY
	t.Wait = W_NONE
	s.ready[t.Prio] = append(s.ready[t.Prio], t)
}

func (s *Sched_t) _unready(t *Tcb_t) {
	q := s.ready[t.Prio]
	for i, o := range q {
		if o == t {
			s.ready[t.Prio] = append(q[:i:i], q[i+1:]...)
			return
		}
	}
}

func (s *Sched_t) Lookup(tid defs.Tid_t) (*Tcb_t, bool) {
	return s.threads.Get(tid)
}

func (s *Sched_t) Current() *Tcb_t {
	s.Lock()
	defer s.Unlock()
	return s.cur
}

// Context returns the register state of t: the live cpu registers when t is
// running, its saved context otherwise. The scheduler lock must be held.
func (s *Sched_t) _context(t *Tcb_t) *Context_t {
	if t == s.cur {
		return &s.Cpu
	}
	return &t.Ctx
}

// Modify runs f on the register state of tid.
func (s *Sched_t) Modify(tid defs.Tid_t, f func(*Context_t)) defs.Err_t {
	s.Lock()
	defer s.Unlock()
	t, ok := s.threads.Get(tid)
	if !ok {
		return -defs.ENOTHREAD
	}
	f(s._context(t))
	return 0
}

// _pick returns the head of the highest non-empty class.
func (s *Sched_t) _pick() *Tcb_t {
	for p := P_RT; p > P_IDLE; p-- {
		if q := s.ready[p]; len(q) > 0 {
			s.ready[p] = q[1:]
			return q[0]
		}
	}
	return s.idle
}

// _switch saves the running thread's registers and installs next's,
// loading next's page-table root if it differs.
func (s *Sched_t) _switch(next *Tcb_t) {
	prev := s.cur
	if prev == next {
		next.State = T_RUNNING
		return
	}
	prev.Ctx = s.Cpu
	s.Cpu = next.Ctx
	if next.Root != 0 && next.Root != s.cr3 {
		s.hw.Lcr3(hw.Pa_t(next.Root))
		s.cr3 = next.Root
		s.Stats.Lcr3s.Inc()
	}
	next.State = T_RUNNING
	s.cur = next
	s.Stats.Switches.Inc()
}

// _schedule picks the next thread. A running current thread stays at the
// head of the line; callers requeue it first when it should give way.
func (s *Sched_t) _schedule() {
	if s.cur.State == T_RUNNING && s.cur != s.idle {
		return
	}
	if s.cur == s.idle && s.cur.State == T_RUNNING {
		s.cur.State = T_READY
	}
	s._switch(s._pick())
}

func (s *Sched_t) Schedule() {
	s.Lock()
	s._schedule()
	s.Unlock()
}

// Tick is called every timer interrupt.
func (s *Sched_t) Tick() {
	s.Lock()
	defer s.Unlock()
	s.ticks++
	s.Stats.Ticks.Inc()
	now := s.hw.Now_ms()
	for _, t := range s.timed {
		if t.Waketime != 0 && now >= t.Waketime {
			t.timedout = t.State == T_BLOCKED
			if t.timedout {
				s.Stats.Timeouts.Inc()
			}
			s._wake(t)
		}
	}
	cur := s.cur
	if s.ticks%s.Period == 0 {
		cur.Sched.Slice -= s.Period
		cur.Sched.Vruntime += uint64(s.Period * 1024 / cur.Sched.Weight)
		cur.Accnt.Charge(cur.Kind == K_USER, s.Period)
		if cur.Sched.Slice <= 0 {
			cur.Sched.Slice = Slices[cur.Prio]
			if cur != s.idle {
				s._ready(cur)
				s.Stats.Preempts.Inc()
			}
			s.cur.State = T_READY
			s._switch(s._pick())
			return
		}
	}
	if cur == s.idle {
		s._schedule()
	}
}

func (s *Sched_t) Ticks() int {
	s.Lock()
	defer s.Unlock()
	return s.ticks
}

// Yield moves the running thread to the tail of its class.
func (s *Sched_t) Yield() {
	s.Lock()
	defer s.Unlock()
	if s.cur != s.idle {
		s._ready(s.cur)
	}
	s.cur.State = T_READY
	s._switch(s._pick())
}

// Block parks tid. The thread waits on wq if it is not nil and is woken
// with a timeout at deadline (absolute ms) if deadline is not zero. A
// running thread gives up the cpu.
func (s *Sched_t) Block(tid defs.Tid_t, why Wait_t, wq *Waitq_t, deadline uint64) defs.Err_t {
	s.Lock()
	defer s.Unlock()
	t, ok := s.threads.Get(tid)
	if !ok || t.State == T_ZOMBIE || t.State == T_DEAD {
		return -defs.ENOTHREAD
	}
	if t == s.idle {
		panic("idle blocks")
	}
	switch t.State {
	case T_READY:
		s._unready(t)
	case T_BLOCKED, T_SLEEPING:
		s._unwait(t)
	}
	t.State = T_BLOCKED
	if why == W_TIMER {
		t.State = T_SLEEPING
	}
	t.Wait = why
	t.Waketime = deadline
	t.timedout = false
	if deadline != 0 {
		s.timed[t.Tid] = t
	}
	if wq != nil {
		wq.tids = append(wq.tids, t)
		t.waitq = wq
	}
	if t == s.cur {
		s._switch(s._pick())
	}
	return 0
}

// Sleep_ms puts tid to sleep for ms milliseconds.
func (s *Sched_t) Sleep_ms(tid defs.Tid_t, ms int) defs.Err_t {
	if ms < 0 {
		return -defs.EINVAL
	}
	return s.Block(tid, W_TIMER, nil, s.hw.Now_ms()+uint64(ms))
}

func (s *Sched_t) _unwait(t *Tcb_t) {
	delete(s.timed, t.Tid)
	if wq := t.waitq; wq != nil {
		for i, o := range wq.tids {
			if o == t {
				wq.tids = append(wq.tids[:i:i], wq.tids[i+1:]...)
				break
			}
		}
		t.waitq = nil
	}
	t.Waketime = 0
}

func (s *Sched_t) _wake(t *Tcb_t) bool {
	if t.State != T_BLOCKED && t.State != T_SLEEPING {
		return false
	}
	s._unwait(t)
	s._ready(t)
	return true
}

// Wake makes a blocked or sleeping thread ready at the tail of its class.
func (s *Sched_t) Wake(tid defs.Tid_t) bool {
	s.Lock()
	defer s.Unlock()
	t, ok := s.threads.Get(tid)
	if !ok {
		return false
	}
	t.timedout = false
	return s._wake(t)
}

// Wakeresult reports how tid's last block ended: ETIMEDOUT if its deadline
// passed, 0 otherwise. The result is consumed.
func (s *Sched_t) Wakeresult(tid defs.Tid_t) defs.Err_t {
	s.Lock()
	defer s.Unlock()
	t, ok := s.threads.Get(tid)
	if !ok {
		return -defs.ENOTHREAD
	}
	if t.timedout {
		t.timedout = false
		return -defs.ETIMEDOUT
	}
	return 0
}

// Exit_thread makes tid a zombie. Its control block stays until
// Reap_thread.
func (s *Sched_t) Exit_thread(tid defs.Tid_t) defs.Err_t {
	s.Lock()
	defer s.Unlock()
	t, ok := s.threads.Get(tid)
	if !ok || t == s.idle {
		return -defs.ENOTHREAD
	}
	switch t.State {
	case T_ZOMBIE, T_DEAD:
		return 0
	case T_READY:
		s._unready(t)
	case T_BLOCKED, T_SLEEPING:
		s._unwait(t)
	}
	t.State = T_ZOMBIE
	if t == s.cur {
		s._switch(s._pick())
	}
	return 0
}

// Reap_thread releases a zombie thread's kernel stack and forgets it.
func (s *Sched_t) Reap_thread(tid defs.Tid_t) (*Tcb_t, defs.Err_t) {
	s.Lock()
	t, ok := s.threads.Get(tid)
	if !ok || t.State != T_ZOMBIE {
		s.Unlock()
		return nil, -defs.ENOTHREAD
	}
	t.State = T_DEAD
	s.threads.Del(tid)
	s.Unlock()
	if s.kas != nil && t.Kstack.Size != 0 {
		s.kas.Free_region(t.Kstack.Start)
	}
	return t, 0
}

// Stop parks a runnable thread without a wait queue; used for SIGSTOP.
func (s *Sched_t) Stop(tid defs.Tid_t) defs.Err_t {
	return s.Block(tid, W_NONE, nil, 0)
}

func (s *Sched_t) Set_priority(tid defs.Tid_t, prio Prio_t) defs.Err_t {
	if prio <= P_IDLE || prio >= NPRIO {
		return -defs.EINVAL
	}
	s.Lock()
	defer s.Unlock()
	t, ok := s.threads.Get(tid)
	if !ok || t == s.idle {
		return -defs.ENOTHREAD
	}
	if t.State == T_READY {
		s._unready(t)
		t.Prio = prio
		s.ready[prio] = append(s.ready[prio], t)
	} else {
		t.Prio = prio
	}
	t.Sched.Weight = Slices[prio]
	t.Sched.Slice = Slices[prio]
	return 0
}

func (s *Sched_t) Set_affinity(tid defs.Tid_t, mask uint64) defs.Err_t {
	if mask&(1<<mem.NCPU-1) == 0 {
		return -defs.EINVAL
	}
	s.Lock()
	defer s.Unlock()
	t, ok := s.threads.Get(tid)
	if !ok {
		return -defs.ENOTHREAD
	}
	t.Affinity = mask
	return 0
}

// Set_root changes the page-table root of tid, installing it if tid runs.
func (s *Sched_t) Set_root(tid defs.Tid_t, root mem.Pa_t) defs.Err_t {
	s.Lock()
	defer s.Unlock()
	t, ok := s.threads.Get(tid)
	if !ok {
		return -defs.ENOTHREAD
	}
	t.Root = root
	if t == s.cur && root != s.cr3 {
		s.hw.Lcr3(hw.Pa_t(root))
		s.cr3 = root
		s.Stats.Lcr3s.Inc()
	}
	return 0
}

// Nready returns the number of ready threads in class p.
func (s *Sched_t) Nready(p Prio_t) int {
	s.Lock()
	defer s.Unlock()
	return len(s.ready[p])
}

// Threads returns the tids of every thread of pid.
func (s *Sched_t) Threads(pid defs.Pid_t) []defs.Tid_t {
	var ret []defs.Tid_t
	s.threads.Iter(func(tid defs.Tid_t, t *Tcb_t) bool {
		if t.Pid == pid && t != s.idle {
			ret = append(ret, tid)
		}
		return false
	})
	return ret
}

func (s *Sched_t) Idle() *Tcb_t {
	return s.idle
}
