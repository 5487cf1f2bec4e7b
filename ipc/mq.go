package ipc

import "sync"

import "kcore/defs"
import "kcore/limits"
import "kcore/sched"

type Msg_t struct {
	// positive; receivers ask for a type or for any (0)
	Type   int
	Data   []uint8
	Sender defs.Pid_t
	Time   uint64
}

// Mq_t is a bounded FIFO of typed messages. Senders wait while it is full
// and receivers wait until a message of their type arrives.
type Mq_t struct {
	sync.Mutex
	ipc     *Ipc_t
	id      int
	owner   defs.Pid_t
	Maxmsgs int
	Maxsize int
	msgs    []Msg_t
	rwait   *sched.Waitq_t
	wwait   *sched.Waitq_t
	dead    bool
}

func (o *Mq_t) Id() int {
	return o.id
}

func (o *Mq_t) Kind() Kind_t {
	return K_MQ
}

func (o *Mq_t) Owner() defs.Pid_t {
	return o.owner
}

func (o *Mq_t) release(pid defs.Pid_t) {
	if pid == o.owner {
		o.remove()
	}
}

func (o *Mq_t) Len() int {
	o.Lock()
	defer o.Unlock()
	return len(o.msgs)
}

// _find returns the index of the first message of type typ, any type if
// typ is 0.
func (o *Mq_t) _find(typ int) int {
	for i := range o.msgs {
		if typ == 0 || o.msgs[i].Type == typ {
			return i
		}
	}
	return -1
}

func (o *Mq_t) remove() {
	o.Lock()
	defer o.Unlock()
	if o.dead {
		return
	}
	o.dead = true
	o.msgs = nil
	// waiters re-issue and find the queue gone
	o.rwait.Wake_all()
	o.wwait.Wake_all()
	o.ipc._destroy(o)
}

// Mq_create makes a queue holding at most maxmsgs messages of at most
// maxsize bytes each. Zero selects the system maximum.
func (ipc *Ipc_t) Mq_create(pid defs.Pid_t, maxmsgs, maxsize int) (int, defs.Err_t) {
	lim := limits.Syslimit
	if maxmsgs == 0 {
		maxmsgs = lim.Mqmsgs
	}
	if maxsize == 0 {
		maxsize = lim.Mqmsgsize
	}
	if maxmsgs < 0 || maxmsgs > lim.Mqmsgs || maxsize < 0 ||
		maxsize > lim.Mqmsgsize {
		return 0, -defs.EINVAL
	}
	id, err := ipc._newid()
	if err != 0 {
		return 0, err
	}
	o := &Mq_t{ipc: ipc, id: id, owner: pid, Maxmsgs: maxmsgs,
		Maxsize: maxsize, rwait: ipc.s.Mkwaitq(), wwait: ipc.s.Mkwaitq()}
	ipc._insert(o)
	ipc.Stats.Mqs.Inc()
	return id, 0
}

func (ipc *Ipc_t) _mq(id int) (*Mq_t, defs.Err_t) {
	o, ok := ipc.objs.Get(id)
	if !ok {
		return nil, -defs.EINVAL
	}
	mq, ok := o.(*Mq_t)
	if !ok {
		return nil, -defs.EINVAL
	}
	return mq, 0
}

// Mq_send appends a copy of data. When the queue is full tid is parked and
// -defs.ERESTART returned, or -defs.EAGAIN if noblk is set.
func (ipc *Ipc_t) Mq_send(tid defs.Tid_t, id int, typ int, data []uint8,
	sender defs.Pid_t, noblk bool) defs.Err_t {
	if typ <= 0 {
		return -defs.EINVAL
	}
	o, err := ipc._mq(id)
	if err != 0 {
		return err
	}
	o.Lock()
	defer o.Unlock()
	if o.dead {
		return -defs.EINVAL
	}
	if len(data) > o.Maxsize {
		return -defs.EMSGSIZE
	}
	if len(o.msgs) >= o.Maxmsgs {
		if noblk {
			return -defs.EAGAIN
		}
		if err := o.wwait.Wait(tid, sched.W_IO, 0); err != 0 {
			return err
		}
		return -defs.ERESTART
	}
	m := Msg_t{Type: typ, Data: append([]uint8(nil), data...),
		Sender: sender, Time: ipc.hw.Now_ms()}
	o.msgs = append(o.msgs, m)
	ipc.Stats.Msgs.Inc()
	// receivers filter by type; let each check
	o.rwait.Wake_all()
	return 0
}

// Mq_receive pops the oldest message of type typ, or the oldest message if
// typ is 0. When there is none tid is parked and -defs.ERESTART returned,
// or -defs.EAGAIN if noblk is set.
func (ipc *Ipc_t) Mq_receive(tid defs.Tid_t, id int, typ int, noblk bool) (Msg_t, defs.Err_t) {
	var zm Msg_t
	if typ < 0 {
		return zm, -defs.EINVAL
	}
	o, err := ipc._mq(id)
	if err != 0 {
		return zm, err
	}
	o.Lock()
	defer o.Unlock()
	if o.dead {
		return zm, -defs.EINVAL
	}
	i := o._find(typ)
	if i < 0 {
		if noblk {
			return zm, -defs.EAGAIN
		}
		if err := o.rwait.Wait(tid, sched.W_IO, 0); err != 0 {
			return zm, err
		}
		return zm, -defs.ERESTART
	}
	m := o.msgs[i]
	o.msgs = append(o.msgs[:i:i], o.msgs[i+1:]...)
	o.wwait.Wake_one()
	return m, 0
}

// Mq_remove destroys the queue and its messages. Only the creator may
// remove it; pid 0 is the kernel.
func (ipc *Ipc_t) Mq_remove(id int, pid defs.Pid_t) defs.Err_t {
	o, err := ipc._mq(id)
	if err != 0 {
		return err
	}
	if pid != o.owner && pid != 0 {
		return -defs.EPERM
	}
	o.remove()
	return 0
}
