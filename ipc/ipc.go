// Package ipc implements pipes, shared memory segments and message queues.
// Every object lives in one table keyed by a numeric id so that processes
// refer to objects by id and never own them directly.
package ipc

import "fmt"
import "sync/atomic"

import "kcore/defs"
import "kcore/hashtable"
import "kcore/hw"
import "kcore/limits"
import "kcore/mem"
import "kcore/sched"
import "kcore/stats"
import "kcore/vm"

type Kind_t int

const (
	K_PIPE Kind_t = iota
	K_SHM
	K_MQ
)

func (k Kind_t) String() string {
	switch k {
	case K_PIPE:
		return "pipe"
	case K_SHM:
		return "shm"
	case K_MQ:
		return "mq"
	}
	return "?"
}

// Obj_i is implemented by every object in the table.
type Obj_i interface {
	Id() int
	Kind() Kind_t
	Owner() defs.Pid_t
	// release is called when owner terminates
	release(pid defs.Pid_t)
}

type Ipcstats_t struct {
	Pipes     stats.Counter_t
	Shms      stats.Counter_t
	Mqs       stats.Counter_t
	Destroys  stats.Counter_t
	Limited   stats.Counter_t
	Pipebytes stats.Counter_t
	Msgs      stats.Counter_t
}

type Ipc_t struct {
	phys   *mem.Physmem_t
	vmm    *vm.Vmm_t
	s      *sched.Sched_t
	hw     hw.Hw_i
	objs   *hashtable.Hashtable_t[int, Obj_i]
	nextid int64
	Stats  Ipcstats_t
}

func Mkipc(vmm *vm.Vmm_t, phys *mem.Physmem_t, s *sched.Sched_t, h hw.Hw_i) *Ipc_t {
	return &Ipc_t{
		phys: phys,
		vmm:  vmm,
		s:    s,
		hw:   h,
		objs: hashtable.MkHash[int, Obj_i](64, hashtable.Hashint[int]),
	}
}

// _newid reserves an object slot against the system limit.
func (ipc *Ipc_t) _newid() (int, defs.Err_t) {
	if !limits.Syslimit.Ipcobjs.Take() {
		ipc.Stats.Limited.Inc()
		return 0, -defs.ENOSPC
	}
	return int(atomic.AddInt64(&ipc.nextid, 1)), 0
}

func (ipc *Ipc_t) _insert(o Obj_i) {
	if _, ok := ipc.objs.Set(o.Id(), o); !ok {
		panic("ipc id reused")
	}
}

// _destroy forgets o and returns its slot. idempotent.
func (ipc *Ipc_t) _destroy(o Obj_i) {
	if ipc.objs.Del(o.Id()) {
		ipc.Stats.Destroys.Inc()
		limits.Syslimit.Ipcobjs.Give()
	}
}

// Lookup returns the object with the given id.
func (ipc *Ipc_t) Lookup(id int) (Obj_i, bool) {
	return ipc.objs.Get(id)
}

func (ipc *Ipc_t) Nobjs() int {
	return ipc.objs.Size()
}

// Release drops everything pid holds: its shared memory attachments and
// the objects it created that are not reached through file descriptors.
// Pipes are released by closing their descriptors.
func (ipc *Ipc_t) Release(pid defs.Pid_t) {
	var objs []Obj_i
	ipc.objs.Iter(func(_ int, o Obj_i) bool {
		objs = append(objs, o)
		return false
	})
	for _, o := range objs {
		o.release(pid)
	}
}

func (ipc *Ipc_t) String() string {
	n := [3]int{}
	ipc.objs.Iter(func(_ int, o Obj_i) bool {
		n[o.Kind()]++
		return false
	})
	return fmt.Sprintf("ipc: %v pipes, %v shm, %v mq", n[K_PIPE], n[K_SHM],
		n[K_MQ])
}

// Fork copies parent's shared memory attachments to child, whose address
// space cas already maps them.
func (ipc *Ipc_t) Fork(parent, child defs.Pid_t, cas *vm.Vm_t) {
	ipc.objs.Iter(func(_ int, o Obj_i) bool {
		if shm, ok := o.(*Shm_t); ok {
			shm.fork(parent, child, cas)
		}
		return false
	})
}

// Exec detaches every segment pid has attached in old.
func (ipc *Ipc_t) Exec(pid defs.Pid_t, old *vm.Vm_t) {
	var segs []*Shm_t
	ipc.objs.Iter(func(_ int, o Obj_i) bool {
		if shm, ok := o.(*Shm_t); ok {
			segs = append(segs, shm)
		}
		return false
	})
	for _, shm := range segs {
		shm.detachall(pid, old)
	}
}
