package ipc

import "sync"

import "kcore/defs"
import "kcore/limits"
import "kcore/mem"
import "kcore/util"
import "kcore/vm"

type attach_t struct {
	pid defs.Pid_t
	as  *vm.Vm_t
	va  uintptr
}

// Shm_t is a shared memory segment. The segment holds one reference on each
// of its frames and every attachment holds another, so a frame is freed
// only after the segment is destroyed and every mapping is gone.
type Shm_t struct {
	sync.Mutex
	ipc      *Ipc_t
	id       int
	owner    defs.Pid_t
	Size     int
	Perm     vm.Prot_t
	frames   []mem.Pa_t
	attached []attach_t
	removed  bool
	used     bool
	dead     bool
	Ctime    uint64
	Atime    uint64
}

func (o *Shm_t) Id() int {
	return o.id
}

func (o *Shm_t) Kind() Kind_t {
	return K_SHM
}

func (o *Shm_t) Owner() defs.Pid_t {
	return o.owner
}

// Refcnt returns the number of attachments.
func (o *Shm_t) Refcnt() int {
	o.Lock()
	defer o.Unlock()
	return len(o.attached)
}

func (o *Shm_t) release(pid defs.Pid_t) {
	o.Lock()
	defer o.Unlock()
	o._detachall(pid, nil)
	if pid == o.owner {
		o.removed = true
	}
	o._reclaim()
}

func (o *Shm_t) detachall(pid defs.Pid_t, as *vm.Vm_t) {
	o.Lock()
	defer o.Unlock()
	o._detachall(pid, as)
	o._reclaim()
}

// _detachall unmaps pid's attachments, only those in as if it is not nil.
func (o *Shm_t) _detachall(pid defs.Pid_t, as *vm.Vm_t) {
	for i := 0; i < len(o.attached); {
		a := o.attached[i]
		if a.pid != pid || (as != nil && a.as != as) {
			i++
			continue
		}
		a.as.Free_region(a.va)
		o.attached = append(o.attached[:i:i], o.attached[i+1:]...)
	}
}

// _reclaim destroys the segment once it is marked for removal, or has been
// attached at least once, and no attachment is left.
func (o *Shm_t) _reclaim() {
	if o.dead || len(o.attached) != 0 || (!o.removed && !o.used) {
		return
	}
	o.dead = true
	for _, pa := range o.frames {
		if o.ipc.vmm.Cow.Refdown(pa) {
			o.ipc.phys.Free_frame(pa)
		}
	}
	o.frames = nil
	o.ipc._destroy(o)
}

// Shm_create makes a zero filled segment of size bytes, rounded up to whole
// pages. perm is the protection attachments receive.
func (ipc *Ipc_t) Shm_create(pid defs.Pid_t, size int, perm vm.Prot_t) (int, defs.Err_t) {
	if size <= 0 || size > limits.Syslimit.Shmsize {
		return 0, -defs.EINVAL
	}
	if perm&vm.PROT_R == 0 || perm&^(vm.PROT_R|vm.PROT_W|vm.PROT_X) != 0 {
		return 0, -defs.EINVAL
	}
	id, err := ipc._newid()
	if err != 0 {
		return 0, err
	}
	sz := util.Roundup(size, mem.PGSIZE)
	o := &Shm_t{ipc: ipc, id: id, owner: pid, Size: sz, Perm: perm,
		Ctime: ipc.hw.Now_ms()}
	for i := 0; i < sz/mem.PGSIZE; i++ {
		pa, err := ipc.phys.Alloc_frame()
		if err != 0 {
			for _, f := range o.frames {
				ipc.phys.Free_frame(f)
			}
			limits.Syslimit.Ipcobjs.Give()
			return 0, err
		}
		ipc.phys.Zero(pa)
		o.frames = append(o.frames, pa)
	}
	ipc._insert(o)
	ipc.Stats.Shms.Inc()
	return id, 0
}

func (ipc *Ipc_t) _shm(id int) (*Shm_t, defs.Err_t) {
	o, ok := ipc.objs.Get(id)
	if !ok {
		return nil, -defs.EINVAL
	}
	shm, ok := o.(*Shm_t)
	if !ok {
		return nil, -defs.EINVAL
	}
	return shm, 0
}

// Shm_attach maps the segment into as and returns the address. The
// mapping's page table entries carry the segment's protection.
func (ipc *Ipc_t) Shm_attach(id int, pid defs.Pid_t, as *vm.Vm_t) (uintptr, defs.Err_t) {
	o, err := ipc._shm(id)
	if err != 0 {
		return 0, err
	}
	o.Lock()
	defer o.Unlock()
	if o.dead || o.removed {
		return 0, -defs.EINVAL
	}
	r, err := as.Map_shared(o.frames, o.Perm|vm.PROT_USER, id)
	if err != 0 {
		return 0, err
	}
	o.attached = append(o.attached, attach_t{pid: pid, as: as, va: r.Start})
	o.Atime = ipc.hw.Now_ms()
	o.used = true
	return r.Start, 0
}

// fork records that child inherited parent's attachments through a copy of
// its address space.
func (o *Shm_t) fork(parent, child defs.Pid_t, cas *vm.Vm_t) {
	o.Lock()
	defer o.Unlock()
	for _, a := range o.attached {
		if a.pid == parent {
			o.attached = append(o.attached, attach_t{pid: child, as: cas,
				va: a.va})
		}
	}
}

// Shm_detach unmaps the attachment at va. The segment is destroyed when its
// last attachment goes.
func (ipc *Ipc_t) Shm_detach(pid defs.Pid_t, as *vm.Vm_t, va uintptr) defs.Err_t {
	r, ok := as.Lookup(va)
	if !ok || r.Type != vm.R_SHARED || r.Start != va {
		return -defs.EINVAL
	}
	o, err := ipc._shm(r.Shmid)
	if err != 0 {
		return err
	}
	o.Lock()
	defer o.Unlock()
	for i, a := range o.attached {
		if a.as == as && a.va == va {
			as.Free_region(va)
			o.attached = append(o.attached[:i:i], o.attached[i+1:]...)
			o._reclaim()
			return 0
		}
	}
	return -defs.EINVAL
}

// Shm_remove marks the segment for deletion. Existing attachments stay
// valid; the segment goes away with the last of them.
func (ipc *Ipc_t) Shm_remove(id int, pid defs.Pid_t) defs.Err_t {
	o, err := ipc._shm(id)
	if err != 0 {
		return err
	}
	o.Lock()
	defer o.Unlock()
	if pid != o.owner && pid != 0 {
		return -defs.EPERM
	}
	o.removed = true
	o._reclaim()
	return 0
}
