package ipc

import "bytes"
import "testing"

import "kcore/defs"
import "kcore/fdops"
import "kcore/hw"
import "kcore/limits"
import "kcore/mem"
import "kcore/sched"
import "kcore/vm"

type env_t struct {
	ipc  *Ipc_t
	s    *sched.Sched_t
	vmm  *vm.Vmm_t
	phys *mem.Physmem_t
}

func mkenv(t *testing.T) *env_t {
	mm := []mem.Memmap_t{{Start: 0x100000, End: 0x2000000, Kind: mem.MEM_USABLE}}
	phys, err := mem.Phys_init(mm)
	if err != 0 {
		t.Fatalf("phys_init: %v", err)
	}
	t.Cleanup(phys.Close)
	sim := hw.Mksim(1)
	vmm, err := vm.Mkvmm(phys, sim, vm.Vmcfg_t{})
	if err != 0 {
		t.Fatalf("mkvmm: %v", err)
	}
	s := sched.Mksched(sim, nil, 10)
	return &env_t{ipc: Mkipc(vmm, phys, s, sim), s: s, vmm: vmm, phys: phys}
}

func (e *env_t) thread(t *testing.T, pid defs.Pid_t) defs.Tid_t {
	th, err := e.s.Spawn(pid, sched.K_USER, sched.P_NORMAL, 0, 0x10000000,
		0x80000000)
	if err != 0 {
		t.Fatalf("spawn: %v", err)
	}
	return th.Tid
}

func (e *env_t) state(tid defs.Tid_t) sched.Tstate_t {
	th, _ := e.s.Lookup(tid)
	return th.State
}

func (e *env_t) freeframes() int {
	n := 0
	for _, z := range e.phys.Zone_stats() {
		n += z.Free
	}
	return n
}

func ubuf(b []uint8) fdops.Userio_i {
	return vm.Mkfakeubuf(b)
}

func TestPipe(t *testing.T) {
	e := mkenv(t)
	left := limits.Syslimit.Ipcobjs.Left()
	r, w, err := e.ipc.Mkpipe(1)
	if err != 0 {
		t.Fatalf("mkpipe: %v", err)
	}
	if limits.Syslimit.Ipcobjs.Left() != left-1 || e.ipc.Nobjs() != 1 {
		t.Fatalf("pipe not counted")
	}
	tid := e.thread(t, 1)

	data := []uint8("hello, pipe")
	if n, err := w.Write(tid, ubuf(data)); n != len(data) || err != 0 {
		t.Fatalf("write %v %v", n, err)
	}
	if _, err := r.Write(tid, ubuf(data)); err != -defs.EBADF {
		t.Fatalf("write to read end: %v", err)
	}
	if r.Pollone(fdops.R_READ|fdops.R_WRITE) != fdops.R_READ {
		t.Fatalf("read end not readable")
	}
	out := make([]uint8, 64)
	n, err := r.Read(tid, ubuf(out))
	if n != len(data) || err != 0 || !bytes.Equal(out[:n], data) {
		t.Fatalf("read %v %v %q", n, err, out[:n])
	}

	// empty pipe with a writer: the reader parks
	if _, err := r.Read(tid, ubuf(out)); err != -defs.ERESTART {
		t.Fatalf("empty read: %v", err)
	}
	if e.state(tid) != sched.T_BLOCKED {
		t.Fatalf("reader not blocked: %v", e.state(tid))
	}
	wtid := e.thread(t, 1)
	w.Write(wtid, ubuf([]uint8("x")))
	if e.state(tid) != sched.T_READY {
		t.Fatalf("reader not woken")
	}
	if n, _ := r.Read(tid, ubuf(out)); n != 1 || out[0] != 'x' {
		t.Fatalf("reissued read %v", n)
	}

	// fill it; the next write parks
	big := make([]uint8, PIPESZ+100)
	if n, _ := w.Write(wtid, ubuf(big)); n != PIPESZ {
		t.Fatalf("fill wrote %v", n)
	}
	if _, err := w.Write(wtid, ubuf(big)); err != -defs.ERESTART {
		t.Fatalf("write to full pipe: %v", err)
	}
	r.Read(tid, ubuf(make([]uint8, 10)))
	if e.state(wtid) != sched.T_READY {
		t.Fatalf("writer not woken")
	}
	w.Options = defs.O_NONBLOCK
	w.Write(wtid, ubuf(big))
	if _, err := w.Write(wtid, ubuf(big)); err != -defs.EWOULDBLOCK {
		t.Fatalf("nonblocking write: %v", err)
	}

	// close the reader: writes fail with EPIPE
	if err := r.Close(); err != 0 {
		t.Fatalf("close: %v", err)
	}
	if _, err := w.Write(wtid, ubuf(data)); err != -defs.EPIPE {
		t.Fatalf("write without readers: %v", err)
	}
	if e.ipc.Nobjs() != 1 {
		t.Fatalf("pipe destroyed with a writer open")
	}
	w.Close()
	if e.ipc.Nobjs() != 0 || limits.Syslimit.Ipcobjs.Left() != left {
		t.Fatalf("pipe not destroyed")
	}
	if w.Reopen() != -defs.EBADF {
		t.Fatalf("reopen of dead pipe")
	}
}

func TestPipeEOF(t *testing.T) {
	e := mkenv(t)
	before := e.freeframes()
	r, w, _ := e.ipc.Mkpipe(1)
	tid := e.thread(t, 1)
	// a forked descriptor keeps the write end open
	w.Reopen()
	w.Write(tid, ubuf([]uint8("ab")))
	w.Close()
	out := make([]uint8, 8)
	if n, _ := r.Read(tid, ubuf(out)); n != 2 {
		t.Fatalf("read %v", n)
	}
	if _, err := r.Read(tid, ubuf(out)); err != -defs.ERESTART {
		t.Fatalf("read with a writer left: %v", err)
	}
	e.s.Wake(tid)
	w.Close()
	if r.Pollone(fdops.R_HUP) != fdops.R_HUP {
		t.Fatalf("no hangup")
	}
	if n, err := r.Read(tid, ubuf(out)); n != 0 || err != 0 {
		t.Fatalf("eof %v %v", n, err)
	}
	r.Close()
	if e.freeframes() != before {
		t.Fatalf("pipe buffer leaked")
	}
}

func TestShm(t *testing.T) {
	e := mkenv(t)
	before := e.freeframes()
	as1, _ := e.vmm.Mkas()
	as2, _ := e.vmm.Mkas()

	if _, err := e.ipc.Shm_create(1, limits.Syslimit.Shmsize+1, vm.PROT_R|vm.PROT_W); err != -defs.EINVAL {
		t.Fatalf("oversized segment: %v", err)
	}
	id, err := e.ipc.Shm_create(1, 3*mem.PGSIZE, vm.PROT_R|vm.PROT_W)
	if err != 0 {
		t.Fatalf("create: %v", err)
	}
	va1, err := e.ipc.Shm_attach(id, 1, as1)
	if err != 0 {
		t.Fatalf("attach: %v", err)
	}
	va2, err := e.ipc.Shm_attach(id, 2, as2)
	if err != 0 {
		t.Fatalf("attach 2: %v", err)
	}
	msg := []uint8("shared bytes")
	off := uintptr(mem.PGSIZE + 7)
	if err := as1.Copyout(va1+off, msg); err != 0 {
		t.Fatalf("write through first mapping: %v", err)
	}
	got := make([]uint8, len(msg))
	if err := as2.Copyin(got, va2+off); err != 0 || !bytes.Equal(got, msg) {
		t.Fatalf("read through second mapping: %v %q", err, got)
	}
	o, _ := e.ipc.Lookup(id)
	shm := o.(*Shm_t)
	if shm.Refcnt() != 2 {
		t.Fatalf("refcnt %v", shm.Refcnt())
	}

	// removal while attached: the segment stays until the last detach
	if e.ipc.Shm_remove(id, 2) != -defs.EPERM {
		t.Fatalf("non-owner removed segment")
	}
	if err := e.ipc.Shm_remove(id, 1); err != 0 {
		t.Fatalf("remove: %v", err)
	}
	if _, err := e.ipc.Shm_attach(id, 3, as1); err != -defs.EINVAL {
		t.Fatalf("attach after remove: %v", err)
	}
	if err := e.ipc.Shm_detach(1, as1, va1); err != 0 {
		t.Fatalf("detach: %v", err)
	}
	if err := as2.Copyin(got, va2+off); err != 0 || !bytes.Equal(got, msg) {
		t.Fatalf("segment gone before last detach")
	}
	if e.ipc.Shm_detach(1, as1, va1) != -defs.EINVAL {
		t.Fatalf("double detach")
	}
	e.ipc.Shm_detach(2, as2, va2)
	if _, ok := e.ipc.Lookup(id); ok {
		t.Fatalf("segment survived last detach")
	}
	as1.Teardown()
	as2.Teardown()
	if e.freeframes() != before {
		t.Fatalf("leaked %v frames", before-e.freeframes())
	}
}

func TestShmReadonly(t *testing.T) {
	e := mkenv(t)
	as, _ := e.vmm.Mkas()
	defer as.Teardown()
	id, _ := e.ipc.Shm_create(1, 100, vm.PROT_R)
	va, err := e.ipc.Shm_attach(id, 1, as)
	if err != 0 {
		t.Fatalf("attach: %v", err)
	}
	if err := as.Copyout(va, []uint8{1}); err == 0 {
		t.Fatalf("wrote to a read-only segment")
	}
	b := make([]uint8, 1)
	if err := as.Copyin(b, va); err != 0 || b[0] != 0 {
		t.Fatalf("segment not zeroed")
	}
}

func TestShmRelease(t *testing.T) {
	e := mkenv(t)
	before := e.freeframes()
	pas, _ := e.vmm.Mkas()
	cas, _ := e.vmm.Mkas()
	id, _ := e.ipc.Shm_create(1, mem.PGSIZE, vm.PROT_R|vm.PROT_W)
	va, _ := e.ipc.Shm_attach(id, 1, pas)
	if err := pas.Fork(cas); err != 0 {
		t.Fatalf("fork: %v", err)
	}
	e.ipc.Fork(1, 2, cas)
	o, _ := e.ipc.Lookup(id)
	if o.(*Shm_t).Refcnt() != 2 {
		t.Fatalf("child attachment not recorded")
	}
	// the child writes, the parent sees it
	cas.Copyout(va, []uint8{42})
	b := make([]uint8, 1)
	pas.Copyin(b, va)
	if b[0] != 42 {
		t.Fatalf("fork broke sharing")
	}
	e.ipc.Release(1)
	if _, ok := e.ipc.Lookup(id); !ok {
		t.Fatalf("segment gone while child attached")
	}
	e.ipc.Exec(2, cas)
	if _, ok := e.ipc.Lookup(id); ok {
		t.Fatalf("segment survived")
	}
	pas.Teardown()
	cas.Teardown()
	if e.freeframes() != before {
		t.Fatalf("leaked %v frames", before-e.freeframes())
	}
}

func TestMq(t *testing.T) {
	e := mkenv(t)
	if _, err := e.ipc.Mq_create(1, limits.Syslimit.Mqmsgs+1, 0); err != -defs.EINVAL {
		t.Fatalf("too many messages allowed: %v", err)
	}
	id, err := e.ipc.Mq_create(1, 2, 16)
	if err != 0 {
		t.Fatalf("create: %v", err)
	}
	tid := e.thread(t, 1)
	if e.ipc.Mq_send(tid, id, 1, make([]uint8, 17), 1, false) != -defs.EMSGSIZE {
		t.Fatalf("oversized message accepted")
	}
	if e.ipc.Mq_send(tid, id, 0, nil, 1, false) != -defs.EINVAL {
		t.Fatalf("type 0 accepted")
	}
	e.ipc.Mq_send(tid, id, 5, []uint8("five"), 1, false)
	e.ipc.Mq_send(tid, id, 7, []uint8("seven"), 1, false)
	if e.ipc.Mq_send(tid, id, 7, nil, 1, true) != -defs.EAGAIN {
		t.Fatalf("send to full queue did not fail")
	}
	stid := e.thread(t, 1)
	if e.ipc.Mq_send(stid, id, 9, nil, 1, false) != -defs.ERESTART {
		t.Fatalf("send to full queue did not park")
	}

	m, err := e.ipc.Mq_receive(tid, id, 7, false)
	if err != 0 || m.Type != 7 || string(m.Data) != "seven" || m.Sender != 1 {
		t.Fatalf("typed receive %+v %v", m, err)
	}
	if e.state(stid) != sched.T_READY {
		t.Fatalf("sender not woken")
	}
	if err := e.ipc.Mq_send(stid, id, 9, []uint8("nine"), 1, false); err != 0 {
		t.Fatalf("reissued send %v", err)
	}
	m, _ = e.ipc.Mq_receive(tid, id, 0, false)
	if m.Type != 5 {
		t.Fatalf("fifo order: got type %v", m.Type)
	}

	// a receiver filtering by type waits for that type only
	if _, err := e.ipc.Mq_receive(tid, id, 3, false); err != -defs.ERESTART {
		t.Fatalf("receive of absent type: %v", err)
	}
	e.ipc.Mq_send(stid, id, 3, []uint8("three"), 1, false)
	if e.state(tid) != sched.T_READY {
		t.Fatalf("receiver not woken")
	}
	if m, _ := e.ipc.Mq_receive(tid, id, 3, false); string(m.Data) != "three" {
		t.Fatalf("reissued receive %q", m.Data)
	}

	if e.ipc.Mq_remove(id, 2) != -defs.EPERM {
		t.Fatalf("non-owner removed queue")
	}
	e.ipc.Release(1)
	if _, err := e.ipc.Mq_receive(tid, id, 0, true); err != -defs.EINVAL {
		t.Fatalf("queue survived its owner: %v", err)
	}
}

func TestLimit(t *testing.T) {
	e := mkenv(t)
	n := int(limits.Syslimit.Ipcobjs.Left())
	var ids []int
	for i := 0; i < n; i++ {
		id, err := e.ipc.Mq_create(1, 1, 1)
		if err != 0 {
			t.Fatalf("create %v: %v", i, err)
		}
		ids = append(ids, id)
	}
	if _, err := e.ipc.Mq_create(1, 1, 1); err != -defs.ENOSPC {
		t.Fatalf("limit not enforced: %v", err)
	}
	if _, _, err := e.ipc.Mkpipe(1); err != -defs.ENOSPC {
		t.Fatalf("pipe over limit: %v", err)
	}
	for _, id := range ids {
		e.ipc.Mq_remove(id, 0)
	}
	if int(limits.Syslimit.Ipcobjs.Left()) != n {
		t.Fatalf("slots not returned")
	}
}
