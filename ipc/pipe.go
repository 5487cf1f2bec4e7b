package ipc

import "sync"

import "kcore/circbuf"
import "kcore/defs"
import "kcore/fdops"
import "kcore/mem"

const PIPESZ = mem.PGSIZE

type Pipe_t struct {
	sync.Mutex
	ipc     *Ipc_t
	id      int
	owner   defs.Pid_t
	cbuf    circbuf.Circbuf_t
	readers int
	writers int
	// last process to open each end
	Rpid    defs.Pid_t
	Wpid    defs.Pid_t
	closed  bool
	pollers *fdops.Pollers_t
}

func (o *Pipe_t) Id() int {
	return o.id
}

func (o *Pipe_t) Kind() Kind_t {
	return K_PIPE
}

func (o *Pipe_t) Owner() defs.Pid_t {
	return o.owner
}

// pipes are released when their last descriptor is closed
func (o *Pipe_t) release(defs.Pid_t) {
}

// Mkpipe creates a pipe and returns its read and write ends.
func (ipc *Ipc_t) Mkpipe(pid defs.Pid_t) (*Pipefops_t, *Pipefops_t, defs.Err_t) {
	id, err := ipc._newid()
	if err != 0 {
		return nil, nil, err
	}
	pp := &Pipe_t{ipc: ipc, id: id, owner: pid, Rpid: pid, Wpid: pid}
	pp.cbuf.Cb_init(PIPESZ, ipc.phys)
	pp.readers, pp.writers = 1, 1
	pp.pollers = fdops.Mkpollers(ipc.s)
	ipc._insert(pp)
	ipc.Stats.Pipes.Inc()
	rops := &Pipefops_t{pipe: pp, writer: false}
	wops := &Pipefops_t{pipe: pp, writer: true}
	return rops, wops, 0
}

func (o *Pipe_t) op_write(tid defs.Tid_t, src fdops.Userio_i, noblock bool) (int, defs.Err_t) {
	o.Lock()
	defer o.Unlock()
	if o.closed {
		return 0, -defs.EBADF
	}
	if o.readers == 0 {
		return 0, -defs.EPIPE
	}
	if src.Remain() == 0 {
		return 0, 0
	}
	if o.cbuf.Full() {
		if noblock {
			return 0, -defs.EWOULDBLOCK
		}
		return 0, o.pollers.Addpoller(tid, fdops.R_WRITE, 0)
	}
	ret, err := o.cbuf.Copyin(src)
	if ret != 0 {
		o.ipc.Stats.Pipebytes.Add(int64(ret))
		o.pollers.Wakeready(fdops.R_READ)
	}
	return ret, err
}

func (o *Pipe_t) op_read(tid defs.Tid_t, dst fdops.Userio_i, noblock bool) (int, defs.Err_t) {
	o.Lock()
	defer o.Unlock()
	if o.closed {
		return 0, -defs.EBADF
	}
	if o.cbuf.Empty() {
		if o.writers == 0 {
			return 0, 0
		}
		if noblock {
			return 0, -defs.EWOULDBLOCK
		}
		return 0, o.pollers.Addpoller(tid, fdops.R_READ, 0)
	}
	ret, err := o.cbuf.Copyout(dst)
	if ret != 0 {
		o.pollers.Wakeready(fdops.R_WRITE)
	}
	return ret, err
}

func (o *Pipe_t) op_poll(events fdops.Ready_t) fdops.Ready_t {
	o.Lock()
	defer o.Unlock()
	if o.closed {
		return 0
	}
	var r fdops.Ready_t
	readable := !o.cbuf.Empty() || o.writers == 0
	writeable := !o.cbuf.Full() || o.readers == 0
	if events&fdops.R_READ != 0 && readable {
		r |= fdops.R_READ
	}
	if events&fdops.R_HUP != 0 && o.writers == 0 {
		r |= fdops.R_HUP
	} else if events&fdops.R_WRITE != 0 && writeable {
		r |= fdops.R_WRITE
	}
	if events&fdops.R_ERROR != 0 && o.readers == 0 {
		r |= fdops.R_ERROR
	}
	return r
}

func (o *Pipe_t) op_reopen(rd, wd int) defs.Err_t {
	o.Lock()
	defer o.Unlock()
	if o.closed {
		return -defs.EBADF
	}
	o.readers += rd
	o.writers += wd
	// XXXPANIC
	if o.readers < 0 || o.writers < 0 {
		panic("pipe end count underflow")
	}
	if o.writers == 0 {
		o.pollers.Wakeready(fdops.R_HUP)
	}
	if o.readers == 0 {
		o.pollers.Wakeready(fdops.R_ERROR)
	}
	if o.readers == 0 && o.writers == 0 {
		o.closed = true
		o.cbuf.Cb_release()
		o.ipc._destroy(o)
	}
	return 0
}

// Used returns the number of buffered bytes.
func (o *Pipe_t) Used() int {
	o.Lock()
	defer o.Unlock()
	return o.cbuf.Used()
}

// Pipefops_t is one end of a pipe as seen through a file descriptor.
type Pipefops_t struct {
	pipe    *Pipe_t
	Options defs.Fdopt_t
	writer  bool
}

func (of *Pipefops_t) Pipe() *Pipe_t {
	return of.pipe
}

func (of *Pipefops_t) Close() defs.Err_t {
	if of.writer {
		return of.pipe.op_reopen(0, -1)
	}
	return of.pipe.op_reopen(-1, 0)
}

func (of *Pipefops_t) Reopen() defs.Err_t {
	if of.writer {
		return of.pipe.op_reopen(0, 1)
	}
	return of.pipe.op_reopen(1, 0)
}

// Setowner records pid as the process holding this end.
func (of *Pipefops_t) Setowner(pid defs.Pid_t) {
	of.pipe.Lock()
	if of.writer {
		of.pipe.Wpid = pid
	} else {
		of.pipe.Rpid = pid
	}
	of.pipe.Unlock()
}

func (of *Pipefops_t) Read(tid defs.Tid_t, dst fdops.Userio_i) (int, defs.Err_t) {
	if of.writer {
		return 0, -defs.EBADF
	}
	noblk := of.Options&defs.O_NONBLOCK != 0
	return of.pipe.op_read(tid, dst, noblk)
}

// Write copies as much of src as fits. A writer that finds the pipe full
// is parked; a write to a pipe without readers fails with EPIPE and the
// caller raises SIGPIPE.
func (of *Pipefops_t) Write(tid defs.Tid_t, src fdops.Userio_i) (int, defs.Err_t) {
	if !of.writer {
		return 0, -defs.EBADF
	}
	noblk := of.Options&defs.O_NONBLOCK != 0
	return of.pipe.op_write(tid, src, noblk)
}

func (of *Pipefops_t) Pollone(events fdops.Ready_t) fdops.Ready_t {
	if of.writer {
		events &^= fdops.R_READ
	} else {
		events &^= fdops.R_WRITE
	}
	return of.pipe.op_poll(events)
}
