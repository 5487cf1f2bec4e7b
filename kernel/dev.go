package kernel

import "io"
import "sync"

import "kcore/circbuf"
import "kcore/defs"
import "kcore/fdops"
import "kcore/mem"

// Console_t is the system console. There is no input device; output is
// kept in a ring that overwrites its oldest bytes and is copied to Out when
// it is set.
type Console_t struct {
	sync.Mutex
	ring circbuf.Circbuf_t
	refs int
	Out  io.Writer
}

func mkconsole(sz int, phys *mem.Physmem_t) (*Console_t, defs.Err_t) {
	c := &Console_t{}
	if err := c.ring.Cb_init(sz, phys); err != 0 {
		return nil, err
	}
	return c, 0
}

func (c *Console_t) release() {
	c.Lock()
	c.ring.Cb_release()
	c.Unlock()
}

func (c *Console_t) Close() defs.Err_t {
	c.Lock()
	defer c.Unlock()
	if c.refs <= 0 {
		panic("console refs")
	}
	c.refs--
	return 0
}

func (c *Console_t) Reopen() defs.Err_t {
	c.Lock()
	c.refs++
	c.Unlock()
	return 0
}

func (c *Console_t) Read(tid defs.Tid_t, dst fdops.Userio_i) (int, defs.Err_t) {
	return 0, 0
}

func (c *Console_t) Write(tid defs.Tid_t, src fdops.Userio_i) (int, defs.Err_t) {
	buf := make([]uint8, src.Remain())
	n, err := src.Uioread(buf)
	if err != 0 {
		return 0, err
	}
	buf = buf[:n]
	if c.Out != nil {
		c.Out.Write(buf)
	}
	c.Lock()
	defer c.Unlock()
	if err := c.ring.Cb_ensure(); err != 0 {
		return 0, err
	}
	keep := buf
	if sz := c.ring.Bufsz(); len(keep) > sz {
		keep = keep[len(keep)-sz:]
	}
	if over := len(keep) - c.ring.Left(); over > 0 {
		c.ring.Advtail(over)
	}
	d1, d2 := c.ring.Rawwrite(0, len(keep))
	c1 := copy(d1, keep)
	copy(d2, keep[c1:])
	c.ring.Advhead(len(keep))
	return n, 0
}

func (c *Console_t) Pollone(events fdops.Ready_t) fdops.Ready_t {
	return events & fdops.R_WRITE
}

// Output returns the retained console output.
func (c *Console_t) Output() string {
	c.Lock()
	defer c.Unlock()
	if c.ring.Buf == nil {
		return ""
	}
	s1, s2 := c.ring.Rawread(0)
	return string(s1) + string(s2)
}

// Devnull_t discards writes and reads as end of file.
type Devnull_t struct{}

func (d *Devnull_t) Close() defs.Err_t {
	return 0
}

func (d *Devnull_t) Reopen() defs.Err_t {
	return 0
}

func (d *Devnull_t) Read(tid defs.Tid_t, dst fdops.Userio_i) (int, defs.Err_t) {
	return 0, 0
}

func (d *Devnull_t) Write(tid defs.Tid_t, src fdops.Userio_i) (int, defs.Err_t) {
	return src.Remain(), 0
}

func (d *Devnull_t) Pollone(events fdops.Ready_t) fdops.Ready_t {
	return events & (fdops.R_READ | fdops.R_WRITE)
}

// Devzero_t reads as an endless run of zero bytes.
type Devzero_t struct {
	Devnull_t
}

var zeropg [mem.PGSIZE]uint8

func (d *Devzero_t) Read(tid defs.Tid_t, dst fdops.Userio_i) (int, defs.Err_t) {
	tot := 0
	for dst.Remain() > 0 {
		n := min(dst.Remain(), len(zeropg))
		c, err := dst.Uiowrite(zeropg[:n])
		tot += c
		if err != 0 {
			return tot, err
		}
		if c == 0 {
			break
		}
	}
	return tot, 0
}

// mkdev returns the file object for device d.
func (k *Kernel_t) mkdev(d defs.Mkdev_t) (fdops.Fdops_i, defs.Err_t) {
	switch d {
	case defs.D_CONSOLE:
		k.Cons.Reopen()
		return k.Cons, 0
	case defs.D_DEVNULL:
		return &Devnull_t{}, 0
	case defs.D_DEVZERO:
		return &Devzero_t{}, 0
	}
	return nil, -defs.ENODEV
}
