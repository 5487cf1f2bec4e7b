package circbuf

import "kcore/defs"
import "kcore/fdops"
import "kcore/mem"

// a circular buffer that is read/written through Userio_i. not thread-safe;
// the owner (a pipe or a tcp connection) serializes access.
//
// the buffer lives in physical frames when a frame allocator is supplied and
// on the go heap otherwise. head and tail only grow; indexes are taken modulo
// bufsz.
type Circbuf_t struct {
	phys  *mem.Physmem_t
	Buf   []uint8
	bufsz int
	head  int
	tail  int
	pa    mem.Pa_t
	order int
}

func (cb *Circbuf_t) Bufsz() int {
	return cb.bufsz
}

// Cb_init sets the size of the buffer. the memory is allocated lazily by the
// first copy so that the error is reported to the reader or writer instead of
// to whoever created the object owning cb. when cb's life is over, someone
// must call Cb_release.
func (cb *Circbuf_t) Cb_init(sz int, phys *mem.Physmem_t) defs.Err_t {
	if sz <= 0 || (phys != nil && sz > mem.PGSIZE<<mem.MAXORDER) {
		return -defs.EINVAL
	}
	cb.phys = phys
	cb.bufsz = sz
	cb.head, cb.tail = 0, 0
	return 0
}

func (cb *Circbuf_t) Cb_release() {
	if cb.Buf == nil {
		return
	}
	if cb.phys != nil {
		if cb.order == 0 {
			cb.phys.Free_frame(cb.pa)
		} else if err := cb.phys.Free(cb.pa, mem.Zone_of(cb.pa), cb.order); err != 0 {
			// XXXPANIC
			panic("circbuf free")
		}
	}
	cb.pa = 0
	cb.order = 0
	cb.Buf = nil
	cb.head, cb.tail = 0, 0
}

var zones = []mem.Zone_t{mem.ZONE_NORMAL, mem.ZONE_HIGH, mem.ZONE_DMA}

func (cb *Circbuf_t) _alloc() defs.Err_t {
	pages := (cb.bufsz + mem.PGSIZE - 1) / mem.PGSIZE
	if pages == 1 {
		pa, err := cb.phys.Alloc_frame()
		if err != 0 {
			return err
		}
		cb.pa, cb.order = pa, 0
		cb.Buf = cb.phys.Dmap8(pa)[:cb.bufsz]
		return 0
	}
	err := defs.Err_t(-defs.ENOMEM)
	for _, z := range zones {
		var pa mem.Pa_t
		var order int
		pa, order, err = cb.phys.Alloc_contiguous(pages, z)
		if err == 0 {
			cb.pa, cb.order = pa, order
			cb.Buf = cb.phys.Dmaplen(pa, cb.bufsz)
			return 0
		}
	}
	return err
}

// Cb_ensure allocates the buffer if it has not been yet.
func (cb *Circbuf_t) Cb_ensure() defs.Err_t {
	if cb.Buf != nil {
		return 0
	}
	// XXXPANIC
	if cb.bufsz == 0 {
		panic("not initted")
	}
	if cb.phys == nil {
		cb.Buf = make([]uint8, cb.bufsz)
		return 0
	}
	return cb._alloc()
}

func (cb *Circbuf_t) Full() bool {
	return cb.head-cb.tail == cb.bufsz
}

func (cb *Circbuf_t) Empty() bool {
	return cb.head == cb.tail
}

func (cb *Circbuf_t) Left() int {
	return cb.bufsz - cb.Used()
}

func (cb *Circbuf_t) Used() int {
	return cb.head - cb.tail
}

// span returns the buffer bytes [off, off+n) of the infinite stream as at most
// two slices.
func (cb *Circbuf_t) span(off, n int) ([]uint8, []uint8) {
	if n == 0 {
		return nil, nil
	}
	i := off % cb.bufsz
	if i+n <= cb.bufsz {
		return cb.Buf[i : i+n], nil
	}
	return cb.Buf[i:], cb.Buf[:i+n-cb.bufsz]
}

// Copyin fills the free space of cb from src and returns the number of bytes
// copied.
func (cb *Circbuf_t) Copyin(src fdops.Userio_i) (int, defs.Err_t) {
	if err := cb.Cb_ensure(); err != 0 {
		return 0, err
	}
	if cb.Full() {
		return 0, 0
	}
	r1, r2 := cb.span(cb.head, cb.Left())
	c := 0
	for _, dst := range [][]uint8{r1, r2} {
		if len(dst) == 0 {
			break
		}
		wrote, err := src.Uioread(dst)
		c += wrote
		if err != 0 {
			cb.head += c
			return c, err
		}
		if wrote != len(dst) {
			break
		}
	}
	cb.head += c
	return c, 0
}

func (cb *Circbuf_t) Copyout(dst fdops.Userio_i) (int, defs.Err_t) {
	return cb.Copyout_n(dst, 0)
}

// Copyout_n copies at most max bytes (all of them if max is 0) to dst and
// consumes them.
func (cb *Circbuf_t) Copyout_n(dst fdops.Userio_i, max int) (int, defs.Err_t) {
	if err := cb.Cb_ensure(); err != 0 {
		return 0, err
	}
	if cb.Empty() {
		return 0, 0
	}
	n := cb.Used()
	if max != 0 && max < n {
		n = max
	}
	r1, r2 := cb.span(cb.tail, n)
	c := 0
	for _, src := range [][]uint8{r1, r2} {
		if len(src) == 0 {
			break
		}
		wrote, err := dst.Uiowrite(src)
		c += wrote
		if err != 0 {
			cb.tail += c
			return c, err
		}
		if wrote != len(src) {
			break
		}
	}
	cb.tail += c
	return c, 0
}

// Rawwrite returns slices referencing [head+offset, head+offset+sz) which
// must lie in the free space. the bytes become readable once Advhead moves
// head past them.
func (cb *Circbuf_t) Rawwrite(offset, sz int) ([]uint8, []uint8) {
	if cb.Buf == nil {
		panic("rawwrite before ensure")
	}
	if offset < 0 || offset+sz > cb.Left() {
		panic("intersects with user data")
	}
	return cb.span(cb.head+offset, sz)
}

// advances head index sz bytes (allowing the bytes to be copied out)
func (cb *Circbuf_t) Advhead(sz int) {
	if cb.Left() < sz {
		panic("advancing full cb")
	}
	cb.head += sz
}

// Rawread returns slices referencing [tail+offset, head) without consuming
// them.
func (cb *Circbuf_t) Rawread(offset int) ([]uint8, []uint8) {
	if cb.Buf == nil {
		panic("rawread before ensure")
	}
	if offset < 0 || offset > cb.Used() {
		panic("outside user data")
	}
	return cb.span(cb.tail+offset, cb.Used()-offset)
}

// advances tail index sz bytes, discarding them
func (cb *Circbuf_t) Advtail(sz int) {
	if cb.Used() < sz {
		panic("advancing empty cb")
	}
	cb.tail += sz
}
