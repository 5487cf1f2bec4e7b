package vm

import "fmt"
import "sync"

import "kcore/defs"

// Userbuf_t is a window [va, va+sz) of user memory consumed front to back
// by Uioread/Uiowrite. A transfer that faults part way leaves done at the
// last byte moved, so the operation can be restarted.
type Userbuf_t struct {
	as   *Vm_t
	va   uintptr
	sz   int
	done int
}

func (ub *Userbuf_t) Ub_init(as *Vm_t, uva uintptr, sz int) {
	// XXXPANIC
	if sz < 0 {
		panic("negative length")
	}
	if sz >= 1<<30 {
		fmt.Printf("vm: suspiciously large user buffer (%v)\n", sz)
	}
	*ub = Userbuf_t{as: as, va: uva, sz: sz}
}

func (ub *Userbuf_t) Remain() int {
	return ub.sz - ub.done
}

func (ub *Userbuf_t) Totalsz() int {
	return ub.sz
}

// user memory to buf
func (ub *Userbuf_t) Uioread(dst []uint8) (int, defs.Err_t) {
	return ub._xfer(dst, false)
}

// buf to user memory
func (ub *Userbuf_t) Uiowrite(src []uint8) (int, defs.Err_t) {
	return ub._xfer(src, true)
}

func (ub *Userbuf_t) _xfer(buf []uint8, k2u bool) (int, defs.Err_t) {
	if r := ub.Remain(); len(buf) > r {
		buf = buf[:r]
	}
	if len(buf) == 0 {
		return 0, 0
	}
	ub.as.RLock()
	ub.as.Lock_pmap()
	n, err := ub.as._utx(ub.va+uintptr(ub.done), buf, k2u)
	ub.as.Unlock_pmap()
	ub.as.RUnlock()
	ub.done += n
	return n, err
}

// Fakeubuf_t lets kernel memory stand in where a Userio_i is expected,
// e.g. console output produced inside the kernel.
type Fakeubuf_t struct {
	rest  []uint8
	total int
}

func Mkfakeubuf(buf []uint8) *Fakeubuf_t {
	return &Fakeubuf_t{rest: buf, total: len(buf)}
}

func (fb *Fakeubuf_t) Remain() int {
	return len(fb.rest)
}

func (fb *Fakeubuf_t) Totalsz() int {
	return fb.total
}

func (fb *Fakeubuf_t) Uioread(dst []uint8) (int, defs.Err_t) {
	c := copy(dst, fb.rest)
	fb.rest = fb.rest[c:]
	return c, 0
}

func (fb *Fakeubuf_t) Uiowrite(src []uint8) (int, defs.Err_t) {
	c := copy(fb.rest, src)
	fb.rest = fb.rest[c:]
	return c, 0
}

var Ubpool = sync.Pool{New: func() interface{} { return new(Userbuf_t) }}

// Mkuserbuf returns a pooled user buffer; release it with Ubpool.Put.
func (as *Vm_t) Mkuserbuf(uva uintptr, len int) *Userbuf_t {
	ub := Ubpool.Get().(*Userbuf_t)
	ub.Ub_init(as, uva, len)
	return ub
}
