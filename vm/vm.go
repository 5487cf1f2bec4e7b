package vm

import "fmt"

import "kcore/defs"
import "kcore/mem"

const PTE_P mem.Pa_t = 1 << 0
const PTE_W mem.Pa_t = 1 << 1
const PTE_U mem.Pa_t = 1 << 2
const PTE_PWT mem.Pa_t = 1 << 3
const PTE_PCD mem.Pa_t = 1 << 4
const PTE_A mem.Pa_t = 1 << 5
const PTE_D mem.Pa_t = 1 << 6
const PTE_PS mem.Pa_t = 1 << 7
const PTE_G mem.Pa_t = 1 << 8
const PTE_NX mem.Pa_t = 1 << 63

// our flags; bits 9-11 are ignored for all page map entries in long mode
const PTE_COW mem.Pa_t = 1 << 9

// a non-present entry with PTE_SWAP holds a swap slot in PTE_ADDR
const PTE_SWAP mem.Pa_t = 1 << 10

const PGSIZEW uintptr = uintptr(mem.PGSIZE)
const PGSHIFT uint = 12
const PGOFFSET mem.Pa_t = 0xfff
const PTE_ADDR mem.Pa_t = 0x000ffffffffff000
const PTE_FLAGS mem.Pa_t = PTE_P | PTE_W | PTE_U | PTE_PWT | PTE_PCD |
	PTE_A | PTE_D | PTE_COW | PTE_NX

// user address space layout
const (
	USERMIN   uintptr = 0x10000000
	USERMAX   uintptr = 0x80000000
	USERCODE  uintptr = 0x10000000
	USERDATA  uintptr = 0x20000000
	USERHEAP  uintptr = 0x30000000
	USERMMAP  uintptr = 0x40000000
	USERSTACK uintptr = USERMAX
	// 8MB default stack
	STACKSZ = 8 << 20
)

// kernel heap; only the kernel address space allocates here and every user
// pmap shares its pml4 slot.
const (
	KERNMIN uintptr = 0xffffc00000000000
	KERNMAX uintptr = KERNMIN + 64<<30
)

type Rtype_t int

const (
	R_KERNEL Rtype_t = iota
	R_KSTACK
	R_CODE
	R_DATA
	R_STACK
	R_HEAP
	R_DEVICE
	R_SHARED
	R_GUARD
	// private copy made by Create_cow_mapping of a region that was not
	// user memory of the parent (kernel-built templates)
	R_COW
)

var rtnames = [...]string{"kernel", "kstack", "code", "data", "stack",
	"heap", "device", "shared", "guard", "cow"}

func (t Rtype_t) String() string {
	if t < 0 || int(t) >= len(rtnames) {
		return "?"
	}
	return rtnames[t]
}

func (t Rtype_t) user() bool {
	switch t {
	case R_CODE, R_DATA, R_STACK, R_HEAP, R_SHARED:
		return true
	}
	return false
}

type Prot_t uint

const (
	PROT_R Prot_t = 1 << iota
	PROT_W
	PROT_X
	PROT_USER
	PROT_NOCACHE
	PROT_WT
	PROT_COW
	PROT_GUARD
)

func (p Prot_t) String() string {
	s := ""
	for i, c := range "rwxuncCg" {
		if p&(1<<uint(i)) != 0 {
			s += string(c)
		} else {
			s += "-"
		}
	}
	return s
}

// writable regions accept write faults, possibly after breaking COW
func (p Prot_t) writable() bool {
	return p&(PROT_W|PROT_COW) != 0
}

// pte returns the leaf entry flags for a page of a region with
// protection p.
func (p Prot_t) pte() mem.Pa_t {
	ret := PTE_P
	if p&PROT_W != 0 && p&PROT_COW == 0 {
		ret |= PTE_W
	}
	if p&PROT_USER != 0 {
		ret |= PTE_U
	}
	if p&PROT_X == 0 {
		ret |= PTE_NX
	}
	if p&PROT_NOCACHE != 0 {
		ret |= PTE_PCD
	}
	if p&PROT_WT != 0 {
		ret |= PTE_PWT
	}
	return ret
}

type Region_t struct {
	Start uintptr
	Size  int
	Type  Rtype_t
	Prot  Prot_t
	// frames were installed when the region was created; otherwise
	// pages appear on first touch
	Mapped bool
	// first backing frame for device and shared memory regions
	Frame  mem.Pa_t
	Refcnt int
	Aslr   uintptr
	// start of the region a guard page protects
	Guardof uintptr
	// shared memory segment id
	Shmid int
}

func (r *Region_t) End() uintptr {
	return r.Start + uintptr(r.Size)
}

func (r *Region_t) Contains(va uintptr) bool {
	return va >= r.Start && va < r.End()
}

func (r Region_t) String() string {
	return fmt.Sprintf("[%#x - %#x) %v %v", r.Start, r.End(), r.Type, r.Prot)
}

// the ordered set of regions of one address space
type Regions_t struct {
	rb Rbh_t
	n  int
}

func (m *Regions_t) insert(r *Region_t) defs.Err_t {
	if r.Size <= 0 || mem.Pa_t(r.Start)&PGOFFSET != 0 ||
		mem.Pa_t(r.Size)&PGOFFSET != 0 {
		panic("bad region")
	}
	if m.rb.overlaps(r.Start, r.End()) != nil {
		return -defs.EOVERLAP
	}
	m.rb._insert(r)
	m.n++
	return 0
}

func (m *Regions_t) Lookup(va uintptr) (*Region_t, bool) {
	n := m.rb.lookup(va)
	if n == nil {
		return nil, false
	}
	return &n.reg, true
}

func (m *Regions_t) remove(start uintptr) {
	n := m.rb.lookup(start)
	// XXXPANIC
	if n == nil || n.reg.Start != start {
		panic("remove of unknown region")
	}
	m.rb.remove(n)
	m.n--
}

// split cuts the region containing at into [start, at) and [at, end). the
// returned region is the upper half.
func (m *Regions_t) split(r *Region_t, at uintptr) *Region_t {
	if at <= r.Start || at >= r.End() || mem.Pa_t(at)&PGOFFSET != 0 {
		panic("bad split")
	}
	up := *r
	up.Start = at
	up.Size = int(r.End() - at)
	if up.Frame != 0 {
		up.Frame += mem.Pa_t(at - r.Start)
	}
	r.Size = int(at - r.Start)
	n := m.rb._insert(&up)
	m.n++
	return &n.reg
}

func (m *Regions_t) _iter1(n *Rbn_t, f func(*Region_t) bool) bool {
	if n == nil {
		return false
	}
	if m._iter1(n.kid[left], f) {
		return true
	}
	if f(&n.reg) {
		return true
	}
	return m._iter1(n.kid[right], f)
}

// Iter visits regions in address order until f returns true. f must not
// change the tree.
func (m *Regions_t) Iter(f func(*Region_t) bool) {
	m._iter1(m.rb.root, f)
}

// Snapshot returns copies of all regions in address order.
func (m *Regions_t) Snapshot() []Region_t {
	ret := make([]Region_t, 0, m.n)
	m.Iter(func(r *Region_t) bool {
		ret = append(ret, *r)
		return false
	})
	return ret
}

func (m *Regions_t) Len() int {
	return m.n
}

// findhole returns the lowest page-aligned address >= hint where sz bytes
// fit below lim, or with down set, the highest address whose end is <= hint
// and start >= lim.
func (m *Regions_t) findhole(hint uintptr, sz int, down bool, lim uintptr) (uintptr, bool) {
	rs := m.Snapshot()
	usz := uintptr(sz)
	if !down {
		c := hint
		for _, r := range rs {
			if r.End() <= c {
				continue
			}
			if r.Start >= c+usz {
				break
			}
			c = r.End()
		}
		return c, c+usz <= lim && c+usz > c
	}
	if hint < usz {
		return 0, false
	}
	c := hint - usz
	for i := len(rs) - 1; i >= 0; i-- {
		r := rs[i]
		if r.Start >= c+usz {
			continue
		}
		if r.End() <= c {
			break
		}
		if r.Start < usz {
			return 0, false
		}
		c = r.Start - usz
	}
	return c, c >= lim
}

func (m *Regions_t) dump() {
	fmt.Printf("regions: %v\n", m.n)
	m.Iter(func(r *Region_t) bool {
		fmt.Printf("%v\n", r)
		return false
	})
}
