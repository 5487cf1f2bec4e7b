package mem

import "fmt"
import "sync"
import "unsafe"

import "kcore/defs"
import "kcore/stats"

const PGSHIFT uint = 12
const PGSIZE int = 1 << PGSHIFT
const PGOFFSET Pa_t = 0xfff
const PGMASK Pa_t = ^(PGOFFSET)

// largest buddy order; blocks are 4KB << order
const MAXORDER = 10

type Pa_t uintptr
type Bytepg_t [PGSIZE]uint8
type Pg_t [512]int
type Pmap_t [512]Pa_t

func Pg2bytes(pg *Pg_t) *Bytepg_t {
	return (*Bytepg_t)(unsafe.Pointer(pg))
}

func Bytepg2pg(pg *Bytepg_t) *Pg_t {
	return (*Pg_t)(unsafe.Pointer(pg))
}

func Pg2pmap(pg *Pg_t) *Pmap_t {
	return (*Pmap_t)(unsafe.Pointer(pg))
}

type Zone_t int

const (
	ZONE_DMA Zone_t = iota
	ZONE_NORMAL
	ZONE_HIGH
	NZONES
)

// zone boundaries
const (
	DMA_END    Pa_t = 16 << 20
	NORMAL_END Pa_t = 896 << 20
)

func (z Zone_t) String() string {
	switch z {
	case ZONE_DMA:
		return "dma"
	case ZONE_NORMAL:
		return "normal"
	case ZONE_HIGH:
		return "highmem"
	}
	return "badzone"
}

func Zone_of(pa Pa_t) Zone_t {
	switch {
	case pa < DMA_END:
		return ZONE_DMA
	case pa < NORMAL_END:
		return ZONE_NORMAL
	}
	return ZONE_HIGH
}

func zone_bounds(z Zone_t) (Pa_t, Pa_t) {
	switch z {
	case ZONE_DMA:
		return 0, DMA_END
	case ZONE_NORMAL:
		return DMA_END, NORMAL_END
	}
	return NORMAL_END, ^Pa_t(0) &^ PGOFFSET
}

type Memkind_t int

const (
	MEM_USABLE Memkind_t = iota
	MEM_RESERVED
	MEM_ACPI
	MEM_DEVICE
)

// one entry of the boot loader's physical memory map; End is exclusive.
type Memmap_t struct {
	Start Pa_t
	End   Pa_t
	Kind  Memkind_t
}

type Physstats_t struct {
	Allocs   stats.Counter_t
	Frees    stats.Counter_t
	Failures stats.Counter_t
	Pcpuhits stats.Counter_t
	Refills  stats.Counter_t
}

// NCPU is fixed at one; the per-cpu front cache still exists so the fast
// path never takes a zone lock.
const NCPU = 1

type Physmem_t struct {
	zones [NZONES]*zone_t
	spans []span_t
	// frames sitting in a percpu cache are allocated in their zone's
	// bitmap but reported free by Zone_stats
	percpu [NCPU]percpu_t
	Stats  Physstats_t
	// Fraglimit rejects contiguous requests of order >= Fraglimit with
	// EFRAG when enough memory is free but no block is large enough.
	// zero disables the check.
	Fraglimit int
	sync.Mutex
}

// Phys_init builds the zones from the usable entries of mm. Ranges are
// aligned inward to page boundaries and split at the zone boundaries. Frame
// zero is never handed out so that a zero Pa_t can mean "none".
func Phys_init(mm []Memmap_t) (*Physmem_t, defs.Err_t) {
	phys := &Physmem_t{}
	var zr [NZONES][]prange_t
	for _, e := range mm {
		if e.Kind != MEM_USABLE {
			continue
		}
		s := (e.Start + PGOFFSET) &^ PGOFFSET
		en := e.End &^ PGOFFSET
		if s == 0 {
			s = Pa_t(PGSIZE)
		}
		for s < en {
			z := Zone_of(s)
			_, zend := zone_bounds(z)
			ce := en
			if ce > zend {
				ce = zend
			}
			zr[z] = append(zr[z], prange_t{s, ce})
			s = ce
		}
	}
	for z := ZONE_DMA; z < NZONES; z++ {
		if len(zr[z]) == 0 {
			continue
		}
		for _, r := range zr[z] {
			if err := phys.addspan(r.start, r.end); err != 0 {
				phys.Close()
				return nil, err
			}
		}
		phys.zones[z] = mkzone(z, zr[z])
	}
	if phys.Total() == 0 {
		return nil, -defs.ENOMEM
	}
	for i := range phys.percpu {
		phys.percpu[i].init()
	}
	fmt.Printf("pfa: %v frames (%vMB)", phys.Total(), phys.Total()>>8)
	for _, zs := range phys.Zone_stats() {
		fmt.Printf(" %v:%v", zs.Zone, zs.Total)
	}
	fmt.Printf("\n")
	return phys, 0
}

// Total returns the number of usable frames in all zones.
func (phys *Physmem_t) Total() int {
	t := 0
	for _, z := range phys.zones {
		if z != nil {
			t += z.total
		}
	}
	return t
}

func (phys *Physmem_t) zone(z Zone_t) *zone_t {
	if z < 0 || z >= NZONES {
		return nil
	}
	return phys.zones[z]
}

// Alloc_in_zone returns a block of 2^order contiguous frames from zone z.
func (phys *Physmem_t) Alloc_in_zone(z Zone_t, order int) (Pa_t, defs.Err_t) {
	if order < 0 || order > MAXORDER {
		return 0, -defs.EINVALORDER
	}
	zn := phys.zone(z)
	if zn == nil {
		phys.Stats.Failures.Inc()
		return 0, -defs.ENOMEM
	}
	pa, ok := zn.alloc(order)
	if !ok {
		phys.Stats.Failures.Inc()
		return 0, -defs.ENOMEM
	}
	phys.Stats.Allocs.Inc()
	return pa, 0
}

var frameorder = []Zone_t{ZONE_NORMAL, ZONE_HIGH, ZONE_DMA}

// Alloc_frame returns one frame, preferring the normal zone, then highmem,
// then dma.
func (phys *Physmem_t) Alloc_frame() (Pa_t, defs.Err_t) {
	if pa, ok := phys._pcpu_new(); ok {
		phys.Stats.Allocs.Inc()
		phys.Stats.Pcpuhits.Inc()
		return pa, 0
	}
	for _, z := range frameorder {
		if zn := phys.zone(z); zn != nil {
			if pa, ok := zn.alloc(0); ok {
				phys.Stats.Allocs.Inc()
				return pa, 0
			}
		}
	}
	phys.Stats.Failures.Inc()
	return 0, -defs.ENOMEM
}

// Alloc_contiguous allocates the smallest block holding pages frames.
func (phys *Physmem_t) Alloc_contiguous(pages int, z Zone_t) (Pa_t, int, defs.Err_t) {
	if pages <= 0 {
		return 0, 0, -defs.EINVAL
	}
	order := 0
	for (1 << uint(order)) < pages {
		order++
	}
	if order > MAXORDER {
		return 0, 0, -defs.EINVALORDER
	}
	pa, err := phys.Alloc_in_zone(z, order)
	if err == -defs.ENOMEM && phys.Fraglimit != 0 && order >= phys.Fraglimit {
		if zn := phys.zone(z); zn != nil && zn.freeframes() >= 1<<uint(order) {
			return 0, 0, -defs.EFRAG
		}
	}
	return pa, order, err
}

// Free returns a block previously allocated with the same zone and order.
func (phys *Physmem_t) Free(pa Pa_t, z Zone_t, order int) defs.Err_t {
	if order < 0 || order > MAXORDER {
		return -defs.EINVALORDER
	}
	zn := phys.zone(z)
	if zn == nil || !zn.contains(pa) || Zone_of(pa) != z {
		return -defs.EINVAL
	}
	if pa&(Pa_t(PGSIZE<<uint(order))-1) != 0 {
		return -defs.EINVAL
	}
	zn.free(pa, order)
	phys.Stats.Frees.Inc()
	return 0
}

// Free_frame returns one frame from Alloc_frame.
func (phys *Physmem_t) Free_frame(pa Pa_t) {
	if pa&PGOFFSET != 0 {
		panic("unaligned frame")
	}
	zn := phys.zone(Zone_of(pa))
	if zn == nil || !zn.contains(pa) {
		panic("free of foreign frame")
	}
	if !zn.isalloc(pa) || phys._pcpu_has(pa) {
		panic("double free")
	}
	phys.Stats.Frees.Inc()
	if phys._pcpu_put(pa) {
		return
	}
	zn.free(pa, 0)
}

func (phys *Physmem_t) Zero(pa Pa_t) {
	*phys.Dmap(pa) = Pg_t{}
}

func (phys *Physmem_t) Copy(dst, src Pa_t) {
	*phys.Dmap(dst) = *phys.Dmap(src)
}

// Allocated reports whether frame pa is in the allocated state.
func (phys *Physmem_t) Allocated(pa Pa_t) bool {
	zn := phys.zone(Zone_of(pa))
	if zn == nil || !zn.contains(pa) {
		return false
	}
	return zn.isalloc(pa) && !phys._pcpu_has(pa)
}
