package mem

import "fmt"
import "sort"
import "unsafe"

import "golang.org/x/sys/unix"

import "kcore/defs"

// a usable physical range and the host memory standing in for it.
type span_t struct {
	start Pa_t
	end   Pa_t
	mem   []uint8
}

func (phys *Physmem_t) addspan(start, end Pa_t) defs.Err_t {
	l := int(end - start)
	b, err := unix.Mmap(-1, 0, l, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		fmt.Printf("pfa: cannot back %#x-%#x: %v\n", start, end, err)
		return -defs.ENOMEM
	}
	phys.spans = append(phys.spans, span_t{start, end, b})
	sort.Slice(phys.spans, func(i, j int) bool {
		return phys.spans[i].start < phys.spans[j].start
	})
	return 0
}

// Close releases the host memory behind every zone.
func (phys *Physmem_t) Close() {
	for _, s := range phys.spans {
		unix.Munmap(s.mem)
	}
	phys.spans = nil
}

func (phys *Physmem_t) span(p Pa_t) *span_t {
	i := sort.Search(len(phys.spans), func(i int) bool {
		return phys.spans[i].end > p
	})
	if i == len(phys.spans) || p < phys.spans[i].start {
		// XXXPANIC
		panic(fmt.Sprintf("pa %#x not in the direct map", p))
	}
	return &phys.spans[i]
}

// returns the page containing the physical address p through the direct
// mapping
func (phys *Physmem_t) Dmap(p Pa_t) *Pg_t {
	s := phys.span(p)
	off := (p &^ PGOFFSET) - s.start
	return (*Pg_t)(unsafe.Pointer(&s.mem[off]))
}

func (phys *Physmem_t) Dmap_pmap(p Pa_t) *Pmap_t {
	return Pg2pmap(phys.Dmap(p))
}

// returns a byte aligned virtual address for the physical address as slice of
// uint8s
func (phys *Physmem_t) Dmap8(p Pa_t) []uint8 {
	pg := phys.Dmap(p)
	off := p & PGOFFSET
	bpg := Pg2bytes(pg)
	return bpg[off:]
}

// l is length of mapping in bytes; the range must not leave its span.
func (phys *Physmem_t) Dmaplen(p Pa_t, l int) []uint8 {
	s := phys.span(p)
	off := p - s.start
	if p+Pa_t(l) > s.end {
		panic("dmaplen crosses span")
	}
	return s.mem[off : off+Pa_t(l)]
}
