package mem

import "sync"
import "sync/atomic"

type prange_t struct {
	start Pa_t
	end   Pa_t
}

// per-frame metadata; only the first frame of a free block is linked.
type frame_t struct {
	next  int32
	prev  int32
	order int8
	free  bool
}

type zone_t struct {
	sync.Mutex
	z       Zone_t
	base    Pa_t
	nframes int
	frames  []frame_t
	// one bit per frame, set while the frame is allocated (or a hole)
	bitmap []uint64
	heads  [MAXORDER + 1]int32
	nfree  [MAXORDER + 1]int
	total  int
	// frames allocated out of the buddy lists, including the ones
	// parked in percpu caches
	allocated int
	cached    int64
	ranges    []prange_t
}

func mkzone(z Zone_t, ranges []prange_t) *zone_t {
	zn := &zone_t{z: z, ranges: ranges}
	zn.base = ranges[0].start
	end := ranges[len(ranges)-1].end
	zn.nframes = int((end - zn.base) >> PGSHIFT)
	zn.frames = make([]frame_t, zn.nframes)
	zn.bitmap = make([]uint64, (zn.nframes+63)/64)
	for i := range zn.bitmap {
		zn.bitmap[i] = ^uint64(0)
	}
	for i := range zn.heads {
		zn.heads[i] = -1
	}
	for _, r := range ranges {
		for a := r.start; a < r.end; {
			k := MAXORDER
			for k > 0 {
				sz := Pa_t(PGSIZE << uint(k))
				if a%sz == 0 && a+sz <= r.end {
					break
				}
				k--
			}
			zn.setbits(a, k, false)
			zn.push(zn.idx(a), k)
			zn.total += 1 << uint(k)
			a += Pa_t(PGSIZE << uint(k))
		}
	}
	return zn
}

func (zn *zone_t) idx(pa Pa_t) int32 {
	return int32((pa - zn.base) >> PGSHIFT)
}

func (zn *zone_t) pa(idx int32) Pa_t {
	return zn.base + Pa_t(idx)<<PGSHIFT
}

func (zn *zone_t) contains(pa Pa_t) bool {
	return pa >= zn.base && pa < zn.base+Pa_t(zn.nframes)<<PGSHIFT
}

func (zn *zone_t) isalloc(pa Pa_t) bool {
	i := zn.idx(pa)
	return zn.bitmap[i/64]&(1<<uint(i%64)) != 0
}

func (zn *zone_t) setbits(pa Pa_t, order int, alloc bool) {
	i := zn.idx(pa)
	for n := int32(0); n < 1<<uint(order); n++ {
		b := i + n
		if alloc {
			zn.bitmap[b/64] |= 1 << uint(b%64)
		} else {
			zn.bitmap[b/64] &^= 1 << uint(b%64)
		}
	}
}

// allbits reports whether every frame of the block has bit state alloc.
func (zn *zone_t) allbits(pa Pa_t, order int, alloc bool) bool {
	i := zn.idx(pa)
	for n := int32(0); n < 1<<uint(order); n++ {
		b := i + n
		set := zn.bitmap[b/64]&(1<<uint(b%64)) != 0
		if set != alloc {
			return false
		}
	}
	return true
}

func (zn *zone_t) push(i int32, order int) {
	f := &zn.frames[i]
	f.next = zn.heads[order]
	f.prev = -1
	f.order = int8(order)
	f.free = true
	if f.next != -1 {
		zn.frames[f.next].prev = i
	}
	zn.heads[order] = i
	zn.nfree[order]++
}

func (zn *zone_t) unlink(i int32, order int) {
	f := &zn.frames[i]
	if !f.free || int(f.order) != order {
		panic("unlink of block not on list")
	}
	if f.prev == -1 {
		zn.heads[order] = f.next
	} else {
		zn.frames[f.prev].next = f.next
	}
	if f.next != -1 {
		zn.frames[f.next].prev = f.prev
	}
	f.free = false
	f.next, f.prev = -1, -1
	zn.nfree[order]--
}

func (zn *zone_t) alloc(order int) (Pa_t, bool) {
	zn.Lock()
	defer zn.Unlock()
	k := order
	for k <= MAXORDER && zn.heads[k] == -1 {
		k++
	}
	if k > MAXORDER {
		return 0, false
	}
	i := zn.heads[k]
	zn.unlink(i, k)
	pa := zn.pa(i)
	// give back the upper halves
	for k > order {
		k--
		zn.push(zn.idx(pa+Pa_t(PGSIZE<<uint(k))), k)
	}
	// XXXPANIC
	if !zn.allbits(pa, order, false) {
		panic("bitmap desync: free block has allocated frames")
	}
	zn.setbits(pa, order, true)
	zn.allocated += 1 << uint(order)
	return pa, true
}

func (zn *zone_t) free(pa Pa_t, order int) {
	zn.Lock()
	defer zn.Unlock()
	// XXXPANIC
	if !zn.allbits(pa, order, true) {
		panic("bitmap desync: free of free frame")
	}
	zn.setbits(pa, order, false)
	zn.allocated -= 1 << uint(order)
	for order < MAXORDER {
		b := pa ^ Pa_t(PGSIZE<<uint(order))
		if !zn.contains(b) {
			break
		}
		bi := zn.idx(b)
		if f := &zn.frames[bi]; !f.free || int(f.order) != order {
			break
		}
		// XXXPANIC
		if !zn.allbits(b, order, false) {
			panic("bitmap desync: listed buddy is allocated")
		}
		zn.unlink(bi, order)
		if b < pa {
			pa = b
		}
		order++
	}
	zn.push(zn.idx(pa), order)
}

func (zn *zone_t) freeframes() int {
	zn.Lock()
	defer zn.Unlock()
	n := 0
	for k, c := range zn.nfree {
		n += c << uint(k)
	}
	return n
}

func (zn *zone_t) cachedn() int {
	return int(atomic.LoadInt64(&zn.cached))
}
