package mem

import "testing"

import "kcore/defs"

// 640KB of low memory, a hole, then 48MB that spans the dma/normal split
var testmap = []Memmap_t{
	{0, 0x9f000, MEM_USABLE},
	{0x9f000, 0x100000, MEM_RESERVED},
	{0x100000, 0x3000000, MEM_USABLE},
	{0xfec00000, 0xfec01000, MEM_DEVICE},
}

func mkphys(t *testing.T, mm []Memmap_t) *Physmem_t {
	phys, err := Phys_init(mm)
	if err != 0 {
		t.Fatalf("phys_init: %v", err)
	}
	t.Cleanup(phys.Close)
	return phys
}

func zstat(phys *Physmem_t, z Zone_t) Zonestat_t {
	for _, s := range phys.Zone_stats() {
		if s.Zone == z {
			return s
		}
	}
	return Zonestat_t{}
}

func bstat(phys *Physmem_t, z Zone_t) Buddystat_t {
	for _, s := range phys.Buddy_stats() {
		if s.Zone == z {
			return s
		}
	}
	return Buddystat_t{}
}

func TestZones(t *testing.T) {
	phys := mkphys(t, testmap)
	dma := zstat(phys, ZONE_DMA)
	// frame 0 is never handed out
	want := (0x9f000-0x1000)/PGSIZE + (0x1000000-0x100000)/PGSIZE
	if dma.Total != want {
		t.Fatalf("dma total %v want %v", dma.Total, want)
	}
	nrm := zstat(phys, ZONE_NORMAL)
	if nrm.Total != (0x3000000-0x1000000)/PGSIZE {
		t.Fatalf("normal total %v", nrm.Total)
	}
	if nrm.Allocated != 0 || nrm.Free != nrm.Total {
		t.Fatalf("fresh zone not free: %+v", nrm)
	}
	if len(phys.Zone_stats()) != 2 {
		t.Fatalf("highmem zone created without memory")
	}
	// 32MB aligned on 16MB is eight order-10 blocks
	b := bstat(phys, ZONE_NORMAL)
	if b.Blocks[MAXORDER] != 8 || b.Frag != 1-1.0/8 {
		t.Fatalf("bad initial buddy lists %+v", b)
	}
}

func TestOrderBounds(t *testing.T) {
	phys := mkphys(t, testmap)
	for _, o := range []int{-1, MAXORDER + 1, 64} {
		if _, err := phys.Alloc_in_zone(ZONE_NORMAL, o); err != -defs.EINVALORDER {
			t.Fatalf("order %v: got %v", o, err)
		}
		if err := phys.Free(0x1000000, ZONE_NORMAL, o); err != -defs.EINVALORDER {
			t.Fatalf("free order %v: got %v", o, err)
		}
	}
	if _, _, err := phys.Alloc_contiguous(2048, ZONE_NORMAL); err != -defs.EINVALORDER {
		t.Fatalf("2048 pages: %v", err)
	}
	pa, err := phys.Alloc_in_zone(ZONE_NORMAL, MAXORDER)
	if err != 0 || pa&(Pa_t(PGSIZE<<MAXORDER)-1) != 0 {
		t.Fatalf("max order alloc %#x %v", pa, err)
	}
	phys.Free(pa, ZONE_NORMAL, MAXORDER)
}

func TestSplitCoalesce(t *testing.T) {
	phys := mkphys(t, testmap)
	before := bstat(phys, ZONE_NORMAL)

	pa, err := phys.Alloc_in_zone(ZONE_NORMAL, 0)
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}
	mid := bstat(phys, ZONE_NORMAL)
	if mid.Blocks[MAXORDER] != 7 {
		t.Fatalf("split did not take one top block: %v", mid.Blocks)
	}
	for k := 0; k < MAXORDER; k++ {
		if mid.Blocks[k] != 1 {
			t.Fatalf("order %v has %v blocks after split", k, mid.Blocks[k])
		}
	}
	if mid.Frag <= 0 {
		t.Fatalf("split memory should be fragmented")
	}
	if !phys.Allocated(pa) {
		t.Fatalf("bitmap does not show allocation")
	}
	if err := phys.Free(pa, ZONE_NORMAL, 0); err != 0 {
		t.Fatalf("free: %v", err)
	}
	after := bstat(phys, ZONE_NORMAL)
	if after != before {
		t.Fatalf("coalescing incomplete:\n%+v\n%+v", before, after)
	}
	if phys.Allocated(pa) {
		t.Fatalf("bitmap still set")
	}
}

func TestCountersRoundTrip(t *testing.T) {
	phys := mkphys(t, testmap)
	z0 := phys.Zone_stats()
	var got []Pa_t
	for i := 0; i < 100; i++ {
		pa, err := phys.Alloc_frame()
		if err != 0 {
			t.Fatalf("alloc_frame: %v", err)
		}
		if Zone_of(pa) != ZONE_NORMAL {
			t.Fatalf("frame %#x not from normal zone", pa)
		}
		got = append(got, pa)
	}
	if s := zstat(phys, ZONE_NORMAL); s.Allocated != 100 {
		t.Fatalf("allocated %v", s.Allocated)
	}
	for _, pa := range got {
		phys.Free_frame(pa)
	}
	z1 := phys.Zone_stats()
	for i := range z0 {
		if z0[i] != z1[i] {
			t.Fatalf("counters did not return:\n%+v\n%+v", z0[i], z1[i])
		}
	}
	phys.Drain_percpu()
	if b := bstat(phys, ZONE_NORMAL); b.Blocks[MAXORDER] != 8 {
		t.Fatalf("drain did not coalesce: %v", b.Blocks)
	}
}

func TestContiguous(t *testing.T) {
	phys := mkphys(t, testmap)
	pa, order, err := phys.Alloc_contiguous(5, ZONE_DMA)
	if err != 0 || order != 3 {
		t.Fatalf("5 pages: order %v err %v", order, err)
	}
	if Zone_of(pa) != ZONE_DMA || pa%(8*Pa_t(PGSIZE)) != 0 {
		t.Fatalf("misplaced block %#x", pa)
	}
	if s := zstat(phys, ZONE_DMA); s.Allocated != 8 {
		t.Fatalf("allocated %v", s.Allocated)
	}
	if err := phys.Free(pa, ZONE_NORMAL, order); err != -defs.EINVAL {
		t.Fatalf("free in wrong zone: %v", err)
	}
	phys.Free(pa, ZONE_DMA, order)
}

func TestExhaustion(t *testing.T) {
	phys := mkphys(t, []Memmap_t{{0x100000, 0x110000, MEM_USABLE}})
	n := 0
	for {
		_, err := phys.Alloc_in_zone(ZONE_DMA, 0)
		if err == -defs.ENOMEM {
			break
		}
		if err != 0 {
			t.Fatalf("alloc: %v", err)
		}
		n++
	}
	if n != 16 {
		t.Fatalf("allocated %v of 16 frames", n)
	}
	b := bstat(phys, ZONE_DMA)
	if b.Freebytes != 0 || b.Frag != 0 {
		t.Fatalf("empty zone stats %+v", b)
	}
	if _, err := phys.Alloc_frame(); err != -defs.ENOMEM {
		t.Fatalf("alloc_frame on empty memory: %v", err)
	}
	if _, err := phys.Alloc_in_zone(ZONE_HIGH, 0); err != -defs.ENOMEM {
		t.Fatalf("absent zone: %v", err)
	}
}

func TestFraglimit(t *testing.T) {
	phys := mkphys(t, []Memmap_t{{0x100000, 0x108000, MEM_USABLE}})
	phys.Fraglimit = 2
	// take every other frame so nothing above order 0 is left
	var keep []Pa_t
	for i := 0; i < 8; i++ {
		pa, _ := phys.Alloc_in_zone(ZONE_DMA, 0)
		if i%2 == 0 {
			keep = append(keep, pa)
		} else {
			defer phys.Free(pa, ZONE_DMA, 0)
		}
	}
	for _, pa := range keep {
		phys.Free(pa, ZONE_DMA, 0)
	}
	if _, _, err := phys.Alloc_contiguous(4, ZONE_DMA); err != -defs.EFRAG {
		t.Fatalf("fragmented request: %v", err)
	}
}

func TestDmap(t *testing.T) {
	phys := mkphys(t, testmap)
	pa, _ := phys.Alloc_frame()
	b := phys.Dmap8(pa + 10)
	if len(b) != PGSIZE-10 {
		t.Fatalf("dmap8 len %v", len(b))
	}
	b[0] = 0xaa
	if Pg2bytes(phys.Dmap(pa))[10] != 0xaa {
		t.Fatalf("dmap aliases differ")
	}
	phys.Zero(pa)
	if Pg2bytes(phys.Dmap(pa))[10] != 0 {
		t.Fatalf("zero failed")
	}
	phys.Free_frame(pa)
}

func TestDoubleFree(t *testing.T) {
	phys := mkphys(t, testmap)
	pa, _ := phys.Alloc_in_zone(ZONE_NORMAL, 1)
	phys.Free(pa, ZONE_NORMAL, 1)
	defer func() {
		if recover() == nil {
			t.Fatalf("double free not caught")
		}
	}()
	phys.Free(pa, ZONE_NORMAL, 1)
}
