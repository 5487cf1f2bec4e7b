package mem

type Zonestat_t struct {
	Zone      Zone_t
	Start     Pa_t
	End       Pa_t
	Total     int
	Allocated int
	Free      int
}

type Buddystat_t struct {
	Zone Zone_t
	// free blocks per order
	Blocks    [MAXORDER + 1]int
	Freebytes int
	Largest   int
	// 1 - largest/free; zero when nothing is free
	Frag float64
}

// Zone_stats returns a snapshot of each populated zone. Frames parked in a
// per-cpu cache count as free.
func (phys *Physmem_t) Zone_stats() []Zonestat_t {
	var ret []Zonestat_t
	for _, zn := range phys.zones {
		if zn == nil {
			continue
		}
		zn.Lock()
		a := zn.allocated - zn.cachedn()
		st := Zonestat_t{
			Zone:      zn.z,
			Start:     zn.base,
			End:       zn.base + Pa_t(zn.nframes)<<PGSHIFT,
			Total:     zn.total,
			Allocated: a,
			Free:      zn.total - a,
		}
		zn.Unlock()
		ret = append(ret, st)
	}
	return ret
}

// Buddy_stats describes the buddy free lists of each populated zone.
func (phys *Physmem_t) Buddy_stats() []Buddystat_t {
	var ret []Buddystat_t
	for _, zn := range phys.zones {
		if zn == nil {
			continue
		}
		st := Buddystat_t{Zone: zn.z}
		zn.Lock()
		for k := 0; k <= MAXORDER; k++ {
			st.Blocks[k] = zn.nfree[k]
			sz := PGSIZE << uint(k)
			st.Freebytes += zn.nfree[k] * sz
			if zn.nfree[k] != 0 {
				st.Largest = sz
			}
		}
		zn.Unlock()
		st.Frag = fragratio(st.Largest, st.Freebytes)
		ret = append(ret, st)
	}
	return ret
}

func fragratio(largest, free int) float64 {
	if free == 0 {
		return 0
	}
	return 1 - float64(largest)/float64(free)
}
