package mem

import "sync"
import "sync/atomic"

const (
	pcpumax   = 64
	pcpubatch = 16
)

type percpu_t struct {
	sync.Mutex
	frames []Pa_t
}

func (pc *percpu_t) init() {
	pc.frames = make([]Pa_t, 0, pcpumax)
}

// there is only one cpu
func cpuhint() int {
	return 0
}

func (phys *Physmem_t) _cached(pa Pa_t, d int64) {
	atomic.AddInt64(&phys.zones[Zone_of(pa)].cached, d)
}

// refills from the zones in frame order when empty.
func (phys *Physmem_t) _pcpu_new() (Pa_t, bool) {
	pc := &phys.percpu[cpuhint()]
	pc.Lock()
	defer pc.Unlock()
	if len(pc.frames) == 0 {
		phys.Stats.Refills.Inc()
		for _, z := range frameorder {
			zn := phys.zone(z)
			if zn == nil {
				continue
			}
			for len(pc.frames) < pcpubatch {
				pa, ok := zn.alloc(0)
				if !ok {
					break
				}
				pc.frames = append(pc.frames, pa)
				phys._cached(pa, 1)
			}
			if len(pc.frames) == pcpubatch {
				break
			}
		}
	}
	n := len(pc.frames)
	if n == 0 {
		return 0, false
	}
	// hand out in the order the refill found them
	pa := pc.frames[0]
	copy(pc.frames, pc.frames[1:])
	pc.frames = pc.frames[:n-1]
	phys._cached(pa, -1)
	return pa, true
}

// returns true iff the frame was added to the per-cpu cache
func (phys *Physmem_t) _pcpu_put(pa Pa_t) bool {
	pc := &phys.percpu[cpuhint()]
	pc.Lock()
	defer pc.Unlock()
	if len(pc.frames) >= pcpumax {
		return false
	}
	pc.frames = append(pc.frames, pa)
	phys._cached(pa, 1)
	return true
}

func (phys *Physmem_t) _pcpu_has(pa Pa_t) bool {
	for i := range phys.percpu {
		pc := &phys.percpu[i]
		pc.Lock()
		for _, f := range pc.frames {
			if f == pa {
				pc.Unlock()
				return true
			}
		}
		pc.Unlock()
	}
	return false
}

// Drain_percpu returns every cached frame to its zone so that the buddy
// lists coalesce fully.
func (phys *Physmem_t) Drain_percpu() {
	for i := range phys.percpu {
		pc := &phys.percpu[i]
		pc.Lock()
		for _, pa := range pc.frames {
			phys._cached(pa, -1)
			phys.zones[Zone_of(pa)].free(pa, 0)
		}
		pc.frames = pc.frames[:0]
		pc.Unlock()
	}
}
