package vm

import "sync"

import "kcore/mem"

// Cowtab_t counts references to frames mapped by more than one page table
// entry. A frame without an entry has exactly one reference.
type Cowtab_t struct {
	sync.Mutex
	refs map[mem.Pa_t]int32
}

func mkcowtab() *Cowtab_t {
	return &Cowtab_t{refs: make(map[mem.Pa_t]int32)}
}

func (c *Cowtab_t) Refcnt(pa mem.Pa_t) int {
	c.Lock()
	defer c.Unlock()
	if n, ok := c.refs[pa]; ok {
		return int(n)
	}
	return 1
}

func (c *Cowtab_t) Refup(pa mem.Pa_t) {
	c.Lock()
	n, ok := c.refs[pa]
	if !ok {
		n = 1
	}
	c.refs[pa] = n + 1
	c.Unlock()
}

// Refdown drops one reference and returns true when it was the last one,
// in which case the caller owns the frame and must free it.
func (c *Cowtab_t) Refdown(pa mem.Pa_t) bool {
	c.Lock()
	defer c.Unlock()
	n, ok := c.refs[pa]
	if !ok {
		return true
	}
	// XXXPANIC
	if n <= 1 {
		panic("cow entry with refcount <= 1")
	}
	if n == 2 {
		delete(c.refs, pa)
	} else {
		c.refs[pa] = n - 1
	}
	return false
}

// Len returns the number of shared frames.
func (c *Cowtab_t) Len() int {
	c.Lock()
	defer c.Unlock()
	return len(c.refs)
}
