package vm

import "container/list"
import "fmt"
import "sort"
import "sync"

import "golang.org/x/sys/unix"

import "kcore/defs"
import "kcore/mem"

type Policy_t int

const (
	SWAP_LRU Policy_t = iota
	SWAP_CLOCK
	SWAP_FIFO
)

func (p Policy_t) String() string {
	switch p {
	case SWAP_LRU:
		return "lru"
	case SWAP_CLOCK:
		return "clock"
	case SWAP_FIFO:
		return "fifo"
	}
	return "?"
}

func Mkpolicy(s string) (Policy_t, bool) {
	for _, p := range []Policy_t{SWAP_LRU, SWAP_CLOCK, SWAP_FIFO} {
		if p.String() == s {
			return p, true
		}
	}
	return 0, false
}

// Swapdev_i stores evicted pages in numbered page-sized slots.
type Swapdev_i interface {
	Nslots() int
	Read(slot int, dst *mem.Bytepg_t) defs.Err_t
	Write(slot int, src *mem.Bytepg_t) defs.Err_t
}

// Swapfile_t keeps slots in a host file.
type Swapfile_t struct {
	fd     int
	nslots int
}

func Mkswapfile(path string, nslots int) (*Swapfile_t, defs.Err_t) {
	if nslots <= 0 {
		return nil, -defs.EINVAL
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0600)
	if err != nil {
		fmt.Printf("swap: open %v: %v\n", path, err)
		return nil, -defs.EIO
	}
	if err := unix.Ftruncate(fd, int64(nslots*mem.PGSIZE)); err != nil {
		unix.Close(fd)
		fmt.Printf("swap: truncate %v: %v\n", path, err)
		return nil, -defs.EIO
	}
	return &Swapfile_t{fd: fd, nslots: nslots}, 0
}

func (sf *Swapfile_t) Nslots() int {
	return sf.nslots
}

func (sf *Swapfile_t) Read(slot int, dst *mem.Bytepg_t) defs.Err_t {
	n, err := unix.Pread(sf.fd, dst[:], int64(slot*mem.PGSIZE))
	if err != nil || n != mem.PGSIZE {
		return -defs.EIO
	}
	return 0
}

func (sf *Swapfile_t) Write(slot int, src *mem.Bytepg_t) defs.Err_t {
	n, err := unix.Pwrite(sf.fd, src[:], int64(slot*mem.PGSIZE))
	if err != nil || n != mem.PGSIZE {
		return -defs.EIO
	}
	return 0
}

func (sf *Swapfile_t) Close() {
	unix.Fsync(sf.fd)
	unix.Close(sf.fd)
}

// Memswap_t keeps slots in ordinary memory.
type Memswap_t struct {
	pgs []*mem.Bytepg_t
}

func Mkmemswap(nslots int) *Memswap_t {
	return &Memswap_t{pgs: make([]*mem.Bytepg_t, nslots)}
}

func (ms *Memswap_t) Nslots() int {
	return len(ms.pgs)
}

func (ms *Memswap_t) Read(slot int, dst *mem.Bytepg_t) defs.Err_t {
	if ms.pgs[slot] == nil {
		*dst = mem.Bytepg_t{}
		return 0
	}
	*dst = *ms.pgs[slot]
	return 0
}

func (ms *Memswap_t) Write(slot int, src *mem.Bytepg_t) defs.Err_t {
	if ms.pgs[slot] == nil {
		ms.pgs[slot] = new(mem.Bytepg_t)
	}
	*ms.pgs[slot] = *src
	return 0
}

type slotinfo_t struct {
	as    *Vm_t
	va    uintptr
	dirty bool
	atime uint64
}

type pagekey_t struct {
	as *Vm_t
	va uintptr
}

// a page that may be evicted
type cand_t struct {
	pagekey_t
	stamp uint64
}

type Swapstats_t struct {
	Policy  Policy_t
	Slots   int
	Used    int
	Tracked int
}

// Swap_t chooses pages to evict and tracks where they went. Only private
// user pages are candidates.
type Swap_t struct {
	sync.Mutex
	vmm    *Vmm_t
	dev    Swapdev_i
	Policy Policy_t
	bitmap []uint64
	nslots int
	used   int
	slots  map[int]*slotinfo_t
	// candidates in insertion order; the clock hand walks it as a ring
	cands  *list.List
	index  map[pagekey_t]*list.Element
	hand   *list.Element
	clock  uint64
	warned bool
}

// Mkswap creates a swap manager over dev. With a nil dev, nslots pages can
// be evicted but read back as zeros.
func Mkswap(dev Swapdev_i, nslots int, policy Policy_t) *Swap_t {
	if dev != nil {
		nslots = dev.Nslots()
	}
	s := &Swap_t{dev: dev, Policy: policy, nslots: nslots}
	s.bitmap = make([]uint64, (nslots+63)/64)
	s.slots = make(map[int]*slotinfo_t)
	s.cands = list.New()
	s.index = make(map[pagekey_t]*list.Element)
	return s
}

func swapslot(pte mem.Pa_t) int {
	return int((pte & PTE_ADDR) >> PGSHIFT)
}

func (s *Swap_t) _allocslot() int {
	for i, w := range s.bitmap {
		if w == ^uint64(0) {
			continue
		}
		for b := 0; b < 64; b++ {
			slot := i*64 + b
			if slot >= s.nslots {
				return -1
			}
			if w&(1<<uint(b)) == 0 {
				s.bitmap[i] |= 1 << uint(b)
				s.used++
				return slot
			}
		}
	}
	return -1
}

func (s *Swap_t) _freeslot(slot int) {
	w, b := slot/64, uint(slot%64)
	// XXXPANIC
	if s.bitmap[w]&(1<<b) == 0 {
		panic("free of free swap slot")
	}
	s.bitmap[w] &^= 1 << b
	s.used--
	delete(s.slots, slot)
}

func (s *Swap_t) freeslot(slot int) {
	s.Lock()
	s._freeslot(slot)
	s.Unlock()
}

func (s *Swap_t) track(as *Vm_t, va uintptr) {
	s.Lock()
	defer s.Unlock()
	k := pagekey_t{as, va}
	s.clock++
	if e, ok := s.index[k]; ok {
		e.Value.(*cand_t).stamp = s.clock
		return
	}
	s.index[k] = s.cands.PushBack(&cand_t{pagekey_t: k, stamp: s.clock})
}

func (s *Swap_t) _untrack(k pagekey_t) {
	e, ok := s.index[k]
	if !ok {
		return
	}
	if s.hand == e {
		s.hand = e.Next()
	}
	s.cands.Remove(e)
	delete(s.index, k)
}

func (s *Swap_t) untrack(as *Vm_t, va uintptr) {
	s.Lock()
	s._untrack(pagekey_t{as, va})
	s.Unlock()
}

// touch records an access for the LRU policy.
func (s *Swap_t) touch(as *Vm_t, va uintptr) {
	s.Lock()
	defer s.Unlock()
	if e, ok := s.index[pagekey_t{as, va}]; ok {
		s.clock++
		e.Value.(*cand_t).stamp = s.clock
	}
}

func (s *Swap_t) Stats() Swapstats_t {
	s.Lock()
	defer s.Unlock()
	return Swapstats_t{Policy: s.Policy, Slots: s.nslots, Used: s.used,
		Tracked: s.cands.Len()}
}

// _order returns the candidates in the order the policy would evict them.
func (s *Swap_t) _order() []*cand_t {
	ret := make([]*cand_t, 0, s.cands.Len())
	for e := s.cands.Front(); e != nil; e = e.Next() {
		ret = append(ret, e.Value.(*cand_t))
	}
	if s.Policy == SWAP_LRU {
		sort.SliceStable(ret, func(i, j int) bool {
			return ret[i].stamp < ret[j].stamp
		})
	}
	return ret
}

// _withpmap runs f with the page-table lock of c's address space held. cur's
// lock is already held by the caller; other address spaces are skipped when
// their lock is busy.
func _withpmap(cur *Vm_t, c *cand_t, f func() bool) bool {
	if c.as == cur {
		return f()
	}
	if !c.as.Trylock_pmap() {
		return false
	}
	defer c.as.Unlock_pmap()
	return f()
}

// Swap_out evicts one page. The caller holds cur's page-table lock.
func (s *Swap_t) Swap_out(cur *Vm_t) bool {
	s.Lock()
	defer s.Unlock()
	if s.used >= s.nslots {
		return false
	}
	if s.Policy == SWAP_CLOCK {
		return s._clock(cur)
	}
	for _, c := range s._order() {
		if _withpmap(cur, c, func() bool { return s._evict(c) }) {
			return true
		}
	}
	return false
}

// _clock sweeps the ring twice at most, giving pages with the accessed bit
// a second chance.
func (s *Swap_t) _clock(cur *Vm_t) bool {
	n := s.cands.Len()
	for i := 0; i < 2*n && s.cands.Len() > 0; i++ {
		if s.hand == nil {
			s.hand = s.cands.Front()
		}
		e := s.hand
		s.hand = e.Next()
		c := e.Value.(*cand_t)
		done := _withpmap(cur, c, func() bool {
			pte := c.as.Pmap_lookup(c.va)
			if pte != nil && *pte&PTE_P != 0 && *pte&PTE_A != 0 {
				*pte &^= PTE_A
				c.as.tlbflush(c.va)
				return false
			}
			return s._evict(c)
		})
		if done {
			return true
		}
	}
	return false
}

// _evict writes the page to a slot and unmaps it. c's page-table lock is
// held.
func (s *Swap_t) _evict(c *cand_t) bool {
	as := c.as
	pte := as.Pmap_lookup(c.va)
	if pte == nil || *pte&PTE_P == 0 {
		s._untrack(c.pagekey_t)
		return false
	}
	pa := *pte & PTE_ADDR
	if s.vmm.Cow.Refcnt(pa) > 1 {
		return false
	}
	slot := s._allocslot()
	if slot < 0 {
		return false
	}
	if s.dev != nil {
		if err := s.dev.Write(slot, mem.Pg2bytes(s.vmm.phys.Dmap(pa))); err != 0 {
			s._freeslot(slot)
			return false
		}
	} else if !s.warned {
		s.warned = true
		fmt.Printf("swap: no device; evicted pages will read back as zeros\n")
	}
	s.slots[slot] = &slotinfo_t{as: as, va: c.va, dirty: *pte&PTE_D != 0,
		atime: c.stamp}
	*pte = mem.Pa_t(slot)<<PGSHIFT | PTE_SWAP
	as.tlbflush(c.va)
	s._untrack(c.pagekey_t)
	s.vmm.phys.Free_frame(pa)
	s.vmm.Stats.Swapouts.Inc()
	return true
}

// load fills frame pa from slot and releases the slot.
func (s *Swap_t) load(slot int, pa mem.Pa_t) defs.Err_t {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.slots[slot]; !ok {
		panic("swap-in of empty slot")
	}
	dst := mem.Pg2bytes(s.vmm.phys.Dmap(pa))
	if s.dev == nil {
		*dst = mem.Bytepg_t{}
	} else if err := s.dev.Read(slot, dst); err != 0 {
		return err
	}
	s._freeslot(slot)
	return 0
}

func (as *Vm_t) _swapin(va uintptr, pte *mem.Pa_t, r *Region_t) defs.Err_t {
	slot := swapslot(*pte)
	pa, err := as.allocframe()
	if err != 0 {
		return err
	}
	if err := as.vmm.swap.load(slot, pa); err != 0 {
		as.phys.Free_frame(pa)
		return err
	}
	flags := r.Prot.pte() | PTE_A
	if r.Prot&PROT_COW != 0 {
		flags |= PTE_W
	}
	*pte = pa | flags
	as.vmm.Stats.Swapins.Inc()
	if as.trackable(r) {
		as.vmm.swap.track(as, va)
	}
	return 0
}

// Swap_in brings the page at va back from swap.
func (as *Vm_t) Swap_in(va uintptr) defs.Err_t {
	as.RLock()
	defer as.RUnlock()
	as.Lock_pmap()
	defer as.Unlock_pmap()
	va &^= PGOFFSETW
	pte := as.Pmap_lookup(va)
	if pte == nil || *pte&PTE_SWAP == 0 || *pte&PTE_P != 0 {
		return -defs.EINVAL
	}
	r, ok := as.Regions.Lookup(va)
	if !ok {
		panic("swapped page outside a region")
	}
	return as._swapin(va, pte, r)
}

// Swap_out evicts the page the policy picks from any address space.
func (as *Vm_t) Swap_out() bool {
	if as.vmm.swap == nil {
		return false
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	return as.vmm.swap.Swap_out(as)
}

func (as *Vm_t) Is_swapped(va uintptr) bool {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	pte := as.Pmap_lookup(va)
	return pte != nil && *pte&PTE_P == 0 && *pte&PTE_SWAP != 0
}
