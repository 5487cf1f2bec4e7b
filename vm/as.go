package vm

import "fmt"
import "sync"

import "kcore/defs"
import "kcore/hw"
import "kcore/mem"
import "kcore/stats"
import "kcore/util"

type Vmstats_t struct {
	Faults     stats.Counter_t
	Demand     stats.Counter_t
	Cowcopy    stats.Counter_t
	Cowclaim   stats.Counter_t
	Swapins    stats.Counter_t
	Swapouts   stats.Counter_t
	Violations stats.Counter_t
	Tlbflush   stats.Counter_t
}

// Vmm_t owns the state shared by every address space: the frame allocator,
// the frame reference counts, the swap manager and the kernel address space
// whose upper half every user pmap shares.
type Vmm_t struct {
	phys *mem.Physmem_t
	hw   hw.Hw_i
	Cow  *Cowtab_t
	swap *Swap_t
	Kas  *Vm_t
	// ASLR; offsets are (rand & (1<<Aslrbits - 1)) pages
	Aslr     bool
	Aslrbits uint
	Stats    Vmstats_t
}

type Vmcfg_t struct {
	Aslr     bool
	Aslrbits uint
	// nil disables swapping
	Swap *Swap_t
}

func Mkvmm(phys *mem.Physmem_t, h hw.Hw_i, cfg Vmcfg_t) (*Vmm_t, defs.Err_t) {
	vmm := &Vmm_t{phys: phys, hw: h, Cow: mkcowtab(), swap: cfg.Swap}
	vmm.Aslr = cfg.Aslr
	vmm.Aslrbits = cfg.Aslrbits
	if vmm.Aslrbits == 0 || vmm.Aslrbits > 20 {
		vmm.Aslrbits = 16
	}
	kas, err := vmm._mkas(true)
	if err != 0 {
		return nil, err
	}
	// every user pmap copies the kernel pml4 entries when it is created;
	// allocate the kernel heap's slot now so later kernel mappings are
	// visible in all address spaces.
	kas.Lock_pmap()
	pt, _ := pmap_pgtbl(phys, kas.Pmap, KERNMIN, true, PTE_W)
	kas.Unlock_pmap()
	if pt == nil {
		kas.pmfree_tables(0, 512, true)
		return nil, -defs.ENOMEM
	}
	vmm.Kas = kas
	if vmm.swap != nil {
		vmm.swap.vmm = vmm
	}
	return vmm, 0
}

func (vmm *Vmm_t) _mkas(kernel bool) (*Vm_t, defs.Err_t) {
	p_pmap, err := vmm.phys.Alloc_frame()
	if err != 0 {
		return nil, err
	}
	vmm.phys.Zero(p_pmap)
	as := &Vm_t{vmm: vmm, phys: vmm.phys, Kernel: kernel}
	as.P_pmap = p_pmap
	as.Pmap = vmm.phys.Dmap_pmap(p_pmap)
	if !kernel {
		for i := 256; i < 512; i++ {
			as.Pmap[i] = vmm.Kas.Pmap[i]
		}
		as.heapstart = USERHEAP
		as.brk = USERHEAP
	}
	return as, 0
}

// Mkas creates an empty user address space.
func (vmm *Vmm_t) Mkas() (*Vm_t, defs.Err_t) {
	return vmm._mkas(false)
}

func (vmm *Vmm_t) Swap() *Swap_t {
	return vmm.swap
}

// release drops one mapping's reference to pa and frees the frame when it
// was the last.
func (vmm *Vmm_t) release(pa mem.Pa_t) {
	if vmm.Cow.Refdown(pa) {
		vmm.phys.Free_frame(pa)
	}
}

// aslroff returns a random page-aligned displacement, zero when ASLR is
// disabled.
func (vmm *Vmm_t) aslroff() uintptr {
	if !vmm.Aslr {
		return 0
	}
	r := hw.Rand64(vmm.hw) & (1<<vmm.Aslrbits - 1)
	return uintptr(r) << PGSHIFT
}

// Vm_t is one address space. The embedded RWMutex protects the region map;
// pmlock protects the page tables. Lock order is region map, then pmlock,
// then the swap manager.
type Vm_t struct {
	sync.RWMutex
	Regions Regions_t

	pmlock    sync.Mutex
	pgfltaken bool
	Pmap      *mem.Pmap_t
	P_pmap    mem.Pa_t

	vmm    *Vmm_t
	phys   *mem.Physmem_t
	Kernel bool

	heapstart uintptr
	brk       uintptr
	// ASLR displacement of the code, data and stack bases, drawn once per
	// address space
	aslr     [3]uintptr
	aslrdone bool
}

func (as *Vm_t) Lock_pmap() {
	as.pmlock.Lock()
	as.pgfltaken = true
}

// Trylock_pmap is used by the swap manager when evicting from an address
// space other than the one whose fault triggered the eviction.
func (as *Vm_t) Trylock_pmap() bool {
	if !as.pmlock.TryLock() {
		return false
	}
	as.pgfltaken = true
	return true
}

func (as *Vm_t) Unlock_pmap() {
	as.pgfltaken = false
	as.pmlock.Unlock()
}

func (as *Vm_t) Lockassert_pmap() {
	if !as.pgfltaken {
		panic("pgfl lock must be held")
	}
}

func (as *Vm_t) Vmm() *Vmm_t {
	return as.vmm
}

func (as *Vm_t) tlbflush(va uintptr) {
	as.vmm.hw.Invlpg(va)
	as.vmm.Stats.Tlbflush.Inc()
}

// allocframe returns a frame, evicting a page to swap when physical memory
// is exhausted.
func (as *Vm_t) allocframe() (mem.Pa_t, defs.Err_t) {
	for try := 0; ; try++ {
		pa, err := as.phys.Alloc_frame()
		if err == 0 {
			return pa, 0
		}
		if as.vmm.swap == nil || try >= 4 {
			return 0, err
		}
		if !as.vmm.swap.Swap_out(as) {
			return 0, err
		}
	}
}

func (as *Vm_t) trackable(r *Region_t) bool {
	return as.vmm.swap != nil && !as.Kernel && r.Type.user() &&
		r.Type != R_SHARED
}

// _mapnew installs a fresh zeroed frame at va.
func (as *Vm_t) _mapnew(va uintptr, r *Region_t) defs.Err_t {
	pte, err := as.pmap_walk(va)
	if err != 0 {
		return -defs.EMAPFAIL
	}
	pa, err := as.allocframe()
	if err != 0 {
		return err
	}
	as.phys.Zero(pa)
	flags := r.Prot.pte()
	if r.Prot&PROT_COW != 0 {
		flags |= PTE_W
	}
	*pte = pa | flags
	if as.trackable(r) {
		as.vmm.swap.track(as, va)
	}
	return 0
}

// placement returns the search parameters for a new region of type t.
func (as *Vm_t) placement(t Rtype_t) (hint uintptr, down bool, lim uintptr) {
	if as.Kernel {
		return KERNMIN, false, KERNMAX
	}
	if !as.aslrdone {
		for i := range as.aslr {
			as.aslr[i] = as.vmm.aslroff()
		}
		as.aslrdone = true
	}
	switch t {
	case R_CODE:
		return USERCODE + as.aslr[0], false, USERDATA
	case R_DATA:
		return USERDATA + as.aslr[1], false, USERHEAP
	case R_STACK:
		return USERSTACK - as.aslr[2], true, USERMMAP
	case R_HEAP:
		return USERHEAP, false, USERMMAP
	}
	// kernel regions in a user address space are placed in the mmap area
	// without PROT_USER
	return USERMMAP, false, USERSTACK
}

func (as *Vm_t) aslrof(t Rtype_t) uintptr {
	switch t {
	case R_CODE:
		return as.aslr[0]
	case R_DATA:
		return as.aslr[1]
	case R_STACK:
		return as.aslr[2]
	}
	return 0
}

func chkprot(t Rtype_t, prot Prot_t) defs.Err_t {
	if prot&(PROT_COW|PROT_GUARD) != 0 {
		return -defs.EINVAL
	}
	switch t {
	case R_GUARD, R_COW:
		return -defs.EINVAL
	}
	if t < R_KERNEL || t > R_COW {
		return -defs.EINVAL
	}
	return 0
}

// _alloc creates a region and, if eager, backs every page with a zeroed
// frame. as must be write-locked.
func (as *Vm_t) _alloc(size int, t Rtype_t, prot Prot_t, eager bool) (*Region_t, defs.Err_t) {
	if size <= 0 {
		return nil, -defs.EINVAL
	}
	if err := chkprot(t, prot); err != 0 {
		return nil, err
	}
	size = util.Roundup(size, mem.PGSIZE)
	hint, down, lim := as.placement(t)
	start, ok := as.Regions.findhole(hint, size, down, lim)
	if !ok {
		return nil, -defs.ENOVSPACE
	}
	nr := &Region_t{Start: start, Size: size, Type: t, Prot: prot,
		Mapped: eager, Refcnt: 1, Aslr: as.aslrof(t)}
	if err := as.Regions.insert(nr); err != 0 {
		return nil, err
	}
	r, _ := as.Regions.Lookup(start)
	if eager {
		if err := as._populate(r); err != 0 {
			as.Regions.remove(start)
			return nil, err
		}
	}
	return r, 0
}

func (as *Vm_t) _populate(r *Region_t) defs.Err_t {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	for va := r.Start; va < r.End(); va += PGSIZEW {
		if err := as._mapnew(va, r); err != 0 {
			as.pmfree(r.Start, va, true)
			return err
		}
	}
	return 0
}

// Allocate_region creates a region of size bytes whose pages are backed by
// zeroed frames immediately.
func (as *Vm_t) Allocate_region(size int, t Rtype_t, prot Prot_t) (Region_t, defs.Err_t) {
	as.Lock()
	defer as.Unlock()
	r, err := as._alloc(size, t, prot, true)
	if err != 0 {
		return Region_t{}, err
	}
	return *r, 0
}

// Reserve_region creates a region whose pages are allocated on first touch.
func (as *Vm_t) Reserve_region(size int, t Rtype_t, prot Prot_t) (Region_t, defs.Err_t) {
	as.Lock()
	defer as.Unlock()
	r, err := as._alloc(size, t, prot, false)
	if err != 0 {
		return Region_t{}, err
	}
	return *r, 0
}

// Allocate_region_with_guards surrounds a new region with one unmapped
// guard page on each side. Stacks are lazily backed; other types eagerly.
func (as *Vm_t) Allocate_region_with_guards(size int, t Rtype_t, prot Prot_t) (Region_t, defs.Err_t) {
	if size <= 0 {
		return Region_t{}, -defs.EINVAL
	}
	if err := chkprot(t, prot); err != 0 {
		return Region_t{}, err
	}
	as.Lock()
	defer as.Unlock()
	size = util.Roundup(size, mem.PGSIZE)
	tot := size + 2*mem.PGSIZE
	hint, down, lim := as.placement(t)
	start, ok := as.Regions.findhole(hint, tot, down, lim)
	if !ok {
		return Region_t{}, -defs.ENOVSPACE
	}
	body := start + PGSIZEW
	eager := t != R_STACK && t != R_KSTACK
	lo := &Region_t{Start: start, Size: mem.PGSIZE, Type: R_GUARD,
		Prot: PROT_GUARD, Guardof: body}
	hi := &Region_t{Start: body + uintptr(size), Size: mem.PGSIZE,
		Type: R_GUARD, Prot: PROT_GUARD, Guardof: body}
	mid := &Region_t{Start: body, Size: size, Type: t, Prot: prot,
		Mapped: eager, Refcnt: 1, Aslr: as.aslrof(t)}
	for _, nr := range []*Region_t{lo, mid, hi} {
		if err := as.Regions.insert(nr); err != 0 {
			panic("hole overlaps")
		}
	}
	r, _ := as.Regions.Lookup(body)
	if eager {
		if err := as._populate(r); err != 0 {
			as.Regions.remove(lo.Start)
			as.Regions.remove(body)
			as.Regions.remove(hi.Start)
			return Region_t{}, err
		}
	}
	return *r, 0
}

// Map_fixed creates a lazily backed region at exactly start.
func (as *Vm_t) Map_fixed(start uintptr, size int, t Rtype_t, prot Prot_t) (Region_t, defs.Err_t) {
	if size <= 0 || mem.Pa_t(start)&PGOFFSET != 0 {
		return Region_t{}, -defs.EINVAL
	}
	if err := chkprot(t, prot); err != 0 {
		return Region_t{}, err
	}
	size = util.Roundup(size, mem.PGSIZE)
	end := start + uintptr(size)
	if end < start {
		return Region_t{}, -defs.EINVAL
	}
	if !as.Kernel && (start < USERMIN || end > USERMAX) {
		return Region_t{}, -defs.EINVAL
	}
	as.Lock()
	defer as.Unlock()
	nr := &Region_t{Start: start, Size: size, Type: t, Prot: prot, Refcnt: 1}
	if err := as.Regions.insert(nr); err != 0 {
		return Region_t{}, err
	}
	return *nr, 0
}

// Map_device maps the physical range [pa, pa+size) uncached. The frames
// are not owned by the address space and are never freed.
func (as *Vm_t) Map_device(pa mem.Pa_t, size int, prot Prot_t) (Region_t, defs.Err_t) {
	if size <= 0 || pa&PGOFFSET != 0 {
		return Region_t{}, -defs.EINVAL
	}
	as.Lock()
	defer as.Unlock()
	size = util.Roundup(size, mem.PGSIZE)
	hint, down, lim := as.placement(R_DEVICE)
	start, ok := as.Regions.findhole(hint, size, down, lim)
	if !ok {
		return Region_t{}, -defs.ENOVSPACE
	}
	prot |= PROT_NOCACHE
	nr := &Region_t{Start: start, Size: size, Type: R_DEVICE, Prot: prot,
		Mapped: true, Frame: pa, Refcnt: 1}
	if err := as.Regions.insert(nr); err != 0 {
		return Region_t{}, err
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	for off := 0; off < size; off += mem.PGSIZE {
		pte, err := as.pmap_walk(start + uintptr(off))
		if err != 0 {
			as.pmfree(start, start+uintptr(off), false)
			as.Regions.remove(start)
			return Region_t{}, -defs.EMAPFAIL
		}
		*pte = (pa + mem.Pa_t(off)) | prot.pte()
	}
	return *nr, 0
}

// Map_shared maps frames into the mmap area. Each mapping takes a
// reference on every frame.
func (as *Vm_t) Map_shared(frames []mem.Pa_t, prot Prot_t, shmid int) (Region_t, defs.Err_t) {
	if len(frames) == 0 {
		return Region_t{}, -defs.EINVAL
	}
	as.Lock()
	defer as.Unlock()
	size := len(frames) * mem.PGSIZE
	start, ok := as.Regions.findhole(USERMMAP, size, false, USERSTACK)
	if as.Kernel {
		start, ok = as.Regions.findhole(KERNMIN, size, false, KERNMAX)
	}
	if !ok {
		return Region_t{}, -defs.ENOVSPACE
	}
	nr := &Region_t{Start: start, Size: size, Type: R_SHARED, Prot: prot,
		Mapped: true, Frame: frames[0], Refcnt: 1, Shmid: shmid}
	if err := as.Regions.insert(nr); err != 0 {
		return Region_t{}, err
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	for i, pa := range frames {
		va := start + uintptr(i)<<PGSHIFT
		pte, err := as.pmap_walk(va)
		if err != 0 {
			as.pmfree(start, va, true)
			as.Regions.remove(start)
			return Region_t{}, -defs.EMAPFAIL
		}
		as.vmm.Cow.Refup(pa)
		*pte = pa | prot.pte()
	}
	return *nr, 0
}

// Free_region unmaps the region starting at start, releases its frames and
// swap slots and removes any guard pages that protect it.
func (as *Vm_t) Free_region(start uintptr) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	return as._free(start)
}

func (as *Vm_t) _free(start uintptr) defs.Err_t {
	r, ok := as.Regions.Lookup(start)
	if !ok || r.Start != start || r.Type == R_GUARD {
		return -defs.EINVAL
	}
	end := r.End()
	owned := r.Type != R_DEVICE
	as.Lock_pmap()
	as.pmfree(start, end, owned)
	as.Unlock_pmap()
	as.Regions.remove(start)
	var guards []uintptr
	as.Regions.Iter(func(g *Region_t) bool {
		if g.Type == R_GUARD && g.Guardof == start {
			guards = append(guards, g.Start)
		}
		return false
	})
	for _, g := range guards {
		as.Regions.remove(g)
	}
	return 0
}

// Unmap removes [start, start+size), splitting regions at the ends.
func (as *Vm_t) Unmap(start uintptr, size int) defs.Err_t {
	if size <= 0 || mem.Pa_t(start)&PGOFFSET != 0 {
		return -defs.EINVAL
	}
	as.Lock()
	defer as.Unlock()
	end := start + uintptr(util.Roundup(size, mem.PGSIZE))
	if err := as._cover(start, end); err != 0 {
		return err
	}
	as._splitat(start, end)
	for va := start; va < end; {
		r, _ := as.Regions.Lookup(va)
		va = r.End()
		if err := as._free(r.Start); err != 0 {
			return err
		}
	}
	return 0
}

// _cover checks that [start, end) is covered by non-guard regions.
func (as *Vm_t) _cover(start, end uintptr) defs.Err_t {
	for va := start; va < end; {
		r, ok := as.Regions.Lookup(va)
		if !ok {
			return -defs.EFAULT
		}
		if r.Type == R_GUARD {
			return -defs.EGUARDVIOL
		}
		va = r.End()
	}
	return 0
}

func (as *Vm_t) _splitat(start, end uintptr) {
	if r, ok := as.Regions.Lookup(start); ok && r.Start < start {
		as.Regions.split(r, start)
	}
	if r, ok := as.Regions.Lookup(end - 1); ok && r.End() > end {
		as.Regions.split(r, end)
	}
}

// Protect_region changes the protection of [start, start+size), splitting
// the regions at both ends, and rewrites the entries of present pages.
// Pages still shared copy-on-write stay read-only.
func (as *Vm_t) Protect_region(start uintptr, size int, prot Prot_t) defs.Err_t {
	if size <= 0 || mem.Pa_t(start)&PGOFFSET != 0 {
		return -defs.EINVAL
	}
	if prot&(PROT_COW|PROT_GUARD) != 0 {
		return -defs.EINVAL
	}
	as.Lock()
	defer as.Unlock()
	end := start + uintptr(util.Roundup(size, mem.PGSIZE))
	if err := as._cover(start, end); err != 0 {
		return err
	}
	as._splitat(start, end)

	as.Lock_pmap()
	defer as.Unlock_pmap()
	for va := start; va < end; {
		r, _ := as.Regions.Lookup(va)
		np := prot
		if r.Prot&PROT_COW != 0 && prot&PROT_W != 0 {
			np = prot&^PROT_W | PROT_COW
		}
		r.Prot = np
		flags := np.pte()
		for pva := r.Start; pva < r.End(); pva += PGSIZEW {
			pte := as.Pmap_lookup(pva)
			if pte == nil || *pte&PTE_P == 0 {
				continue
			}
			nf := flags
			if *pte&PTE_COW != 0 {
				nf = nf&^PTE_W | PTE_COW
			} else if np&PROT_COW != 0 {
				// private page of a cow region
				nf |= PTE_W
			}
			*pte = *pte&(PTE_ADDR|PTE_A|PTE_D) | nf
			as.tlbflush(pva)
		}
		va = r.End()
	}
	return 0
}

// Create_cow_mapping maps the region starting at start into child, sharing
// its frames copy-on-write. as must not be child.
func (as *Vm_t) Create_cow_mapping(child *Vm_t, start uintptr) defs.Err_t {
	if as == child {
		return -defs.EINVAL
	}
	as.Lock()
	defer as.Unlock()
	r, ok := as.Regions.Lookup(start)
	if !ok || r.Start != start {
		return -defs.EINVAL
	}
	child.Lock()
	defer child.Unlock()
	as.Lock_pmap()
	defer as.Unlock_pmap()
	child.Lock_pmap()
	defer child.Unlock_pmap()
	nr, err := as._cowmap(child, r)
	if err != 0 {
		return err
	}
	if !r.Type.user() && r.Type != R_GUARD && r.Type != R_DEVICE {
		nr.Type = R_COW
	}
	return 0
}

// Fork duplicates every region of as into the empty address space child.
func (as *Vm_t) Fork(child *Vm_t) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	child.Lock()
	defer child.Unlock()
	if child.Regions.Len() != 0 {
		panic("fork into non-empty address space")
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	child.Lock_pmap()
	defer child.Unlock_pmap()

	var err defs.Err_t
	as.Regions.Iter(func(r *Region_t) bool {
		_, err = as._cowmap(child, r)
		return err != 0
	})
	if err != 0 {
		return err
	}
	child.heapstart = as.heapstart
	child.brk = as.brk
	child.aslr = as.aslr
	child.aslrdone = as.aslrdone
	return 0
}

// _cowmap copies region r and its mappings into child. both page-table
// locks must be held.
func (as *Vm_t) _cowmap(child *Vm_t, r *Region_t) (*Region_t, defs.Err_t) {
	cr := *r
	switch r.Type {
	case R_GUARD:
	case R_DEVICE, R_SHARED:
		for va := r.Start; va < r.End(); va += PGSIZEW {
			ppte := as.Pmap_lookup(va)
			if ppte == nil || *ppte&PTE_P == 0 {
				continue
			}
			cpte, err := child.pmap_walk(va)
			if err != 0 {
				return nil, -defs.EMAPFAIL
			}
			if r.Type == R_SHARED {
				as.vmm.Cow.Refup(*ppte & PTE_ADDR)
			}
			*cpte = *ppte &^ (PTE_A | PTE_D)
		}
	default:
		if r.Prot&PROT_W != 0 {
			r.Prot = r.Prot&^PROT_W | PROT_COW
		}
		r.Refcnt++
		cr.Prot = r.Prot
		cr.Refcnt = r.Refcnt
		for va := r.Start; va < r.End(); va += PGSIZEW {
			ppte := as.Pmap_lookup(va)
			if ppte == nil {
				continue
			}
			if *ppte&PTE_P == 0 && *ppte&PTE_SWAP != 0 {
				if err := as._swapin(va, ppte, r); err != 0 {
					return nil, err
				}
			}
			if *ppte&PTE_P == 0 {
				continue
			}
			cpte, err := child.pmap_walk(va)
			if err != 0 {
				return nil, -defs.EMAPFAIL
			}
			npte := *ppte&^PTE_W | PTE_COW
			if npte != *ppte {
				*ppte = npte
				as.tlbflush(va)
			}
			as.vmm.Cow.Refup(npte & PTE_ADDR)
			*cpte = npte &^ (PTE_A | PTE_D)
			if child.trackable(&cr) {
				child.vmm.swap.track(child, va)
			}
		}
	}
	if err := child.Regions.insert(&cr); err != 0 {
		return nil, err
	}
	ret, _ := child.Regions.Lookup(cr.Start)
	return ret, 0
}

// Brk moves the end of the heap. A zero newbrk returns the current break.
func (as *Vm_t) Brk(newbrk uintptr) (uintptr, defs.Err_t) {
	as.Lock()
	defer as.Unlock()
	if newbrk == 0 {
		return as.brk, 0
	}
	if as.Kernel || newbrk < as.heapstart {
		return as.brk, -defs.EINVAL
	}
	newend := util.Roundup(newbrk, PGSIZEW)
	curend := util.Roundup(as.brk, PGSIZEW)
	r, ok := as.Regions.Lookup(as.heapstart)
	if ok && r.Type != R_HEAP {
		return as.brk, -defs.ENOMEM
	}
	switch {
	case newend > curend:
		if as.Regions.rb.overlaps(curend, newend) != nil {
			return as.brk, -defs.ENOMEM
		}
		if ok {
			r.Size = int(newend - as.heapstart)
		} else {
			nr := &Region_t{Start: as.heapstart,
				Size: int(newend - as.heapstart), Type: R_HEAP,
				Prot: PROT_R | PROT_W | PROT_USER, Refcnt: 1}
			if err := as.Regions.insert(nr); err != 0 {
				return as.brk, -defs.ENOMEM
			}
		}
	case newend < curend:
		as.Lock_pmap()
		as.pmfree(newend, curend, true)
		as.Unlock_pmap()
		if newend == as.heapstart {
			as.Regions.remove(as.heapstart)
		} else {
			r.Size = int(newend - as.heapstart)
		}
	}
	as.brk = newbrk
	return as.brk, 0
}

// Translate returns the physical address va maps to.
func (as *Vm_t) Translate(va uintptr) (mem.Pa_t, bool) {
	if !canonical(va) {
		return 0, false
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	pte := as.Pmap_lookup(va)
	if pte == nil || *pte&PTE_P == 0 {
		return 0, false
	}
	*pte |= PTE_A
	if as.vmm.swap != nil {
		as.vmm.swap.touch(as, va&^PGOFFSETW)
	}
	return *pte&PTE_ADDR | mem.Pa_t(va)&PGOFFSET, true
}

const PGOFFSETW uintptr = uintptr(PGOFFSET)

func (as *Vm_t) Lookup(va uintptr) (Region_t, bool) {
	as.RLock()
	defer as.RUnlock()
	r, ok := as.Regions.Lookup(va)
	if !ok {
		return Region_t{}, false
	}
	return *r, true
}

// Snapshot returns copies of all regions in address order.
func (as *Vm_t) Snapshot() []Region_t {
	as.RLock()
	defer as.RUnlock()
	return as.Regions.Snapshot()
}

type Layout_t struct {
	Code   [2]uintptr
	Data   [2]uintptr
	Heap   [2]uintptr
	Stack  [2]uintptr
	Brk    uintptr
	Root   mem.Pa_t
	Nregs  int
	Mapped int
}

func (l Layout_t) String() string {
	return fmt.Sprintf("code %#x-%#x data %#x-%#x heap %#x-%#x "+
		"stack %#x-%#x brk %#x root %#x regions %v",
		l.Code[0], l.Code[1], l.Data[0], l.Data[1], l.Heap[0], l.Heap[1],
		l.Stack[0], l.Stack[1], l.Brk, l.Root, l.Nregs)
}

// Layout summarizes the address space: the extent of each user segment
// type, the break and the page-table root.
func (as *Vm_t) Layout() Layout_t {
	as.RLock()
	defer as.RUnlock()
	ret := Layout_t{Brk: as.brk, Root: as.P_pmap, Nregs: as.Regions.Len()}
	ext := func(e *[2]uintptr, r *Region_t) {
		if e[0] == 0 || r.Start < e[0] {
			e[0] = r.Start
		}
		if r.End() > e[1] {
			e[1] = r.End()
		}
	}
	as.Regions.Iter(func(r *Region_t) bool {
		switch r.Type {
		case R_CODE:
			ext(&ret.Code, r)
		case R_DATA:
			ext(&ret.Data, r)
		case R_HEAP:
			ext(&ret.Heap, r)
		case R_STACK:
			ext(&ret.Stack, r)
		}
		if r.Mapped {
			ret.Mapped += r.Size
		}
		return false
	})
	return ret
}

// Teardown releases every region, frame, swap slot and page-table page of
// the address space. The kernel half of a user pmap is shared and left
// alone.
func (as *Vm_t) Teardown() {
	as.Lock()
	defer as.Unlock()
	as.Lock_pmap()
	defer as.Unlock_pmap()
	for _, r := range as.Regions.Snapshot() {
		as.pmfree(r.Start, r.End(), r.Type != R_DEVICE)
		as.Regions.remove(r.Start)
	}
	if as.Kernel {
		as.pmfree_tables(0, 512, true)
	} else {
		as.pmfree_tables(0, 256, true)
	}
}
