package vm

import "fmt"

import "kcore/defs"
import "kcore/mem"

func pml4idx(v uintptr) uint {
	return uint(v>>(12+9*3)) & 0x1ff
}

func canonical(v uintptr) bool {
	top := v >> 47
	return top == 0 || top == 0x1ffff
}

func _instpg(phys *mem.Physmem_t, pg *mem.Pmap_t, idx uint, perms mem.Pa_t) (mem.Pa_t, bool) {
	p_np, err := phys.Alloc_frame()
	if err != 0 {
		return 0, false
	}
	phys.Zero(p_np)
	npte := p_np | perms | PTE_P
	pg[idx] = npte
	return npte, true
}

// returns nil if either 1) create was false and the mapping doesn't exist or
// 2) create was true but we failed to allocate a page to create the mapping.
func pmap_pgtbl(phys *mem.Physmem_t, pml4 *mem.Pmap_t, v uintptr, create bool,
	perms mem.Pa_t) (*mem.Pmap_t, int) {
	if !canonical(v) {
		panic(fmt.Sprintf("non-canonical va %#x", v))
	}
	vn := uint(v)
	l4b := (vn >> (12 + 9*3)) & 0x1ff
	pdpb := (vn >> (12 + 9*2)) & 0x1ff
	pdb := (vn >> (12 + 9*1)) & 0x1ff
	ptb := (vn >> (12 + 9*0)) & 0x1ff

	if v>>PGSHIFT == 0 && create {
		panic("mapping page 0")
	}

	cpe := func(pe mem.Pa_t) *mem.Pmap_t {
		// XXXPANIC
		if pe&PTE_PS != 0 {
			panic("page table corrupt: large page in walk")
		}
		return phys.Dmap_pmap(pe & PTE_ADDR)
	}

	var ok bool
	pe := pml4[l4b]
	if pe&PTE_P == 0 {
		if !create {
			return nil, 0
		}
		pe, ok = _instpg(phys, pml4, l4b, perms)
		if !ok {
			return nil, 0
		}
	}
	next := cpe(pe)
	pe = next[pdpb]
	if pe&PTE_P == 0 {
		if !create {
			return nil, 0
		}
		pe, ok = _instpg(phys, next, pdpb, perms)
		if !ok {
			return nil, 0
		}
	}
	next = cpe(pe)
	pe = next[pdb]
	if pe&PTE_P == 0 {
		if !create {
			return nil, 0
		}
		pe, ok = _instpg(phys, next, pdb, perms)
		if !ok {
			return nil, 0
		}
	}
	next = cpe(pe)
	return next, int(ptb)
}

func (as *Vm_t) _pmap_walk(v uintptr, create bool) *mem.Pa_t {
	perms := PTE_W
	if !as.Kernel && v < USERMAX {
		perms |= PTE_U
	}
	pgtbl, slot := pmap_pgtbl(as.phys, as.Pmap, v, create, perms)
	if pgtbl == nil {
		return nil
	}
	return &pgtbl[slot]
}

func (as *Vm_t) pmap_walk(v uintptr) (*mem.Pa_t, defs.Err_t) {
	as.Lockassert_pmap()
	ret := as._pmap_walk(v, true)
	if ret == nil {
		// create was set; failed to allocate a page
		return nil, -defs.ENOMEM
	}
	return ret, 0
}

func (as *Vm_t) Pmap_lookup(v uintptr) *mem.Pa_t {
	return as._pmap_walk(v, false)
}

// unmaps and releases every page of [start, end).
func (as *Vm_t) pmfree(start, end uintptr, owned bool) {
	as.Lockassert_pmap()
	for i := start; i < end; {
		pg, slot := pmap_pgtbl(as.phys, as.Pmap, i, false, 0)
		if pg == nil {
			// this level is not mapped; skip to the next va that
			// may have a mapping at this level
			i += (1 << 21)
			i &^= (1 << 21) - 1
			continue
		}
		tofree := pg[slot:]
		left := (end - i) >> PGSHIFT
		if left < uintptr(len(tofree)) {
			tofree = tofree[:left]
		}
		for idx, pte := range tofree {
			va := i + uintptr(idx)<<PGSHIFT
			if pte&PTE_P != 0 {
				pa := pte & PTE_ADDR
				if owned {
					as.vmm.release(pa)
				}
				if as.vmm.swap != nil {
					as.vmm.swap.untrack(as, va)
				}
				tofree[idx] = 0
				as.tlbflush(va)
			} else if pte&PTE_SWAP != 0 {
				as.vmm.swap.freeslot(swapslot(pte))
				tofree[idx] = 0
			}
		}
		i += uintptr(len(tofree)) << PGSHIFT
	}
}

// frees the page-table pages below the pml4 entries [lo, hi) and then
// the pml4 itself if whole is set.
func (as *Vm_t) pmfree_tables(lo, hi uint, whole bool) {
	var rec func(pa mem.Pa_t, lev int)
	rec = func(pa mem.Pa_t, lev int) {
		if lev > 1 {
			pm := as.phys.Dmap_pmap(pa)
			for _, pe := range pm {
				if pe&PTE_P != 0 {
					rec(pe&PTE_ADDR, lev-1)
				}
			}
		}
		as.phys.Free_frame(pa)
	}
	for i := lo; i < hi; i++ {
		pe := as.Pmap[i]
		if pe&PTE_P != 0 {
			rec(pe&PTE_ADDR, 3)
			as.Pmap[i] = 0
		}
	}
	if whole {
		as.phys.Free_frame(as.P_pmap)
		as.Pmap = nil
		as.P_pmap = 0
	}
}

func Assert_no_va_map(as *Vm_t, va uintptr) {
	pte := as.Pmap_lookup(va)
	if pte != nil && *pte&PTE_P != 0 {
		panic(fmt.Sprintf("va %#x is mapped", va))
	}
}
