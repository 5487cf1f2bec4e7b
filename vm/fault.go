package vm

import "kcore/defs"
import "kcore/mem"
import "kcore/util"

// Handle_page_fault resolves a fault at va. ecode carries the
// defs.PGFAULT_* bits pushed by the cpu. A zero return means the access can
// be retried; otherwise the error classifies the violation.
func (as *Vm_t) Handle_page_fault(va uintptr, ecode uintptr) defs.Err_t {
	as.RLock()
	defer as.RUnlock()
	as.Lock_pmap()
	defer as.Unlock_pmap()
	return as._pgfault(va, ecode)
}

func (as *Vm_t) violation(err defs.Err_t) defs.Err_t {
	as.vmm.Stats.Violations.Inc()
	return err
}

// _pgfault requires the region map read lock and the page-table lock.
func (as *Vm_t) _pgfault(va uintptr, ecode uintptr) defs.Err_t {
	as.Lockassert_pmap()
	as.vmm.Stats.Faults.Inc()
	if !canonical(va) {
		return as.violation(-defs.EFAULT)
	}
	r, ok := as.Regions.Lookup(va)
	if !ok {
		return as.violation(-defs.EFAULT)
	}
	if r.Type == R_GUARD || r.Prot&PROT_GUARD != 0 {
		return as.violation(-defs.EGUARDVIOL)
	}
	user := ecode&defs.PGFAULT_U != 0
	write := ecode&defs.PGFAULT_W != 0
	exec := ecode&defs.PGFAULT_I != 0
	if user && r.Prot&PROT_USER == 0 {
		return as.violation(-defs.EPRIVVIOL)
	}
	if exec && r.Prot&PROT_X == 0 {
		return as.violation(-defs.EEXECVIOL)
	}
	if write && !r.Prot.writable() {
		return as.violation(-defs.EWRITEVIOL)
	}

	va &^= PGOFFSETW
	pte, err := as.pmap_walk(va)
	if err != 0 {
		return as.violation(-defs.EMAPFAIL)
	}
	if *pte&PTE_P != 0 {
		if !write || *pte&PTE_W != 0 {
			// another thread resolved the same fault first
			return 0
		}
		if *pte&PTE_COW != 0 {
			return as._cowbreak(va, pte, r)
		}
		// the region became writable after the page was mapped
		*pte = *pte&(PTE_ADDR|PTE_A|PTE_D) | r.Prot.pte() | PTE_W
		as.tlbflush(va)
		return 0
	}
	if *pte&PTE_SWAP != 0 {
		return as._swapin(va, pte, r)
	}
	switch r.Type {
	case R_DEVICE, R_SHARED:
		// always fully mapped
		return as.violation(-defs.EMAPFAIL)
	}
	return as._demand(va, pte, r, write)
}

func (as *Vm_t) _demand(va uintptr, pte *mem.Pa_t, r *Region_t, write bool) defs.Err_t {
	pa, err := as.allocframe()
	if err != 0 {
		return err
	}
	as.phys.Zero(pa)
	flags := r.Prot.pte() | PTE_A
	if r.Prot&PROT_COW != 0 {
		// a fresh page is private even in a cow region
		flags |= PTE_W
	}
	if write {
		flags |= PTE_D
	}
	*pte = pa | flags
	as.vmm.Stats.Demand.Inc()
	if as.trackable(r) {
		as.vmm.swap.track(as, va)
	}
	return 0
}

// _cowbreak gives the faulting address space a private writable copy of a
// shared page. If no one else maps the frame any longer it is claimed in
// place.
func (as *Vm_t) _cowbreak(va uintptr, pte *mem.Pa_t, r *Region_t) defs.Err_t {
	old := *pte & PTE_ADDR
	flags := *pte&PTE_FLAGS&^PTE_COW | PTE_W | PTE_A | PTE_D
	if as.vmm.Cow.Refcnt(old) == 1 {
		*pte = old | flags
		as.tlbflush(va)
		as.vmm.Stats.Cowclaim.Inc()
		return 0
	}
	npa, err := as.allocframe()
	if err != 0 {
		return err
	}
	// allocframe may have evicted; the pte itself never refers to a shared
	// frame's slot, so old is still valid
	as.phys.Copy(npa, old)
	*pte = npa | flags
	as.tlbflush(va)
	as.vmm.release(old)
	as.vmm.Stats.Cowcopy.Inc()
	if as.trackable(r) {
		as.vmm.swap.track(as, va)
	}
	return 0
}

// Userdmap8_inner returns the bytes of the page containing user address va
// from va to the end of the page, faulting the page in first if needed.
// k2u is set when the kernel is about to write to the page.
func (as *Vm_t) Userdmap8_inner(va uintptr, k2u bool) ([]uint8, defs.Err_t) {
	as.Lockassert_pmap()
	if va < USERMIN || va >= USERMAX {
		return nil, -defs.EFAULT
	}
	voff := va & PGOFFSETW
	ecode := uintptr(defs.PGFAULT_U)
	if k2u {
		ecode |= defs.PGFAULT_W
	}
	pte := as.Pmap_lookup(va)
	needfault := true
	if pte != nil && *pte&PTE_P != 0 && *pte&PTE_U != 0 {
		needfault = k2u && *pte&PTE_W == 0
	}
	if needfault {
		if err := as._pgfault(va, ecode); err != 0 {
			return nil, err
		}
		pte = as.Pmap_lookup(va)
	}
	*pte |= PTE_A
	if k2u {
		*pte |= PTE_D
	}
	if as.vmm.swap != nil {
		as.vmm.swap.touch(as, va-voff)
	}
	pg := mem.Pg2bytes(as.phys.Dmap(*pte & PTE_ADDR))
	return pg[voff:], 0
}

func (as *Vm_t) _utx(va uintptr, buf []uint8, k2u bool) (int, defs.Err_t) {
	did := 0
	for len(buf) != 0 {
		ub, err := as.Userdmap8_inner(va+uintptr(did), k2u)
		if err != 0 {
			return did, err
		}
		var c int
		if k2u {
			c = copy(ub, buf)
		} else {
			c = copy(buf, ub)
		}
		buf = buf[c:]
		did += c
	}
	return did, 0
}

// Copyin copies len(dst) bytes from user address va.
func (as *Vm_t) Copyin(dst []uint8, va uintptr) defs.Err_t {
	as.RLock()
	defer as.RUnlock()
	as.Lock_pmap()
	defer as.Unlock_pmap()
	_, err := as._utx(va, dst, false)
	return err
}

// Copyout copies src to user address va, breaking copy-on-write sharing.
func (as *Vm_t) Copyout(va uintptr, src []uint8) defs.Err_t {
	as.RLock()
	defer as.RUnlock()
	as.Lock_pmap()
	defer as.Unlock_pmap()
	_, err := as._utx(va, src, true)
	return err
}

// Userreadn reads an n byte little-endian integer from user memory.
func (as *Vm_t) Userreadn(va uintptr, n int) (int, defs.Err_t) {
	if n > 8 {
		panic("large n")
	}
	var buf [8]uint8
	if err := as.Copyin(buf[:n], va); err != 0 {
		return 0, err
	}
	return util.Readn(buf[:], n, 0), 0
}

func (as *Vm_t) Userwriten(va uintptr, n, val int) defs.Err_t {
	if n > 8 {
		panic("large n")
	}
	var buf [8]uint8
	util.Writen(buf[:], n, 0, val)
	return as.Copyout(va, buf[:n])
}

// Userstr returns the NUL terminated string at va, at most lenmax bytes
// long.
func (as *Vm_t) Userstr(va uintptr, lenmax int) (string, defs.Err_t) {
	if lenmax < 0 {
		return "", 0
	}
	as.RLock()
	defer as.RUnlock()
	as.Lock_pmap()
	defer as.Unlock_pmap()
	var s []uint8
	for {
		str, err := as.Userdmap8_inner(va+uintptr(len(s)), false)
		if err != 0 {
			return "", err
		}
		for j, c := range str {
			if c == 0 {
				return string(append(s, str[:j]...)), 0
			}
		}
		s = append(s, str...)
		if len(s) >= lenmax {
			return "", -defs.ENAMETOOLONG
		}
	}
}

// Kwrite writes src at va on behalf of the kernel, ignoring the page
// protection. exec uses it to fill read-only segments.
func (as *Vm_t) Kwrite(va uintptr, src []uint8) defs.Err_t {
	as.RLock()
	defer as.RUnlock()
	as.Lock_pmap()
	defer as.Unlock_pmap()
	for len(src) != 0 {
		r, ok := as.Regions.Lookup(va)
		if !ok || r.Type == R_GUARD {
			return -defs.EFAULT
		}
		pva := va &^ PGOFFSETW
		pte, err := as.pmap_walk(pva)
		if err != 0 {
			return -defs.EMAPFAIL
		}
		if *pte&PTE_P == 0 {
			if err := as._pgfault(pva, 0); err != 0 {
				return err
			}
		}
		if *pte&PTE_COW != 0 && as.vmm.Cow.Refcnt(*pte&PTE_ADDR) > 1 {
			if err := as._cowbreak(pva, pte, r); err != 0 {
				return err
			}
			// keep the region's protection
			*pte = *pte&(PTE_ADDR|PTE_A|PTE_D) | r.Prot.pte()
			if r.Prot&PROT_COW != 0 {
				*pte |= PTE_W
			}
		}
		pg := mem.Pg2bytes(as.phys.Dmap(*pte & PTE_ADDR))
		c := copy(pg[va-pva:], src)
		*pte |= PTE_D
		src = src[c:]
		va += uintptr(c)
	}
	return 0
}

// Userok reports whether [va, va+n) is user memory accessible for reading,
// or writing if write is set.
func (as *Vm_t) Userok(va uintptr, n int, write bool) defs.Err_t {
	if n < 0 {
		return -defs.EINVAL
	}
	if n == 0 {
		return 0
	}
	end := va + uintptr(n)
	if end < va || va < USERMIN || end > USERMAX {
		return -defs.EFAULT
	}
	as.RLock()
	defer as.RUnlock()
	for a := va; a < end; {
		r, ok := as.Regions.Lookup(a)
		if !ok || r.Type == R_GUARD || r.Prot&PROT_USER == 0 {
			return -defs.EFAULT
		}
		if write && !r.Prot.writable() {
			return -defs.EFAULT
		}
		a = r.End()
	}
	return 0
}
