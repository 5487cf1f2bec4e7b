package proc

import "fmt"

import "kcore/defs"
import "kcore/util"
import "kcore/vm"

// Seg_t is a loadable segment: Data is copied to Vaddr and the rest of
// Memsz is zero.
type Seg_t struct {
	Vaddr uintptr
	Memsz int
	Data  []uint8
	Prot  vm.Prot_t
}

// Image_t describes a program ready to be loaded by exec.
type Image_t struct {
	Name  string
	Entry uintptr
	Segs  []Seg_t
}

type elf_t struct {
	data []uint8
}

type elf_phdr struct {
	etype   int
	flags   int
	vaddr   int
	filesz  int
	fileoff int
	memsz   int
}

const (
	ELF_QUARTER = 2
	ELF_HALF    = 4
	ELF_OFF     = 8
	ELF_ADDR    = 8
	ELF_XWORD   = 8
)

const (
	PT_LOAD = 1
	PF_X    = 1
	PF_W    = 2
	PF_R    = 4
)

func (e *elf_t) sanity() bool {
	// make sure its an elf
	e_ident := 0
	elfmag := 0x464c457f
	dlen := len(e.data)
	if dlen < 0x40 {
		return false
	}
	t := util.Readn(e.data, ELF_HALF, e_ident)
	if t != elfmag {
		return false
	}
	// 64 bit, little endian
	if e.data[4] != 2 || e.data[5] != 1 {
		return false
	}

	// and that we read the entire elf header and program headers
	e_ehsize := 0x34
	ehlen := util.Readn(e.data, ELF_QUARTER, e_ehsize)
	if dlen < ehlen {
		fmt.Printf("exec: too few elf bytes (elf header)\n")
		return false
	}

	e_phoff := 0x20
	e_phentsize := 0x36
	e_phnum := 0x38

	poff := util.Readn(e.data, ELF_OFF, e_phoff)
	phsz := util.Readn(e.data, ELF_QUARTER, e_phentsize)
	phnum := util.Readn(e.data, ELF_QUARTER, e_phnum)
	phend := poff + phsz*phnum
	if poff < 0 || phsz < 0x38 || dlen < phend {
		fmt.Printf("exec: too few elf bytes (program headers)\n")
		return false
	}
	return true
}

func (e *elf_t) npheaders() int {
	e_phnum := 0x38
	return util.Readn(e.data, ELF_QUARTER, e_phnum)
}

func (e *elf_t) header(c int) elf_phdr {
	ret := elf_phdr{}

	nph := e.npheaders()
	if c >= nph {
		panic("header idx too large")
	}
	d := e.data
	e_phoff := 0x20
	e_phentsize := 0x36
	hoff := util.Readn(d, ELF_OFF, e_phoff)
	hsz := util.Readn(d, ELF_QUARTER, e_phentsize)

	p_type := 0x0
	p_flags := 0x4
	p_offset := 0x8
	p_vaddr := 0x10
	p_filesz := 0x20
	p_memsz := 0x28
	f := func(w int, sz int) int {
		return util.Readn(d, sz, hoff+c*hsz+w)
	}
	ret.etype = f(p_type, ELF_HALF)
	ret.flags = f(p_flags, ELF_HALF)
	ret.fileoff = f(p_offset, ELF_OFF)
	ret.vaddr = f(p_vaddr, ELF_ADDR)
	ret.filesz = f(p_filesz, ELF_XWORD)
	ret.memsz = f(p_memsz, ELF_XWORD)
	return ret
}

func (e *elf_t) entry() int {
	e_entry := 0x18
	return util.Readn(e.data, ELF_ADDR, e_entry)
}

// Mkimage parses a 64-bit ELF executable into an image. Only PT_LOAD
// segments in the user address range are kept.
func Mkimage(name string, data []uint8) (*Image_t, defs.Err_t) {
	e := &elf_t{data}
	if !e.sanity() {
		return nil, -defs.EINVAL
	}
	ret := &Image_t{Name: name, Entry: uintptr(e.entry())}
	for i := 0; i < e.npheaders(); i++ {
		hdr := e.header(i)
		if hdr.etype != PT_LOAD {
			continue
		}
		if hdr.filesz > hdr.memsz || hdr.fileoff < 0 ||
			hdr.fileoff+hdr.filesz > len(data) {
			return nil, -defs.EINVAL
		}
		va := uintptr(hdr.vaddr)
		if va < vm.USERMIN || va+uintptr(hdr.memsz) > vm.USERMAX {
			return nil, -defs.EINVAL
		}
		prot := vm.PROT_USER
		if hdr.flags&PF_R != 0 {
			prot |= vm.PROT_R
		}
		if hdr.flags&PF_W != 0 {
			prot |= vm.PROT_W
		}
		if hdr.flags&PF_X != 0 {
			prot |= vm.PROT_X
		}
		seg := Seg_t{Vaddr: va, Memsz: hdr.memsz, Prot: prot,
			Data: data[hdr.fileoff : hdr.fileoff+hdr.filesz]}
		ret.Segs = append(ret.Segs, seg)
	}
	if len(ret.Segs) == 0 {
		return nil, -defs.EINVAL
	}
	return ret, 0
}
