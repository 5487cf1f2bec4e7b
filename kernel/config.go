package kernel

import "kcore/bnet"
import "kcore/mem"

// Config_t is everything Boot needs to know about the machine.
type Config_t struct {
	Memmap []mem.Memmap_t
	Aslr   bool
	// entropy bits of the per-region ASLR offset
	Aslrbits uint
	// "fifo", "lru" or "clock"
	Swappolicy string
	// swap slots live in this file when set, otherwise in memory
	Swappath  string
	Swapslots int
	// ms charged to the running thread per accounting period
	Period int
	Net    bnet.Netcfg_t
	// bytes of console output kept for Console_t.Output
	Consolesz int
}

// Defconfig describes a 64MB machine with a conventional low-memory hole.
func Defconfig() Config_t {
	return Config_t{
		Memmap: []mem.Memmap_t{
			{Start: 0, End: 0x9f000, Kind: mem.MEM_USABLE},
			{Start: 0x9f000, End: 0x100000, Kind: mem.MEM_RESERVED},
			{Start: 0x100000, End: 64 << 20, Kind: mem.MEM_USABLE},
		},
		Aslr:       true,
		Aslrbits:   16,
		Swappolicy: "clock",
		Swapslots:  1024,
		Period:     10,
		Net:        bnet.Defnetcfg(),
		Consolesz:  mem.PGSIZE,
	}
}
