// Package hw is the boundary between the kernel core and the machine: TLB
// maintenance, the page-table root register, the cycle counter, the
// hardware random number generator and the millisecond clock.
package hw

import "sync/atomic"

import "kcore/stats"

type Pa_t uintptr

type Hw_i interface {
	// Invlpg drops the TLB entry for va on this cpu.
	Invlpg(va uintptr)
	// Lcr3 installs pa as the page-table root.
	Lcr3(pa Pa_t)
	// Rdrand returns a hardware random value; ok is false if the
	// instruction is missing or failed.
	Rdrand() (uint64, bool)
	Rdtsc() uint64
	Now_ms() uint64
}

type Hwstats_t struct {
	Hwrng   stats.Counter_t
	Weakrng stats.Counter_t
}

var Stats Hwstats_t

var fallbackctr uint64

// Mix is the fallback generator used when the cpu has no random
// instruction.
func Mix(tsc, counter uint64) uint64 {
	return tsc*6364136223846793005 + counter
}

// Rand64 returns a random value from h, falling back to the mixed cycle
// counter. Every fallback value is counted in Stats.Weakrng.
func Rand64(h Hw_i) uint64 {
	if v, ok := h.Rdrand(); ok {
		Stats.Hwrng.Inc()
		return v
	}
	Stats.Weakrng.Inc()
	return Mix(h.Rdtsc(), atomic.AddUint64(&fallbackctr, 1))
}
