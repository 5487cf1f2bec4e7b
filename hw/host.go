package hw

import "crypto/rand"
import "encoding/binary"
import "sync/atomic"

import "golang.org/x/sys/cpu"
import "golang.org/x/sys/unix"

// Host_t runs the kernel core as a hosted process. The page-table root and
// TLB are tracked rather than loaded into the real cpu.
type Host_t struct {
	cr3     atomic.Uintptr
	flushes atomic.Uint64
	boot    uint64
}

func Mkhost() *Host_t {
	h := &Host_t{}
	h.boot = monotonic()
	return h
}

func monotonic() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		panic("no monotonic clock")
	}
	return uint64(ts.Nano())
}

func (h *Host_t) Invlpg(va uintptr) {
	h.flushes.Add(1)
}

func (h *Host_t) Lcr3(pa Pa_t) {
	h.cr3.Store(uintptr(pa))
}

func (h *Host_t) Cr3() Pa_t {
	return Pa_t(h.cr3.Load())
}

// Rdrand draws from the host's entropy pool, which is seeded by the
// instruction itself on cpus that have it.
func (h *Host_t) Rdrand() (uint64, bool) {
	if !cpu.X86.HasRDRAND {
		return 0, false
	}
	var b [8]uint8
	if _, err := rand.Read(b[:]); err != nil {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b[:]), true
}

func (h *Host_t) Rdtsc() uint64 {
	return monotonic()
}

func (h *Host_t) Now_ms() uint64 {
	return (monotonic() - h.boot) / 1e6
}
