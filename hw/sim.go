package hw

import "sync"

// Sim_t is a deterministic machine: the clock only moves when told to and
// the random generator is a seeded xorshift.
type Sim_t struct {
	sync.Mutex
	now      uint64
	tsc      uint64
	seed     uint64
	Nordrand bool
	Cr3      Pa_t
	Lcr3s    int
	Flushed  []uintptr
}

func Mksim(seed uint64) *Sim_t {
	if seed == 0 {
		seed = 0x9e3779b97f4a7c15
	}
	return &Sim_t{seed: seed}
}

func (s *Sim_t) Invlpg(va uintptr) {
	s.Lock()
	s.Flushed = append(s.Flushed, va)
	s.Unlock()
}

func (s *Sim_t) Lcr3(pa Pa_t) {
	s.Lock()
	s.Cr3 = pa
	s.Lcr3s++
	s.Unlock()
}

func (s *Sim_t) Rdrand() (uint64, bool) {
	s.Lock()
	defer s.Unlock()
	if s.Nordrand {
		return 0, false
	}
	x := s.seed
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	s.seed = x
	return x, true
}

func (s *Sim_t) Rdtsc() uint64 {
	s.Lock()
	defer s.Unlock()
	s.tsc += 1000
	return s.tsc
}

func (s *Sim_t) Now_ms() uint64 {
	s.Lock()
	defer s.Unlock()
	return s.now
}

func (s *Sim_t) Advance(ms uint64) {
	s.Lock()
	s.now += ms
	s.Unlock()
}

func (s *Sim_t) Set(ms uint64) {
	s.Lock()
	s.now = ms
	s.Unlock()
}

// Flushes returns and clears the recorded TLB invalidations.
func (s *Sim_t) Flushes() []uintptr {
	s.Lock()
	defer s.Unlock()
	r := s.Flushed
	s.Flushed = nil
	return r
}
