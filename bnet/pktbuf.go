package bnet

import "fmt"
import "sync"

import "kcore/defs"
import "kcore/stats"

// Pktbuf_t is a packet buffer from one of the pools. Bytes between the read
// and write cursors are the packet.
type Pktbuf_t struct {
	data []uint8
	rd   int
	wr   int
	pool *Pool_t
	free bool
}

func (pb *Pktbuf_t) Cap() int {
	return len(pb.data)
}

func (pb *Pktbuf_t) Len() int {
	return pb.wr - pb.rd
}

func (pb *Pktbuf_t) Bytes() []uint8 {
	return pb.data[pb.rd:pb.wr]
}

// Put reserves n bytes at the write cursor and returns them, or nil when the
// buffer has no room.
func (pb *Pktbuf_t) Put(n int) []uint8 {
	if n < 0 || pb.wr+n > len(pb.data) {
		return nil
	}
	ret := pb.data[pb.wr : pb.wr+n]
	pb.wr += n
	return ret
}

func (pb *Pktbuf_t) Write(src []uint8) (int, defs.Err_t) {
	dst := pb.Put(len(src))
	if dst == nil {
		return 0, -defs.ENOBUFS
	}
	return copy(dst, src), 0
}

// Read consumes up to len(dst) bytes.
func (pb *Pktbuf_t) Read(dst []uint8) int {
	n := copy(dst, pb.data[pb.rd:pb.wr])
	pb.rd += n
	return n
}

// Pad zero-extends the packet to n bytes.
func (pb *Pktbuf_t) Pad(n int) {
	for pb.Len() < n {
		b := pb.Put(1)
		if b == nil {
			return
		}
		b[0] = 0
	}
}

func (pb *Pktbuf_t) Reset() {
	pb.rd, pb.wr = 0, 0
}

type Poolstats_t struct {
	Allocs     stats.Counter_t
	Frees      stats.Counter_t
	Fails      stats.Counter_t
	Expansions stats.Counter_t
	Peak       stats.Counter_t
}

// Pool_t hands out fixed size packet buffers. It starts with init buffers
// and grows once, to twice that.
type Pool_t struct {
	sync.Mutex
	Size  int
	init  int
	max   int
	total int
	used  int
	free  []*Pktbuf_t
	Stats Poolstats_t
}

func Mkpool(size, n int) *Pool_t {
	p := &Pool_t{Size: size, init: n, max: 2 * n}
	p._grow(n)
	return p
}

func (p *Pool_t) _grow(n int) {
	backing := make([]uint8, n*p.Size)
	for i := 0; i < n; i++ {
		pb := &Pktbuf_t{pool: p, free: true}
		pb.data = backing[i*p.Size : (i+1)*p.Size : (i+1)*p.Size]
		p.free = append(p.free, pb)
	}
	p.total += n
}

func (p *Pool_t) Alloc() (*Pktbuf_t, defs.Err_t) {
	p.Lock()
	defer p.Unlock()
	if len(p.free) == 0 {
		if p.total >= p.max {
			p.Stats.Fails.Inc()
			return nil, -defs.ENOBUFS
		}
		p._grow(p.max - p.total)
		p.Stats.Expansions.Inc()
	}
	pb := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	pb.free = false
	pb.Reset()
	p.used++
	if int64(p.used) > p.Stats.Peak.Get() {
		p.Stats.Peak.Add(int64(p.used) - p.Stats.Peak.Get())
	}
	p.Stats.Allocs.Inc()
	return pb, 0
}

func (p *Pool_t) put(pb *Pktbuf_t) {
	p.Lock()
	defer p.Unlock()
	// XXXPANIC
	if pb.free {
		panic("packet buffer double free")
	}
	pb.free = true
	p.used--
	p.free = append(p.free, pb)
	p.Stats.Frees.Inc()
}

// Avail returns the number of buffers that can still be allocated,
// counting the pending expansion.
func (p *Pool_t) Avail() int {
	p.Lock()
	defer p.Unlock()
	return len(p.free) + p.max - p.total
}

const (
	SMALLBUF  = 256
	MEDIUMBUF = 2048
	LARGEBUF  = 8192
)

// Pools_t is the set of packet buffer pools of a network stack.
type Pools_t struct {
	pools []*Pool_t
}

func Mkpools() *Pools_t {
	return &Pools_t{pools: []*Pool_t{
		Mkpool(SMALLBUF, 64),
		Mkpool(MEDIUMBUF, 256),
		Mkpool(LARGEBUF, 32),
	}}
}

// Alloc returns a buffer of at least n bytes from the smallest pool that
// fits and has buffers left.
func (ps *Pools_t) Alloc(n int) (*Pktbuf_t, defs.Err_t) {
	err := defs.Err_t(-defs.EMSGSIZE)
	for _, p := range ps.pools {
		if p.Size < n {
			continue
		}
		var pb *Pktbuf_t
		if pb, err = p.Alloc(); err == 0 {
			return pb, 0
		}
	}
	return nil, err
}

func (ps *Pools_t) Free(pb *Pktbuf_t) {
	pb.pool.put(pb)
}

func (ps *Pools_t) Pool(size int) *Pool_t {
	for _, p := range ps.pools {
		if p.Size == size {
			return p
		}
	}
	return nil
}

func (ps *Pools_t) String() string {
	s := ""
	for _, p := range ps.pools {
		s += fmt.Sprintf("pool %d:%s", p.Size, stats.Stats2String(&p.Stats))
	}
	return s
}
