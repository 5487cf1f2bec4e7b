package bnet

import "sync"

import "kcore/defs"
import "kcore/inet"
import "kcore/stats"

// Nic_i is a network device. Tx copies frame; the caller may reuse it once
// Tx returns.
type Nic_i interface {
	Tx(frame []uint8) defs.Err_t
	Mac() inet.Mac_t
	Mtu() int
}

// Rxq_i is implemented by devices whose received frames are collected by
// the stack's Poll instead of being pushed through Net_t.Rx.
type Rxq_i interface {
	Rxdrain() [][]uint8
}

type Ifaddr_t struct {
	Ip   inet.Ipaddr_t
	Plen int
}

type Ifstats_t struct {
	Rxframes stats.Counter_t
	Txframes stats.Counter_t
	Rxbytes  stats.Counter_t
	Txbytes  stats.Counter_t
	Txerrs   stats.Counter_t
}

// Iface_t is an entry of the interface table. The table's lock protects
// addrs.
type Iface_t struct {
	Name     string
	Index    int
	nic      Nic_i
	Mac      inet.Mac_t
	Mtu      int
	Loopback bool
	// forwards datagrams that are not for this host
	Router bool
	addrs  []Ifaddr_t
	Stats  Ifstats_t
}

func (ifc *Iface_t) tx(frame []uint8) defs.Err_t {
	err := ifc.nic.Tx(frame)
	if err != 0 {
		ifc.Stats.Txerrs.Inc()
		return err
	}
	ifc.Stats.Txframes.Inc()
	ifc.Stats.Txbytes.Add(int64(len(frame)))
	return 0
}

// frame queue shared by the loopback and wire devices
type frameq_t struct {
	sync.Mutex
	q [][]uint8
}

func (fq *frameq_t) push(frame []uint8) {
	c := make([]uint8, len(frame))
	copy(c, frame)
	fq.Lock()
	fq.q = append(fq.q, c)
	fq.Unlock()
}

func (fq *frameq_t) Rxdrain() [][]uint8 {
	fq.Lock()
	defer fq.Unlock()
	r := fq.q
	fq.q = nil
	return r
}

// Loopback_t hands every transmitted frame back to its own stack on the
// next poll.
type Loopback_t struct {
	frameq_t
}

func (l *Loopback_t) Tx(frame []uint8) defs.Err_t {
	l.push(frame)
	return 0
}

func (l *Loopback_t) Mac() inet.Mac_t {
	return inet.Mac_t{}
}

func (l *Loopback_t) Mtu() int {
	return 1500
}

// Wire_t is a point-to-point ethernet link between two stacks. When Capture
// is set, every frame crossing the wire is recorded in order.
type Wire_t struct {
	A       *Wireend_t
	B       *Wireend_t
	sync.Mutex
	Capture bool
	frames  [][]uint8
}

type Wireend_t struct {
	frameq_t
	w    *Wire_t
	mac  inet.Mac_t
	peer *Wireend_t
	// frames sent while down are lost
	Down bool
}

func Mkwire(amac, bmac inet.Mac_t) *Wire_t {
	w := &Wire_t{}
	w.A = &Wireend_t{w: w, mac: amac}
	w.B = &Wireend_t{w: w, mac: bmac}
	w.A.peer = w.B
	w.B.peer = w.A
	return w
}

// Frames returns and forgets the captured frames.
func (w *Wire_t) Frames() [][]uint8 {
	w.Lock()
	defer w.Unlock()
	r := w.frames
	w.frames = nil
	return r
}

func (e *Wireend_t) Tx(frame []uint8) defs.Err_t {
	if e.Down || e.peer.Down {
		return 0
	}
	if len(frame) > inet.ETHER_MAX {
		return -defs.EMSGSIZE
	}
	w := e.w
	w.Lock()
	if w.Capture {
		c := make([]uint8, len(frame))
		copy(c, frame)
		w.frames = append(w.frames, c)
	}
	w.Unlock()
	e.peer.push(frame)
	return 0
}

func (e *Wireend_t) Mac() inet.Mac_t {
	return e.mac
}

func (e *Wireend_t) Mtu() int {
	return 1500
}
