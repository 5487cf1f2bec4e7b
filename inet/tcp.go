package inet

import "encoding/binary"
import "fmt"
import "unsafe"

import "kcore/defs"

type Tcphdr_t struct {
	Sport   Be16
	Dport   Be16
	Seq     Be32
	Ack     Be32
	Dataoff uint8
	Flags   uint8
	Win     Be16
	Cksum   Be16
	Urg     Be16
}

const TCPLEN = int(unsafe.Sizeof(Tcphdr_t{}))

const (
	TCP_FIN uint8 = 1 << 0
	TCP_SYN uint8 = 1 << 1
	TCP_RST uint8 = 1 << 2
	TCP_PSH uint8 = 1 << 3
	TCP_ACK uint8 = 1 << 4
	TCP_URG uint8 = 1 << 5
)

// Init fills in a header without options.
func (t *Tcphdr_t) Init(sport, dport uint16, seq, ack uint32, flags uint8, win uint16) {
	var z Tcphdr_t
	*t = z
	t.Sport = Htons(sport)
	t.Dport = Htons(dport)
	t.Seq = Htonl(seq)
	t.Ack = Htonl(ack)
	t.Dataoff = 0x50
	t.Flags = flags
	t.Win = Htons(win)
}

// Set_optlen records the length of the options that follow the header;
// it must be a multiple of 4.
func (t *Tcphdr_t) Set_optlen(n int) {
	if n%4 != 0 {
		panic("options must be 32bit aligned")
	}
	t.Dataoff = uint8(TCPLEN/4+n/4) << 4
}

func (t *Tcphdr_t) Hdrlen() int {
	return int(t.Dataoff>>4) * 4
}

func (t *Tcphdr_t) Issyn() bool {
	return t.Flags&TCP_SYN != 0
}

func (t *Tcphdr_t) Isack() (uint32, bool) {
	return Ntohl(t.Ack), t.Flags&TCP_ACK != 0
}

func (t *Tcphdr_t) Isrst() bool {
	return t.Flags&TCP_RST != 0
}

func (t *Tcphdr_t) Isfin() bool {
	return t.Flags&TCP_FIN != 0
}

func (t *Tcphdr_t) Ispush() bool {
	return t.Flags&TCP_PSH != 0
}

func (t *Tcphdr_t) Seqno() uint32 {
	return Ntohl(t.Seq)
}

func (t *Tcphdr_t) Ports() (uint16, uint16) {
	return Ntohs(t.Sport), Ntohs(t.Dport)
}

func (t *Tcphdr_t) Bytes() []uint8 {
	return (*[TCPLEN]uint8)(unsafe.Pointer(t))[:]
}

func (t *Tcphdr_t) Dump(sip, dip Ipaddr_t, opt Tcpopt_t, dlen int) string {
	s := fmt.Sprintf("%s:%d -> %s:%d", sip, Ntohs(t.Sport),
		dip, Ntohs(t.Dport))
	if t.Issyn() {
		s += fmt.Sprintf(", S")
	}
	s += fmt.Sprintf(" [%v+%v]", Ntohl(t.Seq), dlen)
	if ack, ok := t.Isack(); ok {
		s += fmt.Sprintf(", A [%v]", ack)
	}
	if t.Isrst() {
		s += fmt.Sprintf(", R")
	}
	if t.Isfin() {
		s += fmt.Sprintf(", F")
	}
	if t.Ispush() {
		s += fmt.Sprintf(", P")
	}
	s += fmt.Sprintf(", win=%v", Ntohs(t.Win))
	if opt.Sackok {
		s += fmt.Sprintf(", SACKok")
	}
	if opt.Wsok {
		s += fmt.Sprintf(", wshift=%v", opt.Wshift)
	}
	if opt.Tsok {
		s += fmt.Sprintf(", timestamp=%v", opt.Tsval)
	}
	if opt.Mss != 0 {
		s += fmt.Sprintf(", MSS=%v", opt.Mss)
	}
	return s
}

type Tcpopt_t struct {
	Wshift uint
	Wsok   bool
	Tsval  uint32
	Tsecr  uint32
	Mss    uint16
	Tsok   bool
	// recognised, never acted upon
	Sackok bool
}

const (
	// len = 1
	oend = uint8(0)
	// len = 1
	onop = uint8(1)
	// len = 4
	omss = uint8(2)
	// len = 3
	owsopt = uint8(3)
	// len = 2
	osackok = uint8(4)
	// len = >2
	osacks = uint8(5)
	// len = 10
	otsopt = uint8(8)
)

func _sl2tcpopt(buf []uint8) Tcpopt_t {
	var ret Tcpopt_t
outer:
	for len(buf) != 0 {
		switch buf[0] {
		case oend:
			break outer
		case onop:
			buf = buf[1:]
			continue
		}
		if len(buf) < 2 || buf[1] < 2 || int(buf[1]) > len(buf) {
			break
		}
		l := int(buf[1])
		switch buf[0] {
		case omss:
			if l == 4 {
				ret.Mss = binary.BigEndian.Uint16(buf[2:])
			}
		case owsopt:
			if l == 3 {
				ret.Wsok = true
				ret.Wshift = uint(buf[2])
				if ret.Wshift > 14 {
					ret.Wshift = 14
				}
			}
		case osackok:
			ret.Sackok = true
		case osacks:
			// selective acks are not implemented
		case otsopt:
			if l == 10 {
				ret.Tsok = true
				ret.Tsval = binary.BigEndian.Uint32(buf[2:])
				ret.Tsecr = binary.BigEndian.Uint32(buf[6:])
			}
		}
		buf = buf[l:]
	}
	return ret
}

// Mktcpopt encodes the options of an outgoing segment, padded to a
// multiple of 4 bytes. Zero fields and false flags are left out.
func Mktcpopt(o Tcpopt_t) []uint8 {
	var ret []uint8
	if o.Mss != 0 {
		ret = append(ret, omss, 4, uint8(o.Mss>>8), uint8(o.Mss))
	}
	if o.Wsok {
		ret = append(ret, onop, owsopt, 3, uint8(o.Wshift))
	}
	if o.Tsok {
		ret = append(ret, onop, onop, otsopt, 10)
		ret = binary.BigEndian.AppendUint32(ret, o.Tsval)
		ret = binary.BigEndian.AppendUint32(ret, o.Tsecr)
	}
	for len(ret)%4 != 0 {
		ret = append(ret, oend)
	}
	return ret
}

// Sl2tcphdr returns a view of the TCP header at the front of buf, its
// options and the payload.
func Sl2tcphdr(buf []uint8) (*Tcphdr_t, Tcpopt_t, []uint8, defs.Err_t) {
	var z Tcpopt_t
	if len(buf) < TCPLEN {
		return nil, z, nil, -defs.EBADPKT
	}
	p := (*Tcphdr_t)(unsafe.Pointer(&buf[0]))
	doff := p.Hdrlen()
	if doff < TCPLEN || doff > len(buf) {
		return nil, z, nil, -defs.EBADPKT
	}
	opt := _sl2tcpopt(buf[TCPLEN:doff])
	return p, opt, buf[doff:], 0
}
