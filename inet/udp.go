package inet

import "unsafe"

import "kcore/defs"

const UDPLEN = int(unsafe.Sizeof(Udphdr_t{}))

type Udphdr_t struct {
	Sport Be16
	Dport Be16
	Len   Be16
	Cksum Be16
}

func (u *Udphdr_t) Init(sport, dport uint16, dlen int) {
	u.Sport = Htons(sport)
	u.Dport = Htons(dport)
	u.Len = Htons(uint16(UDPLEN + dlen))
	u.Cksum = 0
}

func (u *Udphdr_t) Ports() (uint16, uint16) {
	return Ntohs(u.Sport), Ntohs(u.Dport)
}

func (u *Udphdr_t) Bytes() []uint8 {
	return (*[UDPLEN]uint8)(unsafe.Pointer(u))[:]
}

// Sl2udphdr returns a view of the UDP header and the payload trimmed to the
// header's length field.
func Sl2udphdr(buf []uint8) (*Udphdr_t, []uint8, defs.Err_t) {
	if len(buf) < UDPLEN {
		return nil, nil, -defs.EBADPKT
	}
	u := (*Udphdr_t)(unsafe.Pointer(&buf[0]))
	l := int(Ntohs(u.Len))
	if l < UDPLEN || l > len(buf) {
		return nil, nil, -defs.EBADPKT
	}
	return u, buf[UDPLEN:l], 0
}
