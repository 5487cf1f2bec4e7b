package inet

import "unsafe"

import "kcore/defs"

const (
	ETYPE_IP4  uint16 = 0x0800
	ETYPE_ARP  uint16 = 0x0806
	ETYPE_VLAN uint16 = 0x8100
	ETYPE_IP6  uint16 = 0x86dd
)

// frame sizes without the FCS
const (
	ETHER_MIN = 60
	ETHER_MAX = 1514
)

const ETHERLEN = int(unsafe.Sizeof(Etherhdr_t{}))

type Etherhdr_t struct {
	Dmac  Mac_t
	Smac  Mac_t
	Etype Be16
}

func (et *Etherhdr_t) Init(smac, dmac *Mac_t, etype uint16) {
	et.Smac = *smac
	et.Dmac = *dmac
	et.Etype = Htons(etype)
}

func (et *Etherhdr_t) Type() uint16 {
	return Ntohs(et.Etype)
}

func (e *Etherhdr_t) Bytes() []uint8 {
	return (*[ETHERLEN]uint8)(unsafe.Pointer(e))[:]
}

// Sl2etherhdr returns a view of the ethernet header of frame and the
// payload. Frames outside 60..1514 bytes are malformed; 802.1Q tagged
// frames are recognised and refused with EOPNOTSUPP.
func Sl2etherhdr(frame []uint8) (*Etherhdr_t, []uint8, defs.Err_t) {
	if len(frame) < ETHER_MIN || len(frame) > ETHER_MAX {
		return nil, nil, -defs.EBADPKT
	}
	p := (*Etherhdr_t)(unsafe.Pointer(&frame[0]))
	if p.Type() == ETYPE_VLAN {
		return p, nil, -defs.EOPNOTSUPP
	}
	return p, frame[ETHERLEN:], 0
}

const ARPLEN = int(unsafe.Sizeof(Arpv4_t{}))

const (
	ARP_REQUEST = 1
	ARP_REPLY   = 2
)

// arpv4_t gets padded if tpa is a uint32 instead of a byte array...
type Arpv4_t struct {
	htype Be16
	ptype Be16
	hlen  uint8
	plen  uint8
	oper  Be16
	sha   Mac_t
	spa   [4]uint8
	tha   Mac_t
	tpa   [4]uint8
}

func (ar *Arpv4_t) _init(smac *Mac_t) {
	ethernet := Htons(1)
	ipv4 := Htons(ETYPE_IP4)
	ipv4sz := uint8(4)
	ar.htype = ethernet
	ar.ptype = ipv4
	ar.hlen = uint8(macsz)
	ar.plen = ipv4sz
	ar.sha = *smac
}

func (ar *Arpv4_t) Init_req(smac *Mac_t, sip, qip Ip4_t) {
	ar._init(smac)
	ar.oper = Htons(ARP_REQUEST)
	Ip2sl(ar.spa[:], sip)
	Ip2sl(ar.tpa[:], qip)
	ar.tha = Mac_t{}
}

func (ar *Arpv4_t) Init_reply(smac, dmac *Mac_t, sip, dip Ip4_t) {
	ar._init(smac)
	ar.oper = Htons(ARP_REPLY)
	ar.tha = *dmac
	Ip2sl(ar.spa[:], sip)
	Ip2sl(ar.tpa[:], dip)
}

func (ar *Arpv4_t) Oper() int {
	return int(Ntohs(ar.oper))
}

func (ar *Arpv4_t) Sha() Mac_t {
	return ar.sha
}

func (ar *Arpv4_t) Spa() Ip4_t {
	return Sl2ip(ar.spa[:])
}

func (ar *Arpv4_t) Tha() Mac_t {
	return ar.tha
}

func (ar *Arpv4_t) Tpa() Ip4_t {
	return Sl2ip(ar.tpa[:])
}

// Gratuitous reports whether the packet announces the sender's own
// address.
func (ar *Arpv4_t) Gratuitous() bool {
	return ar.Spa() == ar.Tpa()
}

func (ar *Arpv4_t) Bytes() []uint8 {
	return (*[ARPLEN]uint8)(unsafe.Pointer(ar))[:]
}

// Sl2arp returns a view of an Ethernet/IPv4 ARP packet.
func Sl2arp(buf []uint8) (*Arpv4_t, defs.Err_t) {
	if len(buf) < ARPLEN {
		return nil, -defs.EBADPKT
	}
	ar := (*Arpv4_t)(unsafe.Pointer(&buf[0]))
	if Ntohs(ar.htype) != 1 || Ntohs(ar.ptype) != ETYPE_IP4 ||
		ar.hlen != uint8(macsz) || ar.plen != 4 {
		return nil, -defs.EBADPKT
	}
	if op := ar.Oper(); op != ARP_REQUEST && op != ARP_REPLY {
		return nil, -defs.EBADPKT
	}
	return ar, 0
}
