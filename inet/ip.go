package inet

import "unsafe"

import "kcore/defs"

const (
	IPPROTO_ICMP   uint8 = 1
	IPPROTO_TCP    uint8 = 6
	IPPROTO_UDP    uint8 = 17
	IPPROTO_ICMPV6 uint8 = 58
)

const DEFTTL = 64

const IP4LEN = int(unsafe.Sizeof(Ip4hdr_t{}))

// no options
type Ip4hdr_t struct {
	Vers_hdr uint8
	Dscp     uint8
	Tlen     Be16
	Ident    Be16
	Fl_frag  Be16
	Ttl      uint8
	Proto    uint8
	Cksum    Be16
	Sip      [4]uint8
	Dip      [4]uint8
}

const (
	ip4_df   = 1 << 14
	ip4_mf   = 1 << 13
	ip4_offm = 1<<13 - 1
)

// Sl2iphdr returns a view of the IPv4 header at the front of buf and the
// datagram payload, trimmed to the total length. Options are skipped.
func Sl2iphdr(buf []uint8) (*Ip4hdr_t, []uint8, defs.Err_t) {
	if len(buf) < IP4LEN {
		return nil, nil, -defs.EBADPKT
	}
	p := (*Ip4hdr_t)(unsafe.Pointer(&buf[0]))
	if p.Vers_hdr>>4 != 4 {
		return nil, nil, -defs.EBADPKT
	}
	hl := p.Hdrlen()
	tl := int(Ntohs(p.Tlen))
	if hl < IP4LEN || hl > len(buf) || tl < hl || tl > len(buf) {
		return nil, nil, -defs.EBADPKT
	}
	if Cksum(buf[:hl]) != 0 {
		return nil, nil, -defs.EBADPKT
	}
	return p, buf[hl:tl], 0
}

// Init fills in a header without options for an l4len byte payload. The
// checksum is computed by Finish.
func (i4 *Ip4hdr_t) Init(l4len int, sip, dip Ip4_t, proto uint8, ttl uint8) {
	var z Ip4hdr_t
	*i4 = z
	i4.Vers_hdr = 0x45
	i4.Tlen = Htons(uint16(l4len) + uint16(IP4LEN))
	i4.Fl_frag = Htons(ip4_df)
	i4.Ttl = ttl
	i4.Proto = proto
	Ip2sl(i4.Sip[:], sip)
	Ip2sl(i4.Dip[:], dip)
}

// Finish computes the header checksum.
func (i4 *Ip4hdr_t) Finish() {
	i4.Cksum = 0
	i4.Cksum = Htons(Cksum(i4.Bytes()))
}

func (i4 *Ip4hdr_t) Bytes() []uint8 {
	return (*[IP4LEN]uint8)(unsafe.Pointer(i4))[:]
}

func (i4 *Ip4hdr_t) Hdrlen() int {
	return int(i4.Vers_hdr&0xf) * 4
}

func (i4 *Ip4hdr_t) Src() Ip4_t {
	return Sl2ip(i4.Sip[:])
}

func (i4 *Ip4hdr_t) Dst() Ip4_t {
	return Sl2ip(i4.Dip[:])
}

// Fragment reports whether the datagram is a piece of a larger one.
func (i4 *Ip4hdr_t) Fragment() bool {
	ff := Ntohs(i4.Fl_frag)
	return ff&ip4_mf != 0 || ff&ip4_offm != 0
}

const IP6LEN = int(unsafe.Sizeof(Ip6hdr_t{}))

type Ip6hdr_t struct {
	// version, traffic class and flow label
	Vtf  [4]uint8
	Plen Be16
	Nxt  uint8
	Hlim uint8
	Src  Ipaddr_t
	Dst  Ipaddr_t
}

// Sl2ip6hdr returns a view of the IPv6 header and the payload trimmed to
// the payload length.
func Sl2ip6hdr(buf []uint8) (*Ip6hdr_t, []uint8, defs.Err_t) {
	if len(buf) < IP6LEN {
		return nil, nil, -defs.EBADPKT
	}
	p := (*Ip6hdr_t)(unsafe.Pointer(&buf[0]))
	if p.Vtf[0]>>4 != 6 {
		return nil, nil, -defs.EBADPKT
	}
	pl := int(Ntohs(p.Plen))
	if IP6LEN+pl > len(buf) {
		return nil, nil, -defs.EBADPKT
	}
	return p, buf[IP6LEN : IP6LEN+pl], 0
}

func (i6 *Ip6hdr_t) Init(plen int, src, dst *Ipaddr_t, nxt uint8, hlim uint8) {
	var z Ip6hdr_t
	*i6 = z
	i6.Vtf[0] = 6 << 4
	i6.Plen = Htons(uint16(plen))
	i6.Nxt = nxt
	i6.Hlim = hlim
	i6.Src = *src
	i6.Dst = *dst
}

func (i6 *Ip6hdr_t) Bytes() []uint8 {
	return (*[IP6LEN]uint8)(unsafe.Pointer(i6))[:]
}
