// Package inet holds the wire formats of the network stack. Fixed headers
// are Go structs laid out exactly like the packet bytes and are used as
// views into packet buffers; multi-byte fields are big-endian.
package inet

import "encoding/binary"
import "fmt"

type Ip4_t uint32

type Be16 uint16
type Be32 uint32

// convert little- to big-endian.
func Ip2sl(sl []uint8, ip Ip4_t) {
	sl[0] = uint8(ip >> 24)
	sl[1] = uint8(ip >> 16)
	sl[2] = uint8(ip >> 8)
	sl[3] = uint8(ip >> 0)
}

func Sl2ip(sl []uint8) Ip4_t {
	ret := Ip4_t(sl[0]) << 24
	ret |= Ip4_t(sl[1]) << 16
	ret |= Ip4_t(sl[2]) << 8
	ret |= Ip4_t(sl[3]) << 0
	return ret
}

func Ip2str(ip Ip4_t) string {
	return fmt.Sprintf("%d.%d.%d.%d", ip>>24, uint8(ip>>16),
		uint8(ip>>8), uint8(ip))
}

func (ip Ip4_t) String() string {
	return Ip2str(ip)
}

// Mkip4 builds an address from its dotted quad.
func Mkip4(a, b, c, d uint8) Ip4_t {
	return Ip4_t(a)<<24 | Ip4_t(b)<<16 | Ip4_t(c)<<8 | Ip4_t(d)
}

const (
	IP4_ANY       Ip4_t = 0
	IP4_BROADCAST Ip4_t = 0xffffffff
)

// Multicast reports whether ip is in 224.0.0.0/4.
func (ip Ip4_t) Multicast() bool {
	return ip>>28 == 0xe
}

func (ip Ip4_t) Loopback() bool {
	return ip>>24 == 127
}

// Mask returns the netmask of a prefix length.
func Mask(plen int) Ip4_t {
	if plen <= 0 {
		return 0
	}
	if plen >= 32 {
		return ^Ip4_t(0)
	}
	return ^Ip4_t(0) << uint(32-plen)
}

// Masklen returns the prefix length of a contiguous netmask, or -1.
func Masklen(m Ip4_t) int {
	n := 0
	for n < 32 && m&(1<<uint(31-n)) != 0 {
		n++
	}
	if Mask(n) != m {
		return -1
	}
	return n
}

func Htons(v uint16) Be16 {
	return Be16(v>>8 | (v&0xff)<<8)
}

func Htonl(v uint32) Be32 {
	r := (v & 0x000000ff) << 24
	r |= (v & 0x0000ff00) << 8
	r |= (v & 0x00ff0000) >> 8
	r |= v >> 24
	return Be32(r)
}

func Ntohs(v Be16) uint16 {
	return uint16(v>>8 | (v&0xff)<<8)
}

func Ntohl(v Be32) uint32 {
	r := (v & 0x000000ff) << 24
	r |= (v & 0x0000ff00) << 8
	r |= (v & 0x00ff0000) >> 8
	r |= v >> 24
	return uint32(r)
}

// always big-endian
const macsz int = 6

type Mac_t [macsz]uint8

var Bcastmac = Mac_t{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func Mac2str(m []uint8) string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2],
		m[3], m[4], m[5])
}

func (m Mac_t) String() string {
	return Mac2str(m[:])
}

// Multicast reports whether the group bit is set; broadcast included.
func (m *Mac_t) Multicast() bool {
	return m[0]&1 != 0
}

func (m *Mac_t) Zero() bool {
	return *m == Mac_t{}
}

// Mcastmac4 returns the ethernet group address of an IPv4 multicast
// address.
func Mcastmac4(ip Ip4_t) Mac_t {
	return Mac_t{0x01, 0x00, 0x5e, uint8(ip>>16) & 0x7f, uint8(ip >> 8),
		uint8(ip)}
}

// Ipaddr_t is an IPv6 address; IPv4 addresses are stored IPv4-mapped
// (::ffff:a.b.c.d).
type Ipaddr_t [16]uint8

var v4prefix = [12]uint8{10: 0xff, 11: 0xff}

func Mkipaddr4(ip Ip4_t) Ipaddr_t {
	var ret Ipaddr_t
	copy(ret[:], v4prefix[:])
	Ip2sl(ret[12:], ip)
	return ret
}

func (a *Ipaddr_t) Is4() bool {
	return [12]uint8(a[:12]) == v4prefix
}

// Ip4 returns the IPv4 address of a mapped address.
func (a *Ipaddr_t) Ip4() Ip4_t {
	return Sl2ip(a[12:])
}

func (a *Ipaddr_t) Unspecified() bool {
	return *a == Ipaddr_t{} || (a.Is4() && a.Ip4() == IP4_ANY)
}

// Multicast6 reports whether a is in ff00::/8.
func (a *Ipaddr_t) Multicast6() bool {
	return !a.Is4() && a[0] == 0xff
}

func (a Ipaddr_t) String() string {
	if a.Is4() {
		return Ip2str(a.Ip4())
	}
	s := ""
	for i := 0; i < 16; i += 2 {
		if i != 0 {
			s += ":"
		}
		s += fmt.Sprintf("%x", binary.BigEndian.Uint16(a[i:]))
	}
	return s
}

// Solicited returns the solicited-node multicast address of a
// (ff02::1:ffXX:XXXX).
func Solicited(a Ipaddr_t) Ipaddr_t {
	ret := Ipaddr_t{0: 0xff, 1: 0x02, 11: 0x01, 12: 0xff}
	copy(ret[13:], a[13:])
	return ret
}

// Mcastmac6 returns the ethernet group address of an IPv6 multicast
// address.
func Mcastmac6(a Ipaddr_t) Mac_t {
	return Mac_t{0x33, 0x33, a[12], a[13], a[14], a[15]}
}

// Sum adds b to the one's complement accumulator sum.
func Sum(sum uint32, b []uint8) uint32 {
	for len(b) > 1 {
		sum += uint32(binary.BigEndian.Uint16(b))
		b = b[2:]
	}
	if len(b) == 1 {
		sum += uint32(b[0]) << 8
	}
	return sum
}

// Fold returns the internet checksum of an accumulator.
func Fold(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}

// Cksum is the internet checksum of b. A buffer whose checksum field is
// correct sums to zero.
func Cksum(b []uint8) uint16 {
	return Fold(Sum(0, b))
}

// Pseudo4 returns the accumulator of an IPv4 pseudo-header.
func Pseudo4(sip, dip Ip4_t, proto uint8, l4len int) uint32 {
	sum := uint32(sip>>16) + uint32(sip&0xffff)
	sum += uint32(dip>>16) + uint32(dip&0xffff)
	sum += uint32(proto)
	sum += uint32(l4len)
	return sum
}

// Pseudo6 returns the accumulator of an IPv6 pseudo-header.
func Pseudo6(src, dst *Ipaddr_t, nxt uint8, l4len int) uint32 {
	sum := Sum(0, src[:])
	sum = Sum(sum, dst[:])
	sum += uint32(l4len>>16) + uint32(l4len&0xffff)
	sum += uint32(nxt)
	return sum
}

// L4cksum computes the transport checksum of seg for the given addresses,
// IPv4 or IPv6 according to src. The checksum field of seg must be zero
// when emitting; a received segment verifies when the result is zero.
func L4cksum(src, dst *Ipaddr_t, proto uint8, seg []uint8) uint16 {
	var sum uint32
	if src.Is4() {
		sum = Pseudo4(src.Ip4(), dst.Ip4(), proto, len(seg))
	} else {
		sum = Pseudo6(src, dst, proto, len(seg))
	}
	return Fold(Sum(sum, seg))
}
