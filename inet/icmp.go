package inet

import "unsafe"

import "kcore/defs"

const (
	ICMP_ECHOREPLY   uint8 = 0
	ICMP_UNREACH     uint8 = 3
	ICMP_ECHO        uint8 = 8
	ICMP_TIMEEXCEED  uint8 = 11
	ICMP6_UNREACH    uint8 = 1
	ICMP6_TIMEEXCEED uint8 = 3
	ICMP6_ECHO       uint8 = 128
	ICMP6_ECHOREPLY  uint8 = 129
	ICMP6_NS         uint8 = 135
	ICMP6_NA         uint8 = 136
)

// destination unreachable codes
const (
	UNREACH_NET   uint8 = 0
	UNREACH_HOST  uint8 = 1
	UNREACH_PROTO uint8 = 2
	UNREACH_PORT  uint8 = 3
)

// ICMPv6 unreachable codes
const (
	UNREACH6_NOROUTE uint8 = 0
	UNREACH6_ADDR    uint8 = 3
	UNREACH6_PORT    uint8 = 4
)

const ICMPLEN = int(unsafe.Sizeof(Icmphdr_t{}))

// Icmphdr_t is shared by ICMP and ICMPv6. Rest holds the identifier and
// sequence of echo messages and is unused by errors.
type Icmphdr_t struct {
	Type  uint8
	Code  uint8
	Cksum Be16
	Rest  [4]uint8
}

func (ic *Icmphdr_t) Init(typ, code uint8) {
	ic.Type = typ
	ic.Code = code
	ic.Cksum = 0
	ic.Rest = [4]uint8{}
}

func (ic *Icmphdr_t) Bytes() []uint8 {
	return (*[ICMPLEN]uint8)(unsafe.Pointer(ic))[:]
}

func Sl2icmphdr(buf []uint8) (*Icmphdr_t, []uint8, defs.Err_t) {
	if len(buf) < ICMPLEN {
		return nil, nil, -defs.EBADPKT
	}
	return (*Icmphdr_t)(unsafe.Pointer(&buf[0])), buf[ICMPLEN:], 0
}

// neighbor advertisement flags, in the first byte of Rest
const (
	NA_ROUTER    uint8 = 0x80
	NA_SOLICITED uint8 = 0x40
	NA_OVERRIDE  uint8 = 0x20
)

const (
	ndopt_srclla = 1
	ndopt_tgtlla = 2
)

// Nd_t is a neighbor solicitation or advertisement body following the
// ICMPv6 header, with its single link-layer address option.
type Nd_t struct {
	Target Ipaddr_t
	Otype  uint8
	Olen   uint8
	Lladdr Mac_t
}

const NDLEN = int(unsafe.Sizeof(Nd_t{}))

// Mkns builds a neighbor solicitation for target sent from a host with the
// given link-layer address.
func Mkns(target *Ipaddr_t, smac *Mac_t) []uint8 {
	ret := make([]uint8, ICMPLEN+NDLEN)
	ic := (*Icmphdr_t)(unsafe.Pointer(&ret[0]))
	ic.Init(ICMP6_NS, 0)
	nd := (*Nd_t)(unsafe.Pointer(&ret[ICMPLEN]))
	nd.Target = *target
	nd.Otype = ndopt_srclla
	nd.Olen = 1
	nd.Lladdr = *smac
	return ret
}

// Mkna builds a neighbor advertisement for target with the given flags.
func Mkna(target *Ipaddr_t, tmac *Mac_t, flags uint8) []uint8 {
	ret := make([]uint8, ICMPLEN+NDLEN)
	ic := (*Icmphdr_t)(unsafe.Pointer(&ret[0]))
	ic.Init(ICMP6_NA, 0)
	ic.Rest[0] = flags
	nd := (*Nd_t)(unsafe.Pointer(&ret[ICMPLEN]))
	nd.Target = *target
	nd.Otype = ndopt_tgtlla
	nd.Olen = 1
	nd.Lladdr = *tmac
	return ret
}

// Sl2nd parses the body of a neighbor solicitation or advertisement. The
// link-layer address is returned only when the option is present.
func Sl2nd(body []uint8) (Ipaddr_t, Mac_t, bool, defs.Err_t) {
	var tgt Ipaddr_t
	var mac Mac_t
	if len(body) < len(tgt) {
		return tgt, mac, false, -defs.EBADPKT
	}
	copy(tgt[:], body)
	opts := body[len(tgt):]
	for len(opts) >= 2 {
		l := int(opts[1]) * 8
		if l == 0 || l > len(opts) {
			return tgt, mac, false, -defs.EBADPKT
		}
		if (opts[0] == ndopt_srclla || opts[0] == ndopt_tgtlla) && l >= 8 {
			copy(mac[:], opts[2:8])
			return tgt, mac, true, 0
		}
		opts = opts[l:]
	}
	return tgt, mac, false, 0
}
