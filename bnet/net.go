// Package bnet is the network stack: interfaces, routing, ARP and neighbor
// discovery, IPv4 and IPv6, ICMP, UDP, TCP and the socket layer.
//
// Devices queue received frames and Poll feeds them to the stack; the stack
// never sleeps a goroutine. Operations that must wait park the calling
// thread on the scheduler and return -defs.ERESTART.
package bnet

import "fmt"
import "sync"
import "sync/atomic"

import "kcore/defs"
import "kcore/hw"
import "kcore/inet"
import "kcore/sched"
import "kcore/stats"

type Netcfg_t struct {
	Arp Arpcfg_t
	// default TCP socket buffer sizes
	Sndbuf int
	Rcvbuf int
	// default UDP receive queue size in bytes
	Udprcvbuf int
	Ttl       uint8
}

func Defnetcfg() Netcfg_t {
	return Netcfg_t{
		Arp:       Defarpcfg(),
		Sndbuf:    64 << 10,
		Rcvbuf:    64 << 10,
		Udprcvbuf: 64 << 10,
		Ttl:       inet.DEFTTL,
	}
}

type Netstats_t struct {
	Rxframes   stats.Counter_t
	Rxnobufs   stats.Counter_t
	Badpkt     stats.Counter_t
	Vlan       stats.Counter_t
	Notforus   stats.Counter_t
	Unknowneth stats.Counter_t
	Ip4in      stats.Counter_t
	Ip4out     stats.Counter_t
	Ip6in      stats.Counter_t
	Ip6out     stats.Counter_t
	Forwarded  stats.Counter_t
	Ttlexpired stats.Counter_t
	Frags      stats.Counter_t
	Toobig     stats.Counter_t
	Noproto    stats.Counter_t
	Noroute    stats.Counter_t
	Icmpin     stats.Counter_t
	Icmpout    stats.Counter_t
	Echoes     stats.Counter_t
	Udpin      stats.Counter_t
	Udpout     stats.Counter_t
	Udpnoport  stats.Counter_t
	Udpbadsum  stats.Counter_t
	Tcpin      stats.Counter_t
	Tcpout     stats.Counter_t
	Tcpbadsum  stats.Counter_t
	Tcpnolisn  stats.Counter_t
	Tcprst     stats.Counter_t
	Tcpretx    stats.Counter_t
	Tcpfastrx  stats.Counter_t
	Tcpooo     stats.Counter_t
	Tcpbadseq  stats.Counter_t
	Tcptimeout stats.Counter_t
	Tcpkalive  stats.Counter_t
	Tcpdrops   stats.Counter_t
}

// Net_t is one host's network stack.
type Net_t struct {
	h   hw.Hw_i
	s   *sched.Sched_t
	cfg Netcfg_t
	// protects the interface table and interface addresses
	ifl     sync.RWMutex
	ifs     []*Iface_t
	lo      *Iface_t
	Routes  routetbl_t
	Arp     *Arp_t
	Pools   *Pools_t
	socks   socktab_t
	udpb    bindtab_t
	tcpb    bindtab_t
	tcp     tcpcons_t
	raw     rawtab_t
	ident   uint32
	lastage uint64
	Stats   Netstats_t
}

// Mknet creates a stack with a loopback interface "lo" holding 127.0.0.1/8
// and ::1/128.
func Mknet(h hw.Hw_i, s *sched.Sched_t, cfg Netcfg_t) *Net_t {
	n := &Net_t{h: h, s: s, cfg: cfg}
	n.Routes.init()
	n.Arp = mkarp(n, cfg.Arp)
	n.Pools = Mkpools()
	n.socks.init()
	n.udpb.init()
	n.tcpb.init()
	n.tcp.init()
	lo, err := n.Add_iface("lo", &Loopback_t{}, false)
	if err != 0 {
		panic("no loopback")
	}
	lo.Loopback = true
	n.lo = lo
	if n.Add_addr("lo", inet.Mkipaddr4(inet.Mkip4(127, 0, 0, 1)), 8) != 0 ||
		n.Add_addr("lo", inet.Ipaddr_t{15: 1}, 128) != 0 {
		panic("loopback addresses")
	}
	return n
}

func (n *Net_t) Now() uint64 {
	return n.h.Now_ms()
}

func (n *Net_t) Add_iface(name string, nic Nic_i, router bool) (*Iface_t, defs.Err_t) {
	n.ifl.Lock()
	defer n.ifl.Unlock()
	for _, o := range n.ifs {
		if o.Name == name {
			return nil, -defs.EEXIST
		}
	}
	ifc := &Iface_t{Name: name, Index: len(n.ifs), nic: nic, Mac: nic.Mac(),
		Mtu: nic.Mtu(), Router: router}
	n.ifs = append(n.ifs, ifc)
	return ifc, 0
}

func (n *Net_t) Iface(name string) (*Iface_t, bool) {
	n.ifl.RLock()
	defer n.ifl.RUnlock()
	return n._iface(name)
}

func (n *Net_t) _iface(name string) (*Iface_t, bool) {
	for _, ifc := range n.ifs {
		if ifc.Name == name {
			return ifc, true
		}
	}
	return nil, false
}

func (n *Net_t) Ifaces() []*Iface_t {
	n.ifl.RLock()
	defer n.ifl.RUnlock()
	return append([]*Iface_t(nil), n.ifs...)
}

func (n *Net_t) Addrs(ifc *Iface_t) []Ifaddr_t {
	n.ifl.RLock()
	defer n.ifl.RUnlock()
	return append([]Ifaddr_t(nil), ifc.addrs...)
}

// Add_addr assigns ip/plen to the named interface, installs the route to
// the attached network and announces an IPv4 address with a gratuitous
// ARP.
func (n *Net_t) Add_addr(name string, ip inet.Ipaddr_t, plen int) defs.Err_t {
	if plen < 0 || plen > _maxplen(&ip) || ip.Unspecified() {
		return -defs.EINVAL
	}
	n.ifl.Lock()
	ifc, ok := n._iface(name)
	if !ok {
		n.ifl.Unlock()
		return -defs.ENODEV
	}
	for _, o := range n.ifs {
		for _, a := range o.addrs {
			if a.Ip == ip {
				n.ifl.Unlock()
				return -defs.EEXIST
			}
		}
	}
	ifc.addrs = append(ifc.addrs, Ifaddr_t{Ip: ip, Plen: plen})
	n.ifl.Unlock()

	rt := Rtentry_t{Dst: Masked(ip, plen), Plen: plen, Ifname: name}
	if err := n.Routes.insert(rt); err != 0 && err != -defs.EEXIST {
		return err
	}
	if ip.Is4() && !ifc.Loopback {
		n.Arp.announce(ifc, ip.Ip4())
	}
	return 0
}

// Route_add validates and installs a route. The destination must be
// masked, the interface must exist and a gateway must be on a network some
// interface is attached to; for the default route that interface must be
// the egress one.
func (n *Net_t) Route_add(e Rtentry_t) defs.Err_t {
	if e.Plen < 0 || e.Plen > _maxplen(&e.Dst) || e.Metric < 0 {
		return -defs.EINVAL
	}
	if Masked(e.Dst, e.Plen) != e.Dst {
		return -defs.EINVAL
	}
	// a default route needs a next hop
	if e.Plen == 0 && !e.Hasgw() {
		return -defs.EINVAL
	}
	n.ifl.RLock()
	ifc, ok := n._iface(e.Ifname)
	if !ok {
		n.ifl.RUnlock()
		return -defs.ENODEV
	}
	if e.Hasgw() {
		if e.Gw.Is4() != e.Dst.Is4() {
			n.ifl.RUnlock()
			return -defs.EINVAL
		}
		reach := false
		if e.Plen == 0 {
			reach = n._onlink(ifc, e.Gw)
		} else {
			for _, o := range n.ifs {
				reach = reach || n._onlink(o, e.Gw)
			}
		}
		if !reach {
			n.ifl.RUnlock()
			return -defs.ENETUNREACH
		}
	}
	n.ifl.RUnlock()
	return n.Routes.insert(e)
}

func (n *Net_t) Route_del(dst inet.Ipaddr_t, plen int, ifname string) defs.Err_t {
	return n.Routes.remove(dst, plen, ifname)
}

// reports whether a is on a network ifc is attached to
func (n *Net_t) _onlink(ifc *Iface_t, a inet.Ipaddr_t) bool {
	for _, ia := range ifc.addrs {
		if Prefixeq(ia.Ip, a, ia.Plen) {
			return true
		}
	}
	return false
}

// Islocal reports whether a is one of this host's addresses.
func (n *Net_t) Islocal(a inet.Ipaddr_t) bool {
	if a.Is4() && a.Ip4().Loopback() {
		return true
	}
	n.ifl.RLock()
	defer n.ifl.RUnlock()
	return n._islocal(a)
}

func (n *Net_t) _islocal(a inet.Ipaddr_t) bool {
	for _, ifc := range n.ifs {
		for _, ia := range ifc.addrs {
			if ia.Ip == a {
				return true
			}
		}
	}
	return false
}

// Isbcast reports whether a is the limited broadcast address or the
// directed broadcast of an attached IPv4 network.
func (n *Net_t) Isbcast(a inet.Ipaddr_t) bool {
	if !a.Is4() {
		return false
	}
	ip := a.Ip4()
	if ip == inet.IP4_BROADCAST {
		return true
	}
	n.ifl.RLock()
	defer n.ifl.RUnlock()
	for _, ifc := range n.ifs {
		for _, ia := range ifc.addrs {
			if !ia.Ip.Is4() || ia.Plen >= 31 {
				continue
			}
			m := inet.Mask(ia.Plen)
			if ip&m == ia.Ip.Ip4()&m && ip|m == inet.IP4_BROADCAST {
				return true
			}
		}
	}
	return false
}

func _ismcast(a inet.Ipaddr_t) bool {
	if a.Is4() {
		return a.Ip4().Multicast()
	}
	return a.Multicast6()
}

// _route returns the egress interface and the next hop for dst. src picks
// the interface of limited broadcasts and multicasts.
func (n *Net_t) _route(src, dst inet.Ipaddr_t) (*Iface_t, inet.Ipaddr_t, defs.Err_t) {
	if n.Islocal(dst) {
		return n.lo, dst, 0
	}
	if (dst.Is4() && dst.Ip4() == inet.IP4_BROADCAST) || _ismcast(dst) {
		n.ifl.RLock()
		defer n.ifl.RUnlock()
		for _, ifc := range n.ifs {
			if ifc.Loopback {
				continue
			}
			for _, ia := range ifc.addrs {
				if ia.Ip.Is4() == dst.Is4() && (src.Unspecified() || ia.Ip == src) {
					return ifc, dst, 0
				}
			}
		}
		return nil, dst, -defs.ENETUNREACH
	}
	e, err := n.Routes.Lookup(dst)
	if err != 0 {
		n.Stats.Noroute.Inc()
		return nil, dst, err
	}
	ifc, ok := n.Iface(e.Ifname)
	if !ok {
		return nil, dst, -defs.ENETDOWN
	}
	nh := dst
	if e.Hasgw() {
		nh = e.Gw
	}
	return ifc, nh, 0
}

// Srcfor returns the source address to use towards dst: the address of
// the egress interface that shares a network with dst, otherwise its first
// address of the family.
func (n *Net_t) Srcfor(dst inet.Ipaddr_t) (inet.Ipaddr_t, defs.Err_t) {
	var z inet.Ipaddr_t
	if n.Islocal(dst) && !(dst.Is4() && dst.Ip4().Loopback()) {
		return dst, 0
	}
	ifc, _, err := n._route(z, dst)
	if err != 0 {
		return z, err
	}
	if src, ok := n._ifsrc(ifc, dst); ok {
		return src, 0
	}
	return z, -defs.EADDRNOTAVAIL
}

func (n *Net_t) _ifsrc(ifc *Iface_t, dst inet.Ipaddr_t) (inet.Ipaddr_t, bool) {
	n.ifl.RLock()
	defer n.ifl.RUnlock()
	var first inet.Ipaddr_t
	found := false
	for _, ia := range ifc.addrs {
		if ia.Ip.Is4() != dst.Is4() {
			continue
		}
		if Prefixeq(ia.Ip, dst, ia.Plen) {
			return ia.Ip, true
		}
		if !found {
			first, found = ia.Ip, true
		}
	}
	return first, found
}

// _ifhas reports whether a is assigned to ifc.
func (n *Net_t) _ifhas(ifc *Iface_t, a inet.Ipaddr_t) bool {
	n.ifl.RLock()
	defer n.ifl.RUnlock()
	for _, ia := range ifc.addrs {
		if ia.Ip == a {
			return true
		}
	}
	return false
}

// output sends an upper layer payload whose checksum is already computed.
func (n *Net_t) output(src, dst inet.Ipaddr_t, proto uint8, ttl uint8, l4 []uint8) defs.Err_t {
	ifc, nh, err := n._route(src, dst)
	if err != 0 {
		return err
	}
	if src.Is4() {
		if inet.IP4LEN+len(l4) > ifc.Mtu {
			return -defs.EMSGSIZE
		}
		var ip inet.Ip4hdr_t
		ip.Init(len(l4), src.Ip4(), dst.Ip4(), proto, ttl)
		ip.Ident = inet.Htons(uint16(atomic.AddUint32(&n.ident, 1)))
		ip.Finish()
		n.Stats.Ip4out.Inc()
		return n._frame(ifc, nh, inet.ETYPE_IP4, ip.Bytes(), l4)
	}
	if inet.IP6LEN+len(l4) > ifc.Mtu {
		return -defs.EMSGSIZE
	}
	var ip6 inet.Ip6hdr_t
	ip6.Init(len(l4), &src, &dst, proto, ttl)
	n.Stats.Ip6out.Inc()
	return n._frame(ifc, nh, inet.ETYPE_IP6, ip6.Bytes(), l4)
}

// _frame builds an ethernet frame from parts in a packet buffer and sends
// it to the next hop.
func (n *Net_t) _frame(ifc *Iface_t, nh inet.Ipaddr_t, etype uint16, parts ...[]uint8) defs.Err_t {
	tlen := inet.ETHERLEN
	for _, p := range parts {
		tlen += len(p)
	}
	if tlen < inet.ETHER_MIN {
		tlen = inet.ETHER_MIN
	}
	pb, err := n.Pools.Alloc(tlen)
	if err != 0 {
		return err
	}
	defer n.Pools.Free(pb)
	var eh inet.Etherhdr_t
	var z inet.Mac_t
	eh.Init(&ifc.Mac, &z, etype)
	pb.Write(eh.Bytes())
	for _, p := range parts {
		pb.Write(p)
	}
	pb.Pad(inet.ETHER_MIN)
	return n._xmit(ifc, nh, pb.Bytes())
}

// _l2send transmits payload to a known link-layer destination.
func (n *Net_t) _l2send(ifc *Iface_t, dmac inet.Mac_t, etype uint16, payload []uint8) defs.Err_t {
	tlen := inet.ETHERLEN + len(payload)
	if tlen < inet.ETHER_MIN {
		tlen = inet.ETHER_MIN
	}
	pb, err := n.Pools.Alloc(tlen)
	if err != 0 {
		return err
	}
	defer n.Pools.Free(pb)
	var eh inet.Etherhdr_t
	eh.Init(&ifc.Mac, &dmac, etype)
	pb.Write(eh.Bytes())
	pb.Write(payload)
	pb.Pad(inet.ETHER_MIN)
	return ifc.tx(pb.Bytes())
}

// _xmit fills in the destination MAC of frame and transmits it. Frames to
// unresolved neighbors are queued by the neighbor cache.
func (n *Net_t) _xmit(ifc *Iface_t, nh inet.Ipaddr_t, frame []uint8) defs.Err_t {
	var dmac inet.Mac_t
	switch {
	case ifc.Loopback:
		dmac = ifc.Mac
	case nh.Is4() && n.Isbcast(nh):
		dmac = inet.Bcastmac
	case nh.Is4() && nh.Ip4().Multicast():
		dmac = inet.Mcastmac4(nh.Ip4())
	case nh.Multicast6():
		dmac = inet.Mcastmac6(nh)
	default:
		mac, ok := n.Arp.resolve(ifc, nh, frame)
		if !ok {
			return 0
		}
		dmac = mac
	}
	copy(frame[:6], dmac[:])
	return ifc.tx(frame)
}

// Poll hands every frame queued by polled devices to the stack and returns
// how many there were.
func (n *Net_t) Poll() int {
	did := 0
	for _, ifc := range n.Ifaces() {
		rq, ok := ifc.nic.(Rxq_i)
		if !ok {
			continue
		}
		for _, f := range rq.Rxdrain() {
			did++
			pb, err := n.Pools.Alloc(len(f))
			if err != 0 {
				n.Stats.Rxnobufs.Inc()
				continue
			}
			pb.Write(f)
			n.Rx(ifc, pb.Bytes())
			n.Pools.Free(pb)
		}
	}
	return did
}

// Rx processes one received ethernet frame. frame is not referenced after
// Rx returns.
func (n *Net_t) Rx(ifc *Iface_t, frame []uint8) {
	n.Stats.Rxframes.Inc()
	ifc.Stats.Rxframes.Inc()
	ifc.Stats.Rxbytes.Add(int64(len(frame)))
	eh, pl, err := inet.Sl2etherhdr(frame)
	if err == -defs.EOPNOTSUPP {
		n.Stats.Vlan.Inc()
		return
	} else if err != 0 {
		n.Stats.Badpkt.Inc()
		return
	}
	if eh.Dmac != ifc.Mac && !eh.Dmac.Multicast() {
		n.Stats.Notforus.Inc()
		return
	}
	switch eh.Type() {
	case inet.ETYPE_ARP:
		n.Arp.input(ifc, pl)
	case inet.ETYPE_IP4:
		n.ip4_input(ifc, pl)
	case inet.ETYPE_IP6:
		n.ip6_input(ifc, pl)
	default:
		n.Stats.Unknowneth.Inc()
	}
}

// Timers runs the protocol timers; it is called from the kernel tick.
func (n *Net_t) Timers() {
	now := n.Now()
	n.tcp_timers(now)
	if now-n.lastage >= 1000 {
		n.lastage = now
		n.Arp.Age_entries()
	}
}

func (n *Net_t) String() string {
	s := "net:" + stats.Stats2String(&n.Stats)
	s += "arp:" + stats.Stats2String(&n.Arp.Stats)
	s += n.Pools.String()
	for _, ifc := range n.Ifaces() {
		s += fmt.Sprintf("%s (%s, mtu %d):%s", ifc.Name, ifc.Mac, ifc.Mtu,
			stats.Stats2String(&ifc.Stats))
	}
	return s + n.Routes.Dump()
}
