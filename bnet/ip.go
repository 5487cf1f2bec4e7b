package bnet

import "kcore/inet"

// ippkt_t describes a received datagram after IP processing.
type ippkt_t struct {
	ifc   *Iface_t
	src   inet.Ipaddr_t
	dst   inet.Ipaddr_t
	proto uint8
	ttl   uint8
	// the datagram from its IP header on, quoted by ICMP errors
	dgram []uint8
	bcast bool
	mcast bool
}

func (p *ippkt_t) unicast() bool {
	return !p.bcast && !p.mcast
}

// martian source addresses are never answered
func (n *Net_t) _badsrc(a inet.Ipaddr_t) bool {
	if a.Is4() {
		ip := a.Ip4()
		return ip == inet.IP4_BROADCAST || ip.Multicast()
	}
	return a.Multicast6()
}

func (n *Net_t) ip4_input(ifc *Iface_t, buf []uint8) {
	ip, pl, err := inet.Sl2iphdr(buf)
	if err != 0 {
		n.Stats.Badpkt.Inc()
		return
	}
	n.Stats.Ip4in.Inc()
	src := inet.Mkipaddr4(ip.Src())
	dst := inet.Mkipaddr4(ip.Dst())
	if n._badsrc(src) {
		n.Stats.Badpkt.Inc()
		return
	}
	dgram := buf[:ip.Hdrlen()+len(pl)]
	bcast := n.Isbcast(dst)
	mcast := ip.Dst().Multicast()
	if !bcast && !mcast && !n.Islocal(dst) {
		if ifc.Router {
			n.forward4(ifc, ip, dgram)
		} else {
			n.Stats.Notforus.Inc()
		}
		return
	}
	if ip.Fragment() {
		n.Stats.Frags.Inc()
		return
	}
	p := &ippkt_t{ifc: ifc, src: src, dst: dst, proto: ip.Proto,
		ttl: ip.Ttl, dgram: dgram, bcast: bcast, mcast: mcast}
	n._deliver(p, pl)
}

func (n *Net_t) ip6_input(ifc *Iface_t, buf []uint8) {
	ip6, pl, err := inet.Sl2ip6hdr(buf)
	if err != 0 {
		n.Stats.Badpkt.Inc()
		return
	}
	n.Stats.Ip6in.Inc()
	src, dst := ip6.Src, ip6.Dst
	if src.Multicast6() || src.Is4() || dst.Is4() {
		n.Stats.Badpkt.Inc()
		return
	}
	dgram := buf[:inet.IP6LEN+len(pl)]
	mcast := dst.Multicast6()
	if !mcast && !n.Islocal(dst) {
		if ifc.Router {
			n.forward6(ifc, ip6, dgram)
		} else {
			n.Stats.Notforus.Inc()
		}
		return
	}
	p := &ippkt_t{ifc: ifc, src: src, dst: dst, proto: ip6.Nxt,
		ttl: ip6.Hlim, dgram: dgram, mcast: mcast}
	n._deliver(p, pl)
}

// _deliver hands a local datagram to its transport protocol.
func (n *Net_t) _deliver(p *ippkt_t, pl []uint8) {
	switch {
	case p.proto == inet.IPPROTO_TCP:
		n.tcp_input(p, pl)
	case p.proto == inet.IPPROTO_UDP:
		n.udp_input(p, pl)
	case p.proto == inet.IPPROTO_ICMP && p.src.Is4():
		n.icmp4_input(p, pl)
	case p.proto == inet.IPPROTO_ICMPV6 && !p.src.Is4():
		n.icmp6_input(p, pl)
	default:
		n.Stats.Noproto.Inc()
		if p.src.Is4() {
			n.icmp_error(p, inet.ICMP_UNREACH, inet.UNREACH_PROTO)
		}
	}
}

// forward4 routes a datagram that is not for this host. The datagram is
// copied since buf belongs to the receive path.
func (n *Net_t) forward4(in *Iface_t, ip *inet.Ip4hdr_t, dgram []uint8) {
	src := inet.Mkipaddr4(ip.Src())
	dst := inet.Mkipaddr4(ip.Dst())
	p := &ippkt_t{ifc: in, src: src, dst: dst, proto: ip.Proto,
		ttl: ip.Ttl, dgram: dgram}
	if ip.Ttl <= 1 {
		n.Stats.Ttlexpired.Inc()
		n.icmp_error(p, inet.ICMP_TIMEEXCEED, 0)
		return
	}
	out, nh, err := n._route(inet.Ipaddr_t{}, dst)
	if err != 0 || out.Loopback {
		n.icmp_error(p, inet.ICMP_UNREACH, inet.UNREACH_NET)
		return
	}
	if len(dgram) > out.Mtu {
		n.Stats.Toobig.Inc()
		return
	}
	c := make([]uint8, len(dgram))
	copy(c, dgram)
	fh, _, _ := inet.Sl2iphdr(c)
	fh.Ttl--
	hl := fh.Hdrlen()
	fh.Cksum = 0
	fh.Cksum = inet.Htons(inet.Cksum(c[:hl]))
	if n._frame(out, nh, inet.ETYPE_IP4, c) == 0 {
		n.Stats.Forwarded.Inc()
	}
}

func (n *Net_t) forward6(in *Iface_t, ip6 *inet.Ip6hdr_t, dgram []uint8) {
	p := &ippkt_t{ifc: in, src: ip6.Src, dst: ip6.Dst, proto: ip6.Nxt,
		ttl: ip6.Hlim, dgram: dgram}
	if ip6.Hlim <= 1 {
		n.Stats.Ttlexpired.Inc()
		n.icmp_error(p, inet.ICMP6_TIMEEXCEED, 0)
		return
	}
	out, nh, err := n._route(inet.Ipaddr_t{}, ip6.Dst)
	if err != 0 || out.Loopback {
		n.icmp_error(p, inet.ICMP6_UNREACH, inet.UNREACH6_NOROUTE)
		return
	}
	if len(dgram) > out.Mtu {
		n.Stats.Toobig.Inc()
		return
	}
	c := make([]uint8, len(dgram))
	copy(c, dgram)
	fh, _, _ := inet.Sl2ip6hdr(c)
	fh.Hlim--
	if n._frame(out, nh, inet.ETYPE_IP6, c) == 0 {
		n.Stats.Forwarded.Inc()
	}
}
