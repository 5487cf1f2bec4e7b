package bnet

import "kcore/defs"
import "kcore/inet"

func _icmperr4(typ uint8) bool {
	switch typ {
	case inet.ICMP_UNREACH, inet.ICMP_TIMEEXCEED, 4, 5, 12:
		return true
	}
	return false
}

// icmp_error reports a problem with the received datagram p to its source.
// Errors are never sent about ICMP errors or about datagrams addressed to
// a broadcast or multicast address.
func (n *Net_t) icmp_error(p *ippkt_t, typ, code uint8) {
	if !p.unicast() || p.src.Unspecified() || n._badsrc(p.src) {
		return
	}
	v4 := p.src.Is4()
	if v4 && n.Isbcast(p.src) {
		return
	}
	if p.proto == inet.IPPROTO_ICMP && v4 {
		hl := int(p.dgram[0]&0xf) * 4
		if len(p.dgram) <= hl || _icmperr4(p.dgram[hl]) {
			return
		}
	}
	if p.proto == inet.IPPROTO_ICMPV6 && !v4 {
		if len(p.dgram) <= inet.IP6LEN || p.dgram[inet.IP6LEN] < 128 {
			return
		}
	}
	src := p.dst
	if !n.Islocal(src) {
		var err defs.Err_t
		if src, err = n.Srcfor(p.src); err != 0 {
			return
		}
	}
	var quote []uint8
	if v4 {
		// the offending header and 8 bytes of its payload
		hl := int(p.dgram[0]&0xf) * 4
		quote = p.dgram[:min(len(p.dgram), hl+8)]
	} else {
		quote = p.dgram[:min(len(p.dgram), 1280-inet.IP6LEN-inet.ICMPLEN)]
	}
	msg := make([]uint8, inet.ICMPLEN+len(quote))
	var ic inet.Icmphdr_t
	ic.Init(typ, code)
	copy(msg, ic.Bytes())
	copy(msg[inet.ICMPLEN:], quote)
	if v4 {
		n.icmp4_send(src, p.src, msg)
	} else {
		n.icmp6_send(src, p.src, msg, n.cfg.Ttl)
	}
}

// icmp4_send fills in the checksum of msg and sends it.
func (n *Net_t) icmp4_send(src, dst inet.Ipaddr_t, msg []uint8) defs.Err_t {
	msg[2], msg[3] = 0, 0
	c := inet.Cksum(msg)
	msg[2], msg[3] = uint8(c>>8), uint8(c)
	n.Stats.Icmpout.Inc()
	return n.output(src, dst, inet.IPPROTO_ICMP, n.cfg.Ttl, msg)
}

func (n *Net_t) icmp6_send(src, dst inet.Ipaddr_t, msg []uint8, hlim uint8) defs.Err_t {
	msg[2], msg[3] = 0, 0
	c := inet.L4cksum(&src, &dst, inet.IPPROTO_ICMPV6, msg)
	msg[2], msg[3] = uint8(c>>8), uint8(c)
	n.Stats.Icmpout.Inc()
	return n.output(src, dst, inet.IPPROTO_ICMPV6, hlim, msg)
}

// _echoreply answers an echo request with the same identifier, sequence
// and data.
func (n *Net_t) _echoreply(p *ippkt_t, pl []uint8, typ uint8) {
	if !p.unicast() {
		return
	}
	n.Stats.Echoes.Inc()
	rep := make([]uint8, len(pl))
	copy(rep, pl)
	rep[0] = typ
	rep[1] = 0
	if p.src.Is4() {
		n.icmp4_send(p.dst, p.src, rep)
	} else {
		n.icmp6_send(p.dst, p.src, rep, n.cfg.Ttl)
	}
}

func (n *Net_t) icmp4_input(p *ippkt_t, pl []uint8) {
	n.Stats.Icmpin.Inc()
	ic, body, err := inet.Sl2icmphdr(pl)
	if err != 0 || inet.Cksum(pl) != 0 {
		n.Stats.Badpkt.Inc()
		return
	}
	n.raw_input(p, pl)
	switch ic.Type {
	case inet.ICMP_ECHO:
		n._echoreply(p, pl, inet.ICMP_ECHOREPLY)
	case inet.ICMP_UNREACH, inet.ICMP_TIMEEXCEED:
		n._icmpnotify(body, ic.Type == inet.ICMP_UNREACH, ic.Code)
	}
}

const ndhlim = 255

func (n *Net_t) icmp6_input(p *ippkt_t, pl []uint8) {
	n.Stats.Icmpin.Inc()
	ic, body, err := inet.Sl2icmphdr(pl)
	if err != 0 || inet.L4cksum(&p.src, &p.dst, inet.IPPROTO_ICMPV6, pl) != 0 {
		n.Stats.Badpkt.Inc()
		return
	}
	n.raw_input(p, pl)
	switch ic.Type {
	case inet.ICMP6_ECHO:
		n._echoreply(p, pl, inet.ICMP6_ECHOREPLY)
	case inet.ICMP6_UNREACH, inet.ICMP6_TIMEEXCEED:
		n._icmpnotify(body, ic.Type == inet.ICMP6_UNREACH, ic.Code)
	case inet.ICMP6_NS:
		if p.ttl != ndhlim || ic.Code != 0 {
			n.Stats.Badpkt.Inc()
			return
		}
		tgt, mac, hasll, err := inet.Sl2nd(body)
		if err != 0 || !n._ifhas(p.ifc, tgt) {
			return
		}
		n.Arp.Stats.Reqrecv.Inc()
		dst := p.src
		flags := inet.NA_OVERRIDE
		if p.src.Unspecified() {
			// duplicate address detection probe
			dst = inet.Ipaddr_t{0xff, 0x02, 15: 1}
		} else {
			flags |= inet.NA_SOLICITED
			if hasll {
				n.Arp.Lock()
				f := n.Arp._learn(p.src, mac, p.ifc.Name, false)
				n.Arp.Unlock()
				n.Arp.send(f)
			}
		}
		n.Arp.Stats.Repsent.Inc()
		na := inet.Mkna(&tgt, &p.ifc.Mac, flags)
		n.icmp6_send(tgt, dst, na, ndhlim)
	case inet.ICMP6_NA:
		if p.ttl != ndhlim || ic.Code != 0 {
			n.Stats.Badpkt.Inc()
			return
		}
		tgt, mac, hasll, err := inet.Sl2nd(body)
		if err != 0 || !hasll || tgt.Multicast6() {
			return
		}
		if ic.Rest[0]&inet.NA_SOLICITED != 0 {
			n.Arp.Stats.Reprecv.Inc()
			n.Arp.Update(tgt, mac, p.ifc.Name)
		} else {
			n.Arp.Gratuitous(tgt, mac, p.ifc.Name)
		}
	}
}

// _icmpnotify passes an error about one of our datagrams to the transport
// endpoint that sent it. quote starts with the IP header we sent.
func (n *Net_t) _icmpnotify(quote []uint8, unreach bool, code uint8) {
	var src, dst inet.Ipaddr_t
	var proto uint8
	var l4 []uint8
	if len(quote) >= inet.IP4LEN && quote[0]>>4 == 4 {
		hl := int(quote[0]&0xf) * 4
		if len(quote) < hl+4 {
			return
		}
		proto = quote[9]
		src = inet.Mkipaddr4(inet.Sl2ip(quote[12:16]))
		dst = inet.Mkipaddr4(inet.Sl2ip(quote[16:20]))
		l4 = quote[hl:]
	} else if len(quote) >= inet.IP6LEN+4 && quote[0]>>4 == 6 {
		proto = quote[6]
		copy(src[:], quote[8:24])
		copy(dst[:], quote[24:40])
		l4 = quote[inet.IP6LEN:]
	} else {
		return
	}
	sport := uint16(l4[0])<<8 | uint16(l4[1])
	dport := uint16(l4[2])<<8 | uint16(l4[3])
	err := defs.Err_t(-defs.EHOSTUNREACH)
	hard := false
	switch {
	case !unreach:
		err = -defs.ETIMEDOUT
	case src.Is4() && (code == inet.UNREACH_PORT || code == inet.UNREACH_PROTO):
		err, hard = -defs.ECONNREFUSED, true
	case !src.Is4() && code == inet.UNREACH6_PORT:
		err, hard = -defs.ECONNREFUSED, true
	case src.Is4() && code == inet.UNREACH_NET:
		err = -defs.ENETUNREACH
	}
	local := Endpoint_t{Ip: src, Port: sport}
	remote := Endpoint_t{Ip: dst, Port: dport}
	switch proto {
	case inet.IPPROTO_TCP:
		n.tcp_icmperr(local, remote, err, hard)
	case inet.IPPROTO_UDP:
		n.udp_icmperr(local, remote, err)
	}
}
