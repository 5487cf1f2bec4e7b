package bnet

import "sync"

import "kcore/defs"
import "kcore/fdops"
import "kcore/inet"

// largest UDP payload that fits an IPv4 datagram
const udpmax = 65535 - inet.IP4LEN - inet.UDPLEN

// _flowhash spreads the datagrams of sockets sharing a port by flow.
func _flowhash(src, dst inet.Ipaddr_t, sport, dport uint16) uint32 {
	var h uint32
	add := func(b []uint8) {
		for _, c := range b {
			h = h*31 + uint32(c)
		}
	}
	if src.Is4() {
		add(src[12:])
		add(dst[12:])
	} else {
		add(src[:])
		add(dst[:])
	}
	add([]uint8{uint8(sport >> 8), uint8(sport), uint8(dport >> 8), uint8(dport)})
	return h
}

// _udpdemux returns the sockets that may receive a datagram. Sockets bound
// to the destination address win over wildcard sockets; connected sockets
// only see their peer.
func (n *Net_t) _udpdemux(p *ippkt_t, sport, dport uint16) []*Socket_t {
	v4 := p.src.Is4()
	from := Endpoint_t{Ip: p.src, Port: sport}
	var exact, wild []*Socket_t
	for _, s := range n.udpb.holders(dport) {
		if s.v4 != v4 {
			continue
		}
		s.Lock()
		ok := !s.closed
		if ok && s.conn && s.remote != from {
			ok = false
		}
		if ok && p.bcast && !s.opts.broadcast {
			ok = false
		}
		if ok && p.mcast && s.local.Ip != p.dst && !s._member(p.dst) {
			ok = false
		}
		lip := s.local.Ip
		s.Unlock()
		if !ok {
			continue
		}
		if lip == p.dst {
			exact = append(exact, s)
		} else if lip.Unspecified() {
			wild = append(wild, s)
		}
	}
	if len(exact) != 0 {
		return exact
	}
	return wild
}

func (n *Net_t) udp_input(p *ippkt_t, pl []uint8) {
	uh, data, err := inet.Sl2udphdr(pl)
	if err != 0 {
		n.Stats.Badpkt.Inc()
		return
	}
	seg := pl[:inet.UDPLEN+len(data)]
	// a zero checksum means none was computed, which IPv6 forbids
	if uh.Cksum != 0 || !p.src.Is4() {
		if inet.L4cksum(&p.src, &p.dst, inet.IPPROTO_UDP, seg) != 0 {
			n.Stats.Udpbadsum.Inc()
			return
		}
	}
	n.Stats.Udpin.Inc()
	sport, dport := uh.Ports()
	cands := n._udpdemux(p, sport, dport)
	if len(cands) == 0 {
		n.Stats.Udpnoport.Inc()
		if p.src.Is4() {
			n.icmp_error(p, inet.ICMP_UNREACH, inet.UNREACH_PORT)
		} else {
			n.icmp_error(p, inet.ICMP6_UNREACH, inet.UNREACH6_PORT)
		}
		return
	}
	s := cands[0]
	if len(cands) > 1 {
		h := _flowhash(p.src, p.dst, sport, dport)
		s = cands[h%uint32(len(cands))]
	}
	s.Lock()
	if !s.closed && !s.rdshut {
		s._enqueue(Endpoint_t{Ip: p.src, Port: sport}, data)
	}
	s.Unlock()
}

// _dstcheck validates the destination of an outgoing datagram. The socket
// is locked.
func (s *Socket_t) _dstcheck(ep *Endpoint_t) defs.Err_t {
	if s.closed {
		return -defs.EBADF
	}
	if s.wrshut {
		return -defs.EPIPE
	}
	if ep.Ip == (inet.Ipaddr_t{}) {
		if !s.conn {
			return -defs.ENOTCONN
		}
		*ep = s.remote
	}
	if !s._famok(ep.Ip) || ep.Ip.Unspecified() {
		return -defs.EAFNOSUPPORT
	}
	if s.n.Isbcast(ep.Ip) && !s.opts.broadcast {
		return -defs.EACCES
	}
	return 0
}

// _srcaddr picks the source address for a datagram to dst from a socket
// bound to local.
func (n *Net_t) _srcaddr(local, dst inet.Ipaddr_t) (inet.Ipaddr_t, defs.Err_t) {
	if !local.Unspecified() && !_ismcast(local) && !n.Isbcast(local) {
		return local, 0
	}
	return n.Srcfor(dst)
}

func (s *Socket_t) udp_sendto(src fdops.Userio_i, ep Endpoint_t) (int, defs.Err_t) {
	n := s.n
	s.Lock()
	if err := s._dstcheck(&ep); err != 0 {
		s.Unlock()
		return 0, err
	}
	if ep.Port == 0 {
		s.Unlock()
		return 0, -defs.EINVAL
	}
	if err := s._autobind(); err != 0 {
		s.Unlock()
		return 0, err
	}
	local := s.local
	ttl := s.opts.ttl
	s.Unlock()

	dlen := src.Remain()
	if dlen > udpmax {
		return 0, -defs.EMSGSIZE
	}
	sip, err := n._srcaddr(local.Ip, ep.Ip)
	if err != 0 {
		return 0, err
	}
	buf := make([]uint8, inet.UDPLEN+dlen)
	if _, err := src.Uioread(buf[inet.UDPLEN:]); err != 0 {
		return 0, err
	}
	var uh inet.Udphdr_t
	uh.Init(local.Port, ep.Port, dlen)
	copy(buf, uh.Bytes())
	c := inet.L4cksum(&sip, &ep.Ip, inet.IPPROTO_UDP, buf)
	if c == 0 {
		c = 0xffff
	}
	buf[6], buf[7] = uint8(c>>8), uint8(c)
	if err := n.output(sip, ep.Ip, inet.IPPROTO_UDP, ttl, buf); err != 0 {
		return 0, err
	}
	n.Stats.Udpout.Inc()
	s.Stats.Txpkts.Inc()
	s.Stats.Txbytes.Add(int64(dlen))
	return dlen, 0
}

// udp_icmperr reports an ICMP error to the connected socket that sent the
// offending datagram.
func (n *Net_t) udp_icmperr(local, remote Endpoint_t, err defs.Err_t) {
	for _, s := range n.udpb.holders(local.Port) {
		s.Lock()
		if s.conn && s.remote == remote && !s.closed {
			s.err = err
			s.pollers.Wakeready(fdops.R_READ | fdops.R_ERROR)
		}
		s.Unlock()
	}
}

// rawtab_t holds the raw sockets; every one of them sees a copy of each
// ICMP message of its family.
type rawtab_t struct {
	sync.Mutex
	socks []*Socket_t
}

func (rt *rawtab_t) insert(s *Socket_t) {
	rt.Lock()
	rt.socks = append(rt.socks, s)
	rt.Unlock()
}

func (rt *rawtab_t) remove(s *Socket_t) {
	rt.Lock()
	defer rt.Unlock()
	for i, o := range rt.socks {
		if o == s {
			rt.socks = append(rt.socks[:i:i], rt.socks[i+1:]...)
			return
		}
	}
}

func (rt *rawtab_t) list() []*Socket_t {
	rt.Lock()
	defer rt.Unlock()
	return append([]*Socket_t(nil), rt.socks...)
}

func (n *Net_t) raw_input(p *ippkt_t, pl []uint8) {
	v4 := p.src.Is4()
	for _, s := range n.raw.list() {
		if s.v4 != v4 || s.Proto != p.proto {
			continue
		}
		s.Lock()
		ok := !s.closed && !s.rdshut
		if ok && s.bound && !s.local.Ip.Unspecified() && s.local.Ip != p.dst {
			ok = false
		}
		if ok && s.conn && s.remote.Ip != p.src {
			ok = false
		}
		if ok {
			s._enqueue(Endpoint_t{Ip: p.src}, pl)
		}
		s.Unlock()
	}
}

// raw_sendto sends a complete ICMP message supplied by the user; the
// checksum is filled in.
func (s *Socket_t) raw_sendto(src fdops.Userio_i, ep Endpoint_t) (int, defs.Err_t) {
	n := s.n
	s.Lock()
	if err := s._dstcheck(&ep); err != 0 {
		s.Unlock()
		return 0, err
	}
	local := s.local
	ttl := s.opts.ttl
	s.Unlock()

	l := src.Remain()
	if l < inet.ICMPLEN {
		return 0, -defs.EINVAL
	}
	if l > udpmax {
		return 0, -defs.EMSGSIZE
	}
	sip, err := n._srcaddr(local.Ip, ep.Ip)
	if err != 0 {
		return 0, err
	}
	msg := make([]uint8, l)
	if _, err := src.Uioread(msg); err != 0 {
		return 0, err
	}
	if s.v4 {
		msg[2], msg[3] = 0, 0
		c := inet.Cksum(msg)
		msg[2], msg[3] = uint8(c>>8), uint8(c)
		err = n.output(sip, ep.Ip, inet.IPPROTO_ICMP, ttl, msg)
		n.Stats.Icmpout.Inc()
	} else {
		err = n.icmp6_send(sip, ep.Ip, msg, ttl)
	}
	if err != 0 {
		return 0, err
	}
	s.Stats.Txpkts.Inc()
	s.Stats.Txbytes.Add(int64(l))
	return l, 0
}
