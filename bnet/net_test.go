package bnet

import "testing"

import "kcore/defs"
import "kcore/hw"
import "kcore/inet"
import "kcore/sched"
import "kcore/vm"

var maca = inet.Mac_t{0x02, 0, 0, 0, 0, 0x0a}
var macb = inet.Mac_t{0x02, 0, 0, 0, 0, 0x0b}

func ip4(a, b, c, d uint8) inet.Ipaddr_t {
	return inet.Mkipaddr4(inet.Mkip4(a, b, c, d))
}

func mknet(h *hw.Sim_t) *Net_t {
	return Mknet(h, sched.Mksched(h, nil, 10), Defnetcfg())
}

// two hosts, 192.0.2.1 and 192.0.2.2, on one wire
type pair_t struct {
	h *hw.Sim_t
	a *Net_t
	b *Net_t
	w *Wire_t
}

func mkpair(t *testing.T) *pair_t {
	h := hw.Mksim(7)
	p := &pair_t{h: h, a: mknet(h), b: mknet(h), w: Mkwire(maca, macb)}
	if _, err := p.a.Add_iface("eth0", p.w.A, false); err != 0 {
		t.Fatalf("add_iface: %v", err)
	}
	if _, err := p.b.Add_iface("eth0", p.w.B, false); err != 0 {
		t.Fatalf("add_iface: %v", err)
	}
	if err := p.a.Add_addr("eth0", ip4(192, 0, 2, 1), 24); err != 0 {
		t.Fatalf("add_addr: %v", err)
	}
	if err := p.b.Add_addr("eth0", ip4(192, 0, 2, 2), 24); err != 0 {
		t.Fatalf("add_addr: %v", err)
	}
	p.settle()
	return p
}

// settle delivers frames until both stacks are quiet.
func (p *pair_t) settle() {
	for i := 0; i < 1000; i++ {
		if p.a.Poll()+p.b.Poll() == 0 {
			return
		}
	}
}

// tick advances the clock and runs both stacks' timers.
func (p *pair_t) tick(ms uint64) {
	p.h.Advance(ms)
	p.a.Timers()
	p.b.Timers()
	p.settle()
}

func mksock(t *testing.T, n *Net_t, kind Sockkind_t) *Socket_t {
	s, err := n.Socket(defs.AF_INET, kind, 0, 1)
	if err != 0 {
		t.Fatalf("socket: %v", err)
	}
	s.Set_nonblock(true)
	t.Cleanup(func() { s.Close() })
	return s
}

func sendto(t *testing.T, s *Socket_t, msg string, ep Endpoint_t) {
	n, err := s.Sendto(0, vm.Mkfakeubuf([]uint8(msg)), ep)
	if err != 0 || n != len(msg) {
		t.Fatalf("sendto %v: %v %v", ep, n, err)
	}
}

func recvfrom(s *Socket_t) (string, Endpoint_t, defs.Err_t) {
	buf := make([]uint8, 4096)
	n, from, err := s.Recvfrom(0, vm.Mkfakeubuf(buf))
	return string(buf[:n]), from, err
}

// a captured IPv4 datagram
type cap_t struct {
	proto uint8
	l4    []uint8
}

func ip4pkts(frames [][]uint8) []cap_t {
	var ret []cap_t
	for _, f := range frames {
		if len(f) < 34 || f[12] != 0x08 || f[13] != 0x00 {
			continue
		}
		ip := f[inet.ETHERLEN:]
		hl := int(ip[0]&0xf) * 4
		tl := int(ip[2])<<8 | int(ip[3])
		ret = append(ret, cap_t{proto: ip[9], l4: ip[hl:tl]})
	}
	return ret
}

func TestUdpEcho(t *testing.T) {
	p := mkpair(t)
	srv := mksock(t, p.b, SOCK_DGRAM)
	if err := srv.Bind(Endpoint_t{Port: 7}); err != 0 {
		t.Fatalf("bind: %v", err)
	}
	cli := mksock(t, p.a, SOCK_DGRAM)
	sendto(t, cli, "hello", Mkendpoint4(inet.Mkip4(192, 0, 2, 2), 7))
	p.settle()

	msg, from, err := recvfrom(srv)
	if err != 0 || msg != "hello" {
		t.Fatalf("server got %q %v", msg, err)
	}
	if from.Ip != ip4(192, 0, 2, 1) || from.Port != cli.Local().Port {
		t.Fatalf("bad source %v", from)
	}
	sendto(t, srv, msg, from)
	p.settle()
	msg, from, err = recvfrom(cli)
	if err != 0 || msg != "hello" || from.Port != 7 {
		t.Fatalf("client got %q from %v: %v", msg, from, err)
	}
	if _, _, err := recvfrom(cli); err != -defs.EAGAIN {
		t.Fatalf("empty queue: %v", err)
	}
	if mac, ok := p.a.Arp.Lookup(ip4(192, 0, 2, 2)); !ok || mac != macb {
		t.Fatalf("neighbor not learned")
	}
}

func TestUdpPortUnreach(t *testing.T) {
	p := mkpair(t)
	cli := mksock(t, p.a, SOCK_DGRAM)
	dst := Mkendpoint4(inet.Mkip4(192, 0, 2, 2), 9)
	if err := cli.Connect(0, dst); err != 0 {
		t.Fatalf("connect: %v", err)
	}
	p.w.Capture = true
	sendto(t, cli, "anyone?", Endpoint_t{})
	p.settle()

	found := false
	for _, c := range ip4pkts(p.w.Frames()) {
		if c.proto != inet.IPPROTO_ICMP {
			continue
		}
		if c.l4[0] != inet.ICMP_UNREACH || c.l4[1] != inet.UNREACH_PORT {
			t.Fatalf("icmp %d/%d", c.l4[0], c.l4[1])
		}
		// our IP header and the UDP header
		if len(c.l4) != inet.ICMPLEN+inet.IP4LEN+8 {
			t.Fatalf("quote of %d bytes", len(c.l4)-inet.ICMPLEN)
		}
		found = true
	}
	if !found {
		t.Fatalf("no port unreachable")
	}
	if p.b.Stats.Udpnoport.Get() != 1 {
		t.Fatalf("udpnoport not counted")
	}
	if _, _, err := recvfrom(cli); err != -defs.ECONNREFUSED {
		t.Fatalf("expected connection refused, got %v", err)
	}
}

func TestUdpBind(t *testing.T) {
	p := mkpair(t)
	s1 := mksock(t, p.a, SOCK_DGRAM)
	s2 := mksock(t, p.a, SOCK_DGRAM)
	if err := s1.Bind(Endpoint_t{Port: 5000}); err != 0 {
		t.Fatalf("bind: %v", err)
	}
	if p.a.Port_usage(SOCK_DGRAM, 5000) != 1 {
		t.Fatalf("port usage")
	}
	if err := s2.Bind(Endpoint_t{Port: 5000}); err != -defs.EADDRINUSE {
		t.Fatalf("second bind: %v", err)
	}
	if err := s1.Close(); err != 0 {
		t.Fatalf("close: %v", err)
	}
	if p.a.Port_usage(SOCK_DGRAM, 5000) != 0 {
		t.Fatalf("port still held")
	}
	if err := s2.Bind(Endpoint_t{Port: 5000}); err != 0 {
		t.Fatalf("rebind: %v", err)
	}
	if err := s2.Bind(Endpoint_t{Port: 5001}); err != -defs.EINVAL {
		t.Fatalf("bind of bound socket: %v", err)
	}
	s3 := mksock(t, p.a, SOCK_DGRAM)
	if err := s3.Bind(Endpoint_t{Ip: ip4(203, 0, 113, 1)}); err != -defs.EADDRNOTAVAIL {
		t.Fatalf("bind to foreign address: %v", err)
	}
}

func TestUdpReuseport(t *testing.T) {
	p := mkpair(t)
	var socks []*Socket_t
	for i := 0; i < 3; i++ {
		s := mksock(t, p.b, SOCK_DGRAM)
		if err := s.Setsockopt(defs.SOL_SOCKET, defs.SO_REUSEPORT, 1); err != 0 {
			t.Fatalf("setsockopt: %v", err)
		}
		if err := s.Bind(Endpoint_t{Port: 53}); err != 0 {
			t.Fatalf("bind %d: %v", i, err)
		}
		socks = append(socks, s)
	}
	cli := mksock(t, p.a, SOCK_DGRAM)
	dst := Mkendpoint4(inet.Mkip4(192, 0, 2, 2), 53)
	for i := 0; i < 4; i++ {
		sendto(t, cli, "q", dst)
	}
	p.settle()
	// one flow always lands on the same socket
	got := 0
	for _, s := range socks {
		c := 0
		for {
			if _, _, err := recvfrom(s); err != 0 {
				break
			}
			c++
		}
		if c != 0 && c != 4 {
			t.Fatalf("flow split over sockets: %d", c)
		}
		got += c
	}
	if got != 4 {
		t.Fatalf("got %d datagrams", got)
	}
}

func TestUdpRcvbuf(t *testing.T) {
	p := mkpair(t)
	srv := mksock(t, p.b, SOCK_DGRAM)
	if err := srv.Setsockopt(defs.SOL_SOCKET, defs.SO_RCVBUF, 256); err != 0 {
		t.Fatalf("setsockopt: %v", err)
	}
	srv.Bind(Endpoint_t{Port: 7})
	cli := mksock(t, p.a, SOCK_DGRAM)
	dst := Mkendpoint4(inet.Mkip4(192, 0, 2, 2), 7)
	msg := string(make([]uint8, 100))
	for i := 0; i < 3; i++ {
		sendto(t, cli, msg, dst)
	}
	sendto(t, cli, "last", dst)
	p.settle()
	if srv.Stats.Rxdrops.Get() == 0 {
		t.Fatalf("no drops counted")
	}
	var last string
	for {
		m, _, err := recvfrom(srv)
		if err != 0 {
			break
		}
		last = m
	}
	// the oldest datagrams go first
	if last != "last" {
		t.Fatalf("newest datagram lost")
	}
}

func TestLoopbackUdp(t *testing.T) {
	h := hw.Mksim(1)
	n := mknet(h)
	a := mksock(t, n, SOCK_DGRAM)
	b := mksock(t, n, SOCK_DGRAM)
	lo := Mkendpoint4(inet.Mkip4(127, 0, 0, 1), 4000)
	if err := b.Bind(lo); err != 0 {
		t.Fatalf("bind: %v", err)
	}
	sendto(t, a, "ping", lo)
	n.Poll()
	msg, from, err := recvfrom(b)
	if err != 0 || msg != "ping" || from.Ip != ip4(127, 0, 0, 1) {
		t.Fatalf("loopback: %q %v %v", msg, from, err)
	}
}

func TestRawIcmpEcho(t *testing.T) {
	p := mkpair(t)
	s, err := p.a.Socket(defs.AF_INET, SOCK_RAW, defs.IPPROTO_ICMP, 1)
	if err != 0 {
		t.Fatalf("socket: %v", err)
	}
	defer s.Close()
	s.Set_nonblock(true)
	echo := []uint8{inet.ICMP_ECHO, 0, 0, 0, 0x12, 0x34, 0, 1, 'h', 'i'}
	dst := Endpoint_t{Ip: ip4(192, 0, 2, 2)}
	if _, err := s.Sendto(0, vm.Mkfakeubuf(echo), dst); err != 0 {
		t.Fatalf("sendto: %v", err)
	}
	p.settle()
	msg, from, err := recvfrom(s)
	if err != 0 || from.Ip != dst.Ip {
		t.Fatalf("no reply: %v", err)
	}
	if msg[0] != inet.ICMP_ECHOREPLY || msg[4] != 0x12 || msg[5] != 0x34 ||
		msg[8:] != "hi" {
		t.Fatalf("bad reply %v", []uint8(msg))
	}
	if p.b.Stats.Echoes.Get() != 1 {
		t.Fatalf("echo not counted")
	}
}

func TestSockopts(t *testing.T) {
	p := mkpair(t)
	s := mksock(t, p.a, SOCK_STREAM)
	if err := s.Setsockopt(defs.IPPROTO_TCP, defs.TCP_NODELAY, 1); err != 0 {
		t.Fatalf("nodelay: %v", err)
	}
	if v, err := s.Getsockopt(defs.IPPROTO_TCP, defs.TCP_NODELAY); v != 1 || err != 0 {
		t.Fatalf("getsockopt nodelay %v %v", v, err)
	}
	if err := s.Setsockopt(defs.IPPROTO_IP, defs.IP_TTL, 0); err != -defs.EINVAL {
		t.Fatalf("ttl 0: %v", err)
	}
	if err := s.Setsockopt(defs.SOL_SOCKET, 9999, 1); err != -defs.ENOPROTOOPT {
		t.Fatalf("unknown option: %v", err)
	}
	u := mksock(t, p.a, SOCK_DGRAM)
	if err := u.Setsockopt(defs.IPPROTO_TCP, defs.TCP_NODELAY, 1); err != -defs.ENOPROTOOPT {
		t.Fatalf("tcp option on udp: %v", err)
	}
	// broadcast needs the option
	bc := Mkendpoint4(inet.Mkip4(192, 0, 2, 255), 7)
	if _, err := u.Sendto(0, vm.Mkfakeubuf([]uint8("x")), bc); err != -defs.EACCES {
		t.Fatalf("broadcast without option: %v", err)
	}
}
