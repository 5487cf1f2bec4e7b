package inet

import "testing"

import "kcore/defs"

func TestCksum(t *testing.T) {
	b := []uint8{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}
	if c := Cksum(b); c != 0x220d {
		t.Fatalf("cksum %#x", c)
	}
	// odd length pads with zero
	if Cksum([]uint8{0xff}) != Cksum([]uint8{0xff, 0}) {
		t.Fatalf("odd length")
	}
}

func TestIp4hdr(t *testing.T) {
	var ip Ip4hdr_t
	ip.Init(95, Mkip4(192, 168, 0, 1), Mkip4(192, 168, 0, 199),
		IPPROTO_UDP, DEFTTL)
	ip.Finish()
	buf := make([]uint8, 0x73)
	copy(buf, ip.Bytes())
	want := []uint8{0x45, 0x00, 0x00, 0x73, 0x00, 0x00, 0x40, 0x00, 0x40,
		0x11, 0xb8, 0x61, 0xc0, 0xa8, 0x00, 0x01, 0xc0, 0xa8, 0x00, 0xc7}
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("byte %d: %#x != %#x", i, buf[i], want[i])
		}
	}
	h, pl, err := Sl2iphdr(buf)
	if err != 0 {
		t.Fatalf("parse %v", err)
	}
	if len(pl) != 95 || h.Src() != Mkip4(192, 168, 0, 1) ||
		h.Dst() != Mkip4(192, 168, 0, 199) || h.Fragment() {
		t.Fatalf("bad header view")
	}

	buf[12]++
	if _, _, err := Sl2iphdr(buf); err != -defs.EBADPKT {
		t.Fatalf("bad checksum accepted")
	}
	buf[12]--
	buf[0] = 0x65
	if _, _, err := Sl2iphdr(buf); err != -defs.EBADPKT {
		t.Fatalf("version 6 accepted")
	}
	if _, _, err := Sl2iphdr(buf[:19]); err != -defs.EBADPKT {
		t.Fatalf("short header accepted")
	}
}

func TestEther(t *testing.T) {
	for _, n := range []int{0, 13, 59, 1515} {
		if _, _, err := Sl2etherhdr(make([]uint8, n)); err != -defs.EBADPKT {
			t.Fatalf("len %d: %v", n, err)
		}
	}
	var eh Etherhdr_t
	src := Mac_t{2, 0, 0, 0, 0, 1}
	eh.Init(&src, &Bcastmac, ETYPE_ARP)
	frame := make([]uint8, ETHER_MIN)
	copy(frame, eh.Bytes())
	h, pl, err := Sl2etherhdr(frame)
	if err != 0 || h.Type() != ETYPE_ARP || h.Smac != src ||
		len(pl) != ETHER_MIN-ETHERLEN {
		t.Fatalf("bad frame %v", err)
	}
	eh.Init(&src, &Bcastmac, ETYPE_VLAN)
	copy(frame, eh.Bytes())
	if _, _, err := Sl2etherhdr(frame); err != -defs.EOPNOTSUPP {
		t.Fatalf("vlan: %v", err)
	}
}

func TestArp(t *testing.T) {
	var ar Arpv4_t
	mac := Mac_t{2, 0, 0, 0, 0, 7}
	ar.Init_req(&mac, Mkip4(10, 0, 0, 7), Mkip4(10, 0, 0, 1))
	p, err := Sl2arp(ar.Bytes())
	if err != 0 {
		t.Fatalf("parse %v", err)
	}
	if p.Oper() != ARP_REQUEST || p.Sha() != mac ||
		p.Spa() != Mkip4(10, 0, 0, 7) || p.Tpa() != Mkip4(10, 0, 0, 1) ||
		p.Gratuitous() {
		t.Fatalf("bad request")
	}
	b := ar.Bytes()
	b[7] = 9
	if _, err := Sl2arp(b); err != -defs.EBADPKT {
		t.Fatalf("bad op accepted")
	}
	if _, err := Sl2arp(b[:ARPLEN-1]); err != -defs.EBADPKT {
		t.Fatalf("short accepted")
	}
}

func TestMask(t *testing.T) {
	if Mask(24) != Mkip4(255, 255, 255, 0) || Mask(0) != 0 ||
		Mask(32) != IP4_BROADCAST {
		t.Fatalf("mask")
	}
	if Masklen(Mkip4(255, 255, 255, 0)) != 24 || Masklen(0) != 0 {
		t.Fatalf("masklen")
	}
	if Masklen(Mkip4(255, 0, 255, 0)) != -1 {
		t.Fatalf("non-contiguous")
	}
}

func TestAddr(t *testing.T) {
	a := Mkipaddr4(Mkip4(10, 1, 2, 3))
	if !a.Is4() || a.Ip4() != Mkip4(10, 1, 2, 3) || a.String() != "10.1.2.3" {
		t.Fatalf("mapped %v", a)
	}
	z := Mkipaddr4(IP4_ANY)
	if !z.Unspecified() {
		t.Fatalf("unspecified")
	}
	a6 := Ipaddr_t{0x20, 0x01, 0x0d, 0xb8, 13: 0x12, 14: 0x34, 15: 0x56}
	s := Solicited(a6)
	want := Ipaddr_t{0xff, 0x02, 11: 0x01, 12: 0xff, 13: 0x12, 14: 0x34, 15: 0x56}
	if s != want || !s.Multicast6() {
		t.Fatalf("solicited %v", s)
	}
	if m := Mcastmac6(s); m != (Mac_t{0x33, 0x33, 0xff, 0x12, 0x34, 0x56}) {
		t.Fatalf("mcast mac %v", m)
	}
	if m := Mcastmac4(Mkip4(239, 129, 1, 2)); m != (Mac_t{1, 0, 0x5e, 1, 1, 2}) {
		t.Fatalf("mcast mac4 %v", m)
	}
}

func TestTcpopt(t *testing.T) {
	o := Tcpopt_t{Mss: 1460, Wsok: true, Wshift: 7, Tsok: true, Tsval: 1,
		Tsecr: 2}
	ob := Mktcpopt(o)
	if len(ob) != 20 {
		t.Fatalf("optlen %d", len(ob))
	}
	var th Tcphdr_t
	th.Init(1234, 80, 100, 0, TCP_SYN, 65535)
	th.Set_optlen(len(ob))
	seg := append(append([]uint8{}, th.Bytes()...), ob...)
	seg = append(seg, "hi"...)
	h, got, pl, err := Sl2tcphdr(seg)
	if err != 0 {
		t.Fatalf("parse %v", err)
	}
	if got != o {
		t.Fatalf("options %+v", got)
	}
	if string(pl) != "hi" || !h.Issyn() || h.Seqno() != 100 {
		t.Fatalf("bad segment")
	}
	if _, ok := h.Isack(); ok {
		t.Fatalf("ack set")
	}

	big := _sl2tcpopt([]uint8{owsopt, 3, 20})
	if !big.Wsok || big.Wshift != 14 {
		t.Fatalf("shift not clamped")
	}
	// truncated options stop parsing
	trunc := _sl2tcpopt([]uint8{omss, 4, 5})
	if trunc.Mss != 0 {
		t.Fatalf("truncated mss")
	}

	seg[12] = 0xf0
	if _, _, _, err := Sl2tcphdr(seg[:30]); err != -defs.EBADPKT {
		t.Fatalf("bad data offset accepted")
	}
}

func TestUdpcksum(t *testing.T) {
	src := Mkipaddr4(Mkip4(10, 0, 0, 1))
	dst := Mkipaddr4(Mkip4(10, 0, 0, 2))
	var uh Udphdr_t
	uh.Init(5000, 7, 5)
	seg := append(append([]uint8{}, uh.Bytes()...), "hello"...)
	c := L4cksum(&src, &dst, IPPROTO_UDP, seg)
	seg[6], seg[7] = uint8(c>>8), uint8(c)
	if L4cksum(&src, &dst, IPPROTO_UDP, seg) != 0 {
		t.Fatalf("v4 checksum does not verify")
	}
	h, pl, err := Sl2udphdr(seg)
	if err != 0 || string(pl) != "hello" {
		t.Fatalf("parse %v", err)
	}
	if sp, dp := h.Ports(); sp != 5000 || dp != 7 {
		t.Fatalf("ports")
	}

	s6 := Ipaddr_t{0xfe, 0x80, 15: 1}
	d6 := Ipaddr_t{0xfe, 0x80, 15: 2}
	seg[6], seg[7] = 0, 0
	c = L4cksum(&s6, &d6, IPPROTO_UDP, seg)
	seg[6], seg[7] = uint8(c>>8), uint8(c)
	if L4cksum(&s6, &d6, IPPROTO_UDP, seg) != 0 {
		t.Fatalf("v6 checksum does not verify")
	}

	seg[5] = 200
	if _, _, err := Sl2udphdr(seg); err != -defs.EBADPKT {
		t.Fatalf("long length accepted")
	}
}

func TestNd(t *testing.T) {
	tgt := Ipaddr_t{0xfe, 0x80, 15: 9}
	mac := Mac_t{2, 0, 0, 0, 0, 9}
	ns := Mkns(&tgt, &mac)
	ic, body, err := Sl2icmphdr(ns)
	if err != 0 || ic.Type != ICMP6_NS {
		t.Fatalf("ns header")
	}
	gt, gm, ok, err := Sl2nd(body)
	if err != 0 || !ok || gt != tgt || gm != mac {
		t.Fatalf("ns body %v %v %v", gt, gm, err)
	}
	na := Mkna(&tgt, &mac, NA_SOLICITED|NA_OVERRIDE)
	ic, body, _ = Sl2icmphdr(na)
	if ic.Type != ICMP6_NA || ic.Rest[0] != NA_SOLICITED|NA_OVERRIDE {
		t.Fatalf("na header")
	}
	if _, gm, ok, _ = Sl2nd(body); !ok || gm != mac {
		t.Fatalf("na lladdr")
	}
	if _, _, ok, err = Sl2nd(body[:16]); ok || err != 0 {
		t.Fatalf("no option")
	}
	if _, _, _, err = Sl2nd(body[:10]); err != -defs.EBADPKT {
		t.Fatalf("short body")
	}
}
