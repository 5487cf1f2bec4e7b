package bnet

import "testing"

import "kcore/defs"
import "kcore/inet"
import "kcore/vm"

func TestMasked(t *testing.T) {
	if m := Masked(ip4(10, 1, 2, 3), 16); m != ip4(10, 1, 0, 0) {
		t.Fatalf("masked %v", m)
	}
	if m := Masked(ip4(10, 1, 2, 3), 0); m != ip4(0, 0, 0, 0) {
		t.Fatalf("masked %v", m)
	}
	if !Prefixeq(ip4(192, 0, 2, 1), ip4(192, 0, 2, 200), 24) {
		t.Fatalf("same /24")
	}
	if Prefixeq(ip4(192, 0, 2, 1), ip4(192, 0, 3, 1), 24) {
		t.Fatalf("different /24")
	}
	v6 := inet.Ipaddr_t{0x20, 0x01, 0x0d, 0xb8, 15: 1}
	if Prefixeq(v6, ip4(32, 1, 13, 184), 32) {
		t.Fatalf("families mixed")
	}
}

func TestRoutes(t *testing.T) {
	p := mkpair(t)
	n := p.a
	w := Mkwire(macc, inet.Mac_t{0x02, 0, 0, 0, 0, 0x0d})
	if _, err := n.Add_iface("eth1", w.A, false); err != 0 {
		t.Fatalf("add_iface: %v", err)
	}
	if err := n.Add_addr("eth1", ip4(10, 1, 0, 1), 16); err != 0 {
		t.Fatalf("add_addr: %v", err)
	}
	wide := Rtentry_t{Dst: ip4(10, 0, 0, 0), Plen: 8, Gw: ip4(192, 0, 2, 254),
		Ifname: "eth0"}
	if err := n.Route_add(wide); err != 0 {
		t.Fatalf("route_add: %v", err)
	}
	if err := n.Route_add(wide); err != -defs.EEXIST {
		t.Fatalf("duplicate route: %v", err)
	}
	if err := n.Route_add(Rtentry_t{Dst: ip4(10, 1, 0, 1), Plen: 16,
		Ifname: "eth1"}); err != -defs.EINVAL {
		t.Fatalf("unmasked destination: %v", err)
	}
	if err := n.Route_add(Rtentry_t{Dst: ip4(172, 16, 0, 0), Plen: 12,
		Ifname: "eth7"}); err != -defs.ENODEV {
		t.Fatalf("unknown interface: %v", err)
	}

	// longest prefix wins
	e, err := n.Routes.Lookup(ip4(10, 1, 2, 3))
	if err != 0 || e.Ifname != "eth1" || e.Hasgw() {
		t.Fatalf("lookup 10.1.2.3: %v %v", e, err)
	}
	e, err = n.Routes.Lookup(ip4(10, 2, 0, 1))
	if err != 0 || e.Ifname != "eth0" || e.Gw != ip4(192, 0, 2, 254) {
		t.Fatalf("lookup 10.2.0.1: %v %v", e, err)
	}
	if _, err := n.Routes.Lookup(ip4(8, 8, 8, 8)); err != -defs.ENOROUTE {
		t.Fatalf("no default route: %v", err)
	}

	if err := n.Route_add(Rtentry_t{Dst: ip4(0, 0, 0, 0), Ifname: "eth1"}); err != -defs.EINVAL {
		t.Fatalf("default route without a gateway: %v", err)
	}
	if _, err := n.Routes.Lookup(ip4(8, 8, 8, 8)); err != -defs.ENOROUTE {
		t.Fatalf("gatewayless default route installed: %v", err)
	}
	// a default gateway must be on the egress interface's network
	def := Rtentry_t{Dst: ip4(0, 0, 0, 0), Gw: ip4(10, 1, 0, 254), Ifname: "eth0"}
	if err := n.Route_add(def); err != -defs.ENETUNREACH {
		t.Fatalf("off-link gateway: %v", err)
	}
	def.Ifname = "eth1"
	if err := n.Route_add(def); err != 0 {
		t.Fatalf("default route: %v", err)
	}
	if e, err := n.Routes.Lookup(ip4(8, 8, 8, 8)); err != 0 || e.Ifname != "eth1" {
		t.Fatalf("lookup 8.8.8.8: %v %v", e, err)
	}

	// lower metric wins among equal prefixes
	alt := Rtentry_t{Dst: ip4(10, 0, 0, 0), Plen: 8, Gw: ip4(10, 1, 0, 254),
		Ifname: "eth1", Metric: 5}
	if err := n.Route_add(alt); err != 0 {
		t.Fatalf("route_add: %v", err)
	}
	if e, _ := n.Routes.Lookup(ip4(10, 9, 0, 1)); e.Ifname != "eth0" {
		t.Fatalf("metric ignored: %v", e)
	}
	if err := n.Route_del(ip4(10, 0, 0, 0), 8, "eth0"); err != 0 {
		t.Fatalf("route_del: %v", err)
	}
	if e, _ := n.Routes.Lookup(ip4(10, 9, 0, 1)); e.Ifname != "eth1" {
		t.Fatalf("remaining route not used: %v", e)
	}
	if err := n.Route_del(ip4(10, 0, 0, 0), 8, "eth0"); err != -defs.ENOENT {
		t.Fatalf("second route_del: %v", err)
	}
}

func TestNoRoute(t *testing.T) {
	p := mkpair(t)
	s := mksock(t, p.a, SOCK_DGRAM)
	ep := Endpoint_t{Ip: ip4(198, 51, 100, 1), Port: 9}
	if _, err := s.Sendto(0, vm.Mkfakeubuf([]uint8("x")), ep); err == 0 {
		t.Fatalf("sent to an unroutable destination")
	}
	if p.a.Stats.Noroute.Get() == 0 {
		t.Fatalf("missing route not counted")
	}
}
