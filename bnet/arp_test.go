package bnet

import "testing"

import "kcore/defs"
import "kcore/inet"

var macc = inet.Mac_t{0x02, 0, 0, 0, 0, 0x0c}

func TestArpAging(t *testing.T) {
	p := mkpair(t)
	a := p.a.Arp
	ip := ip4(192, 0, 2, 9)
	a.Update(ip, macc, "eth0")
	p.h.Advance(299000)
	a.Age_entries()
	if mac, ok := a.Lookup(ip); !ok || mac != macc {
		t.Fatalf("entry expired early")
	}
	p.h.Advance(2000)
	a.Age_entries()
	if _, ok := a.Lookup(ip); ok {
		t.Fatalf("entry outlived its lifetime")
	}
}

func TestArpSecurity(t *testing.T) {
	p := mkpair(t)
	a := p.a.Arp
	ip := ip4(192, 0, 2, 9)
	a.Update(ip, macc, "eth0")
	// an answer to our own request moves the entry but is counted
	a.Update(ip, macb, "eth0")
	if mac, _ := a.Lookup(ip); mac != macb {
		t.Fatalf("solicited reply ignored, still at %v", mac)
	}
	if a.Stats.Violations.Get() != 1 {
		t.Fatalf("violation not counted")
	}
	suspicious := func() bool {
		for _, e := range a.Entries() {
			if e.Ip == ip {
				return e.Suspicious
			}
		}
		t.Fatalf("entry missing")
		return false
	}
	if suspicious() {
		t.Fatalf("solicited reply flagged the entry")
	}
	if err := a.Gratuitous(ip, macc, "eth0"); err != -defs.EACCES {
		t.Fatalf("gratuitous move: %v", err)
	}
	if !suspicious() || a.Stats.Violations.Get() != 2 {
		t.Fatalf("gratuitous move not flagged")
	}
	// flagged entries no longer learn
	a.Update(ip, macc, "eth0")
	if mac, _ := a.Lookup(ip); mac != macb {
		t.Fatalf("suspicious entry moved to %v", mac)
	}

	other := ip4(192, 0, 2, 10)
	if err := a.Gratuitous(other, macc, "eth0"); err != 0 {
		t.Fatalf("gratuitous: %v", err)
	}
	if mac, ok := a.Lookup(other); !ok || mac != macc {
		t.Fatalf("announcement not learned")
	}
}

func TestArpStatic(t *testing.T) {
	p := mkpair(t)
	a := p.a.Arp
	ip := ip4(192, 0, 2, 20)
	if err := a.Add_static(ip, macc, "eth9"); err != -defs.ENODEV {
		t.Fatalf("unknown interface: %v", err)
	}
	if err := a.Add_static(ip, inet.Mac_t{}, "eth0"); err != -defs.EINVAL {
		t.Fatalf("zero address: %v", err)
	}
	if err := a.Add_static(ip, macc, "eth0"); err != 0 {
		t.Fatalf("add_static: %v", err)
	}
	a.Update(ip, macb, "eth0")
	if err := a.Gratuitous(ip, macb, "eth0"); err != -defs.EACCES {
		t.Fatalf("gratuitous over static: %v", err)
	}
	p.h.Advance(3600 * 1000)
	a.Age_entries()
	if mac, ok := a.Lookup(ip); !ok || mac != macc {
		t.Fatalf("static entry changed")
	}
	a.Clear()
	if _, ok := a.Lookup(ip); !ok {
		t.Fatalf("clear dropped a static entry")
	}
	if err := a.Remove(ip); err != 0 {
		t.Fatalf("remove: %v", err)
	}
	if err := a.Remove(ip); err != -defs.ENOENT {
		t.Fatalf("second remove: %v", err)
	}
}

func TestArpUnanswered(t *testing.T) {
	p := mkpair(t)
	s := mksock(t, p.a, SOCK_DGRAM)
	ip := ip4(192, 0, 2, 50)
	sendto(t, s, "anyone", Endpoint_t{Ip: ip, Port: 9})
	p.settle()
	var st Arpstate_t = -1
	for _, e := range p.a.Arp.Entries() {
		if e.Ip == ip {
			st = e.State
		}
	}
	if st != ARP_INCOMPLETE {
		t.Fatalf("entry in %v", st)
	}
	for i := 0; i < 4; i++ {
		p.tick(1000)
	}
	a := p.a.Arp
	if _, ok := a.Lookup(ip); ok {
		t.Fatalf("unanswered neighbor resolved")
	}
	if a.Stats.Timeouts.Get() != 1 || a.Stats.Pendingdrops.Get() != 1 {
		t.Fatalf("timeouts %v drops %v", a.Stats.Timeouts.Get(),
			a.Stats.Pendingdrops.Get())
	}
	if a.Stats.Reqsent.Get() < 2 {
		t.Fatalf("request not retried")
	}
}
