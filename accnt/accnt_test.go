package accnt

import "testing"

import "kcore/util"

func TestCharge(t *testing.T) {
	var a, b Accnt_t
	a.Charge(true, 1500)
	a.Charge(false, 20)
	b.Charge(true, 5)
	b.Add(&a)
	if b.Total() != 1525 {
		t.Fatalf("total %v", b.Total())
	}
	ru := b.Fetch()
	if s := util.Readn(ru, 8, 0); s != 1 {
		t.Fatalf("user secs %v", s)
	}
	if us := util.Readn(ru, 8, 8); us != 505000 {
		t.Fatalf("user usecs %v", us)
	}
	if us := util.Readn(ru, 8, 24); us != 20000 {
		t.Fatalf("sys usecs %v", us)
	}
}
