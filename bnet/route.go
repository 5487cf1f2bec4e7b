package bnet

import "fmt"
import "sort"
import "sync"
import "sync/atomic"

import "kcore/defs"
import "kcore/inet"
import "kcore/limits"

type Rtentry_t struct {
	Dst inet.Ipaddr_t
	// prefix length within the address family: 0..32 or 0..128
	Plen int
	// unspecified for directly attached networks
	Gw     inet.Ipaddr_t
	Ifname string
	Metric int
}

func (r *Rtentry_t) Hasgw() bool {
	return !r.Gw.Unspecified()
}

func (r Rtentry_t) String() string {
	gw := "direct"
	if r.Hasgw() {
		gw = r.Gw.String()
	}
	return fmt.Sprintf("%s/%d -> %s via %s metric %d", r.Dst, r.Plen,
		r.Ifname, gw, r.Metric)
}

// bit offset of the family's address within Ipaddr_t
func _famoff(a *inet.Ipaddr_t) int {
	if a.Is4() {
		return 96
	}
	return 0
}

func _maxplen(a *inet.Ipaddr_t) int {
	return 128 - _famoff(a)
}

// Masked returns a with every bit past the plen-bit prefix cleared.
func Masked(a inet.Ipaddr_t, plen int) inet.Ipaddr_t {
	bits := _famoff(&a) + plen
	for i := range a {
		lo := i * 8
		switch {
		case lo >= bits:
			a[i] = 0
		case lo+8 > bits:
			a[i] &= ^uint8(0xff >> uint(bits-lo))
		}
	}
	return a
}

// Prefixeq reports whether a and b are of the same family and share their
// first plen bits.
func Prefixeq(a, b inet.Ipaddr_t, plen int) bool {
	if a.Is4() != b.Is4() {
		return false
	}
	return Masked(a, plen) == Masked(b, plen)
}

// an immutable snapshot of the routing table, sorted by prefix length
// descending then metric ascending
type routes_t struct {
	ents []Rtentry_t
}

func (r *routes_t) copy() (*routes_t, defs.Err_t) {
	if len(r.ents) >= limits.Syslimit.Routes {
		return nil, -defs.ENOMEM
	}
	ret := &routes_t{ents: make([]Rtentry_t, len(r.ents), len(r.ents)+1)}
	copy(ret.ents, r.ents)
	return ret, 0
}

func (r *routes_t) _sort() {
	sort.SliceStable(r.ents, func(i, j int) bool {
		a, b := &r.ents[i], &r.ents[j]
		if a.Plen != b.Plen {
			return a.Plen > b.Plen
		}
		return a.Metric < b.Metric
	})
}

// the first match is the longest prefix with the lowest metric
func (r *routes_t) lookup(dst inet.Ipaddr_t) (Rtentry_t, bool) {
	for _, e := range r.ents {
		if Prefixeq(e.Dst, dst, e.Plen) {
			return e, true
		}
	}
	return Rtentry_t{}, false
}

func (r *routes_t) dump() string {
	s := "routes:\n"
	for _, e := range r.ents {
		s += "  " + e.String() + "\n"
	}
	return s
}

// RCU protected routing table; readers never lock
type routetbl_t struct {
	// lock for RCU writers
	sync.Mutex
	routes atomic.Pointer[routes_t]
}

func (rt *routetbl_t) init() {
	rt.routes.Store(&routes_t{})
}

func (rt *routetbl_t) commit(newroutes *routes_t) {
	newroutes._sort()
	rt.routes.Store(newroutes)
}

// subnet checks need the interface table; the caller validates.
func (rt *routetbl_t) insert(e Rtentry_t) defs.Err_t {
	rt.Lock()
	defer rt.Unlock()

	cur := rt.routes.Load()
	for _, o := range cur.ents {
		if o.Dst == e.Dst && o.Plen == e.Plen && o.Ifname == e.Ifname &&
			o.Gw == e.Gw {
			return -defs.EEXIST
		}
	}
	newroutes, err := cur.copy()
	if err != 0 {
		return err
	}
	newroutes.ents = append(newroutes.ents, e)
	rt.commit(newroutes)
	return 0
}

// remove deletes the routes matching dst/plen, restricted to ifname if it
// is not empty.
func (rt *routetbl_t) remove(dst inet.Ipaddr_t, plen int, ifname string) defs.Err_t {
	rt.Lock()
	defer rt.Unlock()

	cur := rt.routes.Load()
	newroutes := &routes_t{}
	for _, o := range cur.ents {
		if o.Dst == dst && o.Plen == plen && (ifname == "" || o.Ifname == ifname) {
			continue
		}
		newroutes.ents = append(newroutes.ents, o)
	}
	if len(newroutes.ents) == len(cur.ents) {
		return -defs.ENOENT
	}
	rt.commit(newroutes)
	return 0
}

func (rt *routetbl_t) Lookup(dst inet.Ipaddr_t) (Rtentry_t, defs.Err_t) {
	e, ok := rt.routes.Load().lookup(dst)
	if !ok {
		return e, -defs.ENOROUTE
	}
	return e, 0
}

func (rt *routetbl_t) Entries() []Rtentry_t {
	cur := rt.routes.Load()
	ret := make([]Rtentry_t, len(cur.ents))
	copy(ret, cur.ents)
	return ret
}

func (rt *routetbl_t) Dump() string {
	return rt.routes.Load().dump()
}
