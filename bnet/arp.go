package bnet

import "fmt"
import "sort"
import "sync"

import "kcore/defs"
import "kcore/inet"
import "kcore/limits"
import "kcore/stats"

type Arpstate_t int

const (
	// a request is outstanding
	ARP_INCOMPLETE Arpstate_t = iota
	ARP_REACHABLE
	// learned without being asked for
	ARP_STALE
	// a stale entry was used; confirmation is due
	ARP_DELAY
	ARP_PROBE
	ARP_FAILED
)

var arpnames = [...]string{"incomplete", "reachable", "stale", "delay",
	"probe", "failed"}

func (s Arpstate_t) String() string {
	return arpnames[s]
}

type Arpcfg_t struct {
	// lifetime of a reachable entry in ms
	Maxage  uint64
	Maxents int
	// count and reject address changes
	Security bool
	// accept gratuitous announcements
	Gratuitous bool
	// requests sent before an unanswered entry is dropped
	Retries int
	// OUIs whose address changes are not violations
	Trusted [][3]uint8
}

func Defarpcfg() Arpcfg_t {
	return Arpcfg_t{
		Maxage:     300000,
		Maxents:    limits.Syslimit.Arpents,
		Security:   true,
		Gratuitous: true,
		Retries:    3,
	}
}

const (
	arp_incomplete_ms = 3000
	arp_delay_ms      = 5000
	arp_probe_ms      = 1000
	// frames held per unresolved neighbor
	arp_pending = 16
)

// Arpent_t is a neighbor cache entry. IPv4 entries are learned by ARP and
// IPv6 entries by neighbor discovery.
type Arpent_t struct {
	Ip         inet.Ipaddr_t
	Mac        inet.Mac_t
	State      Arpstate_t
	Ifname     string
	Static     bool
	Created    uint64
	Updated    uint64
	Lastused   uint64
	Uses       int
	Reqs       int
	Verified   bool
	Suspicious bool
	Trusted    bool
	pending    [][]uint8
}

func (e *Arpent_t) String() string {
	st := e.State.String()
	if e.Static {
		st = "static"
	}
	return fmt.Sprintf("%v at %v on %s %s", e.Ip, e.Mac, e.Ifname, st)
}

type Arpstats_t struct {
	Reqsent      stats.Counter_t
	Reqrecv      stats.Counter_t
	Repsent      stats.Counter_t
	Reprecv      stats.Counter_t
	Gratuitous   stats.Counter_t
	Violations   stats.Counter_t
	Hits         stats.Counter_t
	Misses       stats.Counter_t
	Timeouts     stats.Counter_t
	Evictions    stats.Counter_t
	Pendingdrops stats.Counter_t
	Badpkt       stats.Counter_t
}

// Arp_t is the neighbor cache shared by ARP and IPv6 neighbor discovery.
type Arp_t struct {
	sync.Mutex
	n     *Net_t
	cfg   Arpcfg_t
	ents  map[inet.Ipaddr_t]*Arpent_t
	Stats Arpstats_t
}

func mkarp(n *Net_t, cfg Arpcfg_t) *Arp_t {
	return &Arp_t{n: n, cfg: cfg, ents: make(map[inet.Ipaddr_t]*Arpent_t)}
}

// queued frames whose neighbor was just resolved
type arpflush_t struct {
	ifname string
	mac    inet.Mac_t
	frames [][]uint8
}

func (a *Arp_t) _flush(e *Arpent_t) arpflush_t {
	r := arpflush_t{ifname: e.Ifname, mac: e.Mac, frames: e.pending}
	e.pending = nil
	return r
}

func (a *Arp_t) send(f arpflush_t) {
	if len(f.frames) == 0 {
		return
	}
	ifc, ok := a.n.Iface(f.ifname)
	if !ok {
		a.Stats.Pendingdrops.Add(int64(len(f.frames)))
		return
	}
	for _, fr := range f.frames {
		copy(fr[:6], f.mac[:])
		ifc.tx(fr)
	}
}

func (a *Arp_t) _trusted(mac *inet.Mac_t) bool {
	for _, p := range a.cfg.Trusted {
		if p[0] == mac[0] && p[1] == mac[1] && p[2] == mac[2] {
			return true
		}
	}
	return false
}

// _evict makes room for one more entry by dropping the least recently used
// dynamic entry.
func (a *Arp_t) _evict() bool {
	if len(a.ents) < a.cfg.Maxents {
		return true
	}
	var victim *Arpent_t
	for _, e := range a.ents {
		if e.Static {
			continue
		}
		if victim == nil || e.Lastused < victim.Lastused {
			victim = e
		}
	}
	if victim == nil {
		return false
	}
	a.Stats.Pendingdrops.Add(int64(len(victim.pending)))
	delete(a.ents, victim.Ip)
	a.Stats.Evictions.Inc()
	return true
}

func (a *Arp_t) _newent(ip inet.Ipaddr_t, ifname string, now uint64) *Arpent_t {
	if !a._evict() {
		return nil
	}
	e := &Arpent_t{Ip: ip, Ifname: ifname, State: ARP_INCOMPLETE,
		Created: now, Updated: now, Lastused: now}
	a.ents[ip] = e
	return e
}

// _learn records mac for ip. A solicited answer makes the entry
// reachable; otherwise a new or changed entry is stale. With security on,
// entries already flagged suspicious are left alone and a known address
// that moves is counted as a violation.
func (a *Arp_t) _learn(ip inet.Ipaddr_t, mac inet.Mac_t, ifname string,
	solicited bool) arpflush_t {
	now := a.n.Now()
	e, ok := a.ents[ip]
	if !ok {
		if e = a._newent(ip, ifname, now); e == nil {
			return arpflush_t{}
		}
	} else if e.Static {
		return arpflush_t{}
	} else if a.cfg.Security && e.Suspicious {
		return arpflush_t{}
	} else if a.cfg.Security && e.State != ARP_INCOMPLETE && e.Mac != mac &&
		!a._trusted(&mac) {
		a.Stats.Violations.Inc()
	}
	changed := e.Mac != mac
	e.Mac = mac
	e.Ifname = ifname
	e.Trusted = a._trusted(&mac)
	if solicited {
		e.State = ARP_REACHABLE
		e.Updated = now
		e.Reqs = 0
	} else if e.State == ARP_INCOMPLETE || changed {
		e.State = ARP_STALE
		e.Updated = now
	}
	return a._flush(e)
}

// Update records a solicited answer: ip is at mac on ifname.
func (a *Arp_t) Update(ip inet.Ipaddr_t, mac inet.Mac_t, ifname string) {
	a.Lock()
	f := a._learn(ip, mac, ifname, true)
	a.Unlock()
	a.send(f)
}

// Gratuitous handles an unsolicited announcement of ip at mac. With
// security on, an announcement that moves a known address is rejected.
func (a *Arp_t) Gratuitous(ip inet.Ipaddr_t, mac inet.Mac_t, ifname string) defs.Err_t {
	if !a.cfg.Gratuitous {
		return -defs.EOPNOTSUPP
	}
	a.Lock()
	a.Stats.Gratuitous.Inc()
	e, ok := a.ents[ip]
	if ok && e.Static {
		a.Unlock()
		return -defs.EACCES
	}
	if ok && a.cfg.Security && e.State != ARP_INCOMPLETE && e.Mac != mac &&
		!a._trusted(&mac) {
		e.Suspicious = true
		a.Stats.Violations.Inc()
		a.Unlock()
		return -defs.EACCES
	}
	f := a._learn(ip, mac, ifname, true)
	if e, ok = a.ents[ip]; ok {
		e.Verified = true
	}
	a.Unlock()
	a.send(f)
	return 0
}

// Lookup returns the link-layer address of ip if it is known.
func (a *Arp_t) Lookup(ip inet.Ipaddr_t) (inet.Mac_t, bool) {
	a.Lock()
	defer a.Unlock()
	return a._lookup(ip)
}

func (a *Arp_t) _lookup(ip inet.Ipaddr_t) (inet.Mac_t, bool) {
	e, ok := a.ents[ip]
	if !ok || e.State == ARP_INCOMPLETE || e.State == ARP_FAILED {
		a.Stats.Misses.Inc()
		return inet.Mac_t{}, false
	}
	a.Stats.Hits.Inc()
	e.Lastused = a.n.Now()
	e.Uses++
	if e.State == ARP_STALE {
		e.State = ARP_DELAY
	}
	return e.Mac, true
}

// Add_static installs a permanent entry, replacing any learned one.
func (a *Arp_t) Add_static(ip inet.Ipaddr_t, mac inet.Mac_t, ifname string) defs.Err_t {
	if mac.Zero() || mac.Multicast() || ip.Unspecified() {
		return -defs.EINVAL
	}
	if _, ok := a.n.Iface(ifname); !ok {
		return -defs.ENODEV
	}
	a.Lock()
	now := a.n.Now()
	e, ok := a.ents[ip]
	if !ok {
		if e = a._newent(ip, ifname, now); e == nil {
			a.Unlock()
			return -defs.ENOMEM
		}
	}
	e.Mac = mac
	e.Ifname = ifname
	e.Static = true
	e.Trusted = true
	e.Verified = true
	e.State = ARP_REACHABLE
	e.Updated = now
	f := a._flush(e)
	a.Unlock()
	a.send(f)
	return 0
}

func (a *Arp_t) Remove(ip inet.Ipaddr_t) defs.Err_t {
	a.Lock()
	defer a.Unlock()
	e, ok := a.ents[ip]
	if !ok {
		return -defs.ENOENT
	}
	a.Stats.Pendingdrops.Add(int64(len(e.pending)))
	delete(a.ents, ip)
	return 0
}

// Clear drops every dynamic entry.
func (a *Arp_t) Clear() {
	a.Lock()
	defer a.Unlock()
	for ip, e := range a.ents {
		if !e.Static {
			a.Stats.Pendingdrops.Add(int64(len(e.pending)))
			delete(a.ents, ip)
		}
	}
}

// Entries returns a copy of the cache sorted by address.
func (a *Arp_t) Entries() []Arpent_t {
	a.Lock()
	ret := make([]Arpent_t, 0, len(a.ents))
	for _, e := range a.ents {
		c := *e
		c.pending = nil
		ret = append(ret, c)
	}
	a.Unlock()
	sort.Slice(ret, func(i, j int) bool {
		x, y := ret[i].Ip, ret[j].Ip
		for k := range x {
			if x[k] != y[k] {
				return x[k] < y[k]
			}
		}
		return false
	})
	return ret
}

// Age_entries expires and revalidates entries. It runs once a second.
func (a *Arp_t) Age_entries() {
	type req_t struct {
		ifname string
		ip     inet.Ipaddr_t
	}
	var reqs []req_t
	a.Lock()
	now := a.n.Now()
	drop := func(e *Arpent_t) {
		a.Stats.Pendingdrops.Add(int64(len(e.pending)))
		delete(a.ents, e.Ip)
	}
	for _, e := range a.ents {
		if e.Static {
			continue
		}
		switch e.State {
		case ARP_INCOMPLETE:
			if now-e.Created > arp_incomplete_ms {
				a.Stats.Timeouts.Inc()
				drop(e)
			} else if now-e.Updated >= arp_probe_ms && e.Reqs < a.cfg.Retries {
				e.Reqs++
				e.Updated = now
				reqs = append(reqs, req_t{e.Ifname, e.Ip})
			}
		case ARP_REACHABLE:
			if now-e.Updated > a.cfg.Maxage {
				drop(e)
			}
		case ARP_STALE:
			if now-e.Updated > 2*a.cfg.Maxage {
				drop(e)
			}
		case ARP_DELAY:
			if now-e.Lastused > arp_delay_ms {
				e.State = ARP_PROBE
				e.Reqs = 1
				e.Updated = now
				reqs = append(reqs, req_t{e.Ifname, e.Ip})
			}
		case ARP_PROBE:
			if now-e.Updated <= arp_probe_ms {
				break
			}
			if e.Reqs >= a.cfg.Retries {
				a.Stats.Timeouts.Inc()
				drop(e)
			} else {
				e.Reqs++
				e.Updated = now
				reqs = append(reqs, req_t{e.Ifname, e.Ip})
			}
		case ARP_FAILED:
			drop(e)
		}
	}
	a.Unlock()
	for _, r := range reqs {
		if ifc, ok := a.n.Iface(r.ifname); ok {
			a.request(ifc, r.ip)
		}
	}
}

// resolve returns the link-layer address of the next hop nh. If it is not
// known, a copy of frame is held until the neighbor answers and a request
// is sent.
func (a *Arp_t) resolve(ifc *Iface_t, nh inet.Ipaddr_t, frame []uint8) (inet.Mac_t, bool) {
	a.Lock()
	if mac, ok := a._lookup(nh); ok {
		a.Unlock()
		return mac, true
	}
	now := a.n.Now()
	e, ok := a.ents[nh]
	ask := false
	if !ok {
		if e = a._newent(nh, ifc.Name, now); e == nil {
			a.Stats.Pendingdrops.Inc()
			a.Unlock()
			return inet.Mac_t{}, false
		}
		e.Reqs = 1
		ask = true
	} else if e.State == ARP_FAILED {
		e.State = ARP_INCOMPLETE
		e.Created, e.Updated, e.Reqs = now, now, 1
		ask = true
	}
	if len(e.pending) == arp_pending {
		e.pending = e.pending[1:]
		a.Stats.Pendingdrops.Inc()
	}
	c := make([]uint8, len(frame))
	copy(c, frame)
	e.pending = append(e.pending, c)
	a.Unlock()
	if ask {
		a.request(ifc, nh)
	}
	return inet.Mac_t{}, false
}

// request asks for the link-layer address of ip with an ARP request or a
// neighbor solicitation.
func (a *Arp_t) request(ifc *Iface_t, ip inet.Ipaddr_t) {
	src, ok := a.n._ifsrc(ifc, ip)
	if !ok {
		return
	}
	a.Stats.Reqsent.Inc()
	if ip.Is4() {
		var ar inet.Arpv4_t
		ar.Init_req(&ifc.Mac, src.Ip4(), ip.Ip4())
		a.n._l2send(ifc, inet.Bcastmac, inet.ETYPE_ARP, ar.Bytes())
		return
	}
	ns := inet.Mkns(&ip, &ifc.Mac)
	a.n.icmp6_send(src, inet.Solicited(ip), ns, ndhlim)
}

// announce broadcasts ip as our address on ifc.
func (a *Arp_t) announce(ifc *Iface_t, ip inet.Ip4_t) {
	var ar inet.Arpv4_t
	ar.Init_req(&ifc.Mac, ip, ip)
	a.Stats.Reqsent.Inc()
	a.n._l2send(ifc, inet.Bcastmac, inet.ETYPE_ARP, ar.Bytes())
}

// input handles a received ARP packet.
func (a *Arp_t) input(ifc *Iface_t, pl []uint8) {
	ar, err := inet.Sl2arp(pl)
	if err != 0 {
		a.Stats.Badpkt.Inc()
		return
	}
	sha := ar.Sha()
	if sha.Multicast() || sha.Zero() {
		a.Stats.Badpkt.Inc()
		return
	}
	spa := inet.Mkipaddr4(ar.Spa())
	tpa := inet.Mkipaddr4(ar.Tpa())
	if ar.Gratuitous() {
		if !a.n.Islocal(spa) {
			a.Gratuitous(spa, sha, ifc.Name)
		}
		return
	}
	ours := a.n._ifhas(ifc, tpa)
	if !ours {
		// refresh what we already know about the sender
		a.Lock()
		var f arpflush_t
		if _, ok := a.ents[spa]; ok {
			f = a._learn(spa, sha, ifc.Name, false)
		}
		a.Unlock()
		a.send(f)
		return
	}
	switch ar.Oper() {
	case inet.ARP_REQUEST:
		a.Stats.Reqrecv.Inc()
		if !spa.Unspecified() {
			a.Lock()
			f := a._learn(spa, sha, ifc.Name, false)
			a.Unlock()
			a.send(f)
		}
		var rep inet.Arpv4_t
		rep.Init_reply(&ifc.Mac, &sha, tpa.Ip4(), spa.Ip4())
		a.Stats.Repsent.Inc()
		a.n._l2send(ifc, sha, inet.ETYPE_ARP, rep.Bytes())
	case inet.ARP_REPLY:
		a.Stats.Reprecv.Inc()
		a.Update(spa, sha, ifc.Name)
	}
}

func (a *Arp_t) String() string {
	s := "neighbors:\n"
	for _, e := range a.Entries() {
		s += "  " + e.String() + "\n"
	}
	return s
}
