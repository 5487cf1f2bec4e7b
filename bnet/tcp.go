package bnet

import "fmt"
import "sort"
import "sync"

import "kcore/circbuf"
import "kcore/defs"
import "kcore/fdops"
import "kcore/hw"
import "kcore/inet"
import "kcore/stats"

type Tcpstate_t int

const (
	CLOSED Tcpstate_t = iota
	LISTEN
	SYNSENT
	SYNRCVD
	ESTAB
	FINWAIT1
	FINWAIT2
	CLOSING
	CLOSEWAIT
	LASTACK
	TIMEWAIT
)

var statestr = [...]string{
	CLOSED:    "CLOSED",
	LISTEN:    "LISTEN",
	SYNSENT:   "SYNSENT",
	SYNRCVD:   "SYNRCVD",
	ESTAB:     "ESTAB",
	FINWAIT1:  "FINWAIT1",
	FINWAIT2:  "FINWAIT2",
	CLOSING:   "CLOSING",
	CLOSEWAIT: "CLOSEWAIT",
	LASTACK:   "LASTACK",
	TIMEWAIT:  "TIMEWAIT",
}

func (s Tcpstate_t) String() string {
	return statestr[s]
}

// timer values in ms
const (
	tcp_usertimeo = 300000
	tcp_syntimeo  = 75000
	tcp_fintimeo  = 60000
	tcp_msl       = 120000
	tcp_kaidle    = 2 * 3600 * 1000
	tcp_kaintvl   = 75000
	tcp_kaprobes  = 9
	rtoinit       = 3000
	rtomin        = 200
	rtomax        = 60000
	defmss        = 536
	// a timestamp option padded with two NOPs
	tcp_tsoptlen  = 12
)

type tcpkey_t struct {
	lip   inet.Ipaddr_t
	rip   inet.Ipaddr_t
	lport uint16
	rport uint16
}

func (k tcpkey_t) String() string {
	return fmt.Sprintf("%v -> %v", Endpoint_t{k.lip, k.lport},
		Endpoint_t{k.rip, k.rport})
}

// tcpcons_t holds every connection that is not CLOSED, keyed by its
// 4-tuple, and the listeners by port.
type tcpcons_t struct {
	sync.Mutex
	econns map[tcpkey_t]*Tcptcb_t
	listns map[uint16][]*tcplisn_t
}

func (tc *tcpcons_t) init() {
	tc.econns = make(map[tcpkey_t]*Tcptcb_t)
	tc.listns = make(map[uint16][]*tcplisn_t)
}

func (tc *tcpcons_t) insert(tcb *Tcptcb_t) bool {
	tc.Lock()
	defer tc.Unlock()
	if _, ok := tc.econns[tcb.key]; ok {
		return false
	}
	tc.econns[tcb.key] = tcb
	return true
}

func (tc *tcpcons_t) lookup(k tcpkey_t) (*Tcptcb_t, bool) {
	tc.Lock()
	defer tc.Unlock()
	tcb, ok := tc.econns[k]
	return tcb, ok
}

func (tc *tcpcons_t) remove(tcb *Tcptcb_t) {
	tc.Lock()
	defer tc.Unlock()
	if tc.econns[tcb.key] == tcb {
		delete(tc.econns, tcb.key)
	}
}

func (tc *tcpcons_t) all() []*Tcptcb_t {
	tc.Lock()
	defer tc.Unlock()
	ret := make([]*Tcptcb_t, 0, len(tc.econns))
	for _, tcb := range tc.econns {
		ret = append(ret, tcb)
	}
	return ret
}

// listener returns the listener for a SYN to ip:port. A listener bound to
// ip wins over a wildcard one.
func (tc *tcpcons_t) listener(ip inet.Ipaddr_t, port uint16) (*tcplisn_t, bool) {
	tc.Lock()
	defer tc.Unlock()
	var wild *tcplisn_t
	for _, l := range tc.listns[port] {
		if l.local.Ip == ip {
			return l, true
		}
		if wild == nil && l.local.Ip.Unspecified() && l.local.Ip.Is4() == ip.Is4() {
			wild = l
		}
	}
	return wild, wild != nil
}

func (tc *tcpcons_t) listen_insert(l *tcplisn_t) {
	tc.Lock()
	tc.listns[l.local.Port] = append(tc.listns[l.local.Port], l)
	tc.Unlock()
}

func (tc *tcpcons_t) listen_del(l *tcplisn_t) {
	tc.Lock()
	defer tc.Unlock()
	ls := tc.listns[l.local.Port]
	for i, o := range ls {
		if o == l {
			ls = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(ls) == 0 {
		delete(tc.listns, l.local.Port)
	} else {
		tc.listns[l.local.Port] = ls
	}
}

// tcplisn_t is the listening side of a stream socket. Connections in
// SYNRCVD count against the backlog; established ones wait in ready for
// accept.
type tcplisn_t struct {
	sync.Mutex
	sock    *Socket_t
	local   Endpoint_t
	opts    sockopts_t
	backlog int
	pend    int
	ready   []*Tcptcb_t
	closed  bool
}

func (l *tcplisn_t) setopts(o *sockopts_t) {
	l.Lock()
	l.opts = *o
	l.Unlock()
}

// conadd queues an established connection. It returns false if the
// listener is gone.
func (l *tcplisn_t) conadd(tcb *Tcptcb_t) bool {
	l.Lock()
	defer l.Unlock()
	l.pend--
	if l.closed {
		return false
	}
	l.ready = append(l.ready, tcb)
	l.sock.pollers.Wakeready(fdops.R_READ)
	return true
}

// forget drops a connection that died before it was accepted.
func (l *tcplisn_t) forget(tcb *Tcptcb_t, pending bool) {
	l.Lock()
	defer l.Unlock()
	if pending {
		l.pend--
		return
	}
	for i, o := range l.ready {
		if o == tcb {
			l.ready = append(l.ready[:i:i], l.ready[i+1:]...)
			return
		}
	}
}

// Tcptcb_t is one TCP connection. Sequence variables follow RFC 793.
type Tcptcb_t struct {
	sync.Mutex
	n     *Net_t
	key   tcpkey_t
	state Tcpstate_t
	// when the current state was entered
	stateat uint64
	// nil while the connection waits to be accepted and after the socket
	// is closed
	sock    *Socket_t
	pollers *fdops.Pollers_t
	// listener of a connection that was not accepted yet
	lsn     *tcplisn_t
	lsnpend bool
	// bsock holds the port binding of an actively opened connection
	bound    bool
	bsock    *Socket_t
	sockgone bool
	iss      uint32
	irs      uint32
	snd      struct {
		una uint32
		nxt uint32
		// highest sequence sent
		max    uint32
		wnd    uint32
		wl1    uint32
		wl2    uint32
		wscale uint
	}
	rcv struct {
		nxt    uint32
		wscale uint
		// right edge of the last advertised window
		adv uint32
	}
	// bytes of sbuf from its tail that were sent
	sndoff int
	sbuf   circbuf.Circbuf_t
	rbuf   circbuf.Circbuf_t
	mss    int
	wsok   bool
	ts     struct {
		ok     bool
		recent uint32
	}
	srtt    int
	rttok   bool
	rto     int
	rtting  bool
	rttseq  uint32
	rttat   uint64
	cwnd    int
	ssthres int
	dupacks int
	fastrx  bool
	// consecutive retransmission timeouts
	backoff int
	// retransmission deadline; zero when nothing is outstanding
	rtxat uint64
	// last segment from the peer and last advance of snd.una
	lastact uint64
	ackat   uint64
	kalast  uint64
	kaprobe int
	keepalive bool
	nodelay   bool
	usertimeo int
	ttl       uint8
	finsent   bool
	finseq    uint32
	finacked  bool
	// the peer's FIN was received
	rdfin  bool
	rdshut bool
	wrshut bool
	// reported once to the socket owner
	err     defs.Err_t
	softerr defs.Err_t
	// connect returned success already
	connret bool
	Stats   Tcpstats_t
}

type Tcpstats_t struct {
	Segsin  stats.Counter_t
	Segsout stats.Counter_t
	Retx    stats.Counter_t
	Dupacks stats.Counter_t
	Txerrs  stats.Counter_t
}

// Tcpinfo_t is a snapshot of a connection for diagnostics.
type Tcpinfo_t struct {
	State    Tcpstate_t
	Mss      int
	Cwnd     int
	Ssthresh int
	Rto      int
	Srtt     int
	Sndwnd   int
	Rcvwnd   int
	Unacked  int
	Queued   int
	Retx     int64
}

func _wscale(bufsz int) uint {
	var sh uint
	for bufsz>>sh > 0xffff && sh < 14 {
		sh++
	}
	return sh
}

// _tcpmss returns the largest segment that fits the MTU of the interface
// towards the peer.
func (n *Net_t) _tcpmss(k tcpkey_t) int {
	mtu := 1500
	if ifc, _, err := n._route(k.lip, k.rip); err == 0 {
		mtu = ifc.Mtu
	}
	if k.lip.Is4() {
		return mtu - inet.IP4LEN - inet.TCPLEN
	}
	return mtu - inet.IP6LEN - inet.TCPLEN
}

func (n *Net_t) mktcb(k tcpkey_t, o *sockopts_t) *Tcptcb_t {
	now := n.Now()
	tc := &Tcptcb_t{n: n, key: k, state: CLOSED}
	tc.iss = uint32(now) + uint32(hw.Rand64(n.h))
	tc.snd.una = tc.iss
	tc.snd.nxt = tc.iss + 1
	tc.snd.max = tc.iss
	tc.sbuf.Cb_init(o.sndbuf, nil)
	tc.rbuf.Cb_init(o.rcvbuf, nil)
	tc.sbuf.Cb_ensure()
	tc.rbuf.Cb_ensure()
	tc.mss = n._tcpmss(k)
	tc.rcv.wscale = _wscale(o.rcvbuf)
	tc.rto = rtoinit
	tc.cwnd = 2 * tc.mss
	tc.ssthres = 65535
	tc.stateat, tc.lastact, tc.ackat = now, now, now
	tc._setopts(o)
	return tc
}

func (tc *Tcptcb_t) _setopts(o *sockopts_t) {
	if o.keepalive && !tc.keepalive {
		tc.kalast = 0
		tc.kaprobe = 0
	}
	tc.keepalive = o.keepalive
	tc.nodelay = o.nodelay
	tc.usertimeo = o.usertimeo
	tc.ttl = o.ttl
}

func (tc *Tcptcb_t) setopts(o *sockopts_t) {
	tc.Lock()
	defer tc.Unlock()
	tc._setopts(o)
	if tc.nodelay {
		tc._output(false)
	}
}

// soerror consumes the pending error.
func (tc *Tcptcb_t) soerror() defs.Err_t {
	tc.Lock()
	defer tc.Unlock()
	err := tc.err
	tc.err = 0
	return err
}

func (tc *Tcptcb_t) _nstate(ns Tcpstate_t) {
	tc.state = ns
	tc.stateat = tc.n.Now()
}

func (tc *Tcptcb_t) _wake(r fdops.Ready_t) {
	if tc.pollers != nil {
		tc.pollers.Wakeready(r)
	}
}

func (tc *Tcptcb_t) _park(tid defs.Tid_t, r fdops.Ready_t, nb bool, tmo int,
	timedout bool) defs.Err_t {
	return _park(tc.n, tc.pollers, tid, r, nb, tmo, timedout)
}

// _terminate moves the connection to CLOSED and releases it. err is
// reported to the socket owner.
func (tc *Tcptcb_t) _terminate(err defs.Err_t) {
	if tc.state == CLOSED {
		return
	}
	if err != 0 {
		tc.err = err
		tc.n.Stats.Tcpdrops.Inc()
	}
	tc._nstate(CLOSED)
	tc.rtxat = 0
	tc.n.tcp.remove(tc)
	if l := tc.lsn; l != nil {
		l.forget(tc, tc.lsnpend)
		tc.lsn = nil
	}
	if tc.sockgone {
		tc._release()
	}
	tc._wake(fdops.R_READ | fdops.R_WRITE | fdops.R_HUP | fdops.R_ERROR)
}

// _release frees the buffers and the port binding once both the socket
// and the connection are gone.
func (tc *Tcptcb_t) _release() {
	tc.sbuf.Cb_release()
	tc.rbuf.Cb_release()
	if tc.bound {
		tc.bound = false
		tc.n.tcpb.unbind(tc.bsock)
	}
}

// _reset aborts the connection with a RST.
func (tc *Tcptcb_t) _reset(err defs.Err_t) {
	if tc.state != SYNSENT && tc.state != CLOSED {
		tc._sendrst(tc.snd.nxt)
	}
	tc._terminate(err)
}

// close is called when the last descriptor of the socket is closed.
// Unread data aborts the connection; otherwise it is shut down gracefully
// and lives on until the FIN handshake completes.
func (tc *Tcptcb_t) close() {
	tc.Lock()
	defer tc.Unlock()
	tc.sockgone = true
	tc.sock = nil
	switch tc.state {
	case CLOSED:
		tc._release()
	case SYNSENT:
		tc._terminate(0)
	default:
		if !tc.rbuf.Empty() {
			tc._reset(0)
			return
		}
		tc.rdshut = true
		tc._shutwr()
	}
}

// _shutwr stops the sending direction; a FIN follows the queued data.
func (tc *Tcptcb_t) _shutwr() {
	if tc.wrshut {
		return
	}
	switch tc.state {
	case SYNSENT:
		tc._terminate(0)
		return
	case ESTAB:
		tc._nstate(FINWAIT1)
	case CLOSEWAIT:
		tc._nstate(LASTACK)
	case SYNRCVD:
		// the FIN is sent once the handshake completes
	default:
		return
	}
	tc.wrshut = true
	tc._output(false)
}

func (s *Socket_t) tcp_listen(backlog int) defs.Err_t {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return -defs.EBADF
	}
	if s.tcb != nil {
		return -defs.EISCONN
	}
	if backlog < 1 {
		backlog = 1
	} else if backlog > 128 {
		backlog = 128
	}
	if l := s.lsn; l != nil {
		l.Lock()
		l.backlog = backlog
		l.Unlock()
		return 0
	}
	if err := s._autobind(); err != 0 {
		return err
	}
	l := &tcplisn_t{sock: s, local: s.local, opts: s.opts, backlog: backlog}
	s.lsn = l
	s.n.tcp.listen_insert(l)
	return 0
}

// tcp_unlisten resets the connections waiting to be accepted.
func (n *Net_t) tcp_unlisten(s *Socket_t, l *tcplisn_t) {
	n.tcp.listen_del(l)
	l.Lock()
	l.closed = true
	ready := l.ready
	l.ready = nil
	l.Unlock()
	for _, tc := range ready {
		tc.Lock()
		tc.lsn = nil
		tc._reset(0)
		tc.Unlock()
	}
}

func (s *Socket_t) tcp_connect(tid defs.Tid_t, ep Endpoint_t) defs.Err_t {
	n := s.n
	s._wakeres(tid)
	s.Lock()
	if s.closed {
		s.Unlock()
		return -defs.EBADF
	}
	if s.lsn != nil {
		s.Unlock()
		return -defs.EINVAL
	}
	nb := s.opts.nonblock
	if tc := s.tcb; tc != nil {
		s.Unlock()
		// the handshake was started by an earlier call
		tc.Lock()
		defer tc.Unlock()
		switch tc.state {
		case SYNSENT, SYNRCVD:
			if nb {
				return -defs.EALREADY
			}
			return tc._park(tid, fdops.R_WRITE, false, 0, false)
		case CLOSED:
			err := tc.err
			tc.err = 0
			if err == 0 {
				err = -defs.ECONNREFUSED
			}
			return err
		}
		if !tc.connret {
			tc.connret = true
			return 0
		}
		return -defs.EISCONN
	}
	if ep.Port == 0 || ep.Ip.Unspecified() {
		s.Unlock()
		return -defs.EINVAL
	}
	if err := s._autobind(); err != 0 {
		s.Unlock()
		return err
	}
	lip := s.local.Ip
	if lip.Unspecified() {
		var err defs.Err_t
		if lip, err = n.Srcfor(ep.Ip); err != 0 {
			s.Unlock()
			return err
		}
	}
	k := tcpkey_t{lip: lip, rip: ep.Ip, lport: s.local.Port, rport: ep.Port}
	tc := n.mktcb(k, &s.opts)
	tc.sock = s
	tc.bsock = s
	tc.pollers = s.pollers
	tc.bound = true
	tc.wsok = true
	tc.ts.ok = true
	if !n.tcp.insert(tc) {
		s.Unlock()
		return -defs.EADDRINUSE
	}
	s.tcb = tc
	s.remote = ep
	s.conn = true
	s.Unlock()

	tc.Lock()
	defer tc.Unlock()
	tc._nstate(SYNSENT)
	tc._sendsyn()
	if nb {
		return -defs.EINPROGRESS
	}
	return tc._park(tid, fdops.R_WRITE, false, 0, false)
}

// tcp_syn handles a SYN for a listener: a new connection enters SYNRCVD
// unless the backlog is full.
func (n *Net_t) tcp_syn(l *tcplisn_t, k tcpkey_t, th *inet.Tcphdr_t, opt inet.Tcpopt_t) {
	l.Lock()
	if l.closed || l.pend+len(l.ready) >= l.backlog {
		l.Unlock()
		n.Stats.Tcpdrops.Inc()
		return
	}
	l.pend++
	o := l.opts
	l.Unlock()
	tc := n.mktcb(k, &o)
	tc.lsn = l
	tc.lsnpend = true
	tc.irs = th.Seqno()
	tc.rcv.nxt = tc.irs + 1
	tc._negotiate(opt)
	tc.snd.wnd = uint32(inet.Ntohs(th.Win))
	tc.snd.wl1 = tc.irs
	tc.snd.wl2 = tc.snd.una
	if !n.tcp.insert(tc) {
		l.forget(tc, true)
		return
	}
	tc.Lock()
	tc._nstate(SYNRCVD)
	tc._sendsyn()
	tc.Unlock()
}

// _negotiate applies the options of the peer's SYN.
func (tc *Tcptcb_t) _negotiate(opt inet.Tcpopt_t) {
	pmss := defmss
	if opt.Mss != 0 {
		pmss = int(opt.Mss)
	}
	if pmss < tc.mss {
		tc.mss = pmss
	}
	tc.cwnd = 2 * tc.mss
	if tc.lsn != nil {
		// the passive side only answers what was offered
		tc.wsok = opt.Wsok
		tc.ts.ok = opt.Tsok
	} else {
		tc.wsok = tc.wsok && opt.Wsok
		tc.ts.ok = tc.ts.ok && opt.Tsok
	}
	if tc.wsok {
		tc.snd.wscale = opt.Wshift
	} else {
		tc.snd.wscale = 0
		tc.rcv.wscale = 0
	}
	if tc.ts.ok {
		tc.ts.recent = opt.Tsval
	}
}

// _estab completes the handshake.
func (tc *Tcptcb_t) _estab() {
	tc._nstate(ESTAB)
	tc.backoff = 0
	if tc.snd.una == tc.snd.nxt {
		tc.rtxat = 0
	}
	if l := tc.lsn; l != nil && tc.lsnpend {
		tc.lsnpend = false
		if !l.conadd(tc) {
			tc.lsn = nil
			tc._reset(0)
			return
		}
	}
	tc._wake(fdops.R_WRITE)
	if tc.wrshut {
		tc.wrshut = false
		tc._shutwr()
	}
}

func (s *Socket_t) tcp_accept(tid defs.Tid_t) (*Socket_t, Endpoint_t, defs.Err_t) {
	var z Endpoint_t
	n := s.n
	timedout := s._wakeres(tid)
	s.Lock()
	l := s.lsn
	if s.closed {
		s.Unlock()
		return nil, z, -defs.EBADF
	}
	if l == nil {
		s.Unlock()
		return nil, z, -defs.EINVAL
	}
	l.Lock()
	if len(l.ready) == 0 {
		err := s._park(tid, fdops.R_READ, s.opts.rcvtimeo, timedout)
		l.Unlock()
		s.Unlock()
		return nil, z, err
	}
	tc := l.ready[0]
	l.ready[0] = nil
	l.ready = l.ready[1:]
	o := l.opts
	o.nonblock = false
	l.Unlock()
	pid := s.Owner
	s.Unlock()

	ns, err := n._mksock(s.v4, SOCK_STREAM, inet.IPPROTO_TCP, pid, o)
	tc.Lock()
	defer tc.Unlock()
	tc.lsn = nil
	if err != 0 {
		tc._reset(0)
		return nil, z, err
	}
	ns.local = Endpoint_t{Ip: tc.key.lip, Port: tc.key.lport}
	ns.remote = Endpoint_t{Ip: tc.key.rip, Port: tc.key.rport}
	ns.conn = true
	ns.tcb = tc
	tc.sock = ns
	tc.pollers = ns.pollers
	tc.connret = true
	return ns, ns.remote, 0
}

// _sockstate reads what the TCP operations need from the socket.
func (s *Socket_t) _sockstate() (*Tcptcb_t, sockopts_t, defs.Err_t) {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return nil, s.opts, -defs.EBADF
	}
	if s.tcb == nil {
		return nil, s.opts, -defs.ENOTCONN
	}
	return s.tcb, s.opts, 0
}

func (s *Socket_t) tcp_send(tid defs.Tid_t, src fdops.Userio_i) (int, defs.Err_t) {
	timedout := s._wakeres(tid)
	tc, o, err := s._sockstate()
	if err != 0 {
		return 0, err
	}
	tc.Lock()
	defer tc.Unlock()
	if err := tc.err; err != 0 {
		tc.err = 0
		return 0, err
	}
	switch tc.state {
	case SYNSENT, SYNRCVD:
		return 0, tc._park(tid, fdops.R_WRITE, o.nonblock, o.sndtimeo, timedout)
	case ESTAB, CLOSEWAIT:
	default:
		return 0, -defs.EPIPE
	}
	if tc.wrshut {
		return 0, -defs.EPIPE
	}
	if tc.sbuf.Full() {
		return 0, tc._park(tid, fdops.R_WRITE, o.nonblock, o.sndtimeo, timedout)
	}
	c, err := tc.sbuf.Copyin(src)
	if c > 0 {
		s.Stats.Txbytes.Add(int64(c))
		tc._output(false)
	}
	return c, err
}

func (s *Socket_t) tcp_recv(tid defs.Tid_t, dst fdops.Userio_i) (int, defs.Err_t) {
	timedout := s._wakeres(tid)
	tc, o, err := s._sockstate()
	if err != 0 {
		return 0, err
	}
	tc.Lock()
	defer tc.Unlock()
	if err := tc.err; err != 0 {
		tc.err = 0
		return 0, err
	}
	if !tc.rbuf.Empty() {
		c, err := tc.rbuf.Copyout(dst)
		s.Stats.Rxbytes.Add(int64(c))
		tc._rcvupdate()
		return c, err
	}
	switch tc.state {
	case SYNSENT, SYNRCVD:
	case CLOSED:
		return 0, 0
	default:
		if tc.rdfin || tc.rdshut {
			return 0, 0
		}
	}
	return 0, tc._park(tid, fdops.R_READ, o.nonblock, o.rcvtimeo, timedout)
}

func (s *Socket_t) tcp_shutdown(rd, wr bool) defs.Err_t {
	s.Lock()
	tc := s.tcb
	if tc == nil {
		s.Unlock()
		return -defs.ENOTCONN
	}
	s.rdshut = s.rdshut || rd
	s.wrshut = s.wrshut || wr
	s.Unlock()
	tc.Lock()
	defer tc.Unlock()
	if tc.state == CLOSED {
		return -defs.ENOTCONN
	}
	if rd {
		tc.rdshut = true
		tc._wake(fdops.R_READ)
	}
	if wr {
		tc._shutwr()
		tc._wake(fdops.R_WRITE)
	}
	return 0
}

func (s *Socket_t) tcp_poll(events fdops.Ready_t) fdops.Ready_t {
	s.Lock()
	tc, l, closed := s.tcb, s.lsn, s.closed
	s.Unlock()
	var r fdops.Ready_t
	switch {
	case closed:
		return 0
	case l != nil:
		l.Lock()
		if len(l.ready) != 0 {
			r |= fdops.R_READ
		}
		l.Unlock()
		return r & events
	case tc == nil:
		return fdops.R_HUP & events
	}
	tc.Lock()
	defer tc.Unlock()
	if !tc.rbuf.Empty() || tc.rdfin || tc.rdshut || tc.err != 0 || tc.state == CLOSED {
		r |= fdops.R_READ
	}
	if (tc.state == ESTAB || tc.state == CLOSEWAIT) && !tc.wrshut && !tc.sbuf.Full() {
		r |= fdops.R_WRITE
	}
	if tc.err != 0 {
		r |= fdops.R_ERROR
	}
	if tc.state == CLOSED || (tc.rdfin && tc.wrshut) {
		r |= fdops.R_HUP
	}
	return r & events
}

// tcp_icmperr handles an ICMP error about one of our segments. Hard errors
// abort a connection that is being opened; all others are remembered and
// reported if the connection times out.
func (n *Net_t) tcp_icmperr(local, remote Endpoint_t, err defs.Err_t, hard bool) {
	k := tcpkey_t{lip: local.Ip, rip: remote.Ip, lport: local.Port, rport: remote.Port}
	tc, ok := n.tcp.lookup(k)
	if !ok {
		return
	}
	tc.Lock()
	defer tc.Unlock()
	if hard && (tc.state == SYNSENT || tc.state == SYNRCVD) {
		tc._terminate(err)
		return
	}
	tc.softerr = err
}

// Tcpstate returns the state of a stream socket's connection.
func (s *Socket_t) Tcpstate() Tcpstate_t {
	s.Lock()
	tc, l := s.tcb, s.lsn
	s.Unlock()
	if l != nil {
		return LISTEN
	}
	if tc == nil {
		return CLOSED
	}
	tc.Lock()
	defer tc.Unlock()
	return tc.state
}

func (s *Socket_t) Tcpinfo() (Tcpinfo_t, bool) {
	s.Lock()
	tc := s.tcb
	s.Unlock()
	if tc == nil {
		return Tcpinfo_t{}, false
	}
	return tc.info(), true
}

func (tc *Tcptcb_t) info() Tcpinfo_t {
	tc.Lock()
	defer tc.Unlock()
	return Tcpinfo_t{
		State:    tc.state,
		Mss:      tc.mss,
		Cwnd:     tc.cwnd,
		Ssthresh: tc.ssthres,
		Rto:      tc.rto,
		Srtt:     tc.srtt,
		Sndwnd:   int(tc.snd.wnd),
		Rcvwnd:   tc.rbuf.Left(),
		Unacked:  int(tc.snd.nxt - tc.snd.una),
		Queued:   tc.sbuf.Used(),
		Retx:     tc.Stats.Retx.Get(),
	}
}

// Tcpconns lists the connections that are not CLOSED.
func (n *Net_t) Tcpconns() []string {
	var ret []string
	for _, tc := range n.tcp.all() {
		tc.Lock()
		ret = append(ret, fmt.Sprintf("%v %v", tc.key, tc.state))
		tc.Unlock()
	}
	sort.Strings(ret)
	return ret
}
