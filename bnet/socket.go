package bnet

import "fmt"
import "sync"

import "kcore/defs"
import "kcore/fdops"
import "kcore/inet"
import "kcore/limits"
import "kcore/stats"

type Sockkind_t int

const (
	SOCK_STREAM Sockkind_t = defs.SOCK_STREAM
	SOCK_DGRAM  Sockkind_t = defs.SOCK_DGRAM
	SOCK_RAW    Sockkind_t = defs.SOCK_RAW
)

type Endpoint_t struct {
	Ip   inet.Ipaddr_t
	Port uint16
}

func Mkendpoint4(ip inet.Ip4_t, port uint16) Endpoint_t {
	return Endpoint_t{Ip: inet.Mkipaddr4(ip), Port: port}
}

func (e Endpoint_t) String() string {
	if e.Ip.Is4() {
		return fmt.Sprintf("%v:%d", e.Ip, e.Port)
	}
	return fmt.Sprintf("[%v]:%d", e.Ip, e.Port)
}

type sockopts_t struct {
	reuseaddr bool
	reuseport bool
	keepalive bool
	nodelay   bool
	broadcast bool
	nonblock  bool
	rcvbuf    int
	sndbuf    int
	// ms; zero waits forever
	rcvtimeo  int
	sndtimeo  int
	usertimeo int
	ttl       uint8
}

type Sockstats_t struct {
	Rxpkts  stats.Counter_t
	Txpkts  stats.Counter_t
	Rxbytes stats.Counter_t
	Txbytes stats.Counter_t
	Rxdrops stats.Counter_t
}

// a queued datagram of a UDP or raw socket
type dgram_t struct {
	from Endpoint_t
	data []uint8
}

// Socket_t is a socket of any kind. It is what a file descriptor refers to.
// The socket lock protects everything but the TCP state, which is
// protected by the connection's own lock.
type Socket_t struct {
	sync.Mutex
	n     *Net_t
	Id    int
	Kind  Sockkind_t
	Proto uint8
	v4    bool
	Owner defs.Pid_t
	// open file descriptors
	refs    int
	opts    sockopts_t
	local   Endpoint_t
	remote  Endpoint_t
	bound   bool
	conn    bool
	closed  bool
	rdshut  bool
	wrshut  bool
	err     defs.Err_t
	pollers *fdops.Pollers_t
	dq      []dgram_t
	dqbytes int
	groups  []inet.Ipaddr_t
	tcb     *Tcptcb_t
	lsn     *tcplisn_t
	Stats   Sockstats_t
}

type socktab_t struct {
	sync.RWMutex
	socks map[int]*Socket_t
	next  int
}

func (st *socktab_t) init() {
	st.socks = make(map[int]*Socket_t)
	st.next = 1
}

// Socket creates a socket of the given domain, kind and protocol owned by
// pid. A zero protocol selects the kind's default.
func (n *Net_t) Socket(af int, kind Sockkind_t, proto int, pid defs.Pid_t) (*Socket_t, defs.Err_t) {
	if af != defs.AF_INET && af != defs.AF_INET6 {
		return nil, -defs.EAFNOSUPPORT
	}
	v4 := af == defs.AF_INET
	var p uint8
	switch kind {
	case SOCK_STREAM:
		if proto != 0 && proto != defs.IPPROTO_TCP {
			return nil, -defs.EPROTOTYPE
		}
		p = inet.IPPROTO_TCP
	case SOCK_DGRAM:
		if proto != 0 && proto != defs.IPPROTO_UDP {
			return nil, -defs.EPROTOTYPE
		}
		p = inet.IPPROTO_UDP
	case SOCK_RAW:
		if v4 && proto == defs.IPPROTO_ICMP {
			p = inet.IPPROTO_ICMP
		} else if !v4 && proto == defs.IPPROTO_ICMPV6 {
			p = inet.IPPROTO_ICMPV6
		} else {
			return nil, -defs.EPROTOTYPE
		}
	default:
		return nil, -defs.EINVAL
	}
	var o sockopts_t
	o.rcvbuf = n.cfg.Udprcvbuf
	o.sndbuf = n.cfg.Udprcvbuf
	if kind == SOCK_STREAM {
		o.rcvbuf = n.cfg.Rcvbuf
		o.sndbuf = n.cfg.Sndbuf
	}
	o.ttl = n.cfg.Ttl
	o.usertimeo = tcp_usertimeo
	s, err := n._mksock(v4, kind, p, pid, o)
	if err != 0 {
		return nil, err
	}
	if kind == SOCK_RAW {
		n.raw.insert(s)
	}
	return s, 0
}

// _mksock allocates a socket and enters it in the socket table.
func (n *Net_t) _mksock(v4 bool, kind Sockkind_t, proto uint8, pid defs.Pid_t,
	o sockopts_t) (*Socket_t, defs.Err_t) {
	if !limits.Syslimit.Socks.Take() {
		return nil, -defs.ENOBUFS
	}
	s := &Socket_t{n: n, Kind: kind, Proto: proto, v4: v4, Owner: pid, refs: 1}
	s.opts = o
	s.pollers = fdops.Mkpollers(n.s)
	n.socks.Lock()
	s.Id = n.socks.next
	n.socks.next++
	n.socks.socks[s.Id] = s
	n.socks.Unlock()
	return s, 0
}

func (n *Net_t) Sock(id int) (*Socket_t, bool) {
	n.socks.RLock()
	defer n.socks.RUnlock()
	s, ok := n.socks.socks[id]
	return s, ok
}

// Socks returns the number of open sockets.
func (n *Net_t) Socks() int {
	n.socks.RLock()
	defer n.socks.RUnlock()
	return len(n.socks.socks)
}

func (s *Socket_t) _anyaddr() inet.Ipaddr_t {
	if s.v4 {
		return inet.Mkipaddr4(inet.IP4_ANY)
	}
	return inet.Ipaddr_t{}
}

// _famok reports whether a belongs to the socket's address family.
func (s *Socket_t) _famok(a inet.Ipaddr_t) bool {
	return a.Is4() == s.v4
}

func (s *Socket_t) Local() Endpoint_t {
	s.Lock()
	defer s.Unlock()
	return s.local
}

func (s *Socket_t) Remote() Endpoint_t {
	s.Lock()
	defer s.Unlock()
	return s.remote
}

// _wakeres consumes the outcome of tid's previous wait. A blocking socket
// operation calls it first and fails with ETIMEDOUT instead of parking again
// when the previous wait ran out.
func (s *Socket_t) _wakeres(tid defs.Tid_t) bool {
	return s.n.s.Wakeresult(tid) == -defs.ETIMEDOUT
}

// _park waits for r with a timeout of tmo ms. It returns EAGAIN for
// non-blocking sockets and ERESTART otherwise.
func (s *Socket_t) _park(tid defs.Tid_t, r fdops.Ready_t, tmo int, timedout bool) defs.Err_t {
	return _park(s.n, s.pollers, tid, r, s.opts.nonblock, tmo, timedout)
}

func _park(n *Net_t, p *fdops.Pollers_t, tid defs.Tid_t, r fdops.Ready_t,
	nonblock bool, tmo int, timedout bool) defs.Err_t {
	if nonblock {
		return -defs.EAGAIN
	}
	if timedout {
		return -defs.ETIMEDOUT
	}
	var dl uint64
	if tmo > 0 {
		dl = n.Now() + uint64(tmo)
	}
	return p.Addpoller(tid, r, dl)
}

// Bind assigns the local endpoint. A zero port picks an ephemeral port.
func (s *Socket_t) Bind(ep Endpoint_t) defs.Err_t {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return -defs.EBADF
	}
	if s.bound {
		return -defs.EINVAL
	}
	if ep.Ip == (inet.Ipaddr_t{}) && s.v4 {
		ep.Ip = s._anyaddr()
	}
	if !s._famok(ep.Ip) {
		return -defs.EAFNOSUPPORT
	}
	if !ep.Ip.Unspecified() && !s.n.Islocal(ep.Ip) && !_ismcast(ep.Ip) &&
		!s.n.Isbcast(ep.Ip) {
		return -defs.EADDRNOTAVAIL
	}
	return s._bind(ep)
}

func (s *Socket_t) _bindtab() *bindtab_t {
	if s.Kind == SOCK_STREAM {
		return &s.n.tcpb
	}
	return &s.n.udpb
}

func (s *Socket_t) _bind(ep Endpoint_t) defs.Err_t {
	if s.Kind == SOCK_RAW {
		s.local = ep
		s.bound = true
		return 0
	}
	bt := s._bindtab()
	if ep.Port == 0 {
		p, err := bt.ephemeral(s, ep.Ip)
		if err != 0 {
			return err
		}
		ep.Port = p
	} else if err := bt.bind(s, ep); err != 0 {
		return err
	}
	s.local = ep
	s.bound = true
	return 0
}

// _autobind binds an unbound socket to an ephemeral port on the wildcard
// address.
func (s *Socket_t) _autobind() defs.Err_t {
	if s.bound {
		return 0
	}
	return s._bind(Endpoint_t{Ip: s._anyaddr()})
}

func (s *Socket_t) _unbind() {
	if !s.bound {
		return
	}
	if s.Kind != SOCK_RAW {
		s._bindtab().unbind(s)
	}
	s.bound = false
}

// Port_usage returns how many sockets of the kind hold port.
func (n *Net_t) Port_usage(kind Sockkind_t, port uint16) int {
	bt := &n.udpb
	if kind == SOCK_STREAM {
		bt = &n.tcpb
	}
	return bt.usage(port)
}

func (s *Socket_t) Listen(backlog int) defs.Err_t {
	if s.Kind != SOCK_STREAM {
		return -defs.EOPNOTSUPP
	}
	return s.tcp_listen(backlog)
}

// Connect sets the peer. Stream sockets start the handshake and park tid
// until it completes; datagram sockets only record the default
// destination.
func (s *Socket_t) Connect(tid defs.Tid_t, ep Endpoint_t) defs.Err_t {
	if !s._famok(ep.Ip) {
		return -defs.EAFNOSUPPORT
	}
	if s.Kind == SOCK_STREAM {
		return s.tcp_connect(tid, ep)
	}
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return -defs.EBADF
	}
	if ep.Ip.Unspecified() {
		s.conn = false
		s.remote = Endpoint_t{}
		return 0
	}
	if err := s._autobind(); err != 0 {
		return err
	}
	s.remote = ep
	s.conn = true
	return 0
}

// Accept returns the next established connection of a listening socket.
func (s *Socket_t) Accept(tid defs.Tid_t) (*Socket_t, Endpoint_t, defs.Err_t) {
	if s.Kind != SOCK_STREAM {
		return nil, Endpoint_t{}, -defs.EOPNOTSUPP
	}
	return s.tcp_accept(tid)
}

func (s *Socket_t) Read(tid defs.Tid_t, dst fdops.Userio_i) (int, defs.Err_t) {
	return s.Recv(tid, dst)
}

func (s *Socket_t) Write(tid defs.Tid_t, src fdops.Userio_i) (int, defs.Err_t) {
	return s.Send(tid, src)
}

func (s *Socket_t) Send(tid defs.Tid_t, src fdops.Userio_i) (int, defs.Err_t) {
	if s.Kind == SOCK_STREAM {
		return s.tcp_send(tid, src)
	}
	s.Lock()
	if !s.conn {
		s.Unlock()
		return 0, -defs.ENOTCONN
	}
	ep := s.remote
	s.Unlock()
	return s.Sendto(tid, src, ep)
}

func (s *Socket_t) Recv(tid defs.Tid_t, dst fdops.Userio_i) (int, defs.Err_t) {
	if s.Kind == SOCK_STREAM {
		return s.tcp_recv(tid, dst)
	}
	n, _, err := s.Recvfrom(tid, dst)
	return n, err
}

// Sendto sends one datagram to ep.
func (s *Socket_t) Sendto(tid defs.Tid_t, src fdops.Userio_i, ep Endpoint_t) (int, defs.Err_t) {
	switch s.Kind {
	case SOCK_STREAM:
		return s.tcp_send(tid, src)
	case SOCK_RAW:
		return s.raw_sendto(src, ep)
	}
	return s.udp_sendto(src, ep)
}

// Recvfrom returns the next datagram and its source.
func (s *Socket_t) Recvfrom(tid defs.Tid_t, dst fdops.Userio_i) (int, Endpoint_t, defs.Err_t) {
	if s.Kind == SOCK_STREAM {
		n, err := s.tcp_recv(tid, dst)
		return n, s.Remote(), err
	}
	timedout := s._wakeres(tid)
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return 0, Endpoint_t{}, -defs.EBADF
	}
	if err := s.err; err != 0 {
		s.err = 0
		return 0, Endpoint_t{}, err
	}
	if len(s.dq) == 0 {
		if s.rdshut {
			return 0, Endpoint_t{}, 0
		}
		return 0, Endpoint_t{}, s._park(tid, fdops.R_READ, s.opts.rcvtimeo, timedout)
	}
	d := s.dq[0]
	s.dq[0] = dgram_t{}
	s.dq = s.dq[1:]
	s.dqbytes -= len(d.data)
	// the rest of a datagram that does not fit is lost
	n, err := dst.Uiowrite(d.data)
	return n, d.from, err
}

// _enqueue adds a received datagram, dropping the oldest ones to stay
// within the receive buffer size. The socket is locked.
func (s *Socket_t) _enqueue(from Endpoint_t, data []uint8) {
	if len(data) > s.opts.rcvbuf {
		s.Stats.Rxdrops.Inc()
		return
	}
	for s.dqbytes+len(data) > s.opts.rcvbuf && len(s.dq) > 0 {
		s.dqbytes -= len(s.dq[0].data)
		s.dq[0] = dgram_t{}
		s.dq = s.dq[1:]
		s.Stats.Rxdrops.Inc()
	}
	c := make([]uint8, len(data))
	copy(c, data)
	s.dq = append(s.dq, dgram_t{from: from, data: c})
	s.dqbytes += len(c)
	s.Stats.Rxpkts.Inc()
	s.Stats.Rxbytes.Add(int64(len(c)))
	s.pollers.Wakeready(fdops.R_READ)
}

func (s *Socket_t) Shutdown(rd, wr bool) defs.Err_t {
	if s.Kind == SOCK_STREAM {
		return s.tcp_shutdown(rd, wr)
	}
	s.Lock()
	defer s.Unlock()
	if !s.conn {
		return -defs.ENOTCONN
	}
	s.rdshut = s.rdshut || rd
	s.wrshut = s.wrshut || wr
	s.pollers.Wakeready(fdops.R_READ | fdops.R_WRITE)
	return 0
}

func (s *Socket_t) Pollone(events fdops.Ready_t) fdops.Ready_t {
	if s.Kind == SOCK_STREAM {
		return s.tcp_poll(events)
	}
	s.Lock()
	defer s.Unlock()
	var r fdops.Ready_t
	if s.closed {
		return 0
	}
	if events&fdops.R_READ != 0 && (len(s.dq) > 0 || s.rdshut || s.err != 0) {
		r |= fdops.R_READ
	}
	if events&fdops.R_WRITE != 0 && !s.wrshut {
		r |= fdops.R_WRITE
	}
	if events&fdops.R_ERROR != 0 && s.err != 0 {
		r |= fdops.R_ERROR
	}
	return r
}

func (s *Socket_t) Reopen() defs.Err_t {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return -defs.EBADF
	}
	s.refs++
	return 0
}

// Close drops one descriptor reference; the last one releases the socket.
// A TCP connection goes on to close gracefully after the socket is gone.
func (s *Socket_t) Close() defs.Err_t {
	s.Lock()
	if s.closed {
		s.Unlock()
		return -defs.EBADF
	}
	s.refs--
	// XXXPANIC
	if s.refs < 0 {
		panic("socket refs")
	}
	if s.refs > 0 {
		s.Unlock()
		return 0
	}
	s.closed = true
	s.dq = nil
	s.dqbytes = 0
	s.groups = nil
	tcb, lsn := s.tcb, s.lsn
	if tcb == nil {
		s._unbind()
	}
	s.Unlock()
	switch {
	case s.Kind == SOCK_RAW:
		s.n.raw.remove(s)
	case lsn != nil:
		s.n.tcp_unlisten(s, lsn)
	case tcb != nil:
		tcb.close()
	}
	s.pollers.Wakeready(fdops.R_READ | fdops.R_WRITE | fdops.R_HUP)
	n := s.n
	n.socks.Lock()
	delete(n.socks.socks, s.Id)
	n.socks.Unlock()
	limits.Syslimit.Socks.Give()
	return 0
}

func (s *Socket_t) Set_nonblock(nb bool) {
	s.Lock()
	s.opts.nonblock = nb
	s.Unlock()
}

func _bool(v int) bool {
	return v != 0
}

func _int(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Setsockopt sets an integer option.
func (s *Socket_t) Setsockopt(level, opt, val int) defs.Err_t {
	s.Lock()
	if s.closed {
		s.Unlock()
		return -defs.EBADF
	}
	o := &s.opts
	err := defs.Err_t(0)
	switch {
	case level == defs.SOL_SOCKET && opt == defs.SO_REUSEADDR:
		o.reuseaddr = _bool(val)
	case level == defs.SOL_SOCKET && opt == defs.SO_REUSEPORT:
		o.reuseport = _bool(val)
	case level == defs.SOL_SOCKET && opt == defs.SO_KEEPALIVE:
		o.keepalive = _bool(val)
	case level == defs.SOL_SOCKET && opt == defs.SO_BROADCAST:
		o.broadcast = _bool(val)
	case level == defs.SOL_SOCKET && opt == defs.SO_RCVBUF:
		if val < 256 || val > 4<<20 {
			err = -defs.EINVAL
		} else {
			o.rcvbuf = val
		}
	case level == defs.SOL_SOCKET && opt == defs.SO_SNDBUF:
		if val < 256 || val > 4<<20 {
			err = -defs.EINVAL
		} else {
			o.sndbuf = val
		}
	case level == defs.SOL_SOCKET && opt == defs.SO_RCVTIMEO:
		if val < 0 {
			err = -defs.EINVAL
		} else {
			o.rcvtimeo = val
		}
	case level == defs.SOL_SOCKET && opt == defs.SO_SNDTIMEO:
		if val < 0 {
			err = -defs.EINVAL
		} else {
			o.sndtimeo = val
		}
	case level == defs.IPPROTO_IP && opt == defs.IP_TTL:
		if val < 1 || val > 255 {
			err = -defs.EINVAL
		} else {
			o.ttl = uint8(val)
		}
	case level == defs.IPPROTO_TCP && opt == defs.TCP_NODELAY:
		o.nodelay = _bool(val)
	case level == defs.IPPROTO_TCP && opt == defs.TCP_USERTIMEO:
		if val < 0 {
			err = -defs.EINVAL
		} else if val == 0 {
			o.usertimeo = tcp_usertimeo
		} else {
			o.usertimeo = val
		}
	default:
		err = -defs.ENOPROTOOPT
	}
	if level == defs.IPPROTO_TCP && s.Kind != SOCK_STREAM {
		err = -defs.ENOPROTOOPT
	}
	opts := *o
	tcb, lsn := s.tcb, s.lsn
	s.Unlock()
	if err == 0 && tcb != nil {
		tcb.setopts(&opts)
	}
	if err == 0 && lsn != nil {
		lsn.setopts(&opts)
	}
	return err
}

func (s *Socket_t) Getsockopt(level, opt int) (int, defs.Err_t) {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return 0, -defs.EBADF
	}
	o := &s.opts
	switch {
	case level == defs.SOL_SOCKET && opt == defs.SO_REUSEADDR:
		return _int(o.reuseaddr), 0
	case level == defs.SOL_SOCKET && opt == defs.SO_REUSEPORT:
		return _int(o.reuseport), 0
	case level == defs.SOL_SOCKET && opt == defs.SO_KEEPALIVE:
		return _int(o.keepalive), 0
	case level == defs.SOL_SOCKET && opt == defs.SO_BROADCAST:
		return _int(o.broadcast), 0
	case level == defs.SOL_SOCKET && opt == defs.SO_RCVBUF:
		return o.rcvbuf, 0
	case level == defs.SOL_SOCKET && opt == defs.SO_SNDBUF:
		return o.sndbuf, 0
	case level == defs.SOL_SOCKET && opt == defs.SO_RCVTIMEO:
		return o.rcvtimeo, 0
	case level == defs.SOL_SOCKET && opt == defs.SO_SNDTIMEO:
		return o.sndtimeo, 0
	case level == defs.SOL_SOCKET && opt == defs.SO_ERROR:
		err := s.err
		s.err = 0
		if err == 0 && s.tcb != nil {
			err = s.tcb.soerror()
		}
		return int(-err), 0
	case level == defs.IPPROTO_IP && opt == defs.IP_TTL:
		return int(o.ttl), 0
	case level == defs.IPPROTO_TCP && opt == defs.TCP_NODELAY && s.Kind == SOCK_STREAM:
		return _int(o.nodelay), 0
	case level == defs.IPPROTO_TCP && opt == defs.TCP_USERTIMEO && s.Kind == SOCK_STREAM:
		return o.usertimeo, 0
	}
	return 0, -defs.ENOPROTOOPT
}

// Join_group adds a multicast group membership to a datagram socket.
func (s *Socket_t) Join_group(grp inet.Ipaddr_t) defs.Err_t {
	if s.Kind != SOCK_DGRAM {
		return -defs.EOPNOTSUPP
	}
	if !_ismcast(grp) || !s._famok(grp) {
		return -defs.EINVAL
	}
	s.Lock()
	defer s.Unlock()
	for _, g := range s.groups {
		if g == grp {
			return -defs.EADDRINUSE
		}
	}
	s.groups = append(s.groups, grp)
	return 0
}

func (s *Socket_t) Leave_group(grp inet.Ipaddr_t) defs.Err_t {
	s.Lock()
	defer s.Unlock()
	for i, g := range s.groups {
		if g == grp {
			s.groups = append(s.groups[:i:i], s.groups[i+1:]...)
			return 0
		}
	}
	return -defs.EADDRNOTAVAIL
}

func (s *Socket_t) _member(grp inet.Ipaddr_t) bool {
	for _, g := range s.groups {
		if g == grp {
			return true
		}
	}
	return false
}

// bindtab_t tracks the local endpoints held by the sockets of one
// protocol. The length of a port's list is its port_usage count.
type bindtab_t struct {
	sync.Mutex
	ports map[uint16][]*Socket_t
	next  uint16
}

const (
	EPHEMLO = 49152
	EPHEMHI = 65535
)

func (bt *bindtab_t) init() {
	bt.ports = make(map[uint16][]*Socket_t)
	bt.next = EPHEMLO
}

// _conflict reports whether s may not hold ep next to the current holders.
// Overlapping endpoints are shared only when every party sets reuse-port;
// reuse-addr lets a specific address sit beside the wildcard.
func (bt *bindtab_t) _conflict(s *Socket_t, ep Endpoint_t) bool {
	for _, o := range bt.ports[ep.Port] {
		if o == s || o.v4 != s.v4 {
			continue
		}
		same := o.local.Ip == ep.Ip
		overlap := same || o.local.Ip.Unspecified() || ep.Ip.Unspecified()
		if !overlap {
			continue
		}
		if o.opts.reuseport && s.opts.reuseport {
			continue
		}
		if !same && o.opts.reuseaddr && s.opts.reuseaddr {
			continue
		}
		return true
	}
	return false
}

func (bt *bindtab_t) bind(s *Socket_t, ep Endpoint_t) defs.Err_t {
	bt.Lock()
	defer bt.Unlock()
	if bt._conflict(s, ep) {
		return -defs.EADDRINUSE
	}
	s.local = ep
	bt.ports[ep.Port] = append(bt.ports[ep.Port], s)
	return 0
}

// ephemeral binds s to the next free port of the ephemeral range,
// scanning forward and wrapping around.
func (bt *bindtab_t) ephemeral(s *Socket_t, ip inet.Ipaddr_t) (uint16, defs.Err_t) {
	bt.Lock()
	defer bt.Unlock()
	for i := 0; i <= EPHEMHI-EPHEMLO; i++ {
		p := bt.next
		if bt.next == EPHEMHI {
			bt.next = EPHEMLO
		} else {
			bt.next++
		}
		if len(bt.ports[p]) == 0 {
			s.local = Endpoint_t{Ip: ip, Port: p}
			bt.ports[p] = append(bt.ports[p], s)
			return p, 0
		}
	}
	return 0, -defs.EADDRINUSE
}

func (bt *bindtab_t) unbind(s *Socket_t) {
	bt.Lock()
	defer bt.Unlock()
	l := bt.ports[s.local.Port]
	for i, o := range l {
		if o == s {
			l = append(l[:i:i], l[i+1:]...)
			if len(l) == 0 {
				delete(bt.ports, s.local.Port)
			} else {
				bt.ports[s.local.Port] = l
			}
			return
		}
	}
	// XXXPANIC
	panic("socket not bound")
}

func (bt *bindtab_t) usage(port uint16) int {
	bt.Lock()
	defer bt.Unlock()
	return len(bt.ports[port])
}

// holders returns a copy of the sockets bound to port.
func (bt *bindtab_t) holders(port uint16) []*Socket_t {
	bt.Lock()
	defer bt.Unlock()
	return append([]*Socket_t(nil), bt.ports[port]...)
}
