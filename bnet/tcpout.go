package bnet

import "kcore/defs"
import "kcore/inet"

// _tcpseg emits one segment; the payload is d1 followed by d2.
func (n *Net_t) _tcpseg(k tcpkey_t, seq, ack uint32, flags uint8, win uint16,
	opts []uint8, d1, d2 []uint8, ttl uint8) defs.Err_t {
	hl := inet.TCPLEN + len(opts)
	seg := make([]uint8, hl+len(d1)+len(d2))
	var th inet.Tcphdr_t
	th.Init(k.lport, k.rport, seq, ack, flags, win)
	th.Set_optlen(len(opts))
	copy(seg, th.Bytes())
	copy(seg[inet.TCPLEN:], opts)
	c := copy(seg[hl:], d1)
	copy(seg[hl+c:], d2)
	ck := inet.L4cksum(&k.lip, &k.rip, inet.IPPROTO_TCP, seg)
	seg[16], seg[17] = uint8(ck>>8), uint8(ck)
	n.Stats.Tcpout.Inc()
	return n.output(k.lip, k.rip, inet.IPPROTO_TCP, ttl, seg)
}

// _advwin returns the window to advertise and remembers its right edge.
func (tc *Tcptcb_t) _advwin() uint16 {
	w := min(tc.rbuf.Left()>>tc.rcv.wscale, 0xffff)
	tc.rcv.adv = tc.rcv.nxt + uint32(w<<tc.rcv.wscale)
	return uint16(w)
}

// _smss is the most payload a segment can carry next to the options sent
// on every segment.
func (tc *Tcptcb_t) _smss() int {
	if tc.ts.ok {
		return tc.mss - tcp_tsoptlen
	}
	return tc.mss
}

func (tc *Tcptcb_t) _tsopt() []uint8 {
	if !tc.ts.ok {
		return nil
	}
	o := inet.Tcpopt_t{Tsok: true, Tsval: uint32(tc.n.Now()),
		Tsecr: tc.ts.recent}
	return inet.Mktcpopt(o)
}

// _seg sends a segment of the connection carrying the current ACK and
// window.
func (tc *Tcptcb_t) _seg(seq uint32, flags uint8, d1, d2 []uint8) defs.Err_t {
	tc.Stats.Segsout.Inc()
	err := tc.n._tcpseg(tc.key, seq, tc.rcv.nxt, flags|inet.TCP_ACK,
		tc._advwin(), tc._tsopt(), d1, d2, tc.ttl)
	if err != 0 {
		tc.Stats.Txerrs.Inc()
	}
	return err
}

func (tc *Tcptcb_t) _sendack() {
	tc._seg(tc.snd.nxt, inet.TCP_ACK, nil, nil)
}

func (tc *Tcptcb_t) _sendrst(seq uint32) {
	tc.Stats.Segsout.Inc()
	tc.n.Stats.Tcprst.Inc()
	tc.n._tcpseg(tc.key, seq, 0, inet.TCP_RST, 0, nil, nil, nil, tc.ttl)
}

// _sendsyn sends (or resends) our SYN with the options we offer.
func (tc *Tcptcb_t) _sendsyn() {
	now := tc.n.Now()
	o := inet.Tcpopt_t{Mss: uint16(tc.n._tcpmss(tc.key))}
	if tc.wsok {
		o.Wsok = true
		o.Wshift = tc.rcv.wscale
	}
	if tc.ts.ok {
		o.Tsok = true
		o.Tsval = uint32(now)
		o.Tsecr = tc.ts.recent
	}
	flags := inet.TCP_SYN
	var ack uint32
	if tc.state == SYNRCVD {
		flags |= inet.TCP_ACK
		ack = tc.rcv.nxt
	}
	// the window of a SYN is never scaled
	win := min(tc.rbuf.Left(), 0xffff)
	tc.rcv.adv = tc.rcv.nxt + uint32(win)
	tc.Stats.Segsout.Inc()
	tc.n._tcpseg(tc.key, tc.iss, ack, flags, uint16(win), inet.Mktcpopt(o),
		nil, nil, tc.ttl)
	tc._sent(tc.iss, 1, now)
}

// _sent does the bookkeeping for l sequence numbers sent at seq.
func (tc *Tcptcb_t) _sent(seq uint32, l int, now uint64) {
	if tc.snd.una == tc.snd.max {
		// the user timeout counts from here
		tc.ackat = now
	}
	retx := _seqlt(seq, tc.snd.max)
	if end := seq + uint32(l); _seqlt(tc.snd.max, end) {
		tc.snd.max = end
	}
	if tc.rtxat == 0 {
		tc.rtxat = now + uint64(tc.rto)
	}
	// retransmissions are never timed
	if !tc.rtting && !retx && tc.backoff == 0 {
		tc.rtting = true
		tc.rttseq = seq
		tc.rttat = now
	}
}

// _sendata sends l bytes of the send buffer starting off bytes after its
// tail.
func (tc *Tcptcb_t) _sendata(seq uint32, off, l int, now uint64) {
	d1, d2 := tc.sbuf.Rawread(off)
	if len(d1) >= l {
		d1, d2 = d1[:l], nil
	} else {
		d2 = d2[:l-len(d1)]
	}
	flags := inet.TCP_ACK
	if off+l == tc.sbuf.Used() {
		flags |= inet.TCP_PSH
	}
	tc._seg(seq, flags, d1, d2)
	tc._sent(seq, l, now)
}

// _output sends as much queued data as the windows allow, followed by our
// FIN once the sending direction is shut down. force sends at least one
// byte even into a closed window. it returns true if anything was sent.
func (tc *Tcptcb_t) _output(force bool) bool {
	switch tc.state {
	case ESTAB, CLOSEWAIT, FINWAIT1, CLOSING, LASTACK:
	default:
		return false
	}
	now := tc.n.Now()
	sent := false
	for {
		unsent := tc.sbuf.Used() - tc.sndoff
		if unsent <= 0 {
			break
		}
		inflight := int(tc.snd.nxt - tc.snd.una)
		avail := min(int(tc.snd.wnd), tc.cwnd) - inflight
		if avail <= 0 {
			if !force {
				// persist
				if tc.rtxat == 0 {
					tc.rtxat = now + uint64(tc.rto)
				}
				break
			}
			avail = 1
		}
		smss := tc._smss()
		l := min(unsent, avail, smss)
		if !tc.nodelay && !force && inflight > 0 && l < smss {
			break
		}
		tc._sendata(tc.snd.nxt, tc.sndoff, l, now)
		tc.snd.nxt += uint32(l)
		tc.sndoff += l
		sent = true
		force = false
	}
	if tc.wrshut && !tc.finacked && tc.sndoff == tc.sbuf.Used() &&
		(!tc.finsent || tc.snd.nxt == tc.finseq) {
		tc.finseq = tc.snd.nxt
		tc._seg(tc.snd.nxt, inet.TCP_FIN, nil, nil)
		tc._sent(tc.snd.nxt, 1, now)
		tc.snd.nxt++
		tc.finsent = true
		sent = true
	}
	return sent
}

// _resend retransmits the earliest unacknowledged segment.
func (tc *Tcptcb_t) _resend() {
	tc.n.Stats.Tcpretx.Inc()
	tc.Stats.Retx.Inc()
	tc.rtting = false
	if l := min(tc._smss(), tc.sndoff); l > 0 {
		tc._sendata(tc.snd.una, 0, l, tc.n.Now())
	} else if tc.finsent && !tc.finacked {
		tc._seg(tc.finseq, inet.TCP_FIN, nil, nil)
	}
}

// _rto handles an expired retransmission timer: the timer backs off and
// everything unacknowledged is sent again with a congestion window of one
// segment.
func (tc *Tcptcb_t) _rto(now uint64) {
	if tc.snd.una == tc.snd.max && tc.sbuf.Used() == 0 &&
		!(tc.wrshut && !tc.finsent) {
		tc.rtxat = 0
		return
	}
	tc.n.Stats.Tcpretx.Inc()
	tc.Stats.Retx.Inc()
	tc.backoff++
	tc.rtting = false
	tc.rto = min(2*tc.rto, rtomax)
	tc.rtxat = now + uint64(tc.rto)
	switch tc.state {
	case SYNSENT, SYNRCVD:
		tc._sendsyn()
		return
	}
	tc.ssthres = max(tc.cwnd/2, 2*tc.mss)
	tc.cwnd = tc.mss
	tc.fastrx = false
	tc.dupacks = 0
	tc.snd.nxt = tc.snd.una
	tc.sndoff = 0
	tc._output(true)
}

// _rcvupdate tells the peer about a window the reader opened.
func (tc *Tcptcb_t) _rcvupdate() {
	switch tc.state {
	case ESTAB, FINWAIT1, FINWAIT2:
	default:
		return
	}
	left := tc.rbuf.Left()
	edge := tc.rcv.nxt + uint32(left)
	wasshut := tc.rcv.adv == tc.rcv.nxt
	if (wasshut && left > 0) || int(int32(edge-tc.rcv.adv)) >= tc.mss {
		tc._sendack()
	}
}

func (n *Net_t) tcp_timers(now uint64) {
	for _, tc := range n.tcp.all() {
		tc.Lock()
		tc._timers(now)
		tc.Unlock()
	}
}

func (tc *Tcptcb_t) _timers(now uint64) {
	since := func(t uint64) uint64 {
		if now < t {
			return 0
		}
		return now - t
	}
	switch tc.state {
	case CLOSED:
		return
	case TIMEWAIT:
		if since(tc.stateat) >= 2*tcp_msl {
			tc._terminate(0)
		}
		return
	case SYNSENT, SYNRCVD:
		if since(tc.stateat) >= tcp_syntimeo {
			tc._timeout()
			return
		}
	case ESTAB, CLOSEWAIT:
		if tc.usertimeo > 0 && tc.snd.una != tc.snd.max &&
			since(tc.ackat) >= uint64(tc.usertimeo) {
			tc._timeout()
			return
		}
	case FINWAIT1, FINWAIT2, CLOSING, LASTACK:
		if since(max(tc.stateat, tc.lastact)) >= tcp_fintimeo {
			tc._timeout()
			return
		}
	}
	if tc.rtxat != 0 && now >= tc.rtxat {
		tc._rto(now)
	}
	if tc.state == ESTAB && tc.keepalive {
		tc._keepalive(now)
	}
}

// _keepalive probes an idle peer with a segment carrying an old sequence
// number, which the peer must acknowledge.
func (tc *Tcptcb_t) _keepalive(now uint64) {
	if now-tc.lastact < tcp_kaidle {
		return
	}
	if tc.kaprobe > 0 && now-tc.kalast < tcp_kaintvl {
		return
	}
	if tc.kaprobe >= tcp_kaprobes {
		tc._timeout()
		return
	}
	tc.kaprobe++
	tc.kalast = now
	tc.n.Stats.Tcpkalive.Inc()
	tc._seg(tc.snd.una-1, inet.TCP_ACK, nil, nil)
}

func (tc *Tcptcb_t) _timeout() {
	tc.n.Stats.Tcptimeout.Inc()
	err := tc.softerr
	if err == 0 {
		err = -defs.ETIMEDOUT
	}
	tc._reset(err)
}

func (tc *Tcptcb_t) _timewait() {
	tc._nstate(TIMEWAIT)
	tc.rtxat = 0
}
