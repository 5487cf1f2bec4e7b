package bnet

import "kcore/defs"
import "kcore/fdops"
import "kcore/inet"

// sequence number comparisons modulo 2^32
func _seqlt(a, b uint32) bool {
	return int32(a-b) < 0
}

func _seqle(a, b uint32) bool {
	return int32(a-b) <= 0
}

func (n *Net_t) tcp_input(p *ippkt_t, pl []uint8) {
	if !p.unicast() {
		n.Stats.Tcpdrops.Inc()
		return
	}
	if inet.L4cksum(&p.src, &p.dst, inet.IPPROTO_TCP, pl) != 0 {
		n.Stats.Tcpbadsum.Inc()
		return
	}
	th, opt, data, err := inet.Sl2tcphdr(pl)
	if err != 0 {
		n.Stats.Badpkt.Inc()
		return
	}
	n.Stats.Tcpin.Inc()
	sport, dport := th.Ports()
	if sport == 0 || dport == 0 {
		n.Stats.Badpkt.Inc()
		return
	}
	k := tcpkey_t{lip: p.dst, rip: p.src, lport: dport, rport: sport}
	if tc, ok := n.tcp.lookup(k); ok {
		tc.Lock()
		live := tc.state != CLOSED
		if live {
			tc.Stats.Segsin.Inc()
			tc.input(th, opt, data)
		}
		tc.Unlock()
		if live {
			return
		}
	}
	if _, isack := th.Isack(); th.Issyn() && !isack && !th.Isrst() {
		if l, ok := n.tcp.listener(p.dst, dport); ok {
			n.tcp_syn(l, k, th, opt)
			return
		}
	}
	n.Stats.Tcpnolisn.Inc()
	n._tcprst(k, th, len(data))
}

// _tcprst answers a segment that belongs to no connection.
func (n *Net_t) _tcprst(k tcpkey_t, th *inet.Tcphdr_t, dlen int) {
	if th.Isrst() {
		return
	}
	var seq, ack uint32
	flags := inet.TCP_RST
	if a, ok := th.Isack(); ok {
		seq = a
	} else {
		ack = th.Seqno() + uint32(dlen)
		if th.Issyn() {
			ack++
		}
		if th.Isfin() {
			ack++
		}
		flags |= inet.TCP_ACK
	}
	n.Stats.Tcprst.Inc()
	n._tcpseg(k, seq, ack, flags, 0, nil, nil, nil, n.cfg.Ttl)
}

// _acceptable reports whether a segment overlaps the receive window.
func (tc *Tcptcb_t) _acceptable(seq uint32, seglen int) bool {
	wnd := uint32(tc.rbuf.Left())
	nxt := tc.rcv.nxt
	inwin := func(s uint32) bool {
		return _seqle(nxt, s) && _seqlt(s, nxt+wnd)
	}
	if seglen == 0 {
		if wnd == 0 {
			return seq == nxt
		}
		return inwin(seq)
	}
	if wnd == 0 {
		return false
	}
	return inwin(seq) || inwin(seq+uint32(seglen)-1)
}

// input processes a segment of an existing connection. The connection is
// locked.
func (tc *Tcptcb_t) input(th *inet.Tcphdr_t, opt inet.Tcpopt_t, data []uint8) {
	n := tc.n
	now := n.Now()
	if tc.state == SYNSENT {
		tc._synsent(th, opt, now)
		return
	}
	seq := th.Seqno()
	seglen := len(data)
	if th.Issyn() {
		seglen++
	}
	if th.Isfin() {
		seglen++
	}
	if !tc._acceptable(seq, seglen) {
		n.Stats.Tcpbadseq.Inc()
		if !th.Isrst() {
			tc._sendack()
		}
		return
	}
	tc.lastact = now
	tc.kaprobe = 0
	if tc.ts.ok && opt.Tsok && _seqle(seq, tc.rcv.nxt) {
		tc.ts.recent = opt.Tsval
	}

	if th.Isrst() {
		n.Stats.Tcprst.Inc()
		switch tc.state {
		case SYNRCVD:
			if tc.lsn != nil {
				tc._terminate(0)
			} else {
				tc._terminate(-defs.ECONNREFUSED)
			}
		case ESTAB, FINWAIT1, FINWAIT2, CLOSEWAIT:
			tc._terminate(-defs.ECONNRESET)
		default:
			tc._terminate(0)
		}
		return
	}
	// a SYN in the window
	if th.Issyn() {
		tc._reset(-defs.ECONNRESET)
		return
	}
	ack, isack := th.Isack()
	if !isack {
		return
	}
	wnd := uint32(inet.Ntohs(th.Win)) << tc.snd.wscale
	if tc.state == SYNRCVD {
		if !_seqlt(tc.snd.una, ack) || _seqlt(tc.snd.max, ack) {
			tc._sendrst(ack)
			return
		}
		tc.snd.wnd = wnd
		tc.snd.wl1 = seq
		tc.snd.wl2 = ack
		tc._ackin(ack, now)
		tc._estab()
		if tc.state != ESTAB {
			return
		}
	} else {
		if _seqlt(tc.snd.max, ack) {
			// acknowledges something never sent
			tc._sendack()
			return
		}
		if _seqlt(tc.snd.una, ack) {
			tc._ackin(ack, now)
		} else if ack == tc.snd.una && len(data) == 0 && !th.Isfin() &&
			wnd == tc.snd.wnd && tc.snd.una != tc.snd.max {
			tc._dupack()
		}
		if _seqlt(tc.snd.wl1, seq) || (tc.snd.wl1 == seq && _seqle(tc.snd.wl2, ack)) {
			tc.snd.wnd = wnd
			tc.snd.wl1 = seq
			tc.snd.wl2 = ack
		}
	}

	switch tc.state {
	case FINWAIT1:
		if tc.finacked {
			tc._nstate(FINWAIT2)
		}
	case CLOSING:
		if tc.finacked {
			tc._timewait()
		}
		return
	case LASTACK:
		if tc.finacked {
			tc._terminate(0)
		}
		return
	case TIMEWAIT:
		// the peer lost our ACK of its FIN
		if th.Isfin() {
			tc.stateat = now
			tc._sendack()
		}
		return
	}

	fin := th.Isfin()
	needack := false
	switch tc.state {
	case ESTAB, FINWAIT1, FINWAIT2:
	default:
		// the peer finished sending
		data, fin = nil, false
	}
	if len(data) > 0 {
		if _seqlt(tc.rcv.nxt, seq) {
			n.Stats.Tcpooo.Inc()
			tc._sendack()
			return
		}
		if trim := int(tc.rcv.nxt - seq); trim > 0 {
			trim = min(trim, len(data))
			data = data[trim:]
			seq += uint32(trim)
		}
		if room := tc.rbuf.Left(); len(data) > room {
			data = data[:room]
			fin = false
		}
		if len(data) > 0 {
			tc._rcvdata(data)
			needack = true
		}
	}
	if fin {
		if seq+uint32(len(data)) != tc.rcv.nxt {
			n.Stats.Tcpooo.Inc()
			tc._sendack()
			return
		}
		tc.rcv.nxt++
		tc.rdfin = true
		needack = true
		switch tc.state {
		case ESTAB:
			tc._nstate(CLOSEWAIT)
		case FINWAIT1:
			if tc.finacked {
				tc._timewait()
			} else {
				tc._nstate(CLOSING)
			}
		case FINWAIT2:
			tc._timewait()
		}
		tc._wake(fdops.R_READ | fdops.R_HUP)
	}
	if !tc._output(false) && needack {
		tc._sendack()
	}
}

func (tc *Tcptcb_t) _synsent(th *inet.Tcphdr_t, opt inet.Tcpopt_t, now uint64) {
	ack, isack := th.Isack()
	if isack && (_seqle(ack, tc.iss) || _seqlt(tc.snd.max, ack)) {
		if !th.Isrst() {
			tc._sendrst(ack)
		}
		return
	}
	if th.Isrst() {
		if isack {
			tc.n.Stats.Tcprst.Inc()
			tc._terminate(-defs.ECONNREFUSED)
		}
		return
	}
	if !th.Issyn() {
		return
	}
	tc.lastact = now
	tc.irs = th.Seqno()
	tc.rcv.nxt = tc.irs + 1
	tc._negotiate(opt)
	tc.snd.wnd = uint32(inet.Ntohs(th.Win))
	tc.snd.wl1 = tc.irs
	if !isack {
		// simultaneous open
		tc._nstate(SYNRCVD)
		tc._sendsyn()
		return
	}
	tc.snd.wl2 = ack
	tc._ackin(ack, now)
	tc._estab()
	if !tc._output(false) {
		tc._sendack()
	}
}

// _rcvdata appends in-order data to the receive buffer. Data for a socket
// that stopped reading is acknowledged and dropped.
func (tc *Tcptcb_t) _rcvdata(data []uint8) {
	if !tc.sockgone && !tc.rdshut {
		w1, w2 := tc.rbuf.Rawwrite(0, len(data))
		c := copy(w1, data)
		copy(w2, data[c:])
		tc.rbuf.Advhead(len(data))
		tc._wake(fdops.R_READ)
	}
	tc.rcv.nxt += uint32(len(data))
}

// _ackin processes a cumulative ACK that advances snd.una.
func (tc *Tcptcb_t) _ackin(ack uint32, now uint64) {
	acked := int(ack - tc.snd.una)
	dacked := acked
	if tc.snd.una == tc.iss {
		// our SYN
		dacked--
	}
	if tc.finsent && !tc.finacked && _seqlt(tc.finseq, ack) {
		tc.finacked = true
		dacked--
	}
	dacked = min(dacked, tc.sbuf.Used())
	if dacked > 0 {
		tc.sbuf.Advtail(dacked)
	}
	if _seqlt(tc.snd.nxt, ack) {
		tc.snd.nxt = ack
	}
	tc.snd.una = ack
	tc.sndoff = int(tc.snd.nxt - tc.snd.una)
	if tc.finsent && !tc.finacked && _seqlt(tc.finseq, tc.snd.nxt) {
		tc.sndoff--
	}
	if tc.rtting && _seqlt(tc.rttseq, ack) {
		tc.rtting = false
		tc._rttsample(int(now - tc.rttat))
	}
	tc.backoff = 0
	tc.ackat = now
	switch {
	case tc.fastrx:
		// deflate
		tc.fastrx = false
		tc.cwnd = tc.ssthres
	case tc.cwnd < tc.ssthres:
		tc.cwnd += max(dacked, 0)
	case dacked > 0:
		tc.cwnd += max(dacked*tc.mss/tc.cwnd, 1)
	}
	tc.dupacks = 0
	if tc.snd.una == tc.snd.max {
		tc.rtxat = 0
	} else {
		tc.rtxat = now + uint64(tc.rto)
	}
	if dacked > 0 {
		tc._wake(fdops.R_WRITE)
	}
}

func (tc *Tcptcb_t) _rttsample(ms int) {
	if !tc.rttok {
		tc.srtt = ms
		tc.rttok = true
	} else {
		tc.srtt += (ms - tc.srtt) / 8
	}
	tc.rto = min(max(2*tc.srtt, rtomin), rtomax)
}

func (tc *Tcptcb_t) _dupack() {
	tc.dupacks++
	tc.Stats.Dupacks.Inc()
	switch {
	case tc.dupacks == 3 && !tc.fastrx:
		tc.n.Stats.Tcpfastrx.Inc()
		tc.ssthres = max(tc.cwnd/2, 2*tc.mss)
		tc.cwnd = tc.ssthres + 3*tc.mss
		tc.fastrx = true
		tc._resend()
	case tc.fastrx:
		tc.cwnd += tc.mss
		tc._output(false)
	}
}
