package vm

type Rbc_t int

const (
	RED   Rbc_t = iota
	BLACK Rbc_t = iota
)

// child directions
const (
	left  = 0
	right = 1
)

// Rbh_t is a red-black tree of disjoint regions keyed by start address.
type Rbh_t struct {
	root *Rbn_t
}

type Rbn_t struct {
	p   *Rbn_t
	kid [2]*Rbn_t
	c   Rbc_t
	reg Region_t
}

func isred(n *Rbn_t) bool {
	return n != nil && n.c == RED
}

// dir returns which child of its parent n is. n must have a parent.
func (n *Rbn_t) dir() int {
	if n.p.kid[left] == n {
		return left
	}
	return right
}

// _relink puts nw where old hangs from its parent.
func (h *Rbh_t) _relink(old, nw *Rbn_t) {
	par := old.p
	if par == nil {
		h.root = nw
	} else {
		par.kid[old.dir()] = nw
	}
	if nw != nil {
		nw.p = par
	}
}

// rotate moves n down towards d; its child on the other side takes its
// place.
func (h *Rbh_t) rotate(n *Rbn_t, d int) {
	c := n.kid[1-d]
	n.kid[1-d] = c.kid[d]
	if c.kid[d] != nil {
		c.kid[d].p = n
	}
	h._relink(n, c)
	c.kid[d] = n
	n.p = c
}

func (h *Rbh_t) _balance(nn *Rbn_t) {
	for par := nn.p; isred(par); par = nn.p {
		// a red node is never the root
		gp := par.p
		d := par.dir()
		if uncle := gp.kid[1-d]; isred(uncle) {
			uncle.c, par.c, gp.c = BLACK, BLACK, RED
			nn = gp
			continue
		}
		if nn == par.kid[1-d] {
			h.rotate(par, d)
			nn, par = par, nn
		}
		par.c, gp.c = BLACK, RED
		h.rotate(gp, 1-d)
	}
	h.root.c = BLACK
}

// _insert links a copy of r into the tree; an existing node with the same
// start is returned unchanged.
func (h *Rbh_t) _insert(r *Region_t) *Rbn_t {
	nn := &Rbn_t{reg: *r, c: RED}
	if h.root == nil {
		h.root = nn
		h._balance(nn)
		return nn
	}
	n := h.root
	for {
		if r.Start == n.reg.Start {
			return n
		}
		d := left
		if r.Start > n.reg.Start {
			d = right
		}
		if n.kid[d] == nil {
			n.kid[d] = nn
			nn.p = n
			break
		}
		n = n.kid[d]
	}
	h._balance(nn)
	return nn
}

// lookup returns the node whose region contains va.
func (h *Rbh_t) lookup(va uintptr) *Rbn_t {
	n := h.root
	for n != nil {
		switch {
		case va < n.reg.Start:
			n = n.kid[left]
		case va >= n.reg.End():
			n = n.kid[right]
		default:
			return n
		}
	}
	return nil
}

// overlaps reports whether any region intersects [start, end). regions are
// disjoint so one root-to-leaf walk suffices.
func (h *Rbh_t) overlaps(start, end uintptr) *Rbn_t {
	n := h.root
	for n != nil {
		if n.reg.Start < end && start < n.reg.End() {
			return n
		}
		if end <= n.reg.Start {
			n = n.kid[left]
		} else {
			n = n.kid[right]
		}
	}
	return nil
}

// _rembalance restores the black height after a black node was unlinked
// from par; nn is what took its place and may be nil.
func (h *Rbh_t) _rembalance(par, nn *Rbn_t) {
	for !isred(nn) && nn != h.root {
		d := right
		if par.kid[left] == nn {
			d = left
		}
		sib := par.kid[1-d]
		if isred(sib) {
			sib.c, par.c = BLACK, RED
			h.rotate(par, d)
			sib = par.kid[1-d]
		}
		if !isred(sib.kid[left]) && !isred(sib.kid[right]) {
			sib.c = RED
			nn = par
			par = nn.p
			continue
		}
		if !isred(sib.kid[1-d]) {
			sib.kid[d].c = BLACK
			sib.c = RED
			h.rotate(sib, 1-d)
			sib = par.kid[1-d]
		}
		sib.c, par.c = par.c, BLACK
		if sib.kid[1-d] != nil {
			sib.kid[1-d].c = BLACK
		}
		h.rotate(par, d)
		nn = h.root
	}
	if nn != nil {
		nn.c = BLACK
	}
}

// remove unlinks nn. nodes are moved, never copied, so pointers to other
// nodes' regions stay valid.
func (h *Rbh_t) remove(nn *Rbn_t) *Rbn_t {
	var child, par *Rbn_t
	var col Rbc_t
	if nn.kid[left] == nil || nn.kid[right] == nil {
		child = nn.kid[left]
		if child == nil {
			child = nn.kid[right]
		}
		par, col = nn.p, nn.c
		h._relink(nn, child)
	} else {
		// the in-order successor takes nn's place
		s := nn.kid[right]
		for s.kid[left] != nil {
			s = s.kid[left]
		}
		child = s.kid[right]
		par, col = s.p, s.c
		h._relink(s, child)
		if par == nn {
			par = s
		}
		s.kid, s.c = nn.kid, nn.c
		h._relink(nn, s)
		for _, k := range s.kid {
			if k != nil {
				k.p = s
			}
		}
	}
	if col == BLACK {
		h._rembalance(par, child)
	}
	return nn
}
