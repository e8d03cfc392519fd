package vm

import "fmt"

// Vmtree_t is the interval tree of one address space: an ordered
// red-black tree of mappings keyed by base address, augmented with
// the largest hole length per subtree so a fit of any requested
// length is found in O(log n) from either end of the range.
type Vmtree_t struct {
	root *Mapping_t
	nvma int
}

func (t *Vmtree_t) lookup(addr uintptr) *Mapping_t {
	n := t.root
	for n != nil {
		if addr < n.base {
			n = n.l
		} else if addr >= n.End() {
			n = n.r
		} else {
			return n
		}
	}
	return nil
}

func (t *Vmtree_t) first() *Mapping_t {
	n := t.root
	if n == nil {
		return nil
	}
	for n.l != nil {
		n = n.l
	}
	return n
}

// fixhole recomputes n's largest hole; reports whether it changed.
func (t *Vmtree_t) fixhole(n *Mapping_t) bool {
	hole := ownhole(n)
	if n.l != nil && n.l.largesthole > hole {
		hole = n.l.largesthole
	}
	if n.r != nil && n.r.largesthole > hole {
		hole = n.r.largesthole
	}
	if n.largesthole != hole {
		n.largesthole = hole
		return true
	}
	return false
}

// fixholeup propagates an augment change towards the root, stopping
// at the first ancestor whose value is already correct.
func (t *Vmtree_t) fixholeup(n *Mapping_t) {
	for n != nil && t.fixhole(n) {
		n = n.p
	}
}

// rotl lifts n above its parent; n must be a right child. The two
// rotated nodes get their augments refreshed, former parent first.
func (t *Vmtree_t) rotl(n *Mapping_t) {
	u := n.p
	if u == nil || u.r != n {
		panic("rotl")
	}
	v := n.l
	w := u.p

	if v != nil {
		v.p = u
	}
	u.r = v
	u.p = n
	n.l = u
	n.p = w

	if w == nil {
		t.root = n
	} else if w.l == u {
		w.l = n
	} else {
		w.r = n
	}

	t.fixhole(u)
	t.fixholeup(n)
}

// rotr lifts n above its parent; n must be a left child.
func (t *Vmtree_t) rotr(n *Mapping_t) {
	u := n.p
	if u == nil || u.l != n {
		panic("rotr")
	}
	v := n.r
	w := u.p

	if v != nil {
		v.p = u
	}
	u.l = v
	u.p = n
	n.r = u
	n.p = w

	if w == nil {
		t.root = n
	} else if w.l == u {
		w.l = n
	} else {
		w.r = n
	}

	t.fixhole(u)
	t.fixholeup(n)
}

// insert places nn by BST descent, threads it into the order list and
// rebalances. Overlap with an existing interval is a kernel bug.
func (t *Vmtree_t) insert(nn *Mapping_t) {
	t.nvma++
	if t.root == nil {
		t.root = nn
		t.fixinsert(nn)
		return
	}
	n := t.root
	for {
		if nn.base < n.base {
			if nn.End() > n.base {
				panic("overlapping mappings")
			}
			if n.l == nil {
				n.l = nn
				nn.p = n
				// n is the successor of nn
				pred := n.lower
				if pred != nil {
					pred.higher = nn
				}
				nn.lower = pred
				nn.higher = n
				n.lower = nn
				t.fixholeup(n)
				t.fixinsert(nn)
				return
			}
			n = n.l
		} else {
			if nn.base < n.End() {
				panic("overlapping mappings")
			}
			if n.r == nil {
				n.r = nn
				nn.p = n
				// n is the predecessor of nn
				succ := n.higher
				n.higher = nn
				nn.lower = n
				nn.higher = succ
				if succ != nil {
					succ.lower = nn
				}
				t.fixholeup(n)
				t.fixinsert(nn)
				return
			}
			n = n.r
		}
	}
}

// fixinsert restores the red-black property after nn was linked in.
// nn's paths carry one black node too many relative to its sibling's
// until recoloring/rotation resolves it.
func (t *Vmtree_t) fixinsert(nn *Mapping_t) {
	par := nn.p
	if par == nil {
		nn.c = black
		return
	}
	nn.c = red
	if par.c == black {
		return
	}
	// a red parent guarantees a black grandparent
	gp := par.p
	if gp == nil || gp.c != black {
		panic("rb invariant")
	}
	// red uncle: recolor and continue at the grandparent
	if gp.l == par && isred(gp.r) {
		gp.c = red
		par.c = black
		gp.r.c = black
		t.fixinsert(gp)
		return
	} else if gp.r == par && isred(gp.l) {
		gp.c = red
		par.c = black
		gp.l.c = black
		t.fixinsert(gp)
		return
	}
	if par == gp.l {
		if nn == par.r {
			t.rotl(nn)
			t.rotr(nn)
			nn.c = black
		} else {
			t.rotr(par)
			par.c = black
		}
		gp.c = red
	} else {
		if nn == par.l {
			t.rotr(nn)
			t.rotl(nn)
			nn.c = black
		} else {
			t.rotl(par)
			par.c = black
		}
		gp.c = red
	}
}

// remove unlinks nn. A victim with two children is replaced by its
// in-order predecessor via pointer rewiring so that references to
// surviving mappings stay valid; no fields are copied between nodes.
func (t *Vmtree_t) remove(nn *Mapping_t) {
	t.nvma--
	if nn.l == nil {
		t.removehalf(nn, nn.r)
	} else if nn.r == nil {
		t.removehalf(nn, nn.l)
	} else {
		pred := nn.lower
		t.removehalf(pred, pred.l)
		t.replace(nn, pred)
	}
}

// removehalf unlinks a node with at most one child.
func (t *Vmtree_t) removehalf(m, child *Mapping_t) {
	pred := m.lower
	succ := m.higher
	if pred != nil {
		pred.higher = succ
	}
	if succ != nil {
		succ.lower = pred
	}

	if m.c == black {
		if isred(child) {
			child.c = black
		} else {
			// rebalance before unlinking so this works even
			// when child is nil
			t.fixremove(m)
		}
	}

	if !((m.l == nil && m.r == child) || (m.l == child && m.r == nil)) {
		panic("not a half leaf")
	}
	par := m.p
	if par == nil {
		t.root = child
	} else if par.l == m {
		par.l = child
	} else {
		par.r = child
	}
	if child != nil {
		child.p = par
	}

	m.l, m.r, m.p = nil, nil, nil
	m.lower, m.higher = nil, nil

	if par != nil {
		t.fixholeup(par)
	}
}

// replace puts repl (already unlinked) into node's tree and list
// position.
func (t *Vmtree_t) replace(node, repl *Mapping_t) {
	par := node.p
	left := node.l
	right := node.r

	if par == nil {
		t.root = repl
	} else if node == par.l {
		par.l = repl
	} else {
		par.r = repl
	}
	repl.p = par
	repl.c = node.c

	repl.l = left
	if left != nil {
		left.p = repl
	}
	repl.r = right
	if right != nil {
		right.p = repl
	}

	if node.lower != nil {
		node.lower.higher = repl
	}
	repl.lower = node.lower
	repl.higher = node.higher
	if node.higher != nil {
		node.higher.lower = repl
	}

	node.l, node.r, node.p = nil, nil, nil
	node.lower, node.higher = nil, nil

	t.fixhole(repl)
	if par != nil {
		t.fixholeup(par)
	}
}

// fixremove restores the red-black property around n, whose paths
// carry one black node too few.
func (t *Vmtree_t) fixremove(n *Mapping_t) {
	if n.c != black {
		panic("fixremove on red node")
	}
	par := n.p
	if par == nil {
		return
	}

	// rotate so that n has a black sibling
	var s *Mapping_t
	if par.l == n {
		if par.r == nil {
			panic("no sibling")
		}
		if par.r.c == red {
			x := par.r
			t.rotl(x)
			par.c = red
			x.c = black
		}
		s = par.r
	} else {
		if par.l == nil {
			panic("no sibling")
		}
		if par.l.c == red {
			x := par.l
			t.rotr(x)
			par.c = red
			x.c = black
		}
		s = par.l
	}

	if isblack(s.l) && isblack(s.r) {
		if par.c == black {
			s.c = red
			t.fixremove(par)
			return
		}
		par.c = black
		s.c = red
		return
	}

	// at least one of s's children is red
	parc := par.c
	if par.l == n {
		// rotate so that s.r is red
		if isred(s.l) && isblack(s.r) {
			child := s.l
			t.rotr(child)
			s.c = red
			child.c = black
			s = child
		}
		if !isred(s.r) {
			panic("rb invariant")
		}
		t.rotl(s)
		par.c = black
		s.c = parc
		s.r.c = black
	} else {
		// rotate so that s.l is red
		if isred(s.r) && isblack(s.l) {
			child := s.r
			t.rotl(child)
			s.c = red
			child.c = black
			s = child
		}
		if !isred(s.l) {
			panic("rb invariant")
		}
		t.rotr(s)
		par.c = black
		s.c = parc
		s.l.c = black
	}
}

// splithole carves [hole.base+offset, hole.base+offset+length) out of
// a hole and returns it as a fresh MNONE mapping. The leading part of
// the hole shrinks or disappears; a trailing part becomes a new hole.
func (t *Vmtree_t) splithole(hole *Mapping_t, offset, length uintptr) *Mapping_t {
	if length == 0 {
		panic("zero length split")
	}
	if hole.kind != MHOLE {
		panic("split of a non-hole")
	}
	if offset+length > hole.length {
		panic("split outside the hole")
	}

	haddr := hole.base
	hlen := hole.length

	if offset == 0 {
		t.remove(hole)
	} else {
		hole.length = offset
		t.fixholeup(hole)
	}

	split := mkmapping(MNONE, haddr+offset, length)
	t.insert(split)

	if hlen > offset+length {
		rest := mkmapping(MHOLE, haddr+(offset+length),
			hlen-(offset+length))
		t.insert(rest)
	} else if hlen != offset+length {
		panic("hole arithmetic")
	}

	return split
}

// allocate finds a hole of at least length bytes, descending along
// the side that holds the augment witness; ties follow the placement
// policy. Returns nil iff no hole is large enough.
func (t *Vmtree_t) allocate(length uintptr, flags Mapflags_t) *Mapping_t {
	if t.root == nil || t.root.largesthole < length {
		return nil
	}
	return t._alloc1(t.root, length, flags)
}

func (t *Vmtree_t) _alloc1(n *Mapping_t, length uintptr, flags Mapflags_t) *Mapping_t {
	if flags&MAP_PREFER_BOTTOM != 0 {
		if n.kind == MHOLE && n.length >= length {
			return t.splithole(n, 0, length)
		}
		if n.l != nil && n.l.largesthole >= length {
			return t._alloc1(n.l, length, flags)
		}
		if n.r == nil || n.r.largesthole < length {
			panic("largest hole witness")
		}
		return t._alloc1(n.r, length, flags)
	}
	if flags&MAP_PREFER_TOP == 0 {
		panic("no placement policy")
	}
	if n.kind == MHOLE && n.length >= length {
		return t.splithole(n, n.length-length, length)
	}
	if n.r != nil && n.r.largesthole >= length {
		return t._alloc1(n.r, length, flags)
	}
	if n.l == nil || n.l.largesthole < length {
		panic("largest hole witness")
	}
	return t._alloc1(n.l, length, flags)
}

// allocateat splits the hole containing [addr, addr+length). The
// caller must have checked that the containing mapping is a hole that
// fully contains the range.
func (t *Vmtree_t) allocateat(addr, length uintptr) *Mapping_t {
	hole := t.lookup(addr)
	if hole == nil {
		panic("no mapping at address")
	}
	return t.splithole(hole, addr-hole.base, length)
}

// clear tears the tree down in post-order, invoking f on every
// mapping and snipping all links.
func (t *Vmtree_t) clear(f func(*Mapping_t)) {
	t._clear1(t.root, f)
	t.root = nil
	t.nvma = 0
}

func (t *Vmtree_t) _clear1(n *Mapping_t, f func(*Mapping_t)) {
	if n == nil {
		return
	}
	t._clear1(n.l, f)
	t._clear1(n.r, f)
	f(n)
	n.l, n.r, n.p = nil, nil, nil
	n.lower, n.higher = nil, nil
}

// ckinvariant checks every structural invariant of the tree: red-black
// coloring and black depth, interval BST order, augment correctness,
// order-list threading, and that the mappings tile the managed window
// with no two holes adjacent. Violations are printed and reported as
// false.
func (t *Vmtree_t) ckinvariant() bool {
	if t.root == nil {
		return true
	}
	if t.root.c != black {
		fmt.Printf("red root\n")
		return false
	}
	var bd int
	var min, max *Mapping_t
	if !t._ck1(t.root, &bd, &min, &max) {
		return false
	}
	if min.base != USERMIN || max.End() != USERMAX {
		fmt.Printf("coverage violation at the range ends\n")
		return false
	}
	cnt := 0
	for m := min; m != nil; m = m.higher {
		cnt++
		if m.length == 0 {
			fmt.Printf("empty mapping\n")
			return false
		}
		h := m.higher
		if h == nil {
			continue
		}
		if h.base != m.End() {
			fmt.Printf("coverage violation at %#x\n", m.End())
			return false
		}
		if m.kind == MHOLE && h.kind == MHOLE {
			fmt.Printf("adjacent holes at %#x\n", m.base)
			return false
		}
	}
	if cnt != t.nvma {
		fmt.Printf("nvma mismatch: %v != %v\n", cnt, t.nvma)
		return false
	}
	return true
}

func (t *Vmtree_t) _ck1(n *Mapping_t, bd *int, min, max **Mapping_t) bool {
	hole := ownhole(n)
	if n.l != nil && n.l.largesthole > hole {
		hole = n.l.largesthole
	}
	if n.r != nil && n.r.largesthole > hole {
		hole = n.r.largesthole
	}
	if n.largesthole != hole {
		fmt.Printf("largest hole violation at %#x\n", n.base)
		return false
	}

	if n.c == red && (!isblack(n.l) || !isblack(n.r)) {
		fmt.Printf("alternating colors violation at %#x\n", n.base)
		return false
	}

	lbd, rbd := 0, 0
	if n.l != nil {
		if n.l.p != n {
			fmt.Printf("parent link violation at %#x\n", n.l.base)
			return false
		}
		var pred *Mapping_t
		if !t._ck1(n.l, &lbd, min, &pred) {
			return false
		}
		if n.base < pred.End() {
			fmt.Printf("search tree violation (left) at %#x\n", n.base)
			return false
		}
		if pred.higher != n || n.lower != pred {
			fmt.Printf("order list violation (pred) at %#x\n", n.base)
			return false
		}
	} else {
		*min = n
	}

	if n.r != nil {
		if n.r.p != n {
			fmt.Printf("parent link violation at %#x\n", n.r.base)
			return false
		}
		var succ *Mapping_t
		if !t._ck1(n.r, &rbd, &succ, max) {
			return false
		}
		if n.End() > succ.base {
			fmt.Printf("search tree violation (right) at %#x\n", n.base)
			return false
		}
		if n.higher != succ || succ.lower != n {
			fmt.Printf("order list violation (succ) at %#x\n", n.base)
			return false
		}
	} else {
		*max = n
	}

	if lbd != rbd {
		fmt.Printf("black depth violation at %#x\n", n.base)
		return false
	}
	*bd = lbd
	if n.c == black {
		*bd++
	}
	return true
}

func (t *Vmtree_t) dump() {
	fmt.Printf("nvma: %v\n", t.nvma)
	for m := t.first(); m != nil; m = m.higher {
		var kind string
		switch m.kind {
		case MHOLE:
			kind = "hole"
		case MNONE:
			kind = "none"
		case MMEM:
			kind = "mem-R"
			if m.writeperm {
				kind += "W"
			}
			if m.execperm {
				kind += "X"
			}
			if m.shared {
				kind += ",S"
			}
		}
		fmt.Printf("[%#x - %#x) (%v)\n", m.base, m.End(), kind)
	}
}
