package vm

import "unsafe"

import "github.com/PenetratingShot/managarm/mem"

type Ptperm_t uint32

const (
	PTACCESS_WRITE Ptperm_t = 1 << iota
	PTACCESS_EXECUTE
)

// Pagespace_i is the hardware page-table facade an address space
// drives. Map4k may need frames for new page-table levels, so the
// caller must hold the physical allocator's lock across it; batching
// many Map4k calls under one acquisition is the intended use.
// Unmap4k never allocates. Fork returns a fresh space seeded with the
// kernel-shared upper half.
type Pagespace_i interface {
	Map4k(va uintptr, pa mem.Pa_t, user bool, perms Ptperm_t)
	Unmap4k(va uintptr)
	Activate()
	Fork() Pagespace_i
	Free()
}

// Ptspace_t is the software page space: a real 4-level x86-64 style
// table built from frames of the physical allocator, with PTE_NX
// expressing the execute permission. Activate installs the space as
// the current one, standing in for a cr3 load when the core is
// hosted.
type Ptspace_t struct {
	phys *mem.Physmem_t
	root mem.Pa_t
}

var curspace *Ptspace_t

func Curspace() *Ptspace_t {
	return curspace
}

func Mkptspace(phys *mem.Physmem_t) *Ptspace_t {
	phys.Lock()
	defer phys.Unlock()
	ps := &Ptspace_t{phys: phys}
	ps.root = ps.newtable()
	return ps
}

func (ps *Ptspace_t) tbl(pa mem.Pa_t) *[512]mem.Pa_t {
	pg := ps.phys.Dmap(pa)
	return (*[512]mem.Pa_t)(unsafe.Pointer(&pg[0]))
}

func (ps *Ptspace_t) newtable() mem.Pa_t {
	ps.phys.Lockassert()
	pa, ok := ps.phys.Alloc_locked(0)
	if !ok {
		panic("out of page table frames")
	}
	pg := ps.phys.Dmap(pa)
	for i := range pg {
		pg[i] = 0
	}
	return pa
}

// walk returns the leaf table and slot for va, creating intermediate
// levels when create is set. A create walk requires the phys lock.
func (ps *Ptspace_t) walk(va uintptr, create bool) (*[512]mem.Pa_t, int) {
	cur := ps.root
	for lvl := 3; lvl > 0; lvl-- {
		idx := (va >> (12 + 9*uint(lvl))) & 0x1ff
		tb := ps.tbl(cur)
		e := tb[idx]
		if e&mem.PTE_P == 0 {
			if !create {
				return nil, 0
			}
			npa := ps.newtable()
			tb[idx] = npa | mem.PTE_P | mem.PTE_W | mem.PTE_U
			cur = npa
			continue
		}
		if e&mem.PTE_PS != 0 {
			panic("walk into a large page")
		}
		cur = e & mem.PTE_ADDR
	}
	return ps.tbl(cur), int((va >> 12) & 0x1ff)
}

func (ps *Ptspace_t) Map4k(va uintptr, pa mem.Pa_t, user bool, perms Ptperm_t) {
	ps.phys.Lockassert()
	tb, slot := ps.walk(va, true)
	if tb[slot]&mem.PTE_P != 0 {
		panic("remapping a mapped page")
	}
	pte := pa&mem.PTE_ADDR | mem.PTE_P | mem.PTE_NX
	if user {
		pte |= mem.PTE_U
	}
	if perms&PTACCESS_WRITE != 0 {
		pte |= mem.PTE_W
	}
	if perms&PTACCESS_EXECUTE != 0 {
		pte &^= mem.PTE_NX
	}
	tb[slot] = pte
}

func (ps *Ptspace_t) Unmap4k(va uintptr) {
	tb, slot := ps.walk(va, false)
	if tb == nil {
		return
	}
	tb[slot] = 0
}

// Lookup4k reports the installed translation for va, if any.
func (ps *Ptspace_t) Lookup4k(va uintptr) (mem.Pa_t, Ptperm_t, bool) {
	tb, slot := ps.walk(va, false)
	if tb == nil {
		return 0, 0, false
	}
	pte := tb[slot]
	if pte&mem.PTE_P == 0 {
		return 0, 0, false
	}
	var perms Ptperm_t
	if pte&mem.PTE_W != 0 {
		perms |= PTACCESS_WRITE
	}
	if pte&mem.PTE_NX == 0 {
		perms |= PTACCESS_EXECUTE
	}
	return pte & mem.PTE_ADDR, perms, true
}

func (ps *Ptspace_t) Activate() {
	curspace = ps
}

// Fork creates a new space sharing this space's kernel upper half;
// the table frames of the upper half are shared, not copied.
func (ps *Ptspace_t) Fork() Pagespace_i {
	child := Mkptspace(ps.phys)
	pt := ps.tbl(ps.root)
	ct := child.tbl(child.root)
	for i := 256; i < 512; i++ {
		ct[i] = pt[i]
	}
	return child
}

// Free returns the table frames of the user half and the root. Leaf
// frames belong to memory objects and are not touched; the shared
// upper half is not touched either.
func (ps *Ptspace_t) Free() {
	ps.phys.Lock()
	defer ps.phys.Unlock()
	pt := ps.tbl(ps.root)
	for i := 0; i < 256; i++ {
		if pt[i]&mem.PTE_P != 0 {
			ps.freelvl(pt[i]&mem.PTE_ADDR, 2)
			pt[i] = 0
		}
	}
	ps.phys.Free_locked(ps.root, 0)
	ps.root = mem.BADPA
	if curspace == ps {
		curspace = nil
	}
}

func (ps *Ptspace_t) freelvl(pa mem.Pa_t, lvl int) {
	if lvl > 0 {
		tb := ps.tbl(pa)
		for i := range tb {
			if tb[i]&mem.PTE_P != 0 {
				ps.freelvl(tb[i]&mem.PTE_ADDR, lvl-1)
			}
		}
	}
	ps.phys.Free_locked(pa, 0)
}
