package vm

import "sync"

import "github.com/PenetratingShot/managarm/defs"
import "github.com/PenetratingShot/managarm/limits"
import "github.com/PenetratingShot/managarm/mem"
import "github.com/PenetratingShot/managarm/util"

// managed user window; a fresh space is one hole covering all of it
const USERMIN uintptr = 0x100000
const USERMAX uintptr = 0x800000000000

const pgsize = uintptr(mem.PGSIZE)

type Mapflags_t uint32

const (
	MAP_FIXED Mapflags_t = 1 << iota
	MAP_PREFER_BOTTOM
	MAP_PREFER_TOP
	MAP_SHARE_ON_FORK
	MAP_READ_ONLY
	MAP_READ_EXECUTE
	MAP_READ_WRITE
)

const mapperms Mapflags_t = MAP_READ_ONLY | MAP_READ_EXECUTE | MAP_READ_WRITE
const mapplace Mapflags_t = MAP_PREFER_BOTTOM | MAP_PREFER_TOP

// page fault error code bits, as delivered by the trap layer
type Fault_t uintptr

const (
	FAULT_WRITE Fault_t = 1 << iota
	FAULT_EXEC
	FAULT_USER
)

// Aspace_t owns the mapping tree of one process and drives its page
// space. The embedded lock guards the tree, every mapping in it and
// the permission and memory-reference fields; the physical
// allocator's lock nests strictly inside it.
type Aspace_t struct {
	sync.Mutex
	vmregion Vmtree_t
	ps       Pagespace_i
	phys     *mem.Physmem_t
}

func Mkaspace(phys *mem.Physmem_t, ps Pagespace_i) *Aspace_t {
	as := &Aspace_t{ps: ps, phys: phys}
	as.vmregion.insert(mkmapping(MHOLE, USERMIN, USERMAX-USERMIN))
	return as
}

// Lookup returns the mapping containing addr.
func (as *Aspace_t) Lookup(addr uintptr) (*Mapping_t, bool) {
	as.Lock()
	defer as.Unlock()
	m := as.vmregion.lookup(addr)
	return m, m != nil
}

func (as *Aspace_t) Ckinvariant() bool {
	as.Lock()
	defer as.Unlock()
	return as.vmregion.ckinvariant()
}

func (as *Aspace_t) Dump() {
	as.Lock()
	defer as.Unlock()
	as.vmregion.dump()
}

// pageflags derives the page-table permissions of a mapping. The
// execute bit is gated on the mapping's execute permission.
func (m *Mapping_t) pageflags() Ptperm_t {
	var fl Ptperm_t
	if m.writeperm {
		fl |= PTACCESS_WRITE
	}
	if m.execperm {
		fl |= PTACCESS_EXECUTE
	}
	return fl
}

// Map binds mo to a range of the address space and returns the chosen
// base address. With MAP_FIXED the range starts at addr, which must
// lie in a hole that contains all of it; otherwise a hole is picked
// by the placement policy. Pages of mo that are already backed are
// installed eagerly; the rest are left to the fault handler.
func (as *Aspace_t) Map(mo *Mem_t, addr, length uintptr, flags Mapflags_t) (uintptr, defs.Err_t) {
	if length == 0 || length%pgsize != 0 {
		return 0, -defs.EINVAL
	}
	switch flags & mapperms {
	case MAP_READ_ONLY, MAP_READ_EXECUTE, MAP_READ_WRITE:
	default:
		return 0, -defs.EINVAL
	}
	if flags&MAP_FIXED != 0 {
		if addr%pgsize != 0 {
			return 0, -defs.EINVAL
		}
	} else {
		switch flags & mapplace {
		case MAP_PREFER_BOTTOM, MAP_PREFER_TOP:
		default:
			return 0, -defs.EINVAL
		}
	}
	npg := int(length / pgsize)
	if mo.Npages() < npg {
		return 0, -defs.EINVAL
	}

	as.Lock()
	defer as.Unlock()

	if as.vmregion.nvma >= limits.Syslimit.Novma {
		return 0, -defs.ENOMEM
	}

	var mp *Mapping_t
	if flags&MAP_FIXED != 0 {
		hole := as.vmregion.lookup(addr)
		if hole == nil {
			return 0, -defs.ENOENT
		}
		if hole.kind != MHOLE || addr+length > hole.End() {
			return 0, -defs.EINVAL
		}
		mp = as.vmregion.allocateat(addr, length)
	} else {
		mp = as.vmregion.allocate(length, flags)
		if mp == nil {
			return 0, -defs.ENOMEM
		}
	}

	mp.kind = MMEM
	mo.Ref()
	mp.mem = mo
	mp.memoff = 0
	if flags&mapperms == MAP_READ_WRITE {
		mp.writeperm = true
	} else if flags&mapperms == MAP_READ_EXECUTE {
		mp.execperm = true
	}
	if flags&MAP_SHARE_ON_FORK != 0 {
		mp.shared = true
	}

	// install already-backed pages; lock lazily so fully on-demand
	// mappings never touch the allocator
	pflags := mp.pageflags()
	locked := false
	for i := 0; i < npg; i++ {
		pa := mo.Getpage(i)
		if pa == mem.BADPA {
			continue
		}
		if !locked {
			as.phys.Lock()
			locked = true
		}
		as.ps.Map4k(mp.base+uintptr(i)*pgsize, pa, true, pflags)
	}
	if locked {
		as.phys.Unlock()
	}

	return mp.base, 0
}

// Mapanon creates an anonymous demand-zero memory object covering at
// least length bytes and maps it. The returned reference is owned by
// the caller and survives an unmap of the range. This is the wrapper
// the process layer uses for anonymous mappings.
func (as *Aspace_t) Mapanon(length uintptr, flags Mapflags_t) (uintptr, *Mem_t, defs.Err_t) {
	if length == 0 {
		return 0, nil, -defs.EINVAL
	}
	rlen := uintptr(util.Roundup(int(length), mem.PGSIZE))
	mo := Mkmem(as.phys, MEMALLOC, MEM_ONDEMAND)
	mo.Resize(int(rlen / pgsize))
	addr, err := as.Map(mo, 0, rlen, flags)
	if err != 0 {
		mo.Unref()
		return 0, nil, err
	}
	return addr, mo, 0
}

// Unmap removes a memory mapping; addr and length must match its
// bounds exactly. The vacated range coalesces with neighboring holes
// through the order list.
func (as *Aspace_t) Unmap(addr, length uintptr) defs.Err_t {
	if addr%pgsize != 0 || length%pgsize != 0 {
		return -defs.EINVAL
	}

	as.Lock()
	defer as.Unlock()

	mp := as.vmregion.lookup(addr)
	if mp == nil || mp.kind == MHOLE {
		return -defs.ENOENT
	}
	if mp.kind != MMEM || mp.base != addr || mp.length != length {
		return -defs.EINVAL
	}

	for i := uintptr(0); i < length/pgsize; i++ {
		as.ps.Unmap4k(addr + i*pgsize)
	}

	mp.mem.Unref()
	mp.mem = nil

	lower := mp.lower
	higher := mp.higher
	if lower != nil && higher != nil &&
		lower.kind == MHOLE && higher.kind == MHOLE {
		// grow the lower hole over the mapping and the higher hole
		mplen := mp.length
		hilen := higher.length
		as.vmregion.remove(mp)
		as.vmregion.remove(higher)
		lower.length += mplen + hilen
		as.vmregion.fixholeup(lower)
	} else if lower != nil && lower.kind == MHOLE {
		mplen := mp.length
		as.vmregion.remove(mp)
		lower.length += mplen
		as.vmregion.fixholeup(lower)
	} else if higher != nil && higher.kind == MHOLE {
		mplen := mp.length
		as.vmregion.remove(mp)
		higher.base -= mplen
		higher.length += mplen
		as.vmregion.fixholeup(higher)
	} else {
		mp.kind = MHOLE
		as.vmregion.fixholeup(mp)
	}
	return 0
}

// Fault tries to resolve a page fault at addr; true means the
// faulting access should be retried. Demand-backed pages of an
// allocated object are zero filled on first touch; a copy-on-write
// object gets a private copy of the master's page and regains the
// mapping's write permission.
func (as *Aspace_t) Fault(addr uintptr, ecode Fault_t) bool {
	as.Lock()
	defer as.Unlock()

	mp := as.vmregion.lookup(addr)
	if mp == nil || mp.kind != MMEM {
		return false
	}
	if ecode&FAULT_WRITE != 0 && !mp.writeperm {
		return false
	}

	off := addr - mp.base
	pgva := addr &^ (pgsize - 1)
	idx := int((off + mp.memoff) / pgsize)
	mo := mp.mem

	if mo.typ == MEMALLOC && mo.flags&MEM_ONDEMAND != 0 {
		if mo.Getpage(idx) != mem.BADPA {
			// raced with another thread or spurious retouch;
			// the page is already there
			return false
		}
		as.phys.Lock()
		defer as.phys.Unlock()
		pa, ok := as.phys.Alloc_locked(0)
		if !ok {
			return false
		}
		pg := as.phys.Dmap(pa)
		for i := range pg {
			pg[i] = 0
		}
		mo.Setpage(idx, pa)
		as.ps.Map4k(pgva, pa, true, mp.pageflags())
		return true
	} else if mo.typ == MEMCOW {
		if mo.Getpage(idx) != mem.BADPA {
			return false
		}
		origin := mo.master.Getpage(idx)
		if origin == mem.BADPA {
			panic("copy-on-write of unbacked master page")
		}
		as.phys.Lock()
		defer as.phys.Unlock()
		pa, ok := as.phys.Alloc_locked(0)
		if !ok {
			return false
		}
		copy(as.phys.Dmap(pa), as.phys.Dmap(origin))
		mo.Setpage(idx, pa)
		// replace the write-protected master translation with the
		// private page at the mapping's real permissions
		as.ps.Unmap4k(pgva)
		as.ps.Map4k(pgva, pa, true, mp.pageflags())
		return true
	}

	return false
}

// Fork clones the address space. Holes clone as holes; shared
// mappings reference the same memory object in both spaces; private
// memory breaks to copy-on-write: both sides get a fresh
// copy-on-write object over the old memory as master, and every
// backed page is left mapped in both page tables with the write bit
// masked off until a write fault resolves it privately.
func (as *Aspace_t) Fork() *Aspace_t {
	as.Lock()
	defer as.Unlock()

	child := &Aspace_t{ps: as.ps.Fork(), phys: as.phys}
	as.forkwalk(as.vmregion.root, child)
	return child
}

func (as *Aspace_t) forkwalk(mp *Mapping_t, child *Aspace_t) {
	if mp == nil {
		return
	}

	dst := mkmapping(mp.kind, mp.base, mp.length)

	if mp.kind == MHOLE {
		// nothing else to do
	} else if mp.kind == MMEM && mp.shared {
		mo := mp.mem
		if mo.typ != MEMALLOC && mo.typ != MEMPHYS {
			panic("shared mapping of copy-on-write memory")
		}

		pflags := mp.pageflags()
		locked := false
		for i := uintptr(0); i < mp.length/pgsize; i++ {
			pa := mo.Getpage(int(i))
			if pa == mem.BADPA {
				continue
			}
			if !locked {
				as.phys.Lock()
				locked = true
			}
			child.ps.Map4k(dst.base+i*pgsize, pa, true, pflags)
		}
		if locked {
			as.phys.Unlock()
		}

		mo.Ref()
		dst.mem = mo
		dst.writeperm = mp.writeperm
		dst.execperm = mp.execperm
		dst.shared = true
	} else if mp.kind == MMEM {
		mo := mp.mem
		if mo.typ != MEMALLOC {
			panic("fork of non-anonymous private memory")
		}

		// mask off the write bit in both page tables to trigger
		// copy-on-write; the mapping-level permissions stay intact
		var pflags Ptperm_t
		if mp.execperm {
			pflags |= PTACCESS_EXECUTE
		}

		srccow := Mkmem(as.phys, MEMCOW, 0)
		srccow.Resize(mo.Npages())
		mo.Ref()
		srccow.master = mo

		dstcow := Mkmem(as.phys, MEMCOW, 0)
		dstcow.Resize(mo.Npages())
		mo.Ref()
		dstcow.master = mo

		// the mapping's reference moves to the source-side clone
		mp.mem = srccow
		mo.Unref()

		as.phys.Lock()
		for i := uintptr(0); i < mp.length/pgsize; i++ {
			pa := mo.Getpage(int(i))
			if pa == mem.BADPA {
				continue
			}
			va := mp.base + i*pgsize
			as.ps.Unmap4k(va)
			as.ps.Map4k(va, pa, true, pflags)
			child.ps.Map4k(va, pa, true, pflags)
		}
		as.phys.Unlock()

		dst.mem = dstcow
		dst.writeperm = mp.writeperm
		dst.execperm = mp.execperm
	} else {
		panic("bad mapping kind in fork")
	}

	child.vmregion.insert(dst)

	as.forkwalk(mp.l, child)
	as.forkwalk(mp.r, child)
}

// Activate makes this space current on the calling CPU.
func (as *Aspace_t) Activate() {
	as.ps.Activate()
}

// Free tears the space down: every memory reference is dropped in a
// post-order walk and the page-table frames are released.
func (as *Aspace_t) Free() {
	as.Lock()
	defer as.Unlock()
	as.vmregion.clear(func(mp *Mapping_t) {
		if mp.mem != nil {
			mp.mem.Unref()
			mp.mem = nil
		}
	})
	as.ps.Free()
}
