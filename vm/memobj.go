package vm

import "sync/atomic"

import "github.com/PenetratingShot/managarm/mem"
import "github.com/PenetratingShot/managarm/util"

type Memtype_t int

const (
	// frames owned by someone else (device windows, boot modules);
	// never freed by us
	MEMPHYS Memtype_t = iota
	// anonymous frames owned by this object
	MEMALLOC
	// private clone that resolves pages from a master object on
	// write faults
	MEMCOW
)

type Memflag_t uint32

const (
	MEM_ONDEMAND Memflag_t = 1 << 0
)

// Mem_t is a reference counted container of physical frames. The last
// Unref of an allocated or copy-on-write object returns every bound
// frame to the physical allocator; a copy-on-write object also drops
// its master reference then.
type Mem_t struct {
	typ    Memtype_t
	flags  Memflag_t
	pages  []mem.Pa_t
	master *Mem_t
	refcnt int32
	phys   *mem.Physmem_t
}

func Mkmem(phys *mem.Physmem_t, typ Memtype_t, flags Memflag_t) *Mem_t {
	return &Mem_t{typ: typ, flags: flags, refcnt: 1, phys: phys}
}

func (mo *Mem_t) Type() Memtype_t {
	return mo.typ
}

func (mo *Mem_t) Npages() int {
	return len(mo.pages)
}

func (mo *Mem_t) Ref() {
	c := atomic.AddInt32(&mo.refcnt, 1)
	if c <= 1 {
		panic("ref of dead memory")
	}
}

func (mo *Mem_t) Unref() {
	c := atomic.AddInt32(&mo.refcnt, -1)
	if c < 0 {
		panic("over unref")
	}
	if c != 0 {
		return
	}
	switch mo.typ {
	case MEMPHYS:
		// frames are owned externally
	case MEMALLOC, MEMCOW:
		mo.phys.Lock()
		for i, pa := range mo.pages {
			if pa != mem.BADPA {
				mo.phys.Free_locked(pa, 0)
				mo.pages[i] = mem.BADPA
			}
		}
		mo.phys.Unlock()
	default:
		panic("bad memory type")
	}
	if mo.typ == MEMCOW {
		mo.master.Unref()
	}
}

// Resize grows the page vector to npages slots; new slots are
// unbacked. Shrinking is not supported.
func (mo *Mem_t) Resize(npages int) {
	if npages < len(mo.pages) {
		panic("memory shrink")
	}
	np := make([]mem.Pa_t, npages)
	copy(np, mo.pages)
	for i := len(mo.pages); i < npages; i++ {
		np[i] = mem.BADPA
	}
	mo.pages = np
}

func (mo *Mem_t) Getpage(i int) mem.Pa_t {
	return mo.pages[i]
}

// Setpage binds a frame to an unbacked slot; re-binding is a bug.
func (mo *Mem_t) Setpage(i int, pa mem.Pa_t) {
	if mo.pages[i] != mem.BADPA {
		panic("page slot already bound")
	}
	mo.pages[i] = pa
}

// Zeropages clears every frame of an allocated object; all slots must
// be bound.
func (mo *Mem_t) Zeropages() {
	if mo.typ != MEMALLOC {
		panic("zero of non-anonymous memory")
	}
	for _, pa := range mo.pages {
		if pa == mem.BADPA {
			panic("zero of unbacked page")
		}
		pg := mo.phys.Dmap(pa)
		for i := range pg {
			pg[i] = 0
		}
	}
}

// Copyto copies src into the object starting at byte offset,
// handling a misaligned head and a short tail. Every touched slot
// must be bound.
func (mo *Mem_t) Copyto(offset int, src []uint8) {
	if mo.typ != MEMALLOC {
		panic("copy to non-anonymous memory")
	}
	idx := offset / mem.PGSIZE

	misalign := offset % mem.PGSIZE
	if misalign > 0 {
		prefix := util.Min(mem.PGSIZE-misalign, len(src))
		pa := mo.pages[idx]
		if pa == mem.BADPA {
			panic("copy to unbacked page")
		}
		copy(mo.phys.Dmap(pa)[misalign:], src[:prefix])
		src = src[prefix:]
		idx++
	}

	for len(src) >= mem.PGSIZE {
		pa := mo.pages[idx]
		if pa == mem.BADPA {
			panic("copy to unbacked page")
		}
		copy(mo.phys.Dmap(pa), src[:mem.PGSIZE])
		src = src[mem.PGSIZE:]
		idx++
	}

	if len(src) > 0 {
		pa := mo.pages[idx]
		if pa == mem.BADPA {
			panic("copy to unbacked page")
		}
		copy(mo.phys.Dmap(pa), src)
	}
}
