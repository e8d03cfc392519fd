package mem

// Arena_i is the backing store for physical frames. The buddy
// allocator treats the arena as physical memory starting at address
// zero.
type Arena_i interface {
	Base() []uint8
	Release()
}

type heaparena_t struct {
	mem []uint8
}

// Mkheaparena backs frames with the Go heap. Portable; fine for
// hosting the core in tests and in user-space kernels.
func Mkheaparena(npages int) Arena_i {
	if npages <= 0 {
		panic("bad arena size")
	}
	return &heaparena_t{mem: make([]uint8, npages*PGSIZE)}
}

func (ha *heaparena_t) Base() []uint8 {
	return ha.mem
}

func (ha *heaparena_t) Release() {
	ha.mem = nil
}
