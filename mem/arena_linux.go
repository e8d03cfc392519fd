//go:build linux

package mem

import "golang.org/x/sys/unix"

type mmaparena_t struct {
	mem []uint8
}

// Mkmmaparena backs frames with anonymous mmap so the arena lives
// outside the Go heap and is released eagerly on teardown.
func Mkmmaparena(npages int) (Arena_i, bool) {
	if npages <= 0 {
		panic("bad arena size")
	}
	m, err := unix.Mmap(-1, 0, npages*PGSIZE,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, false
	}
	return &mmaparena_t{mem: m}, true
}

func (ma *mmaparena_t) Base() []uint8 {
	return ma.mem
}

func (ma *mmaparena_t) Release() {
	if err := unix.Munmap(ma.mem); err != nil {
		panic("munmap failed")
	}
	ma.mem = nil
}
