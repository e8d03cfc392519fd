//go:build linux

package mem

import "testing"

func TestMmapArena(t *testing.T) {
	arena, ok := Mkmmaparena(32)
	if !ok {
		t.Fatalf("mmap arena failed")
	}
	phys := Mkphysmem_arena(arena)
	pa, ok := phys.Alloc_frames(0)
	if !ok {
		t.Fatalf("alloc failed")
	}
	pg := phys.Dmap(pa)
	for i := range pg {
		pg[i] = 0xaa
	}
	for _, c := range phys.Dmap(pa) {
		if c != 0xaa {
			t.Fatalf("lost a write")
		}
	}
	phys.Free_frames(pa, 0)
	if phys.Freepgs() != 32 {
		t.Fatalf("%v free pages", phys.Freepgs())
	}
	phys.Release()
}
