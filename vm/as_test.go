package vm

import "math/rand"
import "sync"
import "testing"

import "github.com/PenetratingShot/managarm/mem"

func TestDemandFault(t *testing.T) {
	as, phys := mkvm(t, 128)
	ps := as.ps.(*Ptspace_t)
	mo := mkanon(phys, 4)
	addr, err := as.Map(mo, 0, 0x4000, MAP_PREFER_BOTTOM|MAP_READ_WRITE)
	if err != 0 {
		t.Fatalf("map: %v", err)
	}
	// nothing is backed yet
	if _, _, ok := ps.Lookup4k(addr + 0x1000); ok {
		t.Fatalf("unbacked page is mapped")
	}

	if !as.Fault(addr+0x1000, FAULT_WRITE) {
		t.Fatalf("demand fault not resolved")
	}
	pa, perms, ok := ps.Lookup4k(addr + 0x1000)
	if !ok {
		t.Fatalf("faulted page not mapped")
	}
	if perms&PTACCESS_WRITE == 0 {
		t.Fatalf("faulted page not writable")
	}
	if pa != mo.Getpage(1) {
		t.Fatalf("mapped frame is not the bound frame")
	}
	// the new frame is demand zero
	for _, c := range phys.Dmap(pa) {
		if c != 0 {
			t.Fatalf("dirty demand page")
		}
	}

	// re-touch: the page is already there
	if as.Fault(addr+0x1000, FAULT_WRITE) {
		t.Fatalf("second fault allocated again")
	}
}

func TestFaultRejects(t *testing.T) {
	as, phys := mkvm(t, 128)
	// nothing mapped
	if as.Fault(0x200000, 0) {
		t.Fatalf("fault in a hole resolved")
	}
	if as.Fault(0x10, 0) {
		t.Fatalf("fault below the window resolved")
	}
	// write fault against a read-only mapping
	mo := mkanon(phys, 1)
	addr, err := as.Map(mo, 0, 0x1000, MAP_PREFER_BOTTOM|MAP_READ_ONLY)
	if err != 0 {
		t.Fatalf("map: %v", err)
	}
	if as.Fault(addr, FAULT_WRITE) {
		t.Fatalf("write fault on read-only mapping resolved")
	}
	if !as.Fault(addr, 0) {
		t.Fatalf("read fault not resolved")
	}
	// memory without a demand policy
	pmo := Mkmem(phys, MEMPHYS, 0)
	pmo.Resize(1)
	addr2, err := as.Map(pmo, 0, 0x1000, MAP_PREFER_BOTTOM|MAP_READ_ONLY)
	if err != 0 {
		t.Fatalf("map: %v", err)
	}
	if as.Fault(addr2, 0) {
		t.Fatalf("fault on physical memory resolved")
	}
}

// fill a frame with a marker so copies can be told apart
func fill(phys *mem.Physmem_t, pa mem.Pa_t, c uint8) {
	pg := phys.Dmap(pa)
	for i := range pg {
		pg[i] = c
	}
}

func ckfill(t *testing.T, phys *mem.Physmem_t, pa mem.Pa_t, c uint8) {
	t.Helper()
	for _, got := range phys.Dmap(pa) {
		if got != c {
			t.Fatalf("frame %#x holds %#x, want %#x", pa, got, c)
		}
	}
}

func TestForkCow(t *testing.T) {
	as, phys := mkvm(t, 256)
	pps := as.ps.(*Ptspace_t)
	mo := mkanon(phys, 2)
	addr, err := as.Map(mo, 0, 0x2000, MAP_PREFER_BOTTOM|MAP_READ_WRITE)
	if err != 0 {
		t.Fatalf("map: %v", err)
	}
	// back both pages and mark them
	if !as.Fault(addr, FAULT_WRITE) || !as.Fault(addr+0x1000, FAULT_WRITE) {
		t.Fatalf("demand faults not resolved")
	}
	fill(phys, mo.Getpage(0), 0x11)
	fill(phys, mo.Getpage(1), 0x22)

	child := as.Fork()
	cps := child.ps.(*Ptspace_t)
	if !as.Ckinvariant() || !child.Ckinvariant() {
		t.Fatalf("invariant violated by fork")
	}

	// every previously backed page is now mapped in both spaces
	// without the write bit
	for _, va := range []uintptr{addr, addr + 0x1000} {
		for _, ps := range []*Ptspace_t{pps, cps} {
			pa, perms, ok := ps.Lookup4k(va)
			if !ok {
				t.Fatalf("page %#x lost by fork", va)
			}
			if perms&PTACCESS_WRITE != 0 {
				t.Fatalf("page %#x still writable", va)
			}
			if pa != mo.Getpage(int((va-addr)/pgsize)) {
				t.Fatalf("page %#x not the master frame", va)
			}
		}
	}

	// a write in the child gets a private copy of the old contents
	if !child.Fault(addr, FAULT_WRITE) {
		t.Fatalf("child write fault not resolved")
	}
	cpa, cperms, ok := cps.Lookup4k(addr)
	if !ok || cperms&PTACCESS_WRITE == 0 {
		t.Fatalf("child page not remapped writable")
	}
	if cpa == mo.Getpage(0) {
		t.Fatalf("child still writes the master frame")
	}
	ckfill(t, phys, cpa, 0x11)
	fill(phys, cpa, 0x33)

	// the parent still reads the original contents and resolves its
	// own private copy on write
	ckfill(t, phys, mo.Getpage(0), 0x11)
	if !as.Fault(addr, FAULT_WRITE) {
		t.Fatalf("parent write fault not resolved")
	}
	ppa, _, ok := pps.Lookup4k(addr)
	if !ok || ppa == mo.Getpage(0) || ppa == cpa {
		t.Fatalf("parent page not private")
	}
	ckfill(t, phys, ppa, 0x11)

	// the untouched page still reads through to the master in both
	if pa, _, ok := cps.Lookup4k(addr + 0x1000); !ok || pa != mo.Getpage(1) {
		t.Fatalf("untouched page not shared")
	}
}

func TestForkShared(t *testing.T) {
	as, phys := mkvm(t, 256)
	mo := mkanon(phys, 2)
	addr, err := as.Map(mo, 0, 0x2000,
		MAP_PREFER_BOTTOM|MAP_READ_WRITE|MAP_SHARE_ON_FORK)
	if err != 0 {
		t.Fatalf("map: %v", err)
	}
	if !as.Fault(addr, FAULT_WRITE) {
		t.Fatalf("demand fault not resolved")
	}
	fill(phys, mo.Getpage(0), 0x44)

	child := as.Fork()
	cps := child.ps.(*Ptspace_t)
	if !child.Ckinvariant() {
		t.Fatalf("invariant violated by fork")
	}

	// the child references the same memory object, writable
	cm, ok := child.Lookup(addr)
	if !ok || cm.mem != mo {
		t.Fatalf("child has its own memory object")
	}
	pa, perms, ok := cps.Lookup4k(addr)
	if !ok || pa != mo.Getpage(0) || perms&PTACCESS_WRITE == 0 {
		t.Fatalf("shared page not mapped writable in the child")
	}
	// demand pages keep working on the shared object from the child
	if !child.Fault(addr+0x1000, FAULT_WRITE) {
		t.Fatalf("child demand fault not resolved")
	}
	if mo.Getpage(1) == mem.BADPA {
		t.Fatalf("child fault did not bind into the shared object")
	}
}

func TestForkHoles(t *testing.T) {
	as, phys := mkvm(t, 256)
	mo := mkanon(phys, 1)
	addr, err := as.Map(mo, 0x200000, 0x1000, MAP_FIXED|MAP_READ_WRITE)
	if err != 0 {
		t.Fatalf("map: %v", err)
	}
	child := as.Fork()
	if !child.Ckinvariant() {
		t.Fatalf("invariant violated by fork")
	}
	m, ok := child.Lookup(USERMIN)
	if !ok || m.Kind() != MHOLE {
		t.Fatalf("low hole not cloned")
	}
	m, ok = child.Lookup(addr)
	if !ok || m.Kind() != MMEM {
		t.Fatalf("mapping not cloned")
	}
}

func TestMapanon(t *testing.T) {
	as, _ := mkvm(t, 128)
	// an unaligned length rounds up to two pages
	addr, mo, err := as.Mapanon(0x1800, MAP_PREFER_BOTTOM|MAP_READ_WRITE)
	if err != 0 {
		t.Fatalf("mapanon: %v", err)
	}
	if mo.Npages() != 2 {
		t.Fatalf("%v pages", mo.Npages())
	}
	if !as.Fault(addr+0x1000, FAULT_WRITE) {
		t.Fatalf("fault not resolved")
	}
	if err := as.Unmap(addr, 0x2000); err != 0 {
		t.Fatalf("unmap: %v", err)
	}
	mo.Unref()
	if !as.Ckinvariant() {
		t.Fatalf("invariant violated")
	}
}

func TestActivateIdempotent(t *testing.T) {
	as, _ := mkvm(t, 64)
	as.Activate()
	first := Curspace()
	if first != as.ps.(*Ptspace_t) {
		t.Fatalf("activate did not install the space")
	}
	as.Activate()
	if Curspace() != first {
		t.Fatalf("second activate changed the current space")
	}
}

// a full lifecycle returns every frame: demand pages, copy-on-write
// copies and page-table levels.
func TestTeardownFreesFrames(t *testing.T) {
	phys := mem.Mkphysmem(256)
	total := phys.Freepgs()

	as := Mkaspace(phys, Mkptspace(phys))
	mo := mkanon(phys, 2)
	addr, err := as.Map(mo, 0, 0x2000, MAP_PREFER_BOTTOM|MAP_READ_WRITE)
	if err != 0 {
		t.Fatalf("map: %v", err)
	}
	if !as.Fault(addr, FAULT_WRITE) || !as.Fault(addr+0x1000, FAULT_WRITE) {
		t.Fatalf("faults not resolved")
	}

	child := as.Fork()
	if !child.Fault(addr, FAULT_WRITE) {
		t.Fatalf("child fault not resolved")
	}

	if err := as.Unmap(addr, 0x2000); err != 0 {
		t.Fatalf("unmap: %v", err)
	}
	mo.Unref()
	as.Free()
	child.Free()

	if phys.Freepgs() != total {
		t.Fatalf("leaked frames: %v != %v", phys.Freepgs(), total)
	}
	phys.Release()
}

const NPROC = 4

// concurrent mappers, faulters and unmappers on one space
func TestConcurrentMapUnmap(t *testing.T) {
	as, phys := mkvm(t, 1<<12)

	var wg sync.WaitGroup
	for p := 0; p < NPROC; p++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(int64(id)))
			for i := 0; i < 200; i++ {
				npg := 1 + rnd.Intn(4)
				length := uintptr(npg) * pgsize
				mo := mkanon(phys, npg)
				flags := MAP_READ_WRITE | MAP_PREFER_BOTTOM
				if id%2 == 1 {
					flags = MAP_READ_WRITE | MAP_PREFER_TOP
				}
				addr, err := as.Map(mo, 0, length, flags)
				if err != 0 {
					t.Errorf("map: %v", err)
					return
				}
				va := addr + uintptr(rnd.Intn(npg))*pgsize
				if !as.Fault(va, FAULT_WRITE) {
					t.Errorf("fault not resolved")
					return
				}
				if err := as.Unmap(addr, length); err != 0 {
					t.Errorf("unmap: %v", err)
					return
				}
				mo.Unref()
			}
		}(p)
	}
	wg.Wait()

	if !as.Ckinvariant() {
		t.Fatalf("invariant violated")
	}
	m, ok := as.Lookup(USERMIN)
	if !ok || m.Kind() != MHOLE || m.Len() != USERMAX-USERMIN {
		t.Fatalf("space did not return to one hole")
	}
}
