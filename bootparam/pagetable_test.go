package bootparam_test

import (
	"testing"

	"github.com/vireo-vmm/vireo/bootparam"
	"github.com/vireo-vmm/vireo/memory"
)

func TestWritePageTablesIdentityMaps1GiB(t *testing.T) {
	t.Parallel()

	mem, err := memory.New(1 << 16)
	if err != nil {
		t.Fatal(err)
	}
	defer mem.Close()

	if err := bootparam.WritePageTables(mem); err != nil {
		t.Fatal(err)
	}

	pml4e, err := memory.ReadObj[uint64](mem, bootparam.PML4Addr)
	if err != nil {
		t.Fatal(err)
	}

	if pml4e != uint64(bootparam.PDPTEAddr|0x03) {
		t.Fatalf("PML4 entry: got %#x, want %#x", pml4e, bootparam.PDPTEAddr|0x03)
	}

	pdpte, err := memory.ReadObj[uint64](mem, bootparam.PDPTEAddr)
	if err != nil {
		t.Fatal(err)
	}

	if pdpte != uint64(bootparam.PDEAddr|0x03) {
		t.Fatalf("PDPTE entry: got %#x, want %#x", pdpte, bootparam.PDEAddr|0x03)
	}

	for _, i := range []uint64{0, 1, 511} {
		pde, err := memory.ReadObj[uint64](mem, bootparam.PDEAddr+i*8)
		if err != nil {
			t.Fatal(err)
		}

		if want := (i << 21) | 0x83; pde != want {
			t.Fatalf("PDE[%d]: got %#x, want %#x", i, pde, want)
		}
	}
}
