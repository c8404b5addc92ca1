package bootparam_test

import (
	"testing"

	"github.com/vireo-vmm/vireo/bootparam"
	"github.com/vireo-vmm/vireo/memory"
)

func TestGDTEntryRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		access, flags uint8
		base, limit   uint32
	}{
		{0x9B, 0xA, 0, 0xFFFFF},
		{0x93, 0xC, 0, 0xFFFFF},
		{0x8B, 0x0, 0, 0xFFFFF},
		{0xFF, 0xF, 0xDEADBE, 0xFFFFF},
	}

	for _, c := range cases {
		e := bootparam.NewGDTEntry(c.access, c.flags, c.base, c.limit)

		access, flags, base, limit := e.Decode()
		if access != c.access || flags != c.flags || base != c.base || limit != c.limit {
			t.Fatalf("round trip %+v: got access=%#x flags=%#x base=%#x limit=%#x",
				c, access, flags, base, limit)
		}
	}
}

func TestGDTLimitForFourEntries(t *testing.T) {
	t.Parallel()

	if got, want := bootparam.GDTLimit(), uint16(4*8-1); got != want {
		t.Fatalf("GDT limit: got %d, want %d", got, want)
	}
}

func TestWriteGDTPlacesEntriesAtGDTAddr(t *testing.T) {
	t.Parallel()

	mem, err := memory.New(1 << 16)
	if err != nil {
		t.Fatal(err)
	}
	defer mem.Close()

	if err := bootparam.WriteGDT(mem); err != nil {
		t.Fatal(err)
	}

	entries := bootparam.GDTEntries()
	for i, want := range entries {
		got, err := memory.ReadObj[uint64](mem, bootparam.GDTAddr+uint64(i)*8)
		if err != nil {
			t.Fatal(err)
		}

		if got != uint64(want) {
			t.Fatalf("GDT entry %d: got %#x, want %#x", i, got, uint64(want))
		}
	}

	idt, err := memory.ReadObj[uint64](mem, bootparam.IDTAddr)
	if err != nil {
		t.Fatal(err)
	}

	if idt != 0 {
		t.Fatalf("IDT entry: got %#x, want 0", idt)
	}
}
