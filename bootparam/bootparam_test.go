package bootparam_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/vireo-vmm/vireo/bootparam"
)

func TestNewSetsProtocolMagics(t *testing.T) {
	t.Parallel()

	z := bootparam.New()

	raw, err := z.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	if raw[0x1fe] != 0x55 || raw[0x1ff] != 0xaa {
		t.Fatalf("boot_flag: got %02x%02x, want 55aa", raw[0x1fe], raw[0x1ff])
	}

	if binary.LittleEndian.Uint32(raw[0x202:]) != bootparam.HeaderMagic {
		t.Fatalf("header magic: got %#x, want %#x", binary.LittleEndian.Uint32(raw[0x202:]), bootparam.HeaderMagic)
	}

	if raw[0x210] != bootparam.TypeOfLoaderOther {
		t.Fatalf("type_of_loader: got %#x, want %#x", raw[0x210], bootparam.TypeOfLoaderOther)
	}
}

func TestAddE820Entry(t *testing.T) {
	t.Parallel()

	z := bootparam.New()
	if err := z.AddE820Entry(0x1234567812345678, 0xabcdefabcdefabcd, bootparam.E820Ram); err != nil {
		t.Fatal(err)
	}

	raw, err := z.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	if raw[0x1E8] != 1 {
		t.Fatalf("invalid e820_entries: %d", raw[0x1E8])
	}

	var actual bootparam.E820Entry

	reader := bytes.NewReader(raw[0x2D0:])
	if err := binary.Read(reader, binary.LittleEndian, &actual); err != nil {
		t.Fatal(err)
	}

	if actual.Addr != 0x1234567812345678 {
		t.Fatalf("invalid e820 addr: %#x", actual.Addr)
	}

	if actual.Size != 0xabcdefabcdefabcd {
		t.Fatalf("invalid e820 size: %#x", actual.Size)
	}

	if actual.Type != bootparam.E820Ram {
		t.Fatalf("invalid e820 type: %v", actual.Type)
	}
}

func TestAddE820EntryFullTable(t *testing.T) {
	t.Parallel()

	z := bootparam.New()
	for i := 0; i < bootparam.E820MaxEntries; i++ {
		if err := z.AddE820Entry(uint64(i), 1, bootparam.E820Ram); err != nil {
			t.Fatalf("entry %d: %v", i, err)
		}
	}

	if err := z.AddE820Entry(0, 1, bootparam.E820Ram); !errors.Is(err, bootparam.ErrE820Full) {
		t.Fatalf("129th entry: got %v, want ErrE820Full", err)
	}
}

func TestStandardE820MapRejectsTinyMemory(t *testing.T) {
	t.Parallel()

	z := bootparam.New()
	if err := z.StandardE820Map(bootparam.HimemStart); !errors.Is(err, bootparam.ErrHimemPastEnd) {
		t.Fatalf("1MiB guest: got %v, want ErrHimemPastEnd", err)
	}
}

func TestStandardE820MapCoversHighMemory(t *testing.T) {
	t.Parallel()

	z := bootparam.New()
	if err := z.StandardE820Map(256 << 20); err != nil {
		t.Fatal(err)
	}

	if z.E820Entries != 2 {
		t.Fatalf("e820 entries: got %d, want 2", z.E820Entries)
	}

	if got, want := z.E820Table[1].Addr, uint64(bootparam.HimemStart); got != want {
		t.Fatalf("high region addr: got %#x, want %#x", got, want)
	}

	if got, want := z.E820Table[1].Size, uint64(256<<20)-bootparam.HimemStart; got != want {
		t.Fatalf("high region size: got %#x, want %#x", got, want)
	}
}

func TestSetCmdlineRejectsOverlong(t *testing.T) {
	t.Parallel()

	z := bootparam.New()

	long := bytes.Repeat([]byte{'x'}, bootparam.MaxCmdlineLen+1)
	if err := z.SetCmdline(bootparam.CmdlineAddr, len(long)); !errors.Is(err, bootparam.ErrCmdlineTooLong) {
		t.Fatalf("overlong cmdline: got %v, want ErrCmdlineTooLong", err)
	}
}

func TestSetCmdlineRecordsLengthPlusTerminator(t *testing.T) {
	t.Parallel()

	z := bootparam.New()

	const cmdline = "console=ttyS0"
	if err := z.SetCmdline(bootparam.CmdlineAddr, len(cmdline)); err != nil {
		t.Fatal(err)
	}

	if z.Hdr.CmdlineSize != uint32(len(cmdline)+1) {
		t.Fatalf("cmdline_size: got %d, want %d", z.Hdr.CmdlineSize, len(cmdline)+1)
	}
}
