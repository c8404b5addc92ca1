// Package kernel loads an ELF bzImage kernel into guest memory above
// bootparam.HimemStart and reports its entry point (spec.md §4.3).
//
// Grounded on the teacher's machine.LoadLinux ELF branch (machine/machine.go),
// which already uses debug/elf from the standard library; this package pulls
// that branch out into its own component since spec.md treats kernel loading
// as independently testable from the rest of boot-artifact construction.
package kernel

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"

	"github.com/vireo-vmm/vireo/bootparam"
	"github.com/vireo-vmm/vireo/memory"
)

// ErrNotELF is returned when the kernel image cannot be parsed as an ELF file.
var ErrNotELF = errors.New("kernel: not a valid ELF file")

// ErrBelowHimem is returned when a PT_LOAD segment's physical address falls
// below bootparam.HimemStart, violating the Linux boot protocol's
// requirement that the protected-mode kernel load above 1 MiB.
var ErrBelowHimem = errors.New("kernel: segment loads below 1MiB himem boundary")

// Image reports where a loaded kernel's execution should begin.
type Image struct {
	// Entry is the guest physical address to place in RIP.
	Entry uint64
}

// Load parses kernel as an ELF file and copies every PT_LOAD segment into
// mem at its physical address, failing with ErrNotELF on a malformed file,
// ErrBelowHimem if any segment loads below bootparam.HimemStart, or a
// wrapped I/O error if a segment can't be read.
func Load(mem *memory.GuestMemory, kernel io.ReaderAt) (*Image, error) {
	f, err := elf.NewFile(kernel)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrNotELF)
	}
	defer f.Close()

	loadedAny := false

	for i, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}

		if p.Filesz == 0 {
			continue
		}

		if p.Paddr < bootparam.HimemStart {
			return nil, fmt.Errorf("segment %d at %#x: %w", i, p.Paddr, ErrBelowHimem)
		}

		n, err := mem.ReadFromFile(p.Paddr, p.ReaderAt, int(p.Filesz))
		if err != nil {
			return nil, fmt.Errorf("loading ELF segment %d at %#x: %w", i, p.Paddr, err)
		}

		if uint64(n) != p.Filesz {
			return nil, fmt.Errorf("segment %d at %#x: short read %d/%d bytes", i, p.Paddr, n, p.Filesz)
		}

		loadedAny = true
	}

	if !loadedAny || f.Entry < bootparam.HimemStart {
		return nil, fmt.Errorf("entry %#x: %w", f.Entry, ErrBelowHimem)
	}

	return &Image{Entry: f.Entry}, nil
}
