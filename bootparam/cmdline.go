package bootparam

import (
	"fmt"

	"github.com/vireo-vmm/vireo/memory"
)

// pageSize is the guest page size used to floor initramfs placement.
const pageSize = 4096

// BuildCmdline returns the kernel command line, appending a virtio-mmio
// device clause when net is configured.
func BuildCmdline(base string, virtioMMIOBase uint64, virtioIRQ uint32, netConfigured bool) string {
	if !netConfigured {
		return base
	}

	return fmt.Sprintf("%s virtio_mmio.device=4K@0x%x:%d", base, virtioMMIOBase, virtioIRQ)
}

// WriteCmdline null-terminates cmdline and writes it at CmdlineAddr,
// returning its length including the terminator.
func WriteCmdline(mem *memory.GuestMemory, cmdline string) (int, error) {
	if len(cmdline) > MaxCmdlineLen {
		return 0, fmt.Errorf("cmdline length %d: %w", len(cmdline), ErrCmdlineTooLong)
	}

	buf := make([]byte, len(cmdline)+1)
	copy(buf, cmdline)
	buf[len(cmdline)] = 0

	if err := mem.WriteSlice(CmdlineAddr, buf); err != nil {
		return 0, err
	}

	return len(buf), nil
}

// PlaceInitramfs returns the highest page-aligned guest address at or below
// memSize-initramfsLen. It fails with ErrInitramfsTooLarge if the initramfs
// does not fit strictly below the end of guest memory.
func PlaceInitramfs(memSize uint64, initramfsLen int) (uint64, error) {
	if uint64(initramfsLen) >= memSize {
		return 0, ErrInitramfsTooLarge
	}

	return (memSize - uint64(initramfsLen)) &^ (pageSize - 1), nil
}
