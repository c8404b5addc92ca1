package bootparam

import "github.com/vireo-vmm/vireo/memory"

// Artifacts reports where the builder placed variable-length payloads, for
// callers that need the values afterward (logging, tests).
type Artifacts struct {
	CmdlineLen    int
	InitramfsAddr uint64
	InitramfsLen  int
}

// Build writes the GDT, IDT, long-mode page tables, command line, optional
// initramfs, and boot_params zero page into guest memory, in that order.
// It is the sole entry point for the "Boot Artifacts Builder" component and
// must run to completion before any vCPU is created.
func Build(
	mem *memory.GuestMemory,
	memSize uint64,
	cmdline string,
	initramfs []byte,
	virtioMMIOBase uint64,
	virtioIRQ uint32,
	netConfigured bool,
) (*Artifacts, error) {
	if err := WriteGDT(mem); err != nil {
		return nil, err
	}

	if err := WritePageTables(mem); err != nil {
		return nil, err
	}

	full := BuildCmdline(cmdline, virtioMMIOBase, virtioIRQ, netConfigured)

	cmdlineLen, err := WriteCmdline(mem, full)
	if err != nil {
		return nil, err
	}

	art := &Artifacts{CmdlineLen: cmdlineLen}

	z := New()
	if err := z.SetCmdline(CmdlineAddr, cmdlineLen-1); err != nil {
		return nil, err
	}

	if err := z.StandardE820Map(memSize); err != nil {
		return nil, err
	}

	if len(initramfs) > 0 {
		addr, err := PlaceInitramfs(memSize, len(initramfs))
		if err != nil {
			return nil, err
		}

		if err := mem.WriteSlice(addr, initramfs); err != nil {
			return nil, err
		}

		z.SetRamdisk(uint32(addr), uint32(len(initramfs)))
		art.InitramfsAddr = addr
		art.InitramfsLen = len(initramfs)
	}

	raw, err := z.Bytes()
	if err != nil {
		return nil, err
	}

	if err := mem.WriteSlice(ZeroPageAddr, raw); err != nil {
		return nil, err
	}

	return art, nil
}
