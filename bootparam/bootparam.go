// Package bootparam builds the in-guest data structures a Linux kernel
// expects to find before its first instruction runs: the GDT/IDT, the
// identity-mapped long-mode page tables, the boot_params zero page with its
// e820 table, and the command-line blob.
//
// Addresses are fixed by the Linux boot protocol and by this VMM's chosen
// memory layout; see the package constants.
package bootparam

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Guest physical addresses of the structures this package builds.
const (
	ZeroPageAddr = 0x7000
	CmdlineAddr  = 0x20000
	GDTAddr      = 0x500
	IDTAddr      = 0x520
	PML4Addr     = 0x9000
	PDPTEAddr    = 0xA000
	PDEAddr      = 0xB000

	// HimemStart is the first guest physical address the kernel proper
	// (and any ELF program segment) may occupy.
	HimemStart = 0x100000

	// BootStackPointer is the initial rsp/rbp handed to the kernel.
	BootStackPointer = 0x8ff0

	// EBDAStart is the legacy Extended BIOS Data Area address; the MP
	// table is installed here, just past the end of the low e820 RAM
	// region and below 1 MiB.
	EBDAStart = 0x0009fc00

	// MaxCmdlineLen is the largest cmdline this VMM will write, so that
	// the cmdline plus its null terminator fits in 4096 bytes.
	MaxCmdlineLen = 4095
)

// Linux boot protocol constants, written verbatim into the zero page header.
const (
	BootFlagMagic    = 0xAA55
	HeaderMagic      = 0x53726448
	TypeOfLoaderOther = 0xFF
	KernelAlignment  = 0x01000000
)

// Boot protocol loadflags bits (Documentation/x86/boot.rst).
const (
	LoadedHigh   = 1 << 0
	KeepSegments = 1 << 6
	CanUseHeap   = 1 << 7
)

// e820 entry types.
const (
	E820Ram      = 1
	E820Reserved = 2
)

// E820MaxEntries bounds the fixed-size e820 table embedded in the zero page.
const E820MaxEntries = 128

// DefaultCmdline is used when the caller supplies no command line.
const DefaultCmdline = "console=ttyS0 i8042.nokbd reboot=k panic=1 pci=off"

var (
	// ErrE820Full is returned when AddE820Entry is called on a table
	// already at E820MaxEntries.
	ErrE820Full = errors.New("e820 table is full")

	// ErrHimemPastEnd is returned when the guest is too small to have
	// any memory above HimemStart.
	ErrHimemPastEnd = errors.New("guest memory does not extend past 1 MiB")

	// ErrCmdlineTooLong is returned when a command line exceeds MaxCmdlineLen.
	ErrCmdlineTooLong = errors.New("kernel command line too long")

	// ErrInitramfsTooLarge is returned when an initramfs does not fit
	// below the end of guest memory.
	ErrInitramfsTooLarge = errors.New("initramfs does not fit in guest memory")
)

// E820Entry is one entry of the BIOS-style e820 memory map.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// Header is the Linux setup_header, beginning at offset 0x1f1 of the zero
// page. Field order and widths are load-bearing: Bytes relies on them
// matching Documentation/x86/zero-page.rst exactly.
type Header struct {
	SetupSects          uint8
	RootFlags           uint16
	SysSize             uint32
	RAMSize             uint16
	VidMode             uint16
	RootDev             uint16
	BootFlag            uint16
	Jump                uint16
	HeaderMagic         uint32
	Version             uint16
	RealModeSwitch      uint32
	StartSysSeg         uint16
	KernelVersion       uint16
	TypeOfLoader        uint8
	LoadFlags           uint8
	SetupMoveSize       uint16
	Code32Start         uint32
	RamdiskImage        uint32
	RamdiskSize         uint32
	BootsectKludge      uint32
	HeapEndPtr          uint16
	ExtLoaderVer        uint8
	ExtLoaderType       uint8
	CmdlinePtr          uint32
	InitrdAddrMax       uint32
	KernelAlign         uint32
	RelocatableKernel   uint8
	MinAlignment        uint8
	XloadFlags          uint16
	CmdlineSize         uint32
	HardwareSubarch     uint32
	HardwareSubarchData uint64
	PayloadOffset       uint32
	PayloadLength       uint32
	SetupData           uint64
	PrefAddress         uint64
	InitSize            uint32
	HandoverOffset      uint32
	KernelInfoOffset    uint32
}

// ZeroPage is the boot_params structure read by the kernel at startup. Only
// the fields this VMM populates (e820_entries, hdr, e820_table) are named;
// everything else is reserved padding matching the real struct's offsets.
type ZeroPage struct {
	_           [0x1e8]byte // screen_info .. ext_cmd_line_ptr: unused, headless boot
	E820Entries uint8
	_           [8]byte // eddbuf/kbd_status/secure_boot/pad2/sentinel .. up to 0x1f1
	Hdr         Header
	_           [0x2d0 - 0x1f1 - 123]byte // pad9, sized to land e820_table at 0x2d0
	E820Table   [E820MaxEntries]E820Entry
}

// New returns a zero-initialized ZeroPage with the boot protocol magics and
// loader identity already set, as every loader in this VMM requires them.
func New() *ZeroPage {
	z := &ZeroPage{}
	z.Hdr.BootFlag = BootFlagMagic
	z.Hdr.HeaderMagic = HeaderMagic
	z.Hdr.TypeOfLoader = TypeOfLoaderOther
	z.Hdr.KernelAlign = KernelAlignment
	z.Hdr.LoadFlags = CanUseHeap | LoadedHigh | KeepSegments
	z.Hdr.HeapEndPtr = 0xFE00
	z.Hdr.VidMode = 0xFFFF

	return z
}

// Bytes serializes the zero page to its exact in-memory byte layout.
func (z *ZeroPage) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, z); err != nil {
		return nil, fmt.Errorf("encoding zero page: %w", err)
	}

	return buf.Bytes(), nil
}

// AddE820Entry appends one entry to the e820 table.
func (z *ZeroPage) AddE820Entry(addr, size uint64, typ uint32) error {
	if int(z.E820Entries) >= E820MaxEntries {
		return ErrE820Full
	}

	z.E820Table[z.E820Entries] = E820Entry{Addr: addr, Size: size, Type: typ}
	z.E820Entries++

	return nil
}

// SetCmdline records where the command line lives and how large it is,
// including the null terminator, per the boot protocol's cmdline_size field.
func (z *ZeroPage) SetCmdline(addr uint32, length int) error {
	if length > MaxCmdlineLen {
		return fmt.Errorf("cmdline length %d: %w", length, ErrCmdlineTooLong)
	}

	z.Hdr.CmdlinePtr = addr
	z.Hdr.CmdlineSize = uint32(length + 1)

	return nil
}

// SetRamdisk records the initramfs load address and size.
func (z *ZeroPage) SetRamdisk(addr, size uint32) {
	z.Hdr.RamdiskImage = addr
	z.Hdr.RamdiskSize = size
}

// StandardE820Map adds the conventional low-memory RAM region (below the
// legacy EBDA at 0x9FC00) and the high-memory RAM region [HimemStart, end)
// required by every guest this VMM boots.
func (z *ZeroPage) StandardE820Map(memSize uint64) error {
	const ebdaStart = 0x0009fc00

	if memSize <= HimemStart {
		return ErrHimemPastEnd
	}

	if err := z.AddE820Entry(0, ebdaStart, E820Ram); err != nil {
		return err
	}

	return z.AddE820Entry(HimemStart, memSize-HimemStart, E820Ram)
}
