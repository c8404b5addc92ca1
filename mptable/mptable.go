// Package mptable builds the Intel MP Specification tables placed in the
// legacy Extended BIOS Data Area so a Linux guest kernel can discover its
// (virtual) local APICs and I/O APIC without ACPI. Grounded on the
// teacher's ebda package, generalized here from a fixed two-CPU table to an
// arbitrary vCPU count (spec.md §4.3).
package mptable

import (
	"bytes"
	"encoding/binary"
	"errors"
	"unsafe"

	"github.com/vireo-vmm/vireo/bootparam"
)

// MaxCPUs bounds the number of MPCCpu entries this table can describe; the
// MP spec itself allows up to 255 but this VMM caps vCPU count the same way
// config.LaunchSpec does.
const MaxCPUs = 255

// ErrTooManyCPUs is returned by New when numCPUs exceeds MaxCPUs.
var ErrTooManyCPUs = errors.New("mptable: too many cpus")

const (
	ioAPICDefaultPhysBase = 0xfec00000
	apicDefaultPhysBase   = 0xfee00000
	apicBaseAddrStep      = 0x00400000
	ioAPICBaseAddrStep    = 0x00100000

	// kvmAPICVersion is the APIC version KVM's in-kernel local APIC
	// emulation reports.
	kvmAPICVersion = 0x14

	pciBusID = 0
	isaBusID = 1
)

func apicAddr(apic uint32) uint32 {
	return apicDefaultPhysBase + apic*apicBaseAddrStep
}

func ioAPICAddr(ioapic uint32) uint32 {
	return ioAPICDefaultPhysBase + ioapic*ioAPICBaseAddrStep
}

// mpfIntel is the Intel MP Floating Pointer Structure, ported from
// arch/x86/include/asm/mpspec_def.h in the Linux kernel.
type mpfIntel struct {
	Signature     uint32
	PhysPtr       uint32
	Length        uint8
	Specification uint8
	CheckSum      uint8
	Feature1      uint8
	Feature2      uint8
	Feature3      uint8
	Feature4      uint8
	Feature5      uint8
}

func newMPFIntel() (mpfIntel, error) {
	m := mpfIntel{
		Signature:     '_'<<24 | 'P'<<16 | 'M'<<8 | '_',
		Length:        1,
		Specification: 4,
		PhysPtr:       bootparam.EBDAStart + 0x40,
	}

	sum, err := checksum(m)
	if err != nil {
		return m, err
	}

	m.CheckSum = negate(sum)

	return m, nil
}

// mpcTableHeader is the fixed-size MP Configuration Table Header; the
// variable-length CPU/bus/IRQ-source/IOAPIC entries follow immediately
// after it in the byte stream produced by Bytes.
type mpcTableHeader struct {
	Signature uint32
	Length    uint16
	Spec      uint8
	CheckSum  uint8
	OEM       [8]uint8
	ProductID [12]uint8
	OEMPtr    uint32
	OEMSize   uint16
	OEMCount  uint16
	LAPIC     uint32
	Reserved  uint32
}

type mpcCPU struct {
	Type        uint8
	APICID      uint8
	APICVer     uint8
	CPUFlag     uint8
	CPUFeature  uint32
	FeatureFlag uint32
	Reserved    [2]uint32
}

func newMPCCPU(i int) mpcCPU {
	m := mpcCPU{
		APICID:  uint8(i),
		APICVer: kvmAPICVersion,
		CPUFlag: 1, // enabled processor
		// Matches kvmtool: a fixed stepping/feature pair, since no real
		// CPUID probe runs before this table is built.
		CPUFeature:  0x600,
		FeatureFlag: 0x201, // CPU_FEATURE_APIC | CPU_FEATURE_FPU
	}

	if i == 0 {
		m.CPUFlag |= 2 // boot processor
	}

	return m
}

type mpcBus struct {
	Type    uint8
	BusID   uint8
	BusType [6]uint8
}

func newMPCBus(isPCIBus bool) mpcBus {
	m := mpcBus{Type: 1}

	if isPCIBus {
		m.BusID = pciBusID
		copy(m.BusType[:], "PCI   ")
	} else {
		m.BusID = isaBusID
		copy(m.BusType[:], "ISA   ")
	}

	return m
}

type mpcIntSrc struct {
	Type      uint8
	IrqType   uint8
	IrqFlag   uint16
	SrcBus    uint8
	SrcBusIrq uint8
	DstAPIC   uint8
	DstIrq    uint8
}

const (
	mpINT           = 0
	mpNMI           = 1
	mpIrqDirDefault = 0
)

func newMPCIntSrc(isLINT0 bool, ioAPICID uint8) mpcIntSrc {
	m := mpcIntSrc{
		Type:    4, // MP_LINTSRC
		IrqFlag: mpIrqDirDefault,
		SrcBus:  isaBusID,
		DstAPIC: ioAPICID,
	}

	if isLINT0 {
		m.IrqType = mpINT
		m.DstIrq = 0
	} else {
		m.IrqType = mpNMI
		m.DstIrq = 1
	}

	return m
}

type mpcIOAPIC struct {
	Type     uint8
	APICID   uint8
	APICVer  uint8
	Flags    uint8
	APICAddr uint32
}

func newMPCIOAPIC(apicID uint8) mpcIOAPIC {
	return mpcIOAPIC{
		Type:     2,
		APICID:   apicID,
		APICVer:  kvmAPICVersion,
		Flags:    0x01, // MPC_APIC_USABLE
		APICAddr: ioAPICAddr(0),
	}
}

// Table is the serialized MP floating pointer structure plus configuration
// table for a guest with numCPUs vCPUs and one I/O APIC, ready to be copied
// into guest memory at bootparam.EBDAStart.
type Table struct {
	NumCPUs int
	raw     []byte
}

// New builds the MP tables for a guest with numCPUs vCPUs, numCPUs in
// [1, MaxCPUs].
func New(numCPUs int) (*Table, error) {
	if numCPUs < 1 || numCPUs > MaxCPUs {
		return nil, ErrTooManyCPUs
	}

	mpf, err := newMPFIntel()
	if err != nil {
		return nil, err
	}

	cpuEntries := make([]mpcCPU, numCPUs)
	for i := range cpuEntries {
		cpuEntries[i] = newMPCCPU(i)
	}

	ioAPICID := uint8(numCPUs + 1)

	busEntries := []mpcBus{newMPCBus(true), newMPCBus(false)}
	intSrcEntries := []mpcIntSrc{newMPCIntSrc(true, ioAPICID), newMPCIntSrc(false, ioAPICID)}
	ioAPICEntry := newMPCIOAPIC(ioAPICID)

	hdr := mpcTableHeader{
		Signature: 'P'<<24 | 'M'<<16 | 'C'<<8 | 'P',
		Spec:      4,
		LAPIC:     apicAddr(0),
		OEMCount:  uint16(len(cpuEntries) + len(busEntries) + len(intSrcEntries) + 1),
	}

	entriesLen := uintptr(len(cpuEntries))*unsafe.Sizeof(mpcCPU{}) +
		uintptr(len(busEntries))*unsafe.Sizeof(mpcBus{}) +
		uintptr(len(intSrcEntries))*unsafe.Sizeof(mpcIntSrc{}) +
		unsafe.Sizeof(mpcIOAPIC{})

	hdr.Length = uint16(unsafe.Sizeof(mpcTableHeader{}) + entriesLen)

	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, hdr); err != nil {
		return nil, err
	}

	for _, e := range cpuEntries {
		if err := binary.Write(buf, binary.LittleEndian, e); err != nil {
			return nil, err
		}
	}

	for _, e := range busEntries {
		if err := binary.Write(buf, binary.LittleEndian, e); err != nil {
			return nil, err
		}
	}

	for _, e := range intSrcEntries {
		if err := binary.Write(buf, binary.LittleEndian, e); err != nil {
			return nil, err
		}
	}

	if err := binary.Write(buf, binary.LittleEndian, ioAPICEntry); err != nil {
		return nil, err
	}

	raw := buf.Bytes()
	raw[7] = negate(sum8(raw)) // CheckSum is the 8th byte of mpcTableHeader (offset 7).

	padding := make([]byte, 16*3)

	mpfBytes := new(bytes.Buffer)
	if err := binary.Write(mpfBytes, binary.LittleEndian, mpf); err != nil {
		return nil, err
	}

	return &Table{NumCPUs: numCPUs, raw: append(append(padding, mpfBytes.Bytes()...), raw...)}, nil
}

// Bytes returns the serialized table, meant to be written verbatim at
// bootparam.EBDAStart.
func (t *Table) Bytes() []byte {
	return t.raw
}

func checksum(v interface{}) (uint8, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		return 0, err
	}

	return sum8(buf.Bytes()), nil
}

func sum8(b []byte) uint8 {
	var sum uint32
	for _, x := range b {
		sum += uint32(x)
	}

	return uint8(sum & 0xff)
}

func negate(b uint8) uint8 {
	return ^b + 1
}
