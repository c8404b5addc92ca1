package kvm

import "unsafe"

// Regs are the general-purpose registers for a vCPU (struct kvm_regs).
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

// GetRegs gets the general purpose registers for a vcpu.
func GetRegs(vcpuFd uintptr) (*Regs, error) {
	regs := &Regs{}
	_, err := Ioctl(vcpuFd, IIOR(kvmGetRegs, unsafe.Sizeof(Regs{})), uintptr(unsafe.Pointer(regs)))

	return regs, err
}

// SetRegs sets the general purpose registers for a vcpu.
func SetRegs(vcpuFd uintptr, regs *Regs) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetRegs, unsafe.Sizeof(Regs{})), uintptr(unsafe.Pointer(regs)))

	return err
}

// Sregs are the special (control/segment) registers for a vcpu.
type Sregs struct {
	CS              Segment
	DS              Segment
	ES              Segment
	FS              Segment
	GS              Segment
	SS              Segment
	TR              Segment
	LDT             Segment
	GDT             Descriptor
	IDT             Descriptor
	CR0             uint64
	CR2             uint64
	CR3             uint64
	CR4             uint64
	CR8             uint64
	EFER            uint64
	ApicBase        uint64
	InterruptBitmap [(numInterrupts + 63) / 64]uint64
}

// GetSregs gets the special registers for a vcpu.
func GetSregs(vcpuFd uintptr) (*Sregs, error) {
	sregs := &Sregs{}
	_, err := Ioctl(vcpuFd, IIOR(kvmGetSregs, unsafe.Sizeof(Sregs{})), uintptr(unsafe.Pointer(sregs)))

	return sregs, err
}

// SetSregs sets the special registers for a vcpu.
func SetSregs(vcpuFd uintptr, sregs *Sregs) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetSregs, unsafe.Sizeof(Sregs{})), uintptr(unsafe.Pointer(sregs)))

	return err
}

// Segment is an x86 segment descriptor as KVM represents it.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor defines a GDT/IDT pointer: base and limit.
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// FPU mirrors struct kvm_fpu: the x87/SSE floating point state.
type FPU struct {
	FPR        [8][16]uint8
	FCW        uint16
	FSW        uint16
	FTWX       uint8
	_          uint8
	LastOpcode uint16
	LastIP     uint64
	LastDP     uint64
	XMM        [16][16]uint8
	MXCSR      uint32
	_          uint32
}

// GetFPU gets the floating point state for a vcpu.
func GetFPU(vcpuFd uintptr) (*FPU, error) {
	fpu := &FPU{}
	_, err := Ioctl(vcpuFd, IIOR(kvmGetFPU, unsafe.Sizeof(FPU{})), uintptr(unsafe.Pointer(fpu)))

	return fpu, err
}

// SetFPU sets the floating point state for a vcpu.
func SetFPU(vcpuFd uintptr, fpu *FPU) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetFPU, unsafe.Sizeof(FPU{})), uintptr(unsafe.Pointer(fpu)))

	return err
}

// LAPICStateSize is the size in bytes of the local APIC register page KVM
// exposes via KVM_GET/SET_LAPIC (64 16-byte-aligned slots, one 4-byte
// register each).
const LAPICStateSize = 0x400

// LAPICState is the raw local APIC register page (struct kvm_lapic_state).
type LAPICState struct {
	Regs [LAPICStateSize]byte
}

// LVT0/LVT1 byte offsets within the APIC register page, per the Intel SDM
// APIC register map.
const (
	lvt0Offset = 0x350
	lvt1Offset = 0x360

	// Delivery mode occupies bits [10:8] of an LVT entry.
	deliveryModeExtINT = 0x7 << 8
	deliveryModeNMI    = 0x4 << 8
)

// GetLAPIC reads a vCPU's local APIC state.
func GetLAPIC(vcpuFd uintptr) (*LAPICState, error) {
	s := &LAPICState{}
	_, err := Ioctl(vcpuFd, IIOR(kvmGetLAPIC, unsafe.Sizeof(LAPICState{})), uintptr(unsafe.Pointer(s)))

	return s, err
}

// SetLAPIC writes a vCPU's local APIC state.
func SetLAPIC(vcpuFd uintptr, s *LAPICState) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetLAPIC, unsafe.Sizeof(LAPICState{})), uintptr(unsafe.Pointer(s)))

	return err
}

func lvtEntry(s *LAPICState, offset int) uint32 {
	return uint32(s.Regs[offset]) | uint32(s.Regs[offset+1])<<8 |
		uint32(s.Regs[offset+2])<<16 | uint32(s.Regs[offset+3])<<24
}

func setLVTEntry(s *LAPICState, offset int, v uint32) {
	s.Regs[offset] = byte(v)
	s.Regs[offset+1] = byte(v >> 8)
	s.Regs[offset+2] = byte(v >> 16)
	s.Regs[offset+3] = byte(v >> 24)
}

// SetLVT0ExtINT sets LVT0's delivery mode to ExtINT, preserving the rest of
// the entry (spec.md §4.4 step 8).
func SetLVT0ExtINT(s *LAPICState) {
	v := lvtEntry(s, lvt0Offset)
	v = (v &^ (0x7 << 8)) | deliveryModeExtINT
	setLVTEntry(s, lvt0Offset, v)
}

// SetLVT1NMI sets LVT1's delivery mode to NMI, preserving the rest of the
// entry (spec.md §4.4 step 8).
func SetLVT1NMI(s *LAPICState) {
	v := lvtEntry(s, lvt1Offset)
	v = (v &^ (0x7 << 8)) | deliveryModeNMI
	setLVTEntry(s, lvt1Offset, v)
}
