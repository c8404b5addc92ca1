package kvm

import (
	"unsafe"
)

// MaxCPUIDEntries bounds the fixed-size CPUID entry table KVM fills in.
const MaxCPUIDEntries = 100

// CPUID is the set of CPUID entries returned by GetSupportedCPUID / consumed
// by SetCPUID2.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [MaxCPUIDEntries]CPUIDEntry2
}

// CPUIDEntry2 is one leaf/subleaf CPUID entry.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// Leaves this VMM inspects or rewrites before handing CPUID entries to a
// vCPU (spec.md §4.4 step 2).
const (
	cpuidFuncPerfMon    = 0x0A
	cpuidFuncFeatures   = 0x01
	cpuidFuncTopologyB  = 0x0B
	cpuidFuncTopology1F = 0x1F
	cpuidSignature      = 0x40000000
	cpuidFeatures       = 0x40000001

	// hypervisorPresentBit is leaf 1 ECX[31]: "running under a hypervisor".
	hypervisorPresentBit = 1 << 31
)

// GetSupportedCPUID gets all host-supported CPUID entries for a vm.
func GetSupportedCPUID(kvmFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetSupportedCPUID, unsafe.Sizeof(*kvmCPUID)),
		uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}

// SetCPUID2 sets entries for a vCPU. The progression is: get the
// host-supported entries once for the vm, filter a copy per vCPU with
// FilterForVCPU, then set it.
func SetCPUID2(vcpuFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(vcpuFd,
		IIOW(kvmSetCPUID2, unsafe.Sizeof(*kvmCPUID)),
		uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}

// FilterForVCPU rewrites a copy of the host-supported CPUID table for vCPU
// index cpu of numVCPUs total, per spec.md §4.4 step 2:
//   - leaf 1 EBX[31:24] = initial APIC id (cpu), EBX[23:16] = numVCPUs
//   - leaf 1 ECX[31] (hypervisor present) set
//   - leaves 0xB/0x1F topology subleaves rewritten for a flat N-thread layout
//   - the KVM-emulated perfmon leaf's EAX (version and counter info) zeroed
//   - the KVM signature leaves normalized
func FilterForVCPU(cpuid *CPUID, cpu, numVCPUs int) {
	for i := 0; i < int(cpuid.Nent); i++ {
		e := &cpuid.Entries[i]

		switch e.Function {
		case cpuidFuncPerfMon:
			e.Eax = 0
		case cpuidFuncFeatures:
			e.Ebx = (e.Ebx &^ 0xFFFF0000) | uint32(cpu)<<24 | uint32(numVCPUs)<<16
			e.Ecx |= hypervisorPresentBit
		case cpuidFuncTopologyB, cpuidFuncTopology1F:
			rewriteTopologyLeaf(e, cpu, numVCPUs)
		case cpuidSignature:
			e.Eax = cpuidFeatures
			e.Ebx = 0x4b4d564b // "KVMK"
			e.Ecx = 0x564b4d56 // "VMKV"
			e.Edx = 0x4d       // "M"
		}
	}
}

// rewriteTopologyLeaf describes a flat layout of numVCPUs independent
// threads: subleaf 0 is the SMT level (width 1, no hyperthreading modeled),
// subleaf 1 is the core level (width numVCPUs), EDX carries the x2APIC id.
func rewriteTopologyLeaf(e *CPUIDEntry2, cpu, numVCPUs int) {
	const (
		levelTypeInvalid = 0
		levelTypeSMT     = 1
		levelTypeCore    = 2
	)

	switch e.Index {
	case 0:
		e.Eax = 0
		e.Ebx = 1
		e.Ecx = uint32(levelTypeSMT) << 8
	case 1:
		e.Eax = 0
		e.Ebx = uint32(numVCPUs)
		e.Ecx = 1 | uint32(levelTypeCore)<<8
	default:
		e.Eax = 0
		e.Ebx = 0
		e.Ecx = uint32(e.Index) | uint32(levelTypeInvalid)<<8
	}

	e.Edx = uint32(cpu)
}
