package kvm

import (
	"unsafe"
)

// MaxMSRIndices bounds the fixed-size MSR index table KVM_GET_MSR_INDEX_LIST
// fills in.
const MaxMSRIndices = 100

// MSRList is the set of MSR indices the host supports for guest use.
type MSRList struct {
	NMSRs    uint32
	Indicies [MaxMSRIndices]uint32
}

// GetMSRIndexList returns the guest MSRs the host supports. The list varies
// by kvm version and host processor, but does not change otherwise.
func GetMSRIndexList(kvmFd uintptr, list *MSRList) error {
	// KVM_GET_MSR_INDEX_LIST reads list.NMSRs as the capacity of
	// list.Indicies on entry and overwrites it with the actual count on
	// exit, so the ioctl size is computed against a same-shaped value,
	// not a pointer.
	tmp := struct {
		NMSRs    uint32
		Indicies [MaxMSRIndices]uint32
	}{NMSRs: MaxMSRIndices}

	list.NMSRs = MaxMSRIndices

	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetMSRIndexList, unsafe.Sizeof(tmp)),
		uintptr(unsafe.Pointer(list)))

	return err
}

// MSREntry is one index/value pair for KVM_SET_MSRS/KVM_GET_MSRS.
type MSREntry struct {
	Index    uint32
	Reserved uint32
	Data     uint64
}

// msrs is the variable-length struct kvm_msrs header; the entries follow
// immediately in memory, matching the kernel's flexible-array-member ABI.
type msrs struct {
	NMSRs   uint32
	Padding uint32
}

// Well-known MSR indices this VMM programs at vCPU reset (spec.md §4.4
// step 4), matching the Linux/KVM uapi numbering.
const (
	MSRIA32SysenterCS  = 0x00000174
	MSRIA32SysenterESP = 0x00000175
	MSRIA32SysenterEIP = 0x00000176
	MSRStar            = 0xc0000081
	MSRLStar           = 0xc0000082
	MSRCStar           = 0xc0000083
	MSRKernelGSBase    = 0xc0000102
	MSRSyscallMask     = 0xc0000084
	MSRIA32TSC         = 0x00000010
	MSRIA32MiscEnable  = 0x000001a0
)

// DefaultMSREntries returns the MSR set this VMM programs on every vCPU at
// reset: syscall/sysenter MSRs zeroed (no guest userspace fast syscalls are
// assumed at boot), the TSC zeroed, and MISC_ENABLE's fast-string bit set.
func DefaultMSREntries() []MSREntry {
	return []MSREntry{
		{Index: MSRIA32SysenterCS},
		{Index: MSRIA32SysenterESP},
		{Index: MSRIA32SysenterEIP},
		{Index: MSRStar},
		{Index: MSRLStar},
		{Index: MSRCStar},
		{Index: MSRKernelGSBase},
		{Index: MSRSyscallMask},
		{Index: MSRIA32TSC},
		{Index: MSRIA32MiscEnable, Data: 1},
	}
}

// SetMSRs programs entries on a vcpu via KVM_SET_MSRS. KVM returns the
// number of entries it actually wrote; a short write means one of the
// indices isn't supported by the host and is reported as ErrMSRCount.
func SetMSRs(vcpuFd uintptr, entries []MSREntry) error {
	buf := make([]byte, unsafe.Sizeof(msrs{})+uintptr(len(entries))*unsafe.Sizeof(MSREntry{}))

	hdr := (*msrs)(unsafe.Pointer(&buf[0]))
	hdr.NMSRs = uint32(len(entries))

	entryBase := uintptr(unsafe.Pointer(&buf[0])) + unsafe.Sizeof(msrs{})
	for i, e := range entries {
		*(*MSREntry)(unsafe.Pointer(entryBase + uintptr(i)*unsafe.Sizeof(MSREntry{}))) = e
	}

	n, err := Ioctl(vcpuFd, IIOW(kvmSetMSRS, uintptr(len(buf))), uintptr(unsafe.Pointer(&buf[0])))
	if err != nil {
		return err
	}

	if int(n) != len(entries) {
		return ErrMSRCount
	}

	return nil
}
