// Package kvm wraps the /dev/kvm character device ioctl interface: VM and
// vCPU lifecycle, register/sregs access, CPUID filtering, MSR programming,
// and IRQ delivery (KVM_IRQFD / KVM_IRQ_LINE).
//
// The ioctl request numbers below are reconstructed from the standard Linux
// _IO/_IOR/_IOW/_IOWR encoding (include/uapi/asm-generic/ioctl.h) applied to
// the KVM_* request definitions in include/uapi/linux/kvm.h; golang.org/x/sys
// does not export KVM's ioctl numbers, only the generic epoll/eventfd/termios
// surface used elsewhere in this module.
package kvm

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ioctl direction/size encoding, matching asm-generic/ioctl.h.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	kvmIOCMagic = 0xAE
)

func ioc(dir, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (kvmIOCMagic << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

// IIO encodes a no-payload ioctl request, e.g. KVM_CREATE_VM.
func IIO(nr uintptr) uintptr { return ioc(iocNone, nr, 0) }

// IIOR encodes a read-only (kernel-to-user) ioctl request of the given size.
func IIOR(nr, size uintptr) uintptr { return ioc(iocRead, nr, size) }

// IIOW encodes a write-only (user-to-kernel) ioctl request of the given size.
func IIOW(nr, size uintptr) uintptr { return ioc(iocWrite, nr, size) }

// IIOWR encodes a read/write ioctl request of the given size.
func IIOWR(nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, nr, size) }

// KVM ioctl request numbers, by nr (see linux/kvm.h).
const (
	kvmGetAPIVersion       = 0x00
	kvmCreateVM            = 0x01
	kvmGetMSRIndexList     = 0x02
	kvmCheckExtension      = 0x03
	kvmGetVCPUMMapSize     = 0x04
	kvmGetSupportedCPUID   = 0x05
	kvmCreateVCPU          = 0x41
	kvmGetDirtyLog         = 0x42
	kvmSetUserMemoryRegion = 0x46
	kvmSetTSSAddr          = 0x47
	kvmSetIdentityMapAddr  = 0x48
	kvmCreateIRQChip       = 0x60
	kvmIRQLine             = 0x61
	kvmIRQFD               = 0x76
	kvmGetRegs             = 0x81
	kvmSetRegs             = 0x82
	kvmGetSregs            = 0x83
	kvmSetSregs            = 0x84
	kvmGetFPU              = 0x8c
	kvmSetFPU              = 0x8d
	kvmSetCPUID2           = 0x90
	kvmGetLAPIC            = 0x8e
	kvmSetLAPIC            = 0x8f
	kvmSetMSRS             = 0x89
	kvmGetMSRS             = 0x88
	kvmRun                 = 0x80
	kvmSetGuestDebug       = 0x9b
)

// Ioctl issues a raw ioctl(2) against fd, retrying on EINTR as required by
// spec.md §5 ("Cancellation and timeout").
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
		if errno == 0 {
			return res, nil
		}

		if errors.Is(errno, unix.EINTR) {
			continue
		}

		return res, errno
	}
}

// GetAPIVersion returns KVM's reported API version (12 on every stable
// KVM). Configure does not check it.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetAPIVersion), 0)
}

// CreateVM creates a new VM file descriptor backed by kvmFd.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCreateVM), 0)
}

// CreateVCPU creates vCPU index cpu on the given VM.
func CreateVCPU(vmFd uintptr, cpu int) (uintptr, error) {
	return Ioctl(vmFd, IIO(kvmCreateVCPU), uintptr(cpu))
}

// Run re-enters the guest on vcpuFd until the next vmexit.
func Run(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, IIO(kvmRun), 0)

	return err
}

// GetVCPUMMapSize returns the size of the shared kvm_run mmap region.
func GetVCPUMMapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetVCPUMMapSize), 0)
}

// CreateIRQChip creates the in-kernel IRQ chip (PIC/IOAPIC). Must precede
// vCPU creation (spec.md §4.4).
func CreateIRQChip(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(kvmCreateIRQChip), 0)

	return err
}
