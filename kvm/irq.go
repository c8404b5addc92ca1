package kvm

import "unsafe"

// irqLevel is the payload for KVM_IRQ_LINE: raise or lower a legacy
// (non-MSI) IRQ line on the in-kernel PIC/IOAPIC.
type irqLevel struct {
	IRQ   uint32
	Level uint32
}

// IRQLine raises (level=1) or lowers (level=0) IRQ on the in-kernel IRQ
// chip. Nothing in this VMM calls it: device interrupts are delivered
// through KVM_IRQFD (RegisterIRQFD below) per spec.md §4.6/§4.9.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	irqLev := irqLevel{
		IRQ:   irq,
		Level: level,
	}

	_, err := Ioctl(vmFd, IIOW(kvmIRQLine, unsafe.Sizeof(irqLev)), uintptr(unsafe.Pointer(&irqLev)))

	return err
}

// irqfd is the payload for KVM_IRQFD: binds an eventfd to a GSI so that any
// write to the eventfd raises that IRQ without a synchronous ioctl
// round-trip (spec.md §4.6, §4.9 — Serial and the virtio-net device each
// register one).
type irqfd struct {
	FD    uint32
	GSI   uint32
	Flags uint32
	_     uint32
	_     [16]uint8
}

// RegisterIRQFD binds eventFd to gsi so that posting to the eventfd raises
// that IRQ line in-kernel, bypassing a vmexit on the delivering thread.
func RegisterIRQFD(vmFd uintptr, eventFd uintptr, gsi uint32) error {
	fd := irqfd{
		FD:  uint32(eventFd),
		GSI: gsi,
	}

	_, err := Ioctl(vmFd, IIOW(kvmIRQFD, unsafe.Sizeof(fd)), uintptr(unsafe.Pointer(&fd)))

	return err
}
