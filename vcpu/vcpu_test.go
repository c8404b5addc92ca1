package vcpu_test

import (
	"os"
	"sync/atomic"
	"testing"

	"github.com/vireo-vmm/vireo/bootparam"
	"github.com/vireo-vmm/vireo/kvm"
	"github.com/vireo-vmm/vireo/memory"
	"github.com/vireo-vmm/vireo/serial"
	"github.com/vireo-vmm/vireo/vcpu"
	"github.com/vireo-vmm/vireo/virtio"
)

// openVM creates a fresh KVM VM with an irqchip and one memory slot backing
// mem, or skips the test if /dev/kvm is unavailable.
func openVM(t *testing.T, mem *memory.GuestMemory) (kvmFd, vmFd uintptr) {
	t.Helper()

	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		t.Skipf("skipping: /dev/kvm unavailable: %v", err)
	}

	t.Cleanup(func() { f.Close() })

	vmFd, err = kvm.CreateVM(f.Fd())
	if err != nil {
		t.Skipf("skipping: CreateVM: %v", err)
	}

	t.Cleanup(func() { os.NewFile(vmFd, "vm").Close() })

	if err := kvm.CreateIRQChip(vmFd); err != nil {
		t.Fatalf("CreateIRQChip: %v", err)
	}

	if err := kvm.SetUserMemoryRegion(vmFd, &kvm.UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    mem.Size(),
		UserspaceAddr: uint64(mem.HostPtr()),
	}); err != nil {
		t.Fatalf("SetUserMemoryRegion: %v", err)
	}

	return f.Fd(), vmFd
}

func TestNewProgramsVCPUIntoLongModeAtEntry(t *testing.T) {
	t.Parallel()

	mem, err := memory.New(64 << 20)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mem.Close() })

	if err := bootparam.WriteGDT(mem); err != nil {
		t.Fatal(err)
	}

	if err := bootparam.WritePageTables(mem); err != nil {
		t.Fatal(err)
	}

	kvmFd, vmFd := openVM(t, mem)

	srl := serial.New(-1)
	bus := virtio.NewBus()

	const entry = bootparam.HimemStart + 0x1000

	cpu, err := vcpu.New(kvmFd, vmFd, 0, 1, entry, mem, srl, bus)
	if err != nil {
		t.Fatalf("vcpu.New: %v", err)
	}

	if cpu.Index != 0 {
		t.Fatalf("Index = %d, want 0", cpu.Index)
	}
}

func TestRunReturnsImmediatelyWhenShutdownAlreadyFlagged(t *testing.T) {
	t.Parallel()

	mem, err := memory.New(64 << 20)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mem.Close() })

	if err := bootparam.WriteGDT(mem); err != nil {
		t.Fatal(err)
	}

	if err := bootparam.WritePageTables(mem); err != nil {
		t.Fatal(err)
	}

	kvmFd, vmFd := openVM(t, mem)

	srl := serial.New(-1)
	bus := virtio.NewBus()

	const entry = bootparam.HimemStart + 0x1000

	cpu, err := vcpu.New(kvmFd, vmFd, 0, 1, entry, mem, srl, bus)
	if err != nil {
		t.Fatalf("vcpu.New: %v", err)
	}

	var shutdown atomic.Bool
	shutdown.Store(true)

	if err := cpu.Run(&shutdown); err != nil {
		t.Fatalf("Run with shutdown pre-flagged: %v", err)
	}
}
