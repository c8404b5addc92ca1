package kvm_test

import (
	"os"
	"testing"

	"github.com/vireo-vmm/vireo/kvm"
)

func openKVM(t *testing.T) uintptr {
	t.Helper()

	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		t.Skipf("skipping: /dev/kvm unavailable: %v", err)
	}

	t.Cleanup(func() { f.Close() })

	return f.Fd()
}

func TestGetAPIVersion(t *testing.T) {
	kvmFd := openKVM(t)

	v, err := kvm.GetAPIVersion(kvmFd)
	if err != nil {
		t.Fatalf("GetAPIVersion: %v", err)
	}

	if v != 12 {
		t.Fatalf("GetAPIVersion = %d, want 12", v)
	}
}

func TestCreateVMAndVCPU(t *testing.T) {
	kvmFd := openKVM(t)

	vmFd, err := kvm.CreateVM(kvmFd)
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	defer os.NewFile(vmFd, "vm").Close()

	if err := kvm.CreateIRQChip(vmFd); err != nil {
		t.Fatalf("CreateIRQChip: %v", err)
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}
	defer os.NewFile(vcpuFd, "vcpu").Close()

	regs, err := kvm.GetRegs(vcpuFd)
	if err != nil {
		t.Fatalf("GetRegs: %v", err)
	}

	if regs == nil {
		t.Fatal("GetRegs returned nil regs")
	}
}

func TestCheckExtension(t *testing.T) {
	kvmFd := openKVM(t)

	res, err := kvm.CheckExtension(kvmFd, kvm.CapUserMemory)
	if err != nil {
		t.Fatalf("CheckExtension: %v", err)
	}

	if res == 0 {
		t.Fatal("host does not support CapUserMemory")
	}
}

func TestIOCEncoding(t *testing.T) {
	// KVM_RUN is _IO(KVMIO, 0x80) == 0xAE80.
	if got := kvm.IIO(0x80); got != 0xAE80 {
		t.Fatalf("IIO(0x80) = %#x, want 0xae80", got)
	}
}
