package virtio_test

import (
	"testing"

	"github.com/vireo-vmm/vireo/virtio"
)

type fakeDevice struct {
	reads  []uint64
	writes []uint64
}

func (f *fakeDevice) Read(offset uint64, data []byte) {
	f.reads = append(f.reads, offset)
	data[0] = 0x42
}

func (f *fakeDevice) Write(offset uint64, data []byte) {
	f.writes = append(f.writes, offset)
}

func TestBusRoutesToRegisteredDevice(t *testing.T) {
	t.Parallel()

	b := virtio.NewBus()
	dev := &fakeDevice{}
	b.Register(0x1000, 0x200, dev)

	data := make([]byte, 1)
	b.Read(0x1050, data)

	if len(dev.reads) != 1 || dev.reads[0] != 0x50 {
		t.Fatalf("Read: offset not translated relative to base, got %v", dev.reads)
	}

	if data[0] != 0x42 {
		t.Fatalf("Read: got %#x, want 0x42", data[0])
	}

	b.Write(0x1004, []byte{0})
	if len(dev.writes) != 1 || dev.writes[0] != 0x4 {
		t.Fatalf("Write: offset not translated relative to base, got %v", dev.writes)
	}
}

func TestBusMissZeroFillsReadAndNoOpsWrite(t *testing.T) {
	t.Parallel()

	b := virtio.NewBus()

	data := []byte{0xff, 0xff}
	b.Read(0x9000, data)

	if data[0] != 0 || data[1] != 0 {
		t.Fatalf("Read miss: got %v, want zero-filled", data)
	}

	// Write miss must not panic.
	b.Write(0x9000, []byte{1, 2, 3})
}

func TestBusMultipleDevicesDisjoint(t *testing.T) {
	t.Parallel()

	b := virtio.NewBus()
	a := &fakeDevice{}
	c := &fakeDevice{}

	b.Register(0x2000, 0x1000, a)
	b.Register(0x1000, 0x1000, c)

	data := make([]byte, 1)
	b.Read(0x1500, data)
	b.Read(0x2500, data)

	if len(c.reads) != 1 || c.reads[0] != 0x500 {
		t.Fatalf("low region: got %v", c.reads)
	}

	if len(a.reads) != 1 || a.reads[0] != 0x500 {
		t.Fatalf("high region: got %v", a.reads)
	}
}
