package virtio_test

import (
	"encoding/binary"
	"testing"

	"github.com/vireo-vmm/vireo/memory"
	"github.com/vireo-vmm/vireo/virtio"
)

// fakeTap is an in-memory TapDevice double; RX frames are queued by the
// test and popped by Read, TX frames written by the device are recorded.
type fakeTap struct {
	rx      [][]byte
	tx      [][]byte
	offload uint32
}

func (f *fakeTap) Read(buf []byte) (int, error) {
	if len(f.rx) == 0 {
		return 0, errEAGAIN
	}

	n := copy(buf, f.rx[0])
	f.rx = f.rx[1:]

	return n, nil
}

func (f *fakeTap) Write(buf []byte) (int, error) {
	cp := append([]byte(nil), buf...)
	f.tx = append(f.tx, cp)

	return len(buf), nil
}

func (f *fakeTap) SetOffload(flags uint32) error {
	f.offload = flags

	return nil
}

type eagainError struct{}

func (eagainError) Error() string { return "EAGAIN" }

var errEAGAIN = eagainError{}

func le32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)

	return buf
}

func getLE32(t *testing.T, dev *virtio.Net, offset uint64) uint32 {
	t.Helper()

	buf := make([]byte, 4)
	dev.Read(offset, buf)

	return binary.LittleEndian.Uint32(buf)
}

func TestNetRegisterIdentity(t *testing.T) {
	t.Parallel()

	mem, err := memory.New(1 << 20)
	if err != nil {
		t.Fatal(err)
	}

	dev := virtio.NewNet(mem, &fakeTap{}, -1)

	if got, want := getLE32(t, dev, 0x000), uint32(0x74726976); got != want {
		t.Fatalf("MagicValue: got %#x, want %#x", got, want)
	}

	if got := getLE32(t, dev, 0x004); got != 2 {
		t.Fatalf("Version: got %d, want 2", got)
	}

	if got := getLE32(t, dev, 0x008); got != 1 {
		t.Fatalf("DeviceID: got %d, want 1", got)
	}
}

// setupQueue points virtqueue idx's descriptor/avail/used rings at the
// three given guest addresses, sets its size to 8, and marks it ready.
func setupQueue(t *testing.T, dev *virtio.Net, mem *memory.GuestMemory, idx uint32, descAddr, availAddr, usedAddr uint64) {
	t.Helper()

	dev.Write(0x030, le32(idx)) // QueueSel
	dev.Write(0x038, le32(8))   // QueueNum
	dev.Write(0x080, le32(uint32(descAddr)))
	dev.Write(0x084, le32(uint32(descAddr>>32)))
	dev.Write(0x090, le32(uint32(availAddr)))
	dev.Write(0x094, le32(uint32(availAddr>>32)))
	dev.Write(0x0a0, le32(uint32(usedAddr)))
	dev.Write(0x0a4, le32(uint32(usedAddr>>32)))
	dev.Write(0x044, le32(1)) // QueueReady
}

func TestNetTXDrainsAvailableChainToTap(t *testing.T) {
	t.Parallel()

	mem, err := memory.New(1 << 20)
	if err != nil {
		t.Fatal(err)
	}

	tap := &fakeTap{}
	dev := virtio.NewNet(mem, tap, -1)

	const (
		descAddr  = 0x10000
		availAddr = 0x11000
		usedAddr  = 0x12000
		bufAddr   = 0x13000
	)

	setupQueue(t, dev, mem, 1, descAddr, availAddr, usedAddr) // TX is queue index 1

	payload := append(make([]byte, 12), []byte("hello-guest")...) // 12-byte vnet header + frame
	if err := mem.WriteSlice(bufAddr, payload); err != nil {
		t.Fatal(err)
	}

	// One descriptor, no NEXT flag.
	desc := make([]byte, 16)
	binary.LittleEndian.PutUint64(desc[0:], bufAddr)
	binary.LittleEndian.PutUint32(desc[8:], uint32(len(payload)))
	if err := mem.WriteSlice(descAddr, desc); err != nil {
		t.Fatal(err)
	}

	// avail ring: flags=0, idx=1, ring[0]=0
	avail := make([]byte, 4+2*8)
	binary.LittleEndian.PutUint16(avail[2:], 1)
	if err := mem.WriteSlice(availAddr, avail); err != nil {
		t.Fatal(err)
	}

	// used ring zeroed
	if err := mem.WriteSlice(usedAddr, make([]byte, 4+8*8)); err != nil {
		t.Fatal(err)
	}

	dev.Write(0x050, le32(1)) // QueueNotify(TX)

	if len(tap.tx) != 1 {
		t.Fatalf("tap.tx: got %d frames, want 1", len(tap.tx))
	}

	if string(tap.tx[0]) != "hello-guest" {
		t.Fatalf("tap.tx[0]: got %q, want %q (vnet header stripped)", tap.tx[0], "hello-guest")
	}

	usedIdx, err := memory.ReadObj[uint16](mem, usedAddr+2)
	if err != nil {
		t.Fatal(err)
	}

	if usedIdx != 1 {
		t.Fatalf("used idx: got %d, want 1", usedIdx)
	}

	if got := getLE32(t, dev, 0x060); got&1 == 0 {
		t.Fatalf("InterruptStatus: bit 0 not set after TX drain: %#x", got)
	}
}

func TestNetRxDrainScattersFrameAndUpdatesUsedRing(t *testing.T) {
	t.Parallel()

	mem, err := memory.New(1 << 20)
	if err != nil {
		t.Fatal(err)
	}

	tap := &fakeTap{rx: [][]byte{[]byte("incoming-frame-bytes")}}
	dev := virtio.NewNet(mem, tap, -1)

	const (
		descAddr  = 0x20000
		availAddr = 0x21000
		usedAddr  = 0x22000
		bufAddr   = 0x23000
	)

	setupQueue(t, dev, mem, 0, descAddr, availAddr, usedAddr) // RX is queue index 0

	desc := make([]byte, 16)
	binary.LittleEndian.PutUint64(desc[0:], bufAddr)
	binary.LittleEndian.PutUint32(desc[8:], 2048)
	if err := mem.WriteSlice(descAddr, desc); err != nil {
		t.Fatal(err)
	}

	avail := make([]byte, 4+2*8)
	binary.LittleEndian.PutUint16(avail[2:], 1)
	if err := mem.WriteSlice(availAddr, avail); err != nil {
		t.Fatal(err)
	}

	if err := mem.WriteSlice(usedAddr, make([]byte, 4+8*8)); err != nil {
		t.Fatal(err)
	}

	dev.RxDrain()

	got := make([]byte, len("incoming-frame-bytes"))
	if err := mem.ReadSlice(bufAddr, got); err != nil {
		t.Fatal(err)
	}

	if string(got) != "incoming-frame-bytes" {
		t.Fatalf("scattered frame: got %q", got)
	}

	usedIdx, err := memory.ReadObj[uint16](mem, usedAddr+2)
	if err != nil {
		t.Fatal(err)
	}

	if usedIdx != 1 {
		t.Fatalf("used idx: got %d, want 1", usedIdx)
	}

	writtenLen, err := memory.ReadObj[uint32](mem, usedAddr+4+4)
	if err != nil {
		t.Fatal(err)
	}

	if int(writtenLen) != len("incoming-frame-bytes") {
		t.Fatalf("used ring len: got %d, want %d", writtenLen, len("incoming-frame-bytes"))
	}
}

func TestNetStatusDriverOKProgramsTapOffload(t *testing.T) {
	t.Parallel()

	mem, err := memory.New(1 << 20)
	if err != nil {
		t.Fatal(err)
	}

	tap := &fakeTap{}
	dev := virtio.NewNet(mem, tap, -1)

	dev.Write(0x024, le32(0))          // DriverFeaturesSel = word0
	dev.Write(0x020, le32(1<<1|1<<7)) // NET_F_GUEST_CSUM | NET_F_GUEST_TSO4
	dev.Write(0x070, le32(1|2|4))      // ACKNOWLEDGE|DRIVER|DRIVER_OK

	if tap.offload&0x01 == 0 {
		t.Fatalf("offload flags: got %#x, want CSUM bit set", tap.offload)
	}

	if tap.offload&0x02 == 0 {
		t.Fatalf("offload flags: got %#x, want TSO4 bit set", tap.offload)
	}
}
