package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/vireo-vmm/vireo/memory"
)

// TapDevice is the host networking backend a Net device bridges guest
// frames to. *tap.Tap implements this; tests substitute an in-memory fake.
type TapDevice interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	SetOffload(uint32) error
}

// ErrQueueState is logged (never fatal) when a virtqueue's driver-side
// bookkeeping can't be followed — a malformed descriptor chain or an
// out-of-range index. The guest's ring state is the source of truth and
// the device just gives up on that one operation (spec.md §4.8 Failure).
var ErrQueueState = errors.New("virtio-net: invalid queue state")

// Register offsets, virtio-mmio version 2 (spec.md §4.8).
const (
	regMagicValue     = 0x000
	regVersion        = 0x004
	regDeviceID       = 0x008
	regVendorID       = 0x00c
	regDeviceFeatures = 0x010
	regDeviceFeatSel  = 0x014
	regDriverFeatures = 0x020
	regDriverFeatSel  = 0x024
	regQueueSel       = 0x030
	regQueueNumMax    = 0x034
	regQueueNum       = 0x038
	regQueueReady     = 0x044
	regQueueNotify    = 0x050
	regInterruptStat  = 0x060
	regInterruptACK   = 0x064
	regStatus         = 0x070
	regQueueDescLow   = 0x080
	regQueueDescHigh  = 0x084
	regQueueAvailLow  = 0x090
	regQueueAvailHigh = 0x094
	regQueueUsedLow   = 0x0a0
	regQueueUsedHigh  = 0x0a4
	regConfigGen      = 0x0fc
	regConfig         = 0x100

	magicValue = 0x74726976 // "virt"
	version    = 2
	deviceID   = 1          // network card
	vendorID   = 0x564d5652 // "RVMV" in guest byte order, this VMM's own vendor tag

	numQueues  = 2
	queueRX    = 0
	queueTX    = 1
	maxQueueSz = 256

	vnetHdrSize = 12

	statusDriverOK = 1 << 2

	interruptRingUpdate = 1 << 0
)

// Feature bits this device advertises (spec.md §4.8). Bits 0-31 live in
// word 0, bits 32-63 in word 1, selected by the *FeatSel registers.
const (
	featNetCSUM      = 1 << 0
	featNetGuestCSUM = 1 << 1
	featNetGuestTSO4 = 1 << 7
	featNetGuestTSO6 = 1 << 8
	featNetGuestUFO  = 1 << 10
	featNetHostTSO4  = 1 << 11
	featNetHostTSO6  = 1 << 12
	featNetHostUFO   = 1 << 14
	featRingEventIdx = 1 << 29

	featVersion1 = 1 << 0 // word 1, i.e. global feature bit 32
	featInOrder  = 1 << 3 // word 1, i.e. global feature bit 35
)

// TUNSETOFFLOAD flags, mirrored from linux/if_tun.h so offloadFlags doesn't
// need its own import for four constants.
const (
	tunFCSUM = 0x01
	tunFTSO4 = 0x02
	tunFTSO6 = 0x04
	tunFUFO  = 0x10
)

var deviceFeatures = [2]uint32{
	featNetCSUM | featNetGuestCSUM | featNetGuestTSO4 | featNetGuestTSO6 |
		featNetGuestUFO | featNetHostUFO | featNetHostTSO4 | featNetHostTSO6 |
		featRingEventIdx,
	featVersion1 | featInOrder,
}

// queue is one split virtqueue's driver-programmed location and the
// device's private consumption cursor (spec.md §4.8, grounded on the
// teacher's virtio/net.go VirtQueue, reworked for guest-memory-resident
// rings addressed by 64-bit GPAs instead of an in-process pointer cast).
type queue struct {
	size         uint32
	ready        uint32
	descAddr     uint64
	availAddr    uint64
	usedAddr     uint64
	lastAvailIdx uint16
	usedIdx      uint16
}

// virtqDesc mirrors struct virtq_desc (16 bytes): one entry of a
// descriptor table.
type virtqDesc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

const descFlagNext = 1 << 0

// Net is a virtio-1.0 MMIO network device backed by a host TAP interface
// (spec.md §4.8). Guest accesses arrive through the MMIO Bus; RX delivery
// is driven by the host epoll loop noticing the TAP fd is readable
// (spec.md §4.9).
type Net struct {
	mu sync.Mutex

	mem *memory.GuestMemory
	tap TapDevice

	irqFD int

	deviceFeatSel uint32
	driverFeatSel uint32
	driverFeat    [2]uint32

	queueSel uint32
	queues   [numQueues]queue

	status           uint32
	interruptStatus  uint32
	configGeneration uint32
}

// NewNet constructs a virtio-net MMIO device sharing guest memory mem and
// bridging to host networking through tp. irqFD is an eventfd the caller
// binds to the in-kernel IRQ chip via kvm.RegisterIRQFD (spec.md §4.9
// step 7).
func NewNet(mem *memory.GuestMemory, tp TapDevice, irqFD int) *Net {
	n := &Net{mem: mem, tap: tp, irqFD: irqFD}

	for i := range n.queues {
		n.queues[i].size = maxQueueSz
	}

	return n
}

// Read implements Device for guest MMIO reads.
func (n *Net) Read(offset uint64, data []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch offset {
	case regMagicValue:
		putLE32(data, magicValue)
	case regVersion:
		putLE32(data, version)
	case regDeviceID:
		putLE32(data, deviceID)
	case regVendorID:
		putLE32(data, vendorID)
	case regDeviceFeatures:
		putLE32(data, deviceFeatures[n.deviceFeatSel&1])
	case regQueueNumMax:
		putLE32(data, maxQueueSz)
	case regQueueReady:
		putLE32(data, n.queues[n.queueSel].ready)
	case regInterruptStat:
		putLE32(data, n.interruptStatus)
	case regStatus:
		putLE32(data, n.status)
	case regConfigGen:
		putLE32(data, n.configGeneration)
	default:
		if offset >= regConfig {
			n.readConfig(offset-regConfig, data)

			return
		}

		for i := range data {
			data[i] = 0
		}
	}
}

// readConfig fills the device-specific config space: six MAC bytes (left
// zero; the driver is free to pick its own) followed by link status and
// max virtqueue pairs, both left at their virtio defaults.
func (n *Net) readConfig(_ uint64, data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// Write implements Device for guest MMIO writes.
func (n *Net) Write(offset uint64, data []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()

	v := getLE32(data)

	switch offset {
	case regDeviceFeatSel:
		n.deviceFeatSel = v
	case regDriverFeatures:
		n.driverFeat[n.driverFeatSel&1] = v
	case regDriverFeatSel:
		n.driverFeatSel = v
	case regQueueSel:
		if v < numQueues {
			n.queueSel = v
		}
	case regQueueNum:
		n.queues[n.queueSel].size = clampQueueSize(v)
	case regQueueReady:
		n.queues[n.queueSel].ready = v
	case regQueueDescLow:
		setLow(&n.queues[n.queueSel].descAddr, v)
	case regQueueDescHigh:
		setHigh(&n.queues[n.queueSel].descAddr, v)
	case regQueueAvailLow:
		setLow(&n.queues[n.queueSel].availAddr, v)
	case regQueueAvailHigh:
		setHigh(&n.queues[n.queueSel].availAddr, v)
	case regQueueUsedLow:
		setLow(&n.queues[n.queueSel].usedAddr, v)
	case regQueueUsedHigh:
		setHigh(&n.queues[n.queueSel].usedAddr, v)
	case regQueueNotify:
		n.notifyLocked(v)
	case regInterruptACK:
		n.interruptStatus &^= v
	case regStatus:
		n.writeStatusLocked(v)
	default:
	}
}

func clampQueueSize(v uint32) uint32 {
	if v == 0 || v > maxQueueSz {
		return maxQueueSz
	}

	return v
}

func setLow(addr *uint64, v uint32) {
	*addr = (*addr &^ 0xffffffff) | uint64(v)
}

func setHigh(addr *uint64, v uint32) {
	*addr = (*addr & 0xffffffff) | (uint64(v) << 32)
}

func putLE32(data []byte, v uint32) {
	var buf [4]byte

	binary.LittleEndian.PutUint32(buf[:], v)
	copy(data, buf[:])
}

func getLE32(data []byte) uint32 {
	var buf [4]byte

	copy(buf[:], data)

	return binary.LittleEndian.Uint32(buf[:])
}

// writeStatusLocked activates the device once the driver has set
// DRIVER_OK, pushing negotiated offload features down to the TAP fd
// (spec.md §4.9 step 4, §4.8 TAP setup "on activate").
func (n *Net) writeStatusLocked(v uint32) {
	wasUp := n.status&statusDriverOK != 0
	n.status = v

	if v != 0 && !wasUp && v&statusDriverOK != 0 {
		if err := n.tap.SetOffload(n.offloadFlags()); err != nil {
			log.Printf("virtio-net: set tap offload: %v", err)
		}
	}
}

func (n *Net) offloadFlags() uint32 {
	var flags uint32

	if n.driverFeat[0]&featNetGuestCSUM != 0 {
		flags |= tunFCSUM
	}

	if n.driverFeat[0]&featNetGuestTSO4 != 0 {
		flags |= tunFTSO4
	}

	if n.driverFeat[0]&featNetGuestTSO6 != 0 {
		flags |= tunFTSO6
	}

	if n.driverFeat[0]&featNetGuestUFO != 0 {
		flags |= tunFUFO
	}

	return flags
}

// notifyLocked is QueueNotify: the driver just advanced queue idx's avail
// ring. Only the TX queue is drained here; RX is driven by the host epoll
// loop noticing the TAP fd readable (spec.md §4.8, §4.9).
func (n *Net) notifyLocked(idx uint32) {
	if idx != queueTX {
		return
	}

	n.drainTXLocked()
}

// drainTXLocked walks every available chain on the TX queue, strips the
// 12-byte virtio-net header, and writes the remaining bytes to the TAP
// device (spec.md §4.8 TX path). Caller holds n.mu.
func (n *Net) drainTXLocked() {
	q := &n.queues[queueTX]

	availIdx, err := n.ringAvailIdx(q)
	if err != nil {
		log.Printf("virtio-net: tx: %v", err)

		return
	}

	signalFrom := q.usedIdx

	for q.lastAvailIdx != availIdx {
		head, err := n.ringAvailEntry(q, q.lastAvailIdx)
		if err != nil {
			log.Printf("virtio-net: tx: %v", err)

			break
		}

		buf, err := n.readChain(q, head)
		if err != nil {
			log.Printf("virtio-net: tx: %v: %v", ErrQueueState, err)

			q.lastAvailIdx++

			continue
		}

		if len(buf) > vnetHdrSize {
			if _, err := n.tap.Write(buf[vnetHdrSize:]); err != nil {
				log.Printf("virtio-net: tap write: %v", err)
			}
		}

		if err := n.pushUsed(q, head, 0); err != nil {
			log.Printf("virtio-net: tx: %v", err)

			break
		}

		q.lastAvailIdx++
	}

	n.maybeSignal(q, signalFrom)
}

// RxDrain reads frames from the TAP device and scatters them across the RX
// queue's available descriptor chains until the TAP fd has nothing left to
// give or the ring runs out of buffers (spec.md §4.8 RX path). Called by
// the host epoll loop when the TAP fd is readable.
func (n *Net) RxDrain() {
	n.mu.Lock()
	defer n.mu.Unlock()

	q := &n.queues[queueRX]
	signalFrom := q.usedIdx

	for {
		frame := make([]byte, 65565)

		sz, err := n.tap.Read(frame)
		if err != nil {
			break // EAGAIN: nothing more pending
		}

		frame = frame[:sz]

		availIdx, err := n.ringAvailIdx(q)
		if err != nil {
			log.Printf("virtio-net: rx: %v", err)

			break
		}

		if q.lastAvailIdx == availIdx {
			// No buffer available; the frame is dropped. The driver will
			// kick QueueNotify again once it replenishes the ring, but RX
			// has no notify path of its own to wait on here.
			break
		}

		head, err := n.ringAvailEntry(q, q.lastAvailIdx)
		if err != nil {
			log.Printf("virtio-net: rx: %v", err)

			break
		}

		written, err := n.scatterWrite(q, head, frame)
		if err != nil {
			log.Printf("virtio-net: rx: %v: %v", ErrQueueState, err)
			q.lastAvailIdx++

			continue
		}

		if err := n.pushUsed(q, head, written); err != nil {
			log.Printf("virtio-net: rx: %v", err)

			break
		}

		q.lastAvailIdx++
	}

	n.maybeSignal(q, signalFrom)
}

// readChain concatenates every descriptor in the chain rooted at head.
func (n *Net) readChain(q *queue, head uint16) ([]byte, error) {
	var buf []byte

	id := head

	for i := 0; i < int(q.size)+1; i++ {
		d, err := n.descAt(q, id)
		if err != nil {
			return nil, err
		}

		b, err := n.mem.Slice(d.Addr, uint64(d.Len))
		if err != nil {
			return nil, fmt.Errorf("descriptor %d: %w", id, err)
		}

		buf = append(buf, b...)

		if d.Flags&descFlagNext == 0 {
			return buf, nil
		}

		id = d.Next
	}

	return nil, fmt.Errorf("descriptor chain exceeds queue size: %w", ErrQueueState)
}

// scatterWrite writes frame across the descriptor chain rooted at head,
// returning the number of bytes actually written.
func (n *Net) scatterWrite(q *queue, head uint16, frame []byte) (uint32, error) {
	id := head
	written := uint32(0)

	for i := 0; i < int(q.size)+1; i++ {
		if len(frame) == 0 {
			return written, nil
		}

		d, err := n.descAt(q, id)
		if err != nil {
			return written, err
		}

		take := uint32(len(frame))
		if take > d.Len {
			take = d.Len
		}

		if err := n.mem.WriteSlice(d.Addr, frame[:take]); err != nil {
			return written, fmt.Errorf("descriptor %d: %w", id, err)
		}

		frame = frame[take:]
		written += take

		if d.Flags&descFlagNext == 0 {
			return written, nil
		}

		id = d.Next
	}

	return written, fmt.Errorf("descriptor chain exceeds queue size: %w", ErrQueueState)
}

func (n *Net) descAt(q *queue, id uint16) (virtqDesc, error) {
	if uint32(id) >= q.size {
		return virtqDesc{}, fmt.Errorf("descriptor index %d: %w", id, ErrQueueState)
	}

	return memory.ReadObj[virtqDesc](n.mem, q.descAddr+uint64(id)*16)
}

func (n *Net) ringAvailIdx(q *queue) (uint16, error) {
	return memory.ReadObj[uint16](n.mem, q.availAddr+2)
}

func (n *Net) ringAvailEntry(q *queue, pos uint16) (uint16, error) {
	off := q.availAddr + 4 + 2*uint64(pos%uint16(q.size))

	return memory.ReadObj[uint16](n.mem, off)
}

func (n *Net) ringUsedEvent(q *queue) (uint16, error) {
	off := q.availAddr + 4 + 2*uint64(q.size)

	return memory.ReadObj[uint16](n.mem, off)
}

// pushUsed appends (id, len) to the used ring and bumps its index.
func (n *Net) pushUsed(q *queue, id uint16, length uint32) error {
	off := q.usedAddr + 4 + 8*uint64(q.usedIdx%uint16(q.size))

	if err := memory.WriteObj(n.mem, off, uint32(id)); err != nil {
		return err
	}

	if err := memory.WriteObj(n.mem, off+4, length); err != nil {
		return err
	}

	q.usedIdx++

	return memory.WriteObj(n.mem, q.usedAddr+2, q.usedIdx)
}

// maybeSignal sets InterruptStatus bit 0 and kicks the irqfd, subject to
// VIRTIO_F_RING_EVENT_IDX: if the driver negotiated it and hasn't asked to
// be notified yet (used_event still ahead of what we just produced), the
// kick is skipped (spec.md §4.8: "subject to event-idx, signal the irq
// eventfd"; "Interrupt status bit 0 ... must be set before kicking the
// irqfd").
func (n *Net) maybeSignal(q *queue, signalFrom uint16) {
	if q.usedIdx == signalFrom {
		return
	}

	if n.driverFeat[0]&featRingEventIdx != 0 {
		usedEvent, err := n.ringUsedEvent(q)
		if err == nil && uint16(usedEvent-signalFrom) >= uint16(q.usedIdx-signalFrom) {
			return
		}
	}

	n.interruptStatus |= interruptRingUpdate

	if err := kick(n.irqFD); err != nil {
		log.Printf("virtio-net: irq kick: %v", err)
	}
}

// kick posts to an eventfd, raising whatever IRQ it is bound to via
// kvm.RegisterIRQFD (same wire format as serial.Serial.raiseIRQ).
func kick(fd int) error {
	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], 1)

	_, err := unix.Write(fd, buf[:])

	return err
}
