package kvm

const numInterrupts = 0x100

// RunData mirrors struct kvm_run, the shared-memory control block mmap'd
// over each vCPU's fd. Only the header fields this VMM inspects are named;
// the exit-specific union lives in Data, sized generously for the IO/MMIO
// variants this dispatch loop decodes (spec.md §4.5).
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the PIO exit fields packed into Data by an EXITIO vmexit:
// direction (in/out), operand size, port, repeat count, and the byte
// offset (relative to the RunData mmap) where the operand bytes begin.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}

// MMIO decodes the MMIO exit fields packed into Data by an EXITMMIO vmexit:
// the guest physical address, up to 8 operand bytes, the operand length,
// and whether this is a write. This mirrors struct kvm_run's mmio union
// (phys_addr u64; data[8]u8; len u32; is_write u8), which packs into Data
// the same way IO() above packs Data[0]: phys_addr occupies Data[0], the
// 8 operand bytes occupy Data[1], and len/is_write share Data[2].
func (r *RunData) MMIO() (addr uint64, data []byte, length uint32, isWrite bool) {
	addr = r.Data[0]
	length = uint32(r.Data[2])
	isWrite = (r.Data[2]>>32)&0xff != 0

	raw := r.Data[1]

	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(raw >> (8 * i))
	}

	return addr, buf[:length], length, isWrite
}
