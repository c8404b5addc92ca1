package bootparam

import "github.com/vireo-vmm/vireo/memory"

// GDTEntry is one 8-byte Global Descriptor Table entry, encoded in the
// standard x86 descriptor layout.
type GDTEntry uint64

// NewGDTEntry packs access, flags (G, D/B, L, AVL in the low nibble), base
// and limit into the descriptor's bit layout.
func NewGDTEntry(access, flags uint8, base, limit uint32) GDTEntry {
	return GDTEntry(uint64(limit&0xFFFF) |
		uint64(base&0xFFFFFF)<<16 |
		uint64(access)<<40 |
		uint64((limit>>16)&0xF)<<48 |
		uint64(flags&0xF)<<52 |
		uint64((base>>24)&0xFF)<<56)
}

// Decode recovers the fields NewGDTEntry packed.
func (e GDTEntry) Decode() (access, flags uint8, base, limit uint32) {
	limit = uint32(e&0xFFFF) | uint32((e>>48)&0xF)<<16
	base = uint32((e>>16)&0xFFFFFF) | uint32((e>>56)&0xFF)<<24
	access = uint8((e >> 40) & 0xFF)
	flags = uint8((e >> 52) & 0xF)

	return access, flags, base, limit
}

// Selector returns the GDT selector for this entry's index (index*8, ring 0).
func Selector(index int) uint16 {
	return uint16(index * 8)
}

// The four GDT entries this VMM installs: NULL, 64-bit code, data, and a
// dummy TSS descriptor (never loaded as a live TSS, but KVM's segment setup
// expects TR to point somewhere valid).
var (
	gdtNull = NewGDTEntry(0x00, 0x0, 0, 0)
	gdtCode = NewGDTEntry(0x9B, 0xA, 0, 0xFFFFF)
	gdtData = NewGDTEntry(0x93, 0xC, 0, 0xFFFFF)
	gdtTSS  = NewGDTEntry(0x8B, 0x0, 0, 0xFFFFF)
)

// Indices into the GDT this package builds.
const (
	GDTCodeIndex = 1
	GDTDataIndex = 2
	GDTTSSIndex  = 3
)

// GDTEntries is the ordered table written at GDTAddr.
func GDTEntries() [4]GDTEntry {
	return [4]GDTEntry{gdtNull, gdtCode, gdtData, gdtTSS}
}

// GDTLimit is the GDTR limit for a table of len(GDTEntries()) entries.
func GDTLimit() uint16 {
	entries := GDTEntries()

	return uint16(len(entries)*8 - 1)
}

// IDTLimit is the IDTR limit for the single null IDT entry this VMM installs.
// The guest never takes an interrupt through it before entering its own
// kernel, which installs a real IDT.
const IDTLimit = 7

// WriteGDT writes the four-entry GDT at GDTAddr and the single zero IDT
// entry at IDTAddr.
func WriteGDT(mem *memory.GuestMemory) error {
	for i, e := range GDTEntries() {
		if err := memory.WriteObj(mem, GDTAddr+uint64(i)*8, uint64(e)); err != nil {
			return err
		}
	}

	return memory.WriteObj(mem, IDTAddr, uint64(0))
}
