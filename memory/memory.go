// Package memory owns the single host-anonymous, zero-initialized block of
// memory backing a guest's physical address space.
//
// Guest physical address 0 always corresponds to the first byte of the
// mapping; the mapping is registered with KVM as a single user-memory slot
// (see kvm.SetUserMemoryRegion) and is otherwise accessed directly through
// the host pointer, with explicit bounds checks on every access (spec.md §5).
package memory

import (
	"errors"
	"fmt"
	"io"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrAlloc is returned when the host mmap backing guest memory fails, or
// when a zero size is requested.
var ErrAlloc = errors.New("guest memory allocation failed")

// ErrOOB is returned whenever an access would read or write outside
// [0, size) of the guest memory region.
var ErrOOB = errors.New("guest memory access out of bounds")

// GuestMemory is a single contiguous, host-backed region mapped at guest
// physical address 0.
type GuestMemory struct {
	mem []byte
}

// New allocates a zero-initialized region of the given size in bytes
// (spec.md §8: "reads of uninitialized pages return 0").
func New(size uint64) (*GuestMemory, error) {
	if size == 0 {
		return nil, fmt.Errorf("requested size 0: %w", ErrAlloc)
	}

	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w: %w", size, err, ErrAlloc)
	}

	return &GuestMemory{mem: mem}, nil
}

// Close unmaps the guest memory region.
func (g *GuestMemory) Close() error {
	return unix.Munmap(g.mem)
}

// Size returns the region size in bytes.
func (g *GuestMemory) Size() uint64 {
	return uint64(len(g.mem))
}

// HostPtr returns the host virtual address corresponding to guest physical
// address 0. It exists only to register the KVM memory slot.
func (g *GuestMemory) HostPtr() uintptr {
	return uintptr(unsafe.Pointer(&g.mem[0]))
}

func (g *GuestMemory) checkRange(gpa, length uint64) error {
	if length == 0 {
		return nil
	}

	if gpa >= uint64(len(g.mem)) || length > uint64(len(g.mem))-gpa {
		return fmt.Errorf("[%#x, %#x): %w", gpa, gpa+length, ErrOOB)
	}

	return nil
}

// Slice returns a direct, bounds-checked sub-slice of the backing region.
// Devices that need a live, mutable view of guest memory (virtio descriptor
// rings, the MMIO bus) use this instead of copying through
// ReadSlice/WriteSlice.
func (g *GuestMemory) Slice(gpa, length uint64) ([]byte, error) {
	if err := g.checkRange(gpa, length); err != nil {
		return nil, err
	}

	return g.mem[gpa : gpa+length : gpa+length], nil
}

// WriteSlice copies all of b into guest memory at gpa, or fails with ErrOOB
// and leaves memory unchanged.
func (g *GuestMemory) WriteSlice(gpa uint64, b []byte) error {
	if err := g.checkRange(gpa, uint64(len(b))); err != nil {
		return err
	}

	copy(g.mem[gpa:], b)

	return nil
}

// ReadSlice fills b from guest memory at gpa.
func (g *GuestMemory) ReadSlice(gpa uint64, b []byte) error {
	if err := g.checkRange(gpa, uint64(len(b))); err != nil {
		return err
	}

	copy(b, g.mem[gpa:])

	return nil
}

// ReadFromFile streams up to length bytes from the start of file into guest
// memory at gpa, returning the number of bytes copied.
func (g *GuestMemory) ReadFromFile(gpa uint64, file io.ReaderAt, length int) (int, error) {
	if err := g.checkRange(gpa, uint64(length)); err != nil {
		return 0, err
	}

	n, err := file.ReadAt(g.mem[gpa:gpa+uint64(length)], 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("reading into guest memory at %#x: %w", gpa, err)
	}

	return n, nil
}

// WriteObj writes a fixed-layout value of type T at gpa, in T's Go memory
// layout. T must be a plain data type with no pointers; callers pass
// fixed-size values such as GDT, page-table and used-ring entries.
func WriteObj[T any](g *GuestMemory, gpa uint64, v T) error {
	size := uint64(unsafe.Sizeof(v))
	if err := g.checkRange(gpa, size); err != nil {
		return err
	}

	*(*T)(unsafe.Pointer(&g.mem[gpa])) = v

	return nil
}

// ReadObj reads a fixed-layout value of type T from gpa.
func ReadObj[T any](g *GuestMemory, gpa uint64) (T, error) {
	var zero T

	size := uint64(unsafe.Sizeof(zero))
	if err := g.checkRange(gpa, size); err != nil {
		return zero, err
	}

	return *(*T)(unsafe.Pointer(&g.mem[gpa])), nil
}
