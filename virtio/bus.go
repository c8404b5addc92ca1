// Package virtio implements the MMIO transport devices are attached to
// (spec.md §4.7) and the virtio-net device itself (spec.md §4.8), replacing
// the teacher's legacy IO-port PCI virtio-net with an epoll-driven,
// split-virtqueue MMIO design.
package virtio

import (
	"sort"
	"sync"
)

// Device is anything the MMIO bus can route a guest access to.
type Device interface {
	Read(offset uint64, data []byte)
	Write(offset uint64, data []byte)
}

type region struct {
	base, size uint64
	dev        Device
}

// Bus is a range map keyed by half-open [base, base+size) intervals
// (spec.md §4.7). Lookup is a binary search over a slice kept sorted by
// base, giving O(log n) dispatch. The bus is built once during configure
// and is not mutated once a vCPU has run.
type Bus struct {
	mu      sync.Mutex
	regions []region
}

// NewBus returns an empty MMIO bus.
func NewBus() *Bus {
	return &Bus{}
}

// Register adds dev at [base, base+size). Regions must not overlap;
// Register does not check this; configure is expected to pick disjoint
// slots (spec.md §4.9 step 3).
func (b *Bus) Register(base, size uint64, dev Device) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.regions = append(b.regions, region{base: base, size: size, dev: dev})
	sort.Slice(b.regions, func(i, j int) bool { return b.regions[i].base < b.regions[j].base })
}

// lookup returns the region covering addr, if any. Caller holds b.mu.
func (b *Bus) lookup(addr uint64) (region, bool) {
	i := sort.Search(len(b.regions), func(i int) bool { return b.regions[i].base > addr })
	if i == 0 {
		return region{}, false
	}

	r := b.regions[i-1]
	if addr < r.base || addr >= r.base+r.size {
		return region{}, false
	}

	return r, true
}

// Read routes a guest MMIO read to the device covering addr, or zero-fills
// data if no device is registered there (spec.md §4.5 MmioRead).
func (b *Bus) Read(addr uint64, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.lookup(addr)
	if !ok {
		for i := range data {
			data[i] = 0
		}

		return
	}

	r.dev.Read(addr-r.base, data)
}

// Write routes a guest MMIO write to the device covering addr, or no-ops if
// no device is registered there (spec.md §4.5 MmioWrite).
func (b *Bus) Write(addr uint64, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.lookup(addr)
	if !ok {
		return
	}

	r.dev.Write(addr-r.base, data)
}
