// Package config defines the frozen input value the VMM is configured from.
//
// Command-line parsing, validation, and packaging are external collaborators
// (see spec.md §1); this package only carries the already-validated result.
package config

const (
	// DefaultKVMPath is the device node used when LaunchSpec.KVMPath is empty.
	DefaultKVMPath = "/dev/kvm"

	// DefaultNumVCPUs is used when LaunchSpec.NumVCPUs is zero.
	DefaultNumVCPUs = 1

	// DefaultMemoryMiB is used when LaunchSpec.MemoryMiB is zero.
	DefaultMemoryMiB = 512

	// MaxTapNameLen is the largest accepted host TAP interface name,
	// per the Linux IFNAMSIZ convention (15 usable bytes + NUL).
	MaxTapNameLen = 15
)

// LaunchSpec is the frozen configuration the orchestrator is built from.
// It corresponds one-to-one with spec.md §6's launch specification table.
type LaunchSpec struct {
	// KVMPath is the path to the KVM character device. Defaults to /dev/kvm.
	KVMPath string

	// KernelPath is the path to an ELF bzImage kernel. Required.
	KernelPath string

	// InitramfsPath, if non-empty, is loaded as the initial ramdisk.
	InitramfsPath string

	// NumVCPUs is the number of virtual CPUs to create. Defaults to 1.
	NumVCPUs uint8

	// MemoryMiB is the guest RAM size in MiB. Defaults to 512.
	MemoryMiB uint32

	// ConsolePath, if non-empty, redirects serial TX to this file instead
	// of stdout.
	ConsolePath string

	// NetIf, if non-empty, names a host TAP interface to bridge into the
	// guest via virtio-net. Must be at most MaxTapNameLen bytes.
	NetIf string

	// NoConsole suppresses the host stdin pump into the serial RX FIFO.
	NoConsole bool
}

// WithDefaults returns a copy of s with zero-valued fields replaced by their
// documented defaults.
func (s LaunchSpec) WithDefaults() LaunchSpec {
	if s.KVMPath == "" {
		s.KVMPath = DefaultKVMPath
	}

	if s.NumVCPUs == 0 {
		s.NumVCPUs = DefaultNumVCPUs
	}

	if s.MemoryMiB == 0 {
		s.MemoryMiB = DefaultMemoryMiB
	}

	return s
}

// MemSizeBytes returns the guest RAM size in bytes.
func (s LaunchSpec) MemSizeBytes() uint64 {
	return uint64(s.MemoryMiB) << 20
}
