// Package tap opens and configures a Linux /dev/net/tun TAP device for the
// virtio-net MMIO device to bridge host networking into a guest (spec.md
// §4.8).
package tap

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MaxNameLen is the largest TAP interface name this package accepts,
// matching the kernel's IFNAMSIZ-1 convention (spec.md §8 boundary case).
const MaxNameLen = 15

// ifReq mirrors struct ifreq as TUNSETIFF/TUNSETOFFLOAD/TUNSETVNETHDRSZ
// expect it: a 16-byte interface name followed by a union, here used only
// for the uint16 flags field.
type ifReq struct {
	Name  [unix.IFNAMSIZ]byte
	Flags uint16
	_     [40 - unix.IFNAMSIZ - 2]byte
}

// ErrNameTooLong is returned when the requested interface name exceeds
// MaxNameLen bytes.
var ErrNameTooLong = errors.New("tap: interface name too long")

// Tap is an open, configured TAP file descriptor with the virtio-net
// header enabled (spec.md §4.8: IFF_VNET_HDR, TUNSETVNETHDRSZ=12).
type Tap struct {
	fd int
}

// VnetHdrSize is the length of the virtio-net header TUNSETVNETHDRSZ
// installs at the front of every frame exchanged with this TAP device.
const VnetHdrSize = 12

// New opens /dev/net/tun, attaches it to name as a TAP interface with no
// packet-info prefix (IFF_NO_PI) and with the virtio-net header enabled,
// and puts the fd in non-blocking mode
// for the host epoll loop (spec.md §4.9).
func New(name string) (*Tap, error) {
	if len(name) > MaxNameLen {
		return nil, fmt.Errorf("%q: %w", name, ErrNameTooLong)
	}

	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/net/tun: %w", err)
	}

	t := &Tap{fd: fd}

	ifr := ifReq{Flags: unix.IFF_TAP | unix.IFF_NO_PI | unix.IFF_VNET_HDR}
	copy(ifr.Name[:], name)

	if err := ioctlPtr(fd, unix.TUNSETIFF, &ifr); err != nil {
		unix.Close(fd)

		return nil, fmt.Errorf("TUNSETIFF %q: %w", name, err)
	}

	vnetHdrSz := int32(VnetHdrSize)
	if err := ioctlPtr32(fd, unix.TUNSETVNETHDRSZ, &vnetHdrSz); err != nil {
		unix.Close(fd)

		return nil, fmt.Errorf("TUNSETVNETHDRSZ: %w", err)
	}

	return t, nil
}

// SetOffload programs TUNSETOFFLOAD with the flags derived from negotiated
// virtio-net features (spec.md §4.8, "on activate").
func (t *Tap) SetOffload(flags uint32) error {
	if err := ioctlInt(t.fd, unix.TUNSETOFFLOAD, int(flags)); err != nil {
		return fmt.Errorf("TUNSETOFFLOAD: %w", err)
	}

	return nil
}

// Fd returns the underlying file descriptor, for epoll registration.
func (t *Tap) Fd() int {
	return t.fd
}

// Close releases the TAP file descriptor.
func (t *Tap) Close() error {
	return unix.Close(t.fd)
}

// Write sends one frame (including its 12-byte virtio-net header) to the
// TAP device.
func (t *Tap) Write(buf []byte) (int, error) {
	return unix.Write(t.fd, buf)
}

// Read receives one frame (including its 12-byte virtio-net header) from
// the TAP device.
func (t *Tap) Read(buf []byte) (int, error) {
	return unix.Read(t.fd, buf)
}

func ioctlPtr(fd int, req uint, arg *ifReq) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(unsafe.Pointer(arg)))
	if errno != 0 {
		return errno
	}

	return nil
}

func ioctlInt(fd int, req uint, val int) error {
	return unix.IoctlSetInt(fd, req, val)
}

// ioctlPtr32 issues an ioctl whose argument is a pointer to a 32-bit int,
// for requests like TUNSETVNETHDRSZ that copy_from_user into a kernel-side
// int rather than taking the value by register (unlike TUNSETOFFLOAD,
// which unix.IoctlSetInt/ioctlInt handles correctly).
func ioctlPtr32(fd int, req uint, val *int32) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(unsafe.Pointer(val)))
	if errno != 0 {
		return errno
	}

	return nil
}
