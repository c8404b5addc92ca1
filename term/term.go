// Package term puts host stdin into raw mode so the host-stdin pump can
// forward individual keystrokes into the guest's serial RX FIFO without
// host-side line buffering or echo (spec.md §4.9).
package term

import "golang.org/x/sys/unix"

// IsTerminal reports whether fd 0 (stdin) is a terminal, by probing
// TCGETS: non-terminal file descriptors (pipes, /dev/null, redirected
// files) fail it with ENOTTY.
func IsTerminal() bool {
	_, err := unix.IoctlGetTermios(0, unix.TCGETS)

	return err == nil
}

// SetRawMode configures fd 0 (stdin) for raw terminal input and returns a
// restore function that undoes it. Grounded on the teacher's termios
// bit-twiddling, using golang.org/x/sys/unix's termios ioctls instead of
// hardcoded 0x5401/0x5402 request numbers.
func SetRawMode() (func(), error) {
	const fd = 0

	oldState, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return func() {}, err
	}

	raw := *oldState
	raw.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	raw.Oflag &^= unix.OPOST
	raw.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	raw.Cflag &^= unix.CSIZE | unix.PARENB
	raw.Cflag |= unix.CS8
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &raw); err != nil {
		return func() {}, err
	}

	restore := func() {
		_ = unix.IoctlSetTermios(fd, unix.TCSETS, oldState)
	}

	return restore, nil
}
