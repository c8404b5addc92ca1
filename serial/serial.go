// Package serial emulates a 16550-compatible UART on host I/O port
// 0x3F8-0x3FF, the only serial console a guest kernel configured with
// "console=ttyS0" looks for (spec.md §4.6).
package serial

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// ComBase/ComEnd bound the 8-byte I/O port range this device occupies.
const (
	ComBase = 0x03f8
	ComEnd  = 0x03ff

	// IRQ is the legacy ISA interrupt line this device's eventfd is bound
	// to via KVM_IRQFD (spec.md §4.6, §4.9).
	IRQ = 4
)

// Byte offsets from ComBase, per the 16550 register map.
const (
	regRBR = 0 // receiver buffer (read) / THR (write) / DLL (dlab=1)
	regIER = 1 // interrupt enable (dlab=0) / DLM (dlab=1)
	regIIR = 2 // interrupt ident (read) / FCR (write)
	regLCR = 3 // line control
	regMCR = 4 // modem control
	regLSR = 5 // line status
	regMSR = 6 // modem status
	regSCR = 7 // scratch
)

// Line Status Register bits this emulation sets.
const (
	lsrDataReady = 1 << 0
	lsrTHREmpty  = 1 << 5
	lsrDataEmpty = 1 << 6
)

// ErrIRQ is returned when signaling the interrupt eventfd fails.
var ErrIRQ = errors.New("serial: failed to signal irq eventfd")

// Serial is a 16550 UART: eight byte-addressable registers, a FIFO-backed
// RX queue, and a TX sink. It lives behind one exclusive lock (spec.md §5);
// every operation below completes without suspension while holding it,
// except the TX byte write and the IRQ eventfd write, both performed after
// the lock is released.
type Serial struct {
	mu sync.Mutex

	ier byte
	lcr byte
	mcr byte
	scr byte
	rx  []byte

	out   io.Writer
	irqFD int
}

// New returns a Serial device whose interrupt line is signaled by writing
// to irqFD, an eventfd the caller binds to gsi IRQ with KVM_IRQFD.
func New(irqFD int) *Serial {
	return &Serial{out: os.Stdout, irqFD: irqFD}
}

// SetOutput redirects the TX sink, e.g. to a console log file.
func (s *Serial) SetOutput(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.out = w
}

func (s *Serial) dlab() bool {
	return s.lcr&0x80 != 0
}

// In reads a register at absolute I/O port addr (ComBase..ComEnd),
// depositing the byte in values[0], matching the teacher's In/Out port
// handler shape.
func (s *Serial) In(port uint64, values []byte) error {
	values[0] = s.ReadReg(port - ComBase)

	return nil
}

// Out writes values[0] to the register at absolute I/O port addr.
func (s *Serial) Out(port uint64, values []byte) error {
	return s.WriteReg(port-ComBase, values[0])
}

// ReadReg reads UART register offset (0..7).
func (s *Serial) ReadReg(offset uint64) byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch offset {
	case regRBR:
		if s.dlab() {
			return 0x0c // divisor latch low byte: 9600 baud
		}

		if len(s.rx) == 0 {
			return 0
		}

		b := s.rx[0]
		s.rx = s.rx[1:]

		return b
	case regIER:
		if s.dlab() {
			return 0
		}

		return s.ier
	case regLCR:
		return s.lcr
	case regLSR:
		lsr := byte(lsrTHREmpty | lsrDataEmpty)
		if len(s.rx) > 0 {
			lsr |= lsrDataReady
		}

		return lsr
	case regMCR:
		return s.mcr
	case regSCR:
		return s.scr
	default: // IIR, MSR: no pending interrupt, modem lines quiescent
		return 0
	}
}

// WriteReg writes v to UART register offset (0..7).
func (s *Serial) WriteReg(offset uint64, v byte) error {
	s.mu.Lock()

	switch offset {
	case regRBR:
		if s.dlab() {
			s.mu.Unlock()

			return nil
		}

		out := s.out
		s.mu.Unlock()

		_, err := fmt.Fprintf(out, "%c", v)

		return err
	case regIER:
		if !s.dlab() {
			s.ier = v
		}
	case regLCR:
		s.lcr = v
	case regMCR:
		s.mcr = v
	case regSCR:
		s.scr = v
	}

	s.mu.Unlock()

	return nil
}

// EnqueueRX appends b to the RX FIFO and asserts the interrupt line, per
// spec.md §4.6 and the happens-before ordering in §5 (the lock is released
// before the eventfd write).
func (s *Serial) EnqueueRX(b byte) error {
	s.mu.Lock()
	s.rx = append(s.rx, b)
	s.mu.Unlock()

	return s.raiseIRQ()
}

func (s *Serial) raiseIRQ() error {
	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], 1)

	if _, err := unix.Write(s.irqFD, buf[:]); err != nil {
		return fmt.Errorf("write serial irqfd: %w: %w", err, ErrIRQ)
	}

	return nil
}
