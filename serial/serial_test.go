package serial_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/vireo-vmm/vireo/serial"
)

func newTestSerial(t *testing.T) (*serial.Serial, int) {
	t.Helper()

	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		t.Skipf("skipping: eventfd unavailable: %v", err)
	}

	t.Cleanup(func() { unix.Close(fd) })

	return serial.New(fd), fd
}

func readEventfd(t *testing.T, fd int) uint64 {
	t.Helper()

	var buf [8]byte

	if _, err := unix.Read(fd, buf[:]); err != nil {
		t.Fatalf("read eventfd: %v", err)
	}

	return binary.LittleEndian.Uint64(buf[:])
}

func TestInOutAllOffsets(t *testing.T) {
	t.Parallel()

	s, _ := newTestSerial(t)

	for i := 0; i < 8; i++ {
		if err := s.Out(uint64(serial.ComBase+i), []byte{0}); err != nil {
			t.Fatalf("Out(%d): %v", i, err)
		}

		if err := s.In(uint64(serial.ComBase+i), []byte{0}); err != nil {
			t.Fatalf("In(%d): %v", i, err)
		}
	}
}

func TestTHRWritesToOutput(t *testing.T) {
	t.Parallel()

	s, _ := newTestSerial(t)

	var buf bytes.Buffer

	s.SetOutput(&buf)

	if err := s.Out(serial.ComBase, []byte{'A'}); err != nil {
		t.Fatal(err)
	}

	if got := buf.String(); got != "A" {
		t.Fatalf("THR output: got %q, want %q", got, "A")
	}
}

func TestSetOutputRedirectsToPipe(t *testing.T) {
	t.Parallel()

	s, _ := newTestSerial(t)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}

	s.SetOutput(w)

	if err := s.Out(serial.ComBase, []byte{'B'}); err != nil {
		t.Fatal(err)
	}

	w.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		t.Fatal(err)
	}

	if got := buf.String(); got != "B" {
		t.Fatalf("redirected output: got %q, want %q", got, "B")
	}
}

func TestEnqueueRXRaisesIRQAndFillsLSR(t *testing.T) {
	t.Parallel()

	s, fd := newTestSerial(t)

	if err := s.EnqueueRX('x'); err != nil {
		t.Fatalf("EnqueueRX: %v", err)
	}

	if v := readEventfd(t, fd); v != 1 {
		t.Fatalf("eventfd counter = %d, want 1", v)
	}

	lsr := s.ReadReg(5)
	if lsr&0x1 == 0 {
		t.Fatal("LSR data-ready bit not set after EnqueueRX")
	}

	rbr := s.ReadReg(0)
	if rbr != 'x' {
		t.Fatalf("RBR = %q, want %q", rbr, 'x')
	}

	lsr = s.ReadReg(5)
	if lsr&0x1 != 0 {
		t.Fatal("LSR data-ready bit still set after RBR drained the FIFO")
	}
}

func TestLCRRoundTrip(t *testing.T) {
	t.Parallel()

	s, _ := newTestSerial(t)

	if err := s.Out(serial.ComBase+3, []byte{0x03}); err != nil {
		t.Fatal(err)
	}

	var v [1]byte
	if err := s.In(serial.ComBase+3, v[:]); err != nil {
		t.Fatal(err)
	}

	if v[0] != 0x03 {
		t.Fatalf("LCR round trip: got %#x, want 0x03", v[0])
	}
}
