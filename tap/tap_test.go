package tap_test

import (
	"errors"
	"os/exec"
	"strings"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/vireo-vmm/vireo/tap"
)

func requireIPCommand(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("ip"); err != nil {
		t.Skip("skipping: `ip` command unavailable")
	}
}

func TestNew(t *testing.T) { //nolint:paralleltest
	requireIPCommand(t)

	tp, err := tap.New("test_tap")
	if err != nil {
		t.Skipf("skipping: TAP setup unavailable: %v", err)
	}

	if err := tp.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNewRejectsLongName(t *testing.T) {
	t.Parallel()

	_, err := tap.New(strings.Repeat("x", tap.MaxNameLen+1))
	if !errors.Is(err, tap.ErrNameTooLong) {
		t.Fatalf("New with over-long name: got %v, want ErrNameTooLong", err)
	}
}

func TestWrite(t *testing.T) { //nolint:paralleltest
	requireIPCommand(t)

	tp, err := tap.New("test_write")
	if err != nil {
		t.Skipf("skipping: TAP setup unavailable: %v", err)
	}
	defer tp.Close()

	if err := exec.Command("ip", "link", "set", "test_write", "up").Run(); err != nil {
		t.Fatal(err)
	}

	if _, err := tp.Write(make([]byte, tap.VnetHdrSize+20)); err != nil {
		t.Fatal(err)
	}
}

func TestRead(t *testing.T) { //nolint:paralleltest
	requireIPCommand(t)

	tp, err := tap.New("test_read")
	if err != nil {
		t.Skipf("skipping: TAP setup unavailable: %v", err)
	}
	defer tp.Close()

	if err := exec.Command("ip", "link", "set", "test_read", "up").Run(); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 20)
	if _, err := tp.Read(buf); !errors.Is(err, unix.EAGAIN) {
		t.Fatal(err)
	}
}
