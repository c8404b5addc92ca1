package term_test

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/vireo-vmm/vireo/term"
)

func TestIsTerminal(t *testing.T) {
	t.Parallel()

	// Test binaries' stdin is not a terminal.
	if term.IsTerminal() {
		t.Fatal("stdin reported as a terminal under go test")
	}
}

func TestSetRawMode(t *testing.T) {
	t.Parallel()

	if _, err := term.SetRawMode(); err != nil && !errors.Is(err, unix.ENOTTY) {
		t.Fatalf("SetRawMode: %v", err)
	}
}
