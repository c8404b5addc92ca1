package vmm

import "testing"

func TestMMIOGapBaseFloorsAtDefaultGap(t *testing.T) {
	t.Parallel()

	if got, want := mmioGapBase(64<<20), uint64(0xD0000000); got != want {
		t.Fatalf("mmioGapBase(64MiB) = %#x, want %#x", got, want)
	}
}

func TestMMIOGapBaseTracksLargeGuestMemory(t *testing.T) {
	t.Parallel()

	const memSize = 0xE0000007 // just past a 1 MiB boundary

	got := mmioGapBase(memSize)
	if got <= memSize {
		t.Fatalf("mmioGapBase(%#x) = %#x, want something above guest memory", memSize, got)
	}

	if got&(1<<20-1) != 0 {
		t.Fatalf("mmioGapBase(%#x) = %#x, not 1MiB-aligned", memSize, got)
	}
}
