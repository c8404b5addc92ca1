package bootparam

import "github.com/vireo-vmm/vireo/memory"

// Page table entry bits used by the identity map below.
const (
	ptexPresent = 1 << 0
	ptexWrite   = 1 << 1
	ptexPS      = 1 << 7
)

// identityMapSize is the span of guest physical memory the PDE identity-maps
// via 512 2 MiB pages: exactly 1 GiB.
const identityMapSize = 512 * (1 << 21)

// WritePageTables builds a single-PML4E, single-PDPTE, 512-entry-PDE set of
// long-mode page tables at PML4Addr/PDPTEAddr/PDEAddr that identity-map
// [0, 1 GiB).
func WritePageTables(mem *memory.GuestMemory) error {
	if err := memory.WriteObj(mem, PML4Addr, uint64(PDPTEAddr|ptexPresent|ptexWrite)); err != nil {
		return err
	}

	if err := memory.WriteObj(mem, PDPTEAddr, uint64(PDEAddr|ptexPresent|ptexWrite)); err != nil {
		return err
	}

	for i := uint64(0); i < 512; i++ {
		entry := (i << 21) | ptexPresent | ptexWrite | ptexPS
		if err := memory.WriteObj(mem, PDEAddr+i*8, entry); err != nil {
			return err
		}
	}

	return nil
}
