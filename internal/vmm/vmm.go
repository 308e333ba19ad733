// Package vmm implements the virtual memory manager (spec §4.2,
// component C3): recursive-paging manipulation of the active x86-64
// four-level address space, on-demand intermediate-table creation, and
// address-space creation. Grounded on the recursive-paging technique
// spec §4.2/§9 describes and on the teacher's page.go (ARM64 multi-level
// walk with on-demand table allocation) generalized from ARM64's
// AF/shareability bits to x86-64's present/write/user/NX bits; the
// bitmap-PMM-backed table allocation mirrors gopher-os/gopher-os's
// kernel/mem/vmm/vmm.go (other_examples/), the pack's other concrete
// recursive/multi-level x86 VMM reference.
package vmm

import (
	"unsafe"

	"github.com/irgordon/kozo/internal/arch/x86_64"
	"github.com/irgordon/kozo/internal/kerrors"
	"github.com/irgordon/kozo/internal/pmm"
)

const (
	pageSize  = 4096
	pteCount  = 512
	entryMask = 0x1FF

	// RecursiveSlot is the fixed PML4 index whose entry points at the
	// root itself, making every intermediate table addressable at a
	// fixed virtual window (spec §4.2 Recursive paging).
	RecursiveSlot = 510

	recursiveBase = uintptr(0xFFFF800000000000) // canonical higher-half window, RecursiveSlot-aligned

	// directMapBase is a fixed offset at which the kernel keeps every
	// physical frame mapped 1:1 for the lifetime of the boot (installed
	// once by the boot-time page tables the firmware/kernel-entry
	// trampoline builds before VMM.Init runs). It exists solely so a
	// freshly allocated frame can be zeroed before it has been linked
	// into any table hierarchy and is therefore not yet reachable
	// through the recursive window (spec §4.2's recursive scheme only
	// makes a table visible once some entry points at it).
	directMapBase = uintptr(0xFFFF880000000000)
)

// PhysToDirectMap returns the permanently-mapped virtual alias of a
// physical address, used only to touch frames before they are linked
// into the recursive hierarchy (CreateAddressSpace's fresh root).
//
//go:nosplit
func PhysToDirectMap(phys uintptr) uintptr {
	return directMapBase + phys
}

// Flags packs the leaf/table bits this VMM understands (spec §4.2 Flags
// set). W^X is enforced in MapPage, not here.
type Flags struct {
	Write      bool
	User       bool
	WriteThru  bool
	CacheDis   bool
	NoExecute  bool
	Global     bool
}

const (
	ptePresent   = 1 << 0
	pteWrite     = 1 << 1
	pteUser      = 1 << 2
	pteWriteThru = 1 << 3
	pteCacheDis  = 1 << 4
	pteAccessed  = 1 << 5
	pteDirty     = 1 << 6
	pteGlobal    = 1 << 8
	pteNoExec    = 1 << 63
)

func (f Flags) bits(leafPresent bool) uint64 {
	var b uint64
	if f.Write {
		b |= pteWrite
	}
	if f.User {
		b |= pteUser
	}
	if f.WriteThru {
		b |= pteWriteThru
	}
	if f.CacheDis {
		b |= pteCacheDis
	}
	if f.Global {
		b |= pteGlobal
	}
	if f.NoExecute {
		b |= pteNoExec
	}
	if leafPresent {
		b |= ptePresent | pteAccessed
	}
	return b
}

// indices splits a canonical virtual address into its four page-table
// indices (l4, l3, l2, l1), spec §4.2 Recursive paging.
func indices(virt uintptr) (l4, l3, l2, l1 int) {
	l4 = int((virt >> 39) & entryMask)
	l3 = int((virt >> 30) & entryMask)
	l2 = int((virt >> 21) & entryMask)
	l1 = int((virt >> 12) & entryMask)
	return
}

// tableWindow computes the fixed virtual address at which the level-N
// table covering virt is mapped through the recursive slot, per spec
// §4.2: "the level-1 table that contains l1 is accessible at
// BASE | (l4<<30) | (l3<<21) | (l2<<12), and so on recursively."
func tableWindow(level int, virt uintptr) uintptr {
	l4, l3, l2, _ := indices(virt)
	addr := recursiveBase | uintptr(RecursiveSlot)<<39
	switch level {
	case 1: // the L1 (PT) table covering virt
		addr |= uintptr(l4)<<30 | uintptr(l3)<<21 | uintptr(l2)<<12
	case 2: // the L2 (PD) table covering virt
		addr |= uintptr(RecursiveSlot)<<30 | uintptr(l4)<<21 | uintptr(l3)<<12
	case 3: // the L3 (PDPT) table covering virt
		addr |= uintptr(RecursiveSlot)<<30 | uintptr(RecursiveSlot)<<21 | uintptr(l4)<<12
	case 4: // the root (PML4) itself
		addr |= uintptr(RecursiveSlot)<<30 | uintptr(RecursiveSlot)<<21 | uintptr(RecursiveSlot)<<12
	}
	return addr
}

func tablePtr(level int, virt uintptr) *[pteCount]uint64 {
	return (*[pteCount]uint64)(unsafe.Pointer(tableWindow(level, virt)))
}

// Manager operates on the currently-loaded address space. Callers switch
// CR3 (via sched.switchTo) before invoking Manager methods for a
// non-current address space's mappings to be visible through the
// recursive window.
type Manager struct {
	alloc *pmm.Allocator
}

var global Manager

// Global returns the process-wide VMM instance.
func Global() *Manager { return &global }

// Init records the allocator the VMM takes intermediate-table frames
// from (spec §4.2 is silent on the allocator identity; this kernel uses
// the same PMM instance as everything else, per spec §5 "process-wide").
func (m *Manager) Init(alloc *pmm.Allocator) {
	m.alloc = alloc
}

// ensureTable walks from level 4 down to level 2, allocating and
// installing any missing intermediate table (spec §4.2 Map algorithm:
// "if the entry is not present, allocate a frame via PMM, zero it, and
// install it with present+write").
func (m *Manager) ensureTable(virt uintptr, userAccessible bool) kerrors.Kind {
	l4, l3, l2, _ := indices(virt)
	levels := []struct {
		parentLevel int
		index       int
		childLevel  int
	}{
		{4, l4, 3},
		{3, l3, 2},
		{2, l2, 1},
	}
	for _, lvl := range levels {
		parent := tablePtr(lvl.parentLevel, virt)
		if parent[lvl.index]&ptePresent == 0 {
			frame, kind := m.alloc.AllocFrame()
			if kind != kerrors.OK {
				return kerrors.NoMem
			}
			entry := uint64(frame) | ptePresent | pteWrite
			if userAccessible {
				entry |= pteUser
			}
			parent[lvl.index] = entry
			x86_64.Invlpg(tableWindow(lvl.childLevel, virt))
			child := tablePtr(lvl.childLevel, virt)
			x86_64.Bzero(unsafe.Pointer(child), pageSize)
		}
	}
	return kerrors.OK
}

// MapPage installs a present leaf mapping virt -> phys with the given
// flags (spec §4.2 Map algorithm + Flags set). Enforces W^X at the leaf
// for user mappings (spec §4.2: "if Write is set, No-Execute must also
// be set for user mappings").
func (m *Manager) MapPage(virt, phys uintptr, flags Flags) kerrors.Kind {
	if flags.User && flags.Write && !flags.NoExecute {
		return kerrors.AccessDenied
	}
	if kind := m.ensureTable(virt, flags.User); kind != kerrors.OK {
		return kind
	}
	_, _, _, l1 := indices(virt)
	pt := tablePtr(1, virt)
	if pt[l1]&ptePresent != 0 {
		return kerrors.InvalidState // AlreadyMapped, see Err below
	}
	pt[l1] = (uint64(phys) &^ (pageSize - 1)) | flags.bits(true)
	x86_64.Invlpg(virt)
	return kerrors.OK
}

// ErrAlreadyMapped is the distinguished return value MapPage produces
// when the target page is already present (spec §4.2, scenario S5). It
// is surfaced as kerrors.InvalidState at the syscall boundary (spec §7
// does not carry a dedicated AlreadyMapped kind) but callers within the
// kernel that need to distinguish it from other InvalidState causes
// can call IsMapped first. Neither the ELF loader in cmd/kozo nor
// syscall 21 does so.
var ErrAlreadyMapped = kerrors.InvalidState

// UnmapPage clears the leaf entry for virt, if present. Absent mappings
// are a no-op (spec §4.2 contract lists no error for unmapping a hole).
func (m *Manager) UnmapPage(virt uintptr) {
	l4, l3, l2, l1 := indices(virt)
	if tablePtr(4, virt)[l4]&ptePresent == 0 {
		return
	}
	if tablePtr(3, virt)[l3]&ptePresent == 0 {
		return
	}
	if tablePtr(2, virt)[l2]&ptePresent == 0 {
		return
	}
	pt := tablePtr(1, virt)
	pt[l1] = 0
	x86_64.Invlpg(virt)
}

// IsMapped reports whether virt has a present leaf mapping (spec §4.2,
// §9 Open Questions). No caller in this module uses it; the ELF
// loader relies on MapPage's InvalidState result instead.
func (m *Manager) IsMapped(virt uintptr) bool {
	l4, l3, l2, l1 := indices(virt)
	if tablePtr(4, virt)[l4]&ptePresent == 0 {
		return false
	}
	if tablePtr(3, virt)[l3]&ptePresent == 0 {
		return false
	}
	if tablePtr(2, virt)[l2]&ptePresent == 0 {
		return false
	}
	return tablePtr(1, virt)[l1]&ptePresent != 0
}

// CreateAddressSpace allocates a fresh root table, copies the
// higher-half kernel entries from the currently active root so every
// address space sees the kernel, installs the self-referential slot, and
// returns its physical address (spec §4.2 createAddressSpace).
func (m *Manager) CreateAddressSpace() (uintptr, kerrors.Kind) {
	newRootPhys, kind := m.alloc.AllocFrame()
	if kind != kerrors.OK {
		return 0, kerrors.NoMem
	}

	// The new root isn't addressable through the recursive window until
	// it is installed somewhere; zero it via the permanent direct-map
	// alias instead.
	newRoot := (*[pteCount]uint64)(unsafe.Pointer(PhysToDirectMap(newRootPhys)))
	x86_64.Bzero(unsafe.Pointer(newRoot), pageSize)

	current := tablePtr(4, 0)
	for i := RecursiveSlot + 1; i < pteCount; i++ {
		newRoot[i] = current[i]
	}
	for i := 256; i < RecursiveSlot; i++ {
		newRoot[i] = current[i]
	}

	newRoot[RecursiveSlot] = uint64(newRootPhys) | ptePresent | pteWrite

	return newRootPhys, kerrors.OK
}
