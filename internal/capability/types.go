// Package capability implements the capability store (spec §4.3,
// component C4): CNodes, CapSlots, retype, mint, transfer, revoke,
// verify and delete, plus the derivation tree they maintain. Grounded on
// the teacher's TCB-pool style (fixed arrays, free lists, indices
// instead of pointers — spec §9 Design Notes recommends exactly this for
// a systems language "without pervasive aliasing") and on the rights/
// badge model spec §3-4.3 describes.
package capability

// Type tags a CapSlot with the kind of kernel object (or absence of one)
// it denotes (spec §3 CapSlot).
type Type uint8

const (
	TypeNull Type = iota
	TypeUntyped
	TypeCNode
	TypeEndpoint
	TypeThread
	TypeAddressSpace
	TypeFrame
	TypePageTable
	TypeIrqHandler
)

func (t Type) String() string {
	switch t {
	case TypeNull:
		return "Null"
	case TypeUntyped:
		return "Untyped"
	case TypeCNode:
		return "CNode"
	case TypeEndpoint:
		return "Endpoint"
	case TypeThread:
		return "Thread"
	case TypeAddressSpace:
		return "AddressSpace"
	case TypeFrame:
		return "Frame"
	case TypePageTable:
		return "PageTable"
	case TypeIrqHandler:
		return "IrqHandler"
	default:
		return "?"
	}
}

// Rights is a bitmask over {Read, Write, Grant, Map} (spec §3 CapSlot).
type Rights uint8

const (
	RightRead Rights = 1 << iota
	RightWrite
	RightGrant
	RightMap
)

// Subset reports whether every bit set in r is also set in parent —
// the rights-attenuation invariant (spec §4.3, §8 property 1).
func (r Rights) Subset(parent Rights) bool {
	return r&^parent == 0
}

// SlotRef names a slot by (CNode id, index within it), the index-based
// derivation-tree representation spec §9 recommends in place of raw
// pointers. The zero value is not a valid reference; NilRef is the
// explicit "no link" sentinel.
type SlotRef struct {
	CNode int
	Index int
}

// NilRef is the sentinel stored in derivation links that have no target
// (a root capability's Parent, a childless slot's FirstChild, a
// last-sibling's NextSibling).
var NilRef = SlotRef{CNode: -1, Index: -1}

func (r SlotRef) IsNil() bool { return r.CNode < 0 }

// CapSlot is the tagged record spec §3 describes: type, rights, badge,
// per-type data, and derivation links. Per-type data is flattened into
// named fields rather than boxed behind an interface — the kernel must
// not allocate from a general-purpose heap (spec §1), and an interface
// value holding a per-type struct would either escape to the heap or
// demand its own fixed-size union arena; flat fields are simpler and
// exactly as inspectable by DebugDumpCaps.
type CapSlot struct {
	Type   Type
	Rights Rights
	Badge  uint64

	Parent     SlotRef
	FirstChild SlotRef
	NextSibling SlotRef
	PrevSibling SlotRef // enables O(1) unlink during revoke/delete

	// Untyped
	UntypedBase   uint64
	UntypedSize   uint64
	UntypedOffset uint64

	// CNode / Endpoint / Thread: ObjID indexes the owning package's pool.
	ObjID int

	// AddressSpace / Frame / PageTable: ObjPhys is the object's physical
	// address; ObjSize is a Frame's byte size (always pageSize today,
	// carried explicitly so a future multi-page Frame retype needs no
	// format change).
	ObjPhys uintptr
	ObjSize uint64

	// IrqHandler
	IRQVector uint8

	// RetypedSize is the aligned per-object size Retype charged against
	// Parent's UntypedOffset (spec §8 Testable Property 4). Zero for
	// slots Mint produces, whose Parent names the source capability
	// rather than an Untyped. Revoke reads this back off Parent to give
	// the space back when the slot is reclaimed.
	RetypedSize uint64
}

// IsNull reports whether the slot carries no capability (spec §3
// invariant i: "a slot of type Null carries no data").
func (s *CapSlot) IsNull() bool { return s.Type == TypeNull }

// Clear resets a slot to Null, dropping all per-type data and links.
func (s *CapSlot) Clear() {
	*s = CapSlot{Parent: NilRef, FirstChild: NilRef, NextSibling: NilRef, PrevSibling: NilRef}
}
