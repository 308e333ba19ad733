package capability

import (
	"github.com/irgordon/kozo/internal/kerrors"
	"github.com/irgordon/kozo/internal/pmm"
	"github.com/irgordon/kozo/internal/vmm"
)

const pageSize = 4096

// ThreadAllocator/ThreadFreer and EndpointAllocator/EndpointRevoker are
// injected by cmd/kozo's boot sequence. Retyping Untyped into a Thread
// or Endpoint object must allocate from the thread pool (internal/
// thread) or the endpoint pool (internal/ipc), but those packages in
// turn need to look up capability slots during ThreadCreate and
// Call/ReplyWait — making capability depend on either directly would
// create an import cycle. A function-variable registry breaks the
// cycle the way a driver table breaks a similar one, without pulling in
// an interface the way the rest of the domain-stack's "no heap" style
// avoids.
var (
	ThreadAllocator func() (id int, ok bool)
	ThreadFreer     func(id int)

	EndpointAllocator func() (id int, ok bool)
	EndpointRevoker   func(id int) // wakes every queued TCB with an error state
)

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// nominalSize returns the per-type size retype's bump accounting uses
// (spec §4.3 retype: "bump offset... by count × sizeof(new_type)
// (aligned up)"). CNode/Endpoint/Thread/IrqHandler objects live in
// fixed pools rather than inside the Untyped's own bytes (spec §9
// Design Notes' index-based recommendation), but they still consume
// "accounting bytes" from their parent Untyped so testable property 4
// (retype accounting) holds regardless of where the bytes physically
// live.
func nominalSize(t Type) uint64 {
	switch t {
	case TypeCNode:
		return CNodeSlots * 64
	case TypeEndpoint:
		return 64
	case TypeThread:
		return 256
	case TypeAddressSpace:
		return pageSize
	case TypeFrame:
		return pageSize
	case TypePageTable:
		return pageSize
	case TypeIrqHandler:
		return 32
	default:
		return pageSize
	}
}

// Retype converts `count` objects of newType out of the Untyped capability
// at srcRef, installing them starting at destCNode/destSlotStart (spec
// §4.3 retype). Partial retypes are never produced (spec §4.3 Retype
// failure policy): either every destination slot is filled, or none are
// and an error is returned (NoSpace when the Untyped is too small or a
// destination slot is occupied, otherwise the kind the failing object
// allocation reported, such as NoMem).
func Retype(srcRef SlotRef, newType Type, destCNode int, destSlotStart int, count int) kerrors.Kind {
	src := Slot(srcRef)
	if src == nil || src.Type != TypeUntyped {
		return kerrors.NoCap
	}
	if count <= 0 {
		return kerrors.Invalid
	}

	perObject := alignUp(nominalSize(newType), pageSize)
	total := perObject * uint64(count)
	if src.UntypedOffset+total > src.UntypedSize {
		return kerrors.NoSpace
	}

	// Verify every destination slot is Null before committing anything
	// (spec: "If the destination slot is not Null, returns NoSpace").
	for i := 0; i < count; i++ {
		dst := Slot(SlotRef{CNode: destCNode, Index: destSlotStart + i})
		if dst == nil || !dst.IsNull() {
			return kerrors.NoSpace
		}
	}

	for i := 0; i < count; i++ {
		ref := SlotRef{CNode: destCNode, Index: destSlotStart + i}
		dst := Slot(ref)
		objBase := src.UntypedBase + src.UntypedOffset + uint64(i)*perObject

		if kind := instantiate(newType, dst, objBase); kind != kerrors.OK {
			// Roll back any slots already instantiated in this batch —
			// retype must not produce a partial result.
			for j := 0; j < i; j++ {
				done := SlotRef{CNode: destCNode, Index: destSlotStart + j}
				unlinkChild(done)
				Slot(done).Clear()
			}
			return kind
		}

		dst.Rights = src.Rights
		dst.Badge = nextBadge(newType, uintptr(objBase))
		dst.Parent = srcRef
		dst.RetypedSize = perObject
		linkChild(srcRef, ref)
	}

	src.UntypedOffset += total
	return kerrors.OK
}

// instantiate materializes the backing object for newType at dst,
// drawing physical frames from the PMM or pool ids from the registered
// allocators as appropriate.
func instantiate(newType Type, dst *CapSlot, objBase uint64) kerrors.Kind {
	switch newType {
	case TypeCNode:
		id, ok := AllocCNode()
		if !ok {
			return kerrors.NoMem
		}
		dst.Type = TypeCNode
		dst.ObjID = id
	case TypeEndpoint:
		if EndpointAllocator == nil {
			return kerrors.NoMem
		}
		id, ok := EndpointAllocator()
		if !ok {
			return kerrors.NoMem
		}
		dst.Type = TypeEndpoint
		dst.ObjID = id
	case TypeThread:
		if ThreadAllocator == nil {
			return kerrors.NoMem
		}
		id, ok := ThreadAllocator()
		if !ok {
			return kerrors.NoMem
		}
		dst.Type = TypeThread
		dst.ObjID = id
	case TypeAddressSpace:
		root, kind := vmm.Global().CreateAddressSpace()
		if kind != kerrors.OK {
			return kind
		}
		dst.Type = TypeAddressSpace
		dst.ObjPhys = root
	case TypeFrame:
		phys, kind := pmm.Global().AllocFrame()
		if kind != kerrors.OK {
			return kind
		}
		dst.Type = TypeFrame
		dst.ObjPhys = phys
		dst.ObjSize = pageSize
	case TypePageTable:
		phys, kind := pmm.Global().AllocFrame()
		if kind != kerrors.OK {
			return kind
		}
		dst.Type = TypePageTable
		dst.ObjPhys = phys
	case TypeIrqHandler:
		dst.Type = TypeIrqHandler
		dst.IRQVector = uint8(objBase)
	default:
		return kerrors.Invalid
	}
	return kerrors.OK
}

// linkChild splices child onto parent's sibling list as the new head of
// FirstChild (O(1), matching the free-list idioms elsewhere in this
// kernel).
func linkChild(parentRef, childRef SlotRef) {
	parent := Slot(parentRef)
	child := Slot(childRef)
	child.NextSibling = parent.FirstChild
	child.PrevSibling = NilRef
	if old := Slot(parent.FirstChild); old != nil {
		old.PrevSibling = childRef
	}
	parent.FirstChild = childRef
}

func unlinkChild(childRef SlotRef) {
	child := Slot(childRef)
	if child == nil {
		return
	}
	if prev := Slot(child.PrevSibling); prev != nil {
		prev.NextSibling = child.NextSibling
	} else if parent := Slot(child.Parent); parent != nil {
		parent.FirstChild = child.NextSibling
	}
	if next := Slot(child.NextSibling); next != nil {
		next.PrevSibling = child.PrevSibling
	}
}

// Mint creates a child of srcRef at destRef whose rights are the
// intersection of the source's rights and rightsMask, with a freshly
// assigned badge (spec §4.3 mint; §8 properties 1-2).
func Mint(srcRef, destRef SlotRef, rightsMask Rights, newBadge uint64) kerrors.Kind {
	src := Slot(srcRef)
	if src == nil || src.IsNull() {
		return kerrors.NoCap
	}
	dst := Slot(destRef)
	if dst == nil || !dst.IsNull() {
		return kerrors.NoSpace
	}

	*dst = CapSlot{
		Type:        src.Type,
		Rights:      src.Rights & rightsMask,
		Badge:       newBadge,
		Parent:      srcRef,
		FirstChild:  NilRef,
		NextSibling: NilRef,
		PrevSibling: NilRef,
		UntypedBase: src.UntypedBase,
		UntypedSize: src.UntypedSize,
		ObjID:       src.ObjID,
		ObjPhys:     src.ObjPhys,
		ObjSize:     src.ObjSize,
		IRQVector:   src.IRQVector,
	}
	linkChild(srcRef, destRef)
	return kerrors.OK
}

// Transfer copies or moves the slot at srcRef to the slot at
// destCNode/destIndex; it is TransferRef with the destination given as
// CNode and index. On move the source becomes Null and the moved slot
// keeps the derivation subtree (spec §4.3 transfer: "on move the source
// becomes Null but its children remain linked through the moved slot.").
func Transfer(srcRef SlotRef, destCNode, destIndex int, move bool) kerrors.Kind {
	return TransferRef(srcRef, SlotRef{CNode: destCNode, Index: destIndex}, move)
}

// TransferRef is Transfer's ref-typed form; the CapTransfer syscall
// reaches it through Transfer. On move it re-homes the children's Parent
// links, the parent's FirstChild and the neighbouring siblings' links
// onto destRef before Nulling srcRef.
func TransferRef(srcRef, destRef SlotRef, move bool) kerrors.Kind {
	src := Slot(srcRef)
	if src == nil || src.IsNull() {
		return kerrors.NoCap
	}
	dst := Slot(destRef)
	if dst == nil || !dst.IsNull() {
		return kerrors.NoSpace
	}

	*dst = *src
	if move {
		// Re-home every child's Parent/sibling bookkeeping onto destRef
		// so the derivation tree still resolves correctly (spec: "its
		// children remain linked through the moved slot").
		for c := Slot(dst.FirstChild); c != nil; c = Slot(c.NextSibling) {
			c.Parent = destRef
		}
		if parent := Slot(src.Parent); parent != nil && parent.FirstChild == srcRef {
			parent.FirstChild = destRef
		}
		if prev := Slot(src.PrevSibling); prev != nil {
			prev.NextSibling = destRef
		}
		if next := Slot(src.NextSibling); next != nil {
			next.PrevSibling = destRef
		}
		src.Clear()
	}
	return kerrors.OK
}

// Delete removes a slot from a CNode without destroying its subtree
// (spec §4.3 delete: "used when the subtree is being moved"). The slot is
// unlinked from its parent's child list and Nulled; its children keep
// Parent links naming the now-Null slot and are not re-linked anywhere.
// The CapDelete and EndpointDelete syscalls call it directly.
func Delete(ref SlotRef) kerrors.Kind {
	s := Slot(ref)
	if s == nil {
		return kerrors.NoCap
	}
	unlinkChild(ref)
	s.Clear()
	return kerrors.OK
}

// Revoke recursively destroys ref's entire derivation subtree,
// reclaiming resources, then Nulls ref itself (spec §4.3 revoke, §4.3
// "Revoke ordering": depth-first post-order, so every descendant is
// destroyed before any resource it depends on is reclaimed).
func Revoke(ref SlotRef) kerrors.Kind {
	s := Slot(ref)
	if s == nil {
		return kerrors.NoCap
	}
	revokeChildren(ref)
	reclaim(s)
	unlinkChild(ref)
	s.Clear()
	return kerrors.OK
}

func revokeChildren(ref SlotRef) {
	parent := Slot(ref)
	for {
		child := Slot(parent.FirstChild)
		if child == nil {
			break
		}
		childRef := parent.FirstChild
		revokeChildren(childRef)
		reclaim(child)
		parent.FirstChild = child.NextSibling
		if next := Slot(child.NextSibling); next != nil {
			next.PrevSibling = NilRef
		}
		child.Clear()
	}
}

// reclaim returns a slot's backing resource to its owning allocator
// (spec §4.3 Revoke ordering, enumerating CNode/Endpoint/Thread/Frame),
// and gives back the space it charged against its parent Untyped, if
// any (spec §8 Testable Property 4: "offset equals the sum of aligned
// sizes of all children ever retyped... minus the aligned sizes of all
// children revoked").
func reclaim(s *CapSlot) {
	if s.RetypedSize != 0 {
		if parent := Slot(s.Parent); parent != nil && parent.Type == TypeUntyped {
			parent.UntypedOffset -= s.RetypedSize
		}
	}

	switch s.Type {
	case TypeCNode:
		// Revoke ordering (spec §4.3): "if the node is a CNode, revoke
		// all its slots first" — otherwise any Frame/Thread/Endpoint
		// capability still stored in it would be dropped without ever
		// returning its backing resource to its allocator.
		revokeCNodeContents(s.ObjID)
		FreeCNode(s.ObjID)
	case TypeEndpoint:
		if EndpointRevoker != nil {
			EndpointRevoker(s.ObjID)
		}
	case TypeThread:
		if ThreadFreer != nil {
			ThreadFreer(s.ObjID)
		}
	case TypeFrame, TypePageTable, TypeAddressSpace:
		if s.ObjPhys != 0 {
			pmm.Global().FreeFrame(s.ObjPhys)
		}
	}
}

// revokeCNodeContents destroys every capability stored in a CNode before
// the CNode's own backing storage is returned to the pool, applying the
// same depth-first subtree-then-reclaim order Revoke uses at the top
// level.
func revokeCNodeContents(cnodeID int) {
	for i := 0; i < CNodeSlots; i++ {
		ref := SlotRef{CNode: cnodeID, Index: i}
		s := Slot(ref)
		if s == nil || s.IsNull() {
			continue
		}
		revokeChildren(ref)
		reclaim(s)
		unlinkChild(ref)
		s.Clear()
	}
}
