package capability

import (
	"testing"

	"github.com/irgordon/kozo/internal/kerrors"
)

func resetPools() {
	cnodePoolInit = false
	cnodeFreeHead = 0
	for i := range cnodePool {
		cnodePool[i] = cnodeStorage{}
	}
}

func newRootWithUntyped(t *testing.T, size uint64) (int, SlotRef) {
	t.Helper()
	resetPools()
	root := BootstrapRootCNode(0x1000_0000, size)
	return root, SlotRef{CNode: root, Index: 0}
}

func TestRetypeCNodeAdvancesOffsetAndLinksParent(t *testing.T) {
	root, untypedRef := newRootWithUntyped(t, 16<<20)

	if kind := Retype(untypedRef, TypeCNode, root, 1, 1); kind != kerrors.OK {
		t.Fatalf("Retype: %v", kind)
	}

	slot1 := Slot(SlotRef{CNode: root, Index: 1})
	if slot1.Type != TypeCNode {
		t.Fatalf("slot1.Type = %v, want CNode", slot1.Type)
	}
	if slot1.Parent != untypedRef {
		t.Fatalf("slot1.Parent = %+v, want %+v", slot1.Parent, untypedRef)
	}

	untyped := Slot(untypedRef)
	want := alignUp(nominalSize(TypeCNode), pageSize)
	if untyped.UntypedOffset != want {
		t.Fatalf("UntypedOffset = %d, want %d", untyped.UntypedOffset, want)
	}
}

func TestRetypeNoSpaceWhenDestNotNull(t *testing.T) {
	root, untypedRef := newRootWithUntyped(t, 16<<20)
	if kind := Retype(untypedRef, TypeCNode, root, 1, 1); kind != kerrors.OK {
		t.Fatalf("first Retype: %v", kind)
	}
	if kind := Retype(untypedRef, TypeCNode, root, 1, 1); kind != kerrors.NoSpace {
		t.Fatalf("second Retype into occupied slot = %v, want NoSpace", kind)
	}
}

func TestRetypeNoSpaceWhenUntypedExhausted(t *testing.T) {
	root, untypedRef := newRootWithUntyped(t, 4096)
	if kind := Retype(untypedRef, TypeCNode, root, 1, 1); kind != kerrors.NoSpace {
		t.Fatalf("Retype = %v, want NoSpace (CNode nominal size exceeds tiny region)", kind)
	}
}

func TestMintNarrowsRightsAndFreshBadge(t *testing.T) {
	root, untypedRef := newRootWithUntyped(t, 16<<20)
	EndpointAllocator = func() (int, bool) { return 7, true }
	defer func() { EndpointAllocator = nil }()

	if kind := Retype(untypedRef, TypeEndpoint, root, 1, 1); kind != kerrors.OK {
		t.Fatalf("Retype: %v", kind)
	}
	src := SlotRef{CNode: root, Index: 1}
	dst := SlotRef{CNode: root, Index: 2}

	if kind := Mint(src, dst, RightRead, 0xABCD); kind != kerrors.OK {
		t.Fatalf("Mint: %v", kind)
	}

	srcSlot, dstSlot := Slot(src), Slot(dst)
	if dstSlot.Rights != RightRead {
		t.Fatalf("minted rights = %v, want Read only", dstSlot.Rights)
	}
	if !dstSlot.Rights.Subset(srcSlot.Rights) {
		t.Fatalf("rights monotonicity violated: %v not subset of %v", dstSlot.Rights, srcSlot.Rights)
	}
	if dstSlot.Badge == srcSlot.Badge {
		t.Fatalf("minted badge equals parent badge, want distinct")
	}
	if dstSlot.Badge != 0xABCD {
		t.Fatalf("minted badge = %#x, want %#x", dstSlot.Badge, 0xABCD)
	}
}

func TestTransferByCNodeIndexMatchesTransferRef(t *testing.T) {
	root, untypedRef := newRootWithUntyped(t, 16<<20)
	EndpointAllocator = func() (int, bool) { return 1, true }
	defer func() { EndpointAllocator = nil }()
	Retype(untypedRef, TypeEndpoint, root, 1, 1)

	src := SlotRef{CNode: root, Index: 1}
	badgeBefore := Slot(src).Badge

	if kind := Transfer(src, root, 2, false); kind != kerrors.OK {
		t.Fatalf("Transfer: %v", kind)
	}
	dst := SlotRef{CNode: root, Index: 2}
	if Slot(dst).Badge != badgeBefore {
		t.Fatalf("copy changed badge: got %#x want %#x", Slot(dst).Badge, badgeBefore)
	}
	if Slot(src).IsNull() {
		t.Fatalf("non-move Transfer should leave source intact")
	}
}

func TestTransferRefPreservesBadgeAndMoveNullsSource(t *testing.T) {
	root, untypedRef := newRootWithUntyped(t, 16<<20)
	EndpointAllocator = func() (int, bool) { return 1, true }
	defer func() { EndpointAllocator = nil }()
	Retype(untypedRef, TypeEndpoint, root, 1, 1)

	src := SlotRef{CNode: root, Index: 1}
	dst := SlotRef{CNode: root, Index: 2}
	badgeBefore := Slot(src).Badge

	if kind := TransferRef(src, dst, true); kind != kerrors.OK {
		t.Fatalf("TransferRef: %v", kind)
	}
	if !Slot(src).IsNull() {
		t.Fatalf("moved source slot should be Null")
	}
	if Slot(dst).Badge != badgeBefore {
		t.Fatalf("move changed badge: got %#x want %#x", Slot(dst).Badge, badgeBefore)
	}
}

func TestRevokeClosureNullsDescendants(t *testing.T) {
	root, untypedRef := newRootWithUntyped(t, 16<<20)
	EndpointAllocator = func() (int, bool) { return 1, true }
	defer func() { EndpointAllocator = nil }()

	Retype(untypedRef, TypeEndpoint, root, 1, 1)
	epRef := SlotRef{CNode: root, Index: 1}
	mintedRef := SlotRef{CNode: root, Index: 2}
	Mint(epRef, mintedRef, RightRead, 0x42)

	if kind := Revoke(epRef); kind != kerrors.OK {
		t.Fatalf("Revoke: %v", kind)
	}
	if !Slot(epRef).IsNull() {
		t.Fatalf("revoked slot should be Null")
	}
	if !Slot(mintedRef).IsNull() {
		t.Fatalf("descendant of revoked slot should be Null")
	}
}

func TestRevokeReclaimsUntypedOffsetForFutureRetype(t *testing.T) {
	perCNode := alignUp(nominalSize(TypeCNode), pageSize)
	root, untypedRef := newRootWithUntyped(t, perCNode)

	if kind := Retype(untypedRef, TypeCNode, root, 1, 1); kind != kerrors.OK {
		t.Fatalf("first Retype: %v", kind)
	}
	if Slot(untypedRef).UntypedOffset != perCNode {
		t.Fatalf("UntypedOffset = %d, want %d", Slot(untypedRef).UntypedOffset, perCNode)
	}
	if kind := Retype(untypedRef, TypeCNode, root, 2, 1); kind != kerrors.NoSpace {
		t.Fatalf("Retype on exhausted Untyped = %v, want NoSpace", kind)
	}

	if kind := Revoke(SlotRef{CNode: root, Index: 1}); kind != kerrors.OK {
		t.Fatalf("Revoke: %v", kind)
	}
	if Slot(untypedRef).UntypedOffset != 0 {
		t.Fatalf("UntypedOffset after revoke = %d, want 0", Slot(untypedRef).UntypedOffset)
	}

	if kind := Retype(untypedRef, TypeCNode, root, 2, 1); kind != kerrors.OK {
		t.Fatalf("Retype after revoke = %v, want OK (space should have been reclaimed)", kind)
	}
}

func TestMintedCapabilityRevokeDoesNotTouchUntypedOffset(t *testing.T) {
	root, untypedRef := newRootWithUntyped(t, 16<<20)
	EndpointAllocator = func() (int, bool) { return 1, true }
	defer func() { EndpointAllocator = nil }()

	Retype(untypedRef, TypeEndpoint, root, 1, 1)
	offsetAfterRetype := Slot(untypedRef).UntypedOffset

	mintedRef := SlotRef{CNode: root, Index: 2}
	if kind := Mint(SlotRef{CNode: root, Index: 1}, mintedRef, RightRead, 0x99); kind != kerrors.OK {
		t.Fatalf("Mint: %v", kind)
	}
	if kind := Revoke(mintedRef); kind != kerrors.OK {
		t.Fatalf("Revoke(minted): %v", kind)
	}
	if Slot(untypedRef).UntypedOffset != offsetAfterRetype {
		t.Fatalf("revoking a minted (non-retyped) capability changed UntypedOffset: got %d want %d",
			Slot(untypedRef).UntypedOffset, offsetAfterRetype)
	}
}

func TestRevokeCNodeFirstRevokesItsContainedCapabilities(t *testing.T) {
	root, untypedRef := newRootWithUntyped(t, 16<<20)

	revoked := map[int]bool{}
	EndpointAllocator = func() (int, bool) { return 5, true }
	EndpointRevoker = func(id int) { revoked[id] = true }
	defer func() { EndpointAllocator, EndpointRevoker = nil, nil }()

	if kind := Retype(untypedRef, TypeCNode, root, 1, 1); kind != kerrors.OK {
		t.Fatalf("Retype CNode: %v", kind)
	}
	childCNode := Slot(SlotRef{CNode: root, Index: 1}).ObjID

	// Retype an Endpoint directly out of the same Untyped, installed
	// inside the freshly created CNode rather than the root.
	if kind := Retype(untypedRef, TypeEndpoint, childCNode, 0, 1); kind != kerrors.OK {
		t.Fatalf("Retype Endpoint into child CNode: %v", kind)
	}

	if kind := Revoke(SlotRef{CNode: root, Index: 1}); kind != kerrors.OK {
		t.Fatalf("Revoke(CNode): %v", kind)
	}
	if !revoked[5] {
		t.Fatal("revoking a CNode must first revoke the capabilities stored in it")
	}
}

func TestVerifyConstantTimeEquality(t *testing.T) {
	root, untypedRef := newRootWithUntyped(t, 16<<20)
	EndpointAllocator = func() (int, bool) { return 1, true }
	defer func() { EndpointAllocator = nil }()
	Retype(untypedRef, TypeEndpoint, root, 1, 1)
	ref := SlotRef{CNode: root, Index: 1}
	badge := Slot(ref).Badge

	if !Verify(ref, badge) {
		t.Fatal("Verify should succeed with the correct badge")
	}
	if Verify(ref, badge^1) {
		t.Fatal("Verify should fail with an incorrect badge")
	}
}
