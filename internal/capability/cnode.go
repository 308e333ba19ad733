package capability

// CNodeSlots is the default 2^k slot count (spec §3 CNode, k=12).
const CNodeSlots = 4096

// MaxCNodes bounds the fixed pool every CNode's backing storage comes
// from — the CNode array itself, like the thread pool (spec §4.4), is a
// fixed array with a free list, not a general-purpose heap allocation.
const MaxCNodes = 64

type cnodeStorage struct {
	slots  [CNodeSlots]CapSlot
	inUse  bool
	nextFree int
}

var (
	cnodePool    [MaxCNodes]cnodeStorage
	cnodeFreeHead int
	cnodePoolInit bool
)

func ensureCNodePoolInit() {
	if cnodePoolInit {
		return
	}
	for i := 0; i < MaxCNodes; i++ {
		cnodePool[i].nextFree = i + 1
	}
	cnodePool[MaxCNodes-1].nextFree = -1
	cnodeFreeHead = 0
	cnodePoolInit = true
}

// AllocCNode takes the head of the pool free list, initializes every
// slot's derivation links to NilRef, and returns its id. O(1), mirroring
// the TCB pool's allocTCB contract (spec §4.4).
func AllocCNode() (int, bool) {
	ensureCNodePoolInit()
	if cnodeFreeHead == -1 {
		return 0, false
	}
	id := cnodeFreeHead
	cnodeFreeHead = cnodePool[id].nextFree
	cnodePool[id].inUse = true
	for i := range cnodePool[id].slots {
		cnodePool[id].slots[i].Clear()
	}
	return id, true
}

// FreeCNode returns a CNode's backing storage to the pool free list.
// Called only once every slot in it has been revoked (capability.Revoke
// for a CNode-typed slot does this before nulling the parent slot).
func FreeCNode(id int) {
	if id < 0 || id >= MaxCNodes || !cnodePool[id].inUse {
		return
	}
	cnodePool[id].inUse = false
	cnodePool[id].nextFree = cnodeFreeHead
	cnodeFreeHead = id
}

// Slot returns a pointer to the slot at ref, or nil if the reference is
// out of range. O(1) lookup, per spec §3 CNode invariant.
func Slot(ref SlotRef) *CapSlot {
	if ref.CNode < 0 || ref.CNode >= MaxCNodes || !cnodePool[ref.CNode].inUse {
		return nil
	}
	if ref.Index < 0 || ref.Index >= CNodeSlots {
		return nil
	}
	return &cnodePool[ref.CNode].slots[ref.Index]
}

// BootstrapRootCNode allocates the initial root CNode for the first
// user-mode service and seeds slot 0 with the initial Untyped donation
// (spec §2 Control flow; §6 Constants: "initial untyped donation =
// 16 MiB; root CNode slot count = 4096"). Returns the root CNode id.
func BootstrapRootCNode(untypedBase uint64, untypedSize uint64) int {
	id, ok := AllocCNode()
	if !ok {
		panic("capability: CNode pool exhausted during boot")
	}
	root := &cnodePool[id].slots[0]
	root.Type = TypeUntyped
	root.Rights = RightRead | RightWrite | RightGrant | RightMap
	root.Badge = nextBadge(TypeUntyped, uintptr(untypedBase))
	root.UntypedBase = untypedBase
	root.UntypedSize = untypedSize
	root.Parent = NilRef
	root.FirstChild = NilRef
	root.NextSibling = NilRef
	root.PrevSibling = NilRef
	return id
}
