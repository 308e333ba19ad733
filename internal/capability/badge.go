package capability

import "sync/atomic"

// badgeCounter is the per-kernel monotonically increasing counter mixed
// into every freshly generated badge (spec §4.3 Badge generation). A
// single global counter is sufficient under spec §5's single-processor
// model; atomic only so a future SMP extension (spec §5) doesn't need to
// touch this function.
var badgeCounter uint64

// nextBadge derives a 63-bit badge from the counter, the slot's physical
// location (or, for objects with no physical backing yet, a caller-
// supplied discriminator such as a CNode/pool id), and the type tag
// (spec §4.3: "collision-free within the lifetime of a single boot...
// explicitly NOT claimed to be cryptographically unpredictable" — see
// spec §9 Design Notes for the accepted weakness).
func nextBadge(t Type, location uintptr) uint64 {
	n := atomic.AddUint64(&badgeCounter, 1)
	mixed := n<<8 ^ uint64(location)<<1 ^ uint64(t)
	return mixed & 0x7FFFFFFFFFFFFFFF // 63-bit, top bit always clear
}

// Verify performs a constant-time equality check between the badge
// stored at ref and expected (spec §4.3 verify, §4.3 "constant-time
// equality on the badge"). Constant-time here means data-independent
// branching, not a cryptographic timing guarantee.
func Verify(ref SlotRef, expected uint64) bool {
	s := Slot(ref)
	if s == nil {
		return false
	}
	var diff uint64
	diff = s.Badge ^ expected
	return diff == 0
}
