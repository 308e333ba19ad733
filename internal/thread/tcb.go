// Package thread implements the thread control block pool (spec
// component C5, §4.4): a fixed array of TCBs linked by a free-list for
// O(1) alloc/free, plus setupThread's synthetic stack-frame construction.
// Grounded on the teacher's fixed-pool-plus-free-list idiom, the same
// shape internal/capability's CNode pool and internal/pmm's bitmap
// allocator both already use.
package thread

import (
	"unsafe"

	"github.com/irgordon/kozo/internal/arch/x86_64"
	"github.com/irgordon/kozo/internal/capability"
)

// MaxThreads is MAX_THREADS from spec §6's exposed constants.
const MaxThreads = 256

// State is a TCB's scheduling/IPC state (spec §3 TCB).
type State uint8

const (
	StateFree State = iota
	StateSuspended
	StateRunnable
	StateRunning
	StateBlocked
	StateBlockedSend
	StateBlockedRecv
	StateBlockedReply
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "Free"
	case StateSuspended:
		return "Suspended"
	case StateRunnable:
		return "Runnable"
	case StateRunning:
		return "Running"
	case StateBlocked:
		return "Blocked"
	case StateBlockedSend:
		return "BlockedSend"
	case StateBlockedRecv:
		return "BlockedRecv"
	case StateBlockedReply:
		return "BlockedReply"
	default:
		return "?"
	}
}

// IPCScratch is the per-thread scratch buffer spec §6 sizes at 512 bytes.
// IPC itself carries messages and badges in MsgRegisters and Badge, not
// in this buffer.
const IPCScratch = 512

// TCB is the fixed-layout thread control block (spec §3 TCB). Fields the
// scheduler and IPC code read/write directly are exported; the pool's
// own free-list linkage (next) is unexported the same way pmm's cursor is.
type TCB struct {
	TID            int
	Priority       uint8
	State          State
	KernelStackTop uintptr
	SavedStackPtr  uintptr
	AddressSpaceID uintptr // CR3-equivalent: the root page table's physical address
	CapRoot        capability.SlotRef

	// Run-queue singly-linked link (spec §3 Run queue), reused as the
	// endpoint send/recv queue link — a TCB is never on both at once
	// (spec §3 Endpoint invariant: "enqueued on at most one endpoint
	// queue").
	NextRunnable int // -1 terminates; index into the pool, not a pointer

	// IPC bookkeeping populated while BlockedSend/BlockedReply.
	Badge        uint64
	MsgRegisters [3]uint64

	Scratch [IPCScratch]byte

	next int // free-list link; meaningless unless State == StateFree
}

var (
	pool        [MaxThreads]TCB
	freeHead    int
	poolInit    bool
)

func ensurePoolInit() {
	if poolInit {
		return
	}
	for i := range pool {
		pool[i].TID = i
		pool[i].State = StateFree
		pool[i].NextRunnable = -1
		pool[i].next = i + 1
	}
	pool[MaxThreads-1].next = -1
	freeHead = 0
	poolInit = true
}

// AllocTCB pops the free-list head (spec §4.4 Pool: "Alloc pops the
// head... O(1)"). Matches the capability.ThreadAllocator registry
// signature.
func AllocTCB() (int, bool) {
	ensurePoolInit()
	if freeHead == -1 {
		return 0, false
	}
	tid := freeHead
	freeHead = pool[tid].next
	t := &pool[tid]
	*t = TCB{TID: tid, State: StateSuspended, NextRunnable: -1}
	return tid, true
}

// FreeTCB pushes the TCB back onto the free-list head (spec §4.4 Pool:
// "free pushes to the head... O(1)"). Matches capability.ThreadFreer.
func FreeTCB(tid int) {
	ensurePoolInit()
	if tid < 0 || tid >= MaxThreads || pool[tid].State == StateFree {
		return
	}
	pool[tid].State = StateFree
	pool[tid].next = freeHead
	freeHead = tid
}

// Get returns a pointer to the TCB at tid, or nil if out of range or free.
func Get(tid int) *TCB {
	ensurePoolInit()
	if tid < 0 || tid >= MaxThreads || pool[tid].State == StateFree {
		return nil
	}
	return &pool[tid]
}

var currentTID = -1

// Current returns the Running TCB, or nil before the first switchTo
// (spec §4.4 Public contract: current() → tcb).
func Current() *TCB {
	if currentTID < 0 {
		return nil
	}
	return Get(currentTID)
}

// SetCurrent is called by internal/sched after a context switch lands on
// a new thread; modeled as "an explicit parameter to scheduler primitives
// plus a single mutable slot owned by the scheduler module" per spec §9
// Design Notes, rather than a free-floating global thread can mutate.
func SetCurrent(tid int) {
	currentTID = tid
}

// SetupThread builds the synthetic kernel-stack frame described in spec
// §4.4 setupThread: a privilege-return frame followed by zeroed
// callee-saved registers, such that the next switchTo resumes the
// thread as though it had just been interrupted.
func SetupThread(tcb *TCB, entry, userSP, kernelSP uintptr, userMode bool) {
	tcb.KernelStackTop = kernelSP
	tcb.SavedStackPtr = x86_64.BuildInitialStack(kernelSP, entry, userSP, userMode)
	tcb.State = StateSuspended
}

// kernelStackBytes is each TCB's kernel stack size — large enough for a
// trap frame plus a few call levels of kernel-mode C-like code, never
// grown (spec §1: no general-purpose heap).
const kernelStackBytes = 16 * 1024

// kernelStacks is the fixed per-TCB kernel stack pool: a thread created
// through the ThreadCreate syscall (as opposed to the bootstrap threads
// cmd/kozo wires up directly with its own stack arrays) draws its
// kernel stack from here rather than requiring the caller to supply one.
var kernelStacks [MaxThreads][kernelStackBytes]byte

// KernelStackTopFor returns the top of tid's slot in the fixed kernel
// stack pool, for SetupThread's kernelSP argument.
func KernelStackTopFor(tid int) uintptr {
	return uintptr(unsafe.Pointer(&kernelStacks[tid][kernelStackBytes-1])) + 1
}
