// Package syscall implements the syscall dispatcher (spec component C8,
// §4.8): the numbered operation table, argument marshalling off the
// fast-syscall entry frame, and register scrubbing on return. Grounded
// on internal/trap's vector-table dispatch (the same "routing table of
// Go functions, no reflection" shape) applied to syscall numbers instead
// of CPU vectors.
package syscall

import (
	"unsafe"

	"github.com/irgordon/kozo/internal/arch/x86_64"
	"github.com/irgordon/kozo/internal/capability"
	"github.com/irgordon/kozo/internal/console"
	"github.com/irgordon/kozo/internal/ipc"
	"github.com/irgordon/kozo/internal/kerrors"
	"github.com/irgordon/kozo/internal/sched"
	"github.com/irgordon/kozo/internal/thread"
	"github.com/irgordon/kozo/internal/vmm"
)

// Syscall numbers (spec §6 Numbered operation surface).
const (
	CapCreate   = 1
	CapDelete   = 2
	CapRevoke   = 3
	CapTransfer = 4
	CapMint     = 5
	CapVerify   = 6

	IpcSend      = 10
	IpcRecv      = 11
	IpcCall      = 12
	IpcReplyWait = 13

	Retype     = 20
	MapFrame   = 21
	UnmapFrame = 22

	ThreadCreate      = 30
	ThreadResume      = 31
	ThreadSuspend     = 32
	ThreadSetPriority = 33

	EndpointCreate    = 40
	EndpointDelete    = 41
	NamespaceRegister = 42

	DebugDumpCaps = 98
	DebugPutchar  = 99
)

// Init installs Dispatch as the fast-syscall entry's handler (spec §4.8
// Entry).
func Init() {
	x86_64.SyscallHandler = Dispatch
}

// callerCNode resolves the current thread's root CNode id, the implicit
// capability namespace every syscall's slot-index arguments are read
// against (spec §3 CNode: "the sole storage container for capabilities
// owned by a thread").
func callerCNode() (int, kerrors.Kind) {
	cur := thread.Current()
	if cur == nil {
		return 0, kerrors.InvalidState
	}
	return cur.CapRoot.CNode, kerrors.OK
}

func callerRef(index int) (capability.SlotRef, kerrors.Kind) {
	cnode, kind := callerCNode()
	if kind != kerrors.OK {
		return capability.NilRef, kind
	}
	return capability.SlotRef{CNode: cnode, Index: index}, kerrors.OK
}

// Dispatch routes a syscall by number (spec §4.8 Entry: "validate
// 0 ≤ n < 100, route by number"). It is called by
// x86_64.dispatchSyscall with the frame the entry stub built; its
// return value becomes the frame's Number field, which the entry stub
// leaves in RAX across SYSRETQ (spec §4.8 Argument convention:
// "non-negative is success... negative values are the error kinds").
func Dispatch(frame *x86_64.SyscallFrame) int64 {
	n := frame.Number
	if n >= 100 {
		return kerrors.Invalid.AsSyscallReturn()
	}

	var result int64
	switch n {
	case CapCreate, Retype:
		result = int64(doRetype(frame).AsSyscallReturn())
	case CapDelete:
		result = int64(doDelete(frame).AsSyscallReturn())
	case CapRevoke:
		result = int64(doRevoke(frame).AsSyscallReturn())
	case CapTransfer:
		result = int64(doTransfer(frame).AsSyscallReturn())
	case CapMint:
		result = int64(doMint(frame).AsSyscallReturn())
	case CapVerify:
		result = doVerify(frame)

	case IpcSend:
		result = int64(doSend(frame).AsSyscallReturn())
	case IpcRecv:
		result = doRecv(frame)
	case IpcCall:
		result = int64(doCall(frame).AsSyscallReturn())
	case IpcReplyWait:
		result = int64(doReplyWait(frame).AsSyscallReturn())

	case MapFrame:
		result = int64(doMapFrame(frame).AsSyscallReturn())
	case UnmapFrame:
		result = int64(doUnmapFrame(frame).AsSyscallReturn())

	case ThreadCreate:
		result = doThreadCreate(frame)
	case ThreadResume:
		result = int64(doThreadResume(frame).AsSyscallReturn())
	case ThreadSuspend:
		result = int64(doThreadSuspend(frame).AsSyscallReturn())
	case ThreadSetPriority:
		result = int64(doThreadSetPriority(frame).AsSyscallReturn())

	case EndpointCreate:
		result = doEndpointCreate(frame)
	case EndpointDelete:
		result = int64(doDelete(frame).AsSyscallReturn())
	case NamespaceRegister:
		result = int64(doNamespaceRegister(frame).AsSyscallReturn())

	case DebugDumpCaps:
		debugDumpCaps(frame)
		result = 0
	case DebugPutchar:
		console.Putchar(byte(frame.Arg1))
		result = 0

	default:
		result = kerrors.Invalid.AsSyscallReturn()
	}

	scrub(frame)
	return result
}

// scrub implements spec §4.8 Exit: "Scrub non-return registers" — every
// argument register not part of the return contract is zeroed before
// the entry stub's SYSRETQ crosses back into user mode.
func scrub(frame *x86_64.SyscallFrame) {
	frame.Arg1, frame.Arg2, frame.Arg3 = 0, 0, 0
	frame.Arg4, frame.Arg5, frame.Arg6 = 0, 0, 0
}

// --- Capability ops (spec §4.3) ---

// doRetype backs both CapCreate(1) and Retype(20): the syscall surface
// names two entry points for the same mechanism (general-purpose
// capability creation vs. the memory-object-flavored entry point real
// callers use for Frame/PageTable/AddressSpace), but both bottom out in
// capability.Retype — there is exactly one retype algorithm (spec §4.3).
func doRetype(frame *x86_64.SyscallFrame) kerrors.Kind {
	srcRef, kind := callerRef(int(frame.Arg1))
	if kind != kerrors.OK {
		return kind
	}
	newType := capability.Type(frame.Arg2)
	destCNode := int(frame.Arg3)
	destSlotStart := int(frame.Arg4)
	count := int(frame.Arg5)
	return capability.Retype(srcRef, newType, destCNode, destSlotStart, count)
}

func doDelete(frame *x86_64.SyscallFrame) kerrors.Kind {
	ref, kind := callerRef(int(frame.Arg1))
	if kind != kerrors.OK {
		return kind
	}
	return capability.Delete(ref)
}

func doRevoke(frame *x86_64.SyscallFrame) kerrors.Kind {
	ref, kind := callerRef(int(frame.Arg1))
	if kind != kerrors.OK {
		return kind
	}
	return capability.Revoke(ref)
}

func doTransfer(frame *x86_64.SyscallFrame) kerrors.Kind {
	srcRef, kind := callerRef(int(frame.Arg1))
	if kind != kerrors.OK {
		return kind
	}
	destCNode := int(frame.Arg2)
	destIndex := int(frame.Arg3)
	move := frame.Arg4 != 0
	return capability.Transfer(srcRef, destCNode, destIndex, move)
}

func doMint(frame *x86_64.SyscallFrame) kerrors.Kind {
	srcRef, kind := callerRef(int(frame.Arg1))
	if kind != kerrors.OK {
		return kind
	}
	destRef, kind := callerRef(int(frame.Arg2))
	if kind != kerrors.OK {
		return kind
	}
	rightsMask := capability.Rights(frame.Arg3)
	newBadge := frame.Arg4
	return capability.Mint(srcRef, destRef, rightsMask, newBadge)
}

func doVerify(frame *x86_64.SyscallFrame) int64 {
	ref, kind := callerRef(int(frame.Arg1))
	if kind != kerrors.OK {
		return kind.AsSyscallReturn()
	}
	if capability.Verify(ref, frame.Arg2) {
		return 0
	}
	return kerrors.AccessDenied.AsSyscallReturn()
}

// --- IPC ops (spec §4.6) ---

func doSend(frame *x86_64.SyscallFrame) kerrors.Kind {
	ref, kind := callerRef(int(frame.Arg1))
	if kind != kerrors.OK {
		return kind
	}
	return ipc.Send(ref, frame.Arg2, frame.Arg3, frame.Arg4)
}

func doRecv(frame *x86_64.SyscallFrame) int64 {
	ref, kind := callerRef(int(frame.Arg1))
	if kind != kerrors.OK {
		return kind.AsSyscallReturn()
	}
	length, kind := ipc.Recv(ref)
	if kind != kerrors.OK {
		return kind.AsSyscallReturn()
	}
	return int64(length)
}

func doCall(frame *x86_64.SyscallFrame) kerrors.Kind {
	ref, kind := callerRef(int(frame.Arg1))
	if kind != kerrors.OK {
		return kind
	}
	return ipc.Call(ref, frame.Arg2, frame.Arg3, frame.Arg4)
}

func doReplyWait(frame *x86_64.SyscallFrame) kerrors.Kind {
	clientTID := int(frame.Arg1)
	r0, r1 := frame.Arg2, frame.Arg3
	epRef, kind := callerRef(int(frame.Arg4))
	if kind != kerrors.OK {
		return kind
	}
	return ipc.ReplyWait(clientTID, r0, r1, epRef)
}

// --- Memory ops (spec §4.2) ---

func doMapFrame(frame *x86_64.SyscallFrame) kerrors.Kind {
	virt := uintptr(frame.Arg1)
	phys := uintptr(frame.Arg2)
	flags := vmm.Flags{
		Write:     frame.Arg3&0x1 != 0,
		User:      frame.Arg3&0x2 != 0,
		WriteThru: frame.Arg3&0x4 != 0,
		CacheDis:  frame.Arg3&0x8 != 0,
		NoExecute: frame.Arg3&0x10 != 0,
		Global:    frame.Arg3&0x20 != 0,
	}
	return vmm.Global().MapPage(virt, phys, flags)
}

func doUnmapFrame(frame *x86_64.SyscallFrame) kerrors.Kind {
	vmm.Global().UnmapPage(uintptr(frame.Arg1))
	return kerrors.OK
}

// --- Thread ops (spec §4.4/§4.5) ---

// doThreadCreate backs ThreadCreate(30) the same "one retype algorithm,
// two entry points" way doRetype backs CapCreate/Retype: it retypes an
// Untyped into a Thread capability (capability.Retype's TypeThread path,
// which calls ThreadAllocator under the hood) so the new thread is
// always governed by a capability a later CapRevoke can target, then
// configures the resulting TCB's entry point and stack (spec §3 TCB:
// "freed only by explicit revoke of its Thread capability").
func doThreadCreate(frame *x86_64.SyscallFrame) int64 {
	srcRef, kind := callerRef(int(frame.Arg1))
	if kind != kerrors.OK {
		return kind.AsSyscallReturn()
	}
	destCNode := int(frame.Arg2)
	destSlot := int(frame.Arg3)
	entry := uintptr(frame.Arg4)
	userSP := uintptr(frame.Arg5)
	priority := uint8(frame.Arg6)

	if kind := capability.Retype(srcRef, capability.TypeThread, destCNode, destSlot, 1); kind != kerrors.OK {
		return kind.AsSyscallReturn()
	}

	destRef := capability.SlotRef{CNode: destCNode, Index: destSlot}
	tid := capability.Slot(destRef).ObjID
	tcb := thread.Get(tid)
	tcb.Priority = priority
	// The new thread's capability root is slot 0 of destCNode, the CNode
	// its Thread capability was just installed into (spec leaves
	// per-process CNode layout to the caller).
	tcb.CapRoot = capability.SlotRef{CNode: destCNode, Index: 0}
	thread.SetupThread(tcb, entry, userSP, thread.KernelStackTopFor(tid), true)
	return int64(tid)
}

func doThreadResume(frame *x86_64.SyscallFrame) kerrors.Kind {
	tid := int(frame.Arg1)
	tcb := thread.Get(tid)
	if tcb == nil {
		return kerrors.NoCap
	}
	if tcb.State != thread.StateSuspended {
		return kerrors.InvalidState
	}
	sched.Enqueue(tid)
	return kerrors.OK
}

func doThreadSuspend(frame *x86_64.SyscallFrame) kerrors.Kind {
	tid := int(frame.Arg1)
	tcb := thread.Get(tid)
	if tcb == nil {
		return kerrors.NoCap
	}
	tcb.State = thread.StateSuspended
	return kerrors.OK
}

// doThreadSetPriority implements spec §4.5 Discipline (priority is
// advisory) and spec §7's "priority escalation attempt" AccessDenied
// case: a thread may only lower its own priority number's urgency
// (raise the numeric value), never claim a more urgent one than it
// already has.
func doThreadSetPriority(frame *x86_64.SyscallFrame) kerrors.Kind {
	tid := int(frame.Arg1)
	newPriority := uint8(frame.Arg2)
	tcb := thread.Get(tid)
	if tcb == nil {
		return kerrors.NoCap
	}
	if newPriority < tcb.Priority {
		return kerrors.AccessDenied
	}
	tcb.Priority = newPriority
	return kerrors.OK
}

// --- Endpoint / naming ops (spec §4.6, §6 EXPANSION NamespaceRegister) ---

func doEndpointCreate(frame *x86_64.SyscallFrame) int64 {
	srcRef, kind := callerRef(int(frame.Arg1))
	if kind != kerrors.OK {
		return kind.AsSyscallReturn()
	}
	destCNode := int(frame.Arg2)
	destSlot := int(frame.Arg3)
	kind = capability.Retype(srcRef, capability.TypeEndpoint, destCNode, destSlot, 1)
	return kind.AsSyscallReturn()
}

const namespaceCapacity = 64

type namespaceEntry struct {
	name  [32]byte
	badge uint64
	inUse bool
}

var namespaceTable [namespaceCapacity]namespaceEntry

// doNamespaceRegister implements the trivial string-registration hook
// (spec §1 Non-goals permits exactly this, and no further naming
// service): copy up to 31 bytes of the name, look up the endpoint
// capability at Arg3 in the caller's CNode, and record (name, badge) in
// the first free table slot.
func doNamespaceRegister(frame *x86_64.SyscallFrame) kerrors.Kind {
	namePtr := uintptr(frame.Arg1)
	nameLen := int(frame.Arg2)
	endpointIndex := int(frame.Arg3)

	ref, kind := callerRef(endpointIndex)
	if kind != kerrors.OK {
		return kind
	}
	slot := capability.Slot(ref)
	if slot == nil || slot.Type != capability.TypeEndpoint {
		return kerrors.NoCap
	}

	for i := range namespaceTable {
		if !namespaceTable[i].inUse {
			copyNameFromUser(&namespaceTable[i].name, namePtr, nameLen)
			namespaceTable[i].badge = slot.Badge
			namespaceTable[i].inUse = true
			return kerrors.OK
		}
	}
	return kerrors.NoSpace
}

func copyNameFromUser(dst *[32]byte, src uintptr, length int) {
	if length > 31 {
		length = 31
	}
	srcBytes := (*[31]byte)(unsafe.Pointer(src))
	for i := 0; i < length; i++ {
		dst[i] = srcBytes[i]
	}
}

// --- Debug ops (spec §6 Numbered operation surface: 98-99) ---

func debugDumpCaps(frame *x86_64.SyscallFrame) {
	cnode := int(frame.Arg1)
	console.Puts("caps@")
	console.PutDec(uint64(cnode))
	console.Puts(":\n")
	for i := 0; i < capability.CNodeSlots; i++ {
		slot := capability.Slot(capability.SlotRef{CNode: cnode, Index: i})
		if slot == nil || slot.IsNull() {
			continue
		}
		console.Puts("  [")
		console.PutDec(uint64(i))
		console.Puts("] type=")
		console.Puts(slot.Type.String())
		console.Puts(" badge=")
		console.PutHex64(slot.Badge)
		console.Puts("\n")
	}
}
