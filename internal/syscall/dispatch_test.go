package syscall

import (
	"testing"

	"github.com/irgordon/kozo/internal/arch/x86_64"
	"github.com/irgordon/kozo/internal/capability"
	"github.com/irgordon/kozo/internal/ipc"
	"github.com/irgordon/kozo/internal/kerrors"
	"github.com/irgordon/kozo/internal/thread"
)

func setupCaller(t *testing.T) (tid int, rootCNode int) {
	t.Helper()
	capability.EndpointAllocator = ipc.AllocEndpoint
	capability.EndpointRevoker = ipc.RevokeEndpoint
	capability.ThreadAllocator = thread.AllocTCB
	capability.ThreadFreer = thread.FreeTCB

	root := capability.BootstrapRootCNode(0x3000_0000, 16<<20)
	tid, ok := thread.AllocTCB()
	if !ok {
		t.Fatal("AllocTCB failed")
	}
	tcb := thread.Get(tid)
	tcb.CapRoot = capability.SlotRef{CNode: root, Index: 0}
	thread.SetCurrent(tid)
	return tid, root
}

func TestDispatchUnknownSyscallReturnsInvalid(t *testing.T) {
	setupCaller(t)
	frame := &x86_64.SyscallFrame{Number: 77}
	if got := Dispatch(frame); got != kerrors.Invalid.AsSyscallReturn() {
		t.Fatalf("Dispatch(77) = %d, want Invalid", got)
	}
}

func TestDispatchOutOfRangeSyscallReturnsInvalid(t *testing.T) {
	setupCaller(t)
	frame := &x86_64.SyscallFrame{Number: 100}
	if got := Dispatch(frame); got != kerrors.Invalid.AsSyscallReturn() {
		t.Fatalf("Dispatch(100) = %d, want Invalid", got)
	}
}

func TestDispatchRetypeCreatesEndpointCapability(t *testing.T) {
	_, root := setupCaller(t)
	frame := &x86_64.SyscallFrame{
		Number: Retype,
		Arg1:   0, // caller's Untyped slot
		Arg2:   uint64(capability.TypeEndpoint),
		Arg3:   uint64(root),
		Arg4:   1,
		Arg5:   1,
	}
	if got := Dispatch(frame); got != kerrors.OK.AsSyscallReturn() {
		t.Fatalf("Dispatch(Retype) = %d, want OK", got)
	}
	slot := capability.Slot(capability.SlotRef{CNode: root, Index: 1})
	if slot.Type != capability.TypeEndpoint {
		t.Fatalf("retyped slot type = %v, want Endpoint", slot.Type)
	}
}

func TestDispatchScrubsArgumentRegistersOnReturn(t *testing.T) {
	setupCaller(t)
	frame := &x86_64.SyscallFrame{Number: 77, Arg1: 1, Arg2: 2, Arg3: 3, Arg4: 4, Arg5: 5, Arg6: 6}
	Dispatch(frame)
	if frame.Arg1 != 0 || frame.Arg2 != 0 || frame.Arg3 != 0 || frame.Arg4 != 0 || frame.Arg5 != 0 || frame.Arg6 != 0 {
		t.Fatalf("argument registers not scrubbed: %+v", frame)
	}
}

func TestDispatchThreadSetPriorityRejectsEscalation(t *testing.T) {
	tid, _ := setupCaller(t)
	thread.Get(tid).Priority = 10

	frame := &x86_64.SyscallFrame{Number: ThreadSetPriority, Arg1: uint64(tid), Arg2: 5}
	if got := Dispatch(frame); got != kerrors.AccessDenied.AsSyscallReturn() {
		t.Fatalf("escalating priority = %d, want AccessDenied", got)
	}
	if thread.Get(tid).Priority != 10 {
		t.Fatal("priority must not change on a rejected escalation")
	}

	frame2 := &x86_64.SyscallFrame{Number: ThreadSetPriority, Arg1: uint64(tid), Arg2: 20}
	if got := Dispatch(frame2); got != kerrors.OK.AsSyscallReturn() {
		t.Fatalf("lowering priority urgency = %d, want OK", got)
	}
	if thread.Get(tid).Priority != 20 {
		t.Fatalf("priority = %d, want 20", thread.Get(tid).Priority)
	}
}

func TestDispatchThreadCreateInstallsRevocableCapability(t *testing.T) {
	_, root := setupCaller(t)
	frame := &x86_64.SyscallFrame{
		Number: ThreadCreate,
		Arg1:   0, // caller's Untyped slot
		Arg2:   uint64(root),
		Arg3:   2, // destination slot for the new Thread capability
		Arg4:   0x1000,
		Arg5:   0x7fff0000,
		Arg6:   42,
	}
	got := Dispatch(frame)
	if got < 0 {
		t.Fatalf("Dispatch(ThreadCreate) = %d, want a new tid", got)
	}
	newTID := int(got)

	slot := capability.Slot(capability.SlotRef{CNode: root, Index: 2})
	if slot.Type != capability.TypeThread {
		t.Fatalf("destination slot type = %v, want Thread", slot.Type)
	}
	if slot.ObjID != newTID {
		t.Fatalf("slot.ObjID = %d, want %d", slot.ObjID, newTID)
	}

	tcb := thread.Get(newTID)
	if tcb == nil {
		t.Fatal("new thread's TCB is not allocated")
	}
	if tcb.Priority != 42 {
		t.Fatalf("priority = %d, want 42", tcb.Priority)
	}
	if tcb.State != thread.StateSuspended {
		t.Fatalf("state = %v, want Suspended", tcb.State)
	}

	// Revoking the Thread capability must be able to free the TCB: this
	// is the whole point of routing ThreadCreate through Retype.
	if kind := capability.Revoke(capability.SlotRef{CNode: root, Index: 2}); kind != kerrors.OK {
		t.Fatalf("Revoke(new thread cap) = %v, want OK", kind)
	}
	if thread.Get(newTID) != nil {
		t.Fatal("revoking the Thread capability should free the TCB")
	}
}

func TestDispatchNamespaceRegisterRequiresEndpointCap(t *testing.T) {
	_, root := setupCaller(t)
	frame := &x86_64.SyscallFrame{
		Number: NamespaceRegister,
		Arg1:   0, // unused name pointer: nameLen is 0
		Arg2:   0,
		Arg3:   0, // slot 0 is the Untyped donation, not an Endpoint
	}
	if got := Dispatch(frame); got != kerrors.NoCap.AsSyscallReturn() {
		t.Fatalf("NamespaceRegister against a non-Endpoint slot = %d, want NoCap", got)
	}
	_ = root
}
