// Package sched implements the scheduler (spec component C6, §4.5): a
// single global FIFO run-queue, yield/block/unblock, switchTo's context
// switch and address-space reload, and the idle thread. Grounded on the
// teacher's run-to-completion-then-switch idiom and on spec §9 Design
// Notes' explicit recommendation to model "current thread" as a single
// mutable slot owned by this package rather than a free-floating global.
package sched

import (
	"github.com/irgordon/kozo/internal/arch/x86_64"
	"github.com/irgordon/kozo/internal/thread"
)

// IdlePriority is the priority spec §4.5 Discipline assigns the idle
// thread so it always sorts last when priority is consulted.
const IdlePriority = 255

// runHead/runTail form the run-queue's FIFO via each TCB's NextRunnable
// index link (spec §3 Run queue): head/tail "pointers", no duplicates,
// only Runnable TCBs appear.
var (
	runHead = -1
	runTail = -1

	idleTID = -1
)

// Init prepares an idle thread and readies the run-queue (spec §4.5
// Public contract: init()). idleEntry is the address the idle thread
// runs at — an infinite halt loop the caller supplies via cmd/kozo,
// since internal/sched has no notion of executable images.
func Init(idleKernelStack uintptr, idleEntry uintptr) {
	tid, ok := thread.AllocTCB()
	if !ok {
		panic("sched: could not allocate idle TCB")
	}
	tcb := thread.Get(tid)
	tcb.Priority = IdlePriority
	thread.SetupThread(tcb, idleEntry, idleKernelStack, idleKernelStack, false)
	idleTID = tid
	Enqueue(tid)
}

// Enqueue appends tid to the run-queue tail and marks it Runnable (spec
// §4.5 Public contract: enqueue(tcb)).
func Enqueue(tid int) {
	tcb := thread.Get(tid)
	if tcb == nil {
		return
	}
	tcb.State = thread.StateRunnable
	enqueueLocked(tid)
}

func enqueueLocked(tid int) {
	tcb := thread.Get(tid)
	tcb.NextRunnable = -1
	if runTail == -1 {
		runHead, runTail = tid, tid
		return
	}
	thread.Get(runTail).NextRunnable = tid
	runTail = tid
}

// Dequeue pops the run-queue head, or returns (-1, false) if empty
// (spec §4.5 Public contract: dequeue() → tcb | None).
func Dequeue() (int, bool) {
	if runHead == -1 {
		return -1, false
	}
	tid := runHead
	tcb := thread.Get(tid)
	runHead = tcb.NextRunnable
	if runHead == -1 {
		runTail = -1
	}
	tcb.NextRunnable = -1
	return tid, true
}

// Yield re-enqueues the caller if it is still Runnable, dequeues the
// next thread, and switches to it (spec §4.5 yield).
func Yield() {
	cur := thread.Current()
	if cur != nil && cur.State == thread.StateRunning {
		cur.State = thread.StateRunnable
		enqueueLocked(cur.TID)
	}
	next, ok := Dequeue()
	if !ok {
		next = idleTID
	}
	SwitchTo(next)
}

// Block switches to the next Runnable thread without re-enqueueing the
// caller. It does not change the caller's state: callers set cur.State
// (BlockedSend/BlockedRecv/BlockedReply) themselves before calling Block
// (spec §4.5 Public contract: block()).
func Block() {
	next, ok := Dequeue()
	if !ok {
		next = idleTID
	}
	SwitchTo(next)
}

// Unblock marks tid Runnable and enqueues it, without itself switching
// (spec §4.5 Public contract: unblock(tcb)) — the caller (typically IPC
// wakeup code) decides whether to yield afterward.
func Unblock(tid int) {
	Enqueue(tid)
}

// SwitchTo performs spec §4.5 switchTo: reprograms the per-CPU kernel
// stack pointer, reloads the address space if it differs, then performs
// the register/rsp context switch. The first-ever call has no current
// thread to save into and instead synthesises the return via
// PrivilegeReturn (spec §4.5 Bootstrap).
func SwitchTo(next int) {
	nextTCB := thread.Get(next)
	if nextTCB == nil {
		panic("sched: switchTo target TCB is not allocated")
	}

	x86_64.SetKernelStack(nextTCB.KernelStackTop)

	cur := thread.Current()
	if cur != nil && cur.AddressSpaceID != nextTCB.AddressSpaceID && nextTCB.AddressSpaceID != 0 {
		x86_64.LoadCR3(nextTCB.AddressSpaceID)
	} else if cur == nil && nextTCB.AddressSpaceID != 0 {
		x86_64.LoadCR3(nextTCB.AddressSpaceID)
	}

	nextTCB.State = thread.StateRunning

	if cur == nil {
		thread.SetCurrent(next)
		x86_64.PrivilegeReturn(nextTCB.SavedStackPtr)
		return // unreachable: PrivilegeReturn does not return
	}

	thread.SetCurrent(next)
	x86_64.SwitchContext(&cur.SavedStackPtr, nextTCB.SavedStackPtr)
	// Control returns here once some future switchTo resumes `cur`.
}

// CurrentTID is a small convenience accessor over thread.Current used by
// internal/ipc and internal/syscall so they don't need to import
// internal/thread just to read the running tid.
func CurrentTID() int {
	if cur := thread.Current(); cur != nil {
		return cur.TID
	}
	return -1
}
