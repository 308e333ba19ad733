// Package ipc implements synchronous/asynchronous endpoint messaging
// (spec component C9, §4.6): Call, ReplyWait, Send, Recv, the endpoint
// send/recv FIFO queues, badge injection, and the direct-switch fast
// path that bypasses the scheduler's run-queue on a rendezvous. Grounded
// on internal/sched's FIFO run-queue idiom (TCB-indexed singly-linked
// queues, no heap allocation) applied to a second, per-endpoint queue.
package ipc

import (
	"github.com/irgordon/kozo/internal/capability"
	"github.com/irgordon/kozo/internal/kerrors"
	"github.com/irgordon/kozo/internal/sched"
	"github.com/irgordon/kozo/internal/thread"
)

// MaxEndpoints bounds the fixed endpoint pool, the same fixed-array-plus-
// free-list shape as the CNode and TCB pools.
const MaxEndpoints = 512

// Endpoint is spec §3's {send_queue, recv_queue, default_badge}. The
// queues are FIFO singly-linked lists of TCB indices, reusing each TCB's
// NextRunnable link field (spec §3 Endpoint invariant: "a TCB is
// enqueued on at most one endpoint queue" — never simultaneously on the
// scheduler's run-queue, so sharing the link field is safe).
type Endpoint struct {
	sendHead, sendTail int
	recvHead, recvTail int
	defaultBadge       uint64
	inUse              bool
	next               int
}

var (
	pool     [MaxEndpoints]Endpoint
	freeHead int
	poolInit bool
)

func ensurePoolInit() {
	if poolInit {
		return
	}
	for i := range pool {
		pool[i] = Endpoint{sendHead: -1, sendTail: -1, recvHead: -1, recvTail: -1, next: i + 1}
	}
	pool[MaxEndpoints-1].next = -1
	freeHead = 0
	poolInit = true
}

// AllocEndpoint matches the capability.EndpointAllocator registry
// signature (spec §4.3 retype instantiating a TypeEndpoint object).
func AllocEndpoint() (int, bool) {
	ensurePoolInit()
	if freeHead == -1 {
		return 0, false
	}
	id := freeHead
	freeHead = pool[id].next
	pool[id] = Endpoint{sendHead: -1, sendTail: -1, recvHead: -1, recvTail: -1, inUse: true}
	return id, true
}

// RevokeEndpoint matches capability.EndpointRevoker: every TCB still
// queued on either side wakes with an error state (spec §4.3 Revoke
// ordering: "if it is an Endpoint, wake every queued TCB with an error
// state"; spec §7 Recovery), then the endpoint returns to the pool.
func RevokeEndpoint(id int) {
	ensurePoolInit()
	if id < 0 || id >= MaxEndpoints || !pool[id].inUse {
		return
	}
	ep := &pool[id]
	wakeQueueWithError(&ep.sendHead, &ep.sendTail)
	wakeQueueWithError(&ep.recvHead, &ep.recvTail)
	*ep = Endpoint{next: freeHead}
	freeHead = id
}

func wakeQueueWithError(head, tail *int) {
	for *head != -1 {
		tid := *head
		tcb := thread.Get(tid)
		if tcb == nil {
			break
		}
		*head = tcb.NextRunnable
		tcb.NextRunnable = -1
		tcb.MsgRegisters[0] = uint64(kerrors.InvalidState.AsSyscallReturn())
		sched.Unblock(tid)
	}
	*tail = -1
}

func enqueueOn(head, tail *int, tid int) {
	tcb := thread.Get(tid)
	tcb.NextRunnable = -1
	if *tail == -1 {
		*head, *tail = tid, tid
		return
	}
	thread.Get(*tail).NextRunnable = tid
	*tail = tid
}

func dequeueFrom(head, tail *int) (int, bool) {
	if *head == -1 {
		return -1, false
	}
	tid := *head
	tcb := thread.Get(tid)
	*head = tcb.NextRunnable
	if *head == -1 {
		*tail = -1
	}
	tcb.NextRunnable = -1
	return tid, true
}

// endpointForSlot resolves a capability reference to an endpoint's pool
// id, or NoCap if the slot is not an Endpoint (every public IPC entry
// point goes through this the way the syscall dispatcher looks up every
// operation's first argument).
func endpointForSlot(ref capability.SlotRef) (*Endpoint, uint64, kerrors.Kind) {
	slot := capability.Slot(ref)
	if slot == nil || slot.Type != capability.TypeEndpoint {
		return nil, 0, kerrors.NoCap
	}
	return &pool[slot.ObjID], slot.Badge, kerrors.OK
}

// Call implements spec §4.6 Call: direct-switch rendezvous with a
// waiting receiver, or BlockedSend + yield if none is waiting.
func Call(epRef capability.SlotRef, m0, m1, m2 uint64) kerrors.Kind {
	ep, badge, kind := endpointForSlot(epRef)
	if kind != kerrors.OK {
		return kind
	}

	caller := thread.Current()
	if caller == nil {
		return kerrors.InvalidState
	}

	if recvTID, ok := dequeueFrom(&ep.recvHead, &ep.recvTail); ok {
		receiver := thread.Get(recvTID)
		receiver.MsgRegisters = [3]uint64{m0, m1, m2}
		receiver.Badge = badge
		receiver.State = thread.StateRunnable

		caller.State = thread.StateBlockedReply
		// Direct-switch bypasses the run-queue to minimise latency
		// (spec §4.6 Call: "the scheduler is bypassed").
		sched.SwitchTo(recvTID)
		return kerrors.OK
	}

	caller.State = thread.StateBlockedSend
	caller.MsgRegisters = [3]uint64{m0, m1, m2}
	caller.Badge = badge
	enqueueOn(&ep.sendHead, &ep.sendTail, caller.TID)
	sched.Yield()
	return kerrors.OK
}

// ReplyWait implements spec §4.6 ReplyWait: reply to a previous caller
// (if any), then atomically wait for the next message on epRef.
func ReplyWait(clientTID int, r0, r1 uint64, epRef capability.SlotRef) kerrors.Kind {
	ep, _, kind := endpointForSlot(epRef)
	if kind != kerrors.OK {
		return kind
	}

	if clientTID != 0 {
		client := thread.Get(clientTID)
		if client == nil || client.State != thread.StateBlockedReply {
			// ReplyWait was invoked with a clientTID that never made a
			// matching Call (spec §7: "ReplyWait without a prior Call").
			return kerrors.NoCaller
		}
		client.MsgRegisters[0] = r0
		client.MsgRegisters[1] = r1
		sched.Unblock(clientTID)
	}

	server := thread.Current()
	if server == nil {
		return kerrors.InvalidState
	}

	if sendTID, ok := dequeueFrom(&ep.sendHead, &ep.sendTail); ok {
		sender := thread.Get(sendTID)
		server.MsgRegisters = sender.MsgRegisters
		server.Badge = sender.Badge
		sender.State = thread.StateBlockedReply
		return kerrors.OK
	}

	server.State = thread.StateBlockedRecv
	server.MsgRegisters = [3]uint64{}
	enqueueOn(&ep.recvHead, &ep.recvTail, server.TID)
	sched.Yield()
	return kerrors.OK
}

// Send implements spec §4.6 Send/Recv (async): it hands the message to
// the first waiting receiver and makes that receiver Runnable on the
// run-queue, returning WouldBlock if nobody is receiving. It does not
// switch directly to the receiver; the sender keeps running.
func Send(epRef capability.SlotRef, m0, m1, m2 uint64) kerrors.Kind {
	ep, badge, kind := endpointForSlot(epRef)
	if kind != kerrors.OK {
		return kind
	}
	recvTID, ok := dequeueFrom(&ep.recvHead, &ep.recvTail)
	if !ok {
		return kerrors.WouldBlock
	}
	receiver := thread.Get(recvTID)
	receiver.MsgRegisters = [3]uint64{m0, m1, m2}
	receiver.Badge = badge
	sched.Unblock(recvTID)
	return kerrors.OK
}

// Recv implements spec §4.6 Send/Recv (async): block the caller on
// epRef until a sender arrives, then return its message length.
func Recv(epRef capability.SlotRef) (length int, kind kerrors.Kind) {
	ep, _, kind := endpointForSlot(epRef)
	if kind != kerrors.OK {
		return 0, kind
	}
	caller := thread.Current()
	if caller == nil {
		return 0, kerrors.InvalidState
	}

	if sendTID, ok := dequeueFrom(&ep.sendHead, &ep.sendTail); ok {
		sender := thread.Get(sendTID)
		caller.MsgRegisters = sender.MsgRegisters
		caller.Badge = sender.Badge
		sender.State = thread.StateBlockedReply
		return 3, kerrors.OK
	}

	caller.State = thread.StateBlockedRecv
	enqueueOn(&ep.recvHead, &ep.recvTail, caller.TID)
	sched.Block()
	return 3, kerrors.OK
}
