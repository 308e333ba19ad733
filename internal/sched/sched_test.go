package sched

import (
	"testing"

	"github.com/irgordon/kozo/internal/thread"
)

// resetQueue clears the package-level run-queue state between tests.
// SwitchTo is deliberately never exercised here: it ends in either an
// IRETQ or a raw register-restoring jump, both privileged operations
// this host process cannot safely execute — only the queue bookkeeping
// (Enqueue/Dequeue) is host-testable. Yield always ends in SwitchTo, so
// it is not called here either.
func resetQueue() {
	runHead, runTail = -1, -1
	idleTID = -1
}

func TestEnqueueDequeueIsFIFO(t *testing.T) {
	resetQueue()

	var order []int
	for i := 0; i < 5; i++ {
		tid, ok := thread.AllocTCB()
		if !ok {
			t.Fatalf("AllocTCB %d failed", i)
		}
		order = append(order, tid)
		Enqueue(tid)
	}

	for _, want := range order {
		got, ok := Dequeue()
		if !ok {
			t.Fatalf("Dequeue: run-queue emptied early, wanted %d", want)
		}
		if got != want {
			t.Fatalf("Dequeue order = %d, want %d", got, want)
		}
		if thread.Get(got).State != thread.StateRunnable {
			t.Fatalf("dequeued tid %d state = %v, want Runnable", got, thread.Get(got).State)
		}
	}
	if _, ok := Dequeue(); ok {
		t.Fatal("Dequeue should report empty after draining every enqueued tid")
	}
}

func TestDequeueOnEmptyQueueReportsFalse(t *testing.T) {
	resetQueue()
	if _, ok := Dequeue(); ok {
		t.Fatal("Dequeue on an empty run-queue should return ok=false")
	}
}
