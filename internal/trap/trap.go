// Package trap wires the trap dispatcher (spec component C7, §4.7) to
// concrete kernel policy: CPU exceptions are unrecoverable for the
// faulting thread (or fatal for the kernel itself), the timer vector
// acknowledges the interrupt controller and calls yield, and a kernel-
// mode panic hook renders a diagnostic banner before halting. Grounded
// on internal/arch/x86_64's IDT plumbing and the teacher's panic-to-
// console convention.
package trap

import (
	"github.com/irgordon/kozo/internal/arch/x86_64"
	"github.com/irgordon/kozo/internal/console"
	"github.com/irgordon/kozo/internal/sched"
	"github.com/irgordon/kozo/internal/thread"
)

// picCommand/picEOI are the legacy 8259 PIC ports; the local timer is
// assumed wired through the PIC in the baseline design (no APIC driver
// is in scope).
const (
	picCommandMaster = 0x20
	picEOI           = 0x20
)

// panicFramebuffer is set by cmd/kozo once the handover record's
// framebuffer geometry is known, so Panic can render a screen banner in
// addition to the serial diagnostic. Left unset, Panic simply skips the
// screen half (DrawBanner itself also no-ops on a zero Framebuffer).
var panicFramebuffer console.Framebuffer

// SetFramebuffer registers the framebuffer Panic renders its banner
// into. Called once during boot, after the handover record's
// framebuffer fields have been read.
func SetFramebuffer(fb console.Framebuffer) {
	panicFramebuffer = fb
}

// Init registers every vector the kernel actually routes (spec §4.7:
// "Vectors 0-31 are CPU exceptions. Vector 32 is the periodic timer.").
func Init() {
	for v := 0; v < 32; v++ {
		x86_64.SetHandler(v, exceptionHandler)
	}
	x86_64.SetHandler(x86_64.VecTimer, timerHandler)
	// trapStubDefault reports every unrouted vector as 0xFF.
	x86_64.SetHandler(0xFF, func(frame *x86_64.TrapFrame) {
		Panic("unrouted interrupt vector", frame)
	})
}

// exceptionHandler implements spec §4.7/§7's policy for CPU exceptions:
// "Page faults are unrecoverable in the baseline design (kernel-panic
// hook)" and more generally "An exception or page fault in user mode
// marks the thread unrecoverable and removes it from the scheduler...
// An exception in kernel mode is fatal: the kernel halts with a panic
// indicator."
func exceptionHandler(frame *x86_64.TrapFrame) {
	if isKernelMode(frame) {
		Panic("kernel exception", frame)
		return // unreachable: Panic halts
	}
	killCurrentThread(frame)
	sched.Yield()
}

// timerHandler implements spec §4.7: "Timer vectors acknowledge the
// local interrupt controller before calling yield."
func timerHandler(frame *x86_64.TrapFrame) {
	x86_64.Outb(picCommandMaster, picEOI)
	sched.Yield()
}

func isKernelMode(frame *x86_64.TrapFrame) bool {
	return uint16(frame.CS) == x86_64.SelKernCode
}

// killCurrentThread marks the faulting user-mode thread unrecoverable
// and drops it from the scheduler entirely (spec §7 Propagation policy;
// no signal delivery in the baseline design). The TCB itself is not
// freed here — only a Thread capability revoke frees it (spec §3 TCB
// lifecycle) — it simply never runs again.
func killCurrentThread(frame *x86_64.TrapFrame) {
	cur := thread.Current()
	if cur == nil {
		return
	}
	cur.State = thread.StateBlocked
}

// Panic implements the kernel-mode panic hook supplementing spec §7's
// "the kernel halts with a panic indicator": render a diagnostic banner
// to the serial console (and, if a framebuffer is available, to the
// screen) and halt forever. There is no recovery path — a kernel-mode
// exception is, by spec, fatal.
func Panic(reason string, frame *x86_64.TrapFrame) {
	x86_64.DisableInterrupts()
	console.Puts("\n*** KERNEL PANIC ***\n")
	console.Puts(reason)
	console.Puts("\nvector=")
	console.PutDec(frame.Vector)
	console.Puts(" error=")
	console.PutHex64(frame.ErrorCode)
	console.Puts("\nrip=")
	console.PutHex64(frame.RIP)
	console.Puts(" cs=")
	console.PutHex64(frame.CS)
	console.Puts(" rflags=")
	console.PutHex64(frame.RFLAGS)
	console.Puts("\n")
	panicFramebuffer.DrawBanner("KERNEL PANIC", reason)
	x86_64.HaltForever()
}
