package x86_64

// SyscallFrame is the register state the fast-syscall entry stub saves
// before calling into Go (spec §4.8 Entry/Argument convention). Field
// order matches the push order in syscall_entry_amd64.s.
type SyscallFrame struct {
	Arg1, Arg2, Arg3, Arg4, Arg5, Arg6 uint64 // RDI, RSI, RDX, R10, R8, R9
	Number                             uint64 // RAX on entry
	UserRIP                            uint64 // RCX, saved by the SYSCALL instruction
	UserRFLAGS                         uint64 // R11, saved by the SYSCALL instruction
	UserRSP                            uint64
}

// currentKernelStack is the kernel stack pointer the syscall entry stub
// switches onto. Single processor baseline design (spec §5): one global
// slot, updated every switchTo alongside the TSS's RSP0 (used by
// interrupt gates) since the SYSCALL instruction does not consult the
// TSS at all and must be told explicitly.
var currentKernelStack uintptr

// userRSPScratch holds the interrupted user RSP across the stack swap
// in entrySyscall. Safe as a single global because interrupts (and a
// second syscall) cannot land mid-entry: IA32_FMASK clears IF on entry.
var userRSPScratch uintptr

// SyscallHandler is invoked by dispatchSyscall with the just-saved
// frame; internal/syscall installs the numbered dispatch table here at
// boot the same way internal/trap installs exception handlers via
// SetHandler (spec §4.8 Entry: "route by number").
var SyscallHandler func(frame *SyscallFrame) int64

//go:nosplit
func dispatchSyscall(frame *SyscallFrame) {
	if SyscallHandler == nil {
		frame.Number = 0 // unused; return value convention below
		return
	}
	ret := SyscallHandler(frame)
	frame.Number = uint64(ret)
}
