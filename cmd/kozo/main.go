// Command kozo is the kernel entry point (spec §2 Control flow,
// component boundary C1-C9): it receives the firmware handover record,
// brings up every subsystem in order, spawns the first user-mode
// service out of the initrd, and hands control to the scheduler.
package main

import (
	"unsafe"

	"github.com/irgordon/kozo/internal/arch/x86_64"
	"github.com/irgordon/kozo/internal/boot"
	"github.com/irgordon/kozo/internal/capability"
	"github.com/irgordon/kozo/internal/console"
	"github.com/irgordon/kozo/internal/cpio"
	"github.com/irgordon/kozo/internal/elf"
	"github.com/irgordon/kozo/internal/ipc"
	"github.com/irgordon/kozo/internal/kerrors"
	"github.com/irgordon/kozo/internal/pmm"
	"github.com/irgordon/kozo/internal/sched"
	"github.com/irgordon/kozo/internal/syscall"
	"github.com/irgordon/kozo/internal/thread"
	"github.com/irgordon/kozo/internal/trap"
	"github.com/irgordon/kozo/internal/vmm"
)

const (
	initialUntypedBase = 0x0100_0000 // carved out of the conventional region by the loader, reserved before PMM donation
	initialUntypedSize = 16 << 20    // spec §6 Constants: "initial untyped donation = 16 MiB"

	kernelStackSize = 16 * 1024
	idleStackSize   = 4096

	doubleFaultStackSize  = 4096
	machineCheckStackSize = 4096

	firstServiceName = "init"
)

// reserved for the emergency IST stacks and the idle/kernel scratch
// stacks; a real build carves these from a region the firmware already
// marks reserved (never conventional), so the PMM bitmap never double-
// donates them. Declared as plain byte arrays here since the kernel has
// no heap to allocate them from.
var (
	doubleFaultStack   [doubleFaultStackSize]byte
	machineCheckStack  [machineCheckStackSize]byte
	idleStack          [idleStackSize]byte
	firstServiceKStack [kernelStackSize]byte
)

func stackTop(s []byte) uintptr {
	return uintptr(unsafe.Pointer(&s[len(s)-1])) + 1
}

// KernelMain is called directly by the external boot stub (out of scope
// per spec §1 Non-goals: bootloader/firmware) with a pointer to the
// handover record in a fixed register. Never called by Go's ordinary
// runtime startup — main() below exists only so this remains a valid
// `package main` for the linker.
//
//go:nosplit
//go:noinline
func KernelMain(infoPtr unsafe.Pointer) {
	console.Init()
	console.Puts("kozo: booting\n")

	info := boot.FromPointer(infoPtr)

	fb := console.NewFramebuffer(uintptr(info.FBBase), int(info.Width), int(info.Height), int(info.Pitch))
	fb.DrawBanner("kozo", "booting")
	trap.SetFramebuffer(fb)

	x86_64.InitGDT(stackTop(doubleFaultStack[:]), stackTop(machineCheckStack[:]))
	x86_64.InitIDT()
	trap.Init()
	x86_64.InitSyscallEntry(x86_64.SelKernCode)
	syscall.Init()

	pmm.Global().Init(info)
	vmm.Global().Init(pmm.Global())

	wireCapabilityRegistry()

	console.Puts("kozo: pmm/vmm ready, frames free=")
	console.PutDec(uint64(pmm.Global().FramesFree()))
	console.Puts("\n")

	rootCNode := capability.BootstrapRootCNode(initialUntypedBase, initialUntypedSize)

	sched.Init(stackTop(idleStack[:]), idleEntry())

	spawnFirstService(info, rootCNode)

	console.Puts("kozo: starting scheduler\n")
	sched.Yield()

	// Unreachable: Yield's bootstrap switchTo lands directly in user
	// mode via PrivilegeReturn and never comes back here.
	x86_64.HaltForever()
}

// wireCapabilityRegistry closes the import-cycle-avoiding registry
// capability.Retype uses to instantiate Thread and Endpoint objects
// (internal/capability/store.go): internal/thread and internal/ipc both
// depend on internal/capability, so capability cannot import them back
// directly, and this is the one place that may depend on all three.
func wireCapabilityRegistry() {
	capability.ThreadAllocator = thread.AllocTCB
	capability.ThreadFreer = thread.FreeTCB
	capability.EndpointAllocator = ipc.AllocEndpoint
	capability.EndpointRevoker = ipc.RevokeEndpoint
}

// idleEntry returns the address the idle thread runs at: an infinite
// halt loop (spec §4.5 Discipline: "An idle thread... is always on the
// queue so dequeue never returns None").
func idleEntry() uintptr {
	return x86_64.FuncPC(idleLoop)
}

//go:nosplit
func idleLoop() {
	for {
		x86_64.EnableInterrupts()
		x86_64.HaltForever()
	}
}

// spawnFirstService implements the remainder of spec §2 Control flow:
// "allocates a TCB for the first user service, builds its address
// space, loads its executable image from the initrd, enqueues it".
func spawnFirstService(info *boot.Info, rootCNode int) {
	archive := (*[1 << 30]byte)(unsafe.Pointer(uintptr(info.InitrdAddr)))[:info.InitrdSize:info.InitrdSize]

	image, ok := cpio.Find(archive, firstServiceName)
	if !ok {
		trap.Panic("initrd missing "+firstServiceName, &x86_64.TrapFrame{})
		return
	}

	entry, kind := elf.EntryPoint(image)
	if kind != kerrors.OK {
		trap.Panic("malformed service ELF image", &x86_64.TrapFrame{})
		return
	}

	addrSpacePhys, kind := vmm.Global().CreateAddressSpace()
	if kind != kerrors.OK {
		trap.Panic("could not create first service address space", &x86_64.TrapFrame{})
		return
	}

	kind = elf.EachSegment(image, func(seg elf.Segment) bool {
		loadSegment(image, seg)
		return true
	})
	if kind != kerrors.OK {
		trap.Panic("could not load service segments", &x86_64.TrapFrame{})
		return
	}

	tid, ok := thread.AllocTCB()
	if !ok {
		trap.Panic("no TCBs available for first service", &x86_64.TrapFrame{})
		return
	}
	tcb := thread.Get(tid)
	tcb.AddressSpaceID = addrSpacePhys
	tcb.CapRoot = capability.SlotRef{CNode: rootCNode, Index: 0}
	thread.SetupThread(tcb, entry, userStackTop(), stackTop(firstServiceKStack[:]), true)

	sched.Enqueue(tid)
	console.Puts("kozo: first service enqueued, tid=")
	console.PutDec(uint64(tid))
	console.Puts("\n")
}

// userInitialStackTop is a fixed user-space stack location for the
// first service; real services receive their stack layout from the
// Init/Policy collaborator spec §1 names as out of scope.
const userInitialStackTop = 0x0000_7FFF_FFFF_F000

func userStackTop() uintptr { return userInitialStackTop }

// loadSegment maps and populates one PT_LOAD segment per spec §6's
// loader policy: page-aligned, Read always, Write iff PF_W, No-Execute
// iff !PF_X, copy filesz bytes, zero the memsz-filesz tail.
func loadSegment(image []byte, seg elf.Segment) {
	const pageSize = 4096
	start := uintptr(seg.VirtAddr) &^ (pageSize - 1)
	end := (uintptr(seg.VirtAddr) + uintptr(seg.MemSize) + pageSize - 1) &^ (pageSize - 1)

	for va := start; va < end; va += pageSize {
		phys, kind := pmm.Global().AllocFrame()
		if kind != kerrors.OK {
			trap.Panic("out of memory loading service image", &x86_64.TrapFrame{})
			return
		}
		flags := vmm.Flags{Write: seg.Writable, User: true, NoExecute: !seg.Executable}
		if kind := vmm.Global().MapPage(va, phys, flags); kind != kerrors.OK {
			trap.Panic("could not map service segment", &x86_64.TrapFrame{})
			return
		}

		dst := (*[pageSize]byte)(unsafe.Pointer(vmm.PhysToDirectMap(phys)))
		for i := range dst {
			dst[i] = 0
		}

		pageStartOffset := va - uintptr(seg.VirtAddr)
		for i := 0; i < pageSize; i++ {
			fileOff := int64(pageStartOffset) + int64(i)
			if fileOff < 0 || uint64(fileOff) >= seg.FileSize {
				continue
			}
			srcIdx := seg.FileOffset + uint64(fileOff)
			if srcIdx >= uint64(len(image)) {
				break
			}
			dst[i] = image[srcIdx]
		}
	}
}

func main() {
	// Never reached in a bare-metal boot; KernelMain is called directly
	// by the boot stub. Kept so this remains a valid package main.
	var zero unsafe.Pointer
	KernelMain(zero)
	for {
	}
}
