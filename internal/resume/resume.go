// Package resume implements the child-side resume engine (spec.md §4.7,
// C8): apply_to rewrites the caller's address space to match a fetched
// Descriptor and arms the fault handler that services it afterward.
package resume

import (
	"context"
	"fmt"

	"github.com/kestrelfork/mitosis/internal/descriptor"
	"github.com/kestrelfork/mitosis/internal/pagetable"
	"github.com/kestrelfork/mitosis/internal/rdmaverbs"
	log "github.com/sirupsen/logrus"
)

// Prot is the small read/write/exec bitmask VMADescriptor.Prot stores,
// decoded here rather than in internal/descriptor so that package stays
// free of any OS-specific mmap-flag knowledge.
const (
	ProtRead  = 1
	ProtWrite = 2
	ProtExec  = 4
)

// VM is the host-VM external collaborator spec.md §1 calls out: "the
// core calls it to unmap the caller's existing address space, install
// new VMAs, allocate page frames, and insert PTEs." internal/osvm
// provides the real Linux implementation (mmap/munmap + userfaultfd);
// tests substitute an in-memory fake so apply_to can be exercised
// without mutating the test process's own address space.
type VM interface {
	// Unmap removes the mapping at [start, start+length).
	Unmap(start, length uint64) error
	// MapRegion installs an anonymous mapping at [start, start+length)
	// with the given protection bitmask (Prot* constants above).
	MapRegion(start, length uint64, prot int) error
	// SetAllocatorOwned marks [start, start+length) as owned by the
	// source process's own allocator, matching spec.md §4.7 step 3's
	// "re-set the allocator-owned bit when the source VMA had it". Only
	// called for VMAs whose descriptor carries FlagAllocatorOwned.
	SetAllocatorOwned(start, length uint64) error
	// WritePage writes a page-sized buffer into the mapped region at
	// vaddr, used only by the eager-resume path to pre-populate pages
	// the demand-paging handler would otherwise fault in later.
	WritePage(vaddr uint64, data []byte) error
}

// RegisterTask is the OS task abstraction spec.md §4.7 step 5 calls out:
// "restore the register file via the OS task abstraction". It is an
// external collaborator by the same boundary spec.md §1 draws around
// rdmaverbs — the concrete mechanism (ptrace POKEUSER, a signal-handler
// ucontext swap, a kernel's task_struct write) is platform-specific and
// out of scope here.
type RegisterTask interface {
	// SetRegisters installs regs as the caller's user-mode register file,
	// such that the next return to user mode resumes at the parent's
	// saved instruction pointer.
	SetRegisters(regs descriptor.RegDescriptor) error
}

// Options are the build-time options of spec.md §6 that affect apply_to.
type Options struct {
	// EagerResume pre-faults every VMA page during apply_to instead of
	// leaving them all to the on-demand fault handler.
	EagerResume bool
}

// Engine runs apply_to against one fetched Descriptor.
type Engine struct {
	vm   VM
	pool *rdmaverbs.Pool
	task RegisterTask
	opts Options
	log  *log.Entry
}

// New returns an Engine that installs address-space changes through vm,
// posts fetches through pool, and restores registers through task.
func New(vm VM, pool *rdmaverbs.Pool, task RegisterTask, opts Options) *Engine {
	return &Engine{vm: vm, pool: pool, task: task, opts: opts, log: log.WithField("component", "resume")}
}

// Result is what ApplyTo hands back to the caller: the live page table to
// wire into the fault handler, and the AccessInfo every subsequent fetch
// must present to the RDMA pool.
type Result struct {
	Table  *pagetable.Table
	Access rdmaverbs.AccessInfo
}

// ApplyTo performs spec.md §4.7's five steps in order: unmap the
// caller's current address space, derive AccessInfo from the
// descriptor's RDMA endpoint, install each VMA at its recorded
// [start, end) with its recorded protection and allocator-owned flag,
// optionally eager pre-fault every page, and finally restore registers.
// A failure at any step leaves the address space undefined — callers
// are expected to treat that as fatal, per spec.md §7.
func (e *Engine) ApplyTo(d *descriptor.Descriptor, currentVMAs []descriptor.VMADescriptor) (*Result, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("apply_to: invalid descriptor: %w", err)
	}

	// Step 1: unmap the caller's existing VMAs.
	for _, vma := range currentVMAs {
		if err := e.vm.Unmap(vma.Start, vma.End-vma.Start); err != nil {
			return nil, fmt.Errorf("apply_to: unmapping caller VMA [%#x,%#x): %w", vma.Start, vma.End, err)
		}
	}

	// Step 2: construct AccessInfo from the descriptor's RDMA endpoint.
	access, err := e.pool.AccessInfoFor(d.RDMA)
	if err != nil {
		return nil, fmt.Errorf("apply_to: resolving access info: %w", err)
	}

	// Step 3: install VMAs and populate the page table from the
	// descriptor's compact per-VMA entries.
	table := pagetable.New()
	for _, vp := range d.VMAs {
		prot := protForVMA(vp.VMA)
		if err := e.vm.MapRegion(vp.VMA.Start, vp.VMA.End-vp.VMA.Start, prot); err != nil {
			return nil, fmt.Errorf("apply_to: installing VMA [%#x,%#x): %w", vp.VMA.Start, vp.VMA.End, err)
		}
		allocatorOwned := vp.VMA.Flags&descriptor.FlagAllocatorOwned != 0
		if allocatorOwned {
			if err := e.vm.SetAllocatorOwned(vp.VMA.Start, vp.VMA.End-vp.VMA.Start); err != nil {
				return nil, fmt.Errorf("apply_to: marking VMA [%#x,%#x) allocator-owned: %w", vp.VMA.Start, vp.VMA.End, err)
			}
		}
		for _, pg := range vp.Pages {
			table.Map(vp.VMA.Start+uint64(pg.Offset), pg.PA)
		}
		e.log.WithFields(log.Fields{
			"start": vp.VMA.Start, "end": vp.VMA.End, "pages": len(vp.Pages),
			"allocator_owned": allocatorOwned,
		}).Info("installed vma")
	}

	// Step 4: optional eager pre-fault.
	if e.opts.EagerResume {
		if err := e.eagerPrefault(d, access); err != nil {
			return nil, fmt.Errorf("apply_to: eager prefault: %w", err)
		}
	}

	// Step 5: restore registers. Caller resumes user-mode after this
	// returns; subsequent faults are serviced by internal/fault.
	if err := e.task.SetRegisters(d.Regs); err != nil {
		return nil, fmt.Errorf("apply_to: restoring registers: %w", err)
	}

	return &Result{Table: table, Access: access}, nil
}

// protForVMA maps the descriptor's protection bits onto the Prot*
// constants above. VMADescriptor.Prot is stored as a small bitmask
// (read=1, write=2, exec=4) matching the most common ABI layout.
func protForVMA(vma descriptor.VMADescriptor) int {
	return int(vma.Prot) & (ProtRead | ProtWrite | ProtExec)
}

// eagerPrefault walks every VMA page-by-page and writes its content
// directly into the freshly mapped region rather than leaving it to the
// demand-paging fault handler (spec.md §4.7 step 4, the `eager-resume`
// build option). Because the page is resident by the time the fault
// handler's userfaultfd registration runs, no fault ever fires for it.
func (e *Engine) eagerPrefault(d *descriptor.Descriptor, access rdmaverbs.AccessInfo) error {
	ctx, cancel := context.WithTimeout(context.Background(), rdmaverbs.DefaultTimeout)
	defer cancel()

	cpu := 0
	for _, vp := range d.VMAs {
		for _, pg := range vp.Pages {
			vaddr := vp.VMA.Start + uint64(pg.Offset)
			buf := make([]byte, descriptor.PageSize)
			qp := e.pool.For(cpu)
			if err := qp.PostRead(ctx, buf, pg.PA, access); err != nil {
				return fmt.Errorf("prefetching page at %#x: %w", vaddr, err)
			}
			if err := e.vm.WritePage(vaddr, buf); err != nil {
				return fmt.Errorf("installing eager page at %#x: %w", vaddr, err)
			}
			cpu++
		}
	}
	return nil
}
