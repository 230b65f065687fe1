// Package fault implements the demand-paging fault handler (spec.md
// §4.8, C9): per-4 KiB-fault translation, one-sided RDMA fetch, frame
// installation, and an optional N-ahead speculative prefetcher that
// marks target page-table slots with the in-flight sentinel.
package fault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kestrelfork/mitosis/internal/descriptor"
	"github.com/kestrelfork/mitosis/internal/pagetable"
	"github.com/kestrelfork/mitosis/internal/rdmaverbs"
	log "github.com/sirupsen/logrus"
)

// ErrSegv is returned for every fault outcome spec.md §4.8/§7 maps onto a
// segmentation signal: an unmapped address, an RDMA timeout, or a
// transport error on the demand path. Callers wire this to whatever
// real signal-delivery mechanism their OS task abstraction exposes.
var ErrSegv = errors.New("fault: unresolvable, deliver SIGSEGV")

// Installer installs a completed page into the faulting address space —
// on Linux, internal/osvm's UFFDIO_COPY; in tests, an in-memory fake.
type Installer interface {
	InstallPage(dst uint64, src []byte) error
}

// Options are the build-time options of spec.md §6 affecting the fault
// path.
type Options struct {
	// Prefetch, when > 0, is N in the N-ahead speculative fetch of
	// spec.md §4.8 step 5. Zero disables prefetching entirely.
	Prefetch int
}

// frameTable hands out opaque, page-aligned "local page frame" handles
// and the buffers they back. A real kernel computes a physical address
// for a newly allocated page; userspace Go has no equivalent notion, so
// an incrementing page-aligned counter plays the same role as the
// sentinel's encoded payload (spec.md §3's "local page pointer").
type frameTable struct {
	mu   sync.Mutex
	next uint64
	bufs map[uint64][]byte
}

func newFrameTable() *frameTable {
	return &frameTable{next: descriptor.PageSize, bufs: make(map[uint64][]byte)}
}

func (f *frameTable) alloc() (uint64, []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next += descriptor.PageSize
	buf := make([]byte, descriptor.PageSize)
	f.bufs[id] = buf
	return id, buf
}

func (f *frameTable) get(id uint64) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf, ok := f.bufs[id]
	return buf, ok
}

func (f *frameTable) free(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.bufs, id)
}

// Handler services faults for a single resumed caller against one live
// page table and AccessInfo, as produced by internal/resume.ApplyTo.
type Handler struct {
	table  *pagetable.Table
	pool   *rdmaverbs.Pool
	access rdmaverbs.AccessInfo
	inst   Installer
	opts   Options
	frames *frameTable
	log    *log.Entry
}

// New returns a Handler bound to one caller's page table, RDMA access
// credentials, and page installer.
func New(table *pagetable.Table, pool *rdmaverbs.Pool, access rdmaverbs.AccessInfo, inst Installer, opts Options) *Handler {
	return &Handler{
		table: table, pool: pool, access: access, inst: inst, opts: opts,
		frames: newFrameTable(),
		log:    log.WithField("component", "fault"),
	}
}

// HandleFault runs spec.md §4.8's six steps for one fault at va on the
// given CPU (queue pairs are per-CPU, spec.md §5). It returns nil on a
// successfully installed page and ErrSegv for anything the caller must
// treat as a fatal fault.
func (h *Handler) HandleFault(ctx context.Context, cpu int, va uint64) error {
	slot, ok := h.table.FindLeafSlot(va)
	if !ok {
		return fmt.Errorf("fault at %#x: no mapping: %w", va, ErrSegv)
	}

	if h.opts.Prefetch > 0 {
		return h.handlePrefetchAware(ctx, cpu, va, slot)
	}
	return h.handlePlain(ctx, cpu, va, slot)
}

// handlePlain is steps 1, 3, 4, 6 with the prefetcher disabled: a pristine
// slot always holds the remote PA directly.
func (h *Handler) handlePlain(ctx context.Context, cpu int, va uint64, slot pagetable.Slot) error {
	pa := slot.Load()
	if pa == 0 {
		return fmt.Errorf("fault at %#x: unmapped slot: %w", va, ErrSegv)
	}
	return h.fetchAndInstall(ctx, cpu, va, pa)
}

// handlePrefetchAware is step 2 (inspect sentinel) through step 6
// (demand read + opportunistic prefetch of neighbors).
func (h *Handler) handlePrefetchAware(ctx context.Context, cpu int, va uint64, slot pagetable.Slot) error {
	v := slot.Load()
	inFlight, pending, localFrame := pagetable.Decode(v)

	if inFlight {
		if pending {
			frame, err := h.spinUntilResolved(ctx, slot)
			if err != nil {
				return err
			}
			localFrame = frame
		}
		buf, ok := h.frames.get(localFrame)
		if !ok {
			return fmt.Errorf("fault at %#x: prefetched frame %#x missing: %w", va, localFrame, ErrSegv)
		}
		if err := h.inst.InstallPage(va, buf); err != nil {
			return fmt.Errorf("fault at %#x: installing prefetched page: %w", va, err)
		}
		h.frames.free(localFrame)
		return nil
	}

	if v == 0 {
		return fmt.Errorf("fault at %#x: unmapped slot: %w", va, ErrSegv)
	}

	// Pristine remote PA: demand-fetch it, and speculatively fetch the
	// next Prefetch pages on the same queue pair (spec.md §4.8 step 5).
	h.prefetchAhead(cpu, va)
	return h.fetchAndInstall(ctx, cpu, va, v)
}

// spinUntilResolved polls the slot until the prefetcher's completion
// overwrites the pending placeholder, bounded by ctx's deadline
// (spec.md's "wrap it in the same 1 s deadline" design note).
func (h *Handler) spinUntilResolved(ctx context.Context, slot pagetable.Slot) (uint64, error) {
	for {
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("fault: timed out waiting for prefetch completion: %w", ErrSegv)
		default:
		}
		v := slot.Load()
		if _, pending, frame := pagetable.Decode(v); !pending {
			return frame, nil
		}
	}
}

// fetchAndInstall is steps 3, 4, and 6: allocate a frame, post the demand
// READ with the package-wide RDMA deadline, and install on success.
func (h *Handler) fetchAndInstall(ctx context.Context, cpu int, va, pa uint64) error {
	fctx, cancel := context.WithTimeout(ctx, rdmaverbs.DefaultTimeout)
	defer cancel()

	_, buf := h.frames.alloc()
	qp := h.pool.For(cpu)
	if err := qp.PostRead(fctx, buf, pa, h.access); err != nil {
		return fmt.Errorf("fault at %#x: demand read of %#x: %w", va, pa, ErrSegv)
	}
	if err := h.inst.InstallPage(va, buf); err != nil {
		return fmt.Errorf("fault at %#x: installing page: %w", va, err)
	}
	return nil
}

// prefetchAhead issues N-ahead speculative READs for the pages following
// va, CAS-marking each target slot in-flight before posting so a racing
// demand fault on the same address observes "posted" rather than
// "pristine" (spec.md §4.8 step 5, §5's ordering requirement).
func (h *Handler) prefetchAhead(cpu int, va uint64) {
	for _, ahead := range h.table.NextSlots(va, h.opts.Prefetch) {
		pa := ahead.Slot.Load()
		frameID, buf := h.frames.alloc()
		if !ahead.Slot.CASMarkInFlight(frameID) {
			h.frames.free(frameID)
			continue // already in-flight or already demand-faulted
		}

		go func(vaddr, pa uint64, slot pagetable.Slot, frameID uint64, buf []byte) {
			ctx, cancel := context.WithTimeout(context.Background(), rdmaverbs.DefaultTimeout)
			defer cancel()
			qp := h.pool.For(cpu)
			if err := qp.PostRead(ctx, buf, pa, h.access); err != nil {
				h.log.WithError(err).WithField("vaddr", vaddr).Warn("prefetch read failed")
				h.frames.free(frameID)
				return
			}
			slot.Complete(frameID)
		}(ahead.VAddr, pa, ahead.Slot, frameID, buf)
	}
}
