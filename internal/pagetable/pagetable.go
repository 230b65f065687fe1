// Package pagetable implements the child-side remote page table: a
// two-level trie keyed by virtual address, returning a 64-bit remote
// physical address, with one bit reserved as an in-flight prefetch
// sentinel (spec.md §3, §4.3).
package pagetable

import (
	"sync"

	"github.com/kestrelfork/mitosis/internal/descriptor"
)

// leafBits is the number of vaddr page-index bits that select a slot
// within a 512-entry leaf (vaddr>>21 selects the top-level key).
const (
	leafBits = 9 // 512 slots per leaf
	leafSize = 1 << leafBits
	leafMask = leafSize - 1
)

// InFlightBit is the sentinel: when set on a stored slot value, the
// remaining bits are a local page-frame pointer for a prefetch READ that
// has been posted but not completed. It relies on page addresses always
// being 4 KiB aligned, so their low bit is otherwise always zero.
const InFlightBit uint64 = 1

// PendingMagic is the well-known placeholder a slot holds between being
// CAS-marked in-flight and the prefetch completion overwriting it with
// the real local page pointer. A concurrent demand reader spins on seeing
// this exact value (spec.md §4.3, §4.8).
const PendingMagic uint64 = InFlightBit | (^uint64(0) &^ 0xfff)

type leaf struct {
	slots [leafSize]uint64
}

// Table is the two-level trie. The zero value is ready to use.
type Table struct {
	mu   sync.Mutex
	tops map[uint64]*leaf
}

// New returns an empty Table.
func New() *Table {
	return &Table{tops: make(map[uint64]*leaf)}
}

func pageIndex(vaddr uint64) uint64 {
	return vaddr / descriptor.PageSize
}

func split(vaddr uint64) (top, idx uint64) {
	pi := pageIndex(vaddr)
	return pi >> leafBits, pi & leafMask
}

// Map installs a pristine remote physical address for vaddr. Used while
// deserializing a descriptor's page table into the child's trie.
func (t *Table) Map(vaddr, pa uint64) {
	top, idx := split(vaddr)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tops == nil {
		t.tops = make(map[uint64]*leaf)
	}
	l, ok := t.tops[top]
	if !ok {
		l = &leaf{}
		t.tops[top] = l
	}
	l.slots[idx] = pa
}

// Translate looks up the stored value for vaddr regardless of its
// in-flight state. Callers that need prefetch-aware access should use
// FindLeafSlot instead.
func (t *Table) Translate(vaddr uint64) (uint64, bool) {
	top, idx := split(vaddr)
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.tops[top]
	if !ok {
		return 0, false
	}
	v := l.slots[idx]
	if v == 0 {
		return 0, false
	}
	return v, true
}

// Slot is a handle to one trie leaf entry, letting the prefetcher CAS the
// sentinel and the fault handler poll it without re-walking the trie.
type Slot struct {
	t   *Table
	l   *leaf
	idx uint64
}

// FindLeafSlot returns a Slot for vaddr if its leaf exists, for use by the
// prefetcher to mark/inspect the sentinel bit.
func (t *Table) FindLeafSlot(vaddr uint64) (Slot, bool) {
	top, idx := split(vaddr)
	t.mu.Lock()
	l, ok := t.tops[top]
	t.mu.Unlock()
	if !ok {
		return Slot{}, false
	}
	return Slot{t: t, l: l, idx: idx}, true
}

// Load reads the slot's current stored value.
func (s Slot) Load() uint64 {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	return s.l.slots[s.idx]
}

// CASMarkInFlight atomically transitions the slot from a pristine remote
// PA straight to PendingMagic, matching spec.md §5's ordering requirement
// that the CAS happens-before the prefetch post. It fails if the slot is
// not currently a pristine (sentinel-clear) value. localPage is not
// stored yet — only Complete later encodes it — so no intermediate value
// between "pristine" and "posted, not yet complete" is ever observable:
// a concurrent demand reader that Loads the slot mid-prefetch sees
// PendingMagic and spins, never a zero-filled buffer passed off as done.
func (s Slot) CASMarkInFlight(localPage uint64) bool {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	cur := s.l.slots[s.idx]
	if cur == 0 || cur&InFlightBit != 0 {
		return false
	}
	s.l.slots[s.idx] = PendingMagic
	return true
}

// Complete rewrites the slot with the finished local page pointer,
// keeping the in-flight bit set so Decode still
// recognizes it as resolved-but-not-the-original-remote-PA. This is the
// write that happens-before any demand-path spin on the sentinel
// (spec.md §5) — callers on weakly ordered architectures must issue a
// memory fence before any goroutine can observe this value cross-CPU;
// Go's memory model gives that for free across a mutex-guarded slot.
func (s Slot) Complete(localPage uint64) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.l.slots[s.idx] = (localPage &^ 0xfff) | InFlightBit
}

// Decode reports whether v is in-flight and, if it is resolved (not the
// pending placeholder), the local page pointer it encodes.
func Decode(v uint64) (inFlight, pending bool, localPage uint64) {
	if v&InFlightBit == 0 {
		return false, false, 0
	}
	if v == PendingMagic {
		return true, true, 0
	}
	return true, false, v &^ 0xfff
}

// AheadSlot pairs a Slot with the virtual address it resolves, so the
// prefetcher can log and allocate per-target state without re-deriving
// the address from trie coordinates.
type AheadSlot struct {
	VAddr uint64
	Slot  Slot
}

// NextSlots returns up to n slot handles for the pages immediately
// following vaddr, used by the prefetcher to pick N-ahead targets. Pages
// with no mapping (their leaf does not exist, or their slot holds zero)
// are omitted rather than padded (spec.md §4.3's iteration note).
func (t *Table) NextSlots(vaddr uint64, n int) []AheadSlot {
	out := make([]AheadSlot, 0, n)
	for i := 1; i <= n; i++ {
		next := vaddr + uint64(i)*descriptor.PageSize
		if s, ok := t.FindLeafSlot(next); ok && s.Load() != 0 {
			out = append(out, AheadSlot{VAddr: next, Slot: s})
		}
	}
	return out
}
