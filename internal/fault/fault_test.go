package fault

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kestrelfork/mitosis/internal/descriptor"
	"github.com/kestrelfork/mitosis/internal/pagetable"
	"github.com/kestrelfork/mitosis/internal/rdmaverbs"
)

type fakeInstaller struct {
	mu        sync.Mutex
	installed map[uint64][]byte
}

func newFakeInstaller() *fakeInstaller {
	return &fakeInstaller{installed: make(map[uint64][]byte)}
}

func (f *fakeInstaller) InstallPage(dst uint64, src []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(src))
	copy(cp, src)
	f.installed[dst] = cp
	return nil
}

func (f *fakeInstaller) get(dst uint64) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.installed[dst]
	return b, ok
}

func setupDevice(t *testing.T, pages map[uint64]byte) (*rdmaverbs.Pool, rdmaverbs.AccessInfo) {
	t.Helper()
	const base = 0x9000
	maxOff := uint64(0)
	for pa := range pages {
		if pa-base+descriptor.PageSize > maxOff {
			maxOff = pa - base + descriptor.PageSize
		}
	}
	region := make([]byte, maxOff)
	for pa, b := range pages {
		off := pa - base
		for i := uint64(0); i < descriptor.PageSize; i++ {
			region[off+i] = b
		}
	}
	dev := rdmaverbs.NewLoopbackDevice(2, 0)
	rkey := dev.RegisterRegion(region, base)
	pool := rdmaverbs.NewPool(dev)
	access, err := pool.AccessInfoFor(descriptor.RDMADescriptor{GID: [16]byte{1}, RKey: rkey})
	if err != nil {
		t.Fatalf("AccessInfoFor: %v", err)
	}
	return pool, access
}

func TestHandleFaultPlainNoMapping(t *testing.T) {
	table := pagetable.New()
	pool, access := setupDevice(t, nil)
	h := New(table, pool, access, newFakeInstaller(), Options{})

	err := h.HandleFault(context.Background(), 0, 0x1000)
	if !errors.Is(err, ErrSegv) {
		t.Fatalf("HandleFault = %v, want ErrSegv", err)
	}
}

func TestHandleFaultPlainFetchesAndInstalls(t *testing.T) {
	table := pagetable.New()
	table.Map(0x1000, 0x9000)
	pool, access := setupDevice(t, map[uint64]byte{0x9000: 0xAB})
	inst := newFakeInstaller()
	h := New(table, pool, access, inst, Options{})

	if err := h.HandleFault(context.Background(), 0, 0x1000); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	page, ok := inst.get(0x1000)
	if !ok {
		t.Fatalf("no page installed at 0x1000")
	}
	if page[0] != 0xAB {
		t.Fatalf("page[0] = %#x, want 0xAB", page[0])
	}
}

func TestHandleFaultPrefetchesNeighbors(t *testing.T) {
	table := pagetable.New()
	table.Map(0x1000, 0x9000)
	table.Map(0x2000, 0x9000+descriptor.PageSize)
	table.Map(0x3000, 0x9000+2*descriptor.PageSize)
	pool, access := setupDevice(t, map[uint64]byte{
		0x9000:                        0x11,
		0x9000 + descriptor.PageSize:   0x22,
		0x9000 + 2*descriptor.PageSize: 0x33,
	})
	inst := newFakeInstaller()
	h := New(table, pool, access, inst, Options{Prefetch: 2})

	if err := h.HandleFault(context.Background(), 0, 0x1000); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	page, ok := inst.get(0x1000)
	if !ok || page[0] != 0x11 {
		t.Fatalf("page at 0x1000 = %v, ok=%v, want [0x11...]", page, ok)
	}

	// Give the background prefetch goroutines a moment to land.
	deadline := time.Now().Add(time.Second)
	for {
		v := mustSlot(t, table, 0x2000).Load()
		if _, pending, _ := pagetable.Decode(v); !pending {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("prefetch for 0x2000 never resolved")
		}
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.HandleFault(ctx, 0, 0x2000); err != nil {
		t.Fatalf("HandleFault (prefetched): %v", err)
	}
	page, ok = inst.get(0x2000)
	if !ok || page[0] != 0x22 {
		t.Fatalf("page at 0x2000 = %v, ok=%v, want [0x22...]", page, ok)
	}
}

func mustSlot(t *testing.T, table *pagetable.Table, va uint64) pagetable.Slot {
	t.Helper()
	s, ok := table.FindLeafSlot(va)
	if !ok {
		t.Fatalf("no leaf slot for %#x", va)
	}
	return s
}
