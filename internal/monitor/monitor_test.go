package monitor

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kestrelfork/mitosis/internal/config"
	"github.com/kestrelfork/mitosis/internal/core"
	"github.com/kestrelfork/mitosis/internal/descriptor"
	"github.com/kestrelfork/mitosis/internal/fetch"
	"github.com/kestrelfork/mitosis/internal/rdmaverbs"
	"github.com/kestrelfork/mitosis/internal/registry"
	"github.com/kestrelfork/mitosis/internal/resume"
)

type fakeVM struct{}

func (fakeVM) Unmap(start, length uint64) error                { return nil }
func (fakeVM) MapRegion(start, length uint64, prot int) error  { return nil }
func (fakeVM) SetAllocatorOwned(start, length uint64) error    { return nil }
func (fakeVM) WritePage(vaddr uint64, data []byte) error       { return nil }

type fakeTask struct{}

func (fakeTask) SetRegisters(descriptor.RegDescriptor) error { return nil }

type fakeTarget struct{}

func (fakeTarget) Release() error { return nil }

func newTestCore(t *testing.T) *core.Context {
	t.Helper()
	dev := rdmaverbs.NewLoopbackDevice(1, 0)
	pool := rdmaverbs.NewPool(dev)
	eng := resume.New(fakeVM{}, pool, fakeTask{}, resume.Options{})
	return core.New(registry.New(), pool, eng, fetch.New(pool), config.Default())
}

func TestViewShowsNoneWhenEmpty(t *testing.T) {
	m := New(newTestCore(t))
	if !strings.Contains(m.View(), "none prepared") {
		t.Fatalf("View() = %q, want it to mention no prepared keys", m.View())
	}
}

func TestSnapshotMsgUpdatesPublishedKeys(t *testing.T) {
	c := newTestCore(t)
	d := &descriptor.Descriptor{}
	d.RDMA.GID[0] = 1
	if _, err := c.Prepare(5, registry.Capture{Descriptor: d, Target: fakeTarget{}}); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	m := New(c)
	updated, _ := m.Update(snapshotMsg{keys: c.Registry.Keys()})
	mm := updated.(Model)
	if len(mm.published) != 1 || mm.published[0] != 5 {
		t.Fatalf("published = %v, want [5]", mm.published)
	}
	if !strings.Contains(mm.View(), "key 5") {
		t.Fatalf("View() = %q, want it to mention key 5", mm.View())
	}
}

func TestQuitKeySendsTeaQuit(t *testing.T) {
	m := New(newTestCore(t))
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatalf("expected a tea.Cmd for quit key")
	}
}

func TestTickMsgReschedulesPoll(t *testing.T) {
	m := New(newTestCore(t))
	_, cmd := m.Update(tickMsg{})
	if cmd == nil {
		t.Fatalf("expected a batched poll+tick cmd")
	}
}
