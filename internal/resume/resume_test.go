package resume

import (
	"testing"

	"github.com/kestrelfork/mitosis/internal/descriptor"
	"github.com/kestrelfork/mitosis/internal/rdmaverbs"
)

type fakeVM struct {
	unmapped       []uint64
	mapped         map[uint64]int
	allocatorOwned []uint64
	pages          map[uint64][]byte
}

func newFakeVM() *fakeVM {
	return &fakeVM{mapped: make(map[uint64]int), pages: make(map[uint64][]byte)}
}

func (f *fakeVM) Unmap(start, length uint64) error {
	f.unmapped = append(f.unmapped, start)
	return nil
}

func (f *fakeVM) MapRegion(start, length uint64, prot int) error {
	f.mapped[start] = prot
	return nil
}

func (f *fakeVM) SetAllocatorOwned(start, length uint64) error {
	f.allocatorOwned = append(f.allocatorOwned, start)
	return nil
}

func (f *fakeVM) WritePage(vaddr uint64, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	f.pages[vaddr] = cp
	return nil
}

type fakeTask struct {
	got descriptor.RegDescriptor
}

func (t *fakeTask) SetRegisters(regs descriptor.RegDescriptor) error {
	t.got = regs
	return nil
}

func sampleDescriptorWithPage(remoteData []byte, remoteBase uint64) *descriptor.Descriptor {
	d := &descriptor.Descriptor{}
	d.RDMA.GID[0] = 1
	d.RDMA.RKey = 99
	d.VMAs = []descriptor.VMAPages{{
		VMA:   descriptor.VMADescriptor{Start: 0x2000, End: 0x2000 + descriptor.PageSize, Prot: ProtRead | ProtWrite, Flags: descriptor.FlagAllocatorOwned},
		Pages: []descriptor.PageEntry{{Offset: 0, PA: remoteBase}},
	}}
	return d
}

func TestApplyToInstallsVMAsAndRestoresRegisters(t *testing.T) {
	dev := rdmaverbs.NewLoopbackDevice(2, 0)
	remote := make([]byte, descriptor.PageSize)
	for i := range remote {
		remote[i] = 0x42
	}
	rkey := dev.RegisterRegion(remote, 0x9000)

	d := sampleDescriptorWithPage(remote, 0x9000)
	d.RDMA.RKey = rkey

	vm := newFakeVM()
	task := &fakeTask{}
	engine := New(vm, rdmaverbs.NewPool(dev), task, Options{})

	result, err := engine.ApplyTo(d, []descriptor.VMADescriptor{{Start: 0x1000, End: 0x1000 + descriptor.PageSize}})
	if err != nil {
		t.Fatalf("ApplyTo: %v", err)
	}

	if len(vm.unmapped) != 1 || vm.unmapped[0] != 0x1000 {
		t.Fatalf("unmapped = %v, want [0x1000]", vm.unmapped)
	}
	if prot, ok := vm.mapped[0x2000]; !ok || prot != ProtRead|ProtWrite {
		t.Fatalf("mapped[0x2000] = %d, ok=%v, want %d", prot, ok, ProtRead|ProtWrite)
	}
	if len(vm.allocatorOwned) != 1 || vm.allocatorOwned[0] != 0x2000 {
		t.Fatalf("allocatorOwned = %v, want [0x2000] (VMA.Flags carries FlagAllocatorOwned)", vm.allocatorOwned)
	}

	pa, ok := result.Table.Translate(0x2000)
	if !ok || pa != 0x9000 {
		t.Fatalf("Translate(0x2000) = %d, %v, want 0x9000, true", pa, ok)
	}
}

func TestApplyToEagerResumeWritesPages(t *testing.T) {
	dev := rdmaverbs.NewLoopbackDevice(1, 0)
	remote := make([]byte, descriptor.PageSize)
	for i := range remote {
		remote[i] = 0x7
	}
	rkey := dev.RegisterRegion(remote, 0x9000)

	d := sampleDescriptorWithPage(remote, 0x9000)
	d.RDMA.RKey = rkey

	vm := newFakeVM()
	engine := New(vm, rdmaverbs.NewPool(dev), &fakeTask{}, Options{EagerResume: true})

	if _, err := engine.ApplyTo(d, nil); err != nil {
		t.Fatalf("ApplyTo: %v", err)
	}

	page, ok := vm.pages[0x2000]
	if !ok {
		t.Fatalf("eager resume did not write page at 0x2000")
	}
	if page[0] != 0x7 {
		t.Fatalf("page[0] = %#x, want 0x7", page[0])
	}
}

func TestApplyToRejectsInvalidDescriptor(t *testing.T) {
	d := &descriptor.Descriptor{}
	vm := newFakeVM()
	engine := New(vm, rdmaverbs.NewPool(rdmaverbs.NewLoopbackDevice(1, 0)), &fakeTask{}, Options{})
	if _, err := engine.ApplyTo(d, nil); err == nil {
		t.Fatalf("expected error for descriptor with invalid rdma endpoint")
	}
}
