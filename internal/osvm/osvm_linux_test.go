//go:build linux

package osvm

import (
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

func TestMapRegionRoundTrip(t *testing.T) {
	const length = 4096
	addr, err := MapRegion(0, length, unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	defer Unmap(addr, length)

	if addr == 0 {
		t.Fatalf("MapRegion returned nil address")
	}
}

func TestOpenFaultFDRequiresPrivilege(t *testing.T) {
	if !ProbeUFFD() {
		t.Skip("userfaultfd unavailable in this environment (vm.unprivileged_userfaultfd=0 and no CAP_SYS_PTRACE)")
	}
	f, err := OpenFaultFD()
	if err != nil {
		t.Fatalf("OpenFaultFD: %v", err)
	}
	defer f.Close()
	if f.Fd() < 0 {
		t.Fatalf("Fd() = %d, want non-negative", f.Fd())
	}
}

func TestRegisterAndInstallPage(t *testing.T) {
	if !ProbeUFFD() {
		t.Skip("userfaultfd unavailable in this environment")
	}

	const length = 4096
	addr, err := MapRegion(0, length, unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	defer Unmap(addr, length)

	f, err := OpenFaultFD()
	if err != nil {
		t.Fatalf("OpenFaultFD: %v", err)
	}
	defer f.Close()

	if err := f.Register(addr, length); err != nil {
		t.Fatalf("Register: %v", err)
	}

	src := make([]byte, length)
	for i := range src {
		src[i] = 0xAB
	}

	done := make(chan error, 1)
	go func() {
		ev, ok, err := f.ReadEvent()
		if err != nil {
			done <- err
			return
		}
		if !ok {
			done <- nil
			return
		}
		done <- f.InstallPage(ev.Address&^uint64(4095), src)
	}()

	// Touching the mapped-but-unpopulated page triggers the fault that
	// the goroutine above services via UFFDIO_COPY.
	ptr := (*byte)(unsafe.Pointer(uintptr(addr)))
	_ = *ptr

	if err := <-done; err != nil {
		t.Fatalf("fault servicing: %v", err)
	}
}
