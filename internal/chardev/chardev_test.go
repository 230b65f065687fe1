package chardev

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/kestrelfork/mitosis/internal/config"
	"github.com/kestrelfork/mitosis/internal/core"
	"github.com/kestrelfork/mitosis/internal/descriptor"
	"github.com/kestrelfork/mitosis/internal/fetch"
	"github.com/kestrelfork/mitosis/internal/rdmaverbs"
	"github.com/kestrelfork/mitosis/internal/registry"
	"github.com/kestrelfork/mitosis/internal/resume"
)

type fakeVM struct {
	mapped map[uint64]int
}

func (v *fakeVM) Unmap(start, length uint64) error { return nil }
func (v *fakeVM) MapRegion(start, length uint64, prot int) error {
	v.mapped[start] = prot
	return nil
}
func (v *fakeVM) SetAllocatorOwned(start, length uint64) error { return nil }
func (v *fakeVM) WritePage(vaddr uint64, data []byte) error     { return nil }

type fakeTask struct{}

func (fakeTask) SetRegisters(descriptor.RegDescriptor) error { return nil }

type fakeTarget struct{}

func (fakeTarget) Release() error { return nil }

func newTestCore(t *testing.T) *core.Context {
	t.Helper()
	dev := rdmaverbs.NewLoopbackDevice(2, 0)
	pool := rdmaverbs.NewPool(dev)
	eng := resume.New(&fakeVM{mapped: make(map[uint64]int)}, pool, fakeTask{}, resume.Options{})
	return core.New(registry.New(), pool, eng, fetch.New(pool), config.Default())
}

func sampleCapture() (registry.Capture, error) {
	d := &descriptor.Descriptor{}
	d.RDMA.GID[0] = 1
	return registry.Capture{Descriptor: d, Target: fakeTarget{}}, nil
}

func noVMAs() ([]descriptor.VMADescriptor, error) { return nil, nil }

func TestIoctlNilAlwaysSucceeds(t *testing.T) {
	h := Open(newTestCore(t), sampleCapture, noVMAs)
	if ret := h.Ioctl(context.Background(), CmdNil, nil); ret != 0 {
		t.Fatalf("Nil ioctl = %d, want 0", ret)
	}
}

func TestPrepareRejectsDoublePrepare(t *testing.T) {
	h := Open(newTestCore(t), sampleCapture, noVMAs)
	if ret := h.Prepare(1); ret != 0 {
		t.Fatalf("first Prepare = %d, want 0", ret)
	}
	if ret := h.Prepare(2); ret != -1 {
		t.Fatalf("second Prepare on same handle = %d, want -1", ret)
	}
	if key, ok := h.state.PreparedKey(); !ok || key != 1 {
		t.Fatalf("PreparedKey = %d,%v, want 1,true", key, ok)
	}
}

func TestResumeLocalRejectsDoubleResume(t *testing.T) {
	c := newTestCore(t)
	prep := Open(c, sampleCapture, noVMAs)
	if ret := prep.Prepare(42); ret != 0 {
		t.Fatalf("Prepare = %d, want 0", ret)
	}

	h := Open(c, sampleCapture, noVMAs)
	if ret := h.ResumeLocal(42); ret != 0 {
		t.Fatalf("first ResumeLocal = %d, want 0", ret)
	}
	if ret := h.ResumeLocal(42); ret != -1 {
		t.Fatalf("second ResumeLocal on same handle = %d, want -1", ret)
	}
}

func TestResumeLocalUnknownHandlerFails(t *testing.T) {
	h := Open(newTestCore(t), sampleCapture, noVMAs)
	if ret := h.ResumeLocal(999); ret != -1 {
		t.Fatalf("ResumeLocal(unknown) = %d, want -1", ret)
	}
}

func TestCloseUnregistersPreparedKey(t *testing.T) {
	c := newTestCore(t)
	h := Open(c, sampleCapture, noVMAs)
	if ret := h.Prepare(7); ret != 0 {
		t.Fatalf("Prepare = %d, want 0", ret)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := c.Registry.QueryDescriptor(7); !errors.Is(err, registry.ErrKeyUnknown) {
		t.Fatalf("QueryDescriptor after Close: got %v, want ErrKeyUnknown", err)
	}
}

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		cmd  Cmd
		arg  any
	}{
		{"nil", CmdNil, nil},
		{"prepare", CmdPrepare, uint64(123)},
		{"resume_local", CmdResumeLocal, uint64(456)},
		{"resume_remote", CmdResumeRemote, ResumeRemoteArg{MachineID: 2, HandlerID: 789}},
		{"connect", CmdConnect, ConnectArg{MachineID: 3, NICID: 1, GID: "::1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := EncodeFrame(tc.cmd, tc.arg)
			if err != nil {
				t.Fatalf("EncodeFrame: %v", err)
			}
			if len(frame) != FrameLen {
				t.Fatalf("frame len = %d, want %d", len(frame), FrameLen)
			}
			cmd, arg, err := DecodeFrame(frame)
			if err != nil {
				t.Fatalf("DecodeFrame: %v", err)
			}
			if cmd != tc.cmd {
				t.Fatalf("decoded cmd = %v, want %v", cmd, tc.cmd)
			}
			switch want := tc.arg.(type) {
			case uint64:
				got, ok := arg.(uint64)
				if !ok || got != want {
					t.Fatalf("decoded arg = %v, want %v", arg, want)
				}
			case ResumeRemoteArg:
				got, ok := arg.(ResumeRemoteArg)
				if !ok || got != want {
					t.Fatalf("decoded arg = %+v, want %+v", arg, want)
				}
			case ConnectArg:
				got, ok := arg.(ConnectArg)
				if !ok || got.MachineID != want.MachineID || got.NICID != want.NICID || got.GID != want.GID {
					t.Fatalf("decoded arg = %+v, want %+v", got, want)
				}
			}
		})
	}
}

func TestControlChannelServeRoundTrip(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	h := Open(newTestCore(t), sampleCapture, noVMAs)
	ch := NewControlChannel(serverConn, h, "", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Serve(ctx)

	frame, err := EncodeFrame(CmdPrepare, uint64(9))
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	clientConn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := clientConn.Write(frame); err != nil {
		t.Fatalf("writing frame: %v", err)
	}
	reply := make([]byte, ReplyLen)
	if _, err := clientConn.Read(reply); err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	ret := int64(reply[0]) | int64(reply[1])<<8 | int64(reply[2])<<16 | int64(reply[3])<<24 |
		int64(reply[4])<<32 | int64(reply[5])<<40 | int64(reply[6])<<48 | int64(reply[7])<<56
	if ret != 0 {
		t.Fatalf("prepare reply = %d, want 0", ret)
	}
}
