// Package chardev models the character-device ioctl surface of spec.md
// §6: a capability set (open/ioctl/close; there is no mmap) wired to a single dispatch
// table, exactly as spec.md §9's "static handler dispatch" design note
// asks — a capability trait with a concrete state type, with the OS
// glue left to the external collaborator. Since userspace Go cannot
// register a real char device, the control channel is a
// github.com/containerd/fifo-backed named pipe instead of a /dev node;
// the ioctl verbs and their single-shot caller-state rules are
// unchanged.
package chardev

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/kestrelfork/mitosis/internal/bytecursor"
	"github.com/kestrelfork/mitosis/internal/core"
	"github.com/kestrelfork/mitosis/internal/descriptor"
	"github.com/kestrelfork/mitosis/internal/registry"
	log "github.com/sirupsen/logrus"
)

// Cmd enumerates the ioctl verbs spec.md §6's table lists.
type Cmd byte

const (
	CmdNil Cmd = iota
	CmdPrepare
	CmdResumeLocal
	CmdResumeRemote
	CmdConnect
)

// Errors a Handle's single-shot caller-state rule produces (spec.md §6:
// "repeat attempts return −1").
var (
	ErrAlreadyPrepared = errors.New("chardev: handle already prepared (parent role)")
	ErrAlreadyResumed  = errors.New("chardev: handle already resumed (child role)")
	ErrUnknownCmd      = errors.New("chardev: unknown ioctl command")
)

// ResumeRemoteArg mirrors the teacher's resume_remote_req_t.
type ResumeRemoteArg struct {
	MachineID uint64
	HandlerID uint64
}

// ConnectArg mirrors the teacher's connect_req_t; GID is the
// already-decoded string form of the 39-byte on-wire GID buffer
// _copy_from_user reads in the original.
type ConnectArg struct {
	MachineID uint64
	NICID     uint32
	GID       string
	Network   string
	RPCAddr   string
}

// CallerState is the handle-lifetime state CallerData holds in the
// teacher: at most one Prepare (parent role) and one Resume* (child
// role) across the handle's life.
type CallerState struct {
	mu          sync.Mutex
	preparedKey *uint64
	resumedID   *uint64
}

func (s *CallerState) markPrepared(key uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preparedKey != nil {
		return ErrAlreadyPrepared
	}
	k := key
	s.preparedKey = &k
	return nil
}

func (s *CallerState) markResumed(handlerID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resumedID != nil {
		return ErrAlreadyResumed
	}
	h := handlerID
	s.resumedID = &h
	return nil
}

// PreparedKey reports the key this handle prepared, if any.
func (s *CallerState) PreparedKey() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preparedKey == nil {
		return 0, false
	}
	return *s.preparedKey, true
}

// CaptureFunc supplies the OS-task/RDMA-target state a Prepare call
// needs. Assembling it requires collaborators this package does not own
// (the current task's registers/VMAs/page-table and an RDMA target to
// export them), so the caller wiring a real /dev node injects it.
type CaptureFunc func() (registry.Capture, error)

// CurrentVMAsFunc reports the calling process's own currently-mapped
// VMAs, which resume.Engine.ApplyTo must unmap before installing the
// resumed layout — also host-OS state this package does not own.
type CurrentVMAsFunc func() ([]descriptor.VMADescriptor, error)

// Handle is one open file description against the mitosis device: its
// own correlation id, single-shot caller state, and the process-wide
// core.Context every verb dispatches through. It is the Go counterpart
// of MitosisSysCallHandler.
type Handle struct {
	ID uuid.UUID

	core        *core.Context
	state       CallerState
	capture     CaptureFunc
	currentVMAs CurrentVMAsFunc

	log *log.Entry
}

// Open returns a fresh Handle, mirroring MitosisSysCallHandler::open's
// per-file-descriptor construction.
func Open(ctx *core.Context, capture CaptureFunc, currentVMAs CurrentVMAsFunc) *Handle {
	id := uuid.New()
	return &Handle{
		ID:          id,
		core:        ctx,
		capture:     capture,
		currentVMAs: currentVMAs,
		log:         log.WithFields(log.Fields{"component": "chardev", "handle": id}),
	}
}

// Close is the Go counterpart of the teacher's Drop impl: if this handle
// ever prepared a key, it unregisters it so no shadow process outlives
// its owning handle.
func (h *Handle) Close() error {
	key, ok := h.state.PreparedKey()
	if !ok {
		return nil
	}
	h.log.WithField("key", key).Info("unregistering prepared process on close")
	return h.core.Registry.Unregister(key)
}

// Prepare implements spec.md §6's Prepare verb.
func (h *Handle) Prepare(key uint64) int64 {
	if err := h.state.markPrepared(key); err != nil {
		h.log.WithError(err).WithField("key", key).Warn("prepare rejected")
		return -1
	}
	cap, err := h.capture()
	if err != nil {
		h.log.WithError(err).Error("prepare: capturing caller state failed")
		return -1
	}
	if _, err := h.core.Prepare(key, cap); err != nil {
		h.log.WithError(err).WithField("key", key).Error("prepare failed")
		return -1
	}
	return 0
}

// ResumeLocal implements spec.md §6's ResumeLocal verb.
func (h *Handle) ResumeLocal(handlerID uint64) int64 {
	if err := h.state.markResumed(handlerID); err != nil {
		h.log.WithError(err).WithField("handler_id", handlerID).Warn("resume_local rejected")
		return -1
	}
	vmas, err := h.currentVMAs()
	if err != nil {
		h.log.WithError(err).Error("resume_local: reading current vmas failed")
		return -1
	}
	if _, err := h.core.ResumeLocal(handlerID, vmas); err != nil {
		h.log.WithError(err).WithField("handler_id", handlerID).Error("resume_local failed")
		return -1
	}
	return 0
}

// ResumeRemote implements spec.md §6's ResumeRemote verb.
func (h *Handle) ResumeRemote(ctx context.Context, arg ResumeRemoteArg) int64 {
	if err := h.state.markResumed(arg.HandlerID); err != nil {
		h.log.WithError(err).WithField("handler_id", arg.HandlerID).Warn("resume_remote rejected")
		return -1
	}
	vmas, err := h.currentVMAs()
	if err != nil {
		h.log.WithError(err).Error("resume_remote: reading current vmas failed")
		return -1
	}
	if _, err := h.core.ResumeRemote(ctx, arg.MachineID, arg.HandlerID, vmas); err != nil {
		h.log.WithError(err).WithFields(log.Fields{"machine_id": arg.MachineID, "handler_id": arg.HandlerID}).Error("resume_remote failed")
		return -1
	}
	return 0
}

// Connect implements spec.md §6's Connect verb.
func (h *Handle) Connect(arg ConnectArg) int64 {
	if err := h.core.ConnectSession(arg.MachineID, arg.Network, arg.RPCAddr, arg.GID, int(arg.NICID)); err != nil {
		h.log.WithError(err).WithField("machine_id", arg.MachineID).Error("connect failed")
		return -1
	}
	return 0
}

// Ioctl dispatches cmd the way the teacher's FileOperations::ioctrl
// match does, returning 0/−1 per spec.md §6's table. CmdNil always
// succeeds without touching caller state.
func (h *Handle) Ioctl(ctx context.Context, cmd Cmd, arg any) int64 {
	switch cmd {
	case CmdNil:
		return 0
	case CmdPrepare:
		key, ok := arg.(uint64)
		if !ok {
			h.log.Error("prepare: arg is not a uint64 key")
			return -1
		}
		return h.Prepare(key)
	case CmdResumeLocal:
		handlerID, ok := arg.(uint64)
		if !ok {
			h.log.Error("resume_local: arg is not a uint64 handler id")
			return -1
		}
		return h.ResumeLocal(handlerID)
	case CmdResumeRemote:
		rr, ok := arg.(ResumeRemoteArg)
		if !ok {
			h.log.Error("resume_remote: arg is not a ResumeRemoteArg")
			return -1
		}
		return h.ResumeRemote(ctx, rr)
	case CmdConnect:
		cc, ok := arg.(ConnectArg)
		if !ok {
			h.log.Error("connect: arg is not a ConnectArg")
			return -1
		}
		return h.Connect(cc)
	default:
		h.log.WithField("cmd", cmd).Error("unknown ioctl command")
		return -1
	}
}

// Wire frame layout for the fifo control channel: [1:Cmd][8:Arg0]
// [8:Arg1][4:NICID][39:GID][16:Network][64:RPCAddr] — wide enough for
// every verb's payload;
// unused trailing fields are left zero. This plays the role
// _copy_from_user plays in the original: a single fixed-size blob the
// control channel reads off the wire before Decode picks it apart by
// Cmd.
const (
	gidWireLen     = 39
	networkWireLen = 16
	addrWireLen    = 64
	frameArgLen    = 8 + 8 + 4 + gidWireLen + networkWireLen + addrWireLen
	FrameLen       = 1 + frameArgLen
	ReplyLen       = 8
)

// EncodeFrame serializes cmd+arg into the fixed FrameLen wire frame a
// ControlChannel reads. A Connect frame's Network/RPCAddr are
// fixed-width truncated fields, same treatment as GID.
func EncodeFrame(cmd Cmd, arg any) ([]byte, error) {
	buf := make([]byte, FrameLen)
	buf[0] = byte(cmd)
	w := bytecursor.NewWriter(buf[1:])
	switch cmd {
	case CmdNil:
	case CmdPrepare:
		key, ok := arg.(uint64)
		if !ok {
			return nil, fmt.Errorf("chardev: encode prepare: arg is not uint64")
		}
		if err := w.PutUint64(key); err != nil {
			return nil, err
		}
	case CmdResumeLocal:
		handlerID, ok := arg.(uint64)
		if !ok {
			return nil, fmt.Errorf("chardev: encode resume_local: arg is not uint64")
		}
		if err := w.PutUint64(handlerID); err != nil {
			return nil, err
		}
	case CmdResumeRemote:
		rr, ok := arg.(ResumeRemoteArg)
		if !ok {
			return nil, fmt.Errorf("chardev: encode resume_remote: arg is not ResumeRemoteArg")
		}
		if err := w.PutUint64(rr.MachineID); err != nil {
			return nil, err
		}
		if err := w.PutUint64(rr.HandlerID); err != nil {
			return nil, err
		}
	case CmdConnect:
		cc, ok := arg.(ConnectArg)
		if !ok {
			return nil, fmt.Errorf("chardev: encode connect: arg is not ConnectArg")
		}
		if err := w.PutUint64(cc.MachineID); err != nil {
			return nil, err
		}
		if err := w.PutUint64(0); err != nil { // alignment, matches req struct padding
			return nil, err
		}
		if err := w.PutUint32(cc.NICID); err != nil {
			return nil, err
		}
		gidBuf := make([]byte, gidWireLen)
		copy(gidBuf, cc.GID)
		if err := w.PutBytes(gidBuf); err != nil {
			return nil, err
		}
		netBuf := make([]byte, networkWireLen)
		copy(netBuf, cc.Network)
		if err := w.PutBytes(netBuf); err != nil {
			return nil, err
		}
		addrBuf := make([]byte, addrWireLen)
		copy(addrBuf, cc.RPCAddr)
		if err := w.PutBytes(addrBuf); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("chardev: encode: %w", ErrUnknownCmd)
	}
	return buf, nil
}

// DecodeFrame is EncodeFrame's inverse, used by ControlChannel to turn
// wire bytes back into a Cmd + typed arg pair before calling Ioctl.
// Connect's Network/RPCAddr are read from their fixed-width fields with
// trailing NULs trimmed; a field the sender left blank comes back empty,
// and ControlChannel then fills it in from its own dial configuration.
func DecodeFrame(buf []byte) (Cmd, any, error) {
	if len(buf) != FrameLen {
		return 0, nil, fmt.Errorf("chardev: decode: frame is %d bytes, want %d", len(buf), FrameLen)
	}
	cmd := Cmd(buf[0])
	r := bytecursor.NewReader(buf[1:])
	switch cmd {
	case CmdNil:
		return cmd, nil, nil
	case CmdPrepare:
		key, err := r.Uint64()
		if err != nil {
			return 0, nil, err
		}
		return cmd, key, nil
	case CmdResumeLocal:
		handlerID, err := r.Uint64()
		if err != nil {
			return 0, nil, err
		}
		return cmd, handlerID, nil
	case CmdResumeRemote:
		machineID, err := r.Uint64()
		if err != nil {
			return 0, nil, err
		}
		handlerID, err := r.Uint64()
		if err != nil {
			return 0, nil, err
		}
		return cmd, ResumeRemoteArg{MachineID: machineID, HandlerID: handlerID}, nil
	case CmdConnect:
		machineID, err := r.Uint64()
		if err != nil {
			return 0, nil, err
		}
		if err := r.Skip(8); err != nil {
			return 0, nil, err
		}
		nicID, err := r.Uint32()
		if err != nil {
			return 0, nil, err
		}
		gidBuf, err := r.Bytes(gidWireLen)
		if err != nil {
			return 0, nil, err
		}
		netBuf, err := r.Bytes(networkWireLen)
		if err != nil {
			return 0, nil, err
		}
		addrBuf, err := r.Bytes(addrWireLen)
		if err != nil {
			return 0, nil, err
		}
		gid := trimNulls(gidBuf)
		network := trimNulls(netBuf)
		rpcAddr := trimNulls(addrBuf)
		return cmd, ConnectArg{MachineID: machineID, NICID: nicID, GID: gid, Network: network, RPCAddr: rpcAddr}, nil
	default:
		return 0, nil, fmt.Errorf("chardev: decode: %w", ErrUnknownCmd)
	}
}

func trimNulls(b []byte) string {
	n := len(b)
	for n > 0 && b[n-1] == 0 {
		n--
	}
	return string(b[:n])
}

// ControlChannel drives a Handle off a context.Context-aware
// ReadWriteCloser — in production a github.com/containerd/fifo named
// pipe, since userspace Go has no way to register a real char device's
// ioctl callback; the framing and single-shot caller-state rules are
// otherwise identical to a real /dev/mitosis node.
type ControlChannel struct {
	rw     io.ReadWriteCloser
	handle *Handle

	// dialNetwork/dialAddr are this channel's fallback dial target,
	// used only when a decoded Connect frame leaves Network/RPCAddr
	// blank.
	dialNetwork, dialAddr string

	log *log.Entry
}

// NewControlChannel wraps rw, dispatching decoded frames to handle.
// dialNetwork/dialAddr back-fill a Connect verb's Network/RPCAddr when
// the caller left them blank.
func NewControlChannel(rw io.ReadWriteCloser, handle *Handle, dialNetwork, dialAddr string) *ControlChannel {
	return &ControlChannel{
		rw:          rw,
		handle:      handle,
		dialNetwork: dialNetwork,
		dialAddr:    dialAddr,
		log:         log.WithField("component", "chardev.control"),
	}
}

// Serve reads frames until ctx is done or rw errors, replying with the
// ioctl return code for each.
func (c *ControlChannel) Serve(ctx context.Context) error {
	frame := make([]byte, FrameLen)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := io.ReadFull(c.rw, frame); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("chardev: reading frame: %w", err)
		}

		cmd, arg, err := DecodeFrame(frame)
		if err != nil {
			c.log.WithError(err).Warn("malformed frame")
			continue
		}
		if cmd == CmdConnect {
			cc := arg.(ConnectArg)
			if cc.Network == "" {
				cc.Network = c.dialNetwork
			}
			if cc.RPCAddr == "" {
				cc.RPCAddr = c.dialAddr
			}
			arg = cc
		}

		ret := c.handle.Ioctl(ctx, cmd, arg)

		reply := make([]byte, ReplyLen)
		w := bytecursor.NewWriter(reply)
		if err := w.PutUint64(uint64(ret)); err != nil {
			return fmt.Errorf("chardev: encoding reply: %w", err)
		}
		if _, err := c.rw.Write(reply); err != nil {
			return fmt.Errorf("chardev: writing reply: %w", err)
		}
	}
}

// Close releases the handle (unregistering any prepared key, matching
// the teacher's Drop impl) and the underlying control channel.
func (c *ControlChannel) Close() error {
	herr := c.handle.Close()
	rerr := c.rw.Close()
	if herr != nil {
		return herr
	}
	return rerr
}
