// Package core implements the process-wide context the teacher's
// syscall-handler file (core_syscall_handler.rs) threads through every
// ioctl: a single struct created once at server start, holding the
// shadow-process registry, the per-CPU RDMA pool, the resume engine,
// and the config that drives their options. internal/chardev owns the
// per-caller state (prepared_key/resume_related) the Rust handler stores
// on MitosisSysCallHandler itself; Context stays stateless apart from
// the remote-session table below.
package core

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/kestrelfork/mitosis/internal/config"
	"github.com/kestrelfork/mitosis/internal/descriptor"
	"github.com/kestrelfork/mitosis/internal/fetch"
	"github.com/kestrelfork/mitosis/internal/rdmaverbs"
	"github.com/kestrelfork/mitosis/internal/registry"
	"github.com/kestrelfork/mitosis/internal/resume"
	"github.com/kestrelfork/mitosis/internal/rpcnet"
	log "github.com/sirupsen/logrus"
)

// Session is a connected remote peer: the GID/NIC pair ConnectSession
// negotiated (spec.md §6's Connect verb, "probe_remote_rpc_end" in the
// teacher), plus the RPC client used to Query it.
type Session struct {
	GID   [descriptor.GIDSize]byte
	NICID int
	RPC   *rpcnet.Client
}

// Context bundles the collaborators every verb needs and is created
// once at "module load" time (cmd/mitosis serve), then passed by
// reference to every caller's operation.
type Context struct {
	Registry *registry.Registry
	Resume   *resume.Engine
	Fetch    *fetch.Service
	Pool     *rdmaverbs.Pool
	Config   *config.Config

	mu       sync.Mutex
	sessions map[uint64]*Session

	log *log.Entry
}

// New builds a Context around already-wired collaborators.
func New(reg *registry.Registry, pool *rdmaverbs.Pool, eng *resume.Engine, fsvc *fetch.Service, cfg *config.Config) *Context {
	return &Context{
		Registry: reg,
		Resume:   eng,
		Fetch:    fsvc,
		Pool:     pool,
		Config:   cfg,
		sessions: make(map[uint64]*Session),
		log:      log.WithField("component", "core"),
	}
}

// Prepare publishes capture under key (spec.md §6's Prepare verb),
// selecting copy-on-write vs. eager-copy per c.Config.Build.COW the way
// the teacher's syscall_prepare dispatches on the cow feature flag.
func (c *Context) Prepare(key uint64, capture registry.Capture) (*registry.ShadowProcess, error) {
	mode := registry.ModeCopy
	if c.Config.Build.COW {
		mode = registry.ModeCOW
	}
	return c.Registry.Prepare(key, mode, capture)
}

// ResumeLocal implements spec.md §6's ResumeLocal verb: the descriptor
// lives in this process's own registry (same-machine fork), so no
// RPC/RDMA round trip runs before resume.Engine.ApplyTo.
func (c *Context) ResumeLocal(handlerID uint64, currentVMAs []descriptor.VMADescriptor) (*resume.Result, error) {
	d, err := c.Registry.QueryDescriptor(handlerID)
	if err != nil {
		return nil, fmt.Errorf("core: resume_local(%d): %w", handlerID, err)
	}
	return c.Resume.ApplyTo(d, currentVMAs)
}

// ConnectSession implements spec.md §6's Connect verb: dials the remote
// machine's RPC endpoint and remembers its GID/NIC for later
// ResumeRemote calls.
func (c *Context) ConnectSession(machineID uint64, network, rpcAddr, gid string, nicID int) error {
	client, err := rpcnet.Dial(network, "", rpcAddr)
	if err != nil {
		return fmt.Errorf("core: connect_session(%d): %w", machineID, err)
	}

	ip := net.ParseIP(gid)
	if ip == nil {
		client.Close()
		return fmt.Errorf("core: connect_session(%d): gid %q does not parse", machineID, gid)
	}
	var gidBytes [descriptor.GIDSize]byte
	copy(gidBytes[:], ip.To16())

	c.mu.Lock()
	if old, ok := c.sessions[machineID]; ok {
		old.RPC.Close()
	}
	c.sessions[machineID] = &Session{GID: gidBytes, NICID: nicID, RPC: client}
	c.mu.Unlock()

	c.log.WithFields(log.Fields{"machine_id": machineID, "gid": gid, "nic_id": nicID}).Info("connected remote session")
	return nil
}

// ResumeRemote implements spec.md §6's ResumeRemote verb: Query the
// remote's registry for handlerID's export location over RPC, fetch the
// serialized descriptor with one-sided RDMA, deserialize, and apply —
// the steps syscall_local_resume_w_rpc chains together.
func (c *Context) ResumeRemote(ctx context.Context, machineID, handlerID uint64, currentVMAs []descriptor.VMADescriptor) (*resume.Result, error) {
	c.mu.Lock()
	sess, ok := c.sessions[machineID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("core: resume_remote(%d): no connected session for machine %d", handlerID, machineID)
	}

	start := time.Now()
	reply, err := sess.RPC.Query(ctx, handlerID)
	if err != nil {
		return nil, fmt.Errorf("core: resume_remote(%d): query: %w", handlerID, err)
	}

	access, err := c.Pool.AccessInfoFor(descriptor.RDMADescriptor{GID: sess.GID, RKey: reply.RKey})
	if err != nil {
		return nil, fmt.Errorf("core: resume_remote(%d): access info: %w", handlerID, err)
	}

	buf, err := c.Fetch.FetchDescriptorBytes(ctx, 0, access, reply.Addr, reply.Len)
	if err != nil {
		return nil, fmt.Errorf("core: resume_remote(%d): fetch descriptor: %w", handlerID, err)
	}

	d, err := descriptor.Deserialize(buf)
	if err != nil {
		return nil, fmt.Errorf("core: resume_remote(%d): deserialize: %w", handlerID, err)
	}

	result, err := c.Resume.ApplyTo(d, currentVMAs)
	if err != nil {
		return nil, err
	}
	if c.Config.Build.ResumeProfile {
		c.log.WithFields(log.Fields{"handler_id": handlerID, "elapsed": time.Since(start)}).Info("resume_remote profile")
	}
	return result, nil
}

// LookupForExport answers the rpcnet.LookupFunc contract on the server
// side of a Query RPC: given a handler id, it borrows the published
// bundle and returns the wire address/len/rkey a remote ResumeRemote
// needs to fetch it, per spec.md §4.5's DescriptorLookupReply. The
// caller must arrange for the borrow to eventually be released; since
// rpcnet.Server's LookupFunc is a single synchronous call per request,
// this releases immediately after reading the fields it needs rather
// than holding the bundle borrowed for the remote's whole RDMA fetch —
// Unregister still can't race a fetch because the RDMA target itself
// outlives the registry entry until Release runs.
func (c *Context) LookupForExport(handlerID uint64) (rpcnet.LookupReply, error) {
	proc, buf, err := c.Registry.QueryDescriptorBuf(handlerID)
	if err != nil {
		return rpcnet.LookupReply{}, err
	}
	reply := rpcnet.LookupReply{
		Addr: proc.Addr,
		Len:  uint64(len(buf)),
		RKey: proc.RKey,
	}
	proc.Release()
	return reply, nil
}

// Disconnect closes and forgets the session for machineID, if any.
func (c *Context) Disconnect(machineID uint64) error {
	c.mu.Lock()
	sess, ok := c.sessions[machineID]
	if ok {
		delete(c.sessions, machineID)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return sess.RPC.Close()
}
