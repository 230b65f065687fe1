// Package rpcnet implements the small RPC layer of spec.md §4.5: the
// single Query RPC the core issues over a datagram transport, used only
// to discover a remote descriptor's address/len/rkey before the one-sided
// fetch of spec.md §4.6 pulls its bytes.
package rpcnet

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// RPCID identifies a request type on the wire.
type RPCID uint8

// RPCQuery is the only RPC the core issues (spec.md §6's wire protocol
// table): request carries a u64 handler_id, reply is
// {addr: u64, len: u64, rkey: u32}.
const RPCQuery RPCID = 1

// Status codes carried in a reply frame's first byte.
const (
	statusOK      = 0
	statusUnknown = 0xff // unknown RPC ID; spec.md §4.5
	statusError   = 0xfe
)

// Errors observable at the RPC boundary (spec.md §7).
var (
	ErrTimeout   = errors.New("rpcnet: timed out waiting for reply")
	ErrTransport = errors.New("rpcnet: transport error")
)

// reqFrame is [1:RPCID][8:HandlerID] = 9 bytes.
const reqFrameLen = 1 + 8

// replyFrame is [1:Status][8:Addr][8:Len][4:RKey] = 21 bytes.
const replyFrameLen = 1 + 8 + 8 + 4

// LookupReply is the decoded DescriptorLookupReply of spec.md §4.5/§6.
type LookupReply struct {
	Addr uint64
	Len  uint64
	RKey uint32
}

// LookupFunc resolves a handler id to the reply the server sends back —
// supplied by the caller wiring the registry and the RDMA target
// together, since rpcnet itself has no notion of either.
type LookupFunc func(handlerID uint64) (LookupReply, error)

// Server answers Query RPCs over a PacketConn.
type Server struct {
	conn   net.PacketConn
	lookup LookupFunc
	log    *log.Entry
}

// NewServer wraps conn, dispatching Query requests to lookup.
func NewServer(conn net.PacketConn, lookup LookupFunc) *Server {
	return &Server{conn: conn, lookup: lookup, log: log.WithField("component", "rpcnet.server")}
}

// Serve reads request frames until ctx is done or the connection errors.
// Unknown RPC IDs get a negative-status reply rather than being dropped
// (spec.md §4.5).
func (s *Server) Serve(ctx context.Context) error {
	buf := make([]byte, reqFrameLen)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("rpcnet server read: %w", err)
		}
		if n != reqFrameLen {
			continue
		}
		s.handle(buf, addr)
	}
}

func (s *Server) handle(buf []byte, addr net.Addr) {
	id := RPCID(buf[0])
	handlerID := binary.LittleEndian.Uint64(buf[1:9])

	reply := make([]byte, replyFrameLen)
	switch id {
	case RPCQuery:
		lookup, err := s.lookup(handlerID)
		if err != nil {
			s.log.WithError(err).WithField("handler_id", handlerID).Warn("query lookup failed")
			reply[0] = statusError
		} else {
			reply[0] = statusOK
			binary.LittleEndian.PutUint64(reply[1:9], lookup.Addr)
			binary.LittleEndian.PutUint64(reply[9:17], lookup.Len)
			binary.LittleEndian.PutUint32(reply[17:21], lookup.RKey)
		}
	default:
		s.log.WithField("rpc_id", id).Warn("unknown rpc id")
		reply[0] = statusUnknown
	}

	if _, err := s.conn.WriteTo(reply, addr); err != nil {
		s.log.WithError(err).Warn("writing reply")
	}
}

// recvSlot is one pre-assigned receive buffer, matching spec.md §4.5's
// "receive buffer cookie" — SyncCall hands one out, BlockOn reads into
// it, and the caller must return it via RegisterRecvBuf once consumed.
type recvSlot struct {
	buf [replyFrameLen]byte
}

// Client issues Query RPCs against a single server address.
type Client struct {
	conn   net.PacketConn
	server net.Addr
	slots  []*recvSlot
	free   chan int
	log    *log.Entry
}

// Dial opens a client bound to network/localAddr, targeting server.
func Dial(network, localAddr, server string) (*Client, error) {
	conn, err := net.ListenPacket(network, localAddr)
	if err != nil {
		return nil, fmt.Errorf("rpcnet dial: %w", err)
	}
	addr, err := net.ResolveUDPAddr(network, server)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rpcnet resolve server: %w", err)
	}

	const poolSize = 8
	c := &Client{
		conn:   conn,
		server: addr,
		slots:  make([]*recvSlot, poolSize),
		free:   make(chan int, poolSize),
		log:    log.WithField("component", "rpcnet.client"),
	}
	for i := 0; i < poolSize; i++ {
		c.slots[i] = &recvSlot{}
		c.free <- i
	}
	return c, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// SyncCall posts a request and returns the pre-assigned receive-buffer
// cookie synchronously; it does not block for the reply (spec.md §4.5).
func (c *Client) SyncCall(ctx context.Context, id RPCID, handlerID uint64) (int, error) {
	var cookie int
	select {
	case cookie = <-c.free:
	case <-ctx.Done():
		return 0, fmt.Errorf("rpcnet: no free recv buffer: %w", ctx.Err())
	}

	req := make([]byte, reqFrameLen)
	req[0] = byte(id)
	binary.LittleEndian.PutUint64(req[1:9], handlerID)

	if _, err := c.conn.WriteTo(req, c.server); err != nil {
		c.RegisterRecvBuf(cookie)
		return 0, fmt.Errorf("rpcnet sync_call write: %w", ErrTransport)
	}
	return cookie, nil
}

// BlockOn drives the poll loop until either a reply arrives for cookie
// or ctx's deadline elapses, mirroring spec.md §4.5's
// block_on(TimeoutWRef(...)). The caller must still return the cookie via
// RegisterRecvBuf once done with the reply.
func (c *Client) BlockOn(ctx context.Context, cookie int) (LookupReply, error) {
	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(dl)
	} else {
		c.conn.SetReadDeadline(time.Now().Add(time.Second))
	}
	defer c.conn.SetReadDeadline(time.Time{})

	buf := c.slots[cookie].buf[:]
	n, _, err := c.conn.ReadFrom(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return LookupReply{}, fmt.Errorf("rpcnet block_on: %w", ErrTimeout)
		}
		return LookupReply{}, fmt.Errorf("rpcnet block_on: %w", ErrTransport)
	}
	if n != replyFrameLen {
		return LookupReply{}, fmt.Errorf("rpcnet block_on: short reply (%d bytes): %w", n, ErrTransport)
	}

	switch buf[0] {
	case statusOK:
		return LookupReply{
			Addr: binary.LittleEndian.Uint64(buf[1:9]),
			Len:  binary.LittleEndian.Uint64(buf[9:17]),
			RKey: binary.LittleEndian.Uint32(buf[17:21]),
		}, nil
	case statusUnknown:
		return LookupReply{}, fmt.Errorf("rpcnet: server rejected unknown rpc id: %w", ErrTransport)
	default:
		return LookupReply{}, fmt.Errorf("rpcnet: server returned error status %d: %w", buf[0], ErrTransport)
	}
}

// RegisterRecvBuf hands the receive buffer back to the free pool.
// Leaking it stalls a future caller (spec.md §4.5).
func (c *Client) RegisterRecvBuf(cookie int) {
	select {
	case c.free <- cookie:
	default:
		c.log.WithField("cookie", cookie).Warn("recv buffer pool overflow on release")
	}
}

// Query is the convenience wrapper most callers use: SyncCall + BlockOn +
// RegisterRecvBuf in one round trip, bounded by ctx.
func (c *Client) Query(ctx context.Context, handlerID uint64) (LookupReply, error) {
	cookie, err := c.SyncCall(ctx, RPCQuery, handlerID)
	if err != nil {
		return LookupReply{}, err
	}
	defer c.RegisterRecvBuf(cookie)
	return c.BlockOn(ctx, cookie)
}
