package rpcnet

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func dialLoopback() (net.PacketConn, error) {
	return net.ListenPacket("udp", "127.0.0.1:0")
}

func TestQuerySuccess(t *testing.T) {
	srvConn, err := dialLoopback()
	if err != nil {
		t.Fatalf("dialLoopback: %v", err)
	}
	defer srvConn.Close()

	lookup := func(handlerID uint64) (LookupReply, error) {
		if handlerID != 42 {
			return LookupReply{}, errors.New("unexpected handler id")
		}
		return LookupReply{Addr: 0x1000, Len: 4096, RKey: 7}, nil
	}
	srv := NewServer(srvConn, lookup)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	client, err := Dial("udp", "127.0.0.1:0", srvConn.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	qctx, qcancel := context.WithTimeout(context.Background(), time.Second)
	defer qcancel()
	reply, err := client.Query(qctx, 42)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if reply.Addr != 0x1000 || reply.Len != 4096 || reply.RKey != 7 {
		t.Fatalf("reply = %+v, want {0x1000 4096 7}", reply)
	}
}

func TestQueryUnknownHandlerIsError(t *testing.T) {
	srvConn, err := dialLoopback()
	if err != nil {
		t.Fatalf("dialLoopback: %v", err)
	}
	defer srvConn.Close()

	lookup := func(handlerID uint64) (LookupReply, error) {
		return LookupReply{}, errors.New("no such key")
	}
	srv := NewServer(srvConn, lookup)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	client, err := Dial("udp", "127.0.0.1:0", srvConn.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	qctx, qcancel := context.WithTimeout(context.Background(), time.Second)
	defer qcancel()
	if _, err := client.Query(qctx, 7); err == nil {
		t.Fatalf("expected error for unknown handler id")
	}
}

func TestQueryTimeoutWhenServerDown(t *testing.T) {
	// Bind a socket just to get an unused address, then close it so
	// nothing answers.
	conn, err := dialLoopback()
	if err != nil {
		t.Fatalf("dialLoopback: %v", err)
	}
	addr := conn.LocalAddr().String()
	conn.Close()

	client, err := Dial("udp", "127.0.0.1:0", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.Query(ctx, 1); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Query against dead server: got %v, want ErrTimeout", err)
	}
}
