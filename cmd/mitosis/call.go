package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/kestrelfork/mitosis/internal/chardev"
	"github.com/kestrelfork/mitosis/internal/config"
)

// callIoctl dials the running serve process's control fifo, sends one
// encoded frame, and returns the ret code chardev.Handle.Ioctl produced
// on the other end.
func callIoctl(ctx context.Context, cmd chardev.Cmd, arg any) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rw, err := openControlClient(ctx, config.Home())
	if err != nil {
		return 0, err
	}
	defer rw.Close()

	frame, err := chardev.EncodeFrame(cmd, arg)
	if err != nil {
		return 0, fmt.Errorf("encoding frame: %w", err)
	}
	if _, err := rw.Write(frame); err != nil {
		return 0, fmt.Errorf("writing frame: %w", err)
	}

	reply := make([]byte, chardev.ReplyLen)
	n := 0
	for n < len(reply) {
		m, err := rw.Read(reply[n:])
		if err != nil {
			return 0, fmt.Errorf("reading reply: %w", err)
		}
		n += m
	}
	return int64(binary.LittleEndian.Uint64(reply)), nil
}
