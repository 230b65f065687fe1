package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/containerd/fifo"
)

// A real /dev/mitosis node is bidirectional on one fd; a named pipe is
// not, so the control channel is two fifos — one per direction — under
// the config home directory.
func controlFifoPaths(dir string) (reqPath, replyPath string) {
	return filepath.Join(dir, "control.req"), filepath.Join(dir, "control.reply")
}

// duplexFifo composes a read-only and a write-only fifo.Fifo into the
// single io.ReadWriteCloser chardev.ControlChannel expects.
type duplexFifo struct {
	r io.ReadCloser
	w io.WriteCloser
}

func (d *duplexFifo) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d *duplexFifo) Write(p []byte) (int, error) { return d.w.Write(p) }

func (d *duplexFifo) Close() error {
	rerr := d.r.Close()
	werr := d.w.Close()
	if rerr != nil {
		return rerr
	}
	return werr
}

// openControlServer creates (if needed) and opens both fifos from the
// serve process's side: it reads requests and writes replies.
func openControlServer(ctx context.Context, dir string) (io.ReadWriteCloser, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating control dir: %w", err)
	}
	reqPath, replyPath := controlFifoPaths(dir)
	req, err := fifo.OpenFifo(ctx, reqPath, syscall.O_CREAT|syscall.O_RDONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening control request fifo: %w", err)
	}
	reply, err := fifo.OpenFifo(ctx, replyPath, syscall.O_CREAT|syscall.O_WRONLY, 0o600)
	if err != nil {
		req.Close()
		return nil, fmt.Errorf("opening control reply fifo: %w", err)
	}
	return &duplexFifo{r: req, w: reply}, nil
}

// openControlClient opens both fifos from a CLI subcommand's side: it
// writes requests and reads replies. It blocks until a serve process
// has the fifos open on the other end, matching a real ioctl(2) call
// blocking until the driver is ready.
func openControlClient(ctx context.Context, dir string) (io.ReadWriteCloser, error) {
	reqPath, replyPath := controlFifoPaths(dir)
	req, err := fifo.OpenFifo(ctx, reqPath, syscall.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening control request fifo (is 'mitosis serve' running?): %w", err)
	}
	reply, err := fifo.OpenFifo(ctx, replyPath, syscall.O_RDONLY, 0o600)
	if err != nil {
		req.Close()
		return nil, fmt.Errorf("opening control reply fifo: %w", err)
	}
	return &duplexFifo{r: reply, w: req}, nil
}
