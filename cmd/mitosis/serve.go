package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kestrelfork/mitosis/internal/chardev"
	"github.com/kestrelfork/mitosis/internal/config"
	"github.com/kestrelfork/mitosis/internal/core"
	"github.com/kestrelfork/mitosis/internal/descriptor"
	"github.com/kestrelfork/mitosis/internal/fetch"
	"github.com/kestrelfork/mitosis/internal/monitor"
	"github.com/kestrelfork/mitosis/internal/rdmaverbs"
	"github.com/kestrelfork/mitosis/internal/registry"
	"github.com/kestrelfork/mitosis/internal/resume"
	"github.com/kestrelfork/mitosis/internal/rpcnet"
	"github.com/kestrelfork/mitosis/internal/selfcapture"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	serveRPCAddrFlag string
	serveSlotsFlag   int
	serveGIDFlag     string
	serveMonitorFlag bool
)

func addServeCommand(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the mitosis daemon: control channel, RPC server, fault handling",
		Long: `Serve starts the process-wide core.Context (spec.md's "module load"):
the shadow-process registry, the per-CPU RDMA pool, the resume engine,
and the config they share. It opens a fifo control channel other
'mitosis' invocations dial for prepare/resume-local/resume-remote/
connect, and a Query RPC server remote machines' resume-remote calls
reach. The serve process is itself a participant: 'mitosis prepare'
captures serve's own memory, not the caller's.

Runs until interrupted; pass --monitor to run the dashboard in the
foreground instead of blocking on a signal.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	flags := cmd.Flags()
	flags.StringVar(&serveRPCAddrFlag, "rpc-addr", "127.0.0.1:0", "Address the Query RPC server listens on")
	flags.IntVar(&serveSlotsFlag, "rdma-slots", 4, "Simulated per-CPU RDMA queue-pair count")
	flags.StringVar(&serveGIDFlag, "gid", "::1", "This machine's advertised RDMA GID")
	flags.BoolVar(&serveMonitorFlag, "monitor", false, "Run the dashboard in the foreground instead of blocking on a signal")
	parent.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	gid := net.ParseIP(serveGIDFlag)
	if gid == nil {
		return fmt.Errorf("--gid %q does not parse", serveGIDFlag)
	}
	var gidBytes [descriptor.GIDSize]byte
	copy(gidBytes[:], gid.To16())

	dev := rdmaverbs.NewLoopbackDevice(serveSlotsFlag, 0)
	pool := rdmaverbs.NewPool(dev)
	vm := resume.OSVM{}
	eng := resume.New(vm, pool, noopRegisterTask{}, resume.Options{EagerResume: cfg.Build.EagerResume})
	reg := registry.New()
	fsvc := fetch.New(pool)
	ctx := core.New(reg, pool, eng, fsvc, cfg)

	capturer := selfcapture.New(dev, gidBytes)

	conn, err := net.ListenPacket("udp", serveRPCAddrFlag)
	if err != nil {
		return fmt.Errorf("listening for rpc on %s: %w", serveRPCAddrFlag, err)
	}
	rpcServer := rpcnet.NewServer(conn, ctx.LookupForExport)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := rpcServer.Serve(runCtx); err != nil && runCtx.Err() == nil {
			log.WithError(err).Error("rpc server stopped")
		}
	}()
	log.WithField("addr", conn.LocalAddr().String()).Info("rpc server listening")

	if err := config.EnsureDir(); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	rw, err := openControlServer(runCtx, config.Home())
	if err != nil {
		return fmt.Errorf("opening control fifo: %w", err)
	}

	handle := chardev.Open(ctx, func() (registry.Capture, error) {
		return capturer.Capture(0x40000000)
	}, selfcapture.CurrentVMAs)
	channel := chardev.NewControlChannel(rw, handle, "udp", "")

	go func() {
		if err := channel.Serve(runCtx); err != nil && runCtx.Err() == nil {
			log.WithError(err).Error("control channel stopped")
		}
	}()

	defer channel.Close()

	if serveMonitorFlag {
		return monitor.Run(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Fprintln(cmd.ErrOrStderr(), "shutting down...")
	cancel()
	time.Sleep(50 * time.Millisecond)
	return nil
}

// noopRegisterTask is the RegisterTask collaborator's Go stand-in:
// selfcapture.Capture cannot produce a real register file (see its
// package doc), so there is nothing meaningful to install here either.
type noopRegisterTask struct{}

func (noopRegisterTask) SetRegisters(descriptor.RegDescriptor) error { return nil }
