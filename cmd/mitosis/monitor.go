package main

import (
	"github.com/spf13/cobra"
)

// addMonitorCommand is shorthand for 'serve --monitor': it boots the
// same daemon (control channel, RPC server, core.Context) but runs the
// dashboard in the foreground instead of blocking on a signal, since a
// standalone 'monitor' attaching to an already-running serve process
// would need its own discovery RPC this spec does not define.
func addMonitorCommand(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the mitosis daemon with the dashboard in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			serveMonitorFlag = true
			return runServe(cmd, args)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&serveRPCAddrFlag, "rpc-addr", "127.0.0.1:0", "Address the Query RPC server listens on")
	flags.IntVar(&serveSlotsFlag, "rdma-slots", 4, "Simulated per-CPU RDMA queue-pair count")
	flags.StringVar(&serveGIDFlag, "gid", "::1", "This machine's advertised RDMA GID")
	parent.AddCommand(cmd)
}
