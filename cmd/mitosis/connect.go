package main

import (
	"os"

	"github.com/kestrelfork/mitosis/internal/chardev"
	"github.com/kestrelfork/mitosis/internal/output"
	"github.com/spf13/cobra"
)

var (
	connectMachineIDFlag uint64
	connectNICIDFlag      uint32
	connectGIDFlag        string
	connectNetworkFlag    string
	connectRPCAddrFlag    string
)

func addConnectCommand(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Register a remote machine for later resume-remote calls",
		Long: `Connect opens an RPC client to a remote mitosis serve process and
records it under --machine-id, so resume-remote can later query and
RDMA-fetch descriptors that machine published.`,
		Args: cobra.NoArgs,
		RunE: runConnect,
	}
	flags := cmd.Flags()
	flags.Uint64Var(&connectMachineIDFlag, "machine-id", 0, "Local id to file the connection under")
	flags.Uint32Var(&connectNICIDFlag, "nic-id", 0, "Local RDMA NIC slot to route reads through")
	flags.StringVar(&connectGIDFlag, "gid", "", "Remote RDMA GID (IPv6-literal form)")
	flags.StringVar(&connectNetworkFlag, "network", "udp", "RPC transport network (udp, udp4, ...)")
	flags.StringVar(&connectRPCAddrFlag, "rpc-addr", "", "Remote RPC server address (host:port)")
	_ = cmd.MarkFlagRequired("machine-id")
	_ = cmd.MarkFlagRequired("gid")
	_ = cmd.MarkFlagRequired("rpc-addr")
	parent.AddCommand(cmd)
}

func runConnect(cmd *cobra.Command, args []string) error {
	arg := chardev.ConnectArg{
		MachineID: connectMachineIDFlag,
		NICID:     connectNICIDFlag,
		GID:       connectGIDFlag,
		Network:   connectNetworkFlag,
		RPCAddr:   connectRPCAddrFlag,
	}
	ret, err := callIoctl(cmd.Context(), chardev.CmdConnect, arg)
	if err != nil {
		return err
	}
	os.Exit(output.PrintIoctlResult(cmd.OutOrStdout(), "connect", ret))
	return nil
}
