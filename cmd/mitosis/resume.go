package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/kestrelfork/mitosis/internal/chardev"
	"github.com/kestrelfork/mitosis/internal/output"
	"github.com/spf13/cobra"
)

var resumeRemoteMachineIDFlag uint64

func addResumeCommands(parent *cobra.Command) {
	localCmd := &cobra.Command{
		Use:   "resume-local HANDLER_ID",
		Short: "Fork a process already prepared on this machine",
		Args:  cobra.ExactArgs(1),
		RunE:  runResumeLocal,
	}

	remoteCmd := &cobra.Command{
		Use:   "resume-remote HANDLER_ID",
		Short: "Fork a process prepared on a connected remote machine",
		Long: `Resume-remote asks the previously connect-ed machine for the
descriptor published under HANDLER_ID, fetches it over RDMA, and
applies it to the calling process.`,
		Args: cobra.ExactArgs(1),
		RunE: runResumeRemote,
	}
	remoteCmd.Flags().Uint64Var(&resumeRemoteMachineIDFlag, "machine-id", 0, "Machine id passed to the earlier connect")
	_ = remoteCmd.MarkFlagRequired("machine-id")

	parent.AddCommand(localCmd, remoteCmd)
}

func runResumeLocal(cmd *cobra.Command, args []string) error {
	handlerID, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("HANDLER_ID: %w", err)
	}
	ret, err := callIoctl(cmd.Context(), chardev.CmdResumeLocal, handlerID)
	if err != nil {
		return err
	}
	os.Exit(output.PrintIoctlResult(cmd.OutOrStdout(), "resume-local", ret))
	return nil
}

func runResumeRemote(cmd *cobra.Command, args []string) error {
	handlerID, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("HANDLER_ID: %w", err)
	}
	arg := chardev.ResumeRemoteArg{MachineID: resumeRemoteMachineIDFlag, HandlerID: handlerID}
	ret, err := callIoctl(cmd.Context(), chardev.CmdResumeRemote, arg)
	if err != nil {
		return err
	}
	os.Exit(output.PrintIoctlResult(cmd.OutOrStdout(), "resume-remote", ret))
	return nil
}
