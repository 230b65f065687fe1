package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/kestrelfork/mitosis/internal/chardev"
	"github.com/kestrelfork/mitosis/internal/output"
	"github.com/spf13/cobra"
)

func addPrepareCommand(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "prepare KEY",
		Short: "Publish the calling process under KEY for a later resume",
		Long: `Prepare captures the calling process's memory and registers it in the
shadow-process registry under KEY, so a resume-local or resume-remote
elsewhere can fork it.

Requires a 'mitosis serve' process already running and owning the
control channel this command dials.`,
		Args: cobra.ExactArgs(1),
		RunE: runPrepare,
	}
	parent.AddCommand(cmd)
}

func runPrepare(cmd *cobra.Command, args []string) error {
	key, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("KEY: %w", err)
	}
	ret, err := callIoctl(cmd.Context(), chardev.CmdPrepare, key)
	if err != nil {
		return err
	}
	os.Exit(output.PrintIoctlResult(cmd.OutOrStdout(), "prepare", ret))
	return nil
}
