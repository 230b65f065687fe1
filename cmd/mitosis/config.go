package main

import (
	"fmt"

	"github.com/kestrelfork/mitosis/internal/config"
	"github.com/kestrelfork/mitosis/internal/output"
	"github.com/spf13/cobra"
)

func addConfigCommands(parent *cobra.Command) {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and edit ~/.mitosis/config.toml",
	}

	getCmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Print a single config value",
		Args:  cobra.ExactArgs(1),
		RunE:  runConfigGet,
	}

	setCmd := &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Set a single config value",
		Args:  cobra.ExactArgs(2),
		RunE:  runConfigSet,
	}

	pathCmd := &cobra.Command{
		Use:   "path",
		Short: "Print the resolved config.toml path",
		Args:  cobra.NoArgs,
		RunE:  runConfigPath,
	}

	configCmd.AddCommand(getCmd, setCmd, pathCmd)
	parent.AddCommand(configCmd)
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	value, err := config.Get(args[0])
	if err != nil {
		if output.IsJSON() {
			return output.PrintError(cmd.OutOrStdout(), "not_found", err.Error())
		}
		return err
	}
	if output.IsJSON() {
		return output.PrintJSON(cmd.OutOrStdout(), map[string]string{args[0]: value})
	}
	fmt.Fprintln(cmd.OutOrStdout(), value)
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	if err := config.Set(args[0], args[1]); err != nil {
		if output.IsJSON() {
			return output.PrintError(cmd.OutOrStdout(), "invalid_value", err.Error())
		}
		return err
	}
	if !output.IsQuiet() {
		fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[0], args[1])
	}
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	path := config.ConfigPath()
	if output.IsJSON() {
		return output.PrintJSON(cmd.OutOrStdout(), map[string]string{"path": path})
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}
