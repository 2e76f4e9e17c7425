// Package commands implements the ghidra-sync command-line interface.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hl037/nvim-dap-ghidra-sync/pkg/logger"
)

var (
	rootCmdLogger *logger.Logger

	// configFile is the optional JSON configuration file shared by all commands.
	configFile string
)

func NewRootCmd(log *logger.Logger) (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:   "ghidra-sync",
		Short: "Keeps a Ghidra listing in sync with a live debug session",
		Long: `ghidra-sync sits between a Debug Adapter Protocol client (such as an editor
debugging plugin) and the debug adapter it talks to. Whenever the debuggee
stops or the user selects a stack frame, the current code address is pushed
to a goto server running inside Ghidra, so the listing follows the debugger.`,
		SilenceUsage: true,
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			rootCmdLogger.Flush()
		},
	}

	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to a JSON configuration file.")

	rootCmdLogger = log
	rootCmdLogger.AddLevelFlag(rootCmd.PersistentFlags())

	var err error
	var cmd *cobra.Command

	if cmd, err = NewRunCommand(log.Logger); cmd != nil {
		rootCmd.AddCommand(cmd)
	} else {
		return nil, fmt.Errorf("could not set up 'run' command: %w", err)
	}

	if cmd, err = NewScriptPathCommand(log.Logger); cmd != nil {
		rootCmd.AddCommand(cmd)
	} else {
		return nil, fmt.Errorf("could not set up 'script-path' command: %w", err)
	}

	if cmd, err = NewVersionCommand(log.Logger); cmd != nil {
		rootCmd.AddCommand(cmd)
	} else {
		return nil, fmt.Errorf("could not set up 'version' command: %w", err)
	}

	return rootCmd, nil
}
