package commands

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/hl037/nvim-dap-ghidra-sync/internal/viewer"
)

func NewScriptPathCommand(log logr.Logger) (*cobra.Command, error) {
	scriptPathCmd := &cobra.Command{
		Use:   "script-path",
		Short: "Installs the Ghidra goto-server script and prints its location",
		Long: `Installs the bundled goto-server script into the user cache directory and
prints its path. Add that directory to Ghidra's Script Manager, then start
the server via Tools > GOTO-server > Start Server.`,
		RunE: scriptPath(log),
		Args: cobra.NoArgs,
	}

	return scriptPathCmd, nil
}

func scriptPath(log logr.Logger) func(cmd *cobra.Command, _ []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		path, installErr := viewer.InstallGotoServerScript()
		if installErr != nil {
			log.Error(installErr, "Could not install goto-server script")
			return installErr
		}

		fmt.Println(path)
		return nil
	}
}
