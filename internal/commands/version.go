package commands

import (
	"encoding/json"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
)

const defaultVersion = "dev"

// Overridden at build time via -ldflags.
var (
	Version        = defaultVersion
	CommitHash     = ""
	BuildTimestamp = ""
)

type versionInfo struct {
	Version        string `json:"version"`
	CommitHash     string `json:"commitHash,omitempty"`
	BuildTimestamp string `json:"buildTimestamp,omitempty"`
}

func NewVersionCommand(log logr.Logger) (*cobra.Command, error) {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Prints version information",
		RunE:  getVersion(log),
		Args:  cobra.NoArgs,
	}

	return versionCmd, nil
}

func getVersion(log logr.Logger) func(cmd *cobra.Command, _ []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		versionStr, err := json.Marshal(versionInfo{
			Version:        Version,
			CommitHash:     CommitHash,
			BuildTimestamp: BuildTimestamp,
		})
		if err != nil {
			log.Error(err, "Could not serialize version information")
			return err
		}

		fmt.Println(string(versionStr))
		return nil
	}
}
