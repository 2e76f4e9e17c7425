package viewer

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed scripts/ghidra_goto_server.py
var gotoServerScript []byte

//go:embed scripts/ghidra_goto_server_stop.py
var gotoServerStopScript []byte

const (
	userDirName              = "ghidra-sync"
	gotoServerScriptName     = "ghidra_goto_server.py"
	gotoServerStopScriptName = "ghidra_goto_server_stop.py"
)

// InstallGotoServerScript writes the embedded Ghidra-side goto server script
// (and its companion stop script) under the user cache directory and returns
// the start script's filesystem path. The files are rewritten on every call
// so the installed scripts track the binary version.
func InstallGotoServerScript() (string, error) {
	cacheDir, cacheDirErr := os.UserCacheDir()
	if cacheDirErr != nil {
		return "", fmt.Errorf("failed to locate the user cache directory: %w", cacheDirErr)
	}

	scriptDir := filepath.Join(cacheDir, userDirName)
	if mkdirErr := os.MkdirAll(scriptDir, 0o700); mkdirErr != nil {
		return "", fmt.Errorf("failed to create script directory '%s': %w", scriptDir, mkdirErr)
	}

	scriptPath := filepath.Join(scriptDir, gotoServerScriptName)
	if writeErr := os.WriteFile(scriptPath, gotoServerScript, 0o600); writeErr != nil {
		return "", fmt.Errorf("failed to write goto server script: %w", writeErr)
	}

	stopScriptPath := filepath.Join(scriptDir, gotoServerStopScriptName)
	if writeErr := os.WriteFile(stopScriptPath, gotoServerStopScript, 0o600); writeErr != nil {
		return "", fmt.Errorf("failed to write goto server stop script: %w", writeErr)
	}

	return scriptPath, nil
}
