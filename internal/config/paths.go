// Package config resolves the daemon's state directory and the small set
// of well-known files/ports that live under it. Loading user-facing
// settings files is out of scope here; this package only knows where the
// daemon keeps its own operational state.
package config

import (
	"os"
	"path/filepath"
)

const envStateDir = "TETHER_HOME"

// DefaultControlPort is the local control port written to daemon.port when
// the caller doesn't override it.
const DefaultControlPort = 16790

// StateDir returns the daemon's state directory: $TETHER_HOME if set,
// otherwise ~/.tether.
func StateDir() (string, error) {
	if d := os.Getenv(envStateDir); d != "" {
		return d, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".tether"), nil
}

// SessionsDir returns <state_dir>/sessions. It does not create the
// directory; EnsureStateDirs does.
func SessionsDir(stateDir string) string {
	return filepath.Join(stateDir, "sessions")
}

// EnsureStateDirs creates the state dir and its sessions subdirectory.
func EnsureStateDirs(stateDir string) error {
	if err := os.MkdirAll(SessionsDir(stateDir), 0755); err != nil {
		return err
	}
	return nil
}

// PIDFile returns <state_dir>/daemon.pid.
func PIDFile(stateDir string) string {
	return filepath.Join(stateDir, "daemon.pid")
}

// PortFile returns <state_dir>/daemon.port.
func PortFile(stateDir string) string {
	return filepath.Join(stateDir, "daemon.port")
}

// SessionMetaPath returns <state_dir>/sessions/<id>.json.
func SessionMetaPath(stateDir, id string) string {
	return filepath.Join(SessionsDir(stateDir), id+".json")
}

// SessionLogPath returns <state_dir>/sessions/<id>.log.
func SessionLogPath(stateDir, id string) string {
	return filepath.Join(SessionsDir(stateDir), id+".log")
}
