package config

import (
	"os"
	"path/filepath"
)

// QuorumPath returns the root directory for Quorum data.
// It uses $QUORUM_PATH if set, otherwise defaults to ~/.quorum.
func QuorumPath() string {
	if v := os.Getenv("QUORUM_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".quorum")
	}
	return filepath.Join(home, ".quorum")
}

// ConfigPath returns the path to the Quorum config file.
func ConfigPath() string {
	return filepath.Join(QuorumPath(), "config.jsonc")
}

// DotenvPath returns the path to the Quorum .env file.
func DotenvPath() string {
	return filepath.Join(QuorumPath(), ".env")
}

// DBPath returns the path to the task database.
func DBPath() string {
	return filepath.Join(QuorumPath(), "quorum.db")
}

// AgeKeyPath returns the path to the secret vault identity key.
func AgeKeyPath() string {
	return filepath.Join(QuorumPath(), ".age-key")
}

// HeartbeatPath returns the path to the liveness file.
func HeartbeatPath() string {
	return filepath.Join(QuorumPath(), "heartbeat.json")
}

// LogsDir returns the directory runtime logs are written to.
func LogsDir() string {
	return filepath.Join(QuorumPath(), "logs")
}
