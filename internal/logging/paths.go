package logging

import (
	"os"
	"path/filepath"
)

// DefaultLogDir returns the default log directory (~/.faultmatch/logs/).
// Falls back to the temp directory if the home directory is unavailable.
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".faultmatch", "logs")
	}
	return filepath.Join(home, ".faultmatch", "logs")
}

// DefaultLogPath returns the default service log path.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), "faultmatch.log")
}
