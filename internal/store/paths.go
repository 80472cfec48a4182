package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// GlobalPestcalPath returns the path to the global .pestcal directory.
// On Unix: ~/.pestcal
// On Windows: %USERPROFILE%\.pestcal
func GlobalPestcalPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".pestcal"), nil
}

// LocalPestcalPath returns the path to the local .pestcal directory
// for the given project root. Decision logs are written here.
func LocalPestcalPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".pestcal")
}

// EnsureGlobalPestcalDir creates the global .pestcal directory if it doesn't exist.
// Returns nil if the directory already exists or was successfully created.
func EnsureGlobalPestcalDir() error {
	globalPath, err := GlobalPestcalPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(globalPath, 0700); err != nil {
		return fmt.Errorf("failed to create global .pestcal directory: %w", err)
	}

	return nil
}
