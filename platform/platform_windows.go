//go:build windows

package platform

import (
	"os"
	"path/filepath"
)

func getDataDir() string {
	appDataDir := os.Getenv("APPDATA")
	if appDataDir == "" {
		// Fallback for missing APPDATA
		return filepath.Join(UserHomeDir(), "."+AppName)
	}
	return filepath.Join(appDataDir, AppDisplayName)
}
