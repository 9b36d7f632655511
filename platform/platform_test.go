package platform

import (
	"path/filepath"
	"testing"
)

// TestGetDataDirOverride verifies the environment override wins
func TestGetDataDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvDataDir, dir)
	if got := GetDataDir(); got != dir {
		t.Errorf("GetDataDir() = %q; want %q", got, dir)
	}
}

// TestGetDataDirDefault verifies the default directory is named after the app
func TestGetDataDirDefault(t *testing.T) {
	t.Setenv(EnvDataDir, "")
	got := GetDataDir()
	base := filepath.Base(got)
	if base != AppName && base != AppDisplayName && base != "."+AppName {
		t.Errorf("GetDataDir() = %q; want a directory named after %q", got, AppName)
	}
}
