package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - EFV_CONFIG_PATH: config file location (default: ~/.config/efv.toml)
//   - EFV_HOME: base directory for vault data (default: ~/.local/share/efv)
//   - EFV_FILES_DIR: where encrypted files are placed (default: <base>/files)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	filesDir, err := getFilesDir(baseDir)
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path":  configPath,
		"base_dir":     baseDir,
		"log_dir":      filepath.Join(baseDir, "log"),
		"files_dir":    filesDir,
		"snapshot_dir": filepath.Join(baseDir, "snapshots"),
	}, nil
}

func getConfigPath() (string, error) {
	if path := os.Getenv("EFV_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "efv.toml"), nil
}

// getBaseDir returns the base directory for vault data, checking EFV_HOME
// first, then falling back to the XDG default ~/.local/share/efv.
func getBaseDir() (string, error) {
	if path := os.Getenv("EFV_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "efv"), nil
}

// getFilesDir returns the absolute directory new vault files go to. The
// index stores absolute paths, so a relative EFV_FILES_DIR is resolved now.
func getFilesDir(baseDir string) (string, error) {
	path := os.Getenv("EFV_FILES_DIR")
	if path == "" {
		return filepath.Join(baseDir, "files"), nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving EFV_FILES_DIR: %w", err)
	}
	return abs, nil
}
