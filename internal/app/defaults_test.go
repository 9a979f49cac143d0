package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetDefaults(t *testing.T) {
	t.Run("uses env vars when set", func(t *testing.T) {
		t.Setenv("EFV_CONFIG_PATH", "/custom/config.toml")
		t.Setenv("EFV_HOME", "/custom/efv")
		t.Setenv("EFV_FILES_DIR", "/synced/vault")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		want := map[string]string{
			"config_path":  "/custom/config.toml",
			"base_dir":     "/custom/efv",
			"log_dir":      "/custom/efv/log",
			"files_dir":    "/synced/vault",
			"snapshot_dir": "/custom/efv/snapshots",
		}
		for k, v := range want {
			if defaults[k] != v {
				t.Errorf("%s = %q, want %q", k, defaults[k], v)
			}
		}
	})

	t.Run("files dir follows base dir", func(t *testing.T) {
		t.Setenv("EFV_HOME", "/custom/efv")
		t.Setenv("EFV_FILES_DIR", "")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}
		if defaults["files_dir"] != "/custom/efv/files" {
			t.Errorf("files_dir = %q, want %q", defaults["files_dir"], "/custom/efv/files")
		}
	})

	t.Run("relative files dir is made absolute", func(t *testing.T) {
		t.Setenv("EFV_FILES_DIR", "vault-files")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}
		wd, err := os.Getwd()
		if err != nil {
			t.Fatal(err)
		}
		if want := filepath.Join(wd, "vault-files"); defaults["files_dir"] != want {
			t.Errorf("files_dir = %q, want %q", defaults["files_dir"], want)
		}
	})

	t.Run("falls back to home dir defaults", func(t *testing.T) {
		t.Setenv("EFV_CONFIG_PATH", "")
		t.Setenv("EFV_HOME", "")
		t.Setenv("EFV_FILES_DIR", "")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		homeDir, _ := os.UserHomeDir()

		wantConfig := filepath.Join(homeDir, ".config", "efv.toml")
		if defaults["config_path"] != wantConfig {
			t.Errorf("config_path = %q, want %q", defaults["config_path"], wantConfig)
		}

		wantBase := filepath.Join(homeDir, ".local", "share", "efv")
		if defaults["base_dir"] != wantBase {
			t.Errorf("base_dir = %q, want %q", defaults["base_dir"], wantBase)
		}
		if want := filepath.Join(wantBase, "files"); defaults["files_dir"] != want {
			t.Errorf("files_dir = %q, want %q", defaults["files_dir"], want)
		}
	})
}
