// Package snapshot stores encrypted copies of the vault databases outside
// the vault directory.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"efv-go/internal/efv"
)

// FileSystemStore keeps snapshots as files:
//
//	<root>/
//	  <vaultID>/
//	    <name>.db       (encrypted database copy)
//	    <name>.version  (operation id that produced it)
type FileSystemStore struct {
	root string
}

var _ efv.SnapshotStore = (*FileSystemStore)(nil)

// NewFileSystemStore creates a store rooted at root, creating it if needed.
func NewFileSystemStore(root string) (*FileSystemStore, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &FileSystemStore{root: root}, nil
}

func (s *FileSystemStore) dir(vaultID string) (string, error) {
	if err := validName(vaultID); err != nil {
		return "", err
	}
	return filepath.Join(s.root, vaultID), nil
}

func (s *FileSystemStore) PutSnapshot(_ context.Context, vaultID, name string, r io.Reader, size int64, version int64) error {
	dir, err := s.dir(vaultID)
	if err != nil {
		return err
	}
	if err := validName(name); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create vault snapshot directory: %w", err)
	}

	if err := writeFile(filepath.Join(dir, name+".db"), r, size); err != nil {
		return err
	}
	versionData := strings.NewReader(strconv.FormatInt(version, 10))
	return writeFile(filepath.Join(dir, name+".version"), versionData, versionData.Size())
}

func (s *FileSystemStore) GetSnapshot(_ context.Context, vaultID, name string, w io.Writer) error {
	dir, err := s.dir(vaultID)
	if err != nil {
		return err
	}
	f, err := os.Open(filepath.Join(dir, name+".db"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("snapshot %s/%s: %w", vaultID, name, efv.ErrNotFound)
		}
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	return nil
}

func (s *FileSystemStore) GetSnapshotVersion(_ context.Context, vaultID, name string) (int64, error) {
	dir, err := s.dir(vaultID)
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(filepath.Join(dir, name+".version"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading version file: %w", err)
	}
	return parseVersion(data)
}

// ValidateSetup checks the root is a writable directory.
func (s *FileSystemStore) ValidateSetup(_ context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("snapshot root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("snapshot root is not a directory: %s", s.root)
	}
	f, err := os.CreateTemp(s.root, ".write-check-*")
	if err != nil {
		return fmt.Errorf("snapshot root not writable: %w", err)
	}
	f.Close()
	return os.Remove(f.Name())
}

// writeFile writes r to destPath via a temp file and rename, failing if
// the byte count differs from expectedSize.
func writeFile(destPath string, r io.Reader, expectedSize int64) error {
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

func parseVersion(data []byte) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version: %w", err)
	}
	return v, nil
}

// validName rejects ids and names that could escape their directory.
func validName(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return fmt.Errorf("invalid snapshot path component: %q", s)
	}
	return nil
}
