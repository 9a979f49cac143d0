package fs

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"efv-go/internal/efv"
)

// OSFilesystemManager is the real filesystem implementation of
// efv.FilesystemManager.
type OSFilesystemManager struct{}

// NewOSFilesystemManager creates a new filesystem manager that operates on the real filesystem.
func NewOSFilesystemManager() *OSFilesystemManager {
	return &OSFilesystemManager{}
}

// Resolve returns the absolute form of rawPath after checking it names a
// regular file or a directory.
func (m *OSFilesystemManager) Resolve(rawPath string) (string, error) {
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return "", fmt.Errorf("resolving absolute path: %w", err)
	}

	info, err := os.Lstat(absPath)
	if err != nil {
		return "", fmt.Errorf("stat path: %w", err)
	}

	mode := info.Mode()
	switch {
	case mode&os.ModeSymlink != 0:
		return "", fmt.Errorf("symlinks not supported: %s", absPath)
	case mode&os.ModeDevice != 0:
		return "", fmt.Errorf("device files not supported: %s", absPath)
	case mode&os.ModeNamedPipe != 0:
		return "", fmt.Errorf("named pipes not supported: %s", absPath)
	case mode&os.ModeSocket != 0:
		return "", fmt.Errorf("sockets not supported: %s", absPath)
	}

	return absPath, nil
}

// Open opens a file for reading.
func (m *OSFilesystemManager) Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("cannot open directory as file: %s", path)
	}
	return f, nil
}

func (m *OSFilesystemManager) Stat(path string) (fs.FileInfo, error) {
	return os.Stat(path)
}

func (m *OSFilesystemManager) CreateTemp(dir, pattern string) (*os.File, error) {
	return os.CreateTemp(dir, pattern)
}

func (m *OSFilesystemManager) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

func (m *OSFilesystemManager) Link(oldname, newname string) error {
	return os.Link(oldname, newname)
}

func (m *OSFilesystemManager) Remove(path string) error {
	return os.Remove(path)
}

// FindFiles lists the regular files under dir that are not ignored. The
// ignore file at the root of dir is honored. Results are absolute paths in
// lexical order.
func (m *OSFilesystemManager) FindFiles(dir string, recursive bool) ([]string, error) {
	root, err := m.Resolve(dir)
	if err != nil {
		return nil, err
	}
	lines, err := ReadIgnoreFile(filepath.Join(root, IgnoreFileName))
	if err != nil {
		return nil, err
	}
	ignore := NewIgnoreMatcher(lines)

	var paths []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if !recursive || ignore.Match(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && !ignore.Match(rel) {
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return paths, nil
}

var _ efv.FilesystemManager = (*OSFilesystemManager)(nil)
