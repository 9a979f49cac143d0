package efv

import (
	"io"
	"io/fs"
	"os"
)

// FilesystemManager abstracts the file operations the vault performs so
// tests can inject failures at each step.
type FilesystemManager interface {
	Open(path string) (io.ReadCloser, error)
	Stat(path string) (fs.FileInfo, error)

	// CreateTemp creates a new file in dir, as os.CreateTemp does.
	CreateTemp(dir, pattern string) (*os.File, error)

	// Rename atomically replaces newpath with oldpath.
	Rename(oldpath, newpath string) error

	// Link creates newname as a hard link to oldname.
	Link(oldname, newname string) error

	Remove(path string) error
}
