package testutil

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"
	"sync"

	"efv-go/internal/efv"
	efvfs "efv-go/internal/fs"
)

// ErrInjected is returned by injected failures.
var ErrInjected = errors.New("injected failure")

// FailingFS wraps the real filesystem. Each hook, when set, is consulted
// before the operation; a non-nil result is returned instead of running it.
type FailingFS struct {
	efvfs.OSFilesystemManager

	mu       sync.Mutex
	renameFn func(oldpath, newpath string) error
	linkFn   func(oldname, newname string) error
	removeFn func(path string) error
	calls    []string
}

var _ efv.FilesystemManager = (*FailingFS)(nil)

func NewFailingFS() *FailingFS {
	return &FailingFS{}
}

// FailRenameTo fails every rename whose destination equals target.
func (f *FailingFS) FailRenameTo(target string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renameFn = func(_, newpath string) error {
		if newpath == target {
			return ErrInjected
		}
		return nil
	}
}

// FailRenameFrom fails every rename whose source has the given suffix.
func (f *FailingFS) FailRenameFrom(suffix string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renameFn = func(oldpath, _ string) error {
		if strings.HasSuffix(oldpath, suffix) {
			return ErrInjected
		}
		return nil
	}
}

// FailLink fails every hard link.
func (f *FailingFS) FailLink() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linkFn = func(string, string) error { return ErrInjected }
}

// FailRemoveSuffix fails removing any path with the given suffix.
func (f *FailingFS) FailRemoveSuffix(suffix string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeFn = func(path string) error {
		if strings.HasSuffix(path, suffix) {
			return ErrInjected
		}
		return nil
	}
}

// Reset clears every hook.
func (f *FailingFS) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renameFn, f.linkFn, f.removeFn = nil, nil, nil
}

// Calls returns the mutating operations seen so far, e.g. "rename a -> b".
func (f *FailingFS) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *FailingFS) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *FailingFS) Open(path string) (io.ReadCloser, error) {
	return f.OSFilesystemManager.Open(path)
}

func (f *FailingFS) Stat(path string) (fs.FileInfo, error) {
	return f.OSFilesystemManager.Stat(path)
}

func (f *FailingFS) CreateTemp(dir, pattern string) (*os.File, error) {
	return f.OSFilesystemManager.CreateTemp(dir, pattern)
}

func (f *FailingFS) Rename(oldpath, newpath string) error {
	f.record("rename " + oldpath + " -> " + newpath)
	f.mu.Lock()
	fn := f.renameFn
	f.mu.Unlock()
	if fn != nil {
		if err := fn(oldpath, newpath); err != nil {
			return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: err}
		}
	}
	return f.OSFilesystemManager.Rename(oldpath, newpath)
}

func (f *FailingFS) Link(oldname, newname string) error {
	f.record("link " + oldname + " -> " + newname)
	f.mu.Lock()
	fn := f.linkFn
	f.mu.Unlock()
	if fn != nil {
		if err := fn(oldname, newname); err != nil {
			return &os.LinkError{Op: "link", Old: oldname, New: newname, Err: err}
		}
	}
	return f.OSFilesystemManager.Link(oldname, newname)
}

func (f *FailingFS) Remove(path string) error {
	f.record("remove " + path)
	f.mu.Lock()
	fn := f.removeFn
	f.mu.Unlock()
	if fn != nil {
		if err := fn(path); err != nil {
			return &os.PathError{Op: "remove", Path: path, Err: err}
		}
	}
	return f.OSFilesystemManager.Remove(path)
}
