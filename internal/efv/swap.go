package efv

import (
	"errors"
	"fmt"
	"io/fs"
)

// PrevSuffix names the hard link that keeps the previous ciphertext of a
// path alive until the key store has committed the matching key.
const PrevSuffix = ".efv-prev"

// fileSwap is an in-flight replacement of target by a freshly written file.
type fileSwap struct {
	fsmgr   FilesystemManager
	target  string
	prev    string
	hadPrev bool
}

// checkNoPendingSwap fails with ErrConsistency if an earlier swap of target
// was interrupted before its key was committed.
func checkNoPendingSwap(fsmgr FilesystemManager, target string) error {
	prev := target + PrevSuffix
	if _, err := fsmgr.Stat(prev); err == nil {
		return fmt.Errorf("%w: %s exists from an interrupted key update; the key store's current key decrypts it, restore it over %s before retrying",
			ErrConsistency, prev, target)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return ioError("checking for interrupted swap", err)
	}
	return nil
}

// swapIn renames tmpPath over target, keeping the old target reachable
// under target+PrevSuffix until commit or revert.
func swapIn(fsmgr FilesystemManager, tmpPath, target string) (*fileSwap, error) {
	if err := checkNoPendingSwap(fsmgr, target); err != nil {
		return nil, err
	}

	sw := &fileSwap{fsmgr: fsmgr, target: target, prev: target + PrevSuffix}
	if _, err := fsmgr.Stat(target); err == nil {
		if err := fsmgr.Link(target, sw.prev); err != nil {
			return nil, ioError("linking previous ciphertext", err)
		}
		sw.hadPrev = true
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, ioError("stat target", err)
	}

	if err := fsmgr.Rename(tmpPath, target); err != nil {
		if sw.hadPrev {
			fsmgr.Remove(sw.prev)
		}
		return nil, ioError("renaming temp file into place", err)
	}
	return sw, nil
}

// commit drops the previous ciphertext.
func (sw *fileSwap) commit() error {
	if !sw.hadPrev {
		return nil
	}
	if err := sw.fsmgr.Remove(sw.prev); err != nil {
		return ioError("removing previous ciphertext", err)
	}
	return nil
}

// revert puts the previous ciphertext back, or removes target if there was
// none.
func (sw *fileSwap) revert() error {
	if sw.hadPrev {
		if err := sw.fsmgr.Rename(sw.prev, sw.target); err != nil {
			return ioError("restoring previous ciphertext", err)
		}
		return nil
	}
	if err := sw.fsmgr.Remove(sw.target); err != nil {
		return ioError("removing new ciphertext", err)
	}
	return nil
}
