package efv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"efv-go/internal/contentid"
	"efv-go/internal/secret"
)

// VaultService is the orchestration layer. It composes the crypto engine,
// rotation pipeline, key store and metadata index into the vault workflows.
//
// Ordering rule for every file replacement: the new ciphertext is fully
// written before it is renamed into place, and the key store learns the new
// key only after the rename. Until the key store commits, the previous
// ciphertext stays reachable at <path>.efv-prev.
type VaultService struct {
	engine   CryptoEngine
	pipeline RotationPipeline
	keys     KeyStore
	index    MetadataIndex
	fsmgr    FilesystemManager
	logger   Logger
	clock    Clock
	locks    *keyedMutex
}

// NewVaultService creates a VaultService from vc.
func NewVaultService(vc VaultContext) (*VaultService, error) {
	if err := vc.validate(); err != nil {
		return nil, fmt.Errorf("invalid vault context: %w", err)
	}
	return &VaultService{
		engine:   vc.Engine,
		pipeline: vc.Pipeline,
		keys:     vc.Keys,
		index:    vc.Index,
		fsmgr:    vc.FS,
		logger:   vc.Logger,
		clock:    vc.Clock,
		locks:    newKeyedMutex(),
	}, nil
}

// AddOptions controls how AddFile names and annotates a file.
type AddOptions struct {
	DisplayName   string // defaults to the base name of the plaintext path
	FilenameStyle string // "human" or "id", used when destPath is a directory
	IDLength      int    // hex characters of the id used in generated names
	Tags          string
	Note          string
}

func (o *AddOptions) applyDefaults(plaintextPath string) {
	if o.DisplayName == "" {
		o.DisplayName = filepath.Base(plaintextPath)
	}
	if o.FilenameStyle == "" {
		o.FilenameStyle = contentid.DefaultStyle
	}
	if o.IDLength == 0 {
		o.IDLength = contentid.DefaultIDLength
	}
}

// AddFile encrypts the file at plaintextPath under a fresh random key,
// stores it at destPath and records its key and metadata. If destPath is an
// existing directory the file name is derived from the content id.
//
// The file id is derived from content, so retrying after a failure is safe.
func (s *VaultService) AddFile(ctx context.Context, plaintextPath, destPath string, opts AddOptions) (*FileRecord, error) {
	opts.applyDefaults(plaintextPath)

	src, err := s.fsmgr.Open(plaintextPath)
	if err != nil {
		return nil, ioError("opening plaintext", err)
	}
	defer src.Close()

	return s.add(ctx, src, destPath, opts)
}

// ImportLegacyFile decrypts a legacy container with a human credential and
// adds its plaintext as a new vault file under a fresh random key. The
// legacy file is left untouched.
func (s *VaultService) ImportLegacyFile(ctx context.Context, legacyPath, destPath string, legacy Credential, opts AddOptions) (*FileRecord, error) {
	opts.applyDefaults(legacyPath)

	f, err := s.fsmgr.Open(legacyPath)
	if err != nil {
		return nil, ioError("opening legacy container", err)
	}
	container, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return nil, ioError("reading legacy container", err)
	}

	plaintext, err := s.engine.Decrypt(container, legacy)
	if err != nil {
		return nil, fmt.Errorf("decrypting legacy container: %w", err)
	}
	defer clear(plaintext)

	rec, err := s.add(ctx, bytes.NewReader(plaintext), destPath, opts)
	if err != nil {
		return nil, err
	}
	s.logger.Info("legacy file imported", "file_id", rec.FileID, "source", legacyPath)
	return rec, nil
}

func (s *VaultService) add(ctx context.Context, src io.Reader, destPath string, opts AddOptions) (*FileRecord, error) {
	dir, intoDir := filepath.Dir(destPath), false
	if info, err := s.fsmgr.Stat(destPath); err == nil && info.IsDir() {
		dir, intoDir = destPath, true
	}

	key, err := secret.NewKey()
	if err != nil {
		return nil, tagged("generating key", ErrCrypto, err)
	}
	defer key.Close()

	tmp, err := s.fsmgr.CreateTemp(dir, ".efv-add-*")
	if err != nil {
		return nil, ioError("creating temp file", err)
	}
	tmpPath := tmp.Name()
	swapped := false
	defer func() {
		if !swapped {
			s.fsmgr.Remove(tmpPath)
		}
	}()

	digest := contentid.NewDigest()
	if err := s.encryptTo(tmp, io.TeeReader(src, digest), RandomKey(key)); err != nil {
		return nil, err
	}
	fileID := digest.ID()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(fileID)
	defer unlock()

	target, idLen, unlockPath, err := s.claimTarget(ctx, destPath, intoDir, fileID, opts)
	if err != nil {
		return nil, err
	}
	defer unlockPath()

	sw, err := swapIn(s.fsmgr, tmpPath, target)
	if err != nil {
		return nil, err
	}
	swapped = true

	// Past the rename: finish even if ctx is cancelled.
	ctx = context.WithoutCancel(ctx)

	kv, err := s.keys.StoreInitialVersion(ctx, fileID, key)
	if err != nil {
		if rerr := sw.revert(); rerr != nil {
			s.logger.Error("could not undo file write after key store failure",
				"file_id", fileID, "path", target, "error", rerr)
			return nil, fmt.Errorf("%w: storing key for %s failed and %s could not be restored: %w",
				ErrConsistency, fileID, target, errors.Join(err, rerr))
		}
		return nil, fmt.Errorf("storing key: %w", err)
	}
	version := kv.Version
	kv.Close()

	if err := sw.commit(); err != nil {
		s.logger.Warn("previous ciphertext left behind", "path", target+PrevSuffix, "error", err)
	}

	rec := &FileRecord{
		FileID:         fileID,
		ContentHash:    fileID,
		DisplayName:    opts.DisplayName,
		CurrentPath:    target,
		PlaintextSize:  digest.Size(),
		CreatedAt:      s.clock.Now(),
		EncryptionAlgo: EncryptionAlgo,
		FilenameStyle:  opts.FilenameStyle,
		IDLength:       idLen,
		Tags:           opts.Tags,
		Note:           opts.Note,
	}
	if err := s.index.Upsert(ctx, rec); err != nil {
		return nil, fmt.Errorf("recording file metadata: %w", err)
	}

	s.logger.Info("file added", "file_id", fileID, "path", target, "size", rec.PlaintextSize, "key_version", version)
	return rec, nil
}

// claimTarget picks the path a newly added file is renamed to and locks it.
// An explicit destination must be free or already hold fileID. In directory
// mode a generated name taken by another file falls back to the full id.
func (s *VaultService) claimTarget(ctx context.Context, destPath string, intoDir bool, fileID string, opts AddOptions) (string, int, func(), error) {
	idLens := []int{opts.IDLength}
	if intoDir && opts.IDLength < contentid.Size {
		idLens = append(idLens, contentid.Size)
	}

	var err error
	for _, idLen := range idLens {
		target := destPath
		if intoDir {
			name, nerr := contentid.VaultFileName(fileID, opts.DisplayName, opts.FilenameStyle, idLen)
			if nerr != nil {
				return "", 0, nil, fmt.Errorf("naming vault file: %w", nerr)
			}
			target = filepath.Join(destPath, name)
		}
		if abs, aerr := filepath.Abs(target); aerr == nil {
			target = abs
		}

		unlock := s.locks.Lock("path:" + target)
		err = s.checkTarget(ctx, target, fileID)
		if err == nil {
			return target, idLen, unlock, nil
		}
		unlock()
		if !errors.Is(err, ErrConsistency) {
			return "", 0, nil, err
		}
		s.logger.Warn("vault file name taken", "path", target, "file_id", fileID)
	}
	return "", 0, nil, err
}

// checkTarget fails with ErrConsistency if target exists and holds anything
// other than the ciphertext of fileID.
func (s *VaultService) checkTarget(ctx context.Context, target, fileID string) error {
	if _, err := s.fsmgr.Stat(target); errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return ioError("stat target", err)
	}

	rec, err := s.index.FindByPath(ctx, target)
	switch {
	case err == nil && rec.FileID == fileID:
		return nil
	case err == nil:
		return fmt.Errorf("%w: %s already holds file %s", ErrConsistency, target, rec.FileID)
	case !errors.Is(err, ErrNotFound):
		return fmt.Errorf("looking up %s: %w", target, err)
	}

	// Unindexed, e.g. left by an add that stopped before the index update.
	if s.holdsContent(ctx, target, fileID) {
		return nil
	}
	return fmt.Errorf("%w: %s exists and is not a vault file of %s", ErrConsistency, target, fileID)
}

// holdsContent reports whether path decrypts under fileID's current key to
// plaintext with that content id.
func (s *VaultService) holdsContent(ctx context.Context, path, fileID string) bool {
	kv, err := s.keys.CurrentKeyFor(ctx, fileID)
	if err != nil {
		return false
	}
	defer kv.Close()

	f, err := s.fsmgr.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	plain, err := s.engine.DecryptStream(f, RandomKey(kv.Key))
	if err != nil {
		return false
	}
	digest := contentid.NewDigest()
	if _, err := io.Copy(digest, plain); err != nil {
		return false
	}
	return digest.ID() == fileID
}

// encryptTo streams r into tmp as a container under cred, then syncs and
// closes tmp.
func (s *VaultService) encryptTo(tmp *os.File, r io.Reader, cred Credential) error {
	w, err := s.engine.EncryptStream(tmp, cred)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("starting encryption: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		tmp.Close()
		return ioError("encrypting plaintext", err)
	}
	if err := w.Close(); err != nil {
		tmp.Close()
		return ioError("finishing ciphertext", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return ioError("syncing temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return ioError("closing temp file", err)
	}
	return nil
}

// RotateKeyInVault re-encrypts the file at encryptedPath under a fresh key
// and records that key as the file's next version. It returns the new key,
// owned by the caller.
//
// Steps: stream-rotate into a temp file beside encryptedPath, rename it over
// encryptedPath, commit the key store, mark the index. If the key store
// commit fails the previous ciphertext is renamed back.
func (s *VaultService) RotateKeyInVault(ctx context.Context, encryptedPath, fileID string, old Credential, note string) (*secret.Key, error) {
	unlock := s.locks.Lock(fileID)
	defer unlock()

	current, err := s.keys.CurrentKeyFor(ctx, fileID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("rotating %s: %w: no key version stored", fileID, ErrConsistency)
		}
		return nil, fmt.Errorf("loading current key: %w", err)
	}
	defer current.Close()

	if err := checkNoPendingSwap(s.fsmgr, encryptedPath); err != nil {
		s.logger.Error("interrupted key update detected", "file_id", fileID, "path", encryptedPath)
		return nil, err
	}

	info, err := s.fsmgr.Stat(encryptedPath)
	if err != nil {
		return nil, ioError("stat ciphertext", err)
	}
	src, err := s.fsmgr.Open(encryptedPath)
	if err != nil {
		return nil, ioError("opening ciphertext", err)
	}
	defer src.Close()

	tmp, err := s.fsmgr.CreateTemp(filepath.Dir(encryptedPath), ".efv-rotate-*")
	if err != nil {
		return nil, ioError("creating temp file", err)
	}
	tmpPath := tmp.Name()
	swapped := false
	defer func() {
		if !swapped {
			s.fsmgr.Remove(tmpPath)
		}
	}()

	newKey, err := s.pipeline.Rotate(ctx, src, tmp, old, fileID)
	if err != nil {
		tmp.Close()
		if errors.Is(err, ErrWrongCredential) && old.Matches(current.Key) {
			s.logger.Error("ciphertext on disk does not match the current key; manual intervention required",
				"file_id", fileID, "path", encryptedPath, "current_version", current.Version)
			return nil, fmt.Errorf("%w: %s is not decryptable by current key version %d: %w",
				ErrConsistency, encryptedPath, current.Version, err)
		}
		return nil, fmt.Errorf("rotating ciphertext: %w", err)
	}
	keep := false
	defer func() {
		if !keep {
			newKey.Close()
		}
	}()

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, ioError("syncing temp file", err)
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		tmp.Close()
		return nil, ioError("setting temp file mode", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, ioError("closing temp file", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sw, err := swapIn(s.fsmgr, tmpPath, encryptedPath)
	if err != nil {
		return nil, err
	}
	swapped = true

	ctx = context.WithoutCancel(ctx)

	kv, err := s.keys.StoreNextVersion(ctx, fileID, newKey, note)
	if err != nil {
		if rerr := sw.revert(); rerr != nil {
			s.logger.Error("key store commit failed and previous ciphertext could not be restored; manual intervention required",
				"file_id", fileID, "path", encryptedPath, "prev", encryptedPath+PrevSuffix, "error", rerr)
			return nil, fmt.Errorf("%w: committing key for %s failed and %s could not be restored: %w",
				ErrConsistency, fileID, encryptedPath, errors.Join(err, rerr))
		}
		return nil, fmt.Errorf("committing key version: %w", err)
	}
	version := kv.Version
	kv.Close()

	if err := sw.commit(); err != nil {
		s.logger.Warn("previous ciphertext left behind", "path", encryptedPath+PrevSuffix, "error", err)
	}

	if err := s.index.MarkRotated(ctx, fileID); err != nil {
		s.logger.Warn("rotated_at not updated; run reconcile", "file_id", fileID, "error", err)
	}

	s.logger.Info("key rotated", "file_id", fileID, "version", version)
	keep = true
	return newKey, nil
}

// UpgradeFromLegacy converts a legacy container to the target version under
// a fresh random key. It performs no store I/O; the caller persists the
// result.
func (s *VaultService) UpgradeFromLegacy(container []byte, legacy Credential) ([]byte, *secret.Key, error) {
	return s.engine.UpgradeFromLegacy(container, legacy)
}
