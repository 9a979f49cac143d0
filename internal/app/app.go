package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"efv-go/internal/config"
	"efv-go/internal/contentid"
	"efv-go/internal/database"
	"efv-go/internal/efv"
	"efv-go/internal/encryption"
	"efv-go/internal/fs"
	"efv-go/internal/rotation"
	"efv-go/internal/snapshot"
)

// Options tune a VaultApp beyond what the config file holds.
type Options struct {
	// Console receives warnings and errors in addition to the log file.
	// Nil keeps the console quiet.
	Console io.Writer
	Clock   efv.Clock
	// IDs names the log stream of this run.
	IDs efv.IDGenerator
}

// VaultApp is the application layer between the CLI and VaultService.
// It constructs all dependencies from config, exposes high-level operations
// that accept raw paths and file references, and snapshots both databases
// on Close.
type VaultApp struct {
	cfg       *config.Config
	keys      *database.SQLiteKeyStore
	index     *database.SQLiteIndex
	snapshots efv.SnapshotStore
	fsmgr     *fs.OSFilesystemManager
	engine    *encryption.Engine
	service   *efv.VaultService
	logger    efv.Logger
	op        *VaultOperation
	logFile   *os.File
}

// NewVaultApp creates a fully wired VaultApp from cfg. operation names the
// CLI command being run (e.g. "AddFile", "RotateKey"). dbKeys are cloned by
// the stores; the caller keeps ownership. The caller must call Close.
func NewVaultApp(ctx context.Context, cfg *config.Config, operation string, dbKeys *DBKeys, opts Options) (*VaultApp, error) {
	if dbKeys == nil || dbKeys.Vault == nil || dbKeys.Index == nil {
		return nil, fmt.Errorf("database keys are required")
	}
	if opts.Clock == nil {
		opts.Clock = efv.RealClock{}
	}
	if opts.IDs == nil {
		opts.IDs = efv.UUIDGenerator{}
	}

	engine, err := encryption.NewEngineFromConfig(cfg.KDF)
	if err != nil {
		return nil, fmt.Errorf("creating crypto engine: %w", err)
	}

	snapshots, err := snapshot.NewStoreFromConfig(ctx, cfg.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot store: %w", err)
	}

	ks, err := database.NewKeyStoreFromConfig(ctx, cfg.Paths, dbKeys.Vault, opts.Clock)
	if err != nil {
		return nil, fmt.Errorf("opening key store: %w", err)
	}

	idx, err := database.NewIndexFromConfig(cfg.Paths, dbKeys.Index, opts.Clock)
	if err != nil {
		ks.Close()
		return nil, fmt.Errorf("opening metadata index: %w", err)
	}

	closeStores := func() {
		idx.Close()
		ks.Close()
	}

	if err := ks.CheckMigrations(); err != nil {
		closeStores()
		return nil, fmt.Errorf("key store schema out of date: %w", err)
	}
	if err := idx.CheckMigrations(); err != nil {
		closeStores()
		return nil, fmt.Errorf("index schema out of date: %w", err)
	}

	// Refuse to work on databases older than the last uploaded snapshot.
	if snapshots != nil {
		remoteVersion, err := snapshots.GetSnapshotVersion(ctx, cfg.VaultID, efv.SnapshotIndex)
		if err != nil {
			closeStores()
			return nil, fmt.Errorf("checking snapshot version: %w", err)
		}
		localMax, err := idx.MaxOperationID(ctx)
		if err != nil {
			closeStores()
			return nil, fmt.Errorf("checking local operation log: %w", err)
		}
		if remoteVersion > localMax {
			closeStores()
			return nil, fmt.Errorf("%w: local databases are behind the snapshot store (local=%d, remote=%d): restore from snapshot first",
				efv.ErrConsistency, localMax, remoteVersion)
		}
	}

	slogger, logFile, err := newLogger(cfg.LogDir, opts.IDs.New(), opts.Console)
	if err != nil {
		closeStores()
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	fsmgr := fs.NewOSFilesystemManager()
	svc, err := efv.NewVaultService(efv.VaultContext{
		Engine:   engine,
		Pipeline: rotation.NewPipelineFromConfig(cfg.Pipeline, engine, logger),
		Keys:     ks,
		Index:    idx,
		FS:       fsmgr,
		Logger:   logger,
		Clock:    opts.Clock,
	})
	if err != nil {
		logFile.Close()
		closeStores()
		return nil, err
	}

	return &VaultApp{
		cfg:       cfg,
		keys:      ks,
		index:     idx,
		snapshots: snapshots,
		fsmgr:     fsmgr,
		engine:    engine,
		service:   svc,
		logger:    logger,
		op:        NewVaultOperation(operation, ""),
		logFile:   logFile,
	}, nil
}

// persistOperation saves the operation to the index, giving it an id.
// Only mutating commands call it.
func (a *VaultApp) persistOperation(ctx context.Context, parameters string) error {
	if a.op.Persisted() {
		return nil
	}
	a.op.Parameters = parameters
	dbOp, err := a.index.CreateOperation(ctx, a.op.Operation, parameters)
	if err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	a.op.ID = dbOp.ID
	return nil
}

// Operation returns the operation this app runs under.
func (a *VaultApp) Operation() *VaultOperation { return a.op }

func (a *VaultApp) addOptions(opts efv.AddOptions) efv.AddOptions {
	if opts.FilenameStyle == "" {
		opts.FilenameStyle = a.cfg.Naming.FilenameStyle
	}
	if opts.IDLength == 0 {
		opts.IDLength = a.cfg.Naming.IDLength
	}
	return opts
}

// destination returns dest, or the configured files directory (created if
// needed) when dest is empty.
func (a *VaultApp) destination(dest string) (string, error) {
	if dest != "" {
		return filepath.Abs(dest)
	}
	if a.cfg.Paths.FilesDir == "" {
		return "", fmt.Errorf("no destination given and files_dir not configured")
	}
	if err := os.MkdirAll(a.cfg.Paths.FilesDir, 0700); err != nil {
		return "", fmt.Errorf("%w: creating files directory: %w", efv.ErrIO, err)
	}
	return a.cfg.Paths.FilesDir, nil
}

// AddFiles adds the file at rawPath, or every file under it if it is a
// directory. Per-file failures do not stop the batch; they are joined into
// the returned error alongside the records that were added.
func (a *VaultApp) AddFiles(ctx context.Context, rawPath, dest string, recursive bool, opts efv.AddOptions) ([]*efv.FileRecord, error) {
	if err := a.persistOperation(ctx, rawPath); err != nil {
		return nil, a.op.Fail(err)
	}
	recs, err := a.addFiles(ctx, rawPath, dest, recursive, opts)
	return recs, a.op.Fail(err)
}

func (a *VaultApp) addFiles(ctx context.Context, rawPath, dest string, recursive bool, opts efv.AddOptions) ([]*efv.FileRecord, error) {
	p, err := a.fsmgr.Resolve(rawPath)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	dest, err = a.destination(dest)
	if err != nil {
		return nil, err
	}
	opts = a.addOptions(opts)

	info, err := a.fsmgr.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %w", efv.ErrIO, p, err)
	}
	if !info.IsDir() {
		rec, err := a.service.AddFile(ctx, p, dest, opts)
		if err != nil {
			return nil, err
		}
		return []*efv.FileRecord{rec}, nil
	}

	paths, err := a.fsmgr.FindFiles(p, recursive)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", p, err)
	}

	// A batch needs a directory to name files in, and each file keeps its
	// own display name.
	if dinfo, err := os.Stat(dest); err != nil || !dinfo.IsDir() {
		return nil, fmt.Errorf("destination %s must be an existing directory when adding a directory", dest)
	}
	opts.DisplayName = ""

	var (
		recs []*efv.FileRecord
		errs []error
	)
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		rec, err := a.service.AddFile(ctx, path, dest, opts)
		if err != nil {
			a.logger.Error("add failed", "path", path, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		recs = append(recs, rec)
	}
	return recs, errors.Join(errs...)
}

// ImportLegacy adds the plaintext of a legacy container under a fresh key.
func (a *VaultApp) ImportLegacy(ctx context.Context, rawPath, dest, password string, opts efv.AddOptions) (*efv.FileRecord, error) {
	if err := a.persistOperation(ctx, rawPath); err != nil {
		return nil, a.op.Fail(err)
	}
	p, err := a.fsmgr.Resolve(rawPath)
	if err != nil {
		return nil, a.op.Fail(fmt.Errorf("resolving path: %w", err))
	}
	dest, err = a.destination(dest)
	if err != nil {
		return nil, a.op.Fail(err)
	}
	if opts.DisplayName == "" {
		opts.DisplayName = legacyDisplayName(p)
	}
	rec, err := a.service.ImportLegacyFile(ctx, p, dest, efv.HumanPassword(password), a.addOptions(opts))
	return rec, a.op.Fail(err)
}

// legacyDisplayName drops a trailing container extension: "doc.pdf.enc"
// becomes "doc.pdf".
func legacyDisplayName(path string) string {
	base := filepath.Base(path)
	for _, ext := range []string{".enc", ".efv"} {
		if trimmed := strings.TrimSuffix(base, ext); trimmed != base && trimmed != "" {
			return trimmed
		}
	}
	return base
}

// Resolve finds the index record a user reference points at. ref may be a
// full file id, the path of a vault file, or a display name that matches
// exactly one file.
func (a *VaultApp) Resolve(ctx context.Context, ref string) (*efv.FileRecord, error) {
	if contentid.Valid(ref) {
		return a.index.FindByID(ctx, ref)
	}
	if _, err := os.Stat(ref); err == nil {
		abs, err := filepath.Abs(ref)
		if err != nil {
			return nil, fmt.Errorf("resolving path: %w", err)
		}
		return a.index.FindByPath(ctx, abs)
	}
	recs, err := a.index.FindByName(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(recs) > 1 {
		return nil, fmt.Errorf("%q matches %d files; use the file id", ref, len(recs))
	}
	return recs[0], nil
}

// RotateResult reports one completed rotation.
type RotateResult struct {
	FileID  string
	Path    string
	Version int64
}

// Rotate re-encrypts the file ref points at under a fresh key, unlocking
// it with the key store's current key.
func (a *VaultApp) Rotate(ctx context.Context, ref, note string) (*RotateResult, error) {
	if err := a.persistOperation(ctx, ref); err != nil {
		return nil, a.op.Fail(err)
	}
	rec, err := a.Resolve(ctx, ref)
	if err != nil {
		return nil, a.op.Fail(fmt.Errorf("finding %s: %w", ref, err))
	}
	res, err := a.rotate(ctx, rec, note)
	return res, a.op.Fail(err)
}

// RotateAll rotates every file in the index. It stops at the first
// consistency error; other failures are collected and the batch goes on.
func (a *VaultApp) RotateAll(ctx context.Context, note string) ([]*RotateResult, error) {
	if err := a.persistOperation(ctx, "all"); err != nil {
		return nil, a.op.Fail(err)
	}
	recs, err := a.index.List(ctx)
	if err != nil {
		return nil, a.op.Fail(fmt.Errorf("listing files: %w", err))
	}

	var (
		results []*RotateResult
		errs    []error
	)
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := a.rotate(ctx, rec, note)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rec.FileID, err))
			if errors.Is(err, efv.ErrConsistency) {
				break
			}
			continue
		}
		results = append(results, res)
	}
	return results, a.op.Fail(errors.Join(errs...))
}

func (a *VaultApp) rotate(ctx context.Context, rec *efv.FileRecord, note string) (*RotateResult, error) {
	current, err := a.service.CurrentKey(ctx, rec.FileID)
	if err != nil {
		if errors.Is(err, efv.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s is indexed but has no key", efv.ErrConsistency, rec.FileID)
		}
		return nil, err
	}
	defer current.Close()

	newKey, err := a.service.RotateKeyInVault(ctx, rec.CurrentPath, rec.FileID, efv.RandomKey(current.Key), note)
	if err != nil {
		return nil, err
	}
	newKey.Close()

	return &RotateResult{FileID: rec.FileID, Path: rec.CurrentPath, Version: current.Version + 1}, nil
}

// History returns the key history of the file ref points at. Key material
// is closed before returning; only metadata is kept.
func (a *VaultApp) History(ctx context.Context, ref string) ([]*efv.KeyVersion, error) {
	rec, err := a.Resolve(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("finding %s: %w", ref, err)
	}
	history, err := a.service.History(ctx, rec.FileID)
	if err != nil {
		return nil, err
	}
	efv.CloseAll(history)
	for _, v := range history {
		v.Key = nil
	}
	return history, nil
}

// Lookup returns the index records matching q.
func (a *VaultApp) Lookup(ctx context.Context, q efv.Query) ([]*efv.FileRecord, error) {
	if q.Path != "" {
		abs, err := filepath.Abs(q.Path)
		if err != nil {
			return nil, fmt.Errorf("resolving path: %w", err)
		}
		q.Path = abs
	}
	return a.service.Lookup(ctx, q)
}

// Extract decrypts the file ref points at into outPath. outPath must not
// exist. On failure the partial output is removed.
func (a *VaultApp) Extract(ctx context.Context, ref, outPath string) (err error) {
	rec, err := a.Resolve(ctx, ref)
	if err != nil {
		return fmt.Errorf("finding %s: %w", ref, err)
	}

	f, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("%w: creating output: %w", efv.ErrIO, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("%w: closing output: %w", efv.ErrIO, cerr)
		}
		if err != nil {
			os.Remove(outPath)
		}
	}()

	return a.service.ExtractFile(ctx, rec.FileID, f)
}

// Reconcile repairs rotated_at values in the index from the key store.
func (a *VaultApp) Reconcile(ctx context.Context) (int, error) {
	if err := a.persistOperation(ctx, ""); err != nil {
		return 0, a.op.Fail(err)
	}
	n, err := a.service.ReconcileIndex(ctx)
	return n, a.op.Fail(err)
}

// Operations returns the most recent operations, newest first.
func (a *VaultApp) Operations(ctx context.Context, limit int) ([]*efv.Operation, error) {
	return a.index.ListOperations(ctx, limit)
}

// Close finalizes the operation and closes all resources.
// For persisted operations: finishes the operation record, snapshots both
// databases and uploads them with version = operation ID.
// For non-persisted operations: just closes the databases.
func (a *VaultApp) Close() error {
	ctx := context.Background()
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	var backups map[string]string
	if a.op.Persisted() {
		if err := a.index.FinishOperation(ctx, a.op.ID, a.op.Status); err != nil {
			keep(fmt.Errorf("finishing operation: %w", err))
		}
		if a.snapshots != nil {
			var err error
			backups, err = a.backupDatabases()
			keep(err)
		}
	}

	if err := a.index.Close(); err != nil {
		keep(fmt.Errorf("closing index: %w", err))
	}
	if err := a.keys.Close(); err != nil {
		keep(fmt.Errorf("closing key store: %w", err))
	}

	for name, path := range backups {
		keep(a.uploadSnapshot(ctx, name, path, a.op.ID))
		os.Remove(path)
	}

	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

// backupDatabases writes an encrypted copy of each database to a temp file
// and returns the paths by snapshot name. On error no files are left.
func (a *VaultApp) backupDatabases() (map[string]string, error) {
	dbs := map[string]interface{ BackupTo(string) error }{
		efv.SnapshotVault: a.keys,
		efv.SnapshotIndex: a.index,
	}

	paths := make(map[string]string, len(dbs))
	for name, db := range dbs {
		tmp, err := os.CreateTemp("", "efv-"+name+"-backup-*.db")
		if err != nil {
			removeAll(paths)
			return nil, fmt.Errorf("creating temp file for %s backup: %w", name, err)
		}
		tmpPath := tmp.Name()
		tmp.Close()
		// sqlcipher_export needs a fresh file.
		os.Remove(tmpPath)

		if err := db.BackupTo(tmpPath); err != nil {
			os.Remove(tmpPath)
			removeAll(paths)
			return nil, fmt.Errorf("backing up %s database: %w", name, err)
		}
		paths[name] = tmpPath
	}
	return paths, nil
}

func removeAll(paths map[string]string) {
	for _, p := range paths {
		os.Remove(p)
	}
}

// uploadSnapshot opens a backup file and uploads it to the snapshot store.
func (a *VaultApp) uploadSnapshot(ctx context.Context, name, path string, version int64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s backup for upload: %w", name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s backup: %w", name, err)
	}

	if err := a.snapshots.PutSnapshot(ctx, a.cfg.VaultID, name, f, info.Size(), version); err != nil {
		return fmt.Errorf("uploading %s snapshot: %w", name, err)
	}
	return nil
}
