package efv

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// CurrentKey returns the current key version of fileID. The caller must
// Close the result.
func (s *VaultService) CurrentKey(ctx context.Context, fileID string) (*KeyVersion, error) {
	kv, err := s.keys.CurrentKeyFor(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("loading current key for %s: %w", fileID, err)
	}
	return kv, nil
}

// History returns every key version of fileID, oldest first. The caller
// must close the results, e.g. with CloseAll.
func (s *VaultService) History(ctx context.Context, fileID string) ([]*KeyVersion, error) {
	h, err := s.keys.HistoryFor(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("loading key history for %s: %w", fileID, err)
	}
	return h, nil
}

// Lookup returns the index records matching q.
func (s *VaultService) Lookup(ctx context.Context, q Query) ([]*FileRecord, error) {
	var (
		rec *FileRecord
		err error
	)
	switch {
	case q.FileID != "":
		rec, err = s.index.FindByID(ctx, q.FileID)
	case q.Path != "":
		rec, err = s.index.FindByPath(ctx, q.Path)
	case q.ContentHash != "":
		rec, err = s.index.FindByContentHash(ctx, q.ContentHash)
	case q.Name != "":
		return s.index.FindByName(ctx, q.Name)
	default:
		return s.index.List(ctx)
	}
	if err != nil {
		return nil, err
	}
	return []*FileRecord{rec}, nil
}

// ExtractFile decrypts the vault file fileID with its current key and
// streams the plaintext to w. Output written before an error is returned
// is unauthenticated and must be discarded.
func (s *VaultService) ExtractFile(ctx context.Context, fileID string, w io.Writer) error {
	rec, err := s.index.FindByID(ctx, fileID)
	if err != nil {
		return fmt.Errorf("finding file %s: %w", fileID, err)
	}
	kv, err := s.keys.CurrentKeyFor(ctx, fileID)
	if err != nil {
		return fmt.Errorf("loading current key for %s: %w", fileID, err)
	}
	defer kv.Close()

	f, err := s.fsmgr.Open(rec.CurrentPath)
	if err != nil {
		return ioError("opening ciphertext", err)
	}
	defer f.Close()

	r, err := s.engine.DecryptStream(f, RandomKey(kv.Key))
	if err != nil {
		return fmt.Errorf("decrypting %s: %w", rec.CurrentPath, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return tagged("decrypting "+rec.CurrentPath, ErrIO, err)
	}
	return nil
}

// ReconcileIndex brings rotated_at in the metadata index in line with the
// key store, which is authoritative. It returns the number of records
// updated.
func (s *VaultService) ReconcileIndex(ctx context.Context) (int, error) {
	recs, err := s.index.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing files: %w", err)
	}

	updated := 0
	for _, rec := range recs {
		history, err := s.keys.HistoryFor(ctx, rec.FileID)
		if err != nil {
			return updated, fmt.Errorf("loading key history for %s: %w", rec.FileID, err)
		}
		CloseAll(history)

		if len(history) == 0 {
			s.logger.Warn("file has no key history", "file_id", rec.FileID)
			continue
		}
		latest := history[len(history)-1]
		if latest.Version < 2 {
			continue
		}
		if rec.RotatedAt != nil && !rec.RotatedAt.Before(latest.CreatedAt) {
			continue
		}
		if err := s.index.SetRotatedAt(ctx, rec.FileID, latest.CreatedAt); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return updated, fmt.Errorf("updating rotated_at for %s: %w", rec.FileID, err)
		}
		s.logger.Info("rotated_at reconciled", "file_id", rec.FileID, "version", latest.Version)
		updated++
	}
	return updated, nil
}
