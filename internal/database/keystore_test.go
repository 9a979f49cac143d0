package database_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"efv-go/internal/database"
	"efv-go/internal/database/migrations"
	"efv-go/internal/database/sqlc"
	"efv-go/internal/efv"
	"efv-go/internal/secret"
	"efv-go/internal/testutil"
)

// checkHistory asserts versions run 1..n and only the last is current.
func checkHistory(t *testing.T, history []*efv.KeyVersion, n int) {
	t.Helper()
	if len(history) != n {
		t.Fatalf("len(history) = %d, want %d", len(history), n)
	}
	for i, v := range history {
		if v.Version != int64(i+1) {
			t.Errorf("history[%d].Version = %d, want %d", i, v.Version, i+1)
		}
		if last := i == n-1; v.Current() != last {
			t.Errorf("history[%d].Current() = %v, want %v", i, v.Current(), last)
		}
	}
}

func TestSQLiteKeyStore_StoreInitialVersion(t *testing.T) {
	ctx := context.Background()

	t.Run("first key is version 1", func(t *testing.T) {
		ks := testutil.NewTestKeyStore(t, testutil.FixedClock())
		key := testutil.NewKey(t)

		v, err := ks.StoreInitialVersion(ctx, "file-a", key)
		if err != nil {
			t.Fatalf("StoreInitialVersion() error = %v", err)
		}
		defer v.Close()

		if v.Version != 1 {
			t.Errorf("Version = %d, want 1", v.Version)
		}
		if v.Note != efv.NoteInitial {
			t.Errorf("Note = %q, want %q", v.Note, efv.NoteInitial)
		}
		if !v.Key.Equal(key) {
			t.Error("returned key differs from stored key")
		}

		cur, err := ks.CurrentKeyFor(ctx, "file-a")
		if err != nil {
			t.Fatalf("CurrentKeyFor() error = %v", err)
		}
		defer cur.Close()
		if cur.Version != 1 || !cur.Key.Equal(key) || !cur.Current() {
			t.Errorf("CurrentKeyFor() = v%d current=%v, want v1 current", cur.Version, cur.Current())
		}
	})

	t.Run("existing history appends an update", func(t *testing.T) {
		ks := testutil.NewTestKeyStore(t, testutil.TickingClock(time.Second))

		v1, err := ks.StoreInitialVersion(ctx, "file-a", testutil.NewKey(t))
		if err != nil {
			t.Fatalf("first StoreInitialVersion() error = %v", err)
		}
		v1.Close()

		v2, err := ks.StoreInitialVersion(ctx, "file-a", testutil.NewKey(t))
		if err != nil {
			t.Fatalf("second StoreInitialVersion() error = %v", err)
		}
		defer v2.Close()
		if v2.Version != 2 || v2.Note != efv.NoteUpdate {
			t.Errorf("second version = v%d %q, want v2 %q", v2.Version, v2.Note, efv.NoteUpdate)
		}

		history, err := ks.HistoryFor(ctx, "file-a")
		if err != nil {
			t.Fatalf("HistoryFor() error = %v", err)
		}
		defer efv.CloseAll(history)
		checkHistory(t, history, 2)
	})

	t.Run("closed key is rejected", func(t *testing.T) {
		ks := testutil.NewTestKeyStore(t, testutil.FixedClock())
		key, err := secret.NewKey()
		if err != nil {
			t.Fatal(err)
		}
		key.Close()

		if _, err := ks.StoreInitialVersion(ctx, "file-a", key); err == nil {
			t.Error("StoreInitialVersion(closed key) expected error")
		}
		if _, err := ks.CurrentKeyFor(ctx, "file-a"); !errors.Is(err, efv.ErrNotFound) {
			t.Errorf("CurrentKeyFor() error = %v, want ErrNotFound", err)
		}
	})
}

func TestSQLiteKeyStore_StoreNextVersion(t *testing.T) {
	ctx := context.Background()

	t.Run("rotations keep history contiguous", func(t *testing.T) {
		ks := testutil.NewTestKeyStore(t, testutil.TickingClock(time.Second))

		v, err := ks.StoreInitialVersion(ctx, "file-a", testutil.NewKey(t))
		if err != nil {
			t.Fatalf("StoreInitialVersion() error = %v", err)
		}
		v.Close()

		var last *secret.Key
		for i := 0; i < 4; i++ {
			last = testutil.NewKey(t)
			v, err := ks.StoreNextVersion(ctx, "file-a", last, "")
			if err != nil {
				t.Fatalf("StoreNextVersion() #%d error = %v", i, err)
			}
			if v.Version != int64(i+2) {
				t.Errorf("StoreNextVersion() #%d Version = %d, want %d", i, v.Version, i+2)
			}
			if v.Note != efv.NoteRotation {
				t.Errorf("Note = %q, want %q", v.Note, efv.NoteRotation)
			}
			v.Close()
		}

		history, err := ks.HistoryFor(ctx, "file-a")
		if err != nil {
			t.Fatalf("HistoryFor() error = %v", err)
		}
		defer efv.CloseAll(history)
		checkHistory(t, history, 5)

		for i := 1; i < len(history); i++ {
			prev, cur := history[i-1], history[i]
			if prev.SupersededAt == nil || prev.SupersededAt.After(cur.CreatedAt) {
				t.Errorf("version %d superseded at %v, after version %d created at %v",
					prev.Version, prev.SupersededAt, cur.Version, cur.CreatedAt)
			}
		}

		cur, err := ks.CurrentKeyFor(ctx, "file-a")
		if err != nil {
			t.Fatalf("CurrentKeyFor() error = %v", err)
		}
		defer cur.Close()
		if cur.Version != 5 || !cur.Key.Equal(last) {
			t.Errorf("CurrentKeyFor() = v%d, want v5 with the last key", cur.Version)
		}
	})

	t.Run("custom note", func(t *testing.T) {
		ks := testutil.NewTestKeyStore(t, testutil.FixedClock())
		v, _ := ks.StoreInitialVersion(ctx, "file-a", testutil.NewKey(t))
		v.Close()

		v, err := ks.StoreNextVersion(ctx, "file-a", testutil.NewKey(t), "quarterly")
		if err != nil {
			t.Fatalf("StoreNextVersion() error = %v", err)
		}
		defer v.Close()
		if v.Note != "quarterly" {
			t.Errorf("Note = %q, want quarterly", v.Note)
		}
	})

	t.Run("no history is a consistency error", func(t *testing.T) {
		ks := testutil.NewTestKeyStore(t, testutil.FixedClock())

		_, err := ks.StoreNextVersion(ctx, "missing", testutil.NewKey(t), "")
		if !errors.Is(err, efv.ErrConsistency) {
			t.Errorf("StoreNextVersion() error = %v, want ErrConsistency", err)
		}

		history, err := ks.HistoryFor(ctx, "missing")
		if err != nil {
			t.Fatalf("HistoryFor() error = %v", err)
		}
		if len(history) != 0 {
			t.Errorf("len(history) = %d, want 0", len(history))
		}
	})

	t.Run("files are independent", func(t *testing.T) {
		ks := testutil.NewTestKeyStore(t, testutil.FixedClock())
		for _, id := range []string{"file-a", "file-b"} {
			v, err := ks.StoreInitialVersion(ctx, id, testutil.NewKey(t))
			if err != nil {
				t.Fatal(err)
			}
			v.Close()
		}
		v, err := ks.StoreNextVersion(ctx, "file-a", testutil.NewKey(t), "")
		if err != nil {
			t.Fatal(err)
		}
		v.Close()

		hb, err := ks.HistoryFor(ctx, "file-b")
		if err != nil {
			t.Fatal(err)
		}
		defer efv.CloseAll(hb)
		checkHistory(t, hb, 1)
	})

	t.Run("concurrent rotations stay contiguous", func(t *testing.T) {
		ks := testutil.NewTestKeyStore(t, testutil.TickingClock(time.Millisecond))
		v, _ := ks.StoreInitialVersion(ctx, "file-a", testutil.NewKey(t))
		v.Close()

		const n = 8
		keys := make([]*secret.Key, n)
		for i := range keys {
			keys[i] = testutil.NewKey(t)
		}

		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(k *secret.Key) {
				defer wg.Done()
				v, err := ks.StoreNextVersion(ctx, "file-a", k, "")
				if err != nil {
					errs <- err
					return
				}
				v.Close()
			}(keys[i])
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("StoreNextVersion() error = %v", err)
		}

		history, err := ks.HistoryFor(ctx, "file-a")
		if err != nil {
			t.Fatal(err)
		}
		defer efv.CloseAll(history)
		checkHistory(t, history, n+1)
	})
}

func TestSQLiteKeyStore_CurrentKeyFor_NotFound(t *testing.T) {
	ks := testutil.NewTestKeyStore(t, testutil.FixedClock())

	_, err := ks.CurrentKeyFor(context.Background(), "missing")
	if !errors.Is(err, efv.ErrNotFound) {
		t.Errorf("CurrentKeyFor() error = %v, want ErrNotFound", err)
	}
	if !errors.Is(err, efv.ErrDatabase) {
		t.Errorf("CurrentKeyFor() error = %v, want ErrDatabase category", err)
	}
}

func TestSQLiteKeyStore_BackfillHistory(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vault.db")
	dbKey := testutil.NewKey(t)
	fileKey := testutil.NewKey(t)
	created := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)

	// Write a current-key row with no history, as older stores did.
	db, err := database.OpenConnection(path, dbKey)
	if err != nil {
		t.Fatalf("OpenConnection() error = %v", err)
	}
	if err := migrations.MigrateUp(db, migrations.KeyStore); err != nil {
		t.Fatalf("MigrateUp() error = %v", err)
	}
	if _, err := db.Exec("INSERT INTO keys (file_id, key_blob, created_at) VALUES (?, ?, ?)",
		"old-file", fileKey.Bytes(), created); err != nil {
		t.Fatalf("INSERT error = %v", err)
	}
	db.Close()

	ks, err := database.NewSQLiteKeyStore(ctx, path, dbKey, testutil.FixedClock())
	if err != nil {
		t.Fatalf("NewSQLiteKeyStore() error = %v", err)
	}
	defer ks.Close()

	history, err := ks.HistoryFor(ctx, "old-file")
	if err != nil {
		t.Fatalf("HistoryFor() error = %v", err)
	}
	defer efv.CloseAll(history)
	checkHistory(t, history, 1)

	v := history[0]
	if v.Note != efv.NoteBackfill {
		t.Errorf("Note = %q, want %q", v.Note, efv.NoteBackfill)
	}
	if !v.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", v.CreatedAt, created)
	}
	if !v.Key.Equal(fileKey) {
		t.Error("backfilled key differs from the keys row")
	}

	n, err := ks.BackfillHistory(ctx)
	if err != nil {
		t.Fatalf("BackfillHistory() error = %v", err)
	}
	if n != 0 {
		t.Errorf("second BackfillHistory() = %d, want 0", n)
	}

	next, err := ks.StoreNextVersion(ctx, "old-file", testutil.NewKey(t), "")
	if err != nil {
		t.Fatalf("StoreNextVersion() after backfill error = %v", err)
	}
	defer next.Close()
	if next.Version != 2 {
		t.Errorf("Version = %d, want 2", next.Version)
	}
}

func TestSQLiteKeyStore_PreHistoryStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vault.db")
	dbKey := testutil.NewKey(t)
	fileKey := testutil.NewKey(t)

	// A store created before key history existed: a keys table and no
	// schema version.
	db, err := database.OpenConnection(path, dbKey)
	if err != nil {
		t.Fatalf("OpenConnection() error = %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE keys (
		file_id    TEXT     PRIMARY KEY,
		key_blob   BLOB     NOT NULL,
		created_at DATETIME NOT NULL,
		rotated_at DATETIME
	)`); err != nil {
		t.Fatalf("CREATE TABLE error = %v", err)
	}
	if _, err := db.Exec("INSERT INTO keys (file_id, key_blob, created_at) VALUES (?, ?, ?)",
		"old-file", fileKey.Bytes(), time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("INSERT error = %v", err)
	}
	db.Close()

	ks, err := database.NewSQLiteKeyStore(ctx, path, dbKey, testutil.FixedClock())
	if err != nil {
		t.Fatalf("NewSQLiteKeyStore() error = %v", err)
	}
	defer ks.Close()

	if err := ks.CheckMigrations(); err != nil {
		t.Errorf("CheckMigrations() error = %v", err)
	}
	cur, err := ks.CurrentKeyFor(ctx, "old-file")
	if err != nil {
		t.Fatalf("CurrentKeyFor() error = %v", err)
	}
	defer cur.Close()
	if cur.Version != 1 || cur.Note != efv.NoteBackfill || !cur.Key.Equal(fileKey) {
		t.Errorf("CurrentKeyFor() = v%d %q, want backfilled v1", cur.Version, cur.Note)
	}
}

func TestSQLiteKeyStore_CurrentKeyFor_Projection(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vault.db")
	dbKey := testutil.NewKey(t)

	ks, err := database.NewSQLiteKeyStore(ctx, path, dbKey, testutil.TickingClock(time.Second))
	if err != nil {
		t.Fatalf("NewSQLiteKeyStore() error = %v", err)
	}
	defer ks.Close()

	v1, err := ks.StoreInitialVersion(ctx, "file-a", testutil.NewKey(t))
	if err != nil {
		t.Fatalf("StoreInitialVersion() error = %v", err)
	}
	v1.Close()
	v2, err := ks.StoreNextVersion(ctx, "file-a", testutil.NewKey(t), "")
	if err != nil {
		t.Fatalf("StoreNextVersion() error = %v", err)
	}
	defer v2.Close()

	db, err := database.OpenConnection(path, dbKey)
	if err != nil {
		t.Fatalf("OpenConnection() error = %v", err)
	}
	defer db.Close()

	projected, err := sqlc.New(db).GetCurrentKey(ctx, "file-a")
	if err != nil {
		t.Fatalf("GetCurrentKey() error = %v", err)
	}
	if !bytes.Equal(projected.KeyBlob, v2.Key.Bytes()) {
		t.Error("keys projection does not hold the current version")
	}
	if !projected.RotatedAt.Valid {
		t.Error("keys projection RotatedAt not set after a rotation")
	}

	stray := testutil.NewKey(t)
	if _, err := db.Exec("UPDATE keys SET key_blob = ? WHERE file_id = ?", stray.Bytes(), "file-a"); err != nil {
		t.Fatalf("UPDATE error = %v", err)
	}
	if _, err := ks.CurrentKeyFor(ctx, "file-a"); !errors.Is(err, efv.ErrConsistency) {
		t.Errorf("CurrentKeyFor(diverged projection) error = %v, want ErrConsistency", err)
	}

	if _, err := db.Exec("DELETE FROM keys WHERE file_id = ?", "file-a"); err != nil {
		t.Fatalf("DELETE error = %v", err)
	}
	if _, err := ks.CurrentKeyFor(ctx, "file-a"); !errors.Is(err, efv.ErrConsistency) {
		t.Errorf("CurrentKeyFor(missing projection) error = %v, want ErrConsistency", err)
	}
}

func TestSQLiteKeyStore_BackupTo(t *testing.T) {
	ctx := context.Background()
	dbKey := testutil.NewKey(t)
	dir := t.TempDir()

	ks, err := database.NewSQLiteKeyStore(ctx, filepath.Join(dir, "vault.db"), dbKey, testutil.FixedClock())
	if err != nil {
		t.Fatalf("NewSQLiteKeyStore() error = %v", err)
	}
	defer ks.Close()

	fileKey := testutil.NewKey(t)
	v, err := ks.StoreInitialVersion(ctx, "file-a", fileKey)
	if err != nil {
		t.Fatal(err)
	}
	v.Close()

	if err := ks.CheckMigrations(); err != nil {
		t.Errorf("CheckMigrations() error = %v", err)
	}

	backup := filepath.Join(dir, "backup.db")
	if err := ks.BackupTo(backup); err != nil {
		t.Fatalf("BackupTo() error = %v", err)
	}

	if _, err := database.OpenConnection(backup, testutil.NewKey(t)); !errors.Is(err, efv.ErrWrongCredential) {
		t.Errorf("backup opened with another key: error = %v", err)
	}

	restored, err := database.NewSQLiteKeyStore(ctx, backup, dbKey, testutil.FixedClock())
	if err != nil {
		t.Fatalf("opening backup error = %v", err)
	}
	defer restored.Close()

	cur, err := restored.CurrentKeyFor(ctx, "file-a")
	if err != nil {
		t.Fatalf("CurrentKeyFor() on backup error = %v", err)
	}
	defer cur.Close()
	if !cur.Key.Equal(fileKey) {
		t.Error("backup holds a different key")
	}
}
