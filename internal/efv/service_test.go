package efv_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"efv-go/internal/contentid"
	"efv-go/internal/efv"
	"efv-go/internal/encryption"
	"efv-go/internal/secret"
	"efv-go/internal/testutil"
)

var pdfContent = []byte("fake pdf content")

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// addPDF stores pdfContent as doc.pdf in the test vault directory.
func addPDF(t *testing.T, tv *testutil.TestVault) *efv.FileRecord {
	t.Helper()
	src := filepath.Join(t.TempDir(), "doc.pdf")
	writeFile(t, src, pdfContent)

	rec, err := tv.Service.AddFile(context.Background(), src, tv.Dir, efv.AddOptions{})
	if err != nil {
		t.Fatalf("AddFile() error = %v", err)
	}
	return rec
}

// currentKey returns a copy of fileID's current key, closed at test end.
func currentKey(t *testing.T, tv *testutil.TestVault, fileID string) *secret.Key {
	t.Helper()
	kv, err := tv.Service.CurrentKey(context.Background(), fileID)
	if err != nil {
		t.Fatalf("CurrentKey() error = %v", err)
	}
	defer kv.Close()
	k, err := kv.Key.Clone()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { k.Close() })
	return k
}

func decryptFile(t *testing.T, e *encryption.Engine, path string, key *secret.Key) ([]byte, error) {
	t.Helper()
	return e.Decrypt(readFile(t, path), efv.RandomKey(key))
}

func history(t *testing.T, tv *testutil.TestVault, fileID string) []*efv.KeyVersion {
	t.Helper()
	h, err := tv.Service.History(context.Background(), fileID)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	t.Cleanup(func() { efv.CloseAll(h) })
	return h
}

// assertClean fails if a temp file or previous-ciphertext link is left in dir.
func assertClean(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".efv-") || strings.HasSuffix(name, efv.PrevSuffix) {
			t.Errorf("leftover file %s", name)
		}
	}
}

func TestNewVaultService_Validation(t *testing.T) {
	_, err := efv.NewVaultService(efv.VaultContext{})
	if err == nil {
		t.Fatal("NewVaultService(empty) expected error")
	}
	for _, want := range []string{"crypto engine", "rotation pipeline", "key store", "metadata index", "filesystem manager"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestVaultService_AddFile(t *testing.T) {
	t.Run("into directory", func(t *testing.T) {
		tv := testutil.NewTestVault(t)
		rec := addPDF(t, tv)

		wantID := contentid.FromBytes(pdfContent)
		if rec.FileID != wantID || rec.ContentHash != wantID {
			t.Errorf("FileID = %s, want %s", rec.FileID, wantID)
		}
		if rec.PlaintextSize != 16 {
			t.Errorf("PlaintextSize = %d, want 16", rec.PlaintextSize)
		}
		if rec.DisplayName != "doc.pdf" {
			t.Errorf("DisplayName = %q, want doc.pdf", rec.DisplayName)
		}
		if rec.EncryptionAlgo != efv.EncryptionAlgo {
			t.Errorf("EncryptionAlgo = %q", rec.EncryptionAlgo)
		}
		wantPath := filepath.Join(tv.Dir, "doc-"+wantID[:contentid.DefaultIDLength]+contentid.Extension)
		if rec.CurrentPath != wantPath {
			t.Errorf("CurrentPath = %s, want %s", rec.CurrentPath, wantPath)
		}

		data := readFile(t, rec.CurrentPath)
		if !bytes.HasPrefix(data, []byte("EFV\x03\x00")) {
			t.Errorf("header = %q, want EFV v3.0", data[:efv.HeaderSize])
		}
		if bytes.Contains(data, pdfContent) {
			t.Error("ciphertext contains the plaintext")
		}

		h := history(t, tv, rec.FileID)
		if len(h) != 1 || h[0].Version != 1 || h[0].Note != efv.NoteInitial || !h[0].Current() {
			t.Fatalf("history = %+v, want one current v1 %q", h, efv.NoteInitial)
		}

		got, err := decryptFile(t, tv.Engine, rec.CurrentPath, h[0].Key)
		if err != nil {
			t.Fatalf("decrypting with stored key: %v", err)
		}
		if !bytes.Equal(got, pdfContent) {
			t.Errorf("plaintext = %q, want %q", got, pdfContent)
		}

		indexed, err := tv.Index.FindByID(context.Background(), rec.FileID)
		if err != nil {
			t.Fatalf("FindByID() error = %v", err)
		}
		if indexed.CurrentPath != wantPath || indexed.RotatedAt != nil {
			t.Errorf("index record = %+v", indexed)
		}
		assertClean(t, tv.Dir)
	})

	t.Run("explicit destination and options", func(t *testing.T) {
		tv := testutil.NewTestVault(t)
		src := filepath.Join(t.TempDir(), "notes.txt")
		writeFile(t, src, []byte("some notes"))
		dest := filepath.Join(tv.Dir, "custom.efv")

		rec, err := tv.Service.AddFile(context.Background(), src, dest, efv.AddOptions{
			DisplayName: "My Notes",
			Tags:        "personal",
			Note:        "draft",
		})
		if err != nil {
			t.Fatalf("AddFile() error = %v", err)
		}
		if rec.CurrentPath != dest {
			t.Errorf("CurrentPath = %s, want %s", rec.CurrentPath, dest)
		}
		if rec.DisplayName != "My Notes" || rec.Tags != "personal" || rec.Note != "draft" {
			t.Errorf("record = %+v", rec)
		}
	})

	t.Run("id filename style", func(t *testing.T) {
		tv := testutil.NewTestVault(t)
		src := filepath.Join(t.TempDir(), "doc.pdf")
		writeFile(t, src, pdfContent)

		rec, err := tv.Service.AddFile(context.Background(), src, tv.Dir, efv.AddOptions{
			FilenameStyle: contentid.StyleID,
			IDLength:      8,
		})
		if err != nil {
			t.Fatalf("AddFile() error = %v", err)
		}
		if got, want := filepath.Base(rec.CurrentPath), rec.FileID[:8]+contentid.Extension; got != want {
			t.Errorf("file name = %s, want %s", got, want)
		}
	})

	t.Run("re-adding the same content appends a version", func(t *testing.T) {
		tv := testutil.NewTestVault(t)
		first := addPDF(t, tv)
		second := addPDF(t, tv)

		if first.FileID != second.FileID || first.CurrentPath != second.CurrentPath {
			t.Fatalf("re-add produced %s at %s, want %s at %s",
				second.FileID, second.CurrentPath, first.FileID, first.CurrentPath)
		}
		h := history(t, tv, first.FileID)
		if len(h) != 2 || h[1].Note != efv.NoteUpdate || !h[1].Current() {
			t.Fatalf("history = %+v, want v2 %q current", h, efv.NoteUpdate)
		}
		if _, err := decryptFile(t, tv.Engine, second.CurrentPath, h[1].Key); err != nil {
			t.Errorf("current key does not decrypt file: %v", err)
		}
		assertClean(t, tv.Dir)
	})

	t.Run("explicit destination holding another file", func(t *testing.T) {
		tv := testutil.NewTestVault(t)
		ctx := context.Background()
		dest := filepath.Join(tv.Dir, "slot.efv")

		srcA := filepath.Join(t.TempDir(), "a.txt")
		writeFile(t, srcA, []byte("content A"))
		a, err := tv.Service.AddFile(ctx, srcA, dest, efv.AddOptions{})
		if err != nil {
			t.Fatalf("AddFile(A) error = %v", err)
		}
		before := readFile(t, dest)

		srcB := filepath.Join(t.TempDir(), "b.txt")
		writeFile(t, srcB, []byte("content B"))
		_, err = tv.Service.AddFile(ctx, srcB, dest, efv.AddOptions{})
		if !errors.Is(err, efv.ErrConsistency) {
			t.Fatalf("AddFile(B) error = %v, want ErrConsistency", err)
		}

		if !bytes.Equal(readFile(t, dest), before) {
			t.Error("existing vault file overwritten")
		}
		var out bytes.Buffer
		if err := tv.Service.ExtractFile(ctx, a.FileID, &out); err != nil {
			t.Fatalf("ExtractFile(A) error = %v", err)
		}
		if out.String() != "content A" {
			t.Errorf("ExtractFile(A) = %q, want %q", out.String(), "content A")
		}
		if _, err := tv.Index.FindByID(ctx, contentid.FromBytes([]byte("content B"))); !errors.Is(err, efv.ErrNotFound) {
			t.Errorf("index FindByID(B) error = %v, want ErrNotFound", err)
		}
		assertClean(t, tv.Dir)
	})

	t.Run("unindexed file at destination", func(t *testing.T) {
		tv := testutil.NewTestVault(t)
		dest := filepath.Join(tv.Dir, "taken.efv")
		writeFile(t, dest, []byte("not a vault file"))

		src := filepath.Join(t.TempDir(), "doc.pdf")
		writeFile(t, src, pdfContent)
		_, err := tv.Service.AddFile(context.Background(), src, dest, efv.AddOptions{})
		if !errors.Is(err, efv.ErrConsistency) {
			t.Fatalf("AddFile() error = %v, want ErrConsistency", err)
		}
		if got := readFile(t, dest); string(got) != "not a vault file" {
			t.Errorf("destination = %q, want it untouched", got)
		}
		assertClean(t, tv.Dir)
	})

	t.Run("generated name taken falls back to the full id", func(t *testing.T) {
		tv := testutil.NewTestVault(t)
		ctx := context.Background()
		id := contentid.FromBytes(pdfContent)
		short := filepath.Join(tv.Dir, "doc-"+id[:1]+contentid.Extension)

		src := filepath.Join(t.TempDir(), "other.txt")
		writeFile(t, src, []byte("other content"))
		other, err := tv.Service.AddFile(ctx, src, short, efv.AddOptions{})
		if err != nil {
			t.Fatalf("AddFile(other) error = %v", err)
		}

		pdf := filepath.Join(t.TempDir(), "doc.pdf")
		writeFile(t, pdf, pdfContent)
		rec, err := tv.Service.AddFile(ctx, pdf, tv.Dir, efv.AddOptions{IDLength: 1})
		if err != nil {
			t.Fatalf("AddFile() error = %v", err)
		}
		if want := filepath.Join(tv.Dir, "doc-"+id+contentid.Extension); rec.CurrentPath != want {
			t.Errorf("CurrentPath = %s, want %s", rec.CurrentPath, want)
		}
		if rec.IDLength != contentid.Size {
			t.Errorf("IDLength = %d, want %d", rec.IDLength, contentid.Size)
		}

		for _, tc := range []struct {
			fileID string
			want   []byte
		}{
			{other.FileID, []byte("other content")},
			{rec.FileID, pdfContent},
		} {
			var out bytes.Buffer
			if err := tv.Service.ExtractFile(ctx, tc.fileID, &out); err != nil {
				t.Fatalf("ExtractFile(%s) error = %v", tc.fileID, err)
			}
			if !bytes.Equal(out.Bytes(), tc.want) {
				t.Errorf("ExtractFile(%s) = %q, want %q", tc.fileID, out.Bytes(), tc.want)
			}
		}
		assertClean(t, tv.Dir)
	})

	t.Run("missing plaintext", func(t *testing.T) {
		tv := testutil.NewTestVault(t)
		_, err := tv.Service.AddFile(context.Background(), filepath.Join(t.TempDir(), "nope"), tv.Dir, efv.AddOptions{})
		if !errors.Is(err, efv.ErrIO) {
			t.Errorf("AddFile() error = %v, want ErrIO", err)
		}
	})

	t.Run("key store failure removes the new file", func(t *testing.T) {
		tv := testutil.NewTestVault(t)
		tv.Keys.FailStoreInitial(testutil.ErrInjected)

		src := filepath.Join(t.TempDir(), "doc.pdf")
		writeFile(t, src, pdfContent)
		_, err := tv.Service.AddFile(context.Background(), src, tv.Dir, efv.AddOptions{})
		if !errors.Is(err, testutil.ErrInjected) {
			t.Fatalf("AddFile() error = %v, want injected failure", err)
		}

		entries, _ := os.ReadDir(tv.Dir)
		if len(entries) != 0 {
			t.Errorf("vault dir has %d entries, want 0", len(entries))
		}
		if _, err := tv.Index.FindByID(context.Background(), contentid.FromBytes(pdfContent)); !errors.Is(err, efv.ErrNotFound) {
			t.Errorf("index FindByID() error = %v, want ErrNotFound", err)
		}
	})
}

func TestVaultService_RotateKeyInVault(t *testing.T) {
	ctx := context.Background()

	t.Run("repeated rotations", func(t *testing.T) {
		tv := testutil.NewTestVault(t)
		rec := addPDF(t, tv)
		const n = 3

		old := currentKey(t, tv, rec.FileID)
		for i := 0; i < n; i++ {
			newKey, err := tv.Service.RotateKeyInVault(ctx, rec.CurrentPath, rec.FileID, efv.RandomKey(old), "")
			if err != nil {
				t.Fatalf("RotateKeyInVault() #%d error = %v", i, err)
			}
			t.Cleanup(func() { newKey.Close() })

			if _, err := decryptFile(t, tv.Engine, rec.CurrentPath, old); !errors.Is(err, efv.ErrWrongCredential) {
				t.Errorf("old key after rotation #%d: error = %v, want ErrWrongCredential", i, err)
			}
			got, err := decryptFile(t, tv.Engine, rec.CurrentPath, newKey)
			if err != nil {
				t.Fatalf("new key after rotation #%d: %v", i, err)
			}
			if !bytes.Equal(got, pdfContent) {
				t.Errorf("plaintext changed by rotation #%d", i)
			}
			old = newKey
		}

		h := history(t, tv, rec.FileID)
		if len(h) != n+1 {
			t.Fatalf("len(history) = %d, want %d", len(h), n+1)
		}
		for i, v := range h {
			if v.Version != int64(i+1) {
				t.Errorf("history[%d].Version = %d", i, v.Version)
			}
			if v.Current() != (i == n) {
				t.Errorf("history[%d].Current() = %v", i, v.Current())
			}
			if i > 0 && v.Note != efv.NoteRotation {
				t.Errorf("history[%d].Note = %q, want %q", i, v.Note, efv.NoteRotation)
			}
		}
		if !h[n].Key.Equal(old) {
			t.Error("current version does not hold the last returned key")
		}

		indexed, err := tv.Index.FindByID(ctx, rec.FileID)
		if err != nil {
			t.Fatal(err)
		}
		if indexed.RotatedAt == nil {
			t.Error("RotatedAt not set after rotation")
		}
		assertClean(t, tv.Dir)
	})

	t.Run("keeps file mode", func(t *testing.T) {
		tv := testutil.NewTestVault(t)
		rec := addPDF(t, tv)
		if err := os.Chmod(rec.CurrentPath, 0640); err != nil {
			t.Fatal(err)
		}

		k, err := tv.Service.RotateKeyInVault(ctx, rec.CurrentPath, rec.FileID, efv.RandomKey(currentKey(t, tv, rec.FileID)), "")
		if err != nil {
			t.Fatalf("RotateKeyInVault() error = %v", err)
		}
		k.Close()

		info, err := os.Stat(rec.CurrentPath)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0640 {
			t.Errorf("mode = %v, want 0640", info.Mode().Perm())
		}
	})

	t.Run("no stored key", func(t *testing.T) {
		tv := testutil.NewTestVault(t)
		key := testutil.NewKey(t)
		container, err := tv.Engine.Encrypt(pdfContent, efv.RandomKey(key))
		if err != nil {
			t.Fatal(err)
		}
		path := filepath.Join(tv.Dir, "orphan.efv")
		writeFile(t, path, container)

		_, err = tv.Service.RotateKeyInVault(ctx, path, "unknown-file", efv.RandomKey(key), "")
		if !errors.Is(err, efv.ErrConsistency) {
			t.Errorf("RotateKeyInVault() error = %v, want ErrConsistency", err)
		}
		if !bytes.Equal(readFile(t, path), container) {
			t.Error("file changed")
		}
		assertClean(t, tv.Dir)
	})

	t.Run("wrong credential", func(t *testing.T) {
		tv := testutil.NewTestVault(t)
		rec := addPDF(t, tv)
		before := readFile(t, rec.CurrentPath)

		_, err := tv.Service.RotateKeyInVault(ctx, rec.CurrentPath, rec.FileID, efv.RandomKey(testutil.NewKey(t)), "")
		if !errors.Is(err, efv.ErrWrongCredential) {
			t.Errorf("RotateKeyInVault() error = %v, want ErrWrongCredential", err)
		}
		if errors.Is(err, efv.ErrConsistency) {
			t.Errorf("a wrong caller credential is not a consistency error: %v", err)
		}
		if !bytes.Equal(readFile(t, rec.CurrentPath), before) {
			t.Error("file changed")
		}
		if h := history(t, tv, rec.FileID); len(h) != 1 {
			t.Errorf("len(history) = %d, want 1", len(h))
		}
		assertClean(t, tv.Dir)
	})

	t.Run("ciphertext does not match current key", func(t *testing.T) {
		tv := testutil.NewTestVault(t)
		rec := addPDF(t, tv)
		stray, err := tv.Engine.Encrypt(pdfContent, efv.RandomKey(testutil.NewKey(t)))
		if err != nil {
			t.Fatal(err)
		}
		writeFile(t, rec.CurrentPath, stray)

		_, err = tv.Service.RotateKeyInVault(ctx, rec.CurrentPath, rec.FileID, efv.RandomKey(currentKey(t, tv, rec.FileID)), "")
		if !errors.Is(err, efv.ErrConsistency) {
			t.Errorf("RotateKeyInVault() error = %v, want ErrConsistency", err)
		}
	})

	t.Run("path of another file", func(t *testing.T) {
		tv := testutil.NewTestVault(t)
		a := addPDF(t, tv)
		b := addPDFNamed(t, tv, "other.pdf", []byte("other content"))
		keyB := currentKey(t, tv, b.FileID)
		before := readFile(t, b.CurrentPath)

		_, err := tv.Service.RotateKeyInVault(ctx, b.CurrentPath, a.FileID, efv.RandomKey(keyB), "")
		if !errors.Is(err, efv.ErrConsistency) {
			t.Fatalf("RotateKeyInVault() error = %v, want ErrConsistency", err)
		}

		if !bytes.Equal(readFile(t, b.CurrentPath), before) {
			t.Error("file changed")
		}
		if _, err := decryptFile(t, tv.Engine, b.CurrentPath, keyB); err != nil {
			t.Errorf("key of the other file no longer decrypts it: %v", err)
		}
		if h := history(t, tv, a.FileID); len(h) != 1 {
			t.Errorf("len(history) = %d, want 1", len(h))
		}
		if h := history(t, tv, b.FileID); len(h) != 1 {
			t.Errorf("len(history of other file) = %d, want 1", len(h))
		}
		assertClean(t, tv.Dir)
	})

	t.Run("rename failure leaves the old key working", func(t *testing.T) {
		tv := testutil.NewTestVault(t)
		rec := addPDF(t, tv)
		old := currentKey(t, tv, rec.FileID)
		before := readFile(t, rec.CurrentPath)
		tv.FS.FailRenameTo(rec.CurrentPath)

		_, err := tv.Service.RotateKeyInVault(ctx, rec.CurrentPath, rec.FileID, efv.RandomKey(old), "")
		if !errors.Is(err, efv.ErrIO) {
			t.Fatalf("RotateKeyInVault() error = %v, want ErrIO", err)
		}

		if !bytes.Equal(readFile(t, rec.CurrentPath), before) {
			t.Error("file changed")
		}
		if _, err := decryptFile(t, tv.Engine, rec.CurrentPath, old); err != nil {
			t.Errorf("old key no longer decrypts: %v", err)
		}
		h := history(t, tv, rec.FileID)
		if len(h) != 1 || !h[0].Key.Equal(old) {
			t.Errorf("history changed: %d versions", len(h))
		}
		assertClean(t, tv.Dir)
	})

	t.Run("key store failure restores previous ciphertext", func(t *testing.T) {
		tv := testutil.NewTestVault(t)
		rec := addPDF(t, tv)
		old := currentKey(t, tv, rec.FileID)
		before := readFile(t, rec.CurrentPath)
		tv.Keys.FailStoreNext(testutil.ErrInjected)

		_, err := tv.Service.RotateKeyInVault(ctx, rec.CurrentPath, rec.FileID, efv.RandomKey(old), "")
		if !errors.Is(err, testutil.ErrInjected) {
			t.Fatalf("RotateKeyInVault() error = %v, want injected failure", err)
		}
		if errors.Is(err, efv.ErrConsistency) {
			t.Errorf("a reverted failure is not a consistency error: %v", err)
		}

		if !bytes.Equal(readFile(t, rec.CurrentPath), before) {
			t.Error("previous ciphertext not restored")
		}
		if h := history(t, tv, rec.FileID); len(h) != 1 {
			t.Errorf("len(history) = %d, want 1", len(h))
		}
		assertClean(t, tv.Dir)

		tv.Keys.FailStoreNext(nil)
		k, err := tv.Service.RotateKeyInVault(ctx, rec.CurrentPath, rec.FileID, efv.RandomKey(old), "")
		if err != nil {
			t.Fatalf("retry error = %v", err)
		}
		k.Close()
	})

	t.Run("key store failure without restore", func(t *testing.T) {
		tv := testutil.NewTestVault(t)
		rec := addPDF(t, tv)
		tv.Keys.FailStoreNext(testutil.ErrInjected)
		tv.FS.FailRenameFrom(efv.PrevSuffix)

		_, err := tv.Service.RotateKeyInVault(ctx, rec.CurrentPath, rec.FileID, efv.RandomKey(currentKey(t, tv, rec.FileID)), "")
		if !errors.Is(err, efv.ErrConsistency) {
			t.Fatalf("RotateKeyInVault() error = %v, want ErrConsistency", err)
		}
		if _, err := os.Stat(rec.CurrentPath + efv.PrevSuffix); err != nil {
			t.Errorf("previous ciphertext missing: %v", err)
		}
	})

	t.Run("leftover previous ciphertext halts", func(t *testing.T) {
		tv := testutil.NewTestVault(t)
		rec := addPDF(t, tv)
		prev := rec.CurrentPath + efv.PrevSuffix
		writeFile(t, prev, []byte("stale"))
		before := readFile(t, rec.CurrentPath)

		_, err := tv.Service.RotateKeyInVault(ctx, rec.CurrentPath, rec.FileID, efv.RandomKey(currentKey(t, tv, rec.FileID)), "")
		if !errors.Is(err, efv.ErrConsistency) {
			t.Fatalf("RotateKeyInVault() error = %v, want ErrConsistency", err)
		}
		if !bytes.Equal(readFile(t, rec.CurrentPath), before) {
			t.Error("file changed")
		}
		if string(readFile(t, prev)) != "stale" {
			t.Error("leftover file was touched")
		}
	})

	t.Run("cancelled before swap", func(t *testing.T) {
		tv := testutil.NewTestVault(t)
		rec := addPDF(t, tv)
		before := readFile(t, rec.CurrentPath)

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := tv.Service.RotateKeyInVault(cctx, rec.CurrentPath, rec.FileID, efv.RandomKey(currentKey(t, tv, rec.FileID)), "")
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("RotateKeyInVault() error = %v, want context.Canceled", err)
		}
		if !bytes.Equal(readFile(t, rec.CurrentPath), before) {
			t.Error("file changed")
		}
		assertClean(t, tv.Dir)
	})

	t.Run("concurrent rotations are serialized", func(t *testing.T) {
		tv := testutil.NewTestVault(t)
		rec := addPDF(t, tv)
		tv.Keys.BeforeStoreNext(func() { time.Sleep(5 * time.Millisecond) })

		const workers = 6
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				kv, err := tv.Service.CurrentKey(ctx, rec.FileID)
				if err != nil {
					t.Errorf("CurrentKey() error = %v", err)
					return
				}
				defer kv.Close()

				k, err := tv.Service.RotateKeyInVault(ctx, rec.CurrentPath, rec.FileID, efv.RandomKey(kv.Key), "")
				if err != nil {
					// Lost the race: another worker rotated first.
					if !errors.Is(err, efv.ErrWrongCredential) || errors.Is(err, efv.ErrConsistency) {
						t.Errorf("RotateKeyInVault() error = %v", err)
					}
					return
				}
				k.Close()
				mu.Lock()
				successes++
				mu.Unlock()
			}()
		}
		wg.Wait()

		if successes == 0 {
			t.Fatal("no rotation succeeded")
		}
		if got := tv.Keys.MaxConcurrentStoreNext(); got != 1 {
			t.Errorf("max concurrent key commits = %d, want 1", got)
		}
		h := history(t, tv, rec.FileID)
		if len(h) != successes+1 {
			t.Errorf("len(history) = %d, want %d", len(h), successes+1)
		}
		current := 0
		for i, v := range h {
			if v.Version != int64(i+1) {
				t.Errorf("history[%d].Version = %d", i, v.Version)
			}
			if v.Current() {
				current++
			}
		}
		if current != 1 {
			t.Errorf("%d current versions, want 1", current)
		}
		if _, err := decryptFile(t, tv.Engine, rec.CurrentPath, h[len(h)-1].Key); err != nil {
			t.Errorf("current key does not decrypt file: %v", err)
		}
		assertClean(t, tv.Dir)
	})
}

func TestVaultService_ImportLegacyFile(t *testing.T) {
	ctx := context.Background()
	legacy, err := testutil.NewTestEngine(t).SealLegacy(pdfContent, "hunter2")
	if err != nil {
		t.Fatalf("SealLegacy() error = %v", err)
	}

	t.Run("imports under a random key", func(t *testing.T) {
		tv := testutil.NewTestVault(t)
		src := filepath.Join(t.TempDir(), "doc.pdf.enc")
		writeFile(t, src, legacy)

		rec, err := tv.Service.ImportLegacyFile(ctx, src, tv.Dir, efv.HumanPassword("hunter2"), efv.AddOptions{DisplayName: "doc.pdf"})
		if err != nil {
			t.Fatalf("ImportLegacyFile() error = %v", err)
		}
		if rec.FileID != contentid.FromBytes(pdfContent) {
			t.Errorf("FileID = %s, want content id of the plaintext", rec.FileID)
		}
		if v, _ := tv.Engine.DetectVersion(readFile(t, rec.CurrentPath)); v != efv.TargetMajor {
			t.Errorf("version = %d, want %d", v, efv.TargetMajor)
		}

		var out bytes.Buffer
		if err := tv.Service.ExtractFile(ctx, rec.FileID, &out); err != nil {
			t.Fatalf("ExtractFile() error = %v", err)
		}
		if !bytes.Equal(out.Bytes(), pdfContent) {
			t.Errorf("extracted = %q, want %q", out.Bytes(), pdfContent)
		}
		if !bytes.Equal(readFile(t, src), legacy) {
			t.Error("legacy file was modified")
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		tv := testutil.NewTestVault(t)
		src := filepath.Join(t.TempDir(), "doc.pdf.enc")
		writeFile(t, src, legacy)

		_, err := tv.Service.ImportLegacyFile(ctx, src, tv.Dir, efv.HumanPassword("wrong"), efv.AddOptions{})
		if !errors.Is(err, efv.ErrWrongCredential) {
			t.Errorf("ImportLegacyFile() error = %v, want ErrWrongCredential", err)
		}
		entries, _ := os.ReadDir(tv.Dir)
		if len(entries) != 0 {
			t.Errorf("vault dir has %d entries, want 0", len(entries))
		}
	})
}

func TestVaultService_UpgradeFromLegacy(t *testing.T) {
	tv := testutil.NewTestVault(t)
	legacy, err := testutil.NewTestEngine(t).SealLegacy(pdfContent, "hunter2")
	if err != nil {
		t.Fatal(err)
	}

	container, key, err := tv.Service.UpgradeFromLegacy(legacy, efv.HumanPassword("hunter2"))
	if err != nil {
		t.Fatalf("UpgradeFromLegacy() error = %v", err)
	}
	defer key.Close()

	if v, _ := tv.Engine.DetectVersion(container); v != efv.TargetMajor {
		t.Errorf("version = %d, want %d", v, efv.TargetMajor)
	}
	got, err := tv.Engine.Decrypt(container, efv.RandomKey(key))
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(got, pdfContent) {
		t.Errorf("plaintext = %q, want %q", got, pdfContent)
	}
}
