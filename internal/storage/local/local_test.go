package local

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"assetvault/internal/storage"
)

func TestStore_WriteReadStatDelete(t *testing.T) {
	ctx := context.Background()
	s := New(t.TempDir(), "http://cdn.local/files")

	payload := []byte("0123456789abcdef")
	loc, err := s.Write(ctx, "pics/cat_1_abcd1234.png", bytes.NewReader(payload), storage.WriteOptions{
		ContentType: "image/png",
		Size:        int64(len(payload)),
		Metadata:    map[string]string{storage.MetaOriginalFilename: "cat.png"},
	})
	if err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if loc.URL != "http://cdn.local/files/pics/cat_1_abcd1234.png" {
		t.Fatalf("unexpected URL: %s", loc.URL)
	}

	rc, err := s.Read(ctx, "pics/cat_1_abcd1234.png")
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: %q", got)
	}

	rc, err = s.ReadRange(ctx, "pics/cat_1_abcd1234.png", 4, 3)
	if err != nil {
		t.Fatalf("ReadRange returned error: %v", err)
	}
	got, _ = io.ReadAll(rc)
	rc.Close()
	if string(got) != "456" {
		t.Fatalf("unexpected range body: %q", got)
	}

	info, err := s.Stat(ctx, "pics/cat_1_abcd1234.png")
	if err != nil {
		t.Fatalf("Stat returned error: %v", err)
	}
	if info.Size != int64(len(payload)) || info.ContentType != "image/png" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if info.Metadata[storage.MetaOriginalFilename] != "cat.png" {
		t.Fatalf("metadata not preserved: %+v", info.Metadata)
	}

	if err := s.Delete(ctx, "pics/cat_1_abcd1234.png"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if _, err := s.Stat(ctx, "pics/cat_1_abcd1234.png"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, "pics/cat_1_abcd1234.png"); err != nil {
		t.Fatalf("second delete should be a no-op, got %v", err)
	}
}

func TestStore_KeyCannotEscapeBaseDir(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "")

	path, err := s.resolve("../../etc/passwd")
	if err != nil {
		t.Fatalf("resolve returned error: %v", err)
	}
	if !bytes.HasPrefix([]byte(path), []byte(dir)) {
		t.Fatalf("resolved path %s escapes %s", path, dir)
	}
}

func TestStore_ReadMissing(t *testing.T) {
	s := New(t.TempDir(), "")
	if _, err := s.Read(context.Background(), "missing.bin"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_SidecarsAndTempFilesAreNotObjects(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := New(dir, "")

	payload := []byte("png bytes")
	if _, err := s.Write(ctx, "pics/secret_1_abcd1234.png", bytes.NewReader(payload), storage.WriteOptions{
		ContentType: "image/png",
		Metadata:    map[string]string{storage.MetaUploadUser: "alice@example.com"},
	}); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	for _, key := range []string{
		"pics/secret_1_abcd1234.png.meta.json",
		"pics/secret_1_abcd1234.png.json",
		".meta/pics/secret_1_abcd1234.png.json",
		"/.meta/pics/secret_1_abcd1234.png.json",
		".tmp/upload-1",
	} {
		if _, err := s.Stat(ctx, key); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("Stat(%q) should be ErrNotFound, got %v", key, err)
		}
		if _, err := s.Read(ctx, key); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("Read(%q) should be ErrNotFound, got %v", key, err)
		}
		if _, err := s.ReadRange(ctx, key, 0, 1); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("ReadRange(%q) should be ErrNotFound, got %v", key, err)
		}
	}

	if _, err := s.Write(ctx, ".meta/evil.json", bytes.NewReader(payload), storage.WriteOptions{}); err == nil {
		t.Fatal("writing into the metadata directory must fail")
	}

	entries, err := os.ReadDir(filepath.Join(dir, "pics"))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "secret_1_abcd1234.png" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("object directory should hold only the object, got %v", names)
	}

	info, err := s.Stat(ctx, "pics/secret_1_abcd1234.png")
	if err != nil || info.Metadata[storage.MetaUploadUser] != "alice@example.com" {
		t.Fatalf("metadata should still be readable through Stat: %+v, %v", info, err)
	}
}
