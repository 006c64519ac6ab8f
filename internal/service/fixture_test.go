package service

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"assetvault/internal/logging"
	"assetvault/internal/repository"
	"assetvault/internal/repository/memory"
	memstore "assetvault/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	clock     *fakeClock
	db        *memory.Store
	files     *memory.FileRepository
	store     *memstore.Store
	cache     *RecordCache
	folders   *FolderService
	upload    *UploadService
	catalog   *CatalogService
	lifecycle *LifecycleService
	delivery  *DeliveryService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := logging.Discard()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	db := memory.New()
	files := db.Files()
	store := memstore.New()
	cache := NewRecordCache(64, time.Minute)

	f := &fixture{clock: clock, db: db, files: files, store: store, cache: cache}
	f.folders = NewFolderService(db.Folders(), files, logger)
	f.upload = NewUploadService(files, f.folders, store, UploadOptions{Concurrency: 4, Timeout: time.Second, PublicBaseURL: "http://cdn.test/"}, logger)
	f.catalog = NewCatalogService(files, f.folders, store, cache, logger)
	f.lifecycle = NewLifecycleService(files, store, cache, 100, logger)
	f.delivery = NewDeliveryService(files, store, cache, logger)

	f.folders.now = clock.Now
	f.upload.now = clock.Now
	f.catalog.now = clock.Now
	f.lifecycle.now = clock.Now
	f.delivery.now = clock.Now
	return f
}

func memFile(name, contentType string, data []byte) UploadFile {
	return UploadFile{
		Filename:    name,
		Size:        int64(len(data)),
		ContentType: contentType,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

func (f *fixture) mustUpload(t *testing.T, path string, expiresIn *int64, files ...UploadFile) []UploadedFile {
	t.Helper()
	res, err := f.upload.Upload(context.Background(), UploadRequest{Files: files, Path: path, ExpiresIn: expiresIn, UploadUser: "tester"})
	if err != nil {
		t.Fatalf("Upload returned error: %v", err)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected upload errors: %+v", res.Errors)
	}
	return res.Uploaded
}

func seconds(n int64) *int64 { return &n }

func expectKind(t *testing.T, err error, want Kind) {
	t.Helper()
	if got := KindOf(err); got != want {
		t.Fatalf("expected kind %s, got %s (%v)", want, got, err)
	}
}

func rawRecord(t *testing.T, f *fixture, id int64) repository.FileRecord {
	t.Helper()
	rec, ok := f.files.Raw(id)
	if !ok {
		t.Fatalf("record %d missing", id)
	}
	return rec
}
