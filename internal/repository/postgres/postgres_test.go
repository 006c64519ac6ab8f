package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strconv"
	"testing"
	"time"

	"assetvault/internal/config"
	"assetvault/internal/database"
	"assetvault/internal/logging"
	"assetvault/internal/repository"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDB 启动 PostgreSQL 容器并应用迁移。未设置 TEST_INTEGRATION 时跳过。
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION is not set")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"docker.io/postgres:16-alpine",
		tcpostgres.WithDatabase("assetvault_test"),
		tcpostgres.WithUsername("assetvault"),
		tcpostgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	portNum, _ := strconv.Atoi(port.Port())

	cfg := &config.Config{
		DBHost:     host,
		DBPort:     portNum,
		DBUser:     "assetvault",
		DBPassword: "test-password",
		DBName:     "assetvault_test",
		DBSSLMode:  "disable",
	}

	logger := logging.Discard()
	if err := database.Migrate(cfg.MigrateURL(), database.Up, logger); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	db, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newRecord(key, path string, size int64, expiresAt *time.Time, now time.Time) *repository.FileRecord {
	return &repository.FileRecord{
		StorageKey: key,
		Filename:   key,
		Path:       path,
		MimeType:   "text/plain",
		Extension:  ".txt",
		Size:       size,
		ExpiresAt:  expiresAt,
		UploadUser: "tester",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestFileRepositoryLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := NewFileRepository(db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	past := now.Add(-time.Minute)
	soon := now.Add(time.Hour)

	expired, err := repo.Create(ctx, newRecord("a/old.txt", "/a", 10, &past, now))
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if expired.ID == 0 {
		t.Fatal("expected generated id")
	}
	if _, err := repo.Create(ctx, newRecord("a/soon.txt", "/a", 20, &soon, now)); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := repo.Create(ctx, newRecord("a/old.txt", "/a", 1, nil, now)); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("duplicate key should conflict, got %v", err)
	}

	stats, err := repo.ExpiryStats(ctx, now, now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("ExpiryStats() error: %v", err)
	}
	if stats.ExpiredCount != 1 || stats.ExpiredSize != 10 || stats.ExpiringSoon != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	batch, err := repo.ListExpired(ctx, now, 10)
	if err != nil || len(batch) != 1 || batch[0].ID != expired.ID {
		t.Fatalf("ListExpired() = %v, %v", batch, err)
	}

	if err := repo.Transition(ctx, expired.ID, repository.StateExpired, now); err != nil {
		t.Fatalf("Transition(expired) error: %v", err)
	}
	revive := now.Add(time.Hour)
	if _, err := repo.Update(ctx, expired.ID, repository.FileUpdate{SetExpiry: true, ExpiresAt: &revive}, now); !errors.Is(err, repository.ErrInvalidTransition) {
		t.Fatalf("expired record must not be revived, got %v", err)
	}

	if err := repo.Transition(ctx, expired.ID, repository.StatePurged, now); err != nil {
		t.Fatalf("Transition(purged) error: %v", err)
	}
	if _, err := repo.GetByKey(ctx, "a/old.txt"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("purged record should be hidden, got %v", err)
	}
	if err := repo.Transition(ctx, expired.ID, repository.StatePurged, now); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("second purge should report not found, got %v", err)
	}

	n, err := repo.CountInPath(ctx, "/a")
	if err != nil || n != 1 {
		t.Fatalf("CountInPath() = %d, %v", n, err)
	}
}

func TestFileRepositoryListAndUpdate(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := NewFileRepository(db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	for i, name := range []string{"b.txt", "a_100%.txt", "c.txt"} {
		rec := newRecord("docs/"+name, "/docs", int64(i+1), nil, now.Add(time.Duration(i)*time.Second))
		rec.Filename = name
		if _, err := repo.Create(ctx, rec); err != nil {
			t.Fatalf("Create(%s) error: %v", name, err)
		}
	}

	files, total, err := repo.List(ctx, repository.ListFilesParams{
		Path: "/docs", Search: "100%", SortBy: repository.SortByFilename, Ascending: true, Page: 1, Limit: 10,
	})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if total != 1 || len(files) != 1 || files[0].Filename != "a_100%.txt" {
		t.Fatalf("search must treat %% and _ literally, got %d %+v", total, files)
	}

	files, total, err = repo.List(ctx, repository.ListFilesParams{
		Path: "/docs", SortBy: repository.SortBySize, Page: 2, Limit: 2,
	})
	if err != nil || total != 3 || len(files) != 1 || files[0].Size != 1 {
		t.Fatalf("page 2 = %+v, total %d, err %v", files, total, err)
	}

	name := "renamed.txt"
	moved := "/archive"
	updated, err := repo.Update(ctx, files[0].ID, repository.FileUpdate{Filename: &name, Path: &moved}, now)
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if updated.Filename != name || updated.Path != moved || updated.StorageKey != "docs/b.txt" {
		t.Fatalf("unexpected update result %+v", updated)
	}

	if err := repo.Delete(ctx, updated.ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := repo.GetByID(ctx, updated.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("deleted row should be gone, got %v", err)
	}
}

func TestFolderRepositoryRenameCascade(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	folders := NewFolderRepository(db)
	files := NewFileRepository(db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	parent, err := folders.Create(ctx, &repository.FolderRecord{Name: "photos", Path: "/photos", ParentPath: "/", CreatedAt: now, UpdatedAt: now})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := folders.Create(ctx, &repository.FolderRecord{Name: "2024", Path: "/photos/2024", ParentPath: "/photos", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("Create(child) error: %v", err)
	}
	if _, err := folders.Create(ctx, &repository.FolderRecord{Name: "photos", Path: "/photos", ParentPath: "/", CreatedAt: now, UpdatedAt: now}); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("duplicate path should conflict, got %v", err)
	}
	// 前缀相同但不属于子树的目录不受影响
	if _, err := folders.Create(ctx, &repository.FolderRecord{Name: "photos-old", Path: "/photos-old", ParentPath: "/", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("Create(sibling) error: %v", err)
	}
	rec, err := files.Create(ctx, newRecord("photos/2024/x.txt", "/photos/2024", 1, nil, now))
	if err != nil {
		t.Fatalf("Create(file) error: %v", err)
	}

	n, err := folders.CountChildren(ctx, "/photos")
	if err != nil || n != 1 {
		t.Fatalf("CountChildren() = %d, %v", n, err)
	}

	renamed, err := folders.Rename(ctx, parent.ID, "pictures", now)
	if err != nil {
		t.Fatalf("Rename() error: %v", err)
	}
	if renamed.Path != "/pictures" {
		t.Fatalf("unexpected path %s", renamed.Path)
	}

	child, err := folders.GetByPath(ctx, "/pictures/2024")
	if err != nil || child.ParentPath != "/pictures" {
		t.Fatalf("child folder not moved: %+v, %v", child, err)
	}
	if _, err := folders.GetByPath(ctx, "/photos-old"); err != nil {
		t.Fatalf("sibling folder must keep its path: %v", err)
	}
	movedFile, err := files.GetByID(ctx, rec.ID)
	if err != nil || movedFile.Path != "/pictures/2024" || movedFile.StorageKey != "photos/2024/x.txt" {
		t.Fatalf("file path not cascaded or key changed: %+v, %v", movedFile, err)
	}

	listed, err := folders.ListChildren(ctx, "/")
	if err != nil || len(listed) != 2 {
		t.Fatalf("ListChildren() = %+v, %v", listed, err)
	}

	if err := folders.DeleteIfEmpty(ctx, child.ID); !errors.Is(err, repository.ErrNotEmpty) {
		t.Fatalf("folder holding a file must not be deleted, got %v", err)
	}
	if err := folders.DeleteIfEmpty(ctx, renamed.ID); !errors.Is(err, repository.ErrNotEmpty) {
		t.Fatalf("folder with a subfolder must not be deleted, got %v", err)
	}
	if err := files.Transition(ctx, rec.ID, repository.StatePurged, now); err != nil {
		t.Fatalf("Transition(purged) error: %v", err)
	}
	if err := folders.DeleteIfEmpty(ctx, child.ID); err != nil {
		t.Fatalf("DeleteIfEmpty() with only purged files error: %v", err)
	}
	if err := folders.DeleteIfEmpty(ctx, child.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("second delete should report not found, got %v", err)
	}
}
