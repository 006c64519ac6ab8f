package service

import (
	"context"
	"testing"

	"assetvault/internal/logging"
	"assetvault/internal/repository"
)

func TestFolders_CreateListAndConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.folders.CreateFolder(ctx, " photos ", "/")
	if err != nil {
		t.Fatalf("CreateFolder returned error: %v", err)
	}
	if created.Path != "/photos" || created.ParentPath != "/" || created.Name != "photos" {
		t.Fatalf("unexpected folder: %+v", created)
	}

	_, err = f.folders.CreateFolder(ctx, "photos", "/")
	expectKind(t, err, KindConflict)

	if _, err := f.folders.CreateFolder(ctx, "2024", "/photos"); err != nil {
		t.Fatalf("nested CreateFolder returned error: %v", err)
	}
	children, err := f.folders.ListFolders(ctx, "photos/")
	if err != nil {
		t.Fatalf("ListFolders returned error: %v", err)
	}
	if len(children) != 1 || children[0].Path != "/photos/2024" {
		t.Fatalf("unexpected children: %+v", children)
	}

	for _, bad := range []string{"", "a/b", "..", `x\y`} {
		_, err := f.folders.CreateFolder(ctx, bad, "/")
		expectKind(t, err, KindBadRequest)
	}
}

func TestFolders_DeleteRequiresEmptyFolder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	uploaded := f.mustUpload(t, "/docs", nil, memFile("a.pdf", "application/pdf", []byte("%PDF-1.4")))
	docs, err := f.db.Folders().GetByPath(ctx, "/docs")
	if err != nil {
		t.Fatalf("folder lookup failed: %v", err)
	}

	expectKind(t, f.folders.DeleteFolder(ctx, docs.ID), KindNotEmpty)

	if err := f.catalog.Delete(ctx, uploaded[0].ID); err != nil {
		t.Fatalf("catalog Delete returned error: %v", err)
	}
	if err := f.folders.DeleteFolder(ctx, docs.ID); err != nil {
		t.Fatalf("DeleteFolder on emptied folder returned error: %v", err)
	}
	expectKind(t, f.folders.DeleteFolder(ctx, docs.ID), KindNotFound)
}

// uploadDuringDelete 在目录被读出之后写入一个文件，模拟与删除并发完成的上传。
type uploadDuringDelete struct {
	repository.FolderRepository
	arrive func()
}

func (u *uploadDuringDelete) GetByID(ctx context.Context, id int64) (*repository.FolderRecord, error) {
	folder, err := u.FolderRepository.GetByID(ctx, id)
	if err == nil && u.arrive != nil {
		u.arrive()
	}
	return folder, err
}

// staleCounts 模拟读到旧快照的统计。
type staleCounts struct {
	repository.FileRepository
}

func (staleCounts) CountInPath(context.Context, string) (int, error) { return 0, nil }

func TestFolders_DeleteDecidesEmptinessAtDeleteTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	docs, err := f.folders.CreateFolder(ctx, "docs", "/")
	if err != nil {
		t.Fatalf("CreateFolder returned error: %v", err)
	}

	folders := &uploadDuringDelete{FolderRepository: f.db.Folders()}
	folders.arrive = func() {
		now := f.clock.Now()
		if _, err := f.files.Create(ctx, &repository.FileRecord{
			StorageKey: "docs/late_1.txt",
			Filename:   "late.txt",
			Path:       "/docs",
			MimeType:   "text/plain",
			Size:       1,
			UploadUser: "tester",
			CreatedAt:  now,
			UpdatedAt:  now,
		}); err != nil {
			t.Errorf("late upload failed: %v", err)
		}
		folders.arrive = nil
	}
	svc := NewFolderService(folders, staleCounts{f.files}, logging.Discard())

	expectKind(t, svc.DeleteFolder(ctx, docs.ID), KindNotEmpty)
	if _, err := f.db.Folders().GetByPath(ctx, "/docs"); err != nil {
		t.Fatalf("folder holding the late file must survive: %v", err)
	}
}

func TestFolders_DeleteRefusesSubfolders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parent, _ := f.folders.CreateFolder(ctx, "a", "/")
	if _, err := f.folders.CreateFolder(ctx, "b", "/a"); err != nil {
		t.Fatalf("CreateFolder returned error: %v", err)
	}
	expectKind(t, f.folders.DeleteFolder(ctx, parent.ID), KindNotEmpty)
}

func TestFolders_RenameCascadesAndDetectsConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, _ := f.folders.CreateFolder(ctx, "a", "/")
	if _, err := f.folders.CreateFolder(ctx, "c", "/a"); err != nil {
		t.Fatalf("CreateFolder returned error: %v", err)
	}
	if _, err := f.folders.CreateFolder(ctx, "b", "/"); err != nil {
		t.Fatalf("CreateFolder returned error: %v", err)
	}

	_, err := f.folders.RenameFolder(ctx, a.ID, "b")
	expectKind(t, err, KindConflict)

	renamed, err := f.folders.RenameFolder(ctx, a.ID, "z")
	if err != nil {
		t.Fatalf("RenameFolder returned error: %v", err)
	}
	if renamed.Path != "/z" {
		t.Fatalf("unexpected path %s", renamed.Path)
	}
	if _, err := f.db.Folders().GetByPath(ctx, "/z/c"); err != nil {
		t.Fatalf("child folder should move with its parent: %v", err)
	}

	_, err = f.folders.RenameFolder(ctx, 9999, "q")
	expectKind(t, err, KindNotFound)
}

func TestFolders_EnsurePathIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := f.folders.EnsurePath(ctx, "/x/y/z"); err != nil {
			t.Fatalf("EnsurePath run %d returned error: %v", i, err)
		}
	}
	root, err := f.folders.ListFolders(ctx, "/")
	if err != nil || len(root) != 1 || root[0].Name != "x" {
		t.Fatalf("unexpected root folders %+v (%v)", root, err)
	}
	leaf, err := f.db.Folders().GetByPath(ctx, "/x/y/z")
	if err != nil || leaf.ParentPath != "/x/y" || leaf.Name != "z" {
		t.Fatalf("unexpected leaf %+v (%v)", leaf, err)
	}
}
