package service

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"assetvault/internal/logging"
	"assetvault/internal/repository"
	"assetvault/internal/storage"
	"assetvault/internal/storage/local"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDelivery_ResolveAndRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	up := f.mustUpload(t, "/", nil, memFile("movie.mp4", "video/mp4", []byte("0123456789")))[0]

	asset, err := f.delivery.Resolve(ctx, "/"+up.Key)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if asset.Orphan() || asset.MimeType != "video/mp4" || asset.Size != 10 || asset.Filename != "movie.mp4" {
		t.Fatalf("unexpected asset: %+v", asset)
	}
	if f.cache.Len() != 1 {
		t.Fatal("resolved record should be cached")
	}

	rc, err := f.delivery.Open(ctx, asset, &ByteRange{Start: 2, End: 5})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "2345" {
		t.Fatalf("unexpected range bytes %q", data)
	}

	all, err := f.delivery.ReadAll(ctx, asset)
	if err != nil || string(all) != "0123456789" {
		t.Fatalf("ReadAll = %q (%v)", all, err)
	}
}

func TestDelivery_LazyExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	up := f.mustUpload(t, "/", seconds(30), memFile("a.png", "image/png", []byte("png")))[0]

	if _, err := f.delivery.Resolve(ctx, up.Key); err != nil {
		t.Fatalf("Resolve before expiry returned error: %v", err)
	}

	// 缓存里的记录同样要按当前时间判断是否过期
	f.clock.Advance(31 * time.Second)
	_, err := f.delivery.Resolve(ctx, up.Key)
	expectKind(t, err, KindGone)

	rec := rawRecord(t, f, up.ID)
	if !rec.IsExpired || rec.Purged {
		t.Fatalf("record should be marked expired: %+v", rec)
	}
	if !f.store.Has(up.Key) {
		t.Fatal("lazy expiry must not delete the object")
	}
	_, err = f.delivery.Resolve(ctx, up.Key)
	expectKind(t, err, KindGone)
}

func TestDelivery_OrphanObjectIsServed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.Put("legacy/report.pdf", []byte("%PDF"), "")

	asset, err := f.delivery.Resolve(ctx, "legacy/report.pdf")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if !asset.Orphan() || asset.MimeType != "application/pdf" || asset.Filename != "report.pdf" {
		t.Fatalf("unexpected orphan asset: %+v", asset)
	}

	_, err = f.delivery.Resolve(ctx, "legacy/missing.pdf")
	expectKind(t, err, KindNotFound)
}

func TestDelivery_MissingObjectIsIntegrityMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	now := f.clock.Now()
	rec, err := f.files.Create(ctx, &repository.FileRecord{
		StorageKey: "ghost_1.png",
		Filename:   "ghost.png",
		Path:       "/",
		MimeType:   "image/png",
		Size:       10,
		IsImage:    true,
		UploadUser: "tester",
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	_, err = f.delivery.Resolve(ctx, rec.StorageKey)
	expectKind(t, err, KindIntegrityMismatch)
}

func TestDelivery_StoreSizeWinsOverCatalogSize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	now := f.clock.Now()
	f.store.Put("docs/short_1.txt", []byte("0123456789"), "text/plain")
	if _, err := f.files.Create(ctx, &repository.FileRecord{
		StorageKey: "docs/short_1.txt",
		Filename:   "short.txt",
		Path:       "/docs",
		MimeType:   "text/plain",
		Size:       99,
		UploadUser: "tester",
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	before := testutil.ToFloat64(integrityMismatchTotal.WithLabelValues("size"))
	asset, err := f.delivery.Resolve(ctx, "docs/short_1.txt")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if asset.Size != 10 || asset.Record == nil || asset.Record.Size != 99 {
		t.Fatalf("asset size should come from the store: %+v", asset)
	}
	if got := testutil.ToFloat64(integrityMismatchTotal.WithLabelValues("size")) - before; got != 1 {
		t.Fatalf("size mismatch should be counted once, got %v", got)
	}

	data, err := f.delivery.ReadAll(ctx, asset)
	if err != nil || string(data) != "0123456789" {
		t.Fatalf("ReadAll = %q (%v)", data, err)
	}
}

func TestDelivery_LocalSidecarsAreNotOrphans(t *testing.T) {
	ctx := context.Background()
	store := local.New(t.TempDir(), "")
	f := newFixture(t)
	delivery := NewDeliveryService(f.files, store, f.cache, logging.Discard())

	key := "pics/secret_1_abcd1234.png"
	if _, err := store.Write(ctx, key, bytes.NewReader([]byte("png")), storage.WriteOptions{
		ContentType: "image/png",
		Size:        3,
		Metadata: map[string]string{
			storage.MetaOriginalFilename: "secret.png",
			storage.MetaUploadUser:       "alice@example.com",
		},
	}); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	for _, hidden := range []string{key + ".meta.json", ".meta/" + key + ".json", ".tmp/upload-1"} {
		_, err := delivery.Resolve(ctx, hidden)
		expectKind(t, err, KindNotFound)
	}

	asset, err := delivery.Resolve(ctx, key)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if !asset.Orphan() || asset.Filename != "secret.png" || asset.MimeType != "image/png" {
		t.Fatalf("unexpected orphan asset: %+v", asset)
	}
}

func TestDelivery_StaleCacheFallsBackToCatalog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	up := f.mustUpload(t, "/", nil, memFile("a.png", "image/png", []byte("png")))[0]

	if _, err := f.delivery.Resolve(ctx, up.Key); err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}

	// 模拟另一个实例已删除文件：缓存仍有记录
	if err := f.store.Delete(ctx, up.Key); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if err := f.files.Transition(ctx, up.ID, repository.StatePurged, f.clock.Now()); err != nil {
		t.Fatalf("Transition returned error: %v", err)
	}

	_, err := f.delivery.Resolve(ctx, up.Key)
	expectKind(t, err, KindNotFound)
}

func TestDelivery_RejectsTraversalKeys(t *testing.T) {
	f := newFixture(t)
	for _, key := range []string{"", "/", "a/../b", "a//b", "./a"} {
		_, err := f.delivery.Resolve(context.Background(), key)
		expectKind(t, err, KindNotFound)
	}
}

func TestParseRange(t *testing.T) {
	cases := []struct {
		header string
		size   int64
		want   *ByteRange
		kind   Kind
	}{
		{"", 100, nil, ""},
		{"bytes=0-9", 100, &ByteRange{0, 9}, ""},
		{"bytes=90-", 100, &ByteRange{90, 99}, ""},
		{"bytes=-10", 100, &ByteRange{90, 99}, ""},
		{"bytes=-500", 100, &ByteRange{0, 99}, ""},
		{"bytes=50-1000", 100, &ByteRange{50, 99}, ""},
		{"bytes=100-", 100, nil, KindRangeNotSatisfiable},
		{"bytes=-0", 100, nil, KindRangeNotSatisfiable},
		{"bytes=0-", 0, nil, KindRangeNotSatisfiable},
		{"bytes=0-1,4-5", 100, nil, KindBadRequest},
		{"items=0-1", 100, nil, KindBadRequest},
		{"bytes=9-1", 100, nil, KindBadRequest},
		{"bytes=abc", 100, nil, KindBadRequest},
	}
	for _, tc := range cases {
		got, err := ParseRange(tc.header, tc.size)
		if tc.kind != "" {
			if KindOf(err) != tc.kind {
				t.Fatalf("ParseRange(%q, %d) error kind = %s, want %s", tc.header, tc.size, KindOf(err), tc.kind)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseRange(%q, %d) returned error: %v", tc.header, tc.size, err)
		}
		if (got == nil) != (tc.want == nil) || (got != nil && *got != *tc.want) {
			t.Fatalf("ParseRange(%q, %d) = %+v, want %+v", tc.header, tc.size, got, tc.want)
		}
	}

	r := ByteRange{Start: 0, End: 9}
	if r.Length() != 10 || r.ContentRange(100) != "bytes 0-9/100" {
		t.Fatalf("unexpected range helpers: %d %s", r.Length(), r.ContentRange(100))
	}
}

func TestContentDisposition(t *testing.T) {
	if got := ContentDisposition("cat.png", "image/png", false); got != `inline; filename="cat.png"; filename*=UTF-8''cat.png` {
		t.Fatalf("unexpected inline header: %s", got)
	}
	if got := ContentDisposition("cat.png", "image/png", true); !strings.HasPrefix(got, "attachment;") {
		t.Fatalf("download must force attachment: %s", got)
	}
	if got := ContentDisposition("notes.pdf", "application/pdf", false); !strings.HasPrefix(got, "attachment;") {
		t.Fatalf("documents are served as attachment: %s", got)
	}

	got := ContentDisposition(`报告 "v1".pdf`, "application/pdf", false)
	if !strings.Contains(got, `filename="__ _v1_.pdf"`) {
		t.Fatalf("unexpected ascii fallback: %s", got)
	}
	if !strings.Contains(got, "filename*=UTF-8''%E6%8A%A5%E5%91%8A%20%22v1%22.pdf") {
		t.Fatalf("unexpected RFC 5987 value: %s", got)
	}
}
