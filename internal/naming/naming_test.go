package naming

import (
	"regexp"
	"testing"
	"time"
)

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"":           "/",
		"/":          "/",
		"a":          "/a",
		"/a/b/":      "/a/b",
		"//a///b":    "/a/b",
		`\a\b`:       "/a/b",
		" /pics/ ":   "/pics",
		"/图片/2024": "/图片/2024",
	}
	for in, want := range cases {
		got, err := NormalizePath(in)
		if err != nil {
			t.Fatalf("NormalizePath(%q) returned error: %v", in, err)
		}
		if got != want {
			t.Fatalf("NormalizePath(%q) = %q, want %q", in, got, want)
		}
	}

	for _, bad := range []string{"/a/../b", "./a", "/.."} {
		if _, err := NormalizePath(bad); err != ErrInvalidPath {
			t.Fatalf("NormalizePath(%q) expected ErrInvalidPath, got %v", bad, err)
		}
	}
}

func TestSanitizeBase(t *testing.T) {
	cases := map[string]string{
		"my photo (1)":     "my_photo_1",
		"__a__b__":         "a_b",
		"报告[最终版]":          "报告_最终版",
		"héllo wörld!":     "hllo_wrld",
		"!!!":              "file",
		"keep-dash_under":  "keep-dash_under",
		"tabs\tand\nlines": "tabs_and_lines",
	}
	for in, want := range cases {
		if got := SanitizeBase(in); got != want {
			t.Fatalf("SanitizeBase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSplitExt(t *testing.T) {
	tests := []struct {
		in, base, ext string
	}{
		{"cat.PNG", "cat", "png"},
		{"archive.tar.gz", "archive.tar", "gz"},
		{"README", "README", ""},
		{".env", ".env", ""},
		{"dir/sub/clip.MP4", "clip", "mp4"},
		{"trailing.", "trailing", ""},
	}
	for _, tt := range tests {
		base, ext := SplitExt(tt.in)
		if base != tt.base || ext != tt.ext {
			t.Fatalf("SplitExt(%q) = (%q, %q), want (%q, %q)", tt.in, base, ext, tt.base, tt.ext)
		}
	}
}

func TestStorageKey_Format(t *testing.T) {
	now := time.UnixMilli(1700000000123)

	key := StorageKey("Cat Photo.PNG", "/pics/2024", now)
	pattern := regexp.MustCompile(`^pics/2024/Cat_Photo_1700000000123_[0-9a-f]{8}\.png$`)
	if !pattern.MatchString(key) {
		t.Fatalf("unexpected key format: %s", key)
	}

	root := StorageKey("notes", "/", now)
	if !regexp.MustCompile(`^notes_1700000000123_[0-9a-f]{8}$`).MatchString(root) {
		t.Fatalf("unexpected root key: %s", root)
	}
}

func TestStorageKey_UniqueWithinSameMillisecond(t *testing.T) {
	now := time.Now()
	seen := make(map[string]struct{}, 500)
	for i := 0; i < 500; i++ {
		key := StorageKey("cat.png", "/pics", now)
		if _, dup := seen[key]; dup {
			t.Fatalf("duplicate key generated: %s", key)
		}
		seen[key] = struct{}{}
	}
}

func TestAncestorsAndParent(t *testing.T) {
	got := Ancestors("/a/b/c")
	want := []string{"/a", "/a/b", "/a/b/c"}
	if len(got) != len(want) {
		t.Fatalf("Ancestors length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Ancestors[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if Ancestors("/") != nil {
		t.Fatal("root should have no ancestors")
	}
	if ParentPath("/a/b") != "/a" || ParentPath("/a") != "/" || ParentPath("/") != "/" {
		t.Fatal("ParentPath returned unexpected value")
	}
	if JoinPath("/", "x") != "/x" || JoinPath("/a", "x") != "/a/x" {
		t.Fatal("JoinPath returned unexpected value")
	}
}
