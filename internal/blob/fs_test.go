package blob

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestFSStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	url, err := s.Put(ctx, "covers/u1.jpg", []byte("jpeg"), "image/jpeg")
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if !strings.HasPrefix(url, "file://") || !strings.HasSuffix(url, "/covers/u1.jpg") {
		t.Errorf("url = %q", url)
	}

	got, err := s.Get(ctx, url)
	if err != nil || string(got) != "jpeg" {
		t.Fatalf("Get() = %q, %v", got, err)
	}

	signed, err := s.Presign(ctx, url, 0)
	if err != nil || signed != url {
		t.Errorf("Presign() = %q, %v", signed, err)
	}

	// Overwrite keeps one object.
	if _, err := s.Put(ctx, "covers/u1.jpg", []byte("png"), "image/png"); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Get(ctx, url); string(got) != "png" {
		t.Errorf("Get() after overwrite = %q", got)
	}
}

func TestFSStore_Errors(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewFSStore(root)
	if err != nil {
		t.Fatal(err)
	}

	missing := "file://" + filepath.ToSlash(filepath.Join(root, "covers", "nope.jpg"))
	if _, err := s.Get(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}

	for _, u := range []string{
		"s3://snapshelf/covers/u1.jpg",
		"file:///etc/passwd",
		"file://" + filepath.ToSlash(root) + "/../outside.jpg",
	} {
		if _, err := s.Get(ctx, u); !errors.Is(err, ErrForeignURL) {
			t.Errorf("Get(%q) = %v, want ErrForeignURL", u, err)
		}
	}

	url, err := s.Put(ctx, "../../escape.jpg", []byte("x"), "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(url, "file://"+filepath.ToSlash(root)+"/") {
		t.Errorf("key escaped the root: %q", url)
	}
	if _, err := s.Put(ctx, "/", []byte("x"), ""); err == nil {
		t.Error("expected error for empty key")
	}
	if _, err := NewFSStore(""); err == nil {
		t.Error("expected error without a directory")
	}
}

func TestNew(t *testing.T) {
	s, err := New(context.Background(), Config{Driver: "fs", Dir: t.TempDir()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*FSStore); !ok {
		t.Errorf("New(fs) = %T", s)
	}
	if _, err := New(context.Background(), Config{Driver: "gcs"}, nil); err == nil {
		t.Error("expected error for unknown driver")
	}
}
