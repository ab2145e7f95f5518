package home

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew(t *testing.T) {
	t.Run("with explicit path", func(t *testing.T) {
		dir, err := New("/tmp/test-snapshelf")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if dir.Path() != "/tmp/test-snapshelf" {
			t.Errorf("expected path /tmp/test-snapshelf, got %s", dir.Path())
		}
	})

	t.Run("with empty path uses default", func(t *testing.T) {
		dir, err := New("")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		home, _ := os.UserHomeDir()
		expected := filepath.Join(home, DefaultDirName)
		if dir.Path() != expected {
			t.Errorf("expected path %s, got %s", expected, dir.Path())
		}
	})
}

func TestDir_Paths(t *testing.T) {
	dir, _ := New("/tmp/test-snapshelf")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"ConfigPath", dir.ConfigPath(), "/tmp/test-snapshelf/config.yaml"},
		{"DatabasePath", dir.DatabasePath(), "/tmp/test-snapshelf/snapshelf.db"},
		{"BlobsDir", dir.BlobsDir(), "/tmp/test-snapshelf/blobs"},
		{"DownloadsDir", dir.DownloadsDir(), "/tmp/test-snapshelf/downloads"},
		{"SpoolDir", dir.SpoolDir(), "/tmp/test-snapshelf/spool"},
		{"DefraDataPath", dir.DefraDataPath(), "/tmp/test-snapshelf/defradb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, tt.got)
			}
		})
	}
}

func TestDir_EnsureExists(t *testing.T) {
	dir, _ := New(filepath.Join(t.TempDir(), "home"))
	if dir.Exists() {
		t.Fatal("home should not exist yet")
	}
	if err := dir.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists() error = %v", err)
	}
	for _, p := range []string{dir.BlobsDir(), dir.DownloadsDir(), dir.SpoolDir(), dir.DefraDataPath()} {
		if info, err := os.Stat(p); err != nil || !info.IsDir() {
			t.Errorf("%s not created: %v", p, err)
		}
	}
	if dir.ConfigExists() {
		t.Error("config should not exist")
	}
	if err := os.WriteFile(dir.ConfigPath(), []byte("server: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !dir.ConfigExists() {
		t.Error("config should exist")
	}
}
