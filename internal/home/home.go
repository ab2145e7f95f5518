package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the snapshelf home directory.
	DefaultDirName = ".snapshelf"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"

	// DatabaseFileName is the SQLite store.
	DatabaseFileName = "snapshelf.db"

	BlobsDirName     = "blobs"
	DownloadsDirName = "downloads"
	SpoolDirName     = "spool"
	DefraDirName     = "defradb"
)

// Dir represents the snapshelf home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.snapshelf).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// DatabasePath returns the path to the SQLite database.
func (d *Dir) DatabasePath() string {
	return filepath.Join(d.path, DatabaseFileName)
}

// BlobsDir is the root of the filesystem blob store.
func (d *Dir) BlobsDir() string {
	return filepath.Join(d.path, BlobsDirName)
}

// DownloadsDir holds book files while the extraction stage reads them.
func (d *Dir) DownloadsDir() string {
	return filepath.Join(d.path, DownloadsDirName)
}

// SpoolDir holds submitted images until the ingest stage stores them.
func (d *Dir) SpoolDir() string {
	return filepath.Join(d.path, SpoolDirName)
}

// DefraDataPath is the DefraDB container's data volume.
func (d *Dir) DefraDataPath() string {
	return filepath.Join(d.path, DefraDirName)
}

// EnsureExists creates the home directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	for _, dir := range []string{d.BlobsDir(), d.DownloadsDir(), d.SpoolDir(), d.DefraDataPath()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}
