// Package workspace prepares the on-disk layout the server expects: a static root
// with images, rendered output and scratch space.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// ErrNotDirectory is returned when a non-directory occupies a layout path.
var ErrNotDirectory = errors.New("path exists and is not a directory")

const dirPerm = 0755

// Layout describes the directory tree rooted at Root.
type Layout struct {
	Root string
}

// New returns the Layout rooted at root. An empty root means the working directory.
func New(root string) Layout {
	if root == "" {
		root = "."
	}
	return Layout{Root: root}
}

func (l Layout) StaticDir() string { return filepath.Join(l.Root, "server", "static") }
func (l Layout) ImagesDir() string { return filepath.Join(l.StaticDir(), "images") }
func (l Layout) OutputDir() string { return filepath.Join(l.StaticDir(), "output") }
func (l Layout) TempDir() string   { return filepath.Join(l.StaticDir(), "temp") }

// Dirs lists the leaf directories Ensure creates.
func (l Layout) Dirs() []string {
	return []string{l.ImagesDir(), l.OutputDir(), l.TempDir()}
}

// Ensure creates any missing layout directories and returns the ones it created.
// Directories that already exist are left alone, so repeated calls succeed.
func (l Layout) Ensure() ([]string, error) {
	var created []string
	for _, dir := range l.Dirs() {
		info, err := os.Stat(dir)
		switch {
		case err == nil && info.IsDir():
			continue
		case err == nil:
			return created, fmt.Errorf("%w: %s", ErrNotDirectory, dir)
		case !errors.Is(err, fs.ErrNotExist):
			return created, fmt.Errorf("stat %s: %w", dir, err)
		}
		if err = os.MkdirAll(dir, dirPerm); err != nil {
			return created, fmt.Errorf("create %s: %w", dir, err)
		}
		created = append(created, dir)
	}
	return created, nil
}

// CleanTemp removes regular files in the temp directory last modified more than
// olderThan ago and returns how many were removed. A missing temp directory is not an error.
func (l Layout) CleanTemp(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(l.TempDir())
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err = os.Remove(filepath.Join(l.TempDir(), e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
