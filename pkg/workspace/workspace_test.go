package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLayout_Dirs(t *testing.T) {
	l := New("/srv/app")
	want := []string{
		"/srv/app/server/static/images",
		"/srv/app/server/static/output",
		"/srv/app/server/static/temp",
	}
	if diff := cmp.Diff(want, l.Dirs()); diff != "" {
		t.Errorf("Dirs() mismatch (-want +got):\n%s", diff)
	}
	if got := New("").StaticDir(); got != filepath.Join("server", "static") {
		t.Errorf("empty root StaticDir() = %q", got)
	}
}

func TestLayout_EnsureIsIdempotent(t *testing.T) {
	l := New(t.TempDir())

	created, err := l.Ensure()
	if err != nil {
		t.Fatalf("first Ensure failed: %v", err)
	}
	if diff := cmp.Diff(l.Dirs(), created); diff != "" {
		t.Errorf("first Ensure created (-want +got):\n%s", diff)
	}
	for _, dir := range l.Dirs() {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("%s was not created: %v", dir, err)
		}
	}

	created, err = l.Ensure()
	if err != nil {
		t.Fatalf("second Ensure failed: %v", err)
	}
	if len(created) != 0 {
		t.Errorf("second Ensure should create nothing, created %v", created)
	}
}

func TestLayout_EnsurePartial(t *testing.T) {
	l := New(t.TempDir())
	if err := os.MkdirAll(l.OutputDir(), 0755); err != nil {
		t.Fatal(err)
	}
	created, err := l.Ensure()
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	want := []string{l.ImagesDir(), l.TempDir()}
	if diff := cmp.Diff(want, created); diff != "" {
		t.Errorf("Ensure created (-want +got):\n%s", diff)
	}
}

func TestLayout_EnsureFileInTheWay(t *testing.T) {
	l := New(t.TempDir())
	if err := os.MkdirAll(l.StaticDir(), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(l.ImagesDir(), []byte("not a dir"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Ensure(); !errors.Is(err, ErrNotDirectory) {
		t.Errorf("expected ErrNotDirectory, got %v", err)
	}
}

func TestLayout_CleanTemp(t *testing.T) {
	l := New(t.TempDir())
	if n, err := l.CleanTemp(time.Hour); err != nil || n != 0 {
		t.Fatalf("CleanTemp on missing dir = %d, %v", n, err)
	}
	if _, err := l.Ensure(); err != nil {
		t.Fatal(err)
	}

	stale := filepath.Join(l.TempDir(), "stale.png")
	fresh := filepath.Join(l.TempDir(), "fresh.png")
	for _, p := range []string{stale, fresh} {
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(l.TempDir(), "subdir"), 0755); err != nil {
		t.Fatal(err)
	}

	n, err := l.CleanTemp(time.Hour)
	if err != nil {
		t.Fatalf("CleanTemp failed: %v", err)
	}
	if n != 1 {
		t.Errorf("CleanTemp removed %d files, want 1", n)
	}
	if _, err := os.Stat(stale); !errors.Is(err, os.ErrNotExist) {
		t.Error("stale file should be gone")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh file should remain")
	}
}
