package identity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writePackagesList(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "packages.list")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing packages list: %v", err)
	}
	return path
}

func TestFileResolver_Resolve(t *testing.T) {
	path := writePackagesList(t, `
# comment line
com.example.terminal 10140 Terminal /data/icons/terminal.png
com.example.files 10141
`)
	r := NewFileResolver(path)

	id, err := r.Resolve(context.Background(), 10140)
	if err != nil {
		t.Fatalf("Resolve(10140) error: %v", err)
	}
	if id.PackageName != "com.example.terminal" {
		t.Errorf("package = %q, want com.example.terminal", id.PackageName)
	}
	if id.DisplayName != "Terminal" {
		t.Errorf("display = %q, want Terminal", id.DisplayName)
	}
	if id.IconPath != "/data/icons/terminal.png" {
		t.Errorf("icon = %q", id.IconPath)
	}

	// Entries without a display name fall back to the package name.
	id, err = r.Resolve(context.Background(), 10141)
	if err != nil {
		t.Fatalf("Resolve(10141) error: %v", err)
	}
	if id.DisplayName != "com.example.files" {
		t.Errorf("display = %q, want package name fallback", id.DisplayName)
	}
}

func TestFileResolver_NotFound(t *testing.T) {
	path := writePackagesList(t, "com.example.app 10140\n")
	r := NewFileResolver(path)

	_, err := r.Resolve(context.Background(), 99999)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileResolver_MissingFile(t *testing.T) {
	r := NewFileResolver(filepath.Join(t.TempDir(), "absent.list"))
	if _, err := r.Resolve(context.Background(), 1); err == nil {
		t.Fatal("expected error for missing packages list")
	}
}

func TestFileResolver_RereadsFile(t *testing.T) {
	path := writePackagesList(t, "com.example.app 10140\n")
	r := NewFileResolver(path)

	if _, err := r.Resolve(context.Background(), 10200); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before install, got %v", err)
	}

	// Simulate a package install between resolutions.
	content := "com.example.app 10140\ncom.example.newapp 10200 NewApp\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("rewriting packages list: %v", err)
	}

	id, err := r.Resolve(context.Background(), 10200)
	if err != nil {
		t.Fatalf("Resolve after install: %v", err)
	}
	if id.DisplayName != "NewApp" {
		t.Errorf("display = %q, want NewApp", id.DisplayName)
	}
}

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver(&Identity{UID: 1000, PackageName: "com.example.shell"})

	id, err := r.Resolve(context.Background(), 1000)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if id.PackageName != "com.example.shell" {
		t.Errorf("package = %q", id.PackageName)
	}

	if _, err := r.Resolve(context.Background(), 2000); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	r.Add(&Identity{UID: 2000, PackageName: "com.example.editor"})
	if _, err := r.Resolve(context.Background(), 2000); err != nil {
		t.Fatalf("Resolve after Add: %v", err)
	}
}
