package symtab

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolverLocatePrefersBuildIDCache(t *testing.T) {
	dir := t.TempDir()
	buildIDDir := filepath.Join(dir, "debughome")
	cachePath := filepath.Join(buildIDDir, ".build-id", "ab", "cdef0123")
	if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cachePath, []byte("elf"), 0o644); err != nil {
		t.Fatal(err)
	}

	appPath := filepath.Join(dir, "app")
	if err := os.WriteFile(appPath, []byte("elf"), 0o644); err != nil {
		t.Fatal(err)
	}

	res := NewResolver(buildIDDir, "", "", nil)
	got, err := res.locate(appPath, "abcdef0123")
	if err != nil {
		t.Fatal(err)
	}
	if got != cachePath {
		t.Errorf("locate = %q, want build-id cache path %q", got, cachePath)
	}
}

func TestResolverLocateFallsBackToOriginalPath(t *testing.T) {
	dir := t.TempDir()
	appPath := filepath.Join(dir, "app")
	if err := os.WriteFile(appPath, []byte("elf"), 0o644); err != nil {
		t.Fatal(err)
	}

	res := NewResolver(filepath.Join(dir, "nonexistent-debughome"), "", "", nil)
	got, err := res.locate(appPath, "")
	if err != nil {
		t.Fatal(err)
	}
	if got != appPath {
		t.Errorf("locate = %q, want %q", got, appPath)
	}
}

func TestResolverLocateSearchesAppDirBeforeExtraDirs(t *testing.T) {
	dir := t.TempDir()
	appDir := filepath.Join(dir, "app-install")
	if err := os.MkdirAll(appDir, 0o755); err != nil {
		t.Fatal(err)
	}
	wanted := filepath.Join(appDir, "libfoo.so")
	if err := os.WriteFile(wanted, []byte("elf"), 0o644); err != nil {
		t.Fatal(err)
	}

	extra := filepath.Join(dir, "extra")
	if err := os.MkdirAll(extra, 0o755); err != nil {
		t.Fatal(err)
	}
	decoy := filepath.Join(extra, "libfoo.so")
	if err := os.WriteFile(decoy, []byte("elf"), 0o644); err != nil {
		t.Fatal(err)
	}

	res := NewResolver("", appDir, "", []string{extra})
	got, err := res.locate("/original/path/libfoo.so", "")
	if err != nil {
		t.Fatal(err)
	}
	if got != wanted {
		t.Errorf("locate = %q, want app-dir match %q (ahead of extra-dirs match %q)", got, wanted, decoy)
	}
}

func TestResolverLocateSearchesExtraDirs(t *testing.T) {
	dir := t.TempDir()
	extra := filepath.Join(dir, "extra", "nested")
	if err := os.MkdirAll(extra, 0o755); err != nil {
		t.Fatal(err)
	}
	found := filepath.Join(extra, "app")
	if err := os.WriteFile(found, []byte("elf"), 0o644); err != nil {
		t.Fatal(err)
	}

	res := NewResolver("", "", "", []string{filepath.Join(dir, "extra")})
	got, err := res.locate("/original/path/app", "")
	if err != nil {
		t.Fatal(err)
	}
	if got != found {
		t.Errorf("locate = %q, want %q", got, found)
	}
}

func TestResolverLocateFails(t *testing.T) {
	res := NewResolver("", "", "", nil)
	if _, err := res.locate("/does/not/exist", ""); err == nil {
		t.Error("expected an error when nothing matches")
	}
}
