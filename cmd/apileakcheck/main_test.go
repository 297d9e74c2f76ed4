package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writePackage(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, src := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644); err != nil {
			t.Fatalf("WriteFile(%s) error = %v", name, err)
		}
	}
	return dir
}

func TestRootPackageHasNoLeaks(t *testing.T) {
	leaks, err := checkDir(filepath.Join("..", ".."))
	if err != nil {
		t.Fatalf("checkDir() error = %v", err)
	}
	for _, l := range leaks {
		t.Errorf("LEAK: %s:%d: %s", l.file, l.line, l.msg)
	}
}

func TestDetectsLeaks(t *testing.T) {
	dir := writePackage(t, map[string]string{
		"api.go": `package api

import (
	"example.com/m/internal/table"
	. "example.com/m/internal/status"
)

type Reader = table.Reader

type Options struct {
	Public  *table.Options
	private *table.Options
}

type VersionSet struct{}

func Open(o table.Options) error { return nil }

func helper(o table.Options) {}

type hidden struct{}

func (hidden) Exported(o table.Options) {}

var Default table.Options

var _ = ErrCorruption
`,
		"api_test.go": `package api

import "example.com/m/internal/table"

func Leaky(table.Options) {}
`,
	})

	leaks, err := checkDir(dir)
	if err != nil {
		t.Fatalf("checkDir() error = %v", err)
	}
	var msgs []string
	for _, l := range leaks {
		msgs = append(msgs, l.msg)
	}
	got := strings.Join(msgs, "\n")

	for _, want := range []string{
		"dot-import of internal package",
		"exported field Options.Public",
		"exported machinery type VersionSet",
		"exported func Open",
		"exported value Default",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("leaks missing %q:\n%s", want, got)
		}
	}
	for _, unwanted := range []string{"Reader", "private", "helper", "Exported", "Leaky"} {
		if strings.Contains(got, unwanted) {
			t.Errorf("unexpected leak mentioning %q:\n%s", unwanted, got)
		}
	}
	if len(leaks) != 5 {
		t.Errorf("got %d leaks, want 5:\n%s", len(leaks), got)
	}
}

func TestCheckDirParseError(t *testing.T) {
	dir := writePackage(t, map[string]string{"bad.go": "package bad\nfunc {"})
	if _, err := checkDir(dir); err == nil {
		t.Fatal("checkDir() succeeded on a file that does not parse")
	}
}
