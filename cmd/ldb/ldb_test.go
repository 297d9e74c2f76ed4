package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aalhour/lsmkv"
	"github.com/aalhour/lsmkv/internal/filename"
)

func createTestDB(t *testing.T, n int, flush bool) string {
	t.Helper()
	dir := t.TempDir()
	opts := lsmkv.DefaultOptions()
	opts.CreateIfMissing = true
	opts.Compression = lsmkv.NoCompression
	d, err := lsmkv.Open(dir, opts)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	for i := range n {
		key := fmt.Appendf(nil, "key%05d", i)
		value := fmt.Appendf(nil, "value%05d", i)
		if err := d.Put(nil, key, value); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}
	if flush {
		if err := d.CompactRange(nil, nil); err != nil {
			t.Fatalf("CompactRange() error = %v", err)
		}
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return dir
}

func runLdb(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func tableFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	var out []string
	for _, e := range entries {
		if _, kind, ok := filename.Parse(e.Name()); ok && kind == filename.KindTable {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out
}

func TestScanValidDB(t *testing.T) {
	dir := createTestDB(t, 10, true)

	code, out, errOut := runLdb(t, "--db", dir, "scan")
	if code != 0 {
		t.Fatalf("scan exit code = %d, stderr: %s", code, errOut)
	}
	if !strings.Contains(out, "key00000 => value00000") {
		t.Errorf("scan output missing first entry:\n%s", out)
	}
	if !strings.Contains(out, "(10 entries scanned)") {
		t.Errorf("scan output missing count:\n%s", out)
	}
}

func TestScanBoundsAndLimit(t *testing.T) {
	dir := createTestDB(t, 20, false)

	code, out, _ := runLdb(t, "--db", dir, "--from", "key00005", "--to", "key00008", "scan")
	if code != 0 {
		t.Fatalf("scan exit code = %d", code)
	}
	if !strings.Contains(out, "(3 entries scanned)") || strings.Contains(out, "key00008 =>") {
		t.Errorf("bounded scan output:\n%s", out)
	}

	code, out, _ = runLdb(t, "--db", dir, "--limit", "2", "scan")
	if code != 0 || !strings.Contains(out, "(2 entries scanned)") {
		t.Errorf("limited scan code=%d output:\n%s", code, out)
	}
}

// Corruption in a table must surface as a failing exit code.
func TestScanSurfacesCorruption(t *testing.T) {
	dir := createTestDB(t, 100, true)
	tables := tableFiles(t, dir)
	if len(tables) == 0 {
		t.Fatal("no table file after compaction")
	}
	data, err := os.ReadFile(tables[0])
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	for i := 50; i < len(data)/2; i += 50 {
		data[i] ^= 0xFF
	}
	if err := os.WriteFile(tables[0], data, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	code, out, errOut := runLdb(t, "--db", dir, "scan")
	if code == 0 {
		t.Fatalf("scan of corrupt table succeeded\nstdout: %s", out)
	}
	if !strings.Contains(errOut, "Error:") {
		t.Errorf("stderr = %q, want an error line", errOut)
	}
}

func TestPutGetDelete(t *testing.T) {
	dir := t.TempDir()

	if code, _, errOut := runLdb(t, "--db", dir, "--create_if_missing", "put", "hello", "world"); code != 0 {
		t.Fatalf("put exit code = %d, stderr: %s", code, errOut)
	}
	code, out, _ := runLdb(t, "--db", dir, "get", "hello")
	if code != 0 || strings.TrimSpace(out) != "world" {
		t.Fatalf("get = (%d, %q), want (0, world)", code, out)
	}
	if code, _, _ := runLdb(t, "--db", dir, "delete", "hello"); code != 0 {
		t.Fatalf("delete exit code = %d", code)
	}
	if code, _, _ := runLdb(t, "--db", dir, "get", "hello"); code != 1 {
		t.Errorf("get after delete exit code = %d, want 1", code)
	}
}

func TestHexInputAndOutput(t *testing.T) {
	dir := t.TempDir()
	if code, _, _ := runLdb(t, "--db", dir, "--create_if_missing", "put", "0x0001ff", "0x7a"); code != 0 {
		t.Fatalf("put exit code = %d", code)
	}
	code, out, _ := runLdb(t, "--db", dir, "--hex", "scan")
	if code != 0 || !strings.Contains(out, "0001ff => 7a") {
		t.Errorf("hex scan = (%d, %q)", code, out)
	}
}

func TestOptionsFile(t *testing.T) {
	dir := t.TempDir()
	optsPath := filepath.Join(t.TempDir(), "options.yaml")
	if err := os.WriteFile(optsPath, []byte("create_if_missing: true\ncompression: zstd\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if code, _, errOut := runLdb(t, "--db", dir, "--options", optsPath, "put", "k", "v"); code != 0 {
		t.Fatalf("put exit code = %d, stderr: %s", code, errOut)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("compression: gzip\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if code, _, _ := runLdb(t, "--db", dir, "--options", bad, "get", "k"); code != 1 {
		t.Errorf("bad options exit code = %d, want 1", code)
	}
}

func TestInfoAndCompact(t *testing.T) {
	dir := createTestDB(t, 50, false)

	if code, _, errOut := runLdb(t, "--db", dir, "compact"); code != 0 {
		t.Fatalf("compact exit code = %d, stderr: %s", code, errOut)
	}
	code, out, _ := runLdb(t, "--db", dir, "info")
	if code != 0 {
		t.Fatalf("info exit code = %d", code)
	}
	if !strings.Contains(out, "Identity:") || !strings.Contains(out, "files") {
		t.Errorf("info output:\n%s", out)
	}
}

func TestManifestDumpAndSSTFiles(t *testing.T) {
	dir := createTestDB(t, 30, true)

	code, out, errOut := runLdb(t, "--db", dir, "manifest_dump")
	if code != 0 {
		t.Fatalf("manifest_dump exit code = %d, stderr: %s", code, errOut)
	}
	if !strings.Contains(out, "Total Edits:") || !strings.Contains(out, "+1 files") {
		t.Errorf("manifest_dump output:\n%s", out)
	}

	code, out, _ = runLdb(t, "--db", dir, "-v", "manifest_dump")
	if code != 0 || !strings.Contains(out, "AddFile:") {
		t.Errorf("verbose manifest_dump = (%d, %q)", code, out)
	}

	code, out, _ = runLdb(t, "--db", dir, "sstfiles")
	if code != 0 || !strings.Contains(out, "Total: 1 table files") {
		t.Errorf("sstfiles = (%d, %q)", code, out)
	}
}

func TestSSTDump(t *testing.T) {
	dir := createTestDB(t, 5, true)
	tables := tableFiles(t, dir)
	if len(tables) != 1 {
		t.Fatalf("got %d table files, want 1", len(tables))
	}

	code, out, errOut := runLdb(t, "sst_dump", tables[0])
	if code != 0 {
		t.Fatalf("sst_dump exit code = %d, stderr: %s", code, errOut)
	}
	if !strings.Contains(out, "'key00000' @ 1 : val => value00000") {
		t.Errorf("sst_dump output:\n%s", out)
	}
	if !strings.Contains(out, "(5 entries)") {
		t.Errorf("sst_dump output missing count:\n%s", out)
	}
}

func TestRepair(t *testing.T) {
	dir := createTestDB(t, 20, true)
	if err := os.Remove(filename.Current(dir)); err != nil {
		t.Fatalf("Remove(CURRENT) error = %v", err)
	}

	if code, _, errOut := runLdb(t, "--db", dir, "repair"); code != 0 {
		t.Fatalf("repair exit code = %d, stderr: %s", code, errOut)
	}
	code, out, _ := runLdb(t, "--db", dir, "get", "key00007")
	if code != 0 || strings.TrimSpace(out) != "value00007" {
		t.Errorf("get after repair = (%d, %q)", code, out)
	}
}

func TestUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no command", []string{"--db", "x"}, 2},
		{"missing db", []string{"scan"}, 2},
		{"unknown command", []string{"--db", "x", "frobnicate"}, 2},
		{"bad flag", []string{"--nope"}, 2},
		{"help", []string{"--help"}, 0},
		{"get without key", []string{"--db", t.TempDir(), "get"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, _, _ := runLdb(t, tt.args...); code != tt.want {
				t.Errorf("exit code = %d, want %d", code, tt.want)
			}
		})
	}
}
