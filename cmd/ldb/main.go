// Package main provides the ldb CLI tool for inspecting and repairing
// lsmkv databases.
//
// Usage:
//
//	ldb --db=<path> [options] <command> [args]
//
// Commands:
//
//	scan              Scan key-value pairs, optionally bounded by --from/--to
//	get <key>         Get value for a key
//	put <key> <val>   Put a key-value pair
//	delete <key>      Delete a key
//	info              Print database properties
//	compact           Compact the whole key range
//	repair            Rebuild the MANIFEST from surviving logs and tables
//	manifest_dump     Dump the edits of the current MANIFEST
//	sstfiles          List table files with their sizes
//	sst_dump <file>   Dump the internal entries of one table file
package main

import (
	"bytes"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/aalhour/lsmkv"
	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/filename"
	"github.com/aalhour/lsmkv/internal/manifest"
	"github.com/aalhour/lsmkv/internal/table"
	"github.com/aalhour/lsmkv/internal/vfs"
	"github.com/aalhour/lsmkv/internal/wal"
)

// tool holds the parsed flags of one invocation.
type tool struct {
	stdout io.Writer

	dbPath          string
	optionsPath     string
	hexOutput       bool
	limit           int
	fromKey         string
	toKey           string
	createIfMissing bool
	verbose         bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one ldb invocation and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	t := &tool{stdout: stdout}
	fs := flag.NewFlagSet("ldb", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&t.dbPath, "db", "", "Path to the database (required)")
	fs.StringVar(&t.optionsPath, "options", "", "YAML options file")
	fs.BoolVar(&t.hexOutput, "hex", false, "Output keys and values in hex format")
	fs.IntVar(&t.limit, "limit", 0, "Limit number of entries (0 = unlimited)")
	fs.StringVar(&t.fromKey, "from", "", "Start key for scan")
	fs.StringVar(&t.toKey, "to", "", "End key for scan (exclusive)")
	fs.BoolVar(&t.createIfMissing, "create_if_missing", false, "Create database if it doesn't exist")
	fs.BoolVar(&t.verbose, "v", false, "Verbose output for manifest_dump")
	fs.Usage = func() { printUsage(stderr, fs) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() == 0 {
		printUsage(stderr, fs)
		return 2
	}

	command := fs.Arg(0)
	rest := fs.Args()[1:]
	if t.dbPath == "" && command != "sst_dump" {
		fmt.Fprintln(stderr, "Error: --db flag is required")
		return 2
	}

	var err error
	switch command {
	case "scan":
		err = t.cmdScan()
	case "get":
		err = t.cmdGet(rest)
	case "put":
		err = t.cmdPut(rest)
	case "delete":
		err = t.cmdDelete(rest)
	case "info":
		err = t.cmdInfo()
	case "compact":
		err = t.cmdCompact()
	case "repair":
		err = t.cmdRepair()
	case "manifest_dump":
		err = t.cmdManifestDump()
	case "sstfiles":
		err = t.cmdSSTFiles()
	case "sst_dump":
		err = t.cmdSSTDump(rest)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", command)
		printUsage(stderr, fs)
		return 2
	}

	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(w, "ldb - lsmkv database inspection tool")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: ldb --db=<path> [options] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  scan              Scan key-value pairs")
	fmt.Fprintln(w, "  get <key>         Get value for a key")
	fmt.Fprintln(w, "  put <key> <val>   Put a key-value pair")
	fmt.Fprintln(w, "  delete <key>      Delete a key")
	fmt.Fprintln(w, "  info              Print database properties")
	fmt.Fprintln(w, "  compact           Compact the whole key range")
	fmt.Fprintln(w, "  repair            Rebuild the MANIFEST from logs and tables")
	fmt.Fprintln(w, "  manifest_dump     Dump MANIFEST edits")
	fmt.Fprintln(w, "  sstfiles          List table files")
	fmt.Fprintln(w, "  sst_dump <file>   Dump the entries of one table file")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Options:")
	fs.PrintDefaults()
}

func (t *tool) options() (*lsmkv.Options, error) {
	opts := lsmkv.DefaultOptions()
	if t.optionsPath != "" {
		var err error
		if opts, err = lsmkv.LoadOptionsFile(t.optionsPath); err != nil {
			return nil, err
		}
	}
	if t.createIfMissing {
		opts.CreateIfMissing = true
	}
	return opts, nil
}

func (t *tool) openDB() (lsmkv.DB, error) {
	opts, err := t.options()
	if err != nil {
		return nil, err
	}
	d, err := lsmkv.Open(t.dbPath, opts)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	return d, nil
}

func (t *tool) format(data []byte) string {
	if t.hexOutput {
		return hex.EncodeToString(data)
	}
	for _, b := range data {
		if b < 32 || b > 126 {
			return "0x" + hex.EncodeToString(data)
		}
	}
	return string(data)
}

// parseInput accepts plain strings and 0x-prefixed hex.
func parseInput(s string) []byte {
	if rest, ok := strings.CutPrefix(s, "0x"); ok {
		if decoded, err := hex.DecodeString(rest); err == nil {
			return decoded
		}
	}
	return []byte(s)
}

func (t *tool) cmdScan() (err error) {
	d, err := t.openDB()
	if err != nil {
		return err
	}
	defer d.Close()

	it := d.NewIterator(&lsmkv.ReadOptions{VerifyChecksums: true})
	defer func() {
		if cerr := it.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "iterator")
		}
	}()

	if t.fromKey != "" {
		it.Seek(parseInput(t.fromKey))
	} else {
		it.SeekToFirst()
	}
	to := parseInput(t.toKey)
	count := 0
	for ; it.Valid(); it.Next() {
		if t.toKey != "" && bytes.Compare(it.Key(), to) >= 0 {
			break
		}
		fmt.Fprintf(t.stdout, "%s => %s\n", t.format(it.Key()), t.format(it.Value()))
		count++
		if t.limit > 0 && count >= t.limit {
			break
		}
	}
	if err := it.Error(); err != nil {
		return errors.Wrap(err, "iterator")
	}
	fmt.Fprintf(t.stdout, "\n(%d entries scanned)\n", count)
	return nil
}

func (t *tool) cmdGet(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: ldb --db=<path> get <key>")
	}
	d, err := t.openDB()
	if err != nil {
		return err
	}
	defer d.Close()

	value, err := d.Get(nil, parseInput(args[0]))
	if err != nil {
		return err
	}
	fmt.Fprintln(t.stdout, t.format(value))
	return nil
}

func (t *tool) cmdPut(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: ldb --db=<path> put <key> <value>")
	}
	d, err := t.openDB()
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.Put(&lsmkv.WriteOptions{Sync: true}, parseInput(args[0]), parseInput(args[1])); err != nil {
		return errors.Wrap(err, "put")
	}
	fmt.Fprintln(t.stdout, "OK")
	return nil
}

func (t *tool) cmdDelete(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: ldb --db=<path> delete <key>")
	}
	d, err := t.openDB()
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.Delete(&lsmkv.WriteOptions{Sync: true}, parseInput(args[0])); err != nil {
		return errors.Wrap(err, "delete")
	}
	fmt.Fprintln(t.stdout, "OK")
	return nil
}

func (t *tool) cmdInfo() error {
	d, err := t.openDB()
	if err != nil {
		return err
	}
	defer d.Close()

	fmt.Fprintf(t.stdout, "Database: %s\n", t.dbPath)
	fmt.Fprintln(t.stdout, "---")
	if id, ok := d.GetProperty(lsmkv.PropertyIdentity); ok {
		fmt.Fprintf(t.stdout, "Identity: %s\n", id)
	}
	if mem, ok := d.GetProperty(lsmkv.PropertyApproximateMemoryUsage); ok {
		fmt.Fprintf(t.stdout, "Approximate memory usage: %s\n", mem)
	}
	m := d.Metrics()
	for level, n := range m.FilesPerLevel {
		if n > 0 {
			fmt.Fprintf(t.stdout, "Level %d: %d files\n", level, n)
		}
	}
	if stats, ok := d.GetProperty(lsmkv.PropertyStats); ok {
		fmt.Fprintln(t.stdout)
		fmt.Fprint(t.stdout, stats)
	}
	return nil
}

func (t *tool) cmdCompact() error {
	d, err := t.openDB()
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.CompactRange(nil, nil); err != nil {
		return errors.Wrap(err, "compact")
	}
	fmt.Fprintln(t.stdout, "OK")
	return nil
}

func (t *tool) cmdRepair() error {
	opts, err := t.options()
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Repairing database at %s...\n", t.dbPath)
	if err := lsmkv.Repair(t.dbPath, opts); err != nil {
		return errors.Wrap(err, "repair")
	}
	fmt.Fprintln(t.stdout, "OK")
	return nil
}

func (t *tool) cmdManifestDump() error {
	fs := vfs.Default()

	current, err := os.ReadFile(filename.Current(t.dbPath))
	if err != nil {
		return errors.Wrap(err, "read CURRENT")
	}
	name := strings.TrimSpace(string(current))
	if !strings.HasPrefix(name, "MANIFEST-") {
		return errors.Newf("invalid CURRENT file content: %q", name)
	}
	path := filepath.Join(t.dbPath, name)
	f, err := fs.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", name)
	}
	defer f.Close()

	fmt.Fprintf(t.stdout, "MANIFEST file: %s\n", path)
	fmt.Fprintln(t.stdout, "---")

	r := wal.NewReader(f, nil, true, 0)
	edits, added, deleted := 0, 0, 0
	for {
		record, err := r.ReadRecord()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "edit %d", edits+1)
		}
		var ve manifest.VersionEdit
		if err := ve.DecodeFrom(record); err != nil {
			return errors.Wrapf(err, "edit %d", edits+1)
		}
		edits++
		added += len(ve.NewFiles)
		deleted += len(ve.DeletedFiles)

		if t.verbose {
			fmt.Fprintf(t.stdout, "[Edit %d] %s", edits, ve.DebugString())
		} else {
			parts := []string{fmt.Sprintf("[Edit %d]", edits)}
			if ve.HasLogNumber {
				parts = append(parts, fmt.Sprintf("log=%d", ve.LogNumber))
			}
			if ve.HasLastSequence {
				parts = append(parts, fmt.Sprintf("seq=%d", ve.LastSequence))
			}
			if n := len(ve.NewFiles); n > 0 {
				parts = append(parts, fmt.Sprintf("+%d files", n))
			}
			if n := len(ve.DeletedFiles); n > 0 {
				parts = append(parts, fmt.Sprintf("-%d files", n))
			}
			fmt.Fprintln(t.stdout, strings.Join(parts, ", "))
		}
		if t.limit > 0 && edits >= t.limit {
			break
		}
	}

	fmt.Fprintln(t.stdout, "\nSummary:")
	fmt.Fprintf(t.stdout, "Total Edits: %d\n", edits)
	fmt.Fprintf(t.stdout, "Total New Files: %d\n", added)
	fmt.Fprintf(t.stdout, "Total Deleted Files: %d\n", deleted)
	return nil
}

func (t *tool) cmdSSTFiles() error {
	fs := vfs.Default()
	names, err := fs.ListDir(t.dbPath)
	if err != nil {
		return errors.Wrap(err, "list directory")
	}
	slices.Sort(names)

	fmt.Fprintf(t.stdout, "Table files in %s:\n", t.dbPath)
	fmt.Fprintln(t.stdout, "---")
	count := 0
	var total int64
	for _, name := range names {
		number, kind, ok := filename.Parse(name)
		if !ok || kind != filename.KindTable {
			continue
		}
		info, err := fs.Stat(filepath.Join(t.dbPath, name))
		if err != nil {
			fmt.Fprintf(t.stdout, "  %s (error: %v)\n", name, err)
			continue
		}
		fmt.Fprintf(t.stdout, "  %s (file=%d, size=%d bytes)\n", name, number, info.Size())
		total += info.Size()
		count++
	}
	fmt.Fprintf(t.stdout, "\nTotal: %d table files, %d bytes\n", count, total)
	return nil
}

// cmdSSTDump prints every internal entry of one table, tombstones and
// sequence numbers included.
func (t *tool) cmdSSTDump(args []string) (err error) {
	if len(args) < 1 {
		return errors.New("usage: ldb sst_dump <file>")
	}
	path := args[0]
	fs := vfs.Default()
	info, err := fs.Stat(path)
	if err != nil {
		return errors.Wrapf(err, "stat %s", path)
	}
	f, err := fs.OpenRandomAccess(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	opts, err := t.options()
	if err != nil {
		f.Close()
		return err
	}
	r, err := table.Open(f, uint64(info.Size()), table.Options{
		Comparator:   dbformat.NewInternalKeyComparator(opts.Comparator),
		FilterPolicy: opts.FilterPolicy,
	})
	if err != nil {
		f.Close()
		return errors.Wrapf(err, "open table %s", path)
	}
	defer r.Close()

	it := r.NewIterator(table.ReadOptions{VerifyChecksums: true})
	defer func() {
		if cerr := it.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	count := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		p, perr := dbformat.ParseInternalKey(it.Key())
		if perr != nil {
			fmt.Fprintf(t.stdout, "bad key %s: %v\n", t.format(it.Key()), perr)
			continue
		}
		fmt.Fprintf(t.stdout, "'%s' @ %d : %s => %s\n", t.format(p.UserKey), p.Sequence, p.Type, t.format(it.Value()))
		count++
		if t.limit > 0 && count >= t.limit {
			break
		}
	}
	if err := it.Error(); err != nil {
		return errors.Wrap(err, "iterator")
	}
	fmt.Fprintf(t.stdout, "\n(%d entries)\n", count)
	return nil
}
