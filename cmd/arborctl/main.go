// Package main provides the arborctl CLI for inspecting arbor stores.
//
// Usage:
//
//	arborctl -db=<path> <command> [args]
//
// Commands:
//
//	trees                  List trees and their sizes
//	scan <tree>            Print entries in key order
//	get <tree> <key>       Print the value stored for a key
//	put <tree> <key> <val> Store a value
//	rm <tree> <key>        Remove a key
//	len <tree>             Count entries
//	drop <tree>            Remove a tree and all of its contents
//	flush                  Block until all writes are durable
//	id [count]             Draw values from the store ID sequence
//	checksum [tree...]     Print a BLAKE2b-256 digest per tree
//	export <file>          Write a snapshot of the store ("-" for stdout)
//	import <file>          Restore a snapshot into the store ("-" for stdin)
//
// Keys and values are taken literally, or hex-decoded when prefixed with 0x.
// Settings may also come from a YAML config file; explicit flags win.
package main

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"

	"github.com/arbordb/arbor/pkg/db"
	"github.com/arbordb/arbor/pkg/db/pebble"
	"github.com/arbordb/arbor/pkg/log"
)

var (
	configPath = flag.String("config", "", "Path to a YAML config file (default arborctl.yaml if present)")
	dbPath     = flag.String("db", "", "Path to the store (required unless the config file sets it)")
	logLevel   = flag.String("log", "warn", "Log level: trace, debug, info, warn, error")
	cacheSize  = flag.Int64("cache", 0, "Block cache size in bytes (0 = engine default)")
	syncWrites = flag.Bool("sync", false, "Make every write wait for the WAL")
	hexOutput  = flag.Bool("hex", false, "Print keys and values as hex")
	limit      = flag.Int("limit", 0, "Limit scan output (0 = unlimited)")
	fromKey    = flag.String("from", "", "Start key for scan (inclusive)")
	toKey      = flag.String("to", "", "End key for scan (exclusive)")
	help       = flag.Bool("help", false, "Print help")
)

// fileConfig mirrors the settings flags cover, so scripts can keep them in a
// file instead of repeating them per invocation.
type fileConfig struct {
	Path       string `yaml:"path"`
	CacheSize  int64  `yaml:"cache_size"`
	SyncWrites bool   `yaml:"sync_writes"`
	LogLevel   string `yaml:"log_level"`
}

func main() {
	flag.Parse()

	if *help || flag.NArg() == 0 {
		printUsage()
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		fatal(err)
	}
	if cfg.Path == "" {
		fatal(fmt.Errorf("-db flag (or path in the config file) is required"))
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]

	store, err := openStore(cfg)
	if err != nil {
		fatal(err)
	}

	switch command {
	case "trees":
		err = cmdTrees(store)
	case "scan":
		err = cmdScan(store, args)
	case "get":
		err = cmdGet(store, args)
	case "put":
		err = cmdPut(store, args)
	case "rm":
		err = cmdRm(store, args)
	case "len":
		err = cmdLen(store, args)
	case "drop":
		err = cmdDrop(store, args)
	case "flush":
		err = store.Flush(context.Background())
	case "id":
		err = cmdID(store, args)
	case "checksum":
		err = cmdChecksum(store, args)
	case "export":
		err = cmdExport(store, args)
	case "import":
		err = cmdImport(store, args)
	default:
		err = fmt.Errorf("unknown command %q (run arborctl -help)", command)
	}

	if cerr := store.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func printUsage() {
	fmt.Println("arborctl - arbor store inspection tool")
	fmt.Println()
	fmt.Println("Usage: arborctl -db=<path> <command> [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  trees                  List trees and their sizes")
	fmt.Println("  scan <tree>            Print entries in key order")
	fmt.Println("  get <tree> <key>       Print the value stored for a key")
	fmt.Println("  put <tree> <key> <val> Store a value")
	fmt.Println("  rm <tree> <key>        Remove a key")
	fmt.Println("  len <tree>             Count entries")
	fmt.Println("  drop <tree>            Remove a tree and all of its contents")
	fmt.Println("  flush                  Block until all writes are durable")
	fmt.Println("  id [count]             Draw values from the store ID sequence")
	fmt.Println("  checksum [tree...]     Print a BLAKE2b-256 digest per tree")
	fmt.Println("  export <file>          Write a snapshot of the store (\"-\" for stdout)")
	fmt.Println("  import <file>          Restore a snapshot into the store (\"-\" for stdin)")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
}

// loadConfig reads the config file, then overlays any flag the caller set
// explicitly.
func loadConfig() (fileConfig, error) {
	cfg := fileConfig{LogLevel: "warn"}

	path := *configPath
	if path == "" {
		if _, err := os.Stat("arborctl.yaml"); err == nil {
			path = "arborctl.yaml"
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "db":
			cfg.Path = *dbPath
		case "cache":
			cfg.CacheSize = *cacheSize
		case "sync":
			cfg.SyncWrites = *syncWrites
		case "log":
			cfg.LogLevel = *logLevel
		}
	})
	return cfg, nil
}

func openStore(cfg fileConfig) (*pebble.Store, error) {
	lvl, err := log.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("bad log level %q: %w", cfg.LogLevel, err)
	}
	logger := log.New(log.Options{LogLevel: lvl, Out: os.Stderr})

	opts := []pebble.Option{pebble.WithLogger(logger)}
	if cfg.CacheSize > 0 {
		opts = append(opts, pebble.WithCacheSize(cfg.CacheSize))
	}
	if cfg.SyncWrites {
		opts = append(opts, pebble.WithSyncWrites(true))
	}
	return pebble.Open(cfg.Path, opts...)
}

// parseInput hex-decodes 0x-prefixed arguments and takes everything else
// literally.
func parseInput(s string) []byte {
	if strings.HasPrefix(s, "0x") {
		if decoded, err := hex.DecodeString(s[2:]); err == nil {
			return decoded
		}
	}
	return []byte(s)
}

// formatOutput prints printable data as text and everything else as hex.
func formatOutput(data []byte) string {
	if *hexOutput {
		return hex.EncodeToString(data)
	}
	for _, b := range data {
		if b < 32 || b > 126 {
			return hex.EncodeToString(data)
		}
	}
	return string(data)
}

func cmdTrees(store *pebble.Store) error {
	names, err := store.Partitions()
	if err != nil {
		return err
	}
	for _, name := range names {
		p, err := store.OpenPartition(name)
		if err != nil {
			return err
		}
		n, err := p.Count()
		if err != nil {
			return err
		}
		fmt.Printf("%-24s %d entries\n", name, n)
	}
	return nil
}

func cmdScan(store *pebble.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: arborctl -db=<path> scan <tree>")
	}
	p, err := store.OpenPartition(args[0])
	if err != nil {
		return err
	}

	var start, end []byte
	if *fromKey != "" {
		start = parseInput(*fromKey)
	}
	if *toKey != "" {
		end = parseInput(*toKey)
	}
	it, err := p.NewIter(start, end)
	if err != nil {
		return err
	}
	defer it.Close()

	count := 0
	for it.Next() {
		value, err := it.Value()
		if err != nil {
			return err
		}
		fmt.Printf("%s => %s\n", formatOutput(it.Key()), formatOutput(value))
		count++
		if *limit > 0 && count >= *limit {
			break
		}
	}
	if err := it.Error(); err != nil {
		return err
	}

	fmt.Printf("\n(%d entries)\n", count)
	return nil
}

func cmdGet(store *pebble.Store, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: arborctl -db=<path> get <tree> <key>")
	}
	p, err := store.OpenPartition(args[0])
	if err != nil {
		return err
	}
	value, err := p.Get(parseInput(args[1]))
	if err != nil {
		return err
	}
	fmt.Println(formatOutput(value))
	return nil
}

func cmdPut(store *pebble.Store, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: arborctl -db=<path> put <tree> <key> <value>")
	}
	p, err := store.OpenPartition(args[0])
	if err != nil {
		return err
	}
	if _, err := p.Put(parseInput(args[1]), parseInput(args[2])); err != nil {
		return err
	}
	if err := store.Flush(context.Background()); err != nil {
		return err
	}
	fmt.Println("OK")
	return nil
}

func cmdRm(store *pebble.Store, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: arborctl -db=<path> rm <tree> <key>")
	}
	p, err := store.OpenPartition(args[0])
	if err != nil {
		return err
	}
	prev, err := p.Delete(parseInput(args[1]))
	if err != nil {
		return err
	}
	if err := store.Flush(context.Background()); err != nil {
		return err
	}
	if prev == nil {
		fmt.Println("OK (key was absent)")
	} else {
		fmt.Println("OK")
	}
	return nil
}

func cmdLen(store *pebble.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: arborctl -db=<path> len <tree>")
	}
	p, err := store.OpenPartition(args[0])
	if err != nil {
		return err
	}
	n, err := p.Count()
	if err != nil {
		return err
	}
	fmt.Println(n)
	return nil
}

func cmdDrop(store *pebble.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: arborctl -db=<path> drop <tree>")
	}
	if err := store.DropPartition(args[0]); err != nil {
		return err
	}
	fmt.Println("OK")
	return nil
}

func cmdID(store *pebble.Store, args []string) error {
	count := 1
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v < 1 {
			return fmt.Errorf("usage: arborctl -db=<path> id [count]")
		}
		count = v
	}
	for i := 0; i < count; i++ {
		id, err := store.GenerateID()
		if err != nil {
			return err
		}
		fmt.Println(id)
	}
	return nil
}

// cmdChecksum digests each tree's entries in key order, length-prefixing
// keys and values so digests are unambiguous.
func cmdChecksum(store *pebble.Store, args []string) error {
	names := args
	if len(names) == 0 {
		all, err := store.Partitions()
		if err != nil {
			return err
		}
		names = all
	}

	for _, name := range names {
		p, err := store.OpenPartition(name)
		if err != nil {
			return err
		}
		digest, err := checksumPartition(p)
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s\n", hex.EncodeToString(digest), name)
	}
	return nil
}

func checksumPartition(p db.Partition) ([]byte, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}

	it, err := p.NewIter(nil, nil)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var scratch [binary.MaxVarintLen64]byte
	for it.Next() {
		value, err := it.Value()
		if err != nil {
			return nil, err
		}
		key := it.Key()
		h.Write(scratch[:binary.PutUvarint(scratch[:], uint64(len(key)))])
		h.Write(key)
		h.Write(scratch[:binary.PutUvarint(scratch[:], uint64(len(value)))])
		h.Write(value)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

func cmdExport(store *pebble.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: arborctl -db=<path> export <file>")
	}
	if args[0] == "-" {
		return store.Export(os.Stdout)
	}

	f, err := os.Create(args[0])
	if err != nil {
		return err
	}
	if err := store.Export(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func cmdImport(store *pebble.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: arborctl -db=<path> import <file>")
	}

	var r io.Reader = os.Stdin
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	if err := store.Import(r); err != nil {
		return err
	}
	if err := store.Flush(context.Background()); err != nil {
		return err
	}
	fmt.Println("OK")
	return nil
}
