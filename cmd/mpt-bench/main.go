// mpt-bench runs a synthetic insert/read/traverse workload against a
// freshly created mpt database and reports throughput, standing in for a
// microbenchmark harness over the on-disk trie engine.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/monad-mpt/monad-mpt/internal/config"
	"github.com/monad-mpt/monad-mpt/pkg/mpt"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	keys := pflag.IntP("keys", "n", 100_000, "total number of keys to insert")
	batch := pflag.IntP("batch", "b", 1000, "keys committed per version")
	keySize := pflag.IntP("key-size", "k", 32, "key size in bytes")
	valueSize := pflag.IntP("value-size", "v", 32, "value size in bytes")
	chunkSize := pflag.Uint64P("chunk-size", "c", 4<<20, "chunk capacity in bytes")
	chunks := pflag.Uint32P("chunks", "C", 4096, "chunks per device")
	dir := pflag.StringP("dir", "d", "", "working directory (default: a temp dir, removed on exit)")
	pflag.Parse()

	workDir := *dir
	cleanup := func() {}
	if workDir == "" {
		tmp, err := os.MkdirTemp("", "mpt-bench-*")
		if err != nil {
			return fmt.Errorf("creating temp dir: %w", err)
		}
		workDir = tmp
		cleanup = func() { os.RemoveAll(tmp) }
	}
	defer cleanup()

	cfg := config.Default()
	cfg.DevicePaths = []string{filepath.Join(workDir, "data.0")}
	cfg.ChunksPerDevice = []uint32{*chunks}
	cfg.ChunkCapacity = *chunkSize
	cfg.MetadataDir = filepath.Join(workDir, "meta")
	cfg.LogLevel = "warn"

	ctx := context.Background()
	db, err := mpt.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	fmt.Printf("mpt-bench: %d keys (%d bytes), %d values (%d bytes), batch=%d\n", *keys, *keySize, *keys, *valueSize, *batch)

	allKeys := make([][]byte, *keys)

	insertStart := time.Now()
	for start := 0; start < *keys; start += *batch {
		end := start + *batch
		if end > *keys {
			end = *keys
		}

		updates := make([]mpt.Update, 0, end-start)
		for i := start; i < end; i++ {
			key := make([]byte, *keySize)
			rand.Read(key)
			value := make([]byte, *valueSize)
			rand.Read(value)
			allKeys[i] = key
			updates = append(updates, mpt.Update{Key: key, Value: value})
		}
		sort.Slice(updates, func(i, j int) bool { return string(updates[i].Key) < string(updates[j].Key) })

		version := db.LatestVersion() + 1
		if _, err := db.Upsert(ctx, &mpt.UpdateList{Updates: updates}, version, true, false); err != nil {
			return fmt.Errorf("upserting batch at %d: %w", start, err)
		}
	}
	insertElapsed := time.Since(insertStart)

	latest := db.LatestVersion()
	readStart := time.Now()
	hits := 0
	for _, k := range allKeys {
		if _, err := db.Get(ctx, k, latest); err == nil {
			hits++
		}
	}
	readElapsed := time.Since(readStart)

	traverseStart := time.Now()
	seen := 0
	if err := db.Traverse(ctx, nil, latest, 0, func(_, _ []byte) bool {
		seen++
		return true
	}); err != nil {
		return fmt.Errorf("traversing: %w", err)
	}
	traverseElapsed := time.Since(traverseStart)

	fmt.Printf("\nResults:\n")
	fmt.Printf("  Insert: %d keys in %v (%.0f keys/sec)\n", *keys, insertElapsed.Round(time.Millisecond), float64(*keys)/insertElapsed.Seconds())
	fmt.Printf("  Read:   %d lookups in %v (%.0f lookups/sec), %d hits\n", *keys, readElapsed.Round(time.Millisecond), float64(*keys)/readElapsed.Seconds(), hits)
	fmt.Printf("  Scan:   %d keys visited in %v\n", seen, traverseElapsed.Round(time.Millisecond))

	return nil
}
