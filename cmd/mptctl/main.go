// mptctl is a simple CLI for interacting with mpt database directories.
//
// Usage:
//
//	mptctl <metadata-dir>              Open an existing database
//	mptctl new [opts] <metadata-dir>   Create a new database
//
// Options for 'new' command:
//
//	-d, --device        Backing device file path (repeatable; default: prompts)
//	-c, --chunks        Chunks per device (default: prompts)
//	-s, --chunk-size    Chunk capacity in bytes (default: prompts)
//	-H, --history       Version history window size (default: 1024)
//
// Commands (in REPL):
//
//	put <key> <value> [version]   Upsert a key/value pair, committing a new version
//	del <key> [version]           Erase a key, committing a new version
//	get <key> [version]           Look up a key at a version (default: latest)
//	scan <prefix> [limit]         List keys under a byte prefix
//	latest                        Show the latest committed version
//	finalize <version>            Mark a version as finalized
//	bulk <count> [prefix]         Insert N random keys as one version
//	bench <count>                 Benchmark put+get performance
//	info                          Show database info
//	help                          Show this help
//	exit / quit / q                Exit
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/monad-mpt/monad-mpt/internal/config"
	"github.com/monad-mpt/monad-mpt/pkg/mpt"
	"github.com/peterh/liner"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return errors.New("missing command or metadata directory")
	}

	if os.Args[1] == "new" {
		return runNew(os.Args[2:])
	}

	return runOpen(os.Args[1:])
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  mptctl <metadata-dir>              Open an existing database\n")
	fmt.Fprintf(os.Stderr, "  mptctl new [opts] <metadata-dir>   Create a new database\n")
	fmt.Fprintf(os.Stderr, "\nRun 'mptctl new --help' for options when creating a new database.\n")
}

func runNew(args []string) error {
	fs := pflag.NewFlagSet("new", pflag.ExitOnError)

	devices := fs.StringArrayP("device", "d", nil, "backing device file path (repeatable)")
	chunks := fs.Uint32P("chunks", "c", 0, "chunks per device")
	chunkSize := fs.Uint64P("chunk-size", "s", 0, "chunk capacity in bytes")
	history := fs.IntP("history", "H", 1024, "version history window size")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: mptctl new [options] <metadata-dir>\n\n")
		fmt.Fprintf(os.Stderr, "Create a new database. If options are not provided, you will be prompted.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() < 1 {
		fs.Usage()
		return errors.New("missing metadata directory")
	}

	metaDir := fs.Arg(0)

	if _, err := os.Stat(metaDir); err == nil {
		return fmt.Errorf("metadata directory already exists: %s (use 'mptctl %s' to open it)", metaDir, metaDir)
	}

	reader := bufReader()

	if len(*devices) == 0 {
		path := promptString(reader, "Backing device file path", filepath.Join(metaDir, "data.0"))
		*devices = []string{path}
	}
	if *chunks == 0 {
		*chunks = uint32(promptInt(reader, "Chunks per device", 1024))
	}
	if *chunkSize == 0 {
		*chunkSize = uint64(promptInt(reader, "Chunk capacity in bytes", 1<<20))
	}

	cfg := config.Default()
	cfg.DevicePaths = *devices
	cfg.ChunksPerDevice = make([]uint32, len(*devices))
	for i := range cfg.ChunksPerDevice {
		cfg.ChunksPerDevice[i] = *chunks
	}
	cfg.ChunkCapacity = *chunkSize
	cfg.MetadataDir = metaDir
	cfg.HistoryCapacity = *history

	fmt.Printf("\nCreating database with:\n")
	fmt.Printf("  Metadata dir:  %s\n", metaDir)
	fmt.Printf("  Devices:       %v\n", cfg.DevicePaths)
	fmt.Printf("  Chunks/device: %d\n", *chunks)
	fmt.Printf("  Chunk size:    %d bytes\n", cfg.ChunkCapacity)
	fmt.Printf("  History:       %d versions\n", cfg.HistoryCapacity)
	fmt.Println()

	ctx := context.Background()
	db, err := mpt.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	defer db.Close()

	repl := &REPL{db: db, ctx: ctx}
	return repl.Run()
}

func runOpen(args []string) error {
	fs := pflag.NewFlagSet("open", pflag.ExitOnError)

	devices := fs.StringArrayP("device", "d", nil, "backing device file path (repeatable, required to reopen)")
	chunks := fs.Uint32P("chunks", "c", 1024, "chunks per device")
	chunkSize := fs.Uint64P("chunk-size", "s", 1<<20, "chunk capacity in bytes")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: mptctl <metadata-dir> --device <path> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Open an existing database.\n")
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() < 1 {
		fs.Usage()
		return errors.New("missing metadata directory")
	}

	metaDir := fs.Arg(0)
	if _, err := os.Stat(metaDir); os.IsNotExist(err) {
		return fmt.Errorf("metadata directory does not exist: %s (use 'mptctl new %s' to create it)", metaDir, metaDir)
	}

	if len(*devices) == 0 {
		*devices = []string{filepath.Join(metaDir, "data.0")}
	}

	cfg := config.Default()
	cfg.DevicePaths = *devices
	cfg.ChunksPerDevice = make([]uint32, len(*devices))
	for i := range cfg.ChunksPerDevice {
		cfg.ChunksPerDevice[i] = *chunks
	}
	cfg.ChunkCapacity = *chunkSize
	cfg.MetadataDir = metaDir

	ctx := context.Background()
	db, err := mpt.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	repl := &REPL{db: db, ctx: ctx}
	return repl.Run()
}

func bufReader() *lineSource { return &lineSource{} }

// lineSource is a tiny stdin line reader used only during the 'new'
// prompts, before liner takes over the terminal for the REPL itself.
type lineSource struct{}

func (lineSource) readLine() string {
	var b strings.Builder
	buf := make([]byte, 1)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if buf[0] == '\n' {
				break
			}
			b.WriteByte(buf[0])
		}
		if err != nil {
			break
		}
	}
	return strings.TrimSpace(b.String())
}

func promptString(r *lineSource, prompt, defaultVal string) string {
	fmt.Printf("%s [%s]: ", prompt, defaultVal)
	line := r.readLine()
	if line == "" {
		return defaultVal
	}
	return line
}

func promptInt(r *lineSource, prompt string, defaultVal int) int {
	for {
		fmt.Printf("%s [%d]: ", prompt, defaultVal)
		line := r.readLine()
		if line == "" {
			return defaultVal
		}
		val, err := strconv.Atoi(line)
		if err != nil {
			fmt.Println("Please enter a valid integer.")
			continue
		}
		return val
	}
}

// REPL is the interactive command loop over an open database.
type REPL struct {
	db    *mpt.Db
	ctx   context.Context
	liner *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".mptctl_history")
}

func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("mptctl - mpt database CLI (latest version=%d)\n", r.db.LatestVersion())
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("mptctl> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nBye!")
				break
			}
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")
			r.saveHistory()
			return nil
		case "help", "?":
			r.printHelp()
		case "put":
			r.cmdPut(args)
		case "get":
			r.cmdGet(args)
		case "del", "delete":
			r.cmdDelete(args)
		case "scan", "ls", "list":
			r.cmdScan(args)
		case "latest":
			r.cmdLatest()
		case "finalize":
			r.cmdFinalize(args)
		case "bulk":
			r.cmdBulk(args)
		case "bench":
			r.cmdBench(args)
		case "info":
			r.cmdInfo()
		case "clear", "cls":
			fmt.Print("\033[H\033[2J")
		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()
	return nil
}

func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *REPL) completer(line string) []string {
	commands := []string{
		"put", "get", "del", "delete", "scan", "ls", "list",
		"latest", "finalize", "bulk", "bench", "info",
		"clear", "cls", "help", "exit", "quit", "q",
	}
	var out []string
	lower := strings.ToLower(line)
	for _, c := range commands {
		if strings.HasPrefix(c, lower) {
			out = append(out, c)
		}
	}
	return out
}

func (r *REPL) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  put <key> <value> [version]   Upsert a key, committing a new version")
	fmt.Println("  get <key> [version]           Look up a key (default: latest version)")
	fmt.Println("  del <key> [version]           Erase a key, committing a new version")
	fmt.Println("  scan <prefix> [limit]         List keys under a byte prefix")
	fmt.Println("  latest                        Show the latest committed version")
	fmt.Println("  finalize <version>            Mark a version as finalized")
	fmt.Println("  bulk <count> [prefix]         Insert N random keys as one version")
	fmt.Println("  bench <count>                 Benchmark put+get performance")
	fmt.Println("  info                          Show database info")
	fmt.Println("  help                          Show this help")
	fmt.Println("  exit / quit / q               Exit")
	fmt.Println()
	fmt.Println("Keys/values: hex (e.g., 'deadbeef') or plain text (e.g., 'foo').")
}

// parseBytes parses user input as hex if it decodes cleanly, else treats it
// as a literal string.
func parseBytes(s string) []byte {
	if raw, err := hex.DecodeString(s); err == nil && len(s)%2 == 0 {
		return raw
	}
	return []byte(s)
}

func formatBytes(b []byte) string {
	printable := true
	for _, c := range b {
		if c < 32 || c > 126 {
			printable = false
			break
		}
	}
	if printable {
		return fmt.Sprintf("%q", string(b))
	}
	return hex.EncodeToString(b)
}

func (r *REPL) nextVersion(explicit string) (mpt.Version, error) {
	if explicit != "" {
		v, err := strconv.ParseUint(explicit, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing version: %w", err)
		}
		return mpt.Version(v), nil
	}
	return r.db.LatestVersion() + 1, nil
}

func (r *REPL) cmdPut(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: put <key> <value> [version]")
		return
	}

	key, value := parseBytes(args[0]), parseBytes(args[1])

	var versionArg string
	if len(args) >= 3 {
		versionArg = args[2]
	}
	version, err := r.nextVersion(versionArg)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	updates := &mpt.UpdateList{Updates: []mpt.Update{{Key: key, Value: value}}}
	if _, err := r.db.Upsert(r.ctx, updates, version, true, false); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Printf("OK: put %s (version=%d)\n", formatBytes(key), version)
}

func (r *REPL) cmdGet(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: get <key> [version]")
		return
	}

	key := parseBytes(args[0])
	version := r.db.LatestVersion()
	if len(args) >= 2 {
		v, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			fmt.Printf("Error parsing version: %v\n", err)
			return
		}
		version = mpt.Version(v)
	}

	value, err := r.db.Get(r.ctx, key, version)
	if err != nil {
		if errors.Is(err, mpt.ErrNotFound) {
			fmt.Println("(not found)")
			return
		}
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Printf("Value: %s\n", formatBytes(value))
}

func (r *REPL) cmdDelete(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: del <key> [version]")
		return
	}

	key := parseBytes(args[0])

	var versionArg string
	if len(args) >= 2 {
		versionArg = args[1]
	}
	version, err := r.nextVersion(versionArg)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	updates := &mpt.UpdateList{Updates: []mpt.Update{{Key: key, Value: nil}}}
	if _, err := r.db.Upsert(r.ctx, updates, version, true, false); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Printf("OK: deleted %s (version=%d)\n", formatBytes(key), version)
}

func (r *REPL) cmdScan(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: scan <prefix> [limit]")
		return
	}

	prefix := parseBytes(args[0])
	limit := 20
	if len(args) >= 2 {
		var err error
		limit, err = strconv.Atoi(args[1])
		if err != nil {
			fmt.Printf("Error parsing limit: %v\n", err)
			return
		}
	}

	type kv struct{ key, value []byte }
	var results []kv

	err := r.db.Traverse(r.ctx, prefix, r.db.LatestVersion(), 0, func(key, value []byte) bool {
		results = append(results, kv{append([]byte(nil), key...), append([]byte(nil), value...)})
		return len(results) < limit
	})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	if len(results) == 0 {
		fmt.Println("(no matches)")
		return
	}

	sort.Slice(results, func(i, j int) bool { return string(results[i].key) < string(results[j].key) })
	for i, r := range results {
		fmt.Printf("%3d. %s => %s\n", i+1, formatBytes(r.key), formatBytes(r.value))
	}
	if len(results) == limit {
		fmt.Printf("... (showing first %d)\n", limit)
	}
}

func (r *REPL) cmdLatest() {
	fmt.Printf("Latest version: %d\n", r.db.LatestVersion())
}

func (r *REPL) cmdFinalize(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: finalize <version>")
		return
	}
	v, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Printf("Error parsing version: %v\n", err)
		return
	}
	if err := r.db.UpdateFinalizedVersion(mpt.Version(v)); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("OK: finalized version %d\n", v)
}

func (r *REPL) cmdInfo() {
	fmt.Printf("Database Info:\n")
	fmt.Printf("  Latest version: %d\n", r.db.LatestVersion())
}

func (r *REPL) cmdBulk(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: bulk <count> [prefix]")
		return
	}

	count, err := strconv.Atoi(args[0])
	if err != nil || count < 1 {
		fmt.Println("Error: count must be a positive integer")
		return
	}

	var prefix []byte
	if len(args) >= 2 {
		prefix = parseBytes(args[1])
	}

	updates := make([]mpt.Update, count)
	for i := range updates {
		key := make([]byte, len(prefix)+8)
		copy(key, prefix)
		rand.Read(key[len(prefix):])
		value := make([]byte, 8)
		rand.Read(value)
		updates[i] = mpt.Update{Key: key, Value: value}
	}
	sort.Slice(updates, func(i, j int) bool { return string(updates[i].Key) < string(updates[j].Key) })

	version, _ := r.nextVersion("")
	start := time.Now()
	if _, err := r.db.Upsert(r.ctx, &mpt.UpdateList{Updates: updates}, version, true, false); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	elapsed := time.Since(start)
	rate := float64(count) / elapsed.Seconds()
	fmt.Printf("OK: inserted %d entries as version %d in %v (%.0f ops/sec)\n", count, version, elapsed.Round(time.Millisecond), rate)
}

func (r *REPL) cmdBench(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: bench <count>")
		return
	}

	count, err := strconv.Atoi(args[0])
	if err != nil || count < 1 {
		fmt.Println("Error: count must be a positive integer")
		return
	}

	keys := make([][]byte, count)
	updates := make([]mpt.Update, count)
	for i := range keys {
		keys[i] = make([]byte, 16)
		rand.Read(keys[i])
		updates[i] = mpt.Update{Key: keys[i], Value: []byte(strconv.Itoa(i))}
	}
	sort.Slice(updates, func(i, j int) bool { return string(updates[i].Key) < string(updates[j].Key) })

	version, _ := r.nextVersion("")

	putStart := time.Now()
	if _, err := r.db.Upsert(r.ctx, &mpt.UpdateList{Updates: updates}, version, true, false); err != nil {
		fmt.Printf("Error at put: %v\n", err)
		return
	}
	putElapsed := time.Since(putStart)

	getStart := time.Now()
	hits := 0
	for _, k := range keys {
		if _, err := r.db.Get(r.ctx, k, version); err == nil {
			hits++
		}
	}
	getElapsed := time.Since(getStart)

	fmt.Printf("\nResults:\n")
	fmt.Printf("  Puts: %d ops in %v (%.0f ops/sec)\n", count, putElapsed.Round(time.Millisecond), float64(count)/putElapsed.Seconds())
	fmt.Printf("  Gets: %d ops in %v (%.0f ops/sec), %d hits\n", count, getElapsed.Round(time.Millisecond), float64(count)/getElapsed.Seconds(), hits)
}
