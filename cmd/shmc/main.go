// shmc is a CLI for inspecting and driving a shmcache segment.
//
// Usage:
//
//	shmc [flags]                      Interactive REPL
//	shmc [flags] <command> [args]     One-shot command
//
// Flags:
//
//	-d, --dir       Cache directory (lock file location)
//	-s, --size      Segment size in bytes for a new segment
//	-c, --config    Explicit config file
//	-t, --timeout   Lock acquisition timeout
//
// Commands:
//
//	get <key>                  Print the value stored under key
//	set <key> <value>          Store value under key
//	add <key> <value>          Store only if key is absent
//	replace <key> <value>      Store only if key is present
//	del <key>                  Delete key
//	exists <key>               Report whether key is present
//	incr <key> <delta> [init]  Adjust key's counter
//	stats                      Print segment statistics
//	flush                      Empty the cache
//	destroy                    Remove the segment
//	init                       Write a default .shmcache.json
//	bench [workers] [ops]      Concurrent set/get benchmark
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/natefinch/atomic"
	"github.com/peterh/liner"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/calvinalkan/shmcache"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("shmc", pflag.ContinueOnError)

	dir := flags.StringP("dir", "d", "", "cache directory (lock file location)")
	size := flags.Int64P("size", "s", 0, "segment size in bytes for a new segment")
	configPath := flags.StringP("config", "c", "", "explicit config file")
	timeout := flags.DurationP("timeout", "t", 0, "lock acquisition timeout")

	if err := flags.Parse(args); err != nil {
		return err
	}

	rest := flags.Args()

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}

	if len(rest) > 0 && rest[0] == "init" {
		return cmdInit(workDir)
	}

	overrides := shmcache.Config{
		Dir:           *dir,
		SegmentSize:   *size,
		LockTimeoutMS: timeout.Milliseconds(),
	}

	cfg, _, err := shmcache.LoadConfig(workDir, *configPath, overrides)
	if err != nil {
		return err
	}

	cache, err := shmcache.Attach(shmcache.FromConfig(cfg))
	if err != nil {
		return err
	}
	defer func() { _ = cache.Close() }()

	if len(rest) == 0 {
		repl := &repl{cache: cache}

		return repl.run()
	}

	return oneShot(cache, rest[0], rest[1:])
}

func oneShot(cache *shmcache.Cache, cmd string, args []string) error {
	switch cmd {
	case "get":
		if len(args) != 1 {
			return errors.New("usage: get <key>")
		}

		val, flags, err := cache.Get(args[0])
		if err != nil {
			return err
		}

		printValue(os.Stdout, val, flags)

		return nil

	case "set", "add", "replace":
		if len(args) != 2 {
			return fmt.Errorf("usage: %s <key> <value>", cmd)
		}

		switch cmd {
		case "set":
			return cache.Set(args[0], []byte(args[1]), 0)
		case "add":
			return cache.Add(args[0], []byte(args[1]), 0)
		default:
			return cache.Replace(args[0], []byte(args[1]), 0)
		}

	case "del", "delete":
		if len(args) != 1 {
			return errors.New("usage: del <key>")
		}

		return cache.Delete(args[0])

	case "exists":
		if len(args) != 1 {
			return errors.New("usage: exists <key>")
		}

		ok, err := cache.Exists(args[0])
		if err != nil {
			return err
		}

		fmt.Println(ok)

		return nil

	case "incr":
		return cmdIncr(cache, args)

	case "stats":
		stats, err := cache.Stats()
		if err != nil {
			return err
		}

		printStats(os.Stdout, stats)

		return nil

	case "flush":
		return cache.Flush()

	case "destroy":
		return cache.Destroy()

	case "bench":
		return cmdBench(cache, args)

	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func cmdIncr(cache *shmcache.Cache, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return errors.New("usage: incr <key> <delta> [init]")
	}

	delta, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("bad delta %q: %w", args[1], err)
	}

	var initial int64

	if len(args) == 3 {
		initial, err = strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("bad initial value %q: %w", args[2], err)
		}
	}

	next, err := cache.Increment(args[0], delta, initial)
	if err != nil {
		return err
	}

	fmt.Println(next)

	return nil
}

// cmdInit writes a default project config. The write is atomic so a
// concurrent reader never sees a half-written file.
func cmdInit(workDir string) error {
	path := filepath.Join(workDir, shmcache.ConfigFileName)

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists: %s", path)
	}

	content := strings.Join([]string{
		"{",
		"  // Directory holding the cache lock file. All processes",
		"  // sharing a cache must agree on it.",
		fmt.Sprintf("  \"dir\": %q,", os.TempDir()),
		"",
		"  // Size of a newly created segment in bytes. 0 = default.",
		"  \"segment_size\": 0,",
		"",
		"  // Lock acquisition timeout in milliseconds. 0 = default.",
		"  \"lock_timeout_ms\": 0,",
		"}",
		"",
	}, "\n")

	if err := atomic.WriteFile(path, strings.NewReader(content)); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("wrote %s\n", path)

	return nil
}

// cmdBench runs workers goroutines doing ops set+get round-trips each
// against distinct keys and reports throughput.
func cmdBench(cache *shmcache.Cache, args []string) error {
	workers := 4
	ops := 10000

	var err error

	if len(args) > 0 {
		if workers, err = strconv.Atoi(args[0]); err != nil || workers < 1 {
			return fmt.Errorf("bad worker count %q", args[0])
		}
	}

	if len(args) > 1 {
		if ops, err = strconv.Atoi(args[1]); err != nil || ops < 1 {
			return fmt.Errorf("bad op count %q", args[1])
		}
	}

	value := make([]byte, 512)
	for i := range value {
		value[i] = byte('a' + i%26)
	}

	start := time.Now()

	var group errgroup.Group

	for w := 0; w < workers; w++ {
		w := w

		group.Go(func() error {
			for i := 0; i < ops; i++ {
				key := fmt.Sprintf("bench:%d:%d", w, i)

				if err := cache.Set(key, value, 0); err != nil {
					return fmt.Errorf("set %s: %w", key, err)
				}

				if _, _, err := cache.Get(key); err != nil && !errors.Is(err, shmcache.ErrMiss) {
					// Misses are expected once eviction kicks in.
					return fmt.Errorf("get %s: %w", key, err)
				}
			}

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}

	elapsed := time.Since(start)
	total := workers * ops * 2

	fmt.Printf("%d ops across %d workers in %s (%.0f ops/s)\n",
		total, workers, elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds())

	return nil
}

// repl is the interactive shell.
type repl struct {
	cache *shmcache.Cache
	liner *liner.State
}

var replCommands = []string{
	"get", "set", "add", "replace", "del", "exists", "incr",
	"stats", "flush", "bench", "help", "exit", "quit",
}

func (r *repl) run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(func(line string) []string {
		var out []string

		for _, c := range replCommands {
			if strings.HasPrefix(c, strings.ToLower(line)) {
				out = append(out, c)
			}
		}

		return out
	})

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = r.liner.ReadHistory(f)
		_ = f.Close()
	}

	fmt.Printf("shmc - shmcache CLI (segment %s)\n", r.cache.SegmentPath())
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("shmc> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("\nBye!")

				r.saveHistory()

				return nil
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

		if cmd == "exit" || cmd == "quit" || cmd == "q" {
			fmt.Println("Bye!")

			r.saveHistory()

			return nil
		}

		if cmd == "help" || cmd == "?" {
			r.printHelp()

			continue
		}

		if err := oneShot(r.cache, cmd, parts[1:]); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func (r *repl) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  get <key>                  Print the value stored under key")
	fmt.Println("  set <key> <value>          Store value under key")
	fmt.Println("  add <key> <value>          Store only if key is absent")
	fmt.Println("  replace <key> <value>      Store only if key is present")
	fmt.Println("  del <key>                  Delete key")
	fmt.Println("  exists <key>               Report whether key is present")
	fmt.Println("  incr <key> <delta> [init]  Adjust key's counter")
	fmt.Println("  stats                      Print segment statistics")
	fmt.Println("  flush                      Empty the cache")
	fmt.Println("  bench [workers] [ops]      Concurrent set/get benchmark")
	fmt.Println("  exit                       Leave the REPL")
}

func (r *repl) saveHistory() {
	if f, err := os.Create(historyFile()); err == nil {
		_, _ = r.liner.WriteHistory(f)
		_ = f.Close()
	}
}

func historyFile() string {
	return filepath.Join(os.TempDir(), ".shmc_history")
}

func printValue(w io.Writer, val []byte, flags byte) {
	if flags&shmcache.FlagSerialized != 0 {
		fmt.Fprintf(w, "(serialized) %s\n", val)

		return
	}

	if isPrintable(val) {
		fmt.Fprintf(w, "%s\n", val)

		return
	}

	fmt.Fprintf(w, "(%d bytes) %x\n", len(val), val)
}

func isPrintable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}

	return true
}

func printStats(w io.Writer, s shmcache.Stats) {
	fmt.Fprintf(w, "items:             %d\n", s.Items)
	fmt.Fprintf(w, "bytes used:        %d\n", s.BytesUsed)
	fmt.Fprintf(w, "zone space used:   %d\n", s.UsedSpace)
	fmt.Fprintf(w, "buckets in use:    %d / %d\n", s.Buckets, shmcache.BucketCount)
	fmt.Fprintf(w, "zones:             %d\n", s.ZoneCount)
	fmt.Fprintf(w, "oldest zone:       %d\n", s.OldestZoneIndex)
	fmt.Fprintf(w, "get hits:          %d\n", s.GetHits)
	fmt.Fprintf(w, "get misses:        %d\n", s.GetMisses)
	fmt.Fprintf(w, "max items (est):   %d\n", s.MaxItems)
	fmt.Fprintf(w, "segment size:      %d\n", s.SegmentSize)
}
