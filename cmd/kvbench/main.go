// Command kvbench drives load against a kvdb store and reports throughput
// and resulting on-disk footprint, in the spirit of the upstream project's
// own microbenchmarks but against this engine's own operations rather than
// competing libraries.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/arjunsethi/kvdb"
)

func main() {
	var (
		path       = flag.StringP("path", "p", "kvbench.db", "database file path")
		prePop     = flag.IntP("prepop", "n", 10000, "number of keys to pre-populate")
		ops        = flag.IntP("ops", "o", 100000, "number of operations to run per phase")
		workers    = flag.IntP("workers", "w", 8, "number of concurrent goroutines")
		writePct   = flag.IntP("write-pct", "W", 20, "percentage of operations that are writes")
		cacheCap   = flag.Int("cache", 4096, "value cache capacity, 0 disables")
		compact    = flag.Bool("compact", false, "run a Compact() pass after the load phase")
		valueBytes = flag.Int("value-size", 64, "size in bytes of each written value")
		keep       = flag.Bool("keep", false, "keep the database file after the run")
	)
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if !*keep {
		defer cleanup(*path)
	}

	eng, err := kvdb.Open(*path, kvdb.Options{
		CacheCapacity: *cacheCap,
		Logger:        &logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		os.Exit(1)
	}
	defer eng.Close()

	value := make([]byte, *valueBytes)
	for i := range value {
		value[i] = byte('a' + i%26)
	}

	fmt.Printf("prepopulating %d keys...\n", *prePop)
	for i := 0; i < *prePop; i++ {
		if err := eng.Put(strconv.Itoa(i), value); err != nil {
			fmt.Fprintf(os.Stderr, "put: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Printf("running %d ops across %d workers (%d%% writes)...\n", *ops, *workers, *writePct)
	elapsed := runMixedLoad(eng, *ops, *workers, *writePct, *prePop, value)
	reportThroughput("load", *ops, elapsed)
	reportFileSize(*path)

	if *compact {
		start := time.Now()
		if err := eng.Compact(); err != nil {
			fmt.Fprintf(os.Stderr, "compact: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("compact: %v\n", time.Since(start))
		reportFileSize(*path)
	}

	stats := eng.Stats()
	fmt.Printf("stats: reads=%d writes=%d cache_hits=%d cache_misses=%d index_size=%d\n",
		stats.Reads, stats.Writes, stats.CacheHits, stats.CacheMisses, stats.IndexSize)
}

func runMixedLoad(eng *kvdb.Engine, ops, workers, writePct, keySpace int, value []byte) time.Duration {
	var wg sync.WaitGroup
	perWorker := ops / workers
	start := time.Now()
	var completed atomic.Int64

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < perWorker; i++ {
				key := strconv.Itoa(rng.Intn(keySpace))
				if rng.Intn(100) < writePct {
					eng.Put(key, value)
				} else {
					eng.Get(key)
				}
				completed.Add(1)
			}
		}(int64(w) + 1)
	}
	wg.Wait()
	return time.Since(start)
}

func reportThroughput(label string, ops int, elapsed time.Duration) {
	fmt.Printf("%s: %d ops in %v (%.0f ops/sec)\n", label, ops, elapsed, float64(ops)/elapsed.Seconds())
}

func reportFileSize(path string) {
	info, err := os.Stat(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stat %s: %v\n", path, err)
		return
	}
	fmt.Printf("%s: %.2f MB\n", path, float64(info.Size())/(1024*1024))
}

func cleanup(path string) {
	for _, suffix := range []string{"", ".wal", ".hint", ".scripts"} {
		os.Remove(path + suffix)
	}
}
