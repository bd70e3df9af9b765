// Command bench runs a transfer workload against an in-process cluster and
// exposes optional pprof/Prometheus endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/IvanBrykalov/txcache/client"
	"github.com/IvanBrykalov/txcache/internal/logging"
	pmet "github.com/IvanBrykalov/txcache/metrics/prom"
	"github.com/IvanBrykalov/txcache/protocol"
	"github.com/IvanBrykalov/txcache/server"
	"github.com/IvanBrykalov/txcache/transport"
)

type account struct {
	ID      int `txcache:"primary"`
	Balance int
}

func main() {
	// ---- Flags ----
	var (
		nodes    = flag.Int("nodes", 3, "number of in-process nodes")
		accounts = flag.Int("accounts", 1_000, "number of accounts")
		initial  = flag.Int("balance", 1_000, "initial balance per account")
		dataDir  = flag.String("data-dir", "", "persist nodes under this directory (empty = in-memory)")

		workers  = flag.Int("workers", 2*runtime.GOMAXPROCS(0), "number of client goroutines")
		duration = flag.Duration("duration", 10*time.Second, "benchmark duration")
		readPct  = flag.Int("reads", 50, "read percentage [0..100]")
		legs     = flag.Int("legs", 2, "accounts touched per transfer")
		zipfS    = flag.Float64("zipf_s", 1.1, "Zipf s > 1 (skew)")
		zipfV    = flag.Float64("zipf_v", 1.0, "Zipf v")
		seed     = flag.Int64("seed", time.Now().UnixNano(), "random seed")

		lockTimeout = flag.Duration("lock-timeout", 100*time.Millisecond, "node lock wait bound")
		logLevel    = flag.String("log-level", "off", "log level")
		pprofAddr   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
		metricsAddr = flag.String("http", ":8080", "serve Prometheus metrics at addr")
	)
	flag.Parse()
	if *legs < 2 || *accounts < *legs {
		log.Fatalf("need legs >= 2 and accounts >= legs")
	}

	logger, err := logging.New(*logLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	// ---- pprof server (on DefaultServeMux) ----
	if *pprofAddr != "" {
		go func() {
			log.Printf("pprof: serving at %s", *pprofAddr)
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	// ---- Prometheus metrics (on DefaultServeMux) ----
	metrics := pmet.New(nil, "txcache", nil)
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Printf("metrics: serving at %s", *metricsAddr)
		log.Println(http.ListenAndServe(*metricsAddr, nil))
	}()

	// ---- Build cluster ----
	net := transport.NewLoopback()
	addrs := make([]string, *nodes)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("node-%d", i)
		cfg := server.Config{
			Name:         addrs[i],
			LockTimeout:  *lockTimeout,
			NoSync:       true,
			Logger:       logger,
			Metrics:      metrics,
			QueueMetrics: metrics,
		}
		if *dataDir != "" {
			cfg.DataDir = filepath.Join(*dataDir, addrs[i])
		}
		n, err := server.Open(cfg)
		if err != nil {
			log.Fatal(err)
		}
		defer func() { _ = n.Close() }()
		net.Register(addrs[i], n)
	}
	ctx := context.Background()
	conn, err := client.NewConnector(ctx, client.Config{Nodes: addrs, Dialer: net, Logger: logger})
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()
	ds, err := client.NewDataSource[account](conn)
	if err != nil {
		log.Fatal(err)
	}

	// ---- Seed accounts ----
	for i := 0; i < *accounts; i++ {
		if err := ds.Put(ctx, account{ID: i, Balance: *initial}); err != nil {
			log.Fatal(err)
		}
	}

	// ---- Snapshot flags for goroutines ----
	readPctVal := *readPct
	keysMax := uint64(*accounts - 1)
	seedBase := *seed
	legsN := *legs
	workersN := *workers
	if workersN <= 0 {
		workersN = 1
	}

	// ---- Load generation ----
	var reads, commits, aborts, failures, total uint64
	var abortMu sync.Mutex
	abortsBy := make(map[protocol.ErrorKind]uint64)
	wctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(workersN)
	for w := 0; w < workersN; w++ {
		go func(id int) {
			defer wg.Done()

			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			localR := rand.New(rand.NewSource(seedBase + int64(id)*9973))
			localZipf := rand.NewZipf(localR, *zipfS, *zipfV, keysMax)

			for {
				select {
				case <-wctx.Done():
					return
				default:
				}

				atomic.AddUint64(&total, 1)
				if int(localR.Int31n(100)) < readPctVal {
					atomic.AddUint64(&reads, 1)
					if _, err := ds.Get(wctx, int(localZipf.Uint64())); err != nil && wctx.Err() == nil {
						atomic.AddUint64(&failures, 1)
					}
					continue
				}
				err := transfer(wctx, conn, ds, localR, localZipf, legsN)
				var pe *protocol.Error
				switch {
				case err == nil:
					atomic.AddUint64(&commits, 1)
				case errors.As(err, &pe) && pe.IsTransaction():
					atomic.AddUint64(&aborts, 1)
					abortMu.Lock()
					abortsBy[pe.Kind]++
					abortMu.Unlock()
				case wctx.Err() == nil:
					atomic.AddUint64(&failures, 1)
				}
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	// ---- Verify ----
	all, err := ds.All(ctx)
	if err != nil {
		log.Fatal(err)
	}
	sum := 0
	for _, a := range all {
		sum += a.Balance
	}

	// ---- Report ----
	ops := atomic.LoadUint64(&total)
	fmt.Printf("nodes=%d accounts=%d workers=%d legs=%d dur=%v seed=%d\n",
		*nodes, *accounts, workersN, legsN, elapsed, seedBase)
	fmt.Printf("ops=%d (%.0f ops/s)  reads=%d  commits=%d  aborts=%d  failures=%d\n",
		ops, float64(ops)/elapsed.Seconds(), atomic.LoadUint64(&reads),
		atomic.LoadUint64(&commits), atomic.LoadUint64(&aborts), atomic.LoadUint64(&failures))
	for kind, n := range abortsBy {
		fmt.Printf("  abort %s=%d\n", kind, n)
	}
	want := *accounts * *initial
	fmt.Printf("total balance=%d (want %d)\n", sum, want)
	if sum != want {
		os.Exit(1)
	}
}

// transfer moves money from the first of legs distinct accounts to the rest,
// guarded by predicates on the balances it read.
func transfer(ctx context.Context, c *client.Connector, ds *client.DataSource[account], r *rand.Rand, z *rand.Zipf, legs int) error {
	seen := make(map[int]bool, legs)
	var accs []account
	for len(accs) < legs {
		id := int(z.Uint64())
		if seen[id] {
			continue
		}
		seen[id] = true
		a, err := ds.Get(ctx, id)
		if err != nil {
			return err
		}
		accs = append(accs, a)
	}
	amount := r.Intn(accs[0].Balance/(legs-1) + 1)
	tx := c.BeginTransaction()
	for i, a := range accs {
		next := a
		if i == 0 {
			next.Balance -= amount * (legs - 1)
		} else {
			next.Balance += amount
		}
		if err := tx.UpdateIf(next, fmt.Sprintf("Balance == %d", a.Balance)); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
