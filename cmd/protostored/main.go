package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/behrlich/protostore"
	"github.com/behrlich/protostore/internal/logging"
)

func main() {
	var (
		dataDir       = flag.String("data-dir", "./db", "Directory holding the TOC and data files")
		numTCPThreads = flag.Int("num-tcp-threads", 5, "Number of reactor lanes")
		maxQueueDepth = flag.Int("max-queue-depth", 128, "Max in-flight AIO operations per lane")
		listenAddr    = flag.String("listen-addr", "0.0.0.0:8080", "TCP address to bind")
		shortCircuit  = flag.Bool("short-circuit-reads", false, "Answer reads with a fixed body, bypassing storage (test only)")
		verbose       = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	cfg := protostore.DefaultConfig()
	cfg.DataDir = *dataDir
	cfg.NumTCPThreads = *numTCPThreads
	cfg.MaxQueueDepth = *maxQueueDepth
	cfg.ListenAddr = *listenAddr
	cfg.ShortCircuitReads = *shortCircuit
	if *verbose {
		cfg.LogLevel = logging.LevelDebug
	}

	logger.Info("opening store", "data_dir", cfg.DataDir, "lanes", cfg.NumTCPThreads, "queue_depth", cfg.MaxQueueDepth)

	srv, err := protostore.Open(cfg)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(ctx) }()

	logger.Info("serving", "addr", cfg.ListenAddr)
	fmt.Printf("protostored listening on %s\n", cfg.ListenAddr)
	fmt.Printf("Press Ctrl+C to stop...\n")
	fmt.Printf("Send SIGUSR1 (kill -USR1 %d) to dump goroutine stacks\n", os.Getpid())

	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "\n=== FULL GOROUTINE STACK DUMP ===\n%s\n=== END STACK DUMP ===\n\n", buf[:n])

			filename := fmt.Sprintf("protostored-stacks-%d.txt", time.Now().Unix())
			if f, err := os.Create(filename); err == nil {
				fmt.Fprintf(f, "Goroutine stack dump at %s\nProcess ID: %d\n\n", time.Now().Format(time.RFC3339), os.Getpid())
				f.Write(buf[:n])
				fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
				pprof.Lookup("goroutine").WriteTo(f, 2)
				f.Close()
				logger.Info("stack trace written to file", "file", filename)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-runErr:
		if err != nil {
			logger.Error("server stopped unexpectedly", "error", err)
			exitCode = 1
		}
	}

	cancel()

	cleanupDone := make(chan struct{})
	go func() {
		srv.Close()
		close(cleanupDone)
	}()

	select {
	case <-cleanupDone:
	case <-time.After(5 * time.Second):
		logger.Info("cleanup timeout, forcing exit")
	}

	snap := srv.Metrics().Snapshot()
	log.Printf("final stats: read_ops=%d write_ops=%d read_errors=%d write_errors=%d",
		snap.ReadOps, snap.WriteOps, snap.ReadErrors, snap.WriteErrors)

	os.Exit(exitCode)
}
