// bpcustodyd runs a custody ledger demo session alongside an
// observability HTTP server (metrics, health, pprof).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nainya/bpcustody/internal/logger"
	"github.com/nainya/bpcustody/internal/metrics"
	"github.com/nainya/bpcustody/internal/server"
	"github.com/nainya/bpcustody/pkg/ledger"
	"github.com/nainya/bpcustody/pkg/rangetree"
)

var (
	metricsPort = flag.Int("metrics-port", 9090, "Observability HTTP server port")
	capacity    = flag.Uint64("capacity", 4096, "Tree arena capacity (max live ranges)")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	journalPath = flag.String("journal", "bpcustody.wal", "Custody event journal path")
	checkpoint  = flag.String("checkpoint", "bpcustody.db", "Checkpoint store path")
)

func main() {
	flag.Parse()

	log := logger.NewLogger(logger.Config{Level: *logLevel, Pretty: true})
	m := metrics.NewMetrics()

	log.LogServerStart(*metricsPort, *journalPath)

	l, err := ledger.New(*capacity, log, m)
	if err != nil {
		log.Fatal("failed to create ledger").Err(err).Send()
	}

	if err := l.AttachJournal(*journalPath); err != nil {
		log.Fatal("failed to attach journal").Err(err).Send()
	}
	defer l.CloseJournal()

	if err := l.AttachCheckpointStore(*checkpoint); err != nil {
		log.Fatal("failed to attach checkpoint store").Err(err).Send()
	}
	defer l.CloseCheckpointStore()

	if err := l.Restore(); err != nil {
		log.Warn("checkpoint restore failed, starting empty").Err(err).Send()
	}
	if err := l.Replay(); err != nil {
		log.Fatal("journal replay failed").Err(err).Send()
	}

	l.StartPeriodicCheckpoints(2 * time.Minute)

	obs := server.NewObservabilityServer(*metricsPort, log)
	go func() {
		if err := obs.Start(); err != nil {
			log.Error("observability server stopped").Err(err).Send()
		}
	}()

	log.LogServerReady(*metricsPort)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		runDemoSession(l, log)
		close(done)
	}()

	select {
	case <-sigChan:
		log.LogServerShutdown()
	case <-done:
		log.Info("demo session complete").Send()
		<-sigChan
		log.LogServerShutdown()
	}

	if err := l.Snapshot(); err != nil {
		log.Error("final snapshot failed").Err(err).Send()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := obs.Shutdown(ctx); err != nil {
		log.Error("observability shutdown failed").Err(err).Send()
	}
}

// runDemoSession accepts a batch of custody, releases a few values to
// exercise splits and shrinks, then drains the ledger and prints a
// DACS-style summary of the final acknowledged range set.
func runDemoSession(l *ledger.CustodyLedger, log *logger.Logger) {
	batch := []uint32{100, 101, 102, 103, 104, 200, 201, 300, 301, 302, 303}
	for _, v := range batch {
		if err := l.AcceptCustody(v); err != nil {
			log.Warn("accept failed").Uint32("value", v).Err(err).Send()
		}
	}
	fmt.Printf("accepted custody of %d bundles\n", len(batch))

	for _, v := range []uint32{102, 201} {
		if err := l.ReleaseCustody(v); err != nil {
			log.Warn("release failed").Uint32("value", v).Err(err).Send()
		}
	}
	fmt.Println("released custody of 2 bundles, splitting or shrinking their ranges")

	stats := l.Stats()
	fmt.Printf("live ranges: %d, free nodes: %d, capacity: %d\n",
		stats.LiveRanges, stats.FreeNodes, stats.Capacity)

	fmt.Println("final custody acknowledgment summary:")
	_ = l.Drain(func(r rangetree.Range) bool {
		fmt.Printf("  [%d, %d]\n", r.Value, r.High())
		return true
	})
}
