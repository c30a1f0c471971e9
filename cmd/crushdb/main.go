// CrushDB-core smoke-test harness
// Exercises the storage-engine façade end to end from the command line
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/crushdb/crushdb-core/internal/config"
	"github.com/crushdb/crushdb-core/internal/logger"
	"github.com/crushdb/crushdb-core/internal/metrics"
	"github.com/crushdb/crushdb-core/pkg/btree"
	"github.com/crushdb/crushdb-core/pkg/crushdb"
	"github.com/crushdb/crushdb-core/pkg/document"
	"github.com/crushdb/crushdb-core/pkg/index"
	"github.com/crushdb/crushdb-core/pkg/pagemanager"
	"github.com/crushdb/crushdb-core/pkg/value"
	"github.com/crushdb/crushdb-core/pkg/wal"
)

var (
	dataDir  = flag.String("data-dir", "data", "directory holding crushdb.db, crushdb.meta and the indexes/ subdirectory")
	confPath = flag.String("conf", "crushdb.conf", "path to crushdb.conf (missing file uses built-in defaults)")
)

func main() {
	flag.Parse()

	cfg := config.Default()
	if _, err := os.Stat(*confPath); err == nil {
		loaded, err := config.Load(*confPath)
		if err != nil {
			log.Fatalf("failed to load %s: %v", *confPath, err)
		}
		cfg = loaded
	}

	lg := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true})
	mt := metrics.New()

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		log.Fatalf("failed to create data dir: %v", err)
	}

	pages, err := pagemanager.Open(pagemanager.Options{
		DataPath:  filepath.Join(*dataDir, "crushdb.db"),
		MetaPath:  filepath.Join(*dataDir, "crushdb.meta"),
		MaxPages:  cfg.CacheMaxPages,
		EagerLoad: cfg.EagerLoadPages,
	})
	if err != nil {
		log.Fatalf("failed to open page manager: %v", err)
	}

	indexes := index.NewManager(filepath.Join(*dataDir, "indexes"))

	var sink crushdb.RecordSink
	var walLog *wal.WAL
	if cfg.WALEnabled {
		walLog = &wal.WAL{Path: filepath.Join(*dataDir, "crushdb.wal")}
		if err := walLog.Open(); err != nil {
			log.Fatalf("failed to open wal: %v", err)
		}
		sink = crushdb.NewWALSink(walLog)
	}

	engine := crushdb.Open(crushdb.Options{
		Pages:   pages,
		Indexes: indexes,
		Sink:    sink,
		WAL:     walLog,
		Log:     lg,
		Metrics: mt,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("shutting down gracefully...")
		if err := engine.Close(); err != nil {
			log.Printf("error closing engine: %v", err)
		}
		os.Exit(0)
	}()

	ensureVehicleSchema(engine)
	if cfg.WALEnabled {
		if err := engine.Recover(); err != nil {
			log.Fatalf("failed to recover from wal: %v", err)
		}
	}

	runDemo(engine)

	if err := engine.Close(); err != nil {
		log.Fatalf("failed to close engine: %v", err)
	}
}

// ensureVehicleSchema declares the crate and index runDemo operates on.
// It runs before Recover so replayed WAL entries have somewhere to land,
// and tolerates already existing (a restart against the same data dir).
func ensureVehicleSchema(engine *crushdb.Engine) {
	const crate = "Vehicle"
	if err := engine.CreateCrate(crate); err != nil {
		log.Printf("create_crate %s: %v (may already exist)", crate, err)
	}
	if err := engine.CreateIndex(crate, "by_make", "vehicleMake", false, 64, btree.Asc, value.KindString); err != nil {
		log.Printf("create_index by_make: %v (may already exist)", err)
	}
}

// runDemo exercises the façade's Insert, Find, Scan and Delete once
// (RangeFind, CompactPage and Recover are not called), in the way the spec's
// E1/E6 scenarios describe, printing what it did so the binary doubles
// as a smoke test a human can eyeball.
func runDemo(engine *crushdb.Engine) {
	const crate = "Vehicle"

	makes := []string{"Subaru", "Subaru", "Tesla", "BMW"}
	var ids []uint64
	for _, make_ := range makes {
		doc := document.New(0)
		if err := doc.Put("vehicleMake", value.Str(make_)); err != nil {
			log.Fatalf("put vehicleMake: %v", err)
		}
		id, err := engine.Insert(crate, doc)
		if err != nil {
			log.Fatalf("insert: %v", err)
		}
		ids = append(ids, id)
		fmt.Printf("inserted doc %d (make=%s)\n", id, make_)
	}

	subarus, err := engine.Find(crate, "by_make", value.Str("Subaru"))
	if err != nil {
		log.Fatalf("find: %v", err)
	}
	fmt.Printf("find(by_make, Subaru) -> %d documents\n", len(subarus))

	all, err := engine.Scan(crate)
	if err != nil {
		log.Fatalf("scan: %v", err)
	}
	fmt.Printf("scan(%s) -> %d documents\n", crate, len(all))
	for _, doc := range all {
		fmt.Println(doc.String())
	}

	if len(ids) > 0 {
		if err := engine.Delete(crate, ids[0]); err != nil {
			log.Fatalf("delete: %v", err)
		}
		fmt.Printf("deleted doc %d\n", ids[0])
	}
}
