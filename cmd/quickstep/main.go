// Command quickstep is a thin demo front end over the quickstep
// package: open a store, put/get/delete a few keys, print stats.
// Argv parsing, config file loading, and the raw block device are
// explicitly out of scope for the core library (spec.md's CLI
// Non-goal) — this program is deliberately small and exists only to
// exercise the public API end to end.
//
// Grounded on the teacher's cmd/demo/main.go, rewritten to drive
// quickstep's single transactional store instead of the original
// three-engine comparison.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/merlinai-com/quickstep"
	"github.com/merlinai-com/quickstep/internal/config"
	"github.com/merlinai-com/quickstep/internal/telemetry"
)

func main() {
	dir := flag.String("dir", "./data-quickstep", "directory holding quickstep.db and its WAL")
	debug := flag.Bool("debug", false, "enable verbose development logging")
	cfg := config.ApplyEnv(config.Default(""))
	finalize := config.BindFlags(flag.CommandLine, &cfg)
	flag.Parse()
	finalize()
	cfg.Path = *dir

	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		log.Fatalf("creating data directory: %v", err)
	}

	logger := telemetry.Nop()
	if *debug {
		logger = telemetry.New(true)
	}

	db, err := quickstep.Open(cfg, logger)
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}
	defer db.Close()

	fmt.Println("Created quickstep store at", cfg.Path)

	testData := map[string]string{
		"user:1001":   `{"name": "Alice", "age": 30, "city": "NYC"}`,
		"user:1002":   `{"name": "Bob", "age": 25, "city": "SF"}`,
		"product:101": `{"name": "Laptop", "price": 999.99}`,
	}

	fmt.Println("\n[Writing data]")
	for key, value := range testData {
		if err := db.Put([]byte(key), []byte(value)); err != nil {
			log.Printf("error writing %s: %v", key, err)
			continue
		}
		fmt.Printf("  PUT %s\n", key)
	}

	fmt.Println("\n[Reading data]")
	for key := range testData {
		value, err := db.Get([]byte(key))
		if err != nil {
			log.Printf("error reading %s: %v", key, err)
			continue
		}
		fmt.Printf("  GET %s -> %s\n", key, value)
	}

	fmt.Println("\n[A multi-write transaction]")
	tx, err := db.Tx()
	if err != nil {
		log.Fatalf("beginning transaction: %v", err)
	}
	if err := tx.Put([]byte("user:1001"), []byte(`{"name": "Alice Updated", "age": 31, "city": "NYC"}`)); err != nil {
		log.Printf("error updating user:1001: %v", err)
		tx.Rollback()
	} else if err := tx.Delete([]byte("product:101")); err != nil {
		log.Printf("error deleting product:101: %v", err)
		tx.Rollback()
	} else if err := tx.Commit(); err != nil {
		log.Printf("error committing transaction: %v", err)
	} else {
		fmt.Println("  committed: updated user:1001, deleted product:101")
	}

	if _, err := db.Get([]byte("product:101")); err != nil {
		fmt.Println("  GET product:101 -> key not found (as expected)")
	}

	fmt.Println("\n[Statistics]")
	stats := db.Stats()
	fmt.Printf("  Keys: %d\n", stats.NumKeys)
	fmt.Printf("  Leaves: %d\n", stats.NumLeaves)
	fmt.Printf("  Inner nodes: %d\n", stats.NumInnerNodes)
	fmt.Printf("  Disk usage: %d bytes\n", stats.TotalDiskSize)
	fmt.Printf("  Splits: %d, Merges: %d, Grows: %d, Evictions: %d, Checkpoints: %d\n",
		stats.SplitCount, stats.MergeCount, stats.GrowCount, stats.EvictionCount, stats.CheckpointCount)
	fmt.Printf("  Write amplification: %.2fx\n", stats.WriteAmp)
	fmt.Printf("  Space amplification: %.2fx\n", stats.SpaceAmp)
}
