// Package config holds the frozen configuration record consumed by
// db.Open (spec §6). A Config is built once — Default, then optionally
// ApplyEnv and BindFlags before Open — and never mutated afterward.
package config

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config is the frozen configuration record from spec §6. No field may
// be changed once passed to Open.
type Config struct {
	// Path is the directory holding quickstep.db and quickstep.db.wal.
	Path string

	// LeafUpperBound is the mapping table's capacity (max live PageIds).
	LeafUpperBound int

	// InnerNodeUpperBound is the max number of live inner nodes.
	InnerNodeUpperBound int

	// CacheBytes is the total size of the mini-page buffer.
	CacheBytes int64

	// WALLeafThreshold is the per-PageId record count before checkpoint.
	WALLeafThreshold int

	// WALGlobalRecordThreshold is the global record count before
	// background trim.
	WALGlobalRecordThreshold int64

	// WALGlobalByteThreshold is the global byte count before background
	// trim.
	WALGlobalByteThreshold int64

	// MergeThresholdBytes is the leaf live-payload floor triggering
	// auto-merge.
	MergeThresholdBytes int

	// WALMonitorInterval is how often the background WAL monitor
	// (spec §5/§9) polls the global thresholds.
	WALMonitorInterval time.Duration
}

// Default values, chosen the way the teacher's btree.DefaultConfig picks
// sane defaults for a 4 KiB page universe.
const (
	DefaultLeafUpperBound           = 1 << 20 // 1M live leaves
	DefaultInnerNodeUpperBound      = 1 << 18
	DefaultCacheBytes         int64 = 64 << 20 // 64 MiB mini-page arena
	DefaultWALLeafThreshold         = 64
	DefaultWALGlobalRecordThreshold int64 = 1 << 16
	DefaultWALGlobalByteThreshold   int64 = 64 << 20
	DefaultMergeThresholdBytes      = 1024 // 25% of a 4 KiB leaf
	DefaultWALMonitorInterval       = 500 * time.Millisecond
)

// Default returns a Config with sensible defaults rooted at path.
func Default(path string) Config {
	return Config{
		Path:                     path,
		LeafUpperBound:           DefaultLeafUpperBound,
		InnerNodeUpperBound:      DefaultInnerNodeUpperBound,
		CacheBytes:               DefaultCacheBytes,
		WALLeafThreshold:         DefaultWALLeafThreshold,
		WALGlobalRecordThreshold: DefaultWALGlobalRecordThreshold,
		WALGlobalByteThreshold:   DefaultWALGlobalByteThreshold,
		MergeThresholdBytes:      DefaultMergeThresholdBytes,
		WALMonitorInterval:       DefaultWALMonitorInterval,
	}
}

// DataFile returns the path to the primary data file.
func (c Config) DataFile() string {
	return c.Path + "/quickstep.db"
}

// WALFile returns the path to the write-ahead log sidecar.
func (c Config) WALFile() string {
	return c.DataFile() + ".wal"
}

// envOverrides lists the three threshold env vars from spec §6, each
// paired with the Config field it patches. Invalid values silently fall
// back to whatever the field already held, per spec.
var envOverrides = []struct {
	name string
	set  func(*Config, int64)
}{
	{"QUICKSTEP_WAL_LEAF_THRESHOLD", func(c *Config, v int64) { c.WALLeafThreshold = int(v) }},
	{"QUICKSTEP_WAL_GLOBAL_RECORD_THRESHOLD", func(c *Config, v int64) { c.WALGlobalRecordThreshold = v }},
	{"QUICKSTEP_WAL_GLOBAL_BYTE_THRESHOLD", func(c *Config, v int64) { c.WALGlobalByteThreshold = v }},
}

// ApplyEnv overrides threshold fields from environment variables,
// mirroring the teacher's habit of keeping config overrides at the
// program boundary rather than inside the engine. Parse failures are
// silently ignored (the prior value stands), per spec §6.
func ApplyEnv(c Config) Config {
	for _, o := range envOverrides {
		raw, ok := os.LookupEnv(o.name)
		if !ok {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			continue
		}
		o.set(&c, v)
	}
	return c
}

// BindFlags registers the three --quickstep-wal-{leaf,global-record,
// global-byte}-threshold flags on fs, writing directly into c when
// fs.Parse is later called by the caller (grounded on the teacher's
// cmd/demo and cmd/benchmark, both built on the stdlib flag package).
// Invalid values (negative) are clamped back to the Config's current
// value at Parse time via the returned finalize function.
func BindFlags(fs *flag.FlagSet, c *Config) (finalize func()) {
	leaf := fs.Int64("quickstep-wal-leaf-threshold", int64(c.WALLeafThreshold), "per-PageId WAL record count before checkpoint")
	globalRecord := fs.Int64("quickstep-wal-global-record-threshold", c.WALGlobalRecordThreshold, "global WAL record count before background trim")
	globalByte := fs.Int64("quickstep-wal-global-byte-threshold", c.WALGlobalByteThreshold, "global WAL byte count before background trim")

	origLeaf, origRecord, origByte := c.WALLeafThreshold, c.WALGlobalRecordThreshold, c.WALGlobalByteThreshold

	return func() {
		if *leaf >= 0 {
			c.WALLeafThreshold = int(*leaf)
		} else {
			c.WALLeafThreshold = origLeaf
		}
		if *globalRecord >= 0 {
			c.WALGlobalRecordThreshold = *globalRecord
		} else {
			c.WALGlobalRecordThreshold = origRecord
		}
		if *globalByte >= 0 {
			c.WALGlobalByteThreshold = *globalByte
		} else {
			c.WALGlobalByteThreshold = origByte
		}
	}
}
