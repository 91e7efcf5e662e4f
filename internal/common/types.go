// Package common holds types and errors shared across every quickstep
// package: the error taxonomy, engine statistics, and the point-access
// interface shape the root package's DB satisfies.
package common

// StorageEngine is the interface the embedded engine satisfies. Range
// scans are an explicit non-goal, so unlike the teacher's original
// three-engine interface this carries only point access.
type StorageEngine interface {
	Put(key, value []byte) error

	// Get returns ErrKeyNotFound if key doesn't exist.
	Get(key []byte) ([]byte, error)

	// Delete removes a key.
	Delete(key []byte) error

	// Close closes the storage engine.
	Close() error

	// Sync ensures all data is persisted to disk.
	Sync() error

	// Stats returns engine statistics.
	Stats() Stats

	// Compact manually triggers compaction.
	Compact() error
}

// Stats contains engine statistics.
type Stats struct {
	// Basic counts
	NumKeys       int64
	NumLeaves     int
	NumInnerNodes int
	TotalDiskSize int64

	// Performance metrics
	ReadCount      int64
	WriteCount     int64
	SplitCount     int64
	MergeCount     int64
	GrowCount      int64
	EvictionCount  int64
	CheckpointCount int64

	// Amplification factors
	WriteAmp float64 // bytes written to disk / bytes written by user
	SpaceAmp float64 // disk space used / logical data size
}
