// Package pageio is the lowest layer of quickstep: a fixed 4 KiB paged
// file with no internal cache (spec §4.1). Caching lives one layer up,
// in internal/minipage; this package only knows how to grow the file,
// read/write whole pages, and fsync.
package pageio

import (
	"encoding/binary"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/merlinai-com/quickstep/internal/common"
)

// PageSize is the fixed on-disk page size quickstep uses for leaf pages
// (spec §2, §4.2); inner nodes live only in memory and are never paged.
const PageSize = 4096

// metadataMagic identifies a quickstep data file, written to page 0.
const metadataMagic = 0x51534442 // "QSDB"

// PageId identifies a page slot in the file. Page 0 is reserved for
// file metadata; user pages start at 1.
type PageId uint64

// metadataSize is the on-disk layout of page 0: magic(4) + rootPageId(8)
// + numPages(8) + freeListHead(8).
const metadataSize = 4 + 8 + 8 + 8

type metadata struct {
	rootPageId   PageId
	numPages     uint64
	freeListHead PageId // 0 means empty; free pages are singly-linked
}

// File is a cache-free, fixed-page-size, crash-consistent file handle.
// Concurrent ReadPage/WritePage calls on disjoint pages do not contend;
// callers above this layer (internal/mapping) own higher-level
// synchronization. File only serializes growth and metadata access.
type File struct {
	f    *os.File
	mu   sync.Mutex // guards numPages growth and metadata read-modify-write
	meta metadata

	numPages atomic.Uint64
}

// Open opens or creates path as a quickstep data file, taking an
// advisory exclusive flock for the process lifetime (grounded on the
// low-level file control shown by other golang.org/x/sys/unix users in
// the example pack) so a second process can't concurrently corrupt the
// same file.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrap(common.ErrIoError, err.Error())
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, errors.Wrapf(common.ErrIoError, "flock %s: %v", path, err)
	}

	pf := &File{f: f}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(common.ErrIoError, err.Error())
	}
	if fi.Size() == 0 {
		pf.meta = metadata{rootPageId: 0, numPages: 1, freeListHead: 0}
		pf.numPages.Store(1)
		if err := pf.writeMetadataLocked(); err != nil {
			f.Close()
			return nil, err
		}
		if err := pf.f.Sync(); err != nil {
			f.Close()
			return nil, errors.Wrap(common.ErrIoError, err.Error())
		}
		return pf, nil
	}

	if err := pf.readMetadataLocked(); err != nil {
		f.Close()
		return nil, err
	}
	pf.numPages.Store(pf.meta.numPages)
	return pf, nil
}

func (pf *File) readMetadataLocked() error {
	buf := make([]byte, metadataSize)
	if _, err := pf.f.ReadAt(buf, 0); err != nil {
		return errors.Wrap(common.ErrIoError, err.Error())
	}
	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != metadataMagic {
		return errors.Wrapf(common.ErrCorruption, "bad metadata magic %x", magic)
	}
	pf.meta = metadata{
		rootPageId:   PageId(binary.BigEndian.Uint64(buf[4:12])),
		numPages:     binary.BigEndian.Uint64(buf[12:20]),
		freeListHead: PageId(binary.BigEndian.Uint64(buf[20:28])),
	}
	return nil
}

func (pf *File) writeMetadataLocked() error {
	buf := make([]byte, metadataSize)
	binary.BigEndian.PutUint32(buf[0:4], metadataMagic)
	binary.BigEndian.PutUint64(buf[4:12], uint64(pf.meta.rootPageId))
	binary.BigEndian.PutUint64(buf[12:20], pf.meta.numPages)
	binary.BigEndian.PutUint64(buf[20:28], uint64(pf.meta.freeListHead))
	if _, err := pf.f.WriteAt(buf, 0); err != nil {
		return errors.Wrap(common.ErrIoError, err.Error())
	}
	return nil
}

// offset returns the byte offset of id within the file. Page 0 holds
// metadata, so user page id translates 1:1 to slot id.
func offset(id PageId) int64 {
	return int64(id) * PageSize
}

// ReadPage reads the full PageSize bytes of id into buf, which must be
// exactly PageSize long.
func (pf *File) ReadPage(id PageId, buf []byte) error {
	if len(buf) != PageSize {
		return errors.Errorf("pageio: ReadPage buf must be %d bytes, got %d", PageSize, len(buf))
	}
	if id == 0 || uint64(id) >= pf.numPages.Load() {
		return errors.Wrapf(common.ErrIoError, "ReadPage: page %d out of range", id)
	}
	if _, err := pf.f.ReadAt(buf, offset(id)); err != nil {
		return errors.Wrap(common.ErrIoError, err.Error())
	}
	return nil
}

// WritePage writes buf (exactly PageSize bytes) to id. It does not
// fsync; callers batch writes and call Fsync once per durability point
// (the WAL append is the real durability barrier — see internal/wal).
func (pf *File) WritePage(id PageId, buf []byte) error {
	if len(buf) != PageSize {
		return errors.Errorf("pageio: WritePage buf must be %d bytes, got %d", PageSize, len(buf))
	}
	if id == 0 || uint64(id) >= pf.numPages.Load() {
		return errors.Wrapf(common.ErrIoError, "WritePage: page %d out of range", id)
	}
	if _, err := pf.f.WriteAt(buf, offset(id)); err != nil {
		return errors.Wrap(common.ErrIoError, err.Error())
	}
	return nil
}

// Allocate grows the file by one page (reusing the free list's head if
// non-empty) and returns the new PageId. The page's bytes are not
// zeroed on disk here; the caller (internal/engine or internal/recovery,
// when placing a new leaf) writes a full page image before anyone reads
// it.
func (pf *File) Allocate() (PageId, error) {
	pf.mu.Lock()
	defer pf.mu.Unlock()

	if pf.meta.freeListHead != 0 {
		id := pf.meta.freeListHead
		buf := make([]byte, PageSize)
		if _, err := pf.f.ReadAt(buf, offset(id)); err != nil {
			return 0, errors.Wrap(common.ErrIoError, err.Error())
		}
		pf.meta.freeListHead = PageId(binary.BigEndian.Uint64(buf[0:8]))
		if err := pf.writeMetadataLocked(); err != nil {
			return 0, err
		}
		return id, nil
	}

	id := PageId(pf.meta.numPages)
	pf.meta.numPages++
	pf.numPages.Store(pf.meta.numPages)
	if err := pf.writeMetadataLocked(); err != nil {
		return 0, err
	}
	return id, nil
}

// Free returns id to the free list for reuse by a future Allocate. The
// caller must guarantee no other reference to id survives (internal/
// engine calls this only after a merge has fully absorbed the sibling).
func (pf *File) Free(id PageId) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()

	buf := make([]byte, PageSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(pf.meta.freeListHead))
	if _, err := pf.f.WriteAt(buf, offset(id)); err != nil {
		return errors.Wrap(common.ErrIoError, err.Error())
	}
	pf.meta.freeListHead = id
	return pf.writeMetadataLocked()
}

// RootPageId returns the current root page id (0 means no tree yet).
func (pf *File) RootPageId() PageId {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.meta.rootPageId
}

// SetRootPageId persists a new root page id. internal/recovery calls it
// once, when it places the first root leaf of a new data file.
func (pf *File) SetRootPageId(id PageId) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	pf.meta.rootPageId = id
	return pf.writeMetadataLocked()
}

// NumPages returns the current allocated page count, including freed
// (but not yet reclaimed) pages.
func (pf *File) NumPages() uint64 {
	return pf.numPages.Load()
}

// Fsync flushes all prior writes to stable storage.
func (pf *File) Fsync() error {
	if err := pf.f.Sync(); err != nil {
		return errors.Wrap(common.ErrIoError, err.Error())
	}
	return nil
}

// Close fsyncs and releases the file, including the advisory flock.
func (pf *File) Close() error {
	if err := pf.f.Sync(); err != nil {
		pf.f.Close()
		return errors.Wrap(common.ErrIoError, err.Error())
	}
	unix.Flock(int(pf.f.Fd()), unix.LOCK_UN)
	if err := pf.f.Close(); err != nil {
		return errors.Wrap(common.ErrIoError, err.Error())
	}
	return nil
}
