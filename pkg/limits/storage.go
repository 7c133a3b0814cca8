// Package limits implements the resource guards of the data plane: the
// global storage budget, per-peer upload quotas, and the per-stream
// minimum-throughput watchdog.
package limits

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/transpo-project/transpo/pkg/common/logging"
)

// resyncInterval is how often the tracked storage size is reconciled
// against the filesystem.
const resyncInterval = time.Hour

// StorageLimit tracks a global byte budget for the storage directory.
//
// The counter is conservative: every reserved byte is counted
// immediately, and a resync pass that has walked the filesystem may
// only shrink the tracked value, never grow it. Uploads deleted out-of-band
// (by an operator, not by Transpo) would otherwise leak budget
// forever; the resync reclaims that phantom space without ever
// under-estimating live usage. Writes that land while the walk is in
// flight are captured by a write counter reset at the start of the
// pass: corrected = fs_size + writes_since_reset, adopted only if
// lower than the tracked value.
type StorageLimit struct {
	mu                sync.Mutex
	maxBytes          uint64
	currentBytes      uint64
	writesSinceResync uint64

	storageDir string
	resyncNow  chan struct{}
	unlimited  bool
}

// NewStorageLimit builds a limit of maxBytes over storageDir, seeding
// the tracked size from the directory's current contents.
func NewStorageLimit(maxBytes uint64, storageDir string) (*StorageLimit, error) {
	size, err := storageSize(storageDir)
	if err != nil {
		return nil, fmt.Errorf("failed to measure storage directory: %w", err)
	}

	return &StorageLimit{
		maxBytes:     maxBytes,
		currentBytes: size,
		storageDir:   storageDir,
		resyncNow:    make(chan struct{}, 1),
	}, nil
}

// Unlimited returns a limit that never runs out and never resyncs.
func Unlimited() *StorageLimit {
	return &StorageLimit{unlimited: true, resyncNow: make(chan struct{}, 1)}
}

// CheckAndReserve reserves n bytes of budget. It returns false, and
// reserves nothing, if the reservation would exceed the limit.
func (l *StorageLimit) CheckAndReserve(n uint64) bool {
	if l.unlimited {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.currentBytes+n > l.maxBytes {
		return false
	}
	l.currentBytes += n
	l.writesSinceResync += n
	return true
}

// Release returns n bytes of budget, typically after a deletion or a
// failed upload.
func (l *StorageLimit) Release(n uint64) {
	if l.unlimited {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if n > l.currentBytes {
		l.currentBytes = 0
	} else {
		l.currentBytes -= n
	}
}

// Full reports whether the budget is already exhausted.
func (l *StorageLimit) Full() bool {
	if l.unlimited {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentBytes >= l.maxBytes
}

// Adjust reconciles the tracked size with bytes that reached the disk
// outside CheckAndReserve's view, such as pipeline framing overhead.
// Positive deltas are applied even past the limit: the tracked value
// must mirror what is actually stored.
func (l *StorageLimit) Adjust(delta int64) {
	if l.unlimited || delta == 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if delta > 0 {
		l.currentBytes += uint64(delta)
		l.writesSinceResync += uint64(delta)
		return
	}
	n := uint64(-delta)
	if n > l.currentBytes {
		l.currentBytes = 0
	} else {
		l.currentBytes -= n
	}
}

// CurrentBytes returns the tracked usage.
func (l *StorageLimit) CurrentBytes() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentBytes
}

// Run periodically reconciles the tracked size with the filesystem. A
// watcher on the storage directory schedules an early pass when
// something removes an upload behind Transpo's back; the hourly tick
// remains the backstop when the watcher cannot be established.
func (l *StorageLimit) Run(ctx context.Context, logger *logging.Logger) {
	if l.unlimited {
		return
	}

	if watcher, err := fsnotify.NewWatcher(); err == nil {
		if err := watcher.Add(l.storageDir); err == nil {
			defer watcher.Close()
			go l.watchDeletions(ctx, watcher)
		} else {
			watcher.Close()
			logger.Warnf("storage watcher unavailable: %v", err)
		}
	} else {
		logger.Warnf("storage watcher unavailable: %v", err)
	}

	ticker := time.NewTicker(resyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-l.resyncNow:
		}

		if err := l.resync(ctx); err != nil {
			logger.Errorf("storage resync failed: %v", err)
		}
	}
}

func (l *StorageLimit) watchDeletions(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				select {
				case l.resyncNow <- struct{}{}:
				default:
				}
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// resync reconciles the tracked size against the filesystem. The lock
// is never held across the directory walk.
func (l *StorageLimit) resync(ctx context.Context) error {
	l.mu.Lock()
	l.writesSinceResync = 0
	l.mu.Unlock()

	// Give racing writers a moment to land before the walk, mirroring
	// the write-counter window it was reset for.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Second):
	}

	fsSize, err := storageSize(l.storageDir)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	corrected := fsSize + l.writesSinceResync
	if corrected < l.currentBytes {
		l.currentBytes = corrected
	}
	return nil
}

// storageSize sums the payload files under storageDir.
func storageSize(storageDir string) (uint64, error) {
	entries, err := os.ReadDir(storageDir)
	if err != nil {
		return 0, err
	}

	var total uint64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := os.Stat(filepath.Join(storageDir, e.Name(), "upload"))
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		total += uint64(info.Size())
	}
	return total, nil
}
