package server

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/transpo-project/transpo/pkg/b64"
	"github.com/transpo-project/transpo/pkg/store"
)

// CleanupInterval is how often the background reaper runs.
const CleanupInterval = time.Hour

// RunCleanupWorker periodically reaps expired rows and orphaned
// storage directories until ctx is cancelled. A failing pass is logged
// and retried at the next tick; it never tears down the process.
func (s *Server) RunCleanupWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CleanupPass(ctx)
		}
	}
}

// CleanupPass runs one reaper iteration: expired rows first, then a
// sweep for directories whose rows vanished. Both use the accessor
// discipline so live downloads are never pulled out from under.
func (s *Server) CleanupPass(ctx context.Context) {
	logger := s.logger.WithComponent("cleanup")
	now := time.Now().UTC()

	ids, err := s.store.SelectExpiredIDs(ctx, now)
	if err != nil {
		logger.Errorf("failed to list expired uploads: %v", err)
	}
	for _, id := range ids {
		guard := s.accessors.Access(id)
		s.cleanupIfExpired(ctx, guard)
		guard.Release()
	}

	s.sweepOrphans(ctx, logger)
}

// sweepOrphans removes storage directories older than the maximum
// upload age. Their rows either expired (handled like any expired
// upload) or vanished entirely; either way the directory must not
// outlive the age cap.
func (s *Server) sweepOrphans(ctx context.Context, logger interface{ Errorf(string, ...interface{}) }) {
	entries, err := os.ReadDir(s.config.StorageDir)
	if err != nil {
		logger.Errorf("failed to read storage directory: %v", err)
		return
	}

	maxAge := s.config.MaxUploadAge()
	now := time.Now()

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || now.Sub(info.ModTime()) <= maxAge {
			continue
		}

		id, err := b64.DecodeID(entry.Name())
		if err != nil {
			// Not an upload directory at all; nothing pins it.
			if err := os.RemoveAll(filepath.Join(s.config.StorageDir, entry.Name())); err != nil {
				logger.Errorf("failed to remove stray directory %s: %v", entry.Name(), err)
			}
			continue
		}

		guard := s.accessors.Access(id)
		guard.Lock()
		if guard.IsOnlyAccessor() {
			if _, err := s.store.SelectByID(ctx, id); errors.Is(err, store.ErrNotFound) || err == nil {
				s.deleteUpload(ctx, id)
			}
		}
		guard.Unlock()
		guard.Release()
	}
}
