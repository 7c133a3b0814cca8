package server

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"

	"github.com/transpo-project/transpo/pkg/b64"
	"github.com/transpo-project/transpo/pkg/common/config"
	"github.com/transpo-project/transpo/pkg/common/logging"
	"github.com/transpo-project/transpo/pkg/concurrency"
	"github.com/transpo-project/transpo/pkg/core/crypto"
	"github.com/transpo-project/transpo/pkg/files"
	"github.com/transpo-project/transpo/pkg/limits"
	"github.com/transpo-project/transpo/pkg/store"
)

// AppName is what the link page calls the service.
const AppName = "Transpo"

// storageCheckInterval is how many payload bytes may stream between
// directory-liveness rechecks. The storage budget is reserved on every
// read, not at this interval.
const storageCheckInterval = 10 * 1024 * 1024

// Server wires the upload, download and cleanup paths together.
type Server struct {
	config    *config.Config
	store     store.UploadStore
	accessors *concurrency.Accessors
	storage   *limits.StorageLimit
	quotas    *limits.Quotas // nil when quotas are disabled
	renderer  LinkRenderer
	logger    *logging.Logger
}

// New builds a Server. quotas may be nil to disable per-peer budgets.
func New(
	cfg *config.Config, st store.UploadStore, accessors *concurrency.Accessors,
	storage *limits.StorageLimit, quotas *limits.Quotas, logger *logging.Logger,
) *Server {
	return &Server{
		config:    cfg,
		store:     st,
		accessors: accessors,
		storage:   storage,
		quotas:    quotas,
		renderer:  NewHTMLLinkRenderer(),
		logger:    logger,
	}
}

// Routes registers the HTTP surface on r.
func (s *Server) Routes(r *mux.Router) {
	r.HandleFunc("/upload", s.handleUploadWS).Methods(http.MethodGet).
		Headers("Upgrade", "websocket")
	r.HandleFunc("/upload", s.handlePost).Methods(http.MethodPost)
	r.HandleFunc("/dl/{id}", s.handleDownload).Methods(http.MethodGet)
}

// peerAddr extracts the quota bucket for a request: the host portion
// of the remote address.
func peerAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// uploadDir returns the storage directory of an upload.
func (s *Server) uploadDir(idString string) string {
	return filepath.Join(s.config.StorageDir, idString)
}

// uploadPath returns the payload file of an upload.
func (s *Server) uploadPath(idString string) string {
	return filepath.Join(s.uploadDir(idString), files.UploadFileName)
}

// createUploadDir picks a random id and atomically creates its
// directory, re-rolling on collision.
func (s *Server) createUploadDir() (int64, string, error) {
	for {
		var raw [8]byte
		if _, err := io.ReadFull(rand.Reader, raw[:]); err != nil {
			return 0, "", fmt.Errorf("failed to generate upload id: %w", err)
		}
		id := int64(binary.BigEndian.Uint64(raw[:]))
		idString := b64.EncodeID(id)

		err := os.Mkdir(s.uploadDir(idString), 0700)
		if err == nil {
			return id, idString, nil
		}
		if !os.IsExist(err) {
			return 0, "", fmt.Errorf("failed to create upload directory: %w", err)
		}
	}
}

// uploadSize stats the stored payload; 0 when absent.
func (s *Server) uploadSize(idString string) uint64 {
	info, err := os.Stat(s.uploadPath(idString))
	if err != nil {
		return 0
	}
	return uint64(info.Size())
}

// deleteUpload removes an upload entirely: row first, then directory,
// then the storage budget it held. The row-before-directory order is
// what lets a downloader that has passed row lookup assume the
// directory exists for the lifetime of its guard.
func (s *Server) deleteUpload(ctx context.Context, id int64) {
	idString := b64.EncodeID(id)
	size := s.uploadSize(idString)

	if err := s.store.DeleteByID(ctx, id); err != nil {
		s.logger.Errorf("failed to delete row for upload %s: %v", idString, err)
	}
	if err := os.RemoveAll(s.uploadDir(idString)); err != nil {
		s.logger.Errorf("failed to delete directory for upload %s: %v", idString, err)
		return
	}
	s.storage.Release(size)
}

// cleanupIfExpired runs the last-accessor cleanup protocol for a held
// guard: under the guard's inner lock, delete the upload iff this is
// the only accessor and the row is gone or expired.
func (s *Server) cleanupIfExpired(ctx context.Context, guard *concurrency.Guard) {
	guard.Lock()
	defer guard.Unlock()

	if !guard.IsOnlyAccessor() {
		return
	}

	row, err := s.store.SelectByID(ctx, guard.ID())
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.deleteUpload(ctx, guard.ID())
	case err != nil:
		s.logger.Errorf("cleanup row lookup failed for upload %s: %v", b64.EncodeID(guard.ID()), err)
	case row.IsExpired(time.Now().UTC()):
		s.deleteUpload(ctx, guard.ID())
	}
}

// buildUpload materializes a row from the collected form fields.
func (s *Server) buildUpload(form *uploadForm, id int64, fileName, mimeType string) (*store.Upload, error) {
	if !form.hasTimeLimit() {
		return nil, uploadErrf(CodeProtocol, "upload has no time limit")
	}

	minutes := form.timeLimitMinutes()
	if minutes > s.config.MaxUploadAgeMinutes {
		minutes = s.config.MaxUploadAgeMinutes
	}

	var passwordHash []byte
	if form.isPasswordProtected() {
		hash, err := crypto.HashPassword(*form.password)
		if err != nil {
			return nil, uploadErr(CodeOther, err)
		}
		passwordHash = hash
	}

	var remaining *int32
	if form.wantsMaxDownloads() {
		v := *form.maxDownloads
		if v > uint32(1<<31-1) {
			v = uint32(1<<31 - 1)
		}
		r := int32(v)
		remaining = &r
	}

	return &store.Upload{
		ID:                 id,
		FileName:           fileName,
		MimeType:           mimeType,
		PasswordHash:       passwordHash,
		RemainingDownloads: remaining,
		ExpireAfter:        time.Now().UTC().Add(time.Duration(minutes) * time.Minute),
		IsCompleted:        false,
	}, nil
}
