// Package store defines upload metadata and the UploadStore interface
// the server persists it through.
//
// Backends are selected at startup from the database URL and dispatch
// happens once per request entry, not per query. The in-memory backend
// serves tests and single-process deployments; pkg/store/postgres
// provides the durable one.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound reports a missing row.
	ErrNotFound = errors.New("store: upload not found")

	// ErrDuplicateID reports a primary key collision on insert. The
	// upload sessions do not re-roll the id on it; the insert error
	// fails the upload.
	ErrDuplicateID = errors.New("store: duplicate upload id")
)

// Upload is one persisted upload row.
//
// FileName and MimeType hold hex-encoded ciphertext under the upload
// key for server-side-processed uploads, and the client-supplied values
// as given otherwise; downloads decrypt them when the key is supplied.
type Upload struct {
	ID           int64
	FileName     string
	MimeType     string
	PasswordHash []byte // serialized Argon2 PHC string; nil when unprotected
	// RemainingDownloads is nil for unlimited downloads.
	RemainingDownloads *int32
	ExpireAfter        time.Time // UTC wall clock
	// IsCompleted is false while the payload is still being written.
	// Only rows inserted before the body (WebSocket uploads, and POST
	// uploads with file-name and mime-type in the query) are seen in
	// this state; downloads of them treat EOF as the current tail.
	IsCompleted bool
}

// IsExpired reports whether the upload should be treated as gone,
// either by time or by a depleted download counter.
func (u *Upload) IsExpired(now time.Time) bool {
	return u.IsExpiredTime(now) || u.IsExpiredDownloads()
}

// IsExpiredTime reports whether the expiry timestamp has passed.
func (u *Upload) IsExpiredTime(now time.Time) bool {
	return now.After(u.ExpireAfter)
}

// IsExpiredDownloads reports whether the download counter is depleted.
func (u *Upload) IsExpiredDownloads() bool {
	return u.RemainingDownloads != nil && *u.RemainingDownloads <= 0
}

// UploadStore is the metadata backend contract.
type UploadStore interface {
	// Insert stores a new row. ErrDuplicateID signals a primary key
	// collision distinct from other storage faults.
	Insert(ctx context.Context, upload *Upload) error

	// SelectByID returns the row or ErrNotFound.
	SelectByID(ctx context.Context, id int64) (*Upload, error)

	// DecrementRemainingDownloads decrements the counter; rows with a
	// null counter are untouched.
	DecrementRemainingDownloads(ctx context.Context, id int64) error

	// SetCompleted flips the completion flag.
	SetCompleted(ctx context.Context, id int64, completed bool) error

	// DeleteByID removes the row. Deleting an absent row is not an
	// error.
	DeleteByID(ctx context.Context, id int64) error

	// SelectExpiredIDs lists ids whose expiry has passed or whose
	// download counter is depleted.
	SelectExpiredIDs(ctx context.Context, now time.Time) ([]int64, error)

	// ListAllIDs lists every stored id.
	ListAllIDs(ctx context.Context) ([]int64, error)

	// Close releases backend resources.
	Close()
}
