package server

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/transpo-project/transpo/pkg/b64"
	"github.com/transpo-project/transpo/pkg/core/crypto"
	"github.com/transpo-project/transpo/pkg/limits"
	"github.com/transpo-project/transpo/pkg/multipart"
	"github.com/transpo-project/transpo/pkg/store"
)

const (
	// tailPollInterval is how often a streaming download re-checks an
	// upload that is still being written after hitting its tail.
	tailPollInterval = 250 * time.Millisecond

	// minStreamBytesPerSec is the throughput floor below which a
	// stalled download is abandoned.
	minStreamBytesPerSec = 1024

	// rateGrace is how long a download may run before the throughput
	// floor is enforced.
	rateGrace = 10 * time.Second
)

// handleDownload streams a stored upload to the client under an
// accessor guard, decrypting when the URL carries the key.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := s.logger.WithField("peer", peerAddr(r))

	idString := mux.Vars(r)["id"]
	id, err := b64.DecodeID(idString)
	if err != nil {
		httpError(w, http.StatusNotFound)
		return
	}
	logger = logger.WithField("upload_id", idString)

	key, password, ok := parseDownloadQuery(r.URL.RawQuery)
	if !ok {
		httpError(w, http.StatusBadRequest)
		return
	}

	guard := s.accessors.Access(id)
	defer guard.Release()

	row, err := s.store.SelectByID(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.cleanupIfExpired(ctx, guard)
		httpError(w, http.StatusNotFound)
		return
	case err != nil:
		logger.Errorf("row lookup failed: %v", err)
		httpError(w, http.StatusInternalServerError)
		return
	}

	if row.IsExpired(time.Now().UTC()) {
		s.cleanupIfExpired(ctx, guard)
		httpError(w, http.StatusNotFound)
		return
	}

	if row.PasswordHash != nil {
		if password == nil || !crypto.VerifyPassword(*password, row.PasswordHash) {
			httpError(w, http.StatusBadRequest)
			return
		}
	}

	if err := s.store.DecrementRemainingDownloads(ctx, id); err != nil {
		logger.Errorf("failed to decrement downloads: %v", err)
		httpError(w, http.StatusInternalServerError)
		return
	}
	// From here on the guard's post-stream cleanup pass is what reaps
	// the upload if this was the last permitted download. It runs on a
	// fresh context: the request context is already cancelled when the
	// client disconnected mid-stream, and cleanup must still happen.
	defer s.cleanupIfExpired(context.Background(), guard)

	f, err := s.openPayload(ctx, idString, row)
	if err != nil {
		logger.Errorf("failed to open payload: %v", err)
		httpError(w, http.StatusInternalServerError)
		return
	}
	defer f.Close()

	var payload io.Reader = f
	if !row.IsCompleted {
		payload = newTailReader(f, s.tailDoneFunc(ctx, id), tailPollInterval, s.config.ReadTimeout)
	}

	fileName := row.FileName
	mimeType := row.MimeType
	var body io.Reader

	if key != nil {
		cipher, err := crypto.NewCipher(key)
		if err != nil {
			httpError(w, http.StatusBadRequest)
			return
		}
		fileName, mimeType, err = decryptHeaders(cipher, row)
		if err != nil {
			// Wrong key: the ciphertext fails authentication.
			httpError(w, http.StatusBadRequest)
			return
		}
		body = crypto.NewSegmentReader(payload, cipher)
	} else {
		body = bufio.NewReaderSize(payload, multipart.ReadBufferSize)
	}

	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	w.Header().Set("Cache-Control", "no-cache")
	if key == nil && row.IsCompleted {
		w.Header().Set("Transpo-Ciphertext-Length", strconv.FormatUint(s.uploadSize(idString), 10))
	}

	if err := streamBody(w, body); err != nil {
		// The client went away or stalled below the floor; the guard
		// drop takes care of cleanup eligibility either way.
		logger.Infof("download ended early: %v", err)
		return
	}
	logger.Info("download completed")
}

// parseDownloadQuery pulls the optional key and password parameters.
// Empty values are ignored; unknown keys reject the request.
func parseDownloadQuery(rawQuery string) (key []byte, password *string, ok bool) {
	if rawQuery == "" {
		return nil, nil, true
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, nil, false
	}
	for name, vals := range values {
		v := vals[len(vals)-1]
		if v == "" {
			continue
		}
		switch name {
		case "key":
			decoded := b64.Decode(v)
			if len(decoded) != crypto.KeySize {
				return nil, nil, false
			}
			key = decoded
		case "password":
			password = &v
		case "nopass":
			// Harmless marker the upload link page appends.
		default:
			return nil, nil, false
		}
	}
	return key, password, true
}

// decryptHeaders recovers the plaintext file name and mime type from a
// row whose headers were encrypted server-side.
func decryptHeaders(cipher *crypto.Cipher, row *store.Upload) (string, string, error) {
	nameCipher, err := hex.DecodeString(row.FileName)
	if err != nil {
		return "", "", fmt.Errorf("malformed file name ciphertext: %w", err)
	}
	mimeCipher, err := hex.DecodeString(row.MimeType)
	if err != nil {
		return "", "", fmt.Errorf("malformed mime type ciphertext: %w", err)
	}

	fileName, err := cipher.DecryptFileName(nameCipher)
	if err != nil {
		return "", "", err
	}
	mimeType, err := cipher.DecryptMimeType(mimeCipher)
	if err != nil {
		return "", "", err
	}
	return fileName, mimeType, nil
}

// openPayload opens the stored file. A still-streaming upload may not
// have created it yet; poll briefly before giving up.
func (s *Server) openPayload(ctx context.Context, idString string, row *store.Upload) (*os.File, error) {
	path := s.uploadPath(idString)
	deadline := time.Now().Add(s.config.ReadTimeout)

	for {
		f, err := os.Open(path)
		if err == nil {
			return f, nil
		}
		if row.IsCompleted || !os.IsNotExist(err) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("payload never appeared: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(tailPollInterval):
		}
	}
}

// tailDoneFunc reports whether a streaming upload will ever grow
// again: it is done once its row is completed or gone.
func (s *Server) tailDoneFunc(ctx context.Context, id int64) func() bool {
	return func() bool {
		row, err := s.store.SelectByID(ctx, id)
		if err != nil {
			return true
		}
		return row.IsCompleted
	}
}

// tailReader turns EOF on a growing file into "current tail": it polls
// for more data until the done callback reports the writer finished,
// then drains what remains and surfaces the real EOF. A tail that
// stops growing for longer than stallTimeout aborts the read.
type tailReader struct {
	f            *os.File
	done         func() bool
	poll         time.Duration
	stallTimeout time.Duration
	stallAt      time.Time
}

func newTailReader(f *os.File, done func() bool, poll, stallTimeout time.Duration) *tailReader {
	return &tailReader{
		f:            f,
		done:         done,
		poll:         poll,
		stallTimeout: stallTimeout,
		stallAt:      time.Now().Add(stallTimeout),
	}
}

func (t *tailReader) Read(p []byte) (int, error) {
	for {
		n, err := t.f.Read(p)
		if n > 0 {
			t.stallAt = time.Now().Add(t.stallTimeout)
			return n, nil
		}
		if err != nil && err != io.EOF {
			return 0, err
		}

		if t.done() {
			// Catch bytes that landed between the read and the check.
			return t.f.Read(p)
		}
		if time.Now().After(t.stallAt) {
			return 0, errors.New("upload stalled while streaming")
		}
		time.Sleep(t.poll)
	}
}

// streamBody copies the payload to the client, enforcing the
// throughput floor after a grace period.
func streamBody(w io.Writer, body io.Reader) error {
	rate := limits.NewRateLimit(minStreamBytesPerSec)
	graceUntil := time.Now().Add(rateGrace)

	buf := make([]byte, 64*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher, ok := w.(http.Flusher); ok {
				flusher.Flush()
			}
			if !rate.AboveFloor(n) && time.Now().After(graceUntil) {
				return errors.New("stream below throughput floor")
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
