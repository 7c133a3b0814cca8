package server

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/transpo-project/transpo/pkg/files"
	"github.com/transpo-project/transpo/pkg/multipart"
)

// handlePost runs a multipart upload session end to end: parse the
// query, create the storage directory, stream the body through the
// scanner into a writer pipeline, persist the row, respond. Any error
// is terminal and compensates by deleting both the row and the
// directory.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := s.logger.WithField("peer", peerAddr(r))

	boundary, ok := boundaryFromContentType(r.Header.Get("Content-Type"))
	if !ok {
		httpError(w, http.StatusBadRequest)
		return
	}
	scanner, err := multipart.NewScanner(boundary)
	if err != nil {
		httpError(w, http.StatusBadRequest)
		return
	}

	id, idString, err := s.createUploadDir()
	if err != nil {
		logger.Errorf("failed to create upload directory: %v", err)
		httpError(w, http.StatusInternalServerError)
		return
	}
	logger = logger.WithField("upload_id", idString)

	form := &uploadForm{}
	rowWritten := false

	// A query string carrying the time limit together with file-name
	// and mime-type (the client did its own encryption) lets the row be
	// written before the body arrives, so the upload can be downloaded
	// while it is still streaming. With the time limit alone the query
	// only supplies the form; server-side-processed uploads get their
	// row after the body has been read and cannot be downloaded before.
	if q, ok := parseUploadQuery(r.URL.RawQuery); ok && q.minutes != nil {
		form = formFromLimits(*q.minutes, q.maxDownloads, q.password)
		if q.fileName != nil && q.mimeType != nil {
			row, buildErr := s.buildUpload(form, id, *q.fileName, *q.mimeType)
			if buildErr == nil && s.store.Insert(ctx, row) == nil {
				rowWritten = true
				// The body may still carry meta fields; collect them
				// into a fresh form (they no longer bind the row).
				form = &uploadForm{}
			}
		}
	}

	sess := &postSession{
		server:  s,
		scanner: scanner,
		body:    r.Body,
		rc:      http.NewResponseController(w),
		form:    form,
		id:      id,
		idStr:   idString,
		peer:    peerAddr(r),
	}

	result, uerr := sess.run(ctx)
	s.storage.Adjust(int64(s.uploadSize(idString)) - int64(sess.reserved))

	if uerr == nil && !rowWritten {
		row, buildErr := s.buildUpload(sess.form, id, result.fileName, result.mimeType)
		if buildErr != nil {
			uerr = asUploadError(buildErr)
		} else if insertErr := s.store.Insert(ctx, row); insertErr != nil {
			uerr = uploadErr(CodeOther, insertErr)
		} else {
			rowWritten = true
		}
	}

	if uerr == nil {
		if err := s.store.SetCompleted(ctx, id, true); err != nil {
			uerr = uploadErr(CodeOther, err)
		}
	}

	if uerr != nil {
		if uerr.Code != CodeCancelled {
			logger.Errorf("upload failed: %v", uerr)
		}
		httpError(w, uerr.Code.HTTPStatus())
		s.deleteUpload(ctx, id)
		return
	}

	logger.Info("upload completed")
	s.respondUploadSuccess(w, r, idString, result.key, sess.form.isPasswordProtected())
}

// respondUploadSuccess answers a finished upload: an HTML link page
// for browsers, a JSON string for tools.
func (s *Server) respondUploadSuccess(w http.ResponseWriter, r *http.Request, idString, key string, passwordProtected bool) {
	if key != "" && r.Header.Get("User-Agent") != "" {
		uploadURL := idString
		if passwordProtected {
			uploadURL += "#" + key
		} else {
			uploadURL += "?nopass#" + key
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := s.renderer.RenderUploadLink(w, AppName, uploadURL); err != nil {
			s.logger.Errorf("failed to render link page: %v", err)
		}
		return
	}

	body := idString
	if key != "" {
		body += "#" + key
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, "%q", body)
}

// postResult carries what the body parse produced for the row.
type postResult struct {
	key      string // URL-safe key when the server did the processing
	fileName string
	mimeType string
}

// postSession is the state of one multipart upload body parse.
type postSession struct {
	server  *Server
	scanner *multipart.Scanner
	body    io.Reader
	rc      *http.ResponseController
	form    *uploadForm
	id      int64
	idStr   string
	peer    string

	writer    files.Writer
	fileOpen  bool
	result    postResult
	fieldType formField
	fieldBuf  []byte

	reserved       uint64
	sinceLastCheck uint64
}

// run drives the scanner until the closing boundary, feeding file
// chunks into the writer pipeline and meta fields into the form.
func (sess *postSession) run(ctx context.Context) (postResult, *UploadError) {
	defer func() {
		if sess.writer != nil {
			sess.writer.Close()
		}
	}()

	for {
		ev, err := sess.scanner.Next()
		if err != nil {
			return sess.result, uploadErr(CodeProtocol, err)
		}

		switch ev.Kind {
		case multipart.NeedMoreData:
			if uerr := sess.fill(); uerr != nil {
				return sess.result, uerr
			}

		case multipart.NewField:
			if uerr := sess.finishMetaField(); uerr != nil {
				return sess.result, uerr
			}
			if uerr := sess.startField(ev); uerr != nil {
				return sess.result, uerr
			}

		case multipart.Continue:
			if uerr := sess.continueField(ev.Chunk); uerr != nil {
				return sess.result, uerr
			}

		case multipart.Finished:
			if uerr := sess.finishMetaField(); uerr != nil {
				return sess.result, uerr
			}
			if sess.writer == nil {
				return sess.result, uploadErrf(CodeProtocol, "form carried no file")
			}
			if sess.fileOpen {
				if err := sess.writer.FinishFile(); err != nil {
					return sess.result, asUploadError(err)
				}
				sess.fileOpen = false
			}
			if err := sess.writer.Finish(); err != nil {
				return sess.result, asUploadError(err)
			}
			if err := sess.writer.Close(); err != nil {
				return sess.result, uploadErr(CodeOther, err)
			}
			return sess.result, nil
		}
	}
}

// fill reads more body bytes under the per-read deadline.
func (sess *postSession) fill() *UploadError {
	// A failing deadline set is tolerated: not every ResponseWriter
	// supports it, and the scanner still makes progress.
	_ = sess.rc.SetReadDeadline(time.Now().Add(sess.server.config.ReadTimeout))

	n, err := sess.scanner.Fill(sess.body)
	if n == 0 {
		switch {
		case err == nil:
			return nil
		case errors.Is(err, io.EOF):
			// The body ended before the closing boundary.
			return uploadErrf(CodeCancelled, "request body ended prematurely")
		case errors.Is(err, os.ErrDeadlineExceeded), isTimeout(err):
			return uploadErrf(CodeCancelled, "read timed out")
		default:
			return uploadErr(CodeCancelled, err)
		}
	}
	return sess.gateBytes(n)
}

// gateBytes applies the per-peer quota and the storage budget to n
// freshly read body bytes, and every storageCheckInterval bytes checks
// that the upload directory still exists. The upload size cap itself is
// enforced by the writer pipeline, which sees exactly the payload
// bytes.
func (sess *postSession) gateBytes(n int) *UploadError {
	s := sess.server

	if s.quotas != nil && s.quotas.Exceeds(sess.peer, uint64(n)) {
		return uploadErrf(CodeQuota, "peer exceeded its upload quota")
	}

	if !s.storage.CheckAndReserve(uint64(n)) {
		return uploadErrf(CodeStorage, "storage capacity exhausted")
	}
	sess.reserved += uint64(n)

	sess.sinceLastCheck += uint64(n)
	if sess.sinceLastCheck > storageCheckInterval {
		sess.sinceLastCheck = 0
		if _, err := os.Stat(s.uploadDir(sess.idStr)); err != nil {
			// The directory vanished mid-upload, most likely an
			// out-of-band cleanup. Nothing to salvage.
			return uploadErrf(CodeOther, "upload directory disappeared")
		}
	}
	return nil
}

// startField dispatches a NewField event.
func (sess *postSession) startField(ev multipart.Event) *UploadError {
	sess.fieldType = matchContentDisposition(ev.ContentDisposition)

	switch sess.fieldType {
	case fieldInvalid:
		return uploadErrf(CodeProtocol, "unrecognized form field")

	case fieldFiles:
		name, ok := fileNameFromCD(ev.ContentDisposition)
		if !ok {
			return uploadErrf(CodeProtocol, "files field without a file name")
		}
		if sess.writer == nil {
			if uerr := sess.openWriter(name, ev.ContentType); uerr != nil {
				return uerr
			}
		} else if sess.fileOpen {
			if err := sess.writer.FinishFile(); err != nil {
				return asUploadError(err)
			}
			sess.fileOpen = false
		}
		if err := sess.writer.StartFile(name); err != nil {
			return asUploadError(err)
		}
		sess.fileOpen = true
		if len(ev.Chunk) > 0 {
			if _, err := sess.writer.Write(ev.Chunk); err != nil {
				return asUploadError(err)
			}
		}
		return nil

	default:
		if sess.form.isFieldSet(sess.fieldType) {
			return uploadErrf(CodeProtocol, "duplicate form field")
		}
		if len(ev.Chunk) > maxMetaFieldLen {
			return uploadErrf(CodeProtocol, "form field value too large")
		}
		sess.fieldBuf = append(sess.fieldBuf[:0], ev.Chunk...)
		return nil
	}
}

// continueField dispatches a Continue event into the current field.
func (sess *postSession) continueField(chunk []byte) *UploadError {
	switch sess.fieldType {
	case fieldFiles:
		if _, err := sess.writer.Write(chunk); err != nil {
			return asUploadError(err)
		}
		return nil
	case fieldInvalid:
		return uploadErrf(CodeProtocol, "value outside any form field")
	default:
		if len(sess.fieldBuf)+len(chunk) > maxMetaFieldLen {
			return uploadErrf(CodeProtocol, "form field value too large")
		}
		sess.fieldBuf = append(sess.fieldBuf, chunk...)
		return nil
	}
}

// finishMetaField parses the completed value of the previous meta
// field, if one was being collected.
func (sess *postSession) finishMetaField() *UploadError {
	if sess.fieldType == fieldInvalid || sess.fieldType == fieldFiles {
		return nil
	}
	if !sess.form.setField(sess.fieldType, sess.fieldBuf) {
		return uploadErrf(CodeProtocol, "malformed form field value")
	}
	sess.fieldType = fieldInvalid
	sess.fieldBuf = sess.fieldBuf[:0]
	return nil
}

// openWriter picks the pipeline variant for the first file part. With
// server-side processing on, the payload is framed into a ZIP and
// encrypted under a fresh key; otherwise bytes are stored as received.
func (sess *postSession) openWriter(firstFileName, contentType string) *UploadError {
	// https://datatracker.ietf.org/doc/html/rfc4288#section-4.2
	if contentType == "" || len(contentType) > 255 {
		return uploadErrf(CodeProtocol, "file part has no usable content type")
	}

	path := sess.server.uploadPath(sess.idStr)
	maxBytes := sess.server.config.MaxUploadSizeBytes

	if sess.form.serverSideProcessing != nil && *sess.form.serverSideProcessing {
		w, key, err := files.NewEncryptedZipWriter(path, maxBytes)
		if err != nil {
			return uploadErr(CodeOther, err)
		}
		sess.writer = w
		sess.result.key = key
		sess.result.fileName = hex.EncodeToString(w.Cipher().EncryptFileName(firstFileName + ".zip"))
		sess.result.mimeType = hex.EncodeToString(w.Cipher().EncryptMimeType("application/zip"))
		return nil
	}

	w, err := files.NewRawWriter(path, maxBytes)
	if err != nil {
		return uploadErr(CodeOther, err)
	}
	sess.writer = w
	sess.result.fileName = firstFileName
	sess.result.mimeType = contentType
	return nil
}

// asUploadError maps pipeline errors onto wire codes.
func asUploadError(err error) *UploadError {
	var uerr *UploadError
	if errors.As(err, &uerr) {
		return uerr
	}
	if errors.Is(err, files.ErrFileTooLarge) {
		return uploadErr(CodeFileSize, err)
	}
	return uploadErr(CodeOther, err)
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func httpError(w http.ResponseWriter, status int) {
	http.Error(w, http.StatusText(status), status)
}
