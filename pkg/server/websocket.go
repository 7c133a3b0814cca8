package server

import (
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/transpo-project/transpo/pkg/files"
	"github.com/transpo-project/transpo/pkg/multipart"
)

// maxFrameSize bounds one WebSocket binary frame. Clients are expected
// to chunk around the read buffer size; anything wildly larger is a
// protocol violation.
const maxFrameSize = 2 * multipart.ReadBufferSize

var upgrader = websocket.Upgrader{
	ReadBufferSize:  multipart.ReadBufferSize,
	WriteBufferSize: 4096,
	// Uploads are authenticated by possession of the URL alone;
	// cross-origin pages gain nothing they could not do with a POST.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleUploadWS accepts a client-encrypted upload over a WebSocket.
// The query string must fully describe the upload (time limit, file
// name, mime type); the row is inserted before the first frame, the id
// is sent as a text message, and binary frames stream into the payload
// file until a normal close.
func (s *Server) handleUploadWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := s.logger.WithField("peer", peerAddr(r))

	q, ok := parseUploadQuery(r.URL.RawQuery)
	if !ok || q.minutes == nil || q.fileName == nil || q.mimeType == nil {
		httpError(w, http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	id, idString, err := s.createUploadDir()
	if err != nil {
		logger.Errorf("failed to create upload directory: %v", err)
		wsSendError(conn, CodeOther)
		return
	}
	logger = logger.WithField("upload_id", idString)

	form := formFromLimits(*q.minutes, q.maxDownloads, q.password)
	row, err := s.buildUpload(form, id, *q.fileName, *q.mimeType)
	if err == nil {
		err = s.store.Insert(ctx, row)
	}
	if err != nil {
		logger.Errorf("failed to insert upload row: %v", err)
		wsSendError(conn, CodeOther)
		s.deleteUpload(ctx, id)
		return
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(idString)); err != nil {
		s.deleteUpload(ctx, id)
		return
	}

	reserved, uerr := s.wsReadLoop(conn, idString, peerAddr(r))
	s.storage.Adjust(int64(s.uploadSize(idString)) - int64(reserved))

	if uerr == nil {
		if err := s.store.SetCompleted(ctx, id, true); err == nil {
			logger.Info("upload completed")
			// The client may already have gone away; a failed close
			// must not fail the upload.
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
		uerr = uploadErrf(CodeOther, "failed to mark upload completed")
	}

	if uerr.Code != CodeCancelled {
		logger.Errorf("upload failed: %v", uerr)
	}
	wsSendError(conn, uerr.Code)
	s.deleteUpload(ctx, id)
}

// wsSendError reports the single-byte error code as a binary frame.
func wsSendError(conn *websocket.Conn, code ErrorCode) {
	_ = conn.WriteMessage(websocket.BinaryMessage, []byte{byte(code)})
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, ""))
}

// wsReadLoop streams binary frames into the payload file until the
// client closes. It returns the storage bytes it reserved.
func (s *Server) wsReadLoop(conn *websocket.Conn, idString, peer string) (uint64, *UploadError) {
	if s.storage.Full() {
		return 0, uploadErrf(CodeStorage, "storage capacity exhausted")
	}

	writer, err := files.NewRawWriter(s.uploadPath(idString), s.config.MaxUploadSizeBytes)
	if err != nil {
		return 0, uploadErr(CodeOther, err)
	}
	defer writer.Close()

	conn.SetReadLimit(maxFrameSize + 1024)

	var totalRead, reserved, sinceLastCheck uint64
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure):
				if err := writer.Finish(); err != nil {
					return reserved, asUploadError(err)
				}
				if err := writer.Close(); err != nil {
					return reserved, uploadErr(CodeOther, err)
				}
				return reserved, nil
			case errors.As(err, &closeErr), isTimeout(err):
				// Any close code but Normal means the client gave up.
				return reserved, uploadErr(CodeCancelled, err)
			default:
				return reserved, uploadErr(CodeProtocol, err)
			}
		}

		if msgType != websocket.BinaryMessage {
			return reserved, uploadErrf(CodeProtocol, "unexpected %d message", msgType)
		}
		if len(data) > maxFrameSize {
			return reserved, uploadErrf(CodeProtocol, "oversized frame of %d bytes", len(data))
		}

		if s.quotas != nil && s.quotas.Exceeds(peer, uint64(len(data))) {
			return reserved, uploadErrf(CodeQuota, "peer exceeded its upload quota")
		}

		totalRead += uint64(len(data))
		if s.config.MaxUploadSizeBytes > 0 && totalRead > s.config.MaxUploadSizeBytes {
			return reserved, uploadErrf(CodeFileSize, "upload exceeds %d bytes", s.config.MaxUploadSizeBytes)
		}

		if !s.storage.CheckAndReserve(uint64(len(data))) {
			return reserved, uploadErrf(CodeStorage, "storage capacity exhausted")
		}
		reserved += uint64(len(data))

		sinceLastCheck += uint64(len(data))
		if sinceLastCheck > storageCheckInterval {
			sinceLastCheck = 0
			if _, err := os.Stat(s.uploadDir(idString)); err != nil {
				return reserved, uploadErrf(CodeOther, "upload directory disappeared")
			}
		}

		if _, err := writer.Write(data); err != nil {
			return reserved, asUploadError(err)
		}
	}
}
