// Package files implements the payload pipelines between a request
// body and the storage directory.
//
// Two writer variants exist, chosen by the upload session: RawWriter
// persists bytes as received (the client already encrypted them), and
// EncryptedZipWriter frames incoming files into a ZIP archive and
// encrypts the archive with a fresh per-upload key before it touches
// disk. Both enforce a byte cap and present the same chunk-sink
// surface, so the multipart scanner's event loop is agnostic to which
// one it feeds.
//
// Readers mirror the variants: OpenRaw streams stored bytes untouched,
// OpenEncrypted decrypts the AEAD segment stream on the way out.
package files

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/transpo-project/transpo/pkg/b64"
	"github.com/transpo-project/transpo/pkg/core/crypto"
	"github.com/transpo-project/transpo/pkg/zipstream"
)

// UploadFileName is the single payload file inside an upload's
// directory.
const UploadFileName = "upload"

// ErrFileTooLarge reports a write past the configured size cap.
var ErrFileTooLarge = errors.New("files: upload exceeds maximum size")

// Writer is the chunk sink the upload session feeds. StartFile and
// FinishFile delimit files within the upload (meaningful for the
// archiving variant); Finish flushes everything to disk. Close
// releases the file handle and is safe after Finish and on error
// paths.
type Writer interface {
	StartFile(name string) error
	Write(p []byte) (int, error)
	FinishFile() error
	Finish() error
	Close() error
}

// cappedFile is a buffered file that refuses to grow past a byte cap.
// The file is created exclusively: an existing payload means an id
// collision upstream.
type cappedFile struct {
	f         *os.File
	w         *bufio.Writer
	remaining uint64
	capped    bool
}

func newCappedFile(path string, maxBytes uint64) (*cappedFile, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload file: %w", err)
	}
	return &cappedFile{
		f:         f,
		w:         bufio.NewWriter(f),
		remaining: maxBytes,
		capped:    maxBytes > 0,
	}, nil
}

func (c *cappedFile) Write(p []byte) (int, error) {
	if c.capped {
		if uint64(len(p)) > c.remaining {
			return 0, ErrFileTooLarge
		}
		c.remaining -= uint64(len(p))
	}
	return c.w.Write(p)
}

func (c *cappedFile) flush() error {
	return c.w.Flush()
}

func (c *cappedFile) close() error {
	if c.f == nil {
		return nil
	}
	err := c.f.Close()
	c.f = nil
	return err
}

// RawWriter persists a single client-encrypted payload verbatim.
type RawWriter struct {
	file    *cappedFile
	started bool
}

// NewRawWriter creates the payload file at path with the given cap
// (0 means uncapped).
func NewRawWriter(path string, maxBytes uint64) (*RawWriter, error) {
	file, err := newCappedFile(path, maxBytes)
	if err != nil {
		return nil, err
	}
	return &RawWriter{file: file}, nil
}

// StartFile accepts exactly one file; raw uploads have no framing to
// hold a second one.
func (w *RawWriter) StartFile(string) error {
	if w.started {
		return errors.New("files: raw upload already holds a file")
	}
	w.started = true
	return nil
}

func (w *RawWriter) Write(p []byte) (int, error) {
	return w.file.Write(p)
}

// FinishFile is a no-op for raw uploads.
func (w *RawWriter) FinishFile() error {
	return nil
}

// Finish flushes buffered bytes to disk.
func (w *RawWriter) Finish() error {
	return w.file.flush()
}

// Close releases the file handle.
func (w *RawWriter) Close() error {
	return w.file.close()
}

// EncryptedZipWriter frames incoming files into a store-only ZIP and
// encrypts the archive stream with a fresh key.
type EncryptedZipWriter struct {
	file     *cappedFile
	segments *crypto.SegmentWriter
	archive  *zipstream.Archive
	cipher   *crypto.Cipher
	zip64    bool
	budget   uint64
	capped   bool
}

// NewEncryptedZipWriter creates the pipeline and returns it together
// with the URL-safe encoding of the generated key. maxBytes caps the
// plaintext payload; the on-disk cap allows for the authentication-tag
// and archive overhead on top of it.
func NewEncryptedZipWriter(path string, maxBytes uint64) (*EncryptedZipWriter, string, error) {
	key, err := crypto.NewKey()
	if err != nil {
		return nil, "", err
	}
	cipher, err := crypto.NewCipher(key)
	if err != nil {
		return nil, "", err
	}

	diskCap := uint64(0)
	if maxBytes > 0 {
		diskCap = maxBytes + maxBytes/crypto.SegmentSize*crypto.TagSize + 128*1024
	}
	file, err := newCappedFile(path, diskCap)
	if err != nil {
		return nil, "", err
	}

	segments := crypto.NewSegmentWriter(file, cipher)
	w := &EncryptedZipWriter{
		file:     file,
		segments: segments,
		archive:  zipstream.NewArchive(segments),
		cipher:   cipher,
		zip64:    maxBytes == 0 || maxBytes > 0xFFFF_FFFF,
		budget:   maxBytes,
		capped:   maxBytes > 0,
	}
	return w, b64.Encode(key), nil
}

// Cipher exposes the upload's cipher for header encryption.
func (w *EncryptedZipWriter) Cipher() *crypto.Cipher {
	return w.cipher
}

// StartFile opens the next archive entry.
func (w *EncryptedZipWriter) StartFile(name string) error {
	return w.archive.StartFile(name, time.Now().UTC(), w.zip64)
}

func (w *EncryptedZipWriter) Write(p []byte) (int, error) {
	if w.capped {
		if uint64(len(p)) > w.budget {
			return 0, ErrFileTooLarge
		}
		w.budget -= uint64(len(p))
	}
	if err := w.archive.Append(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// FinishFile closes the current archive entry.
func (w *EncryptedZipWriter) FinishFile() error {
	return w.archive.FinishFile()
}

// Finish writes the central directory, seals the final segment and
// flushes to disk.
func (w *EncryptedZipWriter) Finish() error {
	if err := w.archive.Finalize(); err != nil {
		return err
	}
	if err := w.segments.Close(); err != nil {
		return err
	}
	return w.file.flush()
}

// Close releases the file handle.
func (w *EncryptedZipWriter) Close() error {
	return w.file.close()
}

type readCloser struct {
	io.Reader
	f *os.File
}

func (r *readCloser) Close() error {
	return r.f.Close()
}

// OpenRaw streams a stored payload verbatim.
func OpenRaw(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open upload file: %w", err)
	}
	return &readCloser{Reader: bufio.NewReader(f), f: f}, nil
}

// OpenEncrypted streams a stored payload through AEAD decryption under
// the URL-carried key, returning the cipher as well so the caller can
// decrypt the row's file name and mime type.
func OpenEncrypted(path string, key []byte) (io.ReadCloser, *crypto.Cipher, error) {
	cipher, err := crypto.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open upload file: %w", err)
	}
	return &readCloser{
		Reader: crypto.NewSegmentReader(bufio.NewReader(f), cipher),
		f:      f,
	}, cipher, nil
}
