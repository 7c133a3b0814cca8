// Package crypto implements the cryptographic primitives of the
// Transpo data plane: the AES-256-GCM segment stream used to encrypt
// payloads at rest, the key-wrapped file name and mime type headers,
// and Argon2id password hashing in PHC string form.
//
// Keys are 256 bits, generated fresh per upload, and never persisted:
// the only copy lives in the URL fragment handed back to the uploader.
//
// Nonces are a 96-bit big-endian counter. Counter 0 encrypts the file
// name, counter 1 the mime type, and payload segments count from 2.
// Each plaintext segment is a fixed 64 KiB (the final one may be
// short), so segmentation is deterministic no matter how callers chunk
// their writes, and every segment carries its own authentication tag.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// KeySize is the AES-256 key width.
	KeySize = 32

	// TagSize is the GCM authentication tag appended to each segment.
	TagSize = 16

	// SegmentSize is the fixed plaintext segment length. A read of
	// SegmentSize+TagSize ciphertext bytes yields SegmentSize
	// plaintext bytes.
	SegmentSize = 64 * 1024

	nonceSize        = 12
	nonceFileName    = 0
	nonceMimeType    = 1
	nonceSegmentBase = 2
)

// NewKey generates a fresh 256-bit key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// Cipher wraps a per-upload key.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

func nonce(counter uint64) []byte {
	n := make([]byte, nonceSize)
	binary.BigEndian.PutUint64(n[nonceSize-8:], counter)
	return n
}

func (c *Cipher) sealString(s string, counter uint64) []byte {
	return c.aead.Seal(nil, nonce(counter), []byte(s), nil)
}

func (c *Cipher) openString(ciphertext []byte, counter uint64) (string, error) {
	plaintext, err := c.aead.Open(nil, nonce(counter), ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// EncryptFileName encrypts a file name for storage in the upload row.
func (c *Cipher) EncryptFileName(name string) []byte {
	return c.sealString(name, nonceFileName)
}

// DecryptFileName recovers the file name from the row's ciphertext.
func (c *Cipher) DecryptFileName(ciphertext []byte) (string, error) {
	return c.openString(ciphertext, nonceFileName)
}

// EncryptMimeType encrypts a mime type for storage in the upload row.
func (c *Cipher) EncryptMimeType(mime string) []byte {
	return c.sealString(mime, nonceMimeType)
}

// DecryptMimeType recovers the mime type from the row's ciphertext.
func (c *Cipher) DecryptMimeType(ciphertext []byte) (string, error) {
	return c.openString(ciphertext, nonceMimeType)
}

// SegmentWriter encrypts a plaintext stream into fixed-size sealed
// segments. Close flushes the final short segment; it does not close
// the underlying writer.
type SegmentWriter struct {
	w       io.Writer
	cipher  *Cipher
	buf     []byte
	counter uint64
	sealed  []byte
}

// NewSegmentWriter wraps w.
func NewSegmentWriter(w io.Writer, c *Cipher) *SegmentWriter {
	return &SegmentWriter{
		w:       w,
		cipher:  c,
		buf:     make([]byte, 0, SegmentSize),
		counter: nonceSegmentBase,
		sealed:  make([]byte, 0, SegmentSize+TagSize),
	}
}

func (sw *SegmentWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		space := SegmentSize - len(sw.buf)
		n := len(p)
		if n > space {
			n = space
		}
		sw.buf = append(sw.buf, p[:n]...)
		p = p[n:]
		written += n

		if len(sw.buf) == SegmentSize {
			if err := sw.flushSegment(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

func (sw *SegmentWriter) flushSegment() error {
	sw.sealed = sw.cipher.aead.Seal(sw.sealed[:0], nonce(sw.counter), sw.buf, nil)
	sw.counter++
	sw.buf = sw.buf[:0]
	if _, err := sw.w.Write(sw.sealed); err != nil {
		return fmt.Errorf("failed to write segment: %w", err)
	}
	return nil
}

// Close seals and writes any buffered partial segment.
func (sw *SegmentWriter) Close() error {
	if len(sw.buf) == 0 {
		return nil
	}
	return sw.flushSegment()
}

// SegmentReader decrypts a stream produced by SegmentWriter. Short
// ciphertext reads are buffered until a full segment is available; the
// final segment may be short.
type SegmentReader struct {
	r       io.Reader
	cipher  *Cipher
	sealed  []byte
	plain   []byte
	off     int
	counter uint64
	eof     bool
}

// NewSegmentReader wraps r.
func NewSegmentReader(r io.Reader, c *Cipher) *SegmentReader {
	return &SegmentReader{
		r:       r,
		cipher:  c,
		sealed:  make([]byte, SegmentSize+TagSize),
		counter: nonceSegmentBase,
	}
}

func (sr *SegmentReader) Read(p []byte) (int, error) {
	for sr.off == len(sr.plain) {
		if sr.eof {
			return 0, io.EOF
		}
		if err := sr.fillSegment(); err != nil {
			return 0, err
		}
	}

	n := copy(p, sr.plain[sr.off:])
	sr.off += n
	return n, nil
}

func (sr *SegmentReader) fillSegment() error {
	n, err := io.ReadFull(sr.r, sr.sealed)
	switch err {
	case nil:
	case io.ErrUnexpectedEOF, io.EOF:
		sr.eof = true
		if n == 0 {
			return nil
		}
		if n < TagSize {
			return fmt.Errorf("truncated segment of %d bytes", n)
		}
	default:
		return err
	}

	plain, err := sr.cipher.aead.Open(sr.sealed[:0], nonce(sr.counter), sr.sealed[:n], nil)
	if err != nil {
		return fmt.Errorf("failed to decrypt segment: %w", err)
	}
	sr.counter++
	sr.plain = plain
	sr.off = 0
	return nil
}
