package files

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transpo-project/transpo/pkg/b64"
	"github.com/transpo-project/transpo/pkg/core/crypto"
)

func TestRawWriterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), UploadFileName)

	w, err := NewRawWriter(path, 100)
	require.NoError(t, err)

	require.NoError(t, w.StartFile("anything"))
	assert.Error(t, w.StartFile("second"), "raw uploads hold exactly one file")

	_, err = w.Write([]byte("client-side ciphertext"))
	require.NoError(t, err)
	require.NoError(t, w.FinishFile())
	require.NoError(t, w.Finish())
	require.NoError(t, w.Close())

	r, err := OpenRaw(path)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("client-side ciphertext"), got)
}

func TestRawWriterCap(t *testing.T) {
	path := filepath.Join(t.TempDir(), UploadFileName)

	w, err := NewRawWriter(path, 10)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Write(make([]byte, 10))
	require.NoError(t, err, "exactly max size succeeds")

	_, err = w.Write([]byte{0})
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestRawWriterRefusesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), UploadFileName)
	require.NoError(t, os.WriteFile(path, []byte("already here"), 0600))

	_, err := NewRawWriter(path, 0)
	assert.Error(t, err)
}

func TestEncryptedZipRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), UploadFileName)

	w, encodedKey, err := NewEncryptedZipWriter(path, 1<<20)
	require.NoError(t, err)
	require.Len(t, encodedKey, 44, "32-byte key encodes to 44 characters")

	nameCipher := w.Cipher().EncryptFileName("notes.txt")

	require.NoError(t, w.StartFile("notes.txt"))
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.FinishFile())
	require.NoError(t, w.Finish())
	require.NoError(t, w.Close())

	// The stored blob must not contain the plaintext.
	stored, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(stored), "hello")

	// Decrypt with the URL-carried key, then unzip.
	key := b64.Decode(encodedKey)
	r, cipher, err := OpenEncrypted(path, key)
	require.NoError(t, err)
	defer r.Close()

	name, err := cipher.DecryptFileName(nameCipher)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", name)

	archive, err := io.ReadAll(r)
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	assert.Equal(t, "notes.txt", zr.File[0].Name)

	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, []byte("hello"), content)
}

func TestEncryptedZipWrongKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), UploadFileName)

	w, _, err := NewEncryptedZipWriter(path, 1<<20)
	require.NoError(t, err)
	require.NoError(t, w.StartFile("a"))
	_, err = w.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, w.FinishFile())
	require.NoError(t, w.Finish())
	require.NoError(t, w.Close())

	wrongKey, err := crypto.NewKey()
	require.NoError(t, err)

	r, _, err := OpenEncrypted(path, wrongKey)
	require.NoError(t, err)
	defer r.Close()

	_, err = io.ReadAll(r)
	assert.Error(t, err, "wrong key must fail authentication")
}

func TestEncryptedZipMultipleFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), UploadFileName)

	w, encodedKey, err := NewEncryptedZipWriter(path, 1<<20)
	require.NoError(t, err)

	require.NoError(t, w.StartFile("one.txt"))
	_, err = w.Write([]byte("first"))
	require.NoError(t, err)
	require.NoError(t, w.FinishFile())

	require.NoError(t, w.StartFile("two.txt"))
	_, err = w.Write([]byte("second"))
	require.NoError(t, err)
	require.NoError(t, w.FinishFile())

	require.NoError(t, w.Finish())
	require.NoError(t, w.Close())

	r, _, err := OpenEncrypted(path, b64.Decode(encodedKey))
	require.NoError(t, err)
	defer r.Close()

	archive, err := io.ReadAll(r)
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	assert.Equal(t, "one.txt", zr.File[0].Name)
	assert.Equal(t, "two.txt", zr.File[1].Name)
}
