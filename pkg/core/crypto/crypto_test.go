package crypto

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	key, err := NewKey()
	require.NoError(t, err)
	require.Len(t, key, KeySize)

	c, err := NewCipher(key)
	require.NoError(t, err)
	return c
}

func TestHeaderRoundTrip(t *testing.T) {
	c := newTestCipher(t)

	nameCipher := c.EncryptFileName("report.pdf")
	mimeCipher := c.EncryptMimeType("application/pdf")

	name, err := c.DecryptFileName(nameCipher)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", name)

	mime, err := c.DecryptMimeType(mimeCipher)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", mime)

	// The two header slots use distinct nonces, so ciphertexts are not
	// interchangeable.
	_, err = c.DecryptMimeType(nameCipher)
	assert.Error(t, err)
}

func TestHeaderWrongKey(t *testing.T) {
	c1 := newTestCipher(t)
	c2 := newTestCipher(t)

	_, err := c2.DecryptFileName(c1.EncryptFileName("secret.txt"))
	assert.Error(t, err)
}

func TestSegmentStreamRoundTrip(t *testing.T) {
	c := newTestCipher(t)
	rng := rand.New(rand.NewSource(1))

	for _, size := range []int{0, 1, 17, SegmentSize - 1, SegmentSize, SegmentSize + 1, 3*SegmentSize + 1234} {
		plaintext := make([]byte, size)
		rng.Read(plaintext)

		var sealed bytes.Buffer
		w := NewSegmentWriter(&sealed, c)

		// Write in awkward chunk sizes; segmentation must not depend
		// on caller chunking.
		for i := 0; i < len(plaintext); i += 3001 {
			end := i + 3001
			if end > len(plaintext) {
				end = len(plaintext)
			}
			_, err := w.Write(plaintext[i:end])
			require.NoError(t, err)
		}
		require.NoError(t, w.Close())

		if size > 0 {
			expectSegments := (size + SegmentSize - 1) / SegmentSize
			assert.Equal(t, size+expectSegments*TagSize, sealed.Len(), "size %d", size)
		}

		got, err := io.ReadAll(NewSegmentReader(bytes.NewReader(sealed.Bytes()), c))
		require.NoError(t, err)
		assert.True(t, bytes.Equal(plaintext, got), "round trip failed for size %d", size)
	}
}

func TestSegmentReaderDetectsTampering(t *testing.T) {
	c := newTestCipher(t)

	var sealed bytes.Buffer
	w := NewSegmentWriter(&sealed, c)
	_, err := w.Write([]byte("the payload"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	corrupted := sealed.Bytes()
	corrupted[3] ^= 0x01

	_, err = io.ReadAll(NewSegmentReader(bytes.NewReader(corrupted), c))
	assert.Error(t, err)
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.Len(t, hash, PasswordHashLen)

	assert.True(t, VerifyPassword("hunter2", hash))
	assert.False(t, VerifyPassword("hunter3", hash))
	assert.False(t, VerifyPassword("", hash))
}

func TestVerifyPasswordMalformed(t *testing.T) {
	assert.False(t, VerifyPassword("x", nil))
	assert.False(t, VerifyPassword("x", []byte("not a phc string")))
	assert.False(t, VerifyPassword("x", []byte("$argon2id$v=19$m=4096,t=3,p=1$bad!$bad!")))
}
