package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters. With a 16-byte salt and 32-byte digest these
// serialize to a 96-byte PHC string, which is the width the upload row
// reserves for password hashes.
const (
	argonMemory  = 4096
	argonTime    = 3
	argonThreads = 1
	argonSaltLen = 16
	argonHashLen = 32
)

// PasswordHashLen is the serialized PHC string length.
const PasswordHashLen = 96

// HashPassword derives an Argon2id hash of password and serializes it
// as a PHC string.
func HashPassword(password string) ([]byte, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonHashLen)

	phc := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash))

	return []byte(phc), nil
}

// VerifyPassword reports whether password matches the PHC-serialized
// hash. Malformed hashes never match.
func VerifyPassword(password string, phc []byte) bool {
	var (
		version      int
		memory, time uint32
		threads      uint8
	)

	parts := strings.Split(string(phc), "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(want) == 0 {
		return false
	}

	got := argon2.IDKey([]byte(password), salt, time, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}
