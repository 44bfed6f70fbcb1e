// AngelaMos | 2026
// security.go

package core

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	saltLength         = 16
	refreshTokenLength = 32
	clientIDLength     = 24
)

var errMalformedHash = errors.New("malformed password hash")

// argonParams are the argon2id cost settings encoded into every PHC string.
type argonParams struct {
	memory  uint32
	time    uint32
	threads uint8
	keyLen  uint32
}

var currentArgon = argonParams{
	memory:  64 * 1024,
	time:    1,
	threads: 4,
	keyLen:  32,
}

func (p argonParams) derive(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, p.keyLen)
}

func (p argonParams) encode(salt, key []byte) string {
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		p.memory,
		p.time,
		p.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	)
}

type passwordHash struct {
	params argonParams
	salt   []byte
	key    []byte
}

func parsePasswordHash(encoded string) (*passwordHash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return nil, errMalformedHash
	}
	if parts[1] != "argon2id" {
		return nil, fmt.Errorf("%w: algorithm %q", errMalformedHash, parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, fmt.Errorf("%w: version: %w", errMalformedHash, err)
	}
	if version != argon2.Version {
		return nil, fmt.Errorf("%w: version %d", errMalformedHash, version)
	}

	h := &passwordHash{}
	if _, err := fmt.Sscanf(
		parts[3],
		"m=%d,t=%d,p=%d",
		&h.params.memory,
		&h.params.time,
		&h.params.threads,
	); err != nil {
		return nil, fmt.Errorf("%w: params: %w", errMalformedHash, err)
	}

	var err error
	if h.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return nil, fmt.Errorf("%w: salt: %w", errMalformedHash, err)
	}
	if h.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return nil, fmt.Errorf("%w: key: %w", errMalformedHash, err)
	}

	//nolint:gosec // G115: argon2id keys are 32 bytes
	h.params.keyLen = uint32(len(h.key))

	return h, nil
}

func (h *passwordHash) matches(password string) bool {
	return subtle.ConstantTimeCompare(h.key, h.params.derive(password, h.salt)) == 1
}

func (h *passwordHash) stale() bool {
	return h.params != currentArgon
}

func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return currentArgon.encode(salt, currentArgon.derive(password, salt)), nil
}

// VerifyPasswordWithRehash checks password against encoded. When the hash was
// produced with older cost settings the second result is a replacement hash.
func VerifyPasswordWithRehash(password, encoded string) (bool, string, error) {
	h, err := parsePasswordHash(encoded)
	if err != nil {
		return false, "", err
	}
	if !h.matches(password) {
		return false, "", nil
	}
	if !h.stale() {
		return true, "", nil
	}

	upgraded, err := HashPassword(password)
	if err != nil {
		//nolint:nilerr // the password verified; the upgrade is retried next sign in
		return true, "", nil
	}
	return true, upgraded, nil
}

var dummyHash = mustHashPassword("soko_unknown_account_placeholder")

func mustHashPassword(password string) string {
	h, err := HashPassword(password)
	if err != nil {
		panic(fmt.Sprintf("security: hash placeholder password: %v", err))
	}
	return h
}

// VerifyPasswordTimingSafe spends the same argon2 work whether or not the
// account exists. A nil or empty hash always fails.
func VerifyPasswordTimingSafe(password string, encoded *string) (bool, string, error) {
	if encoded == nil || *encoded == "" {
		//nolint:errcheck // the placeholder only burns time
		_, _, _ = VerifyPasswordWithRehash(password, dummyHash)
		return false, "", nil
	}
	return VerifyPasswordWithRehash(password, *encoded)
}

func randomToken(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

func GenerateRefreshToken() (string, error) {
	return randomToken(refreshTokenLength)
}

// GenerateClientID returns the opaque value stored in the session cookie.
func GenerateClientID() (string, error) {
	return randomToken(clientIDLength)
}

// HashToken is the lookup key for a stored refresh token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
