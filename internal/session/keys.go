package session

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// Executor key tokens are "chk_" followed by 64 lowercase hex characters
// (32 random bytes). Only the SHA-256 hash and a short prefix are stored;
// the secret is shown to the user exactly once.
const (
	tokenPrefix = "chk_"

	// tokenPrefixLen is how much of the token the store keeps in clear for
	// candidate lookup: "chk_" plus 8 hex characters.
	tokenPrefixLen = len(tokenPrefix) + 8
)

var tokenPattern = regexp.MustCompile(`^chk_[0-9a-f]{64}$`)

// newExecutorToken mints a fresh token and returns it with its stored
// prefix and hash.
func newExecutorToken() (token, prefix, hash string, err error) {
	raw := make([]byte, 32)
	if _, err = rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("generate executor key: %w", err)
	}
	token = tokenPrefix + hex.EncodeToString(raw)
	return token, token[:tokenPrefixLen], hashToken(token), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// matchToken constant-time-compares the presented token against a stored
// hash.
func matchToken(token, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(hashToken(token)), []byte(storedHash)) == 1
}

func newKeyID() string {
	return uuid.New().String()
}
