// Package auth verifies the gateway API key presented by callers.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

var (
	// ErrMissingKey is returned when a key is required but none was sent.
	ErrMissingKey = errors.New("missing api key")
	// ErrInvalidKey is returned when the presented key does not match.
	ErrInvalidKey = errors.New("invalid api key")
)

// argon2idPrefix marks a configured key stored as a PHC-format hash.
const argon2idPrefix = "$argon2id$"

// KeyGate compares caller keys against the configured gateway key.
// The configured value is either the key itself or its Argon2id hash.
type KeyGate struct {
	configured string
	required   bool
}

// NewKeyGate returns a gate for configured. A hashed key is checked for a
// well-formed PHC string up front so a typo fails at startup, not per request.
func NewKeyGate(configured string, required bool) (*KeyGate, error) {
	if IsArgon2idHash(configured) {
		if _, _, _, err := argon2id.DecodeHash(configured); err != nil {
			return nil, fmt.Errorf("configured api key hash: %w", err)
		}
	}
	return &KeyGate{configured: configured, required: required}, nil
}

// Enabled reports whether requests must present a key.
func (g *KeyGate) Enabled() bool {
	return g != nil && g.required && g.configured != ""
}

// Check validates supplied. It always succeeds when the gate is disabled.
func (g *KeyGate) Check(supplied string) error {
	if !g.Enabled() {
		return nil
	}
	if supplied == "" {
		return ErrMissingKey
	}
	match, err := VerifyKey(supplied, g.configured)
	if err != nil || !match {
		return ErrInvalidKey
	}
	return nil
}

// argon2idParams defines OWASP minimum parameters for Argon2id.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024, // 47 MiB (OWASP minimum: 46 MiB)
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashKeyArgon2id returns an Argon2id hash of the raw key in PHC format.
// Format: $argon2id$v=19$m=48128,t=1,p=1$<salt>$<hash>
func HashKeyArgon2id(rawKey string) (string, error) {
	return argon2id.CreateHash(rawKey, argon2idParams)
}

// IsArgon2idHash reports whether s is a PHC-format Argon2id hash.
func IsArgon2idHash(s string) bool {
	return strings.HasPrefix(s, argon2idPrefix)
}

// VerifyKey compares rawKey with configured. Plain keys use exact,
// constant-time equality; Argon2id hashes are verified.
func VerifyKey(rawKey, configured string) (bool, error) {
	if IsArgon2idHash(configured) {
		return safeArgon2idCompare(rawKey, configured)
	}
	return subtle.ConstantTimeCompare([]byte(rawKey), []byte(configured)) == 1, nil
}

// safeArgon2idCompare wraps argon2id.ComparePasswordAndHash with panic recovery.
// The underlying argon2 library panics on hashes with invalid parameters
// (e.g., t=0 rounds, p=0 parallelism).
func safeArgon2idCompare(rawKey, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(rawKey, storedHash)
}
