// Password hashing utilities.
//
// WHY BCRYPT?
// bcrypt is slow on purpose, which makes offline guessing expensive. It also
// generates a random salt per hash and embeds it (with the cost) in the output:
//
//	$2a$12$<22-char salt><31-char hash>
//
// Because of the salt, hashing the same password twice gives two different
// strings. Use Verify to compare, never string equality.
//
// PRE-HASHING:
// bcrypt only reads the first 72 bytes of its input. Every password is first
// reduced to base64(SHA-256(password)), 44 bytes, so long passwords keep all
// of their entropy and no length limit is needed.

package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// DefaultCost is the bcrypt work factor used when no cost is configured.
const DefaultCost = 12

// ErrPasswordMismatch is returned by Verify when the password is wrong.
var ErrPasswordMismatch = errors.New("auth: invalid password")

// PasswordService provides bcrypt hashing and verification.
//
// The cost is a field (not a constant) so tests and local runs can use the
// bcrypt minimum of 4 instead of paying ~250ms per hash.
type PasswordService struct {
	cost int

	dummyOnce sync.Once
	dummyHash []byte
}

// NewPasswordService creates a PasswordService. A cost outside bcrypt's
// accepted range falls back to DefaultCost.
func NewPasswordService(cost int) *PasswordService {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultCost
	}
	return &PasswordService{cost: cost}
}

// Hash hashes the given plaintext password with bcrypt.
// The result is self-contained and can be stored as-is.
func (p *PasswordService) Hash(plaintext string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword(prehash(plaintext), p.cost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing password: %w", err)
	}

	return string(hashed), nil
}

// Verify checks whether a plaintext password matches a stored bcrypt hash.
// Returns nil on a match and ErrPasswordMismatch on a wrong password.
//
// bcrypt.CompareHashAndPassword compares in constant time.
func (p *PasswordService) Verify(hash, plaintext string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), prehash(plaintext))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrPasswordMismatch
		}
		return fmt.Errorf("auth: comparing password hash: %w", err)
	}
	return nil
}

// VerifyDummy runs one bcrypt comparison at the service's cost against a hash
// no password matches, and always returns ErrPasswordMismatch. Login calls it
// for unknown usernames so they take as long as a wrong password.
func (p *PasswordService) VerifyDummy(plaintext string) error {
	p.dummyOnce.Do(func() {
		// The input is not 44 bytes long, so no prehashed password matches it.
		h, err := bcrypt.GenerateFromPassword([]byte("calmora-dummy-password"), p.cost)
		if err == nil {
			p.dummyHash = h
		}
	})
	if p.dummyHash != nil {
		_ = bcrypt.CompareHashAndPassword(p.dummyHash, prehash(plaintext))
	}
	return ErrPasswordMismatch
}

func prehash(plaintext string) []byte {
	sum := sha256.Sum256([]byte(plaintext))
	out := make([]byte, base64.StdEncoding.EncodedLen(len(sum)))
	base64.StdEncoding.Encode(out, sum[:])
	return out
}
