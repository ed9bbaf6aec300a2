// Package crypto hashes and verifies owner passwords.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"

	"golang.org/x/crypto/argon2"
)

// Params are the Argon2id cost parameters.
type Params struct {
	Time    uint32 // iterations
	Memory  uint32 // KiB
	Threads uint8
	KeyLen  uint32
}

// DefaultParams is used for every stored hash.
var DefaultParams = Params{Time: 3, Memory: 64 * 1024, Threads: 1, KeyLen: 32}

// SaltLen is the length of a per-owner salt.
const SaltLen = 16

// burnSalt feeds the hash computed for unknown usernames.
var burnSalt = make([]byte, SaltLen)

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// NewSalt returns a fresh per-owner salt.
func NewSalt() ([]byte, error) { return RandBytes(SaltLen) }

// Hash returns the Argon2id hash of password with salt under p.
func (p Params) Hash(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, p.Time, p.Memory, p.Threads, p.KeyLen)
}

// HashPassword hashes password with DefaultParams.
func HashPassword(password, salt []byte) []byte {
	return DefaultParams.Hash(password, salt)
}

// VerifyPassword verifies password against expected Argon2id hash and salt.
func VerifyPassword(password, salt, expected []byte) bool {
	if len(expected) == 0 {
		return false
	}
	got := HashPassword(password, salt)
	return subtle.ConstantTimeCompare(got, expected) == 1
}

// Burn spends one hash on password so a login for an unknown username costs as much as a real one.
func Burn(password []byte) {
	_ = HashPassword(password, burnSalt)
}
