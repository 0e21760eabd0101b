package credential

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Hasher hashes and verifies passwords.
type Hasher interface {
	Name() string
	Hash(password string) (string, error)
	Verify(hash, password string) bool
}

const sha256Prefix = "sha256:"

// SHA256Hasher is the legacy unsalted scheme. Kept so existing directories
// keep working; prefer BcryptHasher for new hashes.
type SHA256Hasher struct{}

func (SHA256Hasher) Name() string { return "sha256" }

func (SHA256Hasher) Hash(password string) (string, error) {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:]), nil
}

func (h SHA256Hasher) Verify(hash, password string) bool {
	want, _ := h.Hash(password)
	got := strings.ToLower(strings.TrimPrefix(hash, sha256Prefix))
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// BcryptHasher uses golang.org/x/crypto/bcrypt.
type BcryptHasher struct {
	Cost int
}

func (BcryptHasher) Name() string { return "bcrypt" }

func (h BcryptHasher) Hash(password string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	out, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("bcrypt hash: %w", err)
	}
	return string(out), nil
}

func (BcryptHasher) Verify(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// AutoVerifier hashes with Primary but verifies any stored hash by
// recognizing its format, so a directory can mix schemes during migration.
type AutoVerifier struct {
	Primary Hasher
}

func (a AutoVerifier) Name() string { return a.Primary.Name() }

func (a AutoVerifier) Hash(password string) (string, error) { return a.Primary.Hash(password) }

func (a AutoVerifier) Verify(hash, password string) bool {
	if strings.HasPrefix(hash, "$2") {
		return BcryptHasher{}.Verify(hash, password)
	}
	return SHA256Hasher{}.Verify(hash, password)
}

// NewHasher returns the hasher for a configured scheme name.
func NewHasher(scheme string) (Hasher, error) {
	switch strings.ToLower(strings.TrimSpace(scheme)) {
	case "", "sha256":
		return AutoVerifier{Primary: SHA256Hasher{}}, nil
	case "bcrypt":
		return AutoVerifier{Primary: BcryptHasher{}}, nil
	default:
		return nil, fmt.Errorf("unknown password hash scheme %q", scheme)
	}
}
