package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// ErrUnsupportedHash is returned for a stored hash that is neither an argon2
// PHC string nor a bcrypt hash.
var ErrUnsupportedHash = errors.New("unsupported password hash format")

// Argon2Params are the argon2id cost parameters.
type Argon2Params struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
	SaltLength  int
	KeyLength   uint32
}

// DefaultArgon2Params matches the argon2 reference defaults (argon2id, v19,
// m=19456, t=2, p=1).
var DefaultArgon2Params = Argon2Params{
	Memory:      19 * 1024,
	Iterations:  2,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// Validate rejects parameters argon2 cannot derive a key with.
func (p Argon2Params) Validate() error {
	switch {
	case p.Iterations < 1:
		return errors.New("argon2: iterations must be at least 1")
	case p.Parallelism < 1:
		return errors.New("argon2: parallelism must be at least 1")
	case p.Memory < 8*uint32(p.Parallelism):
		return fmt.Errorf("argon2: memory must be at least %d KiB", 8*uint32(p.Parallelism))
	case p.KeyLength < 1:
		return errors.New("argon2: key length must be at least 1")
	}
	return nil
}

// VerifyPassword checks candidate against a stored hash. A mismatch is
// (false, nil); a hash that cannot be parsed is (false, err).
func VerifyPassword(hash, candidate string) (bool, error) {
	switch {
	case strings.HasPrefix(hash, "$argon2"):
		return verifyArgon2(hash, candidate)
	case strings.HasPrefix(hash, "$2"):
		err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(candidate))
		if err == nil {
			return true, nil
		}
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		return false, fmt.Errorf("bcrypt verify: %w", err)
	default:
		return false, ErrUnsupportedHash
	}
}

// HashPassword produces an argon2id PHC string for password.
func HashPassword(password string, params Argon2Params) (string, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}
	salt := make([]byte, params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLength)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, params.Memory, params.Iterations, params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// CheckPasswordHash reports whether hash is a stored hash VerifyPassword can
// use, without deriving a key.
func CheckPasswordHash(hash string) error {
	switch {
	case strings.HasPrefix(hash, "$argon2"):
		_, err := parseArgon2(hash)
		return err
	case strings.HasPrefix(hash, "$2"):
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return fmt.Errorf("bcrypt hash: %w", err)
		}
		return nil
	default:
		return ErrUnsupportedHash
	}
}

type argon2Hash struct {
	variant     string
	memory      uint32
	iterations  uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func parseArgon2(hash string) (argon2Hash, error) {
	var h argon2Hash

	parts := strings.Split(hash, "$")
	// "", variant, [v=NN,] params, salt, key
	if len(parts) == 5 {
		parts = append(parts[:2], append([]string{"v=16"}, parts[2:]...)...)
	}
	if len(parts) != 6 {
		return h, fmt.Errorf("argon2 hash: expected 6 fields, got %d", len(parts))
	}

	h.variant = parts[1]
	if h.variant != "argon2id" && h.variant != "argon2i" {
		return h, fmt.Errorf("argon2 hash: unsupported variant %q", h.variant)
	}

	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v="))
	if err != nil {
		return h, fmt.Errorf("argon2 hash: bad version: %w", err)
	}
	if version != argon2.Version {
		return h, fmt.Errorf("argon2 hash: unsupported version %d", version)
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &h.memory, &h.iterations, &h.parallelism); err != nil {
		return h, fmt.Errorf("argon2 hash: bad parameters: %w", err)
	}
	if h.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return h, fmt.Errorf("argon2 hash: bad salt: %w", err)
	}
	if h.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return h, fmt.Errorf("argon2 hash: bad key: %w", err)
	}
	params := Argon2Params{
		Memory:      h.memory,
		Iterations:  h.iterations,
		Parallelism: h.parallelism,
		KeyLength:   uint32(len(h.key)),
	}
	if err := params.Validate(); err != nil {
		return h, fmt.Errorf("argon2 hash: %w", err)
	}
	return h, nil
}

func verifyArgon2(hash, candidate string) (bool, error) {
	h, err := parseArgon2(hash)
	if err != nil {
		return false, err
	}

	var got []byte
	if h.variant == "argon2id" {
		got = argon2.IDKey([]byte(candidate), h.salt, h.iterations, h.memory, h.parallelism, uint32(len(h.key)))
	} else {
		got = argon2.Key([]byte(candidate), h.salt, h.iterations, h.memory, h.parallelism, uint32(len(h.key)))
	}
	return subtle.ConstantTimeCompare(got, h.key) == 1, nil
}
