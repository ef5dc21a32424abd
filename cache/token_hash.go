package cache

import (
	"crypto/sha256"
	"encoding/hex"

	"go.pilab.hu/imagewatch/domain"
)

// HashToken hashes a token string. The store only ever keys on the hash, so
// raw tokens never sit in memory longer than a single request.
func HashToken(token domain.Token) string {
	hasher := sha256.New()
	hasher.Write([]byte(token))
	hashedBytes := hasher.Sum(nil)
	return hex.EncodeToString(hashedBytes)
}
