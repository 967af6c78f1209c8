package internal

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashURL returns a fixed-length key for a URL, safe for memcached and s3.
func HashURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}
