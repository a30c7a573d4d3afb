package idempotency

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// Fingerprint hashes the shape of a request. A missing query or body hashes
// exactly like an empty one.
func Fingerprint(method, path, query string, body []byte) string {
	h := sha256.New()
	_, _ = h.Write([]byte(method))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(path))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(query))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(base64.StdEncoding.EncodeToString(body)))
	return hex.EncodeToString(h.Sum(nil))
}
