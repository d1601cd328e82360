package artifact

import (
	"crypto/sha256"
	"encoding/hex"
)

// Digest hashes the ordered inputs that produced an artifact. A stage result
// is fresh for resumption only while its recorded digest matches the digest
// of the current inputs.
func Digest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		// Separator keeps ("ab","c") distinct from ("a","bc").
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
