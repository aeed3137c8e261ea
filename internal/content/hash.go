package content

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hash is stable for a (content type, subject ref) pair.
func Hash(ct ContentType, ref string) string {
	sum := sha256.Sum256([]byte(string(ct) + ":" + ref))
	return hex.EncodeToString(sum[:16])
}
