package analytics

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// UserHasher pseudonymizes user identifiers before they reach the analytics
// tables. HMAC-SHA256 with a deployment-specific salt: stable within a
// deployment so aggregates group correctly, but not reversible and not
// comparable across deployments.
type UserHasher struct {
	salt []byte
}

// NewUserHasher creates a hasher keyed with the given salt.
func NewUserHasher(salt string) *UserHasher {
	return &UserHasher{salt: []byte(salt)}
}

// Hash returns the hex-encoded pseudonym for a user id.
func (h *UserHasher) Hash(userID string) string {
	mac := hmac.New(sha256.New, h.salt)
	mac.Write([]byte(userID))
	return hex.EncodeToString(mac.Sum(nil))
}
