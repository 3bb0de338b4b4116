package runs

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NewRunID returns "run-" followed by 16 hex characters of a random UUID.
func NewRunID() string {
	return "run-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// NewWebhookSecret returns a random 32 byte secret, hex encoded.
func NewWebhookSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashSecret returns the SHA-256 hex digest stored for a webhook secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// SecretMatches compares a presented secret to the stored hash in constant time.
func SecretMatches(presented, storedHash string) bool {
	if presented == "" || storedHash == "" {
		return false
	}
	got := HashSecret(presented)
	return subtle.ConstantTimeCompare([]byte(got), []byte(strings.ToLower(storedHash))) == 1
}

// NormalizeEmail is the stored form of an owner email.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// RunPrefix is the object key prefix holding everything for a run.
func RunPrefix(runID string) string { return "runs/" + runID }

// GCSPath is the gs:// location of a run inside bucket.
func GCSPath(bucket, runID string) string {
	return fmt.Sprintf("gs://%s/%s", bucket, RunPrefix(runID))
}

// WorkDirFor is the engine work directory of a run inside bucket.
func WorkDirFor(bucket, runID string) string {
	return GCSPath(bucket, runID) + "/work/"
}
