package mailbuilder

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenerateMessageID creates a unique Message-ID header value for a domain.
// now is the submit time taken from the caller's clock.
func GenerateMessageID(domain string, now time.Time) string {
	randomBytes := make([]byte, 8)
	rand.Read(randomBytes)
	randomHex := hex.EncodeToString(randomBytes)

	return fmt.Sprintf("<%d.%s@%s>", now.UnixNano(), randomHex, domain)
}

// NewTrackingID returns a time-ordered id for open tracking
func NewTrackingID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return hex.EncodeToString(id[:])
}
