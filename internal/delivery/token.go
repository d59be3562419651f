package delivery

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// NewResponseToken returns a fresh 64-character hex token (32 random
// bytes). The token rides in the reply URL and is the correlation id for
// replies when the channel has no native one.
func NewResponseToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate response token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
