// ABOUTME: Challenge/response authentication primitives for the agent handshake.
// ABOUTME: Responses are HMAC-SHA256 keyed by the shared password, never a bare digest.

package protocol

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ChallengeSize is the number of random bytes in a challenge before hex encoding.
const ChallengeSize = 16

// NewChallenge generates a fresh random challenge. Challenges must never
// repeat, otherwise a captured response could be replayed.
func NewChallenge() (string, error) {
	buf := make([]byte, ChallengeSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating challenge: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ChallengeResponse computes the expected reply to a challenge under the
// shared password. Agents compute the same value on their side.
func ChallengeResponse(challenge, password string) string {
	mac := hmac.New(sha256.New, []byte(password))
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyResponse reports whether response is the correct reply to challenge
// under password. Comparison is constant time.
func VerifyResponse(challenge, password, response string) bool {
	expected := ChallengeResponse(challenge, password)
	return hmac.Equal([]byte(expected), []byte(response))
}
