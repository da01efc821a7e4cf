package kiro

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"os/user"
	"sync"

	"github.com/google/uuid"
)

var (
	fingerprintOnce sync.Once
	fingerprint     string
)

// MachineFingerprint returns a deterministic identifier for this host/user
// pair, stable across process restarts. It is sent to Kiro in the
// User-Agent so refreshed tokens stay associated with one "machine".
func MachineFingerprint() string {
	fingerprintOnce.Do(func() {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		username := "unknown"
		if u, err := user.Current(); err == nil && u.Username != "" {
			username = u.Username
		} else if v := os.Getenv("USER"); v != "" {
			username = v
		}
		sum := sha256.Sum256([]byte(hostname + "-" + username + "-kiro-gateway"))
		fingerprint = hex.EncodeToString(sum[:])
	})
	return fingerprint
}

// CompletionID returns a fresh OpenAI-style completion identifier.
func CompletionID() string {
	return "chatcmpl-" + randomHex(32)
}

// ToolCallID returns a fresh OpenAI-style tool call identifier.
func ToolCallID() string {
	return "call_" + randomHex(8)
}

// ConversationID returns a fresh conversation UUID for the Kiro payload.
func ConversationID() string {
	return uuid.NewString()
}

func randomHex(n int) string {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a
		// UUID-derived string just in case.
		return uuid.NewString()[:n]
	}
	return hex.EncodeToString(buf)[:n]
}
