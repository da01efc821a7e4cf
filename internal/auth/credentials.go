package auth

import (
	"fmt"
	"os"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tingly-dev/kiro-box/internal/config"
)

// expiresAtFormat is the on-disk timestamp format: ISO-8601 UTC with
// milliseconds and a trailing Z, matching what the Kiro IDE writes.
const expiresAtFormat = "2006-01-02T15:04:05.000Z"

// Credentials is the in-memory credential record. ExpiresAt is the zero
// time when the upstream did not report an expiry.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	ProfileARN   string
	Region       string
}

// loadCredentialsFile reads a Kiro credentials JSON file. The raw bytes
// are returned alongside the parsed record so later rewrites can preserve
// keys this gateway does not know about.
func loadCredentialsFile(path string) (*Credentials, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read credentials file: %w", err)
	}
	if !gjson.ValidBytes(raw) {
		return nil, nil, fmt.Errorf("credentials file %s is not valid JSON", path)
	}
	parsed := gjson.ParseBytes(raw)
	creds := &Credentials{
		AccessToken:  parsed.Get("accessToken").String(),
		RefreshToken: parsed.Get("refreshToken").String(),
		ProfileARN:   parsed.Get("profileArn").String(),
		Region:       parsed.Get("region").String(),
	}
	if v := parsed.Get("expiresAt").String(); v != "" {
		creds.ExpiresAt = parseExpiresAt(v)
	}
	if creds.RefreshToken == "" {
		return nil, nil, fmt.Errorf("credentials file %s has no refreshToken", path)
	}
	return creds, raw, nil
}

// credentialsFromConfig builds a record from the environment.
func credentialsFromConfig(cfg *config.Config) *Credentials {
	return &Credentials{
		AccessToken:  cfg.AccessToken,
		RefreshToken: cfg.RefreshToken,
		ProfileARN:   cfg.ProfileARN,
		Region:       cfg.Region,
	}
}

// parseExpiresAt accepts the Kiro millisecond format as well as plain
// RFC 3339 variants. Unparseable values are treated as unknown expiry.
func parseExpiresAt(v string) time.Time {
	for _, layout := range []string{expiresAtFormat, time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

func formatExpiresAt(t time.Time) string {
	return t.UTC().Format(expiresAtFormat)
}
