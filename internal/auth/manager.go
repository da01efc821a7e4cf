package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tingly-dev/kiro-box/internal/config"
	"github.com/tingly-dev/kiro-box/internal/kiro"
)

// Manager owns the Kiro credential record and its refresh lifecycle.
// At most one refresh is in flight per process; concurrent callers of
// AccessToken block on the refresh mutex and observe the fresh token once
// the holder finishes. The record itself is swapped as a whole under a
// read-write lock, so accessors never see a half-updated state.
type Manager struct {
	refreshMu sync.Mutex   // single-flight refresh critical section
	mu        sync.RWMutex // guards record and raw

	record *Credentials
	raw    []byte // last file bytes, for key-preserving rewrites
	path   string // credentials file path; empty when env-sourced

	threshold  time.Duration
	version    string
	httpClient *http.Client

	// Test seams; production values are derived from the region.
	refreshURLOverride string
}

// NewManager loads credentials from the configured JSON file when present,
// falling back to the environment, and returns a ready manager. The
// initial record may lack an access token; the first AccessToken call
// performs the refresh.
func NewManager(cfg *config.Config) (*Manager, error) {
	m := &Manager{
		threshold: cfg.TokenRefreshThreshold,
		httpClient: &http.Client{
			Timeout: cfg.RefreshTimeout,
		},
	}

	if cfg.CredsFile != "" {
		creds, raw, err := loadCredentialsFile(cfg.CredsFile)
		if err == nil {
			if creds.Region == "" {
				creds.Region = cfg.Region
			}
			if creds.ProfileARN == "" {
				creds.ProfileARN = cfg.ProfileARN
			}
			m.record = creds
			m.raw = raw
			m.path = cfg.CredsFile
			logrus.Infof("loaded Kiro credentials from %s", cfg.CredsFile)
		} else if cfg.RefreshToken == "" && cfg.AccessToken == "" {
			return nil, err
		} else {
			logrus.Warnf("credentials file unusable (%v), falling back to environment", err)
		}
	}
	if m.record == nil {
		if cfg.RefreshToken == "" && cfg.AccessToken == "" {
			return nil, fmt.Errorf("no Kiro credentials: set REFRESH_TOKEN, KIRO_ACCESS_TOKEN or KIRO_CREDS_FILE")
		}
		m.record = credentialsFromConfig(cfg)
	}
	return m, nil
}

// AccessToken returns a currently valid access token, refreshing first
// when the token is missing or inside the expiry threshold.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	if rec := m.snapshot(); !m.needsRefresh(rec) {
		return rec.AccessToken, nil
	}
	if err := m.refresh(ctx, false); err != nil {
		return "", err
	}
	return m.snapshot().AccessToken, nil
}

// ForceRefresh refreshes unconditionally. It is the reactive path for an
// upstream 403: the token may have been revoked before its expiry.
func (m *Manager) ForceRefresh(ctx context.Context) error {
	return m.refresh(ctx, true)
}

// Accessors. The record pointer is swapped atomically under mu, so these
// are safe during an in-flight refresh.

func (m *Manager) ProfileARN() string { return m.snapshot().ProfileARN }
func (m *Manager) Region() string     { return m.snapshot().Region }

// APIHost returns the region-scoped chat endpoint host.
func (m *Manager) APIHost() string {
	return "https://codewhisperer." + m.Region() + ".amazonaws.com"
}

// QHost returns the region-scoped model listing host.
func (m *Manager) QHost() string {
	return "https://q." + m.Region() + ".amazonaws.com"
}

// Fingerprint returns the stable machine fingerprint sent upstream.
func (m *Manager) Fingerprint() string {
	return kiro.MachineFingerprint()
}

// DecorateRequest applies the standard Kiro header set: bearer token,
// fingerprinted User-Agent and a fresh amz-sdk-invocation-id.
func (m *Manager) DecorateRequest(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", fmt.Sprintf("kiro-box/%s md/fingerprint#%s", m.version, m.Fingerprint()))
	req.Header.Set("amz-sdk-invocation-id", uuid.NewString())
}

// SetVersion records the gateway version used in the User-Agent.
func (m *Manager) SetVersion(version string) {
	m.version = version
}

func (m *Manager) snapshot() *Credentials {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.record
}

func (m *Manager) needsRefresh(rec *Credentials) bool {
	if rec.AccessToken == "" {
		return true
	}
	if rec.ExpiresAt.IsZero() {
		// Unknown expiry: trust the token until the upstream rejects it.
		return false
	}
	return time.Until(rec.ExpiresAt) < m.threshold
}

func (m *Manager) refresh(ctx context.Context, force bool) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	// Another caller may have refreshed while we waited on the lock.
	if !force && !m.needsRefresh(m.snapshot()) {
		return nil
	}

	err := m.doRefresh(ctx)
	if err == nil {
		return nil
	}
	if _, ok := err.(*kiro.AuthError); ok {
		return err
	}
	if ctx.Err() != nil {
		return err
	}
	// One in-manager retry for transient failures before surfacing.
	logrus.Warnf("token refresh failed (%v), retrying once", err)
	return m.doRefresh(ctx)
}

func (m *Manager) refreshURL() string {
	if m.refreshURLOverride != "" {
		return m.refreshURLOverride
	}
	return "https://prod." + m.Region() + ".auth.desktop.kiro.dev/refreshToken"
}

func (m *Manager) doRefresh(ctx context.Context) error {
	rec := m.snapshot()

	body, _ := json.Marshal(map[string]string{"refreshToken": rec.RefreshToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.refreshURL(), bytes.NewReader(body))
	if err != nil {
		return &kiro.NetworkError{Op: "refresh", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	m.DecorateRequest(req, "")
	req.Header.Del("Authorization") // the refresh endpoint authenticates by token in the body

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return &kiro.NetworkError{Op: "refresh", Err: err}
	}
	defer resp.Body.Close()

	respBody := readBounded(resp.Body, 1<<20)
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized,
		strings.Contains(string(respBody), "invalid_grant"):
		return &kiro.AuthError{Message: fmt.Sprintf("refresh rejected (%d): %s", resp.StatusCode, respBody)}
	case resp.StatusCode >= 500:
		return &kiro.NetworkError{Op: "refresh", Err: fmt.Errorf("status %d: %s", resp.StatusCode, respBody)}
	default:
		return &kiro.NetworkError{Op: "refresh", Err: fmt.Errorf("status %d: %s", resp.StatusCode, respBody)}
	}

	parsed := gjson.ParseBytes(respBody)
	accessToken := parsed.Get("accessToken").String()
	if accessToken == "" {
		return &kiro.NetworkError{Op: "refresh", Err: fmt.Errorf("refresh response carried no accessToken")}
	}

	fresh := &Credentials{
		AccessToken:  accessToken,
		RefreshToken: rec.RefreshToken,
		ProfileARN:   rec.ProfileARN,
		Region:       rec.Region,
	}
	if rt := parsed.Get("refreshToken").String(); rt != "" {
		fresh.RefreshToken = rt
	}
	if ea := parsed.Get("expiresAt").String(); ea != "" {
		fresh.ExpiresAt = parseExpiresAt(ea)
	}

	m.mu.Lock()
	m.record = fresh
	m.mu.Unlock()

	if fresh.ExpiresAt.IsZero() {
		logrus.Info("access token refreshed (expiry unknown)")
	} else {
		logrus.Infof("access token refreshed, expires at %s", formatExpiresAt(fresh.ExpiresAt))
	}

	m.persist(fresh)
	return nil
}

// persist rewrites the credentials file in place, touching only the keys
// owned by the refresh flow so unrelated keys survive byte-for-byte.
// Persistence failure is non-fatal: the in-memory record is already live.
func (m *Manager) persist(fresh *Credentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.path == "" {
		return
	}

	raw := m.raw
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	var err error
	raw, err = sjson.SetBytes(raw, "accessToken", fresh.AccessToken)
	if err == nil {
		raw, err = sjson.SetBytes(raw, "refreshToken", fresh.RefreshToken)
	}
	if err == nil && !fresh.ExpiresAt.IsZero() {
		raw, err = sjson.SetBytes(raw, "expiresAt", formatExpiresAt(fresh.ExpiresAt))
	}
	if err != nil {
		logrus.Errorf("failed to render credentials file: %v", err)
		return
	}
	if err := os.WriteFile(m.path, raw, 0o600); err != nil {
		logrus.Errorf("failed to persist credentials to %s: %v", m.path, err)
		return
	}
	m.raw = raw
	logrus.Debugf("credentials persisted to %s", m.path)
}

// Reload re-reads the credentials file after an external rewrite (the
// Kiro IDE refreshing its own login). No-op for env-sourced credentials.
func (m *Manager) Reload() {
	if m.path == "" {
		return
	}
	creds, raw, err := loadCredentialsFile(m.path)
	if err != nil {
		logrus.Warnf("credentials reload skipped: %v", err)
		return
	}
	m.mu.Lock()
	if creds.Region == "" {
		creds.Region = m.record.Region
	}
	if creds.ProfileARN == "" {
		creds.ProfileARN = m.record.ProfileARN
	}
	m.record = creds
	m.raw = raw
	m.mu.Unlock()
	logrus.Info("credentials reloaded from file")
}

func readBounded(r io.Reader, limit int64) []byte {
	body, _ := io.ReadAll(io.LimitReader(r, limit))
	return body
}
