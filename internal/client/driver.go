package client

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	"github.com/tingly-dev/kiro-box/internal/config"
	"github.com/tingly-dev/kiro-box/internal/kiro"
)

// TokenSource supplies and refreshes the upstream access token. It is
// satisfied by auth.Manager.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) error
	DecorateRequest(req *http.Request, token string)
}

// Driver issues authenticated requests to the Kiro endpoints with the
// retry policy: a 403 triggers one forced token refresh, transient
// failures (429, 5xx, timeouts) back off exponentially, and every other
// 4xx surfaces immediately with the upstream body attached.
//
// Retries happen strictly before the response is handed to the caller, so
// a streaming body is never retried mid-stream.
type Driver struct {
	creds      TokenSource
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
}

// NewDriver builds a driver around the credential manager. The transport
// keeps connect-phase timeouts short while leaving the body unbounded:
// Kiro streams slowly and the request context owns cancellation.
func NewDriver(creds TokenSource, cfg *config.Config) *Driver {
	transport := newTransport(cfg)
	return &Driver{
		creds: creds,
		httpClient: &http.Client{
			Transport: transport,
		},
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseRetryDelay,
	}
}

// Do sends the request, retrying per policy. On success the response is
// returned with its body unread, ready for streaming. The body argument
// is buffered by value so retries can resend it.
func (d *Driver) Do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var refreshedOn403 bool

	for attempt := 0; attempt < d.maxRetries; attempt++ {
		token, err := d.creds.AccessToken(ctx)
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return nil, &kiro.NetworkError{Op: "build request", Err: err}
		}
		if len(body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		d.creds.DecorateRequest(req, token)

		resp, err := d.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				// Client disconnect or deadline; never retry.
				return nil, ctx.Err()
			}
			logrus.Warnf("upstream request failed (attempt %d/%d): %v", attempt+1, d.maxRetries, err)
			if attempt < d.maxRetries-1 {
				if err := d.backoff(ctx, attempt); err != nil {
					return nil, err
				}
			}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		respBody := drain(resp)
		switch {
		case resp.StatusCode == http.StatusForbidden:
			if refreshedOn403 {
				// The refreshed token was rejected too; no point looping.
				return nil, &kiro.UpstreamError{StatusCode: resp.StatusCode, Body: string(respBody)}
			}
			refreshedOn403 = true
			logrus.Info("upstream returned 403, forcing token refresh")
			if err := d.creds.ForceRefresh(ctx); err != nil {
				return nil, err
			}
			// Counts as an attempt; retried without backoff.
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			logrus.Warnf("upstream returned %d (attempt %d/%d)", resp.StatusCode, attempt+1, d.maxRetries)
			// No backoff after the last attempt; the error surfaces now.
			if attempt < d.maxRetries-1 {
				if err := d.backoff(ctx, attempt); err != nil {
					return nil, err
				}
			}
		default:
			return nil, &kiro.UpstreamError{StatusCode: resp.StatusCode, Body: string(respBody)}
		}
	}

	return nil, kiro.ErrUpstreamUnavailable
}

// backoff sleeps baseDelay * 2^attempt, honoring cancellation.
func (d *Driver) backoff(ctx context.Context, attempt int) error {
	delay := d.baseDelay << uint(attempt)
	logrus.Debugf("retrying in %s", delay)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func drain(resp *http.Response) []byte {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
	return body
}

// newTransport builds the outbound transport: 10s connect and TLS
// timeouts, response-header patience for the slow streaming upstream, and
// optional http/https/socks5 proxying.
func newTransport(cfg *config.Config) http.RoundTripper {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   8,
	}

	if cfg.ProxyURL == "" {
		return transport
	}
	parsed, err := url.Parse(cfg.ProxyURL)
	if err != nil {
		logrus.Errorf("failed to parse proxy URL %s: %v, proxying disabled", cfg.ProxyURL, err)
		return transport
	}
	switch parsed.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsed)
	case "socks5":
		socksDialer, err := proxy.SOCKS5("tcp", parsed.Host, nil, proxy.Direct)
		if err != nil {
			logrus.Errorf("failed to create SOCKS5 dialer: %v, proxying disabled", err)
			return transport
		}
		if contextDialer, ok := socksDialer.(proxy.ContextDialer); ok {
			transport.DialContext = contextDialer.DialContext
		}
	default:
		logrus.Errorf("unsupported proxy scheme %s, supported schemes are http, https, socks5", parsed.Scheme)
	}
	return transport
}
