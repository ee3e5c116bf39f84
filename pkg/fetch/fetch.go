// Package fetch retrieves file bytes from the URL shapes a file
// record's storage_url can take: content-addressed gateway URLs,
// cloud-drive share links, and plain HTTP(S) URLs.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/vana-com/personal-server/pkg/apperrors"
	"github.com/vana-com/personal-server/pkg/log"
	"github.com/vana-com/personal-server/pkg/metrics"
)

const chunkSize = 32 * 1024

// Config configures a Fetcher.
type Config struct {
	// Gateways is the ordered list of HTTP(S) gateway base URLs tried
	// for content-addressed URLs, each with "<hash>" appended.
	Gateways []string
	// AttemptTimeout bounds a single gateway attempt.
	AttemptTimeout time.Duration
	// BackoffBase and BackoffCap bound the wait between gateway
	// attempts: min(base * 2^i, cap).
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (c Config) withDefaults() Config {
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 10 * time.Second
	}
	return c
}

// Fetcher retrieves content by URL. It holds no cache: every call
// re-fetches from source.
type Fetcher struct {
	cfg    Config
	client *http.Client
}

// New creates a Fetcher. cfg.AttemptTimeout/BackoffBase/BackoffCap
// fall back to sane defaults when zero.
func New(cfg Config) *Fetcher {
	cfg = cfg.withDefaults()
	return &Fetcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.AttemptTimeout},
	}
}

// Fetch retrieves url's bytes, capping the response at maxBytes.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, maxBytes int64) ([]byte, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, apperrors.New(apperrors.KindValidation, "malformed content URL", err)
	}

	var kind string
	var body []byte
	switch {
	case isContentAddressed(parsed):
		kind = "content_addressed"
		body, err = f.fetchContentAddressed(ctx, contentHash(parsed), maxBytes)
	case isCloudDrive(parsed):
		kind = "cloud_drive"
		body, err = f.fetchCloudDrive(ctx, parsed, maxBytes)
	default:
		kind = "http"
		body, err = f.fetchPlain(ctx, rawURL, maxBytes)
	}

	if err != nil {
		metrics.FetchAttemptsTotal.WithLabelValues(kind, "error").Inc()
		return nil, err
	}
	metrics.FetchAttemptsTotal.WithLabelValues(kind, "ok").Inc()
	metrics.FetchBytesTotal.WithLabelValues(kind).Add(float64(len(body)))
	return body, nil
}

func isContentAddressed(u *url.URL) bool {
	return u.Scheme == "ipfs"
}

func contentHash(u *url.URL) string {
	if u.Host != "" {
		return u.Host
	}
	return strings.TrimPrefix(u.Opaque, "//")
}

// fetchContentAddressed tries each configured gateway in order, with
// per-attempt timeout and backoff between attempts.
func (f *Fetcher) fetchContentAddressed(ctx context.Context, hash string, maxBytes int64) ([]byte, error) {
	if hash == "" {
		return nil, apperrors.New(apperrors.KindValidation, "empty content hash", nil)
	}
	if len(f.cfg.Gateways) == 0 {
		return nil, apperrors.New(apperrors.KindContent, "no content gateways configured", nil)
	}

	var lastErr error
	backoffStep := 0
	for i, gateway := range f.cfg.Gateways {
		// A 404 means the previous gateway simply doesn't have the
		// content: advance immediately. Timeouts, 5xx, and transport
		// errors wait min(base * 2^step, cap) before the next attempt.
		if i > 0 && !apperrors.Is(lastErr, apperrors.KindNotFound) {
			if waitErr := f.backoff(ctx, backoffStep); waitErr != nil {
				return nil, waitErr
			}
			backoffStep++
		}

		gatewayURL := strings.TrimRight(gateway, "/") + "/" + hash
		body, err := f.streamGET(ctx, gatewayURL, maxBytes)
		if err == nil {
			return body, nil
		}

		log.Logger.Warn().Str("gateway", gatewayURL).Err(err).Msg("content gateway attempt failed")
		lastErr = err
	}

	return nil, lastErr
}

func (f *Fetcher) backoff(ctx context.Context, attempt int) error {
	wait := f.cfg.BackoffBase << attempt
	if wait > f.cfg.BackoffCap || wait <= 0 {
		wait = f.cfg.BackoffCap
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return apperrors.New(apperrors.KindContent, "content fetch cancelled during backoff", ctx.Err())
	}
}

var cloudDriveIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/file/d/([^/]+)`),
}

func isCloudDrive(u *url.URL) bool {
	return strings.Contains(u.Host, "drive.google.com") || strings.Contains(u.Host, "docs.google.com")
}

func cloudDriveFileID(u *url.URL) string {
	for _, pattern := range cloudDriveIDPatterns {
		if m := pattern.FindStringSubmatch(u.Path); len(m) == 2 {
			return m[1]
		}
	}
	if id := u.Query().Get("id"); id != "" {
		return id
	}
	return ""
}

var confirmTokenPattern = regexp.MustCompile(`confirm=([0-9A-Za-z_-]+)`)

// fetchCloudDrive extracts the file id and fetches it from a single
// direct-download URL (uc?export=download), retrying once with the
// virus-scan "confirm" token if the server returns an HTML interstitial
// page. No other download URL forms are tried.
func (f *Fetcher) fetchCloudDrive(ctx context.Context, u *url.URL, maxBytes int64) ([]byte, error) {
	id := cloudDriveFileID(u)
	if id == "" {
		return nil, apperrors.New(apperrors.KindValidation, "unrecognized cloud-drive URL shape", nil)
	}

	downloadURL := fmt.Sprintf("https://drive.google.com/uc?export=download&id=%s", id)
	body, err := f.streamGET(ctx, downloadURL, maxBytes)
	if err != nil {
		return nil, err
	}

	if looksLikeVirusScanInterstitial(body) {
		if token := confirmTokenPattern.FindSubmatch(body); token != nil {
			confirmed := fmt.Sprintf("%s&confirm=%s", downloadURL, token[1])
			return f.streamGET(ctx, confirmed, maxBytes)
		}
	}

	return body, nil
}

func looksLikeVirusScanInterstitial(body []byte) bool {
	lower := strings.ToLower(string(body))
	if !strings.Contains(lower, "confirm=") {
		return false
	}
	return strings.Contains(lower, "virus scan") || strings.Contains(lower, "scan this file for viruses")
}

// fetchPlain performs a single streamed GET with a size cap.
func (f *Fetcher) fetchPlain(ctx context.Context, rawURL string, maxBytes int64) ([]byte, error) {
	return f.streamGET(ctx, rawURL, maxBytes)
}

// streamGET performs one GET, classifying the outcome:
// not-found, timeout, rate-limited, or transport. A body exceeding
// maxBytes aborts the read and returns a too-large error.
func (f *Fetcher) streamGET(ctx context.Context, rawURL string, maxBytes int64) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, apperrors.New(apperrors.KindValidation, "malformed request URL", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if attemptCtx.Err() != nil {
			return nil, apperrors.New(apperrors.KindContent, "gateway attempt timed out", err)
		}
		return nil, apperrors.New(apperrors.KindContent, "transport error reaching gateway", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperrors.New(apperrors.KindNotFound, "content not found at gateway", nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperrors.New(apperrors.KindContent, "gateway rate-limited the request", nil)
	case resp.StatusCode >= 500:
		return nil, apperrors.New(apperrors.KindContent, fmt.Sprintf("gateway returned %d", resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		return nil, apperrors.New(apperrors.KindContent, fmt.Sprintf("gateway returned %d", resp.StatusCode), nil)
	}

	limited := io.LimitReader(resp.Body, maxBytes+1)
	buf := make([]byte, 0, chunkSize)
	chunk := make([]byte, chunkSize)
	for {
		n, readErr := limited.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if int64(len(buf)) > maxBytes {
				return nil, apperrors.New(apperrors.KindContent, "content exceeded max_bytes", nil)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, apperrors.New(apperrors.KindContent, "transport error while streaming body", readErr)
		}
	}

	return buf, nil
}
