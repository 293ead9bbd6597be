// Package download streams remote files to disk under hard resource bounds:
// a byte budget, a redirect cap, and archive-bomb inspection before any
// downloaded archive is trusted.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/open-aasx-index/harvester/internal/harvest"
	"github.com/open-aasx-index/harvester/internal/metrics"
	"github.com/open-aasx-index/harvester/internal/ratelimit"
)

const (
	chunkSize       = 8192
	fallbackName    = "download.aasx"
	defaultMaxBytes = 50 * 1024 * 1024
)

var errRedirectCap = errors.New("redirect cap reached")

// Config controls downloader behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRedirects int
	MaxBytes     int64
	ZipLimits    ZipLimits
}

// Result describes a successfully retrieved file.
type Result struct {
	Path        string
	SizeBytes   int64
	SHA256      string
	ContentType string
	Filename    string
}

// Downloader fetches remote files safely. All requests go through the
// shared rate limiter's web class.
type Downloader struct {
	cfg     Config
	client  *http.Client
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// New builds a Downloader.
func New(cfg Config, limiter *ratelimit.Limiter, logger *zap.Logger) *Downloader {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRedirects == 0 {
		cfg.MaxRedirects = 5
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.ZipLimits == (ZipLimits{}) {
		cfg.ZipLimits = DefaultZipLimits()
	}
	client := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: newHTTPTransport(),
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return errRedirectCap
			}
			return nil
		},
	}
	return &Downloader{cfg: cfg, client: client, limiter: limiter, logger: logger}
}

// Download streams url to a file under destDir, enforcing the byte budget.
// A zero budget uses the configured default. The returned error, when not
// nil, is always a *Error carrying a failure kind and readable reason.
func (d *Downloader) Download(ctx context.Context, url, destDir string) (Result, error) {
	return d.DownloadBudget(ctx, url, destDir, d.cfg.MaxBytes)
}

// DownloadBudget is Download with an explicit byte budget.
func (d *Downloader) DownloadBudget(ctx context.Context, url, destDir string, budget int64) (Result, error) {
	if budget <= 0 {
		budget = d.cfg.MaxBytes
	}
	if err := d.limiter.Acquire(ctx, ratelimit.ClassWeb); err != nil {
		return Result{}, &Error{Kind: FailTransport, Reason: "rate limit wait interrupted", Err: err}
	}

	// Best-effort size probe: fail fast when the server already declares a
	// body over budget. Servers that reject HEAD fall through to streaming.
	if declared, ok := d.probeSize(ctx, url); ok && declared > budget {
		metrics.ObserveDownload("too_large", 0)
		return Result{}, failf(FailTooLarge, "file too large: %s > %s (from Content-Length)",
			humanize.IBytes(uint64(declared)), humanize.IBytes(uint64(budget)))
	}

	resp, err := d.get(ctx, url)
	if err != nil {
		metrics.ObserveDownload("transport_error", 0)
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		metrics.ObserveDownload("http_error", 0)
		return Result{}, failf(FailHTTPStatus, "HTTP %d fetching %s", resp.StatusCode, url)
	}
	d.limiter.RecordSuccess(ratelimit.ClassWeb)

	filename := resolveFilename(resp, url)
	destPath := filepath.Join(destDir, filename)
	result, err := d.streamToFile(resp.Body, destPath, budget)
	if err != nil {
		metrics.ObserveDownload("too_large", 0)
		return Result{}, err
	}
	result.Filename = filename
	result.ContentType = resp.Header.Get("Content-Type")

	if looksLikeArchive(filename, result.ContentType) {
		insp := InspectZip(destPath, d.cfg.ZipLimits)
		if !insp.Safe {
			os.Remove(destPath)
			metrics.ObserveDownload("archive_unsafe", 0)
			return Result{}, failf(FailArchiveUnsafe, "suspicious archive: %s", insp.Reason)
		}
	}

	metrics.ObserveDownload("ok", result.SizeBytes)
	return result, nil
}

// probeSize issues a HEAD request and returns the declared content length.
func (d *Downloader) probeSize(ctx context.Context, url string) (int64, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, false
	}
	d.setHeaders(req)
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, false
	}
	declared, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil || declared < 0 {
		return 0, false
	}
	return declared, true
}

func (d *Downloader) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{Kind: FailTransport, Reason: "build request", Err: err}
	}
	d.setHeaders(req)
	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, errRedirectCap) {
			return nil, failf(FailTooManyRedirects, "too many redirects (>%d) for %s", d.cfg.MaxRedirects, url)
		}
		return nil, &Error{Kind: FailTransport, Reason: "http request failed", Err: err}
	}
	return resp, nil
}

func (d *Downloader) setHeaders(req *http.Request) {
	if d.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", d.cfg.UserAgent)
	}
	req.Header.Set("Accept", "*/*")
}

// streamToFile copies body to destPath in fixed-size chunks, hashing and
// counting as it goes. The moment cumulative bytes exceed the budget the
// partial file is deleted, regardless of any declared size: a lying or
// absent Content-Length must never bypass the cap.
func (d *Downloader) streamToFile(body io.Reader, destPath string, budget int64) (Result, error) {
	f, err := os.Create(destPath)
	if err != nil {
		return Result{}, &Error{Kind: FailTransport, Reason: "create file", Err: err}
	}

	hasher := sha256.New()
	var total int64
	buf := make([]byte, chunkSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			total += int64(n)
			if total > budget {
				f.Close()
				os.Remove(destPath)
				return Result{}, failf(FailTooLarge, "file too large: >%s exceeds %s budget",
					humanize.IBytes(uint64(total)), humanize.IBytes(uint64(budget)))
			}
			if _, err := f.Write(buf[:n]); err != nil {
				f.Close()
				os.Remove(destPath)
				return Result{}, &Error{Kind: FailTransport, Reason: "write file", Err: err}
			}
			hasher.Write(buf[:n])
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			f.Close()
			os.Remove(destPath)
			return Result{}, &Error{Kind: FailTransport, Reason: "read body", Err: readErr}
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(destPath)
		return Result{}, &Error{Kind: FailTransport, Reason: "close file", Err: err}
	}

	return Result{
		Path:      destPath,
		SizeBytes: total,
		SHA256:    hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// resolveFilename prefers the Content-Disposition hint, then the URL's last
// path segment, then a generic fallback.
func resolveFilename(resp *http.Response, url string) string {
	if disp := resp.Header.Get("Content-Disposition"); disp != "" {
		if _, params, err := mime.ParseMediaType(disp); err == nil {
			if name := filepath.Base(params["filename"]); name != "" && name != "." && name != "/" {
				return name
			}
		}
	}
	if name := harvest.FilenameFromURL(url); name != "" {
		return filepath.Base(name)
	}
	return fallbackName
}

func looksLikeArchive(filename, contentType string) bool {
	lower := strings.ToLower(filename)
	if strings.HasSuffix(lower, ".zip") || strings.HasSuffix(lower, ".aasx") {
		return true
	}
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = contentType[:idx]
	}
	switch strings.TrimSpace(contentType) {
	case "application/zip", "application/octet-stream":
		return true
	}
	return false
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
