package download

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/open-aasx-index/harvester/internal/ratelimit"
)

func fastLimiter() *ratelimit.Limiter {
	return ratelimit.New(ratelimit.Config{
		GitHubPerMinute:   60000,
		WebPerSecond:      1000,
		WebBurst:          1000,
		BackoffBase:       time.Millisecond,
		BackoffMax:        5 * time.Millisecond,
		BackoffMultiplier: 2,
	})
}

func newDownloader(t *testing.T, cfg Config) *Downloader {
	t.Helper()
	return New(cfg, fastLimiter(), zap.NewNop())
}

// zipBytes builds an archive in memory from name -> content pairs.
func zipBytes(t *testing.T, parts map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range parts {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestDownloadComputesHashAndFilename(t *testing.T) {
	payload := zipBytes(t, map[string]string{"aasx/data.json": `{"submodels": []}`})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", `attachment; filename="motor.aasx"`)
		w.Write(payload)
	}))
	defer srv.Close()

	d := newDownloader(t, Config{})
	dest := t.TempDir()
	result, err := d.Download(context.Background(), srv.URL+"/files/42", dest)
	require.NoError(t, err)

	require.Equal(t, "motor.aasx", result.Filename)
	require.Equal(t, int64(len(payload)), result.SizeBytes)

	sum := sha256.Sum256(payload)
	require.Equal(t, hex.EncodeToString(sum[:]), result.SHA256)

	onDisk, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	require.Equal(t, payload, onDisk)
}

func TestDownloadFilenameFallsBackToURL(t *testing.T) {
	payload := zipBytes(t, map[string]string{"data.xml": "<environment/>"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	d := newDownloader(t, Config{})
	result, err := d.Download(context.Background(), srv.URL+"/packages/pump.aasx", t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "pump.aasx", result.Filename)
}

func TestDownloadBudgetAbortsMidStreamWithoutPartialFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			// No size hint: force the cap onto the streaming path.
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		flusher := w.(http.Flusher)
		chunk := bytes.Repeat([]byte("x"), 1024)
		for i := 0; i < 64; i++ {
			w.Write(chunk)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	d := newDownloader(t, Config{})
	dest := t.TempDir()
	_, err := d.DownloadBudget(context.Background(), srv.URL+"/big.aasx", dest, 4096)
	require.Error(t, err)

	var dlErr *Error
	require.ErrorAs(t, err, &dlErr)
	require.Equal(t, FailTooLarge, dlErr.Kind)

	entries, readErr := os.ReadDir(dest)
	require.NoError(t, readErr)
	require.Empty(t, entries, "aborted download must not leave a partial file")
}

func TestDownloadRejectsDeclaredOversize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1048576")
		if r.Method == http.MethodHead {
			return
		}
		w.Write(bytes.Repeat([]byte("x"), 1048576))
	}))
	defer srv.Close()

	d := newDownloader(t, Config{})
	_, err := d.DownloadBudget(context.Background(), srv.URL+"/huge.aasx", t.TempDir(), 1024)
	var dlErr *Error
	require.ErrorAs(t, err, &dlErr)
	require.Equal(t, FailTooLarge, dlErr.Kind)
	require.Contains(t, dlErr.Reason, "Content-Length")
}

func TestDownloadHTTPStatusFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	d := newDownloader(t, Config{})
	_, err := d.Download(context.Background(), srv.URL+"/gone.aasx", t.TempDir())
	var dlErr *Error
	require.ErrorAs(t, err, &dlErr)
	require.Equal(t, FailHTTPStatus, dlErr.Kind)
	require.Contains(t, dlErr.Reason, "404")
}

func TestDownloadRedirectCap(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+r.URL.Path+"x", http.StatusFound)
	}))
	defer srv.Close()

	d := newDownloader(t, Config{MaxRedirects: 2})
	_, err := d.Download(context.Background(), srv.URL+"/loop.aasx", t.TempDir())
	var dlErr *Error
	require.ErrorAs(t, err, &dlErr)
	require.Equal(t, FailTooManyRedirects, dlErr.Kind)
}

func TestDownloadDeletesUnsafeArchive(t *testing.T) {
	parts := make(map[string]string)
	for i := 0; i < 5; i++ {
		parts[fmt.Sprintf("part%d.txt", i)] = "data"
	}
	payload := zipBytes(t, parts)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	d := newDownloader(t, Config{ZipLimits: ZipLimits{MaxEntries: 2}})
	dest := t.TempDir()
	_, err := d.Download(context.Background(), srv.URL+"/bomb.aasx", dest)
	var dlErr *Error
	require.ErrorAs(t, err, &dlErr)
	require.Equal(t, FailArchiveUnsafe, dlErr.Kind)
	require.Contains(t, dlErr.Reason, "too many entries")

	entries, readErr := os.ReadDir(dest)
	require.NoError(t, readErr)
	require.Empty(t, entries)
}

func TestDownloadContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := newDownloader(t, Config{})
	_, err := d.Download(ctx, srv.URL+"/file.aasx", t.TempDir())
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled))
}

func writeZipFile(t *testing.T, path string, parts map[string]string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, zipBytes(t, parts), 0o644))
}

func TestInspectZipSafeArchive(t *testing.T) {
	path := t.TempDir() + "/ok.aasx"
	writeZipFile(t, path, map[string]string{
		"[Content_Types].xml": "<Types/>",
		"aasx/data.json":      `{"assetAdministrationShells": []}`,
	})

	insp := InspectZip(path, DefaultZipLimits())
	require.True(t, insp.Safe)
	require.Empty(t, insp.Reason)
	require.Equal(t, 2, insp.EntryCount)
}

func TestInspectZipTooManyEntries(t *testing.T) {
	parts := make(map[string]string)
	for i := 0; i < 10; i++ {
		parts[fmt.Sprintf("e%d", i)] = "x"
	}
	path := t.TempDir() + "/entries.aasx"
	writeZipFile(t, path, parts)

	insp := InspectZip(path, ZipLimits{MaxEntries: 3})
	require.False(t, insp.Safe)
	require.Contains(t, insp.Reason, "too many entries: 10 > 3")
}

func TestInspectZipUncompressedTooLarge(t *testing.T) {
	path := t.TempDir() + "/big.aasx"
	writeZipFile(t, path, map[string]string{
		"blob.bin": string(bytes.Repeat([]byte("abcdefgh"), 1024)),
	})

	insp := InspectZip(path, ZipLimits{MaxUncompressedBytes: 1024})
	require.False(t, insp.Safe)
	require.Contains(t, insp.Reason, "uncompressed size too large")
}

func TestInspectZipCompressionRatio(t *testing.T) {
	// Highly repetitive content deflates to a tiny fraction of its size.
	path := t.TempDir() + "/ratio.aasx"
	writeZipFile(t, path, map[string]string{
		"zeros.bin": string(bytes.Repeat([]byte{0}, 256*1024)),
	})

	insp := InspectZip(path, ZipLimits{MaxCompressionRatio: 50})
	require.False(t, insp.Safe)
	require.Contains(t, insp.Reason, "suspicious compression ratio")
	require.Greater(t, insp.Ratio, 50.0)
}

func TestInspectZipZeroCompressedNonzeroUncompressed(t *testing.T) {
	// Forge the central directory so the entry declares zero stored bytes
	// while still claiming an expanded size. Compressed size lives 20 bytes
	// past the central directory header signature.
	raw := zipBytes(t, map[string]string{"data.bin": "not actually empty"})
	idx := bytes.Index(raw, []byte{'P', 'K', 0x01, 0x02})
	require.GreaterOrEqual(t, idx, 0)
	copy(raw[idx+20:idx+24], []byte{0, 0, 0, 0})

	path := t.TempDir() + "/forged.aasx"
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	insp := InspectZip(path, DefaultZipLimits())
	require.False(t, insp.Safe)
	require.Contains(t, insp.Reason, "zero compressed size")
}

func TestInspectZipCorruptArchive(t *testing.T) {
	path := t.TempDir() + "/corrupt.aasx"
	require.NoError(t, os.WriteFile(path, []byte("this is not a zip"), 0o644))

	insp := InspectZip(path, DefaultZipLimits())
	require.False(t, insp.Safe)
	require.Contains(t, insp.Reason, "invalid zip archive")
}

func TestInspectZipMultipleReasons(t *testing.T) {
	parts := make(map[string]string)
	for i := 0; i < 4; i++ {
		parts[fmt.Sprintf("z%d.bin", i)] = string(bytes.Repeat([]byte{0}, 64*1024))
	}
	path := t.TempDir() + "/multi.aasx"
	writeZipFile(t, path, parts)

	insp := InspectZip(path, ZipLimits{
		MaxEntries:           2,
		MaxUncompressedBytes: 1024,
		MaxCompressionRatio:  10,
	})
	require.False(t, insp.Safe)
	require.Contains(t, insp.Reason, "too many entries")
	require.Contains(t, insp.Reason, "uncompressed size too large")
	require.Contains(t, insp.Reason, "suspicious compression ratio")
}
