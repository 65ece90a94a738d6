// Package content opens artifact content by location. Remote content is
// downloaded once into a local cache keyed by the blake3 hash of its location.
package content

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zeebo/blake3"
)

var (
	ErrUnsupportedScheme = errors.New("content: unsupported location scheme")
	ErrFetchFailed       = errors.New("content: fetch failed")
)

// HTTPConfig carries the optional HTTP connection settings for remote content.
type HTTPConfig struct {
	Timeout      time.Duration
	UserAgent    string
	MaxIdleConns int
}

func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Timeout:      30 * time.Second,
		UserAgent:    "edgeinstall/0.1",
		MaxIdleConns: 8,
	}
}

// Fetcher opens content for file paths, file:// and http(s):// locations.
type Fetcher struct {
	mu       sync.RWMutex
	client   *http.Client
	cfg      HTTPConfig
	cacheDir string
	digests  map[string]string
}

// NewFetcher builds a fetcher. An empty cacheDir disables the on-disk cache.
func NewFetcher(cacheDir string, cfg HTTPConfig) (*Fetcher, error) {
	if cacheDir != "" {
		if err := os.MkdirAll(cacheDir, 0o755); err != nil {
			return nil, fmt.Errorf("content: create cache dir: %w", err)
		}
	}
	f := &Fetcher{cacheDir: cacheDir, digests: make(map[string]string)}
	f.Reconfigure(cfg)
	return f, nil
}

// Reconfigure swaps the HTTP client settings. Cached content is kept.
func (f *Fetcher) Reconfigure(cfg HTTPConfig) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHTTPConfig().Timeout
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = DefaultHTTPConfig().UserAgent
	}
	client := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			MaxIdleConns:    cfg.MaxIdleConns,
			IdleConnTimeout: 90 * time.Second,
		},
	}
	f.mu.Lock()
	f.cfg = cfg
	f.client = client
	f.mu.Unlock()
}

// Open returns a reader for the content at location. Callers close it.
func (f *Fetcher) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" {
		return os.Open(location)
	}
	switch u.Scheme {
	case "file":
		return os.Open(filepath.FromSlash(u.Path))
	case "http", "https":
		return f.openRemote(ctx, location)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
}

// ReadAll opens location and reads it fully.
func (f *Fetcher) ReadAll(ctx context.Context, location string) ([]byte, error) {
	rc, err := f.Open(ctx, location)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Digest returns the blake3 digest of downloaded content, if known.
func (f *Fetcher) Digest(location string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	d, ok := f.digests[location]
	return d, ok
}

// Purge drops every cached download.
func (f *Fetcher) Purge() error {
	f.mu.Lock()
	f.digests = make(map[string]string)
	f.mu.Unlock()
	if f.cacheDir == "" {
		return nil
	}
	entries, err := os.ReadDir(f.cacheDir)
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		if err := os.Remove(filepath.Join(f.cacheDir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fetcher) openRemote(ctx context.Context, location string) (io.ReadCloser, error) {
	cached := f.cachePath(location)
	if cached != "" {
		if fh, err := os.Open(cached); err == nil {
			log.Debug().Str("location", location).Msg("content.Fetcher.Open cache hit")
			return fh, nil
		}
	}

	f.mu.RLock()
	client, cfg := f.client, f.cfg
	f.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", cfg.UserAgent)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFetchFailed, location, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: status %d", ErrFetchFailed, location, resp.StatusCode)
	}

	hasher := blake3.New()
	if cached == "" {
		var buf bytes.Buffer
		if _, err := io.Copy(io.MultiWriter(&buf, hasher), resp.Body); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrFetchFailed, location, err)
		}
		f.recordDigest(location, hasher)
		return io.NopCloser(&buf), nil
	}

	tmp, err := os.CreateTemp(f.cacheDir, "download-*")
	if err != nil {
		return nil, err
	}
	_, err = io.Copy(io.MultiWriter(tmp, hasher), resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("%w: %s: %v", ErrFetchFailed, location, err)
	}
	if err := os.Rename(tmp.Name(), cached); err != nil {
		os.Remove(tmp.Name())
		return nil, err
	}
	f.recordDigest(location, hasher)
	log.Debug().Str("location", location).Str("path", cached).Msg("content.Fetcher.Open cached download")
	return os.Open(cached)
}

func (f *Fetcher) recordDigest(location string, hasher *blake3.Hasher) {
	f.mu.Lock()
	f.digests[location] = hex.EncodeToString(hasher.Sum(nil))
	f.mu.Unlock()
}

func (f *Fetcher) cachePath(location string) string {
	if f.cacheDir == "" {
		return ""
	}
	key := blake3.Sum256([]byte(location))
	return filepath.Join(f.cacheDir, hex.EncodeToString(key[:]))
}
