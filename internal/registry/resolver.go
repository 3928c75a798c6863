// Package registry resolves reference volumes published in a registry.json
// catalog into files in a local cache.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/spachava753/volsweep/internal/stage"
)

// ErrChecksumMismatch is returned when a downloaded volume does not match its registry digest.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// Resolver downloads registry templates into a cache directory.
type Resolver struct {
	cacheDir string
	client   *http.Client
}

// NewResolver creates a Resolver caching into cacheDir. An empty cacheDir
// uses volsweep/references under the user cache directory.
func NewResolver(cacheDir string) (*Resolver, error) {
	if cacheDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("locating user cache directory: %w", err)
		}
		cacheDir = filepath.Join(base, "volsweep", "references")
	}
	slog.Debug("creating registry cache directory", "path", cacheDir)
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	return &Resolver{
		cacheDir: cacheDir,
		client:   http.DefaultClient,
	}, nil
}

// CacheDir returns the directory downloaded volumes are stored in.
func (r *Resolver) CacheDir() string {
	return r.cacheDir
}

// Resolve returns the local path of one template, downloading it if needed.
func (r *Resolver) Resolve(ctx context.Context, tmpl *RegistryTemplate) (string, error) {
	paths, err := r.ResolveAll(ctx, []*RegistryTemplate{tmpl})
	if err != nil {
		return "", err
	}
	return paths[0], nil
}

// ResolveAll returns the local path of every template, in order. Distinct
// downloads run in parallel; templates sharing a URL and digest are fetched once.
func (r *Resolver) ResolveAll(ctx context.Context, templates []*RegistryTemplate) ([]string, error) {
	keys := make(map[fetchKey]bool)
	for _, t := range templates {
		keys[fetchKey{URL: t.URL, SHA256: strings.ToLower(t.SHA256)}] = true
	}

	slog.Debug("resolving registry templates",
		"templates", len(templates),
		"unique_downloads", len(keys))

	fetched := make(map[fetchKey]string)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for key := range keys {
		g.Go(func() error {
			p, err := r.fetch(gctx, key)
			if err != nil {
				return fmt.Errorf("fetching %s: %w", key.URL, err)
			}
			mu.Lock()
			fetched[key] = p
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	paths := make([]string, len(templates))
	for i, t := range templates {
		paths[i] = fetched[fetchKey{URL: t.URL, SHA256: strings.ToLower(t.SHA256)}]
	}
	return paths, nil
}

// fetch downloads key into the cache unless a verified copy is already there.
func (r *Resolver) fetch(ctx context.Context, key fetchKey) (string, error) {
	dst := filepath.Join(r.cacheDir, cacheFileName(key))

	if _, err := os.Stat(dst); err == nil {
		if key.SHA256 == "" {
			slog.Debug("template already cached", "url", key.URL, "path", dst)
			return dst, nil
		}
		if sum, err := fileSHA256(dst); err == nil && sum == key.SHA256 {
			slog.Debug("template already cached", "url", key.URL, "path", dst)
			return dst, nil
		}
		slog.Warn("cached template failed verification, downloading again", "path", dst)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key.URL, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading: HTTP %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(r.cacheDir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), resp.Body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("writing download: %w", err)
	}

	if key.SHA256 != "" {
		if sum := hex.EncodeToString(h.Sum(nil)); sum != key.SHA256 {
			return "", fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, sum, key.SHA256)
		}
	}

	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("moving download into cache: %w", err)
	}

	slog.Debug("template downloaded", "url", key.URL, "path", dst)
	return dst, nil
}

// cacheFileName keeps the volume's stem and extension so derived output
// directories (to_<stem>) stay readable, and adds a URL hash and digest
// prefix so distinct templates never share a file.
func cacheFileName(key fetchKey) string {
	base := "reference"
	if u, err := url.Parse(key.URL); err == nil && path.Base(u.Path) != "/" && path.Base(u.Path) != "." {
		base = path.Base(u.Path)
	}

	h := sha256.Sum256([]byte(key.URL))
	urlHash := hex.EncodeToString(h[:4])

	digest := "unverified"
	if key.SHA256 != "" {
		digest = key.SHA256
		if len(digest) > 12 {
			digest = digest[:12]
		}
	}

	return fmt.Sprintf("%s-%s-%s%s", stage.Stem(base), urlHash, digest, stage.Ext(base))
}

func fileSHA256(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
