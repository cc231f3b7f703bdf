// Package attachment resolves message attachments to bytes: base64
// inline payloads, filesystem paths, http(s) URLs, and tenant-defined
// "endpoint" references, behind a tiered memory+disk cache keyed by
// content MD5 (spec.md §4.2).
package attachment

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/genropy/mail-proxy/internal/domain"
	"github.com/genropy/mail-proxy/internal/mailproxyerr"
	"github.com/genropy/mail-proxy/internal/pkg/httpretry"
)

// Resolved is one fetched attachment: bytes plus the content type the
// SMTP pool should advertise.
type Resolved struct {
	Filename    string
	ContentType string
	Data        []byte
	MD5         string
}

// Fetcher resolves domain.Attachment descriptors to bytes, checking the
// tiered Cache first and filling it on a miss. HTTP fetches go through
// httpretry.RetryClient, the same client the teacher uses for outbound API
// calls, so attachment retrieval gets the same backoff/jitter behavior.
type Fetcher struct {
	cache       *Cache
	http        *httpretry.RetryClient
	fsBaseDir   string
	maxBytes    int64
}

// NewFetcher builds a Fetcher. maxBytes of 0 disables the size check (the
// scheduler applies the tenant's LargeFileConfig threshold separately).
func NewFetcher(cache *Cache, fsBaseDir string, maxBytes int64) *Fetcher {
	return &Fetcher{
		cache:     cache,
		http:      httpretry.NewRetryClient(nil, 3),
		fsBaseDir: fsBaseDir,
		maxBytes:  maxBytes,
	}
}

var (
	md5MarkerPattern     = regexp.MustCompile(`\{MD5:([a-fA-F0-9]+)\}`)
	underscoreRunPattern = regexp.MustCompile(`_+`)
	underscoreDotPattern = regexp.MustCompile(`_\.`)
)

// parseFilenameMD5Marker extracts an embedded {MD5:<hex>} marker from
// filename, stripping it to produce the clean display name a recipient
// sees. Mirrors original_source's AttachmentManager.parse_filename:
// "report_{MD5:a1b2c3d4}.pdf" -> ("report.pdf", "a1b2c3d4").
func parseFilenameMD5Marker(filename string) (clean string, md5hex string) {
	match := md5MarkerPattern.FindStringSubmatch(filename)
	if match == nil {
		return filename, ""
	}
	clean = md5MarkerPattern.ReplaceAllString(filename, "")
	clean = underscoreRunPattern.ReplaceAllString(clean, "_")
	clean = strings.Trim(clean, "_")
	clean = underscoreDotPattern.ReplaceAllString(clean, ".")
	return clean, strings.ToLower(match[1])
}

// Fetch resolves one attachment, returning a cache hit when a content MD5
// is known and already cached, otherwise fetching fresh bytes and
// populating the cache for subsequent recipients of the same batch. The
// cache key is content_md5 when supplied, falling back to an MD5 marker
// embedded in filename (spec.md §4.2).
func (f *Fetcher) Fetch(ctx context.Context, a domain.Attachment) (*Resolved, error) {
	cleanName, markerMD5 := parseFilenameMD5Marker(a.Filename)

	cacheKey := a.ContentMD5
	if cacheKey == "" {
		cacheKey = markerMD5
	}

	if cacheKey != "" {
		if data, ok := f.cache.Get(cacheKey); ok {
			return &Resolved{Filename: cleanName, Data: data, MD5: cacheKey, ContentType: contentTypeFor(cleanName)}, nil
		}
	}

	data, err := f.fetchMode(ctx, a)
	if err != nil {
		return nil, err
	}

	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes (limit %d)", mailproxyerr.ErrAttachmentTooLarge, cleanName, len(data), f.maxBytes)
	}

	sum := md5.Sum(data)
	md5hex := hex.EncodeToString(sum[:])
	if cacheKey != "" && cacheKey != md5hex {
		return nil, fmt.Errorf("%w: %s content_md5 mismatch", mailproxyerr.ErrAttachmentFetchFailed, cleanName)
	}
	f.cache.Put(md5hex, data)

	return &Resolved{Filename: cleanName, Data: data, MD5: md5hex, ContentType: contentTypeFor(cleanName)}, nil
}

// FetchBatch resolves every attachment for one message concurrently-safe
// sequential fetch; callers needing concurrency fan this out themselves
// (the scheduler bounds attachment concurrency per config.SchedulerConfig).
func (f *Fetcher) FetchBatch(ctx context.Context, attachments []domain.Attachment) ([]Resolved, error) {
	out := make([]Resolved, 0, len(attachments))
	for _, a := range attachments {
		r, err := f.Fetch(ctx, a)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", a.Filename, err)
		}
		out = append(out, *r)
	}
	return out, nil
}

func (f *Fetcher) fetchMode(ctx context.Context, a domain.Attachment) ([]byte, error) {
	switch strings.ToLower(a.FetchMode) {
	case "base64", "":
		return base64.StdEncoding.DecodeString(a.StoragePath)
	case "filesystem":
		return f.fetchFilesystem(a.StoragePath)
	case "http_url", "http", "https":
		return f.fetchHTTP(ctx, a.StoragePath, a.AuthOverride)
	case "endpoint":
		return f.fetchHTTP(ctx, a.StoragePath, a.AuthOverride)
	default:
		return nil, fmt.Errorf("%w: unknown fetch_mode %q", mailproxyerr.ErrValidation, a.FetchMode)
	}
}

func (f *Fetcher) fetchFilesystem(path string) ([]byte, error) {
	full := path
	if f.fsBaseDir != "" && !filepath.IsAbs(path) {
		full = filepath.Join(f.fsBaseDir, path)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mailproxyerr.ErrAttachmentFetchFailed, err)
	}
	return data, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, url string, auth *domain.Auth) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mailproxyerr.ErrAttachmentFetchFailed, err)
	}
	applyAuth(req, auth)

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mailproxyerr.ErrAttachmentFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s returned %d", mailproxyerr.ErrAttachmentFetchFailed, url, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mailproxyerr.ErrAttachmentFetchFailed, err)
	}
	return data, nil
}

func applyAuth(req *http.Request, auth *domain.Auth) {
	if auth == nil {
		return
	}
	switch auth.Method {
	case domain.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case domain.AuthBasic:
		req.SetBasicAuth(auth.User, auth.Password)
	}
}

func contentTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".txt":
		return "text/plain"
	case ".csv":
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}
