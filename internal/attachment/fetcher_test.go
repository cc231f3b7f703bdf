package attachment

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genropy/mail-proxy/internal/domain"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	dir := t.TempDir()
	return NewCache(1<<20, time.Minute, dir, 1<<20, time.Minute)
}

func TestFetchBase64(t *testing.T) {
	cache := newTestCache(t)
	f := NewFetcher(cache, "", 0)

	payload := base64.StdEncoding.EncodeToString([]byte("hello world"))
	a := domain.Attachment{Filename: "hello.txt", FetchMode: "base64", StoragePath: payload}

	r, err := f.Fetch(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), r.Data)
	assert.Equal(t, "text/plain", r.ContentType)
	assert.NotEmpty(t, r.MD5)
}

func TestFetchFilesystem(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b,c\n1,2,3\n"), 0o644))

	cache := newTestCache(t)
	f := NewFetcher(cache, dir, 0)

	a := domain.Attachment{Filename: "report.csv", FetchMode: "filesystem", StoragePath: "report.csv"}
	r, err := f.Fetch(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, "a,b,c\n1,2,3\n", string(r.Data))
	assert.Equal(t, "text/csv", r.ContentType)
}

func TestFetchTooLarge(t *testing.T) {
	cache := newTestCache(t)
	f := NewFetcher(cache, "", 4)

	payload := base64.StdEncoding.EncodeToString([]byte("this is way too long"))
	a := domain.Attachment{Filename: "big.txt", FetchMode: "base64", StoragePath: payload}

	_, err := f.Fetch(context.Background(), a)
	assert.ErrorContains(t, err, "big.txt")
}

func TestFetchMD5Mismatch(t *testing.T) {
	cache := newTestCache(t)
	f := NewFetcher(cache, "", 0)

	payload := base64.StdEncoding.EncodeToString([]byte("hello world"))
	a := domain.Attachment{Filename: "hello.txt", FetchMode: "base64", StoragePath: payload, ContentMD5: "deadbeef"}

	_, err := f.Fetch(context.Background(), a)
	assert.Error(t, err)
}

func TestFetchCacheHit(t *testing.T) {
	cache := newTestCache(t)
	data := []byte("cached bytes")
	cache.Put("abc123", data)

	f := NewFetcher(cache, "", 0)
	a := domain.Attachment{Filename: "cached.bin", FetchMode: "base64", StoragePath: "invalid-base64!!", ContentMD5: "abc123"}

	r, err := f.Fetch(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, data, r.Data)
}

func TestFetchUnknownMode(t *testing.T) {
	cache := newTestCache(t)
	f := NewFetcher(cache, "", 0)

	a := domain.Attachment{Filename: "x", FetchMode: "carrier-pigeon", StoragePath: "x"}
	_, err := f.Fetch(context.Background(), a)
	assert.Error(t, err)
}

func TestParseFilenameMD5MarkerStripsMarker(t *testing.T) {
	clean, md5hex := parseFilenameMD5Marker("report_{MD5:a1b2c3d4}.pdf")
	assert.Equal(t, "report.pdf", clean)
	assert.Equal(t, "a1b2c3d4", md5hex)
}

func TestParseFilenameMD5MarkerLowercasesHash(t *testing.T) {
	_, md5hex := parseFilenameMD5Marker("x_{MD5:A1B2C3D4}.bin")
	assert.Equal(t, "a1b2c3d4", md5hex)
}

func TestParseFilenameMD5MarkerNoMarkerIsUnchanged(t *testing.T) {
	clean, md5hex := parseFilenameMD5Marker("plain.txt")
	assert.Equal(t, "plain.txt", clean)
	assert.Empty(t, md5hex)
}

func TestFetchUsesEmbeddedMarkerAsCacheKeyFallback(t *testing.T) {
	cache := newTestCache(t)
	cache.Put("a1b2c3d4", []byte("cached via marker"))

	f := NewFetcher(cache, "", 0)
	a := domain.Attachment{Filename: "report_{MD5:a1b2c3d4}.pdf", FetchMode: "base64", StoragePath: "invalid-base64!!"}

	r, err := f.Fetch(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, []byte("cached via marker"), r.Data)
	assert.Equal(t, "report.pdf", r.Filename)
}

func TestFetchStripsMarkerFromFilenameOnFreshFetch(t *testing.T) {
	cache := newTestCache(t)
	f := NewFetcher(cache, "", 0)

	payload := base64.StdEncoding.EncodeToString([]byte("hello world"))
	// 5eb63bbbe01eeed093cb22bb8f5acdc3 is the real MD5 of "hello world",
	// so the marker matches the fetched content and no mismatch fires.
	a := domain.Attachment{Filename: "hello_{MD5:5eb63bbbe01eeed093cb22bb8f5acdc3}.txt", FetchMode: "base64", StoragePath: payload}

	r, err := f.Fetch(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, "hello.txt", r.Filename)
}

func TestFetchBatch(t *testing.T) {
	cache := newTestCache(t)
	f := NewFetcher(cache, "", 0)

	attachments := []domain.Attachment{
		{Filename: "one.txt", FetchMode: "base64", StoragePath: base64.StdEncoding.EncodeToString([]byte("one"))},
		{Filename: "two.txt", FetchMode: "base64", StoragePath: base64.StdEncoding.EncodeToString([]byte("two"))},
	}

	resolved, err := f.FetchBatch(context.Background(), attachments)
	require.NoError(t, err)
	require.Len(t, resolved, 2)
	assert.Equal(t, "one", string(resolved[0].Data))
	assert.Equal(t, "two", string(resolved[1].Data))
}

func TestCacheTierPromotion(t *testing.T) {
	dir := t.TempDir()
	disk := newDiskCache(dir, 1<<20, time.Minute)
	require.NoError(t, disk.put("xyz", []byte("disk data")))

	cache := &Cache{mem: newMemCache(1<<20, time.Minute), disk: disk}

	data, ok := cache.Get("xyz")
	require.True(t, ok)
	assert.Equal(t, []byte("disk data"), data)

	memData, ok := cache.mem.get("xyz")
	require.True(t, ok)
	assert.Equal(t, []byte("disk data"), memData)
}
