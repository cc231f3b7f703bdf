package scheduler

import (
	"bytes"
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genropy/mail-proxy/internal/attachment"
	"github.com/genropy/mail-proxy/internal/domain"
)

var oversizedPayload = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte("x"), 2*1024*1024))

func newTestFetcher(t *testing.T) *attachment.Fetcher {
	t.Helper()
	cache := attachment.NewCache(1<<20, time.Minute, "", 0, 0)
	return attachment.NewFetcher(cache, "", 0)
}

func TestBuildEnvelopePlain(t *testing.T) {
	fetcher := newTestFetcher(t)
	payload := &domain.Payload{
		From:    "sender@example.com",
		To:      []string{"recipient@example.com"},
		Subject: "hello",
		Body:    "world",
	}

	env, err := buildEnvelope(context.Background(), fetcher, nil, nil, "m-1", payload)
	require.NoError(t, err)
	assert.Equal(t, "sender@example.com", env.From)
	assert.Equal(t, "world", env.Body)
	assert.Empty(t, env.Attachments)
	assert.Equal(t, "m-1", env.Headers["X-Genro-Mail-ID"])
}

func TestBuildEnvelopeWithAttachment(t *testing.T) {
	fetcher := newTestFetcher(t)
	payload := &domain.Payload{
		From:    "sender@example.com",
		To:      []string{"recipient@example.com"},
		Subject: "hello",
		Body:    "world",
		Attachments: []domain.Attachment{
			{Filename: "note.txt", FetchMode: "base64", StoragePath: base64.StdEncoding.EncodeToString([]byte("hi there"))},
		},
	}

	env, err := buildEnvelope(context.Background(), fetcher, nil, nil, "m-2", payload)
	require.NoError(t, err)
	require.Len(t, env.Attachments, 1)
	assert.Equal(t, "note.txt", env.Attachments[0].Filename)
	assert.Equal(t, []byte("hi there"), env.Attachments[0].Data)
}

func TestBuildEnvelopeLargeFileReject(t *testing.T) {
	fetcher := newTestFetcher(t)
	tenant := &domain.Tenant{
		ID: "tenant-1",
		LargeFileConfig: &domain.LargeFileConfig{
			Enabled:   true,
			MaxSizeMB: 1,
			Action:    domain.LargeFileReject,
		},
	}
	payload := &domain.Payload{
		From:    "sender@example.com",
		To:      []string{"recipient@example.com"},
		Subject: "hello",
		Attachments: []domain.Attachment{
			{Filename: "big.bin", FetchMode: "base64", StoragePath: oversizedPayload},
		},
	}

	_, err := buildEnvelope(context.Background(), fetcher, nil, tenant, "m-3", payload)
	assert.Error(t, err)
}

func TestBuildEnvelopeLargeFileWarnStillAttaches(t *testing.T) {
	fetcher := newTestFetcher(t)
	tenant := &domain.Tenant{
		ID: "tenant-1",
		LargeFileConfig: &domain.LargeFileConfig{
			Enabled:   true,
			MaxSizeMB: 1,
			Action:    domain.LargeFileWarn,
		},
	}
	payload := &domain.Payload{
		From:    "sender@example.com",
		To:      []string{"recipient@example.com"},
		Subject: "hello",
		Attachments: []domain.Attachment{
			{Filename: "big.bin", FetchMode: "base64", StoragePath: oversizedPayload},
		},
	}

	env, err := buildEnvelope(context.Background(), fetcher, nil, tenant, "m-4", payload)
	require.NoError(t, err)
	require.Len(t, env.Attachments, 1)
}

func TestBuildEnvelopeMissingField(t *testing.T) {
	fetcher := newTestFetcher(t)
	payload := &domain.Payload{To: []string{"recipient@example.com"}, Subject: "hello"}

	_, err := buildEnvelope(context.Background(), fetcher, nil, nil, "m-5", payload)
	assert.ErrorContains(t, err, "from")
}
