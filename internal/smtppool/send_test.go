package smtppool

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildMessagePlain(t *testing.T) {
	env := &Envelope{
		From:    "sender@example.com",
		To:      []string{"a@example.com", "b@example.com"},
		Subject: "hello",
		Body:    "plain body",
	}

	raw, err := buildMessage(env)
	require.NoError(t, err)

	msg := string(raw)
	assert.Contains(t, msg, "From: sender@example.com")
	assert.Contains(t, msg, "To: a@example.com, b@example.com")
	assert.Contains(t, msg, "Subject: hello")
	assert.Contains(t, msg, "plain body")
	assert.NotContains(t, msg, "multipart/mixed")
}

func TestBuildMessageWithAttachment(t *testing.T) {
	env := &Envelope{
		From:    "sender@example.com",
		To:      []string{"a@example.com"},
		Subject: "with attachment",
		Body:    "see attached",
		Attachments: []ResolvedAttachment{
			{Filename: "report.txt", ContentType: "text/plain", Data: []byte("report contents")},
		},
	}

	raw, err := buildMessage(env)
	require.NoError(t, err)

	msg := string(raw)
	assert.Contains(t, msg, "multipart/mixed")
	assert.Contains(t, msg, `filename="report.txt"`)
	assert.True(t, strings.Count(msg, "--mailproxy-") >= 2)
}

func TestAllRecipients(t *testing.T) {
	env := &Envelope{
		To:  []string{"a@example.com"},
		CC:  []string{"b@example.com"},
		BCC: []string{"c@example.com"},
	}
	assert.ElementsMatch(t, []string{"a@example.com", "b@example.com", "c@example.com"}, allRecipients(env))
}
