package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/genropy/mail-proxy/internal/domain"
)

func TestGroupByAccountFallsBackToDefault(t *testing.T) {
	batch := []domain.Message{
		{PK: "a", AccountID: "acct-1"},
		{PK: "b", AccountID: ""},
		{PK: "c", AccountID: "acct-1"},
		{PK: "d", AccountID: "acct-2"},
	}

	groups := groupByAccount(batch)
	assert.Len(t, groups["acct-1"], 2)
	assert.Len(t, groups["acct-2"], 1)
	assert.Len(t, groups[domain.DefaultAccountID], 1)
}

func TestValidatePayloadRequiresFrom(t *testing.T) {
	p := &domain.Payload{To: []string{"a@example.com"}, Subject: "hi"}
	err := validatePayload(p)
	assert.ErrorContains(t, err, "from")
}

func TestValidatePayloadRequiresTo(t *testing.T) {
	p := &domain.Payload{From: "a@example.com", Subject: "hi"}
	err := validatePayload(p)
	assert.ErrorContains(t, err, "to")
}

func TestValidatePayloadRequiresSubjectOrBody(t *testing.T) {
	p := &domain.Payload{From: "a@example.com", To: []string{"b@example.com"}}
	err := validatePayload(p)
	assert.ErrorContains(t, err, "subject/body")
}

func TestValidatePayloadOK(t *testing.T) {
	p := &domain.Payload{From: "a@example.com", To: []string{"b@example.com"}, Subject: "hi"}
	assert.NoError(t, validatePayload(p))
}
