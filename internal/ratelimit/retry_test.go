package ratelimit

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/genropy/mail-proxy/internal/mailproxyerr"
)

func TestClassifyErrorTransientSentinel(t *testing.T) {
	isTransient, code := ClassifyError(mailproxyerr.ErrSMTPTransient)
	assert.True(t, isTransient)
	assert.Equal(t, 421, code)
}

func TestClassifyErrorPermanentSentinel(t *testing.T) {
	isTransient, code := ClassifyError(mailproxyerr.ErrSMTPPermanent)
	assert.False(t, isTransient)
	assert.Equal(t, 550, code)
}

func TestClassifyErrorSMTPCodeInMessage(t *testing.T) {
	isTransient, code := ClassifyError(errors.New("550 mailbox unavailable"))
	assert.False(t, isTransient)
	assert.Equal(t, 550, code)

	isTransient, code = ClassifyError(errors.New("421 service not available"))
	assert.True(t, isTransient)
	assert.Equal(t, 421, code)
}

func TestClassifyErrorConnectionReset(t *testing.T) {
	isTransient, _ := ClassifyError(errors.New("read tcp: connection reset by peer"))
	assert.True(t, isTransient)
}

func TestClassifyErrorNil(t *testing.T) {
	isTransient, code := ClassifyError(nil)
	assert.False(t, isTransient)
	assert.Equal(t, 0, code)
}

func TestShouldRetry(t *testing.T) {
	assert.True(t, ShouldRetry(0, 3))
	assert.True(t, ShouldRetry(2, 3))
	assert.False(t, ShouldRetry(3, 3))
	assert.False(t, ShouldRetry(5, 3))
}

func TestShouldRetryDefaultsWhenZero(t *testing.T) {
	assert.True(t, ShouldRetry(2, 0))
	assert.False(t, ShouldRetry(3, 0))
}

func TestCalculateDelayDefaults(t *testing.T) {
	assert.Equal(t, int64(60), CalculateDelay(0, nil))
	assert.Equal(t, int64(300), CalculateDelay(1, nil))
	assert.Equal(t, int64(900), CalculateDelay(2, nil))
	assert.Equal(t, int64(900), CalculateDelay(10, nil))
}

func TestCalculateDelayCustomSequence(t *testing.T) {
	custom := []int64{10, 20}
	assert.Equal(t, int64(10), CalculateDelay(0, custom))
	assert.Equal(t, int64(20), CalculateDelay(1, custom))
	assert.Equal(t, int64(20), CalculateDelay(5, custom))
}
