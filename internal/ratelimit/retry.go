package ratelimit

import (
	"errors"
	"net"
	"strings"

	"github.com/genropy/mail-proxy/internal/mailproxyerr"
)

// DefaultMaxRetries is the plain-integer retry ceiling from spec.md §4.4.
const DefaultMaxRetries = 3

// defaultDelaySeconds is the indexed backoff sequence, clamped to the
// last entry for any retry_count beyond its length — the same
// clamp-to-last-entry shape as the teacher's staleAge/interval defaults
// in internal/worker/queue_recovery.go, applied here to a delay ladder
// instead of a fixed interval.
var defaultDelaySeconds = []int64{60, 300, 900}

// ClassifyError reports whether err is a transient SMTP failure (worth
// retrying) and the SMTP reply code when one can be recovered from the
// error text. Permanent errors are 5xx; transient are 4xx, connection
// resets, timeouts, and "try again" soft failures — per spec.md §4.4.
func ClassifyError(err error) (isTransient bool, smtpCode int) {
	if err == nil {
		return false, 0
	}

	if errors.Is(err, mailproxyerr.ErrSMTPTransient) {
		return true, 421
	}
	if errors.Is(err, mailproxyerr.ErrSMTPPermanent) {
		return false, 550
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true, 421
	}

	msg := strings.ToLower(err.Error())
	if code := extractSMTPCode(msg); code != 0 {
		return code < 500, code
	}

	switch {
	case strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "eof"),
		strings.Contains(msg, "try again"),
		strings.Contains(msg, "temporarily"):
		return true, 421
	}

	// Unknown shape: treat as transient so a genuine blip isn't turned
	// into a permanent failure on first sight.
	return true, 0
}

// extractSMTPCode returns the first 3-digit SMTP reply code (1xx-5xx,
// followed by a space, a dash, or the end of msg) found anywhere in msg.
func extractSMTPCode(msg string) int {
	for i := 0; i+3 <= len(msg); i++ {
		if msg[i] >= '1' && msg[i] <= '5' && isDigit(msg[i+1]) && isDigit(msg[i+2]) {
			if i+3 == len(msg) || msg[i+3] == ' ' || msg[i+3] == '-' {
				return int(msg[i]-'0')*100 + int(msg[i+1]-'0')*10 + int(msg[i+2]-'0')
			}
		}
	}
	return 0
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// ShouldRetry reports whether retryCount is still within the retry
// ceiling.
func ShouldRetry(retryCount, maxRetries int) bool {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return retryCount < maxRetries
}

// CalculateDelay returns the backoff delay in seconds for retryCount,
// using delays if non-empty else the default (60, 300, 900) ladder,
// clamped to the last entry once retryCount exceeds its length.
func CalculateDelay(retryCount int, delays []int64) int64 {
	if len(delays) == 0 {
		delays = defaultDelaySeconds
	}
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(delays) {
		return delays[len(delays)-1]
	}
	return delays[retryCount]
}
