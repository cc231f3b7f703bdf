package receiver

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const dsnFixture = "From: MAILER-DAEMON@mx.example.com\r\n" +
	"To: sender@example.com\r\n" +
	"Subject: Undelivered Mail Returned to Sender\r\n" +
	"Content-Type: multipart/report; report-type=delivery-status; boundary=\"BOUND\"\r\n" +
	"\r\n" +
	"--BOUND\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"This is the mail system.\r\n" +
	"--BOUND\r\n" +
	"Content-Type: message/delivery-status\r\n" +
	"\r\n" +
	"Final-Recipient: rfc822;recipient@example.com\r\n" +
	"Action: failed\r\n" +
	"Status: 5.1.1\r\n" +
	"Diagnostic-Code: smtp; 550 5.1.1 User unknown\r\n" +
	"\r\n" +
	"--BOUND\r\n" +
	"Content-Type: message/rfc822-headers\r\n" +
	"\r\n" +
	"From: sender@example.com\r\n" +
	"X-Genro-Mail-ID: m-42\r\n" +
	"Subject: hello\r\n" +
	"\r\n" +
	"--BOUND--\r\n"

func TestParseBounceDeliveryStatus(t *testing.T) {
	report := parseBounce([]byte(dsnFixture))
	assert.Equal(t, "m-42", report.genroMailID)
	assert.Equal(t, "failed", report.action)
	assert.Equal(t, "5.1.1", report.status)
	assert.Equal(t, 550, report.smtpCode)
	assert.Equal(t, "recipient@example.com", report.finalRecipient)
	assert.Equal(t, "hard", bounceType(report.smtpCode))
}

func TestParseBounceHeuristicsFallback(t *testing.T) {
	raw := "From: MAILER-DAEMON@mx.example.com\r\n" +
		"Subject: Delivery failure\r\n" +
		"X-Genro-Mail-ID: m-99\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"Your message could not be delivered: 550 5.1.1 user unknown\r\n"

	report := parseBounce([]byte(raw))
	assert.Equal(t, "m-99", report.genroMailID)
	assert.Equal(t, 550, report.smtpCode)
}

func TestParseBounceIgnoresUnrelatedMail(t *testing.T) {
	raw := "From: person@example.com\r\nSubject: hi\r\n\r\nhello\r\n"
	report := parseBounce([]byte(raw))
	assert.Empty(t, report.genroMailID)
}

func TestParseBounceMalformedNeverPanics(t *testing.T) {
	assert.NotPanics(t, func() {
		report := parseBounce([]byte("not a valid email at all"))
		assert.Empty(t, report.genroMailID)
	})
	assert.NotPanics(t, func() {
		report := parseBounce(nil)
		assert.Empty(t, report.genroMailID)
	})
}

func TestParseBounceMissingCorrelationHeaderSkips(t *testing.T) {
	raw := strings.Replace(dsnFixture, "X-Genro-Mail-ID: m-42\r\n", "", 1)
	report := parseBounce([]byte(raw))
	assert.Empty(t, report.genroMailID)
}

func TestTruncateDiagnosticCapsLength(t *testing.T) {
	long := strings.Repeat("x", 1000)
	assert.Len(t, truncateDiagnostic(long), maxDiagnosticLen)
}

func TestTruncateDiagnosticPreservesUnicode(t *testing.T) {
	s := "cassetta piena: è già oltre la soglia"
	assert.Equal(t, s, truncateDiagnostic(s))
}

func TestBounceTypeClassification(t *testing.T) {
	assert.Equal(t, "hard", bounceType(550))
	assert.Equal(t, "soft", bounceType(450))
	assert.Equal(t, "soft", bounceType(0))
}
