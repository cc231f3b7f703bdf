package receiver

import (
	"bufio"
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
)

// maxDiagnosticLen caps a parsed diagnostic string, per spec.md §4.7's
// "very long diagnostic strings are truncated (to ~500 characters)".
const maxDiagnosticLen = 500

// bounceReport is everything dsn parsing recovers from one inbound
// message. A zero-value report (genroMailID == "") means correlation
// failed and the caller should skip the message.
type bounceReport struct {
	genroMailID    string
	finalRecipient string
	action         string
	status         string
	diagnosticCode string
	smtpCode       int
}

var smtpCodeRe = regexp.MustCompile(`\b([2-5]\d\d)\b`)

// parseBounce inspects a raw RFC 822 message and returns a bounceReport.
// It never panics: truncated, malformed, or unrelated input yields a
// zero-value report rather than an error, per the parser robustness
// requirements in spec.md §4.7.
func parseBounce(raw []byte) bounceReport {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return bounceReport{}
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err == nil && strings.HasPrefix(mediaType, "multipart/report") {
		if report, ok := parseDeliveryStatusReport(msg.Header, params, msg.Body); ok {
			return report
		}
	}

	return parseBounceHeuristics(msg.Header, raw)
}

// parseDeliveryStatusReport handles the RFC 3464 multipart/report;
// report-type=delivery-status case: a human-readable part, a
// message/delivery-status part, and a message/rfc822-headers (or
// message/rfc822) part carrying the original headers.
func parseDeliveryStatusReport(header mail.Header, params map[string]string, body io.Reader) (bounceReport, bool) {
	boundary := params["boundary"]
	if boundary == "" {
		return bounceReport{}, false
	}

	reader := multipart.NewReader(body, boundary)

	var report bounceReport
	var foundStatus, foundHeaders bool

	for {
		part, err := reader.NextPart()
		if err != nil {
			break
		}

		partType, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		data, readErr := io.ReadAll(io.LimitReader(part, 1<<20))
		part.Close()
		if readErr != nil {
			continue
		}

		switch partType {
		case "message/delivery-status":
			fillFromDeliveryStatus(&report, data)
			foundStatus = true
		case "message/rfc822-headers", "message/rfc822", "text/rfc822-headers":
			if id, ok := extractGenroMailID(data); ok {
				report.genroMailID = id
				foundHeaders = true
			}
		}
	}

	if !foundStatus || !foundHeaders || report.genroMailID == "" {
		return bounceReport{}, false
	}
	return report, true
}

// fillFromDeliveryStatus scans a message/delivery-status part (itself a
// small header block, RFC 3464 §2.2) for the fields this receiver cares
// about: Action, Status, and Diagnostic-Code.
func fillFromDeliveryStatus(report *bounceReport, data []byte) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])

		switch strings.ToLower(key) {
		case "final-recipient":
			report.finalRecipient = stripAddressType(val)
		case "action":
			report.action = strings.ToLower(val)
		case "status":
			report.status = val
		case "diagnostic-code":
			report.diagnosticCode = truncateDiagnostic(val)
			if m := smtpCodeRe.FindStringSubmatch(val); m != nil {
				if code, err := strconv.Atoi(m[1]); err == nil {
					report.smtpCode = code
				}
			}
		}
	}
}

var genroMailIDRe = regexp.MustCompile(`(?im)^X-Genro-Mail-ID:[ \t]*(\S+)`)

// extractGenroMailID scans a block of bytes — a full message, a
// message/rfc822-headers part, or an attached original message — for
// the X-Genro-Mail-ID header and returns its value unmodified, since the
// original message id is matched case-exact against it (spec.md §4.7).
func extractGenroMailID(data []byte) (string, bool) {
	m := genroMailIDRe.FindSubmatch(data)
	if m == nil {
		return "", false
	}
	return string(bytes.TrimSpace(m[1])), true
}

var (
	mailerDaemonRe = regexp.MustCompile(`(?i)mailer-daemon|postmaster`)
	undeliveredRe  = regexp.MustCompile(`(?i)undeliver|failure|returned mail|delivery.{0,10}fail`)
)

// parseBounceHeuristics is the fallback path for bounce mail that isn't
// a well-formed multipart/report: MAILER-DAEMON sender, a failure-shaped
// subject, and an SMTP response code somewhere in the body.
func parseBounceHeuristics(header mail.Header, raw []byte) bounceReport {
	from := header.Get("From")
	subject := header.Get("Subject")

	if !mailerDaemonRe.MatchString(from) && !undeliveredRe.MatchString(subject) {
		return bounceReport{}
	}

	id, ok := extractGenroMailID(raw)
	if !ok {
		return bounceReport{}
	}

	report := bounceReport{genroMailID: id, action: "failed"}
	if m := smtpCodeRe.FindSubmatch(raw); m != nil {
		if code, err := strconv.Atoi(string(m[1])); err == nil {
			report.smtpCode = code
		}
	}
	report.diagnosticCode = truncateDiagnostic(subject)
	return report
}

// stripAddressType drops the "rfc822;" (or similar) address-type prefix
// RFC 3464 puts in front of Original-Recipient/Final-Recipient values.
func stripAddressType(val string) string {
	if idx := strings.Index(val, ";"); idx >= 0 {
		return strings.TrimSpace(val[idx+1:])
	}
	return val
}

func truncateDiagnostic(s string) string {
	r := []rune(s)
	if len(r) <= maxDiagnosticLen {
		return s
	}
	return string(r[:maxDiagnosticLen])
}

// bounceType classifies an SMTP status code into the hard/soft taxonomy
// spec.md §4.7 asks for: 5xx permanent, 4xx temporary.
func bounceType(smtpCode int) string {
	switch {
	case smtpCode >= 500 && smtpCode < 600:
		return "hard"
	case smtpCode >= 400 && smtpCode < 500:
		return "soft"
	default:
		return "soft"
	}
}
