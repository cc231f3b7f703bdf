package smtppool

import (
	"bytes"
	"context"
	"fmt"

	"github.com/genropy/mail-proxy/internal/domain"
)

// Envelope is the fully-resolved outbound message: attachment bytes have
// already been fetched, headers finalized, ready to hand to net/smtp.
type Envelope struct {
	From        string
	To          []string
	CC          []string
	BCC         []string
	Subject     string
	Body        string
	ContentType string
	Headers     map[string]string
	Attachments []ResolvedAttachment
}

// ResolvedAttachment carries the bytes for one attachment after the
// fetcher has resolved it.
type ResolvedAttachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Send acquires a pooled connection for account, transmits env, and
// returns the connection to the pool (or discards it on a connection-level
// failure) before returning.
func (p *Pool) Send(ctx context.Context, account *domain.Account, env *Envelope) error {
	client, err := p.Acquire(ctx, account)
	if err != nil {
		return err
	}

	raw, err := buildMessage(env)
	if err != nil {
		p.Release(account, client)
		return fmt.Errorf("build message: %w", err)
	}

	if err := client.Mail(env.From); err != nil {
		p.Discard(client)
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range allRecipients(env) {
		if err := client.Rcpt(rcpt); err != nil {
			p.Discard(client)
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		p.Discard(client)
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		p.Discard(client)
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		p.Discard(client)
		return fmt.Errorf("close DATA: %w", err)
	}

	p.Release(account, client)
	return nil
}

func allRecipients(env *Envelope) []string {
	out := make([]string, 0, len(env.To)+len(env.CC)+len(env.BCC))
	out = append(out, env.To...)
	out = append(out, env.CC...)
	out = append(out, env.BCC...)
	return out
}

// buildMessage renders env as a MIME message. Plain-text/HTML bodies with
// no attachments are sent as a single part; any attachment triggers a
// multipart/mixed envelope.
func buildMessage(env *Envelope) ([]byte, error) {
	var buf bytes.Buffer

	writeHeader(&buf, "From", env.From)
	writeHeader(&buf, "To", joinAddrs(env.To))
	if len(env.CC) > 0 {
		writeHeader(&buf, "Cc", joinAddrs(env.CC))
	}
	writeHeader(&buf, "Subject", env.Subject)
	buf.WriteString("MIME-Version: 1.0\r\n")
	for k, v := range env.Headers {
		writeHeader(&buf, k, v)
	}

	contentType := env.ContentType
	if contentType == "" {
		contentType = "text/plain; charset=UTF-8"
	}

	if len(env.Attachments) == 0 {
		fmt.Fprintf(&buf, "Content-Type: %s\r\n\r\n", contentType)
		buf.WriteString(env.Body)
		return buf.Bytes(), nil
	}

	boundary := "mailproxy-" + randBoundary()
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=\"%s\"\r\n\r\n", boundary)

	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	fmt.Fprintf(&buf, "Content-Type: %s\r\n\r\n", contentType)
	buf.WriteString(env.Body)
	buf.WriteString("\r\n")

	for _, a := range env.Attachments {
		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		fmt.Fprintf(&buf, "Content-Type: %s\r\n", ct)
		fmt.Fprintf(&buf, "Content-Disposition: attachment; filename=\"%s\"\r\n", a.Filename)
		buf.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")
		buf.WriteString(base64Wrap(a.Data))
		buf.WriteString("\r\n")
	}
	fmt.Fprintf(&buf, "--%s--\r\n", boundary)

	return buf.Bytes(), nil
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	fmt.Fprintf(buf, "%s: %s\r\n", key, value)
}

func joinAddrs(addrs []string) string {
	out := ""
	for i, a := range addrs {
		if i > 0 {
			out += ", "
		}
		out += a
	}
	return out
}
