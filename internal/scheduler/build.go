package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/genropy/mail-proxy/internal/attachment"
	"github.com/genropy/mail-proxy/internal/domain"
	"github.com/genropy/mail-proxy/internal/mailproxyerr"
	"github.com/genropy/mail-proxy/internal/smtppool"
)

// buildEnvelope turns a message's payload into a ready-to-send Envelope,
// resolving every attachment through the fetcher and applying the
// tenant's large-file action to anything over its configured threshold.
// This is the only place that consults the attachment fetcher, per
// spec.md §4.5.
func buildEnvelope(ctx context.Context, fetcher *attachment.Fetcher, s3 *attachment.S3Backend, tenant *domain.Tenant, messageID string, payload *domain.Payload) (*smtppool.Envelope, error) {
	if err := validatePayload(payload); err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(payload.Headers)+1)
	for k, v := range payload.Headers {
		headers[k] = v
	}
	// Sole correlation key the bounce/PEC receiver uses to match an inbound
	// receipt back to this message, per spec.md §4.7.
	headers["X-Genro-Mail-ID"] = messageID

	env := &smtppool.Envelope{
		From:        payload.From,
		To:          payload.To,
		CC:          payload.CC,
		BCC:         payload.BCC,
		Subject:     payload.Subject,
		Body:        payload.Body,
		ContentType: payload.ContentType,
		Headers:     headers,
	}

	maxBytes := int64(0)
	action := domain.LargeFileWarn
	if tenant != nil && tenant.LargeFileConfig != nil && tenant.LargeFileConfig.Enabled {
		maxBytes = int64(tenant.LargeFileConfig.MaxSizeMB) * 1024 * 1024
		action = tenant.LargeFileConfig.Action
	}

	for _, a := range payload.Attachments {
		resolved, err := fetcher.Fetch(ctx, a)
		if err != nil {
			return nil, err
		}

		if maxBytes > 0 && int64(len(resolved.Data)) > maxBytes {
			switch action {
			case domain.LargeFileReject:
				return nil, fmt.Errorf("%w: %s exceeds tenant large-file threshold", mailproxyerr.ErrAttachmentTooLarge, a.Filename)
			case domain.LargeFileRewrite:
				url, err := rewriteAttachment(ctx, s3, tenant, a.Filename, resolved)
				if err != nil {
					return nil, err
				}
				env.Body += fmt.Sprintf("\n\n[Attachment %s available at: %s]", a.Filename, url)
				continue
			}
			// LargeFileWarn: fall through and attach anyway.
		}

		env.Attachments = append(env.Attachments, smtppool.ResolvedAttachment{
			Filename:    resolved.Filename,
			ContentType: resolved.ContentType,
			Data:        resolved.Data,
		})
	}

	return env, nil
}

func rewriteAttachment(ctx context.Context, s3 *attachment.S3Backend, tenant *domain.Tenant, filename string, resolved *attachment.Resolved) (string, error) {
	if s3 == nil || tenant == nil || !strings.HasPrefix(tenant.LargeFileConfig.StorageURL, "s3://") {
		return "", fmt.Errorf("%w: no large-file rewrite backend configured for tenant %s", mailproxyerr.ErrAttachmentTooLarge, tenant.ID)
	}
	key := fmt.Sprintf("%s/%s/%s", tenant.ID, resolved.MD5, filename)
	return s3.Rewrite(ctx, key, resolved.Data, resolved.ContentType)
}

func validatePayload(p *domain.Payload) error {
	switch {
	case p.From == "":
		return fmt.Errorf("%w: missing: from", mailproxyerr.ErrValidation)
	case len(p.To) == 0:
		return fmt.Errorf("%w: missing: to", mailproxyerr.ErrValidation)
	case p.Subject == "" && p.Body == "":
		return fmt.Errorf("%w: missing: subject/body", mailproxyerr.ErrValidation)
	}
	return nil
}
