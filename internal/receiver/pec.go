package receiver

import (
	"bytes"
	"context"
	"net/mail"
	"strings"
	"time"

	"github.com/genropy/mail-proxy/internal/domain"
	"github.com/genropy/mail-proxy/internal/pkg/logger"
	"github.com/genropy/mail-proxy/internal/storage"
)

// pecReceipt is what pec parsing recovers from an X-Ricevuta message.
// A zero-value receipt (kind == "") means the message isn't a
// recognizable PEC receipt.
type pecReceipt struct {
	kind        string // accettazione, avvenuta-consegna, mancata-consegna
	genroMailID string
	diagnostic  string
}

// parsePEC reads the X-Ricevuta header and the original-message headers
// out of a raw PEC receipt. Like parseBounce it never panics on
// malformed input — it returns a zero-value receipt instead.
func parsePEC(raw []byte) pecReceipt {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return pecReceipt{}
	}

	ricevuta := strings.ToLower(strings.TrimSpace(msg.Header.Get("X-Ricevuta")))
	if ricevuta == "" {
		return pecReceipt{}
	}

	id, ok := extractGenroMailID(raw)
	if !ok {
		return pecReceipt{}
	}

	return pecReceipt{
		kind:        ricevuta,
		genroMailID: id,
		diagnostic:  truncateDiagnostic(msg.Header.Get("Subject")),
	}
}

// eventForReceipt maps an X-Ricevuta value onto the event type the
// receiver records, per spec.md §4.7. The three
// recognized values are "accettazione" (the PEC provider took custody
// of the message), "avvenuta-consegna" (delivered to the recipient's
// PEC mailbox), and "mancata-consegna" (delivery failed).
func eventForReceipt(r pecReceipt) (domain.EventType, bool) {
	switch r.kind {
	case "accettazione":
		return domain.EventPECAcceptance, true
	case "avvenuta-consegna":
		return domain.EventPECDelivery, true
	case "mancata-consegna":
		return domain.EventPECError, true
	default:
		return "", false
	}
}

// sweepPECDeadline clears is_pec on any PEC-flagged message sent before
// the acceptance deadline that never got a pec_acceptance event — the
// background sweep spec.md §4.7 describes for addresses that turn out
// not to be PEC after all.
func sweepPECDeadline(ctx context.Context, store *storage.Store, deadline time.Duration) {
	cutoff := time.Now().Add(-deadline).Unix()
	messages, err := store.GetPECWithoutAcceptance(ctx, cutoff)
	if err != nil {
		logger.Error("pec deadline sweep: fetch failed", "error", err.Error())
		return
	}
	for _, m := range messages {
		if err := store.ClearPECFlag(ctx, m.PK); err != nil {
			logger.Warn("pec deadline sweep: clear flag failed", "message_pk", m.PK, "error", err.Error())
		}
	}
}
