// Package receiver implements the bounce/PEC correlation receiver: one
// IMAP polling loop per configured inbound account that parses DSN and
// PEC receipts and correlates them back to the originating message via
// the X-Genro-Mail-ID header (spec.md §4.7).
package receiver

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/genropy/mail-proxy/internal/config"
	"github.com/genropy/mail-proxy/internal/domain"
	"github.com/genropy/mail-proxy/internal/mailproxyerr"
	"github.com/genropy/mail-proxy/internal/pkg/logger"
	"github.com/genropy/mail-proxy/internal/storage"
)

// Receiver fans out one polling goroutine per account returned by
// ListPECAccounts and runs the PEC-acceptance-deadline sweep on its own
// cadence, grounded on the teacher's per-worker goroutine fan-out in
// internal/worker/send_worker.go, generalized from a fixed worker count
// to one goroutine per configured inbound account.
type Receiver struct {
	store *storage.Store
	cfg   config.ReceiverConfig
}

// New builds a Receiver.
func New(store *storage.Store, cfg config.ReceiverConfig) *Receiver {
	return &Receiver{store: store, cfg: cfg}
}

// Run blocks until ctx is cancelled. It re-discovers the account list on
// every refresh tick so newly configured PEC/bounce accounts are picked
// up without a restart, and stops every account's goroutine on shutdown.
func (r *Receiver) Run(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()

	running := make(map[string]context.CancelFunc)
	defer func() {
		for _, cancel := range running {
			cancel()
		}
	}()

	sweepTicker := time.NewTicker(r.cfg.PollInterval() * 10)
	defer sweepTicker.Stop()

	refresh := time.NewTicker(r.cfg.PollInterval())
	defer refresh.Stop()

	r.refreshAccounts(ctx, &wg, running)

	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh.C:
			r.refreshAccounts(ctx, &wg, running)
		case <-sweepTicker.C:
			sweepPECDeadline(ctx, r.store, r.cfg.PECAcceptanceDeadline())
		}
	}
}

func (r *Receiver) refreshAccounts(ctx context.Context, wg *sync.WaitGroup, running map[string]context.CancelFunc) {
	accounts, err := r.store.ListPECAccounts(ctx)
	if err != nil {
		logger.Error("receiver: list pec accounts failed", "error", err.Error())
		return
	}

	seen := make(map[string]bool, len(accounts))
	for _, a := range accounts {
		seen[a.PK] = true
		if _, ok := running[a.PK]; ok {
			continue
		}
		acctCtx, cancel := context.WithCancel(ctx)
		running[a.PK] = cancel
		account := a
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.pollLoop(acctCtx, account)
		}()
	}

	for pk, cancel := range running {
		if !seen[pk] {
			cancel()
			delete(running, pk)
		}
	}
}

// pollLoop runs the bounce/PEC loop for a single account until ctx is
// cancelled, sleeping poll_interval between cycles regardless of
// whether the cycle succeeded.
func (r *Receiver) pollLoop(ctx context.Context, account domain.Account) {
	ticker := time.NewTicker(r.cfg.PollInterval())
	defer ticker.Stop()

	r.poll(ctx, account)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.poll(ctx, account)
		}
	}
}

func (r *Receiver) poll(ctx context.Context, account domain.Account) {
	lastUID := account.IMAPLastUID
	uidValidity := account.IMAPUIDValid

	c, err := dialIMAP(account)
	if err != nil {
		logger.Warn("receiver: imap dial failed", "account", account.ID, "error", err.Error())
		return
	}
	defer c.Logout()

	folder := account.IMAPFolder
	if folder == "" {
		folder = "INBOX"
	}

	mbox, err := c.Select(folder, false)
	if err != nil {
		logger.Warn("receiver: imap select failed", "account", account.ID, "folder", folder, "error", err.Error())
		return
	}

	if uidValidity != 0 && mbox.UidValidity != uidValidity {
		lastUID = 0
	}
	uidValidity = mbox.UidValidity

	uids, err := searchNewUIDs(c, lastUID)
	if err != nil {
		logger.Warn("receiver: imap search failed", "account", account.ID, "error", err.Error())
		return
	}
	if len(uids) == 0 {
		if uidValidity != account.IMAPUIDValid {
			if err := r.store.UpdateIMAPCursor(ctx, account.PK, lastUID, uidValidity); err != nil {
				logger.Warn("receiver: persist cursor failed", "account", account.ID, "error", err.Error())
			}
		}
		return
	}

	maxUID := advanceCursor(lastUID, uids, func(uid uint32) error {
		raw, err := fetchRaw(c, uid)
		if err != nil {
			logger.Warn("receiver: imap fetch failed", "account", account.ID, "uid", uid, "error", err.Error())
			return err
		}
		if err := r.processMessage(ctx, account, raw); err != nil {
			logger.Warn("receiver: process message failed", "account", account.ID, "uid", uid, "error", err.Error())
			return err
		}
		return nil
	})

	if err := r.store.UpdateIMAPCursor(ctx, account.PK, maxUID, uidValidity); err != nil {
		logger.Warn("receiver: persist cursor failed", "account", account.ID, "error", err.Error())
	}
}

// advanceCursor runs handle over uids (given in ascending order, as
// UID SEARCH returns them) and reports the highest UID whose handling
// succeeded, stopping at the first failure rather than skipping over it
// — a failed UID must be retried on the next poll cycle rather than
// being passed by, per spec.md §7's imap_error disposition ("UID
// pointer not advanced").
func advanceCursor(lastUID uint32, uids []uint32, handle func(uid uint32) error) uint32 {
	maxUID := lastUID
	for _, uid := range uids {
		if err := handle(uid); err != nil {
			break
		}
		maxUID = uid
	}
	return maxUID
}

// processMessage recognizes a PEC receipt first (the X-Ricevuta header
// is unambiguous when present), then falls back to DSN/heuristic bounce
// parsing. A message that matches neither is silently skipped — not an
// error, per the parser robustness requirements.
func (r *Receiver) processMessage(ctx context.Context, account domain.Account, raw []byte) error {
	if pec := parsePEC(raw); pec.genroMailID != "" {
		return r.emitPEC(ctx, account, pec)
	}

	bounce := parseBounce(raw)
	if bounce.genroMailID == "" {
		return nil
	}
	return r.emitBounce(ctx, account, bounce)
}

func (r *Receiver) emitBounce(ctx context.Context, account domain.Account, b bounceReport) error {
	m, err := r.store.GetMessage(ctx, account.TenantID, b.genroMailID)
	if err != nil {
		if err == mailproxyerr.ErrNotFound {
			return nil
		}
		return err
	}

	now := time.Now().Unix()
	_, err = r.store.AddEvent(ctx, domain.MessageEvent{
		MessagePK: m.PK,
		EventType: domain.EventBounce,
		EventTS:   now,
		Metadata: map[string]any{
			"bounce_type": bounceType(b.smtpCode),
			"bounce_code": bounceCodeString(b),
		},
	})
	return err
}

func bounceCodeString(b bounceReport) string {
	if b.status != "" {
		return b.status
	}
	if b.smtpCode != 0 {
		return fmt.Sprintf("%d", b.smtpCode)
	}
	return b.diagnosticCode
}

func (r *Receiver) emitPEC(ctx context.Context, account domain.Account, p pecReceipt) error {
	eventType, ok := eventForReceipt(p)
	if !ok {
		return nil
	}

	m, err := r.store.GetMessage(ctx, account.TenantID, p.genroMailID)
	if err != nil {
		if err == mailproxyerr.ErrNotFound {
			return nil
		}
		return err
	}

	_, err = r.store.AddEvent(ctx, domain.MessageEvent{
		MessagePK:   m.PK,
		EventType:   eventType,
		EventTS:     time.Now().Unix(),
		Description: p.diagnostic,
		Metadata:    map[string]any{"ricevuta": p.kind},
	})
	return err
}

func dialIMAP(account domain.Account) (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", account.IMAPHost, account.IMAPPort)

	var c *client.Client
	var err error
	if account.IMAPPort == 993 {
		c, err = client.DialTLS(addr, &tls.Config{ServerName: account.IMAPHost})
	} else {
		c, err = client.Dial(addr)
		if err == nil {
			err = c.StartTLS(&tls.Config{ServerName: account.IMAPHost})
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s", mailproxyerr.ErrIMAPError, err)
	}

	if err := c.Login(account.IMAPUser, account.IMAPPassword); err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: login: %s", mailproxyerr.ErrIMAPError, err)
	}
	return c, nil
}

// searchNewUIDs runs UID SEARCH UID (lastUID+1):* as spec.md §4.7
// prescribes.
func searchNewUIDs(c *client.Client, lastUID uint32) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	seq := new(imap.SeqSet)
	seq.AddRange(lastUID+1, 0) // 0 means "*", the highest UID in the mailbox
	criteria.Uid = seq
	return c.UidSearch(criteria)
}

// fetchRaw retrieves the full RFC 822 bytes for a single UID.
func fetchRaw(c *client.Client, uid uint32) ([]byte, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	section := &imap.BodySectionName{}
	items := []imap.FetchItem{section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, messages)
	}()

	var raw []byte
	for msg := range messages {
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, err
		}
		raw = data
	}

	if err := <-done; err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("uid %d: no body returned", uid)
	}
	return raw, nil
}
