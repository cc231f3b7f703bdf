// Package smtppool maintains a pool of SMTP client connections keyed by
// account, so the scheduler reuses an authenticated connection across
// many messages instead of dialing fresh for every send (spec.md §4.3).
package smtppool

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"sync"
	"time"

	"github.com/genropy/mail-proxy/internal/domain"
)

// key identifies one pooled connection target.
type key struct {
	host   string
	port   int
	user   string
	useTLS bool
}

type entry struct {
	client    *smtp.Client
	expiresAt time.Time
}

// Pool hands out pooled *smtp.Client connections, dialing and
// authenticating fresh ones as needed and retiring them after ttl.
// Grounded on internal/worker/esp_pmta.go's dial/STARTTLS/AUTH sequence,
// generalized from one fixed PMTA relay to many tenant accounts.
type Pool struct {
	mu          sync.Mutex
	conns       map[key]*entry
	ttl         time.Duration
	dialTimeout time.Duration
}

// New creates a connection pool. ttl bounds how long an idle connection is
// kept before being re-dialed; dialTimeout bounds each TCP connect.
func New(ttl, dialTimeout time.Duration) *Pool {
	return &Pool{
		conns:       make(map[key]*entry),
		ttl:         ttl,
		dialTimeout: dialTimeout,
	}
}

// Acquire returns a live, authenticated SMTP client for account, reusing a
// pooled connection when one is present and not expired.
func (p *Pool) Acquire(ctx context.Context, account *domain.Account) (*smtp.Client, error) {
	k := key{account.Host, account.Port, account.User, account.UseTLS}

	p.mu.Lock()
	if e, ok := p.conns[k]; ok {
		if time.Now().Before(e.expiresAt) {
			if err := e.client.Noop(); err == nil {
				delete(p.conns, k)
				p.mu.Unlock()
				return e.client, nil
			}
		}
		delete(p.conns, k)
	}
	p.mu.Unlock()

	return p.dial(ctx, account)
}

// Release returns a client to the pool for reuse, or closes it if the
// pool already holds a fresher connection for the same key.
func (p *Pool) Release(account *domain.Account, c *smtp.Client) {
	k := key{account.Host, account.Port, account.User, account.UseTLS}
	ttl := p.ttl
	if account.TTL > 0 {
		ttl = time.Duration(account.TTL) * time.Second
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.conns[k]; exists {
		c.Close()
		return
	}
	p.conns[k] = &entry{client: c, expiresAt: time.Now().Add(ttl)}
}

// Discard closes c without returning it to the pool, used after a send
// fails with a connection-level error.
func (p *Pool) Discard(c *smtp.Client) {
	c.Close()
}

func (p *Pool) dial(ctx context.Context, account *domain.Account) (*smtp.Client, error) {
	addr := fmt.Sprintf("%s:%d", account.Host, account.Port)
	dialer := &net.Dialer{Timeout: p.dialTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("smtp connect to %s: %w", addr, err)
	}

	c, err := smtp.NewClient(conn, account.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("smtp client: %w", err)
	}

	if account.UseTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			cfg := &tls.Config{ServerName: account.Host}
			if err := c.StartTLS(cfg); err != nil {
				c.Close()
				return nil, fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}

	if account.User != "" && account.Password != "" {
		auth := smtp.PlainAuth("", account.User, account.Password, account.Host)
		if err := c.Auth(auth); err != nil {
			c.Close()
			return nil, fmt.Errorf("smtp auth: %w", err)
		}
	}

	return c, nil
}

// CloseAll closes every pooled connection, used on shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, e := range p.conns {
		e.client.Close()
		delete(p.conns, k)
	}
}
