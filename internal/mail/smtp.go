package mail

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gomail "github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"semaphore/messaging/internal/config"
	"semaphore/messaging/internal/logging"
)

var ErrPoolClosed = errors.New("mail: pool closed")

type smtpClient interface {
	Send(messages ...*gomail.Msg) error
	Close() error
}

// Dialer opens and greets one SMTP connection.
type Dialer func(ctx context.Context) (smtpClient, error)

type pooledConn struct {
	client   smtpClient
	sent     int
	lastUsed time.Time
	reused   bool
}

// Pool bounds concurrent SMTP connections and recycles each one after a fixed number of
// messages. Idle connections are reused by later sends until they have been idle for the
// socket timeout; a reused connection that fails is replaced by a fresh one once.
type Pool struct {
	from        string
	maxMessages int
	maxIdle     time.Duration
	dial        Dialer
	sem         chan struct{}
	logger      *zap.Logger
	now         func() time.Time

	mu     sync.Mutex
	idle   []*pooledConn
	closed bool
}

func NewPool(from string, cfg config.SMTPConfig, dial Dialer, logger *zap.Logger) *Pool {
	size := cfg.PoolSize
	if size <= 0 {
		size = 1
	}
	if dial == nil {
		dial = smtpDialer(cfg)
	}
	return &Pool{
		from:        from,
		maxMessages: cfg.MaxMessages,
		maxIdle:     cfg.SocketTimeout,
		dial:        dial,
		sem:         make(chan struct{}, size),
		logger:      logging.OrNop(logger).Named("smtp"),
		now:         time.Now,
	}
}

func smtpDialer(cfg config.SMTPConfig) Dialer {
	return func(ctx context.Context) (smtpClient, error) {
		opts := []gomail.Option{
			gomail.WithPort(cfg.Port),
			gomail.WithTimeout(cfg.SocketTimeout),
		}
		if cfg.Secure {
			opts = append(opts, gomail.WithSSL())
		} else {
			opts = append(opts, gomail.WithTLSPolicy(gomail.TLSOpportunistic))
		}
		if cfg.User != "" {
			opts = append(opts,
				gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
				gomail.WithUsername(cfg.User),
				gomail.WithPassword(cfg.Password),
			)
		}
		client, err := gomail.NewClient(cfg.Host, opts...)
		if err != nil {
			return nil, fmt.Errorf("smtp client: %w", err)
		}
		dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout+cfg.GreetingTimeout)
		defer cancel()
		if err := client.DialWithContext(dialCtx); err != nil {
			return nil, fmt.Errorf("smtp dial: %w", err)
		}
		return client, nil
	}
}

func (p *Pool) Send(ctx context.Context, msg Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	m, err := p.build(msg)
	if err != nil {
		return err
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.sem }()

	conn, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	err = conn.client.Send(m)
	if err != nil && conn.reused {
		_ = conn.client.Close()
		p.logger.Debug("stale smtp connection replaced", zap.Error(err))
		if conn, err = p.open(ctx); err != nil {
			return err
		}
		err = conn.client.Send(m)
	}
	if err != nil {
		_ = conn.client.Close()
		return fmt.Errorf("smtp send: %w", err)
	}
	conn.sent++
	p.release(conn)
	return nil
}

func (p *Pool) build(msg Message) (*gomail.Msg, error) {
	html, text, err := Render(msg)
	if err != nil {
		return nil, err
	}
	m := gomail.NewMsg()
	if err := m.From(p.from); err != nil {
		return nil, fmt.Errorf("mail from: %w", err)
	}
	if err := m.To(msg.To); err != nil {
		return nil, fmt.Errorf("mail to: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(gomail.TypeTextPlain, text)
	m.AddAlternativeString(gomail.TypeTextHTML, html)
	return m, nil
}

func (p *Pool) acquire(ctx context.Context) (*pooledConn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	var expired []*pooledConn
	var conn *pooledConn
	for len(p.idle) > 0 {
		n := len(p.idle)
		candidate := p.idle[n-1]
		p.idle = p.idle[:n-1]
		if p.maxIdle > 0 && p.now().Sub(candidate.lastUsed) >= p.maxIdle {
			expired = append(expired, candidate)
			continue
		}
		conn = candidate
		break
	}
	p.mu.Unlock()

	for _, c := range expired {
		_ = c.client.Close()
	}
	if conn != nil {
		conn.reused = true
		return conn, nil
	}
	return p.open(ctx)
}

func (p *Pool) open(ctx context.Context) (*pooledConn, error) {
	client, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	return &pooledConn{client: client}, nil
}

func (p *Pool) release(conn *pooledConn) {
	if p.maxMessages > 0 && conn.sent >= p.maxMessages {
		_ = conn.client.Close()
		p.logger.Debug("smtp connection recycled", zap.Int("sent", conn.sent))
		return
	}
	conn.lastUsed = p.now()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.client.Close()
		return
	}
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

func (p *Pool) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for _, conn := range idle {
		if err := conn.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
