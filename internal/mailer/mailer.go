package mailer

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"collecte/internal/rules"
	logx "collecte/pkg/logx"
)

// DeliveryError reports a failed send attempt. The dispatch pipeline treats
// it as non-fatal: the claim for the reminder stays recorded.
type DeliveryError struct {
	To  string
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("mailer: send to %s: %v", e.To, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Mailer sends the outbound emails of the reminder pipeline.
type Mailer interface {
	SendReminder(ctx context.Context, to string, occ rules.Occurrence) error
	SendWelcome(ctx context.Context, to, zone string) error
	SendSnowAlert(ctx context.Context, to, zone string, streets []string) error
	SendGoodbye(ctx context.Context, to string) error
}

// Config controls the outbound email channel.
type Config struct {
	Enabled        bool
	APIKey         string
	From           string
	BaseURL        string
	Timeout        time.Duration
	RatePerSec     int
	UnsubscribeURL string
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.resend.com"
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	return c
}

// Service sends email through the Resend API. With Enabled=false it logs
// what it would have sent and reports success, which keeps the rest of the
// pipeline exercisable in development.
//
// It is safe for concurrent use.
type Service struct {
	cfg     Config
	log     logx.Logger
	client  *resendClient
	limiter *rate.Limiter
}

func New(cfg Config, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:     cfg,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
	if cfg.Enabled {
		s.client = newResendClient(cfg)
	}
	return s
}

func (s *Service) SendReminder(ctx context.Context, to string, occ rules.Occurrence) error {
	subject, html, err := renderReminder(occ, s.cfg.UnsubscribeURL)
	if err != nil {
		return &DeliveryError{To: to, Err: err}
	}
	return s.send(ctx, to, subject, html)
}

func (s *Service) SendWelcome(ctx context.Context, to, zone string) error {
	subject, html, err := renderWelcome(zone, s.cfg.UnsubscribeURL)
	if err != nil {
		return &DeliveryError{To: to, Err: err}
	}
	return s.send(ctx, to, subject, html)
}

func (s *Service) SendSnowAlert(ctx context.Context, to, zone string, streets []string) error {
	subject, html, err := renderSnowAlert(zone, streets, s.cfg.UnsubscribeURL)
	if err != nil {
		return &DeliveryError{To: to, Err: err}
	}
	return s.send(ctx, to, subject, html)
}

func (s *Service) SendGoodbye(ctx context.Context, to string) error {
	subject, html, err := renderGoodbye()
	if err != nil {
		return &DeliveryError{To: to, Err: err}
	}
	return s.send(ctx, to, subject, html)
}

func (s *Service) send(ctx context.Context, to, subject, html string) error {
	if !s.cfg.Enabled {
		s.log.Info("email disabled, skipping send",
			logx.String("to", to),
			logx.String("subject", subject))
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return &DeliveryError{To: to, Err: err}
	}
	id, err := s.client.send(ctx, email{
		From:    s.cfg.From,
		To:      []string{to},
		Subject: subject,
		HTML:    html,
	})
	if err != nil {
		s.log.Warn("email send failed", logx.String("to", to), logx.Err(err))
		return &DeliveryError{To: to, Err: err}
	}
	s.log.Info("email sent", logx.String("to", to), logx.String("id", id))
	return nil
}
