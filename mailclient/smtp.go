package mailclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/quillmail/gate/consts"
	"github.com/quillmail/gate/logger"
	"github.com/quillmail/gate/pkg/circuitbreaker"
	"github.com/quillmail/gate/pkg/metrics"
)

// smtpSender submits messages over SMTP. Submission servers close idle
// connections quickly, so each Send dials a fresh connection; the
// circuit breaker keeps a dead relay from being hammered.
type smtpSender struct {
	endpoint       Endpoint
	connectTimeout time.Duration
	breaker        *circuitbreaker.CircuitBreaker
}

func newSMTPSender(ep Endpoint, opts Options) *smtpSender {
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &smtpSender{
		endpoint:       ep,
		connectTimeout: timeout,
		breaker:        opts.Breaker,
	}
}

func (s *smtpSender) Send(ctx context.Context, from string, to []string, raw []byte) error {
	if s.breaker == nil {
		return s.submit(ctx, from, to, raw)
	}
	err := s.breaker.Execute(func() error {
		return s.submit(ctx, from, to, raw)
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		logger.Warn("SMTP submission skipped, circuit breaker open", "host", s.endpoint.Server.Addr())
		return fmt.Errorf("%w: submission temporarily disabled: %v", consts.ErrNetworkUnreachable, err)
	}
	return err
}

func (s *smtpSender) submit(ctx context.Context, from string, to []string, raw []byte) error {
	addr := s.endpoint.Server.Addr()
	tlsConfig := &tls.Config{
		ServerName:    s.endpoint.Server.Host,
		MinVersion:    tls.VersionTLS12,
		Renegotiation: tls.RenegotiateNever,
	}

	var c *smtp.Client
	var err error
	switch s.endpoint.Server.Security {
	case SecurityTLS:
		c, err = smtp.DialTLS(addr, tlsConfig)
	case SecurityStartTLS:
		c, err = smtp.DialStartTLS(addr, tlsConfig)
	default:
		c, err = smtp.Dial(addr)
	}
	if err != nil {
		metrics.ProtocolConnectsTotal.WithLabelValues(string(ProtocolSMTP), "network_error").Inc()
		return fmt.Errorf("failed to connect to SMTP server %s: %w", addr, err)
	}
	defer c.Close()

	if s.endpoint.Credentials.Username != "" {
		auth := sasl.NewPlainClient("", s.endpoint.Credentials.Username, s.endpoint.Credentials.Password)
		if err := c.Auth(auth); err != nil {
			metrics.ProtocolConnectsTotal.WithLabelValues(string(ProtocolSMTP), "auth_rejected").Inc()
			return fmt.Errorf("%w: SMTP auth for %s: %v", consts.ErrAuthRejected, s.endpoint.Credentials.Username, err)
		}
	}
	metrics.ProtocolConnectsTotal.WithLabelValues(string(ProtocolSMTP), "success").Inc()

	if err := c.Mail(from, nil); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", rcpt, err)
		}
	}

	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("failed to start data: %w", err)
	}
	if _, err := wc.Write(raw); err != nil {
		_ = wc.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	if err := c.Quit(); err != nil {
		// The message was already accepted; a failed QUIT is not fatal.
		logger.Warn("SMTP QUIT failed after submission", "host", addr, "error", err)
	}
	return nil
}

func (s *smtpSender) Close() error { return nil }
