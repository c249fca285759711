// Package session turns credentials into encrypted stateless tokens and
// tokens back into live mail connections.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/quillmail/gate/autodiscover"
	"github.com/quillmail/gate/consts"
	"github.com/quillmail/gate/helpers"
	"github.com/quillmail/gate/logger"
	"github.com/quillmail/gate/mailclient"
	"github.com/quillmail/gate/pkg/circuitbreaker"
	"github.com/quillmail/gate/pkg/metrics"
	"github.com/quillmail/gate/pool"
	"github.com/quillmail/gate/sniffer"
)

// ConnectionConfig is the complete recipe for reaching a user's mail
// account, embedded encrypted in every token. It is all the state a
// session has.
type ConnectionConfig struct {
	Incoming mailclient.Endpoint `json:"incoming"`
	Outgoing mailclient.Endpoint `json:"outgoing"`
}

// LoginRequest carries the credentials and optional explicit server
// settings for a login. When the server fields are empty, discovery
// fills them in from the username's domain.
type LoginRequest struct {
	IncomingUsername string `json:"incoming_username"`
	IncomingPassword string `json:"incoming_password"`
	IncomingServer   string `json:"incoming_server,omitempty"`
	IncomingPort     int    `json:"incoming_port,omitempty"`
	IncomingSecurity string `json:"incoming_security,omitempty"`

	OutgoingUsername string `json:"outgoing_username,omitempty"`
	OutgoingPassword string `json:"outgoing_password,omitempty"`
	OutgoingServer   string `json:"outgoing_server,omitempty"`
	OutgoingPort     int    `json:"outgoing_port,omitempty"`
	OutgoingSecurity string `json:"outgoing_security,omitempty"`

	// OAuth fields select the Gmail adapter instead of IMAP/SMTP.
	OAuthSubject string `json:"oauth_subject,omitempty"`
	OAuthToken   string `json:"oauth_token,omitempty"`
}

// Manager orchestrates discovery, the connection pool and the token
// codec. It is the only entry point the API layer uses.
type Manager struct {
	codec          *Codec
	pool           *pool.Pool
	resolver       *autodiscover.Resolver
	sniffer        *sniffer.Sniffer
	connectTimeout time.Duration
	breaker        *circuitbreaker.CircuitBreaker
	incomingGuess  func(ctx context.Context, domain string) mailclient.ServerDescriptor
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithIncomingGuess overrides how the probe target is chosen for a
// domain with no published configuration. The default probes the
// _autodiscover SRV target, or mail.<domain>, on the IMAPS port.
func WithIncomingGuess(fn func(ctx context.Context, domain string) mailclient.ServerDescriptor) ManagerOption {
	return func(m *Manager) { m.incomingGuess = fn }
}

// NewManager wires a Manager from its collaborators.
func NewManager(codec *Codec, p *pool.Pool, resolver *autodiscover.Resolver, sniff *sniffer.Sniffer, connectTimeout time.Duration, opts ...ManagerOption) *Manager {
	m := &Manager{
		codec:          codec,
		pool:           p,
		resolver:       resolver,
		sniffer:        sniff,
		connectTimeout: connectTimeout,
		breaker: circuitbreaker.New(circuitbreaker.Settings{
			Name: "smtp-submission",
		}),
	}
	m.incomingGuess = func(ctx context.Context, domain string) mailclient.ServerDescriptor {
		return mailclient.ServerDescriptor{
			Host:     m.resolver.GuessHost(ctx, domain),
			Port:     993,
			Security: mailclient.SecurityTLS,
		}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Login resolves servers for the request, verifies the incoming
// credentials by actually connecting, and mints a token pair. No pool
// entry survives a failed authentication because the pool only stores
// successfully connected clients.
func (m *Manager) Login(ctx context.Context, req *LoginRequest) (*TokenPair, error) {
	cfg, err := m.buildConfig(ctx, req)
	if err != nil {
		metrics.LoginAttemptsTotal.WithLabelValues("discovery_failed").Inc()
		return nil, err
	}

	identity := Identity(cfg.Incoming)
	_, err = m.pool.Get(ctx, identity, m.factory(cfg.Incoming))
	if err != nil {
		metrics.LoginAttemptsTotal.WithLabelValues("failed").Inc()
		return nil, classifyConnectError(err)
	}
	metrics.LoginAttemptsTotal.WithLabelValues("success").Inc()

	logger.Info("Login succeeded",
		"username", cfg.Incoming.Credentials.Username,
		"incoming", cfg.Incoming.Server.Addr(),
		"outgoing", cfg.Outgoing.Server.Addr())
	return m.codec.IssuePair(cfg)
}

// Refresh exchanges a refresh token for a fresh pair. It only succeeds
// in the window where the paired access token has expired but the
// refresh token has not; inside the access window it refuses, and after
// the refresh window the session is gone for good.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := m.codec.verifyRefresh(refreshToken)
	if err != nil {
		if errors.Is(err, consts.ErrTokenExpired) {
			return nil, consts.ErrSessionExpired
		}
		return nil, err
	}

	if time.Now().Before(time.Unix(claims.AccessExp, 0)) {
		return nil, consts.ErrAccessTokenStillValid
	}

	cfg, err := m.codec.decryptPayload(claims.Payload)
	if err != nil {
		return nil, err
	}
	return m.codec.IssuePair(cfg)
}

// ResolveClient verifies an access token and returns the pooled
// incoming client for it, reconnecting when the pooled connection has
// expired or died.
func (m *Manager) ResolveClient(ctx context.Context, accessToken string) (mailclient.Client, error) {
	cfg, err := m.codec.VerifyAccess(accessToken)
	if err != nil {
		return nil, err
	}
	client, err := m.pool.Get(ctx, Identity(cfg.Incoming), m.factory(cfg.Incoming))
	if err != nil {
		return nil, classifyConnectError(err)
	}
	return client, nil
}

// ResolveSender verifies an access token and returns an outgoing
// submission client. Senders dial per message and are not pooled.
func (m *Manager) ResolveSender(ctx context.Context, accessToken string) (mailclient.Sender, string, error) {
	cfg, err := m.codec.VerifyAccess(accessToken)
	if err != nil {
		return nil, "", err
	}
	sender, err := mailclient.NewSender(cfg.Outgoing, mailclient.Options{
		ConnectTimeout: m.connectTimeout,
		Breaker:        m.breaker,
	})
	if err != nil {
		return nil, "", err
	}
	from := cfg.Outgoing.Credentials.Username
	if from == "" {
		from = cfg.Incoming.Credentials.Username
	}
	return sender, from, nil
}

// Shutdown drains the connection pool.
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.pool.Shutdown(ctx)
}

func (m *Manager) factory(ep mailclient.Endpoint) pool.Factory {
	return func(ctx context.Context) (mailclient.Client, error) {
		client, err := mailclient.New(ep, mailclient.Options{ConnectTimeout: m.connectTimeout})
		if err != nil {
			return nil, err
		}
		if err := client.Connect(ctx); err != nil {
			_ = client.Close()
			return nil, err
		}
		return client, nil
	}
}

// buildConfig turns a login request into a full connection
// configuration, running discovery for whatever the caller left blank.
func (m *Manager) buildConfig(ctx context.Context, req *LoginRequest) (*ConnectionConfig, error) {
	if req.IncomingUsername == "" {
		return nil, fmt.Errorf("%w: incoming_username is required", consts.ErrInvalidEmail)
	}

	// A ready OAuth bearer token short-circuits discovery entirely; the
	// Gmail adapter needs no server addresses.
	if req.OAuthToken != "" {
		creds := mailclient.Credentials{
			Username:     req.IncomingUsername,
			OAuthSubject: req.OAuthSubject,
			OAuthToken:   req.OAuthToken,
		}
		google := mailclient.Endpoint{
			Server: mailclient.ServerDescriptor{
				Host:     "gmail.googleapis.com",
				Port:     443,
				Security: mailclient.SecurityTLS,
				Protocol: mailclient.ProtocolGoogle,
			},
			Credentials: creds,
		}
		return &ConnectionConfig{Incoming: google, Outgoing: google}, nil
	}

	// Discovery runs only for the incoming side. A caller who supplied
	// their incoming server must not be turned away because the domain
	// publishes no autoconfig; the outgoing side has its own fallback.
	var resolved *autodiscover.Result
	if req.IncomingServer == "" {
		var err error
		resolved, err = m.discover(ctx, req.IncomingUsername)
		if err != nil {
			return nil, err
		}
	}

	incoming := mailclient.Endpoint{
		Credentials: mailclient.Credentials{
			Username: req.IncomingUsername,
			Password: req.IncomingPassword,
		},
	}
	if req.IncomingServer != "" {
		incoming.Server = mailclient.ServerDescriptor{
			Host:     strings.ToLower(req.IncomingServer),
			Security: mailclient.ParseSecurity(req.IncomingSecurity),
			Port:     req.IncomingPort,
		}
	} else {
		incoming.Server = resolved.Incoming
	}
	if incoming.Server.Port == 0 {
		incoming.Server.Port = defaultIncomingPort(incoming.Server.Security)
	}
	if incoming.Server.Protocol == mailclient.ProtocolUnknown {
		protocol, err := m.sniffer.Detect(ctx, incoming.Server.Host, incoming.Server.Port, incoming.Server.Security)
		if err != nil {
			return nil, err
		}
		incoming.Server.Protocol = protocol
	}

	outgoing := mailclient.Endpoint{
		Credentials: mailclient.Credentials{
			Username: req.OutgoingUsername,
			Password: req.OutgoingPassword,
		},
	}
	if outgoing.Credentials.Username == "" {
		outgoing.Credentials = incoming.Credentials
	}
	switch {
	case req.OutgoingServer != "":
		outgoing.Server = mailclient.ServerDescriptor{
			Host:     strings.ToLower(req.OutgoingServer),
			Security: mailclient.ParseSecurity(req.OutgoingSecurity),
			Protocol: mailclient.ProtocolSMTP,
			Port:     req.OutgoingPort,
		}
	case resolved != nil:
		outgoing.Server = resolved.Outgoing
	default:
		outgoing.Server = m.outgoingFallback(ctx, req.IncomingUsername, incoming.Server.Host)
	}
	if outgoing.Server.Port == 0 {
		outgoing.Server.Port = defaultOutgoingPort(outgoing.Server.Security)
	}
	if outgoing.Server.Protocol == mailclient.ProtocolUnknown {
		outgoing.Server.Protocol = mailclient.ProtocolSMTP
	}

	return &ConnectionConfig{Incoming: incoming, Outgoing: outgoing}, nil
}

// discover runs autoconfig resolution and, when every source misses,
// falls back to probing a guessed host with the sniffer.
func (m *Manager) discover(ctx context.Context, email string) (*autodiscover.Result, error) {
	result, err := m.resolver.Resolve(ctx, email)
	if err == nil {
		return result, nil
	}
	if !errors.Is(err, consts.ErrDiscoveryNotFound) {
		return nil, err
	}

	domain := helpers.DomainOf(email)
	candidate := m.incomingGuess(ctx, domain)
	logger.Info("Autoconfig exhausted, probing guessed host",
		"domain", domain, "host", candidate.Host, "port", candidate.Port)

	protocol, sniffErr := m.sniffer.Detect(ctx, candidate.Host, candidate.Port, candidate.Security)
	if sniffErr != nil || protocol != mailclient.ProtocolIMAP {
		return nil, fmt.Errorf("%w: %s", consts.ErrDiscoveryNotFound, domain)
	}
	candidate.Protocol = mailclient.ProtocolIMAP

	return &autodiscover.Result{
		Incoming: candidate,
		Outgoing: mailclient.ServerDescriptor{
			Host:     candidate.Host,
			Port:     465,
			Security: mailclient.SecurityTLS,
			Protocol: mailclient.ProtocolSMTP,
		},
		Source: "guess",
	}, nil
}

// outgoingFallback picks a submission server when the caller gave only
// the incoming side. Autoconfig may still know the provider's
// submission endpoint; when it does not, the incoming host itself is
// the best remaining candidate.
func (m *Manager) outgoingFallback(ctx context.Context, email, incomingHost string) mailclient.ServerDescriptor {
	if result, err := m.resolver.Resolve(ctx, email); err == nil {
		return result.Outgoing
	}
	return mailclient.ServerDescriptor{
		Host:     incomingHost,
		Port:     465,
		Security: mailclient.SecurityTLS,
		Protocol: mailclient.ProtocolSMTP,
	}
}

func defaultIncomingPort(security mailclient.Security) int {
	if security == mailclient.SecurityPlain {
		return 143
	}
	return 993
}

func defaultOutgoingPort(security mailclient.Security) int {
	switch security {
	case mailclient.SecurityPlain:
		return 25
	case mailclient.SecurityStartTLS:
		return 587
	default:
		return 465
	}
}

// classifyConnectError maps transport failures onto the error taxonomy
// the API layer translates to status codes. Sentinels already present
// in the chain pass through untouched.
func classifyConnectError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, consts.ErrAuthRejected),
		errors.Is(err, consts.ErrUnsupported),
		errors.Is(err, consts.ErrConnectTimeout),
		errors.Is(err, consts.ErrNetworkUnreachable):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", consts.ErrConnectTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", consts.ErrConnectTimeout, err)
	}
	return fmt.Errorf("%w: %v", consts.ErrNetworkUnreachable, err)
}
