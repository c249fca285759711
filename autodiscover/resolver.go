// Package autodiscover locates a user's mail servers from their email
// address, using the Thunderbird autoconfig conventions.
package autodiscover

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quillmail/gate/consts"
	"github.com/quillmail/gate/helpers"
	"github.com/quillmail/gate/logger"
	"github.com/quillmail/gate/mailclient"
	"github.com/quillmail/gate/pkg/metrics"
)

// DefaultAggregatorURL is the public autoconfig database queried when a
// domain publishes no configuration of its own.
const DefaultAggregatorURL = "https://autoconfig.thunderbird.net/v1.1/"

const maxConfigSize = 1 << 20

// Result is a resolved server pair plus the strategy that produced it.
type Result struct {
	Incoming mailclient.ServerDescriptor
	Outgoing mailclient.ServerDescriptor
	Source   string
}

// Resolver queries autoconfig sources for a domain's mail servers.
type Resolver struct {
	httpClient    *http.Client
	aggregatorURL string
	timeout       time.Duration
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithHTTPClient replaces the HTTP client used for autoconfig fetches.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Resolver) { r.httpClient = client }
}

// WithAggregatorURL overrides the public autoconfig database endpoint.
func WithAggregatorURL(base string) Option {
	return func(r *Resolver) { r.aggregatorURL = strings.TrimSuffix(base, "/") + "/" }
}

// NewResolver creates a Resolver. perStrategyTimeout bounds each source
// lookup individually; zero means 10 seconds.
func NewResolver(perStrategyTimeout time.Duration, opts ...Option) *Resolver {
	if perStrategyTimeout <= 0 {
		perStrategyTimeout = 10 * time.Second
	}
	r := &Resolver{
		aggregatorURL: DefaultAggregatorURL,
		timeout:       perStrategyTimeout,
		httpClient: &http.Client{
			Timeout: perStrategyTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     60 * time.Second,
				TLSHandshakeTimeout: 5 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve finds mail servers for an email address. It validates the
// address before any network traffic, then tries each autoconfig source
// in a fixed order: the domain's autoconfig subdomain, the domain's
// well-known path, and finally the public aggregator database. The
// first source yielding a usable configuration wins.
func (r *Resolver) Resolve(ctx context.Context, email string) (*Result, error) {
	if err := helpers.ValidateEmail(email); err != nil {
		return nil, err
	}
	domain := helpers.DomainOf(email)

	strategies := []struct {
		name string
		url  string
	}{
		{"autoconfig_subdomain", fmt.Sprintf("http://autoconfig.%s/mail/config-v1.1.xml?emailaddress=%s", domain, url.QueryEscape(email))},
		{"well_known", fmt.Sprintf("http://%s/.well-known/autoconfig/mail/config-v1.1.xml", domain)},
		{"aggregator", r.aggregatorURL + domain},
	}

	for _, strategy := range strategies {
		result, err := r.fetch(ctx, strategy.url)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			metrics.DiscoveryAttemptsTotal.WithLabelValues(strategy.name, "miss").Inc()
			logger.Debug("Autoconfig source miss", "strategy", strategy.name, "domain", domain, "error", err)
			continue
		}
		metrics.DiscoveryAttemptsTotal.WithLabelValues(strategy.name, "hit").Inc()
		result.Source = strategy.name
		logger.Info("Autoconfig resolved", "strategy", strategy.name, "domain", domain,
			"incoming", result.Incoming.Addr(), "outgoing", result.Outgoing.Addr())
		return result, nil
	}

	return nil, fmt.Errorf("%w: no autoconfig source knows %s", consts.ErrDiscoveryNotFound, domain)
}

// GuessHost proposes a probe target for domains with no published
// configuration. An _autodiscover SRV record, when present, names the
// provider's endpoint; otherwise the conventional mail.<domain> is
// returned.
func (r *Resolver) GuessHost(ctx context.Context, domain string) string {
	_, records, err := net.DefaultResolver.LookupSRV(ctx, "autodiscover", "tcp", domain)
	if err == nil && len(records) > 0 && records[0].Target != "." {
		return strings.ToLower(strings.TrimSuffix(records[0].Target, "."))
	}
	return "mail." + domain
}

func (r *Resolver) fetch(ctx context.Context, target string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("autoconfig source returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxConfigSize))
	if err != nil {
		return nil, err
	}

	incoming, outgoing, err := parseAutoconfig(data)
	if err != nil {
		return nil, err
	}
	return &Result{Incoming: incoming, Outgoing: outgoing}, nil
}
