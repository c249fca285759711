package autodiscover

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillmail/gate/consts"
	"github.com/quillmail/gate/mailclient"
)

const sampleConfig = `<?xml version="1.0"?>
<clientConfig version="1.1">
  <emailProvider id="example.com">
    <incomingServer type="imap">
      <hostname>imap.example.com</hostname>
      <port>993</port>
      <socketType>SSL</socketType>
      <username>%EMAILADDRESS%</username>
    </incomingServer>
    <incomingServer type="pop3">
      <hostname>pop.example.com</hostname>
      <port>995</port>
      <socketType>SSL</socketType>
    </incomingServer>
    <outgoingServer type="smtp">
      <hostname>smtp.example.com</hostname>
      <port>587</port>
      <socketType>STARTTLS</socketType>
    </outgoingServer>
  </emailProvider>
</clientConfig>`

func TestParseAutoconfig(t *testing.T) {
	incoming, outgoing, err := parseAutoconfig([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "imap.example.com", incoming.Host)
	assert.Equal(t, 993, incoming.Port)
	assert.Equal(t, mailclient.SecurityTLS, incoming.Security)
	assert.Equal(t, mailclient.ProtocolIMAP, incoming.Protocol)

	assert.Equal(t, "smtp.example.com", outgoing.Host)
	assert.Equal(t, 587, outgoing.Port)
	assert.Equal(t, mailclient.SecurityStartTLS, outgoing.Security)
	assert.Equal(t, mailclient.ProtocolSMTP, outgoing.Protocol)
}

func TestParseAutoconfigRejectsJunk(t *testing.T) {
	_, _, err := parseAutoconfig([]byte("<html>not a config</html>"))
	assert.Error(t, err)

	_, _, err = parseAutoconfig([]byte(`<clientConfig><emailProvider id="x"></emailProvider></clientConfig>`))
	assert.Error(t, err)
}

func TestSocketTypeMapping(t *testing.T) {
	assert.Equal(t, mailclient.SecurityTLS, securityFromSocketType("SSL"))
	assert.Equal(t, mailclient.SecurityStartTLS, securityFromSocketType("STARTTLS"))
	assert.Equal(t, mailclient.SecurityPlain, securityFromSocketType("plain"))
	assert.Equal(t, mailclient.SecurityTLS, securityFromSocketType("mystery"))
}

func TestResolveRejectsInvalidEmailBeforeNetwork(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	r := NewResolver(time.Second, WithAggregatorURL(srv.URL), WithHTTPClient(srv.Client()))
	_, err := r.Resolve(context.Background(), "not an address")
	require.Error(t, err)
	assert.True(t, errors.Is(err, consts.ErrInvalidEmail))
	assert.False(t, called, "no network traffic may happen for an invalid address")
}

func TestResolveFallsBackToAggregator(t *testing.T) {
	var aggregatorPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		aggregatorPath = r.URL.Path
		w.Write([]byte(sampleConfig))
	}))
	defer srv.Close()

	// The domain publishes nothing, so strategies one and two fail on
	// DNS; only the aggregator answers.
	r := NewResolver(time.Second, WithAggregatorURL(srv.URL+"/v1.1/"))
	result, err := r.Resolve(context.Background(), "user@nonexistent-domain-for-tests.invalid")
	require.NoError(t, err)

	assert.Equal(t, "aggregator", result.Source)
	assert.Equal(t, "/v1.1/nonexistent-domain-for-tests.invalid", aggregatorPath)
	assert.Equal(t, "imap.example.com", result.Incoming.Host)
	assert.Equal(t, "smtp.example.com", result.Outgoing.Host)
}

func TestResolveNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	r := NewResolver(time.Second, WithAggregatorURL(srv.URL+"/v1.1/"))
	_, err := r.Resolve(context.Background(), "user@nonexistent-domain-for-tests.invalid")
	require.Error(t, err)
	assert.True(t, errors.Is(err, consts.ErrDiscoveryNotFound))
}

func TestResolveHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewResolver(time.Second)
	_, err := r.Resolve(ctx, "user@nonexistent-domain-for-tests.invalid")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestGuessHostDefaultsToMailSubdomain(t *testing.T) {
	r := NewResolver(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	host := r.GuessHost(ctx, "nonexistent-domain-for-tests.invalid")
	assert.Equal(t, "mail.nonexistent-domain-for-tests.invalid", host)
}
