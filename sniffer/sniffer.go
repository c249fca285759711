// Package sniffer classifies a mail server's protocol by inspecting
// its greeting banner over a raw TCP or TLS socket.
package sniffer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/quillmail/gate/consts"
	"github.com/quillmail/gate/logger"
	"github.com/quillmail/gate/mailclient"
	"github.com/quillmail/gate/pkg/metrics"
)

// DefaultTimeout bounds the whole connect+read exchange.
const DefaultTimeout = 20 * time.Second

// probe is a harmless no-op line; IMAP, SMTP and POP3 servers all send
// their greeting unsolicited, and each tolerates this line arriving
// early.
const probe = "A1 NOOP\r\n"

// Sniffer detects mail protocols from server greetings.
type Sniffer struct {
	Timeout time.Duration
}

// New creates a Sniffer with the given timeout; zero means DefaultTimeout.
func New(timeout time.Duration) *Sniffer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Sniffer{Timeout: timeout}
}

// Detect opens a socket to host:port per security, sends a no-op probe,
// reads the first chunk the server offers and classifies it. Socket
// errors, timeouts and unrecognizable banners all collapse to
// consts.ErrProtocolUnknown; the caller decides the fallback.
func (s *Sniffer) Detect(ctx context.Context, host string, port int, security mailclient.Security) (mailclient.Protocol, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	deadline := time.Now().Add(s.Timeout)

	dialer := &net.Dialer{Timeout: s.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		metrics.SniffsTotal.WithLabelValues("dial_error").Inc()
		return mailclient.ProtocolUnknown, fmt.Errorf("%w: %s: %v", consts.ErrProtocolUnknown, addr, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		metrics.SniffsTotal.WithLabelValues("dial_error").Inc()
		return mailclient.ProtocolUnknown, fmt.Errorf("%w: %s: %v", consts.ErrProtocolUnknown, addr, err)
	}

	if security == mailclient.SecurityTLS {
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:    host,
			MinVersion:    tls.VersionTLS12,
			Renegotiation: tls.RenegotiateNever,
		})
		if err := tlsConn.Handshake(); err != nil {
			metrics.SniffsTotal.WithLabelValues("tls_error").Inc()
			return mailclient.ProtocolUnknown, fmt.Errorf("%w: TLS handshake with %s: %v", consts.ErrProtocolUnknown, addr, err)
		}
		conn = tlsConn
	}

	// Banner servers greet immediately; the probe covers anything that
	// waits for the client to speak first.
	if _, err := conn.Write([]byte(probe)); err != nil {
		metrics.SniffsTotal.WithLabelValues("io_error").Inc()
		return mailclient.ProtocolUnknown, fmt.Errorf("%w: %s: %v", consts.ErrProtocolUnknown, addr, err)
	}

	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		metrics.SniffsTotal.WithLabelValues("io_error").Inc()
		return mailclient.ProtocolUnknown, fmt.Errorf("%w: no greeting from %s", consts.ErrProtocolUnknown, addr)
	}

	banner := strings.ToLower(string(buf[:n]))
	logger.Debug("Sniffed greeting banner", "addr", addr, "banner", strings.TrimSpace(banner))

	protocol := Classify(banner)
	if protocol == mailclient.ProtocolUnknown {
		metrics.SniffsTotal.WithLabelValues("unknown").Inc()
		return mailclient.ProtocolUnknown, fmt.Errorf("%w: unrecognized greeting from %s", consts.ErrProtocolUnknown, addr)
	}
	metrics.SniffsTotal.WithLabelValues(string(protocol)).Inc()
	return protocol, nil
}

// Classify maps a lowercased greeting banner to a protocol by substring
// match. SMTP is checked before POP so that a banner mentioning both
// ("ESMTP Poppy") lands on the service actually speaking.
func Classify(banner string) mailclient.Protocol {
	switch {
	case strings.Contains(banner, "imap"):
		return mailclient.ProtocolIMAP
	case strings.Contains(banner, "smtp"):
		return mailclient.ProtocolSMTP
	case strings.Contains(banner, "pop"):
		return mailclient.ProtocolPOP3
	default:
		return mailclient.ProtocolUnknown
	}
}
