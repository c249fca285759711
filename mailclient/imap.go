package mailclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"

	"github.com/quillmail/gate/consts"
	"github.com/quillmail/gate/logger"
	"github.com/quillmail/gate/pkg/metrics"
)

const previewLength = 200

// imapClient adapts go-imap/v2 to the Client interface. One instance
// owns one connection; all methods are serialized by the pool's usage
// pattern (one request at a time per pooled handle).
type imapClient struct {
	endpoint       Endpoint
	connectTimeout time.Duration

	mu     sync.Mutex
	conn   *imapclient.Client
	closed bool
	done   chan struct{}
}

func newIMAPClient(ep Endpoint, opts Options) *imapClient {
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &imapClient{
		endpoint:       ep,
		connectTimeout: timeout,
		done:           make(chan struct{}),
	}
}

func (c *imapClient) Connect(ctx context.Context) error {
	start := time.Now()
	addr := c.endpoint.Server.Addr()

	dialer := &net.Dialer{Timeout: c.connectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		metrics.ProtocolConnectsTotal.WithLabelValues(string(ProtocolIMAP), "network_error").Inc()
		return fmt.Errorf("failed to connect to IMAP server %s: %w", addr, err)
	}

	tlsConfig := &tls.Config{
		ServerName:    c.endpoint.Server.Host,
		MinVersion:    tls.VersionTLS12,
		Renegotiation: tls.RenegotiateNever,
	}

	var conn *imapclient.Client
	switch c.endpoint.Server.Security {
	case SecurityTLS:
		tlsConn := tls.Client(rawConn, tlsConfig)
		if err := rawConn.SetDeadline(time.Now().Add(c.connectTimeout)); err != nil {
			rawConn.Close()
			return fmt.Errorf("failed to set TLS deadline: %w", err)
		}
		if err := tlsConn.Handshake(); err != nil {
			rawConn.Close()
			metrics.ProtocolConnectsTotal.WithLabelValues(string(ProtocolIMAP), "tls_error").Inc()
			return fmt.Errorf("TLS handshake with %s failed: %w", addr, err)
		}
		if err := rawConn.SetDeadline(time.Time{}); err != nil {
			rawConn.Close()
			return fmt.Errorf("failed to clear TLS deadline: %w", err)
		}
		conn = imapclient.New(tlsConn, nil)
	case SecurityStartTLS:
		conn, err = imapclient.NewStartTLS(rawConn, &imapclient.Options{TLSConfig: tlsConfig})
		if err != nil {
			rawConn.Close()
			metrics.ProtocolConnectsTotal.WithLabelValues(string(ProtocolIMAP), "tls_error").Inc()
			return fmt.Errorf("STARTTLS with %s failed: %w", addr, err)
		}
	default:
		conn = imapclient.New(rawConn, nil)
	}

	if err := conn.WaitGreeting(); err != nil {
		conn.Close()
		metrics.ProtocolConnectsTotal.WithLabelValues(string(ProtocolIMAP), "network_error").Inc()
		return fmt.Errorf("no IMAP greeting from %s: %w", addr, err)
	}

	if err := conn.Login(c.endpoint.Credentials.Username, c.endpoint.Credentials.Password).Wait(); err != nil {
		_ = conn.Logout().Wait()
		conn.Close()
		metrics.ProtocolConnectsTotal.WithLabelValues(string(ProtocolIMAP), "auth_rejected").Inc()
		return fmt.Errorf("%w: IMAP login for %s: %v", consts.ErrAuthRejected, c.endpoint.Credentials.Username, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	metrics.ProtocolConnectsTotal.WithLabelValues(string(ProtocolIMAP), "success").Inc()
	metrics.ProtocolConnectDuration.WithLabelValues(string(ProtocolIMAP)).Observe(time.Since(start).Seconds())
	logger.Debug("IMAP client connected", "addr", addr, "username", c.endpoint.Credentials.Username)
	return nil
}

func (c *imapClient) ListMailboxes(ctx context.Context) ([]*Mailbox, error) {
	conn, err := c.live()
	if err != nil {
		return nil, err
	}

	listCmd := conn.List("", "*", &imap.ListOptions{
		ReturnStatus: &imap.StatusOptions{
			NumMessages: true,
			NumUnseen:   true,
		},
	})
	entries, err := listCmd.Collect()
	if err != nil {
		return nil, c.noteErr(fmt.Errorf("IMAP LIST failed: %w", err))
	}

	boxes := make([]*Mailbox, 0, len(entries))
	for _, entry := range entries {
		box := &Mailbox{
			Name:       entry.Mailbox,
			Delimiter:  delimString(entry.Delim),
			Selectable: true,
		}
		for _, attr := range entry.Attrs {
			if attr == imap.MailboxAttrNoSelect {
				box.Selectable = false
			}
		}
		if entry.Status != nil {
			if entry.Status.NumMessages != nil {
				box.Total = *entry.Status.NumMessages
			}
			if entry.Status.NumUnseen != nil {
				box.Unseen = *entry.Status.NumUnseen
			}
		}
		boxes = append(boxes, box)
	}
	return boxes, nil
}

func (c *imapClient) FetchMessages(ctx context.Context, mailbox string, limit int) ([]MessageSummary, error) {
	conn, err := c.live()
	if err != nil {
		return nil, err
	}

	selData, err := conn.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return nil, c.noteErr(fmt.Errorf("IMAP SELECT %q failed: %w", mailbox, err))
	}
	if selData.NumMessages == 0 {
		return nil, nil
	}

	from := uint32(1)
	if limit > 0 && selData.NumMessages > uint32(limit) {
		from = selData.NumMessages - uint32(limit) + 1
	}
	var seqSet imap.SeqSet
	seqSet.AddRange(from, selData.NumMessages)

	fetchCmd := conn.Fetch(seqSet, &imap.FetchOptions{
		Envelope:   true,
		Flags:      true,
		UID:        true,
		RFC822Size: true,
	})
	buffers, err := fetchCmd.Collect()
	if err != nil {
		return nil, c.noteErr(fmt.Errorf("IMAP FETCH failed: %w", err))
	}

	summaries := make([]MessageSummary, 0, len(buffers))
	for _, buf := range buffers {
		summaries = append(summaries, summaryFromBuffer(buf))
	}
	return summaries, nil
}

func (c *imapClient) FetchMessage(ctx context.Context, mailbox string, uid uint32) (*Message, error) {
	conn, err := c.live()
	if err != nil {
		return nil, err
	}

	if _, err := conn.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return nil, c.noteErr(fmt.Errorf("IMAP SELECT %q failed: %w", mailbox, err))
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := conn.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
		Envelope:    true,
		Flags:       true,
		UID:         true,
		RFC822Size:  true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})
	buffers, err := fetchCmd.Collect()
	if err != nil {
		return nil, c.noteErr(fmt.Errorf("IMAP UID FETCH %d failed: %w", uid, err))
	}
	if len(buffers) == 0 {
		return nil, fmt.Errorf("message UID %d not found in %q", uid, mailbox)
	}

	buf := buffers[0]
	msg := &Message{MessageSummary: summaryFromBuffer(buf)}
	if raw := buf.FindBodySection(bodySection); raw != nil {
		msg.TextBody, msg.HTMLBody, msg.Attachments = parseMIMEBody(raw)
	}
	msg.Preview = makePreview(msg.TextBody, msg.HTMLBody)
	return msg, nil
}

func (c *imapClient) CreateMailbox(ctx context.Context, name string) error {
	conn, err := c.live()
	if err != nil {
		return err
	}
	if err := conn.Create(name, nil).Wait(); err != nil {
		return c.noteErr(fmt.Errorf("IMAP CREATE %q failed: %w", name, err))
	}
	return nil
}

func (c *imapClient) DeleteMailbox(ctx context.Context, name string) error {
	conn, err := c.live()
	if err != nil {
		return err
	}
	if err := conn.Delete(name).Wait(); err != nil {
		return c.noteErr(fmt.Errorf("IMAP DELETE %q failed: %w", name, err))
	}
	return nil
}

func (c *imapClient) RenameMailbox(ctx context.Context, oldName, newName string) error {
	conn, err := c.live()
	if err != nil {
		return err
	}
	if err := conn.Rename(oldName, newName, nil).Wait(); err != nil {
		return c.noteErr(fmt.Errorf("IMAP RENAME %q to %q failed: %w", oldName, newName, err))
	}
	return nil
}

func (c *imapClient) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

func (c *imapClient) Done() <-chan struct{} {
	return c.done
}

func (c *imapClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	close(c.done)
	if conn == nil {
		return nil
	}
	_ = conn.Logout().Wait()
	return conn.Close()
}

// live returns the connection or an error if it has ended.
func (c *imapClient) live() (*imapclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, fmt.Errorf("IMAP client is not connected")
	}
	if c.closed {
		return nil, fmt.Errorf("IMAP connection to %s has ended", c.endpoint.Server.Addr())
	}
	return c.conn, nil
}

// noteErr marks the connection dead when err looks like a dropped
// socket, so the pool can evict eagerly instead of waiting for the TTL.
func (c *imapClient) noteErr(err error) error {
	if isDisconnectError(err) {
		c.mu.Lock()
		alreadyClosed := c.closed
		c.closed = true
		c.mu.Unlock()
		if !alreadyClosed {
			close(c.done)
			logger.Debug("IMAP connection lost", "addr", c.endpoint.Server.Addr(), "error", err)
		}
	}
	return err
}

func isDisconnectError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func delimString(delim rune) string {
	if delim == 0 {
		return ""
	}
	return string(delim)
}

func summaryFromBuffer(buf *imapclient.FetchMessageBuffer) MessageSummary {
	summary := MessageSummary{
		UID:  uint32(buf.UID),
		Size: buf.RFC822Size,
	}
	if buf.Envelope != nil {
		summary.Subject = buf.Envelope.Subject
		summary.Date = buf.Envelope.Date
		if len(buf.Envelope.From) > 0 {
			from := buf.Envelope.From[0]
			if from.Name != "" {
				summary.From = fmt.Sprintf("%s <%s>", from.Name, from.Addr())
			} else {
				summary.From = from.Addr()
			}
		}
		for _, to := range buf.Envelope.To {
			summary.To = append(summary.To, to.Addr())
		}
	}
	for _, flag := range buf.Flags {
		summary.Flags = append(summary.Flags, string(flag))
		if flag == imap.FlagSeen {
			summary.Seen = true
		}
	}
	return summary
}

// parseMIMEBody extracts the text and HTML bodies and attachment
// metadata from a raw RFC 822 message.
func parseMIMEBody(raw []byte) (textBody, htmlBody string, attachments []Attachment) {
	mr, err := mail.CreateReader(strings.NewReader(string(raw)))
	if err != nil {
		// Not parseable as MIME; treat the whole payload as plain text.
		return string(raw), "", nil
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain"):
				textBody = string(body)
			case strings.HasPrefix(contentType, "text/html"):
				htmlBody = string(body)
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			attachments = append(attachments, Attachment{
				Filename: filename,
				MIMEType: contentType,
				Size:     int64(len(body)),
			})
		}
	}
	return textBody, htmlBody, attachments
}

// makePreview derives a short plain-text preview, converting the HTML
// body when no plain-text part exists.
func makePreview(textBody, htmlBody string) string {
	text := strings.TrimSpace(textBody)
	if text == "" && htmlBody != "" {
		text = strings.TrimSpace(html2text.HTML2Text(htmlBody))
	}
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > previewLength {
		text = text[:previewLength]
	}
	return text
}
