// Package mailclient provides live protocol clients for upstream mail
// servers behind a single interface. Concrete providers exist for IMAP
// (go-imap/v2), SMTP submission (go-smtp) and the Gmail REST API; the
// rest of the gateway is agnostic to which one backs a session.
package mailclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/quillmail/gate/consts"
	"github.com/quillmail/gate/pkg/circuitbreaker"
)

// Protocol identifies the wire protocol of a resolved server.
type Protocol string

const (
	ProtocolUnknown Protocol = ""
	ProtocolIMAP    Protocol = "imap"
	ProtocolPOP3    Protocol = "pop3"
	ProtocolSMTP    Protocol = "smtp"
	ProtocolGoogle  Protocol = "google"
)

// Security identifies the transport security of a resolved server.
type Security string

const (
	SecurityPlain    Security = "plain"
	SecurityStartTLS Security = "starttls"
	SecurityTLS      Security = "tls"
)

// ParseSecurity normalizes a user- or autoconfig-supplied security
// string. Unrecognized values default to TLS, the safe choice.
func ParseSecurity(s string) Security {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "plain", "none":
		return SecurityPlain
	case "starttls":
		return SecurityStartTLS
	default:
		return SecurityTLS
	}
}

// ServerDescriptor describes a resolved mail server. Immutable once
// produced by discovery or sniffing.
type ServerDescriptor struct {
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Security Security `json:"security"`
	Protocol Protocol `json:"protocol"`
}

// Addr returns the host:port dial address.
func (d ServerDescriptor) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// Credentials carries what is needed to authenticate against a server.
// OAuth-backed endpoints set OAuthSubject and OAuthToken instead of a
// password.
type Credentials struct {
	Username     string `json:"username"`
	Password     string `json:"password,omitempty"`
	OAuthSubject string `json:"oauth_subject,omitempty"`
	OAuthToken   string `json:"oauth_token,omitempty"`
}

// Endpoint is a server descriptor paired with credentials for it.
type Endpoint struct {
	Server      ServerDescriptor `json:"server"`
	Credentials Credentials      `json:"credentials"`
}

// Mailbox is one node of the mailbox namespace. The flat form returned
// by ListMailboxes has Name set to the full delimiter-joined path and
// no Children; the tree form produced by mailboxtree.Nest fills
// Children and sets Label to the last path segment.
type Mailbox struct {
	Name       string     `json:"name"`
	Label      string     `json:"label,omitempty"`
	Delimiter  string     `json:"delimiter"`
	Selectable bool       `json:"selectable"`
	Total      uint32     `json:"total"`
	Unseen     uint32     `json:"unseen"`
	Children   []*Mailbox `json:"children,omitempty"`
}

// MessageSummary is the envelope-level view of a message.
type MessageSummary struct {
	UID     uint32    `json:"uid"`
	Subject string    `json:"subject"`
	From    string    `json:"from"`
	To      []string  `json:"to"`
	Date    time.Time `json:"date"`
	Size    int64     `json:"size"`
	Seen    bool      `json:"seen"`
	Flags   []string  `json:"flags,omitempty"`
}

// Attachment describes an attachment without carrying its content.
type Attachment struct {
	Filename string `json:"filename"`
	MIMEType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// Message is a fully fetched message.
type Message struct {
	MessageSummary
	TextBody    string       `json:"text_body,omitempty"`
	HTMLBody    string       `json:"html_body,omitempty"`
	Preview     string       `json:"preview,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Client is a live connection to an upstream mail store. Implementations
// own a single underlying connection; the pool owns the Client.
type Client interface {
	// Connect dials and authenticates. It must be called once before
	// any other method.
	Connect(ctx context.Context) error
	ListMailboxes(ctx context.Context) ([]*Mailbox, error)
	FetchMessages(ctx context.Context, mailbox string, limit int) ([]MessageSummary, error)
	FetchMessage(ctx context.Context, mailbox string, uid uint32) (*Message, error)
	CreateMailbox(ctx context.Context, name string) error
	DeleteMailbox(ctx context.Context, name string) error
	RenameMailbox(ctx context.Context, oldName, newName string) error
	// IsAlive reports whether the connection is still usable.
	IsAlive() bool
	// Done is closed when the connection reaches end of life, whether
	// through Close or a protocol-level disconnect.
	Done() <-chan struct{}
	Close() error
}

// Sender is the narrower outgoing-only capability.
type Sender interface {
	Send(ctx context.Context, from string, to []string, raw []byte) error
	Close() error
}

// Options carries construction-time settings shared by all providers.
type Options struct {
	ConnectTimeout time.Duration
	// Breaker, when set, guards outbound submission.
	Breaker *circuitbreaker.CircuitBreaker
}

// New constructs the protocol client for an endpoint. The client is not
// yet connected.
func New(ep Endpoint, opts Options) (Client, error) {
	switch ep.Server.Protocol {
	case ProtocolIMAP:
		return newIMAPClient(ep, opts), nil
	case ProtocolGoogle:
		return newGmailClient(ep, opts), nil
	case ProtocolPOP3:
		return nil, fmt.Errorf("%w: no POP3 client implementation", consts.ErrUnsupported)
	default:
		return nil, fmt.Errorf("%w: protocol %q", consts.ErrUnsupported, ep.Server.Protocol)
	}
}

// NewSender constructs the outgoing submission client for an endpoint.
func NewSender(ep Endpoint, opts Options) (Sender, error) {
	switch ep.Server.Protocol {
	case ProtocolSMTP:
		return newSMTPSender(ep, opts), nil
	case ProtocolGoogle:
		return newGmailSender(ep, opts), nil
	default:
		return nil, fmt.Errorf("%w: protocol %q cannot submit mail", consts.ErrUnsupported, ep.Server.Protocol)
	}
}
