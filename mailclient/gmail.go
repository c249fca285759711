package mailclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/quillmail/gate/consts"
	"github.com/quillmail/gate/logger"
	"github.com/quillmail/gate/pkg/metrics"
	"github.com/quillmail/gate/pkg/retry"
)

const gmailBaseURL = "https://gmail.googleapis.com/gmail/v1/users/me"

// gmailDelimiter is the label nesting separator Gmail uses.
const gmailDelimiter = "/"

// gmailClient adapts the Gmail REST API to the Client and Sender
// interfaces. The OAuth handshake happens outside the gateway; this
// adapter only consumes the resulting bearer token.
type gmailClient struct {
	endpoint Endpoint
	baseURL  string
	http     *http.Client

	mu     sync.Mutex
	closed bool
	done   chan struct{}

	// Gmail message IDs are opaque strings; the gateway addresses
	// messages by numeric UID. uids remembers the mapping for IDs seen
	// in listings.
	uids map[uint32]string
}

func newGmailClient(ep Endpoint, opts Options) *gmailClient {
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &gmailClient{
		endpoint: ep,
		baseURL:  gmailBaseURL,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		done: make(chan struct{}),
		uids: make(map[uint32]string),
	}
}

func newGmailSender(ep Endpoint, opts Options) *gmailClient {
	return newGmailClient(ep, opts)
}

func (c *gmailClient) Connect(ctx context.Context) error {
	start := time.Now()
	var profile struct {
		EmailAddress string `json:"emailAddress"`
	}
	if err := c.getJSON(ctx, "/profile", nil, &profile); err != nil {
		metrics.ProtocolConnectsTotal.WithLabelValues(string(ProtocolGoogle), "error").Inc()
		return err
	}
	metrics.ProtocolConnectsTotal.WithLabelValues(string(ProtocolGoogle), "success").Inc()
	metrics.ProtocolConnectDuration.WithLabelValues(string(ProtocolGoogle)).Observe(time.Since(start).Seconds())
	logger.Debug("Gmail client connected", "profile", profile.EmailAddress)
	return nil
}

type gmailLabel struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Type               string `json:"type"`
	MessagesTotal      uint32 `json:"messagesTotal"`
	MessagesUnread     uint32 `json:"messagesUnread"`
	LabelListVisibility string `json:"labelListVisibility"`
}

func (c *gmailClient) ListMailboxes(ctx context.Context) ([]*Mailbox, error) {
	var resp struct {
		Labels []gmailLabel `json:"labels"`
	}
	if err := c.getJSON(ctx, "/labels", nil, &resp); err != nil {
		return nil, err
	}

	boxes := make([]*Mailbox, 0, len(resp.Labels))
	for _, label := range resp.Labels {
		if label.LabelListVisibility == "labelHide" {
			continue
		}
		boxes = append(boxes, &Mailbox{
			Name:       label.Name,
			Delimiter:  gmailDelimiter,
			Selectable: true,
			Total:      label.MessagesTotal,
			Unseen:     label.MessagesUnread,
		})
	}
	return boxes, nil
}

func (c *gmailClient) FetchMessages(ctx context.Context, mailbox string, limit int) ([]MessageSummary, error) {
	labelID, err := c.labelID(ctx, mailbox)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("labelIds", labelID)
	if limit > 0 {
		query.Set("maxResults", strconv.Itoa(limit))
	}
	var listing struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := c.getJSON(ctx, "/messages", query, &listing); err != nil {
		return nil, err
	}

	summaries := make([]MessageSummary, 0, len(listing.Messages))
	for _, ref := range listing.Messages {
		summary, err := c.fetchSummary(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (c *gmailClient) FetchMessage(ctx context.Context, mailbox string, uid uint32) (*Message, error) {
	c.mu.Lock()
	id, ok := c.uids[uid]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("message UID %d not found in %q", uid, mailbox)
	}

	query := url.Values{}
	query.Set("format", "raw")
	var resp struct {
		Raw string `json:"raw"`
	}
	if err := c.getJSON(ctx, "/messages/"+id, query, &resp); err != nil {
		return nil, err
	}
	raw, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(resp.Raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode message %s: %w", id, err)
	}

	summary, err := c.fetchSummary(ctx, id)
	if err != nil {
		return nil, err
	}
	msg := &Message{MessageSummary: summary}
	msg.TextBody, msg.HTMLBody, msg.Attachments = parseMIMEBody(raw)
	msg.Preview = makePreview(msg.TextBody, msg.HTMLBody)
	return msg, nil
}

// Gmail labels are flat; create, delete and rename map to the labels API.

func (c *gmailClient) CreateMailbox(ctx context.Context, name string) error {
	body, _ := json.Marshal(map[string]string{"name": name})
	return c.doJSON(ctx, http.MethodPost, "/labels", nil, body, nil)
}

func (c *gmailClient) DeleteMailbox(ctx context.Context, name string) error {
	labelID, err := c.labelID(ctx, name)
	if err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodDelete, "/labels/"+labelID, nil, nil, nil)
}

func (c *gmailClient) RenameMailbox(ctx context.Context, oldName, newName string) error {
	labelID, err := c.labelID(ctx, oldName)
	if err != nil {
		return err
	}
	body, _ := json.Marshal(map[string]string{"name": newName})
	return c.doJSON(ctx, http.MethodPatch, "/labels/"+labelID, nil, body, nil)
}

func (c *gmailClient) Send(ctx context.Context, from string, to []string, raw []byte) error {
	encoded := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(raw)
	body, _ := json.Marshal(map[string]string{"raw": encoded})
	return c.doJSON(ctx, http.MethodPost, "/messages/send", nil, body, nil)
}

func (c *gmailClient) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *gmailClient) Done() <-chan struct{} { return c.done }

func (c *gmailClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	c.http.CloseIdleConnections()
	return nil
}

func (c *gmailClient) labelID(ctx context.Context, name string) (string, error) {
	var resp struct {
		Labels []gmailLabel `json:"labels"`
	}
	if err := c.getJSON(ctx, "/labels", nil, &resp); err != nil {
		return "", err
	}
	for _, label := range resp.Labels {
		if label.Name == name || label.ID == name {
			return label.ID, nil
		}
	}
	return "", fmt.Errorf("label %q not found", name)
}

func (c *gmailClient) fetchSummary(ctx context.Context, id string) (MessageSummary, error) {
	query := url.Values{}
	query.Set("format", "metadata")
	for _, h := range []string{"Subject", "From", "To", "Date"} {
		query.Add("metadataHeaders", h)
	}
	var resp struct {
		SizeEstimate int64    `json:"sizeEstimate"`
		LabelIDs     []string `json:"labelIds"`
		Payload      struct {
			Headers []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"headers"`
		} `json:"payload"`
	}
	if err := c.getJSON(ctx, "/messages/"+id, query, &resp); err != nil {
		return MessageSummary{}, err
	}

	uid := uidForGmailID(id)
	c.mu.Lock()
	c.uids[uid] = id
	c.mu.Unlock()

	summary := MessageSummary{
		UID:  uid,
		Size: resp.SizeEstimate,
		Seen: true,
	}
	for _, label := range resp.LabelIDs {
		if label == "UNREAD" {
			summary.Seen = false
		}
	}
	for _, header := range resp.Payload.Headers {
		switch header.Name {
		case "Subject":
			summary.Subject = header.Value
		case "From":
			summary.From = header.Value
		case "To":
			summary.To = append(summary.To, header.Value)
		case "Date":
			if t, err := time.Parse(time.RFC1123Z, header.Value); err == nil {
				summary.Date = t
			}
		}
	}
	return summary, nil
}

// uidForGmailID derives a stable numeric UID from a Gmail message ID,
// which is a hex string. Truncation to 32 bits is acceptable here: the
// UID only needs to be unique within one user's recent listings.
func uidForGmailID(id string) uint32 {
	if len(id) > 8 {
		id = id[:8]
	}
	v, err := strconv.ParseUint(id, 16, 64)
	if err != nil {
		var sum uint32
		for _, b := range []byte(id) {
			sum = sum*31 + uint32(b)
		}
		return sum
	}
	return uint32(v)
}

func (c *gmailClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, query, nil, out)
}

// doJSON performs an authenticated Gmail API call, retrying transient
// 5xx responses with backoff.
func (c *gmailClient) doJSON(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	return retry.WithRetry(ctx, retry.DefaultBackoffConfig(), func() error {
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
		if err != nil {
			return retry.Stop(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.endpoint.Credentials.OAuthToken)
		if len(body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("gmail API request failed: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return retry.Stop(fmt.Errorf("%w: gmail API returned %d", consts.ErrAuthRejected, resp.StatusCode))
		case resp.StatusCode >= 500:
			return fmt.Errorf("gmail API returned %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return retry.Stop(fmt.Errorf("gmail API returned %d: %s", resp.StatusCode, payload))
		}

		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return retry.Stop(fmt.Errorf("failed to decode gmail API response: %w", err))
		}
		return nil
	})
}
