// Package gmail adapts the Gmail REST API to the mail model used by the
// pipeline.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/kalambet/inboxrag/internal/mail"
)

// UnreadQuery selects inbound mail that still needs an answer.
const UnreadQuery = "label:INBOX label:UNREAD -category:promotions -category:social"

// LabelUnread is the system label removed once a message is handled.
const LabelUnread = "UNREAD"

const user = "me"

// Config holds the OAuth client credentials and a long-lived refresh token.
type Config struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// Client talks to one Gmail mailbox.
type Client struct {
	svc *gmailapi.Service

	mu     sync.Mutex
	labels map[string]string
	lookup singleflight.Group
}

// New builds an authorized client. Access tokens are refreshed on demand.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RefreshToken == "" {
		return nil, errors.New("gmail client id, client secret and refresh token are required")
	}
	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmailapi.GmailModifyScope},
	}
	ts := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})

	svc, err := gmailapi.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("creating gmail service: %w", err)
	}
	return NewWithService(svc), nil
}

// NewWithService wraps an existing service, e.g. one pointed at a test server.
func NewWithService(svc *gmailapi.Service) *Client {
	return &Client{svc: svc, labels: make(map[string]string)}
}

// ListUnread returns at most max unread inbox messages.
func (c *Client) ListUnread(ctx context.Context, max int) ([]mail.Ref, error) {
	resp, err := c.svc.Users.Messages.List(user).
		Q(UnreadQuery).
		MaxResults(int64(max)).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	refs := make([]mail.Ref, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		refs = append(refs, mail.Ref{ID: m.Id, ThreadID: m.ThreadId})
	}
	return refs, nil
}

// GetFull fetches the complete message tree.
func (c *Client) GetFull(ctx context.Context, id string) (mail.RawMessage, error) {
	msg, err := c.svc.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
	if err != nil {
		return mail.RawMessage{}, fmt.Errorf("getting message %s: %w", id, err)
	}
	return FromGmail(msg), nil
}

// Send delivers a reply in its thread.
func (c *Client) Send(ctx context.Context, out mail.Outgoing) error {
	msg := &gmailapi.Message{
		Raw:      mail.EncodeRaw(out),
		ThreadId: out.ThreadID,
	}
	if _, err := c.svc.Users.Messages.Send(user, msg).Context(ctx).Do(); err != nil {
		return fmt.Errorf("sending reply: %w", err)
	}
	return nil
}

// EnsureLabel returns the id of the named label, creating it if needed.
// Ids are cached for the lifetime of the client. Concurrent callers for an
// uncached name share one lookup.
func (c *Client) EnsureLabel(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	id, ok := c.labels[name]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	v, err, _ := c.lookup.Do(name, func() (any, error) {
		id, err := c.findOrCreateLabel(ctx, name)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.labels[name] = id
		c.mu.Unlock()
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) findOrCreateLabel(ctx context.Context, name string) (string, error) {
	resp, err := c.svc.Users.Labels.List(user).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("listing labels: %w", err)
	}
	for _, l := range resp.Labels {
		if l.Name == name {
			return l.Id, nil
		}
	}

	created, err := c.svc.Users.Labels.Create(user, &gmailapi.Label{
		Name:                  name,
		LabelListVisibility:   "labelShow",
		MessageListVisibility: "show",
	}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("creating label %q: %w", name, err)
	}
	return created.Id, nil
}

// ModifyLabels adds and removes labels on one message in a single call.
func (c *Client) ModifyLabels(ctx context.Context, id string, add, remove []string) error {
	req := &gmailapi.ModifyMessageRequest{
		AddLabelIds:    add,
		RemoveLabelIds: remove,
	}
	if _, err := c.svc.Users.Messages.Modify(user, id, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("modifying labels on %s: %w", id, err)
	}
	return nil
}
