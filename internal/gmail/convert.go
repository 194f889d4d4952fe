package gmail

import (
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/kalambet/inboxrag/internal/mail"
)

// maxPartDepth bounds conversion of pathological part trees. Extraction only
// looks two levels down, so anything deeper is dropped.
const maxPartDepth = 16

// FromGmail converts an API message into the provider-neutral model.
func FromGmail(msg *gmailapi.Message) mail.RawMessage {
	raw := mail.RawMessage{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Snippet:  msg.Snippet,
	}
	if msg.Payload == nil {
		return raw
	}
	for _, h := range msg.Payload.Headers {
		if h == nil {
			continue
		}
		raw.Headers = append(raw.Headers, mail.Header{Name: h.Name, Value: h.Value})
	}
	raw.Payload = convertPart(msg.Payload, 0)
	return raw
}

func convertPart(p *gmailapi.MessagePart, depth int) mail.Part {
	if len(p.Parts) == 0 {
		leaf := mail.Leaf{MediaType: p.MimeType}
		if p.Body != nil {
			leaf.Data = p.Body.Data
		}
		return leaf
	}

	c := mail.Container{MediaType: p.MimeType}
	if depth >= maxPartDepth {
		return c
	}
	for _, child := range p.Parts {
		if child == nil {
			continue
		}
		c.Children = append(c.Children, convertPart(child, depth+1))
	}
	return c
}
