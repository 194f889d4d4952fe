package mail

import (
	"encoding/base64"
	"strings"
)

const plainText = "text/plain"

// maxSearchDepth bounds the body search: the payload's children, then one
// level below them.
const maxSearchDepth = 2

// Extract flattens a raw message into subject, addresses, plain-text body and
// threading token. It never fails: missing or malformed content degrades to
// empty strings.
func Extract(msg RawMessage) Extracted {
	return Extracted{
		Subject:         headerValue(msg.Headers, "subject"),
		From:            headerValue(msg.Headers, "from"),
		To:              headerValue(msg.Headers, "to"),
		BodyText:        bodyText(msg.Payload),
		Snippet:         msg.Snippet,
		MessageIDHeader: headerValue(msg.Headers, "message-id"),
	}
}

// headerValue returns the first header matching name case-insensitively.
func headerValue(headers []Header, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func bodyText(payload Part) string {
	switch p := payload.(type) {
	case Leaf:
		return DecodeData(p.Data)
	case Container:
		if leaf, ok := findPlainText(p.Children); ok {
			return DecodeData(leaf.Data)
		}
	}
	return ""
}

// findPlainText walks the tree breadth-first, at most maxSearchDepth levels,
// and returns the first text/plain leaf.
func findPlainText(level []Part) (Leaf, bool) {
	for depth := 0; depth < maxSearchDepth && len(level) > 0; depth++ {
		var next []Part
		for _, part := range level {
			switch p := part.(type) {
			case Leaf:
				if p.MediaType == plainText {
					return p, true
				}
			case Container:
				next = append(next, p.Children...)
			}
		}
		level = next
	}
	return Leaf{}, false
}

// DecodeData decodes URL-safe base64 body data to UTF-8 text. Padding is
// optional and the standard alphabet is accepted. Malformed input yields "".
func DecodeData(data string) string {
	if data == "" {
		return ""
	}
	s := strings.NewReplacer("+", "-", "/", "_", "\r", "", "\n", "").Replace(data)
	s = strings.TrimRight(s, "=")
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return ""
	}
	return strings.ToValidUTF8(string(b), "�")
}
