package mail

import (
	"encoding/base64"
	"mime"
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultSubject is used when the inbound message carries no subject.
const DefaultSubject = "Your question"

// Outgoing is a reply ready to be sent in an existing thread.
type Outgoing struct {
	ThreadID  string
	To        string
	Subject   string
	Body      string
	InReplyTo string
}

var angleAddr = regexp.MustCompile(`<(.*?)>`)

// ReplyAddress returns the address inside the first <...> of a From value,
// or the raw value when there are no angle brackets.
func ReplyAddress(from string) string {
	if m := angleAddr.FindStringSubmatch(from); m != nil {
		return m[1]
	}
	return from
}

// ReplySubject prefixes "Re: " unless the subject already starts with the
// literal "Re:". The check is case-sensitive.
func ReplySubject(subject string) string {
	if strings.HasPrefix(subject, "Re:") {
		return subject
	}
	return "Re: " + subject
}

// BuildRaw renders out as RFC 822 text with CRLF line endings. Threading
// headers are emitted only when InReplyTo is set.
func BuildRaw(out Outgoing) string {
	var b strings.Builder
	writeHeader(&b, "To", out.To)
	writeHeader(&b, "Subject", encodeHeader(ReplySubject(out.Subject)))
	if out.InReplyTo != "" {
		writeHeader(&b, "In-Reply-To", out.InReplyTo)
		writeHeader(&b, "References", out.InReplyTo)
	}
	writeHeader(&b, "Content-Type", "text/plain; charset=utf-8")
	b.WriteString("\r\n")
	b.WriteString(normalizeNewlines(out.Body))
	return b.String()
}

// EncodeRaw returns the URL-safe, unpadded base64 form of BuildRaw(out), the
// encoding the provider expects for raw sends.
func EncodeRaw(out Outgoing) string {
	return base64.RawURLEncoding.EncodeToString([]byte(BuildRaw(out)))
}

// headerBreaks flattens line breaks so inbound values cannot start new headers.
var headerBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

func writeHeader(b *strings.Builder, name, value string) {
	b.WriteString(name)
	b.WriteString(": ")
	b.WriteString(headerBreaks.Replace(value))
	b.WriteString("\r\n")
}

// encodeHeader leaves ASCII values untouched and Q-encodes the rest.
func encodeHeader(v string) string {
	for i := 0; i < len(v); i++ {
		if v[i] >= utf8.RuneSelf {
			return mime.QEncoding.Encode("utf-8", v)
		}
	}
	return v
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}
