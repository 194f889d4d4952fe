package mail

import (
	"fmt"
	"io"

	"github.com/jhillyerd/enmime"
)

// ParseEML reads an archived RFC 822 message. The body is the envelope's
// plain-text part; enmime down-converts HTML-only messages.
func ParseEML(r io.Reader) (Extracted, error) {
	env, err := enmime.ReadEnvelope(r)
	if err != nil {
		return Extracted{}, fmt.Errorf("parsing message: %w", err)
	}
	return Extracted{
		Subject:         env.GetHeader("Subject"),
		From:            env.GetHeader("From"),
		To:              env.GetHeader("To"),
		BodyText:        env.Text,
		MessageIDHeader: env.GetHeader("Message-ID"),
	}, nil
}
