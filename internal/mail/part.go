// Package mail holds the provider-neutral message model and the content
// extraction rules applied to every inbound message.
package mail

// Part is one node of a message body tree. It is either a Leaf carrying
// inline data or a Container carrying child parts.
type Part interface {
	Type() string
	isPart()
}

// Leaf is a body part with inline data. Data is URL-safe base64, as
// delivered by the mail provider.
type Leaf struct {
	MediaType string
	Data      string
}

// Container is a multipart node.
type Container struct {
	MediaType string
	Children  []Part
}

func (l Leaf) Type() string      { return l.MediaType }
func (c Container) Type() string { return c.MediaType }

func (Leaf) isPart()      {}
func (Container) isPart() {}

// Header is a single message header as delivered by the provider.
type Header struct {
	Name  string
	Value string
}

// Ref identifies a listed message.
type Ref struct {
	ID       string
	ThreadID string
}

// RawMessage is a fully fetched message before extraction.
type RawMessage struct {
	ID       string
	ThreadID string
	Snippet  string
	Headers  []Header
	Payload  Part
}

// Extracted is the flat record produced by Extract.
type Extracted struct {
	Subject         string
	From            string
	To              string
	BodyText        string
	Snippet         string
	MessageIDHeader string
}
