package model

import (
	"strings"
	"time"
)

// Header is a single name/value pair of a message part, in wire order.
type Header struct {
	Name  string
	Value string
}

// PartBody carries the payload of a message part. Exactly one of Data or
// AttachmentID is expected to be set: Data holds the base64url encoded
// payload, AttachmentID names a payload that must be fetched separately.
type PartBody struct {
	Data         string
	AttachmentID string
	Size         int64
}

// MessagePart is one node of a message part tree. A nil Headers slice means
// the source did not report any headers for the part, which is different from
// an empty list.
type MessagePart struct {
	PartID   string
	MimeType string
	Filename string
	Body     *PartBody
	Headers  []Header
	Parts    []MessagePart
}

// Header returns the value of the first header matching name case-insensitively.
func (p MessagePart) Header(name string) (string, bool) {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Attachment is a decoded attachment payload ready to be written to staging.
type Attachment struct {
	MessageID string
	PartID    string
	Filename  string
	MimeType  string
	Data      []byte
}

// Message is a retrieved message reduced to what harvesting needs.
type Message struct {
	ID         string
	Key        string
	ReceivedAt time.Time
	Size       int64
	Payload    MessagePart
}

// Envelope wraps a message alongside an optional error encountered while decoding.
type Envelope struct {
	Message Message
	Err     error
}
