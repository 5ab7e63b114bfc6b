// Package email defines the captured message model served by the query API.
package email

import (
	"encoding/json"
	"strings"
	"time"
)

// Message is one captured e-mail. It is never modified after it has been
// committed to the store.
type Message struct {
	ID          string            `json:"id"`
	MessageID   string            `json:"messageId,omitempty"`
	From        AddressList       `json:"from"`
	To          AddressList       `json:"to"`
	Cc          AddressList       `json:"cc"`
	Date        time.Time         `json:"date"`
	Subject     string            `json:"subject"`
	Text        string            `json:"text"`
	HTML        string            `json:"html"`
	Attachments []Attachment      `json:"attachments"`
	Envelope    Envelope          `json:"envelope"`
	Headers     map[string]string `json:"-"`

	// RawHeaders holds the decoded header fields in wire order. It is
	// consumed by the session before commit and never serialized.
	RawHeaders []HeaderField `json:"-"`
}

// MarshalJSON emits the headers field whenever Headers is non-nil, even
// when the map is empty, and omits it otherwise.
func (m Message) MarshalJSON() ([]byte, error) {
	type message Message
	out := struct {
		message
		Headers *map[string]string `json:"headers,omitempty"`
	}{message: message(m)}
	if m.Headers != nil {
		out.Headers = &m.Headers
	}
	return json.Marshal(out)
}

// Address is a single mailbox.
type Address struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// AddressList is a parsed address header together with its display text.
type AddressList struct {
	Value []Address `json:"value"`
	Text  string    `json:"text"`
}

// Contains reports whether any entry has exactly the given address.
func (l AddressList) Contains(addr string) bool {
	for _, a := range l.Value {
		if a.Address == addr {
			return true
		}
	}
	return false
}

// Addresses returns the bare addresses in list order.
func (l AddressList) Addresses() []string {
	out := make([]string, 0, len(l.Value))
	for _, a := range l.Value {
		out = append(out, a.Address)
	}
	return out
}

// Attachment represents a file attached to a captured message.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int    `json:"size"`
	Content     []byte `json:"content"`
}

// Envelope records the SMTP transaction that delivered the message.
type Envelope struct {
	MailFrom      string   `json:"mailFrom"`
	RcptTo        []string `json:"rcptTo"`
	RemoteAddress string   `json:"remoteAddress,omitempty"`
	User          string   `json:"user,omitempty"`
}

// HeaderField is one header line as decoded from the message.
type HeaderField struct {
	Key   string
	Value string
}

// FlattenHeaders folds ordered header fields into a plain map keyed by the
// lower-cased field name. When a name repeats, the last value wins.
func FlattenHeaders(fields []HeaderField) map[string]string {
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		out[strings.ToLower(f.Key)] = f.Value
	}
	return out
}
