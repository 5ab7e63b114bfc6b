// Package parser decodes raw RFC 5322 messages, including MIME multipart
// bodies and attachments, into captured messages.
package parser

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/shineum/smtp-sink-lite/internal/email"
)

// Parse reads a complete message from r. The message date comes from the
// Date header; when that is missing or unparseable, received is used.
// Unknown charsets and transfer encodings are logged and the raw bytes kept.
func Parse(r io.Reader, received time.Time) (*email.Message, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		if mr == nil || !recoverable(err) {
			return nil, fmt.Errorf("failed to parse message: %w", err)
		}
		slog.Warn("message uses an unknown encoding, keeping raw text", "error", err)
	}
	defer mr.Close()

	result := &email.Message{
		From:       addressList(&mr.Header, "From"),
		To:         addressList(&mr.Header, "To"),
		Cc:         addressList(&mr.Header, "Cc"),
		RawHeaders: headerFields(&mr.Header),
	}

	result.MessageID, _ = mr.Header.MessageID()
	if result.Subject, err = mr.Header.Subject(); err != nil {
		result.Subject = mr.Header.Get("Subject")
	}
	if date, err := mr.Header.Date(); err == nil && !date.IsZero() {
		result.Date = date
	} else {
		result.Date = received
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if part == nil || !recoverable(err) {
				return nil, fmt.Errorf("failed to read next part: %w", err)
			}
			slog.Warn("part uses an unknown encoding, keeping raw text", "error", err)
		}
		if err := readPart(part, result); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// readPart stores the first text/plain and text/html bodies and collects
// everything with a filename as an attachment.
func readPart(part *mail.Part, result *email.Message) error {
	content, err := io.ReadAll(part.Body)
	if err != nil {
		return fmt.Errorf("failed to read message body: %w", err)
	}

	switch h := part.Header.(type) {
	case *mail.AttachmentHeader:
		mediaType, _, _ := h.ContentType()
		filename, _ := h.Filename()
		result.Attachments = append(result.Attachments, attachment(filename, mediaType, content))

	case *mail.InlineHeader:
		mediaType, params, err := h.ContentType()
		if err != nil || mediaType == "" {
			mediaType = "text/plain"
		}
		switch mediaType {
		case "text/plain":
			if result.Text == "" {
				result.Text = string(content)
			}
		case "text/html":
			if result.HTML == "" {
				result.HTML = string(content)
			}
		default:
			if name := params["name"]; name != "" {
				result.Attachments = append(result.Attachments, attachment(name, mediaType, content))
				return nil
			}
			slog.Warn("unrecognized MIME part, skipping", "content_type", mediaType)
		}
	}
	return nil
}

func attachment(filename, mediaType string, content []byte) email.Attachment {
	if filename == "" {
		filename = "attachment"
		if _, sub, ok := strings.Cut(mediaType, "/"); ok && sub != "" {
			filename += "." + sub
		}
	}
	return email.Attachment{
		Filename:    filename,
		ContentType: mediaType,
		Size:        len(content),
		Content:     content,
	}
}

// addressList parses an address header. When the header is not valid
// RFC 5322 it falls back to a comma split so that filtering still sees
// the literal addresses.
func addressList(h *mail.Header, key string) email.AddressList {
	raw := h.Get(key)
	if raw == "" {
		return email.AddressList{Value: []email.Address{}}
	}

	text, err := h.Text(key)
	if err != nil {
		text = raw
	}
	list := email.AddressList{Text: text}

	addrs, err := h.AddressList(key)
	if err != nil {
		for _, p := range strings.Split(raw, ",") {
			if p = strings.Trim(strings.TrimSpace(p), "<>"); p != "" {
				list.Value = append(list.Value, email.Address{Address: p})
			}
		}
		return list
	}

	list.Value = make([]email.Address, 0, len(addrs))
	for _, a := range addrs {
		list.Value = append(list.Value, email.Address{Address: a.Address, Name: a.Name})
	}
	return list
}

// headerFields returns the header in wire order with encoded words decoded.
func headerFields(h *mail.Header) []email.HeaderField {
	var out []email.HeaderField
	fields := h.Fields()
	for fields.Next() {
		v, err := fields.Text()
		if err != nil {
			v = fields.Value()
		}
		out = append(out, email.HeaderField{Key: fields.Key(), Value: v})
	}
	return out
}

func recoverable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}
