// Package filter selects captured messages matching query criteria.
package filter

import (
	"net/url"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/shineum/smtp-sink-lite/internal/email"
)

// Criteria restricts which messages a query returns. Zero-valued fields
// match everything; set fields are AND-combined.
type Criteria struct {
	Since time.Time
	Until time.Time
	To    string
	From  string
}

// FromQuery builds Criteria from URL query parameters (since, until, to,
// from). Date values are parsed leniently; a value that cannot be parsed
// is ignored as if it had not been supplied.
func FromQuery(q url.Values) Criteria {
	return Criteria{
		Since: parseDate(q.Get("since")),
		Until: parseDate(q.Get("until")),
		To:    q.Get("to"),
		From:  q.Get("from"),
	}
}

func parseDate(v string) time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}
	}
	t, err := dateparse.ParseIn(v, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Empty reports whether the criteria match every message.
func (c Criteria) Empty() bool {
	return c.Since.IsZero() && c.Until.IsZero() && c.To == "" && c.From == ""
}

// Match reports whether msg satisfies every set criterion.
func (c Criteria) Match(msg *email.Message) bool {
	if !c.Since.IsZero() || !c.Until.IsZero() {
		if msg.Date.IsZero() {
			return false
		}
		if !c.Since.IsZero() && msg.Date.Before(c.Since) {
			return false
		}
		if !c.Until.IsZero() && msg.Date.After(c.Until) {
			return false
		}
	}

	if c.To != "" && !msg.To.Contains(c.To) {
		return false
	}
	if c.From != "" && !msg.From.Contains(c.From) {
		return false
	}

	return true
}

// Apply returns the messages matching c, preserving their order.
func Apply(msgs []*email.Message, c Criteria) []*email.Message {
	out := make([]*email.Message, 0, len(msgs))
	for _, m := range msgs {
		if c.Match(m) {
			out = append(out, m)
		}
	}
	return out
}
