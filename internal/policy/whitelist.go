// Package policy decides which envelope senders the SMTP listener accepts.
package policy

// Whitelist is the set of envelope senders allowed to deliver mail.
// An empty whitelist allows everyone. It is immutable after construction.
type Whitelist struct {
	allowed map[string]struct{}
}

// NewWhitelist builds a whitelist from the given addresses. Addresses are
// matched exactly and case-sensitively.
func NewWhitelist(addresses []string) *Whitelist {
	allowed := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		allowed[a] = struct{}{}
	}
	return &Whitelist{allowed: allowed}
}

// Allowed reports whether address may be used as an envelope sender.
func (w *Whitelist) Allowed(address string) bool {
	if w == nil || len(w.allowed) == 0 {
		return true
	}
	_, ok := w.allowed[address]
	return ok
}

// Len returns the number of whitelisted addresses.
func (w *Whitelist) Len() int {
	if w == nil {
		return 0
	}
	return len(w.allowed)
}
