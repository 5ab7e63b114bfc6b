// Package smtp captures mail delivered over SMTP into the message store.
package smtp

import (
	"log/slog"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
)

// authMechanisms are advertised on every connection, including plaintext
// ones. AUTH is optional: a session that never authenticates is anonymous.
var authMechanisms = []string{sasl.Plain, sasl.Login}

// newAuthServer returns a SASL server for mech that accepts any credential
// pair. The capture sink is not a security boundary; login only records
// the username so that captured messages can show who submitted them.
func newAuthServer(mech string, login func(username string)) (sasl.Server, error) {
	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(_, username, _ string) error {
			login(username)
			return nil
		}), nil
	case sasl.Login:
		return sasl.NewLoginServer(func(username, _ string) error {
			login(username)
			return nil
		}), nil
	default:
		slog.Debug("unsupported SMTP auth mechanism", "mechanism", mech)
		return nil, gosmtp.ErrAuthUnknownMechanism
	}
}
