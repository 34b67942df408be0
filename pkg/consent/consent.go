// Package consent decides whether a channel connection may receive
// deliveries under the current terms version.
package consent

import (
	"github.com/sendvault/sendvault/pkg/config"
	"github.com/sendvault/sendvault/pkg/store"
)

// Terms-gated channels require explicit acceptance of the current terms
// version before any delivery fans out to them.
var termsGated = map[string]bool{
	"whatsapp": true,
	"x":        true,
}

// TermsGated reports whether the channel requires terms acceptance.
func TermsGated(channel string) bool { return termsGated[channel] }

// Current reports whether the connection may receive deliveries. When
// enforcement is off every row counts as current; otherwise a gated
// channel needs the exact current terms version and a non-zero
// acceptance timestamp.
func Current(conn *store.ChannelConnection, cfg *config.Config) bool {
	if !cfg.RequireSocialTOSAccepted {
		return true
	}
	if !TermsGated(conn.Channel) {
		return true
	}
	return conn.ConsentVersion == cfg.LegalTOSVersion && conn.ConsentAcceptedAt > 0
}
