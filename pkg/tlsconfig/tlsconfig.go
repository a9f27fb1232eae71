// Package tlsconfig builds the crypto/tls.Config used for the resolver's
// direct TLS connections to DoH providers, independent of whatever TLS
// version the proxy's own clients negotiate with their destinations.
package tlsconfig

import "crypto/tls"

// VersionProfile bounds the negotiable TLS version range.
type VersionProfile struct {
	Min         uint16
	Max         uint16
	Description string
}

var (
	// ProfileModern restricts to TLS 1.3 only.
	ProfileModern = VersionProfile{
		Min:         tls.VersionTLS13,
		Max:         tls.VersionTLS13,
		Description: "TLS 1.3 only",
	}

	// ProfileSecure allows TLS 1.2 and 1.3, the default for DoH dialing.
	ProfileSecure = VersionProfile{
		Min:         tls.VersionTLS12,
		Max:         tls.VersionTLS13,
		Description: "TLS 1.2+",
	}
)

// secureCipherSuites is the ECDHE/AEAD set offered when negotiating below
// TLS 1.3, where cipher suite choice still matters.
var secureCipherSuites = []uint16{
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
}

// ApplyVersionProfile sets config's negotiable TLS version range.
func ApplyVersionProfile(config *tls.Config, profile VersionProfile) {
	config.MinVersion = profile.Min
	config.MaxVersion = profile.Max
}

// ApplyCipherSuites sets the TLS 1.2 cipher suite preference. Ignored once
// TLS 1.3 is negotiated, which picks its own suites.
func ApplyCipherSuites(config *tls.Config) {
	config.CipherSuites = secureCipherSuites
}

// NewClientConfig builds a tls.Config for a DoH provider connection,
// pinned to serverName (the provider's own hostname, never the client's
// destination SNI).
func NewClientConfig(serverName string, profile VersionProfile) *tls.Config {
	cfg := &tls.Config{ServerName: serverName}
	ApplyVersionProfile(cfg, profile)
	ApplyCipherSuites(cfg)
	return cfg
}

// VersionName returns a human-readable name for a negotiated TLS version,
// used in debug logging.
func VersionName(version uint16) string {
	switch version {
	case tls.VersionTLS12:
		return "TLS 1.2"
	case tls.VersionTLS13:
		return "TLS 1.3"
	default:
		return "unknown"
	}
}
