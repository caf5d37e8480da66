package domain

import "time"

// CredentialRecord holds the delegated OAuth credential for one connected
// principal. The token manager is the only writer; it is deleted only on an
// explicit disconnect.
type CredentialRecord struct {
	PrincipalID       string
	AccessToken       string
	AccessTokenExpiry time.Time
	RefreshToken      string
	Scope             string
	TokenType         string
	// ReauthRequired marks a refresh secret the authority terminally
	// rejected. Set by the token manager, cleared when new credentials are
	// stored; while set the proactive sweep skips the principal.
	ReauthRequired bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Expired reports whether the access token is unusable at the given instant.
// An unknown expiry counts as already expired.
func (c CredentialRecord) Expired(now time.Time) bool {
	return c.AccessTokenExpiry.IsZero() || !now.Before(c.AccessTokenExpiry)
}

// ExpiresWithin reports whether the access token expires inside the margin.
func (c CredentialRecord) ExpiresWithin(now time.Time, margin time.Duration) bool {
	return c.AccessTokenExpiry.IsZero() || c.AccessTokenExpiry.Sub(now) < margin
}

// ConnectionState is the health-monitor state for one principal.
type ConnectionState string

const (
	StateUnknown        ConnectionState = "unknown"
	StateHealthy        ConnectionState = "healthy"
	StateExpiringSoon   ConnectionState = "expiring_soon"
	StateRefreshing     ConnectionState = "refreshing"
	StateFailed         ConnectionState = "failed"
	StateNeedsReconnect ConnectionState = "needs_manual_reconnection"
)

// Terminal reports whether the state requires owner action to leave.
func (s ConnectionState) Terminal() bool {
	return s == StateNeedsReconnect
}

// TokenGrant is what the authorization authority returns from a refresh
// exchange. RefreshToken is empty when the authority did not rotate it.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
	TokenType    string
}
