package internal

import (
	"net/http"
	"time"
)

// RetrievalRequest is one external call into the engine
type RetrievalRequest struct {
	URL           string `json:"url"`
	CorrelationID string `json:"correlation_id"`
	// PlatformHint is optional; it is inferred from the URL shape when empty
	PlatformHint string `json:"platform_hint,omitempty"`
}

// ResolvedMedia is a direct, fetchable media URL produced by a strategy.
// Media URLs expire quickly upstream, so it is consumed immediately and never cached.
type ResolvedMedia struct {
	DirectURL   string    `json:"direct_url"`
	ContentType string    `json:"content_type,omitempty"`
	Strategy    string    `json:"strategy"`
	ResolvedAt  time.Time `json:"resolved_at"`
	// Shortcode is used to name the output file
	Shortcode string `json:"shortcode,omitempty"`
}

// RetrievedFile is valid only until its owning Workspace is released
type RetrievedFile struct {
	Path      string `json:"path"`
	SizeBytes uint64 `json:"size_bytes"`
	Strategy  string `json:"strategy"`
}

// Credentials are the upstream login credentials
type Credentials struct {
	Username string
	Password string
}

// IsZero reports whether no credentials are configured
func (c Credentials) IsZero() bool {
	return c.Username == "" && c.Password == ""
}

// SessionState is the health state of the upstream session
type SessionState int

const (
	SessionLoggedOut SessionState = iota
	SessionLoggingIn
	SessionAuthenticated
	SessionInvalid
)

// String returns the string representation of the session state
func (s SessionState) String() string {
	switch s {
	case SessionLoggedOut:
		return "LoggedOut"
	case SessionLoggingIn:
		return "LoggingIn"
	case SessionAuthenticated:
		return "Authenticated"
	case SessionInvalid:
		return "Invalid"
	default:
		return "Unknown"
	}
}

// SessionHandle is a read-only snapshot of an authenticated session handed to strategies
type SessionHandle struct {
	Cookies    []*http.Cookie
	Username   string
	CSRFToken  string
	VerifiedAt time.Time
}

// Cookie returns the named cookie from the snapshot
func (h *SessionHandle) Cookie(name string) *http.Cookie {
	if h == nil {
		return nil
	}
	for _, c := range h.Cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}
