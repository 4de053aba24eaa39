// Package session owns access/refresh token state per session and
// guarantees at most one concurrent refresh per session.
package session

import "slices"

// Session is the in-memory credential set for one API session. Sessions are
// never persisted; they are re-derived via refresh or re-login.
type Session struct {
	UID          string
	UserID       string
	AccessToken  string
	RefreshToken string
	Scopes       []string
}

// Authenticated reports whether the session is bound to a user, as opposed
// to an unauthenticated client session with limited scopes.
func (s Session) Authenticated() bool {
	return s.UserID != ""
}

func (s Session) HasScope(scope string) bool {
	return slices.Contains(s.Scopes, scope)
}
