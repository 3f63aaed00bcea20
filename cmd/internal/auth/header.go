package auth

import (
	"net/http"
	"strings"
)

const (
	HeaderUserID   = "X-User-Id"
	HeaderUserRole = "X-User-Role"
)

// HeaderAuthenticator trusts the caller-supplied user id. Only use it in
// development or behind a proxy that sets these headers itself.
type HeaderAuthenticator struct {
	roles roles
}

// NewHeaderAuthenticator constructs a HeaderAuthenticator.
func NewHeaderAuthenticator(adminRoles []string) *HeaderAuthenticator {
	return &HeaderAuthenticator{roles: normalizeRoles(adminRoles)}
}

func (a *HeaderAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if userID == "" {
		userID = strings.TrimSpace(r.URL.Query().Get("userId"))
	}
	if userID == "" {
		return Identity{}, ErrUnauthenticated
	}

	role := strings.TrimSpace(r.Header.Get(HeaderUserRole))
	if role == "" {
		role = strings.TrimSpace(r.URL.Query().Get("role"))
	}
	return Identity{UserID: userID, Role: role, Privileged: a.roles.privileged(role)}, nil
}
