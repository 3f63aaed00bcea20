package auth

import (
	"net/http"
	"slices"
	"strings"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Role   string
	// Privileged callers may read and change other users' presence.
	Privileged bool
}

// Authenticator resolves an Identity from a request.
// It returns ErrUnauthenticated when no credentials are present and
// ErrInvalidToken when credentials are present but rejected.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// roles decides which role names are privileged.
type roles []string

func (rs roles) privileged(role string) bool {
	role = strings.ToLower(strings.TrimSpace(role))
	return role != "" && slices.Contains(rs, role)
}

func normalizeRoles(in []string) roles {
	out := make(roles, 0, len(in))
	for _, r := range in {
		r = strings.ToLower(strings.TrimSpace(r))
		if r != "" && !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	return out
}

// BearerToken extracts a token from the Authorization header or, failing that,
// from the token/access_token query parameters.
func BearerToken(r *http.Request) string {
	if raw := strings.TrimSpace(r.Header.Get("Authorization")); raw != "" {
		parts := strings.SplitN(raw, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			if tok := strings.TrimSpace(parts[1]); tok != "" {
				return tok
			}
		}
	}
	q := r.URL.Query()
	if tok := strings.TrimSpace(q.Get("token")); tok != "" {
		return tok
	}
	return strings.TrimSpace(q.Get("access_token"))
}
