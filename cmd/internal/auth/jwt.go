package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// minJWTSecretBytes is the HS256 key length floor.
const minJWTSecretBytes = 32

// supabaseClaims is the subset of a Supabase access token used here.
type supabaseClaims struct {
	jwt.RegisteredClaims
	Role        string         `json:"role,omitempty"`
	AppMetadata map[string]any `json:"app_metadata,omitempty"`
}

// JWTAuthenticator verifies HS256 tokens whose subject is a user uuid.
type JWTAuthenticator struct {
	secret   []byte
	audience string
	issuer   string
	skew     time.Duration
	roles    roles
	now      func() time.Time
}

// NewJWTAuthenticator constructs a JWTAuthenticator. The secret must be at
// least 32 bytes.
func NewJWTAuthenticator(cfg Config) (*JWTAuthenticator, error) {
	if len(cfg.JWTSecret) < minJWTSecretBytes {
		return nil, ErrConfig
	}
	return &JWTAuthenticator{
		secret:   []byte(cfg.JWTSecret),
		audience: strings.TrimSpace(cfg.JWTAudience),
		issuer:   strings.TrimSpace(cfg.Issuer),
		skew:     cfg.ClockSkew,
		roles:    normalizeRoles(cfg.AdminRoles),
		now:      time.Now,
	}, nil
}

func (a *JWTAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	raw := BearerToken(r)
	if raw == "" {
		return Identity{}, ErrUnauthenticated
	}
	return a.Verify(raw)
}

// Verify checks signature, expiry, audience and issuer, and maps claims to an Identity.
func (a *JWTAuthenticator) Verify(raw string) (Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.skew),
		jwt.WithTimeFunc(a.now),
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims supabaseClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}

	sub, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}

	role := claims.Role
	if v, ok := claims.AppMetadata["role"].(string); ok && strings.TrimSpace(v) != "" {
		role = v
	}
	return Identity{UserID: sub.String(), Role: role, Privileged: a.roles.privileged(role)}, nil
}
