package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef-test"

func TestBearerToken(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{name: "header", header: "Bearer abc", want: "abc"},
		{name: "case insensitive", header: "bearer  abc ", want: "abc"},
		{name: "wrong scheme falls back", header: "Basic xyz", query: "token=q1", want: "q1"},
		{name: "token query", query: "token=q1", want: "q1"},
		{name: "access_token query", query: "access_token=q2", want: "q2"},
		{name: "none", want: ""},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodGet, "/ws?"+tc.query, nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			if got := BearerToken(r); got != tc.want {
				t.Fatalf("BearerToken=%q want=%q", got, tc.want)
			}
		})
	}
}

func TestHeaderAuthenticator(t *testing.T) {
	t.Parallel()

	a := NewHeaderAuthenticator([]string{"Admin"})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := a.Authenticate(r); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err=%v want ErrUnauthenticated", err)
	}

	r = httptest.NewRequest(http.MethodGet, "/ws?userId=u1", nil)
	id, err := a.Authenticate(r)
	if err != nil || id.UserID != "u1" || id.Privileged {
		t.Fatalf("unexpected identity=%+v err=%v", id, err)
	}

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(HeaderUserID, "boss")
	r.Header.Set(HeaderUserRole, "ADMIN")
	id, err = a.Authenticate(r)
	if err != nil || !id.Privileged {
		t.Fatalf("expected privileged identity, got %+v err=%v", id, err)
	}
}

func signJWT(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestJWTAuthenticator(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Mode = ModeJWT
	cfg.JWTSecret = testJWTSecret
	cfg.JWTAudience = "authenticated"

	a, err := NewJWTAuthenticator(cfg)
	if err != nil {
		t.Fatalf("NewJWTAuthenticator: %v", err)
	}

	sub := uuid.NewString()
	now := time.Now()

	good := signJWT(t, jwt.MapClaims{
		"sub":          sub,
		"aud":          "authenticated",
		"exp":          now.Add(time.Hour).Unix(),
		"role":         "authenticated",
		"app_metadata": map[string]any{"role": "supervisor"},
	})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+good)
	id, err := a.Authenticate(r)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.UserID != sub || id.Role != "supervisor" || !id.Privileged {
		t.Fatalf("unexpected identity: %+v", id)
	}

	bad := map[string]string{
		"expired":      signJWT(t, jwt.MapClaims{"sub": sub, "aud": "authenticated", "exp": now.Add(-time.Hour).Unix()}),
		"no exp":       signJWT(t, jwt.MapClaims{"sub": sub, "aud": "authenticated"}),
		"wrong aud":    signJWT(t, jwt.MapClaims{"sub": sub, "aud": "anon", "exp": now.Add(time.Hour).Unix()}),
		"non-uuid sub": signJWT(t, jwt.MapClaims{"sub": "agent-7", "aud": "authenticated", "exp": now.Add(time.Hour).Unix()}),
		"garbage":      "not.a.jwt",
	}
	for name, tok := range bad {
		if _, err := a.Verify(tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: err=%v want ErrInvalidToken", name, err)
		}
	}

	other, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub, "aud": "authenticated", "exp": now.Add(time.Hour).Unix(),
	}).SignedString([]byte(strings.Repeat("x", 40)))
	if _, err := a.Verify(other); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign signature: err=%v want ErrInvalidToken", err)
	}
}

func TestPasetoAuthenticator_RoundTrip(t *testing.T) {
	t.Parallel()

	secret := paseto.NewV4AsymmetricSecretKey()
	iss, err := NewPasetoIssuer(secret.ExportHex(), "helpdesk", time.Minute)
	if err != nil {
		t.Fatalf("NewPasetoIssuer: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Mode = ModePaseto
	cfg.Issuer = "helpdesk"
	cfg.PasetoPublicKeyHex = iss.PublicKeyHex()

	a, err := NewPasetoAuthenticator(cfg)
	if err != nil {
		t.Fatalf("NewPasetoAuthenticator: %v", err)
	}

	now := time.Now().UTC()
	r := httptest.NewRequest(http.MethodGet, "/ws?token="+iss.Issue("agent-1", "admin", now), nil)
	id, err := a.Authenticate(r)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.UserID != "agent-1" || !id.Privileged {
		t.Fatalf("unexpected identity: %+v", id)
	}

	expired := iss.Issue("agent-1", "", now.Add(-time.Hour))
	if _, err := a.Verify(expired); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired: err=%v want ErrInvalidToken", err)
	}

	wrongIssuer, _ := NewPasetoIssuer(secret.ExportHex(), "someone-else", time.Minute)
	if _, err := a.Verify(wrongIssuer.Issue("agent-1", "", now)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong issuer: err=%v want ErrInvalidToken", err)
	}
}

func TestNew_Modes(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	if _, err := New(cfg); err != nil {
		t.Fatalf("header mode: %v", err)
	}

	cfg.Mode = ModeJWT
	cfg.JWTSecret = "short"
	if _, err := New(cfg); !errors.Is(err, ErrConfig) {
		t.Fatalf("short secret: err=%v want ErrConfig", err)
	}

	cfg.Mode = ModePaseto
	cfg.PasetoPublicKeyHex = "zz"
	if _, err := New(cfg); !errors.Is(err, ErrConfig) {
		t.Fatalf("bad key: err=%v want ErrConfig", err)
	}

	cfg.Mode = "oauth"
	if _, err := New(cfg); !errors.Is(err, ErrConfig) {
		t.Fatalf("unknown mode: err=%v want ErrConfig", err)
	}
}
