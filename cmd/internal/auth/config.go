package auth

import (
	"fmt"
	"strings"
	"time"
)

// Modes accepted by New.
const (
	ModeHeader = "header"
	ModeJWT    = "jwt"
	ModePaseto = "paseto"
)

// Config selects and configures an Authenticator.
type Config struct {
	Mode string

	JWTSecret   string
	JWTAudience string

	PasetoPublicKeyHex string

	// Issuer is enforced when non-empty.
	Issuer    string
	ClockSkew time.Duration

	// AdminRoles are the roles treated as privileged (case-insensitive).
	AdminRoles []string
}

// DefaultConfig returns header mode with the usual staff roles privileged.
func DefaultConfig() Config {
	return Config{
		Mode:       ModeHeader,
		ClockSkew:  30 * time.Second,
		AdminRoles: []string{"admin", "supervisor"},
	}
}

// New builds the Authenticator selected by cfg.Mode.
func New(cfg Config) (Authenticator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "", ModeHeader:
		return NewHeaderAuthenticator(cfg.AdminRoles), nil
	case ModeJWT:
		a, err := NewJWTAuthenticator(cfg)
		if err != nil {
			return nil, fmt.Errorf("jwt: %w (secret must be at least %d bytes)", err, minJWTSecretBytes)
		}
		return a, nil
	case ModePaseto:
		a, err := NewPasetoAuthenticator(cfg)
		if err != nil {
			return nil, fmt.Errorf("paseto: %w (public key must be hex encoded)", err)
		}
		return a, nil
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrConfig, cfg.Mode)
	}
}
