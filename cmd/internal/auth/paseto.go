package auth

import (
	"net/http"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// PasetoAuthenticator verifies v4.public tokens signed by the identity service.
type PasetoAuthenticator struct {
	issuer string
	skew   time.Duration
	public paseto.V4AsymmetricPublicKey
	roles  roles
	now    func() time.Time
}

// NewPasetoAuthenticator constructs a PasetoAuthenticator from a hex public key.
func NewPasetoAuthenticator(cfg Config) (*PasetoAuthenticator, error) {
	public, err := paseto.NewV4AsymmetricPublicKeyFromHex(cfg.PasetoPublicKeyHex)
	if err != nil {
		return nil, ErrConfig
	}
	return &PasetoAuthenticator{
		issuer: cfg.Issuer,
		skew:   cfg.ClockSkew,
		public: public,
		roles:  normalizeRoles(cfg.AdminRoles),
		now:    time.Now,
	}, nil
}

func (a *PasetoAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	raw := BearerToken(r)
	if raw == "" {
		return Identity{}, ErrUnauthenticated
	}
	return a.Verify(raw)
}

// Verify parses the token and maps uid/role claims to an Identity.
func (a *PasetoAuthenticator) Verify(raw string) (Identity, error) {
	// Validate slightly in the future so "nbf" tolerates clock differences.
	validAt := a.now().Add(a.skew)

	// Fresh parser per call; rules accumulate otherwise.
	p := paseto.NewParser()
	if a.issuer != "" {
		p.AddRule(paseto.IssuedBy(a.issuer))
	}
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(validAt))

	parsed, err := p.ParseV4Public(a.public, raw, nil)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}

	uid, err := parsed.GetString("uid")
	if err != nil || uid == "" {
		return Identity{}, ErrInvalidToken
	}
	role, _ := parsed.GetString("role")

	return Identity{UserID: uid, Role: role, Privileged: a.roles.privileged(role)}, nil
}

// PasetoIssuer signs v4.public tokens. Used by the smoke tool and tests; the
// server itself never issues tokens.
type PasetoIssuer struct {
	issuer string
	ttl    time.Duration
	secret paseto.V4AsymmetricSecretKey
}

// NewPasetoIssuer constructs an issuer from a hex secret key.
func NewPasetoIssuer(secretHex, issuer string, ttl time.Duration) (*PasetoIssuer, error) {
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(secretHex)
	if err != nil {
		return nil, ErrConfig
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &PasetoIssuer{issuer: issuer, ttl: ttl, secret: secret}, nil
}

// PublicKeyHex returns the verifying key for NewPasetoAuthenticator.
func (i *PasetoIssuer) PublicKeyHex() string {
	return i.secret.Public().ExportHex()
}

// Issue signs a token for userID with an optional role.
func (i *PasetoIssuer) Issue(userID, role string, now time.Time) string {
	tok := paseto.NewToken()
	if i.issuer != "" {
		tok.SetIssuer(i.issuer)
	}
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(now.Add(i.ttl))
	_ = tok.Set("uid", userID)
	if role != "" {
		_ = tok.Set("role", role)
	}
	return tok.V4Sign(i.secret, nil)
}
