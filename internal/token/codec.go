package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/keygate/keygate/internal/crypto"
)

// Token use values carried in the token_use claim.
const (
	UseAccess  = "access"
	UseRefresh = "refresh"
	UseID      = "id"
)

// DefaultLeeway tolerates modest clock skew between issuer and verifier.
const DefaultLeeway = 30 * time.Second

// Claims is the full claim set minted into access, refresh, and ID tokens.
// Unused fields are omitted from the serialized token.
type Claims struct {
	jwt.RegisteredClaims

	ClientID    string   `json:"client_id,omitempty"`
	Scope       string   `json:"scope,omitempty"`
	Username    string   `json:"username,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	TokenUse    string   `json:"token_use,omitempty"`

	// OIDC claims, ID tokens only
	Nonce         string `json:"nonce,omitempty"`
	AuthTime      int64  `json:"auth_time,omitempty"`
	AZP           string `json:"azp,omitempty"`
	Email         string `json:"email,omitempty"`
	EmailVerified *bool  `json:"email_verified,omitempty"`
	GivenName     string `json:"given_name,omitempty"`
	FamilyName    string `json:"family_name,omitempty"`
	Name          string `json:"name,omitempty"`
}

// Codec mints and verifies RS256 JWTs against a single signing key.
type Codec struct {
	issuer   string
	audience string
	signer   *crypto.Signer
	leeway   time.Duration
}

// NewCodec creates a Codec bound to the issuer identity and API audience.
func NewCodec(issuer, audience string, signer *crypto.Signer) *Codec {
	return &Codec{
		issuer:   issuer,
		audience: audience,
		signer:   signer,
		leeway:   DefaultLeeway,
	}
}

// Issuer returns the issuer URL minted into tokens.
func (c *Codec) Issuer() string {
	return c.issuer
}

// AccessParams describe an access or refresh token to mint.
type AccessParams struct {
	Subject     string // user ID, or client ID for client_credentials
	ClientID    string
	Scope       string
	Username    string
	Permissions []string
	TTL         time.Duration
}

// Minted is the result of minting a token.
type Minted struct {
	Token     string
	JTI       string
	ExpiresAt time.Time
}

// MintAccessToken mints an RS256 access token with a fresh UUIDv7-free jti.
func (c *Codec) MintAccessToken(p AccessParams) (*Minted, error) {
	return c.mint(&Claims{
		ClientID:    p.ClientID,
		Scope:       p.Scope,
		Username:    p.Username,
		Permissions: p.Permissions,
		TokenUse:    UseAccess,
	}, p.Subject, []string{c.audience}, p.TTL)
}

// MintRefreshToken mints an RS256 refresh token. Refresh tokens carry no
// permissions; they are exchanged, never presented to resource servers.
func (c *Codec) MintRefreshToken(p AccessParams) (*Minted, error) {
	return c.mint(&Claims{
		ClientID: p.ClientID,
		Scope:    p.Scope,
		TokenUse: UseRefresh,
	}, p.Subject, []string{c.audience}, p.TTL)
}

// IDParams describe an OIDC ID token to mint. The audience is the client.
type IDParams struct {
	Subject       string
	ClientID      string
	Nonce         string
	AuthTime      time.Time
	Username      string
	Email         string
	EmailVerified *bool
	GivenName     string
	FamilyName    string
	TTL           time.Duration
}

// MintIDToken mints an OIDC ID token addressed to the requesting client.
func (c *Codec) MintIDToken(p IDParams) (*Minted, error) {
	claims := &Claims{
		TokenUse:      UseID,
		Nonce:         p.Nonce,
		AZP:           p.ClientID,
		Username:      p.Username,
		Email:         p.Email,
		EmailVerified: p.EmailVerified,
		GivenName:     p.GivenName,
		FamilyName:    p.FamilyName,
	}
	if !p.AuthTime.IsZero() {
		claims.AuthTime = p.AuthTime.Unix()
	}
	if p.GivenName != "" || p.FamilyName != "" {
		claims.Name = joinName(p.GivenName, p.FamilyName)
	}
	return c.mint(claims, p.Subject, []string{p.ClientID}, p.TTL)
}

func (c *Codec) mint(claims *Claims, subject string, audience []string, ttl time.Duration) (*Minted, error) {
	now := time.Now()
	jti := uuid.NewString()
	expiresAt := now.Add(ttl)

	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    c.issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings(audience),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        jti,
	}

	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	t.Header["kid"] = c.signer.KeyID()

	signed, err := t.SignedString(c.signer.Key())
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &Minted{Token: signed, JTI: jti, ExpiresAt: expiresAt}, nil
}

// Verify parses and validates an access or refresh token: RS256 only,
// issuer and API audience pinned, expiry checked with leeway. Returns the
// claims on success. Blacklist and persistence checks are the caller's job.
func (c *Codec) Verify(tokenString string) (*Claims, error) {
	claims := new(Claims)
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) {
			return c.signer.PublicKey(), nil
		},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
		jwt.WithLeeway(c.leeway),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("verify token: missing jti")
	}
	return claims, nil
}

func joinName(given, family string) string {
	switch {
	case given == "":
		return family
	case family == "":
		return given
	default:
		return given + " " + family
	}
}
