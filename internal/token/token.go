// Package token implements the fleet's signed join-token scheme: a JWT
// with a fixed subject ("joinRoom") that binds a client to exactly one
// (room server, room, identity) tuple, per spec §3/§6.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// joinSubject is the fixed subject every join token MUST carry.
const joinSubject = "joinRoom"

// DefaultExpiry is the default token lifetime when GenerateOptions.Expiry
// is unset.
const DefaultExpiry = 1 * time.Minute

var (
	// ErrInvalid covers signature, parsing, and claim-shape failures.
	ErrInvalid = errors.New("invalid token")
	// ErrExpired is returned separately from ErrInvalid so callers can
	// tell "malformed" from "well-formed but expired" if they care to.
	ErrExpired = errors.New("token has expired")
)

// Claims is the token payload, per spec §3: a Token is
// {publicUrl, roomId, roomProperties?, clientId, clientProperties?, joinOnly?, exp}.
type Claims struct {
	PublicURL        string         `json:"publicUrl"`
	RoomID           string         `json:"roomId"`
	RoomProperties   map[string]any `json:"roomProperties,omitempty"`
	ClientID         string         `json:"clientId"`
	ClientProperties map[string]any `json:"clientProperties,omitempty"`
	JoinOnly         bool           `json:"joinOnly,omitempty"`

	jwt.RegisteredClaims
}

// GenerateOptions parameterizes GenerateToken.
type GenerateOptions struct {
	PublicURL        string
	RoomID           string
	RoomProperties   map[string]any
	ClientID         string
	ClientProperties map[string]any
	JoinOnly         bool
	// Expiry defaults to DefaultExpiry when zero.
	Expiry time.Duration
}

// Provider signs and verifies join tokens against a shared secret, per
// spec §9: "the token secret ... MUST be threaded explicitly into both
// Discovery and RoomServer rather than read ambiently elsewhere."
type Provider struct {
	secret []byte
	issuer string
}

// NewProvider builds a Provider from the shared secret and a stable
// issuer string (informational — verification keys only on subject and
// signature, per spec §3/§6).
func NewProvider(secret, issuer string) *Provider {
	return &Provider{secret: []byte(secret), issuer: issuer}
}

// Generate signs a new join token, per spec §4.3's generateToken.
func (p *Provider) Generate(opts GenerateOptions) (string, error) {
	expiry := opts.Expiry
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	now := time.Now()

	claims := Claims{
		PublicURL:        opts.PublicURL,
		RoomID:           opts.RoomID,
		RoomProperties:   opts.RoomProperties,
		ClientID:         opts.ClientID,
		ClientProperties: opts.ClientProperties,
		JoinOnly:         opts.JoinOnly,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.issuer,
			Subject:   joinSubject,
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Verify parses and validates tok, requiring an HMAC signing method and
// subject "joinRoom", per spec §4.2 step 2.
func (p *Provider) Verify(tok string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return p.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalid
	}
	if parsed == nil || !parsed.Valid {
		return nil, ErrInvalid
	}
	if claims.Subject != joinSubject {
		return nil, ErrInvalid
	}

	return claims, nil
}
