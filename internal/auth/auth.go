package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Scopes granted to attached RPC clients.
const (
	ScopeNetwork     = "network"
	ScopeDataChannel = "dataChannel"
	ScopeIBGP        = "ibgp"
)

// AudiencePeer marks tokens minted for peer OPEN authentication.
const AudiencePeer = "ibgp"

// Claims is the verified identity the core consumes. Authorization beyond
// scope membership is the external auth collaborator's problem.
type Claims struct {
	Subject string
	Scopes  []string
}

// HasScope reports whether the claims grant a scope.
func (c Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Verifier turns a bearer token into claims. The production node uses the
// shared-secret implementation below; an external auth service can be
// substituted behind the same interface.
type Verifier interface {
	Verify(token string) (Claims, error)
}

type tokenClaims struct {
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// TokenService mints and verifies HMAC-signed tokens from the node's shared
// iBGP secret.
type TokenService struct {
	secret []byte
	issuer string
}

func NewTokenService(secret, issuer string) (*TokenService, error) {
	if secret == "" {
		return nil, fmt.Errorf("auth: secret is required")
	}
	return &TokenService{secret: []byte(secret), issuer: issuer}, nil
}

// MintPeerToken issues a token a neighbor presents in its OPEN.
func (t *TokenService) MintPeerToken(peerName string, ttl time.Duration) (string, error) {
	return t.mint(peerName, []string{ScopeIBGP}, AudiencePeer, ttl)
}

// MintClientToken issues an API token with the given scopes.
func (t *TokenService) MintClientToken(subject string, scopes []string, ttl time.Duration) (string, error) {
	return t.mint(subject, scopes, "", ttl)
}

func (t *TokenService) mint(subject string, scopes []string, audience string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims.
func (t *TokenService) Verify(token string) (Claims, error) {
	var claims tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("auth: %w", err)
	}
	if !parsed.Valid {
		return Claims{}, fmt.Errorf("auth: token is not valid")
	}
	return Claims{Subject: claims.Subject, Scopes: claims.Scopes}, nil
}

// VerifyPeer validates a peer OPEN token and returns the peer subject.
func (t *TokenService) VerifyPeer(token string) (string, error) {
	var claims tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithAudience(AudiencePeer))
	if err != nil {
		return "", fmt.Errorf("auth: %w", err)
	}
	if !parsed.Valid {
		return "", fmt.Errorf("auth: token is not valid")
	}
	return claims.Subject, nil
}
