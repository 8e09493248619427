package federation

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fluxorio/fedclient/pkg/txtypes"
)

// moduleClaims binds a federation request to the module instance that
// issued it, so a guardian can authorize module-scoped calls without the
// client having to pass its instance id as a plain request field (and
// without a compromised module being able to forge another instance's
// identity, since the signature covers the claim).
type moduleClaims struct {
	jwt.RegisteredClaims
	ModuleInstanceID txtypes.ModuleInstanceID `json:"module_instance_id"`
}

// TokenGenerator signs short-lived module-scoped JWTs the NATS client
// attaches to every request. Mirrors the shape of the web auth package's
// JWTConfig, but generates tokens instead of verifying them — this client
// has no inbound requests to authenticate.
type TokenGenerator struct {
	secretKey []byte
	issuer    string
	ttl       time.Duration
}

// NewTokenGenerator builds a generator signing HS256 tokens with
// secretKey. ttl defaults to 30 seconds when zero.
func NewTokenGenerator(secretKey []byte, issuer string, ttl time.Duration) (*TokenGenerator, error) {
	if len(secretKey) == 0 {
		return nil, fmt.Errorf("federation: token generator requires a non-empty secret key")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &TokenGenerator{secretKey: secretKey, issuer: issuer, ttl: ttl}, nil
}

// Sign produces a token authorizing one request on behalf of instance.
func (g *TokenGenerator) Sign(instance txtypes.ModuleInstanceID) (string, error) {
	now := time.Now()
	claims := moduleClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    g.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
		},
		ModuleInstanceID: instance,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(g.secretKey)
}
