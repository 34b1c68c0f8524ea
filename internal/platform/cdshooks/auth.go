package cdshooks

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTokenTTL is the lifetime of a CDS client JWT. CDS Hooks 2.0 caps it at five minutes.
const DefaultTokenTTL = 5 * time.Minute

// TokenSigner issues the bearer JWT a CDS client presents to a CDS service:
// iss is the client, aud is the exact service URL, jti is unique per call.
type TokenSigner struct {
	issuer string
	keyID  string
	method jwt.SigningMethod
	key    interface{}
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenSigner parses a PEM private key. RSA keys sign with RS384; EC keys
// use the ES algorithm matching their curve (ES384 for P-384).
func NewTokenSigner(issuer, keyID string, keyPEM []byte) (*TokenSigner, error) {
	if rsaKey, err := jwt.ParseRSAPrivateKeyFromPEM(keyPEM); err == nil {
		return NewTokenSignerFromKey(issuer, keyID, rsaKey)
	}
	if ecKey, err := jwt.ParseECPrivateKeyFromPEM(keyPEM); err == nil {
		return NewTokenSignerFromKey(issuer, keyID, ecKey)
	}
	return nil, fmt.Errorf("jwt signing key must be a PEM encoded RSA or EC private key")
}

// NewTokenSignerFromKey builds a signer around an in-memory key.
func NewTokenSignerFromKey(issuer, keyID string, key interface{}) (*TokenSigner, error) {
	if issuer == "" {
		return nil, fmt.Errorf("jwt issuer is required")
	}
	s := &TokenSigner{issuer: issuer, keyID: keyID, key: key, ttl: DefaultTokenTTL, now: time.Now}
	switch k := key.(type) {
	case *rsa.PrivateKey:
		s.method = jwt.SigningMethodRS384
	case *ecdsa.PrivateKey:
		switch k.Curve.Params().BitSize {
		case 256:
			s.method = jwt.SigningMethodES256
		case 384:
			s.method = jwt.SigningMethodES384
		case 521:
			s.method = jwt.SigningMethodES512
		default:
			return nil, fmt.Errorf("unsupported ec curve %s", k.Curve.Params().Name)
		}
	default:
		return nil, fmt.Errorf("unsupported jwt signing key type %T", key)
	}
	return s, nil
}

// Algorithm returns the JWS alg used, e.g. "RS384".
func (s *TokenSigner) Algorithm() string {
	return s.method.Alg()
}

// Sign returns a compact JWT for audience.
func (s *TokenSigner) Sign(audience string) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   s.issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		ID:        uuid.NewString(),
	}
	tok := jwt.NewWithClaims(s.method, claims)
	if s.keyID != "" {
		tok.Header["kid"] = s.keyID
	}
	signed, err := tok.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign cds client jwt: %w", err)
	}
	return signed, nil
}
