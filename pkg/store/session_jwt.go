package store

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"navidai/internal/util"
)

const (
	defaultJWTIssuer   = "navid-api"
	defaultJWTAudience = "navid-web"
	jwtLeeway          = 30 * time.Second
)

// JWTSessionStore issues RS256-signed session tokens. Logout revokes the
// token id until the token's own expiry.
type JWTSessionStore struct {
	ttl      time.Duration
	revoker  TokenRevoker
	signer   *rsa.PrivateKey
	keyID    string
	issuer   string
	audience string
	now      func() time.Time
}

// NewJWTSessionStoreFromPEM loads a PKCS#1 or PKCS#8 RSA private key.
func NewJWTSessionStoreFromPEM(privateKeyPath, keyID, issuer, audience string, ttl time.Duration, revoker TokenRevoker) (*JWTSessionStore, error) {
	key, err := loadRSAPrivateKey(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load jwt private key: %w", err)
	}
	return NewJWTSessionStore(key, keyID, issuer, audience, ttl, revoker), nil
}

// NewJWTSessionStore builds a store around an already-parsed key.
func NewJWTSessionStore(key *rsa.PrivateKey, keyID, issuer, audience string, ttl time.Duration, revoker TokenRevoker) *JWTSessionStore {
	if strings.TrimSpace(keyID) == "" {
		keyID = "session-active"
	}
	if strings.TrimSpace(issuer) == "" {
		issuer = defaultJWTIssuer
	}
	if strings.TrimSpace(audience) == "" {
		audience = defaultJWTAudience
	}
	return &JWTSessionStore{
		ttl:      ttl,
		revoker:  revoker,
		signer:   key,
		keyID:    keyID,
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
	}
}

// NewSession signs a token whose subject is the user ID.
func (s *JWTSessionStore) NewSession(userID string) (string, error) {
	now := s.now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    s.issuer,
		Audience:  jwt.ClaimStrings{s.audience},
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ID:        util.NewID(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.keyID
	signed, err := token.SignedString(s.signer)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return signed, nil
}

// GetUserIDByToken verifies the token. Invalid, expired or revoked tokens
// resolve to no user; only revoker backend failures are errors.
func (s *JWTSessionStore) GetUserIDByToken(token string) (string, bool, error) {
	claims, ok := s.verify(token)
	if !ok {
		return "", false, nil
	}
	if s.revoker != nil {
		revoked, err := s.revoker.IsRevoked(claims.ID)
		if err != nil {
			return "", false, err
		}
		if revoked {
			return "", false, nil
		}
	}
	return claims.Subject, true, nil
}

// DeleteSession revokes the token until it expires.
func (s *JWTSessionStore) DeleteSession(token string) error {
	claims, ok := s.verify(token)
	if !ok || s.revoker == nil || claims.ExpiresAt == nil {
		return nil
	}
	return s.revoker.Revoke(claims.ID, claims.ExpiresAt.Sub(s.now()))
}

func (s *JWTSessionStore) verify(token string) (jwt.RegisteredClaims, bool) {
	claims := jwt.RegisteredClaims{}
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, false
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if kid, _ := t.Header["kid"].(string); kid != s.keyID {
			return nil, errors.New("unknown token key")
		}
		return &s.signer.PublicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(jwtLeeway),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return claims, false
	}
	if claims.ID == "" || strings.TrimSpace(claims.Subject) == "" {
		return claims, false
	}
	return claims, true
}

func loadRSAPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not rsa")
	}
	return key, nil
}
