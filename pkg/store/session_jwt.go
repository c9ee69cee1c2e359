package store

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenRevoked = errors.New("token revoked")
	errNoSigningKey = errors.New("jwt store has no signing key")
)

// JWTConfig configures RS256 access tokens.
type JWTConfig struct {
	KeyID    string
	TTL      time.Duration
	Issuer   string
	Audience string
	Leeway   time.Duration
	// Previous maps retired kids to public keys still accepted for
	// verification during rotation.
	Previous map[string]*rsa.PublicKey
}

type sessionClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWTSessionStore signs and verifies access tokens and publishes a JWKS.
type JWTSessionStore struct {
	cfg       JWTConfig
	signer    *rsa.PrivateKey
	verifiers map[string]*rsa.PublicKey
	revoker   TokenRevoker
}

// NewJWTSessionStore builds a store around an RSA key. revoker may be nil.
func NewJWTSessionStore(key *rsa.PrivateKey, cfg JWTConfig, revoker TokenRevoker) (*JWTSessionStore, error) {
	if key == nil {
		return nil, errNoSigningKey
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)
	if cfg.KeyID == "" {
		cfg.KeyID = "whatsgonow-active"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		cfg.Issuer = "whatsgonow-auth"
	}
	if strings.TrimSpace(cfg.Audience) == "" {
		cfg.Audience = "whatsgonow-api"
	}
	if cfg.Leeway <= 0 {
		cfg.Leeway = 30 * time.Second
	}
	verifiers := map[string]*rsa.PublicKey{cfg.KeyID: &key.PublicKey}
	for kid, pub := range cfg.Previous {
		kid = strings.TrimSpace(kid)
		if kid != "" && pub != nil && kid != cfg.KeyID {
			verifiers[kid] = pub
		}
	}
	return &JWTSessionStore{cfg: cfg, signer: key, verifiers: verifiers, revoker: revoker}, nil
}

// LoadRSAKeys reads the active private key and any retired public keys
// (kid -> PEM path) from disk.
func LoadRSAKeys(privatePath string, previous map[string]string) (*rsa.PrivateKey, map[string]*rsa.PublicKey, error) {
	key, err := readPrivateKey(privatePath)
	if err != nil {
		return nil, nil, fmt.Errorf("load jwt private key: %w", err)
	}
	pubs := make(map[string]*rsa.PublicKey, len(previous))
	for kid, path := range previous {
		pub, err := readPublicKey(strings.TrimSpace(path))
		if err != nil {
			return nil, nil, fmt.Errorf("load verify key %q: %w", kid, err)
		}
		pubs[kid] = pub
	}
	return key, pubs, nil
}

// GenerateRSAKey returns a fresh 2048-bit key for dev setups and tests.
func GenerateRSAKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}

func (s *JWTSessionStore) TTL() time.Duration { return s.cfg.TTL }

func (s *JWTSessionStore) NewSession(userID, email string) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(s.cfg.TTL)
	jti := make([]byte, 12)
	if _, err := rand.Read(jti); err != nil {
		return "", time.Time{}, err
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, sessionClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        hex.EncodeToString(jti),
			Subject:   userID,
			Issuer:    s.cfg.Issuer,
			Audience:  jwt.ClaimStrings{s.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	tok.Header["kid"] = s.cfg.KeyID
	signed, err := tok.SignedString(s.signer)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// GetUserIDByToken verifies the signature, registered claims and both
// revocation lists.
func (s *JWTSessionStore) GetUserIDByToken(token string) (string, bool, error) {
	claims, err := s.parse(token)
	if err != nil {
		return "", false, err
	}
	if s.revoker != nil {
		revoked, err := s.revoker.IsRevoked(claims.ID)
		if err != nil {
			return "", false, err
		}
		if revoked {
			return "", false, ErrTokenRevoked
		}
		if ur, ok := s.revoker.(UserTokenRevoker); ok {
			cutoff, err := ur.RevokedAfter(claims.Subject)
			if err != nil {
				return "", false, err
			}
			// Second resolution iat: a token minted in the same second as
			// the cutoff is treated as revoked.
			if !cutoff.IsZero() && !claims.IssuedAt.Time.After(cutoff) {
				return "", false, ErrTokenRevoked
			}
		}
	}
	return claims.Subject, true, nil
}

// DeleteSession revokes the token's jti for its remaining lifetime. Invalid
// tokens are ignored.
func (s *JWTSessionStore) DeleteSession(token string) error {
	if s.revoker == nil {
		return nil
	}
	claims, err := s.parse(token)
	if err != nil {
		return nil
	}
	return s.revoker.Revoke(claims.ID, time.Until(claims.ExpiresAt.Time))
}

func (s *JWTSessionStore) RevokeUserSessions(userID string, since time.Time) error {
	ur, ok := s.revoker.(UserTokenRevoker)
	if !ok {
		return errors.New("revoker does not support per-user cutoffs")
	}
	return ur.RevokeUser(userID, since)
}

func (s *JWTSessionStore) JWKS() []JWK {
	kids := make([]string, 0, len(s.verifiers))
	for kid := range s.verifiers {
		kids = append(kids, kid)
	}
	sort.Strings(kids)
	out := make([]JWK, 0, len(kids))
	for _, kid := range kids {
		pub := s.verifiers[kid]
		out = append(out, JWK{
			Kty: "RSA",
			Use: "sig",
			Kid: kid,
			Alg: jwt.SigningMethodRS256.Alg(),
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	return out
}

func (s *JWTSessionStore) parse(token string) (*sessionClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("empty token")
	}
	claims := &sessionClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		pub, ok := s.verifiers[strings.TrimSpace(kid)]
		if !ok {
			return nil, fmt.Errorf("unknown kid %q", kid)
		}
		return pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(s.cfg.Audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(s.cfg.Leeway),
	)
	if err != nil {
		return nil, err
	}
	if claims.ID == "" || claims.Subject == "" || claims.IssuedAt == nil {
		return nil, errors.New("token missing jti, sub or iat")
	}
	return claims, nil
}

func readPrivateKey(path string) (*rsa.PrivateKey, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	k, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not rsa")
	}
	return k, nil
}

func readPublicKey(path string) (*rsa.PublicKey, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}
	if parsed, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		if pub, ok := parsed.(*rsa.PublicKey); ok {
			return pub, nil
		}
		return nil, errors.New("public key is not rsa")
	}
	if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
		if pub, ok := cert.PublicKey.(*rsa.PublicKey); ok {
			return pub, nil
		}
	}
	return nil, errors.New("no rsa public key in pem")
}

func readPEM(path string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	return block, nil
}
