package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const keyID = "harbor-push-key-1"

// Signer mints admin tokens for operators and local testing
type Signer struct {
	privateKey *rsa.PrivateKey
	issuer     string
	audience   string
	now        func() time.Time
}

// NewSigner loads a PKCS1 PEM private key. An empty PEM generates a fresh
// key pair, whose public half is available from PublicKeyPEM.
func NewSigner(privateKeyPEM, issuer, audience string) (*Signer, error) {
	var key *rsa.PrivateKey
	if privateKeyPEM == "" {
		var err error
		key, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generate RSA key: %w", err)
		}
	} else {
		block, _ := pem.Decode([]byte(privateKeyPEM))
		if block == nil {
			return nil, fmt.Errorf("failed to decode PEM private key")
		}
		var err error
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
	}
	return &Signer{privateKey: key, issuer: issuer, audience: audience, now: time.Now}, nil
}

// PublicKeyPEM returns the PKIX PEM encoding for JWT_PUBLIC_KEY
func (s *Signer) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&s.privateKey.PublicKey)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// Sign issues a token for subject with the given scopes. A zero ttl means one hour.
func (s *Signer) Sign(subject string, ttl time.Duration, scopes ...string) (string, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if len(scopes) == 0 {
		scopes = []string{AdminScope}
	}
	now := s.now()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{
		Scope: strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	token.Header["kid"] = keyID

	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
