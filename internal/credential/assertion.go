package credential

import (
	"crypto/rsa"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ParsePrivateKey decodes a PEM encoded RSA key (PKCS#1 or PKCS#8).
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	if len(data) == 0 {
		return nil, ErrNoSigningKey
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// signAssertion builds the app JWT exchanged for an installation token.
func (i *Issuer) signAssertion() (string, error) {
	i.mu.RLock()
	key := i.key
	i.mu.RUnlock()

	if key == nil {
		return "", &Error{Op: "sign", Err: ErrNoSigningKey}
	}
	if i.appID == "" {
		return "", &Error{Op: "sign", Err: ErrNoAppID}
	}

	now := i.now()
	claims := jwt.RegisteredClaims{
		Issuer:    i.appID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.assertionTTL)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", &Error{Op: "sign", Err: err}
	}
	return signed, nil
}
