package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// KeySet holds the RSA public key bearer tokens are verified against.
// Tokens are minted by the firm's identity provider.
type KeySet struct {
	publicKey *rsa.PublicKey
	kid       string
}

type JWKS struct {
	Keys []JWK `json:"keys"`
}

type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// NewKeySet wraps pub. The key id is derived from the modulus so that every
// replica advertises the same kid.
func NewKeySet(pub *rsa.PublicKey) (*KeySet, error) {
	if pub == nil {
		return nil, errors.New("missing public key")
	}
	return &KeySet{
		publicKey: pub,
		kid:       uuid.NewSHA1(uuid.NameSpaceOID, pub.N.Bytes()).String(),
	}, nil
}

// LoadKeySet reads a PEM encoded RSA public key.
func LoadKeySet(path string) (*KeySet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jwt public key: %w", err)
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("parse jwt public key %s: %w", path, err)
	}
	return NewKeySet(pub)
}

func (ks *KeySet) PublicKey() *rsa.PublicKey {
	if ks == nil {
		return nil
	}
	return ks.publicKey
}

func (ks *KeySet) KeyID() string { return ks.kid }

func (ks *KeySet) JWKS() (JWKS, error) {
	pub := ks.PublicKey()
	if pub == nil {
		return JWKS{}, errors.New("missing public key")
	}

	return JWKS{
		Keys: []JWK{rsaPublicJWK(ks.kid, pub)},
	}, nil
}

// JWKSHandler publishes the verification key for downstream services.
func (ks *KeySet) JWKSHandler(w http.ResponseWriter, r *http.Request) {
	set, err := ks.JWKS()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(set)
}

func rsaPublicJWK(kid string, pub *rsa.PublicKey) JWK {
	n := base64.RawURLEncoding.EncodeToString(pub.N.Bytes())

	// RFC7517: exponent is base64url-encoded big-endian.
	eBytes := big.NewInt(int64(pub.E)).Bytes()
	e := base64.RawURLEncoding.EncodeToString(eBytes)

	return JWK{
		Kty: "RSA",
		Use: "sig",
		Alg: "RS256",
		Kid: kid,
		N:   n,
		E:   e,
	}
}
