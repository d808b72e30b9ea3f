package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// Role selects which key family a lookup targets. The two roles live under
// distinct storage prefixes and use different algorithms.
type Role string

const (
	RoleSigning    Role = "signing"
	RoleEncryption Role = "encryption"
)

const (
	// AlgSigning is ECDSA over P-256.
	AlgSigning = "ES256"
	// AlgEncryption is RSA-OAEP with SHA-512.
	AlgEncryption = "RSA-OAEP-512"
)

func (r Role) valid() bool {
	return r == RoleSigning || r == RoleEncryption
}

// KeyPair is a stored asymmetric key pair. Public and private are DER
// (PKIX and PKCS#8 respectively), base64-encoded by the JSON codec.
type KeyPair struct {
	ID      string `json:"id"`
	Alg     string `json:"alg"`
	Public  []byte `json:"public"`
	Private []byte `json:"private"`
	Created int64  `json:"created"`           // unix millis
	Expired int64  `json:"expired,omitempty"` // unix millis, 0 = never
}

// IsExpired reports whether the pair is past its expiry at now (millis).
func (k *KeyPair) IsExpired(now int64) bool {
	return k.Expired != 0 && now >= k.Expired
}

// Signer returns the private key as a crypto.Signer.
func (k *KeyPair) Signer() (crypto.Signer, error) {
	priv, err := x509.ParsePKCS8PrivateKey(k.Private)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %q: %w", k.ID, err)
	}
	signer, ok := priv.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key %q does not implement crypto.Signer", k.ID)
	}
	return signer, nil
}

// PublicKey returns the parsed public key.
func (k *KeyPair) PublicKey() (any, error) {
	pub, err := x509.ParsePKIXPublicKey(k.Public)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key %q: %w", k.ID, err)
	}
	return pub, nil
}

// JWK exports the public half. kid is the pair id; signing keys carry
// use=sig so JWKS consumers can filter.
func (k *KeyPair) JWK() (jose.JSONWebKey, error) {
	pub, err := k.PublicKey()
	if err != nil {
		return jose.JSONWebKey{}, err
	}
	jwk := jose.JSONWebKey{
		Key:       pub,
		KeyID:     k.ID,
		Algorithm: k.Alg,
	}
	if k.Alg == AlgSigning || k.Alg == AlgLegacy {
		jwk.Use = "sig"
	} else {
		jwk.Use = "enc"
	}
	return jwk, nil
}

// Thumbprint returns the RFC 7638 base64url SHA-256 thumbprint of the
// public key.
func (k *KeyPair) Thumbprint() (string, error) {
	pub, err := k.PublicKey()
	if err != nil {
		return "", err
	}
	jwk := jose.JSONWebKey{Key: pub}
	tp, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}

// generate creates a fresh pair for the role with the fixed primary id.
func generate(role Role, now int64) (*KeyPair, error) {
	switch role {
	case RoleSigning:
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		return encode(PrimaryKeyID, AlgSigning, priv, &priv.PublicKey, now)
	case RoleEncryption:
		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("failed to generate encryption key: %w", err)
		}
		return encode(PrimaryKeyID, AlgEncryption, priv, &priv.PublicKey, now)
	default:
		return nil, fmt.Errorf("unknown key role %q", role)
	}
}

func encode(id, alg string, priv, pub any, now int64) (*KeyPair, error) {
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to encode private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to encode public key: %w", err)
	}
	return &KeyPair{
		ID:      id,
		Alg:     alg,
		Public:  pubDER,
		Private: privDER,
		Created: now,
	}, nil
}
