package keys

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// AlgLegacy is the older RSA signature family still accepted for
// verification during migration.
const AlgLegacy = "RS256"

// legacyExpiredAt is a fixed past timestamp (2024-01-01T00:00:00Z, unix
// millis). Legacy pairs carry it so the manager never selects them for
// signing while JWKS consumers can still verify old tokens.
const legacyExpiredAt = int64(1704067200000)

// LoadLegacyRS256 parses a PEM-encoded RSA pair from an earlier
// deployment. The returned pair is marked expired: verification only.
func LoadLegacyRS256(kid string, privatePEM []byte) (*KeyPair, error) {
	block, _ := pem.Decode(privatePEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block from legacy key %q", kid)
	}

	var priv *rsa.PrivateKey
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		priv = k
	} else {
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse legacy key %q: %w", kid, err)
		}
		rsaKey, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("legacy key %q is not RSA", kid)
		}
		priv = rsaKey
	}

	pair, err := encode(kid, AlgLegacy, priv, &priv.PublicKey, legacyExpiredAt)
	if err != nil {
		return nil, err
	}
	pair.Created = legacyExpiredAt
	pair.Expired = legacyExpiredAt
	return pair, nil
}
