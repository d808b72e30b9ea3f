package clients

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// SecretHasher defines the contract for client secret operations. The
// interface allows swapping the algorithm without touching the registry.
type SecretHasher interface {
	Hash(secret string) (string, error)
	Compare(hash, secret string) error
}

// Argon2Hasher implements SecretHasher with argon2id in the standard PHC
// string format, so hashes are self-describing and parameters can change
// without re-hashing the existing rows.
type Argon2Hasher struct {
	memory  uint32
	time    uint32
	threads uint8
	keyLen  uint32
	saltLen int
}

// NewArgon2Hasher creates a hasher with the RFC 9106 second recommended
// parameter set (64 MiB, 3 passes).
func NewArgon2Hasher() *Argon2Hasher {
	return &Argon2Hasher{
		memory:  64 * 1024,
		time:    3,
		threads: 4,
		keyLen:  32,
		saltLen: 16,
	}
}

// Hash returns the argon2id PHC string of the secret.
func (h *Argon2Hasher) Hash(secret string) (string, error) {
	salt := make([]byte, h.saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(secret), salt, h.time, h.memory, h.threads, h.keyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.time, h.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// ErrSecretMismatch is returned by Compare when the secret does not match.
var ErrSecretMismatch = fmt.Errorf("secret does not match hash")

// Compare checks the secret against a PHC-formatted hash. Returns nil on
// match, ErrSecretMismatch otherwise.
func (h *Argon2Hasher) Compare(hash, secret string) error {
	parts := strings.Split(hash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return fmt.Errorf("malformed argon2id hash")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return fmt.Errorf("malformed argon2id hash: %w", err)
	}
	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return fmt.Errorf("malformed argon2id hash: %w", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("malformed argon2id hash: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return fmt.Errorf("malformed argon2id hash: %w", err)
	}

	got := argon2.IDKey([]byte(secret), salt, time, memory, threads, uint32(len(want)))
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return ErrSecretMismatch
	}
	return nil
}

// NewSecret returns a fresh 256-bit client secret, base64url.
func NewSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
