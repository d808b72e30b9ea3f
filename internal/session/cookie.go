package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// cookieAAD binds ciphertexts to this usage so a blob encrypted elsewhere
// under the same key cannot be replayed as a session cookie.
const cookieAAD = "openauthd/session-cookie/v1"

// CookiePayload is the fixed structure carried by the session cookie.
// V mirrors the browser session's version at issuance; a stale V only
// signals out-of-date client state, it does not invalidate the cookie.
type CookiePayload struct {
	SID string `json:"sid"`
	TID string `json:"tid"`
	V   int    `json:"v"`
	IAT int64  `json:"iat"` // unix millis
}

// ParseCookieSecret decodes a 32-byte symmetric key given as 64 hex chars
// or as standard/URL-safe base64.
func ParseCookieSecret(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("session secret is empty")
	}
	if len(s) == 64 {
		if key, err := hex.DecodeString(s); err == nil {
			return key, nil
		}
	}
	for _, dec := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if key, err := dec.DecodeString(s); err == nil && len(key) == 32 {
			return key, nil
		}
	}
	return nil, fmt.Errorf("session secret must decode to 32 bytes (hex or base64)")
}

// CookieConfig carries the transport attributes of the session cookie.
type CookieConfig struct {
	Name     string        // default "oa_session"
	Domain   string        // set only when configured
	Lifetime time.Duration // Max-Age source
}

// CookieCodec authenticated-encrypts the cookie payload with AES-256-GCM.
type CookieCodec struct {
	aead cipher.AEAD
	cfg  CookieConfig
}

// NewCookieCodec builds a codec from a 32-byte key.
func NewCookieCodec(key []byte, cfg CookieConfig) (*CookieCodec, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("cookie key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM mode: %w", err)
	}
	if cfg.Name == "" {
		cfg.Name = "oa_session"
	}
	return &CookieCodec{aead: aead, cfg: cfg}, nil
}

// Encrypt seals the payload. The random nonce is prepended to the
// ciphertext; output is base64url.
func (c *CookieCodec) Encrypt(payload CookiePayload) (string, error) {
	plain, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode cookie payload: %w", err)
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, plain, []byte(cookieAAD))
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a cookie value. It returns nil on any failure (decode,
// authentication tag, or structural validation) without distinguishing
// which check failed.
func (c *CookieCodec) Decrypt(value string) *CookiePayload {
	sealed, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil
	}
	if len(sealed) < c.aead.NonceSize() {
		return nil
	}
	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]

	plain, err := c.aead.Open(nil, nonce, ciphertext, []byte(cookieAAD))
	if err != nil {
		return nil
	}

	var payload CookiePayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return nil
	}
	if payload.SID == "" || payload.TID == "" || payload.V < 1 || payload.IAT <= 0 {
		return nil
	}
	return &payload
}

// Cookie wraps an encrypted value in the configured cookie attributes.
func (c *CookieCodec) Cookie(value string) *http.Cookie {
	cookie := &http.Cookie{
		Name:     c.cfg.Name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(c.cfg.Lifetime / time.Second),
	}
	if c.cfg.Domain != "" {
		cookie.Domain = c.cfg.Domain
	}
	return cookie
}

// ClearCookie expires the session cookie on the client.
func (c *CookieCodec) ClearCookie() *http.Cookie {
	cookie := c.Cookie("")
	cookie.MaxAge = -1
	return cookie
}

// Name returns the configured cookie name.
func (c *CookieCodec) Name() string { return c.cfg.Name }
