package session_test

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"testing"
	"time"

	"github.com/openauthd/openauthd/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func newCodec(t *testing.T, key []byte) *session.CookieCodec {
	t.Helper()
	codec, err := session.NewCookieCodec(key, session.CookieConfig{
		Name:     "oa_session",
		Lifetime: 7 * 24 * time.Hour,
	})
	require.NoError(t, err)
	return codec
}

func TestCookie_RoundTrip(t *testing.T) {
	codec := newCodec(t, testKey(t))
	payload := session.CookiePayload{SID: "sid-1", TID: "acme", V: 3, IAT: 1700000000000}

	value, err := codec.Encrypt(payload)
	require.NoError(t, err)

	got := codec.Decrypt(value)
	require.NotNil(t, got)
	assert.Equal(t, payload, *got)
}

func TestCookie_WrongKeyReturnsNil(t *testing.T) {
	c1 := newCodec(t, testKey(t))
	c2 := newCodec(t, testKey(t))

	value, err := c1.Encrypt(session.CookiePayload{SID: "s", TID: "t", V: 1, IAT: 1})
	require.NoError(t, err)

	assert.Nil(t, c2.Decrypt(value))
}

func TestCookie_TamperedCiphertextReturnsNil(t *testing.T) {
	codec := newCodec(t, testKey(t))
	value, err := codec.Encrypt(session.CookiePayload{SID: "s", TID: "t", V: 1, IAT: 1})
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(value)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	assert.Nil(t, codec.Decrypt(base64.RawURLEncoding.EncodeToString(raw)))

	// Garbage inputs fail the same way.
	assert.Nil(t, codec.Decrypt("not-base64!!"))
	assert.Nil(t, codec.Decrypt(""))
}

func TestCookie_StructuralValidation(t *testing.T) {
	codec := newCodec(t, testKey(t))

	cases := []session.CookiePayload{
		{SID: "", TID: "t", V: 1, IAT: 1},
		{SID: "s", TID: "", V: 1, IAT: 1},
		{SID: "s", TID: "t", V: 0, IAT: 1},
		{SID: "s", TID: "t", V: 1, IAT: 0},
	}
	for _, payload := range cases {
		value, err := codec.Encrypt(payload)
		require.NoError(t, err)
		assert.Nil(t, codec.Decrypt(value), "payload %+v must fail structural validation", payload)
	}
}

func TestCookie_Attributes(t *testing.T) {
	codec := newCodec(t, testKey(t))
	cookie := codec.Cookie("value")

	assert.Equal(t, "oa_session", cookie.Name)
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	assert.Equal(t, "/", cookie.Path)
	assert.Equal(t, int(7*24*time.Hour/time.Second), cookie.MaxAge)
	assert.Empty(t, cookie.Domain, "domain only when configured")

	cleared := codec.ClearCookie()
	assert.Equal(t, -1, cleared.MaxAge)
}

func TestParseCookieSecret(t *testing.T) {
	key := testKey(t)

	fromHex, err := session.ParseCookieSecret(hex.EncodeToString(key))
	require.NoError(t, err)
	assert.Equal(t, key, fromHex)

	fromB64, err := session.ParseCookieSecret(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)
	assert.Equal(t, key, fromB64)

	_, err = session.ParseCookieSecret("")
	assert.Error(t, err)
	_, err = session.ParseCookieSecret("tooshort")
	assert.Error(t, err)
}
