package encryption

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() string {
	return base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
}

func TestTokenCipher_RoundTrip(t *testing.T) {
	c, err := NewTokenCipher(testKey())
	require.NoError(t, err)
	require.True(t, c.Enabled())

	sealed, err := c.Encrypt("APP_USR-123")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, sealedPrefix))
	assert.NotContains(t, sealed, "APP_USR-123")

	again, err := c.Encrypt("APP_USR-123")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ per call")

	plain, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "APP_USR-123", plain)
}

func TestTokenCipher_TamperDetected(t *testing.T) {
	c, err := NewTokenCipher(testKey())
	require.NoError(t, err)
	sealed, err := c.Encrypt("secret")
	require.NoError(t, err)

	raw, _ := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	raw[len(raw)-1] ^= 0xff
	_, err = c.Decrypt(sealedPrefix + base64.StdEncoding.EncodeToString(raw))
	assert.Error(t, err)
}

func TestTokenCipher_PassThroughAndLegacy(t *testing.T) {
	off, err := NewTokenCipher("")
	require.NoError(t, err)
	assert.False(t, off.Enabled())

	v, err := off.Encrypt("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", v)

	on, err := NewTokenCipher(testKey())
	require.NoError(t, err)
	v, err = on.Decrypt("legacy-plaintext")
	require.NoError(t, err)
	assert.Equal(t, "legacy-plaintext", v)

	sealed, _ := on.Encrypt("x-token")
	_, err = off.Decrypt(sealed)
	assert.Error(t, err)
}

func TestTokenCipher_Ptr(t *testing.T) {
	c, _ := NewTokenCipher(testKey())
	out, err := c.EncryptPtr(nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	s := "tok"
	sealed, err := c.EncryptPtr(&s)
	require.NoError(t, err)
	back, err := c.DecryptPtr(sealed)
	require.NoError(t, err)
	assert.Equal(t, "tok", *back)
}

func TestNewTokenCipher_BadKey(t *testing.T) {
	_, err := NewTokenCipher("not base64!!")
	assert.Error(t, err)
	_, err = NewTokenCipher(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "***", MaskToken("abc"))
	assert.Equal(t, "***6789", MaskToken("APP_USR-123456789"))
}
