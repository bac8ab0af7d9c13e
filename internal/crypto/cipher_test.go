package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := LoadOrCreateKey(t.TempDir())
	require.NoError(t, err)
	return key
}

func TestCipher_RoundTrip(t *testing.T) {
	c, err := NewCipher(testKey(t), "episodic")
	require.NoError(t, err)

	plaintext := []byte(`{"task_type":"deploy","success":true}`)
	ct, nonce, err := c.Seal(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, string(plaintext), ct)

	got, err := c.Open(ct, nonce)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestCipher_TamperedCiphertextFails(t *testing.T) {
	c, err := NewCipher(testKey(t), "episodic")
	require.NoError(t, err)

	ct, nonce, err := c.Seal([]byte("secret content"))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(ct)
	require.NoError(t, err)
	raw[0] ^= 0xFF
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = c.Open(tampered, nonce)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestCipher_TierKeysDiffer(t *testing.T) {
	key := testKey(t)
	episodic, err := NewCipher(key, "episodic")
	require.NoError(t, err)
	semantic, err := NewCipher(key, "semantic")
	require.NoError(t, err)

	ct, nonce, err := episodic.Seal([]byte("episode"))
	require.NoError(t, err)

	// The same master key with a different tier label must not decrypt.
	_, err = semantic.Open(ct, nonce)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestCipher_GarbageInputsFail(t *testing.T) {
	c, err := NewCipher(testKey(t), "episodic")
	require.NoError(t, err)

	_, err = c.Open("not base64 !!!", "bm9uY2U=")
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = c.Open("YWJjZGVm", "c2hvcnQ=")
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestNewCipher_RejectsBadKeySize(t *testing.T) {
	_, err := NewCipher([]byte("short"), "episodic")
	assert.Error(t, err)
}
