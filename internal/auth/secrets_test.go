// SPDX-License-Identifier: MIT

package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAPIKeyFormat(t *testing.T) {
	raw, digest, err := GenerateAPIKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(raw, "sms_"))
	assert.Len(t, raw, len("sms_")+64)
	assert.True(t, LooksLikeAPIKey(raw))
	assert.Equal(t, HashSecret(raw), digest)

	// Two keys never collide.
	raw2, _, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, raw, raw2)
}

func TestLooksLikeAPIKeyRejectsMalformed(t *testing.T) {
	assert.False(t, LooksLikeAPIKey(""))
	assert.False(t, LooksLikeAPIKey("sms_short"))
	assert.False(t, LooksLikeAPIKey(strings.Repeat("a", 68)))
}

func TestGenerateDeviceToken(t *testing.T) {
	token, err := GenerateDeviceToken()
	require.NoError(t, err)
	assert.Len(t, token, 64)
}

func TestGeneratePairCode(t *testing.T) {
	raw, digest, prefix, err := GeneratePairCode()
	require.NoError(t, err)

	assert.Len(t, raw, 24)
	assert.Equal(t, raw[:6], prefix)
	assert.Equal(t, HashSecret(raw), digest)
	assert.NotContains(t, raw, "+")
	assert.NotContains(t, raw, "/")
}

func TestKeyLast4(t *testing.T) {
	assert.Equal(t, "wxyz", KeyLast4("sms_abcwxyz"))
	assert.Equal(t, "ab", KeyLast4("ab"))
}

func TestSecureCompare(t *testing.T) {
	assert.True(t, SecureCompare("secret", "secret"))
	assert.False(t, SecureCompare("secret", "Secret"))
	assert.False(t, SecureCompare("secret", ""))
}
