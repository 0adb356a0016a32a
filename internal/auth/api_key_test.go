package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAPIKey(t *testing.T) {
	plain, hash, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(plain, KeyPrefix))
	assert.NotEqual(t, plain, hash)
	assert.NoError(t, CheckAPIKey(hash, plain))
	assert.Error(t, CheckAPIKey(hash, plain+"x"))

	other, _, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, plain, other)
}

func TestKeyVerifier_Plain(t *testing.T) {
	v := NewKeyVerifier("s3cret", "")
	assert.True(t, v.Enabled())
	assert.True(t, v.Verify("s3cret"))
	assert.False(t, v.Verify("s3cre"))
	assert.False(t, v.Verify(""))
}

func TestKeyVerifier_Hash(t *testing.T) {
	plain, hash, err := GenerateAPIKey()
	require.NoError(t, err)
	v := NewKeyVerifier("", hash)

	assert.True(t, v.Verify(plain))
	assert.Len(t, v.accepted, 1)
	assert.True(t, v.Verify(plain))
	assert.False(t, v.Verify("sg_wrong"))
	assert.Len(t, v.accepted, 1)
}

func TestKeyVerifier_Disabled(t *testing.T) {
	v := NewKeyVerifier("", "")
	assert.False(t, v.Enabled())
	assert.False(t, v.Verify("anything"))
}
