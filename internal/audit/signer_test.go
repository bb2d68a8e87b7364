package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHMACSigner_SignAndVerify(t *testing.T) {
	s, err := NewHMACSigner(testSecret)
	require.NoError(t, err)

	sig, err := s.Sign([]byte("hash"))
	require.NoError(t, err)
	assert.Len(t, sig, 64)
	require.NoError(t, s.Verify([]byte("hash"), sig))
	require.ErrorIs(t, s.Verify([]byte("other"), sig), ErrBadSignature)
	require.ErrorIs(t, s.Verify([]byte("hash"), "zz"), ErrBadSignature)

	other, err := NewHMACSigner([]byte("a-completely-different-secret"))
	require.NoError(t, err)
	require.ErrorIs(t, other.Verify([]byte("hash"), sig), ErrBadSignature)
	assert.NotEqual(t, s.KeyID(), other.KeyID())
}

func TestHMACSigner_RejectsShortSecret(t *testing.T) {
	_, err := NewHMACSigner([]byte("short"))
	require.Error(t, err)
}

func TestEd25519Signer_VerifyOnlyCopy(t *testing.T) {
	s, err := NewEd25519SignerFromSecret(testSecret)
	require.NoError(t, err)

	sig, err := s.Sign([]byte("hash"))
	require.NoError(t, err)
	assert.Len(t, sig, 128)

	v, err := NewEd25519Verifier(s.PublicKey())
	require.NoError(t, err)
	require.NoError(t, v.Verify([]byte("hash"), sig))
	require.ErrorIs(t, v.Verify([]byte("tampered"), sig), ErrBadSignature)

	_, err = v.Sign([]byte("hash"))
	require.Error(t, err)
	assert.Equal(t, s.KeyID(), v.KeyID())
}

func TestEd25519Signer_Deterministic(t *testing.T) {
	a, err := NewEd25519SignerFromSecret(testSecret)
	require.NoError(t, err)
	b, err := NewEd25519SignerFromSecret(testSecret)
	require.NoError(t, err)
	assert.Equal(t, a.PublicKey(), b.PublicKey())
}
