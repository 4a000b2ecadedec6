package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	m, err := NewManager(t.TempDir(), "")
	require.NoError(t, err)

	plaintext := []byte(`{"offense":"misdemeanor"}`)
	sealed, err := m.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	opened, err := m.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestKeyPersistsAcrossManagers(t *testing.T) {
	dir := t.TempDir()
	m1, err := NewManager(dir, "")
	require.NoError(t, err)
	sealed, err := m1.Encrypt([]byte("payload"))
	require.NoError(t, err)

	m2, err := NewManager(dir, "")
	require.NoError(t, err)
	opened, err := m2.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), opened)
}

func TestPassphraseDerivation(t *testing.T) {
	m1, err := NewManager(t.TempDir(), "correct horse")
	require.NoError(t, err)
	m2, err := NewManager(t.TempDir(), "correct horse")
	require.NoError(t, err)

	sealed, err := m1.Encrypt([]byte("shared secret"))
	require.NoError(t, err)
	opened, err := m2.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("shared secret"), opened)

	m3, err := NewManager(t.TempDir(), "wrong phrase")
	require.NoError(t, err)
	_, err = m3.Decrypt(sealed)
	assert.Error(t, err)
}

func TestDecryptRejectsTruncated(t *testing.T) {
	m, err := NewManager(t.TempDir(), "")
	require.NoError(t, err)
	_, err = m.Decrypt([]byte("short"))
	assert.Error(t, err)
}
