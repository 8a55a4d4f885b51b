package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Low iteration count keeps the tests fast; Open reads it from the envelope.
const testIterations = 1000

func TestSealOpenRoundTrip(t *testing.T) {
	sealed, err := seal("api-key-123", "hunter2", testIterations)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "api-key-123")

	got, err := Open(sealed, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "api-key-123", got)
}

func TestOpenWrongPassword(t *testing.T) {
	sealed, err := seal("api-key-123", "hunter2", testIterations)
	require.NoError(t, err)

	_, err = Open(sealed, "wrong")
	assert.ErrorContains(t, err, "decryption failed")
}

func TestSealRejectsEmpty(t *testing.T) {
	_, err := Seal("x", "")
	assert.Error(t, err)
	_, err = Seal("", "pw")
	assert.Error(t, err)
	_, err = Open([]byte(`{}`), "")
	assert.Error(t, err)
	_, err = Open([]byte(`{"version":9}`), "pw")
	assert.ErrorContains(t, err, "unsupported version")
}

func TestLoadSecret(t *testing.T) {
	got, err := LoadSecret(SecretConfig{Raw: "  raw  ", Path: "/nonexistent"})
	require.NoError(t, err)
	assert.Equal(t, "raw", got)

	_, err = LoadSecret(SecretConfig{})
	assert.ErrorIs(t, err, ErrNoSecret)

	sealed, err := seal("from-file", "pw", testIterations)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, sealed, 0o600))

	got, err = LoadSecret(SecretConfig{Path: path, Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "from-file", got)
}
