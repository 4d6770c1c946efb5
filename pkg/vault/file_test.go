package vault

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVault_EncryptFile_RoundTrip(t *testing.T) {
	v := testVault(t)
	path := filepath.Join(t.TempDir(), "secrets.yml")
	content := []byte("db_password: hunter2\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	require.NoError(t, v.EncryptFile(path, "default"))

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, IsEnvelope(onDisk))
	assert.NotContains(t, string(onDisk), "hunter2")

	// Encrypting an already-encrypted file is refused.
	require.Error(t, v.EncryptFile(path, "default"))

	plaintext, err := v.ViewFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, plaintext)

	require.NoError(t, v.DecryptFile(path))
	onDisk, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, onDisk)
}

func TestLoadVarsFile_WholeFileEncrypted(t *testing.T) {
	v := testVault(t)
	path := filepath.Join(t.TempDir(), "vault.yml")
	require.NoError(t, os.WriteFile(path, []byte("api_token: abc123\nport: 5432\n"), 0o600))
	require.NoError(t, v.EncryptFile(path, "default"))

	vars, err := LoadVarsFile(path, v)
	require.NoError(t, err)
	assert.Equal(t, "abc123", vars["api_token"])
	assert.Equal(t, 5432, vars["port"])
}

func TestLoadVarsFile_InlineValues(t *testing.T) {
	v := testVault(t)

	snippet, err := v.EncryptString("db_password", []byte("hunter2"), "default")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(snippet, "db_password: !vault |"))

	content := "plain: value\n" + snippet
	path := filepath.Join(t.TempDir(), "mixed.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	vars, err := LoadVarsFile(path, v)
	require.NoError(t, err)
	assert.Equal(t, "value", vars["plain"])
	assert.Equal(t, "hunter2", vars["db_password"])
}

func TestLoadVarsFile_InlineWithoutIdentity(t *testing.T) {
	v := testVault(t)
	snippet, err := v.EncryptString("secret", []byte("x"), "default")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "vault.yml")
	require.NoError(t, os.WriteFile(path, []byte(snippet), 0o600))

	_, err = LoadVarsFile(path, New())
	require.Error(t, err)
}
