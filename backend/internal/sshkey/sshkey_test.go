package sshkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"dbcopier/backend/internal/types"
)

func writeKey(t *testing.T, passphrase string) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(priv, "test")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "test", []byte(passphrase))
	}
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return path
}

func TestCheck(t *testing.T) {
	plain := writeKey(t, "")
	assert.NoError(t, Check(plain, ""))

	encrypted := writeKey(t, "hunter2")
	assert.NoError(t, Check(encrypted, "hunter2"))

	err := Check(encrypted, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "passphrase is required")

	assert.Error(t, Check(encrypted, "wrong"))
	assert.Error(t, Check(filepath.Join(t.TempDir(), "missing"), ""))

	garbage := filepath.Join(t.TempDir(), "garbage")
	require.NoError(t, os.WriteFile(garbage, []byte("not a key"), 0o600))
	assert.Error(t, Check(garbage, ""))
}

func TestCheckConfig(t *testing.T) {
	cfg := types.Config{
		SourceDB: types.DatabaseConfig{SSHConfig: &types.SSHConfig{AuthType: types.AuthPassword, Password: "x"}},
		TargetDB: types.DatabaseConfig{SSHConfig: &types.SSHConfig{
			AuthType: types.AuthPrivateKey, PrivateKeyPath: writeKey(t, ""),
		}},
	}
	assert.NoError(t, CheckConfig(cfg))

	cfg.TargetDB.SSHConfig.PrivateKeyPath = filepath.Join(t.TempDir(), "nope")
	err := CheckConfig(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrValidation))

	var e *types.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "target_db.ssh.private_key_path", e.Field)
}
