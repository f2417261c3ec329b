package sshconfig

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
Host bastion
    HostName 10.0.0.5
    User ops
    Port 2222
    IdentityFile /keys/bastion

Host db-jump db-jump-alt
    HostName jump.internal

Host *.corp
    User corp

Host *
    User fallback
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	return path
}

func TestLoadHosts(t *testing.T) {
	hosts, err := LoadHosts(writeConfig(t))
	require.NoError(t, err)

	aliases := make([]string, len(hosts))
	for i, h := range hosts {
		aliases[i] = h.Alias
	}
	assert.Equal(t, []string{"bastion", "db-jump", "db-jump-alt"}, aliases)

	assert.Equal(t, Host{Alias: "bastion", HostName: "10.0.0.5", User: "ops", Port: 2222, IdentityFile: "/keys/bastion"}, hosts[0])
	// 通配符块提供默认用户
	assert.Equal(t, "fallback", hosts[1].User)
	assert.Equal(t, 22, hosts[1].Port)
}

func TestLoadHosts_MissingFile(t *testing.T) {
	hosts, err := LoadHosts(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, hosts)
}

func TestLookup(t *testing.T) {
	path := writeConfig(t)

	h, err := Lookup(path, "db-jump-alt")
	require.NoError(t, err)
	assert.Equal(t, "jump.internal", h.HostName)

	_, err = Lookup(path, "unknown")
	assert.True(t, errors.Is(err, ErrHostNotFound))
}

func TestParse_BadPort(t *testing.T) {
	_, err := Parse(strings.NewReader("Host x\n  Port abc\n"))
	assert.ErrorContains(t, err, "invalid port")
}
