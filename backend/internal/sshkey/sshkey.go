// Package sshkey checks that SSH private keys referenced by a config can be used.
package sshkey

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"

	"dbcopier/backend/internal/types"
)

// readKeyFile 读取密钥文件并展开 '~'
func readKeyFile(path string) ([]byte, error) {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(homeDir, path[1:])
	}
	return os.ReadFile(path)
}

// Check parses the key at path, using passphrase when one is given.
func Check(path, passphrase string) error {
	raw, err := readKeyFile(path)
	if err != nil {
		return fmt.Errorf("read private key: %w", err)
	}
	if passphrase != "" {
		_, err = ssh.ParsePrivateKeyWithPassphrase(raw, []byte(passphrase))
	} else {
		_, err = ssh.ParsePrivateKey(raw)
	}
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		return errors.New("private key is encrypted; a passphrase is required")
	}
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}
	return nil
}

// CheckConfig validates every private_key SSH setting of cfg and reports the first
// unusable key as a validation error on its field.
func CheckConfig(cfg types.Config) error {
	for _, side := range []struct {
		field string
		db    types.DatabaseConfig
	}{{"source_db", cfg.SourceDB}, {"target_db", cfg.TargetDB}} {
		sc := side.db.SSHConfig
		if sc == nil || sc.AuthType != types.AuthPrivateKey {
			continue
		}
		if err := Check(sc.PrivateKeyPath, sc.Passphrase); err != nil {
			return &types.Error{
				Kind:    types.KindValidation,
				Field:   side.field + ".ssh.private_key_path",
				Message: err.Error(),
				Err:     err,
			}
		}
	}
	return nil
}
