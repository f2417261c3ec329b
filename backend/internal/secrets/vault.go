// Package secrets keeps database and SSH credentials in the OS keychain so the
// engine only ever stores configs with blank secrets.
package secrets

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"

	"dbcopier/backend/internal/types"
)

// 钥匙串服务名
const Service = "DBCopier"

const (
	sideSource = "source"
	sideTarget = "target"

	fieldPassword      = "password"
	fieldSSHPassword   = "ssh_password"
	fieldSSHPassphrase = "ssh_passphrase"
)

var fields = []string{fieldPassword, fieldSSHPassword, fieldSSHPassphrase}

// Vault stores secrets under account "<config>/<side>/<field>".
type Vault struct {
	service string
}

func NewVault() *Vault {
	return &Vault{service: Service}
}

func account(config, side, field string) string {
	return config + "/" + side + "/" + field
}

// Blank returns a copy of cfg with every secret field emptied. The keychain is
// not touched.
func (v *Vault) Blank(cfg types.Config) types.Config {
	out := cfg.Clone()
	for _, db := range []*types.DatabaseConfig{&out.SourceDB, &out.TargetDB} {
		db.Password = ""
		if db.SSHConfig != nil {
			db.SSHConfig.Password = ""
			db.SSHConfig.Passphrase = ""
		}
	}
	return out
}

// Stash writes every secret of cfg into the keychain. Empty secrets are removed
// from the keychain.
func (v *Vault) Stash(cfg types.Config) error {
	if err := v.stashDB(cfg.Name, sideSource, cfg.SourceDB); err != nil {
		return err
	}
	return v.stashDB(cfg.Name, sideTarget, cfg.TargetDB)
}

func (v *Vault) stashDB(name, side string, db types.DatabaseConfig) error {
	if err := v.put(account(name, side, fieldPassword), db.Password); err != nil {
		return err
	}
	var sshPassword, sshPassphrase string
	if db.SSHConfig != nil {
		sshPassword, sshPassphrase = db.SSHConfig.Password, db.SSHConfig.Passphrase
	}
	if err := v.put(account(name, side, fieldSSHPassword), sshPassword); err != nil {
		return err
	}
	return v.put(account(name, side, fieldSSHPassphrase), sshPassphrase)
}

// Fill puts the stored secrets back into a loaded config. Fields that already
// carry a value are left alone.
func (v *Vault) Fill(cfg types.Config) (types.Config, error) {
	out := cfg.Clone()
	if err := v.fillDB(cfg.Name, sideSource, &out.SourceDB); err != nil {
		return types.Config{}, err
	}
	if err := v.fillDB(cfg.Name, sideTarget, &out.TargetDB); err != nil {
		return types.Config{}, err
	}
	return out, nil
}

func (v *Vault) fillDB(name, side string, db *types.DatabaseConfig) error {
	if db.Password == "" {
		s, err := v.get(account(name, side, fieldPassword))
		if err != nil {
			return err
		}
		db.Password = s
	}
	if db.SSHConfig == nil {
		return nil
	}
	if db.SSHConfig.Password == "" {
		s, err := v.get(account(name, side, fieldSSHPassword))
		if err != nil {
			return err
		}
		db.SSHConfig.Password = s
	}
	if db.SSHConfig.Passphrase == "" {
		s, err := v.get(account(name, side, fieldSSHPassphrase))
		if err != nil {
			return err
		}
		db.SSHConfig.Passphrase = s
	}
	return nil
}

// Forget removes every secret stored for a config name.
func (v *Vault) Forget(name string) error {
	var errs []error
	for _, side := range []string{sideSource, sideTarget} {
		for _, f := range fields {
			if err := v.put(account(name, side, f), ""); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (v *Vault) put(acct, secret string) error {
	if secret == "" {
		// 删除前先检查，部分平台找不到条目时会报错
		if _, err := keyring.Get(v.service, acct); err == nil {
			if err := keyring.Delete(v.service, acct); err != nil {
				return vaultError(acct, err)
			}
		}
		return nil
	}
	if err := keyring.Set(v.service, acct, secret); err != nil {
		return vaultError(acct, err)
	}
	return nil
}

func (v *Vault) get(acct string) (string, error) {
	s, err := keyring.Get(v.service, acct)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", vaultError(acct, err)
	}
	return s, nil
}

func vaultError(acct string, err error) error {
	return &types.Error{
		Kind:    types.KindPersistence,
		Op:      "keyring",
		Message: fmt.Sprintf("keychain entry %s: %v", acct, err),
		Err:     err,
	}
}
