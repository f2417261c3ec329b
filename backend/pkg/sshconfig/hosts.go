// Package sshconfig reads host aliases from an OpenSSH client config file
// (~/.ssh/config) so a tunnel can be filled in from an existing alias.
package sshconfig

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/kevinburke/ssh_config"
)

// Host 一个具名 Host 块解析后的连接参数
type Host struct {
	Alias        string `json:"alias"`
	HostName     string `json:"host_name"`
	User         string `json:"user"`
	Port         int    `json:"port"`
	IdentityFile string `json:"identity_file,omitempty"`
}

// ErrHostNotFound is returned by Lookup for an alias the file does not define.
var ErrHostNotFound = errors.New("ssh host alias not found")

// DefaultPath is ~/.ssh/config.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find user home directory: %w", err)
	}
	return filepath.Join(home, ".ssh", "config"), nil
}

// LoadHosts returns every concrete alias in path, sorted. A missing file yields no hosts.
func LoadHosts(path string) ([]Host, error) {
	cfg, err := decodeFile(path)
	if err != nil || cfg == nil {
		return []Host{}, err
	}
	return hosts(cfg)
}

// Parse is LoadHosts for an already opened config.
func Parse(r io.Reader) ([]Host, error) {
	cfg, err := ssh_config.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh config: %w", err)
	}
	return hosts(cfg)
}

// Lookup resolves one alias, applying wildcard blocks the way ssh does.
func Lookup(path, alias string) (Host, error) {
	cfg, err := decodeFile(path)
	if err != nil {
		return Host{}, err
	}
	if cfg == nil {
		return Host{}, fmt.Errorf("%w: %s", ErrHostNotFound, alias)
	}
	all, err := hosts(cfg)
	if err != nil {
		return Host{}, err
	}
	for _, h := range all {
		if h.Alias == alias {
			return h, nil
		}
	}
	return Host{}, fmt.Errorf("%w: %s", ErrHostNotFound, alias)
}

func decodeFile(path string) (*ssh_config.Config, error) {
	f, err := os.Open(expandHomeDir(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open ssh config file: %w", err)
	}
	defer f.Close()

	cfg, err := ssh_config.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh config file: %w", err)
	}
	return cfg, nil
}

func hosts(cfg *ssh_config.Config) ([]Host, error) {
	seen := make(map[string]struct{})
	out := []Host{}
	for _, block := range cfg.Hosts {
		for _, p := range block.Patterns {
			alias := p.String()
			// 只保留明确的别名，跳过通配符和否定模式
			if strings.ContainsAny(alias, "*?!") {
				continue
			}
			if _, dup := seen[alias]; dup {
				continue
			}
			seen[alias] = struct{}{}
			h, err := resolve(cfg, alias)
			if err != nil {
				return nil, err
			}
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out, nil
}

func resolve(cfg *ssh_config.Config, alias string) (Host, error) {
	hostName, _ := cfg.Get(alias, "HostName")
	user, _ := cfg.Get(alias, "User")
	port, _ := cfg.Get(alias, "Port")
	identityFile, _ := cfg.Get(alias, "IdentityFile")

	h := Host{Alias: alias, HostName: hostName, User: user, Port: 22}
	if h.HostName == "" {
		h.HostName = alias
	}
	if port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return Host{}, fmt.Errorf("host %s: invalid port %q", alias, port)
		}
		h.Port = n
	}
	if identityFile != "" {
		h.IdentityFile = expandHomeDir(identityFile)
	}
	return h, nil
}

func expandHomeDir(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
