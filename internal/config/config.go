// Package config implements carrier's on-disk configuration: a
// world-readable config.toml holding everything except the device's
// identity secret, and a restricted secrets.toml holding that secret alone
// (spec's ambient stack has no config format of its own; this follows the
// split config/secrets model bamgate uses for its own device keys).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/kuuji/carrier/internal/dns"
	"github.com/kuuji/carrier/internal/identity"
)

// DefaultConfigDir is the system-wide config directory for carrierd.
const DefaultConfigDir = "/etc/carrier"

// secretsFileName is the name of the secrets file within the config directory.
const secretsFileName = "secrets.toml"

// defaultStunServer is used to discover a server-reflexive address when
// none is configured.
const defaultStunServer = "stun.l.google.com:19302"

// Config is carrierd's full configuration.
type Config struct {
	Device    DeviceConfig    `toml:"device"`
	Bootstrap BootstrapConfig `toml:"bootstrap"`
	STUN      STUNConfig      `toml:"stun"`
}

// DeviceConfig identifies this endpoint.
type DeviceConfig struct {
	// Name is a human-readable label for this device, used only in logs.
	Name string `toml:"name"`

	// Secret is this device's long-term identity secret (spec §3
	// "Identity"). Lives in secrets.toml only.
	Secret identity.Secret `toml:"secret"`

	// Shadow is the name this device publishes itself under on the broker
	// (spec §4.4's "publish ... under a shadow").
	Shadow string `toml:"shadow,omitempty"`
}

// BootstrapConfig configures DNS-based broker discovery (spec §6).
type BootstrapConfig struct {
	// Names overrides the well-known bootstrap TXT record names.
	Names []string `toml:"names,omitempty"`
}

// STUNConfig configures the one-shot reflexive address lookup
// (internal/endpoint's Builder.Dial) used to discover an Internet-category
// path candidate.
type STUNConfig struct {
	// Server is the STUN server's host:port. Empty uses the default.
	Server string `toml:"server,omitempty"`
}

// configFile is the TOML representation for config.toml (world-readable,
// no secrets).
type configFile struct {
	Device    devConfigFile   `toml:"device"`
	Bootstrap BootstrapConfig `toml:"bootstrap"`
	STUN      STUNConfig      `toml:"stun"`
}

type devConfigFile struct {
	Name   string `toml:"name"`
	Shadow string `toml:"shadow,omitempty"`
}

// secretsFile is the TOML representation for secrets.toml.
type secretsFile struct {
	Device devSecretsFile `toml:"device"`
}

type devSecretsFile struct {
	Secret identity.Secret `toml:"secret"`
}

func toConfigFile(cfg *Config) *configFile {
	return &configFile{
		Device: devConfigFile{
			Name:   cfg.Device.Name,
			Shadow: cfg.Device.Shadow,
		},
		Bootstrap: cfg.Bootstrap,
		STUN:      cfg.STUN,
	}
}

func toSecretsFile(cfg *Config) *secretsFile {
	return &secretsFile{
		Device: devSecretsFile{Secret: cfg.Device.Secret},
	}
}

func mergeSecrets(cfg *Config, s *secretsFile) {
	cfg.Device.Secret = s.Device.Secret
}

// DefaultConfig returns a Config populated with sensible defaults. The
// device name, shadow and identity secret are left empty and must be
// filled in by the caller (typically `carrierd keygen` followed by an
// edit of config.toml).
func DefaultConfig() *Config {
	return &Config{
		Bootstrap: BootstrapConfig{
			Names: append([]string(nil), dns.DefaultNames...),
		},
		STUN: STUNConfig{
			Server: defaultStunServer,
		},
	}
}

// DefaultConfigPath returns the default path for carrierd's config file.
func DefaultConfigPath() (string, error) {
	return filepath.Join(DefaultConfigDir, "config.toml"), nil
}

// DefaultSecretsPath returns the default path for carrierd's secrets file.
func DefaultSecretsPath() string {
	return filepath.Join(DefaultConfigDir, secretsFileName)
}

// SecretsPathFromConfig derives the secrets.toml path from a config.toml
// path, keeping secrets.toml alongside config.toml.
func SecretsPathFromConfig(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), secretsFileName)
}

// LoadConfig reads config.toml and secrets.toml, merging them into a
// single Config. If secrets.toml does not exist, the secret field is left
// at its zero value (useful for commands that only need non-secret
// fields). For those, prefer LoadPublicConfig.
func LoadConfig(path string) (*Config, error) {
	cfg, err := LoadPublicConfig(path)
	if err != nil {
		return nil, err
	}

	secretsPath := SecretsPathFromConfig(path)
	var sec secretsFile
	if _, err := toml.DecodeFile(secretsPath, &sec); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading secrets file %s: %w", secretsPath, err)
		}
	} else {
		mergeSecrets(cfg, &sec)
	}

	return cfg, nil
}

// LoadPublicConfig reads only config.toml, the world-readable, non-secret
// portion of the configuration.
func LoadPublicConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// SaveConfig writes both config.toml and secrets.toml to the directory
// containing path. Parent directories are created with mode 0755 if they
// don't exist.
//
// When running via sudo, both files are chowned to root:<invoking-user-gid>
// so the invoking user can read them without sudo:
//   - config.toml:  0644 (world-readable — no secrets)
//   - secrets.toml: 0640 (group-readable — contains the identity secret)
func SaveConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}
	if err := os.Chmod(dir, 0755); err != nil {
		return fmt.Errorf("setting directory permissions on %s: %w", dir, err)
	}

	if err := writeFile(path, 0644, toConfigFile(cfg)); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	applyUserOwnership(path)

	secretsPath := SecretsPathFromConfig(path)
	if err := writeFile(secretsPath, 0640, toSecretsFile(cfg)); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	applyUserOwnership(secretsPath)

	return nil
}

// SaveSecrets writes only the secrets.toml file for the given config path.
func SaveSecrets(configPath string, cfg *Config) error {
	secretsPath := SecretsPathFromConfig(configPath)
	if err := writeFile(secretsPath, 0640, toSecretsFile(cfg)); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	applyUserOwnership(secretsPath)
	return nil
}

// applyUserOwnership sets group ownership on a config file so the user who
// ran sudo can read it without elevation, via the SUDO_GID environment
// variable. Best-effort: errors are silently ignored since the file is
// already written and root can always access it.
func applyUserOwnership(path string) {
	if os.Getuid() != 0 {
		return
	}
	gidStr := os.Getenv("SUDO_GID")
	if gidStr == "" {
		return
	}
	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return
	}
	_ = os.Chown(path, 0, gid)
}

// writeFile encodes v as TOML and writes it to path with the given file
// mode, correcting permissions even if the file already existed with a
// different mode (os.WriteFile only applies mode on creation).
func writeFile(path string, mode os.FileMode, v interface{}) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("encoding TOML: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), mode); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", path, err)
	}
	return nil
}

// FixPermissions ensures the config directory and files have the correct
// permissions for the split config model. Call from commands that run as
// root to fix permissions left by an older version.
func FixPermissions(configPath string) error {
	dir := filepath.Dir(configPath)
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		if err := os.Chmod(dir, 0755); err != nil {
			return fmt.Errorf("setting directory permissions on %s: %w", dir, err)
		}
	}

	if _, err := os.Stat(configPath); err == nil {
		_ = os.Chmod(configPath, 0644)
		applyUserOwnership(configPath)
	}
	secretsPath := SecretsPathFromConfig(configPath)
	if _, err := os.Stat(secretsPath); err == nil {
		_ = os.Chmod(secretsPath, 0640)
		applyUserOwnership(secretsPath)
	}
	return nil
}

// applyDefaults fills in default values for optional fields left zero
// after TOML decoding.
func applyDefaults(cfg *Config) {
	if len(cfg.Bootstrap.Names) == 0 {
		cfg.Bootstrap.Names = append([]string(nil), dns.DefaultNames...)
	}
	if cfg.STUN.Server == "" {
		cfg.STUN.Server = defaultStunServer
	}
}
