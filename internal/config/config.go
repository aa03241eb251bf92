package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// vaultFileName is the optional per-vault settings file, resolved relative
// to the vault root. It currently carries extra ignore patterns only.
const vaultFileName = ".vaultmirror.yaml"

// Config holds all environment-based configuration for vaultmirror.
type Config struct {
	// Environment controls log format ("production" = JSON).
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Local vault directory to mirror. Required.
	VaultDir string `env:"VAULTMIRROR_VAULT_DIR"`

	// Directory for the metadata database. Defaults to ~/.vaultmirror.
	DataDir string `env:"VAULTMIRROR_DATA_DIR"`

	// Remote store endpoint and credentials. Required.
	RemoteURL   string `env:"VAULTMIRROR_REMOTE_URL"`
	RemoteToken string `env:"VAULTMIRROR_REMOTE_TOKEN"`

	// Remote folder prefixes. Vault files live under RemoteRoot; snapshots
	// are uploaded under SnapshotsRoot.
	RemoteRoot    string `env:"VAULTMIRROR_REMOTE_ROOT" envDefault:"/vault"`
	SnapshotsRoot string `env:"VAULTMIRROR_SNAPSHOTS_ROOT" envDefault:"/vault_snapshots"`

	// Optional at-rest content encryption. When the password is set the
	// salt is required too; content is encrypted before upload and
	// decrypted after download.
	EncryptionPassword string `env:"VAULTMIRROR_ENCRYPTION_PASSWORD"`
	EncryptionSalt     string `env:"VAULTMIRROR_ENCRYPTION_SALT"`

	// Scheduler and real-time settings.
	SyncInterval time.Duration `env:"VAULTMIRROR_SYNC_INTERVAL" envDefault:"5m"`
	AutoSync     bool          `env:"VAULTMIRROR_AUTO_SYNC" envDefault:"false"`
	Realtime     bool          `env:"VAULTMIRROR_REALTIME" envDefault:"false"`
	Debounce     time.Duration `env:"VAULTMIRROR_DEBOUNCE" envDefault:"2s"`

	// Deletion handling: when true, locally deleted files are purged from
	// the remote store without prompting.
	AutoConfirmDeletions bool `env:"VAULTMIRROR_AUTO_CONFIRM_DELETIONS" envDefault:"false"`

	// Extra ignore patterns on top of the built-in defaults.
	IgnorePatterns []string `env:"VAULTMIRROR_IGNORE" envSeparator:","`

	// Transfer worker pool size for full-sync execution.
	TransferWorkers int `env:"VAULTMIRROR_TRANSFER_WORKERS" envDefault:"4"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"VAULTMIRROR_DEVICE_NAME"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the remote token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars,
// then merges the optional per-vault settings file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "vaultmirror"
		}

		cfg.DeviceName = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve VaultDir to an absolute path at startup. The vault layer's
	// traversal checks rely on string prefix comparison, which only works
	// reliably with absolute paths.
	absVault, err := filepath.Abs(cfg.VaultDir)
	if err != nil {
		return nil, fmt.Errorf("resolving vault dir to absolute path: %w", err)
	}
	cfg.VaultDir = absVault

	if cfg.DataDir == "" {
		dataDir, err := DefaultDataDir()
		if err != nil {
			return nil, err
		}

		cfg.DataDir = dataDir
	} else {
		absData, err := filepath.Abs(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("resolving data dir to absolute path: %w", err)
		}

		cfg.DataDir = absData
	}

	if err := cfg.mergeVaultFile(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.VaultDir == "" {
		return fmt.Errorf("VAULTMIRROR_VAULT_DIR is required")
	}

	if c.RemoteURL == "" {
		return fmt.Errorf("VAULTMIRROR_REMOTE_URL is required")
	}

	if c.RemoteToken == "" {
		return fmt.Errorf("VAULTMIRROR_REMOTE_TOKEN is required")
	}

	if c.EncryptionPassword != "" && c.EncryptionSalt == "" {
		return fmt.Errorf("VAULTMIRROR_ENCRYPTION_SALT is required when an encryption password is set")
	}

	if c.SyncInterval < 10*time.Second {
		return fmt.Errorf("VAULTMIRROR_SYNC_INTERVAL must be at least 10s, got %s", c.SyncInterval)
	}

	if c.Debounce <= 0 {
		return fmt.Errorf("VAULTMIRROR_DEBOUNCE must be positive, got %s", c.Debounce)
	}

	if c.TransferWorkers < 1 {
		return fmt.Errorf("VAULTMIRROR_TRANSFER_WORKERS must be at least 1, got %d", c.TransferWorkers)
	}

	return nil
}

// vaultFile is the YAML shape of the optional per-vault settings file.
type vaultFile struct {
	Ignore []string `yaml:"ignore"`
}

// mergeVaultFile appends ignore patterns from <vault>/.vaultmirror.yaml
// when the file exists. A missing file is not an error.
func (c *Config) mergeVaultFile() error {
	path := filepath.Join(c.VaultDir, vaultFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("reading vault settings file: %w", err)
	}

	var vf vaultFile
	if err := yaml.Unmarshal(data, &vf); err != nil {
		return fmt.Errorf("parsing %s: %w", vaultFileName, err)
	}

	for _, p := range vf.Ignore {
		if p != "" {
			c.IgnorePatterns = append(c.IgnorePatterns, p)
		}
	}

	return nil
}

// DefaultDataDir returns the default metadata directory: ~/.vaultmirror/
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".vaultmirror"), nil
}

// EncryptionEnabled reports whether at-rest content encryption is configured.
func (c *Config) EncryptionEnabled() bool {
	return c.EncryptionPassword != ""
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
