package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for efv.
type Config struct {
	VaultID  string         `toml:"vault_id"`
	BaseDir  string         `toml:"base_dir"`
	LogDir   string         `toml:"log_dir"`
	Paths    PathsConfig    `toml:"paths"`
	KDF      KDFConfig      `toml:"kdf"`
	Naming   NamingConfig   `toml:"naming"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Snapshot SnapshotConfig `toml:"snapshot"`
}

// PathsConfig locates the two databases and the default directory for
// added files.
type PathsConfig struct {
	VaultDB  string `toml:"vault_db"`
	IndexDB  string `toml:"index_db"`
	FilesDir string `toml:"files_dir"`
}

// KDFConfig holds scrypt work factors (log2 N) per credential kind and the
// PBKDF2 iteration count for legacy containers. Zero values take the
// engine defaults.
type KDFConfig struct {
	RandomKeyWorkFactor int `toml:"random_key_work_factor,omitempty"`
	PasswordWorkFactor  int `toml:"password_work_factor,omitempty"`
	MaxWorkFactor       int `toml:"max_work_factor,omitempty"`
	LegacyIterations    int `toml:"legacy_iterations,omitempty"`
}

// NamingConfig controls vault file names for files added into a directory.
type NamingConfig struct {
	FilenameStyle string `toml:"filename_style"` // "human" or "id"
	IDLength      int    `toml:"id_length"`
}

// PipelineConfig sizes the streaming rotation pipeline.
type PipelineConfig struct {
	ChunkSize int `toml:"chunk_size,omitempty"`
	Depth     int `toml:"depth,omitempty"`
}

// SnapshotConfig represents where database snapshots are uploaded after
// mutating commands. This uses a tagged union pattern: Type decides which
// other fields are relevant.
type SnapshotConfig struct {
	Type string `toml:"type"` // "none", "memory", "filesystem" or "s3"

	// Filesystem-specific fields (only used when Type == "filesystem")
	Dir string `toml:"dir,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket string `toml:"s3_bucket,omitempty"`
	S3Prefix string `toml:"s3_prefix,omitempty"`
	S3Region string `toml:"s3_region,omitempty"`
	// S3Endpoint points at an S3-compatible service instead of AWS.
	S3Endpoint string `toml:"s3_endpoint,omitempty"`
	// Static credentials. When empty the default AWS credential chain is used.
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`
}

// NewConfig creates a new Config with the provided values and default
// paths under baseDir.
func NewConfig(vaultID, baseDir string) *Config {
	return &Config{
		VaultID: vaultID,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Paths: PathsConfig{
			VaultDB:  filepath.Join(baseDir, "db", "vault.db"),
			IndexDB:  filepath.Join(baseDir, "db", "index.db"),
			FilesDir: filepath.Join(baseDir, "files"),
		},
		Naming: NamingConfig{
			FilenameStyle: "human",
			IDLength:      20,
		},
		Snapshot: SnapshotConfig{
			Type: "filesystem",
			Dir:  filepath.Join(baseDir, "snapshots"),
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	if cfg.VaultID == "" {
		return nil, fmt.Errorf("reading config from %s: vault_id not set", path)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// The config names database locations, not keys, but stays private.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
