package config

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "securebackup"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "SECUREBACKUP_DATA_DIR"
	// DefaultListenPort is the TCP port used when no user override exists.
	DefaultListenPort = 1357
	// DefaultMaxPayloadSize bounds one request payload (10 MB).
	DefaultMaxPayloadSize = 10 * 1024 * 1024
	// DefaultMaxFileSize bounds the declared encrypted size of one file (1 GiB).
	DefaultMaxFileSize = 1 << 30
	// DefaultChunkSize is the ciphertext carried by one file chunk.
	DefaultChunkSize = 64 * 1024
	// DefaultIOTimeoutSeconds bounds one client exchange.
	DefaultIOTimeoutSeconds = 30

	serverConfigFileName = "server.json"
	clientConfigFileName = "client.json"
	identityFileName     = "me.json"
	privateKeyFileName   = "priv.pem"
)

// ServerConfig contains persistent server settings.
type ServerConfig struct {
	ListenPort         int    `json:"listen_port"`
	FilesDir           string `json:"files_dir"`
	MaxPayloadSize     uint32 `json:"max_payload_size"`
	MaxFileSize        uint32 `json:"max_file_size"`
	IdleTimeoutSeconds int    `json:"idle_timeout_seconds"`
	Advertise          bool   `json:"advertise"`
	InstanceName       string `json:"instance_name"`
}

// ClientConfig contains persistent client settings. An empty ServerAddress
// means the server is resolved through service discovery.
type ClientConfig struct {
	ServerAddress    string `json:"server_address"`
	ClientName       string `json:"client_name"`
	FilePath         string `json:"file_path"`
	ChunkSize        int    `json:"chunk_size"`
	IOTimeoutSeconds int    `json:"io_timeout_seconds"`
	IdentityPath     string `json:"identity_path"`
	PrivateKeyPath   string `json:"private_key_path"`
}

// Identity is the client's registered identity as stored in me.json.
type Identity struct {
	Name           string `json:"name"`
	ClientID       string `json:"client_id"`
	PrivateKeyPath string `json:"private_key_path"`
}

// ID parses the stored client id.
func (i *Identity) ID() (uuid.UUID, error) {
	id, err := uuid.Parse(i.ClientID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse client id %q: %w", i.ClientID, err)
	}
	return id, nil
}

// NewIdentity builds the stored form of an identity.
func NewIdentity(name string, id uuid.UUID, privateKeyPath string) *Identity {
	return &Identity{
		Name:           name,
		ClientID:       hex.EncodeToString(id[:]),
		PrivateKeyPath: privateKeyPath,
	}
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If SECUREBACKUP_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ServerConfigPath returns the full path to server.json for a data directory.
func ServerConfigPath(dataDir string) string {
	return filepath.Join(dataDir, serverConfigFileName)
}

// ClientConfigPath returns the full path to client.json for a data directory.
func ClientConfigPath(dataDir string) string {
	return filepath.Join(dataDir, clientConfigFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "files"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

func load(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return nil
}

func save(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadServer reads server.json from disk.
func LoadServer(path string) (*ServerConfig, error) {
	var cfg ServerConfig
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveServer writes server.json to disk.
func SaveServer(path string, cfg *ServerConfig) error {
	return save(path, cfg)
}

// LoadClient reads client.json from disk.
func LoadClient(path string) (*ClientConfig, error) {
	var cfg ClientConfig
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveClient writes client.json to disk.
func SaveClient(path string, cfg *ClientConfig) error {
	return save(path, cfg)
}

// LoadIdentity reads me.json. A missing file returns an error matching fs.ErrNotExist.
func LoadIdentity(path string) (*Identity, error) {
	var identity Identity
	if err := load(path, &identity); err != nil {
		return nil, err
	}
	if identity.Name == "" {
		return nil, fmt.Errorf("identity %q has no name", path)
	}
	if _, err := identity.ID(); err != nil {
		return nil, err
	}
	return &identity, nil
}

// SaveIdentity writes me.json to disk.
func SaveIdentity(path string, identity *Identity) error {
	return save(path, identity)
}

// RemoveIdentity deletes me.json. A missing file is not an error.
func RemoveIdentity(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove identity: %w", err)
	}
	return nil
}

// LoadOrCreateServer ensures directories and server.json exist under dataDir.
func LoadOrCreateServer(dataDir string) (*ServerConfig, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ServerConfigPath(dataDir)
	cfg, err := LoadServer(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultServerConfig(dataDir)
		if err := SaveServer(cfgPath, cfg); err != nil {
			return nil, "", err
		}
		return cfg, cfgPath, nil
	}

	if normalizeServerDefaults(cfg, dataDir) {
		if err := SaveServer(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}
	return cfg, cfgPath, nil
}

// LoadOrCreateClient ensures directories and client.json exist under dataDir.
func LoadOrCreateClient(dataDir string) (*ClientConfig, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ClientConfigPath(dataDir)
	cfg, err := LoadClient(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultClientConfig(dataDir)
		if err := SaveClient(cfgPath, cfg); err != nil {
			return nil, "", err
		}
		return cfg, cfgPath, nil
	}

	if normalizeClientDefaults(cfg, dataDir) {
		if err := SaveClient(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}
	return cfg, cfgPath, nil
}

func defaultInstanceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "SecureBackup Server"
}

func defaultServerConfig(dataDir string) *ServerConfig {
	return &ServerConfig{
		ListenPort:     DefaultListenPort,
		FilesDir:       filepath.Join(dataDir, "files"),
		MaxPayloadSize: DefaultMaxPayloadSize,
		MaxFileSize:    DefaultMaxFileSize,
		Advertise:      true,
		InstanceName:   defaultInstanceName(),
	}
}

func defaultClientConfig(dataDir string) *ClientConfig {
	return &ClientConfig{
		ChunkSize:        DefaultChunkSize,
		IOTimeoutSeconds: DefaultIOTimeoutSeconds,
		IdentityPath:     filepath.Join(dataDir, identityFileName),
		PrivateKeyPath:   filepath.Join(dataDir, "keys", privateKeyFileName),
	}
}

func normalizeServerDefaults(cfg *ServerConfig, dataDir string) bool {
	updated := false

	if cfg.ListenPort <= 0 || cfg.ListenPort > 65535 {
		cfg.ListenPort = DefaultListenPort
		updated = true
	}
	if cfg.FilesDir == "" {
		cfg.FilesDir = filepath.Join(dataDir, "files")
		updated = true
	}
	if cfg.MaxPayloadSize == 0 {
		cfg.MaxPayloadSize = DefaultMaxPayloadSize
		updated = true
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
		updated = true
	}
	if cfg.IdleTimeoutSeconds < 0 {
		cfg.IdleTimeoutSeconds = 0
		updated = true
	}
	if cfg.InstanceName == "" {
		cfg.InstanceName = defaultInstanceName()
		updated = true
	}

	return updated
}

func normalizeClientDefaults(cfg *ClientConfig, dataDir string) bool {
	updated := false

	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
		updated = true
	}
	if cfg.IOTimeoutSeconds <= 0 {
		cfg.IOTimeoutSeconds = DefaultIOTimeoutSeconds
		updated = true
	}
	if cfg.IdentityPath == "" {
		cfg.IdentityPath = filepath.Join(dataDir, identityFileName)
		updated = true
	}
	if cfg.PrivateKeyPath == "" {
		cfg.PrivateKeyPath = filepath.Join(dataDir, "keys", privateKeyFileName)
		updated = true
	}

	return updated
}
