// Package config provides configuration management for the NVR system
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config represents the main NVR configuration.
type Config struct {
	Version string         `yaml:"version"`
	System  SystemConfig   `yaml:"system"`
	Cameras []CameraConfig `yaml:"cameras"`

	// Internal fields
	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
	encKey   []byte          `yaml:"-"`
}

// SystemConfig holds system-wide settings.
type SystemConfig struct {
	Name        string         `yaml:"name"`
	Timezone    string         `yaml:"timezone"`
	StoragePath string         `yaml:"storage_path"`
	Database    DatabaseConfig `yaml:"database"`
	Logging     LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig holds the sqlite database path.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// CameraConfig holds configuration for a single camera and its streams.
type CameraConfig struct {
	ID      string         `yaml:"id" json:"id"`
	Name    string         `yaml:"name" json:"name"`
	Enabled bool           `yaml:"enabled" json:"enabled"`
	Streams []StreamConfig `yaml:"streams" json:"streams"`
}

// StreamConfig holds per-stream recording settings: source, credentials,
// and the retention knobs the recording engine's flusher enforces.
type StreamConfig struct {
	Type          string `yaml:"type" json:"type"` // main, sub, ext
	URL           string `yaml:"url" json:"url"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
	Record        bool   `yaml:"record" json:"record"`
	RetainBytes   int64  `yaml:"retain_bytes" json:"retain_bytes"`
	FlushIfSec    int    `yaml:"flush_if_sec" json:"flush_if_sec"`
	SampleFileDir string `yaml:"sample_file_dir" json:"sample_file_dir"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.path = path
	cfg.encKey = getEncryptionKey()

	if err := cfg.decryptSecrets(); err != nil {
		return nil, fmt.Errorf("failed to decrypt secrets: %w", err)
	}

	cfg.setDefaults()

	return &cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveUnlocked()
}

// saveUnlocked saves without acquiring lock (caller must hold lock).
func (c *Config) saveUnlocked() error {
	cfgCopy := &Config{
		Version: c.Version,
		System:  c.System,
		Cameras: c.Cameras,
		path:    c.path,
		encKey:  c.encKey,
	}
	if err := cfgCopy.encryptSecrets(); err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}

	data, err := yaml.Marshal(cfgCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# NVR System Configuration\n# Auto-generated - manual edits are preserved\n\n"
	data = append([]byte(header), data...)

	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return os.Rename(tmpPath, c.path)
}

// Watch starts watching for configuration file changes.
func (c *Config) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					time.Sleep(100 * time.Millisecond) // Debounce
					c.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("config watch error", "error", err)
			}
		}
	}()

	return watcher.Add(c.path)
}

// OnChange registers a callback that runs after each successful reload.
// The recording engine reads stream settings only at startup, so changed
// stream settings take effect after a restart.
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// reload reloads the configuration from disk.
func (c *Config) reload() {
	newCfg, err := Load(c.path)
	if err != nil {
		slog.Error("failed to reload config", "error", err)
		return
	}

	c.mu.Lock()
	c.Version = newCfg.Version
	c.System = newCfg.System
	c.Cameras = newCfg.Cameras
	c.encKey = newCfg.encKey
	watchers := c.watchers
	c.mu.Unlock()

	slog.Info("configuration reloaded")

	for _, fn := range watchers {
		fn(c)
	}
}

// GetCamera returns a camera by ID.
func (c *Config) GetCamera(id string) *CameraConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := range c.Cameras {
		if c.Cameras[i].ID == id {
			return &c.Cameras[i]
		}
	}
	return nil
}

// UpsertCamera adds or updates a camera.
func (c *Config) UpsertCamera(cam CameraConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.Cameras {
		if c.Cameras[i].ID == cam.ID {
			c.Cameras[i] = cam
			return c.saveUnlocked()
		}
	}

	c.Cameras = append(c.Cameras, cam)
	return c.saveUnlocked()
}

// RemoveCamera removes a camera by ID.
func (c *Config) RemoveCamera(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.Cameras {
		if c.Cameras[i].ID == id {
			c.Cameras = append(c.Cameras[:i], c.Cameras[i+1:]...)
			return c.saveUnlocked()
		}
	}

	return fmt.Errorf("camera not found: %s", id)
}

// SetPath sets the path for the config file (used for saving).
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// GetPath returns the current config file path.
func (c *Config) GetPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// setDefaults sets default values for unset fields.
func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.System.Timezone == "" {
		c.System.Timezone = "UTC"
	}
	if c.System.StoragePath == "" {
		c.System.StoragePath = "/data"
	}
	if c.System.Database.Path == "" {
		c.System.Database.Path = "/data/nvr.db"
	}
	if c.System.Logging.Level == "" {
		c.System.Logging.Level = "info"
	}
	for i := range c.Cameras {
		for j := range c.Cameras[i].Streams {
			s := &c.Cameras[i].Streams[j]
			if s.Type == "" {
				s.Type = "main"
			}
			if s.FlushIfSec == 0 {
				s.FlushIfSec = 120
			}
		}
	}
}

// encryptSecrets encrypts sensitive fields.
func (c *Config) encryptSecrets() error {
	for i := range c.Cameras {
		for j := range c.Cameras[i].Streams {
			s := &c.Cameras[i].Streams[j]
			if s.Password != "" && !strings.HasPrefix(s.Password, "encrypted:") {
				encrypted, err := encrypt(c.encKey, s.Password)
				if err != nil {
					return err
				}
				s.Password = "encrypted:" + encrypted
			}
		}
	}
	return nil
}

// decryptSecrets decrypts sensitive fields.
func (c *Config) decryptSecrets() error {
	for i := range c.Cameras {
		for j := range c.Cameras[i].Streams {
			s := &c.Cameras[i].Streams[j]
			if strings.HasPrefix(s.Password, "encrypted:") {
				encrypted := strings.TrimPrefix(s.Password, "encrypted:")
				decrypted, err := decrypt(c.encKey, encrypted)
				if err != nil {
					return err
				}
				s.Password = decrypted
			}
		}
	}
	return nil
}

// getEncryptionKey returns the encryption key from environment or generates one.
func getEncryptionKey() []byte {
	keyStr := os.Getenv("NVR_ENCRYPTION_KEY")
	if keyStr != "" {
		key, err := base64.StdEncoding.DecodeString(keyStr)
		if err == nil && len(key) == 32 {
			return key
		}
	}

	// Must be exactly 32 bytes for AES-256.
	return []byte("nvr-default-key-change-in-prod!!")
}

// encrypt encrypts a string using AES-GCM.
func encrypt(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts a string using AES-GCM.
func decrypt(key []byte, ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertextBytes := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}
