// Package tfconfig handles configuration persistence for the tinkerlink
// daemon: which bus connections to dial, and which bridges and UIs to run
// against the devices discovered on them.
package tfconfig

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigListenerID is a unique identifier for a config change listener.
type ConfigListenerID string

// Config holds the complete daemon configuration.
type Config struct {
	Namespace   string             `yaml:"namespace"` // instance namespace shown by the dashboard; bridge topics/keys use each bridge's Selector instead
	Connections []ConnectionConfig `yaml:"connections"`
	Web         WebConfig          `yaml:"web"`
	MQTT        []MQTTConfig       `yaml:"mqtt,omitempty"`
	StateStore  []StateStoreConfig `yaml:"state_store,omitempty"`
	Kafka       []KafkaConfig      `yaml:"kafka,omitempty"`
	UI          UIConfig           `yaml:"ui,omitempty"`

	dataMu     sync.Mutex `yaml:"-"`
	loadedPath string     `yaml:"-"`

	changeListeners map[ConfigListenerID]func() `yaml:"-"`
	listenersMu     sync.RWMutex                `yaml:"-"`
	listenerCounter uint64                      `yaml:"-"`
}

// ConnectionConfig describes one bus daemon to dial.
type ConnectionConfig struct {
	Name            string        `yaml:"name"`
	Address         string        `yaml:"address"` // host:port of the brick/bricklet daemon
	Enabled         bool          `yaml:"enabled"`
	Timeout         time.Duration `yaml:"timeout,omitempty"`          // dial timeout (0 = driver default)
	BroadcastBuffer int           `yaml:"broadcast_buffer,omitempty"` // subscriber buffer capacity (0 = driver default)
}

// GetTimeout returns the configured dial timeout, defaulting to 5s.
func (c *ConnectionConfig) GetTimeout() time.Duration {
	if c.Timeout == 0 {
		return 5 * time.Second
	}
	return c.Timeout
}

// UIConfig stores terminal dashboard preferences.
type UIConfig struct {
	Theme     string `yaml:"theme,omitempty"`
	ASCIIMode bool   `yaml:"ascii_mode,omitempty"`
}

// WebConfig holds the REST/SSE API server configuration.
type WebConfig struct {
	Enabled bool         `yaml:"enabled"`
	Host    string       `yaml:"host"`
	Port    int          `yaml:"port"`
	API     WebAPIConfig `yaml:"api"`
	UI      WebUIConfig  `yaml:"ui"`
}

// WebAPIConfig holds REST API settings.
type WebAPIConfig struct {
	Enabled bool `yaml:"enabled"`
}

// WebUIConfig holds session-authenticated browser settings.
type WebUIConfig struct {
	Enabled       bool      `yaml:"enabled"`
	SessionSecret string    `yaml:"session_secret,omitempty"`
	Users         []WebUser `yaml:"users,omitempty"`
}

// WebUser represents a web interface user.
type WebUser struct {
	Username           string `yaml:"username"`
	PasswordHash       string `yaml:"password_hash"` // bcrypt
	Role               string `yaml:"role"`           // "admin" or "viewer"
	MustChangePassword bool   `yaml:"must_change_password,omitempty"`
}

const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// MQTTConfig holds one MQTT bridge configuration.
type MQTTConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	Selector string `yaml:"selector,omitempty"` // optional sub-namespace
	UseTLS   bool   `yaml:"use_tls,omitempty"`
}

// StateStoreConfig holds Redis-compatible state-store configuration.
type StateStoreConfig struct {
	Name           string        `yaml:"name"`
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"` // host:port
	Password       string        `yaml:"password,omitempty"`
	Database       int           `yaml:"database"`
	Selector       string        `yaml:"selector,omitempty"`
	UseTLS         bool          `yaml:"use_tls,omitempty"`
	KeyTTL         time.Duration `yaml:"key_ttl,omitempty"`
	PublishChanges bool          `yaml:"publish_changes,omitempty"`
}

// KafkaConfig holds one Kafka bridge configuration. Pointer fields
// distinguish "not set" (nil = use default) from "explicitly false".
type KafkaConfig struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"`
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	RetryBackoff  time.Duration `yaml:"retry_backoff,omitempty"`

	PublishEvents    bool   `yaml:"publish_events,omitempty"`
	Selector         string `yaml:"selector,omitempty"`
	AutoCreateTopics *bool  `yaml:"auto_create_topics,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Connections: []ConnectionConfig{},
		Web: WebConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			API:     WebAPIConfig{Enabled: true},
			UI:      WebUIConfig{Enabled: true},
		},
		MQTT:       []MQTTConfig{},
		StateStore: []StateStoreConfig{},
		Kafka:      []KafkaConfig{},
	}
}

// DefaultPath returns the default configuration file path
// (~/.tinkerlink/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".tinkerlink", "config.yaml")
}

// Load reads configuration from a YAML file, falling back to defaults if
// the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	dirty := false

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		dirty = true
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	if cfg.Web.UI.SessionSecret == "" {
		secret := make([]byte, 32)
		rand.Read(secret)
		cfg.Web.UI.SessionSecret = base64.StdEncoding.EncodeToString(secret)
		dirty = true
	}

	cfg.loadedPath = path

	if dirty {
		cfg.Save(path) // best-effort
	}

	return cfg, nil
}

// Path returns the file this config was loaded from, or "" for a config
// that was never loaded from disk.
func (c *Config) Path() string { return c.loadedPath }

// AddOnChangeListener registers a callback invoked after every Save.
func (c *Config) AddOnChangeListener(cb func()) ConfigListenerID {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	if c.changeListeners == nil {
		c.changeListeners = make(map[ConfigListenerID]func())
	}

	id := ConfigListenerID(fmt.Sprintf("listener-%d", atomic.AddUint64(&c.listenerCounter, 1)))
	c.changeListeners[id] = cb
	return id
}

// RemoveOnChangeListener removes a previously registered listener.
func (c *Config) RemoveOnChangeListener(id ConfigListenerID) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	delete(c.changeListeners, id)
}

func (c *Config) notifyChangeListeners() {
	c.listenersMu.RLock()
	listeners := make([]func(), 0, len(c.changeListeners))
	for _, cb := range c.changeListeners {
		listeners = append(listeners, cb)
	}
	c.listenersMu.RUnlock()

	for _, cb := range listeners {
		go cb()
	}
}

// Lock acquires the config data mutex for exclusive access.
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config data mutex without saving.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save acquires the lock, marshals, writes, and notifies.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	return c.saveLocked(path)
}

// UnlockAndSave marshals, releases the lock, writes, and notifies. The
// caller must already hold the lock via Lock().
func (c *Config) UnlockAndSave(path string) error {
	return c.saveLocked(path)
}

func (c *Config) saveLocked(path string) error {
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}

	c.notifyChangeListeners()
	return nil
}

// FindConnection returns the connection config with the given name, or
// nil if not found.
func (c *Config) FindConnection(name string) *ConnectionConfig {
	for i := range c.Connections {
		if c.Connections[i].Name == name {
			return &c.Connections[i]
		}
	}
	return nil
}

// AddConnection adds a new connection configuration.
func (c *Config) AddConnection(conn ConnectionConfig) {
	c.Connections = append(c.Connections, conn)
}

// RemoveConnection removes a connection by name.
func (c *Config) RemoveConnection(name string) bool {
	for i, conn := range c.Connections {
		if conn.Name == name {
			c.Connections = append(c.Connections[:i], c.Connections[i+1:]...)
			return true
		}
	}
	return false
}

// FindMQTT returns the MQTT bridge config with the given name, or nil.
func (c *Config) FindMQTT(name string) *MQTTConfig {
	for i := range c.MQTT {
		if c.MQTT[i].Name == name {
			return &c.MQTT[i]
		}
	}
	return nil
}

// AddMQTT adds a new MQTT bridge configuration.
func (c *Config) AddMQTT(m MQTTConfig) { c.MQTT = append(c.MQTT, m) }

// FindStateStore returns the state-store config with the given name, or
// nil.
func (c *Config) FindStateStore(name string) *StateStoreConfig {
	for i := range c.StateStore {
		if c.StateStore[i].Name == name {
			return &c.StateStore[i]
		}
	}
	return nil
}

// AddStateStore adds a new state-store configuration.
func (c *Config) AddStateStore(s StateStoreConfig) { c.StateStore = append(c.StateStore, s) }

// FindKafka returns the Kafka bridge config with the given name, or nil.
func (c *Config) FindKafka(name string) *KafkaConfig {
	for i := range c.Kafka {
		if c.Kafka[i].Name == name {
			return &c.Kafka[i]
		}
	}
	return nil
}

// AddKafka adds a new Kafka bridge configuration.
func (c *Config) AddKafka(k KafkaConfig) { c.Kafka = append(c.Kafka, k) }

// Validate checks the configuration for errors. An empty namespace is
// allowed; callers that require one should check separately.
func (c *Config) Validate() error {
	if c.Namespace != "" && !IsValidNamespace(c.Namespace) {
		return fmt.Errorf("invalid namespace: must contain only alphanumeric characters, hyphens, underscores, and dots")
	}
	for _, conn := range c.Connections {
		if conn.Enabled && conn.Address == "" {
			return fmt.Errorf("connection %q: enabled but has no address", conn.Name)
		}
	}
	return nil
}

// IsValidNamespace returns true if ns contains only alphanumeric
// characters, hyphens, underscores, and dots.
func IsValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}

// FindWebUser returns the web user with the given username, or nil.
func (c *Config) FindWebUser(username string) *WebUser {
	for i := range c.Web.UI.Users {
		if c.Web.UI.Users[i].Username == username {
			return &c.Web.UI.Users[i]
		}
	}
	return nil
}

// AddWebUser adds a new web user.
func (c *Config) AddWebUser(u WebUser) { c.Web.UI.Users = append(c.Web.UI.Users, u) }
