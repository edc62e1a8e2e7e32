// Package statestore caches the latest decoded frame per device function in
// Redis-compatible storage, and relays writes queued there back onto the
// bus.
package statestore

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"tinkerlink/tfconfig"
	"tinkerlink/tflog"
)

func joinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// StateMessage is the JSON value cached for the most recent frame seen from
// a device function.
type StateMessage struct {
	UID        string    `json:"uid"`
	FunctionID uint8     `json:"function_id"`
	Payload    []byte    `json:"payload"`
	Timestamp  time.Time `json:"timestamp"`
}

// WriteRequest is popped off a store's write queue and turned into a
// device Set.
type WriteRequest struct {
	UID        string `json:"uid"`
	FunctionID uint8  `json:"function_id"`
	Payload    []byte `json:"payload"`
}

// WriteResponse reports the outcome of a queued WriteRequest.
type WriteResponse struct {
	UID        string    `json:"uid"`
	FunctionID uint8     `json:"function_id"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// WriteHandler turns a WriteRequest into a device Set call.
type WriteHandler func(uid string, functionID uint8, payload []byte) error

// Store caches decoded device state in one Redis-compatible server and
// relays queued writes back onto the bus.
type Store struct {
	config  *tfconfig.StateStoreConfig
	client  *redis.Client
	running bool
	mu      sync.RWMutex

	writeHandler WriteHandler

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewStore creates a store bound to cfg, not yet connected.
func NewStore(cfg *tfconfig.StateStoreConfig) *Store {
	return &Store{config: cfg, stopChan: make(chan struct{})}
}

// Name returns the store's configured name.
func (s *Store) Name() string { return s.config.Name }

// Start connects to the server and begins relaying writes from the
// write queue.
func (s *Store) Start() error {
	s.mu.RLock()
	if s.running {
		s.mu.RUnlock()
		return nil
	}
	s.mu.RUnlock()

	opts := &redis.Options{
		Addr:         s.config.Address,
		Password:     s.config.Password,
		DB:           s.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if s.config.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	tflog.Log("statestore", "connecting to %s (db %d, tls %v)", s.config.Address, s.config.Database, s.config.UseTLS)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("failed to connect to state store at %s: %w", s.config.Address, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		client.Close()
		return nil
	}

	s.client = client
	s.running = true
	s.stopChan = make(chan struct{})

	s.wg.Add(1)
	go s.writeQueueListener()

	return nil
}

// Stop disconnects from the server.
func (s *Store) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopChan)
	client := s.client
	s.client = nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(1500 * time.Millisecond):
	}

	if client != nil {
		return client.Close()
	}
	return nil
}

// IsRunning reports whether the store is connected.
func (s *Store) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Store) namespace() string {
	if s.config.Selector != "" {
		return s.config.Selector
	}
	return "tinkerlink"
}

// PublishState caches a device frame and, if configured, publishes it to
// the device's change channel.
func (s *Store) PublishState(uid string, functionID uint8, payload []byte) error {
	s.mu.RLock()
	if !s.running || s.client == nil {
		s.mu.RUnlock()
		return nil
	}
	client := s.client
	cfg := s.config
	ns := s.namespace()
	s.mu.RUnlock()

	key := joinKey(ns, uid, "state", fmt.Sprintf("%d", functionID))
	msg := StateMessage{UID: uid, FunctionID: functionID, Payload: payload, Timestamp: time.Now().UTC()}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if cfg.KeyTTL > 0 {
		err = client.Set(ctx, key, data, cfg.KeyTTL).Err()
	} else {
		err = client.Set(ctx, key, data, 0).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}

	if cfg.PublishChanges {
		client.Publish(ctx, joinKey(ns, uid, "changes"), data)
		client.Publish(ctx, joinKey(ns, "_all", "changes"), data)
	}

	return nil
}

// GetState returns the last cached frame for uid/functionID, if any.
func (s *Store) GetState(uid string, functionID uint8) (StateMessage, bool, error) {
	s.mu.RLock()
	if !s.running || s.client == nil {
		s.mu.RUnlock()
		return StateMessage{}, false, nil
	}
	client := s.client
	ns := s.namespace()
	s.mu.RUnlock()

	key := joinKey(ns, uid, "state", fmt.Sprintf("%d", functionID))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return StateMessage{}, false, nil
	}
	if err != nil {
		return StateMessage{}, false, err
	}

	var msg StateMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return StateMessage{}, false, err
	}
	return msg, true, nil
}

// ListDeviceUIDs returns every uid with at least one cached state key.
func (s *Store) ListDeviceUIDs() ([]string, error) {
	s.mu.RLock()
	if !s.running || s.client == nil {
		s.mu.RUnlock()
		return nil, nil
	}
	client := s.client
	ns := s.namespace()
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	keys, err := client.Keys(ctx, joinKey(ns, "*", "state", "*")).Result()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	prefix := ns + ":"
	for _, k := range keys {
		rest := strings.TrimPrefix(k, prefix)
		if idx := strings.Index(rest, ":state:"); idx >= 0 {
			seen[rest[:idx]] = true
		}
	}

	uids := make([]string, 0, len(seen))
	for u := range seen {
		uids = append(uids, u)
	}
	return uids, nil
}

// SetWriteHandler installs the callback invoked for every write queued by
// an external client.
func (s *Store) SetWriteHandler(handler WriteHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeHandler = handler
}

func (s *Store) writeQueueListener() {
	defer s.wg.Done()

	queueKey := joinKey(s.namespace(), "writes")
	responseChannel := joinKey(s.namespace(), "write", "responses")

	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		s.mu.RLock()
		if !s.running || s.client == nil {
			s.mu.RUnlock()
			time.Sleep(100 * time.Millisecond)
			continue
		}
		client := s.client
		s.mu.RUnlock()

		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		result, err := client.BLPop(ctx, 1*time.Second, queueKey).Result()
		cancel()

		if err != nil {
			if err != redis.Nil {
				tflog.Warnf("statestore", "write queue error on %s: %v", s.config.Name, err)
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		var req WriteRequest
		if err := json.Unmarshal([]byte(result[1]), &req); err != nil {
			tflog.Warnf("statestore", "malformed write request on %s: %v", s.config.Name, err)
			continue
		}

		s.processWriteRequest(client, req, responseChannel)
	}
}

func (s *Store) processWriteRequest(client *redis.Client, req WriteRequest, responseChannel string) {
	s.mu.RLock()
	handler := s.writeHandler
	s.mu.RUnlock()

	response := WriteResponse{UID: req.UID, FunctionID: req.FunctionID, Timestamp: time.Now().UTC()}

	if handler == nil {
		response.Success = false
		response.Error = "no write handler configured"
	} else if err := handler(req.UID, req.FunctionID, req.Payload); err != nil {
		response.Success = false
		response.Error = err.Error()
	} else {
		response.Success = true
	}

	data, _ := json.Marshal(response)
	client.Publish(context.Background(), responseChannel, data)
}

// Manager owns every configured state store.
type Manager struct {
	stores       map[string]*Store
	mu           sync.RWMutex
	writeHandler WriteHandler
}

// NewManager creates an empty manager.
func NewManager() *Manager { return &Manager{stores: make(map[string]*Store)} }

// Add registers a store, applying the manager's current write handler to
// it.
func (m *Manager) Add(s *Store) {
	m.mu.Lock()
	m.stores[s.Name()] = s
	handler := m.writeHandler
	m.mu.Unlock()
	if handler != nil {
		s.SetWriteHandler(handler)
	}
}

// Get returns a store by name, or nil.
func (m *Manager) Get(name string) *Store {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stores[name]
}

// Remove stops and unregisters a store.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	s, ok := m.stores[name]
	delete(m.stores, name)
	m.mu.Unlock()
	if ok {
		s.Stop()
	}
}

// List returns every registered store.
func (m *Manager) List() []*Store {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Store, 0, len(m.stores))
	for _, s := range m.stores {
		result = append(result, s)
	}
	return result
}

// LoadFromConfig creates a store for every configured entry.
func (m *Manager) LoadFromConfig(cfgs []tfconfig.StateStoreConfig) {
	for i := range cfgs {
		m.Add(NewStore(&cfgs[i]))
	}
}

// StartAll starts every registered, enabled store, returning the first
// error encountered (after attempting the rest).
func (m *Manager) StartAll() error {
	var firstErr error
	for _, s := range m.List() {
		if !s.config.Enabled {
			continue
		}
		if err := s.Start(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StopAll stops every registered store.
func (m *Manager) StopAll() {
	for _, s := range m.List() {
		s.Stop()
	}
}

// SetWriteHandler installs handler on every current and future store.
func (m *Manager) SetWriteHandler(handler WriteHandler) {
	m.mu.Lock()
	m.writeHandler = handler
	m.mu.Unlock()
	for _, s := range m.List() {
		s.SetWriteHandler(handler)
	}
}

// KnownDeviceUIDs fans out to every running store and returns the union
// of known device uids.
func (m *Manager) KnownDeviceUIDs() []string {
	seen := make(map[string]bool)
	for _, s := range m.List() {
		if !s.IsRunning() {
			continue
		}
		uids, err := s.ListDeviceUIDs()
		if err != nil {
			tflog.Warnf("statestore", "listing device uids from %s failed: %v", s.Name(), err)
			continue
		}
		for _, u := range uids {
			seen[u] = true
		}
	}
	result := make([]string, 0, len(seen))
	for u := range seen {
		result = append(result, u)
	}
	return result
}

// PublishState fans one decoded frame out to every running, enabled store.
func (m *Manager) PublishState(uid string, functionID uint8, payload []byte) {
	for _, s := range m.List() {
		if s.config.Enabled && s.IsRunning() {
			if err := s.PublishState(uid, functionID, payload); err != nil {
				tflog.Warnf("statestore", "publish to %s failed: %v", s.Name(), err)
			}
		}
	}
}
