// Package mqttbridge republishes bus events to MQTT brokers and turns
// incoming MQTT write requests into device Set calls.
package mqttbridge

import (
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"tinkerlink/tfconfig"
	"tinkerlink/tflog"
)

// MaxWriteWorkers is the maximum number of concurrent write goroutines
// per publisher.
const MaxWriteWorkers = 5

// MaxWriteQueueSize is the maximum number of pending write jobs per
// publisher.
const MaxWriteQueueSize = 100

// WriteHandler turns an incoming MQTT write request into a device Set
// call. Returns an error if the write fails.
type WriteHandler func(uid string, functionID uint8, payload []byte) error

type writeJob struct {
	client     pahomqtt.Client
	rootTopic  string
	uid        string
	functionID uint8
	payload    []byte
	handleErr  error // pre-computed failure, e.g. malformed request
}

// EventMessage is the JSON structure published for every bus frame a
// device emits.
type EventMessage struct {
	UID        string `json:"uid"`
	FunctionID uint8  `json:"function_id"`
	Payload    string `json:"payload"` // base64
	Timestamp  string `json:"timestamp"`
}

// WriteRequest is the JSON structure for incoming write requests.
type WriteRequest struct {
	UID        string `json:"uid"`
	FunctionID uint8  `json:"function_id"`
	Payload    string `json:"payload"` // base64
}

// WriteResponse is the JSON structure published back for a write.
type WriteResponse struct {
	UID        string `json:"uid"`
	FunctionID uint8  `json:"function_id"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// Publisher bridges one MQTT broker to the bus.
type Publisher struct {
	config  *tfconfig.MQTTConfig
	client  pahomqtt.Client
	running bool
	mu      sync.RWMutex

	writeHandler WriteHandler

	writeQueue chan writeJob
	wg         sync.WaitGroup
	stopChan   chan struct{}
}

// NewPublisher creates a publisher bound to a single broker configuration.
func NewPublisher(cfg *tfconfig.MQTTConfig) *Publisher {
	return &Publisher{
		config:     cfg,
		writeQueue: make(chan writeJob, MaxWriteQueueSize),
		stopChan:   make(chan struct{}),
	}
}

// Name returns the publisher's configured name.
func (p *Publisher) Name() string { return p.config.Name }

// IsRunning reports whether the publisher is currently connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Start connects to the broker and begins processing write requests.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := pahomqtt.NewClientOptions()
	if p.config.UseTLS {
		opts.AddBroker(fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port))
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	} else {
		opts.AddBroker(fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port))
	}
	opts.SetClientID(p.config.ClientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	client := pahomqtt.NewClient(opts)
	tflog.Log("mqttbridge", "connecting to %s:%d", p.config.Broker, p.config.Port)

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("connection timeout")
	}
	if token.Error() != nil {
		return token.Error()
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	p.mu.Unlock()

	p.startWriteWorkers()
	p.subscribeWriteTopic()

	tflog.Log("mqttbridge", "connected to %s:%d", p.config.Broker, p.config.Port)
	return nil
}

func (p *Publisher) startWriteWorkers() {
	for i := 0; i < MaxWriteWorkers; i++ {
		p.wg.Add(1)
		go p.writeWorker()
	}
}

func (p *Publisher) writeWorker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			return
		case job, ok := <-p.writeQueue:
			if !ok {
				return
			}
			err := job.handleErr
			if err == nil {
				p.mu.RLock()
				handler := p.writeHandler
				p.mu.RUnlock()
				if handler == nil {
					err = fmt.Errorf("no write handler configured")
				} else {
					err = handler(job.uid, job.functionID, job.payload)
				}
			}
			p.publishWriteResponse(job.client, job.rootTopic, job.uid, job.functionID, err)
		}
	}
}

// Stop disconnects from the broker and drains the write worker pool.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}
	p.running = false
	client := p.client
	p.client = nil
	oldStop := p.stopChan
	p.stopChan = make(chan struct{})
	p.writeQueue = make(chan writeJob, MaxWriteQueueSize)
	p.mu.Unlock()

	close(oldStop)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		tflog.Log("mqttbridge", "timeout waiting for write workers to stop")
	}

	client.Disconnect(500)
}

func (p *Publisher) rootTopic() string {
	ns := p.config.Selector
	if ns == "" {
		ns = "tinkerlink"
	}
	return ns
}

// PublishEvent publishes one bus frame (a callback or enumerate response)
// for device uid/functionID.
func (p *Publisher) PublishEvent(uid string, functionID uint8, payload []byte) bool {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()
	if !running || client == nil {
		return false
	}

	msg := EventMessage{
		UID:        uid,
		FunctionID: functionID,
		Payload:    base64.StdEncoding.EncodeToString(payload),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return false
	}

	topic := fmt.Sprintf("%s/%s/events/%d", p.rootTopic(), uid, functionID)
	token := client.Publish(topic, 1, false, body)
	if !token.WaitTimeout(2 * time.Second) {
		return false
	}
	return token.Error() == nil
}

// SetWriteHandler installs the callback used to turn write requests into
// device Set calls.
func (p *Publisher) SetWriteHandler(handler WriteHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

func (p *Publisher) subscribeWriteTopic() {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return
	}

	topic := fmt.Sprintf("%s/+/set/+", p.rootTopic())
	token := client.Subscribe(topic, 1, p.handleWriteMessage)
	if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
		tflog.Log("mqttbridge", "subscribe %s failed: %v", topic, token.Error())
		return
	}
	tflog.Log("mqttbridge", "subscribed to %s", topic)
}

func (p *Publisher) handleWriteMessage(client pahomqtt.Client, msg pahomqtt.Message) {
	var req WriteRequest
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		p.queueErrorResponse(client, req.UID, req.FunctionID, fmt.Errorf("invalid JSON: %w", err))
		return
	}

	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		p.queueErrorResponse(client, req.UID, req.FunctionID, fmt.Errorf("invalid payload encoding: %w", err))
		return
	}

	job := writeJob{client: client, rootTopic: p.rootTopic(), uid: req.UID, functionID: req.FunctionID, payload: payload}
	select {
	case p.writeQueue <- job:
	default:
		tflog.Log("mqttbridge", "write queue full, rejecting write for %s/%d", req.UID, req.FunctionID)
		go p.publishWriteResponse(client, p.rootTopic(), req.UID, req.FunctionID, fmt.Errorf("write queue full, try again later"))
	}
}

func (p *Publisher) queueErrorResponse(client pahomqtt.Client, uid string, functionID uint8, err error) {
	job := writeJob{client: client, rootTopic: p.rootTopic(), uid: uid, functionID: functionID, handleErr: err}
	select {
	case p.writeQueue <- job:
	default:
		tflog.Log("mqttbridge", "write queue full, dropping error response for %s/%d", uid, functionID)
	}
}

func (p *Publisher) publishWriteResponse(client pahomqtt.Client, rootTopic, uid string, functionID uint8, err error) {
	resp := WriteResponse{
		UID:        uid,
		FunctionID: functionID,
		Success:    err == nil,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	body, _ := json.Marshal(resp)
	topic := fmt.Sprintf("%s/%s/set/%d/response", rootTopic, uid, functionID)
	token := client.Publish(topic, 1, false, body)
	token.WaitTimeout(2 * time.Second)
}

// Manager owns every configured MQTT publisher.
type Manager struct {
	publishers   map[string]*Publisher
	mu           sync.RWMutex
	writeHandler WriteHandler
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{publishers: make(map[string]*Publisher)}
}

// Add registers a publisher, applying the manager's current write handler
// to it.
func (m *Manager) Add(pub *Publisher) {
	m.mu.Lock()
	m.publishers[pub.Name()] = pub
	handler := m.writeHandler
	m.mu.Unlock()
	if handler != nil {
		pub.SetWriteHandler(handler)
	}
}

// Remove stops and removes a publisher by name.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	pub, ok := m.publishers[name]
	delete(m.publishers, name)
	m.mu.Unlock()
	if ok {
		pub.Stop()
	}
}

// Get returns a publisher by name, or nil.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publishers[name]
}

// List returns every registered publisher.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		result = append(result, pub)
	}
	return result
}

// LoadFromConfig creates a publisher for every configured broker.
func (m *Manager) LoadFromConfig(cfgs []tfconfig.MQTTConfig) {
	for i := range cfgs {
		m.Add(NewPublisher(&cfgs[i]))
	}
}

// StartAll starts every publisher whose config marks it enabled. Returns
// the number successfully started.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if pub.config.Enabled && !pub.IsRunning() {
			if err := pub.Start(); err != nil {
				tflog.Log("mqttbridge", "failed to start %s: %v", pub.Name(), err)
				continue
			}
			started++
		}
	}
	return started
}

// StopAll stops every publisher.
func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		pub.Stop()
	}
}

// SetWriteHandler installs the write handler on every current and future
// publisher.
func (m *Manager) SetWriteHandler(handler WriteHandler) {
	m.mu.Lock()
	m.writeHandler = handler
	m.mu.Unlock()
	for _, pub := range m.List() {
		pub.SetWriteHandler(handler)
	}
}

// PublishEvent fans one bus frame out to every running publisher.
func (m *Manager) PublishEvent(uid string, functionID uint8, payload []byte) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			pub.PublishEvent(uid, functionID, payload)
		}
	}
}
