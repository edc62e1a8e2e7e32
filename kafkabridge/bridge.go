// Package kafkabridge republishes bus events to a Kafka cluster and
// consumes write requests from a companion topic.
package kafkabridge

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"tinkerlink/tfconfig"
	"tinkerlink/tflog"
)

// ConnectionStatus represents the state of a cluster connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// EventMessage is the JSON value published for every bus frame a device
// emits.
type EventMessage struct {
	UID        string `json:"uid"`
	FunctionID uint8  `json:"function_id"`
	Payload    []byte `json:"payload"`
	Timestamp  string `json:"timestamp"`
}

// WriteRequest is the JSON structure consumed from the write topic.
type WriteRequest struct {
	UID        string `json:"uid"`
	FunctionID uint8  `json:"function_id"`
	Payload    []byte `json:"payload"`
}

// WriteHandler turns a consumed WriteRequest into a device Set call.
type WriteHandler func(uid string, functionID uint8, payload []byte) error

// Producer publishes bus events to one Kafka cluster. Writes are
// synchronous and retried up to MaxRetries attempts; the writer is
// neither idempotent nor transactional, so delivery is not exactly-once.
type Producer struct {
	config  *tfconfig.KafkaConfig
	writers map[string]*kafka.Writer
	status  ConnectionStatus
	lastErr error
	mu      sync.RWMutex

	messagesSent  int64
	messagesError int64
}

// NewProducer creates a producer for a single cluster configuration.
func NewProducer(cfg *tfconfig.KafkaConfig) *Producer {
	return &Producer{config: cfg, writers: make(map[string]*kafka.Writer), status: StatusDisconnected}
}

// Name returns the producer's configured cluster name.
func (p *Producer) Name() string { return p.config.Name }

// GetStatus returns the current connection status.
func (p *Producer) GetStatus() ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Connect verifies connectivity to the cluster by dialing the first
// configured broker.
func (p *Producer) Connect() error {
	p.mu.Lock()
	p.status = StatusConnecting
	p.lastErr = nil
	brokers := p.config.Brokers
	p.mu.Unlock()

	if len(brokers) == 0 {
		p.mu.Lock()
		p.status = StatusError
		p.lastErr = fmt.Errorf("no brokers configured")
		p.mu.Unlock()
		return p.lastErr
	}

	tflog.Log("kafkabridge", "connecting %s to brokers %v", p.config.Name, brokers)

	dialer := p.createDialer()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := dialer.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		p.mu.Lock()
		p.status = StatusError
		p.lastErr = fmt.Errorf("failed to connect: %w", err)
		p.mu.Unlock()
		return p.lastErr
	}
	conn.Close()

	p.mu.Lock()
	p.status = StatusConnected
	p.mu.Unlock()
	return nil
}

// Disconnect closes every topic writer.
func (p *Producer) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for topic, w := range p.writers {
		w.Close()
		delete(p.writers, topic)
	}
	p.status = StatusDisconnected
	p.lastErr = nil
}

func (p *Producer) eventTopic() string {
	if p.config.Selector != "" {
		return p.config.Selector + ".events"
	}
	return "tinkerlink.events"
}

// PublishEvent produces one bus frame to the cluster's event topic, keyed
// by uid so a downstream consumer can partition per device.
func (p *Producer) PublishEvent(ctx context.Context, uid string, functionID uint8, payload []byte) error {
	msg := EventMessage{UID: uid, FunctionID: functionID, Payload: payload, Timestamp: time.Now().UTC().Format(time.RFC3339)}
	value, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.produce(ctx, p.eventTopic(), []byte(uid), value)
}

func (p *Producer) produce(ctx context.Context, topic string, key, value []byte) error {
	writer, err := p.getWriter(topic)
	if err != nil {
		return err
	}

	err = writer.WriteMessages(ctx, kafka.Message{Key: key, Value: value, Time: time.Now()})
	p.mu.Lock()
	if err != nil {
		p.messagesError++
		p.lastErr = err
	} else {
		p.messagesSent++
		p.lastErr = nil
	}
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("kafka produce failed: %w", err)
	}
	return nil
}

func (p *Producer) getWriter(topic string) (*kafka.Writer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != StatusConnected {
		return nil, fmt.Errorf("kafka cluster %q not connected", p.config.Name)
	}
	if w, ok := p.writers[topic]; ok {
		return w, nil
	}

	autoCreate := true
	if p.config.AutoCreateTopics != nil {
		autoCreate = *p.config.AutoCreateTopics
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(p.config.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		Transport:              p.createTransport(),
		RequiredAcks:           kafka.RequiredAcks(p.config.RequiredAcks),
		Async:                  false,
		MaxAttempts:            p.config.MaxRetries,
		BatchSize:              100,
		BatchBytes:             1048576,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: autoCreate,
	}
	p.writers[topic] = w
	return w, nil
}

func (p *Producer) createDialer() *kafka.Dialer {
	dialer := &kafka.Dialer{Timeout: 10 * time.Second, DualStack: true}
	if p.config.UseTLS {
		dialer.TLS = p.tlsConfig()
	}
	if mech := p.saslMechanism(); mech != nil {
		dialer.SASLMechanism = mech
	}
	return dialer
}

func (p *Producer) createTransport() *kafka.Transport {
	transport := &kafka.Transport{DialTimeout: 10 * time.Second}
	if p.config.UseTLS {
		transport.TLS = p.tlsConfig()
	}
	if mech := p.saslMechanism(); mech != nil {
		transport.SASL = mech
	}
	return transport
}

func (p *Producer) tlsConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: p.config.TLSSkipVerify}
}

func (p *Producer) saslMechanism() sasl.Mechanism {
	if p.config.Username == "" {
		return nil
	}
	switch p.config.SASLMechanism {
	case "PLAIN":
		return plain.Mechanism{Username: p.config.Username, Password: p.config.Password}
	case "SCRAM-SHA-256":
		m, _ := scram.Mechanism(scram.SHA256, p.config.Username, p.config.Password)
		return m
	case "SCRAM-SHA-512":
		m, _ := scram.Mechanism(scram.SHA512, p.config.Username, p.config.Password)
		return m
	default:
		return nil
	}
}

// WriteConsumer reads WriteRequests from a cluster's write topic and
// turns each into a device Set via WriteHandler.
type WriteConsumer struct {
	config  *tfconfig.KafkaConfig
	reader  *kafka.Reader
	handler WriteHandler
}

func (p *Producer) writeTopic() string {
	if p.config.Selector != "" {
		return p.config.Selector + ".writes"
	}
	return "tinkerlink.writes"
}

// NewWriteConsumer creates a consumer bound to cfg's write topic using
// the consumer group "tinkerlink-<name>-writers".
func NewWriteConsumer(cfg *tfconfig.KafkaConfig, handler WriteHandler) *WriteConsumer {
	group := fmt.Sprintf("tinkerlink-%s-writers", cfg.Name)
	producerView := &Producer{config: cfg}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   producerView.writeTopic(),
		GroupID: group,
	})
	return &WriteConsumer{config: cfg, reader: reader, handler: handler}
}

// Run consumes write requests until ctx is cancelled or the reader
// errors.
func (c *WriteConsumer) Run(ctx context.Context) error {
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			return err
		}
		var req WriteRequest
		if err := json.Unmarshal(m.Value, &req); err != nil {
			tflog.Log("kafkabridge", "malformed write request on %s: %v", c.config.Name, err)
			continue
		}
		if err := c.handler(req.UID, req.FunctionID, req.Payload); err != nil {
			tflog.Log("kafkabridge", "write failed for %s/%d: %v", req.UID, req.FunctionID, err)
		}
	}
}

// Close stops the consumer's underlying reader.
func (c *WriteConsumer) Close() error { return c.reader.Close() }

// Manager owns every configured Kafka producer.
type Manager struct {
	producers map[string]*Producer
	mu        sync.RWMutex
}

// NewManager creates an empty manager.
func NewManager() *Manager { return &Manager{producers: make(map[string]*Producer)} }

// Add registers a producer.
func (m *Manager) Add(p *Producer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.producers[p.Name()] = p
}

// Get returns a producer by name, or nil.
func (m *Manager) Get(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.producers[name]
}

// List returns every registered producer.
func (m *Manager) List() []*Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Producer, 0, len(m.producers))
	for _, p := range m.producers {
		result = append(result, p)
	}
	return result
}

// LoadFromConfig creates a producer for every configured cluster.
func (m *Manager) LoadFromConfig(cfgs []tfconfig.KafkaConfig) {
	for i := range cfgs {
		m.Add(NewProducer(&cfgs[i]))
	}
}

// ConnectAll connects every enabled producer, logging failures rather
// than aborting the rest.
func (m *Manager) ConnectAll() {
	for _, p := range m.List() {
		if !p.config.Enabled {
			continue
		}
		if err := p.Connect(); err != nil {
			tflog.Log("kafkabridge", "connect %s failed: %v", p.Name(), err)
		}
	}
}

// DisconnectAll closes every producer's topic writers.
func (m *Manager) DisconnectAll() {
	for _, p := range m.List() {
		p.Disconnect()
	}
}

// PublishEvent fans one bus frame out to every connected, enabled
// producer.
func (m *Manager) PublishEvent(ctx context.Context, uid string, functionID uint8, payload []byte) {
	for _, p := range m.List() {
		if p.config.Enabled && p.GetStatus() == StatusConnected {
			if err := p.PublishEvent(ctx, uid, functionID, payload); err != nil {
				tflog.Log("kafkabridge", "publish to %s failed: %v", p.Name(), err)
			}
		}
	}
}
