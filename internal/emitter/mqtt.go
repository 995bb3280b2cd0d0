// Package emitter publishes pose results to an MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/landmarker"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/resultbus"
)

var (
	ErrNotConnected   = errors.New("emitter: mqtt not connected")
	ErrPublishTimeout = errors.New("emitter: publish timeout")
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// Config configures the MQTT emitter
type Config struct {
	Broker     string // host:port, or a full URL (tcp://, ssl://, ws://)
	Topic      string // results go to <Topic>/<InstanceID>
	QoS        byte
	InstanceID string
	Logger     *slog.Logger
}

// client is the subset of mqtt.Client the emitter needs.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// MQTT publishes results as JSON
type MQTT struct {
	cfg    Config
	topic  string
	logger *slog.Logger

	mu        sync.RWMutex
	client    client
	published uint64
	errors    uint64
	connected bool
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool
	Published uint64
	Errors    uint64
}

// NewMQTT creates an emitter; Connect must be called before Publish.
func NewMQTT(cfg Config) *MQTT {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTT{
		cfg:    cfg,
		topic:  fmt.Sprintf("%s/%s", cfg.Topic, cfg.InstanceID),
		logger: logger.With("component", "emitter"),
	}
}

// Connect establishes the broker connection with automatic reconnection.
func (e *MQTT) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(e.cfg.Broker))
	opts.SetClientID(e.cfg.InstanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		e.setConnected(true)
		e.logger.Info("mqtt connection established",
			"broker", e.cfg.Broker,
			"client_id", e.cfg.InstanceID,
		)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.setConnected(false)
		e.logger.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.Broker,
		)
	}

	c := mqtt.NewClient(opts)
	e.mu.Lock()
	e.client = c
	e.mu.Unlock()

	e.logger.Info("connecting to mqtt broker", "broker", e.cfg.Broker)

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	token := c.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("emitter: mqtt connection: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("emitter: mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// Publish sends one event to <topic>/<instance_id>.
func (e *MQTT) Publish(ev resultbus.Event) error {
	e.mu.RLock()
	c, connected := e.client, e.connected
	e.mu.RUnlock()
	if c == nil || !connected {
		e.countError()
		return ErrNotConnected
	}

	payload, err := Marshal(e.cfg.InstanceID, ev)
	if err != nil {
		e.countError()
		return fmt.Errorf("emitter: marshal result: %w", err)
	}

	token := c.Publish(e.topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return ErrPublishTimeout
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("emitter: publish failed: %w", err)
	}

	e.mu.Lock()
	e.published++
	e.mu.Unlock()

	e.logger.Debug("result published",
		"topic", e.topic,
		"trace_id", ev.TraceID,
		"poses", len(ev.Landmarks),
		"size", len(payload),
	)
	return nil
}

// Disconnect closes the MQTT connection
func (e *MQTT) Disconnect() {
	e.mu.Lock()
	c := e.client
	e.connected = false
	e.mu.Unlock()

	if c != nil && c.IsConnected() {
		c.Disconnect(250)
		e.logger.Info("mqtt disconnected")
	}
}

// Stats returns emitter statistics
func (e *MQTT) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{Connected: e.connected, Published: e.published, Errors: e.errors}
}

func (e *MQTT) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTT) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

func brokerURL(broker string) string {
	for _, scheme := range []string{"tcp://", "ssl://", "tls://", "ws://", "wss://", "mqtt://"} {
		if strings.HasPrefix(broker, scheme) {
			return broker
		}
	}
	return "tcp://" + broker
}

// Payload is the JSON document published per frame.
type Payload struct {
	InstanceID  string `json:"instance_id"`
	TraceID     string `json:"trace_id"`
	Sequence    uint64 `json:"sequence"`
	TimestampMs int64  `json:"timestamp_ms"`
	Poses       []Pose `json:"poses"`
	Error       string `json:"error,omitempty"`
}

// Pose is one pose inside Payload.
type Pose struct {
	Landmarks      []landmarker.Landmark `json:"landmarks"`
	WorldLandmarks []landmarker.Landmark `json:"world_landmarks,omitempty"`
}

// Marshal renders ev as a Payload.
func Marshal(instanceID string, ev resultbus.Event) ([]byte, error) {
	p := Payload{
		InstanceID:  instanceID,
		TraceID:     ev.TraceID,
		Sequence:    ev.Sequence,
		TimestampMs: ev.TimestampMs,
		Poses:       make([]Pose, 0, len(ev.Landmarks)),
	}
	if ev.Err != nil {
		p.Error = ev.Err.Error()
	}
	for i, lms := range ev.Landmarks {
		pose := Pose{Landmarks: lms}
		if i < len(ev.WorldLandmarks) {
			pose.WorldLandmarks = ev.WorldLandmarks[i]
		}
		p.Poses = append(p.Poses, pose)
	}
	return json.Marshal(p)
}
