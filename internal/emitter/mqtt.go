// Package emitter mirrors the live session broadcasts (state, quality,
// channel previews) to an MQTT broker.
//
// Topics:
//
//	<prefix>/<instance>/state             retained
//	<prefix>/<instance>/quality           retained
//	<prefix>/<instance>/preview/<channel> not retained
//
// Payloads are msgpack-encoded Message values.
package emitter

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-biosense/modules/biosession"
	"github.com/e7canasta/orion-biosense/modules/broadcast"
)

// Client is the part of mqtt.Client the emitter uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Source is the broadcast surface mirrored to the broker.
// *streampublisher.Publisher implements it.
type Source interface {
	State() broadcast.Observable[biosession.ConnectionState]
	Quality() broadcast.Observable[biosession.SignalQuality]
	Preview(ch biosession.Channel) broadcast.Observable[[]float64]
}

// Config contains emitter configuration
type Config struct {
	InstanceID  string
	TopicPrefix string
	QoS         byte
	// PublishTimeout bounds a single publish (default: 2s)
	PublishTimeout time.Duration
}

// Message is the payload of every topic. Only the field matching the topic
// is set.
type Message struct {
	Instance string    `msgpack:"instance"`
	State    string    `msgpack:"state,omitempty"`
	Quality  string    `msgpack:"quality,omitempty"`
	Channel  string    `msgpack:"channel,omitempty"`
	Samples  []float64 `msgpack:"samples,omitempty"`
	At       time.Time `msgpack:"at"`
}

// Stats contains emitter statistics
type Stats struct {
	Published map[string]uint64
	Errors    uint64
}

// MQTTEmitter publishes session broadcasts to an MQTT broker
type MQTTEmitter struct {
	cfg    Config
	client Client
	now    func() time.Time

	mu        sync.Mutex
	unsubs    []func()
	published map[string]uint64
	errors    uint64
}

// New creates an emitter publishing through client.
func New(client Client, cfg Config) *MQTTEmitter {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	return &MQTTEmitter{
		cfg:       cfg,
		client:    client,
		now:       time.Now,
		published: make(map[string]uint64),
	}
}

// Dial connects to broker and returns an emitter bound to the connection.
// The client reconnects on its own after a connection loss.
func Dial(broker, clientID string, cfg Config) (*MQTTEmitter, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		slog.Info("emitter: mqtt connection established",
			"broker", broker,
			"client_id", clientID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		slog.Warn("emitter: mqtt connection lost, will auto-reconnect",
			"broker", broker,
			"error", err,
		)
	}

	client := mqtt.NewClient(opts)
	slog.Info("emitter: connecting to mqtt broker", "broker", broker)

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("emitter: mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("emitter: mqtt connection failed: %w", err)
	}
	return New(client, cfg), nil
}

// Topic returns the full topic for suffix.
func (e *MQTTEmitter) Topic(suffix string) string {
	return fmt.Sprintf("%s/%s/%s", e.cfg.TopicPrefix, e.cfg.InstanceID, suffix)
}

// Attach subscribes to every broadcast of src. The current values are
// published immediately.
func (e *MQTTEmitter) Attach(src Source) {
	unsubs := []func(){
		src.State().Subscribe(func(s biosession.ConnectionState) {
			e.publish("state", true, Message{State: s.String()})
		}),
		src.Quality().Subscribe(func(q biosession.SignalQuality) {
			e.publish("quality", true, Message{Quality: q.String()})
		}),
	}
	for _, ch := range biosession.AllChannels {
		suffix := "preview/" + ch.String()
		label := ch.String()
		unsubs = append(unsubs, src.Preview(ch).Subscribe(func(samples []float64) {
			e.publish(suffix, false, Message{Channel: label, Samples: samples})
		}))
	}

	e.mu.Lock()
	e.unsubs = append(e.unsubs, unsubs...)
	e.mu.Unlock()

	slog.Info("emitter: attached", "topic_prefix", e.Topic(""), "qos", e.cfg.QoS)
}

// publish runs on a broadcast delivery goroutine; a slow broker only
// delays this topic.
func (e *MQTTEmitter) publish(suffix string, retained bool, m Message) {
	topic := e.Topic(suffix)
	m.Instance = e.cfg.InstanceID
	m.At = e.now()

	if err := e.send(topic, retained, m); err != nil {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		slog.Warn("emitter: publish failed", "topic", topic, "error", err)
		return
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
}

func (e *MQTTEmitter) send(topic string, retained bool, m Message) error {
	payload, err := msgpack.Marshal(&m)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	token := e.client.Publish(topic, e.cfg.QoS, retained, payload)
	if !token.WaitTimeout(e.cfg.PublishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return err
	}

	slog.Debug("emitter: published", "topic", topic, "size", len(payload))
	return nil
}

// Close detaches from the source and disconnects the client.
func (e *MQTTEmitter) Close() error {
	e.mu.Lock()
	unsubs := e.unsubs
	e.unsubs = nil
	e.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	e.client.Disconnect(250) // 250ms grace period
	slog.Info("emitter: mqtt disconnected")
	return nil
}

// Stats returns emitter statistics.
func (e *MQTTEmitter) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{Published: published, Errors: e.errors}
}
