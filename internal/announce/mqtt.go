package announce

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/crosstyan/cv-mmap/internal/wire"
)

const mqttConnectTimeout = 5 * time.Second

// MQTT publishes sync messages to a broker topic. The endpoint form is
// mqtt://host:port/topic.
type MQTT struct {
	broker string
	topic  string
	client mqtt.Client

	mu        sync.RWMutex
	connected bool
	closed    bool
}

// NewMQTT connects to the broker named by endpoint. Connection loss
// after startup is handled by the client's auto-reconnect; syncs
// announced while disconnected are reported as errors and skipped.
func NewMQTT(ctx context.Context, endpoint string) (*MQTT, error) {
	broker, topic, err := splitMQTTEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	m := &MQTT{broker: broker, topic: topic}
	clientID := fmt.Sprintf("cvmmap-%s", uuid.NewString())

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", broker))
	opts.SetClientID(clientID)
	opts.SetConnectTimeout(mqttConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		m.mu.Lock()
		m.connected = true
		m.mu.Unlock()
		slog.Info("mqtt connection established",
			"broker", broker,
			"topic", topic,
			"client_id", clientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		m.mu.Lock()
		m.connected = false
		m.mu.Unlock()
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"broker", broker,
			"error", err)
	}

	m.client = mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", broker)
	token := m.client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		m.client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect %s: timeout", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, err)
	}

	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return m, nil
}

// Announce publishes the sync record at QoS 0, fire and forget. The
// capture loop never waits on the broker.
func (m *MQTT) Announce(msg wire.SyncMessage) error {
	m.mu.RLock()
	closed, connected := m.closed, m.connected
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !connected {
		return fmt.Errorf("mqtt not connected")
	}
	payload, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	m.client.Publish(m.topic, 0, false, payload)
	return nil
}

func (m *MQTT) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.connected = false
	m.mu.Unlock()

	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
		slog.Info("mqtt disconnected", "broker", m.broker)
	}
	return nil
}

// splitMQTTEndpoint takes mqtt://host:port/topic apart. The topic may
// contain slashes; the leading one is stripped.
func splitMQTTEndpoint(endpoint string) (broker, topic string, err error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", "", fmt.Errorf("mqtt endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("mqtt endpoint %q: missing host", endpoint)
	}
	topic = strings.TrimPrefix(u.Path, "/")
	if topic == "" {
		return "", "", fmt.Errorf("mqtt endpoint %q: missing topic path", endpoint)
	}
	return u.Host, topic, nil
}
