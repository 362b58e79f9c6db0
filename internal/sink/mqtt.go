package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

var ErrNotConnected = errors.New("mqtt not connected")

// Publisher sends a payload to a topic. Implemented by MQTTClient.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// MessageHandler receives inbound messages. It runs on the client's
// delivery goroutine and must not block.
type MessageHandler func(topic string, payload []byte)

type MQTTConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	ConnectTimeout time.Duration
}

type MQTTClient struct {
	client    mqtt.Client
	cfg       MQTTConfig
	connected atomic.Bool
	log       zerolog.Logger

	mu   sync.Mutex
	subs map[string]MessageHandler
}

func NewMQTTClient(cfg MQTTConfig, log zerolog.Logger) *MQTTClient {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	c := &MQTTClient{
		cfg:  cfg,
		log:  log.With().Str("component", "mqtt").Logger(),
		subs: make(map[string]MessageHandler),
	}

	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetMaxReconnectInterval(30 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.OnConnect = func(mqtt.Client) {
		c.connected.Store(true)
		c.log.Info().Str("broker", broker).Str("client_id", cfg.ClientID).Msg("mqtt connection established")
		c.resubscribe()
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.connected.Store(false)
		c.log.Warn().Err(err).Str("broker", broker).Msg("mqtt connection lost, will auto-reconnect")
	}

	c.client = mqtt.NewClient(opts)
	return c
}

// Connect waits for the first connection. With connect-retry enabled the
// client keeps trying in the background after a timeout.
func (c *MQTTClient) Connect(ctx context.Context) error {
	token := c.client.Connect()
	if err := wait(ctx, token, c.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", c.cfg.Broker, err)
	}
	c.connected.Store(true)
	return nil
}

func (c *MQTTClient) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, c.cfg.QoS, false, payload)
	if err := wait(ctx, token, 5*time.Second); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler for topic (wildcards allowed). The
// subscription is renewed on every reconnect; when the client is not yet
// connected it is made on the first connection.
func (c *MQTTClient) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	c.mu.Lock()
	c.subs[topic] = handler
	c.mu.Unlock()

	if !c.connected.Load() {
		return nil
	}
	return c.subscribe(ctx, topic, handler)
}

func (c *MQTTClient) subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	token := c.client.Subscribe(topic, c.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if err := wait(ctx, token, 5*time.Second); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func (c *MQTTClient) resubscribe() {
	c.mu.Lock()
	subs := make(map[string]MessageHandler, len(c.subs))
	for t, h := range c.subs {
		subs[t] = h
	}
	c.mu.Unlock()

	for t, h := range subs {
		if err := c.subscribe(context.Background(), t, h); err != nil {
			c.log.Error().Err(err).Str("topic", t).Msg("mqtt resubscribe failed")
			continue
		}
		c.log.Debug().Str("topic", t).Msg("mqtt subscribed")
	}
}

// Topic joins the configured prefix with the given parts.
func (c *MQTTClient) Topic(parts ...string) string {
	return topic(c.cfg.TopicPrefix, parts...)
}

func (c *MQTTClient) Close() {
	c.client.Disconnect(250)
	c.connected.Store(false)
}

func topic(prefix string, parts ...string) string {
	all := make([]string, 0, len(parts)+1)
	if p := strings.Trim(prefix, "/"); p != "" {
		all = append(all, p)
	}
	all = append(all, parts...)
	return strings.Join(all, "/")
}

func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return errors.New("timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}
