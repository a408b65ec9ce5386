package mqtt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/nerrad567/walpool/internal/infrastructure/config"
)

// Errors returned by Client and CommitNotifier.
var (
	ErrNotConnected     = errors.New("mqtt: not connected to broker")
	ErrConnectionFailed = errors.New("mqtt: connecting to broker failed")
	ErrPublishFailed    = errors.New("mqtt: publish failed")
	ErrSubscribeFailed  = errors.New("mqtt: subscribe failed")
	ErrInvalidTopic     = errors.New("mqtt: topic cannot be empty")
	ErrInvalidQoS       = errors.New("mqtt: qos must be 0, 1 or 2")
	ErrNotifierClosed   = errors.New("mqtt: commit notifier closed")
)

// Logger is satisfied by *slog.Logger and *logging.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MessageHandler receives messages for a watched topic. Handlers run on
// paho goroutines; a returned error is logged.
type MessageHandler func(topic string, payload []byte) error

// Client is one process's session with the broker. A serving process
// publishes its commit events through it; a watching process follows the
// commit topics of others.
//
// The session is clean, so watched topics are re-subscribed after every
// reconnect.
type Client struct {
	paho    pahomqtt.Client
	cfg     config.MQTTConfig
	topics  Topics
	logger  Logger
	watches *xsync.MapOf[string, MessageHandler]
	closed  atomic.Bool
}

// Connect opens a session with the broker in cfg.
//
// The broker holds a retained offline will on <prefix>/system/status, and
// an online status replaces it on every (re)connect.
//
// Parameters:
//   - cfg: the mqtt section of the configuration
//   - logger: receives connection changes and handler failures; nil
//     discards them
//
// Returns:
//   - *Client: connected session
//   - error: ErrConnectionFailed when the broker does not accept the
//     session within 10 seconds
func Connect(cfg config.MQTTConfig, logger Logger) (*Client, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Client{
		cfg:     cfg,
		topics:  NewTopics(cfg.TopicPrefix),
		logger:  logger,
		watches: xsync.NewMapOf[string, MessageHandler](),
	}

	opts := buildClientOptions(cfg, c.topics)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.sessionUp() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.logger.Warn("MQTT connection lost", "error", err)
	})
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		c.logger.Info("MQTT reconnecting")
	})

	c.paho = pahomqtt.NewClient(opts)
	token := c.paho.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		// Stop the background retry loop started by SetConnectRetry.
		c.paho.Disconnect(0)
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return c, nil
}

// sessionUp announces the process and restores watches.
func (c *Client) sessionUp() {
	c.logger.Info("MQTT connected", "client_id", c.cfg.Broker.ClientID)
	c.paho.Publish(c.topics.Status(), c.QoS(), true,
		buildStatusPayload(c.cfg.Broker.ClientID, "online", ""))

	c.watches.Range(func(topic string, handler MessageHandler) bool {
		// A failure here is retried on the next reconnect.
		c.paho.Subscribe(topic, c.QoS(), c.dispatch(handler))
		return true
	})
}

// Topics returns the topic builders for the configured prefix.
func (c *Client) Topics() Topics {
	return c.topics
}

// QoS returns the configured QoS.
func (c *Client) QoS() byte {
	return byte(c.cfg.QoS)
}

// Publish sends payload to topic and waits for the broker to acknowledge
// it (QoS 1 and 2) or for the write to complete (QoS 0).
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return await(c.paho.Publish(topic, qos, retained, payload), ErrPublishFailed)
}

// Watch delivers every message matching topic, which may contain + and #
// wildcards, to handler until Close.
func (c *Client) Watch(topic string, handler MessageHandler) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler", ErrSubscribeFailed)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.watches.Store(topic, handler)
	if err := await(c.paho.Subscribe(topic, c.QoS(), c.dispatch(handler)), ErrSubscribeFailed); err != nil {
		c.watches.Delete(topic)
		return err
	}
	return nil
}

func (c *Client) dispatch(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
			}
		}()
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.logger.Warn("MQTT handler failed", "topic", msg.Topic(), "error", err)
		}
	}
}

func await(token pahomqtt.Token, failed error) error {
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", failed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", failed, err)
	}
	return nil
}

// IsConnected reports whether the session is currently open.
func (c *Client) IsConnected() bool {
	return !c.closed.Load() && c.paho != nil && c.paho.IsConnectionOpen()
}

// HealthCheck returns ErrNotConnected while the session is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Close replaces the will with a graceful offline status and disconnects.
// Calling it more than once is safe.
func (c *Client) Close() error {
	if c.paho == nil || !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.paho.IsConnectionOpen() {
		payload := buildStatusPayload(c.cfg.Broker.ClientID, "offline", "graceful_shutdown")
		c.paho.Publish(c.topics.Status(), c.QoS(), true, payload).WaitTimeout(defaultPublishTimeout)
	}
	c.paho.Disconnect(defaultDisconnectQuiesce)
	return nil
}
