//go:build integration

package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/walpool/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
// Tests require a running Mosquitto broker at 127.0.0.1:1883.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "walpool-test",
		},
		QoS:         1,
		TopicPrefix: "walpool-test",
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

func connectTest(t *testing.T, clientID string) *Client {
	t.Helper()
	cfg := testConfig()
	cfg.Broker.ClientID = clientID

	client, err := Connect(cfg, nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() }) //nolint:errcheck // Test cleanup
	return client
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestConnect(t *testing.T) {
	client := connectTest(t, "walpool-test-connect")

	if !client.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v, want nil", err)
	}
}

func TestConnectInvalidBroker(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = 19999

	_, err := Connect(cfg, nil)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestClose(t *testing.T) {
	client, err := Connect(testConfig(), nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close(), want false")
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
	if err := client.Publish("walpool-test/x", nil, 1, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

// =============================================================================
// Publish-Watch Tests
// =============================================================================

func TestPublishWatchRoundtrip(t *testing.T) {
	pub := connectTest(t, "walpool-test-pub")
	sub := connectTest(t, "walpool-test-sub")

	topic := "walpool-test/roundtrip"
	received := make(chan string, 1)
	err := sub.Watch(topic, func(_ string, payload []byte) error {
		received <- string(payload)
		return nil
	})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if err := pub.Publish(topic, []byte(`{"test":"roundtrip"}`), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case payload := <-received:
		if payload != `{"test":"roundtrip"}` {
			t.Errorf("Received payload = %q", payload)
		}
	case <-time.After(5 * time.Second):
		t.Error("Timeout waiting for message")
	}
}

func TestCommitNotifierOverBroker(t *testing.T) {
	pub := connectTest(t, "walpool-test-notify-pub")
	sub := connectTest(t, "walpool-test-notify-sub")

	var mu sync.Mutex
	var got []uint64
	done := make(chan struct{})
	err := sub.Watch(sub.Topics().AllCommits(), func(_ string, payload []byte) error {
		event, err := DecodeCommitEvent(payload)
		if err != nil {
			return err
		}
		mu.Lock()
		got = append(got, event.Sequence)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	n, err := NewCommitNotifier(pub, pub.Topics(), NotifierConfig{Database: "library", QoS: 1})
	if err != nil {
		t.Fatalf("NewCommitNotifier() error = %v", err)
	}
	for seq := uint64(1); seq <= 3; seq++ {
		n.Notify(seq)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for commit events")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, seq := range got {
		if seq != uint64(i+1) {
			t.Errorf("event %d sequence = %d, want %d", i, seq, i+1)
		}
	}
}

func TestHandlerReturnsError(t *testing.T) {
	client := connectTest(t, "walpool-test-handler-err")

	topic := "walpool-test/handler-error"
	handlerCalled := make(chan struct{}, 1)
	err := client.Watch(topic, func(string, []byte) error {
		handlerCalled <- struct{}{}
		return errors.New("handler error")
	})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if err := client.Publish(topic, []byte("test"), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case <-handlerCalled:
	case <-time.After(2 * time.Second):
		t.Error("Handler was not called")
	}
}
