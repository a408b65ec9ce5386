package mqtt

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultQueueSize is the number of commit events buffered between the
// write gate and the broker.
const DefaultQueueSize = 256

// Publisher is the subset of Client used by CommitNotifier.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// CommitEvent is published once per committed write scope.
type CommitEvent struct {
	Sequence    uint64    `json:"sequence"`
	Database    string    `json:"database"`
	CommittedAt time.Time `json:"committed_at"`
}

// DecodeCommitEvent parses a payload received on a commit topic.
func DecodeCommitEvent(payload []byte) (CommitEvent, error) {
	var event CommitEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return CommitEvent{}, fmt.Errorf("decoding commit event: %w", err)
	}
	return event, nil
}

// NotifierConfig configures a CommitNotifier.
type NotifierConfig struct {
	// Database names the pool in the topic and payload.
	Database string

	// QoS for commit publishes.
	QoS byte

	// QueueSize bounds buffered events. Zero uses DefaultQueueSize.
	QueueSize int

	// Logger receives publish failures. Optional.
	Logger Logger
}

// CommitNotifier forwards commit sequence numbers to MQTT.
//
// Notify is called from a commit hook while the write gate is held, so it
// never blocks: events go through a bounded queue and a background goroutine
// publishes them. When the queue is full the event is dropped and counted.
type CommitNotifier struct {
	pub      Publisher
	topic    string
	database string
	qos      byte
	logger   Logger

	queue chan CommitEvent
	done  chan struct{}

	// mu guards closed against concurrent Notify and Close.
	mu     sync.RWMutex
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewCommitNotifier starts a notifier publishing to topics.Commit(cfg.Database).
func NewCommitNotifier(pub Publisher, topics Topics, cfg NotifierConfig) (*CommitNotifier, error) {
	if pub == nil {
		return nil, fmt.Errorf("%w: nil publisher", ErrPublishFailed)
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("%w: empty database name", ErrInvalidTopic)
	}
	if cfg.QoS > maxQoS {
		return nil, ErrInvalidQoS
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}

	n := &CommitNotifier{
		pub:      pub,
		topic:    topics.Commit(cfg.Database),
		database: cfg.Database,
		qos:      cfg.QoS,
		logger:   cfg.Logger,
		queue:    make(chan CommitEvent, size),
		done:     make(chan struct{}),
	}
	go n.run()
	return n, nil
}

// Topic returns the topic events are published on.
func (n *CommitNotifier) Topic() string {
	return n.topic
}

// Notify queues a commit event. It has the signature expected by
// database.Pool.OnCommit.
func (n *CommitNotifier) Notify(seq uint64) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.dropped.Add(1)
		return
	}

	event := CommitEvent{
		Sequence:    seq,
		Database:    n.database,
		CommittedAt: time.Now().UTC(),
	}
	select {
	case n.queue <- event:
	default:
		n.dropped.Add(1)
	}
}

// Published returns the number of events delivered to the publisher.
func (n *CommitNotifier) Published() uint64 { return n.published.Load() }

// Dropped returns the number of events discarded because the queue was full
// or the notifier was closed.
func (n *CommitNotifier) Dropped() uint64 { return n.dropped.Load() }

// Failed returns the number of events the publisher rejected.
func (n *CommitNotifier) Failed() uint64 { return n.failed.Load() }

// Close stops accepting events and waits for queued ones to be published.
func (n *CommitNotifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrNotifierClosed
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	<-n.done
	return nil
}

func (n *CommitNotifier) run() {
	defer close(n.done)
	for event := range n.queue {
		n.publish(event)
	}
}

func (n *CommitNotifier) publish(event CommitEvent) {
	payload, err := json.Marshal(event)
	if err == nil {
		err = n.pub.Publish(n.topic, payload, n.qos, false)
	}
	if err != nil {
		n.failed.Add(1)
		if n.logger != nil {
			n.logger.Warn("commit notification failed",
				"sequence", event.Sequence,
				"error", err,
			)
		}
		return
	}
	n.published.Add(1)
}
