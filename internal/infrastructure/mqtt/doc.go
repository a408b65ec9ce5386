// Package mqtt publishes walpool commit notifications over MQTT.
//
// This package manages:
//   - Connection to an MQTT broker with auto-reconnect
//   - A CommitNotifier that turns write sequence numbers into events
//   - Watches for processes following another writer's commits
//   - Last Will and Testament (LWT) for offline detection
//
// # Architecture
//
// A pool has exactly one writer process. Other processes reading the same
// database file learn about new commits by subscribing to its commit topic
// instead of polling:
//
//	Pool.OnCommit -> CommitNotifier queue -> Broker -> watchers
//
// Commit hooks run while the write gate is held, so CommitNotifier.Notify
// only enqueues. Events are dropped (and counted) when the broker falls
// behind; the sequence number in each event lets watchers detect gaps.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, logger)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	notifier, err := mqtt.NewCommitNotifier(client, client.Topics(),
//	    mqtt.NotifierConfig{Database: "library", QoS: client.QoS()})
//	if err != nil {
//	    return err
//	}
//	defer notifier.Close()
//	pool.OnCommit(notifier.Notify)
package mqtt
