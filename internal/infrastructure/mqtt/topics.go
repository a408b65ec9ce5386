package mqtt

import "fmt"

// DefaultTopicPrefix is used when the configuration leaves the prefix empty.
const DefaultTopicPrefix = "walpool"

// Topics builds walpool MQTT topics under a common prefix.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.NewTopics("walpool")
//	topics.Commit("library") // "walpool/db/library/commit"
type Topics struct {
	prefix string
}

// NewTopics returns topic builders rooted at prefix.
func NewTopics(prefix string) Topics {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{prefix: prefix}
}

// Prefix returns the root of every topic.
func (t Topics) Prefix() string {
	return t.prefix
}

// Commit returns the topic a database's commit events are published on.
//
// Example: walpool/db/library/commit
func (t Topics) Commit(database string) string {
	return fmt.Sprintf("%s/db/%s/commit", t.prefix, database)
}

// AllCommits returns a pattern matching the commit events of every database.
//
// Pattern: walpool/db/+/commit
func (t Topics) AllCommits() string {
	return fmt.Sprintf("%s/db/+/commit", t.prefix)
}

// Status returns the retained online/offline status topic.
//
// Example: walpool/system/status
func (t Topics) Status() string {
	return fmt.Sprintf("%s/system/status", t.prefix)
}
