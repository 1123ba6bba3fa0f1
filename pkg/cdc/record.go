package cdc

// Record is the reshaped output produced from exactly one Event, or suppressed
// entirely when the event carries nothing to publish (eg a delete without a
// tombstone). Sinks publish Records, never raw Events.
type Record struct {
	// Topic is the destination topic, derived from the source table and the
	// configured prefix via TopicName.
	Topic string `json:"topic"`
	// Key identifies the row for sinks that support keyed publishing.
	Key string `json:"key,omitempty"`
	// Fields carries the extracted row state plus any configured
	// annotation fields (op, table, ...).
	Fields map[string]any `json:"fields"`
	// Headers carries configured annotation headers (db, table, ...).
	Headers map[string]string `json:"headers,omitempty"`
}
