package storage

import (
	"strings"
	"time"
)

// Metadata holds arbitrary JSON values attached to a record. A nil map means the
// record has no metadata; an empty map is kept as empty.
type Metadata map[string]any

// LogRecord is one entry in a channel.
type LogRecord struct {
	// ID is assigned by the engine on append and is strictly increasing within
	// a channel. Zero on records that have not been stored yet.
	ID        int64     `json:"id,omitempty"`
	Channel   string    `json:"channel"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	Metadata  Metadata  `json:"meta,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ConsumerOffset is the cursor of one consumer on one channel: the last id
// already delivered. Zero means nothing has been delivered.
type ConsumerOffset struct {
	ConsumerID string `json:"consumerId"`
	Channel    string `json:"channel"`
	LastID     int64  `json:"lastId"`
}

// Prepare validates rec for appending and fills the timestamp with now (UTC) when
// it is unset. The returned copy never carries a caller-supplied id.
func Prepare(op string, rec LogRecord, now time.Time) (LogRecord, error) {
	if err := ValidateChannel(op, rec.Channel); err != nil {
		return LogRecord{}, err
	}
	if !rec.Level.Valid() {
		return LogRecord{}, Invalid(op, "invalid log level "+rec.Level.String())
	}
	rec.ID = 0
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}
	rec.Timestamp = rec.Timestamp.UTC()
	return rec, nil
}

// ValidateChannel rejects empty or whitespace-only channel names.
func ValidateChannel(op, channel string) error {
	if strings.TrimSpace(channel) == "" {
		return Invalid(op, "channel cannot be empty")
	}
	return nil
}

// ValidateConsumer rejects empty or whitespace-only consumer ids.
func ValidateConsumer(op, consumerID string) error {
	if strings.TrimSpace(consumerID) == "" {
		return Invalid(op, "consumer id cannot be empty")
	}
	return nil
}
