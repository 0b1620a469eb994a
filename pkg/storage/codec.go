package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/fluxorio/logpilot/pkg/core"
)

// recordLine is the persisted JSON shape of a record. The id is positional and
// never written.
type recordLine struct {
	Timestamp time.Time       `json:"timestamp"`
	Channel   string          `json:"channel"`
	Level     *Level          `json:"level"`
	Message   string          `json:"message"`
	Meta      json.RawMessage `json:"meta,omitempty"`
}

// EncodeRecord renders rec as one JSON document without a trailing newline.
func EncodeRecord(rec LogRecord) ([]byte, error) {
	meta, err := EncodeMetadata(rec.Metadata)
	if err != nil {
		return nil, err
	}
	return core.JSONEncode(recordLine{
		Timestamp: rec.Timestamp,
		Channel:   rec.Channel,
		Level:     &rec.Level,
		Message:   rec.Message,
		Meta:      meta,
	})
}

// DecodeRecord parses one document written by EncodeRecord. The id is left zero.
// A document without a channel or a level is not a record.
func DecodeRecord(data []byte) (LogRecord, error) {
	var line recordLine
	if err := core.JSONDecode(data, &line); err != nil {
		return LogRecord{}, err
	}
	if strings.TrimSpace(line.Channel) == "" {
		return LogRecord{}, errors.New("record has no channel")
	}
	if line.Level == nil {
		return LogRecord{}, errors.New("record has no level")
	}
	meta, err := DecodeMetadata(line.Meta)
	if err != nil {
		return LogRecord{}, err
	}
	return LogRecord{
		Channel:   line.Channel,
		Level:     *line.Level,
		Message:   line.Message,
		Metadata:  meta,
		Timestamp: line.Timestamp.UTC(),
	}, nil
}

// EncodeMetadata renders metadata as JSON text. A nil map encodes to nil so the
// absence survives storage; an empty map encodes to "{}".
func EncodeMetadata(m Metadata) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return core.JSONEncode(map[string]any(m))
}

// DecodeMetadata is the inverse of EncodeMetadata. Numbers come back as
// json.Number so integer values keep full precision.
func DecodeMetadata(data []byte) (Metadata, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	m := Metadata{}
	if err := core.JSONDecodeExact(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
