// Package storage defines the contract shared by the LogPilot storage engines:
// the record and offset model, the typed errors and the cursor bookkeeping both
// backends rely on.
//
// Contract summary:
//   - Append-only: records are never updated or deleted.
//   - Ids are strictly increasing within a channel and assigned in commit order.
//   - Each (channel, consumer) pair owns one cursor, the last id delivered.
//   - A committing read advances the cursor to the highest id it returned, unless
//     a seek or commit changed the cursor while the read was in flight.
//   - Storage failures are *Error values with Code == CodeStorage.
package storage

import "context"

// Engine is the storage/offset engine consumed by the network layer and the CLI.
type Engine interface {
	// Open prepares the backing medium. Calling Open on an open engine is a no-op.
	Open(ctx context.Context) error
	// Close persists every cursor and releases resources.
	Close() error

	// Append stores rec and returns its id.
	Append(ctx context.Context, rec LogRecord) (int64, error)
	// AppendBatch stores recs atomically and returns their ids in input order.
	// An empty batch is a no-op.
	AppendBatch(ctx context.Context, recs []LogRecord) ([]int64, error)

	// Read returns up to limit records of channel past the consumer's cursor in
	// ascending id order. With autoCommit the cursor moves to the highest id
	// returned; without it the call is a peek.
	Read(ctx context.Context, channel, consumerID string, limit int, autoCommit bool) ([]LogRecord, error)
	// ReadChannel returns the most recent limit records of channel, newest first.
	ReadChannel(ctx context.Context, channel string, limit int) ([]LogRecord, error)
	// ReadAll returns the most recent limit records across channels, newest first.
	ReadAll(ctx context.Context, limit int) ([]LogRecord, error)

	// Commit sets the cursor to lastID unconditionally.
	Commit(ctx context.Context, channel, consumerID string, lastID int64) error
	// SeekToBeginning sets the cursor to 0.
	SeekToBeginning(ctx context.Context, channel, consumerID string) error
	// SeekToEnd sets the cursor to the highest id currently in channel.
	SeekToEnd(ctx context.Context, channel, consumerID string) error
	// SeekToID makes id the next record delivered.
	SeekToID(ctx context.Context, channel, consumerID string, id int64) error
	// Offset returns the cursor, 0 when none was ever stored.
	Offset(ctx context.Context, channel, consumerID string) (int64, error)
}

// ReadCommitted is Read with autoCommit enabled.
func ReadCommitted(ctx context.Context, e Engine, channel, consumerID string, limit int) ([]LogRecord, error) {
	return e.Read(ctx, channel, consumerID, limit, true)
}

// Operation names used in errors, logs, spans and metrics.
const (
	OpOpen            = "open"
	OpClose           = "close"
	OpAppend          = "append"
	OpAppendBatch     = "append_batch"
	OpRead            = "read"
	OpReadChannel     = "read_channel"
	OpReadAll         = "read_all"
	OpCommit          = "commit"
	OpSeekToBeginning = "seek_to_beginning"
	OpSeekToEnd       = "seek_to_end"
	OpSeekToID        = "seek_to_id"
	OpOffset          = "offset"
)
