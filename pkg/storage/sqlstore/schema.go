package sqlstore

import "github.com/fluxorio/logpilot/pkg/db"

// Timestamps are stored as Unix microseconds so ordering and precision do not
// depend on the driver's time handling.
func schema(d db.Dialect) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS log_records (
			id ` + d.SerialPK + `,
			channel TEXT NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			metadata TEXT,
			ts_micros BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_log_records_channel_id ON log_records (channel, id)`,
		`CREATE INDEX IF NOT EXISTS idx_log_records_ts ON log_records (ts_micros)`,
		`CREATE TABLE IF NOT EXISTS consumer_offsets (
			consumer_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			last_id BIGINT NOT NULL,
			PRIMARY KEY (consumer_id, channel)
		)`,
	}
}

const (
	insertRecordSQL = `INSERT INTO log_records (channel, level, message, metadata, ts_micros)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`

	selectColumns = `SELECT id, channel, level, message, metadata, ts_micros FROM log_records`

	readFromCursorSQL = selectColumns + ` WHERE channel = $1 AND id > $2 ORDER BY id ASC LIMIT $3`
	readChannelSQL    = selectColumns + ` WHERE channel = $1 ORDER BY id DESC LIMIT $2`
	readAllSQL        = selectColumns + ` ORDER BY ts_micros DESC, id DESC LIMIT $1`

	maxIDSQL = `SELECT COALESCE(MAX(id), 0) FROM log_records WHERE channel = $1`

	selectOffsetSQL = `SELECT last_id FROM consumer_offsets WHERE consumer_id = $1 AND channel = $2`

	upsertOffsetSQL = `INSERT INTO consumer_offsets (consumer_id, channel, last_id) VALUES ($1, $2, $3)
		ON CONFLICT (consumer_id, channel) DO UPDATE SET last_id = excluded.last_id`

	// advanceOffsetSQL only moves the cursor if it still holds the value the read
	// started from ($4).
	advanceOffsetSQL = upsertOffsetSQL + ` WHERE consumer_offsets.last_id = $4`
)
