package storage

// Advance returns the cursor after delivering recs to a consumer whose cursor was
// cursor. The cursor only moves forward; moved is false when no record lies past it.
func Advance(cursor int64, recs []LogRecord) (next int64, moved bool) {
	next = cursor
	for _, r := range recs {
		if r.ID > next {
			next = r.ID
		}
	}
	return next, next != cursor
}

// SeekTarget is the cursor that makes id the next record delivered.
func SeekTarget(id int64) int64 {
	if id <= 1 {
		return 0
	}
	return id - 1
}

// OffsetKey identifies the cursor of consumerID on channel. Both parts are
// sanitized so the key is also a safe file name.
func OffsetKey(consumerID, channel string) string {
	return SanitizeName(consumerID) + ":" + SanitizeName(channel)
}

// SanitizeName replaces every character outside [A-Za-z0-9._-] with '_'.
// Distinct names can collide after sanitizing ("a/b" and "a?b").
func SanitizeName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
