package cache

import "errors"

// Error kinds surfaced by cache operations. Callers branch on these with
// errors.Is; the concrete message carries the offending key or limit.
var (
	// ErrInvalidKey covers empty keys, keys over the length limit, and
	// keys containing NUL or newline characters.
	ErrInvalidKey = errors.New("invalid cache key")

	// ErrInvalidValue means the value cannot be serialized to JSON
	// (functions, channels, cyclic structures).
	ErrInvalidValue = errors.New("value not serializable")

	// ErrInvalidTTL means the TTL is above the one-year maximum.
	ErrInvalidTTL = errors.New("ttl out of range")

	// ErrCapacity means the entry could not be admitted even after
	// eviction ran to its iteration cap.
	ErrCapacity = errors.New("cache capacity exceeded")

	// ErrDurability means the WAL append failed; the mutation was not
	// applied.
	ErrDurability = errors.New("wal durability failure")

	// ErrTooManyTransactions means the active-transaction cap is reached.
	ErrTooManyTransactions = errors.New("too many active transactions")

	// ErrSnapshotTooOld means the snapshot predates the restore window.
	ErrSnapshotTooOld = errors.New("snapshot too old to restore")

	// ErrSnapshotMalformed means the snapshot file failed validation.
	ErrSnapshotMalformed = errors.New("snapshot malformed")
)
