package database

import "context"

// Store is a document database with atomic multi-document batches and
// realtime change notification.
type Store interface {
	// Get reads one document. A missing document is a snapshot with
	// Exists false, not an error.
	Get(ctx context.Context, path string) (Snapshot, error)
	// Add creates a document with a generated id in collection and returns
	// the id.
	Add(ctx context.Context, collection string, fields Fields) (string, error)
	// Commit applies every write in the batch or none of them and returns
	// the commit version.
	Commit(ctx context.Context, b *Batch) (int64, error)
	// Watch calls fn with the current snapshot of path and then with every
	// change. It blocks until ctx is done, returning ctx.Err(), or until the
	// subscription breaks, returning an error wrapping ErrWatchInterrupted.
	Watch(ctx context.Context, path string, fn func(Snapshot)) error
	// Query returns the documents of collection whose array field contains
	// value.
	Query(ctx context.Context, collection, field, value string) ([]Snapshot, error)
	Ping(ctx context.Context) error
	Close() error
}
