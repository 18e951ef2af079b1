// Package presence tracks which users have a live connection. Keys written
// through a Conn disappear when the Conn goes away, and the removal shows up
// on the store's Removals feed.
package presence

import (
	"context"
	"errors"
	"strings"

	"github.com/npezzotti/story-pointer/internal/stream"
)

var (
	errConnClosed = errors.New("presence connection closed")
	errDropped    = errors.New("presence connection dropped")
)

const userKeyPrefix = "presence/users/"

// UserKey is the presence key of a user.
func UserKey(userID string) string {
	return userKeyPrefix + userID
}

// UserIDFromKey extracts the user id from a presence key. ok is false for
// keys outside presence/users/.
func UserIDFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, userKeyPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(key, userKeyPrefix)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

type Store interface {
	// Connect opens a presence connection for one session.
	Connect(ctx context.Context) (Conn, error)
	// Removals delivers every removed key until ctx is done.
	Removals(ctx context.Context) (<-chan string, error)
	Close() error
}

type Conn interface {
	// Connected reports the liveness of the connection.
	Connected() *stream.Latest[bool]
	// OnDisconnectRemove arranges for key to be removed when this connection
	// goes away. Register it before Set so a crash in between cannot leave
	// the key behind.
	OnDisconnectRemove(ctx context.Context, key string) error
	// Set writes key. It stays present while the connection is alive.
	Set(ctx context.Context, key string) error
	// Close disconnects, removing every registered key.
	Close() error
}

func equalBool(a, b bool) bool { return a == b }
