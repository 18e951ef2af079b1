package poker

import (
	"context"
	"errors"
	"fmt"

	"github.com/npezzotti/story-pointer/internal/database"
	"github.com/npezzotti/story-pointer/internal/types"
)

// Directory creates rooms and reads them by id.
type Directory struct {
	db database.Store
}

func NewDirectory(db database.Store) *Directory {
	return &Directory{db: db}
}

// CreateRoom adds a room with creatorID as its only member and returns the
// generated id.
func (d *Directory) CreateRoom(ctx context.Context, creatorID string) (string, error) {
	if creatorID == "" {
		return "", ErrNotSignedIn
	}

	return d.db.Add(ctx, roomsCollection, database.Fields{
		"createdAt": database.ServerTimestamp(),
		"createdBy": creatorID,
		"members":   []string{creatorID},
	})
}

func (d *Directory) RoomExists(ctx context.Context, roomID string) (bool, error) {
	_, ok, err := d.RoomData(ctx, roomID)
	return ok, err
}

// RoomData reads a room once. ok is false when the room does not exist.
func (d *Directory) RoomData(ctx context.Context, roomID string) (types.Room, bool, error) {
	if roomID == "" {
		return types.Room{}, false, ErrNoRoom
	}

	snap, err := d.db.Get(ctx, roomPath(roomID))
	if err != nil {
		return types.Room{}, false, err
	}

	room, ok := decodeRoom(snap)
	return room, ok, nil
}

// EnsureUser creates the user document of userID unless it exists and
// returns it.
func (d *Directory) EnsureUser(ctx context.Context, userID string) (types.User, error) {
	if userID == "" {
		return types.User{}, ErrNotSignedIn
	}

	path := userPath(userID)
	_, err := d.db.Commit(ctx, database.NewBatch().
		Create(path, database.Fields{"createdAt": database.ServerTimestamp()}))
	if err != nil && !errors.Is(err, database.ErrAlreadyExists) {
		return types.User{}, fmt.Errorf("create user: %w", err)
	}

	snap, err := d.db.Get(ctx, path)
	if err != nil {
		return types.User{}, err
	}
	u, ok := decodeUser(snap)
	if !ok {
		return types.User{}, fmt.Errorf("user %s: %w", userID, database.ErrNotFound)
	}
	return u, nil
}
