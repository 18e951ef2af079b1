package poker

import (
	"github.com/go-viper/mapstructure/v2"
	"github.com/npezzotti/story-pointer/internal/database"
	"github.com/npezzotti/story-pointer/internal/types"
)

const (
	roomsCollection = "rooms"
	usersCollection = "users"
)

func roomPath(roomID string) string {
	return database.Doc(roomsCollection, roomID)
}

func userPath(userID string) string {
	return database.Doc(usersCollection, userID)
}

func ledgerPath(roomID string) string {
	return database.Doc(roomsCollection, roomID, "ledger", "tally")
}

func decode(data database.Fields, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(map[string]any(data))
}

// decodeRoom returns false for a missing or malformed room document.
func decodeRoom(snap database.Snapshot) (types.Room, bool) {
	var r types.Room
	if !snap.Exists || decode(snap.Data, &r) != nil {
		return types.Room{}, false
	}
	r.Id = snap.ID()
	return r, true
}

func decodeUser(snap database.Snapshot) (types.User, bool) {
	var u types.User
	if !snap.Exists || decode(snap.Data, &u) != nil {
		return types.User{}, false
	}
	u.Id = snap.ID()
	return u, true
}

func decodeLedger(snap database.Snapshot) (types.Ledger, bool) {
	var l types.Ledger
	if !snap.Exists || decode(snap.Data, &l) != nil {
		return types.Ledger{}, false
	}
	return l, true
}

// tally drops options nobody holds.
func tally(l types.Ledger) map[string]int64 {
	out := make(map[string]int64, len(l.Votes))
	for opt, n := range l.Votes {
		if n > 0 {
			out[opt] = n
		}
	}
	return out
}
