// Package poker implements the room membership and voting protocol: rooms,
// joins, the vote ledger, the reveal rule and the per-participant view.
package poker

import (
	"errors"
	"slices"
	"strings"
)

var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrInvalidOption = errors.New("invalid vote option")
	ErrNoRoom        = errors.New("not in a room")
	ErrNotSignedIn   = errors.New("not signed in")
	ErrNotHome       = errors.New("already in a room")
)

var deck = []string{"½", "1", "2", "3", "5", "8", "13"}

// Options returns the card deck in display order.
func Options() []string {
	return slices.Clone(deck)
}

func ValidOption(option string) bool {
	return slices.Contains(deck, option)
}

// ValidRoomID reports whether id can name a room document.
func ValidRoomID(id string) bool {
	return id != "" && len(id) <= 64 && !strings.ContainsAny(id, "/. ")
}
