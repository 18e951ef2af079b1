package types

// User is the document of an anonymous participant. Vote is empty when the
// user has not voted.
type User struct {
	Id        string `json:"id" mapstructure:"-"`
	CreatedAt string `json:"created_at,omitempty" mapstructure:"createdAt"`
	ForRoom   string `json:"for_room,omitempty" mapstructure:"forRoom"`
	Vote      string `json:"vote,omitempty" mapstructure:"vote"`
}

// Room is a voting room. VoteCount is nil until the first vote is cast and
// after a reset.
type Room struct {
	Id        string   `json:"id" mapstructure:"-"`
	CreatedAt string   `json:"created_at,omitempty" mapstructure:"createdAt"`
	CreatedBy string   `json:"created_by" mapstructure:"createdBy"`
	Members   []string `json:"members" mapstructure:"members"`
	VoteCount *int64   `json:"vote_count,omitempty" mapstructure:"voteCount"`
}

// Ledger aggregates the votes of a room by option.
type Ledger struct {
	Votes map[string]int64 `json:"votes" mapstructure:"votes"`
	For   string           `json:"for" mapstructure:"for"`
}

// View is what one participant sees. Result stays nil until the room is
// revealed.
type View struct {
	Connecting bool             `json:"connecting"`
	RoomId     string           `json:"room_id"`
	RoomExists bool             `json:"room_exists"`
	Members    []string         `json:"members"`
	VoteCount  int64            `json:"vote_count"`
	Result     map[string]int64 `json:"result"`
	Vote       string           `json:"vote,omitempty"`
	Options    []string         `json:"options"`
}
