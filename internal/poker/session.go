package poker

import (
	"context"
	"maps"
	"reflect"
	"slices"
	"sync"

	"github.com/npezzotti/story-pointer/internal/database"
	"github.com/npezzotti/story-pointer/internal/presence"
	"github.com/npezzotti/story-pointer/internal/retry"
	"github.com/npezzotti/story-pointer/internal/stream"
	"github.com/npezzotti/story-pointer/internal/types"
	"github.com/rs/zerolog"
)

type roomState struct {
	roomID string
	userID string
	exists bool
	room   types.Room
	vote   string
	result map[string]int64
}

type target = stream.Pair[string, string]

// Session is one participant: a user id, the room they are looking at and
// the view derived from both. Every change of room or user stops all work
// for the previous pair, and waits for it, before work for the new pair
// starts; nothing from the old pair reaches the view afterwards.
type Session struct {
	client  *database.Client
	conn    presence.Conn
	dir     *Directory
	members *Membership
	ledger  *Ledger
	tracker *PresenceTracker
	policy  retry.Policy
	log     zerolog.Logger

	userID *stream.Latest[string]
	roomID *stream.Latest[string]
	view   *stream.Latest[types.View]

	// opMu serializes the write operations of this participant.
	opMu sync.Mutex

	mu        sync.Mutex
	connected bool
	state     roomState
	stateCtx  context.Context

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSession(store database.Store, conn presence.Conn, policy retry.Policy, log zerolog.Logger) *Session {
	client := database.NewClient(store)
	dir := NewDirectory(client)
	log = log.With().Str("component", "session").Logger()

	s := &Session{
		client:   client,
		conn:     conn,
		dir:      dir,
		members:  NewMembership(client, dir, policy, log),
		ledger:   NewLedger(client, log),
		tracker:  NewPresenceTracker(policy, log),
		policy:   policy,
		log:      log,
		userID:   stream.NewLatest(equalString),
		roomID:   stream.NewLatest(equalString),
		view:     stream.NewLatest(equalView),
		stateCtx: context.Background(),
	}

	s.mu.Lock()
	s.publishLocked()
	s.mu.Unlock()

	s.roomID.Publish("")

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	targets := stream.NewLatest(equalTarget)

	s.wg.Add(4)
	go func() {
		defer s.wg.Done()
		s.watchConnected(ctx)
	}()
	go func() {
		defer s.wg.Done()
		stream.Switch(ctx, s.userID.Subscribe(ctx), func(ctx context.Context, uid string) {
			if uid != "" {
				s.tracker.Run(ctx, s.conn, uid)
			}
		})
	}()
	go func() {
		defer s.wg.Done()
		stream.CombineLatest(ctx, s.roomID, s.userID, targets)
	}()
	go func() {
		defer s.wg.Done()
		stream.Switch(ctx, targets.Subscribe(ctx), s.run)
	}()

	return s
}

func equalString(a, b string) bool { return a == b }

func equalBool(a, b bool) bool { return a == b }

func equalTarget(a, b target) bool { return a == b }

func equalView(a, b types.View) bool { return reflect.DeepEqual(a, b) }

// View is the continuously updated view of this participant.
func (s *Session) View() *stream.Latest[types.View] {
	return s.view
}

// SignIn sets the user this session acts as.
func (s *Session) SignIn(userID string) {
	s.userID.Publish(userID)
}

// Navigate switches to roomID. The empty id is home.
func (s *Session) Navigate(roomID string) {
	s.roomID.Publish(roomID)
}

func (s *Session) Home() {
	s.Navigate("")
}

// NewRoom creates a room and navigates to it. It is only allowed from home.
func (s *Session) NewRoom(ctx context.Context) (string, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if roomID, _ := s.roomID.Get(); roomID != "" {
		return "", ErrNotHome
	}
	userID, _ := s.userID.Get()

	roomID, err := s.dir.CreateRoom(ctx, userID)
	if err != nil {
		return "", err
	}
	s.log.Info().Str("room_id", roomID).Str("user_id", userID).Msg("room created")

	s.Navigate(roomID)
	return roomID, nil
}

// Vote casts option in the current room, reading the current vote as of
// the call.
func (s *Session) Vote(ctx context.Context, option string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	st := VoterState{RoomID: s.state.roomID, UserID: s.state.userID, Vote: s.state.vote}
	stateCtx := s.stateCtx
	s.mu.Unlock()

	if err := s.ledger.Vote(ctx, st, option); err != nil {
		return err
	}

	s.update(stateCtx, func(rs *roomState) { rs.vote = option })
	return nil
}

// Reset clears the votes of the current room and its current members.
func (s *Session) Reset(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	roomID := s.state.roomID
	members := slices.Clone(s.state.room.Members)
	stateCtx := s.stateCtx
	s.mu.Unlock()

	if err := s.ledger.Reset(ctx, roomID, members); err != nil {
		return err
	}

	s.update(stateCtx, func(rs *roomState) {
		if slices.Contains(members, rs.userID) {
			rs.vote = ""
		}
	})
	return nil
}

// Close stops every feed of the session and disconnects its presence.
func (s *Session) Close() error {
	s.cancel()
	s.wg.Wait()
	s.client.Close()
	return s.conn.Close()
}

func (s *Session) watchConnected(ctx context.Context) {
	for up := range s.conn.Connected().Subscribe(ctx) {
		s.mu.Lock()
		s.connected = up
		s.publishLocked()
		s.mu.Unlock()
	}
}

// run drives the view for one (room, user) pair until ctx is cancelled.
func (s *Session) run(ctx context.Context, t target) {
	roomID, userID := t.First, t.Second

	s.mu.Lock()
	s.state = roomState{roomID: roomID, userID: userID}
	s.stateCtx = ctx
	s.publishLocked()
	s.mu.Unlock()

	if roomID == "" || userID == "" {
		return
	}

	log := s.log.With().Str("room_id", roomID).Str("user_id", userID).Logger()
	if err := s.settleVoteElsewhere(ctx, log, roomID, userID); err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("giving up on room")
		}
		return
	}
	revealed := stream.NewLatest(equalBool)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		err := s.members.Feed(ctx, roomID, userID, func(snap database.Snapshot) {
			s.onRoom(ctx, log, snap, revealed)
		})
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("giving up on room")
		}
	}()
	go func() {
		defer wg.Done()
		s.watchUser(ctx, log, roomID, userID)
	}()
	go func() {
		defer wg.Done()
		runCtx := ctx
		stream.Switch(ctx, revealed.Subscribe(ctx), func(ctx context.Context, on bool) {
			s.watchResult(runCtx, ctx, log, roomID, on)
		})
	}()
	wg.Wait()
}

func (s *Session) onRoom(ctx context.Context, log zerolog.Logger, snap database.Snapshot, revealed *stream.Latest[bool]) {
	room, ok := decodeRoom(snap)
	if snap.Exists && !ok {
		log.Debug().Msg("ignoring malformed room")
		return
	}

	s.update(ctx, func(rs *roomState) {
		rs.exists = snap.Exists
		rs.room = room
	})

	// Only confirmed data decides the reveal; a local write the store has
	// not accepted must not expose the result.
	if !snap.HasPendingWrites {
		revealed.Publish(snap.Exists && Revealed(room.Members, room.VoteCount))
	}
}

func (s *Session) watchUser(ctx context.Context, log zerolog.Logger, roomID, userID string) {
	for {
		err := s.client.Watch(ctx, userPath(userID), func(snap database.Snapshot) {
			user, ok := decodeUser(snap)
			if snap.Exists && !ok {
				log.Debug().Msg("ignoring malformed user")
				return
			}
			s.update(ctx, func(rs *roomState) { rs.vote = voteIn(user, roomID) })
		})
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Msg("user watch failed")
		if s.policy.Wait(ctx) != nil {
			return
		}
	}
}

// watchResult follows the ledger while on. Updates are made on behalf of
// runCtx, the run that owns the state; ctx ends when the reveal flips.
func (s *Session) watchResult(runCtx, ctx context.Context, log zerolog.Logger, roomID string, on bool) {
	if !on {
		s.update(runCtx, func(rs *roomState) { rs.result = nil })
		return
	}

	for {
		err := s.client.Watch(ctx, ledgerPath(roomID), func(snap database.Snapshot) {
			l, ok := decodeLedger(snap)
			if !ok || ctx.Err() != nil {
				return
			}
			s.update(runCtx, func(rs *roomState) { rs.result = tally(l) })
		})
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Msg("result watch failed, retrying")
		if s.policy.Wait(ctx) != nil {
			return
		}
	}
}

// voteIn is the user's vote if it was cast in roomID.
func voteIn(user types.User, roomID string) string {
	if user.ForRoom != roomID {
		return ""
	}
	return user.Vote
}

// settleVoteElsewhere retracts a vote the user still holds in another room
// before joining roomID, so it is never counted against roomID.
func (s *Session) settleVoteElsewhere(ctx context.Context, log zerolog.Logger, roomID, userID string) error {
	return s.policy.Do(ctx, log, "settle vote", func() error {
		snap, err := s.client.Get(ctx, userPath(userID))
		if err != nil {
			return err
		}
		user, ok := decodeUser(snap)
		if !ok || user.Vote == "" || user.ForRoom == "" || user.ForRoom == roomID {
			return nil
		}

		log.Debug().Str("vote_room_id", user.ForRoom).Msg("retracting vote cast elsewhere")
		return s.ledger.Retract(ctx, VoterState{RoomID: user.ForRoom, UserID: userID, Vote: user.Vote})
	})
}

// update applies fn to the state unless ctx, the run that produced the
// change, has been superseded.
func (s *Session) update(ctx context.Context, fn func(*roomState)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ctx.Err() != nil || ctx != s.stateCtx {
		return
	}
	fn(&s.state)
	s.publishLocked()
}

func (s *Session) publishLocked() {
	s.view.Publish(s.composeLocked())
}

func (s *Session) composeLocked() types.View {
	st := s.state
	v := types.View{
		Connecting: !s.connected,
		RoomId:     st.roomID,
		Members:    []string{},
		Options:    Options(),
	}
	if st.roomID == "" {
		return v
	}

	v.RoomExists = st.exists
	if st.room.Members != nil {
		v.Members = slices.Clone(st.room.Members)
	}
	if st.room.VoteCount != nil {
		v.VoteCount = *st.room.VoteCount
	}
	v.Vote = st.vote
	if st.result != nil {
		v.Result = maps.Clone(st.result)
	}
	return v
}
