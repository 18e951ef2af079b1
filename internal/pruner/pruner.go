// Package pruner removes departed users from the rooms they were members
// of. It reacts to presence removals and runs independently of any session.
package pruner

import (
	"context"
	"errors"
	"fmt"

	"github.com/npezzotti/story-pointer/internal/database"
	"github.com/npezzotti/story-pointer/internal/presence"
	"github.com/npezzotti/story-pointer/internal/retry"
	"github.com/npezzotti/story-pointer/internal/stats"
	"github.com/rs/zerolog"
)

const roomsCollection = "rooms"

type Pruner struct {
	presence presence.Store
	db       database.Store
	stats    stats.StatsProvider
	policy   retry.Policy
	log      zerolog.Logger
}

func New(pres presence.Store, db database.Store, st stats.StatsProvider, policy retry.Policy, log zerolog.Logger) *Pruner {
	return &Pruner{
		presence: pres,
		db:       db,
		stats:    st,
		policy:   policy,
		log:      log.With().Str("component", "pruner").Logger(),
	}
}

// Run prunes on every presence removal until ctx is done. A broken removal
// feed is resubscribed after the retry delay.
func (p *Pruner) Run(ctx context.Context) error {
	p.log.Info().Msg("pruner started")
	defer p.log.Info().Msg("pruner stopped")

	for {
		removals, err := p.presence.Removals(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Warn().Err(err).Msg("subscribing to presence removals failed")
		} else {
			for key := range removals {
				p.handle(ctx, key)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Warn().Msg("presence removal feed closed, resubscribing")
		}

		if err := p.policy.Wait(ctx); err != nil {
			return err
		}
	}
}

func (p *Pruner) handle(ctx context.Context, key string) {
	userID, ok := presence.UserIDFromKey(key)
	if !ok {
		return
	}

	n, err := p.Prune(ctx, userID)
	if err != nil && ctx.Err() == nil {
		p.log.Error().Err(err).Str("user_id", userID).Int("rooms", n).Msg("pruning failed")
	}
}

// Prune removes userID from the members of every room that lists it, with
// one update per room, and returns how many rooms were updated.
func (p *Pruner) Prune(ctx context.Context, userID string) (int, error) {
	rooms, err := p.db.Query(ctx, roomsCollection, "members", userID)
	if err != nil {
		return 0, fmt.Errorf("query rooms of %s: %w", userID, err)
	}

	var (
		n    int
		errs []error
	)
	for _, room := range rooms {
		b := database.NewBatch().
			Update(room.Path, database.Fields{"members": database.ArrayRemove(userID)})
		if _, err := p.db.Commit(ctx, b); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				continue
			}
			errs = append(errs, fmt.Errorf("prune %s: %w", room.Path, err))
			continue
		}
		n++
		p.stats.Incr(stats.MembersPruned)
	}

	p.log.Info().Str("user_id", userID).Int("rooms", n).Msg("removed departed user from rooms")
	return n, errors.Join(errs...)
}
