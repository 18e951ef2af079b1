package poker

import (
	"context"

	"github.com/npezzotti/story-pointer/internal/presence"
	"github.com/npezzotti/story-pointer/internal/retry"
	"github.com/npezzotti/story-pointer/internal/stream"
	"github.com/rs/zerolog"
)

// PresenceTracker marks a user present whenever their presence connection
// comes up.
type PresenceTracker struct {
	policy retry.Policy
	log    zerolog.Logger
}

func NewPresenceTracker(policy retry.Policy, log zerolog.Logger) *PresenceTracker {
	return &PresenceTracker{policy: policy, log: log}
}

// Run registers the removal of the user's presence key and then sets it, on
// every transition of conn to connected. It returns when ctx is done.
func (t *PresenceTracker) Run(ctx context.Context, conn presence.Conn, userID string) {
	key := presence.UserKey(userID)
	log := t.log.With().Str("user_id", userID).Logger()

	stream.Switch(ctx, conn.Connected().Subscribe(ctx), func(ctx context.Context, up bool) {
		if !up {
			log.Debug().Msg("presence disconnected")
			return
		}

		err := t.policy.Do(ctx, log, "presence", func() error {
			if err := conn.OnDisconnectRemove(ctx, key); err != nil {
				return err
			}
			return conn.Set(ctx, key)
		})
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("giving up on presence")
			}
			return
		}
		log.Debug().Msg("presence set")
	})
}
