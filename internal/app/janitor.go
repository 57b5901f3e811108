package app

import (
	"context"
	"time"

	"github.com/dkeye/huddle/internal/docstore"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

// PresenceJanitor removes voice presence records left behind by clients
// that went away without retracting them.
type PresenceJanitor struct {
	Store    docstore.Store
	Registry *Registry
	TTL      time.Duration
	Interval time.Duration
}

func (j *PresenceJanitor) Run(ctx context.Context) error {
	interval := j.Interval
	if interval <= 0 {
		interval = j.TTL / 3
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil {
				log.Warn().Err(err).Str("module", "app.janitor").Msg("sweep failed")
			}
		}
	}
}

// Sweep runs one pass and returns how many records were removed.
func (j *PresenceJanitor) Sweep(ctx context.Context) (int, error) {
	rooms, err := j.Store.Query(ctx, domain.RoomsCollection, docstore.Query{})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, room := range rooms {
		roomID := domain.RoomID(room.ID)
		docs, err := j.Store.Query(ctx, domain.VoiceMembersCollection(roomID), docstore.Query{})
		if err != nil {
			return removed, err
		}
		for _, doc := range docs {
			user := domain.UserID(doc.ID)
			if j.Registry.OfflineFor(user) <= j.TTL {
				continue
			}
			if err := j.Store.Delete(ctx, doc.Path); err != nil {
				return removed, err
			}
			removed++
			log.Info().Str("module", "app.janitor").Str("room", string(roomID)).Str("user", string(user)).Msg("stale presence removed")
		}
	}
	return removed, nil
}
