package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/onrepeat/internal/domain/play"
	"github.com/osa030/onrepeat/internal/infra/store"
)

type counterStore struct {
	db *sql.DB
}

func (s *counterStore) Get(ctx context.Context, trackID string) (play.Counter, bool, error) {
	var (
		count      int
		lastPlayed int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT count, last_played FROM counters WHERE track_id = ?`, trackID).Scan(&count, &lastPlayed)
	if errors.Is(err, sql.ErrNoRows) {
		return play.Counter{}, false, nil
	}
	if err != nil {
		return play.Counter{}, false, store.Classify(ctx, err, "get counter")
	}
	if count < 0 {
		return play.Counter{}, false, errors.Mark(errors.Newf("negative count %d for %s", count, trackID), store.ErrCorrupt)
	}
	return play.Counter{TrackID: trackID, Count: count, LastPlayed: time.UnixMilli(lastPlayed).UTC()}, true, nil
}

func (s *counterStore) Upsert(ctx context.Context, trackID string, delta int, ts time.Time) (play.Counter, error) {
	c, err := upsertCounter(ctx, s.db, trackID, delta, ts)
	if err != nil {
		return play.Counter{}, store.Classify(ctx, err, "upsert counter")
	}
	return c, nil
}

func (s *counterStore) All(ctx context.Context) ([]play.Counter, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT track_id, count, last_played FROM counters`)
	if err != nil {
		return nil, store.Classify(ctx, err, "list counters")
	}
	defer rows.Close()

	var counters []play.Counter
	for rows.Next() {
		var (
			c          play.Counter
			lastPlayed int64
		)
		if err := rows.Scan(&c.TrackID, &c.Count, &lastPlayed); err != nil || c.Count < 0 {
			zlog.Warn().Err(err).Msgf("skipping unreadable counter row %q", c.TrackID)
			continue
		}
		c.LastPlayed = time.UnixMilli(lastPlayed).UTC()
		counters = append(counters, c)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Classify(ctx, err, "iterate counters")
	}
	return counters, nil
}

func (s *counterStore) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM counters`)
	return store.Classify(ctx, err, "reset counters")
}
