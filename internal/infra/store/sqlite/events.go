package sqlite

import (
	"context"
	"database/sql"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/onrepeat/internal/domain/play"
	"github.com/osa030/onrepeat/internal/infra/store"
)

type eventLog struct {
	db *sql.DB
}

func (l *eventLog) Append(ctx context.Context, ev play.Event) error {
	return store.Classify(ctx, insertEvent(ctx, l.db, ev), "append event")
}

func (l *eventLog) Query(ctx context.Context, since time.Time) ([]play.Event, error) {
	return l.list(ctx, `
		SELECT track_id, played_at, track_name, artist, uri FROM plays
		WHERE played_at > ? ORDER BY played_at ASC, track_id ASC`, since.UnixMilli())
}

func (l *eventLog) All(ctx context.Context) ([]play.Event, error) {
	return l.list(ctx, `
		SELECT track_id, played_at, track_name, artist, uri FROM plays
		ORDER BY played_at ASC, track_id ASC`)
}

func (l *eventLog) list(ctx context.Context, query string, args ...any) ([]play.Event, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.Classify(ctx, err, "query events")
	}
	defer rows.Close()

	var events []play.Event
	for rows.Next() {
		var (
			ev       play.Event
			playedAt int64
		)
		if err := rows.Scan(&ev.TrackID, &playedAt, &ev.TrackName, &ev.Artist, &ev.URI); err != nil {
			zlog.Warn().Err(err).Msg("skipping unreadable event row")
			continue
		}
		ev.PlayedAt = time.UnixMilli(playedAt).UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Classify(ctx, err, "iterate events")
	}
	return events, nil
}

func (l *eventLog) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM plays`).Scan(&n); err != nil {
		return 0, store.Classify(ctx, err, "count events")
	}
	return n, nil
}

func (l *eventLog) Reset(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM plays`)
	return store.Classify(ctx, err, "reset events")
}
