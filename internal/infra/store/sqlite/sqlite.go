// Package sqlite provides the SQLite storage backend.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/mattn/go-sqlite3"

	"github.com/osa030/onrepeat/internal/domain/play"
	"github.com/osa030/onrepeat/internal/infra/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS plays (
	track_id   TEXT    NOT NULL,
	played_at  INTEGER NOT NULL,
	track_name TEXT    NOT NULL DEFAULT '',
	artist     TEXT    NOT NULL DEFAULT '',
	uri        TEXT    NOT NULL DEFAULT '',
	PRIMARY KEY (track_id, played_at)
);
CREATE INDEX IF NOT EXISTS idx_plays_played_at ON plays(played_at);
CREATE TABLE IF NOT EXISTS counters (
	track_id    TEXT    PRIMARY KEY,
	count       INTEGER NOT NULL,
	last_played INTEGER NOT NULL
);
`

// Config configures the SQLite backend.
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// DB is a SQLite-backed event log and counter store.
type DB struct {
	db *sql.DB
}

var (
	_ store.Backend      = (*DB)(nil)
	_ store.EventLog     = (*eventLog)(nil)
	_ store.CounterStore = (*counterStore)(nil)
	_ store.Recorder     = (*DB)(nil)
)

// Open opens the database at cfg.Path and migrates the schema.
func Open(cfg Config) (*DB, error) {
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL", cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to open sqlite db"), store.ErrUnavailable)
	}
	// A single connection serializes writers; SQLite allows only one anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Mark(errors.Wrap(err, "failed to ping sqlite db"), store.ErrUnavailable)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Mark(errors.Wrap(err, "migration failed"), store.ErrUnavailable)
	}
	return &DB{db: db}, nil
}

// Events returns the event log view of the database.
func (d *DB) Events() store.EventLog { return &eventLog{d.db} }

// Counters returns the counter store view of the database.
func (d *DB) Counters() store.CounterStore { return &counterStore{d.db} }

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Record appends ev and increments its counter in one transaction.
func (d *DB) Record(ctx context.Context, ev play.Event) (play.Counter, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return play.Counter{}, store.Classify(ctx, err, "begin record")
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertEvent(ctx, tx, ev); err != nil {
		return play.Counter{}, store.Classify(ctx, err, "record play")
	}
	c, err := upsertCounter(ctx, tx, ev.TrackID, 1, ev.PlayedAt)
	if err != nil {
		return play.Counter{}, store.Classify(ctx, err, "record play")
	}
	if err := tx.Commit(); err != nil {
		return play.Counter{}, store.Classify(ctx, err, "commit record")
	}
	return c, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertEvent(ctx context.Context, db execer, ev play.Event) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO plays (track_id, played_at, track_name, artist, uri) VALUES (?, ?, ?, ?, ?)`,
		ev.TrackID, ev.PlayedAt.UnixMilli(), ev.TrackName, ev.Artist, ev.URI)
	if isPrimaryKeyViolation(err) {
		return errors.Mark(errors.Newf("event %s", ev.Key()), store.ErrDuplicate)
	}
	return err
}

func upsertCounter(ctx context.Context, db execer, trackID string, delta int, ts time.Time) (play.Counter, error) {
	row := db.QueryRowContext(ctx, `
		INSERT INTO counters (track_id, count, last_played) VALUES (?, ?, ?)
		ON CONFLICT(track_id) DO UPDATE SET
			count = counters.count + excluded.count,
			last_played = MAX(counters.last_played, excluded.last_played)
		WHERE counters.count >= 0
		RETURNING count, last_played`,
		trackID, delta, ts.UnixMilli())

	var (
		count      int
		lastPlayed int64
	)
	err := row.Scan(&count, &lastPlayed)
	if errors.Is(err, sql.ErrNoRows) {
		return play.Counter{}, errors.Mark(errors.Newf("counter of %s is unreadable", trackID), store.ErrCorrupt)
	}
	if err != nil {
		return play.Counter{}, err
	}
	if count < 0 {
		return play.Counter{}, errors.Mark(errors.Newf("negative count %d for %s", count, trackID), store.ErrCorrupt)
	}
	return play.Counter{TrackID: trackID, Count: count, LastPlayed: time.UnixMilli(lastPlayed).UTC()}, nil
}

func isPrimaryKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
