// Package badger provides the BadgerDB storage backend.
package badger

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v4"
	zlog "github.com/rs/zerolog/log"
	"github.com/thejerf/suture/v4"

	"github.com/osa030/onrepeat/internal/domain/play"
	"github.com/osa030/onrepeat/internal/infra/store"
)

const (
	eventPrefix   = "p/"
	counterPrefix = "c/"

	maxConflictRetries = 100
)

// Config configures the Badger backend.
type Config struct {
	Dir            string
	InMemory       bool
	SyncWrites     bool
	GCInterval     time.Duration
	GCDiscardRatio float64
}

// DB is a Badger-backed event log and counter store.
type DB struct {
	db  *badger.DB
	cfg Config
}

var (
	_ store.Backend      = (*DB)(nil)
	_ store.EventLog     = (*eventLog)(nil)
	_ store.CounterStore = (*counterStore)(nil)
	_ store.Recorder     = (*DB)(nil)
)

// Open opens (or creates) the database described by cfg.
func Open(cfg Config) (*DB, error) {
	if cfg.GCDiscardRatio <= 0 {
		cfg.GCDiscardRatio = 0.5
	}

	opts := badger.DefaultOptions(cfg.Dir).
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(nil)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to open badger at %q", cfg.Dir), store.ErrUnavailable)
	}
	return &DB{db: db, cfg: cfg}, nil
}

// Events returns the event log view of the database.
func (d *DB) Events() store.EventLog { return &eventLog{d} }

// Counters returns the counter store view of the database.
func (d *DB) Counters() store.CounterStore { return &counterStore{d} }

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Record appends ev and increments its counter in one transaction.
func (d *DB) Record(ctx context.Context, ev play.Event) (play.Counter, error) {
	var out play.Counter
	err := d.update(ctx, func(txn *badger.Txn) error {
		if err := putEvent(txn, ev); err != nil {
			return err
		}
		c, err := getCounter(txn, ev.TrackID)
		if err != nil {
			return err
		}
		out = store.Apply(c, 1, ev.PlayedAt)
		return putCounter(txn, out)
	})
	if err != nil {
		return play.Counter{}, store.Classify(ctx, err, "record play")
	}
	return out, nil
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (d *DB) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = d.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		zlog.Debug().Msgf("badger transaction conflict, retrying (attempt %d)", attempt+1)
	}
	return err
}

func (d *DB) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.View(fn)
}

// Serve runs value-log garbage collection until ctx is done.
func (d *DB) Serve(ctx context.Context) error {
	if d.cfg.InMemory || d.cfg.GCInterval <= 0 {
		return suture.ErrDoNotRestart
	}

	ticker := time.NewTicker(d.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.runGC()
		}
	}
}

// String implements fmt.Stringer for suture.
func (d *DB) String() string {
	return "badger-gc"
}

func (d *DB) runGC() {
	for {
		err := d.db.RunValueLogGC(d.cfg.GCDiscardRatio)
		if err == nil {
			continue
		}
		if !errors.Is(err, badger.ErrNoRewrite) {
			zlog.Warn().Err(err).Msg("badger value log GC failed")
		}
		return
	}
}

func eventKey(ev play.Event) []byte {
	return append(millisKey(eventPrefix, ev.PlayedAt.UnixMilli()), ev.TrackID...)
}

// millisKey flips the sign bit so that pre-epoch timestamps sort before
// later ones under byte order.
func millisKey(prefix string, ms int64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(ms)^(1<<63))
	return key
}

func counterKey(trackID string) []byte {
	return []byte(counterPrefix + trackID)
}

func putEvent(txn *badger.Txn, ev play.Event) error {
	key := eventKey(ev)
	if _, err := txn.Get(key); err == nil {
		return errors.Mark(errors.Newf("event %s", ev.Key()), store.ErrDuplicate)
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}

	data, err := store.EncodeEvent(ev)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// getCounter returns the stored counter or a zero counter when absent.
func getCounter(txn *badger.Txn, trackID string) (play.Counter, error) {
	item, err := txn.Get(counterKey(trackID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return play.Counter{TrackID: trackID}, nil
	}
	if err != nil {
		return play.Counter{}, err
	}

	var c play.Counter
	err = item.Value(func(val []byte) error {
		var decodeErr error
		c, decodeErr = store.DecodeCounter(trackID, val)
		return decodeErr
	})
	return c, err
}

func putCounter(txn *badger.Txn, c play.Counter) error {
	data, err := store.EncodeCounter(c)
	if err != nil {
		return err
	}
	return txn.Set(counterKey(c.TrackID), data)
}
