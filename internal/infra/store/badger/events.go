package badger

import (
	"context"
	"time"

	"github.com/dgraph-io/badger/v4"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/onrepeat/internal/domain/play"
	"github.com/osa030/onrepeat/internal/infra/store"
)

// Key format: p/ + played_at (epoch-ms with the sign bit flipped, 8 bytes
// big-endian) + track_id.
// Iteration order is therefore chronological.
type eventLog struct {
	d *DB
}

func (l *eventLog) Append(ctx context.Context, ev play.Event) error {
	err := l.d.update(ctx, func(txn *badger.Txn) error {
		return putEvent(txn, ev)
	})
	return store.Classify(ctx, err, "append event")
}

func (l *eventLog) Query(ctx context.Context, since time.Time) ([]play.Event, error) {
	return l.scan(ctx, millisKey(eventPrefix, since.UnixMilli()+1))
}

func (l *eventLog) All(ctx context.Context) ([]play.Event, error) {
	return l.scan(ctx, []byte(eventPrefix))
}

func (l *eventLog) scan(ctx context.Context, from []byte) ([]play.Event, error) {
	var events []play.Event
	err := l.d.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(eventPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(from); it.Valid(); it.Next() {
			item := it.Item()
			var ev play.Event
			err := item.Value(func(val []byte) error {
				var decodeErr error
				ev, decodeErr = store.DecodeEvent(val)
				return decodeErr
			})
			if err != nil {
				zlog.Warn().Err(err).Msgf("skipping unreadable event %x", item.Key())
				continue
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, store.Classify(ctx, err, "scan events")
	}
	return events, nil
}

func (l *eventLog) Count(ctx context.Context) (int, error) {
	n := 0
	err := l.d.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(eventPrefix)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, store.Classify(ctx, err, "count events")
	}
	return n, nil
}

func (l *eventLog) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return store.Classify(ctx, err, "reset events")
	}
	return store.Classify(ctx, l.d.db.DropPrefix([]byte(eventPrefix)), "reset events")
}
