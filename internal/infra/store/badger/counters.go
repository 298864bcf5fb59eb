package badger

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v4"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/onrepeat/internal/domain/play"
	"github.com/osa030/onrepeat/internal/infra/store"
)

// Key format: c/ + track_id. Value: {"count":N,"lastPlayed":ms}.
type counterStore struct {
	d *DB
}

func (s *counterStore) Get(ctx context.Context, trackID string) (play.Counter, bool, error) {
	var (
		c     play.Counter
		found bool
	)
	err := s.d.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(counterKey(trackID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			var decodeErr error
			c, decodeErr = store.DecodeCounter(trackID, val)
			return decodeErr
		})
	})
	if err != nil {
		return play.Counter{}, false, store.Classify(ctx, err, "get counter")
	}
	return c, found, nil
}

func (s *counterStore) Upsert(ctx context.Context, trackID string, delta int, ts time.Time) (play.Counter, error) {
	var out play.Counter
	err := s.d.update(ctx, func(txn *badger.Txn) error {
		c, err := getCounter(txn, trackID)
		if err != nil {
			return err
		}
		out = store.Apply(c, delta, ts)
		return putCounter(txn, out)
	})
	if err != nil {
		return play.Counter{}, store.Classify(ctx, err, "upsert counter")
	}
	return out, nil
}

func (s *counterStore) All(ctx context.Context) ([]play.Counter, error) {
	var counters []play.Counter
	err := s.d.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(counterPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			trackID := string(item.Key()[len(counterPrefix):])
			var c play.Counter
			err := item.Value(func(val []byte) error {
				var decodeErr error
				c, decodeErr = store.DecodeCounter(trackID, val)
				return decodeErr
			})
			if err != nil {
				zlog.Warn().Err(err).Msgf("skipping unreadable counter %s", trackID)
				continue
			}
			counters = append(counters, c)
		}
		return nil
	})
	if err != nil {
		return nil, store.Classify(ctx, err, "list counters")
	}
	return counters, nil
}

func (s *counterStore) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return store.Classify(ctx, err, "reset counters")
	}
	return store.Classify(ctx, s.d.db.DropPrefix([]byte(counterPrefix)), "reset counters")
}
