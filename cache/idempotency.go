// Package cache puts a redis lookup in front of the store's idempotency key
// search. Only the key -> record id mapping is cached; the record itself is
// always read from the store so its status is never stale.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/warp/wallet-engine/ledger"
)

const (
	keyPrefix  = "idempotency:"
	DefaultTTL = 24 * time.Hour
)

var errMiss = errors.New("cache miss")

type keyValue interface {
	Get(ctx context.Context, key string) (string, error) // errMiss when absent
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

type redisKV struct {
	client redis.UniversalClient
}

func (r redisKV) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", errMiss
	}
	return v, err
}

func (r redisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// IdempotencyStore decorates a ledger.Store. Redis errors are logged and the
// lookup falls through to the store.
type IdempotencyStore struct {
	ledger.Store
	kv  keyValue
	ttl time.Duration
	log logrus.FieldLogger
}

// Wrap returns store with idempotency lookups cached in client.
func Wrap(store ledger.Store, client redis.UniversalClient, ttl time.Duration, log logrus.FieldLogger) *IdempotencyStore {
	return wrap(store, redisKV{client: client}, ttl, log)
}

func wrap(store ledger.Store, kv keyValue, ttl time.Duration, log logrus.FieldLogger) *IdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &IdempotencyStore{Store: store, kv: kv, ttl: ttl, log: log.WithField("component", "idempotency_cache")}
}

func (s *IdempotencyStore) FindByIdempotencyKey(ctx context.Context, key string) (ledger.TransactionRecord, error) {
	id, err := s.kv.Get(ctx, keyPrefix+key)
	switch {
	case err == nil:
		rec, gerr := s.Store.GetTransaction(ctx, ledger.TransactionID(id))
		if gerr == nil && rec.IdempotencyKey == key {
			return rec, nil
		}
	case !errors.Is(err, errMiss):
		s.log.WithError(err).Warn("idempotency cache read failed")
	}

	rec, err := s.Store.FindByIdempotencyKey(ctx, key)
	if err != nil {
		return rec, err
	}
	s.remember(ctx, rec)
	return rec, nil
}

func (s *IdempotencyStore) Commit(ctx context.Context, m ledger.Mutation) error {
	if err := s.Store.Commit(ctx, m); err != nil {
		return err
	}
	for _, rec := range m.Append {
		s.remember(ctx, rec)
	}
	return nil
}

func (s *IdempotencyStore) remember(ctx context.Context, rec ledger.TransactionRecord) {
	if rec.IdempotencyKey == "" {
		return
	}
	if err := s.kv.Set(ctx, keyPrefix+rec.IdempotencyKey, string(rec.ID), s.ttl); err != nil {
		s.log.WithError(err).WithField("tx_id", rec.ID).Warn("idempotency cache write failed")
	}
}
