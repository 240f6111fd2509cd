// Package redisstore is a Redis-backed sessions.Store. Session records are
// stored as JSON blobs with a TTL bound to the refresh-token lifetime, with
// lookup keys per token hash and a membership set per user.
//
// Key layout:
//
//	sess:{id}        record JSON, TTL = refresh lifetime
//	sess:at:{hash}   access-hash  -> session id
//	sess:rt:{hash}   refresh-hash -> session id
//	sess:user:{uid}  set of the user's session ids
//	sess:ids         set of all session ids
package redisstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/bearerworks/go-session-service/sessions"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

var _ sessions.Store = (*Store)(nil)

const (
	sessionKeyPrefix = "sess:"
	accessKeyPrefix  = "sess:at:"
	refreshKeyPrefix = "sess:rt:"
	userKeyPrefix    = "sess:user:"
	idsKey           = "sess:ids"
)

// Store implements sessions.Store on Redis. Mutating units are serialized
// on an in-process mutex and their writes flushed through one TxPipeline,
// which preserves the Manager's read-delete-insert isolation for a single
// service process. Multi-process deployments should front the store with a
// distributed lock or move the unit into a Lua script.
type Store struct {
	client  redis.UniversalClient
	nowFunc func() time.Time

	lock sync.Mutex
}

// StoreOption defines a function type to modify the Store instance.
type StoreOption func(*Store)

// WithNowFunc sets the now time function (primarily for testing)
func WithNowFunc(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.nowFunc = now
	}
}

// New creates a Redis-backed session store.
func New(client redis.UniversalClient, options ...StoreOption) (*Store, error) {
	if client == nil {
		return nil, errors.New("[redisstore.New] client is required")
	}
	s := &Store{
		client:  client,
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

func (s *Store) Update(ctx context.Context, fn func(tx sessions.Tx) error) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	tx := &redisTx{ctx: ctx, store: s}
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.writes) == 0 {
		return nil
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, write := range tx.writes {
			write(pipe)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "[redisstore.Update] TxPipelined")
	}
	return nil
}

func (s *Store) FindOne(ctx context.Context, filter sessions.Filter) (*sessions.Session, error) {
	matches, err := s.find(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, sessions.ErrSessionNotFound
	}
	return &matches[0], nil
}

// find resolves candidate ids from the narrowest available key, loads the
// records, and applies the remaining filter fields. Records whose session
// key lapsed via TTL are treated as absent.
func (s *Store) find(ctx context.Context, filter sessions.Filter) ([]sessions.Session, error) {
	ids, err := s.candidateIDs(ctx, filter)
	if err != nil {
		return nil, err
	}

	var matches []sessions.Session
	for _, id := range ids {
		record, err := s.load(ctx, id)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		if filter.Matches(record) {
			matches = append(matches, *record)
		}
	}
	return matches, nil
}

func (s *Store) candidateIDs(ctx context.Context, filter sessions.Filter) ([]string, error) {
	switch {
	case filter.ID != "":
		return []string{filter.ID}, nil

	case filter.AccessTokenHash != "":
		return s.lookupID(ctx, accessKeyPrefix+filter.AccessTokenHash)

	case filter.RefreshTokenHash != "":
		return s.lookupID(ctx, refreshKeyPrefix+filter.RefreshTokenHash)

	case filter.UserID != "":
		ids, err := s.client.SMembers(ctx, userKeyPrefix+filter.UserID).Result()
		if err != nil {
			return nil, errors.Wrap(err, "[redisstore.candidateIDs] SMembers user")
		}
		return ids, nil

	default:
		ids, err := s.client.SMembers(ctx, idsKey).Result()
		if err != nil {
			return nil, errors.Wrap(err, "[redisstore.candidateIDs] SMembers ids")
		}
		return ids, nil
	}
}

func (s *Store) lookupID(ctx context.Context, key string) ([]string, error) {
	id, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "[redisstore.lookupID] Get")
	}
	return []string{id}, nil
}

func (s *Store) load(ctx context.Context, id string) (*sessions.Session, error) {
	blob, err := s.client.Get(ctx, sessionKeyPrefix+id).Bytes()
	if err != nil {
		return nil, err
	}
	var record sessions.Session
	if err := json.Unmarshal(blob, &record); err != nil {
		return nil, errors.Wrap(err, "[redisstore.load] Unmarshal")
	}
	return &record, nil
}

// redisTx buffers writes until the surrounding Update flushes them in one
// TxPipeline. Reads observe the pre-update state, which is all the Manager
// requires: its units re-check before their first delete.
type redisTx struct {
	ctx    context.Context
	store  *Store
	writes []func(redis.Pipeliner)
}

func (tx *redisTx) Insert(record sessions.Session) error {
	blob, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "[redisstore.Insert] Marshal")
	}

	ttl := record.RefreshTokenExpiresAt.Sub(tx.store.nowFunc().UTC())
	if ttl <= 0 {
		return errors.New("[redisstore.Insert] session already expired")
	}

	tx.writes = append(tx.writes, func(pipe redis.Pipeliner) {
		pipe.Set(tx.ctx, sessionKeyPrefix+record.ID, blob, ttl)
		pipe.Set(tx.ctx, accessKeyPrefix+record.AccessTokenHash, record.ID, ttl)
		pipe.Set(tx.ctx, refreshKeyPrefix+record.RefreshTokenHash, record.ID, ttl)
		pipe.SAdd(tx.ctx, userKeyPrefix+record.UserID, record.ID)
		pipe.SAdd(tx.ctx, idsKey, record.ID)
	})
	return nil
}

func (tx *redisTx) Delete(filter sessions.Filter) error {
	matches, err := tx.store.find(tx.ctx, filter)
	if err != nil {
		return err
	}

	for i := range matches {
		record := matches[i]
		tx.writes = append(tx.writes, func(pipe redis.Pipeliner) {
			pipe.Del(tx.ctx, sessionKeyPrefix+record.ID)
			pipe.Del(tx.ctx, accessKeyPrefix+record.AccessTokenHash)
			pipe.Del(tx.ctx, refreshKeyPrefix+record.RefreshTokenHash)
			pipe.SRem(tx.ctx, userKeyPrefix+record.UserID, record.ID)
			pipe.SRem(tx.ctx, idsKey, record.ID)
		})
	}

	// The full-sweep filter also prunes ids whose session key lapsed via
	// TTL but whose set memberships remain.
	if !filter.RefreshExpiredBefore.IsZero() && filter.ID == "" && filter.UserID == "" {
		if err := tx.pruneLapsed(); err != nil {
			return err
		}
	}
	return nil
}

func (tx *redisTx) FindOne(filter sessions.Filter) (*sessions.Session, error) {
	return tx.store.FindOne(tx.ctx, filter)
}

func (tx *redisTx) pruneLapsed() error {
	ids, err := tx.store.client.SMembers(tx.ctx, idsKey).Result()
	if err != nil {
		return errors.Wrap(err, "[redisstore.pruneLapsed] SMembers")
	}
	for _, id := range ids {
		exists, err := tx.store.client.Exists(tx.ctx, sessionKeyPrefix+id).Result()
		if err != nil {
			return errors.Wrap(err, "[redisstore.pruneLapsed] Exists")
		}
		if exists == 1 {
			continue
		}
		lapsed := id
		tx.writes = append(tx.writes, func(pipe redis.Pipeliner) {
			pipe.SRem(tx.ctx, idsKey, lapsed)
		})
	}
	return nil
}
