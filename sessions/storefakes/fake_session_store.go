package storefakes

import (
	"context"
	"sync"

	"github.com/bearerworks/go-session-service/sessions"
)

var _ sessions.Store = (*FakeSessionStore)(nil)

// FakeSessionStore is an in-memory sessions.Store. Update calls are
// serialized on a mutex, so each read-delete-insert sequence commits as one
// unit - the isolation the Manager requires of any backing store.
type FakeSessionStore struct {
	lock    sync.RWMutex
	records map[string]sessions.Session // keyed by session ID
}

func NewFakeSessionStore() *FakeSessionStore {
	return &FakeSessionStore{
		records: make(map[string]sessions.Session),
	}
}

type fakeTx struct {
	store *FakeSessionStore
}

func (s *FakeSessionStore) Update(ctx context.Context, fn func(tx sessions.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	return fn(&fakeTx{store: s})
}

func (s *FakeSessionStore) FindOne(ctx context.Context, filter sessions.Filter) (*sessions.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.findOne(filter)
}

// Count reports the number of stored sessions matching the filter.
func (s *FakeSessionStore) Count(filter sessions.Filter) int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	count := 0
	for id := range s.records {
		record := s.records[id]
		if filter.Matches(&record) {
			count++
		}
	}
	return count
}

func (s *FakeSessionStore) findOne(filter sessions.Filter) (*sessions.Session, error) {
	for id := range s.records {
		record := s.records[id]
		if filter.Matches(&record) {
			return &record, nil
		}
	}
	return nil, sessions.ErrSessionNotFound
}

func (tx *fakeTx) Insert(session sessions.Session) error {
	tx.store.records[session.ID] = session
	return nil
}

func (tx *fakeTx) Delete(filter sessions.Filter) error {
	for id := range tx.store.records {
		record := tx.store.records[id]
		if filter.Matches(&record) {
			delete(tx.store.records, id)
		}
	}
	return nil
}

func (tx *fakeTx) FindOne(filter sessions.Filter) (*sessions.Session, error) {
	return tx.store.findOne(filter)
}
