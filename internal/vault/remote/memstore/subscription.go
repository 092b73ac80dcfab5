package memstore

import (
	"context"
	"sync"

	"github.com/dskora/vaultsync/internal/vault/remote"
	"github.com/dskora/vaultsync/internal/vault/schema"
)

// subscription is an in-memory change feed filtered by collection, user,
// and optionally a since watermark.
type subscription struct {
	store      *Store
	collection string
	userID     string
	since      int64 // < 0 means unfiltered

	ch     chan []schema.Record
	mu     sync.Mutex
	err    error
	closed bool
}

// Watch implements remote.Store.
func (s *Store) Watch(ctx context.Context, collection, userID string, since int64) (remote.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failWatch[collection]; err != nil {
		return nil, err
	}

	sub := &subscription{
		store:      s,
		collection: collection,
		userID:     userID,
		since:      since,
		ch:         make(chan []schema.Record, 64),
	}
	s.subs = append(s.subs, sub)

	go func() {
		<-ctx.Done()
		sub.finish(nil)
	}()

	return sub, nil
}

func (sub *subscription) Changes() <-chan []schema.Record { return sub.ch }

func (sub *subscription) Err() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.err
}

func (sub *subscription) Close() error {
	sub.finish(nil)
	return nil
}

func (sub *subscription) finish(err error) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	sub.err = err
	close(sub.ch)
	sub.mu.Unlock()

	sub.store.mu.Lock()
	for i, other := range sub.store.subs {
		if other == sub {
			sub.store.subs = append(sub.store.subs[:i], sub.store.subs[i+1:]...)
			break
		}
	}
	sub.store.mu.Unlock()
}

func (sub *subscription) deliver(batch []schema.Record) {
	var matched []schema.Record
	for _, rec := range batch {
		if rec.UserID != sub.userID {
			continue
		}
		if sub.since >= 0 && rec.UpdatedAt <= sub.since {
			continue
		}
		matched = append(matched, rec)
	}
	if len(matched) == 0 {
		return
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.ch <- matched:
	default:
		// Test feeds are small; a full buffer means a stuck consumer.
	}
}

// emit fans a mutation batch out to matching subscriptions.
func (s *Store) emit(collection string, batch []schema.Record) {
	if len(batch) == 0 {
		return
	}
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.collection == collection {
			subs = append(subs, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(batch)
	}
}

// EmitRaw pushes a batch directly to matching subscriptions without
// touching stored state. Tests use it to simulate out-of-order or
// duplicate delivery from the remote feed.
func (s *Store) EmitRaw(collection string, batch []schema.Record) {
	s.emit(collection, batch)
}

// FailSubscriptions terminates every open subscription with err, simulating
// a dropped change feed.
func (s *Store) FailSubscriptions(err error) {
	s.mu.Lock()
	subs := append([]*subscription(nil), s.subs...)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.finish(err)
	}
}
