// Package cache provides ResourceStore, a process-wide read-through cache of
// backend-owned resource collections.
//
// Entries are replaced wholesale by a refresh and dropped by invalidation.
// Concurrent refreshes of one key collapse into a single backend call, and a
// refresh that started before an invalidation never writes its result back.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Bamington/battleplanapp-sub000/core"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

type (
	// Key identifies one cached collection. UserID is empty for types that are
	// not user scoped.
	Key struct {
		Type   string
		UserID string
	}

	// Options configure freshness for a resource type. A zero TTL keeps
	// entries until they are invalidated.
	Options struct {
		TTL                  time.Duration
		StaleWhileRevalidate bool
	}

	// Fetcher loads a collection from the backend.
	Fetcher func(ctx context.Context, key Key) ([]core.Resource, error)

	Option func(*ResourceStore)

	entry struct {
		key       Key
		data      []core.Resource
		fetchedAt time.Time
		ttl       time.Duration
	}

	ResourceStore struct {
		fetch    Fetcher
		defaults Options
		perType  map[string]Options
		now      func() time.Time

		entries *gocache.Cache
		group   singleflight.Group

		// mu guards generations and every write to entries.
		mu          sync.Mutex
		generations map[Key]uint64

		subMu       sync.RWMutex
		subscribers map[int]func(Key)
		nextSub     int

		background sync.WaitGroup
	}
)

// DefaultOptions is a five minute TTL served stale while revalidating.
var DefaultOptions = Options{TTL: 5 * time.Minute, StaleWhileRevalidate: true}

// WithDefaults sets the options used for types without their own options.
func WithDefaults(o Options) Option {
	return func(s *ResourceStore) { s.defaults = o }
}

// WithTypeOptions sets options for one resource type.
func WithTypeOptions(resourceType string, o Options) Option {
	return func(s *ResourceStore) { s.perType[resourceType] = o }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *ResourceStore) { s.now = now }
}

// New creates a ResourceStore reading through fetch.
func New(fetch Fetcher, opts ...Option) *ResourceStore {
	s := &ResourceStore{
		fetch:       fetch,
		defaults:    DefaultOptions,
		perType:     make(map[string]Options),
		now:         time.Now,
		entries:     gocache.New(gocache.NoExpiration, 0),
		generations: make(map[Key]uint64),
		subscribers: make(map[int]func(Key)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// KeyFor builds the cache key of a resource type for a user, dropping the
// user for types shared by everyone.
func KeyFor(resourceType, userID string) Key {
	if rt, ok := core.LookupType(resourceType); ok && !rt.UserScoped {
		userID = ""
	}
	return Key{Type: resourceType, UserID: userID}
}

func (k Key) String() string {
	if k.UserID == "" {
		return k.Type
	}
	return k.Type + "/" + k.UserID
}

// Options returns the effective options for a resource type.
func (s *ResourceStore) Options(resourceType string) Options {
	if o, ok := s.perType[resourceType]; ok {
		return o
	}
	return s.defaults
}

func (e *entry) fresh(now time.Time) bool {
	return e.ttl == 0 || now.Sub(e.fetchedAt) < e.ttl
}

func (s *ResourceStore) lookup(key Key) (*entry, bool) {
	v, ok := s.entries.Get(key.String())
	if !ok {
		return nil, false
	}
	e, ok := v.(*entry)
	return e, ok
}

// Get returns the cached collection when fresh. A stale or missing entry
// triggers a refresh: with stale-while-revalidate the last known value (or
// an empty collection when never populated) is returned at once, otherwise
// the refresh is awaited. An entry dropped by Invalidate is always
// refetched before returning, so a known mutation is never answered with
// data from before it. A failed awaited refresh returns the last known value
// with the error.
func (s *ResourceStore) Get(ctx context.Context, key Key) ([]core.Resource, error) {
	e, ok := s.lookup(key)
	if ok && e.fresh(s.now()) {
		return cloneAll(e.data), nil
	}

	if s.Options(key.Type).StaleWhileRevalidate && (ok || !s.invalidated(key)) {
		s.refreshInBackground(key)
		if ok {
			return cloneAll(e.data), nil
		}
		return []core.Resource{}, nil
	}
	return s.await(ctx, key, e, ok)
}

// Load is Get for callers that need a populated answer: it only serves a
// stale value while revalidating when one exists, and otherwise waits for
// the refresh.
func (s *ResourceStore) Load(ctx context.Context, key Key) ([]core.Resource, error) {
	e, ok := s.lookup(key)
	if ok && e.fresh(s.now()) {
		return cloneAll(e.data), nil
	}
	if ok && s.Options(key.Type).StaleWhileRevalidate {
		s.refreshInBackground(key)
		return cloneAll(e.data), nil
	}
	return s.await(ctx, key, e, ok)
}

func (s *ResourceStore) await(ctx context.Context, key Key, last *entry, ok bool) ([]core.Resource, error) {
	data, err := s.Refresh(ctx, key)
	if err != nil {
		if ok {
			return cloneAll(last.data), err
		}
		return []core.Resource{}, err
	}
	return data, nil
}

// Refresh queries the backend unconditionally and replaces the entry.
// Callers that arrive while a refresh of the same key is in flight share its
// result. The backend call is detached from ctx: a caller that gives up gets
// ctx.Err(), but the refresh still completes and updates the cache. A failed
// refresh leaves the previous entry in place.
func (s *ResourceStore) Refresh(ctx context.Context, key Key) ([]core.Resource, error) {
	gen := s.generation(key)
	detached := context.WithoutCancel(ctx)

	ch := s.group.DoChan(fmt.Sprintf("%s#%d", key, gen), func() (any, error) {
		log := logrus.WithField("key", key.String())
		log.Debug("Refreshing resource cache")

		data, err := s.fetch(detached, key)
		if err != nil {
			log.WithError(err).Warn("Failed to refresh resource cache")
			return nil, err
		}
		if data == nil {
			data = []core.Resource{}
		}
		s.store(key, gen, data)
		return data, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return cloneAll(res.Val.([]core.Resource)), nil
	}
}

func (s *ResourceStore) refreshInBackground(key Key) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if _, err := s.Refresh(context.Background(), key); err != nil {
			logrus.WithError(err).WithField("key", key.String()).Warn("Background refresh failed")
		}
	}()
}

// generation returns the current invalidation generation of key, registering
// the key so later invalidations supersede refreshes started now.
func (s *ResourceStore) generation(key Key) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	gen, ok := s.generations[key]
	if !ok {
		s.generations[key] = 0
	}
	return gen
}

// invalidated reports whether key has been invalidated or reset at least once.
func (s *ResourceStore) invalidated(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generations[key] > 0
}

func (s *ResourceStore) store(key Key, gen uint64, data []core.Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generations[key] != gen {
		logrus.WithField("key", key.String()).Debug("Discarding superseded refresh")
		return
	}
	s.entries.Set(key.String(), &entry{
		key:       key,
		data:      data,
		fetchedAt: s.now(),
		ttl:       s.Options(key.Type).TTL,
	}, gocache.NoExpiration)
}

// Invalidate drops the entry for key without a backend call. Any refresh in
// flight for it is superseded.
func (s *ResourceStore) Invalidate(key Key) {
	s.mu.Lock()
	s.generations[key]++
	s.entries.Delete(key.String())
	s.mu.Unlock()

	s.notify(key)
}

// InvalidateType drops every entry of a resource type, for all users.
func (s *ResourceStore) InvalidateType(resourceType string) {
	s.mu.Lock()
	var keys []Key
	for key := range s.generations {
		if key.Type == resourceType {
			s.generations[key]++
			s.entries.Delete(key.String())
			keys = append(keys, key)
		}
	}
	s.mu.Unlock()

	if len(keys) == 0 {
		keys = append(keys, Key{Type: resourceType})
	}
	for _, key := range keys {
		s.notify(key)
	}
}

// Reset drops every entry and supersedes every refresh in flight.
func (s *ResourceStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.generations {
		s.generations[key]++
	}
	s.entries.Flush()
}

// Len returns the number of cached entries.
func (s *ResourceStore) Len() int {
	return s.entries.ItemCount()
}

// Wait blocks until background refreshes started so far have finished.
func (s *ResourceStore) Wait() {
	s.background.Wait()
}

// Subscribe registers fn to be called after every invalidation. The
// returned function removes the subscription.
func (s *ResourceStore) Subscribe(fn func(Key)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subscribers, id)
		s.subMu.Unlock()
	}
}

func (s *ResourceStore) notify(key Key) {
	s.subMu.RLock()
	fns := make([]func(Key), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		fns = append(fns, fn)
	}
	s.subMu.RUnlock()

	for _, fn := range fns {
		fn(key)
	}
}

func cloneAll(in []core.Resource) []core.Resource {
	out := make([]core.Resource, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}
