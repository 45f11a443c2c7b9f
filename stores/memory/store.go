package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Bamington/battleplanapp-sub000/core"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// tables maps a table name to its rows keyed by id.
type tables map[string]map[string]core.Resource

// Store is an in-memory DataStore. It also implements core.Transactor by
// snapshotting every table for the duration of a transaction.
type Store struct {
	mu   sync.RWMutex
	data tables
	now  func() time.Time
}

// NewStore creates a new in-memory data store.
func NewStore() *Store {
	return &Store{data: make(tables), now: time.Now}
}

func (s *Store) Select(ctx context.Context, table string, q core.Query) ([]core.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.selectRows(table, q), nil
}

func (s *Store) SelectOne(ctx context.Context, table, id string) (*core.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.selectOne(table, id)
}

func (s *Store) Insert(ctx context.Context, table string, r core.Resource) (*core.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.insert(table, r, s.now())
}

func (s *Store) Update(ctx context.Context, table, id string, fields map[string]any) (*core.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.update(table, id, fields, s.now())
}

func (s *Store) UpdateWhere(ctx context.Context, table string, filters []core.Filter, fields map[string]any) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.updateWhere(table, filters, fields, s.now()), nil
}

func (s *Store) Delete(ctx context.Context, table, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.delete(table, id)
}

// WithinTx runs fn with exclusive access to the store. If fn fails every
// table is restored to its state before the call.
func (s *Store) WithinTx(ctx context.Context, fn func(tx core.DataStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	backup := s.data.clone()
	if err := fn(&txStore{data: s.data, now: s.now}); err != nil {
		s.data = backup
		logrus.WithError(err).Debug("Rolled back in-memory transaction")
		return err
	}
	return nil
}

// txStore operates on the tables of a Store whose lock is already held.
type txStore struct {
	data tables
	now  func() time.Time
}

func (t *txStore) Select(ctx context.Context, table string, q core.Query) ([]core.Resource, error) {
	return t.data.selectRows(table, q), nil
}

func (t *txStore) SelectOne(ctx context.Context, table, id string) (*core.Resource, error) {
	return t.data.selectOne(table, id)
}

func (t *txStore) Insert(ctx context.Context, table string, r core.Resource) (*core.Resource, error) {
	return t.data.insert(table, r, t.now())
}

func (t *txStore) Update(ctx context.Context, table, id string, fields map[string]any) (*core.Resource, error) {
	return t.data.update(table, id, fields, t.now())
}

func (t *txStore) UpdateWhere(ctx context.Context, table string, filters []core.Filter, fields map[string]any) (int, error) {
	return t.data.updateWhere(table, filters, fields, t.now()), nil
}

func (t *txStore) Delete(ctx context.Context, table, id string) error {
	return t.data.delete(table, id)
}

func (d tables) clone() tables {
	c := make(tables, len(d))
	for name, rows := range d {
		cr := make(map[string]core.Resource, len(rows))
		for id, r := range rows {
			cr[id] = r.Clone()
		}
		c[name] = cr
	}
	return c
}

func (d tables) selectRows(table string, q core.Query) []core.Resource {
	rows := d[table]
	out := make([]core.Resource, 0, len(rows))
	for _, r := range rows {
		if core.Matches(r, q.Filters) {
			out = append(out, r.Clone())
		}
	}

	orderBy := q.OrderBy
	sort.SliceStable(out, func(i, j int) bool {
		if orderBy != "" {
			a, _ := out[i].Value(orderBy)
			b, _ := out[j].Value(orderBy)
			if c := compareValues(a, b); c != 0 {
				if q.Descending {
					return c > 0
				}
				return c < 0
			}
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func (d tables) selectOne(table, id string) (*core.Resource, error) {
	r, ok := d[table][id]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", table, id, core.ErrNotFound)
	}
	c := r.Clone()
	return &c, nil
}

func (d tables) insert(table string, r core.Resource, now time.Time) (*core.Resource, error) {
	rows, ok := d[table]
	if !ok {
		rows = make(map[string]core.Resource)
		d[table] = rows
	}

	r = r.Clone()
	if r.ID == "" {
		r.ID = ulid.Make().String()
	}
	if _, exists := rows[r.ID]; exists {
		return nil, fmt.Errorf("%s %s already exists", table, r.ID)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	rows[r.ID] = r

	logrus.WithFields(logrus.Fields{"table": table, "id": r.ID}).Debug("Row inserted")
	c := r.Clone()
	return &c, nil
}

func (d tables) update(table, id string, fields map[string]any, now time.Time) (*core.Resource, error) {
	r, ok := d[table][id]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", table, id, core.ErrNotFound)
	}
	r = r.Clone()
	r.Apply(fields)
	r.UpdatedAt = now
	d[table][id] = r

	c := r.Clone()
	return &c, nil
}

func (d tables) updateWhere(table string, filters []core.Filter, fields map[string]any, now time.Time) int {
	n := 0
	for id, r := range d[table] {
		if !core.Matches(r, filters) {
			continue
		}
		r = r.Clone()
		r.Apply(fields)
		r.UpdatedAt = now
		d[table][id] = r
		n++
	}
	return n
}

func (d tables) delete(table, id string) error {
	if _, ok := d[table][id]; !ok {
		return fmt.Errorf("%s %s: %w", table, id, core.ErrNotFound)
	}
	delete(d[table], id)
	return nil
}

func compareValues(a, b any) int {
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Compare(bt)
		}
	}
	_, aString := a.(string)
	_, bString := b.(string)
	if !aString && !bString {
		if an, ok := core.AsInt(a); ok {
			if bn, ok := core.AsInt(b); ok {
				switch {
				case an < bn:
					return -1
				case an > bn:
					return 1
				}
				return 0
			}
		}
	}
	return strings.Compare(core.AsString(a), core.AsString(b))
}
