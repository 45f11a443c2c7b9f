package core

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by collaborators when a row or object is missing.
	ErrNotFound = errors.New("not found")
	// ErrObjectExists is returned by an upload without upsert onto an existing path.
	ErrObjectExists = errors.New("object already exists")
)

type (
	// Filter is an equality predicate on a column.
	Filter struct {
		Field string
		Value any
	}

	// Query selects rows of a table.
	Query struct {
		Filters    []Filter
		OrderBy    string
		Descending bool
		Limit      int
	}

	// DataStore is the relational data collaborator. Every call is fallible.
	DataStore interface {
		Select(ctx context.Context, table string, q Query) ([]Resource, error)
		// SelectOne fetches a single row by id, returning ErrNotFound if absent.
		SelectOne(ctx context.Context, table, id string) (*Resource, error)
		// Insert stores a new row. An empty ID is generated by the store.
		Insert(ctx context.Context, table string, r Resource) (*Resource, error)
		// Update merges fields into an existing row and returns the result.
		Update(ctx context.Context, table, id string, fields map[string]any) (*Resource, error)
		// UpdateWhere merges fields into every matching row and returns the count.
		UpdateWhere(ctx context.Context, table string, filters []Filter, fields map[string]any) (int, error)
		Delete(ctx context.Context, table, id string) error
	}

	// Transactor is implemented by data stores that can run several statements
	// as one atomic unit.
	Transactor interface {
		WithinTx(ctx context.Context, fn func(tx DataStore) error) error
	}

	UploadOptions struct {
		ContentType string
		Upsert      bool
	}

	// ObjectStore is the object-storage collaborator.
	ObjectStore interface {
		Upload(ctx context.Context, bucket, path string, data []byte, opts UploadOptions) (string, error)
		PublicURL(bucket, path string) string
		Remove(ctx context.Context, bucket string, paths ...string) error
	}
)

// Eq builds an equality filter.
func Eq(field string, value any) Filter {
	return Filter{Field: field, Value: value}
}

// Matches reports whether r satisfies every filter.
func Matches(r Resource, filters []Filter) bool {
	for _, f := range filters {
		v, ok := r.Value(f.Field)
		if !ok {
			if f.Value != nil {
				return false
			}
			continue
		}
		if !ValuesEqual(v, f.Value) {
			return false
		}
	}
	return true
}
