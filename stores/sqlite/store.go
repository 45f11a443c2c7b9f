package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Bamington/battleplanapp-sub000/core"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store keeps every table in a single records table: first-class columns for
// id, owner and display fields plus a JSON document for the rest.
type Store struct {
	db  *sql.DB
	q   querier
	tx  bool
	now func() time.Time
}

const recordsTableStmt = `
CREATE TABLE IF NOT EXISTS records (
	tbl TEXT NOT NULL,
	id TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	icon TEXT NOT NULL DEFAULT '',
	fields TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (tbl, id)
);
CREATE INDEX IF NOT EXISTS records_owner ON records (tbl, user_id);`

// NewStore opens the SQLite database and creates the schema.
func NewStore(dataSourceName string) (*Store, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err = db.Exec(recordsTableStmt); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create records table: %w", err)
	}
	return &Store{db: db, q: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

const selectColumns = "id, user_id, name, icon, fields, created_at, updated_at"

func (s *Store) Select(ctx context.Context, table string, q core.Query) ([]core.Resource, error) {
	where, args := whereClause(table, q.Filters)
	stmt := "SELECT " + selectColumns + " FROM records WHERE " + where

	if q.OrderBy != "" {
		expr, exprArgs := columnExpr(q.OrderBy)
		stmt += " ORDER BY " + expr
		if q.Descending {
			stmt += " DESC"
		}
		stmt += ", created_at, id"
		args = append(args, exprArgs...)
	} else {
		stmt += " ORDER BY created_at, id"
	}
	if q.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.q.QueryContext(ctx, stmt, args...)
	if err != nil {
		logrus.WithError(err).WithField("table", table).Error("Failed to select rows")
		return nil, err
	}
	defer rows.Close()

	out := []core.Resource{}
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) SelectOne(ctx context.Context, table, id string) (*core.Resource, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM records WHERE tbl = ? AND id = ?", table, id)
	r, err := scanResource(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s %s: %w", table, id, core.ErrNotFound)
		}
		return nil, err
	}
	return r, nil
}

func (s *Store) Insert(ctx context.Context, table string, r core.Resource) (*core.Resource, error) {
	r = r.Clone()
	if r.ID == "" {
		r.ID = ulid.Make().String()
	}
	now := s.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	fields, err := encodeFields(r.Fields)
	if err != nil {
		return nil, err
	}
	log := logrus.WithFields(logrus.Fields{"table": table, "id": r.ID})

	_, err = s.q.ExecContext(ctx,
		"INSERT INTO records (tbl, id, user_id, name, icon, fields, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		table, r.ID, r.UserID, r.Name, r.Icon, fields, r.CreatedAt.UnixNano(), r.UpdatedAt.UnixNano())
	if err != nil {
		log.WithError(err).Error("Failed to insert row")
		return nil, err
	}
	log.Debug("Row inserted")
	return &r, nil
}

func (s *Store) Update(ctx context.Context, table, id string, fields map[string]any) (*core.Resource, error) {
	var updated *core.Resource
	err := s.atomically(ctx, func(tx *Store) error {
		r, err := tx.SelectOne(ctx, table, id)
		if err != nil {
			return err
		}
		r.Apply(fields)
		if err := tx.write(ctx, table, r); err != nil {
			return err
		}
		updated = r
		return nil
	})
	return updated, err
}

func (s *Store) UpdateWhere(ctx context.Context, table string, filters []core.Filter, fields map[string]any) (int, error) {
	n := 0
	err := s.atomically(ctx, func(tx *Store) error {
		rows, err := tx.Select(ctx, table, core.Query{Filters: filters})
		if err != nil {
			return err
		}
		for i := range rows {
			rows[i].Apply(fields)
			if err := tx.write(ctx, table, &rows[i]); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) Delete(ctx context.Context, table, id string) error {
	res, err := s.q.ExecContext(ctx, "DELETE FROM records WHERE tbl = ? AND id = ?", table, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s %s: %w", table, id, core.ErrNotFound)
	}
	return nil
}

// WithinTx runs fn inside a database transaction, committing only if fn
// succeeds.
func (s *Store) WithinTx(ctx context.Context, fn func(tx core.DataStore) error) error {
	return s.atomically(ctx, func(tx *Store) error { return fn(tx) })
}

func (s *Store) atomically(ctx context.Context, fn func(tx *Store) error) error {
	if s.tx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() // Rollback on any error

	if err := fn(&Store{db: s.db, q: tx, tx: true, now: s.now}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) write(ctx context.Context, table string, r *core.Resource) error {
	r.UpdatedAt = s.now()
	fields, err := encodeFields(r.Fields)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx,
		"UPDATE records SET user_id = ?, name = ?, icon = ?, fields = ?, updated_at = ? WHERE tbl = ? AND id = ?",
		r.UserID, r.Name, r.Icon, fields, r.UpdatedAt.UnixNano(), table, r.ID)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResource(row scanner) (*core.Resource, error) {
	var (
		r                    core.Resource
		fields               string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.Name, &r.Icon, &fields, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if fields != "" && fields != "{}" {
		if err := json.Unmarshal([]byte(fields), &r.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode fields of %s: %w", r.ID, err)
		}
	}
	r.CreatedAt = time.Unix(0, createdAt)
	r.UpdatedAt = time.Unix(0, updatedAt)
	return &r, nil
}

func encodeFields(fields map[string]any) (string, error) {
	if len(fields) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to encode fields: %w", err)
	}
	return string(b), nil
}

// columnExpr maps a field to a column or to a JSON extraction from fields.
func columnExpr(field string) (string, []any) {
	switch field {
	case core.FieldID, core.FieldUserID, core.FieldName, core.FieldIcon, core.FieldCreatedAt, core.FieldUpdatedAt:
		return field, nil
	}
	return "json_extract(fields, ?)", []any{`$."` + strings.ReplaceAll(field, `"`, "") + `"`}
}

func whereClause(table string, filters []core.Filter) (string, []any) {
	clauses := []string{"tbl = ?"}
	args := []any{table}
	for _, f := range filters {
		expr, exprArgs := columnExpr(f.Field)
		args = append(args, exprArgs...)
		if f.Value == nil {
			clauses = append(clauses, expr+" IS NULL")
			continue
		}
		clauses = append(clauses, expr+" = ?")
		args = append(args, bindValue(f.Value))
	}
	return strings.Join(clauses, " AND "), args
}

// bindValue converts values to what json_extract yields for them.
func bindValue(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}
