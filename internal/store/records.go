package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cast"

	"github.com/rendis/autoflow/pkg/schema"
)

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func jsonPath(field string) (string, error) {
	if !fieldNamePattern.MatchString(field) {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid field name %q", field)
	}
	return "$." + field, nil
}

func (s *LibSQLStore) FetchByID(ctx context.Context, table, id string) (*Record, error) {
	return fetchRecord(ctx, s.db, table, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func fetchRecord(ctx context.Context, q querier, table, id string) (*Record, error) {
	r := &Record{Table: table, ID: id}
	var data string
	var created, updated int64
	err := q.QueryRowContext(ctx,
		`SELECT data, version, created_at, updated_at FROM records WHERE table_name = ? AND id = ?`, table, id,
	).Scan(&data, &r.Version, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, storeNotFound(table, id)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &r.Data); err != nil {
		return nil, fmt.Errorf("unmarshal %s/%s: %w", table, id, err)
	}
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	return r, nil
}

// FetchByFilter matches records whose fields equal every filter value.
// Values are compared in their JSON text form so "5" and 5 both match a stored 5.
func (s *LibSQLStore) FetchByFilter(ctx context.Context, table string, filter RecordFilter) ([]*Record, error) {
	where := []string{"table_name = ?"}
	args := []any{table}

	keys := make([]string, 0, len(filter.Equals))
	for k := range filter.Equals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "id" {
			where = append(where, "id = ?")
			args = append(args, cast.ToString(filter.Equals[k]))
			continue
		}
		path, err := jsonPath(k)
		if err != nil {
			return nil, err
		}
		where = append(where, "CAST(json_extract(data, ?) AS TEXT) = ?")
		args = append(args, path, cast.ToString(filter.Equals[k]))
	}

	query := `SELECT id, data, version, created_at, updated_at FROM records WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at ASC, rowid ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r := &Record{Table: table}
		var data string
		var created, updated int64
		if err := rows.Scan(&r.ID, &data, &r.Version, &created, &updated); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &r.Data); err != nil {
			return nil, fmt.Errorf("unmarshal %s/%s: %w", table, r.ID, err)
		}
		r.CreatedAt = fromMillis(created)
		r.UpdatedAt = fromMillis(updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Insert stores a new record. The id is taken from data["id"] or generated.
func (s *LibSQLStore) Insert(ctx context.Context, table string, data map[string]any) (*Record, error) {
	id := cast.ToString(data["id"])
	if id == "" {
		id = uuid.NewString()
	}
	fields := make(map[string]any, len(data))
	for k, v := range data {
		if k != "id" {
			fields[k] = v
		}
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	now := s.now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (table_name, id, data, version, created_at, updated_at) VALUES (?, ?, ?, 1, ?, ?)`,
		table, id, string(b), millis(now), millis(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "%s %s already exists", table, id)
		}
		return nil, fmt.Errorf("insert record: %w", err)
	}
	return &Record{Table: table, ID: id, Data: fields, Version: 1, CreatedAt: now, UpdatedAt: now}, nil
}

// Update merges fields into the stored document inside one transaction.
func (s *LibSQLStore) Update(ctx context.Context, table, id string, fields map[string]any, expectedVersion int64) (*Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	cur, err := fetchRecord(ctx, tx, table, id)
	if err != nil {
		return nil, err
	}
	if expectedVersion > 0 && cur.Version != expectedVersion {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"%s %s version mismatch: expected %d, found %d", table, id, expectedVersion, cur.Version).
			WithDetails(map[string]any{"expected": expectedVersion, "actual": cur.Version})
	}
	if cur.Data == nil {
		cur.Data = map[string]any{}
	}
	for k, v := range fields {
		if k == "id" {
			continue
		}
		cur.Data[k] = v
	}
	b, err := json.Marshal(cur.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	now := s.now()
	res, err := tx.ExecContext(ctx,
		`UPDATE records SET data = ?, version = version + 1, updated_at = ?
		 WHERE table_name = ? AND id = ? AND version = ?`,
		string(b), millis(now), table, id, cur.Version,
	)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "%s %s modified concurrently", table, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit record: %w", err)
	}
	cur.Version++
	cur.UpdatedAt = now
	return cur, nil
}

// Increment adds delta with a single json_set so concurrent increments compose.
func (s *LibSQLStore) Increment(ctx context.Context, table, id, field string, delta float64) (float64, error) {
	path, err := jsonPath(field)
	if err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE records SET
			data = json_set(data, ?, COALESCE(CAST(json_extract(data, ?) AS REAL), 0) + ?),
			version = version + 1,
			updated_at = ?
		 WHERE table_name = ? AND id = ?`,
		path, path, delta, millis(s.now()), table, id,
	)
	if err != nil {
		return 0, err
	}
	if err := checkRowsAffected(res, table, id); err != nil {
		return 0, err
	}
	var value float64
	if err := tx.QueryRowContext(ctx,
		`SELECT CAST(json_extract(data, ?) AS REAL) FROM records WHERE table_name = ? AND id = ?`, path, table, id,
	).Scan(&value); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit increment: %w", err)
	}
	return value, nil
}
