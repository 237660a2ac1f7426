package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// clauses collects SQL fragments with their placeholder arguments, joined
// as a WHERE condition list or an UPDATE assignment list.
type clauses struct {
	parts []string
	args  []any
}

func (c *clauses) add(part string, args ...any) {
	c.parts = append(c.parts, part)
	c.args = append(c.args, args...)
}

// addJSON assigns column the JSON encoding of v.
func (c *clauses) addJSON(column string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", column, err)
	}
	c.add(column+" = ?", string(b))
	return nil
}

// where renders " WHERE a AND b", or nothing when empty.
func (c *clauses) where() string {
	if len(c.parts) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.parts, " AND ")
}

// set renders the assignments of an UPDATE.
func (c *clauses) set() string {
	return strings.Join(c.parts, ", ")
}

// page renders LIMIT/OFFSET. A non-positive limit means no limit.
func page(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	s := " LIMIT " + strconv.Itoa(limit)
	if offset > 0 {
		s += " OFFSET " + strconv.Itoa(offset)
	}
	return s
}

// queryAll runs query and scans every row with scan.
func queryAll[T any](ctx context.Context, db *sql.DB, scan func(scanner) (T, error), query string, args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// update runs an UPDATE of table by id and reports a missing row as
// NOT_FOUND.
func (s *LibSQLStore) update(ctx context.Context, table, resource, id string, sets *clauses) error {
	args := append(sets.args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE `+table+` SET `+sets.set()+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, resource, id)
}
