// Package sqlstore serves template sources from a SQL table.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	blade "github.com/dangdungcntt/go-blade-runtime"
)

// DefaultTable is the table used when none is given.
const DefaultTable = "templates"

var reTable = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store reads templates from a table with name and body columns. It implements
// blade.SourceStore and blade.Lister.
type Store struct {
	db    *sql.DB
	table string
}

// New returns a store over db using table, or DefaultTable when table is empty.
func New(db *sql.DB, table string) (*Store, error) {
	if table == "" {
		table = DefaultTable
	}
	if !reTable.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{db: db, table: table}, nil
}

// Migrate creates the templates table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
		name TEXT PRIMARY KEY,
		body TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	return err
}

// Put inserts or replaces the source of a template.
func (s *Store) Put(ctx context.Context, name, body string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO `+s.table+` (name, body) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET body = excluded.body, updated_at = CURRENT_TIMESTAMP`, name, body)
	return err
}

// Delete removes a template. Deleting a missing template is not an error.
func (s *Store) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+s.table+` WHERE name = ?`, name)
	return err
}

func (s *Store) Read(name string) (string, error) {
	var body string
	err := s.db.QueryRowContext(context.Background(), `SELECT body FROM `+s.table+` WHERE name = ?`, name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", blade.ErrTemplateNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("read template %s: %w", name, err)
	}
	return body, nil
}

func (s *Store) List() ([]string, error) {
	rows, err := s.db.QueryContext(context.Background(), `SELECT name FROM `+s.table+` ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
