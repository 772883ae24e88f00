package cards

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const Schema = `
CREATE TABLE IF NOT EXISTS operator_cards (
	slot    INTEGER PRIMARY KEY,
	card_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS operator_cards_meta (
	id   INTEGER PRIMARY KEY CHECK (id = 1),
	etag INTEGER NOT NULL
);
`

// SQLiteStore keeps the operator list in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context) (int, []string, error) {
	etag := NoETag
	err := s.db.QueryRowContext(ctx, `SELECT etag FROM operator_cards_meta WHERE id = 1`).Scan(&etag)
	if errors.Is(err, sql.ErrNoRows) {
		return NoETag, nil, nil
	}
	if err != nil {
		return NoETag, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT card_id FROM operator_cards ORDER BY slot`)
	if err != nil {
		return NoETag, nil, err
	}
	defer rows.Close()

	var list []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return NoETag, nil, err
		}
		list = append(list, id)
	}
	return etag, list, rows.Err()
}

func (s *SQLiteStore) Save(ctx context.Context, etag int, list []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM operator_cards`); err != nil {
		return err
	}
	for i, id := range list {
		if _, err := tx.ExecContext(ctx, `INSERT INTO operator_cards (slot, card_id) VALUES (?, ?)`, i, id); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO operator_cards_meta (id, etag) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET etag = excluded.etag`, etag); err != nil {
		return err
	}
	return tx.Commit()
}
