package tokendb

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

func init() {
	migrate(up001, down001)
}

func up001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, strings.ReplaceAll(`
		CREATE TABLE connection_tokens (
			token  BLOB PRIMARY KEY NOT NULL,
			addr   TEXT NOT NULL DEFAULT '',
			expiry INTEGER NOT NULL DEFAULT 0
		) STRICT;
	`, `
		`, "\n")); err != nil {
		return fmt.Errorf("create connection_tokens table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, strings.ReplaceAll(`
		CREATE TABLE authentication_tokens (
			token  BLOB PRIMARY KEY NOT NULL,
			addr   TEXT NOT NULL DEFAULT '',
			expiry INTEGER NOT NULL DEFAULT 0
		) STRICT;
	`, `
		`, "\n")); err != nil {
		return fmt.Errorf("create authentication_tokens table: %w", err)
	}
	return nil
}

func down001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, `DROP TABLE authentication_tokens`); err != nil {
		return fmt.Errorf("drop authentication_tokens table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE connection_tokens`); err != nil {
		return fmt.Errorf("drop connection_tokens table: %w", err)
	}
	return nil
}
