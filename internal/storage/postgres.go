package storage

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"
)

var DB *sql.DB

// InitPostgres is optional: only the postgres bot pool needs it.
func InitPostgres(ctx context.Context, dsn string) error {
	var err error
	DB, err = sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	return DB.PingContext(ctx)
}
