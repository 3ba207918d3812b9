package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const selectTierByAPIKey = "SELECT tier FROM users WHERE api_key=$1"

// rowQuerier is the subset of *pgxpool.Pool used here.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is a Directory backed by the users table:
//
//	users(api_key VARCHAR(64) UNIQUE NOT NULL, tier VARCHAR(50) NOT NULL DEFAULT 'free', ...)
//
// The table is owned elsewhere; Postgres only reads it.
type Postgres struct {
	db rowQuerier
}

// NewPostgres returns a Directory reading from db.
func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres connects to dbURL and verifies the connection.
func OpenPostgres(ctx context.Context, dbURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Find implements Directory.
func (p *Postgres) Find(ctx context.Context, identity string) (Account, error) {
	var tier string
	switch err := p.db.QueryRow(ctx, selectTierByAPIKey, identity).Scan(&tier); {
	case errors.Is(err, pgx.ErrNoRows):
		return Account{}, ErrNotFound
	case err != nil:
		return Account{}, fmt.Errorf("find account: %w", err)
	}
	return Account{Identity: identity, Tier: tier}, nil
}
