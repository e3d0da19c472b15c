// Package store is the relational persistence collaborator. The relay core
// never touches it; only the database credential validator reads users.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config contains PostgreSQL connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int32
}

// ConnString returns a keyword/value connection string.
func (c Config) ConnString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		quote(c.Host), c.Port, quote(c.User), quote(c.Password), quote(c.Database), quote(sslMode))
}

// quote escapes a connection string value.
func quote(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// User is a row of the users table.
type User struct {
	ID        string
	Username  string
	NodeID    string
	CreatedAt time.Time
	LastLogin *time.Time
}

// PostgresStore reads users from PostgreSQL through a connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool and verifies it with a ping.
func NewPostgresStore(ctx context.Context, cfg Config) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const selectUser = `
	SELECT id::text, username, node_id, created_at, last_login
	FROM users`

func scanUser(row pgx.Row) (*User, error) {
	user := &User{}
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.NodeID,
		&user.CreatedAt,
		&user.LastLogin,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return user, nil
}

// FindUserByPrivateKey returns the user holding privateKey, or nil if none does.
func (s *PostgresStore) FindUserByPrivateKey(ctx context.Context, privateKey string) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx, selectUser+` WHERE private_key = $1`, privateKey))
}

// FindUserByNodeID returns the user bound to nodeID, or nil if none is.
func (s *PostgresStore) FindUserByNodeID(ctx context.Context, nodeID string) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx, selectUser+` WHERE node_id = $1`, nodeID))
}

// UpdateLastLogin stamps the user's last successful login.
func (s *PostgresStore) UpdateLastLogin(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE users SET last_login = NOW() WHERE id::text = $1`, userID)
	return err
}
