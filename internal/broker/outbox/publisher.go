// Package outbox publishes relay records into a Postgres outbox table instead
// of a live queue. A separate relay process is expected to drain the table.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/scrape-relay/internal/scrape"
)

const defaultTable = "scrape_outbox"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for outbox rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Publisher inserts one row per published record.
//
// Expected schema:
//
//	CREATE TABLE scrape_outbox (
//		id         TEXT PRIMARY KEY,
//		queue      TEXT NOT NULL,
//		payload    JSONB NOT NULL,
//		created_at TIMESTAMPTZ NOT NULL
//	);
type Publisher struct {
	pool  execCloser
	table string
	ids   scrape.IDGenerator
	clock scrape.Clock
}

// New connects a pgx pool and returns a Publisher.
func New(ctx context.Context, cfg Config, ids scrape.IDGenerator, clock scrape.Clock) (*Publisher, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("outbox.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(pool, table, ids, clock)
}

// NewWithPool constructs a Publisher from an existing pool (primarily for testing).
func NewWithPool(pool execCloser, table string, ids scrape.IDGenerator, clock scrape.Clock) (*Publisher, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil || clock == nil {
		return nil, fmt.Errorf("id generator and clock are required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &Publisher{pool: pool, table: table, ids: ids, clock: clock}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Publish stores payload as JSON tagged with its destination queue and
// returns the row ID.
func (p *Publisher) Publish(ctx context.Context, queue string, payload any) (string, error) {
	if p == nil || p.pool == nil {
		return "", scrape.ErrPublisherNotConfigured
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	id, err := p.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("outbox id: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, queue, payload, created_at) VALUES ($1,$2,$3,$4)`, p.table)
	if _, err := p.pool.Exec(ctx, query, id, queue, body, p.clock.Now()); err != nil {
		return "", fmt.Errorf("insert outbox row: %w", err)
	}
	return id, nil
}

// Close releases the underlying pool.
func (p *Publisher) Close() {
	if p == nil || p.pool == nil {
		return
	}
	p.pool.Close()
}
