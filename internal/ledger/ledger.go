// Package ledger is the Postgres-backed spend ledger collaborator: the
// budget enforcer reads current spend from it, and the usage event consumer
// persists completed-call rows into it.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/routeguard/routeguard/internal/budget"
	"github.com/routeguard/routeguard/internal/events"
	"github.com/routeguard/routeguard/internal/logger"
)

const (
	queryInsertUsage = `
		INSERT INTO usage_events (
			request_id,
			provider,
			endpoint,
			model,
			latency_ms,
			success,
			tokens_in,
			tokens_out,
			cost,
			api_key,
			team_id,
			department_id,
			user_id,
			tenant,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (request_id) DO NOTHING
	`

	queryCurrentSpend = `
		SELECT COALESCE(SUM(cost), 0)
		FROM usage_events
		WHERE %s = $1 AND created_at >= $2
	`
)

// scopeColumns whitelists the ledger column for each scope kind. Queries are
// built only from this map, never from caller input.
var scopeColumns = map[budget.ScopeKind]string{
	budget.ScopeAPIKey:     "api_key",
	budget.ScopeTeam:       "team_id",
	budget.ScopeDepartment: "department_id",
	budget.ScopeUser:       "user_id",
	budget.ScopeTenant:     "tenant",
}

// Store is a pgx-backed ledger.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

// Connect opens a connection pool against the given DSN and verifies it.
func Connect(ctx context.Context, dsn string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = logger.Discard()
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: invalid database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: database unreachable: %w", err)
	}

	log.Info("Ledger connected", "max_conns", poolConfig.MaxConns)
	return &Store{pool: pool, logger: log, now: time.Now}, nil
}

// CurrentSpend implements budget.SpendReader: the sum of recorded costs for
// a scope since the current period boundary (UTC).
func (s *Store) CurrentSpend(ctx context.Context, scope budget.ScopeKind, scopeID string, period budget.Period) (float64, error) {
	if scope == budget.ScopeGlobal {
		var total float64
		err := s.pool.QueryRow(ctx,
			`SELECT COALESCE(SUM(cost), 0) FROM usage_events WHERE created_at >= $1`,
			periodStart(period, s.now().UTC()),
		).Scan(&total)
		if err != nil {
			return 0, fmt.Errorf("ledger: global spend query failed: %w", err)
		}
		return total, nil
	}

	column, ok := scopeColumns[scope]
	if !ok {
		return 0, fmt.Errorf("ledger: no column mapping for scope %q", scope)
	}

	var total float64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(queryCurrentSpend, column),
		scopeID,
		periodStart(period, s.now().UTC()),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("ledger: spend query for %s=%s failed: %w", column, scopeID, err)
	}
	return total, nil
}

// ConsumeUsage implements events.UsageSink, persisting one usage row.
func (s *Store) ConsumeUsage(ctx context.Context, ev events.UsageEvent) error {
	_, err := s.pool.Exec(ctx, queryInsertUsage,
		ev.RequestID,
		ev.Provider,
		ev.Endpoint,
		ev.Model,
		ev.LatencyMs,
		ev.Success,
		ev.TokensIn,
		ev.TokensOut,
		ev.Cost,
		ev.APIKey,
		ev.Team,
		ev.Department,
		ev.User,
		ev.Tenant,
		ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("ledger: insert usage %s failed: %w", ev.RequestID, err)
	}
	return nil
}

// Ping verifies database reachability; used by the health dashboard.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// periodStart computes the UTC boundary of the current period: midnight for
// daily, first of the month for monthly.
func periodStart(period budget.Period, now time.Time) time.Time {
	switch period {
	case budget.PeriodMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
}
