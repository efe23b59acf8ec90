// Package audit persists an append-only history of agent restarts, circuit
// breaker transitions, and failover cutovers to a SQLite database tuned for
// maximum durability (WAL journaling, full fsync, no auto-vacuum). Plain
// database/sql suffices here: the query surface is three insert shapes and one bounded
// read, nothing that warrants a query builder.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Ledger is an append-only SQLite-backed audit trail.
type Ledger struct {
	db *sql.DB
}

// Open creates or opens the audit database at path and ensures its schema
// exists. WAL journaling, full fsync, no auto-vacuum; an audit trail is
// never expected to shrink.
func Open(path string) (*Ledger, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve audit db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("create audit db directory: %w", err)
	}

	connStr := absPath +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)" +
		"&_pragma=auto_vacuum(NONE)" +
		"&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping audit db: %w", err)
	}

	l := &Ledger{db: db}
	if err := l.migrate(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS agent_restarts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	occurred_at TEXT NOT NULL,
	agent_name TEXT NOT NULL,
	restart_count INTEGER NOT NULL,
	last_exit_code INTEGER NOT NULL,
	backoff_seconds REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS breaker_transitions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	occurred_at TEXT NOT NULL,
	breaker_name TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS failover_cutovers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	occurred_at TEXT NOT NULL,
	from_environment TEXT NOT NULL,
	to_environment TEXT NOT NULL,
	primary_hours_used REAL NOT NULL,
	reason TEXT NOT NULL
);
`
	_, err := l.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("migrate audit db: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// RecordAgentRestart appends one row to agent_restarts.
func (l *Ledger) RecordAgentRestart(ctx context.Context, agentName string, restartCount, lastExitCode int, backoffSeconds float64) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO agent_restarts (occurred_at, agent_name, restart_count, last_exit_code, backoff_seconds) VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), agentName, restartCount, lastExitCode, backoffSeconds,
	)
	if err != nil {
		return fmt.Errorf("record agent restart: %w", err)
	}
	return nil
}

// RecordBreakerTransition appends one row to breaker_transitions.
func (l *Ledger) RecordBreakerTransition(ctx context.Context, breakerName, fromState, toState string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO breaker_transitions (occurred_at, breaker_name, from_state, to_state) VALUES (?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), breakerName, fromState, toState,
	)
	if err != nil {
		return fmt.Errorf("record breaker transition: %w", err)
	}
	return nil
}

// RecordFailoverCutover appends one row to failover_cutovers.
func (l *Ledger) RecordFailoverCutover(ctx context.Context, fromEnv, toEnv string, primaryHoursUsed float64, reason string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO failover_cutovers (occurred_at, from_environment, to_environment, primary_hours_used, reason) VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), fromEnv, toEnv, primaryHoursUsed, reason,
	)
	if err != nil {
		return fmt.Errorf("record failover cutover: %w", err)
	}
	return nil
}

// RecentAgentRestarts returns the most recent restart rows for agentName,
// newest first, bounded by limit. Used by the observability server.
func (l *Ledger) RecentAgentRestarts(ctx context.Context, agentName string, limit int) ([]AgentRestartRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT occurred_at, restart_count, last_exit_code, backoff_seconds FROM agent_restarts WHERE agent_name = ? ORDER BY id DESC LIMIT ?`,
		agentName, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query agent restarts: %w", err)
	}
	defer rows.Close()

	var out []AgentRestartRecord
	for rows.Next() {
		var rec AgentRestartRecord
		var occurredAt string
		if err := rows.Scan(&occurredAt, &rec.RestartCount, &rec.LastExitCode, &rec.BackoffSeconds); err != nil {
			return nil, fmt.Errorf("scan agent restart row: %w", err)
		}
		rec.OccurredAt, _ = time.Parse(time.RFC3339Nano, occurredAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AgentRestartRecord is one row read back from agent_restarts.
type AgentRestartRecord struct {
	OccurredAt     time.Time
	RestartCount   int
	LastExitCode   int
	BackoffSeconds float64
}
