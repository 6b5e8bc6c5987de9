// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/stowage-foundation/stowage/lib/clock"
	"github.com/stowage-foundation/stowage/lib/sqlitepool"
)

// Action identifies what kind of operation an event records.
type Action string

const (
	ActionPush         Action = "push"
	ActionPull         Action = "pull"
	ActionTag          Action = "tag"
	ActionDelete       Action = "delete"
	ActionGC           Action = "gc"
	ActionLogin        Action = "login"
	ActionProxyPull    Action = "proxy-pull"
	ActionExport       Action = "export"
	ActionImport       Action = "import"
	ActionRebuildIndex Action = "rebuild-index"
)

// Event is one row in the operation log. ID and Time are filled by
// Record when left zero.
type Event struct {
	ID         string `json:"id"`
	Time       int64  `json:"time"` // unix seconds
	Action     Action `json:"action"`
	Actor      string `json:"actor,omitempty"`
	Repository string `json:"repository,omitempty"`
	Tag        string `json:"tag,omitempty"`
	Digest     string `json:"digest,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// schema is the v1 events table. rowid breaks ordering ties between
// events recorded within the same second.
const schema = `
	CREATE TABLE IF NOT EXISTS events (
		id         TEXT PRIMARY KEY,
		time       INTEGER NOT NULL,
		action     TEXT NOT NULL,
		actor      TEXT NOT NULL DEFAULT '',
		repository TEXT NOT NULL DEFAULT '',
		tag        TEXT NOT NULL DEFAULT '',
		digest     TEXT NOT NULL DEFAULT '',
		detail     TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS events_by_time ON events(time DESC);
	CREATE INDEX IF NOT EXISTS events_by_repo ON events(repository, time DESC);
`

// Config holds the parameters for opening a history log.
type Config struct {
	// Path is the SQLite database file. The parent directory must
	// exist.
	Path string

	// PoolSize is the connection pool size. Defaults to 4.
	PoolSize int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Log is the operation history store. Safe for concurrent use.
type Log struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// Open opens (creating if needed) the history database at cfg.Path.
func Open(cfg Config) (*Log, error) {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}

	return &Log{pool: pool, clock: clk, logger: logger}, nil
}

// Close closes the underlying connection pool.
func (l *Log) Close() error {
	return l.pool.Close()
}

// Record appends one event. A zero ID gets a fresh UUID and a zero
// Time gets the current time.
func (l *Log) Record(ctx context.Context, event Event) error {
	if event.Action == "" {
		return fmt.Errorf("history: event action is empty")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Time == 0 {
		event.Time = l.clock.Now().Unix()
	}

	conn, err := l.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("history: record: %w", err)
	}
	defer l.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO events (id, time, action, actor, repository, tag, digest, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				event.ID,
				event.Time,
				string(event.Action),
				event.Actor,
				event.Repository,
				event.Tag,
				event.Digest,
				event.Detail,
			},
		})
	if err != nil {
		return fmt.Errorf("history: insert event: %w", err)
	}
	return nil
}

// Recent returns the newest events, most recent first. A non-positive
// limit defaults to 50.
func (l *Log) Recent(ctx context.Context, limit int) ([]Event, error) {
	return l.query(ctx, Filter{Limit: limit})
}

// ForRepository returns the newest events touching one repository,
// most recent first.
func (l *Log) ForRepository(ctx context.Context, repository string, limit int) ([]Event, error) {
	return l.query(ctx, Filter{Repository: repository, Limit: limit})
}

// Filter selects events. Zero fields are not applied.
type Filter struct {
	Repository string
	Action     Action
	Actor      string
	Since      int64 // earliest time, unix seconds
	Limit      int   // default 50
}

// Query returns events matching the filter, most recent first.
func (l *Log) Query(ctx context.Context, filter Filter) ([]Event, error) {
	return l.query(ctx, filter)
}

func (l *Log) query(ctx context.Context, filter Filter) ([]Event, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var conditions []string
	var args []any
	if filter.Repository != "" {
		conditions = append(conditions, "repository = ?")
		args = append(args, filter.Repository)
	}
	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, string(filter.Action))
	}
	if filter.Actor != "" {
		conditions = append(conditions, "actor = ?")
		args = append(args, filter.Actor)
	}
	if filter.Since > 0 {
		conditions = append(conditions, "time >= ?")
		args = append(args, filter.Since)
	}

	query := "SELECT id, time, action, actor, repository, tag, digest, detail FROM events"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY time DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer l.pool.Put(conn)

	var events []Event
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			events = append(events, Event{
				ID:         stmt.ColumnText(0),
				Time:       stmt.ColumnInt64(1),
				Action:     Action(stmt.ColumnText(2)),
				Actor:      stmt.ColumnText(3),
				Repository: stmt.ColumnText(4),
				Tag:        stmt.ColumnText(5),
				Digest:     stmt.ColumnText(6),
				Detail:     stmt.ColumnText(7),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("history: query events: %w", err)
	}
	return events, nil
}

// PullCount returns how many pulls (local and proxied) one name:tag
// has served.
func (l *Log) PullCount(ctx context.Context, repository, tag string) (int64, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("history: pull count: %w", err)
	}
	defer l.pool.Put(conn)

	var count int64
	err = sqlitex.Execute(conn,
		`SELECT COUNT(*) FROM events
		 WHERE repository = ? AND tag = ? AND action IN (?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{repository, tag, string(ActionPull), string(ActionProxyPull)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("history: count pulls: %w", err)
	}
	return count, nil
}

// EventCount returns the total number of recorded events.
func (l *Log) EventCount(ctx context.Context) (int64, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("history: event count: %w", err)
	}
	defer l.pool.Put(conn)

	var count int64
	err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM events", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("history: count events: %w", err)
	}
	return count, nil
}
