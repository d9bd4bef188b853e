package pushswitch

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNoState is returned by Load when the switch row has never been written
var ErrNoState = errors.New("push switch state not found")

// DBTX is the subset of *pgxpool.Pool used by Store
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists the switch in harbor_push.push_switch as a single row
type Store struct {
	db DBTX
}

func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

var schema = []string{
	`CREATE SCHEMA IF NOT EXISTS harbor_push`,
	`CREATE TABLE IF NOT EXISTS harbor_push.push_switch (
		id             smallint PRIMARY KEY CHECK (id = 1),
		global_enabled boolean     NOT NULL DEFAULT true,
		gray_hosts     text[]      NOT NULL DEFAULT '{}',
		closed_hosts   text[]      NOT NULL DEFAULT '{}',
		updated_at     timestamptz NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema creates the switch table if it does not exist
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure push switch schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Load(ctx context.Context) (State, error) {
	var st State
	err := s.db.QueryRow(ctx, `
		SELECT global_enabled, gray_hosts, closed_hosts, updated_at
		FROM harbor_push.push_switch
		WHERE id = 1`,
	).Scan(&st.GlobalEnabled, &st.GrayHosts, &st.ClosedHosts, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return State{}, ErrNoState
	}
	if err != nil {
		return State{}, fmt.Errorf("load push switch: %w", err)
	}
	return st.Normalize(), nil
}

// Save upserts st and returns it with the stored update time
func (s *Store) Save(ctx context.Context, st State) (State, error) {
	st = st.Normalize()
	err := s.db.QueryRow(ctx, `
		INSERT INTO harbor_push.push_switch (id, global_enabled, gray_hosts, closed_hosts, updated_at)
		VALUES (1, $1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE
		SET global_enabled = EXCLUDED.global_enabled,
		    gray_hosts     = EXCLUDED.gray_hosts,
		    closed_hosts   = EXCLUDED.closed_hosts,
		    updated_at     = EXCLUDED.updated_at
		RETURNING updated_at`,
		st.GlobalEnabled, st.GrayHosts, st.ClosedHosts,
	).Scan(&st.UpdatedAt)
	if err != nil {
		return State{}, fmt.Errorf("save push switch: %w", err)
	}
	return st, nil
}
