// Package statestore persists operator intent — control-plane parameter
// values and per-fixture active programs — in a SQLite database, so a
// restart comes back up in the state the operators left it in. Script-driven
// dynamics are deliberately not recorded.
package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mrd0ll4r/kaleidoscope/pkg/params"

	_ "modernc.org/sqlite"
)

// Store records and replays control-plane state. Record methods never block
// the caller: writes funnel through a buffered channel into a single writer
// goroutine.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	writes chan writeOp
	done   chan struct{}
}

type writeOp struct {
	query string
	args  []interface{}
}

// Open opens (or creates) the database and initializes the schema.
func Open(path string, logger *zap.Logger) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open state db: %w", err)
	}
	db.SetMaxOpenConns(2)

	s := &Store{
		db:     db,
		logger: logger.Named("statestore"),
		writes: make(chan writeOp, 256),
		done:   make(chan struct{}),
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("unable to migrate state db: %w", err)
	}
	go s.writer()
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS active_programs (
		fixture    TEXT PRIMARY KEY,
		program    TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS parameters (
		program    TEXT NOT NULL,
		parameter  TEXT NOT NULL,
		kind       TEXT NOT NULL,
		discrete   INTEGER,
		continuous REAL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (program, parameter)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close stops the writer and closes the database. Pending writes are
// flushed first.
func (s *Store) Close() error {
	close(s.writes)
	<-s.done
	return s.db.Close()
}

func (s *Store) writer() {
	defer close(s.done)
	for op := range s.writes {
		if _, err := s.db.Exec(op.query, op.args...); err != nil {
			s.logger.Warn("unable to persist state", zap.Error(err))
		}
	}
}

func (s *Store) enqueue(op writeOp) {
	select {
	case s.writes <- op:
	default:
		s.logger.Warn("state write buffer full, dropping write")
	}
}

// RecordActiveProgram implements engine.StateRecorder.
func (s *Store) RecordActiveProgram(fixtureName, programName string) {
	s.enqueue(writeOp{
		query: `INSERT INTO active_programs (fixture, program, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(fixture) DO UPDATE SET program = excluded.program, updated_at = excluded.updated_at`,
		args: []interface{}{fixtureName, programName, time.Now().UTC().Format(time.RFC3339Nano)},
	})
}

// RecordParameter implements engine.StateRecorder.
func (s *Store) RecordParameter(programKey, parameter string, info params.Info) {
	var discrete sql.NullInt64
	var continuous sql.NullFloat64
	switch info.Kind {
	case params.KindDiscrete:
		if v, ok := info.Current.(int64); ok {
			discrete = sql.NullInt64{Int64: v, Valid: true}
		}
	case params.KindContinuous:
		if v, ok := info.Current.(float64); ok {
			continuous = sql.NullFloat64{Float64: v, Valid: true}
		}
	}
	s.enqueue(writeOp{
		query: `INSERT INTO parameters (program, parameter, kind, discrete, continuous, updated_at) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(program, parameter) DO UPDATE SET
				kind = excluded.kind, discrete = excluded.discrete,
				continuous = excluded.continuous, updated_at = excluded.updated_at`,
		args: []interface{}{programKey, parameter, string(info.Kind), discrete, continuous,
			time.Now().UTC().Format(time.RFC3339Nano)},
	})
}

// SavedActiveProgram is one persisted fixture selection.
type SavedActiveProgram struct {
	Fixture string
	Program string
}

// ActivePrograms returns all persisted fixture selections.
func (s *Store) ActivePrograms(ctx context.Context) ([]SavedActiveProgram, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT fixture, program FROM active_programs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SavedActiveProgram
	for rows.Next() {
		var sp SavedActiveProgram
		if err := rows.Scan(&sp.Fixture, &sp.Program); err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// SavedParameter is one persisted parameter value.
type SavedParameter struct {
	Program    string
	Parameter  string
	Kind       params.Kind
	Discrete   int64
	Continuous float64
}

// Parameters returns all persisted parameter values.
func (s *Store) Parameters(ctx context.Context) ([]SavedParameter, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT program, parameter, kind, discrete, continuous FROM parameters`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SavedParameter
	for rows.Next() {
		var sp SavedParameter
		var kind string
		var discrete sql.NullInt64
		var continuous sql.NullFloat64
		if err := rows.Scan(&sp.Program, &sp.Parameter, &kind, &discrete, &continuous); err != nil {
			return nil, err
		}
		sp.Kind = params.Kind(kind)
		sp.Discrete = discrete.Int64
		sp.Continuous = continuous.Float64
		out = append(out, sp)
	}
	return out, rows.Err()
}

// Restore reapplies persisted parameter values into the registry and returns
// the persisted active programs for the caller to apply. Stale rows — for
// programs or parameters that no longer exist — are skipped with a log line.
func (s *Store) Restore(ctx context.Context, registry *params.Registry) ([]SavedActiveProgram, error) {
	saved, err := s.Parameters(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to read persisted parameters: %w", err)
	}
	for _, sp := range saved {
		var err error
		switch sp.Kind {
		case params.KindDiscrete:
			err = registry.SetDiscrete(sp.Program, sp.Parameter, sp.Discrete)
		case params.KindContinuous:
			err = registry.SetContinuous(sp.Program, sp.Parameter, sp.Continuous)
		default:
			err = fmt.Errorf("unknown kind %q", sp.Kind)
		}
		if err != nil {
			s.logger.Info("skipping stale persisted parameter",
				zap.String("program", sp.Program),
				zap.String("parameter", sp.Parameter),
				zap.Error(err))
		}
	}

	active, err := s.ActivePrograms(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to read persisted active programs: %w", err)
	}
	return active, nil
}
