// Package store mirrors finished builds into PostgreSQL.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ecaci/internal/core"
	schema "ecaci/sql"
)

type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and checks the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

// Init applies the bundled schema.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema.Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Record upserts the build and replaces its steps in one transaction.
func (s *Store) Record(ctx context.Context, b *core.Build) error {
	row, err := newBuildRow(b)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO ecaci.builds (build_id, number, build_type, ref, branch, revision, triggered_by,
			  status, agent, problems, issues, started_at, finished_at)
			VALUES ($1::uuid,$2,$3,$4,$5,$6,$7,$8,$9,$10::jsonb,$11::jsonb,$12,$13)
			ON CONFLICT (build_id) DO UPDATE SET
			  revision=EXCLUDED.revision,
			  status=EXCLUDED.status,
			  problems=EXCLUDED.problems,
			  issues=EXCLUDED.issues,
			  finished_at=EXCLUDED.finished_at,
			  recorded_at=now()
		`, b.ID, b.Number, b.BuildTypeID, b.Ref, b.Branch, nullIfEmpty(b.Revision), nullIfEmpty(b.TriggeredBy),
			b.Status, b.Agent, row.problems, row.issues, b.StartedAt, nullIfZero(b.FinishedAt))
		if err != nil {
			return fmt.Errorf("insert build: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM ecaci.build_steps WHERE build_id=$1::uuid`, b.ID); err != nil {
			return fmt.Errorf("clear steps: %w", err)
		}
		batch := &pgx.Batch{}
		for _, st := range b.Steps {
			batch.Queue(`
				INSERT INTO ecaci.build_steps (build_id, idx, name, kind, status, exit_code, duration_ms, log_path, log_sha256, error)
				VALUES ($1::uuid,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			`, b.ID, st.Index, st.Name, st.Kind, st.Status, st.ExitCode, st.DurationMS,
				nullIfEmpty(st.LogPath), nullIfEmpty(st.LogHash), nullIfEmpty(st.Error))
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert steps: %w", err)
		}
		return nil
	})
}

// Recent returns the latest builds without their steps, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]core.Build, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT build_id::text, number, build_type, ref, branch, COALESCE(revision,''), COALESCE(triggered_by,''),
		  status, agent, problems, started_at, finished_at
		FROM ecaci.builds
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Build
	for rows.Next() {
		var (
			b        core.Build
			problems []byte
			finished *time.Time
		)
		if err := rows.Scan(&b.ID, &b.Number, &b.BuildTypeID, &b.Ref, &b.Branch, &b.Revision, &b.TriggeredBy,
			&b.Status, &b.Agent, &problems, &b.StartedAt, &finished); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(problems, &b.Problems); err != nil {
			return nil, fmt.Errorf("build %s: decode problems: %w", b.ID, err)
		}
		if finished != nil {
			b.FinishedAt = *finished
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type buildRow struct {
	problems string
	issues   string
}

func newBuildRow(b *core.Build) (buildRow, error) {
	problems, err := jsonArray(b.Problems)
	if err != nil {
		return buildRow{}, fmt.Errorf("encode problems: %w", err)
	}
	issues, err := jsonArray(b.Issues)
	if err != nil {
		return buildRow{}, fmt.Errorf("encode issues: %w", err)
	}
	return buildRow{problems: problems, issues: issues}, nil
}

func jsonArray[T any](v []T) (string, error) {
	if len(v) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(v)
	return string(data), err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
