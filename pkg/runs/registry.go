// Package runs implements the persistent run registry: the authoritative
// record of every agent run and its lifecycle status. Status transitions are
// single atomic UPDATEs guarded by the set of permitted source states, so
// concurrent workers and stop requests cannot double-transition a run.
package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zyztek/suna-sub004/pkg/models"
)

// writeTimeout bounds registry writes so a stalled database cannot wedge a
// worker holding a run lock.
const writeTimeout = 10 * time.Second

// Registry persists agent runs in PostgreSQL.
type Registry struct {
	pool *pgxpool.Pool
}

// NewRegistry creates a Registry on the given pool.
func NewRegistry(pool *pgxpool.Pool) *Registry {
	return &Registry{pool: pool}
}

// Create inserts a new run in status queued.
func (r *Registry) Create(ctx context.Context, run *models.AgentRun) error {
	if run.RunID == "" {
		return fmt.Errorf("%w: run_id required", ErrInvalidTransition)
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	_, err := r.pool.Exec(ctx, `
		INSERT INTO agent_runs (run_id, thread_id, status, started_at, model, agent_config)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		run.RunID, run.ThreadID, models.RunStatusQueued, run.StartedAt, run.Model, run.AgentConfig,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Get loads a run by ID.
func (r *Registry) Get(ctx context.Context, runID string) (*models.AgentRun, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT run_id, thread_id, status, started_at, completed_at,
		       COALESCE(error, ''), responses, COALESCE(model, ''), agent_config
		FROM agent_runs WHERE run_id = $1`, runID)
	return scanRun(row)
}

// GetActiveRunForThread returns the queued or running run on a thread, or
// ErrNotFound when the thread has no active run.
func (r *Registry) GetActiveRunForThread(ctx context.Context, threadID string) (*models.AgentRun, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT run_id, thread_id, status, started_at, completed_at,
		       COALESCE(error, ''), responses, COALESCE(model, ''), agent_config
		FROM agent_runs
		WHERE thread_id = $1 AND status IN ($2, $3)
		ORDER BY created_at DESC LIMIT 1`,
		threadID, models.RunStatusQueued, models.RunStatusRunning)
	return scanRun(row)
}

// ListStaleRunning returns runs still marked running whose record has not
// been updated since the cutoff. The scheduler's orphan sweep reconciles
// these against broker locks.
func (r *Registry) ListStaleRunning(ctx context.Context, cutoff time.Time) ([]*models.AgentRun, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT run_id, thread_id, status, started_at, completed_at,
		       COALESCE(error, ''), responses, COALESCE(model, ''), agent_config
		FROM agent_runs
		WHERE status = $1 AND updated_at < $2`,
		models.RunStatusRunning, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale running runs: %w", err)
	}
	defer rows.Close()

	var out []*models.AgentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// transitionSources maps each target status to the statuses it may be
// reached from. queued → running → {completed | failed | stopped}; a stop
// may also land before the worker claims the run.
var transitionSources = map[models.RunStatus][]models.RunStatus{
	models.RunStatusRunning:   {models.RunStatusQueued},
	models.RunStatusCompleted: {models.RunStatusRunning},
	models.RunStatusFailed:    {models.RunStatusQueued, models.RunStatusRunning},
	models.RunStatusStopped:   {models.RunStatusQueued, models.RunStatusRunning},
}

// Transition atomically moves a run to the target status. errMsg is recorded
// for failed transitions and ignored otherwise. Returns ErrInvalidTransition
// when the run exists but is not in a permitted source state; transitions
// re-applying the current terminal state return ErrInvalidTransition too,
// and callers treating stop as idempotent check for it.
func (r *Registry) Transition(ctx context.Context, runID string, to models.RunStatus, errMsg string) error {
	sources, ok := transitionSources[to]
	if !ok {
		return fmt.Errorf("%w: no transition to %s", ErrInvalidTransition, to)
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	froms := make([]string, len(sources))
	for i, s := range sources {
		froms[i] = string(s)
	}

	var tag pgconn.CommandTag
	var err error
	if to.Terminal() {
		tag, err = r.pool.Exec(ctx, `
			UPDATE agent_runs
			SET status = $2, completed_at = now(), error = NULLIF($3, ''), updated_at = now()
			WHERE run_id = $1 AND status = ANY($4)`,
			runID, to, errMsg, froms)
	} else {
		tag, err = r.pool.Exec(ctx, `
			UPDATE agent_runs
			SET status = $2, updated_at = now()
			WHERE run_id = $1 AND status = ANY($3)`,
			runID, to, froms)
	}
	if err != nil {
		return fmt.Errorf("transition run to %s: %w", to, err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing run from a disallowed transition.
		var current models.RunStatus
		err := r.pool.QueryRow(ctx, `SELECT status FROM agent_runs WHERE run_id = $1`, runID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check run status: %w", err)
		}
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, current, to)
	}
	return nil
}

// Touch refreshes updated_at on a running run so the orphan sweep treats it
// as live.
func (r *Registry) Touch(ctx context.Context, runID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE agent_runs SET updated_at = now()
		WHERE run_id = $1 AND status = $2`,
		runID, models.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("touch run: %w", err)
	}
	return nil
}

// SnapshotResponses persists the run's full event log. Called once at
// terminal transition; the broker copy expires, this one does not.
func (r *Registry) SnapshotResponses(ctx context.Context, runID string, events []models.Event) error {
	payload, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("marshal responses: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	tag, err := r.pool.Exec(ctx, `
		UPDATE agent_runs SET responses = $2, updated_at = now()
		WHERE run_id = $1`, runID, payload)
	if err != nil {
		return fmt.Errorf("snapshot responses: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// rowScanner covers pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.AgentRun, error) {
	var run models.AgentRun
	var responses []byte
	err := row.Scan(&run.RunID, &run.ThreadID, &run.Status, &run.StartedAt,
		&run.CompletedAt, &run.Error, &responses, &run.Model, &run.AgentConfig)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if len(responses) > 0 {
		if err := json.Unmarshal(responses, &run.Responses); err != nil {
			return nil, fmt.Errorf("decode responses: %w", err)
		}
	}
	return &run, nil
}
