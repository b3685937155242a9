package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lzjever/crawlhub/internal/core"
)

//go:embed migrations/*.sql
var migrations embed.FS

func NewPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

// Migrate applies embedded migrations that have not been recorded yet. A
// session advisory lock keeps concurrent starters from racing.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext('crawlhub:migrate'))`); err != nil {
		return fmt.Errorf("migrate lock: %w", err)
	}
	defer conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock(hashtext('crawlhub:migrate'))`)

	if _, err := conn.Exec(ctx, `
		CREATE SCHEMA IF NOT EXISTS crawlhub;
		CREATE TABLE IF NOT EXISTS crawlhub.schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		var applied bool
		if err := conn.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM crawlhub.schema_migrations WHERE name = $1)`, name,
		).Scan(&applied); err != nil {
			return fmt.Errorf("check %s: %w", name, err)
		}
		if applied {
			continue
		}
		body, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		tx, err := conn.Begin(ctx)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, string(body)); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("apply %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO crawlhub.schema_migrations (name) VALUES ($1)`, name); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("record %s: %w", name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit %s: %w", name, err)
		}
	}
	return nil
}

// PG is the PostgreSQL Store.
type PG struct {
	pool *pgxpool.Pool
}

func NewPG(pool *pgxpool.Pool) *PG { return &PG{pool: pool} }

func (s *PG) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func textOf(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}

func textPtr(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{}
	}
	return textOf(*s)
}

func (s *PG) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func lockSpiderDeploys(ctx context.Context, tx pgx.Tx, spiderID string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('deploy:' || $1))`, spiderID)
	return err
}

// --- workspaces ---

const workspaceCols = `spider_id, provider_workspace_id, status, is_ready, code_sync_status, url, revision, created_at, updated_at`

func scanWorkspace(row pgx.Row) (core.Workspace, error) {
	var (
		spiderID, providerID, status, sync string
		ready                              bool
		url                                pgtype.Text
		revision                           int64
		createdAt, updatedAt               pgtype.Timestamptz
	)
	if err := row.Scan(&spiderID, &providerID, &status, &ready, &sync, &url, &revision, &createdAt, &updatedAt); err != nil {
		return core.Workspace{}, notFound(err)
	}
	return core.RestoreWorkspace(spiderID, providerID, core.ParseWorkspaceStatus(status), ready,
		core.ParseCodeSyncStatus(sync), url.String, revision, createdAt.Time, updatedAt.Time), nil
}

func (s *PG) GetWorkspace(ctx context.Context, spiderID string) (core.Workspace, error) {
	return scanWorkspace(s.pool.QueryRow(ctx,
		`SELECT `+workspaceCols+` FROM crawlhub.workspaces WHERE spider_id = $1`, spiderID))
}

func upsertSpiderWorkspace(ctx context.Context, tx pgx.Tx, spiderID, providerID string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO crawlhub.spiders (spider_id, coder_workspace_id) VALUES ($1, $2)
		ON CONFLICT (spider_id) DO UPDATE SET coder_workspace_id = EXCLUDED.coder_workspace_id, updated_at = now()`,
		spiderID, providerID)
	return err
}

func (s *PG) InsertWorkspace(ctx context.Context, ws core.Workspace) (core.Workspace, error) {
	var out core.Workspace
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = scanWorkspace(tx.QueryRow(ctx, `
			INSERT INTO crawlhub.workspaces (spider_id, provider_workspace_id, status, is_ready, code_sync_status, url, revision)
			VALUES ($1, $2, $3, $4, $5, $6, 1)
			RETURNING `+workspaceCols,
			ws.SpiderID, ws.ProviderWorkspaceID, string(ws.Status), ws.Ready(), string(ws.CodeSyncStatus), textOf(ws.URL())))
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return err
		}
		return upsertSpiderWorkspace(ctx, tx, ws.SpiderID, ws.ProviderWorkspaceID)
	})
	return out, err
}

func (s *PG) UpdateWorkspace(ctx context.Context, ws core.Workspace, expectedRevision int64) (core.Workspace, error) {
	var out core.Workspace
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = scanWorkspace(tx.QueryRow(ctx, `
			UPDATE crawlhub.workspaces
			SET provider_workspace_id = $2, status = $3, is_ready = $4, code_sync_status = $5, url = $6,
			    revision = revision + 1, updated_at = now()
			WHERE spider_id = $1 AND revision = $7
			RETURNING `+workspaceCols,
			ws.SpiderID, ws.ProviderWorkspaceID, string(ws.Status), ws.Ready(), string(ws.CodeSyncStatus),
			textOf(ws.URL()), expectedRevision))
		if errors.Is(err, ErrNotFound) {
			var exists bool
			if qerr := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM crawlhub.workspaces WHERE spider_id = $1)`, ws.SpiderID,
			).Scan(&exists); qerr != nil {
				return qerr
			}
			if exists {
				return ErrStale
			}
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return upsertSpiderWorkspace(ctx, tx, ws.SpiderID, ws.ProviderWorkspaceID)
	})
	return out, err
}

// --- tasks ---

const taskCols = `id, spider_id, deployment_id, status, trigger_type, is_test, progress, success_count, failed_count,
	total_count, error_message, error_category, cancel_requested, created_at, started_at, finished_at, dispatched_at`

func scanTask(row pgx.Row) (*core.Task, error) {
	var (
		t                                   core.Task
		deploymentID, category              pgtype.Text
		status, trigger                     string
		createdAt                           pgtype.Timestamptz
		startedAt, finishedAt, dispatchedAt pgtype.Timestamptz
	)
	if err := row.Scan(&t.ID, &t.SpiderID, &deploymentID, &status, &trigger, &t.IsTest, &t.Progress,
		&t.SuccessCount, &t.FailedCount, &t.TotalCount, &t.ErrorMessage, &category, &t.CancelRequested,
		&createdAt, &startedAt, &finishedAt, &dispatchedAt); err != nil {
		return nil, notFound(err)
	}
	t.Status = core.TaskStatus(status)
	t.TriggerType = core.TriggerType(trigger)
	if deploymentID.Valid {
		t.DeploymentID = &deploymentID.String
	}
	if category.Valid {
		c := core.ErrorCategory(category.String)
		t.ErrorCategory = &c
	}
	t.CreatedAt = createdAt.Time
	t.StartedAt = timePtr(startedAt)
	t.FinishedAt = timePtr(finishedAt)
	t.DispatchedAt = timePtr(dispatchedAt)
	return &t, nil
}

func timePtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	v := ts.Time
	return &v
}

func tsOf(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func categoryText(c *core.ErrorCategory) pgtype.Text {
	if c == nil {
		return pgtype.Text{}
	}
	return textOf(string(*c))
}

func (s *PG) InsertTask(ctx context.Context, t *core.Task) error {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO crawlhub.tasks (id, spider_id, deployment_id, status, trigger_type, is_test, progress,
			success_count, failed_count, total_count, error_message, error_category, cancel_requested,
			started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at`,
		t.ID, t.SpiderID, textPtr(t.DeploymentID), string(t.Status), string(t.TriggerType), t.IsTest, t.Progress,
		t.SuccessCount, t.FailedCount, t.TotalCount, t.ErrorMessage, categoryText(t.ErrorCategory), t.CancelRequested,
		tsOf(t.StartedAt), tsOf(t.FinishedAt))
	var createdAt pgtype.Timestamptz
	if err := row.Scan(&createdAt); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	t.CreatedAt = createdAt.Time
	return nil
}

func (s *PG) GetTask(ctx context.Context, taskID string) (*core.Task, error) {
	return scanTask(s.pool.QueryRow(ctx, `SELECT `+taskCols+` FROM crawlhub.tasks WHERE id = $1`, taskID))
}

func (s *PG) ListTasks(ctx context.Context, f core.TaskFilter) ([]*core.Task, error) {
	var (
		where []string
		args  []any
	)
	if f.SpiderID != "" {
		args = append(args, f.SpiderID)
		where = append(where, fmt.Sprintf("spider_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	q := `SELECT ` + taskCols + ` FROM crawlhub.tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PG) UpdateTask(ctx context.Context, t *core.Task, from core.TaskStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE crawlhub.tasks
		SET status = $2, progress = $3, success_count = $4, failed_count = $5, total_count = $6,
		    error_message = $7, error_category = $8, cancel_requested = cancel_requested OR $9, started_at = $10, finished_at = $11
		WHERE id = $1 AND status = $12`,
		t.ID, string(t.Status), t.Progress, t.SuccessCount, t.FailedCount, t.TotalCount,
		t.ErrorMessage, categoryText(t.ErrorCategory), t.CancelRequested, tsOf(t.StartedAt), tsOf(t.FinishedAt),
		string(from))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM crawlhub.tasks WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ErrStale
	}
	return ErrNotFound
}

func (s *PG) ClaimTask(ctx context.Context) (*core.Task, error) {
	return scanTask(s.pool.QueryRow(ctx, `
		UPDATE crawlhub.tasks SET dispatched_at = now()
		WHERE id = (
			SELECT id FROM crawlhub.tasks
			WHERE status = 'pending' AND dispatched_at IS NULL AND NOT cancel_requested
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskCols))
}

func (s *PG) PendingTaskCount(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM crawlhub.tasks WHERE status = 'pending' AND dispatched_at IS NULL`).Scan(&n)
	return n, err
}

func (s *PG) AppendTaskLog(ctx context.Context, taskID string, stream core.LogStream, chunk string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO crawlhub.task_logs (task_id, stream, chunk) VALUES ($1, $2, $3)`,
		taskID, string(stream), chunk)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return ErrNotFound
	}
	return err
}

func (s *PG) TaskLogs(ctx context.Context, taskID string) (core.TaskLogs, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM crawlhub.tasks WHERE id = $1)`, taskID).Scan(&exists); err != nil {
		return core.TaskLogs{}, err
	}
	if !exists {
		return core.TaskLogs{}, ErrNotFound
	}
	rows, err := s.pool.Query(ctx,
		`SELECT stream, chunk FROM crawlhub.task_logs WHERE task_id = $1 ORDER BY id`, taskID)
	if err != nil {
		return core.TaskLogs{}, err
	}
	defer rows.Close()

	out := core.TaskLogs{TaskID: taskID}
	var stdout, stderr strings.Builder
	for rows.Next() {
		var stream, chunk string
		if err := rows.Scan(&stream, &chunk); err != nil {
			return core.TaskLogs{}, err
		}
		out.HasLogs = true
		if core.LogStream(stream) == core.StreamStderr {
			stderr.WriteString(chunk)
		} else {
			stdout.WriteString(chunk)
		}
	}
	out.Stdout, out.Stderr = stdout.String(), stderr.String()
	return out, rows.Err()
}

// --- deployments ---

const deploymentCols = `id, spider_id, version, status, file_count, archive_size, checksum, archive_key, deploy_note, created_at`

func scanDeployment(row pgx.Row) (*core.Deployment, error) {
	var (
		d         core.Deployment
		status    string
		createdAt pgtype.Timestamptz
	)
	if err := row.Scan(&d.ID, &d.SpiderID, &d.Version, &status, &d.FileCount, &d.ArchiveSize,
		&d.Checksum, &d.ArchiveKey, &d.DeployNote, &createdAt); err != nil {
		return nil, notFound(err)
	}
	d.Status = core.DeploymentStatus(status)
	d.CreatedAt = createdAt.Time
	return &d, nil
}

func (s *PG) GetDeployment(ctx context.Context, deploymentID string) (*core.Deployment, error) {
	return scanDeployment(s.pool.QueryRow(ctx,
		`SELECT `+deploymentCols+` FROM crawlhub.deployments WHERE id = $1`, deploymentID))
}

func (s *PG) ActiveDeployment(ctx context.Context, spiderID string) (*core.Deployment, error) {
	return scanDeployment(s.pool.QueryRow(ctx,
		`SELECT `+deploymentCols+` FROM crawlhub.deployments WHERE spider_id = $1 AND status = 'active'`, spiderID))
}

func (s *PG) ListDeployments(ctx context.Context, spiderID string) ([]*core.Deployment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+deploymentCols+` FROM crawlhub.deployments WHERE spider_id = $1 ORDER BY version DESC`, spiderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PG) LastVersion(ctx context.Context, spiderID string) (int, error) {
	var v int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE((SELECT last_version FROM crawlhub.spider_deploy_seq WHERE spider_id = $1), 0)`,
		spiderID).Scan(&v)
	return v, err
}

func setActivePointer(ctx context.Context, tx pgx.Tx, spiderID, deploymentID string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO crawlhub.spiders (spider_id, active_deployment_id) VALUES ($1, $2)
		ON CONFLICT (spider_id) DO UPDATE SET active_deployment_id = EXCLUDED.active_deployment_id, updated_at = now()`,
		spiderID, deploymentID)
	return err
}

func (s *PG) CreateDeployment(ctx context.Context, d *core.Deployment) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := lockSpiderDeploys(ctx, tx, d.SpiderID); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}
		var version int
		if err := tx.QueryRow(ctx, `
			INSERT INTO crawlhub.spider_deploy_seq (spider_id, last_version) VALUES ($1, 1)
			ON CONFLICT (spider_id) DO UPDATE SET last_version = crawlhub.spider_deploy_seq.last_version + 1
			RETURNING last_version`, d.SpiderID).Scan(&version); err != nil {
			return fmt.Errorf("next version: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE crawlhub.deployments SET status = 'archived' WHERE spider_id = $1 AND status = 'active'`,
			d.SpiderID); err != nil {
			return fmt.Errorf("archive previous: %w", err)
		}
		var createdAt pgtype.Timestamptz
		if err := tx.QueryRow(ctx, `
			INSERT INTO crawlhub.deployments (id, spider_id, version, status, file_count, archive_size, checksum, archive_key, deploy_note)
			VALUES ($1, $2, $3, 'active', $4, $5, $6, $7, $8)
			RETURNING created_at`,
			d.ID, d.SpiderID, version, d.FileCount, d.ArchiveSize, d.Checksum, d.ArchiveKey, d.DeployNote,
		).Scan(&createdAt); err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("insert deployment: %w", err)
		}
		if err := setActivePointer(ctx, tx, d.SpiderID, d.ID); err != nil {
			return fmt.Errorf("active pointer: %w", err)
		}
		d.Version = version
		d.Status = core.DeploymentActive
		d.CreatedAt = createdAt.Time
		return nil
	})
}

func (s *PG) ActivateDeployment(ctx context.Context, spiderID, deploymentID string) (*core.Deployment, error) {
	var out *core.Deployment
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := lockSpiderDeploys(ctx, tx, spiderID); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}
		target, err := scanDeployment(tx.QueryRow(ctx,
			`SELECT `+deploymentCols+` FROM crawlhub.deployments WHERE id = $1 AND spider_id = $2`,
			deploymentID, spiderID))
		if err != nil {
			return err
		}
		if target.Status == core.DeploymentActive {
			return ErrConflict
		}
		if _, err := tx.Exec(ctx,
			`UPDATE crawlhub.deployments SET status = 'archived' WHERE spider_id = $1 AND status = 'active'`,
			spiderID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE crawlhub.deployments SET status = 'active' WHERE id = $1`, deploymentID); err != nil {
			return err
		}
		if err := setActivePointer(ctx, tx, spiderID, deploymentID); err != nil {
			return err
		}
		target.Status = core.DeploymentActive
		out = target
		return nil
	})
	return out, err
}

func (s *PG) DeleteDeployment(ctx context.Context, spiderID, deploymentID string) (*core.Deployment, error) {
	var out *core.Deployment
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := lockSpiderDeploys(ctx, tx, spiderID); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}
		d, err := scanDeployment(tx.QueryRow(ctx,
			`SELECT `+deploymentCols+` FROM crawlhub.deployments WHERE id = $1 AND spider_id = $2`,
			deploymentID, spiderID))
		if err != nil {
			return err
		}
		if d.Status == core.DeploymentActive {
			return ErrConflict
		}
		if _, err := tx.Exec(ctx, `DELETE FROM crawlhub.deployments WHERE id = $1`, deploymentID); err != nil {
			return err
		}
		out = d
		return nil
	})
	return out, err
}

func (s *PG) PruneDeployments(ctx context.Context, spiderID string, keep int) ([]*core.Deployment, error) {
	if keep < 0 {
		keep = 0
	}
	var out []*core.Deployment
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := lockSpiderDeploys(ctx, tx, spiderID); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}
		rows, err := tx.Query(ctx, `
			DELETE FROM crawlhub.deployments
			WHERE id IN (
				SELECT id FROM crawlhub.deployments
				WHERE spider_id = $1 AND status = 'archived'
				ORDER BY version DESC
				OFFSET $2
			)
			RETURNING `+deploymentCols, spiderID, keep)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			d, err := scanDeployment(rows)
			if err != nil {
				return err
			}
			out = append(out, d)
		}
		return rows.Err()
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, err
}

func (s *PG) DeploymentSpiders(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT spider_id FROM crawlhub.deployments ORDER BY spider_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
