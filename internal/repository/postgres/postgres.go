package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Siuumanth/CodeBay/internal/domain"
	"github.com/Siuumanth/CodeBay/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.LogRepository        = (*Repository)(nil)
	_ repository.WebhookRepository    = (*Repository)(nil)
)

const uniqueViolation = "23505"

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return repository.ErrConflict
	}
	return err
}

// CreateProject inserts a project. A duplicate slug maps to ErrConflict
// so concurrent deploys of the same slug resolve in the database.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (id, slug, repo_url, sub_path, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, project.ID, project.Slug, project.RepoURL, project.SubPath, project.CreatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

// GetProjectBySlug fetches a project by its slug.
func (r *Repository) GetProjectBySlug(ctx context.Context, slug string) (*domain.Project, error) {
	const query = `SELECT id, slug, repo_url, sub_path, created_at FROM projects WHERE slug = $1`
	row := r.pool.QueryRow(ctx, query, slug)
	var p domain.Project
	if err := row.Scan(&p.ID, &p.Slug, &p.RepoURL, &p.SubPath, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListProjects returns all projects, newest first.
func (r *Repository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	const query = `SELECT id, slug, repo_url, sub_path, created_at FROM projects ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Slug, &p.RepoURL, &p.SubPath, &p.CreatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// DeleteProject removes a project; deployments cascade.
func (r *Repository) DeleteProject(ctx context.Context, projectID string) error {
	const query = `DELETE FROM projects WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, projectID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CreateDeployment inserts a deployment referencing an existing
// project. The partial unique index on active deployments rejects a
// second queued/running row per project; the violation maps to
// ErrConflict.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, project_id, status, log, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, deployment.ID, deployment.ProjectID, deployment.Status, deployment.Log, deployment.CreatedAt, deployment.UpdatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

// UpdateDeploymentStatus writes a status transition, optionally with the
// accumulated build log.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	var tag pgconn.CommandTag
	var err error
	if update.HasLog {
		const query = `UPDATE deployments SET status = $2, log = $3, updated_at = NOW() WHERE id = $1`
		tag, err = r.pool.Exec(ctx, query, update.DeploymentID, update.Status, update.Log)
	} else {
		const query = `UPDATE deployments SET status = $2, updated_at = NOW() WHERE id = $1`
		tag, err = r.pool.Exec(ctx, query, update.DeploymentID, update.Status)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SaveDeploymentLog stores the full build log text. Status is left
// untouched; a race with terminal reconciliation is last-write-wins on
// the log column only.
func (r *Repository) SaveDeploymentLog(ctx context.Context, deploymentID, logText string) error {
	const query = `UPDATE deployments SET log = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, deploymentID, logText)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetDeploymentByID retrieves a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	// project_id can be NULL after a compensating project delete.
	const query = `SELECT id, COALESCE(project_id::text, ''), status, log, created_at, updated_at FROM deployments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, deploymentID)
	var d domain.Deployment
	if err := row.Scan(&d.ID, &d.ProjectID, &d.Status, &d.Log, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// ListDeploymentsByProject returns recent deployments for a project.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT id, project_id, status, log, created_at, updated_at
		FROM deployments WHERE project_id = $1
		ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0, limit)
	for rows.Next() {
		var d domain.Deployment
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Status, &d.Log, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

// HasActiveDeployment reports whether the project has a non-terminal
// deployment (status queued or running).
func (r *Repository) HasActiveDeployment(ctx context.Context, projectID string) (bool, error) {
	const query = `SELECT EXISTS (
		SELECT 1 FROM deployments WHERE project_id = $1 AND status IN ('queued', 'running')
	)`
	row := r.pool.QueryRow(ctx, query, projectID)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// GetLatestDeploymentBySlug returns the newest deployment for a slug.
func (r *Repository) GetLatestDeploymentBySlug(ctx context.Context, slug string) (*domain.Deployment, error) {
	const query = `SELECT d.id, d.project_id, d.status, d.log, d.created_at, d.updated_at
		FROM deployments d
		INNER JOIN projects p ON p.id = d.project_id
		WHERE p.slug = $1
		ORDER BY d.created_at DESC LIMIT 1`
	row := r.pool.QueryRow(ctx, query, slug)
	var d domain.Deployment
	if err := row.Scan(&d.ID, &d.ProjectID, &d.Status, &d.Log, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// AppendLog stores a relayed build log line.
func (r *Repository) AppendLog(ctx context.Context, entry domain.BuildLog) error {
	const query = `INSERT INTO build_logs (slug, source, message, created_at)
		VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, entry.Slug, entry.Source, entry.Message, entry.CreatedAt)
	return err
}

// ListLogsBySlug returns persisted log lines in publish order.
func (r *Repository) ListLogsBySlug(ctx context.Context, slug string, limit, offset int) ([]domain.BuildLog, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	const query = `SELECT id, slug, source, message, created_at
		FROM build_logs WHERE slug = $1
		ORDER BY id ASC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, slug, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.BuildLog, 0, limit)
	for rows.Next() {
		var entry domain.BuildLog
		if err := rows.Scan(&entry.ID, &entry.Slug, &entry.Source, &entry.Message, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// UpsertWebhook stores an encrypted webhook secret for a project.
func (r *Repository) UpsertWebhook(ctx context.Context, projectID string, secret []byte) error {
	const query = `INSERT INTO webhooks (project_id, secret, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (project_id) DO UPDATE SET secret = EXCLUDED.secret`
	_, err := r.pool.Exec(ctx, query, projectID, secret)
	return err
}

// GetWebhookSecret loads the encrypted webhook secret for a project.
func (r *Repository) GetWebhookSecret(ctx context.Context, projectID string) ([]byte, error) {
	const query = `SELECT secret FROM webhooks WHERE project_id = $1`
	row := r.pool.QueryRow(ctx, query, projectID)
	var secret []byte
	if err := row.Scan(&secret); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return secret, nil
}
