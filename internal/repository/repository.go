package repository

import (
	"context"

	"github.com/Siuumanth/CodeBay/internal/domain"
)

// ProjectRepository persists project records.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectBySlug(ctx context.Context, slug string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
	DeleteProject(ctx context.Context, projectID string) error
}

// DeploymentRepository stores deployment history.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error
	SaveDeploymentLog(ctx context.Context, deploymentID, logText string) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
	HasActiveDeployment(ctx context.Context, projectID string) (bool, error)
	GetLatestDeploymentBySlug(ctx context.Context, slug string) (*domain.Deployment, error)
}

// LogRepository handles build log persistence and retrieval.
type LogRepository interface {
	AppendLog(ctx context.Context, entry domain.BuildLog) error
	ListLogsBySlug(ctx context.Context, slug string, limit, offset int) ([]domain.BuildLog, error)
}

// WebhookRepository stores per-project webhook secrets.
type WebhookRepository interface {
	UpsertWebhook(ctx context.Context, projectID string, secret []byte) error
	GetWebhookSecret(ctx context.Context, projectID string) ([]byte, error)
}
