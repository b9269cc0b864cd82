// Package project serves the read and delete side of projects.
package project

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Siuumanth/CodeBay/internal/domain"
	"github.com/Siuumanth/CodeBay/internal/repository"
	"github.com/Siuumanth/CodeBay/internal/slug"
)

// Validation and state errors surfaced to handlers.
var (
	ErrInvalidSlug      = errors.New("slug must contain only lowercase letters and hyphens")
	ErrActiveDeployment = errors.New("project has an active deployment")
)

// Service exposes project reads and deletion.
type Service struct {
	projects    repository.ProjectRepository
	deployments repository.DeploymentRepository
	logger      *slog.Logger
}

// New constructs a project service.
func New(projects repository.ProjectRepository, deployments repository.DeploymentRepository, logger *slog.Logger) *Service {
	return &Service{projects: projects, deployments: deployments, logger: logger}
}

// Get returns a project with its latest deployment status. A project
// that never deployed reports an empty status.
func (s *Service) Get(ctx context.Context, slugName string) (*domain.ProjectOverview, error) {
	if !slug.Valid(slugName) {
		return nil, ErrInvalidSlug
	}
	proj, err := s.projects.GetProjectBySlug(ctx, slugName)
	if err != nil {
		return nil, err
	}
	overview := &domain.ProjectOverview{Project: *proj}
	latest, err := s.deployments.GetLatestDeploymentBySlug(ctx, slugName)
	switch {
	case err == nil:
		overview.LastStatus = latest.Status
	case errors.Is(err, repository.ErrNotFound):
	default:
		return nil, err
	}
	return overview, nil
}

// List returns all projects, newest first.
func (s *Service) List(ctx context.Context) ([]domain.Project, error) {
	return s.projects.ListProjects(ctx)
}

// Delete removes a project by slug. A project with a queued or running
// deployment cannot be deleted; its build worker would keep publishing
// into a channel nobody reconciles.
func (s *Service) Delete(ctx context.Context, slugName string) error {
	if !slug.Valid(slugName) {
		return ErrInvalidSlug
	}
	proj, err := s.projects.GetProjectBySlug(ctx, slugName)
	if err != nil {
		return err
	}
	active, err := s.deployments.HasActiveDeployment(ctx, proj.ID)
	if err != nil {
		return err
	}
	if active {
		return ErrActiveDeployment
	}
	if err := s.projects.DeleteProject(ctx, proj.ID); err != nil {
		return err
	}
	s.logger.Info("project deleted", "slug", slugName, "project_id", proj.ID)
	return nil
}
