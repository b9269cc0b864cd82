package deploy

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/Siuumanth/CodeBay/internal/domain"
	"github.com/Siuumanth/CodeBay/internal/launcher"
	"github.com/Siuumanth/CodeBay/internal/repository"
	"github.com/Siuumanth/CodeBay/internal/slug"
	"github.com/Siuumanth/CodeBay/internal/status"
	"github.com/Siuumanth/CodeBay/pkg/config"
)

// Status constants for deployments. Ready and fail are terminal.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusReady   = "ready"
	StatusFail    = "fail"
)

// Validation and orchestration failures surfaced to callers.
var (
	ErrMissingRepoURL = errors.New("repository url is required")
	ErrInvalidRepoURL = errors.New("repository url must be an absolute http(s) or git url")
	ErrInvalidSlug    = errors.New("slug must contain only lowercase letters and hyphens")
	ErrSlugTaken      = errors.New("slug is already taken by an active project")
	ErrSlugExhausted  = errors.New("could not generate a free slug")
	ErrLaunchFailed   = errors.New("build container launch rejected")
)

// ChannelRegistry is the coordinator's view of the broker subscription
// owner.
type ChannelRegistry interface {
	Subscribe(ctx context.Context, slug string) error
	Unsubscribe(slug string)
}

// Request is a deployment submission.
type Request struct {
	RepoURL string `json:"repo_url"`
	Slug    string `json:"slug"`
	SubPath string `json:"sub_path"`
}

// Result is returned to the caller so it can attach to the live log
// channel immediately.
type Result struct {
	Slug         string `json:"slug"`
	DeploymentID string `json:"deployment_id"`
	AccessURL    string `json:"url"`
}

// Service orchestrates deployments: record creation, channel wiring,
// container launch and terminal reconciliation.
type Service struct {
	projects    repository.ProjectRepository
	deployments repository.DeploymentRepository
	registry    ChannelRegistry
	launcher    launcher.Launcher
	logger      *slog.Logger
	cfg         config.APIConfig

	mu     sync.Mutex
	builds map[string]*buildTrack
}

// buildTrack follows one in-flight build. Once terminal is set, later
// lines on the channel are relayed to viewers but never transition the
// deployment again.
type buildTrack struct {
	deploymentID string
	started      bool
	terminal     bool
	log          strings.Builder
	timer        *time.Timer
}

// New returns a deployment coordinator.
func New(projects repository.ProjectRepository, deployments repository.DeploymentRepository, registry ChannelRegistry, launch launcher.Launcher, logger *slog.Logger, cfg config.APIConfig) *Service {
	return &Service{
		projects:    projects,
		deployments: deployments,
		registry:    registry,
		launcher:    launch,
		logger:      logger,
		cfg:         cfg,
		builds:      make(map[string]*buildTrack),
	}
}

// StartDeployment validates the request, persists project and
// deployment records, subscribes to the project's log channel and asks
// the launcher to start a build worker. Subscription happens before the
// launch so the worker's first lines cannot arrive unheard.
func (s *Service) StartDeployment(ctx context.Context, req Request) (*Result, error) {
	repoURL := strings.TrimSpace(req.RepoURL)
	if repoURL == "" {
		return nil, ErrMissingRepoURL
	}
	if !validRepoURL(repoURL) {
		return nil, ErrInvalidRepoURL
	}

	project, created, err := s.resolveProject(ctx, strings.TrimSpace(req.Slug), repoURL, strings.TrimSpace(req.SubPath))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	deployment := &domain.Deployment{
		ID:        uuid.NewString(),
		ProjectID: project.ID,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		s.compensate(ctx, project, created)
		if errors.Is(err, repository.ErrConflict) {
			// The partial unique index on active deployments caught a
			// concurrent redeploy of the same slug that the
			// HasActiveDeployment read missed.
			return nil, ErrSlugTaken
		}
		return nil, err
	}

	if err := s.registry.Subscribe(ctx, project.Slug); err != nil {
		s.markFailed(ctx, deployment.ID, "")
		s.compensate(ctx, project, created)
		return nil, fmt.Errorf("subscribe log channel: %w", err)
	}
	s.track(project.Slug, deployment.ID)

	task := launcher.Task{RepoURL: project.RepoURL, Slug: project.Slug, SubPath: project.SubPath}
	if err := s.launcher.Launch(ctx, task); err != nil {
		s.logger.Error("launch rejected", "slug", project.Slug, "deployment_id", deployment.ID, "error", err)
		s.untrack(project.Slug)
		s.registry.Unsubscribe(project.Slug)
		s.markFailed(ctx, deployment.ID, err.Error())
		s.compensate(ctx, project, created)
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	s.logger.Info("deployment queued", "slug", project.Slug, "deployment_id", deployment.ID)
	return &Result{
		Slug:         project.Slug,
		DeploymentID: deployment.ID,
		AccessURL:    s.accessURL(project.Slug),
	}, nil
}

// resolveProject finds or creates the project a deployment targets. A
// caller-supplied slug whose project has a non-terminal deployment is a
// conflict; a slug whose builds all finished redeploys the existing
// project. Generated slugs retry on collision a bounded number of times.
func (s *Service) resolveProject(ctx context.Context, requested, repoURL, subPath string) (*domain.Project, bool, error) {
	if requested != "" {
		if !slug.Valid(requested) {
			return nil, false, ErrInvalidSlug
		}
		existing, err := s.projects.GetProjectBySlug(ctx, requested)
		switch {
		case err == nil:
			active, err := s.deployments.HasActiveDeployment(ctx, existing.ID)
			if err != nil {
				return nil, false, err
			}
			if active {
				return nil, false, ErrSlugTaken
			}
			return existing, false, nil
		case errors.Is(err, repository.ErrNotFound):
			project := newProject(requested, repoURL, subPath)
			if err := s.projects.CreateProject(ctx, project); err != nil {
				if errors.Is(err, repository.ErrConflict) {
					// Lost the race against a concurrent request
					// claiming the same slug.
					return nil, false, ErrSlugTaken
				}
				return nil, false, err
			}
			return project, true, nil
		default:
			return nil, false, err
		}
	}

	retries := s.cfg.SlugRetries
	if retries <= 0 {
		retries = 5
	}
	for attempt := 0; attempt < retries; attempt++ {
		project := newProject(slug.Generate(), repoURL, subPath)
		err := s.projects.CreateProject(ctx, project)
		if err == nil {
			return project, true, nil
		}
		if errors.Is(err, repository.ErrConflict) {
			continue
		}
		return nil, false, err
	}
	return nil, false, ErrSlugExhausted
}

func newProject(slugName, repoURL, subPath string) *domain.Project {
	return &domain.Project{
		ID:        uuid.NewString(),
		Slug:      slugName,
		RepoURL:   repoURL,
		SubPath:   subPath,
		CreatedAt: time.Now().UTC(),
	}
}

// compensate removes a project this request created. Persistence and
// the launch call are different systems with no shared transaction, so
// rollback is an explicit step.
func (s *Service) compensate(ctx context.Context, project *domain.Project, created bool) {
	if !created {
		return
	}
	if err := s.projects.DeleteProject(ctx, project.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("rollback project delete failed", "slug", project.Slug, "error", err)
	}
}

func (s *Service) markFailed(ctx context.Context, deploymentID, reason string) {
	update := domain.DeploymentStatusUpdate{DeploymentID: deploymentID, Status: StatusFail}
	if reason != "" {
		update.Log = reason
		update.HasLog = true
	}
	if err := s.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
		s.logger.Warn("mark deployment failed errored", "deployment_id", deploymentID, "error", err)
	}
}

// Observe ingests one relayed log line for a slug. It accumulates the
// build log, resets the inactivity watchdog and reconciles the first
// terminal classification; anything after that is relay-only.
func (s *Service) Observe(ctx context.Context, slugName, line string) {
	s.mu.Lock()
	track, ok := s.builds[slugName]
	if !ok || track.terminal {
		s.mu.Unlock()
		return
	}
	track.log.WriteString(line)
	track.log.WriteByte('\n')
	if track.timer != nil {
		track.timer.Reset(s.inactivityLimit())
	}

	signal := status.Classify(line)
	if !signal.Terminal() {
		first := !track.started
		track.started = true
		deploymentID := track.deploymentID
		s.mu.Unlock()
		if first {
			update := domain.DeploymentStatusUpdate{DeploymentID: deploymentID, Status: StatusRunning}
			if err := s.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
				s.logger.Warn("running transition failed", "slug", slugName, "error", err)
			}
		}
		return
	}

	track.terminal = true
	if track.timer != nil {
		track.timer.Stop()
	}
	deploymentID := track.deploymentID
	logText := track.log.String()
	delete(s.builds, slugName)
	s.mu.Unlock()

	s.reconcile(ctx, slugName, deploymentID, signal.String(), logText)
}

// reconcile writes the terminal status (and the accumulated log when
// configured) and releases the broker subscription.
func (s *Service) reconcile(ctx context.Context, slugName, deploymentID, terminal, logText string) {
	update := domain.DeploymentStatusUpdate{DeploymentID: deploymentID, Status: terminal}
	if s.cfg.PersistBuildLogs {
		update.Log = logText
		update.HasLog = true
	}
	if err := s.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
		s.logger.Error("terminal reconciliation failed", "slug", slugName, "deployment_id", deploymentID, "error", err)
	}
	s.registry.Unsubscribe(slugName)
	s.logger.Info("deployment reconciled", "slug", slugName, "deployment_id", deploymentID, "status", terminal)
}

// track starts following a build, arming the inactivity watchdog. A
// worker that crashes without publishing an error line would otherwise
// leave the deployment queued forever.
func (s *Service) track(slugName, deploymentID string) {
	track := &buildTrack{deploymentID: deploymentID}
	track.timer = time.AfterFunc(s.inactivityLimit(), func() {
		s.expire(slugName)
	})
	s.mu.Lock()
	s.builds[slugName] = track
	s.mu.Unlock()
}

func (s *Service) untrack(slugName string) {
	s.mu.Lock()
	if track, ok := s.builds[slugName]; ok {
		if track.timer != nil {
			track.timer.Stop()
		}
		delete(s.builds, slugName)
	}
	s.mu.Unlock()
}

// expire treats channel silence as an implicit failure.
func (s *Service) expire(slugName string) {
	s.mu.Lock()
	track, ok := s.builds[slugName]
	if !ok || track.terminal {
		s.mu.Unlock()
		return
	}
	track.terminal = true
	deploymentID := track.deploymentID
	logText := track.log.String()
	delete(s.builds, slugName)
	s.mu.Unlock()

	s.logger.Warn("build inactive, marking failed", "slug", slugName, "deployment_id", deploymentID)
	s.reconcile(context.Background(), slugName, deploymentID, StatusFail, logText)
}

func (s *Service) inactivityLimit() time.Duration {
	if s.cfg.BuildInactivityLimit > 0 {
		return s.cfg.BuildInactivityLimit
	}
	return time.Minute
}

// SaveLog persists caller-supplied accumulated log text for a
// deployment. Racing the coordinator's own terminal write is accepted;
// both agree on the terminal status, so last write wins on the text.
func (s *Service) SaveLog(ctx context.Context, deploymentID, logText string) error {
	deploymentID = strings.TrimSpace(deploymentID)
	if deploymentID == "" {
		return errors.New("deployment id is required")
	}
	return s.deployments.SaveDeploymentLog(ctx, deploymentID, logText)
}

// Deployment returns one deployment record by id.
func (s *Service) Deployment(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	return s.deployments.GetDeploymentByID(ctx, strings.TrimSpace(deploymentID))
}

// History returns recent deployments for a slug.
func (s *Service) History(ctx context.Context, slugName string, limit int) ([]domain.Deployment, error) {
	project, err := s.projects.GetProjectBySlug(ctx, slugName)
	if err != nil {
		return nil, err
	}
	return s.deployments.ListDeploymentsByProject(ctx, project.ID, limit)
}

func (s *Service) accessURL(slugName string) string {
	return fmt.Sprintf("%s://%s.%s", s.cfg.PreviewScheme, slugName, s.cfg.PreviewDomain)
}

// validRepoURL checks shape only: absolute URL with a known scheme and
// a host. No network probe.
func validRepoURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch parsed.Scheme {
	case "http", "https", "git", "ssh":
	default:
		return false
	}
	return parsed.Host != ""
}
