package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Siuumanth/CodeBay/internal/domain"
	"github.com/Siuumanth/CodeBay/internal/launcher"
	"github.com/Siuumanth/CodeBay/internal/repository"
	"github.com/Siuumanth/CodeBay/pkg/config"
)

type fakeProjectRepo struct {
	mu       sync.Mutex
	bySlug   map[string]*domain.Project
	deleted  []string
	failWith error
}

func newFakeProjectRepo() *fakeProjectRepo {
	return &fakeProjectRepo{bySlug: make(map[string]*domain.Project)}
}

func (f *fakeProjectRepo) CreateProject(ctx context.Context, project *domain.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	if _, ok := f.bySlug[project.Slug]; ok {
		return repository.ErrConflict
	}
	copied := *project
	f.bySlug[project.Slug] = &copied
	return nil
}

func (f *fakeProjectRepo) GetProjectBySlug(ctx context.Context, slug string) (*domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if project, ok := f.bySlug[slug]; ok {
		copied := *project
		return &copied, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeProjectRepo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return nil, nil
}

func (f *fakeProjectRepo) DeleteProject(ctx context.Context, projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for slug, project := range f.bySlug {
		if project.ID == projectID {
			delete(f.bySlug, slug)
			f.deleted = append(f.deleted, projectID)
			return nil
		}
	}
	return repository.ErrNotFound
}

type fakeDeploymentRepo struct {
	mu        sync.Mutex
	created   []domain.Deployment
	updates   []domain.DeploymentStatusUpdate
	savedLogs map[string]string
	active    bool
	// enforceActive mimics the partial unique index: at most one
	// non-terminal deployment per project at insert time.
	enforceActive bool
	createErr     error
	updateErr     error
}

func newFakeDeploymentRepo() *fakeDeploymentRepo {
	return &fakeDeploymentRepo{savedLogs: make(map[string]string)}
}

func (f *fakeDeploymentRepo) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if f.enforceActive {
		for _, d := range f.created {
			if d.ProjectID != deployment.ProjectID {
				continue
			}
			status := f.currentStatusLocked(d)
			if status == StatusQueued || status == StatusRunning {
				return repository.ErrConflict
			}
		}
	}
	f.created = append(f.created, *deployment)
	return nil
}

func (f *fakeDeploymentRepo) currentStatusLocked(d domain.Deployment) string {
	status := d.Status
	for _, u := range f.updates {
		if u.DeploymentID == d.ID {
			status = u.Status
		}
	}
	return status
}

func (f *fakeDeploymentRepo) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, update)
	return nil
}

func (f *fakeDeploymentRepo) SaveDeploymentLog(ctx context.Context, deploymentID, logText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedLogs[deploymentID] = logText
	return nil
}

func (f *fakeDeploymentRepo) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeDeploymentRepo) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Deployment, 0)
	for _, d := range f.created {
		if d.ProjectID == projectID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeDeploymentRepo) HasActiveDeployment(ctx context.Context, projectID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, nil
}

func (f *fakeDeploymentRepo) GetLatestDeploymentBySlug(ctx context.Context, slug string) (*domain.Deployment, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeDeploymentRepo) lastUpdate() (domain.DeploymentStatusUpdate, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updates) == 0 {
		return domain.DeploymentStatusUpdate{}, false
	}
	return f.updates[len(f.updates)-1], true
}

func (f *fakeDeploymentRepo) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

type fakeRegistry struct {
	mu           sync.Mutex
	events       *[]string
	subscribed   []string
	unsubscribed []string
	subscribeErr error
}

func (f *fakeRegistry) Subscribe(ctx context.Context, slug string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subscribed = append(f.subscribed, slug)
	if f.events != nil {
		*f.events = append(*f.events, "subscribe:"+slug)
	}
	return nil
}

func (f *fakeRegistry) Unsubscribe(slug string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, slug)
}

type fakeLauncher struct {
	mu     sync.Mutex
	events *[]string
	tasks  []launcher.Task
	err    error
}

func (f *fakeLauncher) Launch(ctx context.Context, task launcher.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, task)
	if f.events != nil {
		*f.events = append(*f.events, "launch:"+task.Slug)
	}
	return nil
}

type testEnv struct {
	svc      *Service
	projects *fakeProjectRepo
	deps     *fakeDeploymentRepo
	registry *fakeRegistry
	launcher *fakeLauncher
	events   []string
}

func newTestEnv(mutate ...func(*testEnv)) *testEnv {
	env := &testEnv{
		projects: newFakeProjectRepo(),
		deps:     newFakeDeploymentRepo(),
		registry: &fakeRegistry{},
		launcher: &fakeLauncher{},
	}
	env.registry.events = &env.events
	env.launcher.events = &env.events
	for _, fn := range mutate {
		fn(env)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.APIConfig{
		PreviewScheme:        "http",
		PreviewDomain:        "localhost:8000",
		PersistBuildLogs:     true,
		SlugRetries:          5,
		BuildInactivityLimit: time.Minute,
	}
	env.svc = New(env.projects, env.deps, env.registry, env.launcher, log, cfg)
	return env
}

func TestStartDeploymentHappyPath(t *testing.T) {
	env := newTestEnv()

	result, err := env.svc.StartDeployment(context.Background(), Request{
		RepoURL: "https://github.com/x/y",
		Slug:    "demo-app",
	})
	if err != nil {
		t.Fatalf("StartDeployment returned error: %v", err)
	}
	if result.Slug != "demo-app" {
		t.Fatalf("expected requested slug to be kept, got %q", result.Slug)
	}
	if result.AccessURL != "http://demo-app.localhost:8000" {
		t.Fatalf("unexpected access url %q", result.AccessURL)
	}
	if len(env.deps.created) != 1 || env.deps.created[0].Status != StatusQueued {
		t.Fatalf("expected one queued deployment, got %+v", env.deps.created)
	}
	if result.DeploymentID != env.deps.created[0].ID {
		t.Fatal("result deployment id does not match the created record")
	}
	if _, err := env.projects.GetProjectBySlug(context.Background(), "demo-app"); err != nil {
		t.Fatalf("project was not persisted: %v", err)
	}

	// Subscription must precede the launch call so the worker's first
	// lines cannot arrive before anyone listens.
	if len(env.events) != 2 || env.events[0] != "subscribe:demo-app" || env.events[1] != "launch:demo-app" {
		t.Fatalf("expected subscribe before launch, got %v", env.events)
	}
}

func TestStartDeploymentValidation(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	cases := []struct {
		name string
		req  Request
		want error
	}{
		{"missing url", Request{}, ErrMissingRepoURL},
		{"relative url", Request{RepoURL: "github.com/x/y"}, ErrInvalidRepoURL},
		{"bad scheme", Request{RepoURL: "ftp://github.com/x/y"}, ErrInvalidRepoURL},
		{"uppercase slug", Request{RepoURL: "https://github.com/x/y", Slug: "Demo"}, ErrInvalidSlug},
		{"digits in slug", Request{RepoURL: "https://github.com/x/y", Slug: "demo-1"}, ErrInvalidSlug},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := env.svc.StartDeployment(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if len(env.deps.created) != 0 || len(env.registry.subscribed) != 0 {
		t.Fatal("validation failures must not produce side effects")
	}
}

func TestStartDeploymentRejectsActiveSlug(t *testing.T) {
	env := newTestEnv(func(e *testEnv) {
		e.deps.active = true
	})
	ctx := context.Background()

	if _, err := env.svc.StartDeployment(ctx, Request{RepoURL: "https://github.com/x/y", Slug: "demo-app"}); err != nil {
		t.Fatalf("first deployment failed: %v", err)
	}
	_, err := env.svc.StartDeployment(ctx, Request{RepoURL: "https://github.com/x/y", Slug: "demo-app"})
	if !errors.Is(err, ErrSlugTaken) {
		t.Fatalf("expected ErrSlugTaken, got %v", err)
	}
	if len(env.deps.created) != 1 {
		t.Fatalf("conflict must not create another deployment, got %d", len(env.deps.created))
	}
}

func TestStartDeploymentConcurrentRedeployResolvesInDatabase(t *testing.T) {
	// Both requests read HasActiveDeployment as false before either
	// inserts; the active-deployment unique index decides the winner.
	env := newTestEnv(func(e *testEnv) {
		e.deps.enforceActive = true
	})
	ctx := context.Background()
	req := Request{RepoURL: "https://github.com/x/y", Slug: "demo-app"}

	if _, err := env.svc.StartDeployment(ctx, req); err != nil {
		t.Fatalf("first deployment failed: %v", err)
	}
	_, err := env.svc.StartDeployment(ctx, req)
	if !errors.Is(err, ErrSlugTaken) {
		t.Fatalf("expected ErrSlugTaken for the losing request, got %v", err)
	}
	if len(env.deps.created) != 1 {
		t.Fatalf("expected exactly one queued deployment, got %d", len(env.deps.created))
	}
	if len(env.registry.subscribed) != 1 {
		t.Fatalf("losing request must not subscribe, got %v", env.registry.subscribed)
	}

	// The winner's tracking is intact: its build still reconciles.
	env.svc.Observe(ctx, "demo-app", "Done...")
	update, ok := env.deps.lastUpdate()
	if !ok || update.Status != StatusReady || update.DeploymentID != env.deps.created[0].ID {
		t.Fatalf("winner not reconciled, got %+v", update)
	}
}

func TestStartDeploymentRedeploysTerminalSlug(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	if _, err := env.svc.StartDeployment(ctx, Request{RepoURL: "https://github.com/x/y", Slug: "demo-app"}); err != nil {
		t.Fatalf("first deployment failed: %v", err)
	}
	// All deployments terminal: the slug redeploys onto the same project.
	result, err := env.svc.StartDeployment(ctx, Request{RepoURL: "https://github.com/x/y", Slug: "demo-app"})
	if err != nil {
		t.Fatalf("redeploy failed: %v", err)
	}
	if result.Slug != "demo-app" {
		t.Fatalf("redeploy changed slug to %q", result.Slug)
	}
	if len(env.deps.created) != 2 {
		t.Fatalf("expected deployment history of 2, got %d", len(env.deps.created))
	}
	if env.deps.created[0].ProjectID != env.deps.created[1].ProjectID {
		t.Fatal("redeploy must reuse the existing project")
	}
}

func TestStartDeploymentGeneratesSlug(t *testing.T) {
	env := newTestEnv()

	result, err := env.svc.StartDeployment(context.Background(), Request{RepoURL: "https://github.com/x/y"})
	if err != nil {
		t.Fatalf("StartDeployment returned error: %v", err)
	}
	if result.Slug == "" || strings.ToLower(result.Slug) != result.Slug {
		t.Fatalf("generated slug %q is not lowercase", result.Slug)
	}
	if !strings.Contains(result.Slug, "-") {
		t.Fatalf("generated slug %q is not adjective-noun shaped", result.Slug)
	}
}

func TestStartDeploymentSlugGenerationExhausted(t *testing.T) {
	env := newTestEnv(func(e *testEnv) {
		e.projects.failWith = repository.ErrConflict
	})

	_, err := env.svc.StartDeployment(context.Background(), Request{RepoURL: "https://github.com/x/y"})
	if !errors.Is(err, ErrSlugExhausted) {
		t.Fatalf("expected ErrSlugExhausted, got %v", err)
	}
}

func TestStartDeploymentLaunchRejectionRollsBack(t *testing.T) {
	env := newTestEnv(func(e *testEnv) {
		e.launcher.err = errors.New("no capacity")
	})
	ctx := context.Background()

	_, err := env.svc.StartDeployment(ctx, Request{RepoURL: "https://github.com/x/y", Slug: "demo-app"})
	if !errors.Is(err, ErrLaunchFailed) {
		t.Fatalf("expected ErrLaunchFailed, got %v", err)
	}

	// Compensating transaction: project gone, deployment marked fail,
	// channel released.
	if _, err := env.projects.GetProjectBySlug(ctx, "demo-app"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected project rolled back, got %v", err)
	}
	update, ok := env.deps.lastUpdate()
	if !ok || update.Status != StatusFail {
		t.Fatalf("expected deployment marked fail, got %+v", update)
	}
	if len(env.registry.unsubscribed) != 1 || env.registry.unsubscribed[0] != "demo-app" {
		t.Fatalf("expected channel unsubscribed, got %v", env.registry.unsubscribed)
	}
}

func TestObserveLifecycle(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	result, err := env.svc.StartDeployment(ctx, Request{RepoURL: "https://github.com/x/y", Slug: "demo-app"})
	if err != nil {
		t.Fatalf("StartDeployment returned error: %v", err)
	}

	env.svc.Observe(ctx, "demo-app", "Installing...")
	env.svc.Observe(ctx, "demo-app", "Building...")
	env.svc.Observe(ctx, "demo-app", "Done...")

	updates := env.deps.updates
	if len(updates) != 2 {
		t.Fatalf("expected running + ready updates, got %+v", updates)
	}
	if updates[0].Status != StatusRunning || updates[0].DeploymentID != result.DeploymentID {
		t.Fatalf("expected running transition first, got %+v", updates[0])
	}
	if updates[1].Status != StatusReady {
		t.Fatalf("expected terminal ready, got %+v", updates[1])
	}
	if !updates[1].HasLog || !strings.Contains(updates[1].Log, "Installing...") || !strings.Contains(updates[1].Log, "Done...") {
		t.Fatalf("expected accumulated log persisted, got %q", updates[1].Log)
	}
	if len(env.registry.unsubscribed) != 1 {
		t.Fatalf("expected channel released after terminal, got %v", env.registry.unsubscribed)
	}
}

func TestObserveFailureLine(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	if _, err := env.svc.StartDeployment(ctx, Request{RepoURL: "https://github.com/x/y", Slug: "demo-app"}); err != nil {
		t.Fatalf("StartDeployment returned error: %v", err)
	}
	env.svc.Observe(ctx, "demo-app", "Error: build failed")

	update, ok := env.deps.lastUpdate()
	if !ok || update.Status != StatusFail {
		t.Fatalf("expected fail reconciliation, got %+v", update)
	}
}

func TestObserveTerminalStateIsSticky(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	if _, err := env.svc.StartDeployment(ctx, Request{RepoURL: "https://github.com/x/y", Slug: "demo-app"}); err != nil {
		t.Fatalf("StartDeployment returned error: %v", err)
	}
	env.svc.Observe(ctx, "demo-app", "Done...")
	count := env.deps.updateCount()

	// Later lines still relay to viewers but must not transition again.
	env.svc.Observe(ctx, "demo-app", "Error: late noise")
	env.svc.Observe(ctx, "demo-app", "Done...")

	if env.deps.updateCount() != count {
		t.Fatalf("terminal state changed after reconciliation: %+v", env.deps.updates)
	}
}

func TestObserveIgnoresUntrackedSlug(t *testing.T) {
	env := newTestEnv()
	env.svc.Observe(context.Background(), "never-started", "Error: whatever")
	if env.deps.updateCount() != 0 {
		t.Fatal("untracked slug must not trigger updates")
	}
}

func TestInactivityTimeoutReconcilesFail(t *testing.T) {
	env := newTestEnv()
	env.svc.cfg.BuildInactivityLimit = 30 * time.Millisecond
	ctx := context.Background()

	if _, err := env.svc.StartDeployment(ctx, Request{RepoURL: "https://github.com/x/y", Slug: "demo-app"}); err != nil {
		t.Fatalf("StartDeployment returned error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if update, ok := env.deps.lastUpdate(); ok && update.Status == StatusFail {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("inactivity timeout did not reconcile the deployment")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(env.registry.unsubscribed) == 0 {
		t.Fatal("expected channel released after timeout")
	}
}

func TestSaveLogRequiresDeploymentID(t *testing.T) {
	env := newTestEnv()
	if err := env.svc.SaveLog(context.Background(), "  ", "text"); err == nil {
		t.Fatal("expected error for empty deployment id")
	}
	if err := env.svc.SaveLog(context.Background(), "dep-1", "full build output"); err != nil {
		t.Fatalf("SaveLog returned error: %v", err)
	}
	if env.deps.savedLogs["dep-1"] != "full build output" {
		t.Fatal("log text was not persisted")
	}
}
