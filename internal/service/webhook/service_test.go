package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/Siuumanth/CodeBay/internal/domain"
	"github.com/Siuumanth/CodeBay/internal/repository"
	"github.com/Siuumanth/CodeBay/internal/service/deploy"
)

const testKey = "test-encryption-key"

type fakeProjectRepo struct {
	project *domain.Project
}

func (f *fakeProjectRepo) CreateProject(ctx context.Context, p *domain.Project) error { return nil }

func (f *fakeProjectRepo) GetProjectBySlug(ctx context.Context, slug string) (*domain.Project, error) {
	if f.project != nil && f.project.Slug == slug {
		return f.project, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeProjectRepo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return nil, nil
}

func (f *fakeProjectRepo) DeleteProject(ctx context.Context, id string) error { return nil }

type fakeWebhookRepo struct {
	secrets map[string][]byte
}

func (f *fakeWebhookRepo) UpsertWebhook(ctx context.Context, projectID string, secret []byte) error {
	if f.secrets == nil {
		f.secrets = make(map[string][]byte)
	}
	f.secrets[projectID] = secret
	return nil
}

func (f *fakeWebhookRepo) GetWebhookSecret(ctx context.Context, projectID string) ([]byte, error) {
	if secret, ok := f.secrets[projectID]; ok {
		return secret, nil
	}
	return nil, repository.ErrNotFound
}

type fakeStarter struct {
	requests []deploy.Request
	err      error
}

func (f *fakeStarter) StartDeployment(ctx context.Context, req deploy.Request) (*deploy.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.requests = append(f.requests, req)
	return &deploy.Result{Slug: req.Slug, DeploymentID: "d-1"}, nil
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newTestService() (*Service, *fakeWebhookRepo, *fakeStarter) {
	projects := &fakeProjectRepo{project: &domain.Project{
		ID:      "p-1",
		Slug:    "demo-app",
		RepoURL: "https://github.com/x/y",
	}}
	webhooks := &fakeWebhookRepo{}
	starter := &fakeStarter{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(projects, webhooks, starter, log, testKey), webhooks, starter
}

func TestUpsertSecretEncryptsAtRest(t *testing.T) {
	svc, webhooks, _ := newTestService()

	if err := svc.UpsertSecret(context.Background(), "demo-app", "hunter2"); err != nil {
		t.Fatalf("UpsertSecret returned error: %v", err)
	}
	stored := webhooks.secrets["p-1"]
	if len(stored) == 0 || string(stored) == "hunter2" {
		t.Fatal("secret must be stored encrypted")
	}
}

func TestHandlePushVerifiedRedeploys(t *testing.T) {
	svc, _, starter := newTestService()
	ctx := context.Background()
	body := []byte(`{"ref":"refs/heads/main"}`)

	if err := svc.UpsertSecret(ctx, "demo-app", "hunter2"); err != nil {
		t.Fatalf("UpsertSecret returned error: %v", err)
	}
	result, err := svc.HandlePush(ctx, "demo-app", body, sign("hunter2", body))
	if err != nil {
		t.Fatalf("HandlePush returned error: %v", err)
	}
	if result.Slug != "demo-app" {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(starter.requests) != 1 || starter.requests[0].RepoURL != "https://github.com/x/y" {
		t.Fatalf("unexpected redeploy requests %+v", starter.requests)
	}
}

func TestHandlePushRejectsBadSignature(t *testing.T) {
	svc, _, starter := newTestService()
	ctx := context.Background()
	body := []byte(`{"ref":"refs/heads/main"}`)

	if err := svc.UpsertSecret(ctx, "demo-app", "hunter2"); err != nil {
		t.Fatalf("UpsertSecret returned error: %v", err)
	}

	cases := []string{
		sign("wrong-secret", body),
		"sha256=deadbeef",
		"not-hex-at-all",
		"",
	}
	for _, signature := range cases {
		if _, err := svc.HandlePush(ctx, "demo-app", body, signature); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("signature %q: expected ErrInvalidSignature, got %v", signature, err)
		}
	}
	if len(starter.requests) != 0 {
		t.Fatal("rejected pushes must not redeploy")
	}
}

func TestHandlePushWithoutSecret(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.HandlePush(context.Background(), "demo-app", []byte("{}"), "sha256=00")
	if !errors.Is(err, ErrNoSecret) {
		t.Fatalf("expected ErrNoSecret, got %v", err)
	}
}
