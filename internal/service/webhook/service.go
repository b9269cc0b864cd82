// Package webhook verifies signed repository push notifications and
// turns them into redeployments.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"

	"github.com/Siuumanth/CodeBay/internal/repository"
	"github.com/Siuumanth/CodeBay/internal/service/deploy"
	"github.com/Siuumanth/CodeBay/internal/slug"
	"github.com/Siuumanth/CodeBay/pkg/crypto"
)

// Errors surfaced to handlers.
var (
	ErrInvalidSlug      = errors.New("slug must contain only lowercase letters and hyphens")
	ErrMissingSecret    = errors.New("webhook secret is required")
	ErrInvalidSignature = errors.New("webhook signature mismatch")
	ErrNoSecret         = errors.New("no webhook secret configured for project")
)

// Starter launches deployments on verified pushes.
type Starter interface {
	StartDeployment(ctx context.Context, req deploy.Request) (*deploy.Result, error)
}

// Service stores per-project webhook secrets and redeploys on verified
// pushes. Secrets are encrypted at rest with the service key.
type Service struct {
	projects repository.ProjectRepository
	webhooks repository.WebhookRepository
	starter  Starter
	logger   *slog.Logger
	key      string
}

// New constructs a webhook service.
func New(projects repository.ProjectRepository, webhooks repository.WebhookRepository, starter Starter, logger *slog.Logger, encryptionKey string) *Service {
	return &Service{
		projects: projects,
		webhooks: webhooks,
		starter:  starter,
		logger:   logger,
		key:      encryptionKey,
	}
}

// UpsertSecret stores the shared secret used to sign pushes for a slug.
func (s *Service) UpsertSecret(ctx context.Context, slugName, secret string) error {
	if !slug.Valid(slugName) {
		return ErrInvalidSlug
	}
	if strings.TrimSpace(secret) == "" {
		return ErrMissingSecret
	}
	proj, err := s.projects.GetProjectBySlug(ctx, slugName)
	if err != nil {
		return err
	}
	sealed, err := crypto.EncryptString(s.key, secret)
	if err != nil {
		return err
	}
	return s.webhooks.UpsertWebhook(ctx, proj.ID, sealed)
}

// HandlePush verifies the push signature for a slug and redeploys the
// project. The signature is hex HMAC-SHA256 of the raw request body, the
// format Git forges send in X-Hub-Signature-256 (with or without the
// sha256= prefix).
func (s *Service) HandlePush(ctx context.Context, slugName string, body []byte, signature string) (*deploy.Result, error) {
	if !slug.Valid(slugName) {
		return nil, ErrInvalidSlug
	}
	proj, err := s.projects.GetProjectBySlug(ctx, slugName)
	if err != nil {
		return nil, err
	}
	sealed, err := s.webhooks.GetWebhookSecret(ctx, proj.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNoSecret
		}
		return nil, err
	}
	secret, err := crypto.DecryptToString(s.key, sealed)
	if err != nil {
		return nil, err
	}
	if !verify(secret, body, signature) {
		s.logger.Warn("webhook signature rejected", "slug", slugName)
		return nil, ErrInvalidSignature
	}

	result, err := s.starter.StartDeployment(ctx, deploy.Request{
		RepoURL: proj.RepoURL,
		Slug:    proj.Slug,
		SubPath: proj.SubPath,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("webhook redeploy started", "slug", slugName, "deployment_id", result.DeploymentID)
	return result, nil
}

func verify(secret string, body []byte, signature string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}
