// Package logs handles build log ingest, persistence and retrieval. The
// live relay path stays in the broker registry and hub; this service is
// the bridge for workers without direct broker access and the read side
// for persisted lines.
package logs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/Siuumanth/CodeBay/internal/domain"
	"github.com/Siuumanth/CodeBay/internal/repository"
	"github.com/Siuumanth/CodeBay/internal/slug"
)

// Validation failures surfaced to handlers.
var (
	ErrInvalidSlug  = errors.New("slug must contain only lowercase letters and hyphens")
	ErrEmptyMessage = errors.New("log message is required")
)

// Publisher pushes a payload onto a slug's broker channel.
type Publisher interface {
	Publish(ctx context.Context, slug string, payload []byte) error
}

// Service bridges HTTP log ingest into the broker and reads persisted
// log history.
type Service struct {
	repo      repository.LogRepository
	publisher Publisher
	logger    *slog.Logger
}

// New constructs a log service.
func New(repo repository.LogRepository, publisher Publisher, logger *slog.Logger) *Service {
	return &Service{repo: repo, publisher: publisher, logger: logger}
}

// envelope is the wire shape build workers publish on logs:<slug>.
type envelope struct {
	Log string `json:"log"`
}

// Ingest publishes one worker log line onto the slug's channel. The line
// flows through the same broker path as direct publishes, so ordering
// and fan-out behave identically for both ingest styles.
func (s *Service) Ingest(ctx context.Context, slugName, message string) error {
	if !slug.Valid(slugName) {
		return ErrInvalidSlug
	}
	if strings.TrimSpace(message) == "" {
		return ErrEmptyMessage
	}
	payload, err := json.Marshal(envelope{Log: message})
	if err != nil {
		return err
	}
	return s.publisher.Publish(ctx, slugName, payload)
}

// Record persists one relayed line. Called from the dispatch path so
// every line is stored exactly once regardless of how it entered the
// broker. Persistence failures are logged, not propagated: the live
// relay must not stall on a slow database.
func (s *Service) Record(ctx context.Context, slugName, source, message string) {
	entry := domain.BuildLog{
		Slug:      slugName,
		Source:    source,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.AppendLog(ctx, entry); err != nil {
		s.logger.Warn("log line not persisted", "slug", slugName, "error", err)
	}
}

// List returns persisted log lines for a slug in publish order.
func (s *Service) List(ctx context.Context, slugName string, limit, offset int) ([]domain.BuildLog, error) {
	if !slug.Valid(slugName) {
		return nil, ErrInvalidSlug
	}
	return s.repo.ListLogsBySlug(ctx, slugName, limit, offset)
}

// Line extracts the display text from a relayed payload. Workers publish
// {"log": "..."} envelopes; anything else passes through verbatim so a
// misbehaving worker still shows up in the stream.
func Line(payload []byte) string {
	var env envelope
	if err := json.Unmarshal(payload, &env); err == nil && env.Log != "" {
		return env.Log
	}
	return string(payload)
}
