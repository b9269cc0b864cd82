package launcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// HTTPLauncher submits build tasks to a remote builder service.
type HTTPLauncher struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPLauncher creates a launcher that POSTs tasks to baseURL/deploy.
func NewHTTPLauncher(baseURL, token string, logger *slog.Logger) *HTTPLauncher {
	return &HTTPLauncher{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// Launch submits the task and treats any non-2xx response as rejection.
func (l *HTTPLauncher) Launch(ctx context.Context, task Task) error {
	payload, err := json.Marshal(map[string]string{
		"repo_url": task.RepoURL,
		"slug":     task.Slug,
		"sub_path": task.SubPath,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/deploy", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if l.token != "" {
		req.Header.Set("X-Builder-Token", l.token)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("contact builder: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("builder rejected task: %s", resp.Status)
	}
	l.logger.Info("build task accepted", "slug", task.Slug)
	return nil
}
