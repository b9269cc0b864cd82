package httpx

import (
	"time"

	"github.com/Siuumanth/CodeBay/internal/domain"
)

type projectJSON struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	RepoURL   string    `json:"repo_url"`
	SubPath   string    `json:"sub_path,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type projectOverviewJSON struct {
	projectJSON
	LastStatus string `json:"last_status,omitempty"`
}

type deploymentJSON struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id,omitempty"`
	Status    string    `json:"status"`
	Log       string    `json:"log,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type buildLogJSON struct {
	ID        int64     `json:"id"`
	Slug      string    `json:"slug"`
	Source    string    `json:"source,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

func toProjectJSON(p domain.Project) projectJSON {
	return projectJSON{
		ID:        p.ID,
		Slug:      p.Slug,
		RepoURL:   p.RepoURL,
		SubPath:   p.SubPath,
		CreatedAt: p.CreatedAt,
	}
}

func toDeploymentJSON(d domain.Deployment) deploymentJSON {
	return deploymentJSON{
		ID:        d.ID,
		ProjectID: d.ProjectID,
		Status:    d.Status,
		Log:       d.Log,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

func toDeploymentListJSON(items []domain.Deployment) []deploymentJSON {
	out := make([]deploymentJSON, 0, len(items))
	for _, d := range items {
		out = append(out, toDeploymentJSON(d))
	}
	return out
}

func toBuildLogListJSON(items []domain.BuildLog) []buildLogJSON {
	out := make([]buildLogJSON, 0, len(items))
	for _, entry := range items {
		out = append(out, buildLogJSON{
			ID:        entry.ID,
			Slug:      entry.Slug,
			Source:    entry.Source,
			Message:   entry.Message,
			CreatedAt: entry.CreatedAt,
		})
	}
	return out
}
