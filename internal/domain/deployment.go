package domain

import "time"

// Deployment captures a single build attempt for a project. Status moves
// queued -> running -> ready|fail; ready and fail are terminal.
type Deployment struct {
	ID        string
	ProjectID string
	Status    string
	Log       string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeploymentStatusUpdate captures mutable fields for a deployment.
type DeploymentStatusUpdate struct {
	DeploymentID string
	Status       string
	Log          string
	HasLog       bool
}
