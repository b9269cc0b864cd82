package domain

import "time"

// Project describes a deployable source repository. The slug is the
// public identity: it names the log channel, the preview subdomain and
// the object-storage prefix, and never changes after creation.
type Project struct {
	ID        string
	Slug      string
	RepoURL   string
	SubPath   string
	CreatedAt time.Time
}

// ProjectOverview couples a project with its most recent deployment
// status for read endpoints.
type ProjectOverview struct {
	Project    Project
	LastStatus string
}
