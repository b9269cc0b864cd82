// Package launcher starts disposable build containers. The launch call
// only confirms the task was accepted; build execution, log publication
// and artifact upload happen out of process.
package launcher

import "context"

// Task carries the environment contract for a build worker.
type Task struct {
	RepoURL string
	Slug    string
	SubPath string
}

// Launcher submits a build task to a container runtime.
type Launcher interface {
	Launch(ctx context.Context, task Task) error
}

// Environment variable names consumed by the build worker image.
const (
	envRepoURL = "GIT_REPOSITORY_URL"
	envSlug    = "PROJECT_ID"
	envSubPath = "BUILD_SUBPATH"
)
