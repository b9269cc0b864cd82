package domain

import "time"

// BuildLog is a single log line relayed from a build worker. Lines are
// keyed by project slug because that is all the broker channel carries.
type BuildLog struct {
	ID        int64
	Slug      string
	Source    string
	Message   string
	CreatedAt time.Time
}
