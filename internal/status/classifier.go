// Package status derives build progress signals from raw worker log
// lines. This is a content heuristic, not a protocol: a user application
// that legitimately logs the word "error" during its build will be
// classified as failed. Accepted limitation; the alternative is semantic
// log parsing of arbitrary build tools.
package status

import "strings"

// Signal is the classification of a single log line.
type Signal int

const (
	SignalRunning Signal = iota
	SignalCompleted
	SignalFailed
)

// String returns the deployment status name a signal maps to.
func (s Signal) String() string {
	switch s {
	case SignalCompleted:
		return "ready"
	case SignalFailed:
		return "fail"
	default:
		return "running"
	}
}

// Terminal reports whether the signal ends a build.
func (s Signal) Terminal() bool {
	return s == SignalCompleted || s == SignalFailed
}

// failureTokens mark a line as a build failure. Checked before the
// completion marker: a line that mentions an error is not trusted as a
// completion even if it also contains the marker.
var failureTokens = []string{"error", "failed", "fail", "exception", "fatal"}

// completionMarker is the terminal line the build worker emits after
// uploading the artifact.
const completionMarker = "done..."

// Classify inspects one log line and reports the build signal it
// carries. Matching is a case-insensitive substring check.
func Classify(line string) Signal {
	lowered := strings.ToLower(line)
	for _, token := range failureTokens {
		if strings.Contains(lowered, token) {
			return SignalFailed
		}
	}
	if strings.Contains(lowered, completionMarker) {
		return SignalCompleted
	}
	return SignalRunning
}
