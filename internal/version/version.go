package version

import "fmt"

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// Producer identifies this build in persisted records, e.g. "testbeam dev (unknown)".
func Producer() string {
	return fmt.Sprintf("testbeam %s (%s)", Version, GitSHA)
}
