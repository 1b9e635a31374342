// Package version carries build-time identity.
package version

import "fmt"

// Injected by the build, e.g.
//
//	go build -ldflags "-X github.com/crosstyan/cv-mmap/internal/version.Version=v0.2.0"
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Banner returns the one-line identity printed at startup.
func Banner() string {
	return fmt.Sprintf("cv-mmap %s (commit %s, built %s)", Version, Commit, Date)
}
