// Package version carries build identification. The values are overridden
// at link time:
//
//	go build -ldflags "-X .../internal/version.Version=v1.2.0 ..."
package version

import "fmt"

var (
	// Version is the release tag, or "dev" for local builds.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// String renders the one-line form used by the version subcommand.
func String() string {
	return fmt.Sprintf("footfall %s (%s, built %s)", Version, GitSHA, BuildTime)
}
