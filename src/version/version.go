package version

// Maj is the major version number.
const Maj = "0"

// Min is the minor version number.
const Min = "1"

// Fix is the patch version number.
const Fix = "0"

var (
	// Version is the full version string, amended with the git commit when
	// built with the Makefile.
	Version = "0.1.0"

	// GitCommit is set with: -ldflags "-X main.gitCommit=$(git rev-parse HEAD)"
	GitCommit string
)

func init() {
	if GitCommit != "" {
		Version += "-" + GitCommit[:8]
	}
}
