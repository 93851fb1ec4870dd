package version

var (
	// Version is the semantic version of the binary. Set at build time.
	Version = "dev"
	// Commit is the git commit hash. Set at build time.
	Commit = "unknown"
	// BuildDate is the build timestamp. Set at build time.
	BuildDate = "unknown"
)
