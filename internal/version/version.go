package version

// Build metadata, set with -ldflags "-X liqguard/internal/version.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)
