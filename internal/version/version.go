package version

// Build metadata for the liquidabt binary, stamped via -ldflags at
// release.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)
