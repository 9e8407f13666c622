// Package version carries build metadata stamped in by the linker:
//
//	go build -ldflags "-X github.com/newtron-network/drvtest/pkg/version.Version=v0.3.0 \
//	  -X github.com/newtron-network/drvtest/pkg/version.GitCommit=abc1234 \
//	  -X github.com/newtron-network/drvtest/pkg/version.BuildDate=2026-01-01T00:00:00Z" ./cmd/drvtest
package version

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// IsDev reports whether the binary was built without version ldflags.
func IsDev() bool {
	return Version == "dev"
}

// Info returns a one-line description for display.
func Info() string {
	if IsDev() {
		return "dev build (no version ldflags)"
	}
	return Version + " (" + GitCommit + ") built " + BuildDate
}
