// Package version exposes build metadata set at link time with
// -ldflags "-X github.com/Layr-Labs/xp-ledger/internal/version.Version=... -X ...Commit=...".
package version

var (
	Version = "development"
	Commit  = "unknown"
)

func GetVersion() string {
	return Version
}

func GetCommit() string {
	return Commit
}
