// Package version identifies this build of agentd. The commit hash feeds the
// startup log and the client name sent to MCP servers.
package version

import "runtime/debug"

// AppName names the service in version strings and handshakes.
const AppName = "agentd"

// commit can be injected at build time:
//
//	go build -ldflags "-X github.com/zyztek/suna-sub004/pkg/version.commit=$(git rev-parse HEAD)"
//
// When it is empty the module's embedded VCS metadata is consulted instead.
var commit string

// GitCommit is the short commit hash of this build, or "dev" when neither an
// injected value nor VCS metadata is available (go test, tarball builds).
var GitCommit = shorten(resolveCommit())

func resolveCommit() string {
	if commit != "" {
		return commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && setting.Value != "" {
				return setting.Value
			}
		}
	}
	return "dev"
}

// shorten trims a full 40-char hash down to the familiar short form.
func shorten(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns the combined identifier, e.g. "agentd/1a2b3c4d".
func Full() string {
	return AppName + "/" + GitCommit
}
