// Package version reports which build of tutorfleet is running.
package version

import (
	"runtime/debug"
	"sync"
)

const app = "tutorfleet"

// commit can be injected with -ldflags for container builds whose images
// carry no VCS metadata.
var commit string

var resolve = sync.OnceValue(func() string {
	rev := commit
	if rev == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					rev = s.Value
					break
				}
			}
		}
	}
	if rev == "" {
		return "dev"
	}
	if len(rev) > 8 {
		rev = rev[:8]
	}
	return rev
})

// Commit returns the short revision this binary was built from, or "dev" for
// test and non-VCS builds.
func Commit() string { return resolve() }

// Full returns the "tutorfleet/<rev>" identifier reported on /health and in
// startup logs.
func Full() string { return app + "/" + Commit() }
