package config

import "strings"

// hotReloadable lists the keys (or key prefixes ending in ".") applied to
// a running server when the configuration file changes.
var hotReloadable = []string{
	"log.level",
	"sync.event_threshold",
	"sync.max_age",
	"sync.growth_ratio",
	"retention.",
}

// HotReloadable reports whether key takes effect without a restart.
func HotReloadable(key string) bool {
	for _, k := range hotReloadable {
		if key == k || (strings.HasSuffix(k, ".") && strings.HasPrefix(key, k)) {
			return true
		}
	}
	return false
}

// RequiresRestart returns the changed keys that only apply after a restart.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, k := range changed {
		if !HotReloadable(k) {
			out = append(out, k)
		}
	}
	return out
}
