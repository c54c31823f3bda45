package featureflags

import (
	"os"
	"strings"
)

// Flag names understood by the server.
const (
	// SharedScopeCache shares scope-cache invalidation across processes
	// through a Redis version counter. Requires REDIS_URL.
	SharedScopeCache = "shared_scope_cache"
)

// Enabled reports whether a flag is switched on via the environment.
// A flag named x is read from FLAG_X=true/1/yes/on (case-insensitive).
func Enabled(name string) bool {
	v := os.Getenv("FLAG_" + strings.ToUpper(name))
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
