package idempotency

import (
	"encoding/base64"
	"strings"
)

// AnonymousScope is the actor scope used when no caller identity is known.
// All anonymous callers of a route share one key namespace.
const AnonymousScope = "anonymous"

// NormalizePath strips a deployment mount prefix so keys stay stable behind
// reverse proxies.
func NormalizePath(path, contextPrefix string) string {
	if path == "" {
		path = "/"
	}
	prefix := strings.TrimRight(strings.TrimSpace(contextPrefix), "/")
	if prefix == "" {
		return path
	}
	if path == prefix {
		return "/"
	}
	if strings.HasPrefix(path, prefix+"/") {
		return path[len(prefix):]
	}
	return path
}

// BuildKey derives the shared-store key for one (actor, route, client key).
func BuildKey(prefix, actorScope, method, path, clientKey string) string {
	scope := strings.TrimSpace(actorScope)
	if scope == "" {
		scope = AnonymousScope
	}
	raw := strings.ToUpper(method) + "|" + path + "|" + clientKey
	return prefix + scope + "::" + base64.RawURLEncoding.EncodeToString([]byte(raw))
}
