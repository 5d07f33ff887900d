// Package tenant identifies the (application, environment) pair every flag
// definition and evaluation request is scoped to. Tenants are implicit: any
// key pair addresses a live document, so malformed headers degrade to the
// defaults instead of failing the request.
package tenant

import (
	"fmt"
	"net/http"
	"strings"
)

// Header names used by both API surfaces to select the tenant.
const (
	HeaderAppID = "X-App-Id"
	HeaderEnvID = "X-Env-Id"
)

// Defaults applied when a request carries no usable tenant headers.
const (
	DefaultApp = "default"
	DefaultEnv = "production"
)

// storageVersion prefixes every persistence and cache key so the document
// layout can be migrated without colliding with old entries.
const storageVersion = "v1"

// Key addresses one tenant document.
type Key struct {
	App string
	Env string
}

// Default returns the tenant used when a request does not identify one.
func Default() Key {
	return Key{App: DefaultApp, Env: DefaultEnv}
}

// FromHeaders derives the tenant key from the request headers.
// Missing or malformed values fall back to the defaults; this never fails.
func FromHeaders(h http.Header) Key {
	k := Default()
	if app := h.Get(HeaderAppID); valid(app) {
		k.App = app
	}
	if env := h.Get(HeaderEnvID); valid(env) {
		k.Env = env
	}
	return k
}

// WithEnv returns a copy of the key pointing at another environment of the
// same application.
func (k Key) WithEnv(env string) Key {
	return Key{App: k.App, Env: env}
}

// Storage returns the canonical persistence and cache key for the tenant
// document, "v1:<app>:<env>".
func (k Key) Storage() string {
	return fmt.Sprintf("%s:%s:%s", storageVersion, k.App, k.Env)
}

func (k Key) String() string {
	return k.App + "/" + k.Env
}

// ParseStorage inverts Key.Storage. It reports false for keys written by a
// different layout version or containing invalid identifiers.
func ParseStorage(s string) (Key, bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] != storageVersion {
		return Key{}, false
	}
	if !valid(parts[1]) || !valid(parts[2]) {
		return Key{}, false
	}
	return Key{App: parts[1], Env: parts[2]}, true
}

// ValidEnv reports whether env is usable as an environment identifier,
// e.g. as the source or target of a cross-environment sync.
func ValidEnv(env string) bool {
	return valid(env)
}

// valid accepts short identifiers made of letters, digits, '.', '_' and '-'.
// The identifier ends up inside ':'-separated storage keys, so the separator
// itself is rejected.
func valid(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}
