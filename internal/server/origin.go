// Package server validates HTTP origins for WebSocket upgrade requests
// against the configured allowlist.
package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// originPolicy is the compiled form of Config.AllowedOrigins. A single "*"
// entry allows every origin.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
}

func newOriginPolicy(origins []string) *originPolicy {
	p := &originPolicy{allowed: make(map[string]struct{}, len(origins))}
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			p.allowAll = true
			continue
		}
		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			slog.Warn("ignoring invalid configured origin", "origin", origin)
			continue
		}
		p.allowed[normalized] = struct{}{}
	}
	return p
}

// check is the CheckOrigin hook for the upgrader. Requests without an Origin
// header are rejected unless every origin is allowed.
func (p *originPolicy) check(r *http.Request) bool {
	if p.allowAll {
		return true
	}

	header := r.Header.Get("Origin")
	normalized, ok := normalizeOrigin(header)
	if !ok {
		slog.Warn("blocked upgrade from unparseable origin", "origin", header)
		return false
	}

	if _, allowed := p.allowed[normalized]; allowed {
		return true
	}
	slog.Warn("blocked upgrade from disallowed origin", "origin", header)
	return false
}

// normalizeOrigin reduces an origin to lowercase scheme://host, dropping
// paths so configured values compare predictably.
func normalizeOrigin(origin string) (string, bool) {
	if origin == "" {
		return "", false
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
