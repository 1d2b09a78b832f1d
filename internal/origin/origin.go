// Package origin derives the browser origins allowed to call the API from
// the listen address and the optional public origin configuration.
package origin

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

var DefaultOrigin = "http://localhost:8080"

// BuildAllowedOrigins returns the CORS allow-list. Configured public origins
// win outright; otherwise plausible local origins are derived from the listen
// address.
func BuildAllowedOrigins(listenAddr, publicOrigin string) []string {
	origins := make([]string, 0, 4)
	seen := make(map[string]struct{}, 4)

	add := func(origin string) {
		if origin == "" {
			return
		}
		if _, ok := seen[origin]; ok {
			return
		}
		seen[origin] = struct{}{}
		origins = append(origins, origin)
	}

	var addedPublic bool
	for _, origin := range parseOriginList(publicOrigin) {
		normalized := normalizeOrigin(origin)
		if normalized == "" {
			continue
		}
		add(normalized)
		addedPublic = true
	}
	if addedPublic {
		return origins
	}

	add(DefaultOrigin)
	for _, origin := range originsFromListen(listenAddr) {
		add(normalizeOrigin(origin))
	}
	return origins
}

func parseOriginList(origin string) []string {
	trimmed := strings.TrimSpace(origin)
	if trimmed == "" {
		return nil
	}

	parts := strings.FieldsFunc(trimmed, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\n', '\r', '\t':
			return true
		default:
			return false
		}
	})

	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func normalizeOrigin(origin string) string {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return ""
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return ""
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return ""
	}

	normalized := fmt.Sprintf("%s://%s", strings.ToLower(parsed.Scheme), strings.ToLower(parsed.Host))
	return strings.TrimSuffix(normalized, "/")
}

func originsFromListen(listenAddr string) []string {
	host := strings.TrimSpace(listenAddr)
	if host == "" {
		return nil
	}

	addr := host
	if !strings.Contains(host, ":") {
		addr = host + ":"
	}
	if strings.HasPrefix(host, ":") {
		addr = "127.0.0.1" + host
	}

	parsedHost, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return nil
	}

	candidates := []string{"localhost", "127.0.0.1"}
	if parsedHost != "" && parsedHost != "0.0.0.0" && parsedHost != "::" {
		candidates = append(candidates, parsedHost)
	}

	origins := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}

		hostLabel := candidate
		if strings.Contains(candidate, ":") && !strings.HasPrefix(candidate, "[") {
			hostLabel = "[" + candidate + "]"
		}

		origins = append(origins, fmt.Sprintf("http://%s:%s", hostLabel, port))
	}

	return origins
}
