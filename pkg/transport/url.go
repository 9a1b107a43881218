package transport

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// DefaultPath is the feed path served by the honeytrap web interface.
const DefaultPath = "/ws"

// ErrNoEndpoint is returned when neither an override nor an origin is set.
var ErrNoEndpoint = errors.New("transport: no feed URL or page origin configured")

// ResolveURL returns the feed endpoint. An explicit override wins; otherwise
// the origin's scheme is upgraded (https to wss, http to ws) and path is
// appended.
func ResolveURL(override, origin, path string) (string, error) {
	if override = strings.TrimSpace(override); override != "" {
		u, err := url.Parse(override)
		if err != nil {
			return "", fmt.Errorf("parse feed url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return "", fmt.Errorf("feed url %q: scheme must be ws or wss", override)
		}
		return u.String(), nil
	}

	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", ErrNoEndpoint
	}
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("parse origin: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("origin %q has no host", origin)
	}

	scheme := "ws"
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		scheme = "wss"
	case "http", "ws":
	default:
		return "", fmt.Errorf("origin %q: unsupported scheme %q", origin, u.Scheme)
	}

	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	resolved := url.URL{
		Scheme: scheme,
		Host:   u.Host,
		Path:   strings.TrimSuffix(u.Path, "/") + path,
	}
	return resolved.String(), nil
}
