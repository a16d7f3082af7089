package internal

import (
	"fmt"
	"net/url"
	"strings"
)

// HomeserverURL holds the location of a homeserver: either an http(s)
// base URL or an absolute path to a unix socket.
type HomeserverURL struct {
	HTTPOrUnixStr string
}

// ParseHomeserverURL validates the given location. Unix socket paths
// (anything starting with '/') are accepted as-is; everything else must
// parse as an http or https URL. Trailing slashes are stripped so
// request paths can be concatenated directly.
func ParseHomeserverURL(s string) (HomeserverURL, error) {
	if s == "" {
		return HomeserverURL{}, fmt.Errorf("homeserver URL is required")
	}
	if strings.HasPrefix(s, "/") {
		return HomeserverURL{HTTPOrUnixStr: s}, nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return HomeserverURL{}, fmt.Errorf("invalid homeserver URL %q: %w", s, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return HomeserverURL{}, fmt.Errorf("homeserver URL %q must be http(s) or a unix socket path", s)
	}
	return HomeserverURL{HTTPOrUnixStr: strings.TrimRight(s, "/")}, nil
}

func (u HomeserverURL) IsUnixSocket() bool {
	return strings.HasPrefix(u.HTTPOrUnixStr, "/")
}

func (u HomeserverURL) UnixSocket() string {
	if u.IsUnixSocket() {
		return u.HTTPOrUnixStr
	}
	return ""
}

// BaseURL returns the URL prefix for requests. For unix sockets the
// host is a placeholder: the transport dials the socket regardless.
func (u HomeserverURL) BaseURL() string {
	if u.IsUnixSocket() {
		return "http://unix"
	}
	return u.HTTPOrUnixStr
}
