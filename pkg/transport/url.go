package transport

import (
	"fmt"
	"net/url"
	"strings"
)

// ParseURL parses a remote location. Beyond standard URLs it accepts the
// scp-style "user@host:path" shorthand (mapped to ssh) and bare local
// paths (mapped to file).
func ParseURL(raw string) (*url.URL, error) {
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse remote url %q: %w", raw, err)
		}
		return u, nil
	}

	// scp-style: user@host:path or host:path, where the colon comes
	// before any slash.
	if i := strings.IndexByte(raw, ':'); i > 0 && !strings.ContainsRune(raw[:i], '/') {
		hostPart := raw[:i]
		path := raw[i+1:]
		u := &url.URL{Scheme: "ssh", Path: path}
		if at := strings.LastIndexByte(hostPart, '@'); at >= 0 {
			u.User = url.User(hostPart[:at])
			u.Host = hostPart[at+1:]
		} else {
			u.Host = hostPart
		}
		if !strings.HasPrefix(u.Path, "/") && !strings.HasPrefix(u.Path, "~") {
			u.Path = "/" + u.Path
		}
		return u, nil
	}

	// A bare path is a local repository.
	return &url.URL{Scheme: "file", Path: raw}, nil
}

// URLPath returns the repository path component of a parsed URL,
// undoing the "/~user" encoding some schemes use.
func URLPath(u *url.URL) string {
	p := u.Path
	if strings.HasPrefix(p, "/~") {
		p = p[1:]
	}
	return p
}
