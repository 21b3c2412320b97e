package transport

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Transport is an open channel to one remote repository. The three
// lifecycle points every carrier provides are a fetch stream, a push
// stream, and close.
type Transport interface {
	// OpenFetch connects to the remote's upload-pack service.
	OpenFetch(ctx context.Context) (Conn, error)
	// OpenPush connects to the remote's receive-pack service.
	OpenPush(ctx context.Context) (Conn, error)
	Close() error
}

// URL field names used in protocol registrations.
const (
	FieldHost = "host"
	FieldPath = "path"
	FieldUser = "user"
	FieldPort = "port"
	FieldPass = "password"
)

// Options carries caller configuration into a carrier.
type Options struct {
	Env *Environment
	// Timeout bounds dials, git:// socket IO, and each HTTP request. Zero
	// means no limit. External SSH subprocesses are not bounded by it.
	Timeout time.Duration
	// Credentials answers authentication prompts.
	Credentials CredentialsProvider
	// SSHConfig configures the built-in SSH client; required for ssh://
	// unless GIT_SSH supplies an external binary.
	SSHConfig *ssh.ClientConfig
}

// Protocol is one registered URL scheme: its field requirements, its
// default port, and the function that opens a transport. Registration is
// by value.
type Protocol struct {
	Scheme         string
	RequiredFields []string
	OptionalFields []string
	DefaultPort    int
	Open           func(u *url.URL, opts *Options) (Transport, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Protocol)
)

// Register adds or replaces a protocol registration.
func Register(p Protocol) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[p.Scheme] = p
}

// LookupScheme returns the registration for a scheme.
func LookupScheme(scheme string) (Protocol, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	p, ok := registry[scheme]
	return p, ok
}

// Schemes returns the registered scheme names, sorted.
func Schemes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for s := range registry {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Open parses a remote location and opens a transport through the
// registered protocol for its scheme.
func Open(raw string, opts *Options) (Transport, error) {
	u, err := ParseURL(raw)
	if err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &Options{}
	}
	p, ok := LookupScheme(u.Scheme)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrTransport, u.Scheme)
	}
	for _, field := range p.RequiredFields {
		if !urlHasField(u, field) {
			return nil, fmt.Errorf("%w: %s url missing %s", ErrTransport, u.Scheme, field)
		}
	}
	return p.Open(u, opts)
}

func urlHasField(u *url.URL, field string) bool {
	switch field {
	case FieldHost:
		return u.Host != ""
	case FieldPath:
		return u.Path != ""
	case FieldUser:
		return u.User != nil && u.User.Username() != ""
	case FieldPort:
		return u.Port() != ""
	default:
		return false
	}
}

func init() {
	Register(Protocol{
		Scheme:         "file",
		RequiredFields: []string{FieldPath},
		Open:           openFileTransport,
	})
	Register(Protocol{
		Scheme:         "git",
		RequiredFields: []string{FieldHost, FieldPath},
		OptionalFields: []string{FieldPort},
		DefaultPort:    9418,
		Open:           openGitTransport,
	})
	for _, scheme := range []string{"ssh", "ssh+git", "git+ssh"} {
		Register(Protocol{
			Scheme:         scheme,
			RequiredFields: []string{FieldHost, FieldPath},
			OptionalFields: []string{FieldUser, FieldPort},
			DefaultPort:    22,
			Open:           openSSHTransport,
		})
	}
	for _, scheme := range []string{"http", "https"} {
		Register(Protocol{
			Scheme:         scheme,
			RequiredFields: []string{FieldHost, FieldPath},
			OptionalFields: []string{FieldUser, FieldPass, FieldPort},
			DefaultPort:    httpDefaultPort(scheme),
			Open:           openHTTPTransport,
		})
	}
	for _, scheme := range []string{"ftp", "ftps", "sftp"} {
		scheme := scheme
		Register(Protocol{
			Scheme:         scheme,
			RequiredFields: []string{FieldHost, FieldPath},
			OptionalFields: []string{FieldUser, FieldPort},
			DefaultPort:    ftpDefaultPort(scheme),
			Open: func(u *url.URL, opts *Options) (Transport, error) {
				return nil, fmt.Errorf("%w: %s carrier not built in; register a replacement", ErrTransport, scheme)
			},
		})
	}
}

func httpDefaultPort(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}

func ftpDefaultPort(scheme string) int {
	switch scheme {
	case "sftp":
		return 22
	case "ftps":
		return 990
	default:
		return 21
	}
}
