package transport

import (
	"os"
	"time"
)

// Environment supplies the ambient inputs the transport layer consults:
// clock and environment variables. Tests inject deterministic values.
type Environment struct {
	// Getenv looks up an environment variable; nil means os.Getenv.
	Getenv func(string) string
	// Now supplies timestamps; nil means time.Now.
	Now func() time.Time
}

// SystemEnvironment reads from the real process environment.
func SystemEnvironment() *Environment {
	return &Environment{}
}

func (e *Environment) getenv(key string) string {
	if e == nil || e.Getenv == nil {
		return os.Getenv(key)
	}
	return e.Getenv(key)
}

func (e *Environment) now() time.Time {
	if e == nil || e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

// GitDir returns the GIT_DIR override, if set.
func (e *Environment) GitDir() string {
	return e.getenv("GIT_DIR")
}

// ExternalSSH returns the external SSH command configured through the
// environment. GIT_SSH_COMMAND wins over GIT_SSH. When either is set it
// is silently preferred over the built-in SSH carrier, matching
// long-standing behavior callers depend on.
func (e *Environment) ExternalSSH() (cmd string, viaCommand bool, ok bool) {
	if v := e.getenv("GIT_SSH_COMMAND"); v != "" {
		return v, true, true
	}
	if v := e.getenv("GIT_SSH"); v != "" {
		return v, false, true
	}
	return "", false, false
}

// WantProtocolV2 reports whether GIT_PROTOCOL requests version 2.
func (e *Environment) WantProtocolV2() bool {
	return e.getenv("GIT_PROTOCOL") == "version=2"
}

// TerminalPromptAllowed reports whether interactive credential prompts
// are permitted.
func (e *Environment) TerminalPromptAllowed() bool {
	return e.getenv("GIT_TERMINAL_PROMPT") != "0"
}
