package transport

import (
	"bytes"
	"fmt"
	"os/exec"

	"github.com/odvcencio/grit/pkg/gitid"
)

// PrePushRef is one line of input to the pre-push hook.
type PrePushRef struct {
	LocalRef  string
	LocalID   gitid.ID
	RemoteRef string
	RemoteOld gitid.ID
}

// PrePushHook aborts a push when the hook process exits non-zero. The
// hook receives the remote name and URL as arguments and one line per
// ref on stdin.
type PrePushHook struct {
	// Path is the hook executable; empty disables the hook.
	Path string
}

// Run invokes the hook. A missing Path is a no-op.
func (h *PrePushHook) Run(remoteName, remoteURL string, refs []PrePushRef) error {
	if h == nil || h.Path == "" {
		return nil
	}

	var stdin bytes.Buffer
	for _, r := range refs {
		fmt.Fprintf(&stdin, "%s %s %s %s\n", r.LocalRef, r.LocalID, r.RemoteRef, r.RemoteOld)
	}

	cmd := exec.Command(h.Path, remoteName, remoteURL)
	cmd.Stdin = &stdin
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := bytes.TrimSpace(stderr.Bytes())
		if len(msg) > 0 {
			return fmt.Errorf("pre-push hook rejected push: %s", msg)
		}
		return fmt.Errorf("pre-push hook: %w", err)
	}
	return nil
}
