package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/crypto/ssh"
)

// sshTransport reaches the remote's upload-pack/receive-pack over SSH.
// When GIT_SSH or GIT_SSH_COMMAND is set, the external binary is used
// unconditionally; otherwise the built-in golang.org/x/crypto/ssh client
// carries the stream.
type sshTransport struct {
	u    *url.URL
	opts *Options
}

func openSSHTransport(u *url.URL, opts *Options) (Transport, error) {
	return &sshTransport{u: u, opts: opts}, nil
}

// remoteCommand quotes the repository path the way remote shells expect.
func (t *sshTransport) remoteCommand(service string) string {
	path := URLPath(t.u)
	return service + " '" + strings.ReplaceAll(path, "'", `'\''`) + "'"
}

func (t *sshTransport) userHost() string {
	host := t.u.Hostname()
	if t.u.User != nil && t.u.User.Username() != "" {
		return t.u.User.Username() + "@" + host
	}
	return host
}

func (t *sshTransport) open(ctx context.Context, service string) (Conn, error) {
	if cmdline, viaCommand, ok := t.opts.Env.ExternalSSH(); ok {
		return t.openExternal(ctx, cmdline, viaCommand, service)
	}
	return t.openBuiltin(ctx, service)
}

// openExternal spawns the configured SSH binary. GIT_SSH_COMMAND is a
// shell fragment; GIT_SSH is a bare executable path.
func (t *sshTransport) openExternal(ctx context.Context, cmdline string, viaCommand bool, service string) (Conn, error) {
	var args []string
	if viaCommand {
		args = append(args, "sh", "-c", cmdline+` "$@"`, cmdline)
	} else {
		args = append(args, cmdline)
	}
	if port := t.u.Port(); port != "" {
		args = append(args, "-p", port)
	}
	args = append(args, t.userHost(), t.remoteCommand(service))

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	return newExecConn(cmd, os.Stderr)
}

func (t *sshTransport) openBuiltin(ctx context.Context, service string) (Conn, error) {
	cfg := t.opts.SSHConfig
	if cfg == nil {
		return nil, fmt.Errorf("%w: ssh: no client configuration and no GIT_SSH", ErrTransport)
	}
	port := t.u.Port()
	if port == "" {
		port = "22"
	}
	addr := net.JoinHostPort(t.u.Hostname(), port)

	d := net.Dialer{Timeout: t.opts.Timeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(raw, addr, cfg)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("%w: ssh handshake: %v", ErrTransport, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ssh session: %v", ErrTransport, err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	session.Stderr = os.Stderr

	if err := session.Start(t.remoteCommand(service)); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("%w: ssh exec: %v", ErrTransport, err)
	}

	return &pipeConn{
		r: io.NopCloser(stdout),
		w: stdin,
		onClose: func() error {
			err := session.Wait()
			session.Close()
			client.Close()
			if err != nil {
				return fmt.Errorf("%w: ssh exit: %v", ErrTransport, err)
			}
			return nil
		},
	}, nil
}

func (t *sshTransport) OpenFetch(ctx context.Context) (Conn, error) {
	return t.open(ctx, "git-upload-pack")
}

func (t *sshTransport) OpenPush(ctx context.Context) (Conn, error) {
	return t.open(ctx, "git-receive-pack")
}

func (t *sshTransport) Close() error { return nil }
