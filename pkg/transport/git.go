package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/odvcencio/grit/pkg/pktline"
)

// gitTransport speaks the anonymous git:// daemon protocol: a TCP
// connection opened with a single service-request packet.
type gitTransport struct {
	u    *url.URL
	opts *Options
}

func openGitTransport(u *url.URL, opts *Options) (Transport, error) {
	return &gitTransport{u: u, opts: opts}, nil
}

func (t *gitTransport) hostPort() string {
	host := t.u.Hostname()
	port := t.u.Port()
	if port == "" {
		port = strconv.Itoa(9418)
	}
	return net.JoinHostPort(host, port)
}

func (t *gitTransport) open(ctx context.Context, service string) (Conn, error) {
	d := net.Dialer{Timeout: t.opts.Timeout}
	raw, err := d.DialContext(ctx, "tcp", t.hostPort())
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, t.hostPort(), err)
	}
	conn := &netConn{conn: raw, timeout: t.opts.Timeout}

	// The daemon request line: "<service> <path>\0host=<host>\0" with an
	// optional protocol version extra parameter.
	req := service + " " + URLPath(t.u) + "\x00host=" + t.u.Hostname() + "\x00"
	if t.opts.Env.WantProtocolV2() {
		req += "\x00version=2\x00"
	}
	if _, err := conn.Write(pktline.AppendString(nil, req)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return conn, nil
}

func (t *gitTransport) OpenFetch(ctx context.Context) (Conn, error) {
	return t.open(ctx, "git-upload-pack")
}

func (t *gitTransport) OpenPush(ctx context.Context) (Conn, error) {
	return t.open(ctx, "git-receive-pack")
}

func (t *gitTransport) Close() error { return nil }
