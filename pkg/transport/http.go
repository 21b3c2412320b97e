package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// httpTransport speaks the smart HTTP protocol. The stateless
// request/response shape is adapted to the Conn interface: writes are
// buffered and posted when the session next reads, which matches both
// the v2 fetch exchange and the single-round push.
type httpTransport struct {
	base *url.URL
	opts *Options
}

func openHTTPTransport(u *url.URL, opts *Options) (Transport, error) {
	base := *u
	base.Path = strings.TrimSuffix(base.Path, "/")
	return &httpTransport{base: &base, opts: opts}, nil
}

func (t *httpTransport) client() *http.Client {
	return &http.Client{Timeout: t.opts.Timeout}
}

func (t *httpTransport) serviceURL(service string) string {
	u := *t.base
	u.RawQuery = ""
	u.Path += "/" + service
	return u.String()
}

func (t *httpTransport) infoRefsURL(service string) string {
	u := *t.base
	u.Path += "/info/refs"
	u.RawQuery = "service=" + service
	return u.String()
}

func (t *httpTransport) applyAuth(req *http.Request) error {
	if t.base.User != nil {
		pass, _ := t.base.User.Password()
		req.SetBasicAuth(t.base.User.Username(), pass)
		return nil
	}
	if t.opts.Credentials != nil {
		user := Username()
		pass := Password()
		if t.opts.Credentials.Get(t.base.String(), user, pass) {
			req.SetBasicAuth(user.Value, string(pass.Value))
			pass.Clear()
		}
	}
	return nil
}

// fetchAdvertisement retrieves and unwraps the smart info/refs response.
func (t *httpTransport) fetchAdvertisement(ctx context.Context, service string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.infoRefsURL(service), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if t.opts.Env.WantProtocolV2() && service == "git-upload-pack" {
		req.Header.Set("Git-Protocol", "version=2")
	}
	if err := t.applyAuth(req); err != nil {
		return nil, err
	}

	resp, err := t.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: %s", ErrAuth, resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: %s", ErrTransport, t.infoRefsURL(service), resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	// The smart response leads with "# service=<name>" and a flush;
	// strip them. A v2 server answers with the capability advertisement
	// directly.
	if len(body) >= 4 {
		n := parseHexLen(body[:4])
		if n >= 4 && n <= len(body) && bytes.HasPrefix(body[4:n], []byte("# service=")) {
			rest := body[n:]
			if bytes.HasPrefix(rest, []byte("0000")) {
				rest = rest[4:]
			}
			return rest, nil
		}
	}
	return body, nil
}

func parseHexLen(b []byte) int {
	n := 0
	for _, c := range b {
		n <<= 4
		switch {
		case c >= '0' && c <= '9':
			n |= int(c - '0')
		case c >= 'a' && c <= 'f':
			n |= int(c-'a') + 10
		}
	}
	return n
}

// rpc posts one request body to the service endpoint.
func (t *httpTransport) rpc(ctx context.Context, service string, body []byte) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.serviceURL(service), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/x-"+service+"-request")
	req.Header.Set("Accept", "application/x-"+service+"-result")
	if t.opts.Env.WantProtocolV2() && service == "git-upload-pack" {
		req.Header.Set("Git-Protocol", "version=2")
	}
	if err := t.applyAuth(req); err != nil {
		return nil, err
	}

	resp, err := t.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrAuth, resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s: %s", ErrTransport, t.serviceURL(service), resp.Status)
	}
	return resp.Body, nil
}

// httpConn adapts the stateless exchange to Conn. The advertisement is
// served from the initial GET; each write accumulates until a read
// needs a response, which triggers the POST.
type httpConn struct {
	ctx      context.Context
	t        *httpTransport
	service  string
	pending  bytes.Buffer
	response io.ReadCloser
	advert   *bytes.Reader
}

func (t *httpTransport) openConn(ctx context.Context, service string) (Conn, error) {
	advert, err := t.fetchAdvertisement(ctx, service)
	if err != nil {
		return nil, err
	}
	return &httpConn{
		ctx:     ctx,
		t:       t,
		service: service,
		advert:  bytes.NewReader(advert),
	}, nil
}

func (c *httpConn) Read(p []byte) (int, error) {
	if c.advert != nil && c.advert.Len() > 0 {
		return c.advert.Read(p)
	}
	if c.response == nil {
		if c.pending.Len() == 0 {
			return 0, io.EOF
		}
		body := append([]byte(nil), c.pending.Bytes()...)
		c.pending.Reset()
		resp, err := c.t.rpc(c.ctx, c.service, body)
		if err != nil {
			return 0, err
		}
		c.response = resp
	}
	n, err := c.response.Read(p)
	if err == io.EOF {
		c.response.Close()
		c.response = nil
		if c.pending.Len() > 0 {
			// Another request was queued while draining; recurse into it.
			if n > 0 {
				return n, nil
			}
			return c.Read(p)
		}
		if n > 0 {
			return n, nil
		}
	}
	return n, err
}

func (c *httpConn) Write(p []byte) (int, error) {
	return c.pending.Write(p)
}

func (c *httpConn) CloseWrite() error { return nil }

func (c *httpConn) Close() error {
	if c.response != nil {
		c.response.Close()
		c.response = nil
	}
	return nil
}

func (t *httpTransport) OpenFetch(ctx context.Context) (Conn, error) {
	return t.openConn(ctx, "git-upload-pack")
}

func (t *httpTransport) OpenPush(ctx context.Context) (Conn, error) {
	return t.openConn(ctx, "git-receive-pack")
}

func (t *httpTransport) Close() error { return nil }
