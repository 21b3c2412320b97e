package transport

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/odvcencio/grit/pkg/object"
	"github.com/odvcencio/grit/pkg/odb"
	"github.com/odvcencio/grit/pkg/refs"
)

// fileTransport serves another repository on the local filesystem by
// running the protocol services in-process over an internal pipe pair,
// the way an external git-upload-pack subprocess would be spoken to.
type fileTransport struct {
	gitDir string
	opts   *Options
}

func openFileTransport(u *url.URL, opts *Options) (Transport, error) {
	dir := URLPath(u)
	// Accept either a bare repository or a work tree with .git.
	if fi, err := os.Stat(filepath.Join(dir, ".git")); err == nil && fi.IsDir() {
		dir = filepath.Join(dir, ".git")
	}
	return &fileTransport{gitDir: dir, opts: opts}, nil
}

func (t *fileTransport) serverRepo() (*ServerRepo, error) {
	db, err := odb.Open(filepath.Join(t.gitDir, "objects"))
	if err != nil {
		return nil, err
	}
	return &ServerRepo{
		DB:    db,
		Refs:  refs.NewStore(t.gitDir),
		Ident: object.Ident{Name: "grit", Email: "grit@localhost", When: t.opts.Env.now()},
	}, nil
}

// duplexPair builds two connected Conns from two in-memory pipes.
func duplexPair() (client, server Conn) {
	cr, sw := io.Pipe()
	sr, cw := io.Pipe()
	return &pipeConn{r: cr, w: cw}, &pipeConn{r: sr, w: sw}
}

func (t *fileTransport) open(ctx context.Context, serve func(context.Context, Conn, *ServerRepo) error) (Conn, error) {
	sr, err := t.serverRepo()
	if err != nil {
		return nil, err
	}
	client, server := duplexPair()
	go func() {
		defer server.Close()
		serve(ctx, server, sr)
	}()
	return client, nil
}

func (t *fileTransport) OpenFetch(ctx context.Context) (Conn, error) {
	if t.opts.Env.WantProtocolV2() {
		return t.open(ctx, ServeUploadPackV2)
	}
	return t.open(ctx, ServeUploadPack)
}

func (t *fileTransport) OpenPush(ctx context.Context) (Conn, error) {
	return t.open(ctx, ServeReceivePack)
}

func (t *fileTransport) Close() error { return nil }
