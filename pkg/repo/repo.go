// Package repo ties the stores together: locating the .git directory,
// opening the object database and ref store, and housekeeping.
package repo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/odvcencio/grit/pkg/gitid"
	"github.com/odvcencio/grit/pkg/odb"
	"github.com/odvcencio/grit/pkg/refs"
	"github.com/odvcencio/grit/pkg/transport"
)

// ErrNotARepository reports a path with no git directory.
var ErrNotARepository = errors.New("not a git repository")

// Repository is an opened repository.
type Repository struct {
	// GitDir is the .git directory (or the bare repository root).
	GitDir string
	DB     *odb.Database
	Refs   *refs.Store
	Config *Config
	Env    *transport.Environment
}

// Open locates and opens the repository for dir. The GIT_DIR environment
// override wins; otherwise dir/.git is used when present, else dir
// itself when it looks bare.
func Open(dir string, env *transport.Environment) (*Repository, error) {
	if env == nil {
		env = transport.SystemEnvironment()
	}

	gitDir := env.GitDir()
	if gitDir == "" {
		candidate := filepath.Join(dir, ".git")
		if isGitDir(candidate) {
			gitDir = candidate
		} else if isGitDir(dir) {
			gitDir = dir
		} else {
			return nil, fmt.Errorf("%w: %s", ErrNotARepository, dir)
		}
	}

	db, err := odb.Open(filepath.Join(gitDir, "objects"))
	if err != nil {
		return nil, err
	}
	cfg, err := LoadConfig(gitDir)
	if err != nil {
		return nil, err
	}
	return &Repository{
		GitDir: gitDir,
		DB:     db,
		Refs:   refs.NewStore(gitDir),
		Config: cfg,
		Env:    env,
	}, nil
}

func isGitDir(dir string) bool {
	if fi, err := os.Stat(filepath.Join(dir, "objects")); err != nil || !fi.IsDir() {
		return false
	}
	if _, err := os.Stat(filepath.Join(dir, "HEAD")); err != nil {
		return false
	}
	return true
}

// Init creates a fresh repository at dir. When bare is false the git
// directory is dir/.git.
func Init(dir string, bare bool) (*Repository, error) {
	gitDir := dir
	if !bare {
		gitDir = filepath.Join(dir, ".git")
	}
	for _, sub := range []string{
		filepath.Join(gitDir, "objects", "pack"),
		filepath.Join(gitDir, "objects", "info"),
		filepath.Join(gitDir, "refs", "heads"),
		filepath.Join(gitDir, "refs", "tags"),
	} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return nil, fmt.Errorf("init repository: %w", err)
		}
	}

	store := refs.NewStore(gitDir)
	if _, err := os.Stat(filepath.Join(gitDir, "HEAD")); errors.Is(err, os.ErrNotExist) {
		if err := store.SetSymbolic("HEAD", "refs/heads/main"); err != nil {
			return nil, err
		}
	}
	return Open(dir, nil)
}

// Server returns the protocol-facing view of the repository.
func (r *Repository) Server() *transport.ServerRepo {
	return &transport.ServerRepo{DB: r.DB, Refs: r.Refs}
}

// Tips returns the ids of all refs, for have-negotiation seeding.
func (r *Repository) Tips() ([]gitid.ID, error) {
	all, err := r.Refs.List("refs/")
	if err != nil {
		return nil, err
	}
	var tips []gitid.ID
	for _, ref := range all {
		if !ref.ID.IsZero() {
			tips = append(tips, ref.ID)
		}
	}
	return tips, nil
}
