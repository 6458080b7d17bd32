// Package fetch keeps a local checkout of the specification repository
package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/rtfleet/rtdeploy/pkg/logger"
	"github.com/rtfleet/rtdeploy/pkg/types"
)

// Fetcher makes the specification repository available locally
type Fetcher interface {
	// Fetch clones or updates the repository and returns the checked-out revision
	Fetch(ctx context.Context) (string, error)
	// Path is the local checkout directory
	Path() string
}

// FetchError reports an unreachable or corrupt specification repository
type FetchError struct {
	URL  string
	Path string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s into %s: %v", e.URL, e.Path, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// GitFetcher clones the repository if it is missing and pulls it otherwise
type GitFetcher struct {
	url    string
	path   string
	branch string
	logger logger.Logger
}

// NewGitFetcher creates a fetcher from repository configuration
func NewGitFetcher(cfg types.RepositoryConfig, log logger.Logger) *GitFetcher {
	if log == nil {
		log = logger.NewNop()
	}
	return &GitFetcher{
		url:    cfg.URL,
		path:   cfg.Path,
		branch: cfg.Branch,
		logger: log,
	}
}

// Path returns the local checkout directory
func (f *GitFetcher) Path() string {
	return f.path
}

// Fetch clones or pulls the repository and returns the HEAD commit hash
func (f *GitFetcher) Fetch(ctx context.Context) (string, error) {
	var (
		repo *git.Repository
		err  error
	)

	if _, statErr := os.Stat(f.path); statErr == nil {
		f.logger.Info("Repository exists, pulling latest changes",
			logger.WithField("path", f.path))
		repo, err = f.pull(ctx)
	} else if errors.Is(statErr, os.ErrNotExist) {
		f.logger.Info("Cloning repository",
			logger.WithField("url", f.url),
			logger.WithField("path", f.path))
		repo, err = git.PlainCloneContext(ctx, f.path, false, f.cloneOptions())
	} else {
		err = statErr
	}
	if err != nil {
		return "", &FetchError{URL: f.url, Path: f.path, Err: err}
	}

	head, err := repo.Head()
	if err != nil {
		return "", &FetchError{URL: f.url, Path: f.path, Err: fmt.Errorf("resolve HEAD: %w", err)}
	}

	revision := head.Hash().String()
	f.logger.Debug("Repository ready", logger.WithField("revision", revision))
	return revision, nil
}

func (f *GitFetcher) pull(ctx context.Context) (*git.Repository, error) {
	repo, err := git.PlainOpen(f.path)
	if err != nil {
		return nil, fmt.Errorf("open existing checkout: %w", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}

	opts := &git.PullOptions{RemoteName: git.DefaultRemoteName}
	if f.branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(f.branch)
		opts.SingleBranch = true
	}

	if err := wt.PullContext(ctx, opts); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, fmt.Errorf("pull: %w", err)
	}
	return repo, nil
}

func (f *GitFetcher) cloneOptions() *git.CloneOptions {
	opts := &git.CloneOptions{URL: f.url}
	if f.branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(f.branch)
		opts.SingleBranch = true
	}
	return opts
}

// LocalFetcher serves an already present directory without touching the network
type LocalFetcher struct {
	path string
}

// NewLocalFetcher creates a fetcher for a pre-populated specification tree
func NewLocalFetcher(path string) *LocalFetcher {
	return &LocalFetcher{path: path}
}

// Path returns the local directory
func (f *LocalFetcher) Path() string {
	return f.path
}

// Fetch checks the directory exists. The revision is the git HEAD when the
// directory is a repository, and empty otherwise.
func (f *LocalFetcher) Fetch(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	info, err := os.Stat(f.path)
	if err != nil {
		return "", &FetchError{Path: f.path, Err: err}
	}
	if !info.IsDir() {
		return "", &FetchError{Path: f.path, Err: fmt.Errorf("not a directory")}
	}

	repo, err := git.PlainOpen(f.path)
	if err != nil {
		return "", nil
	}
	head, err := repo.Head()
	if err != nil {
		return "", nil
	}
	return head.Hash().String(), nil
}
