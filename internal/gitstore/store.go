// Package gitstore keeps a local clone of the seed catalogue repository
// that new tenant stores are provisioned from.
package gitstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/metarepo/server/internal/github"
)

// Store provides disk-based git repository access
type Store struct {
	config        Config
	repo          *git.Repository
	worktree      *git.Worktree
	currentCommit string
	mu            sync.RWMutex
	logger        *slog.Logger
}

// Config holds git store configuration
type Config struct {
	RepoURL   string
	Branch    string
	LocalPath string
	// Auth is optional; public repositories are cloned anonymously
	Auth   *github.AppAuth
	Logger *slog.Logger
}

// New creates a new git store instance
func New(cfg Config) (*Store, error) {
	if cfg.RepoURL == "" {
		return nil, errors.New("repo URL is required")
	}
	if cfg.LocalPath == "" {
		return nil, errors.New("local path is required")
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Store{
		config: cfg,
		logger: cfg.Logger,
	}, nil
}

// Open reuses an existing clone at the local path, or clones the
// repository when there is none.
func (s *Store) Open(ctx context.Context) error {
	repo, err := git.PlainOpen(s.config.LocalPath)
	if err != nil {
		s.logger.Debug("no usable clone, cloning", "path", s.config.LocalPath, "error", err)
		return s.Clone(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	s.repo = repo
	s.worktree = worktree
	if err := s.updateCurrentCommit(); err != nil {
		return fmt.Errorf("failed to get current commit: %w", err)
	}

	s.logger.Info("opened existing clone", "path", s.config.LocalPath, "commit", s.currentCommit)
	return nil
}

// Clone performs initial repository clone with context timeout
func (s *Store) Clone(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(s.config.LocalPath), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	// Remove existing directory if present (clean clone)
	if err := os.RemoveAll(s.config.LocalPath); err != nil {
		return fmt.Errorf("failed to clean existing directory: %w", err)
	}

	auth, err := s.getAuth(ctx)
	if err != nil {
		return fmt.Errorf("failed to get auth: %w", err)
	}

	s.logger.Info("cloning seed repository",
		"url", s.config.RepoURL,
		"branch", s.config.Branch,
		"path", s.config.LocalPath,
	)

	repo, err := git.PlainCloneContext(ctx, s.config.LocalPath, false, &git.CloneOptions{
		URL:           s.config.RepoURL,
		Auth:          auth,
		Depth:         1,
		SingleBranch:  true,
		ReferenceName: plumbing.NewBranchReferenceName(s.config.Branch),
	})
	if err != nil {
		return fmt.Errorf("clone failed: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}

	s.repo = repo
	s.worktree = worktree

	if err := s.updateCurrentCommit(); err != nil {
		return fmt.Errorf("failed to get current commit: %w", err)
	}

	s.logger.Info("clone completed", "commit", s.currentCommit)
	return nil
}

// Pull fetches and merges changes from remote. It reports whether HEAD moved.
func (s *Store) Pull(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.repo == nil {
		return false, errors.New("repository not initialized")
	}

	oldCommit := s.currentCommit

	auth, err := s.getAuth(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get auth: %w", err)
	}

	err = s.worktree.PullContext(ctx, &git.PullOptions{
		RemoteName:    "origin",
		ReferenceName: plumbing.NewBranchReferenceName(s.config.Branch),
		SingleBranch:  true,
		Auth:          auth,
		Force:         true,
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pull failed: %w", err)
	}

	if err := s.updateCurrentCommit(); err != nil {
		return false, fmt.Errorf("failed to update commit: %w", err)
	}

	changed := oldCommit != s.currentCommit
	if changed {
		s.logger.Info("seed repository updated",
			"old_commit", oldCommit,
			"new_commit", s.currentCommit,
		)
	}
	return changed, nil
}

// PullWithRetry attempts to pull with exponential backoff
func (s *Store) PullWithRetry(ctx context.Context, maxRetries int) (bool, error) {
	var lastErr error
	backoff := 1 * time.Second

	for attempt := 0; attempt < maxRetries; attempt++ {
		changed, err := s.Pull(ctx)
		if err == nil {
			return changed, nil
		}

		lastErr = err
		s.logger.Warn("pull attempt failed",
			"attempt", attempt+1,
			"max_retries", maxRetries,
			"error", err,
			"next_backoff", backoff,
		)
		if attempt == maxRetries-1 {
			break
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
		}
	}

	return false, fmt.Errorf("pull failed after %d retries: %w", maxRetries, lastErr)
}

// CurrentCommit returns the current HEAD commit SHA
func (s *Store) CurrentCommit() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentCommit
}

// WithReadLock calls fn with the clone directory. Pulls and clones wait
// until fn returns, so fn sees one commit's tree.
func (s *Store) WithReadLock(fn func(dir string) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.config.LocalPath)
}

// RepoURL returns the configured repository URL
func (s *Store) RepoURL() string {
	return s.config.RepoURL
}

// Branch returns the configured branch
func (s *Store) Branch() string {
	return s.config.Branch
}

// Path returns the local clone directory
func (s *Store) Path() string {
	return s.config.LocalPath
}

func (s *Store) getAuth(ctx context.Context) (transport.AuthMethod, error) {
	if s.config.Auth == nil {
		return nil, nil
	}

	token, err := s.config.Auth.Token(ctx)
	if err != nil {
		return nil, err
	}

	return &http.BasicAuth{
		Username: "x-access-token",
		Password: token,
	}, nil
}

func (s *Store) updateCurrentCommit() error {
	ref, err := s.repo.Head()
	if err != nil {
		return err
	}
	s.currentCommit = ref.Hash().String()
	return nil
}
