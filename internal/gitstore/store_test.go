package gitstore

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedRepo creates a repository holding one manifest and returns its path
// and HEAD commit.
func seedRepo(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "svc-manifest.yaml"), []byte("enabled: true\n"), 0644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("svc-manifest.yaml")
	require.NoError(t, err)
	hash, err := wt.Commit("seed", &git.CommitOptions{
		Author: &object.Signature{Name: "seed", Email: "seed@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir, hash.String()
}

func newStore(t *testing.T, url, local string) *Store {
	t.Helper()
	s, err := New(Config{
		RepoURL:   url,
		Branch:    "master",
		LocalPath: local,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return s
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{LocalPath: "/tmp/x"})
	require.Error(t, err)

	_, err = New(Config{RepoURL: "https://example.com/x.git"})
	require.Error(t, err)

	s, err := New(Config{RepoURL: "https://example.com/x.git", LocalPath: "/tmp/x"})
	require.NoError(t, err)
	assert.Equal(t, "main", s.Branch())
	assert.Equal(t, "https://example.com/x.git", s.RepoURL())
	assert.Equal(t, "/tmp/x", s.Path())
}

func TestPull_NotInitialized(t *testing.T) {
	s := newStore(t, "https://example.com/x.git", t.TempDir())
	_, err := s.Pull(context.Background())
	require.Error(t, err)
}

func TestWithReadLock_BlocksWriters(t *testing.T) {
	local := t.TempDir()
	s := newStore(t, "https://example.com/x.git", local)

	err := s.WithReadLock(func(dir string) error {
		assert.Equal(t, local, dir)
		assert.False(t, s.mu.TryLock(), "pull and clone wait for readers")
		return nil
	})
	require.NoError(t, err)

	require.True(t, s.mu.TryLock())
	s.mu.Unlock()
}

func TestOpen_ClonesThenReuses(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available for the file transport")
	}

	src, head := seedRepo(t)
	local := filepath.Join(t.TempDir(), "seed")
	ctx := context.Background()

	s := newStore(t, src, local)
	require.NoError(t, s.Open(ctx))
	assert.Equal(t, head, s.CurrentCommit())
	assert.FileExists(t, filepath.Join(local, "svc-manifest.yaml"))

	reopened := newStore(t, src, local)
	require.NoError(t, reopened.Open(ctx))
	assert.Equal(t, head, reopened.CurrentCommit())
}
