package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metarepo/server/internal/domain"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestCopyFile(t *testing.T) {
	t.Parallel()

	t.Run("creates parent directories", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		src := filepath.Join(dir, "src.txt")
		writeFile(t, src, "hello")

		dst := filepath.Join(dir, "a", "b", "dst.txt")
		require.NoError(t, CopyFile(src, dst, false))

		got, err := os.ReadFile(dst)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(got))
	})

	t.Run("refuses to overwrite", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		src := filepath.Join(dir, "src.txt")
		dst := filepath.Join(dir, "dst.txt")
		writeFile(t, src, "new")
		writeFile(t, dst, "old")

		err := CopyFile(src, dst, false)
		require.ErrorIs(t, err, domain.ErrConflict)

		got, err := os.ReadFile(dst)
		require.NoError(t, err)
		assert.Equal(t, "old", string(got))
	})

	t.Run("overwrites when allowed", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		src := filepath.Join(dir, "src.txt")
		dst := filepath.Join(dir, "dst.txt")
		writeFile(t, src, "new")
		writeFile(t, dst, "old content that is longer")

		require.NoError(t, CopyFile(src, dst, true))

		got, err := os.ReadFile(dst)
		require.NoError(t, err)
		assert.Equal(t, "new", string(got))
	})

	t.Run("missing source", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		err := CopyFile(filepath.Join(dir, "nope"), filepath.Join(dir, "dst"), true)
		require.Error(t, err)
		assert.False(t, Exists(filepath.Join(dir, "dst")))
	})
}

func TestCopyTreeAndWalkFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	writeFile(t, filepath.Join(src, "a-manifest.yaml"), "a")
	writeFile(t, filepath.Join(src, "ui", "form.yaml"), "form")
	writeFile(t, filepath.Join(src, "agent", "sub", "deep.template"), "deep")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "heat", "empty"), 0755))

	dst := filepath.Join(dir, "dst")
	require.NoError(t, CopyTree(src, dst))

	files, err := WalkFiles(dst)
	require.NoError(t, err)
	assert.Equal(t, []string{"a-manifest.yaml", "agent/sub/deep.template", "ui/form.yaml"}, files)
	assert.DirExists(t, filepath.Join(dst, "heat", "empty"))

	err = CopyTree(src, dst)
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestSafeJoin(t *testing.T) {
	t.Parallel()

	root := filepath.Join("data", "ui")

	tests := []struct {
		name    string
		rel     string
		want    string
		wantErr bool
	}{
		{name: "empty", rel: "", want: root},
		{name: "nested", rel: "sub/form.yaml", want: filepath.Join(root, "sub", "form.yaml")},
		{name: "leading slash", rel: "/form.yaml", want: filepath.Join(root, "form.yaml")},
		{name: "traversal", rel: "../secret", wantErr: true},
		{name: "inner traversal", rel: "sub/../../secret", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := SafeJoin(root, tt.rel)
			if tt.wantErr {
				require.ErrorIs(t, err, domain.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
