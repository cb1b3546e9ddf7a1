package archive

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metarepo/server/internal/domain"
)

type countingLister struct {
	manifests []*domain.ServiceManifest
	calls     atomic.Int32
}

func (l *countingLister) ParseAll() ([]*domain.ServiceManifest, error) {
	l.calls.Add(1)
	return l.manifests, nil
}

type builderFixture struct {
	builder *Builder
	cache   *Cache
	lister  *countingLister
	store   string
	scratch string
}

func newBuilderFixture(t *testing.T) *builderFixture {
	t.Helper()
	base := t.TempDir()
	store := filepath.Join(base, "store")
	scratch := filepath.Join(base, "scratch")
	require.NoError(t, os.MkdirAll(scratch, 0755))

	writeFile(t, store, "ui/a.yaml", "a")
	writeFile(t, store, "ui/b.yaml", "b")
	writeFile(t, store, "workflows/flow.xml", "<flow/>")

	lister := &countingLister{manifests: []*domain.ServiceManifest{
		usable("alpha", map[domain.DataType][]string{
			domain.DataTypeUI:       {"a.yaml", "b.yaml"},
			domain.DataTypeWorkflow: {"flow.xml"},
		}),
	}}
	cache := NewCache(filepath.Join(base, "cache"))

	builder := NewBuilder(BuilderConfig{
		Manifests: lister,
		Stager: NewStager(StagerConfig{
			StoreRoot: store,
			Logger:    discardLogger(),
		}),
		Cache:      cache,
		ScratchDir: scratch,
		Logger:     discardLogger(),
	})

	return &builderFixture{builder: builder, cache: cache, lister: lister, store: store, scratch: scratch}
}

func TestBuild_FreshArchiveContents(t *testing.T) {
	t.Parallel()

	f := newBuilderFixture(t)
	result, err := f.builder.Build(context.Background(), domain.ClientUI, "")
	require.NoError(t, err)

	assert.Equal(t, StatusFresh, result.Status)
	assert.False(t, result.Cached)
	assert.Len(t, result.Hash, 40)
	assert.Equal(t, f.cache.ArchivePath(domain.ClientUI, result.Hash), result.Path)
	assert.Equal(t, map[string]string{"ui/a.yaml": "a", "ui/b.yaml": "b"}, readArchiveFile(t, result.Path))

	assert.Equal(t, []string{result.Hash}, dirEntries(t, f.cache.ClientDir(domain.ClientUI)))
	assert.Empty(t, dirEntries(t, f.scratch), "staging directory is removed")
}

func TestBuild_CachedWithoutHashNeverStages(t *testing.T) {
	t.Parallel()

	f := newBuilderFixture(t)
	path, err := f.cache.Store(domain.ClientUI, "abc123", []byte("cached"))
	require.NoError(t, err)

	result, err := f.builder.Build(context.Background(), domain.ClientUI, "")
	require.NoError(t, err)

	assert.Equal(t, StatusFresh, result.Status)
	assert.True(t, result.Cached)
	assert.Equal(t, "abc123", result.Hash)
	assert.Equal(t, path, result.Path)
	assert.Equal(t, int32(0), f.lister.calls.Load(), "manifests must not be parsed")
	assert.Empty(t, dirEntries(t, f.scratch), "nothing must be staged")
}

func TestBuild_MatchingHashIsNotModified(t *testing.T) {
	t.Parallel()

	f := newBuilderFixture(t)
	first, err := f.builder.Build(context.Background(), domain.ClientUI, "")
	require.NoError(t, err)
	before := readFile(t, first.Path)

	result, err := f.builder.Build(context.Background(), domain.ClientUI, first.Hash)
	require.NoError(t, err)

	assert.Equal(t, StatusNotModified, result.Status)
	assert.Equal(t, first.Hash, result.Hash)
	assert.Empty(t, result.Path)
	assert.Equal(t, int32(1), f.lister.calls.Load())
	assert.Equal(t, before, readFile(t, first.Path), "cache entry untouched")
}

func TestBuild_DifferentHashRebuilds(t *testing.T) {
	t.Parallel()

	f := newBuilderFixture(t)
	first, err := f.builder.Build(context.Background(), domain.ClientUI, "")
	require.NoError(t, err)

	writeFile(t, f.store, "ui/a.yaml", "changed")

	result, err := f.builder.Build(context.Background(), domain.ClientUI, "deadbeef")
	require.NoError(t, err)

	assert.Equal(t, StatusFresh, result.Status)
	assert.False(t, result.Cached)
	assert.NotEqual(t, first.Hash, result.Hash)
	assert.Equal(t, []string{result.Hash}, dirEntries(t, f.cache.ClientDir(domain.ClientUI)))
	assert.Equal(t, "changed", readArchiveFile(t, result.Path)["ui/a.yaml"])
}

func TestBuild_RequestedHashWithoutEntryIsFresh(t *testing.T) {
	t.Parallel()

	f := newBuilderFixture(t)
	first, err := f.builder.Build(context.Background(), domain.ClientUI, "")
	require.NoError(t, err)
	require.NoError(t, f.cache.Invalidate(domain.ClientUI))

	result, err := f.builder.Build(context.Background(), domain.ClientUI, first.Hash)
	require.NoError(t, err)
	assert.Equal(t, StatusFresh, result.Status)
	assert.Equal(t, first.Hash, result.Hash)
}

func TestBuild_ClientTypesAreIsolated(t *testing.T) {
	t.Parallel()

	f := newBuilderFixture(t)
	ui, err := f.builder.Build(context.Background(), domain.ClientUI, "")
	require.NoError(t, err)
	conductor, err := f.builder.Build(context.Background(), domain.ClientConductor, "")
	require.NoError(t, err)

	assert.NotEqual(t, ui.Hash, conductor.Hash)
	assert.Equal(t, map[string]string{"workflows/flow.xml": "<flow/>"}, readArchiveFile(t, conductor.Path))
	assert.FileExists(t, ui.Path)
}

func TestBuild_UnknownClient(t *testing.T) {
	t.Parallel()

	f := newBuilderFixture(t)
	_, err := f.builder.Build(context.Background(), domain.ClientType("desktop"), "")
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestBuild_TwoEntriesIsConsistencyError(t *testing.T) {
	t.Parallel()

	f := newBuilderFixture(t)
	_, err := f.cache.Store(domain.ClientUI, "one", []byte("1"))
	require.NoError(t, err)
	_, err = f.cache.Store(domain.ClientUI, "two", []byte("2"))
	require.NoError(t, err)

	_, err = f.builder.Build(context.Background(), domain.ClientUI, "")
	require.ErrorIs(t, err, domain.ErrConsistency)
	assert.ElementsMatch(t, []string{"one", "two"}, dirEntries(t, f.cache.ClientDir(domain.ClientUI)),
		"inconsistent cache is left for inspection")
}

func TestCache_EntryWithoutArchive(t *testing.T) {
	t.Parallel()

	cache := NewCache(t.TempDir())
	require.NoError(t, os.MkdirAll(filepath.Join(cache.ClientDir(domain.ClientUI), "abc"), 0755))

	_, err := cache.Existing(domain.ClientUI)
	require.ErrorIs(t, err, domain.ErrConsistency)

	hash, err := cache.Existing(domain.ClientConductor)
	require.NoError(t, err)
	assert.Empty(t, hash)
}

func TestCache_InvalidateAndReset(t *testing.T) {
	t.Parallel()

	cache := NewCache(filepath.Join(t.TempDir(), "cache"))
	_, err := cache.Store(domain.ClientUI, "u", []byte("u"))
	require.NoError(t, err)
	_, err = cache.Store(domain.ClientConductor, "c", []byte("c"))
	require.NoError(t, err)

	require.NoError(t, cache.Invalidate(domain.ClientUI))
	hash, err := cache.Existing(domain.ClientUI)
	require.NoError(t, err)
	assert.Empty(t, hash)
	hash, err = cache.Existing(domain.ClientConductor)
	require.NoError(t, err)
	assert.Equal(t, "c", hash)

	require.NoError(t, cache.Reset())
	assert.NoDirExists(t, cache.Root())
}
