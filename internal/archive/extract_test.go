package archive

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metarepo/server/internal/domain"
	"github.com/metarepo/server/internal/fsutil"
)

const bundleManifest = `full_service_name: bundle
service_display_name: Bundle
ui:
  - form.yaml
agent:
  - nested/agent.template
`

type extractFixture struct {
	extractor *Extractor
	store     string
	scratch   string
	uploads   string
}

func newExtractFixture(t *testing.T) *extractFixture {
	t.Helper()
	base := t.TempDir()
	f := &extractFixture{
		store:   filepath.Join(base, "store"),
		scratch: filepath.Join(base, "scratch"),
		uploads: filepath.Join(base, "uploads"),
	}
	for _, dir := range []string{f.store, f.scratch, f.uploads} {
		require.NoError(t, os.MkdirAll(dir, 0755))
	}
	f.extractor = NewExtractor(ExtractorConfig{
		StoreRoot:  f.store,
		ScratchDir: f.scratch,
		Logger:     discardLogger(),
	})
	return f
}

// bundle composes files into an upload and returns its path
func (f *extractFixture) bundle(t *testing.T, files map[string]string) string {
	t.Helper()
	tree := t.TempDir()
	for rel, content := range files {
		writeFile(t, tree, rel, content)
	}
	path := filepath.Join(f.uploads, "upload.tar.gz")
	require.NoError(t, ComposeToFile(tree, path))
	return path
}

func storeFiles(t *testing.T, root string) []string {
	t.Helper()
	files, err := fsutil.WalkFiles(root)
	require.NoError(t, err)
	return files
}

func TestExtract(t *testing.T) {
	t.Parallel()

	f := newExtractFixture(t)
	upload := f.bundle(t, map[string]string{
		"bundle-manifest.yaml":        bundleManifest,
		"ui/form.yaml":                "form",
		"agent/nested/agent.template": "agent",
		"binaries/tool.bin":           "ignored",
	})

	id, err := f.extractor.Extract(upload)
	require.NoError(t, err)
	assert.Equal(t, "bundle", id)

	assert.Equal(t, []string{
		"agent/nested/agent.template",
		"bundle-manifest.yaml",
		"ui/form.yaml",
	}, storeFiles(t, f.store))
	assert.NoFileExists(t, upload)
	assert.Empty(t, dirEntries(t, f.scratch))
}

func TestExtract_ManifestCount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		files map[string]string
	}{
		{
			name:  "no manifest",
			files: map[string]string{"ui/form.yaml": "form"},
		},
		{
			name: "two manifests",
			files: map[string]string{
				"bundle-manifest.yaml": bundleManifest,
				"other-manifest.yaml":  "full_service_name: other\n",
				"ui/form.yaml":         "form",
			},
		},
		{
			name:  "nested manifest only",
			files: map[string]string{"ui/bundle-manifest.yaml": bundleManifest},
		},
		{
			name:  "manifest is not a mapping",
			files: map[string]string{"bundle-manifest.yaml": "- a\n- b\n", "ui/form.yaml": "form"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newExtractFixture(t)
			writeFile(t, f.store, "ui/existing.yaml", "existing")

			upload := f.bundle(t, tt.files)
			_, err := f.extractor.Extract(upload)
			require.ErrorIs(t, err, domain.ErrValidation)

			assert.Equal(t, []string{"ui/existing.yaml"}, storeFiles(t, f.store), "store unchanged")
			assert.NoFileExists(t, upload)
			assert.Empty(t, dirEntries(t, f.scratch))
		})
	}
}

func TestExtract_CollisionKeepsOriginal(t *testing.T) {
	t.Parallel()

	f := newExtractFixture(t)
	writeFile(t, f.store, "ui/form.yaml", "original")

	upload := f.bundle(t, map[string]string{
		"bundle-manifest.yaml":        bundleManifest,
		"ui/form.yaml":                "replacement",
		"agent/nested/agent.template": "agent",
	})

	_, err := f.extractor.Extract(upload)
	require.NoError(t, err)

	assert.Equal(t, "original", readFile(t, filepath.Join(f.store, "ui", "form.yaml")))
	assert.Equal(t, "agent", readFile(t, filepath.Join(f.store, "agent", "nested", "agent.template")))
	assert.FileExists(t, filepath.Join(f.store, "bundle-manifest.yaml"))
}

func TestExtract_ManifestIsOverwritten(t *testing.T) {
	t.Parallel()

	f := newExtractFixture(t)
	writeFile(t, f.store, "bundle-manifest.yaml", "full_service_name: bundle\nservice_display_name: Old\n")

	_, err := f.extractor.Extract(f.bundle(t, map[string]string{"bundle-manifest.yaml": bundleManifest}))
	require.NoError(t, err)
	assert.Equal(t, bundleManifest, readFile(t, filepath.Join(f.store, "bundle-manifest.yaml")))
}

func TestExtract_RejectsUnsafeEntries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		hdr  *tar.Header
	}{
		{name: "traversal", hdr: &tar.Header{Name: "../evil-manifest.yaml", Typeflag: tar.TypeReg, Mode: 0644}},
		{name: "absolute", hdr: &tar.Header{Name: "/etc/evil-manifest.yaml", Typeflag: tar.TypeReg, Mode: 0644}},
		{name: "symlink", hdr: &tar.Header{Name: "ui/link", Typeflag: tar.TypeSymlink, Linkname: "/etc/passwd"}},
		{name: "device", hdr: &tar.Header{Name: "ui/dev", Typeflag: tar.TypeChar}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newExtractFixture(t)

			var buf bytes.Buffer
			tw := tar.NewWriter(&buf)
			require.NoError(t, tw.WriteHeader(tt.hdr))
			require.NoError(t, tw.Close())

			upload := filepath.Join(f.uploads, "plain.tar")
			require.NoError(t, os.WriteFile(upload, buf.Bytes(), 0644))

			_, err := f.extractor.Extract(upload)
			require.ErrorIs(t, err, domain.ErrValidation)
			assert.Empty(t, storeFiles(t, f.store))
			assert.NoFileExists(t, upload)
		})
	}
}

func TestExtract_PlainTar(t *testing.T) {
	t.Parallel()

	f := newExtractFixture(t)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "bundle-manifest.yaml",
		Typeflag: tar.TypeReg,
		Mode:     0644,
		Size:     int64(len(bundleManifest)),
	}))
	_, err := tw.Write([]byte(bundleManifest))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	upload := filepath.Join(f.uploads, "plain.tar")
	require.NoError(t, os.WriteFile(upload, buf.Bytes(), 0644))

	id, err := f.extractor.Extract(upload)
	require.NoError(t, err)
	assert.Equal(t, "bundle", id)
}

func TestExportThenExtract(t *testing.T) {
	t.Parallel()

	source := t.TempDir()
	writeFile(t, source, "bundle-manifest.yaml", bundleManifest)
	writeFile(t, source, "ui/form.yaml", "form")
	writeFile(t, source, "agent/nested/agent.template", "agent")

	m := usable("bundle", map[domain.DataType][]string{
		domain.DataTypeUI:    {"form.yaml"},
		domain.DataTypeAgent: {"nested/agent.template", "missing.template"},
	})
	m.Enabled = false

	exporter := NewExporter(ExporterConfig{StoreRoot: source, Logger: discardLogger()})
	out := filepath.Join(t.TempDir(), "bundle.tar.gz")
	require.NoError(t, exporter.Export(m, out))

	assert.Equal(t, map[string]string{
		"bundle-manifest.yaml":        bundleManifest,
		"ui/form.yaml":                "form",
		"agent/nested/agent.template": "agent",
	}, readArchiveFile(t, out))

	f := newExtractFixture(t)
	_, err := f.extractor.Extract(out)
	require.NoError(t, err)
	assert.Equal(t, storeFiles(t, source), storeFiles(t, f.store))
}

func TestExportThenExtract_RootFiles(t *testing.T) {
	t.Parallel()

	source := t.TempDir()
	writeFile(t, source, "bundle-manifest.yaml", bundleManifest)
	writeFile(t, source, "bundle-notes.yaml", "notes")
	writeFile(t, source, "other-manifest.yaml", "full_service_name: other\n")

	m := usable("bundle", map[domain.DataType][]string{
		domain.DataTypeManifest: {"bundle-notes.yaml", "other-manifest.yaml"},
	})

	exporter := NewExporter(ExporterConfig{StoreRoot: source, Logger: discardLogger()})
	out := filepath.Join(t.TempDir(), "bundle.tar.gz")
	require.NoError(t, exporter.Export(m, out))

	assert.Equal(t, map[string]string{
		"bundle-manifest.yaml": bundleManifest,
		"bundle-notes.yaml":    "notes",
	}, readArchiveFile(t, out))

	f := newExtractFixture(t)
	writeFile(t, f.store, "ui/existing.yaml", "existing")
	_, err := f.extractor.Extract(out)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"bundle-manifest.yaml",
		"bundle-notes.yaml",
		"ui/existing.yaml",
	}, storeFiles(t, f.store))
}

func TestExport_MissingManifest(t *testing.T) {
	t.Parallel()

	exporter := NewExporter(ExporterConfig{StoreRoot: t.TempDir(), Logger: discardLogger()})
	err := exporter.Export(usable("ghost", nil), filepath.Join(t.TempDir(), "out.tar.gz"))
	require.Error(t, err)
}
