package archive

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/metarepo/server/internal/domain"
	"github.com/metarepo/server/internal/fsutil"
)

// Exporter packs a single service into a bundle Extract accepts
type Exporter struct {
	stager     *Stager
	storeRoot  string
	scratchDir string
	logger     *slog.Logger
}

// ExporterConfig holds exporter configuration
type ExporterConfig struct {
	StoreRoot  string
	Source     domain.Layout
	ScratchDir string
	Logger     *slog.Logger
}

// NewExporter creates an exporter
func NewExporter(cfg ExporterConfig) *Exporter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Exporter{
		stager: NewStager(StagerConfig{
			StoreRoot: cfg.StoreRoot,
			Source:    cfg.Source,
			Output:    domain.BundleLayout(),
			Logger:    cfg.Logger,
		}),
		storeRoot:  cfg.StoreRoot,
		scratchDir: cfg.ScratchDir,
		logger:     cfg.Logger,
	}
}

// Export writes a bundle of m to outputPath: one directory per data type the
// manifest declares plus the manifest itself at the root. Disabled or invalid
// services are exported too; unreadable files are logged and left out.
func (e *Exporter) Export(m *domain.ServiceManifest, outputPath string) error {
	scratch, err := os.MkdirTemp(e.scratchDir, "export-")
	if err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			e.logger.Warn("failed to remove export directory", "path", scratch, "error", err)
		}
	}()

	for _, dt := range domain.DataTypes {
		if _, ok := m.Files[dt]; !ok {
			continue
		}
		if dt == domain.DataTypeManifest {
			e.stageRootFiles(m, scratch)
			continue
		}
		e.stager.stageFiles(m, dt, e.stager.output.Dir(scratch, dt))
	}

	name := m.FileName()
	if err := fsutil.CopyFile(filepath.Join(e.storeRoot, name), filepath.Join(scratch, name), true); err != nil {
		return fmt.Errorf("failed to add manifest to bundle: %w", err)
	}

	if err := ComposeToFile(scratch, outputPath); err != nil {
		return err
	}

	e.logger.Info("service bundle exported", "service_id", m.ID, "path", outputPath)
	return nil
}

// stageRootFiles copies the files m declares under the manifest key to the
// bundle root. Other manifest files cannot travel in a bundle, which holds
// exactly one.
func (e *Exporter) stageRootFiles(m *domain.ServiceManifest, scratch string) {
	keep := make([]string, 0, len(m.Files[domain.DataTypeManifest]))
	for _, f := range m.Files[domain.DataTypeManifest] {
		if strings.HasSuffix(f, domain.ManifestSuffix) {
			e.logger.Warn("leaving manifest file out of bundle", "service_id", m.ID, "path", f)
			continue
		}
		keep = append(keep, f)
	}

	root := *m
	root.Files = map[domain.DataType][]string{domain.DataTypeManifest: keep}
	e.stager.stageFiles(&root, domain.DataTypeManifest, scratch)
}
