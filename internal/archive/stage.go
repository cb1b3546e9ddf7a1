package archive

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/metarepo/server/internal/domain"
	"github.com/metarepo/server/internal/fsutil"
)

// Stager copies the files referenced by manifests from a manifest store into
// a working tree laid out for a client archive.
type Stager struct {
	storeRoot string
	source    domain.Layout
	output    domain.Layout
	logger    *slog.Logger
}

// StagerConfig holds stager configuration
type StagerConfig struct {
	StoreRoot string
	Source    domain.Layout
	Output    domain.Layout
	Logger    *slog.Logger
}

// NewStager creates a stager
func NewStager(cfg StagerConfig) *Stager {
	if cfg.Source == nil {
		cfg.Source = domain.DefaultSourceLayout()
	}
	if cfg.Output == nil {
		cfg.Output = domain.DefaultOutputLayout()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Stager{
		storeRoot: cfg.StoreRoot,
		source:    cfg.Source,
		output:    cfg.Output,
		logger:    cfg.Logger,
	}
}

// Stage copies, for every requested data type, the files declared by each
// enabled and valid manifest into destRoot. Copy failures are logged and
// skipped; only an unknown data type or an unusable destination is an error.
func (s *Stager) Stage(manifests []*domain.ServiceManifest, types []domain.DataType, destRoot string) error {
	for _, dt := range types {
		if _, err := domain.ParseDataType(string(dt)); err != nil {
			return err
		}
	}

	for _, dt := range types {
		dst := s.output.Dir(destRoot, dt)
		if err := os.MkdirAll(dst, 0755); err != nil {
			return fmt.Errorf("failed to create staging directory: %w", err)
		}

		for _, m := range manifests {
			if !m.Usable() {
				s.logger.Info("skipping manifest",
					"service_id", m.ID,
					"enabled", m.Enabled,
					"valid", m.Valid,
				)
				continue
			}
			s.stageFiles(m, dt, dst)
		}
	}
	return nil
}

// stageFiles copies one manifest's files of one data type into dst
func (s *Stager) stageFiles(m *domain.ServiceManifest, dt domain.DataType, dst string) int {
	files, ok := m.Files[dt]
	if !ok {
		s.logger.Info("manifest has no file definitions for data type",
			"service_id", m.ID,
			"data_type", dt,
		)
		return 0
	}

	src := s.source.Dir(s.storeRoot, dt)
	copied := 0
	for _, f := range files {
		from, err := fsutil.SafeJoin(src, f)
		if err != nil {
			s.logger.Error("unable to stage file", "service_id", m.ID, "path", f, "error", err)
			continue
		}
		to, err := fsutil.SafeJoin(dst, f)
		if err != nil {
			s.logger.Error("unable to stage file", "service_id", m.ID, "path", f, "error", err)
			continue
		}
		if err := fsutil.CopyFile(from, to, true); err != nil {
			s.logger.Error("unable to stage file", "service_id", m.ID, "path", f, "error", err)
			continue
		}
		copied++
	}
	return copied
}
