package archive

import (
	"archive/tar"
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"gopkg.in/yaml.v3"

	"github.com/metarepo/server/internal/domain"
	"github.com/metarepo/server/internal/fsutil"
)

// MaxEntrySize is the largest single file accepted from an uploaded bundle
const MaxEntrySize int64 = 64 << 20

// Extractor unpacks service bundles into a manifest store
type Extractor struct {
	storeRoot  string
	source     domain.Layout
	scratchDir string
	logger     *slog.Logger
}

// ExtractorConfig holds extractor configuration
type ExtractorConfig struct {
	StoreRoot  string
	Source     domain.Layout
	ScratchDir string
	Logger     *slog.Logger
}

// NewExtractor creates an extractor
func NewExtractor(cfg ExtractorConfig) *Extractor {
	if cfg.Source == nil {
		cfg.Source = domain.DefaultSourceLayout()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Extractor{
		storeRoot:  cfg.StoreRoot,
		source:     cfg.Source,
		scratchDir: cfg.ScratchDir,
		logger:     cfg.Logger,
	}
}

// Extract installs the bundle at archivePath into the store and returns the
// service id it carried. The bundle must hold exactly one top-level
// *-manifest.yaml; each top-level directory named after a data type is
// merged into that type's directory, and other top-level files into the
// store root, without overwriting existing files.
// The archive file is removed whatever the outcome.
func (e *Extractor) Extract(archivePath string) (string, error) {
	defer func() {
		if err := os.Remove(archivePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.logger.Warn("failed to remove uploaded archive", "path", archivePath, "error", err)
		}
	}()

	scratch, err := os.MkdirTemp(e.scratchDir, "extract-")
	if err != nil {
		return "", fmt.Errorf("failed to create extraction directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			e.logger.Warn("failed to remove extraction directory", "path", scratch, "error", err)
		}
	}()

	if err := untar(archivePath, scratch); err != nil {
		return "", err
	}

	manifestName, err := findManifest(scratch)
	if err != nil {
		return "", err
	}
	serviceID, _ := domain.ServiceIDFromFileName(manifestName)
	if err := domain.ValidateServiceID(serviceID); err != nil {
		return "", err
	}
	if err := checkMapping(filepath.Join(scratch, manifestName)); err != nil {
		return "", err
	}

	if err := fsutil.CopyFile(filepath.Join(scratch, manifestName), filepath.Join(e.storeRoot, manifestName), true); err != nil {
		return "", fmt.Errorf("failed to install manifest: %w", err)
	}

	entries, err := os.ReadDir(scratch)
	if err != nil {
		return "", fmt.Errorf("failed to read extraction directory: %w", err)
	}
	for _, entry := range entries {
		if entry.Type().IsRegular() && entry.Name() != manifestName {
			e.install(serviceID, domain.DataTypeManifest, scratch, e.storeRoot, entry.Name())
			continue
		}
		if !entry.IsDir() {
			continue
		}
		dt, err := domain.ParseDataType(entry.Name())
		if err != nil || dt == domain.DataTypeManifest {
			e.logger.Warn("ignoring unknown directory in bundle",
				"service_id", serviceID,
				"directory", entry.Name(),
			)
			continue
		}
		e.mergeDir(serviceID, dt, filepath.Join(scratch, entry.Name()))
	}

	e.logger.Info("service bundle extracted", "service_id", serviceID)
	return serviceID, nil
}

// mergeDir copies a bundle directory into a data type root. Existing files
// are kept; collisions and copy failures are logged per file.
func (e *Extractor) mergeDir(serviceID string, dt domain.DataType, src string) {
	files, err := fsutil.WalkFiles(src)
	if err != nil {
		e.logger.Error("failed to list bundle directory", "service_id", serviceID, "data_type", dt, "error", err)
		return
	}

	dstRoot := e.source.Dir(e.storeRoot, dt)
	for _, rel := range files {
		e.install(serviceID, dt, src, dstRoot, rel)
	}
}

// install copies src/rel to dstRoot/rel unless the destination exists
func (e *Extractor) install(serviceID string, dt domain.DataType, src, dstRoot, rel string) {
	dst, err := fsutil.SafeJoin(dstRoot, rel)
	if err != nil {
		e.logger.Error("unable to install bundle file", "service_id", serviceID, "data_type", dt, "path", rel, "error", err)
		return
	}
	err = fsutil.CopyFile(filepath.Join(src, filepath.FromSlash(rel)), dst, false)
	switch {
	case errors.Is(err, domain.ErrConflict):
		e.logger.Error("bundle file already exists in store, keeping existing file",
			"service_id", serviceID,
			"data_type", dt,
			"path", rel,
		)
	case err != nil:
		e.logger.Error("unable to install bundle file", "service_id", serviceID, "data_type", dt, "path", rel, "error", err)
	}
}

// findManifest returns the single top-level manifest file name of a bundle
func findManifest(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read extraction directory: %w", err)
	}

	var found []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && strings.HasSuffix(entry.Name(), domain.ManifestSuffix) {
			found = append(found, entry.Name())
		}
	}

	if len(found) != 1 {
		return "", fmt.Errorf("%w: bundle must contain exactly one %s file at its root, found %d",
			domain.ErrValidation, "*"+domain.ManifestSuffix, len(found))
	}
	return found[0], nil
}

func checkMapping(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("%w: malformed manifest %s: %v", domain.ErrValidation, filepath.Base(path), err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return fmt.Errorf("%w: manifest %s is not a mapping", domain.ErrValidation, filepath.Base(path))
	}
	return nil
}

// untar unpacks a gzip compressed or plain tar file into dst
func untar(archivePath, dst string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("%w: invalid gzip stream: %v", domain.ErrValidation, err)
		}
		defer gz.Close()
		r = gz
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: reading tar header: %v", domain.ErrValidation, err)
		}

		name, err := validateTarPath(hdr.Name)
		if err != nil {
			return err
		}
		if name == "" {
			continue
		}
		target := filepath.Join(dst, filepath.FromSlash(name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("failed to create %s: %w", name, err)
			}
		case tar.TypeReg:
			if err := writeTarFile(tr, hdr, target); err != nil {
				return err
			}
		case tar.TypeSymlink, tar.TypeLink:
			return fmt.Errorf("%w: archive contains disallowed link: %s", domain.ErrValidation, hdr.Name)
		default:
			return fmt.Errorf("%w: archive contains disallowed entry type %d: %s",
				domain.ErrValidation, hdr.Typeflag, hdr.Name)
		}
	}
}

func writeTarFile(tr *tar.Reader, hdr *tar.Header, target string) error {
	if hdr.Size > MaxEntrySize {
		return fmt.Errorf("%w: file %s exceeds maximum size of %d bytes", domain.ErrValidation, hdr.Name, MaxEntrySize)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", hdr.Name, err)
	}

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", hdr.Name, err)
	}
	if _, err := io.Copy(out, io.LimitReader(tr, MaxEntrySize)); err != nil {
		out.Close()
		return fmt.Errorf("%w: reading tar content for %s: %v", domain.ErrValidation, hdr.Name, err)
	}
	return out.Close()
}

// validateTarPath cleans an entry name and rejects names that would leave
// the extraction directory.
func validateTarPath(p string) (string, error) {
	cleaned := path.Clean(strings.TrimPrefix(p, "./"))
	if cleaned == "." {
		return "", nil
	}
	if path.IsAbs(cleaned) {
		return "", fmt.Errorf("%w: absolute path not allowed in archive: %s", domain.ErrValidation, p)
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: path traversal detected in archive: %s", domain.ErrValidation, p)
	}
	return cleaned, nil
}
