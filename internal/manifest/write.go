package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/metarepo/server/internal/domain"
)

// Defaults applied to newly created manifests
var createDefaults = []struct {
	key   string
	value any
}{
	{domain.KeyDescription, ""},
	{domain.KeyAuthor, ""},
	{domain.KeyVersion, "0.1"},
	{domain.KeyServiceVersion, "1"},
	{domain.KeyEnabled, true},
}

// ToggleEnabled flips the enabled flag of a service and returns the new value
func (s *Store) ToggleEnabled(serviceID string) (bool, error) {
	path, root, err := s.readNode(serviceID)
	if err != nil {
		return false, err
	}

	doc, err := documentFromNode(root)
	if err != nil {
		return false, fmt.Errorf("%w: malformed manifest: %v", domain.ErrValidation, err)
	}

	enabled := !doc.manifest.Enabled
	mapping, _ := mappingOf(root)
	if err := setKey(mapping, domain.KeyEnabled, enabled); err != nil {
		return false, err
	}

	if err := s.writeNode(path, root); err != nil {
		return false, err
	}

	s.logger.Info("service toggled", "service_id", serviceID, "enabled", enabled)
	return enabled, nil
}

// UpdateFields merges patch into an existing manifest and writes it back.
// The merged manifest must still carry a display name.
func (s *Store) UpdateFields(serviceID string, patch map[string]any) (*domain.ServiceManifest, error) {
	path, root, err := s.readNode(serviceID)
	if err != nil {
		return nil, err
	}

	mapping, err := mappingOf(root)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed manifest: %v", domain.ErrValidation, err)
	}
	if err := applyPatch(mapping, serviceID, patch); err != nil {
		return nil, err
	}

	doc, err := s.validateNode(serviceID, root)
	if err != nil {
		return nil, err
	}
	if err := s.writeNode(path, root); err != nil {
		return nil, err
	}

	s.logger.Info("service manifest updated", "service_id", serviceID, "fields", len(patch))
	return s.evaluate(filepath.Base(path), doc), nil
}

// Create writes a new manifest for serviceID built from fields and defaults
func (s *Store) Create(serviceID string, fields map[string]any) (*domain.ServiceManifest, error) {
	if err := domain.ValidateServiceID(serviceID); err != nil {
		return nil, err
	}
	path := s.ManifestPath(serviceID)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: manifest for service %s already exists", domain.ErrConflict, serviceID)
	}

	mapping := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	root := &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{mapping}}

	if err := setKey(mapping, domain.KeyServiceID, serviceID); err != nil {
		return nil, err
	}
	if err := setKey(mapping, domain.KeyDisplayName, ""); err != nil {
		return nil, err
	}
	for _, d := range createDefaults {
		if err := setKey(mapping, d.key, d.value); err != nil {
			return nil, err
		}
	}
	if err := applyPatch(mapping, serviceID, fields); err != nil {
		return nil, err
	}

	doc, err := s.validateNode(serviceID, root)
	if err != nil {
		return nil, err
	}
	if err := s.writeNode(path, root); err != nil {
		return nil, err
	}

	s.logger.Info("service manifest created", "service_id", serviceID)
	return s.evaluate(filepath.Base(path), doc), nil
}

func (s *Store) readNode(serviceID string) (string, *yaml.Node, error) {
	if err := domain.ValidateServiceID(serviceID); err != nil {
		return "", nil, err
	}

	path := s.ManifestPath(serviceID)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil, fmt.Errorf("%w: manifest for service %s", domain.ErrNotFound, serviceID)
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return "", nil, fmt.Errorf("%w: malformed manifest %s: %v", domain.ErrValidation, filepath.Base(path), err)
	}
	return path, &root, nil
}

func (s *Store) validateNode(serviceID string, root *yaml.Node) (*document, error) {
	doc, err := documentFromNode(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if len(doc.badKeys) > 0 {
		return nil, fmt.Errorf("%w: section %s should be a file listing", domain.ErrValidation, doc.badKeys[0])
	}
	if doc.manifest.ID != serviceID {
		return nil, fmt.Errorf("%w: manifest declares service id %q, expected %q",
			domain.ErrValidation, doc.manifest.ID, serviceID)
	}
	if err := domain.ValidateManifest(&doc.manifest); err != nil {
		return nil, err
	}
	return doc, nil
}

// writeNode replaces the manifest file through a temporary file so a failed
// write never leaves a truncated manifest behind.
func (s *Store) writeNode(path string, root *yaml.Node) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	tmp, err := os.CreateTemp(s.root, ".manifest-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary manifest: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace manifest: %w", err)
	}

	s.docs.remove(path)
	return nil
}

// applyPatch sets every patch entry on the mapping in key order
func applyPatch(mapping *yaml.Node, serviceID string, patch map[string]any) error {
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value, err := normalizeField(key, patch[key])
		if err != nil {
			return err
		}
		if key == domain.KeyServiceID && value != serviceID {
			return fmt.Errorf("%w: %s cannot be changed", domain.ErrValidation, domain.KeyServiceID)
		}
		if err := setKey(mapping, key, value); err != nil {
			return err
		}
	}
	return nil
}

// normalizeField converts decoded JSON values into the shape stored in YAML
func normalizeField(key string, value any) (any, error) {
	switch key {
	case domain.KeyEnabled:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("%w: %s must be a boolean", domain.ErrValidation, key)
			}
			return b, nil
		default:
			return nil, fmt.Errorf("%w: %s must be a boolean", domain.ErrValidation, key)
		}

	case domain.KeyServiceID, domain.KeyDisplayName, domain.KeyDescription,
		domain.KeyAuthor, domain.KeyVersion, domain.KeyServiceVersion:
		s, ok := scalarToString(value)
		if !ok {
			return nil, fmt.Errorf("%w: %s must be a scalar", domain.ErrValidation, key)
		}
		return s, nil
	}

	if _, err := domain.ParseDataType(key); err == nil {
		files, ok := toStringList(value)
		if !ok {
			return nil, fmt.Errorf("%w: %s should be a list of file paths", domain.ErrValidation, key)
		}
		return files, nil
	}

	return value, nil
}

func scalarToString(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return "", false
	}
}

func toStringList(value any) ([]string, bool) {
	switch v := value.(type) {
	case []string:
		return v, true
	case []any:
		files := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok || s == "" {
				return nil, false
			}
			files = append(files, s)
		}
		return files, true
	default:
		return nil, false
	}
}

// setKey replaces the value of key in a mapping node, appending the key if absent
func setKey(mapping *yaml.Node, key string, value any) error {
	var node yaml.Node
	if err := node.Encode(value); err != nil {
		return fmt.Errorf("failed to encode field %s: %w", key, err)
	}

	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			node.HeadComment = mapping.Content[i+1].HeadComment
			node.LineComment = mapping.Content[i+1].LineComment
			mapping.Content[i+1] = &node
			return nil
		}
	}

	mapping.Content = append(mapping.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&node,
	)
	return nil
}
