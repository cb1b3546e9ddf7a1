package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"

	"github.com/metarepo/server/internal/domain"
)

// document is a decoded manifest before any file existence checks
type document struct {
	manifest domain.ServiceManifest

	// badKeys lists data type keys whose value is not a list of paths, or
	// holds items that are not paths. The paths found are still in Files.
	badKeys []domain.DataType
}

// decodeDocument parses manifest YAML into its node tree and document
func decodeDocument(data []byte) (*yaml.Node, *document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, nil, err
	}
	doc, err := documentFromNode(&root)
	if err != nil {
		return nil, nil, err
	}
	return &root, doc, nil
}

func mappingOf(root *yaml.Node) (*yaml.Node, error) {
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, errors.New("manifest is empty")
	}
	m := root.Content[0]
	if m.Kind != yaml.MappingNode {
		return nil, errors.New("manifest must be a mapping")
	}
	return m, nil
}

func documentFromNode(root *yaml.Node) (*document, error) {
	mapping, err := mappingOf(root)
	if err != nil {
		return nil, err
	}

	doc := &document{
		manifest: domain.ServiceManifest{
			Enabled: true,
			Files:   make(map[domain.DataType][]string),
		},
	}
	m := &doc.manifest

	for i := 0; i+1 < len(mapping.Content); i += 2 {
		key := mapping.Content[i].Value
		value := mapping.Content[i+1]

		switch key {
		case domain.KeyServiceID:
			m.ID = scalarString(value)
		case domain.KeyDisplayName:
			m.DisplayName = scalarString(value)
		case domain.KeyDescription:
			m.Description = scalarString(value)
		case domain.KeyAuthor:
			m.Author = scalarString(value)
		case domain.KeyVersion:
			m.Version = scalarString(value)
		case domain.KeyServiceVersion:
			m.ServiceVersion = scalarString(value)
		case domain.KeyEnabled:
			if err := value.Decode(&m.Enabled); err != nil {
				return nil, fmt.Errorf("field %s: %w", key, err)
			}
		default:
			dt, err := domain.ParseDataType(key)
			if err != nil {
				// Unknown keys are carried through untouched
				continue
			}
			files, ok := fileList(value)
			if !ok {
				doc.badKeys = append(doc.badKeys, dt)
			}
			if ok || len(files) > 0 {
				m.Files[dt] = append(m.Files[dt], files...)
			}
		}
	}

	return doc, nil
}

func scalarString(n *yaml.Node) string {
	if n.Kind != yaml.ScalarNode || n.Tag == "!!null" {
		return ""
	}
	return n.Value
}

// fileList returns the paths of a file listing. ok is false when n is not a
// sequence or any item is not a path; the paths that are present are
// returned either way.
func fileList(n *yaml.Node) (files []string, ok bool) {
	if n.Kind != yaml.SequenceNode {
		return nil, false
	}
	ok = true
	for _, item := range n.Content {
		if item.Kind != yaml.ScalarNode || item.Tag == "!!null" || item.Value == "" {
			ok = false
			continue
		}
		files = append(files, item.Value)
	}
	return files, ok
}

// clone returns a manifest safe for callers to mutate
func (d *document) clone() *domain.ServiceManifest {
	m := d.manifest
	m.Files = make(map[domain.DataType][]string, len(d.manifest.Files))
	for dt, files := range d.manifest.Files {
		m.Files[dt] = append([]string(nil), files...)
	}
	return &m
}

// DocumentCache keeps decoded manifest documents keyed by file path. Entries
// are reused only while the file's modification time and size are unchanged.
type DocumentCache struct {
	cache    *lru.Cache[string, cachedDocument]
	capacity int

	hits   atomic.Int64
	misses atomic.Int64
}

type cachedDocument struct {
	modTime time.Time
	size    int64
	doc     *document
}

// NewDocumentCache creates a document cache holding at most size entries
func NewDocumentCache(size int) (*DocumentCache, error) {
	if size <= 0 {
		size = 1000
	}
	cache, err := lru.New[string, cachedDocument](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &DocumentCache{cache: cache, capacity: size}, nil
}

func (c *DocumentCache) get(path string, info fs.FileInfo) (*document, bool) {
	entry, ok := c.cache.Get(path)
	if !ok || !entry.modTime.Equal(info.ModTime()) || entry.size != info.Size() {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return entry.doc, true
}

func (c *DocumentCache) add(path string, info fs.FileInfo, doc *document) {
	c.cache.Add(path, cachedDocument{modTime: info.ModTime(), size: info.Size(), doc: doc})
}

func (c *DocumentCache) remove(path string) {
	c.cache.Remove(path)
}

// Purge drops every cached document
func (c *DocumentCache) Purge() {
	c.cache.Purge()
	c.hits.Store(0)
	c.misses.Store(0)
}

// Stats returns current cache statistics
func (c *DocumentCache) Stats() *domain.CacheStats {
	hits := c.hits.Load()
	total := hits + c.misses.Load()

	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return &domain.CacheStats{
		Size:     c.cache.Len(),
		Capacity: c.capacity,
		HitRate:  hitRate,
	}
}
