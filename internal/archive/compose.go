package archive

import (
	"archive/tar"
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/gzip"
)

// gzipOSUnknown is the OS value for "unknown" in gzip headers (RFC 1952)
const gzipOSUnknown = 255

// epoch is the modification time written for every entry
var epoch = time.Unix(0, 0).UTC()

type treeEntry struct {
	name string // slash separated, relative to the tree root
	path string
	dir  bool
	mode fs.FileMode
	size int64
}

// Compose returns a gzip compressed tar of the tree at root. Entries are
// sorted by path and their headers normalised, so identical trees yield
// identical bytes.
func Compose(root string) ([]byte, error) {
	entries, err := collect(root)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("creating gzip writer: %w", err)
	}
	gw.ModTime = epoch
	gw.Name = ""
	gw.Comment = ""
	gw.OS = gzipOSUnknown

	tw := tar.NewWriter(gw)
	for _, e := range entries {
		if err := writeEntry(tw, e); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("closing tar writer: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

// ComposeToFile composes root and writes the archive to path
func ComposeToFile(root, path string) error {
	data, err := Compose(root)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing archive %s: %w", path, err)
	}
	return nil
}

// Fingerprint returns the hex encoded SHA-1 digest of an archive
func Fingerprint(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

func collect(root string) ([]treeEntry, error) {
	var entries []treeEntry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			entries = append(entries, treeEntry{name: filepath.ToSlash(rel) + "/", path: path, dir: true, mode: 0755})
		case info.Mode().IsRegular():
			entries = append(entries, treeEntry{
				name: filepath.ToSlash(rel),
				path: path,
				mode: info.Mode().Perm() | 0644,
				size: info.Size(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].name < entries[j].name
	})
	return entries, nil
}

func writeEntry(tw *tar.Writer, e treeEntry) error {
	hdr := &tar.Header{
		Name:    e.name,
		Mode:    int64(e.mode),
		ModTime: epoch,
		Format:  tar.FormatPAX,
	}
	if e.dir {
		hdr.Typeflag = tar.TypeDir
		return tw.WriteHeader(hdr)
	}

	hdr.Typeflag = tar.TypeReg
	hdr.Size = e.size
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing tar header for %s: %w", e.name, err)
	}

	f, err := os.Open(e.path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", e.path, err)
	}
	defer f.Close()

	if _, err := io.CopyN(tw, f, e.size); err != nil {
		return fmt.Errorf("writing tar content for %s: %w", e.name, err)
	}
	return nil
}
