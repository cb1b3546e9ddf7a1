// Package fsutil holds the file copy and walk helpers shared by the manifest
// store, the archive builder and the deletion coordinator.
//
// Callers choose their own failure policy: these helpers only report errors.
package fsutil

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/metarepo/server/internal/domain"
)

// CopyFile copies src to dst, creating parent directories of dst. When
// overwrite is false and dst exists, it returns an error wrapping
// domain.ErrConflict and leaves dst untouched.
func CopyFile(src, dst string, overwrite bool) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", dst, err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}
	if info.IsDir() {
		return fmt.Errorf("cannot copy directory %s as a file", src)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}

	out, err := os.OpenFile(dst, flags, info.Mode().Perm())
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: file %s already exists", domain.ErrConflict, dst)
		}
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	return out.Close()
}

// CopyTree recursively copies the directory src to dst, which must not exist.
// Symlinks are recreated, not followed.
func CopyTree(src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("%w: destination %s already exists", domain.ErrConflict, dst)
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm()|0700)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			return CopyFile(path, target, false)
		}
	})
}

// WalkFiles returns the paths of all regular files below root, relative to
// root, slash separated and sorted.
func WalkFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// SafeJoin joins a client supplied relative path onto root and rejects paths
// that would escape it.
func SafeJoin(root, rel string) (string, error) {
	rel = strings.TrimPrefix(filepath.FromSlash(rel), string(filepath.Separator))
	if rel == "" {
		return root, nil
	}
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: path %q escapes its root", domain.ErrValidation, rel)
	}
	return filepath.Join(root, rel), nil
}

// Exists reports whether path exists
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
