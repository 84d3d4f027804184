package packages

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// untar unpacks a tar.gz archive into dir. Entries with absolute paths or
// parent-escaping segments are a fatal package error naming the entry.
func untar(archive, dir string) error {
	f, err := os.Open(archive)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return errors.WithStack(err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)

	for {
		h, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.WithStack(err)
		}

		if err := safeEntry(h.Name); err != nil {
			return err
		}

		target := filepath.Join(dir, h.Name)

		switch h.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(h.Mode)|0700); err != nil {
				return errors.WithStack(err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return errors.WithStack(err)
			}

			w, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(h.Mode))
			if err != nil {
				return errors.WithStack(err)
			}

			if _, err := io.Copy(w, tr); err != nil {
				w.Close()
				return errors.WithStack(err)
			}

			if err := w.Close(); err != nil {
				return errors.WithStack(err)
			}
		case tar.TypeSymlink:
			if err := safeEntry(filepath.Join(filepath.Dir(h.Name), h.Linkname)); err != nil {
				return err
			}

			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return errors.WithStack(err)
			}

			if err := os.Symlink(h.Linkname, target); err != nil {
				return errors.WithStack(err)
			}
		}
	}
}

func safeEntry(name string) error {
	if filepath.IsAbs(name) {
		return errors.Errorf("unsafe archive entry: %s", name)
	}

	clean := filepath.Clean(name)

	if clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return errors.Errorf("unsafe archive entry: %s", name)
	}

	return nil
}
