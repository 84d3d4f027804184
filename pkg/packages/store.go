// Package packages maintains the local content-addressed store of installed
// product packages.
//
// Layout:
//
//	<root>/<product>-<version>/            installed tree (atomic rename)
//	<root>/_download/<product>-<version>.tar.gz   cached archive
//	<root>/_download/<name>.tar.gz.partial        in-flight download
//	<root>/_download/.stage-<name>-<pid>-<rand>/  extraction staging
package packages

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/convox/logger"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stackable/agent/pkg/structs"
	"golang.org/x/sync/singleflight"
)

const downloadDir = "_download"

// Fetcher streams the archive for a package into w. Implemented by
// repository.Index.
type Fetcher interface {
	ResolveAndFetch(ctx context.Context, pkg structs.Package, w io.Writer) error
}

type Store struct {
	Root    string
	Fetcher Fetcher

	flight  singleflight.Group
	logger  *logger.Logger
	workers chan struct{}
}

func NewStore(root string, fetcher Fetcher) *Store {
	return &Store{
		Root:    root,
		Fetcher: fetcher,
		logger:  logger.New("ns=packages"),
		workers: make(chan struct{}, 4),
	}
}

// Installed reports whether the package tree is already present.
func (s *Store) Installed(pkg structs.Package) bool {
	fi, err := os.Stat(s.InstallPath(pkg))

	return err == nil && fi.IsDir()
}

func (s *Store) InstallPath(pkg structs.Package) string {
	return filepath.Join(s.Root, pkg.Name())
}

func (s *Store) archivePath(pkg structs.Package) string {
	return filepath.Join(s.Root, downloadDir, pkg.Archive())
}

// Ensure downloads, extracts and installs the package unless it is already
// installed, and returns the install path. Concurrent calls for the same
// package coalesce to a single install.
func (s *Store) Ensure(ctx context.Context, pkg structs.Package) (string, error) {
	v, err, _ := s.flight.Do(pkg.Name(), func() (interface{}, error) {
		return s.ensure(ctx, pkg)
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

func (s *Store) ensure(ctx context.Context, pkg structs.Package) (string, error) {
	log := s.logger.At("Ensure").Namespace("package=%s", pkg)

	target := s.InstallPath(pkg)

	if s.Installed(pkg) {
		return target, nil
	}

	archive := s.archivePath(pkg)

	if _, err := os.Stat(archive); err != nil {
		if err := s.download(ctx, pkg); err != nil {
			return "", log.Error(err)
		}
	}

	if err := ctx.Err(); err != nil {
		return "", log.Error(err)
	}

	stage := filepath.Join(s.Root, downloadDir, fmt.Sprintf(".stage-%s-%d-%s", pkg.Name(), os.Getpid(), uuid.New().String()[:8]))

	if err := s.extract(ctx, pkg, archive, stage, target); err != nil {
		os.RemoveAll(stage)
		return "", log.Error(err)
	}

	log.Successf("path=%s", target)

	return target, nil
}

func (s *Store) download(ctx context.Context, pkg structs.Package) error {
	archive := s.archivePath(pkg)
	partial := archive + ".partial"

	if err := os.MkdirAll(filepath.Dir(archive), 0755); err != nil {
		return errors.WithStack(err)
	}

	f, err := os.Create(partial)
	if err != nil {
		return errors.WithStack(err)
	}

	if err := s.Fetcher.ResolveAndFetch(ctx, pkg, f); err != nil {
		f.Close()
		os.Remove(partial)
		return err
	}

	if err := f.Close(); err != nil {
		os.Remove(partial)
		return errors.WithStack(err)
	}

	if err := os.Rename(partial, archive); err != nil {
		os.Remove(partial)
		return errors.WithStack(err)
	}

	return nil
}

// extract unpacks the archive into stage, validates that it produced exactly
// one top-level directory named after the package, and renames it into
// place. A failed extract leaves any prior installation untouched.
func (s *Store) extract(ctx context.Context, pkg structs.Package, archive, stage, target string) error {
	select {
	case s.workers <- struct{}{}:
		defer func() { <-s.workers }()
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := os.MkdirAll(stage, 0755); err != nil {
		return errors.WithStack(err)
	}

	if err := untar(archive, stage); err != nil {
		return err
	}

	entries, err := os.ReadDir(stage)
	if err != nil {
		return errors.WithStack(err)
	}

	if len(entries) != 1 || !entries[0].IsDir() || entries[0].Name() != pkg.Name() {
		return errors.Errorf("archive for %s must contain exactly one top-level directory named %s", pkg, pkg.Name())
	}

	if err := os.Rename(filepath.Join(stage, pkg.Name()), target); err != nil {
		return errors.WithStack(err)
	}

	os.RemoveAll(stage)

	return nil
}

// Remove deletes the installed tree. The cached archive is kept.
func (s *Store) Remove(pkg structs.Package) error {
	log := s.logger.At("Remove").Namespace("package=%s", pkg)

	if err := os.RemoveAll(s.InstallPath(pkg)); err != nil {
		return log.Error(errors.WithStack(err))
	}

	log.Success()

	return nil
}
