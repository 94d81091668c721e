// Package devstore is a filesystem-backed package store standing in for
// the real security coordinator's bundle and model storage (spec §1's
// "package storage, invoked through a thin SecurityCoordinator
// interface"). It backs onto an afero.Fs the same way linuxUtils keeps a
// swappable appFs for unit testing, and uses godirwalk the way
// idShiftUtils walks a tree, here to enumerate installed bundle IDs
// rather than to chown them.
package devstore

import (
	"bytes"
	"io"
	"path/filepath"
	"sync"

	"github.com/karrick/godirwalk"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

const (
	bundleDir = "bundles"
	modelDir  = "models"
)

// Store is a filesystem-backed implementation of procmgr.Storage and
// mlcoord.SecurityCoordinator, rooted at a directory on fs.
type Store struct {
	fs   afero.Fs
	root string

	mu sync.Mutex
}

// New constructs a Store rooted at root on fs. Pass afero.NewOsFs() for a
// real deployment or afero.NewMemMapFs() for tests, the same swap
// linuxUtils makes for its appFs.
func New(fs afero.Fs, root string) (*Store, error) {
	s := &Store{fs: fs, root: root}
	if err := s.fs.MkdirAll(filepath.Join(root, bundleDir), 0o755); err != nil {
		return nil, errors.Wrap(err, "devstore: create bundle dir")
	}
	if err := s.fs.MkdirAll(filepath.Join(root, modelDir), 0o755); err != nil {
		return nil, errors.Wrap(err, "devstore: create model dir")
	}
	return s, nil
}

func (s *Store) bundlePath(bundleID string) string {
	return filepath.Join(s.root, bundleDir, bundleID+".bundle")
}

// Install writes packageFrames under bundleID, failing if one is already
// installed (procmgr.Storage).
func (s *Store) Install(bundleID string, packageFrames []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.bundlePath(bundleID)
	if exists, _ := afero.Exists(s.fs, path); exists {
		return errors.Errorf("devstore: bundle %q already installed", bundleID)
	}
	return errors.Wrap(afero.WriteFile(s.fs, path, packageFrames, 0o644), "devstore: install")
}

// Uninstall removes bundleID's stored package (procmgr.Storage).
func (s *Store) Uninstall(bundleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.bundlePath(bundleID)
	if exists, _ := afero.Exists(s.fs, path); !exists {
		return errors.Errorf("devstore: bundle %q not installed", bundleID)
	}
	return errors.Wrap(s.fs.Remove(path), "devstore: uninstall")
}

// Open returns a reader over bundleID's stored package (procmgr.Storage).
func (s *Store) Open(bundleID string) (io.Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := afero.ReadFile(s.fs, s.bundlePath(bundleID))
	if err != nil {
		return nil, errors.Wrapf(err, "devstore: open bundle %q", bundleID)
	}
	return bytes.NewReader(data), nil
}

// PutModelImage stores a model image under its content digest, the write
// side of ReadModelImage. Real deployments provision this out of band;
// it exists here purely so tests can seed images.
func (s *Store) PutModelImage(id digest.Digest, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return errors.Wrap(
		afero.WriteFile(s.fs, filepath.Join(s.root, modelDir, id.Encoded()), data, 0o644),
		"devstore: put model image",
	)
}

// ReadModelImage returns a reader over the model image named by id
// (mlcoord.SecurityCoordinator).
func (s *Store) ReadModelImage(id digest.Digest) (io.Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := afero.ReadFile(s.fs, filepath.Join(s.root, modelDir, id.Encoded()))
	if err != nil {
		return nil, errors.Wrapf(err, "devstore: read model image %s", id)
	}
	return bytes.NewReader(data), nil
}

// ListBundles enumerates installed bundle IDs by walking the bundle
// directory, mirroring idShiftUtils' use of godirwalk to traverse a
// package tree.
func (s *Store) ListBundles() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := filepath.Join(s.root, bundleDir)
	var ids []string

	// godirwalk.Walk operates on the real filesystem; when fs is an
	// in-memory afero.Fs (as in tests) fall back to afero's own
	// directory listing instead.
	if _, ok := s.fs.(*afero.OsFs); !ok {
		infos, err := afero.ReadDir(s.fs, base)
		if err != nil {
			return nil, errors.Wrap(err, "devstore: list bundles")
		}
		for _, fi := range infos {
			ids = append(ids, bundleIDFromFilename(fi.Name()))
		}
		return ids, nil
	}

	err := godirwalk.Walk(base, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if path == base || de.IsDir() {
				return nil
			}
			ids = append(ids, bundleIDFromFilename(filepath.Base(path)))
			return nil
		},
		Unsorted: false,
	})
	if err != nil {
		return nil, errors.Wrap(err, "devstore: walk bundle dir")
	}
	return ids, nil
}

func bundleIDFromFilename(name string) string {
	const suffix = ".bundle"
	if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
		return name[:len(name)-len(suffix)]
	}
	return name
}
