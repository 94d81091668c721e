// Package procmgr implements the Process Manager (spec §4.F): it tracks
// installed/running bundles and translates client RPCs into Bundle
// Builder operations.
package procmgr

import (
	"io"
	"sync"

	"github.com/distribution/reference"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/AmbiML/sparrowos-core/pkg/bundlebuilder"
	"github.com/AmbiML/sparrowos-core/pkg/coreerr"
	"github.com/AmbiML/sparrowos-core/pkg/sel4"
)

// Storage is the collaborator that verifies and persists package frames
// (spec's "storage layer"); internal/devstore provides a dev-time fake.
type Storage interface {
	Install(bundleID string, packageFrames []byte) error
	Uninstall(bundleID string) error
	Open(bundleID string) (io.Reader, error)
}

// Manager owns bundle_id -> *bundlebuilder.Bundle and drives install,
// uninstall, start, stop, and snapshot queries.
type Manager struct {
	log     *logrus.Logger
	builder *bundlebuilder.Builder
	storage Storage

	mu      sync.Mutex
	bundles map[string]*bundlebuilder.Bundle
}

// New constructs a Manager.
func New(log *logrus.Logger, builder *bundlebuilder.Builder, storage Storage) *Manager {
	return &Manager{
		log:     log,
		builder: builder,
		storage: storage,
		bundles: make(map[string]*bundlebuilder.Bundle),
	}
}

// validateID rejects package names the reference grammar can't parse
// (spec §4.F expansion, SPEC_FULL.md §3.F).
func validateID(bundleID string) error {
	if _, err := reference.ParseNormalizedNamed(bundleID); err != nil {
		return errors.Wrapf(coreerr.ErrBundleIDInvalid, "%s: %v", bundleID, err)
	}
	return nil
}

// Install forwards packageFrames to storage for verification and, on
// success, registers a new Bundle in state Stopped.
func (m *Manager) Install(bundleID string, packageFrames []byte) error {
	return m.install(bundleID, packageFrames, 0)
}

// InstallApp is install's counterpart for application-class bundles
// (spec names both install and install_app; they share behavior here
// modulo the memory-size hint recorded on the Bundle).
func (m *Manager) InstallApp(bundleID string, packageFrames []byte, memorySize uint64) error {
	return m.install(bundleID, packageFrames, memorySize)
}

func (m *Manager) install(bundleID string, packageFrames []byte, memorySize uint64) error {
	if err := validateID(bundleID); err != nil {
		return err
	}
	if err := m.storage.Install(bundleID, packageFrames); err != nil {
		return errors.Wrap(coreerr.ErrInstallFailed, err.Error())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.bundles[bundleID]; exists {
		// Diagnostic only: storage is expected to have already rejected a
		// conflicting re-install (spec §4.F).
		m.log.Errorf("procmgr: bundle %s already registered after storage accepted install", bundleID)
		return coreerr.ErrBundleFound
	}
	m.bundles[bundleID] = &bundlebuilder.Bundle{
		AppID:      bundleID,
		MemorySize: memorySize,
		State:      bundlebuilder.Stopped,
	}
	return nil
}

// Uninstall rejects a Running bundle, otherwise deletes the record and
// forwards to storage.
func (m *Manager) Uninstall(bundleID string) error {
	m.mu.Lock()
	b, ok := m.bundles[bundleID]
	if !ok {
		m.mu.Unlock()
		return coreerr.ErrBundleNotFound
	}
	if b.State == bundlebuilder.Running {
		m.mu.Unlock()
		return coreerr.ErrBundleRunning
	}
	delete(m.bundles, bundleID)
	m.mu.Unlock()

	if err := m.storage.Uninstall(bundleID); err != nil {
		return errors.Wrap(coreerr.ErrUninstallFailed, err.Error())
	}
	return nil
}

// Start transitions Stopped -> Running via the Bundle Builder.
func (m *Manager) Start(bundleID string, faultEP, sdkEndpoint sel4.CapIndex) error {
	m.mu.Lock()
	b, ok := m.bundles[bundleID]
	m.mu.Unlock()
	if !ok {
		return coreerr.ErrBundleNotFound
	}

	factory := func() (io.Reader, error) { return m.storage.Open(bundleID) }
	if err := m.builder.Start(b, factory, faultEP, sdkEndpoint); err != nil {
		return err
	}
	return nil
}

// Stop transitions Running -> Stopped.
func (m *Manager) Stop(bundleID string) error {
	m.mu.Lock()
	b, ok := m.bundles[bundleID]
	m.mu.Unlock()
	if !ok {
		return coreerr.ErrBundleNotFound
	}
	return m.builder.Stop(b)
}

// GetRunningBundles returns a snapshot of ids currently Running.
func (m *Manager) GetRunningBundles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, b := range m.bundles {
		if b.State == bundlebuilder.Running {
			ids = append(ids, id)
		}
	}
	return ids
}

// IsInstalled reports whether bundleID is known, regardless of state.
func (m *Manager) IsInstalled(bundleID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.bundles[bundleID]
	return ok
}
