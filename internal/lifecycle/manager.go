// Package lifecycle is the public façade of the control plane: it
// composes the metadata store, port allocator, process supervisor, and
// provisioner into create/get/list/start/stop/update/delete/tail-logs,
// owning all concurrency coordination between them.
package lifecycle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kvross/apphost/internal/logwriter"
	"github.com/kvross/apphost/internal/metastore"
	"github.com/kvross/apphost/internal/portpool"
	"github.com/kvross/apphost/internal/supervisor"
)

// Provisioner runs the startup pipeline for one app, invoked as a
// detached background task by dispatch. Satisfied by
// *provisioner.Provisioner in production and by a fake in tests.
type Provisioner interface {
	Run(appID string)
}

// Sentinel errors surfaced to the control-plane HTTP surface for status
// code translation.
var (
	ErrNotFound         = errors.New("lifecycle: app not found")
	ErrIdCollision      = errors.New("lifecycle: app id collision")
	ErrInvalidInput     = errors.New("lifecycle: invalid input")
	ErrConflictingState = errors.New("lifecycle: conflicting state")
)

const (
	requirementsFile = "requirements.txt"
	entryFile        = "app.py"
)

// Manager is the lifecycle façade. It is safe for concurrent use.
type Manager struct {
	store       *metastore.Store
	ports       *portpool.Allocator
	provisioner Provisioner
	appsDir     string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New builds a Manager. appsDir is the root directory each app gets a
// subdirectory under.
func New(store *metastore.Store, ports *portpool.Allocator, prov Provisioner, appsDir string) *Manager {
	return &Manager{
		store:       store,
		ports:       ports,
		provisioner: prov,
		appsDir:     appsDir,
		locks:       make(map[string]*sync.Mutex),
	}
}

// lockFor returns (creating if absent) the per-app-id mutex guarding all
// mutating operations and the background provisioner body for appID.
func (m *Manager) lockFor(appID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[appID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[appID] = l
	}
	return l
}

func (m *Manager) evictLock(appID string) {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	delete(m.locks, appID)
}

// Create mints a new app id, copies the staged manifest and entry script
// into the app directory, persists a starting record, and dispatches
// provisioning in the background.
func (m *Manager) Create(name, requirementsPath, entryPath string) (*metastore.Record, error) {
	if requirementsPath == "" || entryPath == "" {
		return nil, fmt.Errorf("%w: both requirements and entry script are required", ErrInvalidInput)
	}
	requirements, err := os.ReadFile(requirementsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read requirements: %v", ErrInvalidInput, err)
	}
	entry, err := os.ReadFile(entryPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read entry script: %v", ErrInvalidInput, err)
	}

	appID := newAppID()
	lock := m.lockFor(appID)
	lock.Lock()
	defer lock.Unlock()

	if m.store.Exists(appID) {
		return nil, fmt.Errorf("%w: %s", ErrIdCollision, appID)
	}

	appDir := m.appDir(appID)
	if err := os.MkdirAll(appDir, 0o755); err != nil {
		return nil, fmt.Errorf("lifecycle: create app dir: %w", err)
	}

	if err := writeFile(filepath.Join(appDir, requirementsFile), requirements); err != nil {
		return nil, err
	}
	if err := writeFile(filepath.Join(appDir, entryFile), entry); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := &metastore.Record{
		AppID:              appID,
		Name:               name,
		CreatedAt:          now,
		UpdatedAt:          now,
		Status:             metastore.StatusStarting,
		RequirementsDigest: digest(requirements),
		EntryDigest:        digest(entry),
	}
	// Port allocation failure is deliberately not surfaced here: the
	// provisioner re-resolves the port anyway, and an exhausted range is
	// captured on the record as a provisioning failure rather than
	// failing the create.
	if port, err := m.ports.Allocate(); err == nil {
		rec.Port = port
	}
	if err := m.store.Save(rec); err != nil {
		return nil, err
	}

	m.dispatch(appID)
	return rec, nil
}

// List loads every record, reconciles each against OS process state, and
// returns them sorted by CreatedAt descending.
func (m *Manager) List() ([]*metastore.Record, error) {
	recs, err := m.store.List()
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		m.reconcile(rec)
	}
	sortByCreatedDesc(recs)
	return recs, nil
}

// Get loads, reconciles, and returns a single record.
func (m *Manager) Get(appID string) (*metastore.Record, error) {
	rec, err := m.store.Load(appID)
	if err != nil {
		if errors.Is(err, metastore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, appID)
		}
		return nil, err
	}
	m.reconcile(rec)
	return rec, nil
}

// reconcile runs supervisor liveness reconciliation and persists any
// change.
func (m *Manager) reconcile(rec *metastore.Record) {
	if supervisor.RefreshStatus(rec) {
		rec.UpdatedAt = time.Now().UTC()
		_ = m.store.Save(rec)
	}
}

// Update performs stop → replace whichever files were provided → start.
// A failed re-provision after an update leaves the new files in place
// with status=failed.
func (m *Manager) Update(appID string, name *string, requirementsPath, entryPath string) (*metastore.Record, error) {
	lock := m.lockFor(appID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.store.Load(appID)
	if err != nil {
		if errors.Is(err, metastore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, appID)
		}
		return nil, err
	}

	m.stopLocked(rec)

	appDir := m.appDir(appID)
	if requirementsPath != "" {
		requirements, err := os.ReadFile(requirementsPath)
		if err != nil {
			return nil, fmt.Errorf("%w: read requirements: %v", ErrInvalidInput, err)
		}
		if err := writeFile(filepath.Join(appDir, requirementsFile), requirements); err != nil {
			return nil, err
		}
		rec.RequirementsDigest = digest(requirements)
	}
	if entryPath != "" {
		entry, err := os.ReadFile(entryPath)
		if err != nil {
			return nil, fmt.Errorf("%w: read entry script: %v", ErrInvalidInput, err)
		}
		if err := writeFile(filepath.Join(appDir, entryFile), entry); err != nil {
			return nil, err
		}
		rec.EntryDigest = digest(entry)
	}
	if name != nil && *name != "" {
		rec.Name = *name
	}

	rec.Error = ""
	rec.PID = 0
	if rec.Port == 0 || !m.ports.IsFree(rec.Port) {
		port, err := m.ports.Allocate()
		if err != nil {
			return nil, err
		}
		rec.Port = port
	}
	rec.Status = metastore.StatusStarting
	rec.UpdatedAt = time.Now().UTC()
	if err := m.store.Save(rec); err != nil {
		return nil, err
	}

	m.dispatch(appID)
	return rec, nil
}

// Stop reconciles, kills the process tree if one is recorded, and marks
// the app stopped. Idempotent.
func (m *Manager) Stop(appID string) (*metastore.Record, error) {
	lock := m.lockFor(appID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.store.Load(appID)
	if err != nil {
		if errors.Is(err, metastore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, appID)
		}
		return nil, err
	}
	m.reconcile(rec)
	m.stopLocked(rec)
	rec.UpdatedAt = time.Now().UTC()
	if err := m.store.Save(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// stopLocked assumes the caller already holds the per-app lock. It
// mutates rec in memory but does not persist — callers persist once,
// after any additional mutation of their own (e.g. Update).
func (m *Manager) stopLocked(rec *metastore.Record) {
	if rec.PID != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = supervisor.KillTree(ctx, rec.PID)
		cancel()
	}
	rec.PID = 0
	rec.Status = metastore.StatusStopped
}

// Start is a no-op if the app is already running with a live pid, and
// rejects an app whose provisioning is still in flight; otherwise it
// clears pid/error, re-resolves a port, and dispatches provisioning.
func (m *Manager) Start(appID string) (*metastore.Record, error) {
	lock := m.lockFor(appID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.store.Load(appID)
	if err != nil {
		if errors.Is(err, metastore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, appID)
		}
		return nil, err
	}
	m.reconcile(rec)

	if rec.Status == metastore.StatusRunning && rec.PID != 0 {
		return rec, nil
	}
	if rec.Status == metastore.StatusStarting {
		return nil, fmt.Errorf("%w: %s is still provisioning", ErrConflictingState, appID)
	}

	rec.PID = 0
	rec.Error = ""
	if rec.Port == 0 || !m.ports.IsFree(rec.Port) {
		port, err := m.ports.Allocate()
		if err != nil {
			return nil, err
		}
		rec.Port = port
	}
	rec.Status = metastore.StatusStarting
	rec.UpdatedAt = time.Now().UTC()
	if err := m.store.Save(rec); err != nil {
		return nil, err
	}

	m.dispatch(appID)
	return rec, nil
}

// Delete stops the app (ignoring NotFound) and recursively removes its
// directory.
func (m *Manager) Delete(appID string) error {
	lock := m.lockFor(appID)
	lock.Lock()

	rec, err := m.store.Load(appID)
	if err != nil && !errors.Is(err, metastore.ErrNotFound) {
		lock.Unlock()
		return err
	}
	if rec != nil {
		m.stopLocked(rec)
	}

	err = os.RemoveAll(m.appDir(appID))
	lock.Unlock()
	m.evictLock(appID)
	if err != nil {
		return fmt.Errorf("lifecycle: delete %s: %w", appID, err)
	}
	return nil
}

// TailLogs delegates to the log writer.
func (m *Manager) TailLogs(appID string, n int) (string, error) {
	if !m.store.Exists(appID) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, appID)
	}
	return logwriter.Tail(m.appDir(appID), n)
}

// dispatch runs the provisioner for appID as a detached background task.
// Cancellation is unnecessary: Stop kills the child directly, and the
// provisioner's underlying Wait simply observes the exit.
func (m *Manager) dispatch(appID string) {
	go func() {
		lock := m.lockFor(appID)
		lock.Lock()
		defer lock.Unlock()
		m.provisioner.Run(appID)
	}()
}

func (m *Manager) appDir(appID string) string {
	return filepath.Join(m.appsDir, appID)
}

func newAppID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func writeFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("lifecycle: write %s: %w", path, err)
	}
	return nil
}

func sortByCreatedDesc(recs []*metastore.Record) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
}
