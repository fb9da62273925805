// Package sandbox tracks execution environments for workflow handlers that
// need one. The runtime never runs containers itself; a Driver supplied by
// the host application creates and destroys the real environment, and the
// Manager does the bookkeeping: reference counts, per-execution workspace
// directories, and debounced health checks with lazy recreation.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	polos "github.com/polos-ai/polos-go"
)

// Driver creates, probes, and destroys execution environments. Docker, E2B,
// or a no-op local driver all fit behind this interface.
type Driver interface {
	// Create provisions the environment for id with the given workspace
	// directory mounted or synced into it.
	Create(ctx context.Context, id, workspace string) error
	// Healthy reports whether the environment for id is still usable.
	Healthy(ctx context.Context, id string) bool
	// Destroy tears the environment down. Destroying an unknown id is not
	// an error.
	Destroy(ctx context.Context, id string) error
}

// Health probes are debounced: a box checked less than this long ago is
// trusted without asking the driver again.
const minHealthInterval = 30 * time.Second

// Box is one tracked environment, keyed by execution id. ID and Workspace
// are fixed at creation and safe to read concurrently.
type Box struct {
	id        string
	workspace string

	// guarded by the owning Manager's mutex
	refs      int
	lastProbe time.Time
}

// ID returns the execution id the box belongs to.
func (b *Box) ID() string { return b.id }

// Workspace returns the box's workspace directory.
func (b *Box) Workspace() string { return b.workspace }

// Manager tracks live boxes. Boxes stay warm after the last detach and are
// only torn down by Remove or Close; a box found dead by a health probe is
// recreated on that attach.
type Manager struct {
	driver   Driver
	root     string
	interval time.Duration
	log      *polos.Logger
	now      func() time.Time

	mu    sync.Mutex
	boxes map[string]*Box
}

// Option configures a Manager.
type Option func(*Manager)

// WithWorkspacesDir sets the root directory for per-execution workspaces.
func WithWorkspacesDir(dir string) Option {
	return func(m *Manager) { m.root = dir }
}

// WithHealthInterval sets the minimum time between health probes of the same
// box. Values below 30s are raised to 30s.
func WithHealthInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d < minHealthInterval {
			d = minHealthInterval
		}
		m.interval = d
	}
}

// WithLogger sets the manager's logger.
func WithLogger(log *polos.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// NewManager builds a Manager around driver. The workspace root defaults to
// POLOS_WORKSPACES_DIR, falling back to ~/polos-workspaces.
func NewManager(driver Driver, opts ...Option) *Manager {
	m := &Manager{
		driver:   driver,
		root:     defaultWorkspacesDir(),
		interval: minHealthInterval,
		log:      polos.NopLogger(),
		now:      time.Now,
		boxes:    make(map[string]*Box),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func defaultWorkspacesDir() string {
	if dir := os.Getenv("POLOS_WORKSPACES_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return filepath.Join(home, "polos-workspaces")
}

// Attach returns the box for executionID, creating it on first use. An
// existing box whose last probe is older than the health interval is checked
// and, if dead, destroyed and recreated before being handed out. The caller
// must balance every Attach with a Detach.
func (m *Manager) Attach(ctx context.Context, executionID string) (*Box, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.boxes[executionID]
	if !ok {
		workspace := filepath.Join(m.root, executionID)
		if err := os.MkdirAll(workspace, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace: %w", err)
		}
		if err := m.driver.Create(ctx, executionID, workspace); err != nil {
			return nil, fmt.Errorf("create sandbox: %w", err)
		}
		b = &Box{id: executionID, workspace: workspace, lastProbe: m.now()}
		m.boxes[executionID] = b
		m.log.Debug("sandbox created", "execution_id", executionID, "workspace", workspace)
	} else if m.now().Sub(b.lastProbe) >= m.interval {
		b.lastProbe = m.now()
		if !m.driver.Healthy(ctx, executionID) {
			m.log.Warn("sandbox dead, recreating", "execution_id", executionID)
			_ = m.driver.Destroy(ctx, executionID)
			if err := m.driver.Create(ctx, executionID, b.workspace); err != nil {
				delete(m.boxes, executionID)
				return nil, fmt.Errorf("recreate sandbox: %w", err)
			}
		}
	}

	b.refs++
	return b, nil
}

// Detach releases one reference. The box stays warm at zero references so a
// later attach can reuse it.
func (m *Manager) Detach(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.boxes[executionID]; ok && b.refs > 0 {
		b.refs--
	}
}

// Refs reports the current reference count for executionID, zero if the box
// is unknown.
func (m *Manager) Refs(executionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.boxes[executionID]; ok {
		return b.refs
	}
	return 0
}

// Remove destroys the box for executionID and deletes its workspace
// directory. Removing an unknown id is a no-op.
func (m *Manager) Remove(ctx context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.boxes[executionID]
	if !ok {
		return nil
	}
	delete(m.boxes, executionID)
	err := m.driver.Destroy(ctx, executionID)
	if rmErr := os.RemoveAll(b.workspace); err == nil {
		err = rmErr
	}
	return err
}

// Close destroys every tracked box regardless of reference count. Workspace
// directories are left in place for postmortems.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for id := range m.boxes {
		if err := m.driver.Destroy(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("destroy %s: %w", id, err))
		}
	}
	m.boxes = make(map[string]*Box)
	return errors.Join(errs...)
}
