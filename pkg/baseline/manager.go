package baseline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TheEntropyCollective/autotune/pkg/logging"
	"github.com/TheEntropyCollective/autotune/pkg/optimizer"
	"github.com/TheEntropyCollective/autotune/pkg/scaling"
)

// ErrNotFound is returned when no baseline with the requested name exists.
var ErrNotFound = errors.New("baseline not found")

// Manager persists named baselines as JSON files under a single directory.
type Manager struct {
	dir    string
	mu     sync.Mutex
	logger *logging.Logger
}

// NewManager creates a baseline manager rooted at dir, creating it if needed.
func NewManager(dir string, logger *logging.Logger) (*Manager, error) {
	if dir == "" {
		return nil, fmt.Errorf("baseline directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create baseline directory: %w", err)
	}
	if logger == nil {
		logger = logging.GetGlobalLogger().WithComponent("baseline")
	}

	return &Manager{dir: dir, logger: logger}, nil
}

// Save stores a new baseline under name, capturing host facts alongside the
// report. An existing baseline with the same name is overwritten.
func (m *Manager) Save(name string, report *scaling.Report, perf *optimizer.PerformanceSummary) (*Baseline, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if report == nil {
		return nil, fmt.Errorf("baseline report is required")
	}

	base := &Baseline{
		ID:          uuid.NewString(),
		Name:        name,
		CreatedAt:   time.Now().UTC(),
		System:      CollectSystemInfo(),
		Report:      report,
		Performance: perf,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := json.MarshalIndent(base, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal baseline: %w", err)
	}
	if err := os.WriteFile(m.baselineFile(name), data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write baseline file: %w", err)
	}

	m.logger.Info("baseline saved", map[string]interface{}{
		"name": name,
		"id":   base.ID,
	})

	return base, nil
}

// Load reads the named baseline from disk.
func (m *Manager) Load(name string) (*Baseline, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(name)
}

func (m *Manager) loadLocked(name string) (*Baseline, error) {
	data, err := os.ReadFile(m.baselineFile(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to read baseline file: %w", err)
	}

	var base Baseline
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("failed to unmarshal baseline %s: %w", name, err)
	}

	return &base, nil
}

// List returns every stored baseline, sorted by the directory's file order.
// Unreadable entries are skipped with a warning rather than failing the list.
func (m *Manager) List() ([]*Baseline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read baseline directory: %w", err)
	}

	baselines := make([]*Baseline, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".json")
		base, err := m.loadLocked(name)
		if err != nil {
			m.logger.Warn("skipping unreadable baseline", map[string]interface{}{
				"name":  name,
				"error": err.Error(),
			})
			continue
		}
		baselines = append(baselines, base)
	}

	return baselines, nil
}

// Delete removes the named baseline. Deleting a missing baseline returns
// ErrNotFound.
func (m *Manager) Delete(name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.baselineFile(name)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("failed to delete baseline file: %w", err)
	}

	return nil
}

// Compare scores a current scalability report against the named baseline.
func (m *Manager) Compare(name string, current *scaling.Report) (*ComparisonReport, error) {
	if current == nil {
		return nil, fmt.Errorf("current report is required")
	}

	base, err := m.Load(name)
	if err != nil {
		return nil, err
	}
	if base.Report == nil {
		return nil, fmt.Errorf("baseline %s has no report", name)
	}

	return compareReports(base, current), nil
}

func (m *Manager) baselineFile(name string) string {
	return filepath.Join(m.dir, name+".json")
}

// validateName keeps baseline names usable as file names and blocks path
// traversal.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("baseline name is required")
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return fmt.Errorf("invalid baseline name %q: only letters, digits, '-', '_' and '.' are allowed", name)
		}
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("invalid baseline name %q", name)
	}
	return nil
}
