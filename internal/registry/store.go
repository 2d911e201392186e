package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/fractal-lba/mmm/internal/config"
	"github.com/fractal-lba/mmm/internal/mmm"
)

// ErrNotFound is returned for an unknown or expired model id.
var ErrNotFound = errors.New("model not found")

// Record is the persisted form of a registered model: its metadata and the
// point-estimate snapshot. The posterior itself is not persisted.
type Record struct {
	ID        string        `json:"model_id"`
	DatasetID string        `json:"dataset_id,omitempty"`
	FittedAt  time.Time     `json:"fitted_at"`
	Channels  []string      `json:"channels"`
	Snapshot  *mmm.Snapshot `json:"snapshot"`
	ExpiresAt time.Time     `json:"expires_at,omitempty"`
}

func (r *Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Store persists model records.
type Store interface {
	// Put stores rec, replacing any record with the same id. ttl == 0 keeps
	// it until deleted.
	Put(ctx context.Context, rec *Record, ttl time.Duration) error

	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// List returns every live record.
	List(ctx context.Context) ([]*Record, error)

	// Delete removes the record or returns ErrNotFound.
	Delete(ctx context.Context, id string) error

	Close() error
}

// OpenStore builds the backend named by cfg.Backend.
func OpenStore(ctx context.Context, cfg config.RegistryConfig) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(cfg.SnapshotPath)
	case "redis":
		return NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	case "postgres":
		return NewPostgresStore(ctx, cfg.PostgresURL)
	default:
		return nil, fmt.Errorf("unknown registry backend %q", cfg.Backend)
	}
}

func sortByFitTime(recs []*Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].FittedAt.Equal(recs[j].FittedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].FittedAt.After(recs[j].FittedAt)
	})
}

// MemoryStore keeps records in a map, optionally mirrored to a JSON file so
// they survive a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*Record
	snapshot string
	now      func() time.Time
}

// NewMemoryStore loads snapshotPath if it exists. An empty path disables
// persistence.
func NewMemoryStore(snapshotPath string) (*MemoryStore, error) {
	m := &MemoryStore{
		records:  make(map[string]*Record),
		snapshot: snapshotPath,
		now:      time.Now,
	}
	if snapshotPath != "" {
		if err := m.loadSnapshot(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *MemoryStore) Put(ctx context.Context, rec *Record, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	if ttl > 0 {
		cp.ExpiresAt = m.now().Add(ttl)
	}
	m.records[rec.ID] = &cp
	return m.saveSnapshot()
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok || rec.expired(m.now()) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		if !rec.expired(now) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sortByFitTime(out)
	return out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.records, id)
	return m.saveSnapshot()
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveSnapshot()
}

// CleanupExpired drops expired records and returns how many it removed.
func (m *MemoryStore) CleanupExpired() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for id, rec := range m.records {
		if rec.expired(now) {
			delete(m.records, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, m.saveSnapshot()
}

func (m *MemoryStore) loadSnapshot() error {
	data, err := os.ReadFile(m.snapshot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var recs map[string]*Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return fmt.Errorf("failed to unmarshal registry snapshot: %w", err)
	}
	now := m.now()
	for id, rec := range recs {
		if !rec.expired(now) {
			m.records[id] = rec
		}
	}
	return nil
}

// saveSnapshot writes live records; the caller holds the write lock.
func (m *MemoryStore) saveSnapshot() error {
	if m.snapshot == "" {
		return nil
	}
	now := m.now()
	live := make(map[string]*Record, len(m.records))
	for id, rec := range m.records {
		if !rec.expired(now) {
			live[id] = rec
		}
	}
	data, err := json.MarshalIndent(live, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry snapshot: %w", err)
	}
	tmp := m.snapshot + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, m.snapshot)
}
