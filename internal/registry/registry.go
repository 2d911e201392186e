// Package registry owns the lifecycle of fitted models: ids are issued on
// insert, live models sit in a size- and TTL-bounded LRU cache, and their
// snapshots are persisted to a Store so listing and optimization survive
// eviction and restarts.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fractal-lba/mmm/internal/cache"
	"github.com/fractal-lba/mmm/internal/errs"
	"github.com/fractal-lba/mmm/internal/logging"
	"github.com/fractal-lba/mmm/internal/mmm"
)

// ErrNotResident means the record exists but its posterior is no longer in
// memory. Queries that need posterior draws must refit.
var ErrNotResident = fmt.Errorf("%w: posterior not resident, refit the model", errs.ErrNotFitted)

// NewID returns an 8-character model id.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Options bound the resident set.
type Options struct {
	Size int
	TTL  time.Duration
	// Gauge, if set, tracks the number of resident models.
	Gauge prometheus.Gauge
}

// Entry is a registered model. Model is nil when only the persisted
// snapshot survives.
type Entry struct {
	Record
	Model *mmm.Model
}

// Registry maps ids to fitted models.
type Registry struct {
	models *cache.LRU[string, *mmm.Model]
	store  Store
	ttl    time.Duration
	gauge  prometheus.Gauge
}

// New creates a registry over store.
func New(opts Options, store Store) (*Registry, error) {
	if opts.Size <= 0 {
		return nil, errs.Invalid("registry size must be positive, got %d", opts.Size)
	}
	r := &Registry{store: store, ttl: opts.TTL, gauge: opts.Gauge}
	models, err := cache.New[string, *mmm.Model](opts.Size, opts.TTL, func(id string, _ *mmm.Model) {
		log := logging.Component("registry")
		log.Debug().Str("model_id", id).Msg("model released from memory")
	})
	if err != nil {
		return nil, err
	}
	r.models = models
	return r, nil
}

func (r *Registry) observe() {
	if r.gauge != nil {
		r.gauge.Set(float64(r.models.Len()))
	}
}

// Add registers a fitted model under a fresh id.
func (r *Registry) Add(ctx context.Context, m *mmm.Model, datasetID string) (*Record, error) {
	snap, err := m.Snapshot()
	if err != nil {
		return nil, err
	}

	var id string
	for {
		id = NewID()
		if _, err := r.store.Get(ctx, id); errors.Is(err, ErrNotFound) {
			break
		} else if err != nil {
			return nil, err
		}
	}

	rec := &Record{
		ID:        id,
		DatasetID: datasetID,
		FittedAt:  snap.FittedAt,
		Channels:  snap.ChannelNames(),
		Snapshot:  snap,
	}
	if err := r.store.Put(ctx, rec, r.ttl); err != nil {
		return nil, fmt.Errorf("failed to persist model: %w", err)
	}
	r.models.Set(id, m)
	r.observe()

	log := logging.Component("registry")
	log.Info().Str("model_id", id).Str("dataset_id", datasetID).Strs("channels", rec.Channels).Msg("model registered")
	return rec, nil
}

// Get returns the entry for id. Entry.Model is nil if the posterior was
// evicted while the record is still stored. Entry.Snapshot is never nil.
func (r *Registry) Get(ctx context.Context, id string) (*Entry, error) {
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.models.Remove(id)
			r.observe()
		}
		return nil, err
	}
	if rec.Snapshot == nil {
		return nil, fmt.Errorf("%w: stored record %s has no snapshot", errs.ErrNotFitted, id)
	}
	m, _ := r.models.Get(id)
	return &Entry{Record: *rec, Model: m}, nil
}

// Model returns the resident model for id, or ErrNotResident.
func (r *Registry) Model(ctx context.Context, id string) (*mmm.Model, *Record, error) {
	e, err := r.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if e.Model == nil {
		return nil, &e.Record, ErrNotResident
	}
	return e.Model, &e.Record, nil
}

// List returns every stored record, newest first.
func (r *Registry) List(ctx context.Context) ([]*Record, error) {
	return r.store.List(ctx)
}

// Resident reports whether id's posterior is in memory.
func (r *Registry) Resident(id string) bool {
	_, ok := r.models.Peek(id)
	return ok
}

// Delete removes id from memory and from the store.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.models.Remove(id)
	r.observe()
	return r.store.Delete(ctx, id)
}

// Len is the number of resident models.
func (r *Registry) Len() int {
	return r.models.Len()
}

// Stats exposes the resident cache counters.
func (r *Registry) Stats() cache.Stats {
	return r.models.Stats()
}

// Sweep drops expired resident models and, for stores that support it,
// expired records.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	removed := r.models.CleanupExpired()
	r.observe()
	switch s := r.store.(type) {
	case *MemoryStore:
		_, err := s.CleanupExpired()
		return removed, err
	case *PostgresStore:
		_, err := s.CleanupExpired(ctx)
		return removed, err
	}
	return removed, nil
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	log := logging.Component("registry")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Sweep(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("registry sweep failed")
				continue
			}
			if n > 0 {
				log.Info().Int("removed", n).Msg("expired models swept")
			}
		}
	}
}

// Close purges resident models and closes the store.
func (r *Registry) Close() error {
	r.models.Purge()
	r.observe()
	return r.store.Close()
}
