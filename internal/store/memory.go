package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/JonMunkholm/stockimport/internal/core"
)

// Memory is a process-local store. Nothing survives a restart; it backs
// development servers and tests.
type Memory struct {
	mu      sync.RWMutex
	records map[string]map[core.Reference]map[string]any
	jobs    map[string]core.Job
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]map[core.Reference]map[string]any),
		jobs:    make(map[string]core.Job),
	}
}

// WriteRecord stores rec for tenantID, creating missing reference
// placeholders first.
func (m *Memory) WriteRecord(ctx context.Context, tenantID string, rec core.Record, opts core.WriteOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tenant := m.records[tenantID]
	if tenant == nil {
		tenant = make(map[core.Reference]map[string]any)
		m.records[tenantID] = tenant
	}

	ref := core.Reference{Type: rec.Type, Key: recordKey(rec)}
	if _, exists := tenant[ref]; exists && !opts.Overwrite {
		return fmt.Errorf("%w: %s %q", ErrDuplicate, rec.Type, rec.Key)
	}

	change, isMovement, err := movementEffect(rec)
	if err != nil {
		return err
	}

	// Check before mutating so a failed write leaves no placeholders behind.
	product := core.Reference{Type: core.ImportProducts}
	if isMovement {
		product.Key = change.SKU
		_, exists := tenant[product]
		if !exists && !referenced(rec.MissingReferences, product) {
			return fmt.Errorf("%w: %q", ErrUnknownProduct, change.SKU)
		}
	}

	for _, missing := range rec.MissingReferences {
		if _, ok := tenant[missing]; !ok {
			tenant[missing] = map[string]any{}
		}
	}
	tenant[ref] = clone(rec.Fields)

	if isMovement {
		fields := tenant[product]
		current, _ := asInt(fields["stock_quantity"])
		if change.Set {
			current = 0
		}
		fields["stock_quantity"] = current + change.Delta
	}
	return nil
}

func referenced(refs []core.Reference, ref core.Reference) bool {
	for _, r := range refs {
		if r == ref {
			return true
		}
	}
	return false
}

// Exists reports whether ref has been stored for tenantID.
func (m *Memory) Exists(_ context.Context, tenantID string, ref core.Reference) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[tenantID][ref]
	return ok, nil
}

// Fields returns a copy of the stored fields of ref.
func (m *Memory) Fields(tenantID string, ref core.Reference) (map[string]any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.records[tenantID][ref]
	if !ok {
		return nil, false
	}
	return clone(f), true
}

// Count returns the number of stored records of one type for tenantID.
func (m *Memory) Count(tenantID string, t core.ImportType) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for ref := range m.records[tenantID] {
		if ref.Type == t {
			n++
		}
	}
	return n
}

// SaveJob archives job, replacing any earlier copy.
func (m *Memory) SaveJob(_ context.Context, job core.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return nil
}

// LoadJob returns an archived job or core.ErrNotFound.
func (m *Memory) LoadJob(_ context.Context, id string) (core.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return core.Job{}, core.ErrNotFound
	}
	return job, nil
}

// Close is a no-op so Memory satisfies the same lifecycle as the SQL stores.
func (m *Memory) Close() error { return nil }
