package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
)

// Core tests register their own definitions; the production rule sets live
// in internal/core/imports, which imports this package.
func init() {
	Register(ImportDefinition{
		Type:     ImportSuppliers,
		Label:    "Suppliers",
		KeyField: "code",
		Fields: []FieldRule{
			{Name: "code", Type: FieldCode, Required: true, Unique: true, MaxLength: 32},
			{Name: "name", Type: FieldText, Required: true, MaxLength: 255},
			{Name: "email", Type: FieldEmail},
		},
	})
	Register(ImportDefinition{
		Type:     ImportProducts,
		Label:    "Products",
		KeyField: "sku",
		Fields: []FieldRule{
			{Name: "sku", Type: FieldCode, Required: true, Unique: true, MaxLength: 64},
			{Name: "name", Type: FieldText, Required: true, MaxLength: 255},
			{Name: "unit_price", Type: FieldDecimal, Required: true, Min: Bound(0)},
			{Name: "stock_quantity", Type: FieldInteger, Min: Bound(0)},
			{Name: "unit", Type: FieldEnum, EnumValues: []string{"unit", "kg", "box"}},
			{Name: "supplier_code", Type: FieldCode, References: ImportSuppliers},
		},
	})
	Register(ImportDefinition{
		Type:  ImportMovements,
		Label: "Stock movements",
		Fields: []FieldRule{
			{Name: "product_sku", Type: FieldCode, Required: true, References: ImportProducts},
			{Name: "movement_type", Type: FieldEnum, Required: true, EnumValues: []string{"in", "out"}},
			{Name: "quantity", Type: FieldInteger, Required: true, Min: Bound(1)},
			{Name: "movement_date", Type: FieldDate},
		},
	})
}

// memStore is an in-memory Store.
type memStore struct {
	mu       sync.Mutex
	records  map[string]map[Reference]Record
	jobs     map[string]Job
	failKeys map[string]error // WriteRecord fails for these record keys
	writes   int
	panicOn  string // WriteRecord panics for this key
}

func newMemStore() *memStore {
	return &memStore{
		records:  make(map[string]map[Reference]Record),
		jobs:     make(map[string]Job),
		failKeys: make(map[string]error),
	}
}

func (s *memStore) WriteRecord(_ context.Context, tenantID string, rec Record, opts WriteOptions) error {
	if rec.Key != "" && rec.Key == s.panicOn {
		panic("writer exploded")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.failKeys[rec.Key]; ok {
		return err
	}
	if s.records[tenantID] == nil {
		s.records[tenantID] = make(map[Reference]Record)
	}
	for _, ref := range rec.MissingReferences {
		s.records[tenantID][ref] = Record{Type: ref.Type, Key: ref.Key}
	}
	key := rec.Key
	if key == "" {
		key = fmt.Sprintf("#%d", s.writes)
	}
	ref := Reference{Type: rec.Type, Key: key}
	if _, exists := s.records[tenantID][ref]; exists && !opts.Overwrite {
		return errors.New("duplicate key value")
	}
	s.records[tenantID][ref] = rec
	s.writes++
	return nil
}

func (s *memStore) Exists(_ context.Context, tenantID string, ref Reference) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[tenantID][ref]
	return ok, nil
}

func (s *memStore) SaveJob(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *memStore) LoadJob(_ context.Context, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return job, nil
}

func (s *memStore) seed(tenantID string, t ImportType, keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records[tenantID] == nil {
		s.records[tenantID] = make(map[Reference]Record)
	}
	for _, k := range keys {
		s.records[tenantID][Reference{Type: t, Key: NormalizeKey(k)}] = Record{Type: t, Key: NormalizeKey(k)}
	}
}

func (s *memStore) count(tenantID string, t ImportType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for ref := range s.records[tenantID] {
		if ref.Type == t {
			n++
		}
	}
	return n
}

// sliceSource is a RowSource over in-memory rows. beforeRow, when set, is
// called with the 1-based line number before that row is returned.
type sliceSource struct {
	rows      [][]string
	countErr  error
	beforeRow func(line int)
}

func (s *sliceSource) Count(context.Context) (int, error) {
	if s.countErr != nil {
		return 0, s.countErr
	}
	n := 0
	for _, r := range s.rows {
		if !IsEmptyRow(r) {
			n++
		}
	}
	return n, nil
}

func (s *sliceSource) Rows(context.Context) (RowReader, error) {
	return &sliceReader{src: s}, nil
}

type sliceReader struct {
	src *sliceSource
	pos int
}

func (r *sliceReader) Next() (Row, error) {
	for r.pos < len(r.src.rows) {
		values := r.src.rows[r.pos]
		r.pos++
		if IsEmptyRow(values) {
			continue
		}
		if r.src.beforeRow != nil {
			r.src.beforeRow(r.pos)
		}
		return Row{Line: r.pos, Values: values}, nil
	}
	return Row{}, io.EOF
}

func (r *sliceReader) Close() error { return nil }

// eventLog records published events. It must not call back into the registry.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Publish(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) forJob(id string) []Event {
	var out []Event
	for _, e := range l.all() {
		if e.JobID == id {
			out = append(out, e)
		}
	}
	return out
}

func productHeader() []string {
	return []string{"SKU", "Name", "Unit Price", "Stock Quantity", "Unit", "Supplier Code"}
}

func productRows(n int) [][]string {
	rows := [][]string{productHeader()}
	for i := 1; i <= n; i++ {
		rows = append(rows, []string{fmt.Sprintf("SKU-%03d", i), fmt.Sprintf("Product %d", i), "9.99", "5", "unit", ""})
	}
	return rows
}

// newTestPipeline returns a registry and pipeline over a fresh memStore.
func newTestPipeline(t testing.TB, batchSize int) (*JobRegistry, *Pipeline, *memStore, *eventLog) {
	t.Helper()
	store := newMemStore()
	events := &eventLog{}
	reg := NewJobRegistry(RegistryConfig{}, events, store)
	p := NewPipeline(reg, store, store, NewCorrector(DefaultMinConfidence), PipelineConfig{BatchSize: batchSize})
	return reg, p, store, events
}

func createJob(t testing.TB, reg *JobRegistry, typ ImportType, opts ImportOptions) string {
	t.Helper()
	snap, err := reg.Create(typ, "tenant-a", JobMeta{SourceFileName: "test.csv", Options: opts})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return snap.JobID
}

func assertCounterInvariants(t *testing.T, events []Event) {
	t.Helper()
	lastPercent := -1
	for _, e := range events {
		s := e.Snapshot
		if s == nil {
			t.Fatalf("event %s v%d has no snapshot", e.Type, e.Version)
		}
		if s.Processed != s.Success+s.Errors {
			t.Errorf("v%d: processed %d != success %d + errors %d", e.Version, s.Processed, s.Success, s.Errors)
		}
		if s.Processed > s.Total {
			t.Errorf("v%d: processed %d > total %d", e.Version, s.Processed, s.Total)
		}
		if s.ProgressPercent < lastPercent {
			t.Errorf("v%d: progress went from %d to %d", e.Version, lastPercent, s.ProgressPercent)
		}
		lastPercent = s.ProgressPercent
	}
}
