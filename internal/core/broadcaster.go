package core

// broadcaster.go fans Job events out to push subscribers.
//
// Subscribers attach either to one Job or to every Job of a tenant (AllJobs).
// Publish never blocks: each subscriber has a bounded buffer, and one that
// cannot take an event right away is dropped with a TransportError. A dropped
// or idle subscriber resubscribes and starts again from a fresh snapshot.

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// AllJobs subscribes to every Job of a tenant.
const AllJobs = "*"

// Broadcaster defaults.
const (
	DefaultSubscriberBuffer = 64
	DefaultIdleTimeout      = 5 * time.Minute
)

// BroadcasterConfig tunes subscriber buffering and the idle policy.
type BroadcasterConfig struct {
	Buffer      int           // Events a subscriber may lag behind before it is dropped
	IdleTimeout time.Duration // Subscribers without an event for this long are dropped
}

// Broadcaster is the per-Job subscriber registry. Subscribe and Close are
// its only mutation points besides dropping slow or idle subscribers.
type Broadcaster struct {
	cfg BroadcasterConfig
	now func() time.Time

	mu       sync.RWMutex
	byJob    map[string]map[string]*Subscription // job id -> subscriber id
	byTenant map[string]map[string]*Subscription // tenant id -> wildcard subscribers
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(cfg BroadcasterConfig) *Broadcaster {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultSubscriberBuffer
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	return &Broadcaster{
		cfg:      cfg,
		now:      time.Now,
		byJob:    make(map[string]map[string]*Subscription),
		byTenant: make(map[string]map[string]*Subscription),
	}
}

// Subscription is one attached push consumer. Next must be called from a
// single goroutine.
type Subscription struct {
	ID       string
	JobID    string // AllJobs for a tenant wide subscription
	TenantID string

	b          *Broadcaster
	ch         chan Event
	lastActive atomic.Int64

	mu     sync.Mutex
	closed bool
	err    error

	versions map[string]uint64 // consumer side only
}

// Subscribe attaches to the events of one Job.
func (b *Broadcaster) Subscribe(jobID, tenantID string) *Subscription {
	return b.attach(jobID, tenantID)
}

// SubscribeAll attaches to the events of every Job of a tenant.
func (b *Broadcaster) SubscribeAll(tenantID string) *Subscription {
	return b.attach(AllJobs, tenantID)
}

func (b *Broadcaster) attach(jobID, tenantID string) *Subscription {
	s := &Subscription{
		ID:       uuid.New().String(),
		JobID:    jobID,
		TenantID: tenantID,
		b:        b,
		ch:       make(chan Event, b.cfg.Buffer),
		versions: make(map[string]uint64),
	}
	s.lastActive.Store(b.now().UnixNano())

	b.mu.Lock()
	defer b.mu.Unlock()

	set := b.byJob
	key := jobID
	if jobID == AllJobs {
		set, key = b.byTenant, tenantID
	}
	if set[key] == nil {
		set[key] = make(map[string]*Subscription)
	}
	set[key][s.ID] = s
	return s
}

// Publish delivers e to every subscriber of its Job and then to the wildcard
// subscribers of its tenant. Delivery is at most once; nothing is re-queued.
func (b *Broadcaster) Publish(e Event) {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.byJob[e.JobID])+len(b.byTenant[e.TenantID]))
	for _, s := range b.byJob[e.JobID] {
		if s.TenantID == e.TenantID {
			targets = append(targets, s)
		}
	}
	for _, s := range b.byTenant[e.TenantID] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if !s.deliver(e, b.now()) {
			b.drop(s, "subscriber too slow")
		}
	}
}

// ReapIdle drops subscribers that received no event within the idle
// timeout and returns how many were dropped.
func (b *Broadcaster) ReapIdle(now time.Time) int {
	cutoff := now.Add(-b.cfg.IdleTimeout).UnixNano()

	b.mu.RLock()
	var idle []*Subscription
	for _, set := range []map[string]map[string]*Subscription{b.byJob, b.byTenant} {
		for _, subs := range set {
			for _, s := range subs {
				if s.lastActive.Load() < cutoff {
					idle = append(idle, s)
				}
			}
		}
	}
	b.mu.RUnlock()

	for _, s := range idle {
		b.drop(s, "idle timeout")
	}
	return len(idle)
}

// Run reaps idle subscribers until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	interval := b.cfg.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := b.ReapIdle(b.now()); n > 0 {
				slog.Info("dropped idle push subscribers", "count", n)
			}
		}
	}
}

// SubscriberCount returns the number of subscribers attached to jobID,
// or to the tenant wide channel when jobID is AllJobs.
func (b *Broadcaster) SubscriberCount(jobID, tenantID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if jobID == AllJobs {
		return len(b.byTenant[tenantID])
	}
	return len(b.byJob[jobID])
}

func (b *Broadcaster) drop(s *Subscription, reason string) {
	b.detach(s)
	err := &TransportError{SubscriberID: s.ID, Reason: reason}
	if s.closeWith(err) {
		slog.Warn("push subscriber dropped",
			"subscriber_id", s.ID,
			"job_id", s.JobID,
			"tenant_id", s.TenantID,
			"reason", reason,
		)
	}
}

func (b *Broadcaster) detach(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, key := b.byJob, s.JobID
	if s.JobID == AllJobs {
		set, key = b.byTenant, s.TenantID
	}
	delete(set[key], s.ID)
	if len(set[key]) == 0 {
		delete(set, key)
	}
}

func (s *Subscription) deliver(e Event, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return true
	}
	select {
	case s.ch <- e:
		s.lastActive.Store(now.UnixNano())
		return true
	default:
		return false
	}
}

func (s *Subscription) closeWith(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.closed = true
	s.err = err
	close(s.ch)
	return true
}

// Prime records the snapshot the consumer attached with, so events that are
// not newer are skipped, and returns it as the first event to deliver.
func (s *Subscription) Prime(snap ProgressSnapshot) Event {
	if snap.Version > s.versions[snap.JobID] {
		s.versions[snap.JobID] = snap.Version
	}
	ev := Event{
		Type:     eventFor(snap.Status),
		JobID:    snap.JobID,
		TenantID: snap.TenantID,
		Version:  snap.Version,
		Snapshot: &snap,
	}
	if ev.Type == EventError || ev.Type == EventCancelled {
		ev.Reason = snap.Reason
	}
	return ev
}

// Next returns the next event that is newer than anything already seen for
// its Job. After Close it returns ErrSubscriptionClosed; after a drop it
// returns the *TransportError that caused it.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		select {
		case e, ok := <-s.ch:
			if !ok {
				return Event{}, s.Err()
			}
			if e.Version <= s.versions[e.JobID] {
				continue
			}
			s.versions[e.JobID] = e.Version
			return e, nil
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Err returns why the subscription ended, nil while it is open.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Dropped reports whether the broadcaster dropped the subscription.
func (s *Subscription) Dropped() bool {
	var te *TransportError
	return errors.As(s.Err(), &te)
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.b.detach(s)
	s.closeWith(ErrSubscriptionClosed)
}
