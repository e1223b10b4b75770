// Package lease implements the capability lease ledger of spec §4.E:
// time-bounded capability grants, a background expiry sweeper, and the
// Active(subject, capability, scope) check the policy engine consults.
//
// The durable CRUD + sentinel-error shape is grounded on the teacher's
// runtime/agent/session.Store (Upsert/Load + ErrNotFound-style sentinels);
// the sweeper's ticker-driven background loop is grounded on
// runtime/agent/interrupt.Controller's signal-polling idiom, generalized
// from pause/resume signals to periodic expiry scanning.
package lease

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/arw-hub/agenthub/internal/clock"
	"github.com/arw-hub/agenthub/internal/errs"
	"github.com/arw-hub/agenthub/internal/journal"
	"github.com/arw-hub/agenthub/internal/ulid"
)

// SweepInterval is how often the background expiry sweeper runs (spec
// §4.E: "every 1 s").
const SweepInterval = 1 * time.Second

// DefaultMaxTTL is the default hard cap on lease TTL (spec §4.E: "default
// max 24 h, hard-cap configurable").
const DefaultMaxTTL = 24 * time.Hour

// Budget bounds a lease's resource consumption.
type Budget struct {
	Tokens     int64 `json:"tokens,omitempty"`
	WallMS     int64 `json:"wall_ms,omitempty"`
	SpendCents int64 `json:"spend_cents,omitempty"`
}

// Lease is a capability grant (spec §3 "Lease").
type Lease struct {
	LeaseID   string    `json:"lease_id"`
	Capability string   `json:"capability"`
	Scope     string    `json:"scope,omitempty"`
	Subject   string    `json:"subject"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Budget    *Budget   `json:"budget,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Revoked   bool      `json:"revoked"`
	RevokedReason string `json:"revoked_reason,omitempty"`
}

func (l Lease) active(now time.Time) bool {
	return !l.Revoked && now.Before(l.ExpiresAt)
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	Capability string
	Scope      string
	Subject    string
	TTL        time.Duration
	Budget     *Budget
	Reason     string
}

// KnownCapabilities restricts Create to capabilities the server's lease
// schema enumerates (spec §4.E "Failure mode").
type KnownCapabilities interface {
	IsKnown(capability string) bool
}

// Recorder journals lease lifecycle events.
type Recorder interface {
	AppendWithState(rec journal.Record, bucket journal.StateBucket, stateKey string, stateValue []byte) (journal.Event, error)
}

// Ledger is the in-memory, journal-backed lease store.
type Ledger struct {
	clock    clock.Clock
	ids      *ulid.Generator
	journal  Recorder
	known    KnownCapabilities
	maxTTL   time.Duration

	mu     sync.RWMutex
	leases map[string]Lease
}

// New constructs a Ledger. maxTTL <= 0 uses DefaultMaxTTL.
func New(c clock.Clock, ids *ulid.Generator, j Recorder, known KnownCapabilities, maxTTL time.Duration) *Ledger {
	if maxTTL <= 0 {
		maxTTL = DefaultMaxTTL
	}
	return &Ledger{clock: c, ids: ids, journal: j, known: known, maxTTL: maxTTL, leases: make(map[string]Lease)}
}

// Create issues a new lease, journaling leases.created. A TTL that is zero,
// negative or above the ledger's maximum is clamped to that maximum.
func (l *Ledger) Create(req CreateRequest) (Lease, error) {
	if req.Capability == "" {
		return Lease{}, errs.New(errs.CodeUnknownCapability, 400, "capability is required")
	}
	if l.known != nil && !l.known.IsKnown(req.Capability) {
		return Lease{}, errs.New(errs.CodeUnknownCapability, 400, "lease-unknown-capability: "+req.Capability)
	}
	ttl := req.TTL
	if ttl <= 0 || ttl > l.maxTTL {
		ttl = l.maxTTL
	}

	now := l.clock.Now()
	lease := Lease{
		LeaseID:    l.ids.New(),
		Capability: req.Capability,
		Scope:      req.Scope,
		Subject:    req.Subject,
		IssuedAt:   now,
		ExpiresAt:  now.Add(ttl),
		Budget:     req.Budget,
		Reason:     req.Reason,
	}

	if err := l.persist(lease, "leases.created"); err != nil {
		return Lease{}, err
	}

	l.mu.Lock()
	l.leases[lease.LeaseID] = lease
	l.mu.Unlock()
	return lease, nil
}

// Revoke marks a lease revoked and journals leases.revoked.
func (l *Ledger) Revoke(leaseID, reason string) error {
	l.mu.Lock()
	lease, ok := l.leases[leaseID]
	if !ok {
		l.mu.Unlock()
		return errs.New(errs.CodeNotFound, 404, "lease not found: "+leaseID)
	}
	lease.Revoked = true
	lease.RevokedReason = reason
	l.leases[leaseID] = lease
	l.mu.Unlock()

	return l.persist(lease, "leases.revoked")
}

// Active reports whether subject holds an unexpired, unrevoked lease for
// capability (and, if scope is non-empty, a lease whose scope matches or
// is empty/"*").
func (l *Ledger) Active(subject, capability, scope string) bool {
	now := l.clock.Now()
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, lease := range l.leases {
		if lease.Subject != subject || lease.Capability != capability {
			continue
		}
		if !lease.active(now) {
			continue
		}
		if scope != "" && lease.Scope != "" && lease.Scope != "*" && lease.Scope != scope {
			continue
		}
		return true
	}
	return false
}

// Get returns the lease by id.
func (l *Ledger) Get(leaseID string) (Lease, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lease, ok := l.leases[leaseID]
	return lease, ok
}

// List returns a snapshot of all leases, for the leases read-model.
func (l *Ledger) List() []Lease {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Lease, 0, len(l.leases))
	for _, lease := range l.leases {
		out = append(out, lease)
	}
	return out
}

func (l *Ledger) persist(lease Lease, kind string) error {
	payload, err := json.Marshal(lease)
	if err != nil {
		return errs.Wrap(errs.CodeJournalWriteFail, 500, err)
	}
	_, err = l.journal.AppendWithState(journal.Record{Kind: kind, Payload: payload, CorrID: lease.Reason}, journal.StateLeases, lease.LeaseID, payload)
	return err
}

// RunSweeper blocks, running the expiry sweep every SweepInterval until
// ctx is canceled. internal/service runs this in its own goroutine at
// boot.
func (l *Ledger) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweepOnce()
		}
	}
}

func (l *Ledger) sweepOnce() {
	now := l.clock.Now()
	l.mu.Lock()
	var expired []Lease
	for id, lease := range l.leases {
		if lease.Revoked {
			continue
		}
		if !now.Before(lease.ExpiresAt) {
			lease.Revoked = true
			lease.RevokedReason = "expired"
			l.leases[id] = lease
			expired = append(expired, lease)
		}
	}
	l.mu.Unlock()

	for _, lease := range expired {
		_ = l.persist(lease, "leases.expired")
	}
}
