// Package service wires together the journal, bus, policy, lease,
// egress, CAS, action, tool, config, and read-model components into one
// process-wide dependency bundle and orders their boot and teardown.
//
// Grounded on spec §9's "Global mutable state" design note (there is
// one Service per process; every component is reached through it, never
// through a package-level global) and this pack's explicit-construction
// wiring convention — no dependency-injection framework appears
// anywhere in the retrieval pack, so wiring here is plain constructor
// calls in dependency order, same as the teacher's cmd/demo/main.go.
package service

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/arw-hub/agenthub/internal/action"
	"github.com/arw-hub/agenthub/internal/bus"
	"github.com/arw-hub/agenthub/internal/cas"
	"github.com/arw-hub/agenthub/internal/clock"
	"github.com/arw-hub/agenthub/internal/config"
	"github.com/arw-hub/agenthub/internal/egress"
	"github.com/arw-hub/agenthub/internal/httpapi"
	"github.com/arw-hub/agenthub/internal/journal"
	"github.com/arw-hub/agenthub/internal/lease"
	"github.com/arw-hub/agenthub/internal/policy"
	"github.com/arw-hub/agenthub/internal/readmodel"
	"github.com/arw-hub/agenthub/internal/telemetry"
	"github.com/arw-hub/agenthub/internal/tool"
	"github.com/arw-hub/agenthub/internal/ulid"
)

// Options configures a Service.
type Options struct {
	StateDir           string
	ActionsQueueMax    int
	ActionConcurrency  int
	ToolConcurrency    int
	CASConcurrency     int
	LeaseMaxTTL        time.Duration
	TrustStore         map[string]ed25519.PublicKey
	BootDenies         []policy.BootDeny
	Contracts          []policy.Contract
	DefaultEgress      egress.Settings
	Telemetry          telemetry.Set
}

func (o Options) withDefaults() Options {
	if o.ActionsQueueMax <= 0 {
		o.ActionsQueueMax = 1000
	}
	if o.ActionConcurrency <= 0 {
		o.ActionConcurrency = 4
	}
	if o.ToolConcurrency <= 0 {
		o.ToolConcurrency = 8
	}
	if o.CASConcurrency <= 0 {
		o.CASConcurrency = 4
	}
	if o.LeaseMaxTTL <= 0 {
		o.LeaseMaxTTL = lease.DefaultMaxTTL
	}
	if o.Telemetry.Logger == nil {
		o.Telemetry = telemetry.NewNoopSet()
	}
	return o
}

// Service bundles every component one process needs, constructed in
// leaf-first dependency order: journal, bus, leases, policy, egress,
// CAS, tool registry, action engine, config, read-model publisher.
type Service struct {
	Clock      clock.Clock
	IDs        *ulid.Generator
	Journal    *journal.Journal
	Bus        *bus.Bus
	Policy     *policy.Engine
	Leases     *lease.Ledger
	Egress     *egress.Guard
	CAS        *cas.Store
	Tools      *tool.Registry
	Actions    *action.Engine
	Config     *config.Engine
	ReadModels *readmodel.Publisher

	opts Options

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// knownCapabilities adapts a static allowlist to lease.KnownCapabilities.
type knownCapabilities struct{ set map[string]struct{} }

func (k knownCapabilities) IsKnown(capability string) bool {
	_, ok := k.set[capability]
	return ok
}

// NewKnownCapabilities builds a lease.KnownCapabilities from a static
// list, the set of capabilities the server's built-in tools declare.
func NewKnownCapabilities(capabilities ...string) lease.KnownCapabilities {
	set := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		set[c] = struct{}{}
	}
	return knownCapabilities{set: set}
}

// Boot constructs every component against a fresh or existing journal at
// opts.StateDir and restores durable state (action crash recovery,
// config snapshot, read-model snapshots). It does not yet start
// background loops; call Run for that.
func Boot(opts Options, known lease.KnownCapabilities, schema action.SchemaValidator, toolDispatch func(*tool.Registry) action.Dispatcher) (*Service, error) {
	opts = opts.withDefaults()
	c := clock.System{}

	j, err := journal.Open(opts.StateDir, c)
	if err != nil {
		return nil, err
	}
	b := bus.New(j)

	leases := lease.New(c, ulid.NewGenerator(c), j, known, opts.LeaseMaxTTL)
	policyEng := policy.New(c, leaseCheckerAdapter{leases}, b, opts.TrustStore, opts.BootDenies, opts.Contracts)
	// Egress and CAS publish live events through the bus and write their
	// state rows through the journal.
	rec := struct {
		*journal.Journal
		*bus.Bus
	}{j, b}
	egressGuard := egress.New(c, rec, leaseCheckerAdapter{leases}, opts.DefaultEgress)
	casStore, err := cas.Open(opts.StateDir+"/cas", rec, opts.CASConcurrency)
	if err != nil {
		return nil, err
	}
	toolRegistry := tool.NewRegistry(leases, opts.ToolConcurrency)

	actionsIDs := ulid.NewGenerator(c)
	var dispatcher action.Dispatcher = toolRegistry
	if toolDispatch != nil {
		dispatcher = toolDispatch(toolRegistry)
	}
	if schema == nil {
		// The tool registry itself validates input against each kind's
		// registered schema; callers only need to pass a SchemaValidator
		// explicitly when overriding dispatch away from toolRegistry.
		schema = toolRegistry
	}
	actions := action.New(action.Options{
		QueueMax:    opts.ActionsQueueMax,
		Concurrency: opts.ActionConcurrency,
	}, c, actionsIDs, schema, policyEng, dispatcher, j)

	cfg := config.New(j, b)
	readModels := readmodel.New(c, b, j)
	readmodel.RegisterDefaults(readModels)

	svc := &Service{
		Clock:      c,
		IDs:        actionsIDs,
		Journal:    j,
		Bus:        b,
		Policy:     policyEng,
		Leases:     leases,
		Egress:     egressGuard,
		CAS:        casStore,
		Tools:      toolRegistry,
		Actions:    actions,
		Config:     cfg,
		ReadModels: readModels,
		opts:       opts,
		stop:       make(chan struct{}),
	}

	if err := svc.Actions.Boot(); err != nil {
		return nil, err
	}
	if err := svc.Config.Boot(); err != nil {
		return nil, err
	}
	if err := svc.ReadModels.Boot(); err != nil {
		return nil, err
	}
	return svc, nil
}

// Run starts every background loop (lease sweeper, action workers,
// action crash sweeper, read-model publisher) and blocks until Stop is
// called.
func (s *Service) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.wg.Add(1)
	go func() { defer s.wg.Done(); s.Leases.RunSweeper(runCtx) }()

	s.wg.Add(1)
	go func() { defer s.wg.Done(); s.Actions.RunWorkers(runCtx) }()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(lease.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.Actions.CrashSweep()
			}
		}
	}()

	s.wg.Add(1)
	go func() { defer s.wg.Done(); s.ReadModels.Run(s.stop) }()

	<-s.stop
	cancel()
	s.Actions.Wait()
}

// Stop signals every background loop to exit and closes the journal.
// Safe to call more than once.
func (s *Service) Stop() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	return s.Journal.Close()
}

// HTTPOptions builds the httpapi.Options wiring every component this
// Service booted into the HTTP/SSE surface. Callers may still override
// AdminTokenSHA256/Debug/SSEMode on the returned value before
// constructing the server.
func (s *Service) HTTPOptions() httpapi.Options {
	return httpapi.Options{
		Actions:    s.Actions,
		Leases:     s.Leases,
		Policy:     s.Policy,
		Egress:     s.Egress,
		ReadModels: s.ReadModels,
		Bus:        s.HTTPBus(),
	}
}

// HTTPBus adapts s.Bus to the httpapi.Bus interface. *bus.Bus itself
// does not structurally satisfy httpapi.Bus since Subscribe returns the
// concrete *bus.Subscription type rather than the httpapi.Subscription
// interface; this wrapper converts the return value at the boundary.
func (s *Service) HTTPBus() httpapi.Bus { return busAdapter{s.Bus} }

type busAdapter struct{ b *bus.Bus }

func (a busAdapter) Subscribe(filter journal.Filter, cursor uint64, queueDepth int) (httpapi.Subscription, error) {
	return a.b.Subscribe(filter, cursor, queueDepth)
}

func (a busAdapter) Tail() uint64 { return a.b.Tail() }

// leaseCheckerAdapter satisfies the small LeaseChecker interfaces that
// internal/policy and internal/egress each declare locally (to avoid
// importing internal/lease directly and creating an import cycle risk
// as the dependency graph grows).
type leaseCheckerAdapter struct{ l *lease.Ledger }

func (a leaseCheckerAdapter) Active(subject, capability, scope string) bool {
	return a.l.Active(subject, capability, scope)
}
