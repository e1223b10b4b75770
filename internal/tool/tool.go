// Package tool implements the Tool Dispatcher of spec §4.I: a
// kind-keyed handler registry with schema validation, bounded-concurrency
// dispatch, per-kind timeout enforcement, and a lease-scoped accessor so
// handlers never read the global lease ledger directly.
//
// Spec/Codec naming is grounded on the teacher's runtime/agent/tools.ToolSpec
// and JSONCodec[T] (a generic encode/decode pair attached to a schema);
// ARW generalizes ToolSpec's per-tool metadata (required capabilities,
// timeout, schemas) while dropping the planner/agent-specific fields
// (Confirmation, ServerData, Paging) that have no analog in a headless
// action runtime. Input/output validation uses
// github.com/santhosh-tekuri/jsonschema/v6, the teacher's own schema
// validator dependency.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/arw-hub/agenthub/internal/action"
	"github.com/arw-hub/agenthub/internal/errs"
)

// JSONCodec serializes and deserializes strongly typed values to and
// from JSON, mirroring the teacher's tools.JSONCodec[T].
type JSONCodec[T any] struct {
	ToJSON   func(T) ([]byte, error)
	FromJSON func([]byte) (T, error)
}

// AnyJSONCodec is the untyped default codec.
var AnyJSONCodec = JSONCodec[any]{
	ToJSON: json.Marshal,
	FromJSON: func(data []byte) (any, error) {
		if len(data) == 0 {
			return nil, nil
		}
		var out any
		err := json.Unmarshal(data, &out)
		return out, err
	},
}

// LeaseAccessor is the scoped view of the lease ledger a handler
// receives: it can check whether a capability is active for the
// action's subject, but cannot enumerate or mutate leases (spec §4.I
// "Lease injection").
type LeaseAccessor interface {
	Active(capability, scope string) bool
}

// Publisher lets a handler stream partial progress events while it
// executes (spec §4.I "stream partial events via a supplied publisher").
type Publisher interface {
	Publish(kind string, payload json.RawMessage)
}

// Request is everything a Handler needs to execute one action.
type Request struct {
	ActionID string
	Kind     string
	Input    json.RawMessage
	CorrID   string
	Project  string
	Persona  string
	Leases   LeaseAccessor
	Publish  Publisher
}

// Handler executes one tool kind. Implementations must check
// ctx.Done() at every suspension point and honor cancellation promptly
// (spec §4.I "Execution contract").
type Handler interface {
	Handle(ctx context.Context, req Request) (json.RawMessage, error)
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, req Request) (json.RawMessage, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// Spec declares one registered tool kind (spec §4.I "Registry").
type Spec struct {
	Kind                 string
	Description          string
	RequiredCapabilities []string
	InputSchema          *jsonschema.Schema
	OutputSchema         *jsonschema.Schema
	DefaultTimeout       time.Duration
	Handler              Handler
}

// LeaseLedger is the real lease ledger the Registry wraps into a
// per-action LeaseAccessor.
type LeaseLedger interface {
	Active(subject, capability, scope string) bool
}

// Registry is the kind -> Spec dispatcher. It implements both
// action.SchemaValidator and action.Dispatcher.
type Registry struct {
	leases LeaseLedger

	mu    sync.RWMutex
	specs map[string]Spec

	sem chan struct{} // bounds concurrent handler executions
}

// NewRegistry constructs a Registry with maxConcurrent bounding
// simultaneous handler executions across all kinds (spec §4.I
// "bounded-concurrency dispatch").
func NewRegistry(leases LeaseLedger, maxConcurrent int) *Registry {
	if maxConcurrent <= 0 {
		maxConcurrent = 16
	}
	return &Registry{
		leases: leases,
		specs:  make(map[string]Spec),
		sem:    make(chan struct{}, maxConcurrent),
	}
}

// Register adds or replaces spec in the registry.
func (r *Registry) Register(spec Spec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Kind] = spec
}

func (r *Registry) lookup(kind string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[kind]
	return s, ok
}

// Validate implements action.SchemaValidator: inputs are checked against
// the registered schema before admission (spec §4.I).
func (r *Registry) Validate(kind string, input json.RawMessage) error {
	spec, ok := r.lookup(kind)
	if !ok {
		return errs.New(errs.CodeUnknownKind, 400, "unknown action kind: "+kind)
	}
	if spec.InputSchema == nil {
		return nil
	}
	var v any
	if len(input) == 0 {
		v = map[string]any{}
	} else if err := json.Unmarshal(input, &v); err != nil {
		return errs.Wrap(errs.CodeSchemaInvalid, 400, err)
	}
	if err := spec.InputSchema.Validate(v); err != nil {
		return errs.Wrap(errs.CodeSchemaInvalid, 400, err)
	}
	return nil
}

// subjectAccessor scopes lease checks to one action's subject.
type subjectAccessor struct {
	ledger  LeaseLedger
	subject string
}

func (a subjectAccessor) Active(capability, scope string) bool {
	if a.ledger == nil {
		return false
	}
	return a.ledger.Active(a.subject, capability, scope)
}

// nopPublisher discards partial events; used when the caller doesn't
// wire a real bus-backed Publisher.
type nopPublisher struct{}

func (nopPublisher) Publish(string, json.RawMessage) {}

// Dispatch implements action.Dispatcher: it looks up the kind's Spec,
// enforces min(action_wall_ms, tool_default_timeout), and runs the
// handler under the concurrency semaphore.
func (r *Registry) Dispatch(ctx context.Context, a action.Action) (json.RawMessage, error) {
	spec, ok := r.lookup(a.Kind)
	if !ok {
		return nil, errs.New(errs.CodeUnknownKind, 400, "unknown action kind: "+a.Kind)
	}

	timeout := spec.DefaultTimeout
	if a.Budget.WallMS > 0 {
		wall := time.Duration(a.Budget.WallMS) * time.Millisecond
		if timeout <= 0 || wall < timeout {
			timeout = wall
		}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, errs.New(errs.CodeTimeout, 504, "dispatch queue wait canceled")
	}
	defer func() { <-r.sem }()

	req := Request{
		ActionID: a.ActionID,
		Kind:     a.Kind,
		Input:    a.Input,
		CorrID:   a.CorrID,
		Project:  a.Project,
		Persona:  a.Persona,
		Leases:   subjectAccessor{ledger: r.leases, subject: a.Subject},
		Publish:  nopPublisher{},
	}

	out, err := spec.Handler.Handle(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.New(errs.CodeTimeout, 504, fmt.Sprintf("tool %s timed out", a.Kind))
		}
		return nil, err
	}
	if spec.OutputSchema != nil {
		var v any
		if len(out) == 0 {
			v = map[string]any{}
		} else if uerr := json.Unmarshal(out, &v); uerr == nil {
			_ = spec.OutputSchema.Validate(v) // output validation is advisory; never fails a completed action
		}
	}
	return out, nil
}
