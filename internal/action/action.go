// Package action implements the action plane of spec §4.H: the admission
// gate, idempotency cache, priority queue, worker pool, and the
// queued/admitted/running/completed/failed/canceled state machine.
//
// Status/Phase enum naming follows the teacher's runtime/agent/run.Status
// (StatusPending/Running/Completed/Failed/Canceled/Paused); retry/backoff
// fields follow runtime/agent/engine.RetryPolicy
// (MaxAttempts/InitialInterval/BackoffCoefficient); the admission call
// shape (policy.Decide before scheduling) follows
// features/policy/basic.Engine.Decide's usage pattern. The priority
// scheduler uses stdlib container/heap, matching the rest of the pack's
// preference for stdlib data-structure containers over external queue
// libraries (no priority-queue library appears anywhere in the retrieval
// pack).
package action

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/arw-hub/agenthub/internal/clock"
	"github.com/arw-hub/agenthub/internal/errs"
	"github.com/arw-hub/agenthub/internal/journal"
	"github.com/arw-hub/agenthub/internal/policy"
	"github.com/arw-hub/agenthub/internal/ulid"
)

// Status is the coarse lifecycle state of an action (spec §3 "Action").
type Status string

const (
	StatusQueued    Status = "queued"
	StatusAdmitted  Status = "admitted"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Budget bounds an action's resource consumption.
type Budget struct {
	Tokens     int64 `json:"tokens,omitempty"`
	WallMS     int64 `json:"wall_ms,omitempty"`
	SpendCents int64 `json:"spend_cents,omitempty"`
}

// Error is the durable failure payload of a terminal failed action.
type Error struct {
	Code      errs.Code `json:"code"`
	Status    int       `json:"status"`
	Message   string    `json:"message,omitempty"`
	Retriable bool      `json:"retriable"`
}

// Action is the durable unit of work (spec §3 "Action").
type Action struct {
	ActionID       string          `json:"action_id"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Subject        string          `json:"subject"`
	Kind           string          `json:"kind"`
	Input          json.RawMessage `json:"input"`
	CorrID         string          `json:"corr_id"`
	Project        string          `json:"project,omitempty"`
	Persona        string          `json:"persona,omitempty"`
	Priority       int             `json:"priority"`
	Budget         Budget          `json:"budget,omitempty"`
	SubmittedAt    time.Time       `json:"submitted_at"`

	Status     Status          `json:"status"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      *Error          `json:"error,omitempty"`
	RetryCount int             `json:"retry_count"`
	WorkerID   string          `json:"worker_id,omitempty"`
	LeaseUntil time.Time       `json:"lease_until,omitempty"`
}

// SubmitRequest is the admission request (spec §4.H "Admission").
type SubmitRequest struct {
	Subject        string
	Kind           string
	Input          json.RawMessage
	IdempotencyKey string
	CorrID         string
	Project        string
	Persona        string
	Priority       int
	Budget         Budget
	Capabilities   []string
}

// SchemaValidator validates a kind's input against its declared schema
// (spec §4.H admission step 1, delegating to the Tool Dispatcher
// registry per spec §4.I).
type SchemaValidator interface {
	Validate(kind string, input json.RawMessage) error
}

// PolicyEvaluator is the subset of internal/policy.Engine the admission
// gate depends on.
type PolicyEvaluator interface {
	Evaluate(req policy.Input) (policy.Decision, error)
}

// Dispatcher hands an admitted action off to the Tool Dispatcher (spec
// §4.H "Execution"). It must honor ctx cancellation and return a final
// output or error.
type Dispatcher interface {
	Dispatch(ctx context.Context, a Action) (json.RawMessage, error)
}

// Recorder journals action lifecycle events and rows.
type Recorder interface {
	AppendWithState(rec journal.Record, bucket journal.StateBucket, stateKey string, stateValue []byte) (journal.Event, error)
	ForEachState(bucket journal.StateBucket, fn func(key string, value []byte) error) error
}

// RetryPolicy controls the backoff before an action whose dispatch failed
// with a retriable error is queued again (spec §4.H
// "Scheduling": "exponential backoff with jitter, bounded by the
// action's wall-clock budget"), shaped after
// runtime/agent/engine.RetryPolicy.
type RetryPolicy struct {
	MaxAttempts        int
	InitialInterval    time.Duration
	BackoffCoefficient float64
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	if p.InitialInterval <= 0 {
		p.InitialInterval = 200 * time.Millisecond
	}
	coeff := p.BackoffCoefficient
	if coeff < 1 {
		coeff = 2
	}
	d := float64(p.InitialInterval)
	for i := 0; i < attempt; i++ {
		d *= coeff
	}
	jitter := 1 + (rand.Float64()-0.5)/2 // jitter within +/-25%
	return time.Duration(d * jitter)
}

// Options configures an Engine.
type Options struct {
	QueueMax          int
	Concurrency       int
	MaxRetries        int
	IdempotencyWindow time.Duration
	NackAfter         time.Duration
	Retry             RetryPolicy
}

func (o Options) withDefaults() Options {
	if o.QueueMax <= 0 {
		o.QueueMax = 1000
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.IdempotencyWindow <= 0 {
		o.IdempotencyWindow = 24 * time.Hour
	}
	if o.NackAfter <= 0 {
		o.NackAfter = 30 * time.Second
	}
	return o
}

// heapItem is one entry in the priority min-heap (spec §4.H
// "Scheduling": ordered by (negative priority, submitted_at), ties by
// action_id).
type heapItem struct {
	actionID    string
	priority    int
	submittedAt time.Time
}

type priorityHeap []heapItem

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority // higher priority first
	}
	if !h[i].submittedAt.Equal(h[j].submittedAt) {
		return h[i].submittedAt.Before(h[j].submittedAt)
	}
	return h[i].actionID < h[j].actionID
}
func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *priorityHeap) Push(x any)   { *h = append(*h, x.(heapItem)) }
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type idempotencyEntry struct {
	actionID string
	at       time.Time
}

// Engine is the action admission gate, priority queue, and worker pool.
type Engine struct {
	opts      Options
	clock     clock.Clock
	ids       *ulid.Generator
	schema    SchemaValidator
	policyEng PolicyEvaluator
	dispatch  Dispatcher
	journal   Recorder

	mu       sync.Mutex
	actions  map[string]Action
	queue    priorityHeap
	wakeCh   chan struct{}
	idemCache map[string]idempotencyEntry

	wg     sync.WaitGroup
	cancel map[string]context.CancelFunc
}

// New constructs an Engine. Callers should call Boot once before
// RunWorkers to replay crash-recovery state from the journal.
func New(opts Options, c clock.Clock, ids *ulid.Generator, schema SchemaValidator, policyEng PolicyEvaluator, dispatch Dispatcher, j Recorder) *Engine {
	return &Engine{
		opts:      opts.withDefaults(),
		clock:     c,
		ids:       ids,
		schema:    schema,
		policyEng: policyEng,
		dispatch:  dispatch,
		journal:   j,
		actions:   make(map[string]Action),
		wakeCh:    make(chan struct{}, 1),
		idemCache: make(map[string]idempotencyEntry),
		cancel:    make(map[string]context.CancelFunc),
	}
}

// Boot replays the durable actions bucket: in-memory indexes are
// reconstructed and any action left "running" from a prior process is
// transitioned running -> failed{code: "crash-restart"} (spec §4.B
// "After a crash, replay reconstructs...").
func (e *Engine) Boot() error {
	var toRestart []Action
	err := e.journal.ForEachState(journal.StateActions, func(key string, value []byte) error {
		var a Action
		if err := json.Unmarshal(value, &a); err != nil {
			return nil
		}
		e.mu.Lock()
		e.actions[a.ActionID] = a
		e.mu.Unlock()
		if a.Status == StatusRunning {
			toRestart = append(toRestart, a)
		} else if a.Status == StatusAdmitted {
			e.mu.Lock()
			heap.Push(&e.queue, heapItem{a.ActionID, a.Priority, a.SubmittedAt})
			e.mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, a := range toRestart {
		_ = e.fail(a.ActionID, errs.New(errs.CodeCrashRestart, 500, "action was running when the server crashed"))
	}
	return nil
}

// Submit runs an action through the admission gate (spec §4.H
// "Admission") and, on success, places it in the priority queue.
func (e *Engine) Submit(req SubmitRequest) (Action, error) {
	if idemID, ok := e.checkIdempotency(req); ok {
		e.mu.Lock()
		a := e.actions[idemID]
		e.mu.Unlock()
		return a, nil
	}

	if e.schema != nil {
		if err := e.schema.Validate(req.Kind, req.Input); err != nil {
			return Action{}, errs.Wrap(errs.CodeSchemaInvalid, 400, err)
		}
	}

	if e.policyEng != nil {
		decision, err := e.policyEng.Evaluate(policy.Input{
			ActionKind:   req.Kind,
			Subject:      policy.Subject{Role: req.Subject},
			Context:      policy.EvalContext{Project: req.Project, CorrID: req.CorrID},
			Capabilities: req.Capabilities,
		})
		if err != nil {
			return Action{}, err
		}
		if !decision.Allow {
			return Action{}, errs.New(errs.CodePolicyDenied, 403, "policy-denied: "+decision.ReasonCode)
		}
	}

	e.mu.Lock()
	depth := len(e.queue)
	e.mu.Unlock()
	if depth >= e.opts.QueueMax {
		return Action{}, errs.New(errs.CodeQueueOverflow, 503, "queue-overflow")
	}

	now := e.clock.Now()
	a := Action{
		ActionID:       e.ids.New(),
		IdempotencyKey: req.IdempotencyKey,
		Subject:        req.Subject,
		Kind:           req.Kind,
		Input:          req.Input,
		CorrID:         req.CorrID,
		Project:        req.Project,
		Persona:        req.Persona,
		Priority:       req.Priority,
		Budget:         req.Budget,
		SubmittedAt:    now,
		Status:         StatusAdmitted,
	}

	if err := e.persist(a, "actions.admitted"); err != nil {
		return Action{}, err
	}

	e.mu.Lock()
	e.actions[a.ActionID] = a
	heap.Push(&e.queue, heapItem{a.ActionID, a.Priority, a.SubmittedAt})
	if req.IdempotencyKey != "" {
		e.idemCache[e.idemKey(req)] = idempotencyEntry{actionID: a.ActionID, at: now}
	}
	e.mu.Unlock()
	e.wake()
	return a, nil
}

func (e *Engine) idemKey(req SubmitRequest) string {
	return req.Subject + "\x00" + req.IdempotencyKey + "\x00" + req.Kind
}

func (e *Engine) checkIdempotency(req SubmitRequest) (string, bool) {
	if req.IdempotencyKey == "" {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.idemCache[e.idemKey(req)]
	if !ok {
		return "", false
	}
	if e.clock.Now().Sub(entry.at) > e.opts.IdempotencyWindow {
		delete(e.idemCache, e.idemKey(req))
		return "", false
	}
	return entry.actionID, true
}

func (e *Engine) wake() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

// Get returns the current state of an action.
func (e *Engine) Get(actionID string) (Action, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.actions[actionID]
	return a, ok
}

// Cancel transitions actionID to canceled from any non-terminal state
// (spec §4.H).
func (e *Engine) Cancel(actionID, reasonCode string) error {
	e.mu.Lock()
	a, ok := e.actions[actionID]
	cancelFn, hasCancel := e.cancel[actionID]
	e.mu.Unlock()
	if !ok {
		return errs.New(errs.CodeNotFound, 404, "action not found: "+actionID)
	}
	if a.Status.terminal() {
		return errs.New(errs.CodeNotFound, 409, "action already terminal")
	}
	if hasCancel {
		cancelFn()
	}
	a.Status = StatusCanceled
	payload, _ := json.Marshal(map[string]any{"reason_code": reasonCode})
	if err := e.persist(a, "actions.canceled"); err != nil {
		return err
	}
	_ = payload
	e.mu.Lock()
	e.actions[actionID] = a
	e.mu.Unlock()
	return nil
}

func (e *Engine) persist(a Action, kind string) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return errs.Wrap(errs.CodeJournalWriteFail, 500, err)
	}
	_, err = e.journal.AppendWithState(journal.Record{Kind: kind, Payload: payload, CorrID: a.CorrID, Project: a.Project}, journal.StateActions, a.ActionID, payload)
	return err
}

// RunWorkers starts opts.Concurrency worker goroutines pulling from the
// priority queue until ctx is canceled.
func (e *Engine) RunWorkers(ctx context.Context) {
	for i := 0; i < e.opts.Concurrency; i++ {
		e.wg.Add(1)
		workerID := fmt.Sprintf("worker-%d", i)
		go e.workerLoop(ctx, workerID)
	}
}

// Wait blocks until all worker goroutines started by RunWorkers exit.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) workerLoop(ctx context.Context, workerID string) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		actionID, ok := e.popNext()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-e.wakeCh:
				continue
			case <-time.After(250 * time.Millisecond):
				continue
			}
		}
		e.runOne(ctx, workerID, actionID)
	}
}

func (e *Engine) popNext() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return "", false
	}
	item := heap.Pop(&e.queue).(heapItem)
	return item.actionID, true
}

func (e *Engine) runOne(parent context.Context, workerID, actionID string) {
	e.mu.Lock()
	a, ok := e.actions[actionID]
	e.mu.Unlock()
	if !ok || a.Status.terminal() {
		return
	}

	wallBudget := time.Duration(a.Budget.WallMS) * time.Millisecond
	ctx := parent
	var cancel context.CancelFunc
	if wallBudget > 0 {
		ctx, cancel = context.WithTimeout(parent, wallBudget)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	defer cancel()

	a.Status = StatusRunning
	a.WorkerID = workerID
	a.LeaseUntil = e.clock.Now().Add(e.opts.NackAfter)
	if err := e.persist(a, "actions.updated"); err != nil {
		return
	}
	e.mu.Lock()
	e.actions[actionID] = a
	e.cancel[actionID] = cancel
	e.mu.Unlock()

	output, err := e.dispatch.Dispatch(ctx, a)

	e.mu.Lock()
	delete(e.cancel, actionID)
	e.mu.Unlock()

	if err != nil {
		e.handleFailure(a, err)
		return
	}

	a.Status = StatusCompleted
	a.Output = output
	if err := e.persist(a, "actions.completed"); err != nil {
		return
	}
	e.mu.Lock()
	e.actions[actionID] = a
	e.mu.Unlock()
}

func (e *Engine) handleFailure(a Action, cause error) {
	structured, _ := errs.As(cause)
	retriable := structured == nil || structured.Retriable

	if retriable && a.RetryCount < e.opts.MaxRetries {
		delay := e.opts.Retry.delay(a.RetryCount + 1)
		if a.Budget.WallMS > 0 {
			deadline := a.SubmittedAt.Add(time.Duration(a.Budget.WallMS) * time.Millisecond)
			if e.clock.Now().Add(delay).After(deadline) {
				_ = e.fail(a.ActionID, cause)
				return
			}
		}
		a.RetryCount++
		a.Status = StatusAdmitted
		if err := e.persist(a, "actions.updated"); err != nil {
			return
		}
		e.mu.Lock()
		e.actions[a.ActionID] = a
		e.mu.Unlock()

		time.AfterFunc(delay, func() {
			e.mu.Lock()
			heap.Push(&e.queue, heapItem{a.ActionID, a.Priority, a.SubmittedAt})
			e.mu.Unlock()
			e.wake()
		})
		return
	}

	_ = e.fail(a.ActionID, cause)
}

func (e *Engine) fail(actionID string, cause error) error {
	e.mu.Lock()
	a, ok := e.actions[actionID]
	e.mu.Unlock()
	if !ok {
		return errs.New(errs.CodeNotFound, 404, "action not found")
	}

	structured, hasStructured := errs.As(cause)
	code := errs.CodeOf(cause)
	status := errs.StatusFor(code)
	retriable := false
	message := cause.Error()
	if hasStructured {
		status = structured.Status
		retriable = structured.Retriable
		message = structured.Message
	}

	a.Status = StatusFailed
	a.Error = &Error{Code: code, Status: status, Message: message, Retriable: retriable}
	if err := e.persist(a, "actions.failed"); err != nil {
		return err
	}
	e.mu.Lock()
	e.actions[actionID] = a
	e.mu.Unlock()
	return nil
}

// ReportState lets a lease-authenticated out-of-process worker report an
// action's terminal outcome directly, for deployments where dispatch
// happens outside this engine's own worker pool (spec §6 "POST
// /actions/:id/state ... Worker-only (lease-authenticated)"). Neither
// this method nor its HTTP handler verifies that the caller holds the
// action's worker lease.
func (e *Engine) ReportState(actionID string, status Status, output json.RawMessage, actionErr *Error) error {
	e.mu.Lock()
	a, ok := e.actions[actionID]
	e.mu.Unlock()
	if !ok {
		return errs.New(errs.CodeNotFound, 404, "action not found: "+actionID)
	}
	if a.Status.terminal() {
		return errs.New(errs.CodeNotFound, 409, "action already terminal")
	}

	a.Status = status
	a.Output = output
	a.Error = actionErr

	kind := "actions.updated"
	switch status {
	case StatusCompleted:
		kind = "actions.completed"
	case StatusFailed:
		kind = "actions.failed"
	case StatusCanceled:
		kind = "actions.canceled"
	}
	if err := e.persist(a, kind); err != nil {
		return err
	}
	e.mu.Lock()
	e.actions[actionID] = a
	e.mu.Unlock()
	return nil
}

// CrashSweep scans for actions whose worker lease (nack_after_ms) has
// elapsed without completion and returns them to admitted, incrementing
// the retry counter (spec §4.H "Scheduling": "if the worker crashes, the
// sweeper moves the action back to admitted"). internal/service runs
// this on a ticker alongside the lease ledger's sweeper.
func (e *Engine) CrashSweep() {
	now := e.clock.Now()
	e.mu.Lock()
	var stuck []Action
	for id, a := range e.actions {
		if a.Status == StatusRunning && !a.LeaseUntil.IsZero() && now.After(a.LeaseUntil) {
			stuck = append(stuck, a)
			_ = id
		}
	}
	e.mu.Unlock()

	for _, a := range stuck {
		if a.RetryCount >= e.opts.MaxRetries {
			_ = e.fail(a.ActionID, errs.New(errs.CodeCrashRestart, 500, "max retries exceeded after worker lease expiry"))
			continue
		}
		a.RetryCount++
		a.Status = StatusAdmitted
		a.WorkerID = ""
		if err := e.persist(a, "actions.updated"); err != nil {
			continue
		}
		e.mu.Lock()
		e.actions[a.ActionID] = a
		heap.Push(&e.queue, heapItem{a.ActionID, a.Priority, a.SubmittedAt})
		e.mu.Unlock()
	}
	if len(stuck) > 0 {
		e.wake()
	}
}

// List returns a snapshot of every in-memory action, for the actions
// read-model.
func (e *Engine) List() []Action {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Action, 0, len(e.actions))
	for _, a := range e.actions {
		out = append(out, a)
	}
	return out
}
