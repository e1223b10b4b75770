// Package readmodel implements the Read-Model Publisher of spec §4.J:
// per-id pure apply(snapshot, event) reducers, RFC-6902 JSON Patch
// diffing with canonical key ordering, a coalescing window, and
// snapshot persistence on a slower cadence.
//
// There is no teacher analog for a read-model reducer (spec §4.J is
// ARW-specific). Diffing is hand-rolled; VerifyPatch uses
// github.com/evanphx/json-patch/v5 (grounded on jordigilh-kubernaut's
// go.mod, which carries it for exactly this kind of JSON-Patch work) to
// replay a patch against a prior snapshot and compare the result. The
// publisher emits coalesced patches without calling VerifyPatch.
package readmodel

import (
	"bytes"
	"encoding/json"
	"sort"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/arw-hub/agenthub/internal/bus"
	"github.com/arw-hub/agenthub/internal/clock"
	"github.com/arw-hub/agenthub/internal/errs"
	"github.com/arw-hub/agenthub/internal/journal"
)

// Operation is one RFC-6902 JSON Patch operation.
type Operation struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
}

// Reducer is the pure function a read-model registers: given the
// current snapshot value and a matching event, it returns the next
// snapshot value. Reducers must not mutate current in place.
type Reducer func(current json.RawMessage, ev journal.Event) (json.RawMessage, error)

// Model is one registered read-model (spec §4.J: "models",
// "models_metrics", "route_stats", "snappy", "actions", "egress",
// "leases", ...).
type Model struct {
	ID      string
	Topics  []string // dot-prefixes this model's reducer consumes
	Reduce  Reducer
	Initial json.RawMessage
}

// SnapshotStore persists and restores read-model snapshots.
type SnapshotStore interface {
	Snapshot(id string, version uint64, value json.RawMessage, lastEventID uint64) error
	LoadSnapshot(id string) (journal.Snapshot, bool, error)
}

// Bus is the subset of *bus.Bus the publisher needs.
type Bus interface {
	Publish(rec journal.Record) (journal.Event, error)
	Subscribe(filter journal.Filter, cursor uint64, queueDepth int) (*bus.Subscription, error)
}

// CoalesceWindow is the default patch-coalescing window (spec §4.J:
// "default 50 ms").
const CoalesceWindow = 50 * time.Millisecond

// SnapshotEvery is the default snapshot cadence in accepted patches
// (spec §4.J: "default every 500 patches or 30 s").
const SnapshotEvery = 500

// SnapshotInterval is the default snapshot cadence in wall time.
const SnapshotInterval = 30 * time.Second

type modelState struct {
	model           Model
	current         json.RawMessage
	version         uint64
	lastEventID     uint64
	patchesSinceSnap int
}

// Publisher runs the registered models' reducers against the bus and
// emits state.read.model.patch events.
type Publisher struct {
	clock clock.Clock
	bus   Bus
	store SnapshotStore

	mu     sync.Mutex
	states map[string]*modelState
}

// New constructs a Publisher. Call Register for each model, then Boot to
// hydrate from snapshots, then Run to start consuming the bus.
func New(c clock.Clock, b Bus, store SnapshotStore) *Publisher {
	return &Publisher{clock: c, bus: b, store: store, states: make(map[string]*modelState)}
}

// Register adds a model. Must be called before Boot.
func (p *Publisher) Register(m Model) {
	if m.Initial == nil {
		m.Initial = json.RawMessage(`{}`)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[m.ID] = &modelState{model: m, current: m.Initial}
}

// Boot restores every registered model from its persisted snapshot, if
// any (spec §4.J: "On boot, the publisher restores from snapshot +
// replays subsequent events" — replay itself happens naturally once Run
// subscribes from lastEventID).
func (p *Publisher) Boot() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, st := range p.states {
		snap, ok, err := p.store.LoadSnapshot(st.model.ID)
		if err != nil {
			return err
		}
		if ok {
			st.current = snap.Value
			st.version = snap.Version
			st.lastEventID = snap.LastEventID
		}
	}
	return nil
}

// Get returns model id's current snapshot and last applied event id, for
// the GET /state/:id handler (spec §4.J "Subscribers hydrate by
// fetching...").
func (p *Publisher) Get(id string) (value json.RawMessage, version uint64, lastEventID uint64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[id]
	if !ok {
		return nil, 0, 0, false
	}
	return st.current, st.version, st.lastEventID, true
}

// Run subscribes to the bus (one subscription per registered model,
// filtered by its topics) and drives reduce->diff->emit until stop is
// closed.
func (p *Publisher) Run(stop <-chan struct{}) {
	p.mu.Lock()
	var wg sync.WaitGroup
	for _, st := range p.states {
		wg.Add(1)
		go func(st *modelState) {
			defer wg.Done()
			p.runModel(st, stop)
		}(st)
	}
	p.mu.Unlock()
	wg.Wait()
}

func (p *Publisher) runModel(st *modelState, stop <-chan struct{}) {
	sub, err := p.bus.Subscribe(journal.PrefixFilter(st.model.Topics...), st.lastEventID, bus.DefaultQueueDepth)
	if err != nil {
		return
	}
	defer sub.Close()

	ticker := time.NewTicker(CoalesceWindow)
	defer ticker.Stop()

	var pending []Operation
	var fromVersion uint64
	var lastSeen journal.Event
	haveWork := false
	lastSnap := p.clock.Now()

	flush := func() {
		if !haveWork || len(pending) == 0 {
			return
		}
		p.mu.Lock()
		toVersion := st.version + 1
		st.version = toVersion
		st.lastEventID = lastSeen.ID
		st.patchesSinceSnap++
		needSnapshot := st.patchesSinceSnap >= SnapshotEvery || p.clock.Now().Sub(lastSnap) >= SnapshotInterval
		if needSnapshot {
			st.patchesSinceSnap = 0
			lastSnap = p.clock.Now()
		}
		current := st.current
		id := st.model.ID
		p.mu.Unlock()

		payload, err := json.Marshal(map[string]any{
			"id":            id,
			"patch":         pending,
			"from_version":  fromVersion,
			"to_version":    toVersion,
			"last_event_id": lastSeen.ID,
		})
		if err == nil {
			_, _ = p.bus.Publish(journal.Record{Kind: "state.read.model.patch", Payload: payload})
		}
		if needSnapshot {
			_ = p.store.Snapshot(id, toVersion, current, lastSeen.ID)
		}

		pending = nil
		haveWork = false
	}

	for {
		select {
		case <-stop:
			flush()
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			p.mu.Lock()
			next, err := st.model.Reduce(st.current, ev)
			if err == nil {
				ops := diff(st.current, next)
				if len(ops) > 0 {
					if !haveWork {
						fromVersion = st.version
					}
					pending = append(pending, ops...)
					st.current = next
					lastSeen = ev
					haveWork = true
				}
			}
			p.mu.Unlock()
		case <-ticker.C:
			flush()
		}
	}
}

// diff computes an RFC-6902-shaped patch from a to b with canonical
// (sorted) key ordering, suppressing no-op changes. Nested objects diff
// recursively; arrays and scalars diff as whole-value replacements,
// which is sufficient for read-model snapshots (small, flat aggregate
// documents) without needing an LCS-based array diff.
func diff(a, b json.RawMessage) []Operation {
	var va, vb any
	if len(a) == 0 {
		a = []byte("{}")
	}
	if len(b) == 0 {
		b = []byte("{}")
	}
	if err := json.Unmarshal(a, &va); err != nil {
		return nil
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		return nil
	}
	var ops []Operation
	diffValue("", va, vb, &ops)
	return ops
}

func diffValue(path string, a, b any, ops *[]Operation) {
	am, aIsMap := a.(map[string]any)
	bm, bIsMap := b.(map[string]any)
	if aIsMap && bIsMap {
		keys := make(map[string]struct{}, len(am)+len(bm))
		for k := range am {
			keys[k] = struct{}{}
		}
		for k := range bm {
			keys[k] = struct{}{}
		}
		sorted := make([]string, 0, len(keys))
		for k := range keys {
			sorted = append(sorted, k)
		}
		sort.Strings(sorted)
		for _, k := range sorted {
			av, aok := am[k]
			bv, bok := bm[k]
			childPath := path + "/" + escapePointer(k)
			switch {
			case aok && !bok:
				*ops = append(*ops, Operation{Op: "remove", Path: childPath})
			case !aok && bok:
				*ops = append(*ops, Operation{Op: "add", Path: childPath, Value: bv})
			default:
				diffValue(childPath, av, bv, ops)
			}
		}
		return
	}
	if !equalJSON(a, b) {
		if path == "" {
			*ops = append(*ops, Operation{Op: "replace", Path: "", Value: b})
			return
		}
		*ops = append(*ops, Operation{Op: "replace", Path: path, Value: b})
	}
}

func equalJSON(a, b any) bool {
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

func escapePointer(s string) string {
	s = bytes.NewBufferString(s).String()
	replacer := func(in string) string {
		out := make([]byte, 0, len(in))
		for i := 0; i < len(in); i++ {
			switch in[i] {
			case '~':
				out = append(out, '~', '0')
			case '/':
				out = append(out, '~', '1')
			default:
				out = append(out, in[i])
			}
		}
		return string(out)
	}
	return replacer(s)
}

// VerifyPatch replays a coalesced patch against the pre-patch document
// using evanphx/json-patch, as a sanity check before it's trusted to
// represent current->next accurately.
func VerifyPatch(from json.RawMessage, ops []Operation, want json.RawMessage) error {
	patchBytes, err := json.Marshal(ops)
	if err != nil {
		return errs.Wrap(errs.CodeJournalCorrupt, 500, err)
	}
	patch, err := jsonpatch.DecodePatch(patchBytes)
	if err != nil {
		return errs.Wrap(errs.CodeJournalCorrupt, 500, err)
	}
	if len(from) == 0 {
		from = []byte("{}")
	}
	got, err := patch.Apply(from)
	if err != nil {
		return errs.Wrap(errs.CodeJournalCorrupt, 500, err)
	}
	var gotVal, wantVal any
	_ = json.Unmarshal(got, &gotVal)
	_ = json.Unmarshal(want, &wantVal)
	if !equalJSON(gotVal, wantVal) {
		return errs.New(errs.CodeJournalCorrupt, 500, "read-model patch verification mismatch")
	}
	return nil
}
