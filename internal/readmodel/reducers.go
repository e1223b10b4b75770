package readmodel

import (
	"encoding/json"

	"github.com/arw-hub/agenthub/internal/journal"
)

// entityPayload is the shape every action.Action / lease.Lease /
// egress.LedgerRow journal payload already takes: the full entity,
// JSON-marshaled, keyed by its own id field. Reducers below only need to
// know which JSON field carries the id, and then they upsert the whole
// decoded object into the model's keyed map.
func upsertByID(current json.RawMessage, idField string, payload json.RawMessage) (json.RawMessage, error) {
	var doc map[string]any
	if len(current) == 0 {
		doc = map[string]any{}
	} else if err := json.Unmarshal(current, &doc); err != nil {
		return nil, err
	}
	var entity map[string]any
	if err := json.Unmarshal(payload, &entity); err != nil {
		return nil, err
	}
	id, _ := entity[idField].(string)
	if id == "" {
		return current, nil
	}
	items, _ := doc["items"].(map[string]any)
	if items == nil {
		items = map[string]any{}
	}
	items[id] = entity
	doc["items"] = items
	return json.Marshal(doc)
}

// ActionsModel is the "actions" read-model: a keyed map of action_id ->
// latest known Action document (spec §4.J / §4.H).
func ActionsModel() Model {
	return Model{
		ID:     "actions",
		Topics: []string{"actions"},
		Reduce: func(current json.RawMessage, ev journal.Event) (json.RawMessage, error) {
			return upsertByID(current, "action_id", ev.Payload)
		},
	}
}

// LeasesModel is the "leases" read-model: a keyed map of lease_id ->
// latest known Lease document (spec §4.E).
func LeasesModel() Model {
	return Model{
		ID:     "leases",
		Topics: []string{"leases"},
		Reduce: func(current json.RawMessage, ev journal.Event) (json.RawMessage, error) {
			return upsertByID(current, "lease_id", ev.Payload)
		},
	}
}

// EgressModel is the "egress" read-model: a running ledger of egress
// decisions keyed by ledger row id (spec §4.F).
func EgressModel() Model {
	return Model{
		ID:     "egress",
		Topics: []string{"egress.ledger"},
		Reduce: func(current json.RawMessage, ev journal.Event) (json.RawMessage, error) {
			return upsertByID(current, "id", ev.Payload)
		},
	}
}

// routeStats is the aggregate value shape for the "route_stats" model.
type routeStat struct {
	Count      int64 `json:"count"`
	Failed     int64 `json:"failed"`
	DurationMS int64 `json:"duration_ms_total"`
}

// RouteStatsModel is the "route_stats" read-model: per action-kind
// counters derived from the actions.completed / actions.failed stream,
// used by dashboards to show per-tool throughput and error rate without
// replaying the full action history.
func RouteStatsModel() Model {
	return Model{
		ID:     "route_stats",
		Topics: []string{"actions.completed", "actions.failed"},
		Reduce: func(current json.RawMessage, ev journal.Event) (json.RawMessage, error) {
			stats := map[string]routeStat{}
			if len(current) > 0 {
				if err := json.Unmarshal(current, &stats); err != nil {
					return nil, err
				}
			}
			var entity struct {
				Kind string `json:"kind"`
			}
			if err := json.Unmarshal(ev.Payload, &entity); err != nil {
				return nil, err
			}
			if entity.Kind == "" {
				return current, nil
			}
			s := stats[entity.Kind]
			s.Count++
			if ev.Kind == "actions.failed" {
				s.Failed++
			}
			stats[entity.Kind] = s
			return json.Marshal(stats)
		},
	}
}

// ModelsModel is the "models" read-model: a map of CAS manifests keyed
// by sha256 digest, each entry the latest manifest seen (spec §4.G).
func ModelsModel() Model {
	return Model{
		ID:     "models",
		Topics: []string{"cas.manifest.updated"},
		Reduce: func(current json.RawMessage, ev journal.Event) (json.RawMessage, error) {
			return upsertByID(current, "sha256", ev.Payload)
		},
	}
}

// modelsMetrics is the value shape for the "models_metrics" read-model:
// aggregate counters derived from CAS progress and GC events (spec
// §4.G).
type modelsMetricsValue struct {
	Downloads int64 `json:"downloads_completed"`
	Failures  int64 `json:"downloads_failed"`
	GCRuns    int64 `json:"gc_runs"`
	FreedBytes int64 `json:"gc_freed_bytes"`
}

// ModelsMetricsModel is the "models_metrics" read-model.
func ModelsMetricsModel() Model {
	return Model{
		ID:     "models_metrics",
		Topics: []string{"models.download.progress", "models.cas.gc"},
		Reduce: func(current json.RawMessage, ev journal.Event) (json.RawMessage, error) {
			var v modelsMetricsValue
			if len(current) > 0 {
				if err := json.Unmarshal(current, &v); err != nil {
					return nil, err
				}
			}
			switch ev.Kind {
			case "models.download.progress":
				var p struct {
					Stage string `json:"code"`
				}
				if err := json.Unmarshal(ev.Payload, &p); err != nil {
					return nil, err
				}
				switch p.Stage {
				case "complete":
					v.Downloads++
				case "resume-failed", "checksum-mismatch", "size-mismatch", "disk-insufficient":
					v.Failures++
				}
			case "models.cas.gc":
				var g struct {
					FreedBytes int64 `json:"freed_bytes"`
				}
				if err := json.Unmarshal(ev.Payload, &g); err != nil {
					return nil, err
				}
				v.GCRuns++
				v.FreedBytes += g.FreedBytes
			}
			return json.Marshal(v)
		},
	}
}

// SnappyModel is the "snappy" read-model: a rolling health snapshot
// covering bus backpressure (service.stream.lagged) so operators can see
// at a glance whether any subscriber is falling behind.
func SnappyModel() Model {
	return Model{
		ID:     "snappy",
		Topics: []string{"service.stream.lagged"},
		Reduce: func(current json.RawMessage, ev journal.Event) (json.RawMessage, error) {
			var v struct {
				LaggedEvents int64 `json:"lagged_events"`
			}
			if len(current) > 0 {
				if err := json.Unmarshal(current, &v); err != nil {
					return nil, err
				}
			}
			v.LaggedEvents++
			return json.Marshal(v)
		},
	}
}

// RegisterDefaults registers the built-in read-models (spec §4.J's
// "models", "models_metrics", "route_stats", "snappy", "actions",
// "egress", "leases" set).
func RegisterDefaults(p *Publisher) {
	p.Register(ActionsModel())
	p.Register(LeasesModel())
	p.Register(EgressModel())
	p.Register(RouteStatsModel())
	p.Register(ModelsModel())
	p.Register(ModelsMetricsModel())
	p.Register(SnappyModel())
}
