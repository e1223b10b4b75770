// Package journal implements the durable, append-only log that owns every
// record in the system (spec §3 "Ownership rules", §4.B). Every other
// component — the event bus, policy engine, lease ledger, egress guard,
// action queue, and read-model publisher — treats the Journal as the
// single source of truth and holds only derived, in-memory views.
//
// Storage is a single go.etcd.io/bbolt database, one bucket per record
// kind plus an offset counter bucket, mirroring the bucket-per-kind,
// db.Update/db.View idiom used for the embedded store in the retrieval
// pack (pkg/storage/boltdb.go). bbolt fsyncs every Update transaction by
// default, which satisfies "writes are fsynced in groups" without extra
// machinery. Every append, with or without a state row, is its own
// db.Update transaction; Batch is not used.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/arw-hub/agenthub/internal/clock"
	"github.com/arw-hub/agenthub/internal/errs"
)

var (
	bucketEvents         = []byte("events")
	bucketMeta           = []byte("meta")
	bucketActions        = []byte("actions")
	bucketLeases         = []byte("leases")
	bucketEgress         = []byte("egress")
	bucketContributions  = []byte("contributions")
	bucketConfigSnaps    = []byte("config_snapshots")
	bucketModelSnaps     = []byte("read_model_snapshots")
	bucketCASManifests   = []byte("cas_manifests")
	metaKeyNextOffset    = []byte("next_event_offset")
	allBuckets           = [][]byte{bucketEvents, bucketMeta, bucketActions, bucketLeases, bucketEgress, bucketContributions, bucketConfigSnaps, bucketModelSnaps, bucketCASManifests}
)

// Event is the durable, immutable envelope described by spec §3: every
// component's activity becomes one of these records. ID is a strictly
// monotonic per-boot offset, also used as the SSE Last-Event-ID.
type Event struct {
	ID      uint64          `json:"id"`
	Time    time.Time       `json:"time"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	CorrID  string          `json:"corr_id,omitempty"`
	Project string          `json:"project,omitempty"`
	Posture string          `json:"posture,omitempty"`
}

// Record is the caller-supplied, not-yet-assigned-an-offset form of Event.
type Record struct {
	Kind    string
	Payload json.RawMessage
	CorrID  string
	Project string
	Posture string
}

// Snapshot is a persisted read-model or config snapshot (spec §3).
type Snapshot struct {
	ID          string          `json:"id"`
	Version     uint64          `json:"version"`
	Value       json.RawMessage `json:"value"`
	LastEventID uint64          `json:"last_event_id"`
}

// Filter reports whether an event should be included in a Read result.
type Filter func(Event) bool

// PrefixFilter matches events whose Kind has any of prefixes as a
// dot-segment prefix, per the bus's filter grammar (spec §4.C).
func PrefixFilter(prefixes ...string) Filter {
	if len(prefixes) == 0 {
		return func(Event) bool { return true }
	}
	return func(e Event) bool {
		for _, p := range prefixes {
			if p == "" || hasKindPrefix(e.Kind, p) {
				return true
			}
		}
		return false
	}
}

func hasKindPrefix(kind, prefix string) bool {
	if len(kind) < len(prefix) {
		return false
	}
	if kind[:len(prefix)] != prefix {
		return false
	}
	return len(kind) == len(prefix) || kind[len(prefix)] == '.'
}

// Journal is the durable append-only store. All methods are safe for
// concurrent use.
type Journal struct {
	mu    sync.Mutex // serializes offset assignment; bbolt serializes writers itself
	db    *bolt.DB
	clock clock.Clock
}

// Open opens (creating if absent) a bbolt-backed Journal at dir/journal.db.
func Open(dir string, c clock.Clock) (*Journal, error) {
	path := filepath.Join(dir, "journal.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errs.Wrap(errs.CodeJournalWriteFail, 500, fmt.Errorf("open journal: %w", err))
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errs.Wrap(errs.CodeJournalWriteFail, 500, fmt.Errorf("create buckets: %w", err))
	}
	return &Journal{db: db, clock: c}, nil
}

// Close flushes and closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append durably writes rec as a new Event and returns it with its
// assigned offset. Write failure is fatal for the caller's request
// (spec §4.B "Failure semantics").
func (j *Journal) Append(rec Record) (Event, error) {
	return j.appendTx(rec, nil)
}

// AppendWithState durably writes rec as a new Event and, in the SAME
// bbolt transaction, upserts a state row in bucket keyed by stateKey —
// satisfying "each logical state change writes one transaction
// containing the state row update and the corresponding event row with
// the same event_id" (spec §4.B). bucket must be one of the journal's
// StateBucket constants below; callers pass those rather than raw
// strings.
func (j *Journal) AppendWithState(rec Record, bucket StateBucket, stateKey string, stateValue []byte) (Event, error) {
	b := []byte(bucket)
	return j.appendTx(rec, func(tx *bolt.Tx) error {
		bk := tx.Bucket(b)
		if bk == nil {
			return fmt.Errorf("unknown state bucket %q", bucket)
		}
		return bk.Put([]byte(stateKey), stateValue)
	})
}

func (j *Journal) appendTx(rec Record, withState func(tx *bolt.Tx) error) (Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	ev := Event{
		Time:    j.clock.Now().UTC(),
		Kind:    rec.Kind,
		Payload: rec.Payload,
		CorrID:  rec.CorrID,
		Project: rec.Project,
		Posture: rec.Posture,
	}

	err := j.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		next := nextOffset(meta)
		ev.ID = next

		events := tx.Bucket(bucketEvents)
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if err := events.Put(offsetKey(ev.ID), data); err != nil {
			return err
		}
		if err := meta.Put(metaKeyNextOffset, offsetKey(ev.ID+1)); err != nil {
			return err
		}
		if withState != nil {
			return withState(tx)
		}
		return nil
	})
	if err != nil {
		return Event{}, errs.Wrap(errs.CodeJournalWriteFail, 500, err)
	}
	return ev, nil
}

func nextOffset(meta *bolt.Bucket) uint64 {
	v := meta.Get(metaKeyNextOffset)
	if v == nil {
		return 1
	}
	return binary.BigEndian.Uint64(v)
}

func offsetKey(offset uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], offset)
	return k[:]
}

// Read returns up to limit events with ID > afterOffset matching filter,
// in ascending offset order.
func (j *Journal) Read(afterOffset uint64, limit int, filter Filter) ([]Event, error) {
	if filter == nil {
		filter = func(Event) bool { return true }
	}
	var out []Event
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		start := offsetKey(afterOffset + 1)
		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				// Corruption of a single record: skip with warning, don't fail
				// the whole read (spec §4.B "Failure semantics").
				continue
			}
			if !filter(ev) {
				continue
			}
			out = append(out, ev)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.CodeJournalCorrupt, 500, err)
	}
	return out, nil
}

// Tail returns the offset of the most recently appended event, or 0 if
// the journal is empty.
func (j *Journal) Tail() uint64 {
	var tail uint64
	_ = j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		k, _ := c.Last()
		if k != nil {
			tail = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	return tail
}

// Snapshot persists a read-model or config snapshot under id, replacing
// any prior value.
func (j *Journal) Snapshot(id string, version uint64, value json.RawMessage, lastEventID uint64) error {
	snap := Snapshot{ID: id, Version: version, Value: value, LastEventID: lastEventID}
	data, err := json.Marshal(snap)
	if err != nil {
		return errs.Wrap(errs.CodeJournalWriteFail, 500, err)
	}
	err = j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketModelSnaps).Put([]byte(id), data)
	})
	if err != nil {
		return errs.Wrap(errs.CodeJournalWriteFail, 500, err)
	}
	return nil
}

// LoadSnapshot returns the persisted snapshot for id, if any.
func (j *Journal) LoadSnapshot(id string) (Snapshot, bool, error) {
	var snap Snapshot
	found := false
	err := j.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketModelSnaps).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &snap)
	})
	if err != nil {
		return Snapshot{}, false, errs.Wrap(errs.CodeJournalCorrupt, 500, err)
	}
	return snap, found, nil
}

// StateBucket names one of the journal's per-kind durable state buckets.
type StateBucket string

const (
	StateActions       StateBucket = "actions"
	StateLeases        StateBucket = "leases"
	StateEgress        StateBucket = "egress"
	StateContributions StateBucket = "contributions"
	StateConfigSnaps   StateBucket = "config_snapshots"
	StateCASManifests  StateBucket = "cas_manifests"
)

func (b StateBucket) bytes() []byte { return []byte(b) }

// PutState writes value under key in bucket without an accompanying
// event, for housekeeping writes that have no single corresponding event.
// (CAS manifest GC removes rows with DeleteState.)
func (j *Journal) PutState(bucket StateBucket, key string, value []byte) error {
	err := j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket.bytes()).Put([]byte(key), value)
	})
	if err != nil {
		return errs.Wrap(errs.CodeJournalWriteFail, 500, err)
	}
	return nil
}

// DeleteState removes key from bucket.
func (j *Journal) DeleteState(bucket StateBucket, key string) error {
	err := j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket.bytes()).Delete([]byte(key))
	})
	if err != nil {
		return errs.Wrap(errs.CodeJournalWriteFail, 500, err)
	}
	return nil
}

// GetState reads key from bucket.
func (j *Journal) GetState(bucket StateBucket, key string) ([]byte, bool, error) {
	var out []byte
	err := j.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket.bytes()).Get([]byte(key))
		if v == nil {
			return nil
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, false, errs.Wrap(errs.CodeJournalCorrupt, 500, err)
	}
	return out, out != nil, nil
}

// ForEachState iterates every key/value pair in bucket in key order. Used
// at boot for crash recovery (scanning bucketActions for rows left
// "running") and for listing derived views into memory.
func (j *Journal) ForEachState(bucket StateBucket, fn func(key string, value []byte) error) error {
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket.bytes()).ForEach(func(k, v []byte) error {
			return fn(string(k), append([]byte(nil), v...))
		})
	})
	if err != nil {
		return errs.Wrap(errs.CodeJournalCorrupt, 500, err)
	}
	return nil
}
