// Package cas implements the content-addressed blob store of spec §4.G:
// digest-addressed storage with single-flight streaming puts, range
// reads, admission control with dynamic concurrency shrink, and
// reference-counted garbage collection.
//
// The manifest index reuses the journal's bbolt-backed state bucket
// idiom (cuemby-warren/pkg/storage/boltdb.go: bucket keyed by a stable
// id, JSON-encoded value) keyed by sha256 instead of a node/service id.
// Byte-size formatting for GC/progress logs uses
// github.com/dustin/go-humanize, matching evalgo-org-eve's own use of it
// around streaming downloads (network/downloader.go).
package cas

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/arw-hub/agenthub/internal/errs"
	"github.com/arw-hub/agenthub/internal/journal"
)

// Budget bounds a single put_streaming call.
type Budget struct {
	MaxBytes      int64
	MaxDiskBytes  int64 // minimum free disk space required, checked before admission
}

// Blob is the durable CAS record (spec §3 "CAS blob").
type Blob struct {
	SHA256    string   `json:"sha256"`
	Bytes     int64    `json:"bytes"`
	Path      string   `json:"path"`
	Providers []string `json:"providers,omitempty"`
	Manifests []string `json:"manifests,omitempty"` // ids of manifests referencing this blob
}

// Recorder journals CAS progress/gc events and the manifest state row.
type Recorder interface {
	Publish(rec journal.Record) (journal.Event, error)
	AppendWithState(rec journal.Record, bucket journal.StateBucket, stateKey string, stateValue []byte) (journal.Event, error)
	ForEachState(bucket journal.StateBucket, fn func(key string, value []byte) error) error
	DeleteState(bucket journal.StateBucket, key string) error
}

// Store is the digest-addressed blob store.
type Store struct {
	dir       string
	journal   Recorder
	maxConcur int

	sem  chan struct{}
	mu   sync.Mutex
	// pendingShrink counts concurrency slots that must drain before a
	// lowered maxConcur takes full effect (spec §4.G "Admission control").
	pendingShrink int

	inflight map[string]*putJob // keyed by expected sha256; single-flight
}

// putJob is the shared state concurrent put_streaming callers with the
// same expected digest attach to.
type putJob struct {
	done   chan struct{}
	result Blob
	err    error
}

// Open constructs a Store rooted at dir, with maxConcur concurrent
// put_streaming admissions (spec §4.G "Admission control").
func Open(dir string, j Recorder, maxConcur int) (*Store, error) {
	if maxConcur <= 0 {
		maxConcur = 4
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.CodeDiskInsufficient, 500, err)
	}
	return &Store{
		dir:       dir,
		journal:   j,
		maxConcur: maxConcur,
		sem:       make(chan struct{}, maxConcur),
		inflight:  make(map[string]*putJob),
	}, nil
}

// SetMaxConcurrency shrinks or grows the admission cap. Shrinking never
// cancels in-flight work: the cap applies once enough slots drain. The
// cap never grows above the value given to Open.
func (s *Store) SetMaxConcurrency(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delta := s.maxConcur - n
	if delta > 0 {
		s.pendingShrink += delta
	} else if delta < 0 {
		// Slots retired by an earlier, already drained shrink still hold a
		// token in sem; growing hands those back.
		retired := cap(s.sem) - s.maxConcur - s.pendingShrink
		for i := 0; i < -delta; i++ {
			if s.pendingShrink > 0 {
				s.pendingShrink--
			} else if retired > 0 {
				<-s.sem
				retired--
			} else {
				break
			}
		}
		n = cap(s.sem) - retired - s.pendingShrink
	}
	s.maxConcur = n
}

func (s *Store) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) release() {
	s.mu.Lock()
	if s.pendingShrink > 0 {
		// Retire this slot: its token stays in sem, which is how a
		// lowered cap takes effect.
		s.pendingShrink--
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	<-s.sem
}

func blobPath(dir, sha string) string {
	return filepath.Join(dir, sha+".bin")
}

// PutStreaming writes source to a temporary path while hashing it,
// atomically renames to <sha256>.bin on completion, and emits
// models.download.progress transitions. Concurrent calls sharing the
// same expectedSHA256 are single-flighted: only one performs the write,
// the rest attach and receive the same result or error.
func (s *Store) PutStreaming(ctx context.Context, source io.Reader, expectedSHA256 string, budget Budget) (Blob, error) {
	if expectedSHA256 != "" {
		s.mu.Lock()
		if job, ok := s.inflight[expectedSHA256]; ok {
			s.mu.Unlock()
			<-job.done
			return job.result, job.err
		}
		job := &putJob{done: make(chan struct{})}
		s.inflight[expectedSHA256] = job
		s.mu.Unlock()

		blob, err := s.doPut(ctx, source, expectedSHA256, budget)
		job.result, job.err = blob, err
		close(job.done)

		s.mu.Lock()
		delete(s.inflight, expectedSHA256)
		s.mu.Unlock()
		return blob, err
	}
	return s.doPut(ctx, source, expectedSHA256, budget)
}

func (s *Store) doPut(ctx context.Context, source io.Reader, expectedSHA256 string, budget Budget) (Blob, error) {
	s.emit("models.download.progress", map[string]any{"sha256": expectedSHA256, "code": "queued"})

	if budget.MaxDiskBytes > 0 {
		if free, err := diskFree(s.dir); err == nil && free < budget.MaxDiskBytes {
			s.emit("models.download.progress", map[string]any{"sha256": expectedSHA256, "code": "disk-insufficient"})
			return Blob{}, errs.New(errs.CodeDiskInsufficient, 507, "insufficient disk space")
		}
	}

	if err := s.acquire(ctx); err != nil {
		return Blob{}, errs.Wrap(errs.CodeQueueOverflow, 503, err)
	}
	defer s.release()

	s.emit("models.download.progress", map[string]any{"sha256": expectedSHA256, "code": "admitted"})

	tmp, err := os.CreateTemp(s.dir, "cas-*.tmp")
	if err != nil {
		return Blob{}, errs.Wrap(errs.CodeDiskInsufficient, 500, err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	h := sha256.New()
	limited := source
	if budget.MaxBytes > 0 {
		limited = io.LimitReader(source, budget.MaxBytes+1)
	}
	s.emit("models.download.progress", map[string]any{"sha256": expectedSHA256, "code": "downloading"})

	n, err := io.Copy(io.MultiWriter(tmp, h), limited)
	if err != nil {
		s.emit("models.download.progress", map[string]any{"sha256": expectedSHA256, "code": "resume-failed"})
		return Blob{}, errs.Wrap(errs.CodeTimeout, 502, err)
	}
	if budget.MaxBytes > 0 && n > budget.MaxBytes {
		s.emit("models.download.progress", map[string]any{"sha256": expectedSHA256, "code": "size-mismatch"})
		return Blob{}, errs.New("size-mismatch", 413, fmt.Sprintf("blob exceeded budget: %s", humanize.Bytes(uint64(budget.MaxBytes))))
	}

	actual := hex.EncodeToString(h.Sum(nil))
	if expectedSHA256 != "" && actual != expectedSHA256 {
		s.emit("models.download.progress", map[string]any{"sha256": expectedSHA256, "code": "checksum-mismatch"})
		return Blob{}, errs.New("checksum-mismatch", 409, "digest mismatch")
	}

	final := blobPath(s.dir, actual)
	if err := tmp.Close(); err != nil {
		return Blob{}, errs.Wrap(errs.CodeJournalWriteFail, 500, err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return Blob{}, errs.Wrap(errs.CodeJournalWriteFail, 500, err)
	}

	blob := Blob{SHA256: actual, Bytes: n, Path: final}
	if err := s.persistManifest(blob); err != nil {
		return Blob{}, err
	}
	s.emit("models.download.progress", map[string]any{"sha256": actual, "code": "complete", "bytes": humanize.Bytes(uint64(n))})
	return blob, nil
}

func (s *Store) emit(kind string, fields map[string]any) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return
	}
	_, _ = s.journal.Publish(journal.Record{Kind: kind, Payload: payload})
}

func (s *Store) persistManifest(blob Blob) error {
	data, err := json.Marshal(blob)
	if err != nil {
		return errs.Wrap(errs.CodeJournalWriteFail, 500, err)
	}
	_, err = s.journal.AppendWithState(journal.Record{Kind: "cas.manifest.updated", Payload: data}, journal.StateCASManifests, blob.SHA256, data)
	return err
}

// OpenBlob opens sha256's blob for reading, honoring an optional HTTP-style
// byte range [start, end] (end == -1 means to EOF).
func (s *Store) OpenBlob(sha256Hex string, start, end int64) (io.ReadCloser, int64, error) {
	path := blobPath(s.dir, sha256Hex)
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errs.New(errs.CodeNotFound, 404, "blob not found: "+sha256Hex)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, errs.Wrap(errs.CodeJournalCorrupt, 500, err)
	}
	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			f.Close()
			return nil, 0, errs.Wrap(errs.CodeJournalCorrupt, 500, err)
		}
	}
	size := info.Size()
	if end >= 0 && end < size {
		size = end - start + 1
		return readCloserLimit{f, io.LimitReader(f, size)}, size, nil
	}
	return readCloserLimit{f, f}, size - start, nil
}

type readCloserLimit struct {
	closer io.Closer
	io.Reader
}

func (r readCloserLimit) Close() error { return r.closer.Close() }

// GcPolicy controls what Gc sweeps.
type GcPolicy struct {
	// RefCount returns how many manifests reference sha256. A blob with
	// zero references is eligible for collection.
	RefCount func(sha256Hex string) int
}

// GcSummary reports the outcome of a Gc pass.
type GcSummary struct {
	Scanned  int
	Removed  int
	FreedBytes int64
}

// Gc sweeps orphaned blobs (spec §4.G) and emits models.cas.gc.
func (s *Store) Gc(policy GcPolicy) (GcSummary, error) {
	var summary GcSummary
	var toRemove []Blob

	err := s.journal.ForEachState(journal.StateCASManifests, func(key string, value []byte) error {
		summary.Scanned++
		var blob Blob
		if err := json.Unmarshal(value, &blob); err != nil {
			return nil // corrupted row: skip with warning semantics handled by journal layer
		}
		refs := 0
		if policy.RefCount != nil {
			refs = policy.RefCount(key)
		}
		if refs == 0 {
			toRemove = append(toRemove, blob)
		}
		return nil
	})
	if err != nil {
		return summary, err
	}

	for _, blob := range toRemove {
		if err := os.Remove(blob.Path); err != nil && !os.IsNotExist(err) {
			continue
		}
		if err := s.journal.DeleteState(journal.StateCASManifests, blob.SHA256); err != nil {
			continue
		}
		summary.Removed++
		summary.FreedBytes += blob.Bytes
	}

	payload, _ := json.Marshal(map[string]any{
		"scanned":     summary.Scanned,
		"removed":     summary.Removed,
		"freed_bytes": summary.FreedBytes,
		"freed":       humanize.Bytes(uint64(summary.FreedBytes)),
	})
	_, _ = s.journal.Publish(journal.Record{Kind: "models.cas.gc", Payload: payload})
	return summary, nil
}

func diskFree(dir string) (int64, error) {
	return diskFreeBytes(dir)
}
