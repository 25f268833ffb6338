// Package lineage tracks the append-only version history of one design
// across iterative refinements. Results of asynchronous compilations are
// routed to versions strictly by version id, never "whatever is currently
// latest": the orchestrator may be invoked again before a prior attempt's
// result arrives, and a latest-version write would corrupt the newer,
// unrelated version with a stale result.
package lineage

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"scadloop/internal/database"
	"scadloop/internal/loop"
	"scadloop/internal/script"

	"github.com/google/uuid"
)

var (
	// ErrUnknownLineage is returned when a lineage id does not exist. The
	// store's state is unchanged.
	ErrUnknownLineage = errors.New("unknown lineage")

	// ErrUnknownVersion is returned when a result arrives for a version id
	// that does not exist in the lineage. The result is dropped; it is
	// never merged into an unrelated version.
	ErrUnknownVersion = errors.New("unknown version")
)

// Version is one compiled (or pending, or failed) state of a design.
type Version struct {
	Number   int
	ID       string
	ParentID string
	Script   script.Script
	Result   *loop.JobResult
	IsLatest bool
}

// Pending reports whether the version still awaits its result
func (v Version) Pending() bool {
	return v.Result == nil
}

// Lineage is the ordered, append-only version history of one design.
// Version numbers are 1-based, contiguous and never reused; exactly one
// version is latest at any time. Older versions are demoted, never
// deleted.
type Lineage struct {
	ID       string
	Versions []Version
}

// Latest returns the current latest version
func (l Lineage) Latest() Version {
	return l.Versions[len(l.Versions)-1]
}

// Store holds all live lineages. Pure in-memory state mutated only through
// Start, Append, ApplyResult and Abandon. Append calls for one lineage are
// serialized by the caller (appends are user-causal); ApplyResult may
// arrive in any order relative to everything else.
type Store struct {
	mu       sync.Mutex
	lineages map[string]*Lineage

	lifecycle *database.LifecycleDB
}

// NewStore creates an empty lineage store
func NewStore() *Store {
	return &Store{
		lineages: make(map[string]*Lineage),
	}
}

// WithLifecycle enables anomaly persistence
func (s *Store) WithLifecycle(lifecycle *database.LifecycleDB) *Store {
	s.lifecycle = lifecycle
	return s
}

// Start creates a new lineage whose version 1 holds the given script and
// is marked latest.
func (s *Store) Start(firstScript script.Script) Lineage {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := &Lineage{
		ID: uuid.New().String(),
		Versions: []Version{{
			Number:   1,
			ID:       uuid.New().String(),
			Script:   firstScript,
			IsLatest: true,
		}},
	}
	s.lineages[l.ID] = l
	return snapshot(l)
}

// Append creates version N+1 with the given script, marks it latest and
// demotes the previous latest. An unknown lineage id leaves the store
// unchanged.
func (s *Store) Append(lineageID string, sc script.Script, parentVersionID string) (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lineages[lineageID]
	if !ok {
		return Version{}, fmt.Errorf("%w: %s", ErrUnknownLineage, lineageID)
	}

	prev := &l.Versions[len(l.Versions)-1]
	prev.IsLatest = false

	v := Version{
		Number:   prev.Number + 1,
		ID:       uuid.New().String(),
		ParentID: parentVersionID,
		Script:   sc,
		IsLatest: true,
	}
	l.Versions = append(l.Versions, v)
	return v, nil
}

// ApplyResult attaches a job result to the version with the given id,
// regardless of whether that version is still the latest. Unknown ids are
// logged as anomalies and the result is dropped. Applying the same result
// to the same version twice leaves the state unchanged on the second
// application.
func (s *Store) ApplyResult(lineageID, versionID string, result loop.JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lineages[lineageID]
	if !ok {
		s.anomaly("result dropped: unknown lineage", lineageID, versionID)
		return fmt.Errorf("%w: %s", ErrUnknownLineage, lineageID)
	}

	for i := range l.Versions {
		v := &l.Versions[i]
		if v.ID != versionID {
			continue
		}
		if v.Result != nil && reflect.DeepEqual(*v.Result, result) {
			// Duplicate delivery of the same result is a no-op.
			s.anomaly("duplicate result delivery ignored", lineageID, versionID)
			return nil
		}
		r := result
		v.Result = &r
		return nil
	}

	s.anomaly("result dropped: unknown version", lineageID, versionID)
	return fmt.Errorf("%w: %s", ErrUnknownVersion, versionID)
}

// Get returns a snapshot of a lineage
func (s *Store) Get(lineageID string) (Lineage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lineages[lineageID]
	if !ok {
		return Lineage{}, fmt.Errorf("%w: %s", ErrUnknownLineage, lineageID)
	}
	return snapshot(l), nil
}

// Version returns a snapshot of one version by id
func (s *Store) Version(lineageID, versionID string) (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lineages[lineageID]
	if !ok {
		return Version{}, fmt.Errorf("%w: %s", ErrUnknownLineage, lineageID)
	}
	for _, v := range l.Versions {
		if v.ID == versionID {
			return copyVersion(v), nil
		}
	}
	return Version{}, fmt.Errorf("%w: %s", ErrUnknownVersion, versionID)
}

// Abandon destroys a lineage. Used only when the user abandons or restarts
// the session.
func (s *Store) Abandon(lineageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lineages[lineageID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLineage, lineageID)
	}
	delete(s.lineages, lineageID)
	return nil
}

// anomaly records an internal routing failure. These indicate programming
// errors or stale deliveries, never domain failures, and must not
// propagate as one.
func (s *Store) anomaly(message, lineageID, versionID string) {
	slog.Error("lineage anomaly",
		slog.String("message", message),
		slog.String("lineage_id", lineageID),
		slog.String("version_id", versionID))
	if s.lifecycle != nil {
		detail := fmt.Sprintf("%s (lineage=%s version=%s)", message, lineageID, versionID)
		if err := s.lifecycle.RecordAnomaly("lineage", detail); err != nil {
			slog.Warn("failed to persist anomaly", slog.String("error", err.Error()))
		}
	}
}

func snapshot(l *Lineage) Lineage {
	out := Lineage{ID: l.ID, Versions: make([]Version, len(l.Versions))}
	for i, v := range l.Versions {
		out.Versions[i] = copyVersion(v)
	}
	return out
}

func copyVersion(v Version) Version {
	if v.Result != nil {
		r := *v.Result
		v.Result = &r
	}
	return v
}
