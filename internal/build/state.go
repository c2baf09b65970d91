package build

import (
	"sync"
	"time"

	hmrerrors "github.com/conneroisu/exthmr/internal/errors"
	"github.com/conneroisu/exthmr/internal/manifest"
)

// CoordinatorState is the mutable state of one dev session: the content hash
// table, the dependency map, the last reconciled manifest and the
// outstanding build error. Each part guards itself, since the build and
// change lanes run on separate goroutines.
type CoordinatorState struct {
	Hashes *HashProvider
	Deps   *DependencyMap

	manifestMu sync.RWMutex
	manifest   *manifest.Descriptor

	errMu    sync.RWMutex
	errState *hmrerrors.ErrorRecord

	statsMu        sync.RWMutex
	lastBuild      time.Time
	lastBuildOK    bool
	fullBuilds     int
	entryRebuilds  int
	failedBuilds   int
	suppressedHits int
}

// NewCoordinatorState creates empty state for the project rooted at root.
func NewCoordinatorState(root string) *CoordinatorState {
	return &CoordinatorState{
		Hashes: NewHashProvider(),
		Deps:   NewDependencyMap(root),
	}
}

// Manifest returns a copy of the last committed descriptor, or nil before
// the first successful full build.
func (s *CoordinatorState) Manifest() *manifest.Descriptor {
	s.manifestMu.RLock()
	defer s.manifestMu.RUnlock()

	return s.manifest.Clone()
}

// SetManifest commits d as the current descriptor.
func (s *CoordinatorState) SetManifest(d *manifest.Descriptor) {
	s.manifestMu.Lock()
	defer s.manifestMu.Unlock()

	s.manifest = d.Clone()
}

// UpdateManifest mutates the current descriptor in place under the lock and
// returns a copy of the result. fn is not called before the first commit.
func (s *CoordinatorState) UpdateManifest(fn func(d *manifest.Descriptor)) *manifest.Descriptor {
	s.manifestMu.Lock()
	defer s.manifestMu.Unlock()

	if s.manifest == nil {
		return nil
	}
	fn(s.manifest)
	return s.manifest.Clone()
}

// Error returns the outstanding build error, or nil.
func (s *CoordinatorState) Error() *hmrerrors.ErrorRecord {
	s.errMu.RLock()
	defer s.errMu.RUnlock()

	return s.errState
}

// SetError records record as the outstanding build error.
func (s *CoordinatorState) SetError(record *hmrerrors.ErrorRecord) {
	s.errMu.Lock()
	defer s.errMu.Unlock()

	s.errState = record
}

// ClearError drops the outstanding build error and reports whether one was
// set.
func (s *CoordinatorState) ClearError() bool {
	s.errMu.Lock()
	defer s.errMu.Unlock()

	had := s.errState != nil
	s.errState = nil
	return had
}

// StateStats is a snapshot of build counters for status reporting.
type StateStats struct {
	LastBuild      time.Time `json:"last_build"`
	LastBuildOK    bool      `json:"last_build_ok"`
	FullBuilds     int       `json:"full_builds"`
	EntryRebuilds  int       `json:"entry_rebuilds"`
	FailedBuilds   int       `json:"failed_builds"`
	SuppressedHits int       `json:"suppressed_changes"`
	TrackedFiles   int       `json:"tracked_files"`
}

// Stats returns a snapshot of the build counters.
func (s *CoordinatorState) Stats() StateStats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()

	return StateStats{
		LastBuild:      s.lastBuild,
		LastBuildOK:    s.lastBuildOK,
		FullBuilds:     s.fullBuilds,
		EntryRebuilds:  s.entryRebuilds,
		FailedBuilds:   s.failedBuilds,
		SuppressedHits: s.suppressedHits,
		TrackedFiles:   s.Hashes.Len(),
	}
}

func (s *CoordinatorState) recordBuild(full, ok bool) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	s.lastBuild = time.Now()
	s.lastBuildOK = ok
	switch {
	case !ok:
		s.failedBuilds++
	case full:
		s.fullBuilds++
	default:
		s.entryRebuilds++
	}
}

func (s *CoordinatorState) recordSuppressed() {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	s.suppressedHits++
}
