// Package artifact implements the optional Artifact store (spec §3.1
// "Artifact", SPEC_FULL.md §C.2): a minimal in-memory, versioned
// named-artifact registry whose mutations are surfaced as
// graph.ArtifactEvent stage annotations. Grounded on
// registry/result_stream.go's ResultStreamManager, generalized from its
// transient, per-tool-call result delivery (create/get/destroy keyed by
// tool-use ID, TTL-bounded) into durable, named, versioned artifacts that
// persist for the lifetime of the agent run rather than one tool call.
package artifact

import (
	"fmt"
	"sync"

	"agent-runtime/graph"
)

// Artifact is one named, versioned piece of content produced during a run
// (spec §3.1).
type Artifact struct {
	ID      string
	Version int
	Summary string
	Content any
}

// Store is a process-local artifact registry keyed by ID, keeping every
// version ever written.
type Store struct {
	mu      sync.Mutex
	history map[string][]Artifact
}

// New constructs an empty Store.
func New() *Store {
	return &Store{history: make(map[string][]Artifact)}
}

// Put writes a new version of id, returning the resulting graph.ArtifactEvent
// for the caller to attach to a skill-kind stage (spec §4.10: "artifact
// events surfaced as stage.answer.artifact_event on skill-kind stages").
func (s *Store) Put(id string, content any, summary string) graph.ArtifactEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.history[id]
	version := len(versions) + 1
	a := Artifact{ID: id, Version: version, Summary: summary, Content: content}
	s.history[id] = append(versions, a)

	action := "created"
	if version > 1 {
		action = "updated"
	}
	return graph.ArtifactEvent{Action: action, ArtifactID: id, Version: version, Summary: summary}
}

// Get returns the latest version of id.
func (s *Store) Get(id string) (Artifact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.history[id]
	if len(versions) == 0 {
		return Artifact{}, false
	}
	return versions[len(versions)-1], true
}

// GetVersion returns a specific version of id.
func (s *Store) GetVersion(id string, version int) (Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.history[id]
	for _, a := range versions {
		if a.Version == version {
			return a, nil
		}
	}
	return Artifact{}, fmt.Errorf("artifact: %q has no version %d", id, version)
}

// Delete removes an artifact and all of its versions, returning a
// "deleted" ArtifactEvent.
func (s *Store) Delete(id string) graph.ArtifactEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.history, id)
	return graph.ArtifactEvent{Action: "deleted", ArtifactID: id}
}

// List returns the current (latest-version) snapshot of every artifact in
// the store, for the `_artifacts` variable (spec §4.10).
func (s *Store) List() []Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Artifact, 0, len(s.history))
	for _, versions := range s.history {
		if len(versions) > 0 {
			out = append(out, versions[len(versions)-1])
		}
	}
	return out
}
