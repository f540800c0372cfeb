// Package ids centralizes identifier generation for runtime entities (runs,
// frames, snapshots, stages, tasks). Every identifier is globally unique and
// prefixed to improve readability in logs, metrics, and traces.
package ids

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// New returns a globally unique identifier prefixed with kind, normalizing
// dots in kind to dashes for log/metric friendliness (mirrors
// runtime/agent/runtime/run_id.go's generateRunID convention).
func New(kind string) string {
	prefix := strings.ReplaceAll(kind, ".", "-")
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

// NewRunID returns a run identifier scoped to an agent.
func NewRunID(agentID string) string { return New("run-" + agentID) }

// NewFrameID returns an execution frame identifier.
func NewFrameID() string { return New("frame") }

// NewSnapshotID returns a context snapshot identifier.
func NewSnapshotID() string { return New("snap") }

// NewStageID returns a stage identifier.
func NewStageID() string { return New("stage") }

// NewTaskID returns a plan task identifier.
func NewTaskID() string { return New("task") }

// NewRefID returns a result-cache reference identifier.
func NewRefID() string { return New("ref") }

// NewToolCallID returns a tool-call identifier fallback per spec §4.7/§4.8:
// call_{sessionCounter}_{index}. session and index are caller-maintained
// monotone counters scoped to one Explore invocation.
func NewToolCallID(session, index int) string {
	return fmt.Sprintf("call_%d_%d", session, index)
}
