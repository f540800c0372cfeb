// Package graph implements the Runtime Graph & Recorder (spec §2.10,
// §4.10): an ephemeral, append-only observation tree
// Agent(1:N)->Block(1:1)->Progress(1:N)->Stage(1:1), synchronized into the
// `_progress` variable on every update so streaming subscribers observe
// progress in execution order. Grounded on the teacher's event-bus
// fan-out pattern (runtime/agent/hooks/bus.go: subscriber list under a
// mutex, non-blocking publish) generalized from arbitrary pub/sub topics to
// this fixed observation tree.
package graph

import (
	"sync"
	"time"

	"agent-runtime/variable"
)

// StageStatus is the terminal/non-terminal state of a Stage.
type StageStatus string

const (
	StageRunning   StageStatus = "running"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageCancelled StageStatus = "cancelled"
)

// ArtifactEvent surfaces an artifact-store mutation on a skill-kind stage
// (spec §4.10).
type ArtifactEvent struct {
	Action     string
	ArtifactID string
	Version    int
	Summary    string
}

// Stage is one leaf observation (one LLM turn, one tool call, one block
// execution, ...).
type Stage struct {
	ID        string
	Kind      string // e.g. "llm", "skill", "block"
	Status    StageStatus
	Fields    map[string]any
	Delta     string // incremental text since the previous update, if streaming
	Artifact  *ArtifactEvent
	StartedAt time.Time
	UpdatedAt time.Time
}

// ToDict renders a Stage as a plain map, matching spec §4.10's
// "stage.to_dict()" vocabulary used to populate `_progress`.
func (s Stage) ToDict() map[string]any {
	d := map[string]any{
		"id":     s.ID,
		"kind":   s.Kind,
		"status": string(s.Status),
	}
	for k, v := range s.Fields {
		d[k] = v
	}
	if s.Delta != "" {
		d["delta"] = s.Delta
	}
	if s.Artifact != nil {
		d["artifact_event"] = map[string]any{
			"action":      s.Artifact.Action,
			"artifact_id": s.Artifact.ArtifactID,
			"version":     s.Artifact.Version,
			"summary":     s.Artifact.Summary,
		}
	}
	return d
}

// Block is one block-level observation, owning an ordered progress list of
// stages.
type Block struct {
	ID       string
	Kind     string
	Progress []Stage
}

// Subscriber receives every stage transition as it is recorded.
type Subscriber chan Stage

// Recorder maintains the observation tree for one agent run and mirrors it
// into a variable.Pool's "_progress" variable.
type Recorder struct {
	mu     sync.Mutex
	blocks []Block
	vars   *variable.Pool

	subMu sync.Mutex
	subs  []Subscriber

	lastAnswer map[string]string // stage ID -> last accumulated text, for delta computation
}

// NewRecorder constructs a Recorder that mirrors progress into vars.
func NewRecorder(vars *variable.Pool) *Recorder {
	return &Recorder{vars: vars, lastAnswer: make(map[string]string)}
}

// StartBlock opens a new Block observation.
func (r *Recorder) StartBlock(blockID, kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks = append(r.blocks, Block{ID: blockID, Kind: kind})
}

// StartStage appends a new running Stage to the most recently started
// block.
func (r *Recorder) StartStage(stageID, kind string) {
	r.mu.Lock()
	now := time.Now()
	stage := Stage{ID: stageID, Kind: kind, Status: StageRunning, Fields: map[string]any{}, StartedAt: now, UpdatedAt: now}
	if len(r.blocks) > 0 {
		b := &r.blocks[len(r.blocks)-1]
		b.Progress = append(b.Progress, stage)
	}
	r.mu.Unlock()
	r.syncAndPublish(stage)
}

// UpdateStage merges fields into the named stage and, when streaming text
// is present under the "answer" field, computes and attaches the
// incremental delta against the previously recorded answer (spec §4.10).
func (r *Recorder) UpdateStage(stageID string, fields map[string]any) {
	r.mu.Lock()
	var updated Stage
	found := false
	for bi := range r.blocks {
		for si := range r.blocks[bi].Progress {
			s := &r.blocks[bi].Progress[si]
			if s.ID != stageID {
				continue
			}
			for k, v := range fields {
				s.Fields[k] = v
			}
			if answer, ok := fields["answer"].(string); ok {
				prev := r.lastAnswer[stageID]
				if len(answer) >= len(prev) && answer[:len(prev)] == prev {
					s.Delta = answer[len(prev):]
				} else {
					s.Delta = answer
				}
				r.lastAnswer[stageID] = answer
			}
			if artifact, ok := fields["artifact_event"].(*ArtifactEvent); ok {
				s.Artifact = artifact
			}
			s.UpdatedAt = time.Now()
			updated = *s
			found = true
		}
	}
	r.mu.Unlock()
	if found {
		r.syncAndPublish(updated)
	}
}

// EndStage transitions a stage to a terminal status.
func (r *Recorder) EndStage(stageID string, status StageStatus) {
	r.mu.Lock()
	var updated Stage
	found := false
	for bi := range r.blocks {
		for si := range r.blocks[bi].Progress {
			s := &r.blocks[bi].Progress[si]
			if s.ID == stageID {
				s.Status = status
				s.UpdatedAt = time.Now()
				updated = *s
				found = true
			}
		}
	}
	r.mu.Unlock()
	if found {
		r.syncAndPublish(updated)
	}
}

// syncAndPublish writes the full current progress list into the
// "_progress" variable and fans the stage out to subscribers
// non-blockingly.
func (r *Recorder) syncAndPublish(stage Stage) {
	r.mu.Lock()
	all := make([]map[string]any, 0)
	for _, b := range r.blocks {
		for _, s := range b.Progress {
			all = append(all, s.ToDict())
		}
	}
	r.mu.Unlock()

	if r.vars != nil {
		list := make([]any, len(all))
		for i, m := range all {
			list[i] = m
		}
		_ = r.vars.Set("_progress", list, variable.Overwrite)
	}

	r.subMu.Lock()
	subs := append([]Subscriber{}, r.subs...)
	r.subMu.Unlock()
	for _, sub := range subs {
		select {
		case sub <- stage:
		default:
		}
	}
}

// Subscribe registers a channel to receive every recorded stage transition.
func (r *Recorder) Subscribe() (Subscriber, func()) {
	ch := make(Subscriber, 32)
	r.subMu.Lock()
	r.subs = append(r.subs, ch)
	r.subMu.Unlock()
	return ch, func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		for i, s := range r.subs {
			if s == ch {
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

// Snapshot returns a deep-ish copy of the current block/progress tree, for
// diagnostics. The runtime graph itself is never persisted in a coroutine
// snapshot (spec §4.11: "snapshots do not include it").
func (r *Recorder) Snapshot() []Block {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Block, len(r.blocks))
	copy(out, r.blocks)
	return out
}
