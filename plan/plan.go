// Package plan implements the Plan Skillkit & Task Registry (spec §2.13,
// §4.13). Plan is not a block kind of its own: it is a skillkit (a bundle
// of ordinary skills) that manipulates a TaskRegistry attached to the
// owning context, plus the guardrail that keeps the parent Explore loop
// running while any task remains non-terminal. Grounded on
// variable.Pool's Snapshot/Restore deep-copy discipline for the
// copy-on-write child variable scope subtasks run against, and on
// skill.Registry/Dispatcher for how the plan tools themselves are
// registered and invoked; there is no direct teacher precedent for a task
// DAG or COW child context specifically (grepped runtime/ for
// "subtask"/"COW", found nothing beyond unrelated context.Context
// comments), so that part is built directly from spec §4.13's text and
// disclosed here rather than mis-attributed.
package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"agent-runtime/skill"
	"agent-runtime/variable"
)

// ExecutionMode controls how many tasks in a registry may run at once
// (spec §4.13 "_plan_tasks").
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeParallel   ExecutionMode = "parallel"
)

// TaskStatus is one task's lifecycle state.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Spec describes one task as submitted to _plan_tasks.
type Spec struct {
	ID         string
	Name       string
	Prompt     string
	DependsOn  []string
}

// Task is one entry in a TaskRegistry.
type Task struct {
	ID        string
	Name      string
	Prompt    string
	DependsOn []string
	Status    TaskStatus
	Output    any
	Err       string
	StartedAt *time.Time
	EndedAt   *time.Time

	// cancelRequested is set by KillTask on a task that is already running;
	// finishTask checks it instead of the caller touching Status/running
	// directly, so only one goroutine ever decides a running task's final
	// state.
	cancelRequested bool
}

// Event names one plan lifecycle notification (spec §4.13: "emits
// plan_created{...}" / "emits plan_task_update").
type Event struct {
	Kind   string // "plan_created" | "plan_task_update"
	PlanID string
	TaskID string
	Status TaskStatus
}

// EventFunc receives plan lifecycle notifications.
type EventFunc func(Event)

// Registry tracks one plan's tasks and concurrency policy.
type Registry struct {
	mu             sync.Mutex
	cond           *sync.Cond
	planID         string
	mode           ExecutionMode
	maxConcurrency int
	order          []string
	tasks          map[string]*Task
	onEvent        EventFunc
	runTask        func(ctx context.Context, t *Task) (any, error)
	running        int
}

// NewRegistry constructs an empty plan registry. runTask executes one
// task's subtask prompt (normally a full Explore invocation over a COW
// child context, wired in by the caller) and onEvent is notified of
// lifecycle events; both may be nil for tests that only exercise state
// transitions.
func NewRegistry(runTask func(ctx context.Context, t *Task) (any, error), onEvent EventFunc) *Registry {
	r := &Registry{tasks: make(map[string]*Task), runTask: runTask, onEvent: onEvent}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *Registry) emit(evt Event) {
	if r.onEvent != nil {
		r.onEvent(evt)
	}
}

// PlanTasks implements `_plan_tasks`: validates task IDs are unique and
// dependency edges are acyclic, (re)creates the registry, and starts
// whatever tasks are immediately eligible given the execution mode (spec
// §4.13).
func (r *Registry) PlanTasks(ctx context.Context, planID string, specs []Spec, mode ExecutionMode, maxConcurrency int) error {
	if mode == "" {
		mode = ModeSequential
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if s.ID == "" {
			return fmt.Errorf("plan: task with empty id")
		}
		if seen[s.ID] {
			return fmt.Errorf("plan: duplicate task id %q", s.ID)
		}
		seen[s.ID] = true
	}
	if err := checkAcyclic(specs); err != nil {
		return err
	}

	r.mu.Lock()
	r.planID = planID
	r.mode = mode
	r.maxConcurrency = maxConcurrency
	r.order = r.order[:0]
	r.tasks = make(map[string]*Task, len(specs))
	r.running = 0
	for _, s := range specs {
		r.order = append(r.order, s.ID)
		r.tasks[s.ID] = &Task{ID: s.ID, Name: s.Name, Prompt: s.Prompt, DependsOn: s.DependsOn, Status: TaskPending}
	}
	r.mu.Unlock()

	r.emit(Event{Kind: "plan_created", PlanID: planID})
	r.scheduleEligible(ctx)
	return nil
}

func checkAcyclic(specs []Spec) error {
	deps := make(map[string][]string, len(specs))
	for _, s := range specs {
		deps[s.ID] = s.DependsOn
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(specs))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return fmt.Errorf("plan: dependency cycle detected at task %q", id)
		case black:
			return nil
		}
		color[id] = gray
		for _, dep := range deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for _, s := range specs {
		if err := visit(s.ID); err != nil {
			return err
		}
	}
	return nil
}

// scheduleEligible starts every task whose dependencies are all completed
// and that is not already running, up to maxConcurrency (parallel mode) or
// exactly one (sequential mode), and blocks until the whole plan reaches a
// terminal state. In ModeParallel eligible tasks run concurrently in their
// own goroutines; the scheduler itself just wakes on r.cond whenever a task
// starts or finishes and fills any open capacity.
func (r *Registry) scheduleEligible(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if r.allTerminalLocked() {
			return
		}
		capacity := 1
		if r.mode == ModeParallel {
			capacity = r.maxConcurrency
		}
		started := false
		for r.running < capacity {
			next := r.nextEligibleLocked()
			if next == nil {
				break
			}
			now := time.Now()
			next.Status = TaskRunning
			next.StartedAt = &now
			r.running++
			started = true
			go r.runOneAsync(ctx, next)
		}
		if !started && r.running == 0 {
			// Nothing running and nothing eligible: the rest is blocked on
			// dependencies that will never complete (e.g. a killed task).
			return
		}
		r.cond.Wait()
	}
}

func (r *Registry) nextEligibleLocked() *Task {
	for _, id := range r.order {
		t := r.tasks[id]
		if t.Status != TaskPending {
			continue
		}
		if r.dependenciesSatisfiedLocked(t) {
			return t
		}
	}
	return nil
}

func (r *Registry) allTerminalLocked() bool {
	for _, t := range r.tasks {
		if !t.Status.terminal() {
			return false
		}
	}
	return true
}

// runOneAsync is the goroutine entry point scheduleEligible spawns for each
// started task; it emits the running-transition event (outside the lock
// scheduleEligible holds) before handing off to runOne.
func (r *Registry) runOneAsync(ctx context.Context, t *Task) {
	r.emit(Event{Kind: "plan_task_update", PlanID: r.planID, TaskID: t.ID, Status: TaskRunning})
	r.runOne(ctx, t)
}

func (r *Registry) dependenciesSatisfiedLocked(t *Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := r.tasks[dep]
		if !ok || d.Status != TaskCompleted {
			return false
		}
	}
	return true
}

func (r *Registry) runOne(ctx context.Context, t *Task) {
	if r.runTask == nil {
		r.finishTask(ctx, t, nil, fmt.Errorf("plan: no task runner configured"))
		return
	}
	out, err := r.runTask(ctx, t)
	r.finishTask(ctx, t, out, err)
}

func (r *Registry) finishTask(ctx context.Context, t *Task, out any, err error) {
	r.mu.Lock()
	now := time.Now()
	t.EndedAt = &now
	r.running--
	switch {
	case t.cancelRequested:
		t.cancelRequested = false
		t.Status = TaskCancelled
	case err != nil:
		t.Status = TaskFailed
		t.Err = err.Error()
	default:
		t.Status = TaskCompleted
		t.Output = out
	}
	status := t.Status
	r.mu.Unlock()
	r.cond.Broadcast()

	r.emit(Event{Kind: "plan_task_update", PlanID: r.planID, TaskID: t.ID, Status: status})
}

// HasActivePlan reports whether a plan exists and has at least one
// non-terminal task (spec §4.8's guardrail precondition).
func (r *Registry) HasActivePlan() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks) > 0 && !r.allTerminalLocked()
}

// AllTerminal reports whether every task in the registry has reached a
// terminal status (spec §4.13, §4.8 guardrail).
func (r *Registry) AllTerminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allTerminalLocked()
}

// ProgressSummary is the payload `_check_progress` returns.
type ProgressSummary struct {
	PlanID  string
	Total   int
	Counts  map[TaskStatus]int
	Tasks   []Task
}

// CheckProgress implements `_check_progress` (spec §4.13).
func (r *Registry) CheckProgress() ProgressSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	summary := ProgressSummary{PlanID: r.planID, Total: len(r.order), Counts: make(map[TaskStatus]int)}
	for _, id := range r.order {
		t := *r.tasks[id]
		summary.Tasks = append(summary.Tasks, t)
		summary.Counts[t.Status]++
	}
	return summary
}

// GetTaskOutput implements `_get_task_output`.
func (r *Registry) GetTaskOutput(taskID string) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("plan: unknown task %q", taskID)
	}
	if t.Status != TaskCompleted {
		return nil, fmt.Errorf("plan: task %q has not completed (status %s)", taskID, t.Status)
	}
	return t.Output, nil
}

// KillTask implements `_kill_task`: cancels a pending or running task. A
// running task's in-flight runOne/finishTask call owns the sole
// running-- and Status write for that task, so KillTask only flags it for
// cancellation; finishTask applies TaskCancelled once the runner returns.
// A pending task has no in-flight runner, so it is cancelled directly.
func (r *Registry) KillTask(taskID string) error {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("plan: unknown task %q", taskID)
	}
	if t.Status.terminal() {
		r.mu.Unlock()
		return nil
	}
	if t.Status == TaskRunning {
		t.cancelRequested = true
		r.mu.Unlock()
		return nil
	}
	t.Status = TaskCancelled
	r.mu.Unlock()
	r.cond.Broadcast()
	r.emit(Event{Kind: "plan_task_update", PlanID: r.planID, TaskID: taskID, Status: TaskCancelled})
	return nil
}

// RetryTask implements `_retry_task`: resets a failed/cancelled task to
// pending and reschedules it.
func (r *Registry) RetryTask(ctx context.Context, taskID string) error {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("plan: unknown task %q", taskID)
	}
	if !t.Status.terminal() {
		r.mu.Unlock()
		return fmt.Errorf("plan: task %q is not terminal (status %s)", taskID, t.Status)
	}
	t.Status = TaskPending
	t.Output = nil
	t.Err = ""
	t.StartedAt = nil
	t.EndedAt = nil
	r.mu.Unlock()
	r.emit(Event{Kind: "plan_task_update", PlanID: r.planID, TaskID: taskID, Status: TaskPending})
	r.scheduleEligible(ctx)
	return nil
}

// ChildPool is the copy-on-write variable scope a subtask executes
// against: reads fall through to the parent pool when the key is not
// shadowed locally, writes always land in the local pool (spec §4.13:
// "COW child Context ... read-through parent/write-local").
type ChildPool struct {
	parent *variable.Pool
	local  *variable.Pool
}

// NewChildPool constructs a COW scope over parent.
func NewChildPool(parent *variable.Pool) *ChildPool {
	return &ChildPool{parent: parent, local: variable.New()}
}

// Get reads the local pool first, falling through to the parent.
func (c *ChildPool) Get(path string) (any, bool) {
	if v, ok := c.local.Get(path); ok {
		return v, ok
	}
	return c.parent.Get(path)
}

// Set always writes to the local pool, never mutating the parent.
func (c *ChildPool) Set(path string, value any, mode variable.WriteMode) error {
	return c.local.Set(path, value, mode)
}

// MergeToParent copies the named local keys into the parent pool. Subtask
// state does not merge back automatically; a caller must name exactly
// which keys to promote (spec Open Question: "COW merge-back default is
// no-merge-unless-explicit", see DESIGN.md).
func (c *ChildPool) MergeToParent(keys []string) error {
	for _, k := range keys {
		v, ok := c.local.Get(k)
		if !ok {
			continue
		}
		if err := c.parent.Set(k, v, variable.Overwrite); err != nil {
			return err
		}
	}
	return nil
}

// ExcludeFromSubtask is the tag skills carry to be filtered out of a
// subtask's skill registry (spec §4.13: "filters parent skill registry
// excluding exclude_from_subtask skillkits (Plan itself always
// excluded)").
const ExcludeFromSubtask = "exclude_from_subtask"

// FilterForSubtask builds the skill set visible to a subtask: every
// registered skill except those tagged ExcludeFromSubtask or belonging to
// the Plan skillkit itself.
func FilterForSubtask(parent *skill.Registry) *skill.Registry {
	out := skill.NewRegistry()
	for _, s := range parent.ListForAgent(nil) {
		if hasTag(s.Tags, ExcludeFromSubtask) || hasTag(s.Tags, "plan") {
			continue
		}
		out.Register(s)
	}
	return out
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Skillkit registers the plan tools against a registry, tagged "plan" so
// FilterForSubtask always excludes them from subtask registries.
func Skillkit(reg *skill.Registry, planReg *Registry) error {
	wrap := func(name string, fn skill.Handler) skill.Spec {
		return skill.Spec{Name: name, Tags: []string{"plan"}, Handler: fn}
	}

	specs := []skill.Spec{
		wrap("_plan_tasks", func(ctx context.Context, args json.RawMessage) (any, error) {
			var payload struct {
				PlanID         string
				Tasks          []Spec
				Mode           ExecutionMode
				MaxConcurrency int
			}
			if err := json.Unmarshal(args, &payload); err != nil {
				return nil, err
			}
			if err := planReg.PlanTasks(ctx, payload.PlanID, payload.Tasks, payload.Mode, payload.MaxConcurrency); err != nil {
				return nil, err
			}
			return "plan created", nil
		}),
		wrap("_check_progress", func(ctx context.Context, args json.RawMessage) (any, error) {
			return planReg.CheckProgress(), nil
		}),
		wrap("_get_task_output", func(ctx context.Context, args json.RawMessage) (any, error) {
			var payload struct{ TaskID string }
			if err := json.Unmarshal(args, &payload); err != nil {
				return nil, err
			}
			return planReg.GetTaskOutput(payload.TaskID)
		}),
		wrap("_wait", func(ctx context.Context, args json.RawMessage) (any, error) {
			var payload struct{ Seconds float64 }
			if err := json.Unmarshal(args, &payload); err != nil {
				return nil, err
			}
			return nil, cooperativeSleep(ctx, payload.Seconds)
		}),
		wrap("_kill_task", func(ctx context.Context, args json.RawMessage) (any, error) {
			var payload struct{ TaskID string }
			if err := json.Unmarshal(args, &payload); err != nil {
				return nil, err
			}
			return nil, planReg.KillTask(payload.TaskID)
		}),
		wrap("_retry_task", func(ctx context.Context, args json.RawMessage) (any, error) {
			var payload struct{ TaskID string }
			if err := json.Unmarshal(args, &payload); err != nil {
				return nil, err
			}
			return nil, planReg.RetryTask(ctx, payload.TaskID)
		}),
	}
	for _, s := range specs {
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	return nil
}

// cooperativeSleep implements `_wait`'s cancellable, interrupt-checking
// sleep (spec §4.13: "checks check_user_interrupt() at least once per
// second").
func cooperativeSleep(ctx context.Context, seconds float64) error {
	deadline := time.Now().Add(time.Duration(seconds * float64(time.Second)))
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		if !time.Now().Before(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
