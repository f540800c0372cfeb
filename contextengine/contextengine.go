// Package contextengine implements the Context Engineer (spec §2.5, §4.5):
// assembly of the message list sent to an LLM from named buckets
// (system/playbook/history/scratchpad/control), with budget-aware
// compression strategies applied to the history and scratchpad buckets and
// multimodal compression modes applied to the history bucket, never to
// pinned messages.
package contextengine

import (
	"agent-runtime/message"
)

// BucketName identifies one of the fixed assembly buckets. Buckets are
// always concatenated in this fixed order (spec §4.5 "assembly order").
type BucketName string

const (
	BucketSystem     BucketName = "system"
	BucketPlaybook   BucketName = "playbook"
	BucketHistory    BucketName = "history"
	BucketScratchpad BucketName = "scratchpad"
	BucketControl    BucketName = "control"
)

var bucketOrder = []BucketName{BucketSystem, BucketPlaybook, BucketHistory, BucketScratchpad, BucketControl}

// Entry is one message held in a bucket, with an eviction-inviolability
// flag.
type Entry struct {
	Message message.Message
	Pinned  bool
}

// Strategy selects how the history and scratchpad buckets are shrunk to fit
// a token budget.
type Strategy string

const (
	// StrategyTruncation drops the oldest unpinned entries until the
	// budget is met.
	StrategyTruncation Strategy = "truncation"
	// StrategySlidingWindow keeps only the most recent N unpinned entries
	// whenever a budget is set (MaxTokens > 0), even if everything already
	// fits, in addition to any budget-driven truncation.
	StrategySlidingWindow Strategy = "sliding_window"
	// StrategyLevel progressively degrades older entries (e.g. full text
	// -> summary) before dropping them outright.
	StrategyLevel Strategy = "level"
)

// MultimodalMode controls how image content is compressed under budget
// pressure, independent of text strategy.
type MultimodalMode string

const (
	// ModeAtomic keeps image blocks untouched regardless of budget.
	ModeAtomic MultimodalMode = "atomic"
	// ModeTextOnly strips image blocks from history entries, keeping only
	// their text siblings.
	ModeTextOnly MultimodalMode = "text_only"
	// ModeLatestImage keeps only the most recent image in history,
	// stripping images from all older entries.
	ModeLatestImage MultimodalMode = "latest_image"
)

// Levelizer degrades an entry's content one step (e.g. full -> summary ->
// drop), used by StrategyLevel. It returns the degraded entry and whether
// further degradation is possible.
type Levelizer func(e Entry) (degraded Entry, more bool)

// Budget bounds context assembly.
type Budget struct {
	MaxTokens       int
	Strategy        Strategy
	SlidingWindowN  int // used only when Strategy == StrategySlidingWindow
	Multimodal      MultimodalMode
	Levelize        Levelizer // required when Strategy == StrategyLevel
	EstimateTokens  func(message.Message) int
}

// Engine assembles bucketed entries into a budget-compliant message list.
type Engine struct {
	buckets map[BucketName][]Entry
}

// New constructs an empty Engine.
func New() *Engine {
	b := make(map[BucketName][]Entry, len(bucketOrder))
	for _, name := range bucketOrder {
		b[name] = nil
	}
	return &Engine{buckets: b}
}

// Append adds an entry to the named bucket, preserving insertion order.
func (e *Engine) Append(bucket BucketName, entry Entry) {
	e.buckets[bucket] = append(e.buckets[bucket], entry)
}

// Reset clears all entries from a bucket (e.g. "scratchpad" between turns).
func (e *Engine) Reset(bucket BucketName) {
	e.buckets[bucket] = nil
}

// Assemble concatenates buckets in fixed order, applying compression to the
// history and scratchpad buckets only until the total estimated token count is within
// budget.MaxTokens (a MaxTokens of 0 disables budget enforcement).
func (e *Engine) Assemble(budget Budget) []message.Message {
	estimate := budget.EstimateTokens
	if estimate == nil {
		estimate = func(m message.Message) int { return message.EstimateTokens(m, nil) }
	}

	history := applyMultimodalMode(e.buckets[BucketHistory], budget.Multimodal)

	protected := make([]Entry, 0, len(e.buckets[BucketSystem])+len(e.buckets[BucketPlaybook]))
	protected = append(protected, e.buckets[BucketSystem]...)
	protected = append(protected, e.buckets[BucketPlaybook]...)
	control := e.buckets[BucketControl]

	compressible := make([]Entry, 0, len(history)+len(e.buckets[BucketScratchpad]))
	compressible = append(compressible, history...)
	compressible = append(compressible, e.buckets[BucketScratchpad]...)

	if budget.MaxTokens > 0 {
		reserved := totalTokens(protected, estimate) + totalTokens(control, estimate)
		remaining := budget.MaxTokens - reserved
		if remaining < 0 {
			remaining = 0
		}
		compressible = compress(compressible, budget, remaining, estimate)
	}

	out := make([]Entry, 0, len(protected)+len(compressible)+len(control))
	out = append(out, protected...)
	out = append(out, compressible...)
	out = append(out, control...)

	msgs := make([]message.Message, len(out))
	for i, entry := range out {
		msgs[i] = entry.Message
	}
	return msgs
}

func applyMultimodalMode(history []Entry, mode MultimodalMode) []Entry {
	switch mode {
	case ModeTextOnly:
		out := make([]Entry, len(history))
		for i, e := range history {
			out[i] = stripImages(e)
		}
		return out
	case ModeLatestImage:
		lastImg := -1
		for i, e := range history {
			if hasImage(e.Message) {
				lastImg = i
			}
		}
		out := make([]Entry, len(history))
		for i, e := range history {
			if i == lastImg {
				out[i] = e
				continue
			}
			out[i] = stripImages(e)
		}
		return out
	default: // ModeAtomic or unset
		return history
	}
}

func hasImage(m message.Message) bool {
	if !m.Content.IsBlocks {
		return false
	}
	for _, b := range m.Content.Blocks {
		if b.Kind == message.KindImageURL {
			return true
		}
	}
	return false
}

func stripImages(e Entry) Entry {
	if !e.Message.Content.IsBlocks {
		return e
	}
	var blocks []message.Block
	for _, b := range e.Message.Content.Blocks {
		if b.Kind != message.KindImageURL {
			blocks = append(blocks, b)
		}
	}
	e.Message.Content = message.FromBlocks(blocks...)
	return e
}

// compress shrinks history+scratchpad (all) to fit within maxTokens using
// the configured strategy. system/playbook/control entries never reach this
// function at all: Assemble reserves their token cost and passes only the
// compressible region here, matching spec §4.5 ("only the history bucket is
// subject to compression") with scratchpad folded in as the same
// turn-scoped, non-pinned-by-default region.
func compress(all []Entry, budget Budget, maxTokens int, estimate func(message.Message) int) []Entry {
	if budget.Strategy == StrategySlidingWindow {
		return slidingWindow(all, budget.SlidingWindowN, maxTokens, estimate)
	}
	if totalTokens(all, estimate) <= maxTokens {
		return all
	}

	switch budget.Strategy {
	case StrategyLevel:
		return levelize(all, maxTokens, budget.Levelize, estimate)
	default: // StrategyTruncation
		return truncate(all, maxTokens, estimate)
	}
}

// truncate drops the oldest unpinned entries first until within budget.
func truncate(all []Entry, maxTokens int, estimate func(message.Message) int) []Entry {
	out := append([]Entry{}, all...)
	for totalTokens(out, estimate) > maxTokens {
		idx := firstUnpinned(out)
		if idx < 0 {
			break // everything left is pinned; cannot shrink further
		}
		out = append(out[:idx], out[idx+1:]...)
	}
	return out
}

// slidingWindow keeps only the most recent n unpinned entries (plus all
// pinned entries), then still truncates if that alone does not fit budget.
func slidingWindow(all []Entry, n, maxTokens int, estimate func(message.Message) int) []Entry {
	if n <= 0 {
		n = len(all)
	}
	out := windowByCount(all, n)
	return truncate(out, maxTokens, estimate)
}

// windowByCount keeps all pinned entries plus the most recent n unpinned
// entries, preserving original order.
func windowByCount(all []Entry, n int) []Entry {
	unpinnedCount := 0
	for _, e := range all {
		if !e.Pinned {
			unpinnedCount++
		}
	}
	skip := unpinnedCount - n
	if skip < 0 {
		skip = 0
	}
	out := make([]Entry, 0, len(all))
	seen := 0
	for _, e := range all {
		if e.Pinned {
			out = append(out, e)
			continue
		}
		if seen < skip {
			seen++
			continue
		}
		out = append(out, e)
	}
	return out
}

// levelize repeatedly degrades the oldest unpinned entry via levelizer until
// within maxTokens, falling back to truncation once an entry cannot be
// degraded further.
func levelize(all []Entry, maxTokens int, levelizer Levelizer, estimate func(message.Message) int) []Entry {
	out := append([]Entry{}, all...)
	if levelizer == nil {
		return truncate(out, maxTokens, estimate)
	}
	for totalTokens(out, estimate) > maxTokens {
		idx := firstUnpinned(out)
		if idx < 0 {
			break
		}
		degraded, more := levelizer(out[idx])
		if !more {
			out = append(out[:idx], out[idx+1:]...)
			continue
		}
		out[idx] = degraded
	}
	return out
}

func totalTokens(entries []Entry, estimate func(message.Message) int) int {
	sum := 0
	for _, e := range entries {
		sum += estimate(e.Message)
	}
	return sum
}

func firstUnpinned(entries []Entry) int {
	for i, e := range entries {
		if !e.Pinned {
			return i
		}
	}
	return -1
}
