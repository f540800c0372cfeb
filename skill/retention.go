package skill

import (
	"context"
	"encoding/json"
	"fmt"

	"agent-runtime/ids"
	"agent-runtime/resultcache"
)

// PinMarker prefixes the inlined text of a "pin" retention result so it
// reads as deliberately kept resident in the transcript (spec §4.3 "pin").
const PinMarker = "[PINNED] "

// DefaultSummaryMaxLength is used when a skill's Spec.MaxLength is unset.
const DefaultSummaryMaxLength = 2000

// ContextContent is what a tool result contributes to the next LLM turn
// once on_before_send_to_context has run.
type ContextContent struct {
	Text     string
	Metadata map[string]any
}

// OnBeforeSendToContext renders a skill result for inclusion in context
// according to its retention policy (spec §4.3 "on_before_send_to_context",
// §4.4 "Result Cache & References"). Every result is stored in cache under
// a fresh reference ID regardless of retention mode, so a _get_result_detail
// call always has something to fetch even for a "full" result.
func OnBeforeSendToContext(cache *resultcache.Cache, res Result, maxLength int) ContextContent {
	if maxLength <= 0 {
		maxLength = DefaultSummaryMaxLength
	}

	raw, err := json.Marshal(res.Value)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", res.Value))
	}
	full := string(raw)

	ref := ids.NewRefID()
	pinned := res.Retention == RetentionPin
	cache.Put(resultcache.Record{Ref: ref, SkillName: res.SkillName, Value: res.Value, Bytes: len(full), Pinned: pinned})

	meta := map[string]any{
		"original_length": len(full),
		"retention_mode":  string(res.Retention),
		"pinned":          pinned,
		"reference_id":    ref,
	}

	var text string
	switch res.Retention {
	case RetentionReference:
		text = fmt.Sprintf("[reference %s, %d bytes; call _get_result_detail(reference_id=%q) to fetch]", ref, len(full), ref)
	case RetentionSummary:
		text = full
		if len(full) > maxLength {
			text = summarize(full, maxLength) + fmt.Sprintf(" ... [truncated; call _get_result_detail(reference_id=%q) for the rest]", ref)
		}
	case RetentionPin:
		text = PinMarker + full
	default: // RetentionFull
		text = full
	}
	meta["processed_length"] = len(text)
	return ContextContent{Text: text, Metadata: meta}
}

// summarize keeps a head (~60% of maxLength) and tail (~20% of maxLength)
// slice of s, matching the spec's head/tail truncation shape.
func summarize(s string, maxLength int) string {
	head := maxLength * 6 / 10
	tail := maxLength * 2 / 10
	if head+tail >= len(s) {
		return s
	}
	return s[:head] + "\n...\n" + s[len(s)-tail:]
}

// GetResultDetailSkillName is the system skill injected once any registered
// skill uses summary or reference retention (spec §4.3 "_get_result_detail").
const GetResultDetailSkillName = "_get_result_detail"

type getResultDetailArgs struct {
	ReferenceID string `json:"reference_id"`
	Offset      int    `json:"offset"`
	Limit       int    `json:"limit"`
}

// AutoRegisterResultDetail scans reg for any skill using summary or
// reference retention and, if found, registers _get_result_detail bound to
// cache (spec §4.3). It is a no-op when no registered skill needs it.
func AutoRegisterResultDetail(reg *Registry, cache *resultcache.Cache) error {
	needed := false
	for _, s := range reg.ListForAgent(nil) {
		if s.Retention == RetentionSummary || s.Retention == RetentionReference {
			needed = true
			break
		}
	}
	if !needed {
		return nil
	}
	return reg.Register(Spec{
		Name:        GetResultDetailSkillName,
		Description: "Fetch the full or windowed payload behind a reference_id produced by a summary or reference retention tool result.",
		Tags:        []string{"system"},
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var payload getResultDetailArgs
			if err := json.Unmarshal(args, &payload); err != nil {
				return nil, err
			}
			rec, ok := cache.Get(payload.ReferenceID)
			if !ok {
				return nil, fmt.Errorf("skill: unknown reference %q", payload.ReferenceID)
			}
			raw, err := json.Marshal(rec.Value)
			if err != nil {
				return nil, err
			}
			text := string(raw)
			if payload.Limit > 0 {
				start := payload.Offset
				if start < 0 || start > len(text) {
					start = 0
				}
				end := start + payload.Limit
				if end > len(text) {
					end = len(text)
				}
				text = text[start:end]
			}
			return text, nil
		},
	})
}
