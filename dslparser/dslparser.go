// Package dslparser implements the Block Parser (spec §2.6, §4.6): it turns
// raw agent-file text into an ordered, immutable list of typed Blocks. The
// runtime does not fix agent-file surface syntax beyond the block contract
// (spec §8 "Agent file"); this parser defines one concrete grammar: a
// sequence of fenced sections, each introduced by a `kind` header line and a
// YAML parameter map, followed by an inline body until the next header or
// end of file.
package dslparser

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind enumerates the block kinds fixed by spec §8.
type Kind string

const (
	KindPrompt   Kind = "prompt"
	KindExplore  Kind = "explore"
	KindJudge    Kind = "judge"
	KindTool     Kind = "tool"
	KindAssign   Kind = "assign"
	KindIf       Kind = "if"
	KindFor      Kind = "for"
	KindParallel Kind = "parallel"
)

var validKinds = map[Kind]bool{
	KindPrompt: true, KindExplore: true, KindJudge: true, KindTool: true,
	KindAssign: true, KindIf: true, KindFor: true, KindParallel: true,
}

// Block is one parsed unit of an agent file (spec §8 "Block").
type Block struct {
	Kind      Kind
	Params    map[string]any
	Body      string
	OutputVar string
	// LineStart/LineEnd are 1-indexed, inclusive, for diagnostics.
	LineStart int
	LineEnd   int
}

// SyntaxError reports a precise location of a parse failure (spec §4.6
// "precise syntax errors with line ranges").
type SyntaxError struct {
	Line    int
	Message string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("dslparser: line %d: %s", e.Line, e.Message)
}

const headerPrefix = "---"

// Parse splits raw agent-file text into an ordered, immutable list of
// Blocks. A block begins with a line of the form:
//
//	--- kind: explore, output: result
//
// followed by zero or more additional `key: value` YAML-flow lines until a
// blank line, and then the inline body text up to (but not including) the
// next header line or end of file.
func Parse(text string) ([]Block, error) {
	lines := strings.Split(text, "\n")
	var blocks []Block

	i := 0
	for i < len(lines) {
		line := lines[i]
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			i++
			continue
		}
		if !strings.HasPrefix(trimmed, headerPrefix) {
			return nil, &SyntaxError{Line: i + 1, Message: fmt.Sprintf("expected block header starting with %q, got %q", headerPrefix, line)}
		}

		headerStart := i + 1
		headerLines := []string{strings.TrimSpace(strings.TrimPrefix(trimmed, headerPrefix))}
		i++
		for i < len(lines) && strings.TrimSpace(lines[i]) != "" && !strings.HasPrefix(strings.TrimSpace(lines[i]), headerPrefix) && isHeaderContinuation(lines[i]) {
			headerLines = append(headerLines, lines[i])
			i++
		}

		params, err := parseHeader(strings.Join(headerLines, "\n"), headerStart)
		if err != nil {
			return nil, err
		}

		kindRaw, _ := params["kind"].(string)
		kind := Kind(strings.TrimSpace(kindRaw))
		if !validKinds[kind] {
			return nil, &SyntaxError{Line: headerStart, Message: fmt.Sprintf("unknown block kind %q", kindRaw)}
		}
		outputVar, _ := params["output"].(string)
		delete(params, "kind")
		delete(params, "output")

		bodyStart := i
		var bodyLines []string
		for i < len(lines) {
			t := strings.TrimSpace(lines[i])
			if strings.HasPrefix(t, headerPrefix) {
				break
			}
			bodyLines = append(bodyLines, lines[i])
			i++
		}
		body := strings.TrimRight(strings.Join(bodyLines, "\n"), "\n")
		body = strings.TrimSpace(body)

		blocks = append(blocks, Block{
			Kind:      kind,
			Params:    params,
			Body:      body,
			OutputVar: strings.TrimSpace(outputVar),
			LineStart: headerStart,
			LineEnd:   bodyStart + len(bodyLines),
		})
	}

	return blocks, nil
}

// isHeaderContinuation treats a line as part of the header block only if it
// looks like a "key: value" pair (contains a colon before any content that
// would indicate prose body text). This keeps the grammar forgiving: a body
// that happens to start immediately with no blank line separator is still
// recognized once it no longer looks like additional parameters.
func isHeaderContinuation(line string) bool {
	t := strings.TrimSpace(line)
	if t == "" {
		return false
	}
	idx := strings.Index(t, ":")
	return idx > 0
}

// parseHeader decodes each header line as a flow-style YAML map and merges
// them, wrapping errors with the originating line number.
func parseHeader(header string, lineNo int) (map[string]any, error) {
	params := make(map[string]any)
	for offset, line := range strings.Split(header, "\n") {
		var part map[string]any
		if err := yaml.Unmarshal([]byte("{"+strings.TrimSpace(line)+"}"), &part); err != nil {
			return nil, &SyntaxError{Line: lineNo + offset, Message: fmt.Sprintf("invalid block header: %v", err)}
		}
		for k, v := range part {
			params[k] = v
		}
	}
	return params, nil
}
