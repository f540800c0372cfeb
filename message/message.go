// Package message implements the multimodal message model (spec §3.1, §4.1):
// typed messages whose content is either a plain string or an ordered list
// of content blocks (text, image_url), safe append/normalize helpers, and
// approximate token estimation used for budget pre-checks.
package message

import (
	"errors"
	"fmt"
	"strings"
)

// Role identifies the speaker of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// DetailHint controls how much image detail a model should attend to.
type DetailHint string

const (
	DetailAuto DetailHint = "auto"
	DetailLow  DetailHint = "low"
	DetailHigh DetailHint = "high"
)

// BlockKind discriminates the tagged union of content blocks.
type BlockKind string

const (
	KindText     BlockKind = "text"
	KindImageURL BlockKind = "image_url"
)

// Block is one element of a multimodal message's content list. Exactly one
// of Text or Image is meaningful, selected by Kind.
type Block struct {
	Kind   BlockKind
	Text   string
	Image  ImageRef
}

// ImageRef carries an image_url block's payload.
type ImageRef struct {
	URL    string
	Detail DetailHint
}

// ToolCall is a requested tool invocation attached to an assistant message.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // canonical JSON arguments
}

// Content is either plain text or an ordered list of blocks. Exactly one of
// Text or Blocks is populated; IsBlocks reports which.
type Content struct {
	Text     string
	Blocks   []Block
	IsBlocks bool
}

// Text constructs a plain-text Content.
func Text(s string) Content { return Content{Text: s} }

// FromBlocks constructs a block-list Content.
func FromBlocks(blocks ...Block) Content { return Content{Blocks: blocks, IsBlocks: true} }

// Message is a single chat message (spec §3.1 "Message").
type Message struct {
	Role         Role
	Content      Content
	ToolCallID   string // set on role=tool
	ToolCalls    []ToolCall
	Metadata     map[string]any
}

// SchemePolicy configures which image URL schemes are accepted (spec §6.7).
type SchemePolicy struct {
	AllowData    bool
	MaxDataBytes int // 0 means no size bound
}

// DefaultSchemePolicy rejects data: URLs unless explicitly enabled, per §6.7.
func DefaultSchemePolicy() SchemePolicy {
	return SchemePolicy{AllowData: false, MaxDataBytes: 2 << 20}
}

var (
	ErrEmptyContent     = errors.New("message: content block list must be non-empty")
	ErrUnknownBlockKind = errors.New("message: unrecognized content block kind")
	ErrImageScheme      = errors.New("message: image URL scheme not permitted")
	ErrImageTooLarge    = errors.New("message: image payload exceeds configured bound")
	ErrInvalidDetail    = errors.New("message: invalid image detail hint")
)

// Validate enforces the invariants from spec §4.1: non-empty block lists,
// recognized kinds, and scheme-policy-compliant image URLs.
func (m Message) Validate(policy SchemePolicy) error {
	if !m.Content.IsBlocks {
		return nil
	}
	if len(m.Content.Blocks) == 0 {
		return ErrEmptyContent
	}
	for _, b := range m.Content.Blocks {
		switch b.Kind {
		case KindText:
			// no further constraints
		case KindImageURL:
			if err := validateImageURL(b.Image, policy); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: %q", ErrUnknownBlockKind, b.Kind)
		}
	}
	return nil
}

func validateImageURL(img ImageRef, policy SchemePolicy) error {
	switch img.Detail {
	case "", DetailAuto, DetailLow, DetailHigh:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDetail, img.Detail)
	}
	switch {
	case strings.HasPrefix(img.URL, "https://"):
		return nil
	case strings.HasPrefix(img.URL, "data:"):
		if !policy.AllowData {
			return fmt.Errorf("%w: data: URLs disabled", ErrImageScheme)
		}
		if policy.MaxDataBytes > 0 && len(img.URL) > policy.MaxDataBytes {
			return ErrImageTooLarge
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrImageScheme, img.URL)
	}
}

// Normalize wraps plain text content as a single-element block list,
// idempotently: calling Normalize on an already-block content returns it
// unchanged (spec §8 "normalize(content) is idempotent").
func Normalize(c Content) []Block {
	if c.IsBlocks {
		return c.Blocks
	}
	if c.Text == "" {
		return nil
	}
	return []Block{{Kind: KindText, Text: c.Text}}
}

// ExtractText concatenates the text of every text block, ignoring image
// blocks, or returns the plain string directly when content is not a block
// list.
func ExtractText(c Content) string {
	if !c.IsBlocks {
		return c.Text
	}
	var sb strings.Builder
	for _, b := range c.Blocks {
		if b.Kind == KindText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// Length returns the character count of text content, or the summed length
// of text blocks for block content (spec §3.1 "length(m)").
func Length(c Content) int {
	if !c.IsBlocks {
		return len([]rune(c.Text))
	}
	n := 0
	for _, b := range c.Blocks {
		if b.Kind == KindText {
			n += len([]rune(b.Text))
		}
	}
	return n
}

// AppendContent implements the four-case append matrix from spec §4.1:
// str+str concatenates strings; str+list promotes the original text to a
// text block and concatenates; list+str appends a new text block; list+list
// concatenates block lists. Role and existing block order are never
// changed. Appending "" is the identity (spec §8).
func AppendContent(existing, add Content) Content {
	if !add.IsBlocks && add.Text == "" {
		return existing
	}
	switch {
	case !existing.IsBlocks && !add.IsBlocks:
		return Text(existing.Text + add.Text)
	case !existing.IsBlocks && add.IsBlocks:
		blocks := append([]Block{{Kind: KindText, Text: existing.Text}}, add.Blocks...)
		return FromBlocks(blocks...)
	case existing.IsBlocks && !add.IsBlocks:
		blocks := append(append([]Block{}, existing.Blocks...), Block{Kind: KindText, Text: add.Text})
		return FromBlocks(blocks...)
	default: // both block lists
		blocks := append(append([]Block{}, existing.Blocks...), add.Blocks...)
		return FromBlocks(blocks...)
	}
}

// New constructs a validated Message, applying the default scheme policy.
func New(role Role, content Content, opts ...Option) (Message, error) {
	m := Message{Role: role, Content: content}
	for _, opt := range opts {
		opt(&m)
	}
	if err := m.Validate(DefaultSchemePolicy()); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Option configures an optional Message field at construction time.
type Option func(*Message)

// WithToolCallID sets the tool_call_id (role=tool messages).
func WithToolCallID(id string) Option { return func(m *Message) { m.ToolCallID = id } }

// WithToolCalls attaches tool-call descriptors (role=assistant messages).
func WithToolCalls(calls ...ToolCall) Option {
	return func(m *Message) { m.ToolCalls = calls }
}

// WithMetadata attaches arbitrary metadata.
func WithMetadata(md map[string]any) Option { return func(m *Message) { m.Metadata = md } }
