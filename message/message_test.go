package message

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateRejectsEmptyBlockList(t *testing.T) {
	m := Message{Role: RoleUser, Content: FromBlocks()}
	err := m.Validate(DefaultSchemePolicy())
	require.ErrorIs(t, err, ErrEmptyContent)
}

func TestValidateRejectsUnknownKind(t *testing.T) {
	m := Message{Role: RoleUser, Content: FromBlocks(Block{Kind: "bogus"})}
	err := m.Validate(DefaultSchemePolicy())
	require.ErrorIs(t, err, ErrUnknownBlockKind)
}

func TestValidateImageScheme(t *testing.T) {
	cases := []struct {
		name    string
		url     string
		policy  SchemePolicy
		wantErr error
	}{
		{name: "https ok", url: "https://example.com/a.png", policy: DefaultSchemePolicy()},
		{name: "data rejected by default", url: "data:image/png;base64,AAAA", policy: DefaultSchemePolicy(), wantErr: ErrImageScheme},
		{name: "data allowed when enabled", url: "data:image/png;base64,AAAA", policy: SchemePolicy{AllowData: true, MaxDataBytes: 1000}},
		{name: "http rejected", url: "http://example.com/a.png", policy: DefaultSchemePolicy(), wantErr: ErrImageScheme},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			m := Message{Role: RoleUser, Content: FromBlocks(Block{Kind: KindImageURL, Image: ImageRef{URL: tt.url, Detail: DetailAuto}})}
			err := m.Validate(tt.policy)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	c := Text("hello")
	once := Normalize(c)
	twice := Normalize(FromBlocks(once...))
	require.Equal(t, once, twice)
}

func TestExtractTextIgnoresImages(t *testing.T) {
	c := FromBlocks(
		Block{Kind: KindText, Text: "a"},
		Block{Kind: KindImageURL, Image: ImageRef{URL: "https://x/y.png"}},
		Block{Kind: KindText, Text: "b"},
	)
	require.Equal(t, "ab", ExtractText(c))
}

func TestAppendContentMatrix(t *testing.T) {
	t.Run("str+str", func(t *testing.T) {
		got := AppendContent(Text("a"), Text("b"))
		require.False(t, got.IsBlocks)
		require.Equal(t, "ab", got.Text)
	})
	t.Run("str+list promotes original text", func(t *testing.T) {
		got := AppendContent(Text("a"), FromBlocks(Block{Kind: KindText, Text: "b"}))
		require.True(t, got.IsBlocks)
		require.Equal(t, []Block{{Kind: KindText, Text: "a"}, {Kind: KindText, Text: "b"}}, got.Blocks)
	})
	t.Run("list+str appends block", func(t *testing.T) {
		got := AppendContent(FromBlocks(Block{Kind: KindText, Text: "a"}), Text("b"))
		require.Equal(t, []Block{{Kind: KindText, Text: "a"}, {Kind: KindText, Text: "b"}}, got.Blocks)
	})
	t.Run("list+list concatenates", func(t *testing.T) {
		got := AppendContent(
			FromBlocks(Block{Kind: KindText, Text: "a"}),
			FromBlocks(Block{Kind: KindText, Text: "b"}, Block{Kind: KindText, Text: "c"}),
		)
		require.Len(t, got.Blocks, 3)
	})
	t.Run("append empty is identity", func(t *testing.T) {
		orig := Text("a")
		require.Equal(t, orig, AppendContent(orig, Text("")))
	})
}

func TestLength(t *testing.T) {
	require.Equal(t, 5, Length(Text("hello")))
	c := FromBlocks(Block{Kind: KindText, Text: "ab"}, Block{Kind: KindImageURL}, Block{Kind: KindText, Text: "cd"})
	require.Equal(t, 4, Length(c))
}

func TestSingleTextBlockMatchesPureTextModuloSerialization(t *testing.T) {
	text := Message{Role: RoleUser, Content: Text("hi there")}
	blocks := Message{Role: RoleUser, Content: FromBlocks(Block{Kind: KindText, Text: "hi there"})}
	require.Equal(t, ExtractText(text.Content), ExtractText(blocks.Content))
	require.Equal(t, Length(text.Content), Length(blocks.Content))
}
