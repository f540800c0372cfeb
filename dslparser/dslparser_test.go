package dslparser

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSingleBlock(t *testing.T) {
	src := "--- kind: prompt, output: greeting\nSay hello to the user."
	blocks, err := Parse(src)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	require.Equal(t, KindPrompt, blocks[0].Kind)
	require.Equal(t, "greeting", blocks[0].OutputVar)
	require.Equal(t, "Say hello to the user.", blocks[0].Body)
}

func TestParseMultipleBlocksPreservesOrder(t *testing.T) {
	src := "--- kind: prompt, output: a\nfirst\n--- kind: judge, output: b\nsecond"
	blocks, err := Parse(src)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	require.Equal(t, KindPrompt, blocks[0].Kind)
	require.Equal(t, KindJudge, blocks[1].Kind)
	require.Equal(t, "first", blocks[0].Body)
	require.Equal(t, "second", blocks[1].Body)
}

func TestParseRejectsUnknownKind(t *testing.T) {
	_, err := Parse("--- kind: bogus, output: x\nbody")
	require.Error(t, err)
	var synErr *SyntaxError
	require.ErrorAs(t, err, &synErr)
}

func TestParseRejectsMissingHeader(t *testing.T) {
	_, err := Parse("just some text with no header")
	require.Error(t, err)
}

func TestParseExplorePassesThroughParams(t *testing.T) {
	src := "--- kind: explore, output: result, tools: [search, calc], model: gpt-5\nFind the answer."
	blocks, err := Parse(src)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	require.Equal(t, "gpt-5", blocks[0].Params["model"])
	tools, ok := blocks[0].Params["tools"].([]any)
	require.True(t, ok)
	require.Len(t, tools, 2)
}

func TestParseEmptyInputYieldsNoBlocks(t *testing.T) {
	blocks, err := Parse("")
	require.NoError(t, err)
	require.Empty(t, blocks)
}

func TestSyntaxErrorReportsLine(t *testing.T) {
	src := "leading prose with no header at all"
	var synErr *SyntaxError
	_, err := Parse(src)
	require.ErrorAs(t, err, &synErr)
	require.Equal(t, 1, synErr.Line)
}
