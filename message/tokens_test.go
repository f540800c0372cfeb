package message

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEstimateTokensText(t *testing.T) {
	m := Message{Role: RoleUser, Content: Text("abcdefgh")}
	require.Equal(t, 2, EstimateTokens(m, nil))
}

func TestEstimateTokensImageLowDetailFixed(t *testing.T) {
	m := Message{Role: RoleUser, Content: FromBlocks(Block{Kind: KindImageURL, Image: ImageRef{URL: "https://x/a.png", Detail: DetailLow}})}
	require.Equal(t, lowDetailTokens, EstimateTokens(m, nil))
}

func TestEstimateTokensImageUnknownDimsFallback(t *testing.T) {
	m := Message{Role: RoleUser, Content: FromBlocks(Block{Kind: KindImageURL, Image: ImageRef{URL: "https://x/a.png", Detail: DetailHigh}})}
	require.Equal(t, fallbackTokens, EstimateTokens(m, nil))
}

func TestEstimateTokensImageWithDims(t *testing.T) {
	lookup := func(url string) (ImageDims, bool) { return ImageDims{Width: 1024, Height: 1024}, true }
	m := Message{Role: RoleUser, Content: FromBlocks(Block{Kind: KindImageURL, Image: ImageRef{URL: "https://x/a.png", Detail: DetailHigh}})}
	got := EstimateTokens(m, lookup)
	require.Equal(t, tileTokenBase+tokensPerTile*2*2, got)
}
