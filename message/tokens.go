package message

import "math"

// Token estimation constants (spec §4.1 "estimate_tokens"). These are
// approximations used only for budget pre-checks, never for billing.
const (
	charsPerToken   = 4.0
	tileTokenBase   = 85
	tokensPerTile   = 170
	tileSizePx      = 512
	lowDetailTokens = 85
	fallbackTokens  = 512
)

// ImageDims carries known pixel dimensions for token estimation. Zero values
// mean "unknown".
type ImageDims struct {
	Width, Height int
}

// EstimateTextTokens approximates token count for plain text using a
// char-ratio heuristic.
func EstimateTextTokens(s string) int {
	return int(math.Ceil(float64(len([]rune(s))) / charsPerToken))
}

// EstimateImageTokens approximates token count for a single image block. When
// detail is "low", a fixed base applies; otherwise tokens scale with the
// number of 512x512 tiles covering the image when dimensions are known, or a
// conservative fallback keyed by detail when they are not.
func EstimateImageTokens(detail DetailHint, dims ImageDims) int {
	if detail == DetailLow {
		return lowDetailTokens
	}
	if dims.Width <= 0 || dims.Height <= 0 {
		return fallbackTokens
	}
	tilesX := int(math.Ceil(float64(dims.Width) / tileSizePx))
	tilesY := int(math.Ceil(float64(dims.Height) / tileSizePx))
	return tileTokenBase + tokensPerTile*tilesX*tilesY
}

// DimsLookup resolves known pixel dimensions for an image URL, when
// available (e.g., from a prior fetch). Callers without dimension metadata
// should pass a lookup that always returns ok=false.
type DimsLookup func(url string) (ImageDims, bool)

// EstimateTokens approximates the total token cost of a message: text via
// the char-ratio heuristic, plus one image estimate per image_url block.
// Estimation is explicitly approximate (spec §4.1) and used only for budget
// pre-checks, never exact billing.
func EstimateTokens(m Message, dims DimsLookup) int {
	if !m.Content.IsBlocks {
		return EstimateTextTokens(m.Content.Text)
	}
	total := 0
	for _, b := range m.Content.Blocks {
		switch b.Kind {
		case KindText:
			total += EstimateTextTokens(b.Text)
		case KindImageURL:
			d := ImageDims{}
			if dims != nil {
				if found, ok := dims(b.Image.URL); ok {
					d = found
				}
			}
			total += EstimateImageTokens(b.Image.Detail, d)
		}
	}
	return total
}
