package knowledge

import (
	"fmt"
	"strings"
)

const (
	defaultChunkSize    = 3500
	defaultChunkOverlap = 400
)

// chunker splits extracted text into fixed-size overlapping segments. Sizes are
// counted in characters (runes). Pure and stateless between calls.
type chunker struct {
	size    int
	overlap int
}

// newChunker validates the configuration. An overlap equal to or larger than
// the chunk size would stall the cursor, so it is rejected outright.
func newChunker(size, overlap int) (*chunker, error) {
	if size <= 0 {
		size = defaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		return nil, fmt.Errorf("%w: chunk overlap %d must be smaller than chunk size %d", ErrInvalidArgument, overlap, size)
	}
	return &chunker{size: size, overlap: overlap}, nil
}

// split produces the ordered segment sequence. Consecutive segments share the
// configured overlap; concatenating them with the overlap stripped from every
// segment after the first reconstructs the input exactly. Empty input yields
// no segments, input shorter than the chunk size yields exactly one.
func (c *chunker) split(text string) []string {
	runes := []rune(text)
	total := len(runes)
	if total == 0 {
		return nil
	}

	segments := make([]string, 0, total/c.size+1)
	i := 0
	for i < total {
		j := i + c.size
		if j > total {
			j = total
		}
		segments = append(segments, string(runes[i:j]))
		if j >= total {
			break
		}
		// The guard keeps the cursor moving even if overlap were ever >= size.
		if next := j - c.overlap; next > i {
			i = next
		} else {
			i = j
		}
	}
	return segments
}

// extractText decodes raw uploaded bytes as best-effort UTF-8 plain text.
// Binary payloads pass through with invalid sequences dropped; parsing
// structured formats is out of scope.
func extractText(data []byte) string {
	return strings.ToValidUTF8(string(data), "")
}
