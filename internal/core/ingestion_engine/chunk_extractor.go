package ingestion_engine

import (
	"strings"

	"github.com/markdave123-py/ragvault/internal/core"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// defaultSeparators are tried coarsest first. When none fits, a raw
// character run of the maximum size is cut.
var defaultSeparators = []string{"\n\n", "\n", ". ", "! ", "? ", "。", "; ", " "}

// Chunk is one bounded window of a file's text.
//
// Index:    zero-based position within the file, continuous across segments.
// Text:     verbatim slice of the segment text.
// Metadata: provenance of the segment the chunk was cut from (shared, do not mutate).
type Chunk struct {
	Index    int
	Text     string
	Metadata map[string]any
}

// TextSplitter cuts text into windows of at most maxSize runes where
// consecutive windows share exactly overlap runes.
type TextSplitter struct {
	maxSize    int
	overlap    int
	separators [][]rune
}

// NewTextSplitter sanitises its arguments: a non-positive size falls back to
// DefaultChunkSize and an overlap that would stall the window is reduced to a fifth of the size.
func NewTextSplitter(maxSize, overlap int) *TextSplitter {
	if maxSize <= 0 {
		maxSize = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= maxSize {
		overlap = maxSize / 5
	}
	seps := make([][]rune, 0, len(defaultSeparators))
	for _, s := range defaultSeparators {
		seps = append(seps, []rune(s))
	}
	return &TextSplitter{maxSize: maxSize, overlap: overlap, separators: seps}
}

func (s *TextSplitter) MaxSize() int { return s.maxSize }
func (s *TextSplitter) Overlap() int { return s.overlap }

// Split chunks every segment in order. Chunks never span two segments;
// blank segments produce nothing.
func (s *TextSplitter) Split(segments []core.Segment) []Chunk {
	var out []Chunk
	for _, seg := range segments {
		if strings.TrimSpace(seg.Text) == "" {
			continue
		}
		for _, text := range s.SplitText(seg.Text) {
			out = append(out, Chunk{Index: len(out), Text: text, Metadata: seg.Metadata})
		}
	}
	return out
}

// SplitText windows a single text. Joining the first chunk with every later
// chunk minus its leading overlap reproduces text exactly.
func (s *TextSplitter) SplitText(text string) []string {
	r := []rune(text)
	if len(r) <= s.maxSize {
		return []string{text}
	}

	var out []string
	start := 0
	for len(r)-start > s.maxSize {
		end := s.boundary(r, start)
		out = append(out, string(r[start:end]))
		start = end - s.overlap
	}
	return append(out, string(r[start:]))
}

// boundary picks the end of the window starting at start: the last
// occurrence of the coarsest separator that still moves the next window forward.
func (s *TextSplitter) boundary(r []rune, start int) int {
	lo := start + s.overlap + 1
	hi := start + s.maxSize
	for _, sep := range s.separators {
		for end := hi; end >= lo; end-- {
			if end-len(sep) < start {
				break
			}
			if hasRunesAt(r, end-len(sep), sep) {
				return end
			}
		}
	}
	return hi
}

func hasRunesAt(r []rune, at int, sep []rune) bool {
	for i, c := range sep {
		if r[at+i] != c {
			return false
		}
	}
	return true
}
