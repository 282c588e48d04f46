// Package chunker splits extracted document text into overlapping windows
// for embedding and retrieval. Offsets are character (rune) positions into
// the source text.
package chunker

import "unicode"

// Chunk is one window of text. The half-open range [StartChar, EndChar)
// locates Content in the source text.
type Chunk struct {
	Content    string
	ChunkIndex int
	StartChar  int
	EndChar    int
	PageNumber int
}

// Chunking strategies.
const (
	StrategyFixed    = "fixed"
	StrategySentence = "sentence"
)

// Chunker produces chunks of at most Size characters with Overlap characters
// shared between consecutive fixed windows.
type Chunker struct {
	size    int
	overlap int
}

// New creates a chunker. Size defaults to 1000 and overlap to 100; overlap
// is clamped below size so windows always advance.
func New(size, overlap int) *Chunker {
	if size <= 0 {
		size = 1000
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size - 1
	}
	return &Chunker{size: size, overlap: overlap}
}

// ChunkText splits text using the given strategy. Unknown strategies fall
// back to fixed windows. Empty text yields no chunks.
func (c *Chunker) ChunkText(text, strategy string) []Chunk {
	if text == "" {
		return nil
	}
	if strategy == StrategySentence {
		return c.chunkSentences(text)
	}
	return c.chunkFixed(text)
}

// chunkFixed emits windows [start, min(start+size, len)) advancing by
// size-overlap. The final window is the first one that reaches the end of
// the text, so a trailing short window is emitted exactly once.
func (c *Chunker) chunkFixed(text string) []Chunk {
	runes := []rune(text)
	step := c.size - c.overlap

	var chunks []Chunk
	for start := 0; start < len(runes); start += step {
		end := start + c.size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, Chunk{
			Content:    string(runes[start:end]),
			ChunkIndex: len(chunks),
			StartChar:  start,
			EndChar:    end,
		})
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// chunkSentences packs whole sentences into windows of at most size
// characters. Sentences longer than the window stand alone. There is no
// overlap between sentence windows.
func (c *Chunker) chunkSentences(text string) []Chunk {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var chunks []Chunk
	cur := sentences[0]
	for _, s := range sentences[1:] {
		if s.end-cur.start <= c.size {
			cur.end = s.end
			continue
		}
		chunks = append(chunks, c.sentenceChunk(text, cur, len(chunks)))
		cur = s
	}
	chunks = append(chunks, c.sentenceChunk(text, cur, len(chunks)))
	return chunks
}

func (c *Chunker) sentenceChunk(text string, s span, index int) Chunk {
	runes := []rune(text)
	return Chunk{
		Content:    string(runes[s.start:s.end]),
		ChunkIndex: index,
		StartChar:  s.start,
		EndChar:    s.end,
	}
}

// span is a half-open rune range into the source text.
type span struct {
	start, end int
}

// splitSentences finds sentence boundaries at ., ! or ? followed by
// whitespace and an upper-case letter or digit. The split keeps every rune
// of the input inside exactly one span.
func splitSentences(text string) []span {
	runes := []rune(text)
	var spans []span
	start := 0

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		// Look past the terminator for whitespace then a capital or digit.
		j := i + 1
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		if j == i+1 || j >= len(runes) {
			continue
		}
		if !unicode.IsUpper(runes[j]) && !unicode.IsDigit(runes[j]) {
			continue
		}
		spans = append(spans, span{start: start, end: j})
		start = j
		i = j - 1
	}

	if start < len(runes) {
		spans = append(spans, span{start: start, end: len(runes)})
	}
	return spans
}
