package chunker

import (
	"strings"
	"testing"
)

func TestFixedWindows(t *testing.T) {
	text := strings.Repeat("a", 10000)
	chunks := New(1000, 100).ChunkText(text, StrategyFixed)

	if len(chunks) != 11 {
		t.Fatalf("got %d chunks, want 11", len(chunks))
	}

	for i, c := range chunks {
		if c.ChunkIndex != i {
			t.Errorf("chunk %d has index %d", i, c.ChunkIndex)
		}
		if c.StartChar != i*900 {
			t.Errorf("chunk %d starts at %d, want %d", i, c.StartChar, i*900)
		}
		if len(c.Content) != c.EndChar-c.StartChar {
			t.Errorf("chunk %d content length %d != range %d", i, len(c.Content), c.EndChar-c.StartChar)
		}
	}

	// Consecutive windows share exactly the overlap.
	for i := 1; i < len(chunks); i++ {
		if got := chunks[i-1].EndChar - chunks[i].StartChar; got != 100 {
			t.Errorf("overlap between %d and %d is %d, want 100", i-1, i, got)
		}
	}

	last := chunks[len(chunks)-1]
	if last.EndChar != 10000 {
		t.Errorf("last chunk ends at %d, want 10000", last.EndChar)
	}
	if last.StartChar != 9000 || len(last.Content) != 1000 {
		t.Errorf("last chunk: start=%d len=%d", last.StartChar, len(last.Content))
	}
}

func TestFixedShortText(t *testing.T) {
	chunks := New(1000, 100).ChunkText("short text", StrategyFixed)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	c := chunks[0]
	if c.Content != "short text" || c.StartChar != 0 || c.EndChar != 10 {
		t.Errorf("chunk: %+v", c)
	}
}

func TestFixedTrailingWindow(t *testing.T) {
	// 1050 chars with step 900: windows [0,1000) and [900,1050).
	text := strings.Repeat("b", 1050)
	chunks := New(1000, 100).ChunkText(text, StrategyFixed)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[1].StartChar != 900 || chunks[1].EndChar != 1050 {
		t.Errorf("trailing window [%d,%d)", chunks[1].StartChar, chunks[1].EndChar)
	}
}

func TestFixedExactMultiple(t *testing.T) {
	// Window reaching exactly the end stops emission: no empty trailing chunk.
	text := strings.Repeat("c", 1000)
	chunks := New(1000, 100).ChunkText(text, StrategyFixed)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
}

func TestEmptyText(t *testing.T) {
	if got := New(1000, 100).ChunkText("", StrategyFixed); got != nil {
		t.Errorf("empty text produced %d chunks", len(got))
	}
	if got := New(1000, 100).ChunkText("", StrategySentence); got != nil {
		t.Errorf("empty text produced %d sentence chunks", len(got))
	}
}

func TestUnicodeOffsets(t *testing.T) {
	// Offsets count runes, not bytes.
	text := strings.Repeat("é", 30)
	chunks := New(10, 2).ChunkText(text, StrategyFixed)
	if len(chunks) == 0 {
		t.Fatal("no chunks")
	}
	if chunks[0].EndChar != 10 {
		t.Errorf("first chunk ends at %d, want 10", chunks[0].EndChar)
	}
	if got := len([]rune(chunks[0].Content)); got != 10 {
		t.Errorf("first chunk has %d runes, want 10", got)
	}
	last := chunks[len(chunks)-1]
	if last.EndChar != 30 {
		t.Errorf("last chunk ends at %d, want 30", last.EndChar)
	}
}

func TestOverlapClamped(t *testing.T) {
	// Overlap >= size must still advance.
	chunks := New(10, 50).ChunkText(strings.Repeat("d", 100), StrategyFixed)
	if len(chunks) == 0 {
		t.Fatal("no chunks")
	}
	for i := 1; i < len(chunks); i++ {
		if chunks[i].StartChar <= chunks[i-1].StartChar {
			t.Fatalf("windows do not advance: %d then %d", chunks[i-1].StartChar, chunks[i].StartChar)
		}
	}
}

func TestSentencePacking(t *testing.T) {
	text := "First sentence here. Second sentence follows. Third one ends it."
	chunks := New(1000, 0).ChunkText(text, StrategySentence)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1 packed chunk", len(chunks))
	}
	if chunks[0].Content != text {
		t.Errorf("packed content %q", chunks[0].Content)
	}

	small := New(25, 0).ChunkText(text, StrategySentence)
	if len(small) < 2 {
		t.Fatalf("got %d chunks, want several small ones", len(small))
	}
	// Spans must cover the text contiguously.
	if small[0].StartChar != 0 {
		t.Errorf("first chunk starts at %d", small[0].StartChar)
	}
	for i := 1; i < len(small); i++ {
		if small[i].StartChar != small[i-1].EndChar {
			t.Errorf("gap between chunk %d and %d", i-1, i)
		}
	}
	if small[len(small)-1].EndChar != len([]rune(text)) {
		t.Errorf("last chunk ends at %d", small[len(small)-1].EndChar)
	}
}

func TestSplitSentencesNoFalsePositives(t *testing.T) {
	// Decimal points and lowercase continuations are not boundaries.
	spans := splitSentences("Version 1.5 shipped on time. it was fine")
	if len(spans) != 1 {
		t.Errorf("got %d spans, want 1: %v", len(spans), spans)
	}

	spans = splitSentences("It works. Really well. Done")
	if len(spans) != 3 {
		t.Errorf("got %d spans, want 3: %v", len(spans), spans)
	}
}
