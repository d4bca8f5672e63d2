// Package knowledge — chunker. Splits loaded Documents into
// overlapping, sentence-boundary-respecting text chunks using a recursive
// separator splitter driven by a KB's chunk_config. The sliding-window
// merge-with-overlap loop below keeps the shape of a stride-based windower.
package knowledge

import (
	"strconv"
	"strings"
	"unicode"
)

// generalSeparators is the priority list tried in general-text mode.
var generalSeparators = []string{"\n\n\n", "\n\n", "\n", ". ", " ", ""}

// chineseSeparators replaces the general list in Chinese-aware mode.
var chineseSeparators = []string{"\n\n\n", "\n\n", "\n", "。", "？", "！", "；", "，", " ", ""}

// sentenceTerminators are the characters treated as sentence boundaries when
// snapping overlap back in respect-sentence-boundary mode.
var sentenceTerminators = []rune{'.', '。', '？', '！', ';', '；'}

// chineseRatioThreshold is the domain heuristic for auto-enabling Chinese-aware
// splitting.
const chineseRatioThreshold = 0.3

// Config controls chunking behavior; it mirrors a KB's chunk_config.
type Config struct {
	ChunkSize               int
	ChunkOverlap            int
	RespectSentenceBoundary bool
	ChineseAware            bool
}

// Validate enforces chunk_overlap < chunk_size.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return NewValidationError("chunk_size must be positive")
	}
	if c.ChunkOverlap < 0 {
		return NewValidationError("chunk_overlap must be non-negative")
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return NewValidationError("chunk_overlap (%d) must be < chunk_size (%d)", c.ChunkOverlap, c.ChunkSize)
	}
	return nil
}

// Chunker splits Documents into Chunks per Config.
type Chunker struct{}

// NewChunker returns a Chunker. It holds no state; Config is passed per call
// since different KBs may chunk differently.
func NewChunker() *Chunker { return &Chunker{} }

// Split implements the chunking contract: split(documents, config) -> [Chunk].
// Document order is preserved; chunk_index is monotone within a source.
func (c *Chunker) Split(docs []Document, cfg Config) ([]Chunk, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var out []Chunk
	for _, doc := range docs {
		chunks := c.splitOne(doc, cfg)
		out = append(out, chunks...)
	}
	return out, nil
}

func (c *Chunker) splitOne(doc Document, cfg Config) []Chunk {
	if strings.TrimSpace(doc.Content) == "" {
		return nil
	}

	seps := generalSeparators
	if cfg.ChineseAware || chineseRatio(doc.Content) >= chineseRatioThreshold {
		seps = chineseSeparators
	}

	pieces := recursiveSplit(doc.Content, seps, cfg.ChunkSize)
	texts := mergeWithOverlap(pieces, cfg.ChunkSize, cfg.ChunkOverlap, cfg.RespectSentenceBoundary)

	chunks := make([]Chunk, 0, len(texts))
	for i, t := range texts {
		meta := cloneMeta(doc.Metadata)
		meta["source"] = doc.Metadata["source"]
		meta["chunk_index"] = strconv.Itoa(i)
		chunks = append(chunks, Chunk{Content: t, Metadata: meta})
	}
	return chunks
}

// recursiveSplit breaks text into pieces no longer than chunkSize, trying
// separators in priority order and recursing into any piece that is still
// too long with the remaining separators. The final separator ("") falls
// back to splitting by rune, which always terminates.
func recursiveSplit(text string, seps []string, chunkSize int) []string {
	if len([]rune(text)) <= chunkSize {
		return []string{text}
	}
	if len(seps) == 0 {
		return splitByRune(text, chunkSize)
	}

	sep, rest := seps[0], seps[1:]
	var pieces []string
	if sep == "" {
		pieces = splitByRune(text, chunkSize)
	} else {
		pieces = splitKeepingSeparator(text, sep)
	}

	var out []string
	for _, p := range pieces {
		if len([]rune(p)) > chunkSize {
			out = append(out, recursiveSplit(p, rest, chunkSize)...)
		} else {
			out = append(out, p)
		}
	}
	return out
}

// splitKeepingSeparator splits text on sep, re-appending sep to every piece
// except the last so no characters are lost and re-joining pieces reproduces
// the original text.
func splitKeepingSeparator(text, sep string) []string {
	parts := strings.Split(text, sep)
	out := make([]string, 0, len(parts))
	for i, p := range parts {
		if i < len(parts)-1 {
			p += sep
		}
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitByRune is the last-resort separator: fixed-width rune windows.
func splitByRune(text string, size int) []string {
	runes := []rune(text)
	var out []string
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}

// mergeWithOverlap merges small pieces into chunks up to chunkSize runes,
// carrying chunkOverlap runes of trailing context into the next chunk. This
// is the same sliding-window idea as the original token windower, applied
// to recursively-split pieces instead of whitespace tokens.
func mergeWithOverlap(pieces []string, chunkSize, chunkOverlap int, snapToSentence bool) []string {
	var chunks []string
	var cur strings.Builder
	curLen := 0

	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
		}
	}

	carryOverlap := func(prev string) string {
		runes := []rune(prev)
		if len(runes) <= chunkOverlap {
			return prev
		}
		start := len(runes) - chunkOverlap
		if snapToSentence {
			start = snapForwardToSentenceStart(runes, start)
		}
		return string(runes[start:])
	}

	// appendPiece writes p into cur, flushing and carrying overlap at a chunk
	// boundary exactly like the piece-to-piece case. If the overlap carried
	// into a fresh chunk still leaves no room for all of p, p is split at the
	// boundary instead of being written in full, so every flushed chunk stays
	// within chunkSize (the prior version appended p unconditionally here,
	// which could overflow a chunk by up to chunkOverlap runes).
	var appendPiece func(p string)
	appendPiece = func(p string) {
		pRunes := []rune(p)
		if curLen+len(pRunes) <= chunkSize {
			cur.WriteString(p)
			curLen += len(pRunes)
			return
		}

		if room := chunkSize - curLen; room > 0 {
			cur.WriteString(string(pRunes[:room]))
			curLen += room
			pRunes = pRunes[room:]
		}

		full := cur.String()
		flush()
		cur.Reset()
		overlap := carryOverlap(full)
		cur.WriteString(overlap)
		curLen = len([]rune(overlap))

		if len(pRunes) > 0 {
			appendPiece(string(pRunes))
		}
	}

	for _, p := range pieces {
		appendPiece(p)
	}
	flush()

	return chunks
}

// snapForwardToSentenceStart moves start forward to just after the first
// sentence terminator at or after start-1, so the carried overlap begins at a
// sentence boundary instead of mid-sentence and never grows past chunkOverlap.
// With no terminator in the window, start is returned unchanged.
func snapForwardToSentenceStart(runes []rune, start int) int {
	for i := start; i < len(runes); i++ {
		if isSentenceTerminator(runes[i-1]) {
			return i
		}
	}
	return start
}

func isSentenceTerminator(r rune) bool {
	for _, t := range sentenceTerminators {
		if r == t {
			return true
		}
	}
	return false
}

// chineseRatio returns the fraction of Han-script runes in text.
func chineseRatio(text string) float64 {
	total, han := 0, 0
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.Is(unicode.Han, r) {
			han++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(han) / float64(total)
}

func cloneMeta(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}
