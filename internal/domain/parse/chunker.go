// Package parse turns raw document text into indexed chunks and extracted
// entities. Three chunking methods are supported: fixed character windows,
// sentence accumulation, and semantic boundary detection with an embedding
// model (falling back to sentence when no model is available).
package parse

import (
	"context"
	"math"
	"strings"
	"unicode"
)

// Chunk is one contiguous slice of a document's text.
// For a given document, Index is contiguous from 0 and StartChar < EndChar.
type Chunk struct {
	Index      int    `json:"chunk_index"`
	Text       string `json:"text"`
	StartChar  int    `json:"start_char"`
	EndChar    int    `json:"end_char"`
	PageNumber int    `json:"page_number,omitempty"`
	TokenCount int    `json:"token_count"`
}

// Embedder is the minimal embedding surface the semantic chunker needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ChunkFixed splits text into windows of chunkSize characters advancing by
// max(1, chunkSize-overlap), so consecutive chunks share overlap characters.
// Empty input returns no chunks.
func ChunkFixed(text string, chunkSize, overlap int) []Chunk {
	runes := []rune(text)
	if len(runes) == 0 || strings.TrimSpace(text) == "" {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	if overlap >= chunkSize {
		overlap = chunkSize - 1
	}

	step := chunkSize - overlap
	if step < 1 {
		step = 1
	}

	var chunks []Chunk
	for start := 0; start < len(runes); start += step {
		end := start + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunkText := string(runes[start:end])
		chunks = append(chunks, Chunk{
			Index:      len(chunks),
			Text:       chunkText,
			StartChar:  start,
			EndChar:    end,
			TokenCount: len(strings.Fields(chunkText)),
		})
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// ChunkSentence splits on sentence terminators and greedily accumulates
// sentences until adding the next one would exceed chunkSize characters.
func ChunkSentence(text string, chunkSize int) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = 1000
	}

	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var chunks []Chunk
	cur := sentences[0]
	for _, s := range sentences[1:] {
		if len([]rune(cur.text))+len([]rune(s.text)) > chunkSize {
			chunks = append(chunks, spanChunk(len(chunks), cur))
			cur = s
			continue
		}
		cur.text = cur.text + s.text
		cur.end = s.end
	}
	chunks = append(chunks, spanChunk(len(chunks), cur))
	return chunks
}

// ChunkSemantic breaks at points where adjacent sentence-window embeddings
// diverge: a boundary is placed where cosine similarity over a sliding
// window of 2 falls below mean(sim) - std(sim), floored at 0.5.
// Breakpoints that would produce chunks shorter than chunkSize/3 are
// suppressed, and accumulation never exceeds chunkSize. When the embedder is
// nil or fails, the sentence method is used instead.
func ChunkSemantic(ctx context.Context, embedder Embedder, text string, chunkSize int) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	sentences := splitSentences(text)
	if embedder == nil || len(sentences) < 3 {
		return ChunkSentence(text, chunkSize)
	}

	texts := make([]string, len(sentences))
	for i, s := range sentences {
		texts[i] = s.text
	}
	vecs, err := embedder.EmbedBatch(ctx, texts)
	if err != nil || len(vecs) != len(sentences) {
		return ChunkSentence(text, chunkSize)
	}

	// Similarity between adjacent windows of two sentences.
	sims := make([]float64, 0, len(sentences)-2)
	for i := 0; i+2 < len(sentences); i++ {
		left := meanVec(vecs[i], vecs[i+1])
		right := meanVec(vecs[i+1], vecs[i+2])
		sims = append(sims, cosine(left, right))
	}

	mean, std := meanStd(sims)
	threshold := mean - std
	if threshold < 0.5 {
		threshold = 0.5
	}

	minChunk := chunkSize / 3
	var chunks []Chunk
	cur := sentences[0]
	for i := 1; i < len(sentences); i++ {
		s := sentences[i]
		curLen := len([]rune(cur.text))

		breakHere := curLen+len([]rune(s.text)) > chunkSize
		if !breakHere && i-1 < len(sims) && sims[i-1] < threshold && curLen >= minChunk {
			breakHere = true
		}

		if breakHere {
			chunks = append(chunks, spanChunk(len(chunks), cur))
			cur = s
			continue
		}
		cur.text = cur.text + s.text
		cur.end = s.end
	}
	chunks = append(chunks, spanChunk(len(chunks), cur))
	return chunks
}

// span is a sentence or accumulated run with its char offsets.
type span struct {
	text  string
	start int
	end   int
}

func spanChunk(index int, sp span) Chunk {
	return Chunk{
		Index:      index,
		Text:       sp.text,
		StartChar:  sp.start,
		EndChar:    sp.end,
		TokenCount: len(strings.Fields(sp.text)),
	}
}

// splitSentences splits on .!? keeping the terminator and trailing spaces
// attached, so concatenating all spans reproduces the input and offsets stay
// exact.
func splitSentences(text string) []span {
	runes := []rune(text)
	var spans []span
	start := 0
	i := 0
	for i < len(runes) {
		r := runes[i]
		if r == '.' || r == '!' || r == '?' {
			i++
			// absorb closing quotes and whitespace into the sentence
			for i < len(runes) && (unicode.IsSpace(runes[i]) || runes[i] == '"' || runes[i] == '\'') {
				i++
			}
			spans = append(spans, span{text: string(runes[start:i]), start: start, end: i})
			start = i
			continue
		}
		i++
	}
	if start < len(runes) {
		spans = append(spans, span{text: string(runes[start:]), start: start, end: len(runes)})
	}

	// Drop whitespace-only spans but keep offsets of real ones.
	var out []span
	for _, sp := range spans {
		if strings.TrimSpace(sp.text) != "" {
			out = append(out, sp)
		}
	}
	return out
}

func meanVec(a, b []float32) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = (float64(a[i]) + float64(b[i])) / 2
	}
	return out
}

func cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var variance float64
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	return mean, math.Sqrt(variance / float64(len(xs)))
}
