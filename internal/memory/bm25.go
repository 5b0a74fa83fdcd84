// Package memory implements the agent plane's three conversation
// memory tiers (short/mid/long term) and the BM25 full-text index
// that backs mid-term and long-term retrieval.
package memory

import (
	"math"
	"sort"
	"strings"
	"sync"
)

// Default BM25 tuning parameters.
const (
	DefaultK1 = 1.2
	DefaultB  = 0.75
)

// DocumentStats holds one document's per-term frequencies and length,
// the unit BM25 scores against.
type DocumentStats struct {
	ID        string
	Length    int
	TermFreqs map[string]int
}

// NewDocumentStats tokenizes text and builds its term-frequency table.
func NewDocumentStats(id, text string) DocumentStats {
	terms := tokenize(text)
	freqs := make(map[string]int, len(terms))
	for _, t := range terms {
		freqs[t]++
	}
	return DocumentStats{ID: id, Length: len(terms), TermFreqs: freqs}
}

// TF returns how many times term occurs in this document.
func (d DocumentStats) TF(term string) int {
	return d.TermFreqs[term]
}

// Result is one BM25 search hit.
type Result struct {
	ID    string
	Score float64
}

// Index is a BM25 full-text index over a growing set of documents,
// tracking per-document stats and collection-wide document frequencies
// so scores can be computed without rescanning every document.
type Index struct {
	mu sync.RWMutex

	docs     map[string]DocumentStats
	order    []string // insertion order, for deterministic iteration
	docFreqs map[string]int
	totalLen int
	k1       float64
	b        float64
}

// NewIndex builds an index using the default k1/b parameters.
func NewIndex() *Index {
	return NewIndexWithParams(DefaultK1, DefaultB)
}

// NewIndexWithParams builds an index with custom BM25 tuning.
func NewIndexWithParams(k1, b float64) *Index {
	return &Index{
		docs:     make(map[string]DocumentStats),
		docFreqs: make(map[string]int),
		k1:       k1,
		b:        b,
	}
}

// AddDocument indexes text under id, replacing any prior document
// with the same id.
func (idx *Index) AddDocument(id, text string) {
	stats := NewDocumentStats(id, text)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if existing, ok := idx.docs[id]; ok {
		idx.removeLocked(existing)
	} else {
		idx.order = append(idx.order, id)
	}

	for term := range stats.TermFreqs {
		idx.docFreqs[term]++
	}
	idx.totalLen += stats.Length
	idx.docs[id] = stats
}

// RemoveDocument drops id from the index, decrementing every term it
// contributed to doc_freqs exactly once, removing terms whose
// document frequency reaches zero.
func (idx *Index) RemoveDocument(id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	stats, ok := idx.docs[id]
	if !ok {
		return
	}
	idx.removeLocked(stats)
	for i, existing := range idx.order {
		if existing == id {
			idx.order = append(idx.order[:i], idx.order[i+1:]...)
			break
		}
	}
	delete(idx.docs, id)
}

// removeLocked undoes stats' contribution to docFreqs/totalLen. Caller
// holds idx.mu.
func (idx *Index) removeLocked(stats DocumentStats) {
	for term := range stats.TermFreqs {
		if df, ok := idx.docFreqs[term]; ok {
			if df <= 1 {
				delete(idx.docFreqs, term)
			} else {
				idx.docFreqs[term] = df - 1
			}
		}
	}
	idx.totalLen -= stats.Length
}

// Clear resets the index to empty.
func (idx *Index) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.docs = make(map[string]DocumentStats)
	idx.order = nil
	idx.docFreqs = make(map[string]int)
	idx.totalLen = 0
}

// Len returns the number of indexed documents.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docs)
}

// Document returns the stats for id, if indexed.
func (idx *Index) Document(id string) (DocumentStats, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	stats, ok := idx.docs[id]
	return stats, ok
}

func (idx *Index) avgDocLength() float64 {
	if len(idx.docs) == 0 {
		return 0
	}
	return float64(idx.totalLen) / float64(len(idx.docs))
}

// Search scores every indexed document against query and returns the
// top k by descending BM25 score, dropping non-matches (score 0).
func (idx *Index) Search(query string, topK int) []Result {
	queryTerms := tokenize(query)

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	avgLen := idx.avgDocLength()
	numDocs := len(idx.docs)
	if numDocs == 0 || avgLen == 0 {
		return nil
	}

	results := make([]Result, 0, len(idx.docs))
	for _, id := range idx.order {
		doc := idx.docs[id]
		score := idx.scoreDocument(doc, queryTerms, numDocs, avgLen)
		if score > 0 {
			results = append(results, Result{ID: id, Score: score})
		}
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results
}

func (idx *Index) scoreDocument(doc DocumentStats, queryTerms []string, numDocs int, avgLen float64) float64 {
	var score float64
	for _, term := range queryTerms {
		tf := float64(doc.TF(term))
		if tf == 0 {
			continue
		}
		df := float64(idx.docFreqs[term])
		if df == 0 {
			df = 1
		}
		termIDF := idf(numDocs, df)
		docLen := float64(doc.Length)

		numerator := tf * (idx.k1 + 1)
		denominator := tf + idx.k1*(1-idx.b+idx.b*(docLen/avgLen))
		score += termIDF * (numerator / denominator)
	}
	return score
}

func idf(numDocs int, docFreq float64) float64 {
	if docFreq == 0 {
		return 0
	}
	n := float64(numDocs)
	return math.Log((n-docFreq+0.5)/(docFreq+0.5) + 1)
}

// tokenize lowercases text, trims non-alphanumeric runes off each
// whitespace-split token, and drops tokens that become empty.
func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		trimmed := strings.TrimFunc(f, func(r rune) bool { return !isAlphanumeric(r) })
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func isAlphanumeric(r rune) bool {
	switch {
	case r >= '0' && r <= '9':
		return true
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	default:
		return r > 127 // treat non-ASCII letters (CJK, accented, etc.) as alphanumeric
	}
}
