package retrieval

import "strings"

// Reranker adjusts vector similarity scores with query term overlap.
//
// Pure vector similarity can rank a chunk that never mentions the query's
// terms above one that does. Blending in a term-overlap signal (50/50)
// keeps semantic similarity while boosting literal matches.
type Reranker struct{}

// NewReranker creates a Reranker.
func NewReranker() *Reranker {
	return &Reranker{}
}

// Rerank rewrites each result's score as the blend of its original score
// and its term overlap with the query. Order is left to the caller.
func (r *Reranker) Rerank(query string, results []Result) []Result {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return results
	}

	const originalWeight = 0.5
	const overlapWeight = 0.5

	for i := range results {
		overlap := termOverlap(queryTokens, tokenize(results[i].Text))
		results[i].Score = originalWeight*results[i].Score + overlapWeight*overlap
	}
	return results
}

// tokenize splits text into lowercase terms, dropping stopwords and terms
// shorter than three characters.
func tokenize(text string) []string {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !isAlphanumeric(r)
	})

	filtered := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if len(token) > 2 && !stopwords[token] {
			filtered = append(filtered, token)
		}
	}
	return filtered
}

func isAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_'
}

var stopwords = map[string]bool{
	"the": true, "and": true, "but": true, "for": true, "with": true,
	"from": true, "was": true, "are": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "does": true, "did": true,
	"will": true, "would": true, "could": true, "should": true, "may": true,
	"might": true, "can": true, "this": true, "that": true, "these": true,
	"those": true, "you": true, "they": true, "what": true, "which": true,
	"who": true, "when": true, "where": true, "why": true, "how": true,
}

// termOverlap is the fraction of unique query terms present in the
// document tokens, in [0, 1].
func termOverlap(queryTokens, docTokens []string) float32 {
	if len(queryTokens) == 0 {
		return 0
	}

	docSet := make(map[string]bool, len(docTokens))
	for _, token := range docTokens {
		docSet[token] = true
	}

	matched := make(map[string]bool)
	for _, token := range queryTokens {
		if docSet[token] {
			matched[token] = true
		}
	}

	unique := make(map[string]bool)
	for _, token := range queryTokens {
		unique[token] = true
	}

	return float32(len(matched)) / float32(len(unique))
}
