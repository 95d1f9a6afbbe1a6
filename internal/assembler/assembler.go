// Package assembler merges history, retrieved chunks, and web excerpts
// into a bounded prompt context.
package assembler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sylvanlabs/assistd/internal/retrieval"
	"github.com/sylvanlabs/assistd/internal/search"
	"github.com/sylvanlabs/assistd/internal/session"
)

// webScoreCeiling keeps rank-derived web scores below typical document
// similarity scores, so documents win ties between the two sources.
const webScoreCeiling = 0.5

// Config holds assembler configuration.
type Config struct {
	// Budget is the context size ceiling in runes. Default: 8000
	Budget int
	// RelevanceFirst flips the priority order: retrieved fragments are
	// budgeted before history. The default (false) keeps recency priority:
	// recent history is never dropped in favor of retrieved context.
	RelevanceFirst bool
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Budget <= 0 {
		c.Budget = 8000
	}
}

// fragment is one budget candidate before inclusion.
type fragment struct {
	kind  string
	ref   string
	text  string
	score float32
}

// Block is the assembled context. Included records exactly which fragments
// made it in, for audit and for the assistant turn's citation trail.
type Block struct {
	// HistoryText is the rendered conversation window.
	HistoryText string
	// ContextText is the rendered document and web context.
	ContextText string
	// Included lists every included fragment in inclusion order.
	Included []session.Fragment
	// Size is the total rune count of both rendered sections.
	Size int
}

// Empty reports whether nothing was included.
func (b Block) Empty() bool {
	return b.Size == 0
}

// Assembler builds bounded context blocks.
type Assembler struct {
	config Config
}

// New creates an Assembler.
func New(config Config) *Assembler {
	config.ApplyDefaults()
	return &Assembler{config: config}
}

// Assemble merges the sources into a block no larger than the budget.
//
// Retrieved chunks and web excerpts compete on a shared score (web scores
// are rank-derived and capped below document scores) and are included
// highest-score-first until the next fragment would exceed the budget, so
// truncation drops the lowest-scored fragments. History is included
// most-recent-first and, unless RelevanceFirst is set, is budgeted before
// any retrieved fragment.
func (a *Assembler) Assemble(history []session.Turn, results []retrieval.Result, excerpts []search.Excerpt) Block {
	budget := a.config.Budget

	candidates := make([]fragment, 0, len(results)+len(excerpts))
	for _, r := range results {
		candidates = append(candidates, fragment{
			kind:  "document",
			ref:   r.ChunkID,
			text:  r.Text,
			score: r.Score,
		})
	}
	for i, e := range excerpts {
		candidates = append(candidates, fragment{
			kind:  "web",
			ref:   e.URL,
			text:  fmt.Sprintf("%s: %s", e.Title, e.Snippet),
			score: webScoreCeiling / float32(i+1),
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	var block Block
	if a.config.RelevanceFirst {
		budget = a.includeFragments(&block, candidates, budget)
		a.includeHistory(&block, history, budget)
	} else {
		budget = a.includeHistory(&block, history, budget)
		a.includeFragments(&block, candidates, budget)
	}
	return block
}

// includeHistory renders the most recent turns that fit, preserving
// chronological order in the output. Returns the remaining budget.
func (a *Assembler) includeHistory(block *Block, history []session.Turn, budget int) int {
	if len(history) == 0 || budget <= 0 {
		return budget
	}

	// Walk newest to oldest so the most recent turns survive a tight
	// budget, then render oldest first.
	var kept []session.Turn
	for i := len(history) - 1; i >= 0; i-- {
		line := renderTurn(history[i])
		size := len([]rune(line)) + 1
		if size > budget {
			break
		}
		budget -= size
		kept = append(kept, history[i])
	}

	var b strings.Builder
	for i := len(kept) - 1; i >= 0; i-- {
		b.WriteString(renderTurn(kept[i]))
		b.WriteByte('\n')
		block.Included = append(block.Included, session.Fragment{
			Kind: "history",
			Ref:  fmt.Sprintf("turn[-%d]", i+1),
		})
	}

	block.HistoryText = b.String()
	block.Size += len([]rune(block.HistoryText))
	return budget
}

// includeFragments includes candidates highest-score-first, stopping at
// the first fragment that would exceed the remaining budget. Truncation
// always drops a lowest-scored tail, never a higher-scored fragment in
// favor of a lower one. Returns the remaining budget.
func (a *Assembler) includeFragments(block *Block, candidates []fragment, budget int) int {
	var b strings.Builder
	for _, c := range candidates {
		size := len([]rune(c.text)) + 1
		if size > budget {
			break
		}
		budget -= size
		b.WriteString(c.text)
		b.WriteByte('\n')
		block.Included = append(block.Included, session.Fragment{
			Kind:  c.kind,
			Ref:   c.ref,
			Score: c.score,
		})
	}

	block.ContextText = b.String()
	block.Size += len([]rune(block.ContextText))
	return budget
}

// renderTurn formats one transcript turn for the prompt.
func renderTurn(t session.Turn) string {
	return fmt.Sprintf("%s: %s", t.Role, t.Content)
}
