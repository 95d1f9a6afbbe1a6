// Package orchestrator runs the per-turn pipeline: gather context for the
// session's mode, assemble the prompt, stream the generation, and record
// the finished turn.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/sylvanlabs/assistd/internal/assembler"
	"github.com/sylvanlabs/assistd/internal/backend"
	"github.com/sylvanlabs/assistd/internal/retrieval"
	"github.com/sylvanlabs/assistd/internal/search"
	"github.com/sylvanlabs/assistd/internal/session"
)

var tracer = otel.Tracer("assistd.orchestrator")

var (
	// ErrEmptyInput indicates a turn with no text.
	ErrEmptyInput = errors.New("turn input cannot be empty")

	// ErrMissingImage indicates a visual mode turn without an attachment.
	ErrMissingImage = errors.New("visual mode requires an image attachment")
)

// noDocumentsFallback answers retrieval-backed turns when the session has
// no indexed content at all, instead of sending the model an empty context.
const noDocumentsFallback = "I don't have any documents indexed for this session yet. Upload a document and ask again."

// ragInstruction pins retrieval-backed answers to the supplied context.
const ragInstruction = "Answer using the context above. If the answer cannot be found in the context, say so."

// Notifier receives completed-turn events. Implementations must not block.
type Notifier interface {
	TurnCompleted(sessionID string, turn session.Turn)
}

// Config holds orchestrator configuration.
type Config struct {
	// HistoryTurns is how many recent turns go into the prompt. Default: 6
	HistoryTurns int
	// SearchTimeout bounds the web search leg of a turn. Default: 10s
	SearchTimeout time.Duration
	// CancelGrace bounds how long token delivery waits on an unresponsive
	// consumer before dropping them. Transcript recording does not depend
	// on it. Default: 5s
	CancelGrace time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = 6
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = 10 * time.Second
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 5 * time.Second
	}
}

// TurnStream is one in-flight turn as seen by the transport layer. Tokens
// arrive in generation order; the channel closes after the terminal token.
type TurnStream struct {
	SessionID string
	Tokens    <-chan backend.Token
	// Fragments lists the context fragments included in the prompt.
	Fragments []session.Fragment
	// Degraded is set when web search failed and the turn proceeded
	// without excerpts.
	Degraded bool
}

// Orchestrator wires the context sources to the model backends.
type Orchestrator struct {
	sessions  *session.Manager
	retriever *retrieval.Retriever
	searcher  *search.Resilient
	chain     backend.Backend
	local     backend.Backend
	assembler *assembler.Assembler
	notifier  Notifier
	config    Config
	logger    *zap.Logger
}

// New creates an Orchestrator. local may be nil, in which case LOCAL mode
// uses the main chain; notifier may be nil.
func New(
	sessions *session.Manager,
	retriever *retrieval.Retriever,
	searcher *search.Resilient,
	chain backend.Backend,
	local backend.Backend,
	asm *assembler.Assembler,
	notifier Notifier,
	config Config,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if chain == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if asm == nil {
		return nil, fmt.Errorf("assembler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()

	return &Orchestrator{
		sessions:  sessions,
		retriever: retriever,
		searcher:  searcher,
		chain:     chain,
		local:     local,
		assembler: asm,
		notifier:  notifier,
		config:    config,
		logger:    logger,
	}, nil
}

// HandleTurn runs one turn. The session must be IDLE; a busy session
// rejects with session.ErrSessionBusy. The returned stream stays live past
// the caller's context: cancellation goes through Cancel on the session.
func (o *Orchestrator) HandleTurn(ctx context.Context, sessionID, input string, images []string) (*TurnStream, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.HandleTurn")
	defer span.End()

	if strings.TrimSpace(input) == "" {
		return nil, ErrEmptyInput
	}

	info, err := o.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	mode := info.Mode
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("mode", string(mode)),
	)

	if (mode == session.ModeLiveDraw || mode == session.ModeVisualQA) && len(images) == 0 {
		return nil, ErrMissingImage
	}

	// The generation outlives the HTTP request that started it only via
	// this context; session.Cancel and session.Destroy both fire it.
	genCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	if err := o.sessions.Begin(sessionID, cancel); err != nil {
		cancel()
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := o.sessions.AppendUser(sessionID, input); err != nil {
		cancel()
		o.abort(sessionID)
		return nil, err
	}

	started := time.Now()
	gathered := o.gather(genCtx, sessionID, mode, input)
	if gathered.fatal != nil {
		cancel()
		o.abort(sessionID)
		span.RecordError(gathered.fatal)
		span.SetStatus(codes.Error, gathered.fatal.Error())
		recordTurn(mode, "failed", time.Since(started))
		return nil, gathered.fatal
	}
	block := o.assembler.Assemble(gathered.history, gathered.results, gathered.excerpts)

	out := make(chan backend.Token)
	ts := &TurnStream{
		SessionID: sessionID,
		Tokens:    out,
		Fragments: block.Included,
		Degraded:  gathered.degraded,
	}

	// Retrieval-backed turns with nothing indexed get a canned answer; an
	// empty context block would just invite hallucination.
	if (mode == session.ModeRAG || mode == session.ModeRAGSearch) && gathered.emptyCorpus && len(gathered.excerpts) == 0 {
		go o.emitFallback(sessionID, mode, out, started, cancel)
		span.SetStatus(codes.Ok, "fallback")
		return ts, nil
	}

	req := backend.Request{
		Prompt: buildPrompt(block, mode, input),
		Images: images,
	}

	stream, err := o.pick(mode).Generate(genCtx, req)
	if err != nil {
		cancel()
		o.abort(sessionID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		recordTurn(mode, "failed", time.Since(started))
		return nil, err
	}

	go o.forward(sessionID, mode, stream, out, block.Included, started, cancel)
	span.SetStatus(codes.Ok, "streaming")
	return ts, nil
}

// gathered carries the per-mode context sources for one turn.
type gathered struct {
	history  []session.Turn
	results  []retrieval.Result
	excerpts []search.Excerpt
	degraded bool
	// emptyCorpus is set when retrieval ran and found the session has no
	// visible chunks anywhere.
	emptyCorpus bool
	// fatal aborts the turn instead of degrading it. Only set for errors
	// where degrading would silently mislead, like an embedding-space
	// mismatch that needs a re-ingest.
	fatal error
}

// gather collects the context sources the mode asks for. Retrieval and
// search run concurrently when both apply; failures degrade to less
// context except where retrieve marks them fatal.
func (o *Orchestrator) gather(ctx context.Context, sessionID string, mode session.Mode, input string) gathered {
	var g gathered

	// Exclude the just-appended user turn from the rendered history.
	history, err := o.sessions.History(sessionID, o.config.HistoryTurns+1)
	if err == nil && len(history) > 0 {
		g.history = history[:len(history)-1]
	}

	wantRetrieval := (mode == session.ModeRAG || mode == session.ModeRAGSearch) && o.retriever != nil
	wantSearch := (mode == session.ModeSearch || mode == session.ModeRAGSearch) && o.searcher != nil

	var wg sync.WaitGroup
	if wantRetrieval {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.results, g.emptyCorpus, g.fatal = o.retrieve(ctx, sessionID, input)
		}()
	}
	if wantSearch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			searchCtx, searchCancel := context.WithTimeout(ctx, o.config.SearchTimeout)
			defer searchCancel()
			outcome := o.searcher.Search(searchCtx, input)
			g.excerpts = outcome.Excerpts
			g.degraded = outcome.Degraded
		}()
	}
	wg.Wait()
	return g
}

// retrieve queries the session's private collection first and falls back
// to the shared corpus when it is empty. Most retrieval failures degrade
// to no results; an embedding-space mismatch aborts instead, since the fix
// is a re-ingest and a silent empty answer would hide that.
func (o *Orchestrator) retrieve(ctx context.Context, sessionID, input string) (results []retrieval.Result, emptyCorpus bool, fatal error) {
	scopes := []retrieval.Scope{
		{SessionID: sessionID},
		{},
	}
	for _, scope := range scopes {
		hits, err := o.retriever.Retrieve(ctx, input, 0, scope)
		if err != nil {
			if errors.Is(err, retrieval.ErrIncompatibleEmbedding) {
				return nil, false, err
			}
			o.logger.Warn("retrieval degraded",
				zap.String("session_id", sessionID),
				zap.String("collection", scope.Collection()),
				zap.Error(err),
			)
			continue
		}
		if len(hits) > 0 {
			return hits, false, nil
		}
	}
	return nil, true, nil
}

// pick selects the backend for the mode.
func (o *Orchestrator) pick(mode session.Mode) backend.Backend {
	if mode == session.ModeLocal && o.local != nil {
		return o.local
	}
	return o.chain
}

// forward relays backend tokens to the transport channel, accumulates the
// transcript, and records the finished turn. It always drains the backend
// stream to its terminal marker so the session returns to IDLE even when
// the consumer disconnects.
func (o *Orchestrator) forward(sessionID string, mode session.Mode, stream *backend.Stream, out chan<- backend.Token, fragments []session.Fragment, started time.Time, cancel context.CancelFunc) {
	defer close(out)
	defer cancel()

	var text strings.Builder
	var terminal backend.Token
	consumerGone := false

	for tok := range stream.Tokens() {
		if tok.Done {
			terminal = tok
			break
		}
		text.WriteString(tok.Text)
		if consumerGone {
			continue
		}
		select {
		case out <- tok:
		case <-time.After(o.config.CancelGrace):
			consumerGone = true
		}
	}

	cancelled := false
	if info, err := o.sessions.Get(sessionID); err == nil && info.State == session.StateCancelling {
		cancelled = true
	}

	turn := session.Turn{
		Role:      session.RoleAssistant,
		Content:   text.String(),
		Fragments: fragments,
		Partial:   cancelled || terminal.Err != nil,
	}
	if err := o.sessions.Finish(sessionID, turn); err != nil {
		o.logger.Warn("finishing turn", zap.String("session_id", sessionID), zap.Error(err))
	}

	result := "completed"
	switch {
	case cancelled:
		result = "cancelled"
	case terminal.Err != nil:
		result = "failed"
	}
	recordTurn(mode, result, time.Since(started))

	if o.notifier != nil {
		o.notifier.TurnCompleted(sessionID, turn)
	}

	if !consumerGone {
		select {
		case out <- terminal:
		case <-time.After(o.config.CancelGrace):
		}
	}
}

// emitFallback streams the canned no-documents answer and records it as a
// normal completed turn.
func (o *Orchestrator) emitFallback(sessionID string, mode session.Mode, out chan<- backend.Token, started time.Time, cancel context.CancelFunc) {
	defer close(out)
	defer cancel()

	for _, tok := range []backend.Token{{Text: noDocumentsFallback}, {Done: true}} {
		select {
		case out <- tok:
		case <-time.After(o.config.CancelGrace):
		}
	}

	turn := session.Turn{
		Role:    session.RoleAssistant,
		Content: noDocumentsFallback,
	}
	if err := o.sessions.Finish(sessionID, turn); err != nil {
		o.logger.Warn("finishing turn", zap.String("session_id", sessionID), zap.Error(err))
	}
	recordTurn(mode, "fallback", time.Since(started))
	if o.notifier != nil {
		o.notifier.TurnCompleted(sessionID, turn)
	}
}

// abort returns the session to IDLE after a pre-stream failure.
func (o *Orchestrator) abort(sessionID string) {
	if err := o.sessions.Abort(sessionID); err != nil {
		o.logger.Warn("aborting turn", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// buildPrompt renders the final prompt for the backend.
func buildPrompt(block assembler.Block, mode session.Mode, input string) string {
	var b strings.Builder

	if block.HistoryText != "" {
		b.WriteString("Conversation so far:\n")
		b.WriteString(block.HistoryText)
		b.WriteByte('\n')
	}
	if block.ContextText != "" {
		b.WriteString("Context:\n")
		b.WriteString(block.ContextText)
		b.WriteByte('\n')
		b.WriteString(ragInstruction)
		b.WriteString("\n\n")
	}

	switch mode {
	case session.ModeLiveDraw:
		b.WriteString("The attached image is the user's current canvas. ")
	case session.ModeVisualQA:
		b.WriteString("Answer the question about the attached image. ")
	}

	b.WriteString("User: ")
	b.WriteString(input)
	return b.String()
}
