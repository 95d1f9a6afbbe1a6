// Package backend adapts language-model services as cancellable token
// streams behind one interface.
package backend

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrBackendUnavailable indicates the backend could not be reached or
// refused the generation before any token was produced.
var ErrBackendUnavailable = errors.New("model backend unavailable")

var generationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "assistd",
		Subsystem: "backend",
		Name:      "generations_total",
		Help:      "Total number of generation requests by backend and result",
	},
	[]string{"backend", "result"},
)

// Token is the smallest unit of generated output.
//
// Exactly one Token per stream has Done set; it is the terminal marker. A
// terminal Token may carry Err when generation failed mid-stream, so the
// caller can flush partial output and mark the turn instead of losing it.
type Token struct {
	Text string
	Err  error
	Done bool
}

// Request is one generation job.
type Request struct {
	// Prompt is the final prompt text including any assembled context.
	Prompt string
	// System is the system instruction, may be empty.
	System string
	// Images carries base64-encoded image payloads for visual modes.
	Images []string
}

// Backend turns a request into a lazy, cancellable token stream.
type Backend interface {
	// Name identifies the backend for logs and metrics.
	Name() string
	// Generate starts a generation. Tokens are delivered in order on the
	// returned stream; errors before the first token are returned directly.
	Generate(ctx context.Context, req Request) (*Stream, error)
}

// Stream delivers generated tokens in order.
//
// The channel is closed after the terminal token. Layers above must never
// reorder, deduplicate, or buffer beyond what transcript assembly needs.
type Stream struct {
	tokens chan Token
	cancel context.CancelFunc
	grace  time.Duration

	closeOnce sync.Once
	sendMu    sync.Mutex
	done      bool
}

// newStream creates a stream with a cancel hook for the producing request.
// grace bounds how long terminal delivery waits for a consumer.
func newStream(cancel context.CancelFunc, grace time.Duration) *Stream {
	if grace <= 0 {
		grace = defaultCancelGrace
	}
	return &Stream{
		tokens: make(chan Token),
		cancel: cancel,
		grace:  grace,
	}
}

// Tokens returns the ordered token channel. It is closed after the
// terminal token.
func (s *Stream) Tokens() <-chan Token {
	return s.tokens
}

// Cancel requests cooperative cancellation. No further content tokens are
// delivered after the producer observes it; the terminal marker still
// arrives so consumers can unwind normally.
func (s *Stream) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// emit delivers a content token. Returns false once the stream is finished
// or the consumer's context is gone.
func (s *Stream) emit(ctx context.Context, tok Token) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.done {
		return false
	}
	select {
	case s.tokens <- tok:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish delivers the terminal marker exactly once and closes the channel.
// An abandoned consumer forfeits the marker after a bounded grace period
// rather than leaking the producer goroutine.
func (s *Stream) finish(err error) {
	s.closeOnce.Do(func() {
		s.sendMu.Lock()
		s.done = true
		s.sendMu.Unlock()

		timer := time.NewTimer(s.grace)
		defer timer.Stop()
		select {
		case s.tokens <- Token{Err: err, Done: true}:
		case <-timer.C:
		}
		close(s.tokens)
	})
}

// defaultCancelGrace bounds how long finish waits for a consumer to take
// the terminal marker when no grace is configured.
const defaultCancelGrace = 5 * time.Second
