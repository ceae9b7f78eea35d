// Package relay turns queued session questions into client-visible event
// streams. One Dispatcher serves every session; each Serve call owns one
// client channel for its lifetime.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/kzinmr/askrelay/internal/adapter"
	"github.com/kzinmr/askrelay/internal/ledger"
	"github.com/kzinmr/askrelay/internal/metrics"
	"github.com/kzinmr/askrelay/internal/openai"
	"github.com/kzinmr/askrelay/internal/session"
)

// State is the lifecycle position of one served session.
type State int

const (
	StateIdle State = iota
	StateDispatched
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispatched:
		return "dispatched"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	defaultPollInterval         = 2 * time.Second
	defaultMaxTransportFailures = 3
)

// Client-facing error texts.
const (
	msgRetrying    = "Lost the connection to the answer service, retrying."
	msgAskAgain    = "Lost the connection to the answer service. Ask again to retry."
	msgUnreachable = "The answer service is unreachable."
	msgRejected    = "The answer service rejected the request."
	msgTimedOut    = "The answer took too long and was stopped."
)

// Config holds dispatcher settings.
type Config struct {
	Model        string
	SystemPrompt string
	// PollInterval is how often an idle session checks for a question when no
	// notification arrives (default 2s).
	PollInterval time.Duration
	// PingInterval sends keep-alives on the client channel. Zero disables.
	PingInterval time.Duration
	// StreamTimeout bounds the whole life of a served session. Zero means no
	// bound.
	StreamTimeout time.Duration
	// MaxTransportFailures ends a session after this many transport failures
	// in a row (default 3).
	MaxTransportFailures int
}

// Recorder receives one ledger entry per dispatched question.
type Recorder interface {
	Record(ctx context.Context, entry ledger.Entry) error
}

// Dispatcher relays answers for sessions held in a session.Store.
type Dispatcher struct {
	store    *session.Store
	upstream adapter.StreamingChatAdapter
	cfg      Config

	logger   *log.Logger
	debug    bool
	metrics  *metrics.Collector
	recorder Recorder
	onState  func(id string, s State)
	now      func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger; debug enables per-event logging.
func WithLogger(logger *log.Logger, debug bool) Option {
	return func(d *Dispatcher) {
		d.logger = logger
		d.debug = debug
	}
}

// WithMetrics records relay activity on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(d *Dispatcher) { d.metrics = c }
}

// WithRecorder writes usage entries to r.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithStateHook observes state transitions. fn runs on the serving goroutine.
func WithStateHook(fn func(id string, s State)) Option {
	return func(d *Dispatcher) { d.onState = fn }
}

// WithClock overrides the clock used for durations and ledger timestamps.
func WithClock(fn func() time.Time) Option {
	return func(d *Dispatcher) { d.now = fn }
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(store *session.Store, upstream adapter.StreamingChatAdapter, cfg Config, opts ...Option) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxTransportFailures <= 0 {
		cfg.MaxTransportFailures = defaultMaxTransportFailures
	}
	if cfg.StreamTimeout < 0 {
		cfg.StreamTimeout = 0
	}
	d := &Dispatcher{
		store:    store,
		upstream: upstream,
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Config returns the effective settings.
func (d *Dispatcher) Config() Config { return d.cfg }

// Answer produces a complete answer for question without creating a session.
// The returned error is the adapter's, so callers can tell a provider failure
// from a transport one.
func (d *Dispatcher) Answer(ctx context.Context, question string) (openai.ChatCompletionResponse, error) {
	start := d.now()
	req := openai.NewQuestionRequest(d.cfg.Model, d.cfg.SystemPrompt, question, false)
	resp, err := d.upstream.CreateCompletion(ctx, req)

	entry := ledger.Entry{
		Mode:         ledger.ModeBlocking,
		Model:        d.cfg.Model,
		PromptTokens: int64(openai.ApproxTokens(d.cfg.SystemPrompt) + openai.ApproxTokens(question)),
	}
	switch {
	case err == nil:
		entry.Outcome = ledger.OutcomeCompleted
		if resp.Model != "" {
			entry.Model = resp.Model
		}
		if resp.Usage.TotalTokens > 0 {
			entry.PromptTokens = int64(resp.Usage.PromptTokens)
			entry.CompletionTokens = int64(resp.Usage.CompletionTokens)
		} else {
			entry.CompletionTokens = int64(openai.ApproxTokens(resp.Text()))
		}
	case ctx.Err() != nil:
		entry.Outcome = ledger.OutcomeDisconnected
	default:
		entry.Outcome = d.classify(err)
	}
	d.record(ctx, entry, start)
	return resp, err
}

// Serve relays the answer for session id to sink. It returns once the answer
// is complete, the upstream fails terminally, or the client goes away. An unknown, already served or already answered session gets a single
// done event. Returns nil on a normal close, ErrChannelClosed when the client
// went away, ErrStreamTimeout when the stream bound was hit, and the upstream
// error when it ended the session.
func (d *Dispatcher) Serve(ctx context.Context, id string, sink Sink) error {
	if !d.store.Attach(id) {
		d.debugf("session %s unknown or already served, closing", id)
		if err := sink.Send(DoneEvent()); err != nil {
			return ErrChannelClosed
		}
		d.metrics.RecordRelayEvent(string(KindDone))
		return nil
	}
	r := &run{d: d, id: id, sink: sink}
	return r.serve(ctx)
}

// run is the state of one served session.
type run struct {
	d    *Dispatcher
	id   string
	sink Sink

	state    State
	ping     <-chan time.Time
	seq      int
	failures int

	closeOnce sync.Once
}

func (r *run) serve(parent context.Context) (err error) {
	ctx, cancel := context.WithCancel(parent)
	if r.d.cfg.StreamTimeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeoutCause(ctx, r.d.cfg.StreamTimeout, ErrStreamTimeout)
		defer stop()
	}

	poll := time.NewTicker(r.d.cfg.PollInterval)
	var pinger *time.Ticker
	if r.d.cfg.PingInterval > 0 {
		pinger = time.NewTicker(r.d.cfg.PingInterval)
		r.ping = pinger.C
	}
	defer func() {
		r.close(func() {
			poll.Stop()
			if pinger != nil {
				pinger.Stop()
			}
			cancel()
		}, err)
	}()

	r.d.metrics.RecordSessionOpened()
	r.d.debugf("session %s attached", r.id)
	wake := r.d.store.Wait(r.id)
	r.setState(StateIdle)

	// A session attached with nothing queued was already answered.
	if r.d.store.Pending(r.id) == 0 {
		return r.send(DoneEvent())
	}

	for {
		select {
		case <-ctx.Done():
			return r.interrupted(ctx)
		case <-r.ping:
			if err := r.sink.Ping(); err != nil {
				return ErrChannelClosed
			}
			continue
		case <-wake:
		case <-poll.C:
		}

		question, ok := r.d.store.TakePending(r.id)
		if !ok {
			continue
		}
		answered, err := r.dispatch(ctx, question)
		if err != nil {
			return err
		}
		if answered {
			return nil
		}
		r.setState(StateIdle)
	}
}

// close tears the session down exactly once.
func (r *run) close(release func(), cause error) {
	r.closeOnce.Do(func() {
		release()
		r.d.store.Delete(r.id)
		r.setState(StateClosed)
		reason := closeReason(cause)
		r.d.metrics.RecordSessionClosed(reason)
		r.d.debugf("session %s closed (%s)", r.id, reason)
	})
}

func closeReason(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, ErrChannelClosed):
		return "disconnected"
	case errors.Is(err, ErrStreamTimeout):
		return "timeout"
	case adapter.IsTransport(err):
		return "transport_error"
	default:
		return "provider_error"
	}
}

// dispatch streams one answer. answered is true when the upstream finished
// normally; a nil error with answered false leaves the session open.
func (r *run) dispatch(ctx context.Context, question string) (answered bool, err error) {
	r.setState(StateDispatched)
	start := r.d.now()
	entry := ledger.Entry{
		SessionID:    r.id,
		Mode:         ledger.ModeStream,
		Model:        r.d.cfg.Model,
		PromptTokens: int64(openai.ApproxTokens(r.d.cfg.SystemPrompt) + openai.ApproxTokens(question)),
	}
	delivered, chars := 0, 0
	finish := func(outcome ledger.Outcome) {
		entry.Outcome = outcome
		entry.CompletionTokens = int64(openai.ApproxTokenCount(chars))
		r.d.record(ctx, entry, start)
	}

	req := openai.NewQuestionRequest(r.d.cfg.Model, r.d.cfg.SystemPrompt, question, true)
	events, err := r.d.upstream.CreateCompletionStream(ctx, req)
	if err != nil {
		return r.upstreamFailed(ctx, question, delivered, err, finish)
	}
	r.setState(StateStreaming)

	for {
		select {
		case <-ctx.Done():
			err := r.interrupted(ctx)
			finish(outcomeFor(err))
			return false, err
		case <-r.ping:
			if err := r.sink.Ping(); err != nil {
				finish(ledger.OutcomeDisconnected)
				return false, ErrChannelClosed
			}
		case ev, ok := <-events:
			if !ok {
				ev = adapter.StreamEvent{
					Kind: adapter.EventError,
					Err:  &adapter.TransportError{Op: "read stream", Err: io.ErrUnexpectedEOF},
				}
			}
			switch ev.Kind {
			case adapter.EventDelta:
				r.seq++
				id := ev.ID
				if id == "" {
					id = strconv.Itoa(r.seq)
				}
				if err := r.send(MessageEvent(id, ev.Delta)); err != nil {
					finish(ledger.OutcomeDisconnected)
					return false, err
				}
				delivered++
				chars += len(ev.Delta)
			case adapter.EventStop:
				if err := r.send(DoneEvent()); err != nil {
					finish(ledger.OutcomeDisconnected)
					return false, err
				}
				r.failures = 0
				finish(ledger.OutcomeCompleted)
				return true, nil
			case adapter.EventError:
				return r.upstreamFailed(ctx, question, delivered, ev.Err, finish)
			}
		}
	}
}

// upstreamFailed reports err to the client. A transport failure before any
// part of the answer was delivered queues the question again for the next
// poll and keeps the session open. Anything else ends the session.
func (r *run) upstreamFailed(ctx context.Context, question string, delivered int, err error, finish func(ledger.Outcome)) (bool, error) {
	if ctx.Err() != nil {
		ierr := r.interrupted(ctx)
		finish(outcomeFor(ierr))
		return false, ierr
	}

	if adapter.IsTransport(err) {
		r.failures++
		r.d.metrics.RecordUpstreamError("transport")
		finish(ledger.OutcomeTransportError)
		if r.d.logger != nil {
			r.d.logger.Printf("session %s: upstream transport failure %d/%d: %v", r.id, r.failures, r.d.cfg.MaxTransportFailures, err)
		}
		if r.failures >= r.d.cfg.MaxTransportFailures {
			_ = r.send(ErrorEvent(msgUnreachable, false))
			return false, err
		}
		// A partly delivered answer is never repeated.
		if delivered > 0 || !r.d.store.Requeue(r.id, question) {
			_ = r.send(ErrorEvent(msgAskAgain, false))
			return false, err
		}
		if serr := r.send(ErrorEvent(msgRetrying, true)); serr != nil {
			return false, serr
		}
		return false, nil
	}

	r.d.metrics.RecordUpstreamError("provider")
	finish(ledger.OutcomeProviderError)
	msg := msgRejected
	if pe, ok := adapter.AsProviderError(err); ok {
		msg = fmt.Sprintf("%s (%d): %s", msgRejected, pe.Status, pe.Message)
	}
	if r.d.logger != nil {
		r.d.logger.Printf("session %s: upstream rejected request: %v", r.id, err)
	}
	_ = r.send(ErrorEvent(msg, false))
	return false, err
}

// interrupted maps the end of ctx to the error Serve returns.
func (r *run) interrupted(ctx context.Context) error {
	if errors.Is(context.Cause(ctx), ErrStreamTimeout) {
		_ = r.send(ErrorEvent(msgTimedOut, false))
		return ErrStreamTimeout
	}
	return ErrChannelClosed
}

func outcomeFor(err error) ledger.Outcome {
	if errors.Is(err, ErrStreamTimeout) {
		return ledger.OutcomeTimeout
	}
	return ledger.OutcomeDisconnected
}

func (r *run) send(ev Event) error {
	if err := r.sink.Send(ev); err != nil {
		r.d.debugf("session %s: send %s failed: %v", r.id, ev.Kind, err)
		return ErrChannelClosed
	}
	r.d.metrics.RecordRelayEvent(string(ev.Kind))
	return nil
}

func (r *run) setState(s State) {
	r.state = s
	if r.d.onState != nil {
		r.d.onState(r.id, s)
	}
}

func (d *Dispatcher) classify(err error) ledger.Outcome {
	if adapter.IsTransport(err) {
		d.metrics.RecordUpstreamError("transport")
		return ledger.OutcomeTransportError
	}
	d.metrics.RecordUpstreamError("provider")
	return ledger.OutcomeProviderError
}

func (d *Dispatcher) record(ctx context.Context, entry ledger.Entry, start time.Time) {
	elapsed := d.now().Sub(start)
	entry.DurationMs = elapsed.Milliseconds()
	entry.CreatedAt = d.now().UTC()
	d.metrics.RecordDispatch(string(entry.Outcome), elapsed)
	if entry.Outcome == ledger.OutcomeCompleted {
		d.metrics.RecordTokenUsage(entry.Model, entry.PromptTokens, entry.CompletionTokens)
	}
	if d.recorder == nil {
		return
	}
	if err := d.recorder.Record(context.WithoutCancel(ctx), entry); err != nil && d.logger != nil {
		d.logger.Printf("ledger record failed: %v", err)
	}
}

func (d *Dispatcher) debugf(format string, args ...any) {
	if d.logger != nil && d.debug {
		d.logger.Printf("DEBUG "+format, args...)
	}
}
