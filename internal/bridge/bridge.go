// Package bridge turns utterances into worker requests and worker answers
// into parsed intents without ever blocking the caller on IO.
//
// A Bridge owns one request FIFO, one response buffer and one dispatch
// goroutine that talks to a single worker process through a
// worker.Manager. Callers Enqueue from their own loop and collect results
// with Drain or ProcessResponses on a later tick.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"intentbridge/internal/articulation"
	"intentbridge/internal/config"
	"intentbridge/internal/logging"
	"intentbridge/internal/prompt"
	"intentbridge/internal/protocol"
	"intentbridge/internal/transcript"
	"intentbridge/internal/worker"
)

var (
	// ErrDisabled is returned when the settings switch the bridge off.
	ErrDisabled = errors.New("intent bridge is disabled")

	// ErrStopped is returned after Stop, and carried by the failed responses
	// of requests that were still queued.
	ErrStopped = errors.New("bridge stopped")
)

// defaultPrewarmTokens caps the warm-up generation.
const defaultPrewarmTokens = 8

// Input is what the caller knows about one utterance.
type Input struct {
	Utterance string
	Snapshot  string // opaque situation text, passed through unmodified
}

// Applier receives each successfully parsed answer.
type Applier interface {
	Apply(subject protocol.Subject, intent *articulation.ParsedIntent)
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(subject protocol.Subject, intent *articulation.ParsedIntent)

// Apply calls f.
func (f ApplierFunc) Apply(subject protocol.Subject, intent *articulation.ParsedIntent) {
	f(subject, intent)
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithManagerOptions passes options to the bridge's worker.Manager.
func WithManagerOptions(opts ...worker.Option) Option {
	return func(b *Bridge) { b.managerOpts = append(b.managerOpts, opts...) }
}

// WithPromptBuilder replaces the default prompt builder.
func WithPromptBuilder(p *prompt.Builder) Option {
	return func(b *Bridge) { b.prompts = p }
}

// WithTranscript records requests and answers while debug is on.
func WithTranscript(r *transcript.Recorder) Option {
	return func(b *Bridge) { b.recorder = r }
}

// WithRegisterer registers the bridge metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(b *Bridge) { b.registerer = reg }
}

// WithTracer sets the tracer used for dispatch spans.
func WithTracer(t trace.Tracer) Option {
	return func(b *Bridge) { b.tracer = t }
}

// Bridge is the asynchronous intent-inference bridge. All methods are safe
// for concurrent use.
type Bridge struct {
	id       string
	provider config.Provider
	manager  *worker.Manager
	prompts  *prompt.Builder
	parser   *articulation.Parser
	recorder *transcript.Recorder
	metrics  *Metrics
	tracer   trace.Tracer

	managerOpts []worker.Option
	registerer  prometheus.Registerer

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []protocol.Request
	responses []protocol.Response
	inFlight  bool
	started   bool
	stopped   bool
	done      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	nextID    atomic.Uint64
	prewarmed atomic.Bool
}

// New creates a Bridge reading its settings from provider. No goroutine or
// process is started until Start or the first Enqueue.
func New(provider config.Provider, opts ...Option) *Bridge {
	b := &Bridge{
		id:       uuid.NewString(),
		provider: provider,
		parser:   articulation.NewParser(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.prompts == nil {
		b.prompts = prompt.Default()
	}
	if b.tracer == nil {
		b.tracer = otel.Tracer("intentbridge/bridge")
	}
	b.metrics = NewMetrics(b.registerer)
	b.manager = worker.NewManager(append([]worker.Option{worker.WithStateHook(b.metrics.stateHook)}, b.managerOpts...)...)
	b.cond = sync.NewCond(&b.mu)
	b.ctx, b.cancel = context.WithCancel(context.Background())
	return b
}

// ID returns the instance id used in logs.
func (b *Bridge) ID() string { return b.id }

// Manager exposes the worker manager for inspection.
func (b *Bridge) Manager() *worker.Manager { return b.manager }

// Metrics returns the bridge collectors.
func (b *Bridge) Metrics() *Metrics { return b.metrics }

// Parser returns the answer parser, for its statistics.
func (b *Bridge) Parser() *articulation.Parser { return b.parser }

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start launches the dispatch goroutine. It is idempotent and returns
// ErrStopped once the bridge has been stopped.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startLocked()
}

func (b *Bridge) startLocked() error {
	if b.stopped {
		return ErrStopped
	}
	if b.started {
		return nil
	}
	b.started = true
	go b.run()
	logging.Bridge("bridge %s started", b.id)
	return nil
}

// Stop cancels the in-flight request, joins the dispatch goroutine, shuts
// the worker down and answers every still-queued request with a failed
// response carrying ErrStopped. Those responses remain available to Drain.
// If ctx ends before the dispatch goroutine exits, Stop returns ctx.Err()
// and leaves the worker running.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	started := b.started
	b.cond.Broadcast()
	b.mu.Unlock()

	b.cancel()
	if started {
		select {
		case <-b.done:
		case <-ctx.Done():
			logging.BridgeWarn("bridge %s: dispatch loop did not stop: %v", b.id, ctx.Err())
			return ctx.Err()
		}
	}

	b.manager.Shutdown()

	b.mu.Lock()
	pending := b.queue
	b.queue = nil
	for _, req := range pending {
		if req.ID == protocol.PrewarmID {
			continue
		}
		b.responses = append(b.responses, protocol.Failed(req, ErrStopped))
	}
	b.mu.Unlock()
	b.metrics.QueueDepth.Set(0)

	logging.Bridge("bridge %s stopped, %d queued request(s) failed", b.id, len(pending))
	return nil
}

// =============================================================================
// CALLER API
// =============================================================================

// Enqueue builds a request for subject and queues it. It never blocks on
// the worker. The returned id is unique for this bridge.
func (b *Bridge) Enqueue(subject protocol.Subject, in Input) (string, error) {
	settings := b.provider.Current()
	if !settings.Enabled {
		return "", ErrDisabled
	}

	req := protocol.Request{
		ID:        fmt.Sprintf("req_%d", b.nextID.Add(1)),
		Subject:   subject,
		Prompt:    b.prompts.Build(in.Snapshot, in.Utterance),
		Snapshot:  in.Snapshot,
		MaxTokens: settings.RequestTokens(),
		Sampling:  settings.Sampling,
		Enqueued:  time.Now(),
	}
	if settings.Debug {
		b.recorder.Request(req)
	}
	if err := b.push(req); err != nil {
		return "", err
	}
	logging.BridgeDebug("queued %s for %s", req.ID, subject.Name)
	return req.ID, nil
}

// Prewarm queues a single tiny request so the model is loaded before the
// first real utterance. It does nothing when the bridge is disabled, the
// worker config does not validate, or a prewarm was already queued. It
// reports whether a request was queued.
func (b *Bridge) Prewarm() bool {
	settings := b.provider.Current()
	if !settings.Enabled {
		return false
	}
	if err := settings.ResolvedWorker().Validate(); err != nil {
		logging.BridgeWarn("prewarm skipped: %v", err)
		return false
	}
	if !b.prewarmed.CompareAndSwap(false, true) {
		return false
	}

	tokens := settings.PrewarmTokens
	if tokens <= 0 {
		tokens = defaultPrewarmTokens
	}
	req := protocol.Request{
		ID:        protocol.PrewarmID,
		Prompt:    b.prompts.Warmup(),
		Snapshot:  prompt.WarmupSnapshot,
		MaxTokens: tokens,
		Enqueued:  time.Now(),
	}
	if err := b.push(req); err != nil {
		return false
	}
	logging.Bridge("prewarm queued")
	return true
}

func (b *Bridge) push(req protocol.Request) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.startLocked(); err != nil {
		return err
	}
	b.queue = append(b.queue, req)
	b.metrics.QueueDepth.Set(float64(len(b.queue)))
	b.cond.Signal()
	return nil
}

// Drain returns every response produced since the last call, in dispatch
// order.
func (b *Bridge) Drain() []protocol.Response {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.responses
	b.responses = nil
	return out
}

// Pending returns the number of queued plus in-flight requests.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.queue)
	if b.inFlight {
		n++
	}
	return n
}

// ProcessResponses drains the buffer, parses each successful answer and
// hands it to applier. Failures and unparseable answers are logged and
// skipped. It returns the number of intents applied.
func (b *Bridge) ProcessResponses(applier Applier) int {
	responses := b.Drain()
	if len(responses) == 0 {
		return 0
	}
	debug := b.provider.Current().Debug

	applied := 0
	for _, resp := range responses {
		if !resp.OK {
			logging.BridgeWarn("%s for %s failed: %s", resp.ID, resp.Subject.Name, resp.Error)
			continue
		}

		intent, err := b.parser.Parse(resp.Text)
		if err != nil {
			b.metrics.recordParse("failed")
			logging.BridgeWarn("%s for %s: unusable answer: %v", resp.ID, resp.Subject.Name, err)
			if debug {
				b.recorder.Record(transcript.KindFailed, resp.ID, resp.Subject, err.Error())
			}
			continue
		}
		b.metrics.recordParse(intent.Method)
		for _, w := range intent.Warnings {
			logging.BridgeDebug("%s: %s", resp.ID, w)
		}
		if debug {
			b.recorder.Record(transcript.KindParsed, resp.ID, resp.Subject, describe(intent))
		}

		applier.Apply(resp.Subject, intent)
		applied++
	}
	return applied
}

func describe(intent *articulation.ParsedIntent) string {
	s := fmt.Sprintf("method=%s speech=%q actions=%v", intent.Method, intent.Speech, intent.Keywords())
	if intent.Target != "" {
		s += " target=" + intent.Target
	}
	return s
}

// =============================================================================
// DISPATCH LOOP
// =============================================================================

func (b *Bridge) run() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.stopped {
			b.cond.Wait()
		}
		if b.stopped {
			b.mu.Unlock()
			return
		}
		req := b.queue[0]
		b.queue[0] = protocol.Request{}
		b.queue = b.queue[1:]
		b.inFlight = true
		depth := len(b.queue)
		b.mu.Unlock()

		b.metrics.QueueDepth.Set(float64(depth))
		b.metrics.InFlight.Set(1)
		resp := b.dispatch(req)
		b.metrics.InFlight.Set(0)

		b.mu.Lock()
		b.inFlight = false
		if req.ID != protocol.PrewarmID {
			b.responses = append(b.responses, resp)
		}
		b.mu.Unlock()

		if req.ID == protocol.PrewarmID {
			if resp.OK {
				logging.Bridge("prewarm finished in %v", resp.Duration)
			} else {
				logging.BridgeWarn("prewarm failed: %s", resp.Error)
			}
		}
	}
}

// dispatch runs one request against the worker and always produces exactly
// one response, converting errors and panics into failed responses.
func (b *Bridge) dispatch(req protocol.Request) (resp protocol.Response) {
	ctx, span := b.tracer.Start(b.ctx, "intentbridge.dispatch", trace.WithAttributes(
		attribute.String("request.id", req.ID),
		attribute.String("subject.id", req.Subject.ID),
		attribute.Int("request.max_tokens", req.MaxTokens),
	))
	start := time.Now()
	outcome := "ok"
	settings := config.Settings{}

	defer func() {
		if r := recover(); r != nil {
			logging.BridgeError("dispatch of %s panicked: %v", req.ID, r)
			resp = protocol.Failed(req, fmt.Errorf("dispatch panic: %v", r))
			outcome = "panic"
		}
		resp.Duration = time.Since(start)
		b.metrics.recordRequest(outcome, resp.Duration)
		if resp.OK {
			span.SetStatus(codes.Ok, "")
		} else {
			span.SetStatus(codes.Error, resp.Error)
		}
		span.SetAttributes(attribute.String("outcome", outcome))
		span.End()
		if settings.Debug {
			b.recorder.Response(resp)
		}
	}()

	fail := func(err error) protocol.Response {
		outcome = string(worker.KindOf(err))
		logging.BridgeWarn("%s failed: %v", req.ID, err)
		span.RecordError(err)
		return protocol.Failed(req, err)
	}

	settings = b.provider.Current()
	if !settings.Enabled {
		outcome = "disabled"
		return protocol.Failed(req, ErrDisabled)
	}

	b.manager.SetStartupGrace(settings.GetStartupGrace())
	if err := b.manager.EnsureRunning(settings.ResolvedWorker()); err != nil {
		return fail(err)
	}

	resp, err := b.manager.SendRequest(ctx, req, settings.GetTimeout())
	if err != nil {
		if worker.NeedsTerminate(err) {
			b.manager.Terminate()
		}
		return fail(err)
	}
	span.SetAttributes(attribute.Int("worker.pid", b.manager.PID()))
	logging.BridgeDebug("%s answered in %v", req.ID, time.Since(start))
	return resp
}
