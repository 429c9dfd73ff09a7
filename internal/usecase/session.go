// Package usecase contains the application logic that sits between the
// platform adapters and the terminal UI. The session is the retry
// controller: it owns the generate/compile/retry cycle for one API and is
// the only writer of session state.
package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"apistudio/internal/adapter/generator"
	"apistudio/internal/domain"
	"apistudio/internal/infra/config"
	"apistudio/internal/infra/tracer"
)

// ComponentStore is the persistence bridge to the platform's saved-component
// endpoints. Satisfied by *platform.Client.
type ComponentStore interface {
	LoadComponent(ctx context.Context, apiID string) (*domain.SavedComponent, error)
	SaveComponent(ctx context.Context, apiID, componentCode, codeSnapshot string) (string, error)
}

// ComponentCache is the optional local mirror of saved components.
// Satisfied by *cache.ComponentCache.
type ComponentCache interface {
	Put(ctx context.Context, comp *domain.SavedComponent) error
	Active(ctx context.Context, apiID string) (*domain.SavedComponent, error)
}

// Target identifies the API a session generates a harness for. Code is the
// API's source snapshot sent to the generator as context.
type Target struct {
	APIID       string
	APIName     string
	EndpointURL string
	Code        string
}

// Deps collects the session's collaborators. Cache may be nil.
type Deps struct {
	Opener generator.StreamOpener
	Loader domain.HarnessLoader
	Store  ComponentStore
	Cache  ComponentCache
	Bus    domain.EventBus
	Logger *slog.Logger
}

// saveTimeout bounds the fire-and-forget save goroutine.
const saveTimeout = 15 * time.Second

// Session drives one API's generation lifecycle: load-before-generate,
// stream accumulation, harness compilation, automatic retry with budget,
// and the fire-and-forget save of successful results.
//
// All state mutation happens under mu and is tagged with an epoch counter.
// A cycle whose epoch no longer matches the session's has been superseded
// by a newer user action and must not touch state.
type Session struct {
	id     string
	target Target

	opener generator.StreamOpener
	loader domain.HarnessLoader
	store  ComponentStore
	cache  ComponentCache
	bus    domain.EventBus
	logger *slog.Logger

	budget          int
	delay           time.Duration
	limiter         *rate.Limiter
	maxPromptTokens int

	caps domain.Capabilities

	mu      sync.Mutex
	state   domain.SessionState
	epoch   int
	cancel  context.CancelFunc
	harness domain.Harness
	saveWG  sync.WaitGroup
}

// NewSession creates a session for one target API. caps is the capability
// surface handed to every harness the session compiles.
func NewSession(cfg config.GeneratorConfig, target Target, caps domain.Capabilities, deps Deps) *Session {
	budget := cfg.RetryBudget
	if budget < 0 {
		budget = domain.DefaultRetryBudget
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = domain.DefaultRetryDelay
	}

	var limiter *rate.Limiter
	if cfg.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerMinute)/60, 1)
	}

	id := ulid.Make().String()
	return &Session{
		id:              id,
		target:          target,
		opener:          deps.Opener,
		loader:          deps.Loader,
		store:           deps.Store,
		cache:           deps.Cache,
		bus:             deps.Bus,
		logger:          deps.Logger.With("session_id", shortID(id), "api_id", target.APIID),
		budget:          budget,
		delay:           delay,
		limiter:         limiter,
		maxPromptTokens: cfg.MaxPromptTokens,
		caps:            caps,
		state: domain.SessionState{
			APIID:     target.APIID,
			Phase:     domain.PhaseIdle,
			AutoRetry: cfg.AutoRetry,
		},
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns a snapshot of the current session state.
func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Harness returns the most recently compiled harness, or nil.
func (s *Session) Harness() domain.Harness {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.harness
}

// SetAutoRetry flips the automatic-retry toggle. Takes effect at the next
// failure decision; an in-flight delay is not interrupted.
func (s *Session) SetAutoRetry(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.AutoRetry = on
}

// Open is the session entry point: check for a saved component first and
// only fall back to fresh generation when none exists or it will not
// compile. This ordering is load-before-generate; a user who saved a
// working harness never pays for a regeneration on reopen.
func (s *Session) Open(ctx context.Context) error {
	comp := s.loadSaved(ctx)
	if comp != nil {
		if err := s.adoptSaved(ctx, comp); err == nil {
			return nil
		}
		s.logger.Warn("saved component failed to compile, regenerating",
			"component_id", comp.ComponentID)
	}
	return s.Generate(ctx)
}

// loadSaved fetches the active saved component, preferring the platform and
// falling back to the local cache when the platform is unreachable. Returns
// nil when nothing usable exists; any failure here only means generating
// fresh, so errors are logged rather than returned.
func (s *Session) loadSaved(ctx context.Context) *domain.SavedComponent {
	comp, err := s.store.LoadComponent(ctx, s.target.APIID)
	if err == nil {
		if s.cache != nil {
			if cerr := s.cache.Put(ctx, comp); cerr != nil {
				s.logger.Warn("cache mirror failed", "error", cerr)
			}
		}
		return comp
	}
	if !errors.Is(err, domain.ErrComponentNotFound) {
		s.logger.Warn("load saved component failed", "error", err)
		if s.cache != nil {
			if cached, cerr := s.cache.Active(ctx, s.target.APIID); cerr == nil {
				s.logger.Info("using cached component", "component_id", cached.ComponentID)
				return cached
			}
		}
	}
	return nil
}

// adoptSaved compiles a saved component and installs it as the session's
// harness without touching the generator.
func (s *Session) adoptSaved(ctx context.Context, comp *domain.SavedComponent) error {
	harness, cerr := s.loader.Load(ctx, comp.Code, s.caps)
	if cerr != nil {
		return cerr
	}

	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	s.state.Finalized = comp.Code
	s.state.Accumulated = ""
	s.state.Streaming = false
	s.state.LastError = ""
	s.state.Attempt = 0
	s.state.LoadedFromSaved = true
	s.state.ComponentID = comp.ComponentID
	s.harness = harness
	s.mu.Unlock()

	s.transition(ctx, epoch, domain.PhaseCompiledOK, 0, "")
	s.publish(ctx, domain.EventComponentLoaded, comp)
	s.logger.Info("saved component loaded", "component_id", comp.ComponentID)
	return nil
}

// Generate starts a fresh generation cycle: attempt counter back to zero, no
// retry context on the first request. Any in-flight cycle is superseded.
// Blocks until the cycle reaches compiled-ok or a terminal failure; callers
// that need it non-blocking run it in a goroutine and follow the event bus.
func (s *Session) Generate(ctx context.Context) error {
	return s.runCycle(ctx, "")
}

// Retry is the manual retry action from the terminal-failure screen. The
// budget resets but the last failure rides along as previousError so the
// generator does not reproduce the same broken output.
func (s *Session) Retry(ctx context.Context) error {
	s.mu.Lock()
	prevErr := s.state.LastError
	s.mu.Unlock()
	return s.runCycle(ctx, prevErr)
}

// runCycle executes generation attempts until success, a non-retryable
// failure, the budget runs out, or auto-retry is off.
func (s *Session) runCycle(ctx context.Context, carriedError string) error {
	ctx, span := tracer.StartSpan(ctx, "session.cycle",
		trace.WithAttributes(tracer.StringAttr("api.id", s.target.APIID)))
	defer span.End()

	cycleCtx, epoch := s.beginCycle(ctx)
	defer s.endCycle(epoch)

	s.preflight()

	req := domain.GenerationRequest{
		Code:        s.target.Code,
		APIName:     s.target.APIName,
		APIID:       s.target.APIID,
		EndpointURL: s.target.EndpointURL,
	}
	if carriedError != "" {
		req = req.WithRetryContext(carriedError, 1)
	}

	for attempt := 0; ; attempt++ {
		if err := s.waitRate(cycleCtx); err != nil {
			return err
		}

		err := s.attempt(cycleCtx, epoch, req)
		if err == nil {
			tracer.SetOK(span)
			return nil
		}
		if errors.Is(err, domain.ErrSessionSuperseded) || cycleCtx.Err() != nil {
			return domain.ErrSessionSuperseded
		}

		autoRetry := s.State().AutoRetry
		switch {
		case !domain.Retryable(err):
			s.terminal(cycleCtx, epoch, attempt, err)
			tracer.RecordError(span, err)
			return err
		case !autoRetry:
			s.terminal(cycleCtx, epoch, attempt, err)
			tracer.RecordError(span, err)
			return err
		case attempt >= s.budget:
			exhausted := fmt.Errorf("%w after %d retries: %v", domain.ErrBudgetExhausted, s.budget, err)
			s.terminal(cycleCtx, epoch, attempt, exhausted)
			tracer.RecordError(span, exhausted)
			return exhausted
		}

		retryNo := attempt + 1
		s.transition(cycleCtx, epoch, domain.PhaseRetrying, retryNo, err.Error())
		s.logger.Info("retrying generation",
			"attempt", retryNo,
			"budget", s.budget,
			"error", err.Error(),
		)

		select {
		case <-time.After(s.delay):
		case <-cycleCtx.Done():
			return domain.ErrSessionSuperseded
		}

		req = req.WithRetryContext(err.Error(), retryNo)
	}
}

// attempt performs one request/stream/compile round trip. State is only
// touched while epoch is current.
func (s *Session) attempt(ctx context.Context, epoch int, req domain.GenerationRequest) error {
	if !s.transition(ctx, epoch, domain.PhaseRequesting, req.RetryAttempt, "") {
		return domain.ErrSessionSuperseded
	}

	acc := generator.NewAccumulator(func(cumulative string) {
		s.mu.Lock()
		if s.epoch != epoch {
			s.mu.Unlock()
			return
		}
		s.state.Accumulated = cumulative
		s.mu.Unlock()

		s.publish(ctx, domain.EventStreamDelta, domain.StreamDeltaPayload{
			Accumulated: cumulative,
			Lines:       strings.Count(cumulative, "\n") + 1,
		})
	})

	events, err := s.opener.GenerateStream(ctx, req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	if !s.transition(ctx, epoch, domain.PhaseAwaitingStream, req.RetryAttempt, "") {
		return domain.ErrSessionSuperseded
	}
	s.setStreaming(epoch, true)
	s.publish(ctx, domain.EventStreamStarted, nil)

	var streamErr error
consume:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break consume
			}
			switch ev.Type {
			case domain.StreamChunk:
				acc.Append(ev.Content)
			case domain.StreamComplete:
				acc.Finalize(ev.ComponentCode)
			case domain.StreamError:
				streamErr = fmt.Errorf("%w: %s", domain.ErrStreamFailed, ev.Message)
			}
		case <-ctx.Done():
			s.setStreaming(epoch, false)
			return domain.ErrSessionSuperseded
		}
	}
	s.setStreaming(epoch, false)

	if streamErr != nil {
		s.publish(ctx, domain.EventStreamFailed, map[string]string{"error": streamErr.Error()})
		return streamErr
	}

	source, fromComplete := acc.Final()
	if !fromComplete {
		fallback, err := acc.Fallback()
		if err != nil {
			s.publish(ctx, domain.EventStreamFailed, map[string]string{"error": err.Error()})
			return err
		}
		source = fallback
		s.logger.Warn("stream ended without complete event, using accumulated source",
			"lines", strings.Count(source, "\n")+1)
	}
	s.publish(ctx, domain.EventStreamCompleted, domain.StreamCompletedPayload{
		Source:   source,
		Fallback: !fromComplete,
	})

	harness, cerr := s.loader.Load(ctx, source, s.caps)
	if cerr != nil {
		s.publish(ctx, domain.EventCompileFailed, domain.CompileFailedPayload{
			Stage:   cerr.Stage,
			Message: cerr.Message,
			Attempt: req.RetryAttempt,
		})
		return cerr
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return domain.ErrSessionSuperseded
	}
	s.state.Finalized = source
	s.state.LastError = ""
	s.state.LoadedFromSaved = false
	s.harness = harness
	s.mu.Unlock()

	if !s.transition(ctx, epoch, domain.PhaseCompiledOK, req.RetryAttempt, "") {
		return domain.ErrSessionSuperseded
	}
	s.publish(ctx, domain.EventCompileSucceeded, map[string]string{
		"entry":  harness.Entry(),
		"engine": harness.Engine(),
	})

	s.saveAsync(source)
	return nil
}

// RunHarness executes the current harness and returns its markdown report.
func (s *Session) RunHarness(ctx context.Context) (string, error) {
	s.mu.Lock()
	harness := s.harness
	s.mu.Unlock()
	if harness == nil {
		return "", fmt.Errorf("%w: no compiled harness", domain.ErrInvalidInput)
	}

	report, err := harness.Run(ctx)
	payload := map[string]string{"engine": harness.Engine()}
	if err != nil {
		payload["error"] = err.Error()
	}
	s.publish(ctx, domain.EventHarnessFinished, payload)
	return report, err
}

// Close supersedes any in-flight cycle and waits for pending saves.
func (s *Session) Close() {
	s.mu.Lock()
	s.epoch++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	s.saveWG.Wait()
}

// --- cycle bookkeeping ---

// beginCycle supersedes any running cycle and returns a context tied to the
// new one plus its epoch tag.
func (s *Session) beginCycle(ctx context.Context) (context.Context, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	cycleCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.epoch++
	s.state.Accumulated = ""
	s.state.Finalized = ""
	s.state.Streaming = false
	s.state.LastError = ""
	s.state.Attempt = 0
	s.state.LoadedFromSaved = false
	s.harness = nil
	return cycleCtx, s.epoch
}

func (s *Session) endCycle(epoch int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch == epoch && s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// transition moves to phase iff epoch is still current. Returns false when
// the cycle has been superseded.
func (s *Session) transition(ctx context.Context, epoch int, phase domain.Phase, attempt int, errText string) bool {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return false
	}
	s.state.Phase = phase
	s.state.Attempt = attempt
	if errText != "" {
		s.state.LastError = errText
	}
	s.mu.Unlock()

	s.publish(ctx, domain.EventSessionPhase, domain.PhasePayload{
		Phase:   phase,
		Attempt: attempt,
		Error:   errText,
	})
	return true
}

func (s *Session) setStreaming(epoch int, on bool) {
	s.mu.Lock()
	if s.epoch == epoch {
		s.state.Streaming = on
	}
	s.mu.Unlock()
}

func (s *Session) terminal(ctx context.Context, epoch int, attempt int, err error) {
	s.transition(ctx, epoch, domain.PhaseTerminalFailure, attempt, err.Error())
	s.logger.Error("generation cycle failed", "attempt", attempt, "error", err)
}

// preflight estimates the prompt cost of the API snapshot and warns when it
// exceeds the configured ceiling. Advisory only; the request still goes out.
func (s *Session) preflight() {
	if s.maxPromptTokens <= 0 {
		return
	}
	if tokens := generator.EstimateTokens(s.target.Code); tokens > s.maxPromptTokens {
		s.logger.Warn("api snapshot exceeds prompt budget",
			"estimated_tokens", tokens,
			"max_tokens", s.maxPromptTokens,
		)
	}
}

func (s *Session) waitRate(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return domain.ErrSessionSuperseded
	}
	return nil
}

// saveAsync persists a freshly compiled source without blocking the cycle.
// The display already shows the working harness; a save failure costs one
// regeneration on next open, nothing more, so it is logged and dropped.
func (s *Session) saveAsync(source string) {
	s.saveWG.Add(1)
	go func() {
		defer s.saveWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()

		componentID, err := s.store.SaveComponent(ctx, s.target.APIID, source, s.target.Code)
		if err != nil {
			s.logger.Warn("save component failed", "error", err)
			return
		}

		s.mu.Lock()
		s.state.ComponentID = componentID
		s.mu.Unlock()

		if s.cache != nil {
			now := time.Now().UTC()
			comp := &domain.SavedComponent{
				ComponentID:  componentID,
				APIID:        s.target.APIID,
				Code:         source,
				CodeSnapshot: s.target.Code,
				Active:       true,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := s.cache.Put(ctx, comp); err != nil {
				s.logger.Warn("cache mirror failed", "error", err)
			}
		}

		s.publish(ctx, domain.EventComponentSaved, map[string]string{"component_id": componentID})
		s.logger.Info("component saved", "component_id", componentID)
	}()
}

// publish marshals payload and emits an event. Marshal failures are
// programming errors on our own payload types; they are logged, not raised.
func (s *Session) publish(ctx context.Context, eventType domain.EventType, payload any) {
	if s.bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			s.logger.Error("marshal event payload", "type", eventType, "error", err)
			return
		}
		raw = data
	}
	s.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		SessionID: s.id,
		APIID:     s.target.APIID,
		Payload:   raw,
	})
}
