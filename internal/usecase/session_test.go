package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apistudio/internal/domain"
	"apistudio/internal/infra/config"
	"apistudio/internal/usecase/eventbus"
)

// --- fakes ---

type streamScript struct {
	openErr error
	events  []domain.StreamEvent
}

type fakeOpener struct {
	mu      sync.Mutex
	scripts []streamScript
	reqs    []domain.GenerationRequest
}

func (o *fakeOpener) GenerateStream(ctx context.Context, req domain.GenerationRequest) (<-chan domain.StreamEvent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reqs = append(o.reqs, req)

	script := streamScript{events: completeStream("generated source")}
	if len(o.scripts) > 0 {
		script = o.scripts[0]
		if len(o.scripts) > 1 {
			o.scripts = o.scripts[1:]
		}
	}
	if script.openErr != nil {
		return nil, script.openErr
	}
	ch := make(chan domain.StreamEvent, len(script.events))
	for _, ev := range script.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (o *fakeOpener) calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.reqs)
}

func (o *fakeOpener) request(i int) domain.GenerationRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reqs[i]
}

func completeStream(source string) []domain.StreamEvent {
	return []domain.StreamEvent{
		{Type: domain.StreamChunk, Content: source[:3]},
		{Type: domain.StreamChunk, Content: source[3:]},
		{Type: domain.StreamComplete, ComponentCode: source},
	}
}

type fakeHarness struct {
	report string
	runErr error
}

func (h *fakeHarness) Entry() string  { return "CustomAPITest" }
func (h *fakeHarness) Engine() string { return domain.EngineSource }
func (h *fakeHarness) Run(ctx context.Context) (string, error) {
	return h.report, h.runErr
}

type loadResult struct {
	harness domain.Harness
	cerr    *domain.CompileError
}

type fakeLoader struct {
	mu      sync.Mutex
	results []loadResult
	sources []string
}

func (l *fakeLoader) Load(ctx context.Context, source string, caps domain.Capabilities) (domain.Harness, *domain.CompileError) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sources = append(l.sources, source)

	res := loadResult{harness: &fakeHarness{report: "ok"}}
	if len(l.results) > 0 {
		res = l.results[0]
		if len(l.results) > 1 {
			l.results = l.results[1:]
		}
	}
	return res.harness, res.cerr
}

func (l *fakeLoader) lastSource() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.sources) == 0 {
		return ""
	}
	return l.sources[len(l.sources)-1]
}

// gatedLoader blocks inside Load until released, so a test can supersede the
// session while a compile is in flight.
type gatedLoader struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedLoader() *gatedLoader {
	return &gatedLoader{entered: make(chan struct{}), release: make(chan struct{})}
}

func (l *gatedLoader) Load(ctx context.Context, source string, caps domain.Capabilities) (domain.Harness, *domain.CompileError) {
	l.once.Do(func() { close(l.entered) })
	<-l.release
	return &fakeHarness{report: "ok"}, nil
}

type savedCall struct {
	apiID    string
	code     string
	snapshot string
}

type fakeStore struct {
	mu       sync.Mutex
	loadComp *domain.SavedComponent
	loadErr  error
	saveErr  error
	saves    []savedCall
}

func (s *fakeStore) LoadComponent(ctx context.Context, apiID string) (*domain.SavedComponent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.loadComp == nil {
		return nil, domain.ErrComponentNotFound
	}
	return s.loadComp, nil
}

func (s *fakeStore) SaveComponent(ctx context.Context, apiID, componentCode, codeSnapshot string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return "", s.saveErr
	}
	s.saves = append(s.saves, savedCall{apiID: apiID, code: componentCode, snapshot: codeSnapshot})
	return fmt.Sprintf("comp_%d", len(s.saves)), nil
}

func (s *fakeStore) savedCalls() []savedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]savedCall, len(s.saves))
	copy(out, s.saves)
	return out
}

// --- harness ---

type fixture struct {
	session *Session
	opener  *fakeOpener
	loader  *fakeLoader
	store   *fakeStore
	bus     *eventbus.Bus
}

func compileFailure(msg string) *domain.CompileError {
	return &domain.CompileError{Stage: "eval", Entry: "CustomAPITest", Message: msg}
}

func newFixture(t *testing.T, mutate func(*config.GeneratorConfig, *fixture)) *fixture {
	t.Helper()

	f := &fixture{
		opener: &fakeOpener{},
		loader: &fakeLoader{},
		store:  &fakeStore{},
		bus:    eventbus.New(slog.Default()),
	}
	cfg := config.GeneratorConfig{
		RetryBudget: 3,
		RetryDelay:  time.Millisecond,
		AutoRetry:   true,
	}
	if mutate != nil {
		mutate(&cfg, f)
	}

	f.session = NewSession(cfg, Target{
		APIID:       "api_1",
		APIName:     "orders",
		EndpointURL: "https://run.example.com/api_1",
		Code:        "def handler(): ...",
	}, domain.Capabilities{BaseURL: "https://run.example.com/api_1"}, Deps{
		Opener: f.opener,
		Loader: f.loader,
		Store:  f.store,
		Bus:    f.bus,
		Logger: slog.Default(),
	})
	t.Cleanup(func() {
		f.session.Close()
		f.bus.Close()
	})
	return f
}

// --- tests ---

func TestGenerateFirstAttemptSucceeds(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.session.Generate(context.Background()))

	st := f.session.State()
	assert.Equal(t, domain.PhaseCompiledOK, st.Phase)
	assert.Equal(t, "generated source", st.Finalized)
	assert.Empty(t, st.LastError)
	assert.False(t, st.LoadedFromSaved)
	assert.Equal(t, 1, f.opener.calls())

	first := f.opener.request(0)
	assert.Empty(t, first.PreviousError, "fresh request must not carry retry context")
	assert.Zero(t, first.RetryAttempt)

	// Close waits for the fire-and-forget save.
	f.session.Close()
	saves := f.store.savedCalls()
	require.Len(t, saves, 1)
	assert.Equal(t, "api_1", saves[0].apiID)
	assert.Equal(t, "generated source", saves[0].code)
	assert.Equal(t, "def handler(): ...", saves[0].snapshot)
	assert.Equal(t, "comp_1", f.session.State().ComponentID)
}

func TestRetryBudgetAllowsExactlyThreeRetries(t *testing.T) {
	f := newFixture(t, func(cfg *config.GeneratorConfig, f *fixture) {
		f.loader.results = []loadResult{{cerr: compileFailure("bad syntax")}}
	})

	err := f.session.Generate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBudgetExhausted)

	// Budget 3: the initial attempt plus three automatic retries.
	assert.Equal(t, 4, f.opener.calls())
	assert.Equal(t, domain.PhaseTerminalFailure, f.session.State().Phase)

	for i := 1; i <= 3; i++ {
		req := f.opener.request(i)
		assert.Equal(t, i, req.RetryAttempt, "retry %d", i)
		assert.Contains(t, req.PreviousError, "bad syntax", "retry %d", i)
	}
}

func TestRetryCarriesPreviousErrorThenRecovers(t *testing.T) {
	f := newFixture(t, func(cfg *config.GeneratorConfig, f *fixture) {
		f.loader.results = []loadResult{
			{cerr: compileFailure("undefined: frobnicate")},
			{harness: &fakeHarness{report: "ok"}},
		}
	})

	require.NoError(t, f.session.Generate(context.Background()))

	require.Equal(t, 2, f.opener.calls())
	retry := f.opener.request(1)
	assert.Equal(t, 1, retry.RetryAttempt)
	assert.Contains(t, retry.PreviousError, "undefined: frobnicate")
	assert.Equal(t, domain.PhaseCompiledOK, f.session.State().Phase)
}

func TestAutoRetryOffFailsImmediately(t *testing.T) {
	f := newFixture(t, func(cfg *config.GeneratorConfig, f *fixture) {
		cfg.AutoRetry = false
		f.loader.results = []loadResult{{cerr: compileFailure("broken")}}
	})

	err := f.session.Generate(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, f.opener.calls(), "auto-retry off must not retry")
	assert.Equal(t, domain.PhaseTerminalFailure, f.session.State().Phase)
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	f := newFixture(t, func(cfg *config.GeneratorConfig, f *fixture) {
		f.opener.scripts = []streamScript{
			{openErr: fmt.Errorf("%w: token expired", domain.ErrAuthInvalid)},
		}
	})

	err := f.session.Generate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuthInvalid)
	assert.Equal(t, 1, f.opener.calls())
	assert.Equal(t, domain.PhaseTerminalFailure, f.session.State().Phase)
}

func TestOpenPrefersSavedComponent(t *testing.T) {
	f := newFixture(t, func(cfg *config.GeneratorConfig, f *fixture) {
		f.store.loadComp = &domain.SavedComponent{
			ComponentID: "comp_saved",
			APIID:       "api_1",
			Code:        "saved source",
			Active:      true,
		}
	})

	require.NoError(t, f.session.Open(context.Background()))

	assert.Equal(t, 0, f.opener.calls(), "saved component must preempt generation")
	st := f.session.State()
	assert.Equal(t, domain.PhaseCompiledOK, st.Phase)
	assert.True(t, st.LoadedFromSaved)
	assert.Equal(t, "comp_saved", st.ComponentID)
	assert.Equal(t, "saved source", st.DisplaySource())
}

func TestOpenGeneratesWhenNoSavedComponent(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.session.Open(context.Background()))

	assert.Equal(t, 1, f.opener.calls())
	st := f.session.State()
	assert.Equal(t, domain.PhaseCompiledOK, st.Phase)
	assert.False(t, st.LoadedFromSaved)
}

func TestOpenRegeneratesWhenSavedComponentBroken(t *testing.T) {
	f := newFixture(t, func(cfg *config.GeneratorConfig, f *fixture) {
		f.store.loadComp = &domain.SavedComponent{ComponentID: "comp_old", Code: "rotten"}
		f.loader.results = []loadResult{
			{cerr: compileFailure("rotten saved component")},
			{harness: &fakeHarness{report: "ok"}},
		}
	})

	require.NoError(t, f.session.Open(context.Background()))

	assert.Equal(t, 1, f.opener.calls())
	st := f.session.State()
	assert.Equal(t, domain.PhaseCompiledOK, st.Phase)
	assert.False(t, st.LoadedFromSaved)
	assert.Equal(t, "generated source", st.Finalized)
}

func TestFallbackWhenStreamEndsWithoutComplete(t *testing.T) {
	f := newFixture(t, func(cfg *config.GeneratorConfig, f *fixture) {
		f.opener.scripts = []streamScript{{
			events: []domain.StreamEvent{
				{Type: domain.StreamChunk, Content: "```go\n"},
				{Type: domain.StreamChunk, Content: "func CustomAPITest() {}\n"},
				{Type: domain.StreamChunk, Content: "```"},
			},
		}}
	})

	require.NoError(t, f.session.Generate(context.Background()))

	assert.Equal(t, "func CustomAPITest() {}", f.loader.lastSource(),
		"fallback source must be cleaned before compilation")
}

func TestEmptyStreamExhaustsBudget(t *testing.T) {
	f := newFixture(t, func(cfg *config.GeneratorConfig, f *fixture) {
		cfg.RetryBudget = 0
		f.opener.scripts = []streamScript{{events: nil}}
	})

	err := f.session.Generate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBudgetExhausted)
	assert.Equal(t, domain.PhaseTerminalFailure, f.session.State().Phase)
}

func TestRegenerateResetsAttemptCounter(t *testing.T) {
	f := newFixture(t, func(cfg *config.GeneratorConfig, f *fixture) {
		f.loader.results = []loadResult{
			{cerr: compileFailure("first cycle fails")},
		}
	})

	err := f.session.Generate(context.Background())
	require.ErrorIs(t, err, domain.ErrBudgetExhausted)
	require.Equal(t, domain.PhaseTerminalFailure, f.session.State().Phase)

	// Second cycle: loader recovered, attempts start from scratch.
	f.loader.mu.Lock()
	f.loader.results = []loadResult{{harness: &fakeHarness{report: "ok"}}}
	f.loader.mu.Unlock()

	require.NoError(t, f.session.Generate(context.Background()))
	st := f.session.State()
	assert.Equal(t, domain.PhaseCompiledOK, st.Phase)
	assert.Zero(t, st.Attempt)
	assert.Empty(t, st.LastError)

	fresh := f.opener.request(4)
	assert.Empty(t, fresh.PreviousError, "regenerate must not carry retry context")
}

func TestManualRetryCarriesLastError(t *testing.T) {
	f := newFixture(t, func(cfg *config.GeneratorConfig, f *fixture) {
		cfg.AutoRetry = false
		f.loader.results = []loadResult{
			{cerr: compileFailure("terminal mistake")},
			{harness: &fakeHarness{report: "ok"}},
		}
	})

	require.Error(t, f.session.Generate(context.Background()))
	require.NoError(t, f.session.Retry(context.Background()))

	retryReq := f.opener.request(1)
	assert.Contains(t, retryReq.PreviousError, "terminal mistake")
	assert.Equal(t, domain.PhaseCompiledOK, f.session.State().Phase)
}

func TestSaveFailureDoesNotFailGeneration(t *testing.T) {
	f := newFixture(t, func(cfg *config.GeneratorConfig, f *fixture) {
		f.store.saveErr = errors.New("platform rejected save")
	})

	require.NoError(t, f.session.Generate(context.Background()))
	f.session.Close()

	assert.Equal(t, domain.PhaseCompiledOK, f.session.State().Phase)
	assert.Empty(t, f.store.savedCalls())
}

func TestRunHarnessReturnsReport(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.session.Generate(context.Background()))

	report, err := f.session.RunHarness(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", report)
}

func TestRunHarnessWithoutCompiledHarness(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.session.RunHarness(context.Background())
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSessionPublishesLifecycleEvents(t *testing.T) {
	f := newFixture(t, nil)

	var mu sync.Mutex
	seen := map[domain.EventType]int{}
	f.bus.SubscribeAll(func(_ context.Context, ev domain.Event) {
		mu.Lock()
		seen[ev.Type]++
		mu.Unlock()
	})

	require.NoError(t, f.session.Generate(context.Background()))
	f.session.Close()
	f.bus.Close() // drain handlers

	mu.Lock()
	defer mu.Unlock()
	assert.Positive(t, seen[domain.EventSessionPhase])
	assert.Positive(t, seen[domain.EventStreamStarted])
	assert.Positive(t, seen[domain.EventStreamDelta])
	assert.Positive(t, seen[domain.EventStreamCompleted])
	assert.Positive(t, seen[domain.EventCompileSucceeded])
}

func TestSupersededCycleDoesNotStampCompiledOK(t *testing.T) {
	gl := newGatedLoader()
	bus := eventbus.New(slog.Default())
	session := NewSession(config.GeneratorConfig{
		RetryBudget: 3,
		RetryDelay:  time.Millisecond,
		AutoRetry:   true,
	}, Target{
		APIID:       "api_1",
		APIName:     "orders",
		EndpointURL: "https://run.example.com/api_1",
		Code:        "def handler(): ...",
	}, domain.Capabilities{}, Deps{
		Opener: &fakeOpener{},
		Loader: gl,
		Store:  &fakeStore{},
		Bus:    bus,
		Logger: slog.Default(),
	})
	t.Cleanup(func() {
		session.Close()
		bus.Close()
	})

	done := make(chan error, 1)
	go func() { done <- session.Generate(context.Background()) }()

	<-gl.entered      // compile in flight
	session.Close()   // supersede the cycle
	close(gl.release) // let the stale compile finish

	select {
	case err := <-done:
		assert.ErrorIs(t, err, domain.ErrSessionSuperseded)
	case <-time.After(2 * time.Second):
		t.Fatal("cycle did not return after supersession")
	}

	st := session.State()
	assert.NotEqual(t, domain.PhaseCompiledOK, st.Phase,
		"a superseded attempt must not stamp the new cycle's state")
	assert.Empty(t, st.Finalized)
}

func TestSetAutoRetryIsReflectedInState(t *testing.T) {
	f := newFixture(t, nil)
	require.True(t, f.session.State().AutoRetry)
	f.session.SetAutoRetry(false)
	assert.False(t, f.session.State().AutoRetry)
}
