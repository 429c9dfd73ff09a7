package loader

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"apistudio/internal/domain"
)

// Precompiled harness artifacts arrive as base64-encoded wasm when the
// manifest declares the wasm engine. The guest ABI:
//
//	exports: malloc(size) ptr, free(ptr, size), run(cfg_ptr, cfg_len) status
//	imports (module "studio_v1"): log(level, ptr, len),
//	    http_call(req_ptr, req_len) (resp_ptr, resp_len),
//	    result(ptr, len)
//
// run receives {"base_url": ...} and writes its markdown report through the
// result host function. The access key never enters guest memory; http_call
// signs requests host-side.
//
// Every Run instantiates a fresh runtime and module, so a harness can be
// executed any number of times and each run starts from clean guest state.

const hostModule = "studio_v1"

// wasmHarness holds the decoded artifact; instantiation happens per run.
type wasmHarness struct {
	entry       string
	wasm        []byte
	caps        domain.Capabilities
	maxMemoryMB int
	timeout     time.Duration
	logger      *slog.Logger
}

var _ domain.Harness = (*wasmHarness)(nil)

func (h *wasmHarness) Entry() string  { return h.entry }
func (h *wasmHarness) Engine() string { return domain.EngineWasm }

// instantiate builds a sandboxed runtime with the host module installed and
// the guest instantiated. On failure the runtime is already closed; stage
// names the loader stage that failed.
func (h *wasmHarness) instantiate(ctx context.Context) (wazero.Runtime, api.Module, *hostEnv, string, error) {
	rtCfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(uint32(h.maxMemoryMB) * 16) // 1 MB = 16 pages of 64KB
	rt := wazero.NewRuntimeWithConfig(ctx, rtCfg)

	fail := func(stage string, err error) (wazero.Runtime, api.Module, *hostEnv, string, error) {
		rt.Close(context.Background())
		return nil, nil, nil, stage, err
	}

	compiled, err := rt.CompileModule(ctx, h.wasm)
	if err != nil {
		return fail("eval", fmt.Errorf("compile module: %w", err))
	}

	env := &hostEnv{caps: h.caps, logger: h.logger}
	hostCompiled, err := registerHostFunctions(ctx, rt, env)
	if err != nil {
		return fail("instantiate", fmt.Errorf("compile host module: %w", err))
	}
	if _, err := rt.InstantiateModule(ctx, hostCompiled, wazero.NewModuleConfig().WithName(hostModule)); err != nil {
		return fail("instantiate", fmt.Errorf("instantiate host module: %w", err))
	}

	modCfg := wazero.NewModuleConfig().
		WithName(h.entry).
		WithStartFunctions() // no auto _start; run is called explicitly

	mod, err := rt.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		return fail("instantiate", fmt.Errorf("instantiate guest: %w", err))
	}
	if mod.ExportedFunction("run") == nil {
		return fail("extract", fmt.Errorf("%w: guest does not export run", domain.ErrEntryMissing))
	}
	return rt, mod, env, "", nil
}

// Run instantiates the guest, calls its run export and returns the report
// written through the result host function.
func (h *wasmHarness) Run(ctx context.Context) (string, error) {
	execCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	rt, mod, env, _, err := h.instantiate(execCtx)
	if err != nil {
		return "", fmt.Errorf("instantiate harness: %w", err)
	}
	defer rt.Close(context.Background())

	cfg, err := json.Marshal(map[string]string{"base_url": env.caps.BaseURL})
	if err != nil {
		return "", fmt.Errorf("marshal guest config: %w", err)
	}
	ptr, size, err := writeGuestBytes(mod, cfg)
	if err != nil {
		return "", err
	}
	defer freeGuestBytes(mod, ptr, size)

	results, err := mod.ExportedFunction("run").Call(execCtx, uint64(ptr), uint64(size))
	if err != nil {
		if execCtx.Err() != nil {
			return "", fmt.Errorf("%w: harness run", domain.ErrTimeout)
		}
		return "", fmt.Errorf("guest run failed: %w", err)
	}
	if len(results) > 0 && int32(results[0]) != 0 {
		return "", fmt.Errorf("guest run returned status %d", int32(results[0]))
	}

	return string(env.result), nil
}

// compileWasm decodes a wasm harness artifact and validates it with a full
// trial instantiation, so a broken component fails at load time rather than
// on its first run.
func compileWasm(ctx context.Context, artifact, entry string, caps domain.Capabilities, maxMemoryMB int, timeout time.Duration, logger *slog.Logger) (h domain.Harness, cerr *domain.CompileError) {
	defer func() {
		if r := recover(); r != nil {
			h = nil
			cerr = &domain.CompileError{Stage: "instantiate", Entry: entry, Message: fmt.Sprintf("wasm runtime panic: %v", r)}
		}
	}()

	wasmBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(artifact))
	if err != nil {
		return nil, &domain.CompileError{Stage: "transform", Entry: entry, Message: fmt.Sprintf("decode wasm artifact: %v", err)}
	}

	if maxMemoryMB <= 0 {
		maxMemoryMB = 64
	}
	harness := &wasmHarness{
		entry:       entry,
		wasm:        wasmBytes,
		caps:        caps,
		maxMemoryMB: maxMemoryMB,
		timeout:     timeout,
		logger:      logger,
	}

	rt, _, _, stage, err := harness.instantiate(ctx)
	if err != nil {
		return nil, &domain.CompileError{Stage: stage, Entry: entry, Message: err.Error()}
	}
	rt.Close(context.Background())

	logger.Debug("wasm harness loaded", "entry", entry, "max_memory_mb", maxMemoryMB)
	return harness, nil
}
