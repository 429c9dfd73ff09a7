// Package loader turns finalized generated source into a runnable test
// harness. Two engines exist: interpreted source (the generator's streaming
// output) and precompiled WebAssembly artifacts (saved components the
// platform ships compiled). Compilation failures are absorbed into
// structured errors; nothing in this package lets a broken component crash
// the host.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"apistudio/internal/domain"
	"apistudio/internal/infra/config"
)

// Loader implements domain.HarnessLoader.
type Loader struct {
	entry           string
	execTimeout     time.Duration
	wasmMaxMemoryMB int
	logger          *slog.Logger
}

var _ domain.HarnessLoader = (*Loader)(nil)

// New creates a Loader from config.
func New(cfg config.LoaderConfig, logger *slog.Logger) *Loader {
	entry := cfg.Entry
	if entry == "" {
		entry = domain.DefaultEntry
	}
	timeout := cfg.ExecTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Loader{
		entry:           entry,
		execTimeout:     timeout,
		wasmMaxMemoryMB: cfg.WASMMaxMemoryMB,
		logger:          logger,
	}
}

// Load compiles source into an instantiable harness with caps bound. On
// failure it returns a nil harness and the structured compile error; the
// error never propagates as a panic (absorb-and-report).
func (l *Loader) Load(ctx context.Context, source string, caps domain.Capabilities) (domain.Harness, *domain.CompileError) {
	manifest, body, cerr := ExtractManifest(source, l.entry)
	if cerr != nil {
		l.logger.Warn("component manifest rejected", "error", cerr.Message)
		return nil, cerr
	}

	var harness domain.Harness
	switch manifest.Engine {
	case domain.EngineWasm:
		harness, cerr = compileWasm(ctx, body, manifest.Entry, caps, l.wasmMaxMemoryMB, l.execTimeout, l.logger)
	case domain.EngineSource:
		harness, cerr = compileSource(body, manifest.Entry, caps, l.execTimeout, l.logger)
	default:
		cerr = &domain.CompileError{
			Stage:   "manifest",
			Entry:   manifest.Entry,
			Message: fmt.Sprintf("%v: unknown engine %q", domain.ErrManifestInvalid, manifest.Engine),
		}
	}

	if cerr != nil {
		l.logger.Warn("harness compilation failed",
			"stage", cerr.Stage,
			"entry", cerr.Entry,
			"error", cerr.Message,
		)
		return nil, cerr
	}

	l.logger.Info("harness compiled",
		"entry", harness.Entry(),
		"engine", harness.Engine(),
	)
	return harness, nil
}
