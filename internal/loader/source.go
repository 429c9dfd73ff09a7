package loader

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"apistudio/internal/domain"
)

// stdlibAllowlist is the set of standard packages a source harness may
// import. Everything else resolves to an undefined symbol at eval time.
// Deliberately excludes os, net, io and friends: the HTTP door is the only
// way out.
var stdlibAllowlist = []string{
	"fmt/fmt",
	"strings/strings",
	"strconv/strconv",
	"errors/errors",
	"time/time",
	"encoding/json/json",
	"sort/sort",
	"math/math",
}

// entryFunc is the required signature of a source harness entry point.
type entryFunc = func(api domain.Capabilities) (string, error)

// sourceHarness is an interpreted entry function with its capabilities bound.
type sourceHarness struct {
	entry   string
	fn      entryFunc
	caps    domain.Capabilities
	timeout time.Duration
	logger  *slog.Logger
}

var _ domain.Harness = (*sourceHarness)(nil)

func (h *sourceHarness) Entry() string  { return h.entry }
func (h *sourceHarness) Engine() string { return domain.EngineSource }

// Run executes the interpreted entry point. The interpreter cannot be
// preempted, so the call runs in its own goroutine and Run returns on
// timeout or cancellation even if the goroutine is still spinning; its
// result is then discarded.
func (h *sourceHarness) Run(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	type outcome struct {
		report string
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("harness panicked: %v", r)}
			}
		}()
		report, err := h.fn(h.caps)
		done <- outcome{report: report, err: err}
	}()

	select {
	case out := <-done:
		return out.report, out.err
	case <-ctx.Done():
		h.logger.Warn("harness run abandoned", "entry", h.entry, "reason", ctx.Err())
		return "", fmt.Errorf("%w: harness run", domain.ErrTimeout)
	}
}

// compileSource evaluates cleaned source in an isolated interpreter and
// extracts the entry function. The interpreter scope contains only the
// stdlib allowlist and the injected capability package; the surrounding
// process is not reachable.
func compileSource(source, entry string, caps domain.Capabilities, timeout time.Duration, logger *slog.Logger) (domain.Harness, *domain.CompileError) {
	cleaned := transformSource(source)
	if cleaned == "" {
		return nil, &domain.CompileError{Stage: "transform", Entry: entry, Message: "source is empty after cleaning"}
	}

	i := interp.New(interp.Options{})

	exports := interp.Exports{}
	for _, key := range stdlibAllowlist {
		if syms, ok := stdlib.Symbols[key]; ok {
			exports[key] = syms
		}
	}
	exports["studio/studio"] = map[string]reflect.Value{
		"API": reflect.ValueOf((*domain.Capabilities)(nil)),
	}
	if err := i.Use(exports); err != nil {
		return nil, &domain.CompileError{Stage: "eval", Entry: entry, Message: fmt.Sprintf("install capability package: %v", err)}
	}

	// Pre-import the allowlist and dot-import the capability package, so
	// harness sources reference fmt, strings and the injected names directly
	// with no module plumbing of their own.
	var imports strings.Builder
	imports.WriteString("import (\n\t. \"studio\"\n")
	for _, key := range stdlibAllowlist {
		if idx := strings.LastIndexByte(key, '/'); idx > 0 {
			fmt.Fprintf(&imports, "\t%q\n", key[:idx])
		}
	}
	imports.WriteString(")")
	if _, err := i.Eval(imports.String()); err != nil {
		return nil, &domain.CompileError{Stage: "eval", Entry: entry, Message: fmt.Sprintf("install interpreter scope: %v", err)}
	}

	if cerr := safeEval(i, cleaned, entry); cerr != nil {
		return nil, cerr
	}

	v, err := i.Eval(entry)
	if err != nil {
		return nil, &domain.CompileError{
			Stage:   "extract",
			Entry:   entry,
			Message: fmt.Sprintf("%v: %v", domain.ErrEntryMissing, err),
		}
	}
	fn, ok := v.Interface().(entryFunc)
	if !ok {
		return nil, &domain.CompileError{
			Stage:   "extract",
			Entry:   entry,
			Message: fmt.Sprintf("entry has signature %s, want func(API) (string, error)", v.Type()),
		}
	}

	return &sourceHarness{
		entry:   entry,
		fn:      fn,
		caps:    caps,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// safeEval evaluates src, converting both returned errors and interpreter
// panics into compile errors. A broken generated component must never crash
// the host.
func safeEval(i *interp.Interpreter, src, entry string) (cerr *domain.CompileError) {
	defer func() {
		if r := recover(); r != nil {
			cerr = &domain.CompileError{Stage: "eval", Entry: entry, Message: fmt.Sprintf("interpreter panic: %v", r)}
		}
	}()
	if _, err := i.Eval(src); err != nil {
		return &domain.CompileError{Stage: "eval", Entry: entry, Message: err.Error()}
	}
	return nil
}

// transformSource strips residual code fences and declaration lines that the
// upstream generator sometimes wraps around the entry function. The same
// cleaning the stream fallback applies; repeated here because a complete
// event's payload arrives verbatim.
func transformSource(src string) string {
	lines := strings.Split(src, "\n")
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			continue
		}
		if strings.HasPrefix(trimmed, "package ") || strings.HasPrefix(trimmed, "import ") || strings.HasPrefix(trimmed, "export ") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
