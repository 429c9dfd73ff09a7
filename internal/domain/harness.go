package domain

import "context"

// Harness engines.
const (
	EngineSource = "source" // interpreted source entry point
	EngineWasm   = "wasm"   // precompiled WebAssembly artifact
)

// DefaultEntry is the conventional entry point name emitted by the upstream
// generator when no manifest says otherwise.
const DefaultEntry = "CustomAPITest"

// HTTPDoor is the only network access a harness receives. Implementations
// restrict requests to the target API's base URL; anything else returns
// ErrCapabilityDenied.
type HTTPDoor interface {
	Do(ctx context.Context, method, path string, body []byte) (status int, respBody []byte, err error)
}

// Capabilities is the fixed, enumerated set of names a harness may use.
// Nothing outside this struct leaks into the evaluation scope.
type Capabilities struct {
	// BaseURL and APIKey identify the target API under test.
	BaseURL string
	APIKey  string

	// Render styles text with a named semantic style ("success", "error",
	// "warning", "info", "muted").
	Render func(style, text string) string

	// Icon resolves a named glyph ("check", "cross", "warn", "arrow",
	// "bullet").
	Icon func(name string) string

	// Markdown renders a markdown document for terminal display.
	Markdown func(src string) (string, error)

	// HTTP is the base-URL-scoped network door.
	HTTP HTTPDoor
}

// Harness is an instantiated test component ready to run against its API.
// Run returns a markdown report of the exercised endpoints.
type Harness interface {
	Entry() string
	Engine() string
	Run(ctx context.Context) (string, error)
}

// HarnessLoader turns finalized source (or a precompiled artifact) into a
// Harness. Failures are absorbed: a nil Harness with a *CompileError, never
// a panic.
type HarnessLoader interface {
	Load(ctx context.Context, source string, caps Capabilities) (Harness, *CompileError)
}
