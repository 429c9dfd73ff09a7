package loader

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"apistudio/internal/domain"
)

// Manifest describes a generated component's entry point and engine. It may
// lead the source as a single "//studio:manifest {...}" line. Absent a
// manifest, the fixed default entry and the source engine apply — the loader
// never scans the source guessing at alternative names.
type Manifest struct {
	Entry        string   `json:"entry"`
	Engine       string   `json:"engine"`
	Capabilities []string `json:"capabilities,omitempty"`
}

const manifestPrefix = "//studio:manifest "

const manifestSchema = `{
	"type": "object",
	"properties": {
		"entry":  {"type": "string", "minLength": 1, "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"},
		"engine": {"type": "string", "enum": ["source", "wasm"]},
		"capabilities": {
			"type": "array",
			"items": {"type": "string", "enum": ["render", "icon", "markdown", "http"]}
		}
	},
	"additionalProperties": false
}`

var compiledManifestSchema = jsonschema.MustCompileString("manifest.json", manifestSchema)

// ExtractManifest splits an optional manifest header off the source. The
// returned manifest always has Entry and Engine populated (defaults applied).
// A malformed or schema-invalid header is a compile error in the "manifest"
// stage, not a silent fallback: a component that tries to declare itself and
// fails should not be run under guessed settings.
func ExtractManifest(source, defaultEntry string) (Manifest, string, *domain.CompileError) {
	m := Manifest{Entry: defaultEntry, Engine: domain.EngineSource}

	trimmed := strings.TrimLeft(source, " \t\r\n")
	if !strings.HasPrefix(trimmed, manifestPrefix) {
		return m, source, nil
	}

	line := trimmed
	rest := ""
	if i := strings.IndexByte(trimmed, '\n'); i >= 0 {
		line = trimmed[:i]
		rest = trimmed[i+1:]
	}
	raw := strings.TrimSpace(strings.TrimPrefix(line, manifestPrefix))

	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return m, source, &domain.CompileError{
			Stage:   "manifest",
			Message: fmt.Sprintf("%v: %v", domain.ErrManifestInvalid, err),
		}
	}
	if err := compiledManifestSchema.Validate(v); err != nil {
		return m, source, &domain.CompileError{
			Stage:   "manifest",
			Message: fmt.Sprintf("%v: %v", domain.ErrManifestInvalid, err),
		}
	}

	var decl Manifest
	if err := json.Unmarshal([]byte(raw), &decl); err != nil {
		return m, source, &domain.CompileError{
			Stage:   "manifest",
			Message: fmt.Sprintf("%v: %v", domain.ErrManifestInvalid, err),
		}
	}
	if decl.Entry != "" {
		m.Entry = decl.Entry
	}
	if decl.Engine != "" {
		m.Engine = decl.Engine
	}
	m.Capabilities = decl.Capabilities
	return m, rest, nil
}
