package loader

import (
	"testing"

	"apistudio/internal/domain"
)

func TestExtractManifestAbsentUsesDefaults(t *testing.T) {
	src := "func CustomAPITest(api API) (string, error) { return \"\", nil }"
	m, rest, cerr := ExtractManifest(src, "CustomAPITest")
	if cerr != nil {
		t.Fatalf("unexpected error: %v", cerr)
	}
	if m.Entry != "CustomAPITest" || m.Engine != domain.EngineSource {
		t.Errorf("unexpected defaults: %+v", m)
	}
	if rest != src {
		t.Errorf("source must pass through untouched")
	}
}

func TestExtractManifestOverridesEntryAndEngine(t *testing.T) {
	src := "//studio:manifest {\"entry\": \"RunChecks\", \"engine\": \"wasm\", \"capabilities\": [\"http\"]}\nAGFzbQ=="
	m, rest, cerr := ExtractManifest(src, "CustomAPITest")
	if cerr != nil {
		t.Fatalf("unexpected error: %v", cerr)
	}
	if m.Entry != "RunChecks" {
		t.Errorf("entry: got %q", m.Entry)
	}
	if m.Engine != domain.EngineWasm {
		t.Errorf("engine: got %q", m.Engine)
	}
	if len(m.Capabilities) != 1 || m.Capabilities[0] != "http" {
		t.Errorf("capabilities: got %v", m.Capabilities)
	}
	if rest != "AGFzbQ==" {
		t.Errorf("rest: got %q", rest)
	}
}

func TestExtractManifestPartialDeclaration(t *testing.T) {
	src := "//studio:manifest {\"entry\": \"RunChecks\"}\nfunc RunChecks(api API) (string, error) { return \"\", nil }"
	m, _, cerr := ExtractManifest(src, "CustomAPITest")
	if cerr != nil {
		t.Fatalf("unexpected error: %v", cerr)
	}
	if m.Entry != "RunChecks" {
		t.Errorf("entry: got %q", m.Entry)
	}
	if m.Engine != domain.EngineSource {
		t.Errorf("engine must default to source, got %q", m.Engine)
	}
}

func TestExtractManifestRejectsInvalidDeclarations(t *testing.T) {
	cases := []struct {
		name string
		src  string
	}{
		{"not json", "//studio:manifest {broken\nbody"},
		{"bad engine", "//studio:manifest {\"engine\": \"jsx\"}\nbody"},
		{"bad entry name", "//studio:manifest {\"entry\": \"123bad\"}\nbody"},
		{"unknown field", "//studio:manifest {\"sandbox\": false}\nbody"},
		{"bad capability", "//studio:manifest {\"capabilities\": [\"filesystem\"]}\nbody"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, cerr := ExtractManifest(tc.src, "CustomAPITest")
			if cerr == nil {
				t.Fatal("expected manifest error")
			}
			if cerr.Stage != "manifest" {
				t.Errorf("stage: got %q", cerr.Stage)
			}
		})
	}
}
