package generator

import (
	"strings"
	"sync"

	"apistudio/internal/domain"
)

// Accumulator merges chunk events into one growing source buffer. On every
// append it republishes the full cumulative text, not the delta, so a slow
// subscriber always observes the latest state. Once a final source has been
// recorded, further chunks are dropped: the complete event supersedes all
// chunk-derived state regardless of arrival timing.
type Accumulator struct {
	mu        sync.Mutex
	buf       strings.Builder
	finalized string
	done      bool
	notify    func(cumulative string)
}

// NewAccumulator creates an accumulator. notify may be nil.
func NewAccumulator(notify func(cumulative string)) *Accumulator {
	return &Accumulator{notify: notify}
}

// Append adds a chunk fragment and republishes the cumulative buffer.
// Chunks arriving after finalization are ignored.
func (a *Accumulator) Append(fragment string) {
	a.mu.Lock()
	if a.done {
		a.mu.Unlock()
		return
	}
	a.buf.WriteString(fragment)
	cumulative := a.buf.String()
	notify := a.notify
	a.mu.Unlock()

	if notify != nil {
		notify(cumulative)
	}
}

// Finalize records the authoritative final source from a complete event.
// The payload is taken verbatim; it wins over the accumulated buffer.
func (a *Accumulator) Finalize(source string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return
	}
	a.finalized = source
	a.done = true
}

// Fallback finalizes from the accumulated buffer after the stream ended
// without a complete event. Code-fence markers and declarative
// import/export lines are stripped. Returns ErrStreamEmpty when no chunk
// was ever received.
func (a *Accumulator) Fallback() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return a.finalized, nil
	}
	raw := a.buf.String()
	if strings.TrimSpace(raw) == "" {
		return "", domain.ErrStreamEmpty
	}
	a.finalized = CleanSource(raw)
	a.done = true
	return a.finalized, nil
}

// Final returns the finalized source and whether finalization happened.
func (a *Accumulator) Final() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finalized, a.done
}

// Text returns the current cumulative buffer.
func (a *Accumulator) Text() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.String()
}

// CleanSource strips wrapping code fences and leading import/export
// declaration lines from generated source. The generator's contract is to
// emit a bare entry function; fences and module declarations are artifacts
// of the upstream model slipping into prose mode.
func CleanSource(src string) string {
	lines := strings.Split(src, "\n")
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			continue
		}
		if strings.HasPrefix(trimmed, "import ") || strings.HasPrefix(trimmed, "export ") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
