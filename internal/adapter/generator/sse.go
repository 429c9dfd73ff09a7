package generator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"apistudio/internal/domain"
)

// maxLineSize bounds a single SSE data line. Generated components are a few
// KB; 1 MB leaves generous headroom.
const maxLineSize = 1 << 20

// parseEventStream reads SSE-formatted lines from body and emits decoded
// StreamEvents. The channel closes when the stream ends, a terminal event
// arrives, or ctx is cancelled. A malformed data line is skipped with a
// warning; one corrupt line must not abort an otherwise-good stream.
func parseEventStream(ctx context.Context, body io.ReadCloser, logger *slog.Logger) <-chan domain.StreamEvent {
	ch := make(chan domain.StreamEvent, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := scanner.Bytes()

			// Skip blank lines and comments.
			if len(line) == 0 || line[0] == ':' {
				continue
			}
			if !bytes.HasPrefix(line, []byte("data: ")) {
				continue
			}
			data := bytes.TrimPrefix(line, []byte("data: "))

			var event domain.StreamEvent
			if err := json.Unmarshal(data, &event); err != nil {
				logger.Warn("skipping malformed stream line", "error", err)
				continue
			}
			switch event.Type {
			case domain.StreamChunk, domain.StreamComplete, domain.StreamError:
			default:
				logger.Warn("skipping stream line with unknown type", "type", string(event.Type))
				continue
			}

			select {
			case ch <- event:
			case <-ctx.Done():
				return
			}

			if event.Terminal() {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			// The socket dropped mid-stream. The consumer decides whether the
			// accumulated buffer is usable; from here it just looks like EOF.
			logger.Warn("generation stream closed abnormally", "error", err)
		}
	}()
	return ch
}
