package dispatch

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/modelgate/modelgate/internal/apperr"
)

const streamChunkSize = 64

// Event is one server-sent event produced by the streaming pipeline.
// Exactly one of Comment or Data is meaningful; Name tags named events.
type Event struct {
	Comment string
	Name    string
	Data    string
}

// StreamMeta is the payload of the terminal "done" event.
type StreamMeta struct {
	TokensInput  uint32       `json:"tokens_input"`
	TokensOutput uint32       `json:"tokens_output"`
	Cost         float64      `json:"cost"`
	Provider     string       `json:"provider"`
	Model        string       `json:"model"`
	Routing      RoutingTrace `json:"routing"`
}

// ChatStream runs the pipeline head synchronously, so admission,
// policy and persistence failures come back as plain errors before any
// event exists, then emits the response as an event stream: a start
// comment, 64-byte content chunks, then a "done" event carrying usage
// metadata. Upstream failures surface as a single data event. The
// channel closes when the stream ends or ctx is cancelled.
func (e *Engine) ChatStream(ctx context.Context, userID string, req ChatRequest) (<-chan Event, error) {
	prep, err := e.prepare(ctx, userID, req)
	if err != nil {
		return nil, err
	}

	events := make(chan Event)

	go func() {
		defer close(events)

		emit := func(ev Event) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit(Event{Comment: "start"}) {
			return
		}

		resp, routing, err := e.execute(ctx, prep.plan, prep.base)
		if err != nil {
			emit(Event{Data: "Error: " + apperr.Message(err)})
			return
		}

		for _, chunk := range chunkBytes(resp.Content, streamChunkSize) {
			if !emit(Event{Data: chunk}) {
				return
			}
		}

		e.persistAssistant(ctx, prep, resp)

		meta := StreamMeta{
			TokensInput:  resp.TokensInput,
			TokensOutput: resp.TokensOutput,
			Cost:         resp.Cost,
			Provider:     resp.Provider,
			Model:        resp.Model,
			Routing:      routing,
		}
		payload, err := json.Marshal(meta)
		if err != nil {
			log.Error().Err(err).Msg("encoding stream metadata failed")
			return
		}
		emit(Event{Name: "done", Data: string(payload)})
	}()

	return events, nil
}

// chunkBytes splits s into byte windows of at most size, rendering each
// as valid UTF-8 with replacement of any split-off sequence.
func chunkBytes(s string, size int) []string {
	if s == "" {
		return nil
	}
	raw := []byte(s)
	chunks := make([]string, 0, (len(raw)+size-1)/size)
	for start := 0; start < len(raw); start += size {
		end := start + size
		if end > len(raw) {
			end = len(raw)
		}
		chunks = append(chunks, strings.ToValidUTF8(string(raw[start:end]), "�"))
	}
	return chunks
}
