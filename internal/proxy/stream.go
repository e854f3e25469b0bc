package proxy

import (
	"bytes"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

type (
	// StreamUsage is the token usage recovered from a stream's final chunks.
	StreamUsage struct {
		PromptTokens     uint32
		CompletionTokens uint32
	}

	// StreamResult is what an observer learned from a whole stream.
	// DoneReceived is the trust signal: without the upstream's [DONE]
	// sentinel the stream ended abnormally and Usage/FinishReason are
	// reported empty regardless of what was seen.
	StreamResult struct {
		Usage        *StreamUsage
		FinishReason string
		DoneReceived bool
	}
)

// SSEObserver watches a server-sent-event stream for the usage block an
// OpenAI-compatible upstream only emits in the final chunks. It never
// modifies the bytes: the caller forwards each chunk downstream and hands
// the same chunk to Observe.
//
// SSE frames routinely straddle TCP chunk boundaries, so Observe keeps a
// line buffer across calls and only acts on complete lines. Anything the
// observer cannot make sense of is logged and skipped; observation must
// never break the passthrough.
type SSEObserver struct {
	log *slog.Logger

	mu           sync.Mutex
	buffer       []byte
	usage        *StreamUsage
	finishReason string
	doneReceived bool
	finalized    bool
	result       StreamResult
}

// NewSSEObserver returns an observer with empty state.
func NewSSEObserver(log *slog.Logger) *SSEObserver {
	if log == nil {
		log = slog.Default()
	}
	return &SSEObserver{log: log}
}

// Observe processes one chunk of upstream bytes. A panic in extraction is
// caught and logged: the chunk was already forwarded, and later chunks
// should still be observed.
func (o *SSEObserver) Observe(chunk []byte) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("panic while observing SSE chunk", slog.Any("panic", r))
		}
	}()

	o.mu.Lock()
	defer o.mu.Unlock()

	o.buffer = append(o.buffer, chunk...)

	// Safety valve against an upstream that never sends a newline.
	if len(o.buffer) > streamBufferCap {
		o.log.Warn("SSE line buffer exceeded cap, draining",
			slog.Int("buffer_len", len(o.buffer)))
		o.buffer = nil
		return
	}

	for {
		nl := bytes.IndexByte(o.buffer, '\n')
		if nl < 0 {
			return // partial line stays buffered for the next chunk
		}
		end := nl
		if end > 0 && o.buffer[end-1] == '\r' {
			end--
		}
		o.processLine(o.buffer[:end])
		o.buffer = o.buffer[nl+1:]
	}
}

// Result finalizes the observer on first call: any partial trailing line is
// flushed (covers `data: [DONE]` sent without a final newline) and the
// trust rule is applied. Subsequent calls return the same result, so both a
// deferred cleanup path and an explicit reader can safely call it.
func (o *SSEObserver) Result() StreamResult {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("panic while finalizing SSE observer", slog.Any("panic", r))
		}
	}()

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.finalized {
		return o.result
	}
	o.finalized = true

	if len(o.buffer) > 0 {
		line := o.buffer
		if line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		o.processLine(line)
		o.buffer = nil
	}

	if o.doneReceived {
		o.result = StreamResult{
			Usage:        o.usage,
			FinishReason: o.finishReason,
			DoneReceived: true,
		}
	}
	return o.result
}

// processLine handles one complete SSE line (terminator stripped).
// Empty lines are event delimiters; `:` comments and the event/id/retry
// fields carry nothing we need; unknown fields are ignored per the SSE
// spec. Only data lines are inspected further.
func (o *SSEObserver) processLine(line []byte) {
	if len(line) == 0 {
		return
	}
	if !utf8.Valid(line) {
		o.log.Warn("non-UTF8 SSE line, skipping")
		return
	}
	if line[0] == ':' {
		return
	}
	if bytes.HasPrefix(line, []byte("event:")) ||
		bytes.HasPrefix(line, []byte("id:")) ||
		bytes.HasPrefix(line, []byte("retry:")) {
		return
	}

	// Both "data: " and "data:" occur in the wild.
	if data, ok := bytes.CutPrefix(line, []byte("data: ")); ok {
		o.processData(data)
	} else if data, ok := bytes.CutPrefix(line, []byte("data:")); ok {
		o.processData(data)
	}
}

// processData handles the payload of a data line.
func (o *SSEObserver) processData(data []byte) {
	data = bytes.TrimSpace(data)

	if bytes.Equal(data, []byte("[DONE]")) {
		o.doneReceived = true
		return
	}

	if !gjson.ValidBytes(data) {
		o.log.Warn("failed to parse SSE data line as JSON")
		return
	}

	// finish_reason: last non-null value wins. Intermediate chunks carry
	// an explicit null until the model stops.
	if r := gjson.GetBytes(data, "choices.0.finish_reason"); r.Type == gjson.String {
		o.finishReason = r.String()
	}

	// usage: only trust a non-null object carrying both counters. Most
	// chunks have "usage": null; the real block arrives at the end.
	if u := gjson.GetBytes(data, "usage"); u.Exists() && u.Type != gjson.Null {
		prompt := u.Get("prompt_tokens")
		completion := u.Get("completion_tokens")
		if prompt.Type == gjson.Number && completion.Type == gjson.Number {
			o.usage = &StreamUsage{
				PromptTokens:     uint32(prompt.Uint()),
				CompletionTokens: uint32(completion.Uint()),
			}
		} else {
			o.log.Warn("usage object present but missing expected fields")
		}
	}
}

// streamBufferCap bounds the observer's line buffer. A well-formed SSE
// line is far smaller; overflowing it means the upstream is misbehaving,
// and the partial data is dropped rather than grown without bound.
const streamBufferCap = 64 * 1024
