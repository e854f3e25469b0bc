package proxy

import (
	"bytes"
	"testing"
)

// buildSSE joins event lines with the SSE delimiter and splits the result
// at the given byte positions to simulate TCP chunk boundaries.
func buildSSE(events []string, splits []int) [][]byte {
	var full []byte
	for _, e := range events {
		full = append(full, []byte(e+"\n\n")...)
	}

	var chunks [][]byte
	prev := 0
	for _, pos := range splits {
		if pos > prev && pos < len(full) {
			chunks = append(chunks, full[prev:pos])
			prev = pos
		}
	}
	chunks = append(chunks, full[prev:])
	return chunks
}

func observeAll(chunks [][]byte) StreamResult {
	o := NewSSEObserver(discardLogger())
	for _, c := range chunks {
		o.Observe(c)
	}
	return o.Result()
}

func TestSSEObserver_SingleChunkFullStream(t *testing.T) {
	events := []string{
		`data: {"id":"abc","choices":[{"index":0,"delta":{"role":"assistant"},"finish_reason":null}],"usage":null}`,
		`data: {"id":"abc","choices":[{"index":0,"delta":{"content":"Hello"},"finish_reason":null}],"usage":null}`,
		`data: {"id":"abc","choices":[{"index":0,"delta":{"content":" world"},"finish_reason":"stop"}],"usage":null}`,
		`data: {"id":"abc","choices":[],"usage":{"prompt_tokens":6,"completion_tokens":10,"total_tokens":16}}`,
		`data: [DONE]`,
	}
	chunks := buildSSE(events, nil)
	if len(chunks) != 1 {
		t.Fatalf("expected a single chunk, got %d", len(chunks))
	}

	result := observeAll(chunks)
	if !result.DoneReceived {
		t.Error("done sentinel not seen")
	}
	if result.Usage == nil || result.Usage.PromptTokens != 6 || result.Usage.CompletionTokens != 10 {
		t.Errorf("usage = %+v, want 6/10", result.Usage)
	}
	if result.FinishReason != "stop" {
		t.Errorf("finish_reason = %q, want stop", result.FinishReason)
	}
}

func TestSSEObserver_UsageSplitAcrossChunks(t *testing.T) {
	events := []string{
		`data: {"id":"abc","choices":[{"index":0,"delta":{"content":"Hi"},"finish_reason":"stop"}],"usage":null}`,
		`data: {"id":"abc","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`,
		`data: [DONE]`,
	}
	// Splits land inside the usage JSON line.
	chunks := buildSSE(events, []int{50, 120, 180})
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}

	result := observeAll(chunks)
	if !result.DoneReceived {
		t.Error("done sentinel not seen")
	}
	if result.Usage == nil || result.Usage.PromptTokens != 10 || result.Usage.CompletionTokens != 5 {
		t.Errorf("usage = %+v, want 10/5", result.Usage)
	}
	if result.FinishReason != "stop" {
		t.Errorf("finish_reason = %q, want stop", result.FinishReason)
	}
}

func TestSSEObserver_EveryChunkBoundary(t *testing.T) {
	// The observer's state machine must be insensitive to where the
	// upstream cuts its chunks: split the same stream at every byte.
	events := []string{
		`data: {"id":"abc","choices":[{"index":0,"delta":{"content":"Hi"},"finish_reason":"stop"}],"usage":null}`,
		`data: {"id":"abc","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":7,"total_tokens":10}}`,
		`data: [DONE]`,
	}
	full := bytes.Join([][]byte{[]byte(events[0]), []byte(events[1]), []byte(events[2]), nil}, []byte("\n\n"))

	for cut := 1; cut < len(full); cut++ {
		result := observeAll([][]byte{full[:cut], full[cut:]})
		if !result.DoneReceived || result.Usage == nil ||
			result.Usage.PromptTokens != 3 || result.Usage.CompletionTokens != 7 {
			t.Fatalf("split at %d broke extraction: %+v", cut, result)
		}
	}
}

func TestSSEObserver_NoUsageWithDone(t *testing.T) {
	events := []string{
		`data: {"id":"abc","choices":[{"index":0,"delta":{"content":"Hi"},"finish_reason":"stop"}],"usage":null}`,
		`data: [DONE]`,
	}

	result := observeAll(buildSSE(events, nil))
	if !result.DoneReceived {
		t.Error("done sentinel not seen")
	}
	if result.Usage != nil {
		t.Errorf("usage = %+v, want nil", result.Usage)
	}
	if result.FinishReason != "stop" {
		t.Errorf("finish_reason = %q, want stop", result.FinishReason)
	}
}

func TestSSEObserver_NoDoneReturnsEmpty(t *testing.T) {
	// Usage was seen, but the stream never delivered [DONE]: the data is
	// untrustworthy and the result must be empty.
	events := []string{
		`data: {"id":"abc","choices":[{"index":0,"delta":{"content":"Hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":6,"completion_tokens":10}}`,
	}

	result := observeAll(buildSSE(events, nil))
	if result.DoneReceived {
		t.Error("done should not be set")
	}
	if result.Usage != nil || result.FinishReason != "" {
		t.Errorf("incomplete stream should report empty result, got %+v", result)
	}
}

func TestSSEObserver_MalformedJSONSkipped(t *testing.T) {
	events := []string{
		`data: {this is not valid json}`,
		`data: {"id":"abc","choices":[],"usage":{"prompt_tokens":8,"completion_tokens":3,"total_tokens":11}}`,
		`data: [DONE]`,
	}

	result := observeAll(buildSSE(events, nil))
	if !result.DoneReceived {
		t.Error("done sentinel not seen")
	}
	if result.Usage == nil || result.Usage.PromptTokens != 8 || result.Usage.CompletionTokens != 3 {
		t.Errorf("usage = %+v, want 8/3", result.Usage)
	}
}

func TestSSEObserver_NonDataFieldsSkipped(t *testing.T) {
	raw := []byte("event: message\nid: 123\nretry: 5000\n: this is a comment\n" +
		`data: {"id":"abc","choices":[{"index":0,"delta":{"content":"Hi"},"finish_reason":"stop"}],"usage":null}` +
		"\n\ndata: [DONE]\n\n")

	result := observeAll([][]byte{raw})
	if !result.DoneReceived {
		t.Error("done sentinel not seen")
	}
	if result.FinishReason != "stop" {
		t.Errorf("finish_reason = %q, want stop", result.FinishReason)
	}
}

func TestSSEObserver_CRLFLineEndings(t *testing.T) {
	raw := []byte(`data: {"id":"abc","choices":[{"index":0,"delta":{"content":"Hi"},"finish_reason":"stop"}],"usage":null}` +
		"\r\n\r\n" +
		`data: {"id":"abc","choices":[],"usage":{"prompt_tokens":4,"completion_tokens":2,"total_tokens":6}}` +
		"\r\n\r\ndata: [DONE]\r\n\r\n")

	result := observeAll([][]byte{raw})
	if !result.DoneReceived {
		t.Error("done sentinel not seen")
	}
	if result.Usage == nil || result.Usage.PromptTokens != 4 || result.Usage.CompletionTokens != 2 {
		t.Errorf("usage = %+v, want 4/2", result.Usage)
	}
	if result.FinishReason != "stop" {
		t.Errorf("finish_reason = %q, want stop", result.FinishReason)
	}
}

func TestSSEObserver_DataWithoutSpace(t *testing.T) {
	raw := []byte(`data:{"id":"abc","choices":[{"index":0,"delta":{"content":"Hi"},"finish_reason":"stop"}],"usage":null}` +
		"\n\ndata:[DONE]\n\n")

	result := observeAll([][]byte{raw})
	if !result.DoneReceived {
		t.Error("done sentinel not seen")
	}
	if result.FinishReason != "stop" {
		t.Errorf("finish_reason = %q, want stop", result.FinishReason)
	}
}

func TestSSEObserver_DoneWithoutTrailingNewline(t *testing.T) {
	// [DONE] as the very last bytes before the connection closes, with no
	// newline: Result's flush must still see it.
	raw := []byte(`data: {"id":"abc","choices":[{"index":0,"delta":{"content":"Hi"},"finish_reason":"stop"}],"usage":null}` +
		"\n\ndata: [DONE]")

	result := observeAll([][]byte{raw})
	if !result.DoneReceived {
		t.Error("done sentinel in unterminated final line not seen")
	}
	if result.FinishReason != "stop" {
		t.Errorf("finish_reason = %q, want stop", result.FinishReason)
	}
}

func TestSSEObserver_EmptyStream(t *testing.T) {
	o := NewSSEObserver(discardLogger())
	result := o.Result()

	if result.DoneReceived || result.Usage != nil || result.FinishReason != "" {
		t.Errorf("empty stream should produce empty result, got %+v", result)
	}
}

func TestSSEObserver_BufferCapRecovers(t *testing.T) {
	// 65KB of garbage with no newline overflows the cap and is drained;
	// normal events afterwards must still be parsed.
	huge := bytes.Repeat([]byte{'x'}, 65*1024)
	normal := []byte(`data: {"id":"abc","choices":[{"index":0,"delta":{"content":"ok"},"finish_reason":"stop"}],"usage":null}` +
		"\n\ndata: [DONE]\n\n")

	o := NewSSEObserver(discardLogger())
	o.Observe(huge)
	o.Observe(normal)
	result := o.Result()

	if !result.DoneReceived {
		t.Error("done sentinel not seen after buffer drain")
	}
	if result.FinishReason != "stop" {
		t.Errorf("finish_reason = %q, want stop", result.FinishReason)
	}
}

func TestSSEObserver_NonUTF8LineSkipped(t *testing.T) {
	raw := append([]byte("data: \xff\xfe\xfd\n\n"),
		[]byte(`data: {"id":"abc","choices":[],"usage":{"prompt_tokens":1,"completion_tokens":2,"total_tokens":3}}`+"\n\ndata: [DONE]\n\n")...)

	result := observeAll([][]byte{raw})
	if !result.DoneReceived {
		t.Error("done sentinel not seen")
	}
	if result.Usage == nil || result.Usage.PromptTokens != 1 || result.Usage.CompletionTokens != 2 {
		t.Errorf("usage = %+v, want 1/2", result.Usage)
	}
}

func TestSSEObserver_UsageMissingFieldsIgnored(t *testing.T) {
	events := []string{
		`data: {"id":"abc","choices":[],"usage":{"prompt_tokens":9}}`,
		`data: [DONE]`,
	}

	result := observeAll(buildSSE(events, nil))
	if !result.DoneReceived {
		t.Error("done sentinel not seen")
	}
	if result.Usage != nil {
		t.Errorf("partial usage object should be ignored, got %+v", result.Usage)
	}
}

func TestSSEObserver_NullFinishReasonDoesNotOverwrite(t *testing.T) {
	events := []string{
		`data: {"id":"abc","choices":[{"index":0,"delta":{"content":"a"},"finish_reason":"length"}],"usage":null}`,
		`data: {"id":"abc","choices":[{"index":0,"delta":{},"finish_reason":null}],"usage":null}`,
		`data: [DONE]`,
	}

	result := observeAll(buildSSE(events, nil))
	if result.FinishReason != "length" {
		t.Errorf("finish_reason = %q, want length (null must not clobber)", result.FinishReason)
	}
}

func TestSSEObserver_ResultIdempotent(t *testing.T) {
	events := []string{
		`data: {"id":"abc","choices":[],"usage":{"prompt_tokens":2,"completion_tokens":4,"total_tokens":6}}`,
		`data: [DONE]`,
	}

	o := NewSSEObserver(discardLogger())
	for _, c := range buildSSE(events, nil) {
		o.Observe(c)
	}

	first := o.Result()
	second := o.Result()
	if first != second {
		t.Errorf("Result not idempotent: %+v vs %+v", first, second)
	}
	if second.Usage == nil || second.Usage.CompletionTokens != 4 {
		t.Errorf("second read lost usage: %+v", second.Usage)
	}
}
