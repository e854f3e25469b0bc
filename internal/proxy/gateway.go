// Package proxy is the core arbstr request pipeline.
//
// The Gateway receives an OpenAI-compatible chat-completion request,
// resolves a routing policy, ranks candidate providers by satoshi cost,
// filters them through per-provider circuit breakers, and forwards the
// request upstream. The buffered path retries with backoff and falls down
// the candidate list; the streaming path pipes a single provider's SSE
// stream and recovers token usage from its final chunks.
//
// Key design constraints:
//   - Store and metrics are optional and nil-safe.
//   - All upstream I/O takes context.Context so deadlines propagate.
//   - Streaming responses are byte-identical passthrough except for the
//     trailing arbstr cost event injected after the upstream [DONE].
//   - Request log writes are fire-and-forget; a log miss never fails a
//     request that was already served.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/valyala/fasthttp"

	"github.com/routstr/arbstr/internal/config"
	"github.com/routstr/arbstr/internal/metrics"
	"github.com/routstr/arbstr/internal/storage"
	"github.com/routstr/arbstr/pkg/apierr"
)

const (
	// headerPolicy selects a named routing policy per request.
	headerPolicy = "X-Arbstr-Policy"

	headerRequestID = "x-arbstr-request-id"
	headerLatency   = "x-arbstr-latency-ms"
	headerCost      = "x-arbstr-cost-sats"
	headerRetries   = "x-arbstr-retries"
	headerStreaming = "x-arbstr-streaming"
	headerProvider  = "x-arbstr-provider"

	routeChatCompletions = "/v1/chat/completions"
)

// GatewayOptions holds optional dependencies and tuning parameters for a
// Gateway. All fields have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events and failover
	// diagnostics. Defaults to slog.Default when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, metrics are
	// disabled.
	Metrics *metrics.Registry

	// Store receives request log rows and serves the stats and requests
	// endpoints. When nil, nothing is persisted and the read endpoints
	// report an unavailable log.
	Store *storage.Store

	// LogRequests controls whether rows are written to the Store. Read
	// endpoints keep serving whatever the database already holds.
	LogRequests bool

	// RequestTimeout is the wrapping deadline for a buffered (non-streaming)
	// request across all retries and fallbacks. Default: 30s.
	RequestTimeout time.Duration
}

// Gateway is the chat-completions proxy. All dependencies are injected via
// the constructor so they can be replaced with doubles in unit tests.
type Gateway struct {
	cfg      *config.Config
	selector *Selector
	circuit  *CircuitRegistry
	upstream *UpstreamClient
	executor *Executor
	log      *slog.Logger

	// Optional dependencies, nil-safe when not configured.
	store   *storage.Store
	metrics *metrics.Registry

	requestTimeout time.Duration
	logRequests    bool
	version        string
	started        time.Time
}

// NewGateway creates a Gateway with default settings.
func NewGateway(cfg *config.Config, circuit *CircuitRegistry) *Gateway {
	return NewGatewayWithOptions(cfg, circuit, GatewayOptions{})
}

// NewGatewayWithOptions creates a fully configured Gateway. Use this when
// you need persistence, metrics, or a custom request deadline.
func NewGatewayWithOptions(cfg *config.Config, circuit *CircuitRegistry, opts GatewayOptions) *Gateway {
	if cfg == nil {
		panic("gateway: config must not be nil")
	}
	if circuit == nil {
		panic("gateway: circuit registry must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}

	upstream := NewUpstreamClient()
	gw := &Gateway{
		cfg:            cfg,
		selector:       NewSelector(cfg, log),
		circuit:        circuit,
		upstream:       upstream,
		executor:       NewExecutor(upstream, circuit, log),
		log:            log,
		store:          opts.Store,
		metrics:        opts.Metrics,
		requestTimeout: requestTimeout,
		logRequests:    opts.LogRequests,
		started:        time.Now(),
	}

	// Initialise circuit gauges (closed) for known providers.
	if gw.metrics != nil {
		for _, name := range cfg.ProviderNames() {
			state := circuit.State(name)
			gw.metrics.SetCircuitState(name, state.String(), int64(state))
		}
	}

	return gw
}

// SetVersion sets the version string reported by /health.
func (g *Gateway) SetVersion(v string) {
	g.version = v
}

// chatRequest carries the parsed request through the dispatch pipeline.
type chatRequest struct {
	correlationID string
	model         string
	policy        *config.PolicyRule
	body          []byte
	start         time.Time
}

// dispatchChat is the core handler for POST /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()

	var (
		streaming    bool
		usedProvider string
	)
	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		if streaming {
			return // finalised by the stream writer
		}
		g.metrics.ObserveHTTP(routeChatCompletions, ctx.Response.StatusCode(), time.Since(start))
		if usedProvider != "" {
			g.metrics.RecordRequest(usedProvider, ctx.Response.StatusCode())
		}
		g.metrics.DecInFlight()
	}()

	// 1. Parse the request: model, stream flag, policy hints.
	body := ctx.PostBody()
	if !gjson.ValidBytes(body) {
		g.failChat(ctx, start, apierr.BadRequest("body is not valid JSON"))
		return
	}
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		g.failChat(ctx, start, apierr.BadRequest("'model' is required"))
		return
	}
	streamReq := gjson.GetBytes(body, "stream").Bool()
	prompt := gjson.GetBytes(body, `messages.#(role=="user").content`).String()
	policyName := string(ctx.Request.Header.Peek(headerPolicy))

	req := &chatRequest{
		correlationID: requestIDFrom(ctx),
		model:         model,
		body:          body,
		start:         start,
	}

	g.log.InfoContext(ctx, "chat completion request",
		slog.String("request_id", req.correlationID),
		slog.String("model", model),
		slog.Bool("stream", streamReq),
	)

	// 2. Resolve the policy and rank candidates, cheapest first.
	candidates, policy, err := g.selector.Select(model, policyName, prompt)
	if err != nil {
		g.failChat(ctx, start, err)
		return
	}
	req.policy = policy

	// 3. Filter candidates through the circuit registry.
	permitted, probes := g.filterCircuits(ctx, candidates)
	if len(permitted) == 0 {
		g.failChat(ctx, start, apierr.CircuitOpen(model))
		return
	}

	// 4. Dispatch. A stream gets a single provider; buffered requests go
	// through the retry/fallback executor.
	if streamReq {
		target := permitted[0]
		usedProvider = target.Name
		streaming = g.streamChat(ctx, req, target, probes)
		return
	}
	usedProvider = g.completeChat(ctx, req, permitted, probes)
}

// filterCircuits asks each candidate's breaker for a permit, in cost
// order. Rejected candidates are skipped. A HalfOpen candidate sitting
// behind an already accepted one is skipped without acquiring, so its
// single probe slot is not consumed by a request that will never reach
// it. Claimed probe guards are returned for resolution once the request
// settles.
func (g *Gateway) filterCircuits(ctx context.Context, candidates []*config.Provider) ([]*config.Provider, map[string]*ProbeGuard) {
	permitted := make([]*config.Provider, 0, len(candidates))
	var probes map[string]*ProbeGuard

	for _, cand := range candidates {
		if len(permitted) > 0 && g.circuit.State(cand.Name) == CircuitHalfOpen {
			continue
		}
		permit, ok := g.circuit.Acquire(ctx, cand.Name)
		if !ok {
			if g.metrics != nil {
				g.metrics.RecordCircuitRejection(cand.Name)
			}
			continue
		}
		permitted = append(permitted, cand)
		if permit.Guard != nil {
			if probes == nil {
				probes = make(map[string]*ProbeGuard, 1)
			}
			probes[cand.Name] = permit.Guard
		}
	}
	return permitted, probes
}

// completeChat runs the buffered path: the executor with retry and
// fallback under the wrapping deadline. Returns the provider that served
// (or last failed) the request, for metrics.
func (g *Gateway) completeChat(ctx *fasthttp.RequestCtx, req *chatRequest, permitted []*config.Provider, probes map[string]*ProbeGuard) string {
	execCtx, cancel := context.WithTimeout(ctx, g.requestTimeout)
	defer cancel()

	attempts := &attemptLog{}
	res, err := g.executor.Execute(execCtx, permitted, req.body, req.correlationID, attempts)
	records := attempts.snapshot()
	g.resolveProbes(probes, attempts)
	g.publishAttempts(records)

	ctx.Response.Header.Set(headerRetries, formatRetriesHeader(records))

	if err != nil {
		if g.metrics != nil && len(records) > 0 {
			g.metrics.RecordFailoverExhausted(records[0].Provider)
		}
		g.logFailure(req, records, err)
		g.failChat(ctx, req.start, err)
		if len(records) == 0 {
			return ""
		}
		return records[len(records)-1].Provider
	}

	// Usage and cost. An upstream that omits the usage block yields a row
	// with null accounting rather than a guessed zero.
	inTokens, outTokens := usageFromJSON(res.Body)
	var cost *float64
	if provider, ok := g.cfg.Provider(res.Provider); ok && inTokens != nil && outTokens != nil {
		c := provider.CostSats(*inTokens, *outTokens)
		cost = &c
	}

	latency := time.Since(req.start)
	g.insertRow(storage.RequestRow{
		CorrelationID:  req.correlationID,
		Timestamp:      req.start,
		Model:          req.model,
		Provider:       res.Provider,
		Policy:         policyNamePtr(req.policy),
		Streaming:      false,
		InputTokens:    inTokens,
		OutputTokens:   outTokens,
		CostSats:       cost,
		LatencyMs:      latency.Milliseconds(),
		Success:        true,
		Retries:        int64(len(records)) - 1,
		ProvidersTried: providersTried(records),
	})

	if g.metrics != nil {
		if res.Provider != records[0].Provider {
			g.metrics.RecordFailoverSuccess(records[0].Provider, res.Provider)
		}
		if inTokens != nil && outTokens != nil {
			g.metrics.AddTokens(res.Provider, req.model, *inTokens, *outTokens)
		}
		if cost != nil {
			g.metrics.AddCost(res.Provider, req.model, *cost)
		}
	}

	ctx.Response.Header.Set(headerLatency, strconv.FormatInt(latency.Milliseconds(), 10))
	if cost != nil {
		ctx.Response.Header.Set(headerCost, strconv.FormatFloat(*cost, 'f', 2, 64))
	}
	ctx.Response.Header.Set(headerProvider, res.Provider)
	ctx.SetStatusCode(res.Status)
	contentType := res.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	ctx.SetContentType(contentType)
	ctx.SetBody(res.Body)

	g.log.DebugContext(ctx, "chat completion served",
		slog.String("request_id", req.correlationID),
		slog.String("provider", res.Provider),
		slog.String("model", req.model),
		slog.Int("attempts", len(records)),
		slog.Duration("latency", latency),
	)
	return res.Provider
}

// streamChat runs the streaming path: a single attempt against the
// cheapest permitted candidate, no retries. Returns true once the response
// body stream writer is installed; from then on the writer owns metrics
// finalization and the post-stream log update.
func (g *Gateway) streamChat(ctx *fasthttp.RequestCtx, req *chatRequest, target *config.Provider, probes map[string]*ProbeGuard) bool {
	// Usage only arrives when the stream asks for it. Merge the flag in
	// unless the client already stated a preference; an explicit false is
	// preserved.
	body := req.body
	if opt := gjson.GetBytes(body, "stream_options.include_usage"); !opt.Exists() || opt.Type == gjson.Null {
		body, _ = sjson.SetBytes(body, "stream_options.include_usage", true)
	}

	upstreamStart := time.Now()
	resp, err := g.upstream.ChatCompletionStream(target, body)
	if err != nil {
		errType := "5xx"
		if isTimeoutError(err) {
			errType = "timeout"
		}
		g.circuit.RecordFailure(target.Name, errType, err.Error())
		if guard := probes[target.Name]; guard != nil {
			guard.Failure(errType, err.Error())
		}
		closeProbesExcept(probes, target.Name)
		g.log.WarnContext(ctx, "stream start failed",
			slog.String("request_id", req.correlationID),
			slog.String("provider", target.Name),
			slog.Any("error", err),
		)
		if isTimeoutError(err) {
			g.failChat(ctx, req.start, apierr.Timeout("Upstream request timed out"))
		} else {
			g.failChat(ctx, req.start, apierr.Transport(err))
		}
		return false
	}

	ttfb := time.Since(upstreamStart)
	status := resp.StatusCode()
	if status < 200 || status >= 300 {
		respBody := readStreamBody(resp)
		CloseStream(resp)
		if status >= 500 {
			msg := fmt.Sprintf("HTTP %d", status)
			g.circuit.RecordFailure(target.Name, "5xx", msg)
			if guard := probes[target.Name]; guard != nil {
				guard.Failure("5xx", msg)
			}
		} else if guard := probes[target.Name]; guard != nil {
			// A client error still proves the provider is reachable.
			guard.Success()
		}
		closeProbesExcept(probes, target.Name)
		g.log.WarnContext(ctx, "stream upstream error",
			slog.String("request_id", req.correlationID),
			slog.String("provider", target.Name),
			slog.Int("status", status),
		)
		g.failChat(ctx, req.start, apierr.Upstream(status, respBody))
		return false
	}

	// The provider answered; settle circuits before the first byte moves.
	g.circuit.RecordSuccess(target.Name)
	closeProbesExcept(probes, target.Name)

	// The row goes in at headers-arrival so the post-stream update always
	// has a row to land on. Accounting stays null until the stream settles.
	g.insertRow(storage.RequestRow{
		CorrelationID:  req.correlationID,
		Timestamp:      req.start,
		Model:          req.model,
		Provider:       target.Name,
		Policy:         policyNamePtr(req.policy),
		Streaming:      true,
		LatencyMs:      ttfb.Milliseconds(),
		Success:        false,
		ProvidersTried: target.Name,
	})

	if g.metrics != nil {
		g.metrics.IncActiveStreams()
	}

	ctx.Response.Header.Set(headerStreaming, "true")
	ctx.Response.Header.Set(headerProvider, target.Name)
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetContentType("text/event-stream")
	ctx.SetStatusCode(fasthttp.StatusOK)

	obs := NewSSEObserver(g.log)
	correlationID, model, providerName := req.correlationID, req.model, target.Name
	reqStart := req.start

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		streamStart := time.Now()
		clientGone := false
		buf := make([]byte, streamReadBuffer)
		upstream := resp.BodyStream()
		for {
			n, readErr := upstream.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				obs.Observe(chunk)
				if !clientGone {
					if _, werr := w.Write(chunk); werr != nil {
						clientGone = true
					} else if werr := w.Flush(); werr != nil {
						clientGone = true
					}
					// A gone client still drains the upstream: usage
					// arrives in the final chunks and the log update
					// wants it.
				}
			}
			if readErr != nil {
				break
			}
		}
		CloseStream(resp)

		result := obs.Result()
		var (
			inTokens, outTokens *int64
			cost                *float64
			costValue           any
		)
		if result.Usage != nil {
			in := int64(result.Usage.PromptTokens)
			out := int64(result.Usage.CompletionTokens)
			c := target.CostSats(in, out)
			inTokens, outTokens, cost = &in, &out, &c
			costValue = c
		}

		if result.DoneReceived && !clientGone {
			trailer, _ := json.Marshal(map[string]any{
				"arbstr": map[string]any{
					"cost_sats":  costValue,
					"latency_ms": ttfb.Milliseconds(),
				},
			})
			fmt.Fprintf(w, "data: %s\n\n", trailer)
			fmt.Fprint(w, "data: [DONE]\n\n")
			w.Flush() //nolint:errcheck
		}

		var errMsg *string
		switch {
		case clientGone:
			s := "client_disconnected"
			errMsg = &s
		case !result.DoneReceived:
			s := "stream_incomplete"
			errMsg = &s
		}
		g.updateUsage(storage.UsageUpdate{
			CorrelationID:    correlationID,
			InputTokens:      inTokens,
			OutputTokens:     outTokens,
			CostSats:         cost,
			StreamDurationMs: time.Since(streamStart).Milliseconds(),
			Success:          result.DoneReceived,
			ErrorMessage:     errMsg,
		})

		g.log.Debug("stream finished",
			slog.String("request_id", correlationID),
			slog.String("provider", providerName),
			slog.String("model", model),
			slog.Bool("done_received", result.DoneReceived),
			slog.Bool("client_gone", clientGone),
			slog.Duration("stream_duration", time.Since(streamStart)),
		)

		if g.metrics != nil {
			if inTokens != nil && outTokens != nil {
				g.metrics.AddTokens(providerName, model, *inTokens, *outTokens)
			}
			if cost != nil {
				g.metrics.AddCost(providerName, model, *cost)
			}
			g.metrics.DecActiveStreams()
			// End-to-end duration is measured until stream drain.
			g.metrics.ObserveHTTP(routeChatCompletions, fasthttp.StatusOK, time.Since(reqStart))
			g.metrics.RecordRequest(providerName, fasthttp.StatusOK)
			g.metrics.DecInFlight()
		}
	})
	return true
}

// resolveProbes settles every probe permit claimed during candidate
// filtering using what the executor actually observed. A probed provider
// that answered with any non-5xx status proved it is reachable again; only
// 5xx and timeouts reopen it. An unattempted probe is dropped, which the
// guard counts as a failure with reason "dropped".
func (g *Gateway) resolveProbes(probes map[string]*ProbeGuard, attempts *attemptLog) {
	for name, guard := range probes {
		records := attempts.providerRecords(name)
		if len(records) == 0 {
			guard.Close()
			continue
		}
		last := records[len(records)-1]
		if last.StatusCode > 0 && last.StatusCode < 500 {
			guard.Success()
			continue
		}
		errType, msg := "5xx", fmt.Sprintf("HTTP %d", last.StatusCode)
		if last.StatusCode == 0 {
			errType, msg = "timeout", "no response"
		}
		guard.Failure(errType, msg)
	}
}

// publishAttempts copies the executor's attempt log into the per-provider
// attempt counters and latency histograms.
func (g *Gateway) publishAttempts(records []AttemptRecord) {
	if g.metrics == nil {
		return
	}
	for _, r := range records {
		g.metrics.ObserveUpstreamAttempt(r.Provider, string(r.Classification), time.Duration(r.DurationMs)*time.Millisecond)
	}
}

// closeProbesExcept drops probe permits that were claimed but never sent.
func closeProbesExcept(probes map[string]*ProbeGuard, except string) {
	for name, guard := range probes {
		if name == except {
			continue
		}
		guard.Close()
	}
}

// logFailure writes the request log row for a buffered request that
// exhausted the executor. Errors raised before any attempt leave no row.
func (g *Gateway) logFailure(req *chatRequest, records []AttemptRecord, err error) {
	if len(records) == 0 {
		return
	}
	var e *apierr.Error
	if !errors.As(err, &e) {
		e = apierr.Internal(err)
	}
	msg := shortErrorMessage(e)
	g.insertRow(storage.RequestRow{
		CorrelationID:  req.correlationID,
		Timestamp:      req.start,
		Model:          req.model,
		Provider:       records[len(records)-1].Provider,
		Policy:         policyNamePtr(req.policy),
		Streaming:      false,
		LatencyMs:      time.Since(req.start).Milliseconds(),
		Success:        false,
		ErrorMessage:   &msg,
		Retries:        int64(len(records)) - 1,
		ProvidersTried: providersTried(records),
	})
}

// failChat writes an error envelope plus the latency header carried by
// all buffered (non-SSE) responses.
func (g *Gateway) failChat(ctx *fasthttp.RequestCtx, start time.Time, err error) {
	ctx.Response.Header.Set(headerLatency, strconv.FormatInt(time.Since(start).Milliseconds(), 10))
	g.writeError(ctx, err)
}

// writeError renders err as the OpenAI-shaped error envelope.
func (g *Gateway) writeError(ctx *fasthttp.RequestCtx, err error) {
	var e *apierr.Error
	if !errors.As(err, &e) {
		e = apierr.Internal(err)
	}
	apierr.WriteError(ctx, e)
}

// insertRow enqueues a request log insert. Never blocks.
func (g *Gateway) insertRow(row storage.RequestRow) {
	if g.store == nil || !g.logRequests {
		return
	}
	g.store.InsertRequest(row)
}

// updateUsage enqueues a post-stream usage update. Never blocks.
func (g *Gateway) updateUsage(u storage.UsageUpdate) {
	if g.store == nil || !g.logRequests {
		return
	}
	g.store.UpdateUsage(u)
}

// usageFromJSON extracts token counts from a buffered completion body.
// Both counters must be present as numbers in a non-null usage object.
func usageFromJSON(body []byte) (inTokens, outTokens *int64) {
	u := gjson.GetBytes(body, "usage")
	if !u.Exists() || u.Type == gjson.Null {
		return nil, nil
	}
	prompt := u.Get("prompt_tokens")
	completion := u.Get("completion_tokens")
	if prompt.Type != gjson.Number || completion.Type != gjson.Number {
		return nil, nil
	}
	in, out := prompt.Int(), completion.Int()
	return &in, &out
}

// shortErrorMessage reduces an error to the short form stored in the
// request log's error_message column.
func shortErrorMessage(e *apierr.Error) string {
	switch e.Kind {
	case apierr.KindUpstream:
		return fmt.Sprintf("upstream returned %d", e.Status)
	case apierr.KindTimeout:
		return "request timed out"
	case apierr.KindTransport:
		return "upstream unreachable"
	default:
		return e.Message
	}
}

// readStreamBody drains a streamed error response. Error bodies are small
// JSON envelopes; the cap guards against an upstream that answers an
// error status with an endless body.
func readStreamBody(resp *fasthttp.Response) []byte {
	body, _ := io.ReadAll(io.LimitReader(resp.BodyStream(), maxErrorBodyBytes))
	return body
}

// policyNamePtr returns the policy name for the request log, nil when no
// policy applied.
func policyNamePtr(p *config.PolicyRule) *string {
	if p == nil {
		return nil
	}
	return &p.Name
}

// requestIDFrom returns the correlation ID minted by the request-id
// middleware, or a fresh one when the handler runs without it.
func requestIDFrom(ctx *fasthttp.RequestCtx) string {
	if id, ok := ctx.UserValue(ctxKeyRequestID).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

const (
	// defaultRequestTimeout caps a buffered request across all retries and
	// fallbacks.
	defaultRequestTimeout = 30 * time.Second

	// streamReadBuffer is the chunk size for piping upstream SSE bytes.
	streamReadBuffer = 4 * 1024

	// maxErrorBodyBytes caps how much of a streamed error response is
	// buffered for passthrough.
	maxErrorBodyBytes = 1 << 20
)
