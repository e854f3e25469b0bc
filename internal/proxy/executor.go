package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/routstr/arbstr/internal/config"
	"github.com/routstr/arbstr/pkg/apierr"
)

// AttemptClassification labels how one upstream attempt ended.
type AttemptClassification string

const (
	AttemptSuccess     AttemptClassification = "success"
	AttemptRetryable   AttemptClassification = "retryable"
	AttemptFatal       AttemptClassification = "fatal"
	AttemptTimeout     AttemptClassification = "timeout"
	AttemptCircuitOpen AttemptClassification = "circuit_open"
)

// AttemptRecord describes one upstream attempt for headers, logs and the
// request log row.
type AttemptRecord struct {
	Provider       string
	StatusCode     int // 0 when no response arrived (transport error, timeout)
	DurationMs     int64
	Classification AttemptClassification
}

// attemptLog is the attempt list shared between the executor and the
// handler. It is lock-guarded so the handler can still read a faithful
// list when the wrapping deadline cuts the executor short.
type attemptLog struct {
	mu      sync.Mutex
	records []AttemptRecord
}

func (l *attemptLog) add(r AttemptRecord) {
	l.mu.Lock()
	l.records = append(l.records, r)
	l.mu.Unlock()
}

// snapshot returns a copy of the records appended so far.
func (l *attemptLog) snapshot() []AttemptRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]AttemptRecord(nil), l.records...)
}

// providerRecords returns the records for one provider, in order.
func (l *attemptLog) providerRecords(name string) []AttemptRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []AttemptRecord
	for _, r := range l.records {
		if r.Provider == name {
			out = append(out, r)
		}
	}
	return out
}

// Executor walks an ordered candidate list for a non-streaming request:
// up to three attempts per provider with exponential backoff between them,
// falling back to the next candidate when one is exhausted.
type Executor struct {
	client  *UpstreamClient
	circuit *CircuitRegistry
	log     *slog.Logger

	// backoff is the sleep schedule indexed by retry number. Tests swap in
	// a faster one.
	backoff []time.Duration
}

// NewExecutor wires the executor to its upstream client and circuit registry.
func NewExecutor(client *UpstreamClient, circuit *CircuitRegistry, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		client:  client,
		circuit: circuit,
		log:     log,
		backoff: backoffSchedule[:],
	}
}

// ExecResult is the winning upstream response.
type ExecResult struct {
	Status      int
	Body        []byte
	ContentType string
	Provider    string
}

// Execute tries each candidate in order until one answers 2xx. Every
// attempt is appended to attempts regardless of how the walk ends, so the
// caller's retry accounting stays truthful even on deadline expiry.
//
// On exhaustion the last upstream response is surfaced verbatim, keeping
// the OpenAI-compatible error body the provider produced.
func (e *Executor) Execute(ctx context.Context, candidates []*config.Provider, body []byte, correlationID string, attempts *attemptLog) (*ExecResult, error) {
	var (
		lastReply *upstreamReply
		lastErr   error
	)

	for i, p := range candidates {
		outcome := e.tryProvider(ctx, p, body, correlationID, attempts)

		if outcome.success {
			e.circuit.RecordSuccess(p.Name)
			if i > 0 {
				e.log.InfoContext(ctx, "fallback succeeded",
					slog.String("correlation_id", correlationID),
					slog.String("from", candidates[0].Name),
					slog.String("to", p.Name))
			}
			return &ExecResult{
				Status:      outcome.reply.status,
				Body:        outcome.reply.body,
				ContentType: outcome.reply.contentType,
				Provider:    p.Name,
			}, nil
		}

		if outcome.reply != nil {
			lastReply, lastErr = outcome.reply, nil
		} else if outcome.err != nil {
			lastReply, lastErr = nil, outcome.err
		}

		if errType, msg, ok := circuitVerdict(attempts.providerRecords(p.Name)); ok {
			e.circuit.RecordFailure(p.Name, errType, msg)
		}

		if ctx.Err() != nil {
			return nil, apierr.Timeout("Request timed out")
		}
	}

	switch {
	case lastReply != nil:
		return nil, apierr.Upstream(lastReply.status, lastReply.body)
	case lastErr != nil && isTimeoutError(lastErr):
		return nil, apierr.Timeout("Upstream request timed out")
	case lastErr != nil:
		return nil, apierr.Transport(lastErr)
	default:
		return nil, apierr.Internal(errors.New("executor called with no candidates"))
	}
}

// providerOutcome is how one candidate's attempts ended.
type providerOutcome struct {
	success bool
	reply   *upstreamReply // last response from this provider, nil if none arrived
	err     error          // last transport error from this provider
}

func (e *Executor) tryProvider(ctx context.Context, p *config.Provider, body []byte, correlationID string, attempts *attemptLog) providerOutcome {
	var out providerOutcome

	for attempt := 0; attempt <= maxRetriesPerProvider; attempt++ {
		if ctx.Err() != nil {
			return out
		}

		start := time.Now()
		reply, err := e.client.ChatCompletion(ctx, p, body, correlationID)
		durMs := time.Since(start).Milliseconds()

		if err != nil {
			class := AttemptRetryable
			if isTimeoutError(err) {
				class = AttemptTimeout
			}
			attempts.add(AttemptRecord{Provider: p.Name, DurationMs: durMs, Classification: class})
			out.reply, out.err = nil, err
			e.log.WarnContext(ctx, "provider attempt failed",
				slog.String("correlation_id", correlationID),
				slog.String("provider", p.Name),
				slog.Int("attempt", attempt+1),
				slog.String("classification", string(class)),
				slog.String("error", err.Error()))
			if attempt < maxRetriesPerProvider && e.sleep(ctx, attempt) {
				continue
			}
			return out
		}

		switch {
		case reply.status >= 200 && reply.status < 300:
			attempts.add(AttemptRecord{Provider: p.Name, StatusCode: reply.status, DurationMs: durMs, Classification: AttemptSuccess})
			out.success, out.reply, out.err = true, reply, nil
			return out

		case isRetryableStatus(reply.status):
			attempts.add(AttemptRecord{Provider: p.Name, StatusCode: reply.status, DurationMs: durMs, Classification: AttemptRetryable})
			out.reply, out.err = reply, nil
			e.log.WarnContext(ctx, "provider attempt failed",
				slog.String("correlation_id", correlationID),
				slog.String("provider", p.Name),
				slog.Int("attempt", attempt+1),
				slog.Int("status", reply.status))
			if attempt < maxRetriesPerProvider && e.sleep(ctx, attempt) {
				continue
			}
			return out

		default:
			// Client errors will not improve with retries against the same
			// provider; a different provider may still accept the request.
			attempts.add(AttemptRecord{Provider: p.Name, StatusCode: reply.status, DurationMs: durMs, Classification: AttemptFatal})
			out.reply, out.err = reply, nil
			e.log.WarnContext(ctx, "non-retryable upstream status",
				slog.String("correlation_id", correlationID),
				slog.String("provider", p.Name),
				slog.Int("status", reply.status))
			return out
		}
	}

	return out
}

// sleep waits out the backoff for the given retry number. It returns false
// when the context expired first.
func (e *Executor) sleep(ctx context.Context, retry int) bool {
	if retry >= len(e.backoff) {
		retry = len(e.backoff) - 1
	}
	t := time.NewTimer(e.backoff[retry])
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		t.Stop()
		return false
	}
}

// isRetryableStatus reports whether an upstream status is worth retrying:
// rate limiting and the transient 5xx family. Anything else from 4xx is a
// request problem, not a provider problem.
func isRetryableStatus(status int) bool {
	switch status {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}

// circuitVerdict decides whether a candidate's attempts amount to a
// circuit failure: every attempt must have ended in a 5xx or a
// transport/timeout error. 4xx attempts (429 included) say nothing about
// provider health and veto the verdict. A candidate that fails this way
// trips its breaker even when a later fallback served the request.
func circuitVerdict(records []AttemptRecord) (errType, message string, ok bool) {
	if len(records) == 0 {
		return "", "", false
	}
	for _, r := range records {
		switch {
		case r.Classification == AttemptTimeout:
		case r.Classification == AttemptRetryable && (r.StatusCode == 0 || r.StatusCode >= 500):
		default:
			return "", "", false
		}
	}

	last := records[len(records)-1]
	if last.StatusCode == 0 {
		return "timeout", "no response", true
	}
	return "5xx", fmt.Sprintf("HTTP %d", last.StatusCode), true
}

// providersTried joins the provider names in first-attempt order.
func providersTried(records []AttemptRecord) string {
	seen := make(map[string]bool, 2)
	var names []string
	for _, r := range records {
		if !seen[r.Provider] {
			seen[r.Provider] = true
			names = append(names, r.Provider)
		}
	}
	return strings.Join(names, ",")
}

// formatRetriesHeader renders the x-arbstr-retries value: the total
// attempt count, a slash, then the providers tried in order.
// A clean first-try success reads "1/alpha"; one failover with retries
// might read "4/alpha,beta".
func formatRetriesHeader(records []AttemptRecord) string {
	return fmt.Sprintf("%d/%s", len(records), providersTried(records))
}

// maxRetriesPerProvider is how many times one provider is retried after
// its first attempt, so each candidate sees at most three requests.
const maxRetriesPerProvider = 2

// backoffSchedule is the sleep before each retry, indexed by retry number.
var backoffSchedule = [...]time.Duration{time.Second, 2 * time.Second}
