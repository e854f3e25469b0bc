// Package metrics provides a Prometheus metrics registry for arbstr.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// arbstr_inflight_requests
	inFlight prometheus.Gauge

	// arbstr_active_streams
	activeStreams prometheus.Gauge

	// arbstr_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// arbstr_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// arbstr_requests_total{provider,status}
	requestsTotal *prometheus.CounterVec

	// arbstr_upstream_attempts_total{provider,classification}
	upstreamAttempts *prometheus.CounterVec

	// arbstr_upstream_attempt_duration_seconds{provider,classification}
	upstreamDuration *prometheus.HistogramVec

	// arbstr_cost_sats_total{provider,model}
	costSats *prometheus.CounterVec

	// arbstr_tokens_total{provider,model,direction}
	tokensTotal *prometheus.CounterVec

	// arbstr_circuit_state{provider}: 0=closed, 1=open, 2=half_open
	circuitState *prometheus.GaugeVec

	// arbstr_circuit_transitions_total{provider,to_state}
	circuitTransitions *prometheus.CounterVec

	// arbstr_circuit_rejections_total{provider}
	circuitRejections *prometheus.CounterVec

	// arbstr_failover_success_total{primary,to}
	failoverSuccess *prometheus.CounterVec

	// arbstr_failover_exhausted_total{primary}
	failoverExhausted *prometheus.CounterVec

	// arbstr_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]int64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]int64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arbstr_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arbstr_active_streams",
			Help: "Current number of SSE streams being piped to clients",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbstr_http_requests_total",
				Help: "Total number of HTTP requests handled",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arbstr_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes retries)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbstr_requests_total",
				Help: "Total number of proxied chat completion requests",
			},
			[]string{"provider", "status"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbstr_upstream_attempts_total",
				Help: "Total upstream provider attempts (includes retries and failovers)",
			},
			[]string{"provider", "classification"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arbstr_upstream_attempt_duration_seconds",
				Help:    "Upstream provider attempt duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "classification"},
		),

		costSats: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbstr_cost_sats_total",
				Help: "Accumulated request cost in satoshis",
			},
			[]string{"provider", "model"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbstr_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "model", "direction"},
		),

		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "arbstr_circuit_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half_open)",
			},
			[]string{"provider"},
		),

		circuitTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbstr_circuit_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"provider", "to_state"},
		),

		circuitRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbstr_circuit_rejections_total",
				Help: "Candidates rejected because their circuit was open",
			},
			[]string{"provider"},
		),

		failoverSuccess: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbstr_failover_success_total",
				Help: "Requests served by a non-primary provider",
			},
			[]string{"primary", "to"},
		),

		failoverExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbstr_failover_exhausted_total",
				Help: "Requests that exhausted every candidate without success",
			},
			[]string{"primary"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "arbstr_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.activeStreams,
		r.httpRequestsTotal,
		r.httpDuration,
		r.requestsTotal,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.costSats,
		r.tokensTotal,
		r.circuitState,
		r.circuitTransitions,
		r.circuitRejections,
		r.failoverSuccess,
		r.failoverExhausted,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

func (r *Registry) IncActiveStreams() { r.activeStreams.Inc() }
func (r *Registry) DecActiveStreams() { r.activeStreams.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordRequest records the final outcome of one proxied request.
func (r *Registry) RecordRequest(provider string, statusCode int) {
	r.requestsTotal.WithLabelValues(provider, strconv.Itoa(statusCode)).Inc()
}

// ObserveUpstreamAttempt records one upstream provider attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, classification string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, classification).Inc()
	r.upstreamDuration.WithLabelValues(provider, classification).Observe(dur.Seconds())
}

// AddCost accumulates the satoshi cost of a completed request.
func (r *Registry) AddCost(provider, model string, costSats float64) {
	if costSats > 0 {
		r.costSats.WithLabelValues(provider, model).Add(costSats)
	}
}

// AddTokens accumulates usage from an upstream usage object.
func (r *Registry) AddTokens(provider, model string, inputTokens, outputTokens int64) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// SetCircuitState sets the state gauge and increments a transition counter
// when the state changes.
func (r *Registry) SetCircuitState(provider, stateName string, stateCode int64) {
	r.circuitState.WithLabelValues(provider).Set(float64(stateCode))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[provider]
	if !ok || prev != stateCode {
		r.lastCBState[provider] = stateCode
		r.circuitTransitions.WithLabelValues(provider, stateName).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) RecordCircuitRejection(provider string) {
	r.circuitRejections.WithLabelValues(provider).Inc()
}

func (r *Registry) RecordFailoverSuccess(primary, to string) {
	r.failoverSuccess.WithLabelValues(primary, to).Inc()
}

func (r *Registry) RecordFailoverExhausted(primary string) {
	r.failoverExhausted.WithLabelValues(primary).Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

// RegisterDroppedWrites exports the request-log drop counter from the
// storage write queue.
func (r *Registry) RegisterDroppedWrites(fn func() int64) {
	r.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "arbstr_request_log_dropped_total",
		Help: "Request log writes dropped because the write queue was full",
	}, func() float64 {
		return float64(fn())
	}))
}

// RegisterQueueDepth exports the request-log write queue depth.
func (r *Registry) RegisterQueueDepth(fn func() int) {
	r.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "arbstr_request_log_queue_depth",
		Help: "Request log writes waiting in the write queue",
	}, func() float64 {
		return float64(fn())
	}))
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
