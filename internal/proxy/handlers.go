package proxy

// handlers.go carries the read-side API: model and provider listings, the
// request-log stats and listing endpoints, and the health snapshot.

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/routstr/arbstr/internal/config"
	"github.com/routstr/arbstr/internal/storage"
	"github.com/routstr/arbstr/pkg/apierr"
)

var errNoDatabase = errors.New("database not available")

// rangePresets maps the supported range query values to their spans.
var rangePresets = map[string]time.Duration{
	"last_1h":  time.Hour,
	"last_24h": 24 * time.Hour,
	"last_7d":  7 * 24 * time.Hour,
	"last_30d": 30 * 24 * time.Hour,
}

const defaultRange = "last_7d"

// resolveTimeRange turns the range/since/until query params into a window.
// Explicit since/until win over the preset; the default window is the
// trailing seven days ending now.
func resolveTimeRange(rangeName, since, until string, now time.Time) (time.Time, time.Time, error) {
	var sinceT time.Time
	switch {
	case since != "":
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return time.Time{}, time.Time{}, apierr.BadRequest("Invalid 'since' timestamp: %v", err)
		}
		sinceT = t
	case rangeName != "":
		d, ok := rangePresets[rangeName]
		if !ok {
			return time.Time{}, time.Time{}, apierr.BadRequest(
				"Invalid range '%s'. Supported: last_1h, last_24h, last_7d, last_30d", rangeName)
		}
		sinceT = now.Add(-d)
	default:
		sinceT = now.Add(-rangePresets[defaultRange])
	}

	untilT := now
	if until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return time.Time{}, time.Time{}, apierr.BadRequest("Invalid 'until' timestamp: %v", err)
		}
		untilT = t
	}

	return sinceT.UTC(), untilT.UTC(), nil
}

// validateModelFilter checks the filter against configured models first,
// then the request log, and 404s when neither knows the name.
func (g *Gateway) validateModelFilter(ctx *fasthttp.RequestCtx, model string) error {
	if model == "" {
		return nil
	}
	for i := range g.cfg.Providers {
		for _, m := range g.cfg.Providers[i].Models {
			if strings.EqualFold(m, model) {
				return nil
			}
		}
	}
	seen, err := g.store.ModelSeen(ctx, model)
	if err != nil {
		return apierr.Internal(err)
	}
	if !seen {
		return apierr.NotFound("Model '%s' not found", model)
	}
	return nil
}

// validateProviderFilter mirrors validateModelFilter for provider names.
func (g *Gateway) validateProviderFilter(ctx *fasthttp.RequestCtx, provider string) error {
	if provider == "" {
		return nil
	}
	for i := range g.cfg.Providers {
		if strings.EqualFold(g.cfg.Providers[i].Name, provider) {
			return nil
		}
	}
	seen, err := g.store.ProviderSeen(ctx, provider)
	if err != nil {
		return apierr.Internal(err)
	}
	if !seen {
		return apierr.NotFound("Provider '%s' not found", provider)
	}
	return nil
}

type (
	statsCounts struct {
		Total     int64 `json:"total"`
		Success   int64 `json:"success"`
		Error     int64 `json:"error"`
		Streaming int64 `json:"streaming"`
	}
	statsCosts struct {
		TotalCostSats     float64 `json:"total_cost_sats"`
		TotalInputTokens  int64   `json:"total_input_tokens"`
		TotalOutputTokens int64   `json:"total_output_tokens"`
	}
	statsPerformance struct {
		AvgLatencyMs float64 `json:"avg_latency_ms"`
	}

	// statsSections groups the three aggregate blocks shared by the
	// top-level response and each per-model entry.
	statsSections struct {
		Counts      statsCounts      `json:"counts"`
		Costs       statsCosts       `json:"costs"`
		Performance statsPerformance `json:"performance"`
	}

	statsResponse struct {
		Since   string `json:"since"`
		Until   string `json:"until"`
		Empty   bool   `json:"empty,omitempty"`
		Message string `json:"message,omitempty"`
		statsSections
		Models map[string]statsSections `json:"models,omitempty"`
	}
)

func sectionsFromAggregate(a storage.Aggregate) statsSections {
	return statsSections{
		Counts: statsCounts{
			Total:     a.TotalRequests,
			Success:   a.SuccessCount,
			Error:     a.ErrorCount,
			Streaming: a.StreamingCount,
		},
		Costs: statsCosts{
			TotalCostSats:     a.TotalCostSats,
			TotalInputTokens:  int64(a.TotalInputTokens),
			TotalOutputTokens: int64(a.TotalOutputTokens),
		},
		Performance: statsPerformance{AvgLatencyMs: a.AvgLatencyMs},
	}
}

// handleStats serves GET /v1/stats.
func (g *Gateway) handleStats(ctx *fasthttp.RequestCtx) {
	if g.store == nil {
		g.writeError(ctx, apierr.Internal(errNoDatabase))
		return
	}
	q := ctx.QueryArgs()

	since, until, err := resolveTimeRange(
		string(q.Peek("range")), string(q.Peek("since")), string(q.Peek("until")), time.Now().UTC())
	if err != nil {
		g.writeError(ctx, err)
		return
	}

	groupBy := string(q.Peek("group_by"))
	if groupBy != "" && groupBy != "model" {
		g.writeError(ctx, apierr.BadRequest("Invalid group_by '%s'. Supported: model", groupBy))
		return
	}

	model := string(q.Peek("model"))
	provider := string(q.Peek("provider"))
	if err := g.validateModelFilter(ctx, model); err != nil {
		g.writeError(ctx, err)
		return
	}
	if err := g.validateProviderFilter(ctx, provider); err != nil {
		g.writeError(ctx, err)
		return
	}

	f := storage.Filter{Since: since, Until: until, Model: model, Provider: provider}

	agg, err := g.store.Aggregate(ctx, f)
	if err != nil {
		g.writeError(ctx, apierr.Internal(err))
		return
	}

	resp := statsResponse{
		Since:         since.Format(time.RFC3339),
		Until:         until.Format(time.RFC3339),
		statsSections: sectionsFromAggregate(agg),
	}
	if agg.TotalRequests == 0 {
		resp.Empty = true
		resp.Message = "No requests found in the selected time range"
	}

	if groupBy == "model" {
		rows, err := g.store.AggregateByModel(ctx, f)
		if err != nil {
			g.writeError(ctx, apierr.Internal(err))
			return
		}
		models := make(map[string]statsSections, len(rows))
		for _, r := range rows {
			models[r.Model] = sectionsFromAggregate(r.Aggregate)
		}
		// Configured models with no traffic still show up, zeroed.
		for _, m := range g.cfg.Models() {
			if _, ok := models[m]; !ok {
				models[m] = statsSections{}
			}
		}
		resp.Models = models
	}

	writeJSON(ctx, resp)
}

type (
	tokensSection struct {
		Input  *int64 `json:"input"`
		Output *int64 `json:"output"`
	}
	costSection struct {
		Sats *float64 `json:"sats"`
	}
	timingSection struct {
		LatencyMs        int64  `json:"latency_ms"`
		StreamDurationMs *int64 `json:"stream_duration_ms,omitempty"`
	}
	errorSection struct {
		Message string `json:"message"`
	}

	logEntry struct {
		ID             int64         `json:"id"`
		Timestamp      string        `json:"timestamp"`
		Model          string        `json:"model"`
		Provider       string        `json:"provider,omitempty"`
		Streaming      bool          `json:"streaming"`
		Success        bool          `json:"success"`
		Tokens         tokensSection `json:"tokens"`
		Cost           costSection   `json:"cost"`
		Timing         timingSection `json:"timing"`
		Error          *errorSection `json:"error,omitempty"`
		Retries        int64         `json:"retries"`
		ProvidersTried string        `json:"providers_tried,omitempty"`
	}

	logsResponse struct {
		Data       []logEntry `json:"data"`
		Page       int        `json:"page"`
		PerPage    int        `json:"per_page"`
		Total      int64      `json:"total"`
		TotalPages int64      `json:"total_pages"`
		Since      string     `json:"since"`
		Until      string     `json:"until"`
	}
)

// handleRequests serves GET /v1/requests, the paginated request log.
func (g *Gateway) handleRequests(ctx *fasthttp.RequestCtx) {
	if g.store == nil {
		g.writeError(ctx, apierr.Internal(errNoDatabase))
		return
	}
	q := ctx.QueryArgs()

	since, until, err := resolveTimeRange(
		string(q.Peek("range")), string(q.Peek("since")), string(q.Peek("until")), time.Now().UTC())
	if err != nil {
		g.writeError(ctx, err)
		return
	}

	model := string(q.Peek("model"))
	provider := string(q.Peek("provider"))
	if err := g.validateModelFilter(ctx, model); err != nil {
		g.writeError(ctx, err)
		return
	}
	if err := g.validateProviderFilter(ctx, provider); err != nil {
		g.writeError(ctx, err)
		return
	}

	f := storage.Filter{Since: since, Until: until, Model: model, Provider: provider}
	if f.Success, err = parseBoolParam(q, "success"); err != nil {
		g.writeError(ctx, err)
		return
	}
	if f.Streaming, err = parseBoolParam(q, "streaming"); err != nil {
		g.writeError(ctx, err)
		return
	}

	sortField := storage.SortTimestamp
	if s := string(q.Peek("sort")); s != "" {
		field, ok := storage.ParseSortField(s)
		if !ok {
			g.writeError(ctx, apierr.BadRequest(
				"Invalid sort field '%s'. Valid options: timestamp, cost_sats, latency_ms", s))
			return
		}
		sortField = field
	}
	sortDir := storage.SortDesc
	if s := string(q.Peek("order")); s != "" {
		dir, ok := storage.ParseSortDir(s)
		if !ok {
			g.writeError(ctx, apierr.BadRequest("Invalid sort order '%s'. Valid options: asc, desc", s))
			return
		}
		sortDir = dir
	}

	page, err := parseIntParam(q, "page", 1)
	if err != nil {
		g.writeError(ctx, err)
		return
	}
	if page < 1 {
		page = 1
	}
	perPage, err := parseIntParam(q, "per_page", 20)
	if err != nil {
		g.writeError(ctx, err)
		return
	}
	perPage = min(max(perPage, 1), 100)

	total, err := g.store.CountRequests(ctx, f)
	if err != nil {
		g.writeError(ctx, apierr.Internal(err))
		return
	}
	var totalPages int64
	if total > 0 {
		totalPages = (total + int64(perPage) - 1) / int64(perPage)
	}

	rows, err := g.store.ListRequests(ctx, f, sortField, sortDir, perPage, (page-1)*perPage)
	if err != nil {
		g.writeError(ctx, apierr.Internal(err))
		return
	}

	data := make([]logEntry, 0, len(rows))
	for _, r := range rows {
		e := logEntry{
			ID:             r.ID,
			Timestamp:      r.Timestamp,
			Model:          r.Model,
			Provider:       r.Provider,
			Streaming:      r.Streaming,
			Success:        r.Success,
			Tokens:         tokensSection{Input: r.InputTokens, Output: r.OutputTokens},
			Cost:           costSection{Sats: r.CostSats},
			Timing:         timingSection{LatencyMs: r.LatencyMs, StreamDurationMs: r.StreamDurationMs},
			Retries:        r.Retries,
			ProvidersTried: r.ProvidersTried,
		}
		if r.ErrorMessage != nil {
			e.Error = &errorSection{Message: *r.ErrorMessage}
		}
		data = append(data, e)
	}

	writeJSON(ctx, logsResponse{
		Data:       data,
		Page:       page,
		PerPage:    perPage,
		Total:      total,
		TotalPages: totalPages,
		Since:      since.Format(time.RFC3339),
		Until:      until.Format(time.RFC3339),
	})
}

// parseBoolParam reads an optional true/false query param.
func parseBoolParam(q *fasthttp.Args, name string) (*bool, error) {
	raw := string(q.Peek(name))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, apierr.BadRequest("Invalid '%s' value '%s'", name, raw)
	}
	return &v, nil
}

// parseIntParam reads an optional integer query param.
func parseIntParam(q *fasthttp.Args, name string, def int) (int, error) {
	raw := string(q.Peek(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apierr.BadRequest("Invalid '%s' value '%s'", name, raw)
	}
	return v, nil
}

type (
	modelObject struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	modelList struct {
		Object string        `json:"object"`
		Data   []modelObject `json:"data"`
	}
)

// handleModels serves GET /v1/models: the deduplicated union of every
// configured provider's models, in configuration order.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	seen := make(map[string]struct{})
	data := make([]modelObject, 0, len(g.cfg.Providers)*2)
	for i := range g.cfg.Providers {
		for _, m := range g.cfg.Providers[i].Models {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			data = append(data, modelObject{
				ID:      m,
				Object:  "model",
				Created: g.started.Unix(),
				OwnedBy: "routstr",
			})
		}
	}
	writeJSON(ctx, modelList{Object: "list", Data: data})
}

type (
	providerInfo struct {
		Name       string           `json:"name"`
		URL        string           `json:"url"`
		Models     []string         `json:"models"`
		InputRate  uint64           `json:"input_rate_sats_per_1k"`
		OutputRate uint64           `json:"output_rate_sats_per_1k"`
		BaseFee    uint64           `json:"base_fee_sats"`
		APIKey     string           `json:"api_key"`
		KeySource  config.KeySource `json:"key_source"`
	}
	providerList struct {
		Providers []providerInfo `json:"providers"`
	}
)

// handleProviders serves GET /providers. API keys appear only in masked
// form.
func (g *Gateway) handleProviders(ctx *fasthttp.RequestCtx) {
	out := make([]providerInfo, 0, len(g.cfg.Providers))
	for i := range g.cfg.Providers {
		p := &g.cfg.Providers[i]
		out = append(out, providerInfo{
			Name:       p.Name,
			URL:        p.URL,
			Models:     p.Models,
			InputRate:  p.InputRate,
			OutputRate: p.OutputRate,
			BaseFee:    p.BaseFee,
			APIKey:     p.APIKey.Masked(),
			KeySource:  p.KeySource,
		})
	}
	writeJSON(ctx, providerList{Providers: out})
}

type (
	healthProvider struct {
		State        string `json:"state"`
		FailureCount int    `json:"failure_count"`
	}
	healthResponse struct {
		Status    string                    `json:"status"`
		Version   string                    `json:"version,omitempty"`
		Providers map[string]healthProvider `json:"providers"`
	}
)

// handleHealth serves GET /health from the circuit registry snapshot.
// All breakers closed (or none configured) is ok; any open or half-open
// breaker degrades the status; only a full blackout reports unhealthy
// with a 503.
func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	snap := g.circuit.Snapshot()

	providers := make(map[string]healthProvider, len(snap))
	var closed, open int
	for name, b := range snap {
		providers[name] = healthProvider{
			State:        b.State.String(),
			FailureCount: b.FailureCount,
		}
		switch b.State {
		case CircuitClosed:
			closed++
		case CircuitOpen:
			open++
		}
	}

	status := "ok"
	code := fasthttp.StatusOK
	switch {
	case len(snap) == 0 || closed == len(snap):
		// ok
	case open == len(snap):
		status = "unhealthy"
		code = fasthttp.StatusServiceUnavailable
	default:
		status = "degraded"
	}

	ctx.SetStatusCode(code)
	writeJSON(ctx, healthResponse{
		Status:    status,
		Version:   g.version,
		Providers: providers,
	})
}
