package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Filter bounds a read query. Empty strings and nil pointers mean the
// corresponding column is not filtered. String matches are
// case-insensitive.
type Filter struct {
	Since     time.Time
	Until     time.Time
	Model     string
	Provider  string
	Success   *bool
	Streaming *bool
}

// where builds the shared WHERE clause and its bind arguments.
func (f Filter) where() (string, []any) {
	var sb strings.Builder
	sb.WriteString(" WHERE timestamp >= ? AND timestamp <= ?")
	args := []any{
		f.Since.UTC().Format(timeLayout),
		f.Until.UTC().Format(timeLayout),
	}

	if f.Model != "" {
		sb.WriteString(" AND LOWER(model) = LOWER(?)")
		args = append(args, f.Model)
	}
	if f.Provider != "" {
		sb.WriteString(" AND LOWER(provider) = LOWER(?)")
		args = append(args, f.Provider)
	}
	if f.Success != nil {
		sb.WriteString(" AND success = ?")
		args = append(args, *f.Success)
	}
	if f.Streaming != nil {
		sb.WriteString(" AND streaming = ?")
		args = append(args, *f.Streaming)
	}

	return sb.String(), args
}

// Aggregate is one window's rolled-up accounting. Token totals come back
// as floats because TOTAL() returns REAL; callers truncate for display.
type Aggregate struct {
	TotalRequests     int64
	TotalCostSats     float64
	TotalInputTokens  float64
	TotalOutputTokens float64
	AvgLatencyMs      float64
	SuccessCount      int64
	ErrorCount        int64
	StreamingCount    int64
}

// ModelAggregate is Aggregate grouped by model.
type ModelAggregate struct {
	Model string
	Aggregate
}

// aggregateColumns uses TOTAL() rather than SUM() so empty windows roll up
// to 0.0 instead of NULL.
const aggregateColumns = `
	COUNT(*),
	TOTAL(cost_sats),
	TOTAL(input_tokens),
	TOTAL(output_tokens),
	COALESCE(AVG(latency_ms), 0.0),
	COUNT(CASE WHEN success = 1 THEN 1 END),
	COUNT(CASE WHEN success = 0 THEN 1 END),
	COUNT(CASE WHEN streaming = 1 THEN 1 END)`

// Aggregate rolls up all requests matching the filter into one row.
func (s *Store) Aggregate(ctx context.Context, f Filter) (Aggregate, error) {
	where, args := f.where()

	var a Aggregate
	err := s.readDB.QueryRowContext(ctx, "SELECT"+aggregateColumns+" FROM requests"+where, args...).Scan(
		&a.TotalRequests,
		&a.TotalCostSats,
		&a.TotalInputTokens,
		&a.TotalOutputTokens,
		&a.AvgLatencyMs,
		&a.SuccessCount,
		&a.ErrorCount,
		&a.StreamingCount,
	)
	if err != nil {
		return Aggregate{}, fmt.Errorf("storage: aggregate: %w", err)
	}
	return a, nil
}

// AggregateByModel rolls up requests matching the filter, one row per
// model. The filter's Model field is ignored.
func (s *Store) AggregateByModel(ctx context.Context, f Filter) ([]ModelAggregate, error) {
	f.Model = ""
	where, args := f.where()

	rows, err := s.readDB.QueryContext(ctx,
		"SELECT model,"+aggregateColumns+" FROM requests"+where+" GROUP BY model", args...)
	if err != nil {
		return nil, fmt.Errorf("storage: aggregate by model: %w", err)
	}
	defer rows.Close()

	var out []ModelAggregate
	for rows.Next() {
		var m ModelAggregate
		if err := rows.Scan(
			&m.Model,
			&m.TotalRequests,
			&m.TotalCostSats,
			&m.TotalInputTokens,
			&m.TotalOutputTokens,
			&m.AvgLatencyMs,
			&m.SuccessCount,
			&m.ErrorCount,
			&m.StreamingCount,
		); err != nil {
			return nil, fmt.Errorf("storage: aggregate by model: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountRequests counts rows matching the filter.
func (s *Store) CountRequests(ctx context.Context, f Filter) (int64, error) {
	where, args := f.where()

	var n int64
	if err := s.readDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM requests"+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count requests: %w", err)
	}
	return n, nil
}

// SortField is a whitelisted ORDER BY column. Only these values ever reach
// the SQL text, so user input cannot be concatenated into the query.
type SortField string

// SortDir is a whitelisted ORDER BY direction.
type SortDir string

// Sort whitelists.
const (
	SortTimestamp SortField = "timestamp"
	SortCostSats  SortField = "cost_sats"
	SortLatencyMs SortField = "latency_ms"

	SortAsc  SortDir = "ASC"
	SortDesc SortDir = "DESC"
)

// ParseSortField maps a query-param value onto the whitelist.
func ParseSortField(s string) (SortField, bool) {
	switch s {
	case "timestamp":
		return SortTimestamp, true
	case "cost_sats":
		return SortCostSats, true
	case "latency_ms":
		return SortLatencyMs, true
	}
	return "", false
}

// ParseSortDir maps a query-param value onto the whitelist,
// case-insensitively.
func ParseSortDir(s string) (SortDir, bool) {
	switch strings.ToLower(s) {
	case "asc":
		return SortAsc, true
	case "desc":
		return SortDesc, true
	}
	return "", false
}

// RequestRecord is one row from the request log read path.
type RequestRecord struct {
	ID               int64
	Timestamp        string
	Model            string
	Provider         string
	Streaming        bool
	InputTokens      *int64
	OutputTokens     *int64
	CostSats         *float64
	LatencyMs        int64
	StreamDurationMs *int64
	Success          bool
	ErrorMessage     *string
	Retries          int64
	ProvidersTried   string
}

// ListRequests returns one page of request records.
func (s *Store) ListRequests(ctx context.Context, f Filter, sort SortField, dir SortDir, limit, offset int) ([]RequestRecord, error) {
	where, args := f.where()

	query := `SELECT id, timestamp, model, provider, streaming,
		input_tokens, output_tokens, cost_sats,
		latency_ms, stream_duration_ms, success, error_message,
		retries, providers_tried
		FROM requests` + where +
		fmt.Sprintf(" ORDER BY %s %s LIMIT ? OFFSET ?", sort, dir)
	args = append(args, limit, offset)

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list requests: %w", err)
	}
	defer rows.Close()

	var out []RequestRecord
	for rows.Next() {
		var (
			r        RequestRecord
			inTok    sql.NullInt64
			outTok   sql.NullInt64
			cost     sql.NullFloat64
			duration sql.NullInt64
			errMsg   sql.NullString
			tried    sql.NullString
		)
		if err := rows.Scan(
			&r.ID, &r.Timestamp, &r.Model, &r.Provider, &r.Streaming,
			&inTok, &outTok, &cost,
			&r.LatencyMs, &duration, &r.Success, &errMsg,
			&r.Retries, &tried,
		); err != nil {
			return nil, fmt.Errorf("storage: list requests: %w", err)
		}
		if inTok.Valid {
			r.InputTokens = &inTok.Int64
		}
		if outTok.Valid {
			r.OutputTokens = &outTok.Int64
		}
		if cost.Valid {
			r.CostSats = &cost.Float64
		}
		if duration.Valid {
			r.StreamDurationMs = &duration.Int64
		}
		if errMsg.Valid {
			r.ErrorMessage = &errMsg.String
		}
		r.ProvidersTried = tried.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// ModelSeen reports whether any logged request used the model,
// case-insensitively.
func (s *Store) ModelSeen(ctx context.Context, model string) (bool, error) {
	return s.seen(ctx, "SELECT COUNT(*) FROM requests WHERE LOWER(model) = LOWER(?)", model)
}

// ProviderSeen reports whether any logged request used the provider,
// case-insensitively.
func (s *Store) ProviderSeen(ctx context.Context, provider string) (bool, error) {
	return s.seen(ctx, "SELECT COUNT(*) FROM requests WHERE LOWER(provider) = LOWER(?)", provider)
}

func (s *Store) seen(ctx context.Context, query, value string) (bool, error) {
	var n int64
	if err := s.readDB.QueryRowContext(ctx, query, value).Scan(&n); err != nil {
		return false, fmt.Errorf("storage: existence probe: %w", err)
	}
	return n > 0, nil
}
