package storage

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(context.Background(), path, discardLogger())
	if err != nil {
		t.Fatalf("Open(%s): %v", path, err)
	}
	return s
}

func i64(v int64) *int64       { return &v }
func f64(v float64) *float64   { return &v }
func strPtr(s string) *string  { return &s }
func boolPtr(b bool) *bool     { return &b }

var testBase = time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

// testWindow covers all rows written by the fixtures.
func testWindow() Filter {
	return Filter{Since: testBase.Add(-time.Hour), Until: testBase.Add(time.Hour)}
}

// seedRows drains a fixture set into the database and closes the writer so
// reads see everything.
func seedRows(t *testing.T, path string, rows []RequestRow) {
	t.Helper()
	s := openTestStore(t, path)
	for _, r := range rows {
		s.InsertRequest(r)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func fixtureRows() []RequestRow {
	return []RequestRow{
		{
			CorrelationID: "c1", Timestamp: testBase, Model: "gpt-large", Provider: "alpha",
			Policy:      strPtr("budget"),
			InputTokens: i64(100), OutputTokens: i64(200), CostSats: f64(1.5),
			LatencyMs: 100, Success: true, Retries: 0, ProvidersTried: "alpha",
		},
		{
			CorrelationID: "c2", Timestamp: testBase.Add(time.Minute), Model: "gpt-large", Provider: "beta",
			InputTokens: i64(50), OutputTokens: i64(100), CostSats: f64(2.5),
			LatencyMs: 200, Success: true, Retries: 3, ProvidersTried: "alpha,beta",
		},
		{
			CorrelationID: "c3", Timestamp: testBase.Add(2 * time.Minute), Model: "gpt-small", Provider: "alpha",
			LatencyMs: 300, Success: false, ErrorMessage: strPtr("upstream returned 502"),
			Retries: 5, ProvidersTried: "alpha,beta",
		},
		{
			CorrelationID: "c4", Timestamp: testBase.Add(3 * time.Minute), Model: "gpt-small", Provider: "beta",
			Streaming:   true,
			InputTokens: i64(10), OutputTokens: i64(20), CostSats: f64(4.0),
			LatencyMs: 40, Success: true, ProvidersTried: "beta",
		},
	}
}

func TestOpenAndMigrateIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arbstr.db")

	s := openTestStore(t, path)
	s.InsertRequest(RequestRow{
		CorrelationID: "c1", Timestamp: testBase, Model: "m", Provider: "p",
		LatencyMs: 10, Success: true,
	})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen runs migrate again against the existing schema.
	s2 := openTestStore(t, path)
	defer s2.Close()

	n, err := s2.CountRequests(context.Background(), testWindow())
	if err != nil {
		t.Fatalf("CountRequests: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1 (row must survive reopen)", n)
	}
}

func TestInsertAndListRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arbstr.db")
	seedRows(t, path, fixtureRows())

	s := openTestStore(t, path)
	defer s.Close()

	recs, err := s.ListRequests(context.Background(), testWindow(), SortTimestamp, SortDesc, 100, 0)
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(recs) != 4 {
		t.Fatalf("got %d records", len(recs))
	}

	// Newest first.
	if recs[0].Model != "gpt-small" || !recs[0].Streaming {
		t.Errorf("first record = %+v, want the streaming gpt-small row", recs[0])
	}

	// Full row keeps its values.
	last := recs[3]
	if last.Provider != "alpha" || last.LatencyMs != 100 {
		t.Errorf("oldest record = %+v", last)
	}
	if last.InputTokens == nil || *last.InputTokens != 100 {
		t.Errorf("input tokens = %v", last.InputTokens)
	}
	if last.CostSats == nil || *last.CostSats != 1.5 {
		t.Errorf("cost = %v", last.CostSats)
	}
	if last.ErrorMessage != nil {
		t.Errorf("unexpected error message %q", *last.ErrorMessage)
	}

	// Error row keeps its message and null accounting.
	errRec := recs[1]
	if errRec.Success || errRec.ErrorMessage == nil || *errRec.ErrorMessage != "upstream returned 502" {
		t.Errorf("error record = %+v", errRec)
	}
	if errRec.InputTokens != nil || errRec.CostSats != nil {
		t.Errorf("error record should have null accounting: %+v", errRec)
	}
	if errRec.Retries != 5 || errRec.ProvidersTried != "alpha,beta" {
		t.Errorf("retry accounting = %d/%s", errRec.Retries, errRec.ProvidersTried)
	}
}

func TestUpdateCompletesStreamingRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arbstr.db")

	s := openTestStore(t, path)
	s.InsertRequest(RequestRow{
		CorrelationID: "stream-1", Timestamp: testBase, Model: "gpt-large", Provider: "alpha",
		Streaming: true, LatencyMs: 80, Success: false, ProvidersTried: "alpha",
	})
	s.UpdateUsage(UsageUpdate{
		CorrelationID: "stream-1",
		InputTokens:   i64(12), OutputTokens: i64(34), CostSats: f64(1.18),
		StreamDurationMs: 2_500, Success: true,
	})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2 := openTestStore(t, path)
	defer s2.Close()

	recs, err := s2.ListRequests(context.Background(), testWindow(), SortTimestamp, SortDesc, 10, 0)
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records", len(recs))
	}
	r := recs[0]
	if !r.Success {
		t.Error("update did not flip success")
	}
	if r.OutputTokens == nil || *r.OutputTokens != 34 {
		t.Errorf("output tokens = %v", r.OutputTokens)
	}
	if r.CostSats == nil || *r.CostSats != 1.18 {
		t.Errorf("cost = %v", r.CostSats)
	}
	if r.StreamDurationMs == nil || *r.StreamDurationMs != 2_500 {
		t.Errorf("stream duration = %v", r.StreamDurationMs)
	}
	// The TTFB latency from the insert is untouched.
	if r.LatencyMs != 80 {
		t.Errorf("latency = %d, want 80", r.LatencyMs)
	}
}

func TestUpdateWithoutInsertIsHarmless(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arbstr.db")

	s := openTestStore(t, path)
	s.UpdateUsage(UsageUpdate{CorrelationID: "ghost", Success: true})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2 := openTestStore(t, path)
	defer s2.Close()
	n, err := s2.CountRequests(context.Background(), testWindow())
	if err != nil {
		t.Fatalf("CountRequests: %v", err)
	}
	if n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
}

func TestAggregateTotals(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arbstr.db")
	seedRows(t, path, fixtureRows())

	s := openTestStore(t, path)
	defer s.Close()

	a, err := s.Aggregate(context.Background(), testWindow())
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}

	if a.TotalRequests != 4 || a.SuccessCount != 3 || a.ErrorCount != 1 || a.StreamingCount != 1 {
		t.Errorf("counts = %+v", a)
	}
	if a.TotalCostSats != 8.0 {
		t.Errorf("total cost = %v, want 8.0", a.TotalCostSats)
	}
	if a.TotalInputTokens != 160 || a.TotalOutputTokens != 320 {
		t.Errorf("token totals = %v/%v", a.TotalInputTokens, a.TotalOutputTokens)
	}
	if a.AvgLatencyMs != 160.0 {
		t.Errorf("avg latency = %v, want 160.0", a.AvgLatencyMs)
	}
}

func TestAggregateEmptyWindowIsZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arbstr.db")
	seedRows(t, path, fixtureRows())

	s := openTestStore(t, path)
	defer s.Close()

	// A window before any traffic.
	f := Filter{Since: testBase.Add(-48 * time.Hour), Until: testBase.Add(-24 * time.Hour)}
	a, err := s.Aggregate(context.Background(), f)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if a.TotalRequests != 0 || a.TotalCostSats != 0.0 || a.AvgLatencyMs != 0.0 {
		t.Errorf("empty window aggregate = %+v, want zeros", a)
	}
}

func TestAggregateFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arbstr.db")
	seedRows(t, path, fixtureRows())

	s := openTestStore(t, path)
	defer s.Close()
	ctx := context.Background()

	// Model filter is case-insensitive.
	f := testWindow()
	f.Model = "GPT-LARGE"
	a, err := s.Aggregate(ctx, f)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if a.TotalRequests != 2 || a.TotalCostSats != 4.0 {
		t.Errorf("model filter aggregate = %+v", a)
	}

	f = testWindow()
	f.Provider = "beta"
	if a, err = s.Aggregate(ctx, f); err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if a.TotalRequests != 2 {
		t.Errorf("provider filter total = %d, want 2", a.TotalRequests)
	}

	f = testWindow()
	f.Success = boolPtr(false)
	if a, err = s.Aggregate(ctx, f); err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if a.TotalRequests != 1 || a.ErrorCount != 1 {
		t.Errorf("success filter aggregate = %+v", a)
	}

	f = testWindow()
	f.Streaming = boolPtr(true)
	if a, err = s.Aggregate(ctx, f); err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if a.TotalRequests != 1 || a.StreamingCount != 1 {
		t.Errorf("streaming filter aggregate = %+v", a)
	}
}

func TestAggregateByModel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arbstr.db")
	seedRows(t, path, fixtureRows())

	s := openTestStore(t, path)
	defer s.Close()

	groups, err := s.AggregateByModel(context.Background(), testWindow())
	if err != nil {
		t.Fatalf("AggregateByModel: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("got %d groups", len(groups))
	}

	byModel := make(map[string]ModelAggregate, len(groups))
	for _, g := range groups {
		byModel[g.Model] = g
	}
	if g := byModel["gpt-large"]; g.TotalRequests != 2 || g.TotalCostSats != 4.0 {
		t.Errorf("gpt-large = %+v", g)
	}
	if g := byModel["gpt-small"]; g.TotalRequests != 2 || g.ErrorCount != 1 || g.StreamingCount != 1 {
		t.Errorf("gpt-small = %+v", g)
	}
}

func TestListPaginationAndSort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arbstr.db")
	seedRows(t, path, fixtureRows())

	s := openTestStore(t, path)
	defer s.Close()
	ctx := context.Background()

	// Page 1 of 2-per-page, newest first.
	recs, err := s.ListRequests(ctx, testWindow(), SortTimestamp, SortDesc, 2, 0)
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("page 1 length = %d, want 2", len(recs))
	}
	if recs[0].Model != "gpt-small" || !recs[0].Streaming {
		t.Errorf("page 1 first = %+v, want the newest (streaming) row", recs[0])
	}

	// Offset past the end returns an empty page, not an error.
	recs, err = s.ListRequests(ctx, testWindow(), SortTimestamp, SortDesc, 2, 10)
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("out-of-range page = %+v, want empty", recs)
	}

	// Sorting by cost ascending puts the null-cost error row first
	// (SQLite sorts NULL before numbers) and the priciest row last.
	recs, err = s.ListRequests(ctx, testWindow(), SortCostSats, SortAsc, 10, 0)
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(recs) != 4 {
		t.Fatalf("got %d records", len(recs))
	}
	if recs[0].CostSats != nil {
		t.Errorf("first by cost asc should be the null-cost row, got %+v", recs[0])
	}
	if recs[3].CostSats == nil || *recs[3].CostSats != 4.0 {
		t.Errorf("last by cost asc = %+v", recs[3])
	}
}

func TestSortParsers(t *testing.T) {
	if f, ok := ParseSortField("cost_sats"); !ok || f != SortCostSats {
		t.Errorf("ParseSortField(cost_sats) = %v, %v", f, ok)
	}
	for _, bad := range []string{"id", "correlation_id", "timestamp; DROP TABLE requests", ""} {
		if _, ok := ParseSortField(bad); ok {
			t.Errorf("ParseSortField(%q) accepted", bad)
		}
	}

	if d, ok := ParseSortDir("DESC"); !ok || d != SortDesc {
		t.Errorf("ParseSortDir(DESC) = %v, %v", d, ok)
	}
	if d, ok := ParseSortDir("asc"); !ok || d != SortAsc {
		t.Errorf("ParseSortDir(asc) = %v, %v", d, ok)
	}
	if _, ok := ParseSortDir("up"); ok {
		t.Error("ParseSortDir(up) accepted")
	}
}

func TestSeenProbes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arbstr.db")
	seedRows(t, path, fixtureRows())

	s := openTestStore(t, path)
	defer s.Close()
	ctx := context.Background()

	if ok, err := s.ModelSeen(ctx, "GPT-Small"); err != nil || !ok {
		t.Errorf("ModelSeen(GPT-Small) = %v, %v", ok, err)
	}
	if ok, err := s.ModelSeen(ctx, "claude-nonexistent"); err != nil || ok {
		t.Errorf("ModelSeen(claude-nonexistent) = %v, %v", ok, err)
	}
	if ok, err := s.ProviderSeen(ctx, "ALPHA"); err != nil || !ok {
		t.Errorf("ProviderSeen(ALPHA) = %v, %v", ok, err)
	}
	if ok, err := s.ProviderSeen(ctx, "gamma"); err != nil || ok {
		t.Errorf("ProviderSeen(gamma) = %v, %v", ok, err)
	}
}

func TestTimeLayoutOrdersLexicographically(t *testing.T) {
	times := []time.Time{
		testBase,
		testBase.Add(250 * time.Millisecond),
		testBase.Add(500 * time.Millisecond),
		testBase.Add(time.Second),
		testBase.Add(time.Minute),
	}

	formatted := make([]string, len(times))
	for i, ts := range times {
		formatted[i] = ts.UTC().Format(timeLayout)
	}

	if !sort.StringsAreSorted(formatted) {
		t.Errorf("timestamps do not sort chronologically as strings: %v", formatted)
	}
}
