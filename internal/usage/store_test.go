package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "usage_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecord_And_Summary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	recs := []Record{
		{Timestamp: now, ResponseID: "r1", ConversationID: "c1", WorkspaceID: "ws1", AgentID: "agent-7", Credits: 2.5, Fragments: 2},
		{Timestamp: now, ResponseID: "r2", ConversationID: "c1", WorkspaceID: "ws1", AgentID: "agent-8", Credits: 1, Fragments: 1},
		{Timestamp: now, ResponseID: "r3", ConversationID: "c2", WorkspaceID: "ws2", AgentID: "agent-7", Credits: 4, Fragments: 3},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	start := now.Add(-1 * time.Minute)
	end := now.Add(1 * time.Minute)
	sum, err := s.Summary(ctx, start, end)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 3 {
		t.Errorf("TotalRecords = %d, want 3", sum.TotalRecords)
	}
	if sum.TotalCredits != 7.5 {
		t.Errorf("TotalCredits = %v, want 7.5", sum.TotalCredits)
	}
	if sum.TotalFragments != 6 {
		t.Errorf("TotalFragments = %d, want 6", sum.TotalFragments)
	}
}

func TestSummaryGrouped(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	day1 := time.Date(2026, 6, 14, 9, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)
	recs := []Record{
		{Timestamp: day1, ConversationID: "c1", WorkspaceID: "ws1", AgentID: "agent-7", Credits: 2, Fragments: 1},
		{Timestamp: day2, ConversationID: "c1", WorkspaceID: "ws1", AgentID: "agent-7", Credits: 3, Fragments: 1},
		{Timestamp: day2, ConversationID: "c2", WorkspaceID: "ws2", Credits: 5, Fragments: 2},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	start, end := day1.Add(-time.Hour), day2.Add(time.Hour)

	tests := []struct {
		name  string
		query func(ctx context.Context, start, end time.Time) (map[string]*Summary, error)
		want  map[string]float64
	}{
		{"by agent", s.SummaryByAgent, map[string]float64{"agent-7": 5, "": 5}},
		{"by workspace", s.SummaryByWorkspace, map[string]float64{"ws1": 5, "ws2": 5}},
		{"by day", s.SummaryByDay, map[string]float64{"2026-06-14": 2, "2026-06-15": 8}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.query(ctx, start, end)
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d groups, want %d: %v", len(got), len(tt.want), got)
			}
			for key, credits := range tt.want {
				sum, ok := got[key]
				if !ok {
					t.Errorf("missing group %q", key)
					continue
				}
				if sum.TotalCredits != credits {
					t.Errorf("group %q credits = %v, want %v", key, sum.TotalCredits, credits)
				}
			}
		})
	}
}

func TestQueryByPeriod_Filters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	recs := []Record{
		{Timestamp: base.Add(-2 * time.Hour), ConversationID: "old", Credits: 1.0},
		{Timestamp: base, ConversationID: "in-range", Credits: 2.0},
		{Timestamp: base.Add(2 * time.Hour), ConversationID: "future", Credits: 3.0},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	// Only "in-range" should match.
	sum, err := s.Summary(ctx, base.Add(-1*time.Minute), base.Add(1*time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 1 {
		t.Errorf("TotalRecords = %d, want 1 (only in-range)", sum.TotalRecords)
	}
	if sum.TotalCredits != 2.0 {
		t.Errorf("TotalCredits = %f, want 2.0", sum.TotalCredits)
	}
}

func TestSummary_EmptyDB(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	start := time.Now().Add(-24 * time.Hour)
	end := time.Now().Add(24 * time.Hour)
	sum, err := s.Summary(ctx, start, end)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum == nil {
		t.Fatal("Summary returned nil, want non-nil zero-value Summary")
	}
	if sum.TotalRecords != 0 || sum.TotalCredits != 0 {
		t.Errorf("Summary = %+v, want zero", sum)
	}

	byAgent, err := s.SummaryByAgent(ctx, start, end)
	if err != nil {
		t.Fatalf("SummaryByAgent: %v", err)
	}
	if byAgent == nil || len(byAgent) != 0 {
		t.Errorf("SummaryByAgent = %v, want empty map", byAgent)
	}
}

func TestRecord_AutoID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for range 2 {
		if err := s.Record(ctx, Record{ConversationID: "c", Credits: 1}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sum, err := s.Summary(ctx, time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 2 {
		t.Errorf("TotalRecords = %d, want 2", sum.TotalRecords)
	}
}

func TestNewStore_InvalidPath(t *testing.T) {
	_, err := NewStore("/nonexistent/path/usage.db")
	if err == nil {
		t.Error("NewStore() should fail for invalid path")
	}
}
