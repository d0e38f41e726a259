package usage

import (
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
	ctx := t.Context()
	now := time.Now().UTC()

	recs := []Record{
		{Timestamp: now, UserID: "u1", TurnID: "t1", Agent: "router", Model: "gpt-4.1-nano", InputTokens: 100, OutputTokens: 10},
		{Timestamp: now, UserID: "u1", TurnID: "t1", Agent: "transaction_agent", Model: "gpt-4.1-nano", InputTokens: 900, OutputTokens: 90, TotalTokens: 990},
		{Timestamp: now, UserID: "u2", TurnID: "t2", Agent: "router", Model: "gpt-4.1-nano", InputTokens: 50, OutputTokens: 5},
	}
	for _, r := range recs {
		if err := s.Record(ctx, r); err != nil {
			t.Fatalf("Record() error: %v", err)
		}
	}

	sum, err := s.Summary(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Summary() error: %v", err)
	}
	if sum.TotalRecords != 3 {
		t.Errorf("TotalRecords = %d, want 3", sum.TotalRecords)
	}
	if sum.TotalTokens != 110+990+55 {
		t.Errorf("TotalTokens = %d, want %d", sum.TotalTokens, 110+990+55)
	}
}

func TestSummary_ExcludesOutOfRange(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()
	now := time.Now().UTC()

	if err := s.Record(ctx, Record{Timestamp: now.Add(-48 * time.Hour), Agent: "router", Model: "m", InputTokens: 1}); err != nil {
		t.Fatalf("Record() error: %v", err)
	}

	sum, err := s.Summary(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Summary() error: %v", err)
	}
	if sum.TotalRecords != 0 {
		t.Errorf("TotalRecords = %d, want 0", sum.TotalRecords)
	}
}

func TestSummaryByAgentAndUser(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()
	now := time.Now().UTC()

	for _, r := range []Record{
		{Timestamp: now, UserID: "u1", Agent: "router", Model: "m", TotalTokens: 10},
		{Timestamp: now, UserID: "u1", Agent: "goals_agent", Model: "m", TotalTokens: 40},
		{Timestamp: now, UserID: "u2", Agent: "router", Model: "m", TotalTokens: 7},
	} {
		if err := s.Record(ctx, r); err != nil {
			t.Fatalf("Record() error: %v", err)
		}
	}

	byAgent, err := s.SummaryByAgent(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("SummaryByAgent() error: %v", err)
	}
	if got := byAgent["router"]; got == nil || got.TotalTokens != 17 || got.TotalRecords != 2 {
		t.Errorf("router summary = %+v, want 17 tokens over 2 records", got)
	}

	byUser, err := s.SummaryByUser(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("SummaryByUser() error: %v", err)
	}
	if got := byUser["u1"]; got == nil || got.TotalTokens != 50 {
		t.Errorf("u1 summary = %+v, want 50 tokens", got)
	}
}
