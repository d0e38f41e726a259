package llm

import (
	"testing"
)

func TestMessageItems_NoAlias(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Content: "gastei 10 no almoço"},
		{Role: RoleAssistant, Content: "Registrado!"},
	}
	items := MessageItems(msgs)
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}
	msgs[0].Content = "changed"
	if items[0].Message.Content != "gastei 10 no almoço" {
		t.Errorf("item aliases input slice: %q", items[0].Message.Content)
	}
	if items[1].Result != nil {
		t.Error("message item has Result set")
	}
}

func TestResultItems(t *testing.T) {
	items := ResultItems([]ToolResult{
		{CallID: "call_1", Output: "success"},
		{CallID: "call_2", Output: "failure"},
	})
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}
	for i, want := range []string{"call_1", "call_2"} {
		if items[i].Result == nil || items[i].Result.CallID != want {
			t.Errorf("items[%d] = %+v, want call id %q", i, items[i], want)
		}
		if items[i].Message != nil {
			t.Errorf("items[%d] has Message set", i)
		}
	}
}

func TestResponse_ToolCalls(t *testing.T) {
	resp := &Response{Output: []Output{
		{Kind: OutputText, Text: "ok"},
		{Kind: OutputToolCall, Call: &ToolCall{ID: "a", Name: "cancel_transaction"}},
		{Kind: OutputToolCall},
		{Kind: OutputToolCall, Call: &ToolCall{ID: "b", Name: "upsert_goal"}},
	}}

	calls := resp.ToolCalls()
	if len(calls) != 2 {
		t.Fatalf("len(calls) = %d, want 2", len(calls))
	}
	if calls[0].ID != "a" || calls[1].ID != "b" {
		t.Errorf("calls out of order: %+v", calls)
	}
}
