package whatsapp

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/financiia/marill/internal/agent"
	"github.com/financiia/marill/internal/ledger"
	"github.com/financiia/marill/internal/llm"
	"github.com/financiia/marill/internal/router"
	"github.com/financiia/marill/internal/session"
	"github.com/financiia/marill/internal/tools"
)

var quotedID = regexp.MustCompile(`ID: ([0-9A-Z]{8})`)

// scriptedModel stands in for the completion service. The router call
// always delegates to the transaction agent; agent calls register a
// lunch, cancel the transaction quoted in the input, or confirm the
// action results they are given.
type scriptedModel struct {
	mu       sync.Mutex
	requests []*llm.Request
	lastID   string
	n        int
}

func (m *scriptedModel) Respond(_ context.Context, req *llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	m.n++
	id := fmt.Sprintf("resp_%d", m.n)

	resp := &llm.Response{ID: id, TotalTokens: 10}
	switch {
	case req.ToolChoice == llm.ToolChoiceRequired:
		resp.Output = []llm.Output{toolCall("route", router.DelegateAction, `{"agent":"transaction_agent"}`)}
		return resp, nil
	case len(req.Input) > 0 && req.Input[0].Result != nil:
		resp.Output = []llm.Output{{Kind: llm.OutputText, Text: confirm(req.Input[0].Result.Output)}}
	default:
		out, err := m.act(req.Input)
		if err != nil {
			return nil, err
		}
		resp.Output = []llm.Output{out}
	}
	m.lastID = id
	return resp, nil
}

func (m *scriptedModel) act(input []llm.Item) (llm.Output, error) {
	for _, item := range input {
		if item.Message == nil || item.Message.Role != llm.RoleUser {
			continue
		}
		content := item.Message.Content
		switch {
		case strings.Contains(content, "almoço 42 reais"):
			args := fmt.Sprintf(`{"tipo":"despesa","valor":42,"categoria":"alimentação","data":%q,"descricao":"Almoço","recorrente":false}`,
				time.Now().UTC().Format(time.RFC3339))
			return toolCall("call_reg", "register_transaction", args), nil
		case strings.Contains(content, "cancela isso"):
			match := quotedID.FindStringSubmatch(content)
			if match == nil {
				return llm.Output{}, errors.New("no transaction id in the window")
			}
			return toolCall("call_cancel", "cancel_transaction", fmt.Sprintf(`{"id":%q}`, match[1])), nil
		}
	}
	return llm.Output{}, errors.New("unscripted input")
}

func (m *scriptedModel) agentRequests() []*llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*llm.Request
	for _, r := range m.requests {
		if r.ToolChoice != llm.ToolChoiceRequired {
			out = append(out, r)
		}
	}
	return out
}

func toolCall(id, name, args string) llm.Output {
	return llm.Output{Kind: llm.OutputToolCall, Call: &llm.ToolCall{ID: id, Name: name, Arguments: args}}
}

func confirm(output string) string {
	if output == "success" {
		return "Transação cancelada."
	}
	var t struct {
		ID    string  `json:"id"`
		Valor float64 `json:"valor"`
	}
	if err := json.Unmarshal([]byte(output), &t); err != nil || t.ID == "" {
		return "Não consegui registrar."
	}
	return fmt.Sprintf("Despesa registrada: R$ %.2f em alimentação (ID: %s)", t.Valor, t.ID)
}

// memorySessions keeps chain state between turns.
type memorySessions struct {
	mu       sync.Mutex
	sessions map[string]session.Session
}

func (s *memorySessions) Load(_ context.Context, userID string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[userID]
	return &sess, nil
}

func (s *memorySessions) Save(_ context.Context, userID string, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		s.sessions = make(map[string]session.Session)
	}
	s.sessions[userID] = *sess
	return nil
}

type turnHarness struct {
	gw    *fakeGateway
	model *scriptedModel
	store *ledger.Store
	user  *ledger.User
	b     *Bridge
}

func newTurnHarness(t *testing.T) *turnHarness {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := ledger.NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	user := &ledger.User{Phone: "5511999999999", ChatID: chat, Nickname: "Ana"}
	if err := store.CreateUser(t.Context(), user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	reg := tools.NewRegistry(nil)
	actions := ledger.NewActions(store, nil, nil)
	if err := actions.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	defs, err := agent.Definitions(reg, actions)
	if err != nil {
		t.Fatalf("Definitions: %v", err)
	}

	h := &turnHarness{gw: &fakeGateway{}, model: &scriptedModel{}, store: store, user: user}
	sessions := &memorySessions{}
	exec := agent.NewExecutor(h.model, sessions, agent.Config{Pacing: -1}, nil)
	rt := router.NewRouter(nil, h.model, exec, defs, router.Config{})
	h.b = NewBridge(BridgeConfig{
		Gateway:      h.gw,
		Accounts:     store,
		Router:       rt,
		Sessions:     sessions,
		HistoryLimit: 20,
	})
	return h
}

func (h *turnHarness) deliver(msg *Message) {
	msg.From = chat
	h.b.HandleEvent(context.Background(), &Event{Event: EventMessage, Payload: msg})
	h.b.Wait()
}

func TestTurn_RegisterThenCancel(t *testing.T) {
	h := newTurnHarness(t)

	h.deliver(&Message{ID: "in-1", Body: "almoço 42 reais", Timestamp: 100})

	sent := h.gw.sentTexts()
	if len(sent) != 1 {
		t.Fatalf("replies after register = %q, want exactly one", sent)
	}
	match := quotedID.FindStringSubmatch(sent[0])
	if match == nil || !strings.Contains(sent[0], "R$ 42.00") {
		t.Fatalf("confirmation = %q, want the id and R$ 42.00", sent[0])
	}
	txID := match[1]

	tx, err := h.store.Transaction(t.Context(), h.user.ID, txID)
	if err != nil {
		t.Fatalf("Transaction(%s): %v", txID, err)
	}
	if tx.Amount != 42 || tx.Category != "alimentação" || tx.Kind != ledger.Expense {
		t.Errorf("stored transaction = %+v", tx)
	}

	reqs := h.model.agentRequests()
	if len(reqs) != 2 {
		t.Fatalf("agent completion calls = %d, want 2", len(reqs))
	}
	if reqs[0].PreviousResponseID != "" {
		t.Errorf("first turn continued chain %q, want a fresh one", reqs[0].PreviousResponseID)
	}
	chainEnd := h.model.lastID

	h.gw.history = []Message{
		{ID: "in-1", Body: "almoço 42 reais", From: chat, Timestamp: 100},
		{ID: "out-1", Body: sent[0], FromMe: true, Timestamp: 101},
	}
	h.deliver(&Message{
		ID:        "in-2",
		Body:      "cancela isso",
		ReplyTo:   &ReplyTo{ID: "out-1", Body: sent[0]},
		Timestamp: 200,
	})

	sent = h.gw.sentTexts()
	if len(sent) != 2 || !strings.Contains(sent[1], "cancelada") {
		t.Fatalf("replies after cancel = %q, want one cancellation confirmation", sent)
	}
	if _, err := h.store.Transaction(t.Context(), h.user.ID, txID); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Transaction after cancel err = %v, want ErrNotFound", err)
	}

	reqs = h.model.agentRequests()
	if len(reqs) != 4 {
		t.Fatalf("agent completion calls = %d, want 4", len(reqs))
	}
	if got := reqs[2].PreviousResponseID; got != chainEnd {
		t.Errorf("second turn PreviousResponseID = %q, want %q", got, chainEnd)
	}
	for _, item := range reqs[2].Input {
		if item.Message != nil && item.Message.Role == llm.RoleAssistant {
			t.Errorf("window replayed assistant message %q", item.Message.Content)
		}
	}
}

func TestTurn_FailedActionStillConfirms(t *testing.T) {
	h := newTurnHarness(t)
	h.gw.history = []Message{
		{ID: "out-0", Body: "Olá!", FromMe: true, Timestamp: 50},
	}

	h.deliver(&Message{
		ID:        "in-1",
		Body:      "cancela isso",
		ReplyTo:   &ReplyTo{ID: "out-0", Body: "Despesa registrada (ID: ZZZZZZZZ)"},
		Timestamp: 100,
	})

	reqs := h.model.agentRequests()
	if len(reqs) != 2 {
		t.Fatalf("agent completion calls = %d, want 2", len(reqs))
	}
	res := reqs[1].Input[0].Result
	if res == nil || res.CallID != "call_cancel" || res.Output != tools.FailureOutput {
		t.Errorf("result = %+v, want failure for call_cancel", res)
	}
	if sent := h.gw.sentTexts(); len(sent) != 1 {
		t.Errorf("replies = %q, want one", sent)
	}
}
