package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"
)

// fakeGateway records every call in order.
type fakeGateway struct {
	mu      sync.Mutex
	calls   []string
	texts   []string
	history []Message
	histErr error
	contact *Contact
	sendErr error
	nextID  int
}

func (g *fakeGateway) record(call string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call)
}

func (g *fakeGateway) SendSeen(_ context.Context, _, messageID string) error {
	g.record("seen:" + messageID)
	return nil
}

func (g *fakeGateway) StartTyping(context.Context, string) error {
	g.record("typing")
	return nil
}

func (g *fakeGateway) StopTyping(context.Context, string) error {
	g.record("stop")
	return nil
}

func (g *fakeGateway) SendText(_ context.Context, _, text string) (string, error) {
	g.record("send")
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendErr != nil {
		return "", g.sendErr
	}
	g.texts = append(g.texts, text)
	g.nextID++
	return fmt.Sprintf("out-%d", g.nextID), nil
}

func (g *fakeGateway) GetMessages(context.Context, string, int) ([]Message, error) {
	return g.history, g.histErr
}

func (g *fakeGateway) GetContact(context.Context, string) (*Contact, error) {
	if g.contact == nil {
		return nil, errors.New("no contact")
	}
	return g.contact, nil
}

func (g *fakeGateway) sentTexts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.texts)
}

func (g *fakeGateway) callLog() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.calls)
}

func TestReplier_PartsInOrder(t *testing.T) {
	gw := &fakeGateway{}
	r := NewReplier(gw, "in-1", 0, nil)

	if err := r.SendText(t.Context(), "5511@c.us", "**Pronto!** • Gasto de R$ 10 registrado."); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := r.SendText(t.Context(), "5511@c.us", "Algo mais?"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	wantCalls := []string{
		"seen:in-1", "typing", "send", "stop",
		"typing", "send", "stop",
		"typing", "send", "stop",
	}
	if got := gw.callLog(); !slices.Equal(got, wantCalls) {
		t.Errorf("calls = %v, want %v", got, wantCalls)
	}
	wantTexts := []string{"*Pronto!*", "Gasto de R$ 10 registrado.", "Algo mais?"}
	if got := gw.sentTexts(); !slices.Equal(got, wantTexts) {
		t.Errorf("texts = %q, want %q", got, wantTexts)
	}
	if got := r.Sent(); !slices.Equal(got, []string{"out-1", "out-2", "out-3"}) {
		t.Errorf("Sent = %v", got)
	}
}

func TestReplier_NoReceiptWithoutMessage(t *testing.T) {
	gw := &fakeGateway{}
	r := NewReplier(gw, "", 0, nil)
	if err := r.SendText(t.Context(), "5511@c.us", "Lembrete"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if got := gw.callLog(); !slices.Equal(got, []string{"typing", "send", "stop"}) {
		t.Errorf("calls = %v", got)
	}
}

func TestReplier_SendFailureStopsTyping(t *testing.T) {
	gw := &fakeGateway{sendErr: errors.New("gateway down")}
	r := NewReplier(gw, "in-1", 0, nil)

	if err := r.SendText(t.Context(), "5511@c.us", "um • dois"); err == nil {
		t.Fatal("expected error")
	}
	want := []string{"seen:in-1", "typing", "send", "stop"}
	if got := gw.callLog(); !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestReplier_TypingDelayHonoursCancellation(t *testing.T) {
	gw := &fakeGateway{}
	r := NewReplier(gw, "in-1", time.Hour, nil)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	err := r.SendText(ctx, "5511@c.us", "Oi")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if len(gw.sentTexts()) != 0 {
		t.Error("nothing should be sent after cancellation")
	}
}
