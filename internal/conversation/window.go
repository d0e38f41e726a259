// Package conversation derives the slice of chat history replayed to
// the completion service on each turn.
//
// The completion service keeps its own server-side chain keyed by the
// last response id, so only the messages the user sent since the last
// assistant reply need to be replayed. A history without any assistant
// reply starts a fresh chain.
package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/financiia/marill/internal/llm"
)

// Role aliases the completion roles. SystemNote is the synthetic
// developer role used for date and goal-progress notes.
type Role = llm.Role

const (
	User       Role = llm.RoleUser
	Assistant  Role = llm.RoleAssistant
	SystemNote Role = llm.RoleDeveloper
)

// Message is one conversation message.
type Message = llm.Message

// Window is the computed replay slice for one turn.
type Window struct {
	Messages    []Message
	ShouldReset bool
}

// Build computes the window for history, which is ordered oldest first.
// The date note for now is appended before the scan and re-appended
// after slicing, so every window ends with exactly one current date note.
//
// Without any assistant message the whole history is returned and
// ShouldReset is set. Otherwise the messages strictly between the
// appended note and the most recent assistant message are kept, in
// chronological order.
func Build(history []Message, now time.Time) Window {
	note := DateNote(now)
	full := make([]Message, 0, len(history)+1)
	full = append(full, history...)
	full = append(full, note)

	k := -1
	for i := len(full) - 1; i >= 0; i-- {
		if full[i].Role == Assistant {
			k = i
			break
		}
	}
	if k < 0 {
		return Window{Messages: full, ShouldReset: true}
	}

	// Exclusive of both the assistant reply and the note just appended.
	between := make([]Message, 0, len(full)-k-2)
	between = append(between, full[k+1:len(full)-1]...)
	return Window{Messages: EnsureDateNote(between, now)}
}

// weekdays in pt-BR, indexed by time.Weekday.
var weekdays = [...]string{
	"domingo",
	"segunda-feira",
	"terça-feira",
	"quarta-feira",
	"quinta-feira",
	"sexta-feira",
	"sábado",
}

const datePrefix = "A data atual é "

// DateNote returns the synthetic current date note.
func DateNote(now time.Time) Message {
	return Message{
		Role: SystemNote,
		Content: fmt.Sprintf("%s*%s* e hoje é um dia de **%s**.",
			datePrefix, now.Format(time.RFC3339), weekdays[now.Weekday()]),
	}
}

// EnsureDateNote returns msgs ending in the date note for now. An
// existing trailing date note is replaced, never duplicated.
func EnsureDateNote(msgs []Message, now time.Time) []Message {
	out := make([]Message, 0, len(msgs)+1)
	for _, m := range msgs {
		if m.Role == SystemNote && strings.HasPrefix(m.Content, datePrefix) {
			continue
		}
		out = append(out, m)
	}
	return append(out, DateNote(now))
}

// ReplaceNote drops every system note containing marker and appends a
// fresh note with content.
func ReplaceNote(msgs []Message, marker, content string) []Message {
	out := make([]Message, 0, len(msgs)+1)
	for _, m := range msgs {
		if m.Role == SystemNote && strings.Contains(m.Content, marker) {
			continue
		}
		out = append(out, m)
	}
	return append(out, Message{Role: SystemNote, Content: content})
}

// Last returns the final n messages of msgs.
func Last(msgs []Message, n int) []Message {
	if n <= 0 {
		return nil
	}
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}

// HasAssistant reports whether msgs contains an assistant message.
func HasAssistant(msgs []Message) bool {
	for _, m := range msgs {
		if m.Role == Assistant {
			return true
		}
	}
	return false
}
