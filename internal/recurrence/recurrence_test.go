package recurrence

import (
	"testing"
	"time"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

func ptr(v time.Time) *time.Time { return &v }

func TestFirstOccurrence_NilRequest(t *testing.T) {
	for _, f := range []Frequency{Daily, Weekly, Monthly, Yearly} {
		if got := FirstOccurrence(nil, f, time.Now()); got != nil {
			t.Errorf("FirstOccurrence(nil, %s) = %v, want nil", f, got)
		}
	}
}

func TestFirstOccurrence(t *testing.T) {
	tests := []struct {
		name      string
		requested string
		freq      Frequency
		now       string
		want      string // empty means nil
	}{
		{
			name:      "monthly future keeps date and normalizes hour",
			requested: "2025-01-31T10:00:00Z",
			freq:      Monthly,
			now:       "2025-01-01T00:00:00Z",
			want:      "2025-01-31T15:00:00Z",
		},
		{
			name:      "daily keeps clock time",
			requested: "2025-03-10T08:30:00Z",
			freq:      Daily,
			now:       "2025-03-01T00:00:00Z",
			want:      "2025-03-10T08:30:00Z",
		},
		{
			name:      "daily within a minute is now",
			requested: "2025-03-10T08:29:30Z",
			freq:      Daily,
			now:       "2025-03-10T08:30:00Z",
		},
		{
			name:      "monthly normalized instant within a minute is now",
			requested: "2025-03-10T02:00:00Z",
			freq:      Monthly,
			now:       "2025-03-10T15:00:45Z",
		},
		{
			name:      "daily past steps forward",
			requested: "2025-01-01T09:00:00Z",
			freq:      Daily,
			now:       "2025-01-03T10:00:00Z",
			want:      "2025-01-04T09:00:00Z",
		},
		{
			name:      "weekly past steps by seven days",
			requested: "2025-01-01T09:00:00Z",
			freq:      Weekly,
			now:       "2025-01-20T00:00:00Z",
			want:      "2025-01-22T15:00:00Z",
		},
		{
			name:      "monthly month-end clamps to february",
			requested: "2025-01-31T10:00:00Z",
			freq:      Monthly,
			now:       "2025-02-10T00:00:00Z",
			want:      "2025-02-28T15:00:00Z",
		},
		{
			name:      "monthly month-end leap year",
			requested: "2024-01-31T10:00:00Z",
			freq:      Monthly,
			now:       "2024-02-05T00:00:00Z",
			want:      "2024-02-29T15:00:00Z",
		},
		{
			name:      "monthly month-end returns to the 31st",
			requested: "2025-01-31T10:00:00Z",
			freq:      Monthly,
			now:       "2025-03-01T00:00:00Z",
			want:      "2025-03-31T15:00:00Z",
		},
		{
			name:      "yearly leap day in common year",
			requested: "2024-02-29T12:00:00Z",
			freq:      Yearly,
			now:       "2024-03-01T00:00:00Z",
			want:      "2025-02-28T15:00:00Z",
		},
		{
			name:      "yearly leap day returns in leap year",
			requested: "2024-02-29T12:00:00Z",
			freq:      Yearly,
			now:       "2027-03-01T00:00:00Z",
			want:      "2028-02-29T15:00:00Z",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FirstOccurrence(ptr(mustTime(t, tt.requested)), tt.freq, mustTime(t, tt.now))
			if tt.want == "" {
				if got != nil {
					t.Fatalf("FirstOccurrence() = %v, want nil", got)
				}
				return
			}
			if got == nil {
				t.Fatalf("FirstOccurrence() = nil, want %s", tt.want)
			}
			if want := mustTime(t, tt.want); !got.Equal(want) {
				t.Errorf("FirstOccurrence() = %v, want %v", got.UTC(), want)
			}
		})
	}
}

func TestFirstOccurrence_AlwaysFuture(t *testing.T) {
	now := mustTime(t, "2025-06-15T12:00:00Z")
	for _, f := range []Frequency{Daily, Weekly, Monthly, Yearly} {
		got := FirstOccurrence(ptr(mustTime(t, "2019-08-31T23:59:00Z")), f, now)
		if got == nil || !got.After(now) {
			t.Errorf("FirstOccurrence(%s) = %v, want instant after %v", f, got, now)
		}
	}
}

func TestNextOccurrence(t *testing.T) {
	tests := []struct {
		last string
		freq Frequency
		want string
	}{
		{"2025-01-31T15:00:00Z", Monthly, "2025-02-28T15:00:00Z"},
		{"2024-01-31T15:00:00Z", Monthly, "2024-02-29T15:00:00Z"},
		{"2025-12-15T15:00:00Z", Monthly, "2026-01-15T15:00:00Z"},
		{"2024-02-29T15:00:00Z", Yearly, "2025-02-28T15:00:00Z"},
		{"2025-03-10T08:30:00Z", Daily, "2025-03-11T08:30:00Z"},
		{"2025-03-10T15:00:00Z", Weekly, "2025-03-17T15:00:00Z"},
	}
	for _, tt := range tests {
		got := NextOccurrence(mustTime(t, tt.last), tt.freq)
		if want := mustTime(t, tt.want); !got.Equal(want) {
			t.Errorf("NextOccurrence(%s, %s) = %v, want %v", tt.last, tt.freq, got, want)
		}
	}
}

func TestAfter_NoMonthEndDrift(t *testing.T) {
	anchor := mustTime(t, "2025-01-31T15:00:00Z")
	feb := After(anchor, Monthly, anchor)
	if want := mustTime(t, "2025-02-28T15:00:00Z"); !feb.Equal(want) {
		t.Fatalf("After(anchor) = %v, want %v", feb, want)
	}
	mar := After(anchor, Monthly, feb)
	if want := mustTime(t, "2025-03-31T15:00:00Z"); !mar.Equal(want) {
		t.Errorf("After(feb) = %v, want %v", mar, want)
	}
}

func TestParseFrequency(t *testing.T) {
	tests := map[string]Frequency{
		"diária":  Daily,
		"Semanal": Weekly,
		"mensal":  Monthly,
		"anual":   Yearly,
		"monthly": Monthly,
	}
	for in, want := range tests {
		got, err := ParseFrequency(in)
		if err != nil {
			t.Errorf("ParseFrequency(%q) error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseFrequency(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := ParseFrequency("quinzenal"); err == nil {
		t.Error("ParseFrequency(quinzenal) should error")
	}
}

func TestFixedInterval(t *testing.T) {
	if d, ok := Weekly.FixedInterval(); !ok || d != 168*time.Hour {
		t.Errorf("Weekly.FixedInterval() = %v, %v", d, ok)
	}
	if _, ok := Monthly.FixedInterval(); ok {
		t.Error("Monthly should not have a fixed interval")
	}
}
