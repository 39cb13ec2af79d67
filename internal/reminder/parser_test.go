package reminder

import (
	"errors"
	"testing"
	"time"
)

// Monday 10 March 2025, 10:00 UTC.
var testRef = time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

func at(month time.Month, day, hour, minute int) time.Time {
	return time.Date(2025, month, day, hour, minute, 0, 0, time.UTC)
}

func TestSpanishParser_ParseDateTime(t *testing.T) {
	p := NewSpanishParser()

	tests := []struct {
		name      string
		expr      string
		ref       time.Time
		want      time.Time
		hasDate   bool
		hasClock  bool
		ambiguous bool
		past      bool
	}{
		{"pm later today", "a las 8pm", testRef, at(3, 10, 20, 0), false, true, false, false},
		{"pm already passed rolls to tomorrow", "a las 8pm", testRef.Add(11 * time.Hour), at(3, 11, 20, 0), false, true, false, false},
		{"morning period is not tomorrow", "a las 8 de la mañana", at(3, 10, 7, 0), at(3, 10, 8, 0), false, true, false, false},
		{"bare hour is ambiguous", "mañana a las 8", testRef, at(3, 11, 8, 0), true, true, true, false},
		{"explicit past today", "hoy a las 8am", testRef, at(3, 10, 8, 0), true, true, false, true},
		{"tonight", "esta noche a las 9", testRef, at(3, 10, 21, 0), true, true, false, false},
		{"noon two days out", "pasado mañana al mediodía", testRef, at(3, 12, 12, 0), true, true, false, false},
		{"midnight", "a medianoche", testRef, at(3, 11, 0, 0), false, true, false, false},
		{"relative hours", "en 2 horas", testRef, at(3, 10, 12, 0), false, true, false, false},
		{"relative half hour", "dentro de media hora", testRef, at(3, 10, 10, 30), false, true, false, false},
		{"weekday with word hour", "el viernes a las cinco de la tarde", testRef, at(3, 14, 17, 0), true, true, false, false},
		{"same weekday means next week", "el lunes", testRef, at(3, 17, 9, 0), true, false, true, false},
		{"month date", "el 15 de marzo a las 18:00", testRef, at(3, 15, 18, 0), true, true, false, false},
		{"iso date time", "2025-03-20 09:15", testRef, at(3, 20, 9, 15), true, true, false, false},
		{"day only uses default hour", "mañana", testRef, at(3, 11, 9, 0), true, false, true, false},
		{"today after default hour moves to next hour", "hoy", testRef, at(3, 10, 11, 0), true, false, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.ParseDateTime(tt.expr, tt.ref, time.UTC)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.At.Equal(tt.want) {
				t.Errorf("At = %v, want %v", got.At, tt.want)
			}
			if got.HasDate != tt.hasDate {
				t.Errorf("HasDate: expected %v, got %v", tt.hasDate, got.HasDate)
			}
			if got.HasClock != tt.hasClock {
				t.Errorf("HasClock: expected %v, got %v", tt.hasClock, got.HasClock)
			}
			if got.Ambiguous != tt.ambiguous {
				t.Errorf("Ambiguous: expected %v, got %v", tt.ambiguous, got.Ambiguous)
			}
			if got.Past != tt.past {
				t.Errorf("Past: expected %v, got %v", tt.past, got.Past)
			}
		})
	}
}

func TestSpanishParser_ExplicitYearInPast(t *testing.T) {
	got, err := NewSpanishParser().ParseDateTime("el 1 de marzo de 2024", testRef, time.UTC)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Past {
		t.Error("expected got.Past to hold")
	}
	if !got.At.Equal(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("expected %v, got %v", time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), got.At)
	}
}

func TestSpanishParser_Errors(t *testing.T) {
	p := NewSpanishParser()
	for _, expr := range []string{"a las 25", "cuando pueda", ""} {
		_, err := p.ParseDateTime(expr, testRef, time.UTC)
		if !errors.Is(err, ErrUnparseable) {
			t.Errorf("expr %q: got %v", expr, err)
		}
	}
}

func TestSpanishParser_DefaultHour(t *testing.T) {
	got, err := NewSpanishParser(WithDefaultHour(8)).ParseDateTime("mañana", testRef, time.UTC)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.At.Equal(at(3, 11, 8, 0)) {
		t.Errorf("expected %v, got %v", at(3, 11, 8, 0), got.At)
	}

	// Out-of-range hours are ignored.
	p := NewSpanishParser(WithDefaultHour(30))
	if p.defaultHour != DefaultReminderHour {
		t.Errorf("expected %v, got %v", DefaultReminderHour, p.defaultHour)
	}
}

func TestScanTemporal_PeriodDoesNotBecomeDay(t *testing.T) {
	spans := scanTemporal("recuérdamelo mañana a las 9 de la mañana")
	if len(spans) != 2 {
		t.Fatalf("expected %d items, got %d", 2, len(spans))
	}
	if spans[0].kind != kindDay {
		t.Errorf("expected %v, got %v", kindDay, spans[0].kind)
	}
	if spans[0].text != "mañana" {
		t.Errorf("expected %q, got %q", "mañana", spans[0].text)
	}
	if spans[1].kind != kindClock {
		t.Errorf("expected %v, got %v", kindClock, spans[1].kind)
	}
	if spans[1].text != "a las 9 de la mañana" {
		t.Errorf("expected %q, got %q", "a las 9 de la mañana", spans[1].text)
	}
}
