package flow

import (
	"math"
	"testing"
	"time"

	"github.com/BTreeMap/CareTriage/internal/models"
)

func TestExtractReadings(t *testing.T) {
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		text   string
		metric string
		value  float64
		text2  string
		unit   string
	}{
		{"blood pressure", "Mi presión es 120/80", MetricBloodPressure, 120, "120/80", "mmHg"},
		{"blood pressure spoken", "tengo la tensión en 140 sobre 90", MetricBloodPressure, 140, "140/90", "mmHg"},
		{"glucose", "el azúcar me salió en 110", MetricGlucose, 110, "110", "mg/dL"},
		{"temperature", "tengo fiebre, 38,5", MetricTemperature, 38.5, "38,5", "°C"},
		{"weight", "hoy peso 72.4 kilos", MetricWeight, 72.4, "72.4", "kg"},
		{"oxygen", "saturación 95", MetricOxygen, 95, "95", "%"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractReadings(tt.text, nil, now)
			if len(got) != 1 {
				t.Fatalf("expected %d items, got %d", 1, len(got))
			}
			if got[0].Metric != tt.metric {
				t.Errorf("expected %v, got %v", tt.metric, got[0].Metric)
			}
			if got[0].ValueText != tt.text2 {
				t.Errorf("expected %v, got %v", tt.text2, got[0].ValueText)
			}
			if got[0].Unit != tt.unit {
				t.Errorf("expected %v, got %v", tt.unit, got[0].Unit)
			}
			if got[0].Value == nil {
				t.Fatal("expected got[0].Value to be set")
			}
			if math.Abs(*got[0].Value-tt.value) > 0.001 {
				t.Errorf("expected %v, got %v", tt.value, *got[0].Value)
			}
			if got[0].MeasuredAt != now {
				t.Errorf("expected %v, got %v", now, got[0].MeasuredAt)
			}
		})
	}
}

func TestExtractReadings_EntitiesFirst(t *testing.T) {
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	entities := []models.Entity{{Label: "GLUCOSA", Text: "105 mg"}, {Label: "FECHA", Text: "hoy"}}

	got := ExtractReadings("la glucosa 98 y el pulso 70", entities, now)
	if len(got) != 2 {
		t.Fatalf("expected %d items, got %d", 2, len(got))
	}
	if got[0].Metric != MetricGlucose {
		t.Errorf("expected %v, got %v", MetricGlucose, got[0].Metric)
	}
	if got[0].ValueText != "105" {
		t.Errorf("expected %q, got %q", "105", got[0].ValueText)
	}
	if got[1].Metric != MetricHeartRate {
		t.Errorf("expected %v, got %v", MetricHeartRate, got[1].Metric)
	}
}

func TestExtractReadings_None(t *testing.T) {
	for _, text := range []string{"hoy me encuentro bien", "me tomé la presión"} {
		if got := ExtractReadings(text, nil, time.Now()); len(got) != 0 {
			t.Errorf("%q: expected no readings, got %v", text, got)
		}
	}
}
