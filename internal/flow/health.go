package flow

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/CareTriage/internal/models"
	"github.com/BTreeMap/CareTriage/internal/textnorm"
)

// Metric names stored in HealthMetric.Metric.
const (
	MetricBloodPressure = "blood_pressure"
	MetricGlucose       = "glucose"
	MetricHeartRate     = "heart_rate"
	MetricTemperature   = "temperature"
	MetricWeight        = "weight"
	MetricOxygen        = "oxygen_saturation"
)

var metricNames = map[string]string{
	MetricBloodPressure: "presión",
	MetricGlucose:       "glucosa",
	MetricHeartRate:     "pulso",
	MetricTemperature:   "temperatura",
	MetricWeight:        "peso",
	MetricOxygen:        "oxígeno",
}

type readingPattern struct {
	metric string
	unit   string
	re     *regexp.Regexp
}

// Patterns run on folded text (lowercase, no accents) so "presión" and "presion" both match.
var readingPatterns = []readingPattern{
	{MetricBloodPressure, "mmHg", regexp.MustCompile(`\b(?:presion|tension)\b[^\d]{0,25}(\d{2,3})\s*(?:/|sobre|-)\s*(\d{2,3})\b`)},
	{MetricGlucose, "mg/dL", regexp.MustCompile(`\b(?:glucosa|azucar|glucemia|glicemia)\b[^\d]{0,25}(\d{2,3}(?:[.,]\d+)?)\b`)},
	{MetricHeartRate, "lpm", regexp.MustCompile(`\b(?:pulso|pulsaciones|ritmo cardiaco|frecuencia cardiaca)\b[^\d]{0,25}(\d{2,3})\b`)},
	{MetricTemperature, "°C", regexp.MustCompile(`\b(?:temperatura|fiebre)\b[^\d]{0,25}(\d{2}(?:[.,]\d)?)\b`)},
	{MetricWeight, "kg", regexp.MustCompile(`\b(?:peso|pese)\b[^\d]{0,25}(\d{2,3}(?:[.,]\d+)?)\b`)},
	{MetricOxygen, "%", regexp.MustCompile(`\b(?:oxigeno|saturacion|saturo)\b[^\d]{0,25}(\d{2,3})\b`)},
}

// entityMetrics maps recognizer labels to metric names.
var entityMetrics = map[string]string{
	"BLOOD_PRESSURE": MetricBloodPressure, "PRESION": MetricBloodPressure,
	"GLUCOSE": MetricGlucose, "GLUCOSA": MetricGlucose,
	"HEART_RATE": MetricHeartRate, "PULSO": MetricHeartRate,
	"TEMPERATURE": MetricTemperature, "TEMPERATURA": MetricTemperature,
	"WEIGHT": MetricWeight, "PESO": MetricWeight,
	"OXYGEN": MetricOxygen, "OXIGENO": MetricOxygen,
}

var entityNumberRe = regexp.MustCompile(`\d+(?:[.,]\d+)?(?:\s*/\s*\d+)?`)

// ExtractReadings finds health readings in text. Entities labeled with a metric name are used
// first; the pattern scan fills in metrics the recognizer missed. At most one reading per metric.
func ExtractReadings(text string, entities []models.Entity, now time.Time) []models.HealthMetric {
	var out []models.HealthMetric
	seen := make(map[string]bool)

	for _, ent := range entities {
		metric, ok := entityMetrics[strings.ToUpper(ent.Label)]
		if !ok || seen[metric] {
			continue
		}
		raw := entityNumberRe.FindString(ent.Text)
		if raw == "" {
			continue
		}
		out = append(out, newReading(metric, unitFor(metric), strings.ReplaceAll(raw, " ", ""), now))
		seen[metric] = true
	}

	folded := textnorm.Fold(text)
	for _, p := range readingPatterns {
		if seen[p.metric] {
			continue
		}
		m := p.re.FindStringSubmatch(folded)
		if m == nil {
			continue
		}
		valueText := m[1]
		if p.metric == MetricBloodPressure {
			valueText = m[1] + "/" + m[2]
		}
		out = append(out, newReading(p.metric, p.unit, valueText, now))
		seen[p.metric] = true
	}
	return out
}

func newReading(metric, unit, valueText string, now time.Time) models.HealthMetric {
	r := models.HealthMetric{Metric: metric, Unit: unit, ValueText: valueText, MeasuredAt: now}
	// Blood pressure keeps the systolic value as the numeric reading.
	num := strings.SplitN(valueText, "/", 2)[0]
	if v, err := strconv.ParseFloat(strings.Replace(num, ",", ".", 1), 64); err == nil {
		r.Value = &v
	}
	return r
}

func unitFor(metric string) string {
	for _, p := range readingPatterns {
		if p.metric == metric {
			return p.unit
		}
	}
	return ""
}
