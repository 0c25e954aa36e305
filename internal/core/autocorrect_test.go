package core

import (
	"testing"
	"time"
)

func fixedCorrector(min float64) *Corrector {
	c := NewCorrector(min)
	c.now = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }
	return c
}

func failureFor(rule FieldRule, raw string) FieldFailure {
	_, f := CheckValue(rule, raw)
	if f == nil {
		return FieldFailure{Field: rule.Name, Value: raw}
	}
	return *f
}

func TestCorrector_Resolve(t *testing.T) {
	price := FieldRule{Name: "unit_price", Type: FieldDecimal}
	positivePrice := FieldRule{Name: "unit_price", Type: FieldDecimal, Min: Bound(0)}
	qty := FieldRule{Name: "quantity", Type: FieldInteger, Min: Bound(0)}
	date := FieldRule{Name: "movement_date", Type: FieldDate}
	unit := FieldRule{Name: "unit", Type: FieldEnum, EnumValues: []string{"unit", "kg", "box"}}
	email := FieldRule{Name: "email", Type: FieldEmail}
	percent := FieldRule{Name: "discount", Type: FieldDecimal, Max: Bound(100)}

	tests := []struct {
		name          string
		rule          FieldRule
		raw           string
		wantValue     string
		wantApplied   bool
		wantSuggested bool
		wantConf      float64
	}{
		{"currency symbol", price, "$12.50", "12.50", true, false, 0.95},
		{"decimal comma", price, "12,50", "12.50", true, false, 0.9},
		{"european grouping", price, "1.234,56", "1234.56", true, false, 0.85},
		{"ambiguous comma", price, "1,234", "1234", false, true, 0.6},
		{"accounting negative", price, "(12.50)", "-12.50", true, false, 0.9},
		{"accounting negative out of range", positivePrice, "(12.50)", "", false, false, 0},
		{"no reading", price, "twelve", "", false, false, 0},
		{"zero fraction", qty, "5.0", "5", true, false, 0.9},
		{"rounded fraction", qty, "12.4", "12", false, true, 0.4},
		{"negative quantity", qty, "-5", "5", false, true, 0.5},
		{"slash date", date, "2024/03/15", "2024-03-15", true, false, 0.9},
		{"day first only", date, "25/12/2024", "2024-12-25", true, false, 0.9},
		{"two digit year", date, "12/25/24", "2024-12-25", true, false, 0.9},
		{"ambiguous day and month", date, "03/04/2024", "2024-03-04", false, true, 0.6},
		{"enum case", unit, "KG", "kg", true, false, 0.95},
		{"email case", email, "John@Example.com", "john@example.com", true, false, 0.95},
		{"entered in cents", percent, "4500", "45", false, true, 0.4},
	}

	c := fixedCorrector(DefaultMinConfidence)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := c.Resolve(tt.rule, failureFor(tt.rule, tt.raw))

			if res.Applied != tt.wantApplied || res.Suggested != tt.wantSuggested {
				t.Fatalf("Resolve(%q) applied = %v, suggested = %v, want %v, %v (correction %+v)",
					tt.raw, res.Applied, res.Suggested, tt.wantApplied, tt.wantSuggested, res.Correction)
			}
			if res.Correction.Value != tt.wantValue {
				t.Errorf("value = %q, want %q", res.Correction.Value, tt.wantValue)
			}
			if res.Correction.Confidence != tt.wantConf {
				t.Errorf("confidence = %v, want %v", res.Correction.Confidence, tt.wantConf)
			}
			if res.Applied && res.Value == nil {
				t.Error("applied resolution without a typed value")
			}
		})
	}
}

func TestCorrector_NeverResolvesNonFixableRules(t *testing.T) {
	c := NewCorrector(DefaultMinConfidence)
	rule := FieldRule{Name: "unit_price", Type: FieldDecimal}

	for _, kind := range []RuleKind{RuleRequired, RuleUniqueness, RuleReference} {
		res := c.Resolve(rule, FieldFailure{Field: "unit_price", Value: "12,50", Rule: kind})
		if res.Applied || res.Suggested {
			t.Errorf("%s failure resolved: %+v", kind, res)
		}
	}
}

func TestCorrector_Threshold(t *testing.T) {
	qty := FieldRule{Name: "quantity", Type: FieldInteger, Min: Bound(0)}

	if got := NewCorrector(0).MinConfidence(); got != DefaultMinConfidence {
		t.Errorf("NewCorrector(0) threshold = %v, want default", got)
	}
	if got := NewCorrector(1.5).MinConfidence(); got != DefaultMinConfidence {
		t.Errorf("NewCorrector(1.5) threshold = %v, want default", got)
	}

	res := NewCorrector(0.5).Resolve(qty, failureFor(qty, "-5"))
	if !res.Applied || res.Correction.Value != "5" {
		t.Errorf("with threshold 0.5, Resolve(-5) = %+v, want applied 5", res)
	}
}

func TestCorrector_EnumNearest(t *testing.T) {
	unit := FieldRule{Name: "unit", Type: FieldEnum, EnumValues: []string{"unit", "kg", "box"}}
	c := NewCorrector(DefaultMinConfidence)

	props := c.Propose(unit, failureFor(unit, "boxx"))
	if len(props) != 1 || props[0].Value != "box" {
		t.Fatalf("Propose(boxx) = %+v, want box", props)
	}
	if props[0].Confidence <= 0 || props[0].Confidence >= confEnumCase {
		t.Errorf("nearest enum confidence = %v, want below an exact case match", props[0].Confidence)
	}
}

func TestCorrector_ProposalsAreOrdered(t *testing.T) {
	date := FieldRule{Name: "movement_date", Type: FieldDate}
	props := fixedCorrector(DefaultMinConfidence).Propose(date, failureFor(date, "03/04/2024"))

	if len(props) != 2 {
		t.Fatalf("got %d proposals, want 2", len(props))
	}
	if props[0].Confidence < props[1].Confidence {
		t.Errorf("proposals not ordered by confidence: %+v", props)
	}
}
