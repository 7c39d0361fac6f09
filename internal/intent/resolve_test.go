package intent_test

import (
	"testing"

	"github.com/tablemind/tablemind/intent-engine/internal/intent"
	"github.com/tablemind/tablemind/intent-engine/pkg/models"
)

func TestResolveConfidentSingleCandidate(t *testing.T) {
	hyp := intent.ResolveAmbiguity([]models.Intent{
		{Type: models.IntentSchedule, Confidence: 0.92},
	}, testPipeline())

	if hyp.IsAmbiguous {
		t.Error("single confident candidate flagged ambiguous")
	}
	if hyp.Primary.Type != models.IntentSchedule {
		t.Errorf("primary = %s, want SCHEDULE", hyp.Primary.Type)
	}
	if len(hyp.Alternates) != 0 {
		t.Errorf("alternates = %d, want 0", len(hyp.Alternates))
	}
}

func TestResolvePrimaryComesFromInput(t *testing.T) {
	in := []models.Intent{
		{Type: models.IntentSearch, Confidence: 0.4},
		{Type: models.IntentQuery, Confidence: 0.9},
		{Type: models.IntentAction, Confidence: 0.6},
	}
	hyp := intent.ResolveAmbiguity(in, testPipeline())

	if hyp.Primary.Type != models.IntentQuery {
		t.Errorf("primary = %s, want the highest-confidence candidate", hyp.Primary.Type)
	}
	if got := 1 + len(hyp.Alternates); got != len(in) {
		t.Errorf("resolver returned %d hypotheses from %d candidates", got, len(in))
	}
}

func TestResolveBelowThresholdIsAmbiguous(t *testing.T) {
	hyp := intent.ResolveAmbiguity([]models.Intent{
		{Type: models.IntentSearch, Confidence: 0.84},
	}, testPipeline())

	if !hyp.IsAmbiguous {
		t.Error("primary below the confident threshold must be ambiguous")
	}
}

func TestResolveNarrowGapIsAmbiguous(t *testing.T) {
	// Both candidates clear the confident threshold, but the gap is
	// inside the narrow-gap band.
	hyp := intent.ResolveAmbiguity([]models.Intent{
		{Type: models.IntentSchedule, Confidence: 0.95},
		{Type: models.IntentAction, Confidence: 0.90},
	}, testPipeline())

	if !hyp.IsAmbiguous {
		t.Error("contested top-two must be ambiguous even above the threshold")
	}
	if hyp.Primary.Type != models.IntentSchedule {
		t.Errorf("primary = %s, want SCHEDULE", hyp.Primary.Type)
	}
}

func TestResolveWideGapNotAmbiguous(t *testing.T) {
	hyp := intent.ResolveAmbiguity([]models.Intent{
		{Type: models.IntentSchedule, Confidence: 0.95},
		{Type: models.IntentQuery, Confidence: 0.3},
	}, testPipeline())

	if hyp.IsAmbiguous {
		t.Error("confident primary with a wide gap flagged ambiguous")
	}
}

func TestResolveTieBreakAvoidsPlanning(t *testing.T) {
	for _, ordered := range [][]models.Intent{
		{
			{Type: models.IntentPlanning, Confidence: 0.9},
			{Type: models.IntentSchedule, Confidence: 0.9},
		},
		{
			{Type: models.IntentSchedule, Confidence: 0.9},
			{Type: models.IntentPlanning, Confidence: 0.9},
		},
	} {
		hyp := intent.ResolveAmbiguity(ordered, testPipeline())
		if hyp.Primary.Type != models.IntentSchedule {
			t.Errorf("equal-confidence tie picked %s, want the non-PLANNING candidate", hyp.Primary.Type)
		}
		// An exact tie is by definition a narrow gap.
		if !hyp.IsAmbiguous {
			t.Error("exact tie must be ambiguous")
		}
	}
}

func TestResolveEmptyInputIsAmbiguous(t *testing.T) {
	hyp := intent.ResolveAmbiguity(nil, testPipeline())
	if !hyp.IsAmbiguous {
		t.Error("empty candidate set must resolve ambiguous")
	}
}
