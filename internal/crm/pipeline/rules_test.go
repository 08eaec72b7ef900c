package pipeline

import (
	"testing"

	"github.com/bitfantasy/nimo-crm/internal/crm/entity"
)

func TestLegalSuccessors(t *testing.T) {
	cases := map[int][]int{
		1: {2},
		2: {3},
		3: {4},
		4: {5},
		5: {6, 7},
		6: {},
		7: {},
		8: {},
		0: {},
		9: {},
	}
	for stage, want := range cases {
		got := LegalSuccessors(stage)
		if len(got) != len(want) {
			t.Fatalf("stage %d: expected %v, got %v", stage, want, got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("stage %d: expected %v, got %v", stage, want, got)
			}
		}
	}
	if IsLegalTransition(entity.StageCommercialNegotiation, entity.StageDropped) {
		t.Fatal("5 -> 8 must not be a manual transition")
	}
}

func TestLegalSuccessorsReturnsCopy(t *testing.T) {
	got := LegalSuccessors(entity.StageCommercialNegotiation)
	got[0] = entity.StageDropped
	if !IsLegalTransition(entity.StageCommercialNegotiation, entity.StageWon) {
		t.Fatal("mutating the returned slice changed the transition table")
	}
}

func TestDecodeStageData(t *testing.T) {
	data, err := DecodeStageData(entity.StageCommercialNegotiation, map[string]interface{}{
		"decision":      "WON",
		"updated_price": "1000.10",
		"margin":        0.2,
		"overhead":      50,
		"po_number":     "PO-1",
		"po_date":       "2026-04-01T10:00:00Z",
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	missing, err := data.Validate(entity.StageWon)
	if err != nil || len(missing) != 0 {
		t.Fatalf("expected valid won data, got %v %v", missing, err)
	}

	if _, err := DecodeStageData(entity.StageWon, nil); err == nil {
		t.Fatal("terminal stages have no outgoing stage data")
	}

	_, err = DecodeStageData(entity.StageQualification, map[string]interface{}{"qualification_scorecard": "high"})
	if err == nil || KindOf(err) != KindInvalidStageData {
		t.Fatalf("expected invalid stage data, got %v", err)
	}
}

func TestStage5MissingDecisionUsesTarget(t *testing.T) {
	d := &Stage5Data{}
	missing, err := d.Validate(entity.StageLost)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	want := map[string]bool{"decision": true, "updated_price": true, "margin": true, "overhead": true, "lost_reason": true}
	if len(missing) != len(want) {
		t.Fatalf("expected %d missing, got %v", len(want), missing)
	}
	for _, f := range missing {
		if !want[f] {
			t.Fatalf("unexpected missing field %s", f)
		}
	}
}

func TestBlankValuesCountAsMissing(t *testing.T) {
	d := &Stage1Data{RegionID: "  ", ProductInterest: "x", AssignedReps: []string{" "}, LeadOwnerID: "u"}
	missing, _ := d.Validate(entity.StageQualification)
	if len(missing) != 2 || missing[0] != "region_id" || missing[1] != "assigned_reps" {
		t.Fatalf("unexpected missing %v", missing)
	}
}
