package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bitfantasy/nimo-crm/internal/crm/entity"
	"github.com/shopspring/decimal"
)

// Stage 5 decisions.
const (
	DecisionWon  = "won"
	DecisionLost = "lost"
)

// StageData is the typed payload required to leave one stage.
type StageData interface {
	// Stage is the stage this payload closes.
	Stage() int
	// Validate returns the JSON keys that are missing for a move to target.
	Validate(target int) ([]string, error)
	// Apply copies denormalised fields onto opp without overwriting existing values.
	Apply(opp *entity.Opportunity)
	// Summary is appended to the history notes.
	Summary() string
}

// Stage1Data Prospect -> Qualification
type Stage1Data struct {
	RegionID        string   `json:"region_id"`
	ProductInterest string   `json:"product_interest"`
	AssignedReps    []string `json:"assigned_reps"`
	LeadOwnerID     string   `json:"lead_owner_id"`
}

func (d *Stage1Data) Stage() int { return entity.StageProspect }

func (d *Stage1Data) Validate(int) ([]string, error) {
	var missing []string
	if blank(d.RegionID) {
		missing = append(missing, "region_id")
	}
	if blank(d.ProductInterest) {
		missing = append(missing, "product_interest")
	}
	if len(nonBlank(d.AssignedReps)) == 0 {
		missing = append(missing, "assigned_reps")
	}
	if blank(d.LeadOwnerID) {
		missing = append(missing, "lead_owner_id")
	}
	return missing, nil
}

func (d *Stage1Data) Apply(opp *entity.Opportunity) {
	if opp.RegionID == "" {
		opp.RegionID = strings.TrimSpace(d.RegionID)
	}
	if opp.LeadOwnerID == "" {
		opp.LeadOwnerID = strings.TrimSpace(d.LeadOwnerID)
	}
}

func (d *Stage1Data) Summary() string {
	return fmt.Sprintf("region=%s reps=%d", strings.TrimSpace(d.RegionID), len(nonBlank(d.AssignedReps)))
}

// Stage2Data Qualification -> Proposal (BANT)
type Stage2Data struct {
	QualificationScorecard map[string]interface{} `json:"qualification_scorecard"`
	Budget                 string                 `json:"budget"`
	Authority              string                 `json:"authority"`
	Need                   string                 `json:"need"`
	Timeline               string                 `json:"timeline"`
	QualificationStatus    string                 `json:"qualification_status"`
}

func (d *Stage2Data) Stage() int { return entity.StageQualification }

func (d *Stage2Data) Validate(int) ([]string, error) {
	var missing []string
	if len(d.QualificationScorecard) == 0 {
		missing = append(missing, "qualification_scorecard")
	}
	if blank(d.Budget) {
		missing = append(missing, "budget")
	}
	if blank(d.Authority) {
		missing = append(missing, "authority")
	}
	if blank(d.Need) {
		missing = append(missing, "need")
	}
	if blank(d.Timeline) {
		missing = append(missing, "timeline")
	}
	if blank(d.QualificationStatus) {
		missing = append(missing, "qualification_status")
	}
	return missing, nil
}

func (d *Stage2Data) Apply(*entity.Opportunity) {}

func (d *Stage2Data) Summary() string {
	return "qualification_status=" + strings.TrimSpace(d.QualificationStatus)
}

// Stage3Data Proposal -> Technical Qualification
type Stage3Data struct {
	ProposalDocuments     []string `json:"proposal_documents"`
	SubmissionDate        string   `json:"submission_date"`
	InternalStakeholderID string   `json:"internal_stakeholder_id"`
}

func (d *Stage3Data) Stage() int { return entity.StageProposal }

func (d *Stage3Data) Validate(int) ([]string, error) {
	var missing []string
	if len(nonBlank(d.ProposalDocuments)) == 0 {
		missing = append(missing, "proposal_documents")
	}
	if blank(d.SubmissionDate) {
		missing = append(missing, "submission_date")
	}
	if blank(d.InternalStakeholderID) {
		missing = append(missing, "internal_stakeholder_id")
	}
	if len(missing) > 0 {
		return missing, nil
	}
	if _, err := parseDate(d.SubmissionDate); err != nil {
		return nil, &InvalidStageDataError{Stage: d.Stage(), Field: "submission_date", Reason: err.Error()}
	}
	return nil, nil
}

func (d *Stage3Data) Apply(*entity.Opportunity) {}

func (d *Stage3Data) Summary() string {
	return fmt.Sprintf("documents=%d submitted=%s", len(nonBlank(d.ProposalDocuments)), strings.TrimSpace(d.SubmissionDate))
}

// Stage4Data Technical Qualification -> Commercial Negotiation
type Stage4Data struct {
	QuotationID string `json:"quotation_id"`
}

func (d *Stage4Data) Stage() int { return entity.StageTechnicalQualification }

func (d *Stage4Data) Validate(int) ([]string, error) {
	if blank(d.QuotationID) {
		return []string{"quotation_id"}, nil
	}
	return nil, nil
}

func (d *Stage4Data) Apply(opp *entity.Opportunity) {
	if opp.QuotationID == "" {
		opp.QuotationID = strings.TrimSpace(d.QuotationID)
	}
}

func (d *Stage4Data) Summary() string {
	return "quotation=" + strings.TrimSpace(d.QuotationID)
}

// Stage5Data Commercial Negotiation -> Won / Lost
type Stage5Data struct {
	Decision     string           `json:"decision"`
	UpdatedPrice *decimal.Decimal `json:"updated_price"`
	Margin       *decimal.Decimal `json:"margin"`
	Overhead     *decimal.Decimal `json:"overhead"`
	PONumber     string           `json:"po_number"`
	PODate       string           `json:"po_date"`
	LostReason   string           `json:"lost_reason"`
}

func (d *Stage5Data) Stage() int { return entity.StageCommercialNegotiation }

func (d *Stage5Data) Validate(target int) ([]string, error) {
	var missing []string
	decision := strings.ToLower(strings.TrimSpace(d.Decision))
	switch decision {
	case "":
		missing = append(missing, "decision")
		// 未填写决策时按目标阶段提示其余必填项
		decision = decisionForTarget(target)
	case DecisionWon, DecisionLost:
	default:
		return nil, &InvalidStageDataError{Stage: d.Stage(), Field: "decision", Reason: "must be \"won\" or \"lost\""}
	}
	if d.UpdatedPrice == nil {
		missing = append(missing, "updated_price")
	}
	if d.Margin == nil {
		missing = append(missing, "margin")
	}
	if d.Overhead == nil {
		missing = append(missing, "overhead")
	}
	switch decision {
	case DecisionWon:
		if blank(d.PONumber) {
			missing = append(missing, "po_number")
		}
		if blank(d.PODate) {
			missing = append(missing, "po_date")
		}
	case DecisionLost:
		if blank(d.LostReason) {
			missing = append(missing, "lost_reason")
		}
	}
	if len(missing) > 0 {
		return missing, nil
	}
	if want := decisionForTarget(target); want != "" && decision != want {
		return nil, &IllegalTransitionError{
			From:   d.Stage(),
			To:     target,
			Reason: fmt.Sprintf("decision %q does not lead to %s", decision, stageRef(target)),
		}
	}
	if decision == DecisionWon {
		if _, err := parseDate(d.PODate); err != nil {
			return nil, &InvalidStageDataError{Stage: d.Stage(), Field: "po_date", Reason: err.Error()}
		}
	}
	return nil, nil
}

func (d *Stage5Data) Apply(opp *entity.Opportunity) {
	if opp.FinalPrice == nil && d.UpdatedPrice != nil {
		v := *d.UpdatedPrice
		opp.FinalPrice = &v
	}
	if opp.Margin == nil && d.Margin != nil {
		v := *d.Margin
		opp.Margin = &v
	}
	if opp.Overhead == nil && d.Overhead != nil {
		v := *d.Overhead
		opp.Overhead = &v
	}
	switch strings.ToLower(strings.TrimSpace(d.Decision)) {
	case DecisionWon:
		if opp.PONumber == "" {
			opp.PONumber = strings.TrimSpace(d.PONumber)
		}
		if opp.PODate == nil {
			if t, err := parseDate(d.PODate); err == nil {
				opp.PODate = &t
			}
		}
	case DecisionLost:
		if opp.LostReason == "" {
			opp.LostReason = strings.TrimSpace(d.LostReason)
		}
	}
}

func (d *Stage5Data) Summary() string {
	decision := strings.ToLower(strings.TrimSpace(d.Decision))
	price := ""
	if d.UpdatedPrice != nil {
		price = d.UpdatedPrice.String()
	}
	if decision == DecisionWon {
		return fmt.Sprintf("decision=won price=%s po=%s", price, strings.TrimSpace(d.PONumber))
	}
	return fmt.Sprintf("decision=%s price=%s reason=%s", decision, price, strings.TrimSpace(d.LostReason))
}

// NewStageData returns an empty payload for leaving stage.
func NewStageData(stage int) (StageData, error) {
	switch stage {
	case entity.StageProspect:
		return &Stage1Data{}, nil
	case entity.StageQualification:
		return &Stage2Data{}, nil
	case entity.StageProposal:
		return &Stage3Data{}, nil
	case entity.StageTechnicalQualification:
		return &Stage4Data{}, nil
	case entity.StageCommercialNegotiation:
		return &Stage5Data{}, nil
	}
	return nil, fmt.Errorf("stage %d has no outgoing stage data", stage)
}

// DecodeStageData converts the loosely typed request body into the variant for stage.
func DecodeStageData(stage int, raw map[string]interface{}) (StageData, error) {
	data, err := NewStageData(stage)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return data, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, &InvalidStageDataError{Stage: stage, Field: "stage_data", Reason: err.Error()}
	}
	if err := json.Unmarshal(b, data); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, &InvalidStageDataError{
				Stage:  stage,
				Field:  typeErr.Field,
				Reason: fmt.Sprintf("expected %s, got %s", typeErr.Type.String(), typeErr.Value),
			}
		}
		return nil, &InvalidStageDataError{Stage: stage, Field: "stage_data", Reason: err.Error()}
	}
	return data, nil
}

// validateStageData decodes raw and runs the required-field checks for a move to target.
func validateStageData(stage, target int, raw map[string]interface{}) (StageData, error) {
	data, err := DecodeStageData(stage, raw)
	if err != nil {
		return nil, err
	}
	missing, err := data.Validate(target)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &MissingStageDataError{Stage: stage, Fields: missing}
	}
	return data, nil
}

var dateLayouts = []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04:05"}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q, expected YYYY-MM-DD", s)
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}

func nonBlank(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if !blank(it) {
			out = append(out, strings.TrimSpace(it))
		}
	}
	return out
}
