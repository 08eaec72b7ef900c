package entity

import "fmt"

// PipelineStage 阶段主数据（只读）
type PipelineStage struct {
	Stage     int    `json:"stage" gorm:"primaryKey;autoIncrement:false"`
	Code      string `json:"code" gorm:"size:8;not null;uniqueIndex"`
	Name      string `json:"name" gorm:"size:64;not null"`
	SortOrder int    `json:"sort_order" gorm:"not null;default:0"`
	Terminal  bool   `json:"terminal" gorm:"not null;default:false"`
}

func (PipelineStage) TableName() string {
	return "crm_pipeline_stages"
}

// Label returns e.g. "L5 Commercial Negotiation".
func (s PipelineStage) Label() string {
	return s.Code + " " + s.Name
}

// StageCode returns the L-code for a stage number.
func StageCode(stage int) string {
	return fmt.Sprintf("L%d", stage)
}

// DefaultStages 默认阶段列表，按顺序
func DefaultStages() []PipelineStage {
	return []PipelineStage{
		{Stage: StageProspect, Code: "L1", Name: "Prospect", SortOrder: 1},
		{Stage: StageQualification, Code: "L2", Name: "Qualification", SortOrder: 2},
		{Stage: StageProposal, Code: "L3", Name: "Proposal", SortOrder: 3},
		{Stage: StageTechnicalQualification, Code: "L4", Name: "Technical Qualification", SortOrder: 4},
		{Stage: StageCommercialNegotiation, Code: "L5", Name: "Commercial Negotiation", SortOrder: 5},
		{Stage: StageWon, Code: "L6", Name: "Won", SortOrder: 6, Terminal: true},
		{Stage: StageLost, Code: "L7", Name: "Lost", SortOrder: 7, Terminal: true},
		{Stage: StageDropped, Code: "L8", Name: "Dropped", SortOrder: 8, Terminal: true},
	}
}
