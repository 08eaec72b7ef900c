package entity

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// 商机阶段 L1-L8
const (
	StageProspect               = 1
	StageQualification          = 2
	StageProposal               = 3
	StageTechnicalQualification = 4
	StageCommercialNegotiation  = 5
	StageWon                    = 6
	StageLost                   = 7
	StageDropped                = 8
	MinStage                    = StageProspect
	MaxStage                    = StageDropped
)

// 商机状态，由阶段推导
const (
	StatusActive  = "Active"
	StatusWon     = "Won"
	StatusLost    = "Lost"
	StatusDropped = "Dropped"
)

// SystemActor 自动流转使用的操作人
const SystemActor = "system"

// StatusForStage 根据阶段计算状态
func StatusForStage(stage int) string {
	switch stage {
	case StageWon:
		return StatusWon
	case StageLost:
		return StatusLost
	case StageDropped:
		return StatusDropped
	default:
		return StatusActive
	}
}

// IsTerminalStage 是否为终态（赢单/丢单/放弃）
func IsTerminalStage(stage int) bool {
	return stage == StageWon || stage == StageLost || stage == StageDropped
}

// Opportunity 商机
type Opportunity struct {
	ID          string `json:"id" gorm:"primaryKey;size:36"`
	DisplayID   string `json:"display_id" gorm:"size:20;not null;uniqueIndex"`
	Title       string `json:"title" gorm:"size:200"`
	LeadID      string `json:"lead_id" gorm:"size:36;not null;index"`
	CompanyID   string `json:"company_id" gorm:"size:36;not null;index"`
	CompanyName string `json:"company_name" gorm:"size:200"`
	LeadOwnerID string `json:"lead_owner_id" gorm:"size:36;not null;index"`
	CurrencyID  string `json:"currency_id" gorm:"size:36"`

	CurrentStage   int       `json:"current_stage" gorm:"not null;default:1;index:idx_crm_opp_stage_entered"`
	Status         string    `json:"status" gorm:"size:20;not null;default:Active;index"`
	StageEnteredAt time.Time `json:"stage_entered_at" gorm:"not null;index:idx_crm_opp_stage_entered"`

	// 各阶段累积的数据，按阶段编码（L1..L5）存储，写入后不再覆盖
	StagePayload datatypes.JSON `json:"stage_payload" gorm:"type:jsonb"`

	RegionID    string           `json:"region_id,omitempty" gorm:"size:36"`
	QuotationID string           `json:"quotation_id,omitempty" gorm:"size:36;index"`
	FinalPrice  *decimal.Decimal `json:"final_price,omitempty" gorm:"type:numeric(18,2)"`
	Margin      *decimal.Decimal `json:"margin,omitempty" gorm:"type:numeric(18,4)"`
	Overhead    *decimal.Decimal `json:"overhead,omitempty" gorm:"type:numeric(18,2)"`
	PONumber    string           `json:"po_number,omitempty" gorm:"size:64"`
	PODate      *time.Time       `json:"po_date,omitempty"`
	LostReason  string           `json:"lost_reason,omitempty" gorm:"type:text"`
	ClosedAt    *time.Time       `json:"closed_at,omitempty"`

	CreatedBy string    `json:"created_by" gorm:"size:64"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	StageHistory []StageHistory `json:"stage_history,omitempty" gorm:"foreignKey:OpportunityID"`
}

func (Opportunity) TableName() string {
	return "crm_opportunities"
}

// IsTerminal 是否已进入终态
func (o *Opportunity) IsTerminal() bool {
	return IsTerminalStage(o.CurrentStage)
}

// DaysInStage 当前阶段停留天数
func (o *Opportunity) DaysInStage(now time.Time) int {
	if o.StageEnteredAt.IsZero() {
		return 0
	}
	return int(now.Sub(o.StageEnteredAt).Hours() / 24)
}

// StageHistory 阶段变更记录，只追加
type StageHistory struct {
	ID            string    `json:"id" gorm:"primaryKey;size:36"`
	OpportunityID string    `json:"opportunity_id" gorm:"size:36;not null;uniqueIndex:idx_crm_history_seq"`
	Sequence      int       `json:"sequence" gorm:"not null;uniqueIndex:idx_crm_history_seq"`
	FromStage     int       `json:"from_stage" gorm:"not null"`
	ToStage       int       `json:"to_stage" gorm:"not null"`
	ChangedBy     string    `json:"changed_by" gorm:"size:64;not null"`
	ChangedAt     time.Time `json:"changed_at" gorm:"not null"`
	Notes         string    `json:"notes" gorm:"type:text"`
	Automatic     bool      `json:"automatic" gorm:"not null;default:false"`
}

func (StageHistory) TableName() string {
	return "crm_opportunity_stage_history"
}

// ProposalDocument 方案文档（L3 提交方案时引用）
type ProposalDocument struct {
	ID            string    `json:"id" gorm:"primaryKey;size:36"`
	OpportunityID string    `json:"opportunity_id" gorm:"size:36;not null;index"`
	FileName      string    `json:"file_name" gorm:"size:256;not null"`
	ObjectKey     string    `json:"object_key" gorm:"size:512;not null"`
	ContentType   string    `json:"content_type" gorm:"size:128"`
	Size          int64     `json:"size"`
	UploadedBy    string    `json:"uploaded_by" gorm:"size:64"`
	CreatedAt     time.Time `json:"created_at"`
}

func (ProposalDocument) TableName() string {
	return "crm_proposal_documents"
}
