package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bitfantasy/nimo-crm/internal/crm/entity"
	"gorm.io/gorm"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrStaleStage 条件更新时阶段已被其他请求修改
	ErrStaleStage = errors.New("opportunity stage changed concurrently")
)

// ListFilter 商机列表筛选
type ListFilter struct {
	Stage       int
	Status      string
	CompanyID   string
	LeadOwnerID string
	Keyword     string
	Page        int
	PageSize    int
}

func (f ListFilter) normalized() ListFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 20
	}
	if f.PageSize > 500 {
		f.PageSize = 500
	}
	return f
}

// OpportunityStore 商机存储
type OpportunityStore interface {
	Create(ctx context.Context, opp *entity.Opportunity) error
	FindByID(ctx context.Context, id string) (*entity.Opportunity, error)
	List(ctx context.Context, filter ListFilter) ([]entity.Opportunity, int64, error)
	History(ctx context.Context, opportunityID string) ([]entity.StageHistory, error)
	ApplyTransition(ctx context.Context, opp *entity.Opportunity, fromStage int, entry *entity.StageHistory) error
	ListTimeoutCandidates(ctx context.Context, stage int, enteredBefore time.Time) ([]entity.Opportunity, error)
	CreateDocument(ctx context.Context, doc *entity.ProposalDocument) error
	ListDocuments(ctx context.Context, opportunityID string) ([]entity.ProposalDocument, error)
}

// StageSource 阶段主数据
type StageSource interface {
	Stages(ctx context.Context) ([]entity.PipelineStage, error)
}

// Repositories CRM仓库集合
type Repositories struct {
	Opportunity OpportunityStore
	Stage       StageSource
}

// NewRepositories 创建基于 postgres 的仓库集合
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Opportunity: NewOpportunityRepository(db),
		Stage:       NewStageRepository(db),
	}
}

// NewMemoryRepositories 创建内存仓库集合（database.driver=memory 及测试）
func NewMemoryRepositories() *Repositories {
	return &Repositories{
		Opportunity: NewMemoryOpportunityStore(),
		Stage:       StaticStages{},
	}
}
