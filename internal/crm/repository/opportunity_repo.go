package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bitfantasy/nimo-crm/internal/crm/entity"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OpportunityRepository 商机仓库
type OpportunityRepository struct {
	db *gorm.DB
}

func NewOpportunityRepository(db *gorm.DB) *OpportunityRepository {
	return &OpportunityRepository{db: db}
}

// Create 创建商机
func (r *OpportunityRepository) Create(ctx context.Context, opp *entity.Opportunity) error {
	if opp.ID == "" {
		opp.ID = uuid.New().String()
	}
	return r.db.WithContext(ctx).Omit("StageHistory").Create(opp).Error
}

// FindByID 根据ID查找商机（含阶段历史）
func (r *OpportunityRepository) FindByID(ctx context.Context, id string) (*entity.Opportunity, error) {
	var opp entity.Opportunity
	err := r.db.WithContext(ctx).
		Preload("StageHistory", func(db *gorm.DB) *gorm.DB {
			return db.Order("sequence ASC")
		}).
		Where("id = ?", id).
		First(&opp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &opp, nil
}

// List 查询商机列表
func (r *OpportunityRepository) List(ctx context.Context, filter ListFilter) ([]entity.Opportunity, int64, error) {
	filter = filter.normalized()
	var items []entity.Opportunity
	var total int64

	query := r.db.WithContext(ctx).Model(&entity.Opportunity{})

	if filter.Stage > 0 {
		query = query.Where("current_stage = ?", filter.Stage)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.CompanyID != "" {
		query = query.Where("company_id = ?", filter.CompanyID)
	}
	if filter.LeadOwnerID != "" {
		query = query.Where("lead_owner_id = ?", filter.LeadOwnerID)
	}
	if filter.Keyword != "" {
		kw := "%" + filter.Keyword + "%"
		query = query.Where("title ILIKE ? OR display_id ILIKE ? OR company_name ILIKE ?", kw, kw, kw)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (filter.Page - 1) * filter.PageSize
	err := query.
		Order("created_at DESC").
		Offset(offset).
		Limit(filter.PageSize).
		Find(&items).Error

	return items, total, err
}

// History 阶段历史，按序号升序
func (r *OpportunityRepository) History(ctx context.Context, opportunityID string) ([]entity.StageHistory, error) {
	var exists int64
	if err := r.db.WithContext(ctx).Model(&entity.Opportunity{}).Where("id = ?", opportunityID).Count(&exists).Error; err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrNotFound
	}
	var items []entity.StageHistory
	err := r.db.WithContext(ctx).
		Where("opportunity_id = ?", opportunityID).
		Order("sequence ASC").
		Find(&items).Error
	return items, err
}

// ApplyTransition 以 current_stage 为条件更新商机并追加一条历史，同一事务
func (r *OpportunityRepository) ApplyTransition(ctx context.Context, opp *entity.Opportunity, fromStage int, entry *entity.StageHistory) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&entity.Opportunity{}).
			Where("id = ? AND current_stage = ?", opp.ID, fromStage).
			Updates(map[string]interface{}{
				"current_stage":    opp.CurrentStage,
				"status":           opp.Status,
				"stage_entered_at": opp.StageEnteredAt,
				"stage_payload":    opp.StagePayload,
				"region_id":        opp.RegionID,
				"lead_owner_id":    opp.LeadOwnerID,
				"quotation_id":     opp.QuotationID,
				"final_price":      opp.FinalPrice,
				"margin":           opp.Margin,
				"overhead":         opp.Overhead,
				"po_number":        opp.PONumber,
				"po_date":          opp.PODate,
				"lost_reason":      opp.LostReason,
				"closed_at":        opp.ClosedAt,
				"updated_at":       opp.UpdatedAt,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&entity.Opportunity{}).Where("id = ?", opp.ID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrNotFound
			}
			return ErrStaleStage
		}

		// 行已被上面的 UPDATE 锁住，序号在事务内是串行的
		var seq int64
		if err := tx.Model(&entity.StageHistory{}).Where("opportunity_id = ?", opp.ID).Count(&seq).Error; err != nil {
			return err
		}
		if entry.ID == "" {
			entry.ID = uuid.New().String()
		}
		entry.OpportunityID = opp.ID
		entry.Sequence = int(seq) + 1
		return tx.Create(entry).Error
	})
}

// ListTimeoutCandidates Active 且在 stage 停留到 enteredBefore（含）之前的商机
func (r *OpportunityRepository) ListTimeoutCandidates(ctx context.Context, stage int, enteredBefore time.Time) ([]entity.Opportunity, error) {
	var items []entity.Opportunity
	err := r.db.WithContext(ctx).
		Where("current_stage = ? AND status = ? AND stage_entered_at <= ?", stage, entity.StatusActive, enteredBefore).
		Order("stage_entered_at ASC").
		Find(&items).Error
	return items, err
}

// CreateDocument 记录方案文档
func (r *OpportunityRepository) CreateDocument(ctx context.Context, doc *entity.ProposalDocument) error {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	return r.db.WithContext(ctx).Create(doc).Error
}

// ListDocuments 商机的方案文档
func (r *OpportunityRepository) ListDocuments(ctx context.Context, opportunityID string) ([]entity.ProposalDocument, error) {
	var docs []entity.ProposalDocument
	err := r.db.WithContext(ctx).
		Where("opportunity_id = ?", opportunityID).
		Order("created_at ASC").
		Find(&docs).Error
	return docs, err
}
