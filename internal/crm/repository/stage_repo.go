package repository

import (
	"context"

	"github.com/bitfantasy/nimo-crm/internal/crm/entity"
	"gorm.io/gorm"
)

// StageRepository 阶段主数据仓库
type StageRepository struct {
	db *gorm.DB
}

func NewStageRepository(db *gorm.DB) *StageRepository {
	return &StageRepository{db: db}
}

// Stages 按排序返回阶段；表为空时返回默认阶段
func (r *StageRepository) Stages(ctx context.Context) ([]entity.PipelineStage, error) {
	var stages []entity.PipelineStage
	err := r.db.WithContext(ctx).
		Order("sort_order ASC, stage ASC").
		Find(&stages).Error
	if err != nil {
		return nil, err
	}
	if len(stages) == 0 {
		return entity.DefaultStages(), nil
	}
	return stages, nil
}

// StaticStages serves the built-in stage list.
type StaticStages struct{}

func (StaticStages) Stages(context.Context) ([]entity.PipelineStage, error) {
	return entity.DefaultStages(), nil
}
