package entity

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AutoMigrate 自动迁移所有CRM表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&PipelineStage{},
		&Opportunity{},
		&StageHistory{},
		&ProposalDocument{},
	)
}

// SeedStages 写入默认阶段主数据，已存在则跳过
func SeedStages(db *gorm.DB) error {
	stages := DefaultStages()
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&stages).Error
}
